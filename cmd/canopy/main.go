// Package main provides a CLI for administering canopy permission data.
//
// The CLI supports:
//   - migrate: Create the permission tables in PostgreSQL
//   - check: Resolve a user's effective level on a file
//   - grant/revoke: Mutate direct grants through the coordinator
//   - rebuild: Force materialization for a user or a subtree
//   - status: Show table state and row counts
//
// Commands that touch the database need --db, a config file, or
// CANOPY_DATABASE_URL.
package main

func main() {
	Execute()
}
