package main

import "testing"

func TestBuildVersion(t *testing.T) {
	version, commit, date = "v1.2.3", "0123456789abcdef", "2026-01-02"

	got := buildVersion()
	want := "canopy v1.2.3\n  commit: 0123456\n  built:  2026-01-02"
	if got != want {
		t.Errorf("buildVersion() = %q, want %q", got, want)
	}
}
