package buildinfo

import (
	"runtime/debug"
	"testing"
)

func setVersion(t *testing.T, version, commit, date string) {
	t.Helper()
	oldVersion, oldCommit, oldDate := Version, Commit, Date
	Version, Commit, Date = version, commit, date
	t.Cleanup(func() {
		Version, Commit, Date = oldVersion, oldCommit, oldDate
	})
}

func stubBuildInfo(t *testing.T, info *debug.BuildInfo, ok bool) {
	t.Helper()
	old := readBuildInfo
	readBuildInfo = func() (*debug.BuildInfo, bool) { return info, ok }
	t.Cleanup(func() { readBuildInfo = old })
}

func TestString(t *testing.T) {
	setVersion(t, "1.2.3", "deadbeef", "2026-01-30")

	got := String()
	want := "version=1.2.3 commit=deadbeef date=2026-01-30"
	if got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}

func TestStringFallsBackToVCSStamp(t *testing.T) {
	setVersion(t, "dev", "none", "unknown")
	stubBuildInfo(t, &debug.BuildInfo{Settings: []debug.BuildSetting{
		{Key: "vcs.revision", Value: "0123456789abcdef0123"},
		{Key: "vcs.modified", Value: "true"},
	}}, true)

	got := String()
	want := "version=dev commit=0123456789ab-dirty date=unknown"
	if got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}

func TestStringWithoutBuildInfo(t *testing.T) {
	setVersion(t, "dev", "none", "unknown")
	stubBuildInfo(t, nil, false)

	if got, want := String(), "version=dev commit=none date=unknown"; got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}

func TestUserAgent(t *testing.T) {
	setVersion(t, "0.4.0", "none", "unknown")
	if got := UserAgent(); got != "dcrange/0.4.0" {
		t.Fatalf("UserAgent() = %q", got)
	}
}
