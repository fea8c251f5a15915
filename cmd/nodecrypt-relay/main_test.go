package main

import (
	"bytes"
	"strings"
	"testing"

	ncversion "github.com/nodecrypt/relay-go/internal/version"
)

func TestVersionString_UsesLdflags(t *testing.T) {
	oldVersion, oldCommit, oldDate := version, commit, date
	t.Cleanup(func() { version, commit, date = oldVersion, oldCommit, oldDate })

	version = "v1.2.3"
	commit = "deadbeef"
	date = "2026-01-01T00:00:00Z"

	got := ncversion.String(version, commit, date)
	if !strings.Contains(got, "v1.2.3") || !strings.Contains(got, "deadbeef") {
		t.Fatalf("unexpected version string: %q", got)
	}
}

func TestRun_VersionFlag(t *testing.T) {
	oldVersion := version
	t.Cleanup(func() { version = oldVersion })
	version = "v9.9.9"

	var stdout, stderr bytes.Buffer
	code := run([]string{"--version"}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("expected exit 0, got %d (stderr=%q)", code, stderr.String())
	}
	if strings.TrimSpace(stdout.String()) == "" {
		t.Fatalf("expected version output")
	}
}

func TestRun_MissingOriginPrintsUsage(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run([]string{"--listen", "127.0.0.1:0"}, &stdout, &stderr)
	if code != 2 {
		t.Fatalf("expected exit 2, got %d", code)
	}
	if !strings.Contains(stderr.String(), "allow-origin") {
		t.Fatalf("expected missing --allow-origin message, got %q", stderr.String())
	}
}
