package relaykeystore

import (
	"path/filepath"
	"testing"
	"time"
)

func TestOpen_GeneratesAndPersistsFreshIdentity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.json")
	store, err := Open(path, time.Hour, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	id := store.Current()
	if id == nil || id.Priv == nil {
		t.Fatalf("expected a generated identity")
	}

	reopened, err := Open(path, time.Hour, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if reopened.Current().Priv.D.Cmp(id.Priv.D) != 0 {
		t.Fatalf("expected reopened store to restore the persisted private key")
	}
}

func TestOpen_RegeneratesWhenPersistedIdentityIsExpired(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.json")
	store, err := Open(path, time.Hour, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	first := store.Current()

	// A one-nanosecond rotation interval makes any persisted identity
	// immediately stale (an interval of 0 would select the 24h default).
	reopened, err := Open(path, time.Nanosecond, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if reopened.Current().Fingerprint == first.Fingerprint {
		t.Fatalf("expected a freshly generated identity, got the persisted one")
	}
}

func TestRotateIfDue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.json")
	store, err := Open(path, time.Hour, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	first := store.Current()

	rotated, err := store.RotateIfDue(time.Now())
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if rotated {
		t.Fatalf("expected no rotation before the interval elapses")
	}

	rotated, err = store.RotateIfDue(time.Now().Add(2 * time.Hour))
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if !rotated {
		t.Fatalf("expected rotation after the interval elapses")
	}
	if store.Current().Fingerprint == first.Fingerprint {
		t.Fatalf("expected a new identity after rotation")
	}

	// The rotated-out identity remains resolvable for in-flight sessions.
	if _, ok := store.Lookup(first.Fingerprint); !ok {
		t.Fatalf("expected rotated-out identity to remain looked-up-able")
	}
}
