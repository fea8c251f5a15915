package relayerr

import (
	"context"
	"errors"
	"testing"
)

func TestWrapAndUnwrap(t *testing.T) {
	base := errors.New("boom")
	err := Wrap(PathRelay, StageSession, CodeBadCipher, base)
	if !errors.Is(err, base) {
		t.Fatalf("expected Wrap to preserve Unwrap chain")
	}
	code, ok := CodeOf(err)
	if !ok || code != CodeBadCipher {
		t.Fatalf("expected CodeOf to report %q, got %q (ok=%v)", CodeBadCipher, code, ok)
	}
	if !Is(err, CodeBadCipher) {
		t.Fatalf("expected Is(err, CodeBadCipher) to be true")
	}
}

func TestCodeOf_NonRelayError(t *testing.T) {
	if _, ok := CodeOf(errors.New("plain")); ok {
		t.Fatalf("expected CodeOf to report false for a non-relayerr error")
	}
}

func TestClassifyTransportCode(t *testing.T) {
	if got := ClassifyTransportCode(context.DeadlineExceeded); got != CodeIdleTimeout {
		t.Fatalf("expected CodeIdleTimeout, got %q", got)
	}
	if got := ClassifyTransportCode(context.Canceled); got != CodeInvalidState {
		t.Fatalf("expected CodeInvalidState, got %q", got)
	}
	if got := ClassifyTransportCode(errors.New("reset")); got != CodeWriteFailed {
		t.Fatalf("expected CodeWriteFailed, got %q", got)
	}
}
