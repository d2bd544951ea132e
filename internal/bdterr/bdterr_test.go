package bdterr

import (
	"errors"
	"fmt"
	"testing"
)

func TestAsExtractsKindThroughWrapping(t *testing.T) {
	base := New(NotFound, "chunk missing")
	wrapped := fmt.Errorf("lookup failed: %w", base)

	if got := As(wrapped); got != NotFound {
		t.Fatalf("expected NotFound, got %v", got)
	}
}

func TestAsDefaultsToUnknownForPlainErrors(t *testing.T) {
	if got := As(errors.New("plain")); got != Unknown {
		t.Fatalf("expected Unknown for a plain error, got %v", got)
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("short read")
	err := Wrap(InvalidFormat, "bad frame", cause)
	if !errors.Is(err, cause) {
		t.Fatal("expected Wrap to preserve the cause for errors.Is")
	}
}
