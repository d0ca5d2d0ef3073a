package errors

import (
	stderrors "errors"
	"fmt"
	"testing"
)

func TestCodeOf(t *testing.T) {
	if got := CodeOf(AuthRequired("no token")); got != CodeAuthRequired {
		t.Fatalf("expected AUTH_REQUIRED, got %s", got)
	}
	if got := CodeOf(stderrors.New("plain")); got != CodeInternal {
		t.Fatalf("unclassified errors report INTERNAL, got %s", got)
	}
}

func TestCodeSurvivesWrapping(t *testing.T) {
	inner := NotConnected("no link")
	outer := fmt.Errorf("emit failed: %w", inner)

	if !Is(outer, CodeNotConnected) {
		t.Fatalf("expected NOT_CONNECTED through wrap, got %s", CodeOf(outer))
	}
}

func TestUnwrap(t *testing.T) {
	cause := stderrors.New("dial tcp: refused")
	err := NetworkTransient("dial", cause)

	if !stderrors.Is(err, cause) {
		t.Fatal("expected cause to be reachable via errors.Is")
	}
	if err.Error() != "dial: dial tcp: refused" {
		t.Fatalf("unexpected message: %s", err.Error())
	}
}

func TestIsNilError(t *testing.T) {
	if Is(nil, CodeInternal) {
		t.Fatal("nil error must not match any code")
	}
}
