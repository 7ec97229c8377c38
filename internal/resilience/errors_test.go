package resilience

import (
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"
)

func TestIsTransient_ExplicitTransientError(t *testing.T) {
	err := NewTransientError(errors.New("busy"), "append audit")
	if !IsTransient(err) {
		t.Error("expected TransientError to be transient")
	}
}

func TestIsTransient_WrappedTransientError(t *testing.T) {
	inner := NewTransientError(errors.New("busy"), "append audit")
	wrapped := fmt.Errorf("record event: %w", inner)
	if !IsTransient(wrapped) {
		t.Error("expected wrapped TransientError to be transient")
	}
}

func TestIsTransient_NilError(t *testing.T) {
	if IsTransient(nil) {
		t.Error("nil error should not be transient")
	}
}

func TestIsTransient_RegularError(t *testing.T) {
	if IsTransient(errors.New("invalid input: missing field")) {
		t.Error("regular error should not be transient")
	}
}

func TestIsTransient_Syscalls(t *testing.T) {
	for _, errno := range []syscall.Errno{syscall.EAGAIN, syscall.EBUSY, syscall.ECONNRESET, syscall.ECONNREFUSED} {
		err := fmt.Errorf("exec: %w", errno)
		if !IsTransient(err) {
			t.Errorf("expected %v to be transient", errno)
		}
	}
}

func TestIsTransient_NetworkTimeout(t *testing.T) {
	err := &net.DNSError{IsTimeout: true, Err: "timeout"}
	if !IsTransient(err) {
		t.Error("network timeout should be transient")
	}
}

func TestIsTransient_StringPatterns(t *testing.T) {
	patterns := []string{
		"database is locked",
		"SQLITE_BUSY",
		"fork/exec /usr/bin/tesseract: resource temporarily unavailable",
		"ERROR: deadlock detected (SQLSTATE 40P01)",
		"could not serialize access due to concurrent update",
		"connection reset by peer",
	}
	for _, p := range patterns {
		if !IsTransient(errors.New(p)) {
			t.Errorf("expected %q to be transient", p)
		}
	}
}

func TestTransientError_Unwrap(t *testing.T) {
	inner := errors.New("root cause")
	te := NewTransientError(inner, "save claims")

	if !errors.Is(te, inner) {
		t.Error("TransientError.Unwrap should return the inner error")
	}
}

func TestTransientError_ErrorMessage(t *testing.T) {
	inner := errors.New("something went wrong")

	if got := NewTransientError(inner, "").Error(); got != "something went wrong" {
		t.Errorf("unexpected message %q", got)
	}
	if got := NewTransientError(inner, "save claims").Error(); got != "save claims: something went wrong" {
		t.Errorf("unexpected message %q", got)
	}
}
