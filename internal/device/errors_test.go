package device

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	plain := errors.New("boom")

	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"nil error", nil, KindNone},
		{"plain error", plain, KindOperation},
		{"deadline exceeded", context.DeadlineExceeded, KindTimeout},
		{"wrapped deadline", fmt.Errorf("step: %w", context.DeadlineExceeded), KindTimeout},
		{"kinded error", WithKind(KindBackup, plain), KindBackup},
		{"kinded through wrap", fmt.Errorf("step: %w", WithKind(KindRecovery, plain)), KindRecovery},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestWithKind(t *testing.T) {
	t.Run("nil stays nil", func(t *testing.T) {
		if got := WithKind(KindBackup, nil); got != nil {
			t.Errorf("WithKind(nil) = %v, want nil", got)
		}
	})

	t.Run("first kind wins", func(t *testing.T) {
		inner := WithKind(KindRecoveryAccess, errors.New("reboot refused"))
		outer := WithKind(KindOperation, inner)
		if got := KindOf(outer); got != KindRecoveryAccess {
			t.Errorf("KindOf() = %q, want %q", got, KindRecoveryAccess)
		}
	})

	t.Run("errors.Is sees the cause", func(t *testing.T) {
		wrapped := WithKind(KindSerial, ErrBusy)
		if !errors.Is(wrapped, ErrBusy) {
			t.Error("errors.Is() = false, want true through KindError")
		}
	})

	t.Run("message is the cause's", func(t *testing.T) {
		wrapped := WithKind(KindData, errors.New("short read"))
		if wrapped.Error() != "short read" {
			t.Errorf("Error() = %q, want %q", wrapped.Error(), "short read")
		}
	})
}

func TestErrorKindString(t *testing.T) {
	if got := KindNone.String(); got != "none" {
		t.Errorf("KindNone.String() = %q, want none", got)
	}
	if got := KindInvalidDevice.String(); got != "invalid-device" {
		t.Errorf("KindInvalidDevice.String() = %q, want invalid-device", got)
	}
}
