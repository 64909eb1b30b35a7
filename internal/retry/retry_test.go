package retry

import (
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"testing"
	"time"
)

func TestIsTerminal(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"network blip", errors.New("connection reset by peer"), false},
		{"timeout", errors.New("gateway timeout"), false},
		{"insufficient funds", errors.New("Insufficient buying power"), true},
		{"invalid order", errors.New("invalid option symbol"), true},
		{"missing resource", errors.New("account not found"), true},
		{"auth failure", errors.New("401 unauthorized"), true},
		{"forbidden", errors.New("403 Forbidden"), true},
		{"exchange reject", errors.New("order rejected by exchange"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTerminal(tt.err); got != tt.want {
				t.Errorf("IsTerminal(%v) = %t, want %t", tt.err, got, tt.want)
			}
		})
	}
}

func fastPolicy() Policy {
	return Policy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
}

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func TestDo_SucceedsFirstTry(t *testing.T) {
	calls := 0
	err := fastPolicy().Do(context.Background(), quietLogger(), "op", func() error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("Do() error: %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDo_RetriesTransientErrors(t *testing.T) {
	calls := 0
	err := fastPolicy().Do(context.Background(), quietLogger(), "op", func() error {
		calls++
		if calls < 3 {
			return errors.New("gateway timeout")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do() error: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDo_TerminalErrorShortCircuits(t *testing.T) {
	calls := 0
	err := fastPolicy().Do(context.Background(), quietLogger(), "op", func() error {
		calls++
		return errors.New("order rejected")
	})
	if err == nil || !strings.Contains(err.Error(), "failed permanently on attempt 1") {
		t.Errorf("error = %v, want permanent failure on the first attempt", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	calls := 0
	underlying := errors.New("gateway timeout")
	err := fastPolicy().Do(context.Background(), quietLogger(), "op", func() error {
		calls++
		return underlying
	})
	if err == nil || !strings.Contains(err.Error(), "failed after 3 attempts") {
		t.Errorf("error = %v, want exhaustion after 3 attempts", err)
	}
	if !errors.Is(err, underlying) {
		t.Error("exhaustion error should wrap the last failure")
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDo_HonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := fastPolicy().Do(ctx, quietLogger(), "op", func() error {
		calls++
		return errors.New("gateway timeout")
	})
	if err == nil || !strings.Contains(err.Error(), "canceled") {
		t.Errorf("error = %v, want cancellation", err)
	}
	if calls != 0 {
		t.Errorf("calls = %d, want 0 when already canceled", calls)
	}
}

func TestDo_ZeroPolicyUsesDefaults(t *testing.T) {
	// MaxAttempts 0 falls back to the default three attempts. Keep the
	// function failing transiently so the default 1s backoff never runs.
	calls := 0
	p := Policy{InitialBackoff: time.Millisecond}
	err := p.Do(context.Background(), nil, "op", func() error {
		calls++
		if calls < 2 {
			return errors.New("gateway timeout")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do() error: %v", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}
