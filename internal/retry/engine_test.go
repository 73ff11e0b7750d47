package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/quantpool/capital-engine/internal/errs"
	"github.com/quantpool/capital-engine/internal/retry"
)

func writeErr() error {
	return errs.E(errs.KindWriteFailure, "disk on fire")
}

func TestBackoffScheduleThenExhaustion(t *testing.T) {
	e := retry.NewEngine(retry.Policy{}, retry.BreakerConfig{})

	op, err := e.Submit("persist", "agent-a")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	delay, again := e.MarkFailed(op.ID, writeErr(), errs.KindWriteFailure)
	if !again || delay != time.Second {
		t.Fatalf("attempt 1: got delay=%v again=%v, want 1s true", delay, again)
	}
	delay, again = e.MarkFailed(op.ID, writeErr(), errs.KindWriteFailure)
	if !again || delay != 2*time.Second {
		t.Fatalf("attempt 2: got delay=%v again=%v, want 2s true", delay, again)
	}

	// Third failure exhausts the default 3-attempt budget.
	_, again = e.MarkFailed(op.ID, writeErr(), errs.KindWriteFailure)
	if again {
		t.Fatal("attempt 3 should exhaust retries")
	}
	if len(e.Pending()) != 0 {
		t.Fatalf("exhausted operation still pending: %v", e.Pending())
	}
}

func TestDelayCappedAtMax(t *testing.T) {
	e := retry.NewEngine(retry.Policy{
		MaxAttempts:  10,
		InitialDelay: time.Second,
		Multiplier:   2,
		MaxDelay:     30 * time.Second,
	}, retry.BreakerConfig{})

	op, _ := e.Submit("persist", "")
	var prev time.Duration
	for i := 0; i < 9; i++ {
		delay, again := e.MarkFailed(op.ID, writeErr(), errs.KindWriteFailure)
		if !again {
			t.Fatalf("attempt %d: retries exhausted early", i+1)
		}
		if delay < prev {
			t.Fatalf("attempt %d: delay %v decreased from %v", i+1, delay, prev)
		}
		if delay > 30*time.Second {
			t.Fatalf("attempt %d: delay %v exceeds cap", i+1, delay)
		}
		prev = delay
	}
	if prev != 30*time.Second {
		t.Fatalf("final delay = %v, want capped 30s", prev)
	}
}

func TestNonRetryableFailsImmediately(t *testing.T) {
	e := retry.NewEngine(retry.Policy{}, retry.BreakerConfig{})

	exhausted := 0
	e.OnExhausted = func(op retry.Operation, err error) { exhausted++ }

	op, _ := e.Submit("persist", "agent-a")
	err := errs.E(errs.KindCapitalMismatch, "ledger broken")
	if _, again := e.MarkFailed(op.ID, err, errs.KindCapitalMismatch); again {
		t.Fatal("invariant violations must not be retried")
	}
	if exhausted != 1 {
		t.Fatalf("OnExhausted fired %d times, want 1", exhausted)
	}
}

func TestBreakerTripsAndAutoCloses(t *testing.T) {
	e := retry.NewEngine(
		retry.Policy{MaxAttempts: 1, InitialDelay: time.Millisecond},
		retry.BreakerConfig{Threshold: 2, Cooldown: 50 * time.Millisecond},
	)

	opened := 0
	e.OnBreakerOpen = func(failures int) { opened++ }

	for i := 0; i < 2; i++ {
		op, err := e.Submit("persist", "")
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		e.MarkFailed(op.ID, writeErr(), errs.KindWriteFailure)
	}

	if !e.Open() {
		t.Fatal("breaker should be open after threshold exhaustions")
	}
	if opened != 1 {
		t.Fatalf("OnBreakerOpen fired %d times, want 1", opened)
	}
	if _, err := e.Submit("persist", ""); errs.KindOf(err) != errs.KindCircuitOpen {
		t.Fatalf("submit while open: got %v, want CIRCUIT_BREAKER_OPEN", err)
	}

	// After the cool-down the breaker closes and the counter resets.
	time.Sleep(70 * time.Millisecond)
	op, err := e.Submit("persist", "")
	if err != nil {
		t.Fatalf("submit after cooldown: %v", err)
	}
	e.MarkFailed(op.ID, writeErr(), errs.KindWriteFailure)
	if e.Open() {
		t.Fatal("a single failure after reset must not re-trip a threshold-2 breaker")
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	e := retry.NewEngine(
		retry.Policy{MaxAttempts: 1, InitialDelay: time.Millisecond},
		retry.BreakerConfig{Threshold: 2, Cooldown: time.Minute},
	)

	op, _ := e.Submit("persist", "")
	e.MarkFailed(op.ID, writeErr(), errs.KindWriteFailure)

	op, _ = e.Submit("persist", "")
	e.MarkSuccess(op.ID)

	op, _ = e.Submit("persist", "")
	e.MarkFailed(op.ID, writeErr(), errs.KindWriteFailure)
	if e.Open() {
		t.Fatal("success between failures must reset the consecutive counter")
	}
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	e := retry.NewEngine(
		retry.Policy{MaxAttempts: 3, InitialDelay: time.Millisecond},
		retry.BreakerConfig{},
	)

	calls := 0
	err := e.Do(context.Background(), "persist", "agent-a", func(context.Context) error {
		calls++
		if calls < 3 {
			return writeErr()
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 3 {
		t.Fatalf("fn called %d times, want 3", calls)
	}
	if len(e.Pending()) != 0 {
		t.Fatal("completed operation still pending")
	}
}

func TestDoReturnsLastErrorOnExhaustion(t *testing.T) {
	e := retry.NewEngine(
		retry.Policy{MaxAttempts: 2, InitialDelay: time.Millisecond},
		retry.BreakerConfig{},
	)

	calls := 0
	err := e.Do(context.Background(), "persist", "", func(context.Context) error {
		calls++
		return writeErr()
	})
	if errs.KindOf(err) != errs.KindWriteFailure {
		t.Fatalf("got %v, want the final write failure", err)
	}
	if calls != 2 {
		t.Fatalf("fn called %d times, want exactly MaxAttempts", calls)
	}
}

func TestDoHonorsContextCancellation(t *testing.T) {
	e := retry.NewEngine(
		retry.Policy{MaxAttempts: 3, InitialDelay: time.Hour},
		retry.BreakerConfig{},
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- e.Do(ctx, "persist", "", func(context.Context) error {
			return writeErr()
		})
	}()
	cancel()

	select {
	case err := <-done:
		if errs.KindOf(err) != errs.KindTimeout {
			t.Fatalf("got %v, want TIMEOUT", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Do did not return after cancellation")
	}
}

func TestWithRetry(t *testing.T) {
	calls := 0
	err := retry.WithRetry(context.Background(), 3, time.Millisecond, func(context.Context) error {
		calls++
		if calls < 2 {
			return errors.New("transient")
		}
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("WithRetry: %v", err)
	}
	if calls != 2 {
		t.Fatalf("fn called %d times, want 2", calls)
	}
}
