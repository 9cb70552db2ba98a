package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(maxFailures int, reset time.Duration) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	cb := NewCircuitBreaker("test", maxFailures, reset)
	cb.now = clock.now
	return cb, clock
}

func failing(context.Context) error { return errors.New("issuer down") }

func succeeding(context.Context) error { return nil }

func TestCircuitBreaker_StateClosed(t *testing.T) {
	cb, _ := newTestBreaker(3, time.Second)

	if cb.State() != StateClosed {
		t.Errorf("Expected initial state to be Closed, got %s", cb.State())
	}
	if !cb.allowRequest() {
		t.Error("Expected to allow request in Closed state")
	}
}

func TestCircuitBreaker_OpenAfterFailures(t *testing.T) {
	cb, _ := newTestBreaker(3, time.Second)

	cb.RecordResult(false)
	cb.RecordResult(false)
	if cb.State() != StateClosed {
		t.Error("Expected state to still be Closed after 2 failures")
	}

	cb.RecordResult(false)
	if cb.State() != StateOpen {
		t.Error("Expected state to be Open after 3 failures")
	}

	err := cb.Call(context.Background(), succeeding)
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Expected ErrCircuitOpen, got %v", err)
	}
}

func TestCircuitBreaker_HalfOpenProbe(t *testing.T) {
	cb, clock := newTestBreaker(1, 100*time.Millisecond)
	cb.RecordResult(false)

	clock.advance(150 * time.Millisecond)

	if !cb.allowRequest() {
		t.Fatal("Expected a probe to be allowed after the reset timeout")
	}
	if cb.State() != StateHalfOpen {
		t.Errorf("Expected HalfOpen, got %s", cb.State())
	}
	if cb.allowRequest() {
		t.Error("Expected only one concurrent probe in HalfOpen")
	}
}

func TestCircuitBreaker_CloseAfterSuccessfulProbe(t *testing.T) {
	cb, clock := newTestBreaker(1, 100*time.Millisecond)
	cb.RecordResult(false)
	clock.advance(150 * time.Millisecond)

	if err := cb.Call(context.Background(), succeeding); err != nil {
		t.Fatalf("Expected probe to succeed, got %v", err)
	}
	if cb.State() != StateClosed {
		t.Errorf("Expected Closed after successful probe, got %s", cb.State())
	}
}

func TestCircuitBreaker_ReopenAfterFailedProbe(t *testing.T) {
	cb, clock := newTestBreaker(1, 100*time.Millisecond)
	cb.RecordResult(false)
	clock.advance(150 * time.Millisecond)

	if err := cb.Call(context.Background(), failing); err == nil {
		t.Fatal("Expected probe error")
	}
	if cb.State() != StateOpen {
		t.Errorf("Expected Open after failed probe, got %s", cb.State())
	}
}

func TestCircuitBreaker_CallerCancellationNotCounted(t *testing.T) {
	cb, _ := newTestBreaker(1, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := cb.Call(ctx, func(ctx context.Context) error { return ctx.Err() })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	if cb.State() != StateClosed {
		t.Errorf("Expected caller cancellation to leave circuit Closed, got %s", cb.State())
	}
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	cb, _ := newTestBreaker(2, time.Second)
	var transitions []CircuitState
	cb.OnStateChange = func(name string, state CircuitState) {
		if name != "test" {
			t.Errorf("Expected name 'test', got %q", name)
		}
		transitions = append(transitions, state)
	}

	cb.RecordResult(false)
	cb.RecordResult(false)

	if len(transitions) != 1 || transitions[0] != StateOpen {
		t.Errorf("Expected [open], got %v", transitions)
	}
	if cb.Name() != "test" {
		t.Errorf("Expected name 'test', got %q", cb.Name())
	}
}

func TestCircuitBreaker_Stats(t *testing.T) {
	cb, _ := newTestBreaker(3, time.Second)

	cb.RecordResult(true)
	cb.RecordResult(true)
	cb.RecordResult(false)

	state, requestCount, failureCount, failureRate := cb.Stats()

	if state != StateClosed {
		t.Errorf("Expected state Closed, got %s", state)
	}
	if requestCount != 3 {
		t.Errorf("Expected 3 requests, got %d", requestCount)
	}
	if failureCount != 1 {
		t.Errorf("Expected 1 failure, got %d", failureCount)
	}
	if failureRate < 33.0 || failureRate > 34.0 {
		t.Errorf("Expected failure rate around 33.33%%, got %.2f%%", failureRate)
	}
}
