package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

var (
	errPermanent = NewPermanentError(errors.New("invalid recipient"), 400)
	errAuth      = NewAuthError(errors.New("bad key"), 401)
	errTransient = NewTransientError(errors.New("503"), 503)
)

func failWith(cb *CircuitBreaker, err error, n int) {
	for i := 0; i < n; i++ {
		_ = cb.Execute(context.Background(), func(_ context.Context) error { return err })
	}
}

func TestCircuitBreaker_ClosedPassesThrough(t *testing.T) {
	cb := NewCircuitBreaker(DefaultCircuitBreakerConfig())

	var calls int
	err := cb.Execute(context.Background(), func(_ context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
	if cb.State() != CircuitClosed {
		t.Errorf("expected closed state, got %s", cb.State())
	}
}

func TestCircuitBreaker_PermanentFailuresOpenAtThreshold(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 3, ResetTimeout: time.Minute})

	failWith(cb, errPermanent, 2)
	if cb.State() != CircuitClosed {
		t.Fatalf("expected closed below threshold, got %s", cb.State())
	}
	failWith(cb, errPermanent, 1)
	if cb.State() != CircuitOpen {
		t.Fatalf("expected open at threshold, got %s", cb.State())
	}

	err := cb.Execute(context.Background(), func(_ context.Context) error {
		t.Error("should not be called when circuit is open")
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
	if cb.LastError() != "invalid recipient" {
		t.Errorf("unexpected last error %q", cb.LastError())
	}
}

func TestCircuitBreaker_AuthTripsImmediately(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 10, ResetTimeout: time.Minute})

	failWith(cb, errAuth, 1)
	if cb.State() != CircuitOpen {
		t.Errorf("expected open after a single auth failure, got %s", cb.State())
	}
}

func TestCircuitBreaker_TransientDoesNotTrip(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 2, ResetTimeout: time.Minute})

	failWith(cb, errPermanent, 1)
	failWith(cb, errTransient, 5)
	failures, state := cb.Counters()
	if state != CircuitClosed {
		t.Errorf("expected closed, got %s", state)
	}
	if failures != 0 {
		t.Errorf("transient errors should reset the consecutive counter, got %d", failures)
	}
}

func TestCircuitBreaker_HalfOpenAfterTimeout(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: 10 * time.Second})
	cb.nowFunc = func() time.Time { return now }

	failWith(cb, errPermanent, 1)
	if cb.State() != CircuitOpen {
		t.Fatalf("expected open, got %s", cb.State())
	}

	now = now.Add(11 * time.Second)
	if cb.State() != CircuitHalfOpen {
		t.Fatalf("expected half-open after timeout, got %s", cb.State())
	}

	if err := cb.Execute(context.Background(), func(_ context.Context) error { return nil }); err != nil {
		t.Fatalf("probe should be allowed: %v", err)
	}
	if cb.State() != CircuitClosed {
		t.Errorf("expected closed after successful probe, got %s", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: 10 * time.Second})
	cb.nowFunc = func() time.Time { return now }

	failWith(cb, errPermanent, 1)
	now = now.Add(11 * time.Second)
	failWith(cb, errPermanent, 1)

	_, state := cb.Counters()
	if state != CircuitOpen {
		t.Errorf("expected open after failed probe, got %s", state)
	}
}

func TestCircuitBreaker_HalfOpenAdmitsOneProbe(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: 10 * time.Second})
	cb.nowFunc = func() time.Time { return now }

	failWith(cb, errAuth, 1)
	now = now.Add(11 * time.Second)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
		rejected int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := cb.Allow()
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				admitted++
			} else if errors.Is(err, ErrCircuitOpen) {
				rejected++
			}
		}()
	}
	wg.Wait()

	if admitted != 1 || rejected != 19 {
		t.Fatalf("expected one probe admitted and 19 rejected, got %d/%d", admitted, rejected)
	}
	if cb.Admits() {
		t.Error("no caller should be admitted while the probe is in flight")
	}

	cb.Record(nil)
	if cb.State() != CircuitClosed {
		t.Errorf("expected closed after the probe succeeded, got %s", cb.State())
	}
	if err := cb.Allow(); err != nil {
		t.Errorf("closed circuit should admit: %v", err)
	}
}

func TestCircuitBreaker_ProbeReleasedByFailure(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: 10 * time.Second, HalfOpenMaxProbes: 2})
	cb.nowFunc = func() time.Time { return now }

	failWith(cb, errPermanent, 1)
	now = now.Add(11 * time.Second)

	if err := cb.Allow(); err != nil {
		t.Fatalf("first probe should be admitted: %v", err)
	}
	cb.Record(nil)
	if cb.State() != CircuitHalfOpen {
		t.Fatalf("expected half-open until two probes succeed, got %s", cb.State())
	}
	if err := cb.Allow(); err != nil {
		t.Fatalf("second probe should be admitted once the first recorded: %v", err)
	}
	cb.Record(errPermanent)
	if !errors.Is(cb.Allow(), ErrCircuitOpen) {
		t.Error("failed probe should reopen the circuit")
	}
}

func TestCircuitBreaker_AdmitsDoesNotTransition(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: 10 * time.Second})
	cb.nowFunc = func() time.Time { return now }

	failWith(cb, errAuth, 1)
	if cb.Admits() {
		t.Fatal("open circuit should not admit before the reset timeout")
	}
	now = now.Add(11 * time.Second)
	if !cb.Admits() {
		t.Fatal("expired open circuit should admit a probe")
	}
	if _, state := cb.Counters(); state != CircuitOpen {
		t.Errorf("Admits must not move the circuit, got %s", state)
	}
}

func TestCircuitBreaker_CustomShouldTrip(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 2,
		ResetTimeout:     time.Minute,
		ShouldTrip:       func(err error) bool { return err.Error() == "tripworthy" },
		TripImmediately:  func(error) bool { return false },
	})

	failWith(cb, errors.New("ignored"), 5)
	if cb.State() != CircuitClosed {
		t.Errorf("expected closed, got %s", cb.State())
	}
	failWith(cb, errors.New("tripworthy"), 2)
	if cb.State() != CircuitOpen {
		t.Errorf("expected open, got %s", cb.State())
	}
}

func TestCircuitBreaker_OnStateChangeAndReset(t *testing.T) {
	var transitions []string
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     time.Hour,
		OnStateChange: func(from, to CircuitState) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})

	failWith(cb, errPermanent, 1)
	cb.Reset()
	cb.Reset()

	want := []string{"closed->open", "open->closed"}
	if len(transitions) != len(want) {
		t.Fatalf("expected %v, got %v", want, transitions)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d: expected %s, got %s", i, want[i], transitions[i])
		}
	}
	if err := cb.Allow(); err != nil {
		t.Errorf("expected calls allowed after reset: %v", err)
	}
}

func TestCircuitBreaker_RecordOutsideExecute(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 2, ResetTimeout: time.Hour})
	cb.Record(errPermanent)
	cb.Record(errPermanent)
	if !errors.Is(cb.Allow(), ErrCircuitOpen) {
		t.Error("expected Allow to reject after two recorded permanent failures")
	}
}

func TestCircuitBreaker_ConcurrentAccess(t *testing.T) {
	t.Parallel()
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 100, ResetTimeout: time.Minute})

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = cb.Execute(context.Background(), func(_ context.Context) error {
				if i%2 == 0 {
					return errPermanent
				}
				return nil
			})
		}()
	}
	wg.Wait()
}

func TestExecuteVal(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Hour})

	val, err := ExecuteVal(context.Background(), cb, func(_ context.Context) (int, error) {
		return 42, nil
	})
	if err != nil || val != 42 {
		t.Fatalf("expected 42, got %d (%v)", val, err)
	}

	_, _ = ExecuteVal(context.Background(), cb, func(_ context.Context) (int, error) {
		return 0, errPermanent
	})
	val, err = ExecuteVal(context.Background(), cb, func(_ context.Context) (int, error) {
		return 1, nil
	})
	if !errors.Is(err, ErrCircuitOpen) || val != 0 {
		t.Errorf("expected ErrCircuitOpen and zero value, got %d (%v)", val, err)
	}
}

func TestServiceBreakers(t *testing.T) {
	sb := NewServiceBreakers(CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Hour})

	var changes []string
	sb.OnStateChange(func(service string, _, to CircuitState) {
		changes = append(changes, service+":"+to.String())
	})

	research := sb.Get("research")
	if sb.Get("research") != research {
		t.Error("expected the same breaker for the same service")
	}
	delivery := sb.Get("delivery")

	failWith(delivery, errAuth, 1)
	failWith(research, errTransient, 3)

	open := sb.Open()
	if len(open) != 1 || open[0] != "delivery" {
		t.Errorf("expected only delivery open, got %v", open)
	}
	states := sb.States()
	if states["research"] != CircuitClosed {
		t.Errorf("expected research closed, got %s", states["research"])
	}

	sb.ResetAll()
	if len(sb.Open()) != 0 {
		t.Errorf("expected no open breakers after ResetAll, got %v", sb.Open())
	}
	if len(changes) != 2 || changes[0] != "delivery:open" || changes[1] != "delivery:closed" {
		t.Errorf("unexpected change notifications: %v", changes)
	}
}

func TestCircuitState_String(t *testing.T) {
	tests := map[CircuitState]string{
		CircuitClosed:    "closed",
		CircuitOpen:      "open",
		CircuitHalfOpen:  "half-open",
		CircuitState(99): "unknown",
	}
	for state, want := range tests {
		if got := state.String(); got != want {
			t.Errorf("expected %s, got %s", want, got)
		}
	}
}

func TestFromCircuitConfig(t *testing.T) {
	cfg := FromCircuitConfig(0, 0)
	if cfg.FailureThreshold != 5 || cfg.ResetTimeout != 30*time.Second {
		t.Errorf("expected defaults, got %+v", cfg)
	}
	cfg = FromCircuitConfig(3, time.Minute)
	if cfg.FailureThreshold != 3 || cfg.ResetTimeout != time.Minute {
		t.Errorf("expected overrides, got %+v", cfg)
	}
}
