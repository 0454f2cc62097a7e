package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"
)

func testConfig() Config {
	cfg := DefaultConfig("test")
	cfg.FailureThreshold = 2
	cfg.Timeout = time.Hour
	return cfg
}

func TestOpensAfterConsecutiveFailures(t *testing.T) {
	var transitions []State
	cb, err := New(testConfig(), nil, func(_ string, to State) { transitions = append(transitions, to) })
	if err != nil {
		t.Fatal(err)
	}
	boom := errors.New("broker down")
	for i := 0; i < 2; i++ {
		if err := cb.Do(context.Background(), func(context.Context) error { return boom }); !errors.Is(err, boom) {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	if cb.State() != StateOpen {
		t.Fatalf("state = %s", cb.State())
	}
	called := false
	err = cb.Do(context.Background(), func(context.Context) error { called = true; return nil })
	if !errors.Is(err, ErrOpen) || called {
		t.Errorf("open circuit: err = %v, called = %v", err, called)
	}
	if len(transitions) != 1 || transitions[0] != StateOpen {
		t.Errorf("transitions = %v", transitions)
	}
}

func TestPermanentErrorsDoNotTrip(t *testing.T) {
	cb, err := New(testConfig(), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	bad := errors.New("malformed document")
	for i := 0; i < 5; i++ {
		err := cb.Do(context.Background(), func(context.Context) error { return Permanent(bad) })
		if err != bad {
			t.Fatalf("expected the unwrapped error, got %v", err)
		}
	}
	if cb.State() != StateClosed {
		t.Errorf("state = %s", cb.State())
	}
}

func TestManagerHealth(t *testing.T) {
	m := NewManager(nil, nil)
	a, _ := m.GetOrCreate("s3", testConfig())
	b, _ := m.GetOrCreate("s3", testConfig())
	if a != b {
		t.Error("expected the same breaker")
	}
	m.GetOrCreate("broker", testConfig())
	h := m.Health()
	if len(h) != 2 || h[0].Name != "broker" || !h[0].Healthy {
		t.Errorf("health = %+v", h)
	}
	if StateHalfOpen.Gauge() != 2 || StateOpen.Gauge() != 1 {
		t.Error("gauge mapping")
	}
}
