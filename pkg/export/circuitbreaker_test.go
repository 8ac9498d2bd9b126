// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package export

import (
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(threshold int, reset time.Duration) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	cb := NewCircuitBreaker(threshold, reset)
	cb.now = clock.now
	return cb, clock
}

func TestCircuitBreakerStartsClosed(t *testing.T) {
	cb, _ := newTestBreaker(5, time.Minute)
	if cb.State() != CircuitClosed {
		t.Errorf("expected closed, got %v", cb.State())
	}
	if !cb.Allow() {
		t.Error("closed breaker must allow")
	}
}

func TestCircuitBreakerOpensAtThreshold(t *testing.T) {
	cb, _ := newTestBreaker(3, time.Minute)
	cb.RecordFailure()
	cb.RecordFailure()
	if cb.State() != CircuitClosed {
		t.Fatalf("expected closed below threshold, got %v", cb.State())
	}
	cb.RecordFailure()
	if cb.State() != CircuitOpen {
		t.Fatalf("expected open, got %v", cb.State())
	}
	if cb.Allow() {
		t.Error("open breaker must not allow")
	}
}

func TestCircuitBreakerSingleProbe(t *testing.T) {
	cb, clock := newTestBreaker(1, time.Second)
	cb.RecordFailure()

	clock.advance(time.Second)
	if !cb.Allow() {
		t.Fatal("expected probe after reset timeout")
	}
	if cb.State() != CircuitHalfOpen {
		t.Fatalf("expected half-open, got %v", cb.State())
	}
	if cb.Allow() {
		t.Error("only one probe may run while half-open")
	}

	cb.RecordSuccess()
	if cb.State() != CircuitClosed || cb.FailureCount() != 0 {
		t.Errorf("expected closed with no failures, got %v/%d", cb.State(), cb.FailureCount())
	}
}

func TestCircuitBreakerFailedProbeReopens(t *testing.T) {
	cb, clock := newTestBreaker(1, time.Second)
	cb.RecordFailure()
	clock.advance(2 * time.Second)
	cb.Allow()
	cb.RecordFailure()

	if cb.State() != CircuitOpen {
		t.Fatalf("expected open after failed probe, got %v", cb.State())
	}
	if cb.Allow() {
		t.Error("reset timeout restarts after a failed probe")
	}
	clock.advance(time.Second)
	if !cb.Allow() {
		t.Error("expected a new probe")
	}
}

func TestCircuitBreakerStateChanges(t *testing.T) {
	cb, clock := newTestBreaker(1, time.Second)
	var got []string
	cb.OnStateChange(func(from, to CircuitState) {
		got = append(got, from.String()+">"+to.String())
	})

	cb.RecordFailure()
	clock.advance(time.Second)
	cb.Allow()
	cb.RecordSuccess()
	cb.RecordSuccess()

	want := []string{"closed>open", "open>half-open", "half-open>closed"}
	if len(got) != len(want) {
		t.Fatalf("transitions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("transition %d = %s, want %s", i, got[i], want[i])
		}
	}
}
