package circuitbreaker

import (
	"testing"
	"time"
)

func TestAllowWhileClosed(t *testing.T) {
	b := New(3, 100*time.Millisecond)
	if !b.Allow("rpc") {
		t.Fatal("fresh key should be allowed")
	}
	if b.State("rpc") != StateClosed {
		t.Fatalf("state = %v, want closed", b.State("rpc"))
	}
}

func TestTripsAtThreshold(t *testing.T) {
	b := New(3, 100*time.Millisecond)

	b.RecordFailure("rpc")
	b.RecordFailure("rpc")
	if !b.Allow("rpc") {
		t.Fatal("below threshold should still allow")
	}

	b.RecordFailure("rpc")
	if b.Allow("rpc") {
		t.Fatal("at threshold the circuit should reject")
	}
	if b.State("rpc") != StateOpen {
		t.Fatalf("state = %v, want open", b.State("rpc"))
	}
}

func TestProbeAfterHoldTime(t *testing.T) {
	b := New(2, 50*time.Millisecond)
	b.RecordFailure("rpc")
	b.RecordFailure("rpc")

	time.Sleep(60 * time.Millisecond)

	if !b.Allow("rpc") {
		t.Fatal("first caller after hold time is the probe")
	}
	if b.State("rpc") != StateHalfOpen {
		t.Fatalf("state = %v, want half_open", b.State("rpc"))
	}
	if b.Allow("rpc") {
		t.Fatal("second caller must wait for the probe outcome")
	}
}

func TestProbeSuccessCloses(t *testing.T) {
	b := New(2, 50*time.Millisecond)
	b.RecordFailure("rpc")
	b.RecordFailure("rpc")
	time.Sleep(60 * time.Millisecond)
	b.Allow("rpc")

	b.RecordSuccess("rpc")
	if b.State("rpc") != StateClosed {
		t.Fatalf("state = %v, want closed after successful probe", b.State("rpc"))
	}
	if !b.Allow("rpc") {
		t.Fatal("recovered circuit should allow")
	}
}

func TestProbeFailureReopens(t *testing.T) {
	b := New(2, 50*time.Millisecond)
	b.RecordFailure("rpc")
	b.RecordFailure("rpc")
	time.Sleep(60 * time.Millisecond)
	b.Allow("rpc")

	b.RecordFailure("rpc")
	if b.State("rpc") != StateOpen {
		t.Fatalf("state = %v, want open after failed probe", b.State("rpc"))
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	b := New(3, 100*time.Millisecond)

	b.RecordFailure("rpc")
	b.RecordFailure("rpc")
	b.RecordSuccess("rpc")
	b.RecordFailure("rpc")

	if !b.Allow("rpc") {
		t.Fatal("counter should have reset on success")
	}
}

func TestKeysAreIndependent(t *testing.T) {
	b := New(2, 100*time.Millisecond)
	b.RecordFailure("rpc")
	b.RecordFailure("rpc")

	if b.Allow("rpc") {
		t.Fatal("tripped key should reject")
	}
	if !b.Allow("other") {
		t.Fatal("untripped key should allow")
	}
	if b.State("other") != StateClosed {
		t.Fatalf("unknown key state = %v, want closed", b.State("other"))
	}
}

func TestStateString(t *testing.T) {
	cases := map[State]string{
		StateClosed:   "closed",
		StateOpen:     "open",
		StateHalfOpen: "half_open",
		State(42):     "unknown",
	}
	for s, want := range cases {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", s, got, want)
		}
	}
}
