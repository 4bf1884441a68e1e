package activation

import "testing"

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to State
		want     bool
	}{
		{StateReserved, StateActive, true},
		{StateReserved, StateFailed, true},
		{StateReserved, StateCompleted, false},
		{StateActive, StateReceived, true},
		{StateActive, StateExpired, true},
		{StateActive, StateTimeout, true},
		{StateReceived, StateCompleted, true},
		{StateReceived, StateCancelled, false},
		{StateCompleted, StateRefunded, false},
		{StateReceived, StateRefunded, false},
		{StateFailed, StateRefunded, true},
		{StateCancelled, StateRefunded, true},
		{StateExpired, StateRefunded, true},
		{StateTimeout, StateRefunded, true},
	}
	for _, c := range cases {
		got := CanTransition(c.from, c.to)
		if got != c.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestIsTerminal(t *testing.T) {
	if !IsTerminal(StateCompleted) {
		t.Error("COMPLETED should be terminal")
	}
	if !IsTerminal(StateRefunded) {
		t.Error("REFUNDED should be terminal")
	}
	if IsTerminal(StateFailed) {
		t.Error("FAILED is not terminal: it can still reconcile to REFUNDED")
	}
	if IsTerminal(StateActive) {
		t.Error("ACTIVE should not be terminal")
	}
}

func TestIsRefundable(t *testing.T) {
	for _, s := range []State{StateFailed, StateCancelled, StateExpired, StateTimeout} {
		if !IsRefundable(s) {
			t.Errorf("%s should be refundable", s)
		}
	}
	for _, s := range []State{StateReceived, StateCompleted, StateRefunded, StateReserved, StateActive} {
		if IsRefundable(s) {
			t.Errorf("%s should not be refundable", s)
		}
	}
}
