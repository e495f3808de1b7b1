package breaker

import "testing"

func TestCanTransitionTable(t *testing.T) {
	cases := []struct {
		from, to State
		want     bool
	}{
		{Closed, Open, true},
		{Closed, HalfOpen, false},
		{Open, HalfOpen, true},
		{Open, Closed, true},
		{HalfOpen, Closed, true},
		{HalfOpen, Open, true},
		{Closed, Closed, false},
	}
	for _, c := range cases {
		if got := CanTransition(c.from, c.to); got != c.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestNextAdminResetFromAnyState(t *testing.T) {
	for _, s := range []State{Closed, Open, HalfOpen} {
		got, err := Next(s, EventAdminReset)
		if err != nil || got != Closed {
			t.Errorf("Next(%s, admin_reset) = %s, %v; want closed, nil", s, got, err)
		}
	}
}

func TestNextInvalidEvent(t *testing.T) {
	if _, err := Next(Closed, Event("bogus")); err != ErrInvalidTransition {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestTransitionRejectsInvalid(t *testing.T) {
	if _, err := Transition(Closed, HalfOpen); err != ErrInvalidTransition {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}
