package engine

import "testing"

func TestCallStateTransitions(t *testing.T) {
	tests := []struct {
		from, to CallState
		want     bool
	}{
		{StateNull, StateCalling, true},
		{StateCalling, StateConfirmed, true},
		{StateEarly, StateEarly, true},
		{StateConfirmed, StateDisconnected, true},
		{StateConfirmed, StateCalling, false},
		{StateDisconnected, StateConfirmed, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransitionTo(tt.to); got != tt.want {
			t.Errorf("%s -> %s: got %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestCallStateString(t *testing.T) {
	if StateConfirmed.String() != "Confirmed" {
		t.Errorf("unexpected %q", StateConfirmed.String())
	}
	if CallState(42).String() != "Unknown(42)" {
		t.Errorf("unexpected %q", CallState(42).String())
	}
	if !StateDisconnected.IsTerminal() || StateConfirmed.IsTerminal() {
		t.Error("only Disconnected is terminal")
	}
	if MediaActive.String() != "Active" {
		t.Errorf("unexpected %q", MediaActive.String())
	}
}
