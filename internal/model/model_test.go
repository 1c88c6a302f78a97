package model

import "testing"

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to CallState
		want     bool
	}{
		{StateInitiated, StateAwaitingInput, true},
		{StateAwaitingInput, StateProcessing, true},
		{StateProcessing, StateAwaitingInput, true},
		{StateProcessing, StateError, true},
		{StateAwaitingInput, StateEnded, true},
		{StateInitiated, StateProcessing, false},
		{StateAwaitingInput, StateAwaitingInput, false},
		{StateEnded, StateAwaitingInput, false},
		{StateError, StateEnded, false},
		{StateEnded, StateError, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestTerminal(t *testing.T) {
	for _, s := range []CallState{StateEnded, StateError} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []CallState{StateInitiated, StateAwaitingInput, StateProcessing} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
	if CallState("HOLD").Valid() {
		t.Error("unknown state reported valid")
	}
}
