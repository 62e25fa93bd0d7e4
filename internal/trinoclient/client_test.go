package trinoclient

import "testing"

func TestIsTerminal(t *testing.T) {
	cases := map[string]bool{
		StateFinished: true,
		StateFailed:   true,
		StateCanceled: true,
		StateQueued:   false,
		"RUNNING":     false,
	}
	for state, want := range cases {
		if got := IsTerminal(state); got != want {
			t.Errorf("IsTerminal(%q) = %v, want %v", state, got, want)
		}
	}
}
