package calls

import "testing"

func TestStatusTerminalAndOpenArePartitions(t *testing.T) {
	statuses := []Status{
		StatusPending,
		StatusAssigned,
		StatusInProgress,
		StatusCompleted,
		StatusAbandoned,
		StatusFailed,
	}
	for _, s := range statuses {
		if s.IsOpen() == s.IsTerminal() {
			t.Fatalf("status %q must be exactly one of open/terminal", s)
		}
		if !s.Valid() {
			t.Fatalf("status %q should be valid", s)
		}
	}
	if Status("RINGING").Valid() {
		t.Fatalf("unknown status must be invalid")
	}
}

func TestCanTransition_Monotonic(t *testing.T) {
	cases := []struct {
		from, to Status
		ok       bool
	}{
		{StatusPending, StatusAssigned, true},
		{StatusAssigned, StatusInProgress, true},
		{StatusInProgress, StatusCompleted, true},
		{StatusAssigned, StatusCompleted, true},
		{StatusAssigned, StatusAbandoned, true},
		{StatusInProgress, StatusFailed, true},
		{StatusPending, StatusCompleted, false},
		{StatusInProgress, StatusAssigned, false},
		{StatusAssigned, StatusPending, false},
		{StatusCompleted, StatusAbandoned, false},
		{StatusAbandoned, StatusCompleted, false},
		{StatusFailed, StatusFailed, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.ok {
			t.Fatalf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.ok)
		}
	}
}
