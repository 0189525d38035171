package messages

import "testing"

func TestTransitionAllowed(t *testing.T) {
	tests := []struct {
		from    Status
		to      Status
		allowed bool
	}{
		{StatusScheduled, StatusPending, true},
		{StatusScheduled, StatusFailed, true},
		{StatusScheduled, StatusDelivered, false},
		{StatusPending, StatusSent, true},
		{StatusPending, StatusDelivered, true},
		{StatusPending, StatusFailed, true},
		{StatusPending, StatusRetrying, true},
		{StatusPending, StatusScheduled, false},
		{StatusRetrying, StatusPending, true},
		{StatusRetrying, StatusDelivered, true},
		{StatusRetrying, StatusFailed, true},
		{StatusSent, StatusDelivered, true},
		{StatusSent, StatusBounced, true},
		{StatusSent, StatusPending, false},
		{StatusFailed, StatusRetrying, true},
		{StatusFailed, StatusPending, false},
		{StatusFailed, StatusDelivered, false},
		{StatusDelivered, StatusFailed, false},
		{StatusDelivered, StatusPending, false},
		{StatusBounced, StatusRetrying, false},
		{StatusRejected, StatusRetrying, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"_to_"+string(tt.to), func(t *testing.T) {
			if got := TransitionAllowed(tt.from, tt.to); got != tt.allowed {
				t.Errorf("TransitionAllowed(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.allowed)
			}
		})
	}
}

func TestTerminalStatuses(t *testing.T) {
	terminal := []Status{StatusDelivered, StatusBounced, StatusRejected}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("expected %s to be terminal", s)
		}
	}

	live := []Status{StatusPending, StatusRetrying, StatusScheduled, StatusSent, StatusFailed}
	for _, s := range live {
		if s.IsTerminal() {
			t.Errorf("expected %s not to be terminal", s)
		}
	}

	if !StatusDelivered.IsTerminalSuccess() {
		t.Error("DELIVERED should be a terminal success")
	}
	if StatusBounced.IsTerminalSuccess() {
		t.Error("BOUNCED is terminal but not a success")
	}
}
