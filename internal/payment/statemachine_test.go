package payment

import "testing"

func TestTransitionTable(t *testing.T) {
	tests := []struct {
		from    Status
		trigger Trigger
		want    Outcome
		to      Status
	}{
		{StatusPending, TriggerPaid, OutcomeApply, StatusCompleted},
		{StatusPending, TriggerFailed, OutcomeApply, StatusFailed},
		{StatusPending, TriggerCancel, OutcomeApply, StatusCancelled},
		{StatusPending, TriggerRefund, OutcomeReject, StatusPending},
		{StatusPending, TriggerPending, OutcomeIgnore, StatusPending},

		{StatusCompleted, TriggerPaid, OutcomeDuplicate, StatusCompleted},
		{StatusCompleted, TriggerFailed, OutcomeReject, StatusCompleted},
		{StatusCompleted, TriggerCancel, OutcomeReject, StatusCompleted},
		{StatusCompleted, TriggerRefund, OutcomeApply, StatusRefunded},

		{StatusFailed, TriggerPaid, OutcomeReject, StatusFailed},
		{StatusFailed, TriggerFailed, OutcomeDuplicate, StatusFailed},
		{StatusFailed, TriggerCancel, OutcomeReject, StatusFailed},
		{StatusFailed, TriggerRefund, OutcomeReject, StatusFailed},

		{StatusCancelled, TriggerPaid, OutcomeReject, StatusCancelled},
		{StatusCancelled, TriggerCancel, OutcomeDuplicate, StatusCancelled},
		{StatusCancelled, TriggerFailed, OutcomeReject, StatusCancelled},

		{StatusRefunded, TriggerRefund, OutcomeDuplicate, StatusRefunded},
		{StatusRefunded, TriggerPaid, OutcomeDuplicate, StatusRefunded},
		{StatusRefunded, TriggerFailed, OutcomeReject, StatusRefunded},
		{StatusRefunded, TriggerPending, OutcomeIgnore, StatusRefunded},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"/"+string(tt.trigger), func(t *testing.T) {
			d := Transition(tt.from, tt.trigger)
			if d.Outcome != tt.want {
				t.Errorf("expected outcome %s, got %s", tt.want, d.Outcome)
			}
			if d.To != tt.to {
				t.Errorf("expected to %s, got %s", tt.to, d.To)
			}
		})
	}
}

func TestNoEdgeLeavesFailedOrCancelled(t *testing.T) {
	triggers := []Trigger{TriggerPending, TriggerPaid, TriggerFailed, TriggerCancel, TriggerRefund}
	for _, from := range []Status{StatusFailed, StatusCancelled} {
		for _, trig := range triggers {
			if d := Transition(from, trig); d.Outcome == OutcomeApply {
				t.Errorf("%s should be final, but %s applies to %s", from, trig, d.To)
			}
		}
	}
}

func TestCanReach(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusCompleted, true},
		{StatusPending, StatusFailed, true},
		{StatusPending, StatusCancelled, true},
		{StatusCompleted, StatusRefunded, true},
		{StatusCompleted, StatusCompleted, true},
		{StatusCompleted, StatusFailed, false},
		{StatusFailed, StatusCompleted, false},
		{StatusPending, StatusRefunded, false},
		{StatusPending, StatusPending, false},
	}
	for _, tt := range tests {
		if got := CanReach(tt.from, tt.to); got != tt.want {
			t.Errorf("CanReach(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestIsTerminal(t *testing.T) {
	if StatusPending.IsTerminal() {
		t.Error("pending must not be terminal")
	}
	for _, s := range []Status{StatusCompleted, StatusFailed, StatusCancelled, StatusRefunded} {
		if !s.IsTerminal() {
			t.Errorf("%s must be terminal", s)
		}
	}
}
