package payment

// Status is the stored lifecycle state of a transaction.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusRefunded  Status = "refunded"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusCompleted, StatusFailed, StatusCancelled, StatusRefunded:
		return true
	}
	return false
}

// IsTerminal returns true for every status other than pending. Completed is
// terminal but still admits the refund edge.
func (s Status) IsTerminal() bool {
	return s != StatusPending
}

// Trigger is something that asks a transaction to change state, whether it
// comes from a gateway report or a local request.
type Trigger string

const (
	TriggerPending Trigger = "pending"
	TriggerPaid    Trigger = "paid"
	TriggerFailed  Trigger = "failed"
	TriggerCancel  Trigger = "cancel"
	TriggerRefund  Trigger = "refund"
)

// Outcome classifies what a trigger does to a transaction in a given state.
type Outcome int

const (
	// OutcomeApply moves the transaction to Decision.To.
	OutcomeApply Outcome = iota
	// OutcomeDuplicate means the transaction already reflects the trigger.
	OutcomeDuplicate
	// OutcomeReject means the trigger is not applied. From a terminal state
	// this is a late event and needs manual reconciliation.
	OutcomeReject
	// OutcomeIgnore means the trigger carries no state change (in-progress report).
	OutcomeIgnore
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApply:
		return "apply"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeReject:
		return "reject"
	case OutcomeIgnore:
		return "ignore"
	}
	return "unknown"
}

// Decision is the result of evaluating a trigger against a status.
type Decision struct {
	Outcome Outcome
	To      Status
}

type edge struct {
	from    Status
	trigger Trigger
}

// transitions is the complete lifecycle table. Any (status, trigger) pair not
// listed here is rejected.
var transitions = map[edge]Decision{
	{StatusPending, TriggerPaid}:   {OutcomeApply, StatusCompleted},
	{StatusPending, TriggerFailed}: {OutcomeApply, StatusFailed},
	{StatusPending, TriggerCancel}: {OutcomeApply, StatusCancelled},

	{StatusCompleted, TriggerPaid}:   {OutcomeDuplicate, StatusCompleted},
	{StatusCompleted, TriggerRefund}: {OutcomeApply, StatusRefunded},

	{StatusFailed, TriggerFailed}:    {OutcomeDuplicate, StatusFailed},
	{StatusCancelled, TriggerCancel}: {OutcomeDuplicate, StatusCancelled},

	{StatusRefunded, TriggerRefund}: {OutcomeDuplicate, StatusRefunded},
	{StatusRefunded, TriggerPaid}:   {OutcomeDuplicate, StatusRefunded},
}

// Transition is the single place that decides whether a trigger is legal for
// a status. Callers never compare statuses directly to decide a transition.
func Transition(from Status, trigger Trigger) Decision {
	if trigger == TriggerPending {
		return Decision{Outcome: OutcomeIgnore, To: from}
	}
	if d, ok := transitions[edge{from, trigger}]; ok {
		return d
	}
	return Decision{Outcome: OutcomeReject, To: from}
}

// CanReach reports whether a stored status sequence may move from one status
// to another in a single write. Partial refunds keep a transaction completed,
// so completed to completed counts as a legal write.
func CanReach(from, to Status) bool {
	if from == to {
		return from == StatusCompleted
	}
	for e, d := range transitions {
		if e.from == from && d.Outcome == OutcomeApply && d.To == to {
			return true
		}
	}
	return false
}
