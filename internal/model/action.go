package model

// Action is the oracle's judgment for a card.
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
	ActionHold Action = "HOLD"
	ActionFail Action = "FAIL"
)

// ActionKind is the kind of long-running irreversible action on a card.
type ActionKind string

const (
	KindSell   ActionKind = "sell"
	KindDelete ActionKind = "delete"
)

// Valid reports whether k is a known action kind.
func (k ActionKind) Valid() bool { return k == KindSell || k == KindDelete }

// ActionStatus is the backend-reported status of a sell/delete action.
type ActionStatus string

const (
	StatusPending    ActionStatus = "pending"
	StatusProcessing ActionStatus = "processing"
	StatusWaiting    ActionStatus = "waiting"
	StatusCompleted  ActionStatus = "completed"
	StatusCancelled  ActionStatus = "cancelled"
	StatusFailed     ActionStatus = "failed"
)

// Terminal reports whether no further progress is expected.
func (s ActionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusFailed
}

// ActionState is one observation of an action's progress, as returned by
// the status and execute endpoints.
type ActionState struct {
	Status   ActionStatus `json:"status"`
	Progress int          `json:"progress"`
	Message  string       `json:"message,omitempty"`
}
