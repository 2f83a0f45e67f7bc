package domain

// RunStatus represents the lifecycle state of a backend run
type RunStatus string

const (
	RunRunning RunStatus = "running"
	RunDone    RunStatus = "done"
	RunError   RunStatus = "error"
	RunStopped RunStatus = "stopped"
)

// IsTerminal reports whether no further events are expected for the status
func (s RunStatus) IsTerminal() bool {
	return s == RunDone || s == RunError || s == RunStopped
}

// ItemStatus represents the state of one domain-bot queue item
type ItemStatus string

const (
	ItemPending ItemStatus = "pending"
	ItemRunning ItemStatus = "running"
	ItemDone    ItemStatus = "done"
	ItemFailed  ItemStatus = "failed"
	ItemStopped ItemStatus = "stopped"
)

// IsTerminal reports whether the item has left the pending/running states
func (s ItemStatus) IsTerminal() bool {
	return s == ItemDone || s == ItemFailed || s == ItemStopped
}

// FailureStatus represents the triage state of a ledger entry
type FailureStatus string

const (
	FailureOpen     FailureStatus = "open"
	FailureResolved FailureStatus = "resolved"
	FailureIgnored  FailureStatus = "ignored"
)

// Valid reports whether s is one of the known ledger states
func (s FailureStatus) Valid() bool {
	switch s {
	case FailureOpen, FailureResolved, FailureIgnored:
		return true
	}
	return false
}
