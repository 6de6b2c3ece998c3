package deal

// Status tracks the linear deal lifecycle. Sealing is a transient state that
// only exists inside the confirmation transaction; confirmed and voided are
// terminal.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSealing   Status = "sealing"
	StatusConfirmed Status = "confirmed"
	StatusVoided    Status = "voided"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSealing, StatusConfirmed, StatusVoided:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transition is permitted.
func (s Status) Terminal() bool {
	return s == StatusConfirmed || s == StatusVoided
}

// CanTransition enumerates the legal edges: pending -> sealing -> confirmed
// and pending -> voided. There are no cycles and no exits from terminal
// states.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusSealing || to == StatusVoided
	case StatusSealing:
		return to == StatusConfirmed
	default:
		return false
	}
}
