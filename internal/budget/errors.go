package budget

import "fmt"

// ErrExceeded reports which limit a session run breached. Usage and Limit
// are preformatted in the unit of Kind.
type ErrExceeded struct {
	SessionID string
	Kind      string
	Usage     string
	Limit     string
}

func (e ErrExceeded) Error() string {
	msg := fmt.Sprintf("%s budget exceeded", e.Kind)
	if e.SessionID != "" {
		msg = fmt.Sprintf("session %s: %s", e.SessionID, msg)
	}
	if e.Limit == "" {
		return fmt.Sprintf("%s (used %s)", msg, e.Usage)
	}
	return fmt.Sprintf("%s (used %s of %s)", msg, e.Usage, e.Limit)
}
