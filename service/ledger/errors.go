package ledger

import "errors"

// Error taxonomy. Operations wrap these with context; match with errors.Is.
var (
	ErrNotFound               = errors.New("not found")
	ErrAlreadyExists          = errors.New("already exists")
	ErrUnauthorized           = errors.New("unauthorized")
	ErrInvalidAmount          = errors.New("invalid amount")
	ErrInsufficientBalance    = errors.New("insufficient balance")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrNotVerified            = errors.New("beneficiary not verified")
	ErrNotApproved            = errors.New("merchant not approved")
	ErrInvalidArgument        = errors.New("invalid argument")

	// ErrJournalMismatch means a replayed or committed event does not fit the current state.
	ErrJournalMismatch = errors.New("journal does not match ledger state")
)

// Outcome returns a short label for err used in logs and metrics.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrAlreadyExists):
		return "already_exists"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrInvalidStateTransition):
		return "invalid_state_transition"
	case errors.Is(err, ErrNotVerified):
		return "not_verified"
	case errors.Is(err, ErrNotApproved):
		return "not_approved"
	case errors.Is(err, ErrInvalidArgument):
		return "invalid_argument"
	default:
		return "internal"
	}
}
