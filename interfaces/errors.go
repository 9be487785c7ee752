package interfaces

import (
	"errors"
	"fmt"
)

// Error kinds. Every error leaving a component boundary wraps exactly one of
// these, so callers can branch with errors.Is without inspecting messages.
var (
	// ErrConfiguration marks missing credentials, addresses or keys. Fatal.
	ErrConfiguration = errors.New("configuration error")

	// ErrValidation marks malformed input, such as a short biometric hash or
	// a wallet address that does not match the derived one.
	ErrValidation = errors.New("validation error")

	// ErrAuthentication marks a bad webhook signature, a bad MFA code or an
	// invalid session credential.
	ErrAuthentication = errors.New("authentication error")

	// ErrPermission marks a valid session that lacks a role or MFA claim.
	ErrPermission = errors.New("permission denied")

	// ErrConflict marks a request that collides with existing state, such as
	// a second active identity for one fingerprint.
	ErrConflict = errors.New("conflict")

	// ErrNotFound marks a missing identity, applicant or credential.
	ErrNotFound = errors.New("not found")

	// ErrExternalService marks an unreachable or failing provider or ledger.
	// Retryable.
	ErrExternalService = errors.New("external service error")

	// ErrAmbiguousOutcome marks a ledger write whose outcome is unknown.
	// The caller must reconcile before retrying.
	ErrAmbiguousOutcome = errors.New("ambiguous outcome")

	// ErrExecutionFailed marks a mint transaction that was included but
	// reverted. Requires operator intervention, never resubmitted automatically.
	ErrExecutionFailed = errors.New("ledger execution failed")
)

var (
	// ErrMFARequired is returned by the MFA gate when the session has not
	// satisfied a second factor. It is a permission error.
	ErrMFARequired = fmt.Errorf("%w: mfa verification required", ErrPermission)

	// ErrNoChange is returned by update callbacks to leave a record untouched.
	ErrNoChange = errors.New("no change")
)

// Error attaches a kind and the failing operation to an underlying cause.
type Error struct {
	Kind error
	Op   string
	Err  error
}

// NewError wraps err with the given kind.
func NewError(kind error, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds an Error of the given kind from a format string.
func Errorf(kind error, op string, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Outcome tells a caller what it may do after a failed operation.
type Outcome int

const (
	// OutcomeOK means the operation succeeded.
	OutcomeOK Outcome = iota
	// OutcomeRejected means the request itself was wrong. Retrying it
	// unchanged fails the same way.
	OutcomeRejected
	// OutcomeRetryable means a collaborator failed and nothing was applied.
	OutcomeRetryable
	// OutcomeFatal means configuration or ledger execution failed and an
	// operator has to act.
	OutcomeFatal
	// OutcomeAmbiguous means a write may or may not have happened. Reconcile
	// before any retry.
	OutcomeAmbiguous
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeRejected:
		return "rejected"
	case OutcomeRetryable:
		return "retryable"
	case OutcomeFatal:
		return "fatal"
	case OutcomeAmbiguous:
		return "ambiguous"
	default:
		return "unknown"
	}
}

// Classify maps an error onto the action its caller is allowed to take.
// Errors without a known kind are treated as retryable.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, ErrAmbiguousOutcome):
		return OutcomeAmbiguous
	case errors.Is(err, ErrConfiguration), errors.Is(err, ErrExecutionFailed):
		return OutcomeFatal
	case errors.Is(err, ErrExternalService):
		return OutcomeRetryable
	case errors.Is(err, ErrValidation),
		errors.Is(err, ErrAuthentication),
		errors.Is(err, ErrPermission),
		errors.Is(err, ErrConflict),
		errors.Is(err, ErrNotFound):
		return OutcomeRejected
	default:
		return OutcomeRetryable
	}
}
