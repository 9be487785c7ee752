package minter

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ruteri/identity-lifecycle-backend/interfaces"
)

// AmbiguousError is returned when a mint was broadcast but its outcome is
// unknown. The transaction stays recorded on the identity until Reconcile
// resolves it.
type AmbiguousError struct {
	SubjectID string
	TxHash    common.Hash
	Err       error
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("mint %s for %s: outcome unknown: %v", e.TxHash.Hex(), e.SubjectID, e.Err)
}

func (e *AmbiguousError) Unwrap() []error {
	return []error{interfaces.ErrAmbiguousOutcome, e.Err}
}

// ExecutionError is returned when a mint transaction was included and
// reverted. It is never resubmitted automatically.
type ExecutionError struct {
	SubjectID string
	TxHash    common.Hash
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("mint %s for %s reverted", e.TxHash.Hex(), e.SubjectID)
}

func (e *ExecutionError) Unwrap() error {
	return interfaces.ErrExecutionFailed
}
