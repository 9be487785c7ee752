package interfaces

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

// IdentityUpdateFn mutates a record while the store holds it exclusively.
// It must not perform network calls. Returning ErrNoChange leaves the stored
// record untouched; any other error aborts the update.
type IdentityUpdateFn func(rec *IdentityRecord) error

// IdentityStore persists identity records keyed by subject id, with unique
// fingerprints and applicant ids.
type IdentityStore interface {
	// CreateIdentity inserts rec unless the subject already has a record and
	// returns whichever record is stored.
	CreateIdentity(ctx context.Context, rec *IdentityRecord) (*IdentityRecord, error)

	// GetIdentity returns the record of a subject or ErrNotFound.
	GetIdentity(ctx context.Context, subjectID string) (*IdentityRecord, error)

	// GetIdentityByApplicant returns the record holding an applicant id.
	GetIdentityByApplicant(ctx context.Context, applicantID string) (*IdentityRecord, error)

	// FindIdentity looks a record up by fingerprint or wallet address.
	FindIdentity(ctx context.Context, fingerprint string, address common.Address) (*IdentityRecord, error)

	// UpdateIdentity applies fn under an exclusive hold on the subject's
	// record and persists the result in one transaction.
	UpdateIdentity(ctx context.Context, subjectID string, fn IdentityUpdateFn) (*IdentityRecord, error)
}

// CredentialUpdateFn mutates an MFA credential under an exclusive hold.
type CredentialUpdateFn func(cred *MFACredential) error

// MFAStore persists MFA credentials keyed by subject id.
type MFAStore interface {
	GetCredential(ctx context.Context, subjectID string) (*MFACredential, error)
	SaveCredential(ctx context.Context, cred *MFACredential) error
	DeleteCredential(ctx context.Context, subjectID string) error
	UpdateCredential(ctx context.Context, subjectID string, fn CredentialUpdateFn) (*MFACredential, error)
}
