// Package interfaces defines the core types and collaborator interfaces of the
// identity lifecycle coordinator.
//
// # Domain Types
//
// IdentityRecord is the local state of one subject's identity: applicant id,
// fingerprint of the biometric hash, derived wallet address, KYC status and
// the cached mint result. The raw biometric hash and derived key material are
// never part of it.
//
// KYCStatus moves only forward:
//
//	UNINITIATED -> PENDING -> COMPLETED -> MINTED
//	                       \-> REJECTED
//
// CanTransition encodes exactly these edges.
//
// MFACredential holds a TOTP secret and the bcrypt hashes of unused backup
// codes. SessionClaims are the decoded claims of a bearer credential.
//
// # Collaborators
//
// IdentityLedger wraps the identity token contract: side-effect free reads
// (active token by fingerprint, identity data, minter role) and the single
// mint write, split into nonce, estimate, submit and wait steps so that the
// orchestrator owns the procedure.
//
// VerificationProvider wraps the external verification service.
//
// IdentityStore and MFAStore persist records. Their Update methods run a
// callback under an exclusive hold on one record and commit the result in a
// single transaction.
//
// AuditSink receives audit events; StorageBackend archives them.
//
// # Errors
//
// Every component returns errors wrapping one kind (ErrValidation,
// ErrConflict, ErrExternalService, ErrAmbiguousOutcome, ...). Classify turns an
// error into the Outcome a caller must act on: rejected, retryable, fatal or
// ambiguous.
package interfaces
