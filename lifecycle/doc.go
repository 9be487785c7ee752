// Package lifecycle implements the KYC status state machine.
//
// Coordinator is the only writer of IdentityRecord status. Every change is a
// read-check-write inside IdentityStore.UpdateIdentity, so two concurrent
// signals for one applicant cannot both apply. Network calls (provider reads,
// key stretching) happen before the record is held.
//
// Transitions:
//
//	UNINITIATED -> PENDING     Init, after the provider created an applicant
//	PENDING     -> COMPLETED   completed signal with a biometric hash
//	PENDING     -> REJECTED    rejected signal
//	COMPLETED   -> MINTED      MarkMinted, after a confirmed mint
//
// A signal that would repeat or reverse a transition is accepted and changes
// nothing. Signals older than the last applied one are ignored as well.
// Completion records the fingerprint and the derived wallet address; the
// biometric hash itself is never stored.
package lifecycle
