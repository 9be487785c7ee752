// Package database persists identity records and MFA credentials.
//
// Two implementations of interfaces.IdentityStore and interfaces.MFAStore are
// provided: MemoryStore for tests and single-process deployments, and
// PostgresStore backed by pgx. Both guarantee that an Update callback sees the
// latest committed state and that no other update of the same record
// interleaves with it. PostgresStore gets this from SELECT ... FOR UPDATE
// inside a transaction.
//
// Fingerprints and applicant ids are unique across identities; a write that
// would duplicate one fails with interfaces.ErrConflict.
//
// The schema lives in migrations/ and is applied with Migrate.
package database
