// Package minter implements the ledger mint orchestrator.
//
// Orchestrator.Mint validates everything it can locally (session guards,
// biometric hash, derived wallet, record status, fingerprint) before its
// first ledger call. It then takes a per-identity lease, asks the ledger
// whether a token already exists for the fingerprint, fetches the minter
// nonce, estimates gas with a safety margin, submits, records the pending
// transaction hash on the identity and waits for inclusion.
//
// Outcomes map onto error kinds:
//
//	configuration missing       ErrConfiguration, fatal
//	estimation failed           fallback gas limit, mint proceeds
//	submission failed           ErrExternalService, retry fetches a new nonce
//	confirmation timed out      *AmbiguousError, reconcile before retrying
//	transaction reverted        *ExecutionError, operator must act
//
// While a pending hash is recorded no new transaction is submitted for the
// identity. Reconcile resolves the pending hash from ledger state and is run
// by Mint itself, by the background worker in package reconcile, and on
// demand through the API.
package minter
