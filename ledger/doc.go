// Package ledger talks to the identity token contract.
//
// Client implements interfaces.IdentityLedger on top of go-ethereum's bound
// contract machinery with a hand-maintained ABI (see IdentityTokenABI). The
// mint write is split into nonce, estimate, submit and wait steps so the mint
// orchestrator controls the procedure and can tell a failed submission from an
// unknown outcome.
//
// Reads that revert are interpreted per method: a reverted
// getActiveTokenByBioHash means the fingerprint has no token, a reverted
// identities or ownerOf means the token does not exist.
//
// MemoryLedger is an in-process implementation with failure knobs, used by
// orchestration tests. MockIdentityLedger is a testify mock.
package ledger
