// Package main (cmd/httpserver) runs the identity lifecycle API.
//
// Every setting is a flag with an environment variable fallback, and a .env
// file in the working directory is loaded first when present. Components
// degrade to in-process implementations when their backing service is not
// configured:
//
//   - no --database-url: identities and MFA credentials live in memory
//   - no --redis-url: mint leases and webhook dedupe are process local and
//     ambiguous mints are only reconciled when a client asks
//   - no --identity-contract: mint and recovery answer with a configuration
//     error
//
// The minter key is read from exactly one of --minter-key, a Vault secret
// (--minter-key-vault-path) or a set of Shamir shares (--minter-key-shares,
// see "admin split-minter-key").
//
// Example:
//
//	identity-server --listen-addr=0.0.0.0:8080 \
//	    --rpc-addr=https://rpc.example.org \
//	    --identity-contract=0x5FbDB2315678afecb367f032d93F642f64180aa3 \
//	    --minter-key-vault-path=secret/identity/minter \
//	    --database-url=postgres://identity@db/identity \
//	    --redis-url=redis://redis:6379/0 \
//	    --audit-archive=file:///var/lib/identity/archive
package main
