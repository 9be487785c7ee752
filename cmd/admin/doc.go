// Package main (cmd/admin) is the operator CLI of the identity service.
//
// Commands:
//
//	status                  - Show the caller's identity, or any subject's with --subject (admin token)
//	clear-pending-mint      - Drop a subject's pending mint after a reverted transaction (admin token)
//	generate-minter-account - Generate a minter key and print its address
//	split-minter-key        - Split the minter key into Shamir shares
//	derive-address          - Derive the wallet address of a biometric hash
//	check-minter-role       - Check the minter role of an account on the identity contract
//	grant-minter-role       - Grant the minter role, signed by the contract's role admin
//	token-info              - Read the on-chain identity of a token
//
// API commands take --server-addr and --token; ledger commands take
// --rpc-addr and --identity-contract. Both fall back to environment variables
// and a .env file.
package main
