// Package cryptoutils contains the small hashing and MAC helpers shared by the
// rest of the service: biometric hash validation, the local (SHA-256) and
// ledger (Keccak-256) fingerprints, and webhook signature verification.
package cryptoutils
