// Package recovery resolves a presented biometric hash back to its wallet
// address and on-chain identity.
package recovery
