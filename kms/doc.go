// Package kms holds the key material logic of the service.
//
// # Wallet derivation
//
// A subject's wallet is not stored anywhere: it is derived on demand from the
// biometric hash returned by the verification provider. Deriver stretches the
// hash with PBKDF2-HMAC-SHA256 under a versioned DerivationParams set and uses
// the result as a secp256k1 scalar. The same hash always yields the same
// address, which is what makes identity recovery possible.
//
//	d := kms.MustDeriver(kms.DerivationV1)
//	addr, err := d.Address(bioHash)
//
// Sibling wallets use a non-zero index. DerivedKey values are transient and
// should be wiped after use.
//
// # Minter key
//
// The key holding the ledger's minter role comes from a MinterKeySource:
// a static hex key, a Vault KV v2 secret, or Shamir shares held by operators
// (see SplitMinterKey and the admin CLI).
package kms
