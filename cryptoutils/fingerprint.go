package cryptoutils

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ruteri/identity-lifecycle-backend/interfaces"
)

// MinBioHashLength is the shortest biometric hash accepted anywhere.
const MinBioHashLength = 32

// NormalizeBioHash strips surrounding whitespace. Every derived form of a
// biometric hash is computed from the normalized value.
func NormalizeBioHash(bioHash string) string {
	return strings.TrimSpace(bioHash)
}

// ValidateBioHash rejects biometric hashes too short to carry enough entropy
// for key derivation.
func ValidateBioHash(bioHash string) error {
	if len(NormalizeBioHash(bioHash)) < MinBioHashLength {
		return interfaces.Errorf(interfaces.ErrValidation, "cryptoutils.ValidateBioHash", "biometric hash must be at least %d characters", MinBioHashLength)
	}
	return nil
}

// Fingerprint is the lower case hex SHA-256 of the biometric hash. It is the
// only form of the hash that is stored locally.
func Fingerprint(bioHash string) string {
	sum := sha256.Sum256([]byte(NormalizeBioHash(bioHash)))
	return hex.EncodeToString(sum[:])
}

// LedgerFingerprint is the Keccak-256 of the biometric hash, the bytes32 key
// the identity contract indexes tokens by.
func LedgerFingerprint(bioHash string) [32]byte {
	var out [32]byte
	copy(out[:], crypto.Keccak256([]byte(NormalizeBioHash(bioHash))))
	return out
}
