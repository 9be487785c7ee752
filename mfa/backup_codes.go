package mfa

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const (
	// BackupCodeCount is the number of codes issued per enrollment.
	BackupCodeCount  = 8
	backupCodeDigits = 8
)

var backupCodeSpace = big.NewInt(100_000_000)

// generateBackupCodes returns count fresh codes formatted XXXX-XXXX.
func generateBackupCodes(count int) ([]string, error) {
	codes := make([]string, 0, count)
	seen := make(map[string]struct{}, count)
	for len(codes) < count {
		n, err := rand.Int(rand.Reader, backupCodeSpace)
		if err != nil {
			return nil, fmt.Errorf("could not generate backup code: %w", err)
		}
		digits := fmt.Sprintf("%0*d", backupCodeDigits, n.Int64())
		if _, dup := seen[digits]; dup {
			continue
		}
		seen[digits] = struct{}{}
		codes = append(codes, digits[:4]+"-"+digits[4:])
	}
	return codes, nil
}

// normalizeBackupCode strips the separator and whitespace users tend to type.
func normalizeBackupCode(code string) string {
	return strings.NewReplacer("-", "", " ", "").Replace(strings.TrimSpace(code))
}

func hashBackupCodes(codes []string, cost int) ([]string, error) {
	hashes := make([]string, len(codes))
	for i, code := range codes {
		h, err := bcrypt.GenerateFromPassword([]byte(normalizeBackupCode(code)), cost)
		if err != nil {
			return nil, fmt.Errorf("could not hash backup code: %w", err)
		}
		hashes[i] = string(h)
	}
	return hashes, nil
}

// matchBackupCode returns the index of the hash matching code, or -1.
func matchBackupCode(hashes []string, code string) (int, error) {
	normalized := normalizeBackupCode(code)
	if len(normalized) != backupCodeDigits {
		return -1, nil
	}
	for i, h := range hashes {
		err := bcrypt.CompareHashAndPassword([]byte(h), []byte(normalized))
		if err == nil {
			return i, nil
		}
		if !errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return -1, fmt.Errorf("could not verify backup code: %w", err)
		}
	}
	return -1, nil
}
