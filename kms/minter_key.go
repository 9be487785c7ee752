package kms

import (
	"context"
	"crypto/ecdsa"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/hashicorp/vault/api"
	"github.com/hashicorp/vault/shamir"
	"github.com/ruteri/identity-lifecycle-backend/interfaces"
)

// MinterKeySource supplies the private key of the account holding the
// ledger's minter role. The key never leaves the process.
type MinterKeySource interface {
	MinterKey(ctx context.Context) (*ecdsa.PrivateKey, error)
}

// ErrMinterKeyMissing is returned when no minter key was configured.
var ErrMinterKeyMissing = fmt.Errorf("%w: minter key not configured", interfaces.ErrConfiguration)

// StaticMinterKey is a minter key passed directly in configuration.
type StaticMinterKey struct {
	key *ecdsa.PrivateKey
}

// NewStaticMinterKey parses a hex encoded secp256k1 private key, with or
// without 0x prefix.
func NewStaticMinterKey(hexKey string) (*StaticMinterKey, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if hexKey == "" {
		return nil, ErrMinterKeyMissing
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, interfaces.NewError(interfaces.ErrConfiguration, "kms.NewStaticMinterKey", fmt.Errorf("invalid minter key: %w", err))
	}
	return &StaticMinterKey{key: key}, nil
}

// MinterKey returns the configured key.
func (s *StaticMinterKey) MinterKey(context.Context) (*ecdsa.PrivateKey, error) {
	return s.key, nil
}

// VaultMinterKey reads the minter key from a Vault KV v2 secret on first use
// and keeps it in memory afterwards.
type VaultMinterKey struct {
	client *api.Client
	mount  string
	path   string
	field  string
	log    *slog.Logger

	mu  sync.Mutex
	key *ecdsa.PrivateKey
}

// VaultMinterKeyField is the secret field holding the hex encoded key.
const VaultMinterKeyField = "private_key"

// NewVaultMinterKey creates a Vault backed key source. secretPath has the
// form "<mount>/<path>", for example "secret/identity/minter".
func NewVaultMinterKey(address, token, secretPath string, log *slog.Logger) (*VaultMinterKey, error) {
	mount, path, ok := strings.Cut(strings.Trim(secretPath, "/"), "/")
	if !ok || mount == "" || path == "" {
		return nil, interfaces.Errorf(interfaces.ErrConfiguration, "kms.NewVaultMinterKey", "vault secret path %q must be <mount>/<path>", secretPath)
	}

	config := api.DefaultConfig()
	if address != "" {
		config.Address = address
	}
	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	if token != "" {
		client.SetToken(token)
	}

	return &VaultMinterKey{
		client: client,
		mount:  mount,
		path:   path,
		field:  VaultMinterKeyField,
		log:    log,
	}, nil
}

// MinterKey fetches and caches the key.
func (v *VaultMinterKey) MinterKey(ctx context.Context) (*ecdsa.PrivateKey, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.key != nil {
		return v.key, nil
	}

	secret, err := v.client.KVv2(v.mount).Get(ctx, v.path)
	if err != nil {
		v.log.Error("Failed to read minter key from Vault",
			slog.String("mount", v.mount),
			slog.String("path", v.path),
			"err", err)
		return nil, interfaces.NewError(interfaces.ErrExternalService, "kms.VaultMinterKey", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, ErrMinterKeyMissing
	}

	raw, ok := secret.Data[v.field].(string)
	if !ok || raw == "" {
		return nil, interfaces.Errorf(interfaces.ErrConfiguration, "kms.VaultMinterKey", "vault secret has no %q field", v.field)
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(raw, "0x"))
	if err != nil {
		return nil, interfaces.NewError(interfaces.ErrConfiguration, "kms.VaultMinterKey", fmt.Errorf("invalid minter key in vault: %w", err))
	}

	v.log.Info("Loaded minter key from Vault",
		slog.String("address", crypto.PubkeyToAddress(key.PublicKey).Hex()))
	v.key = key
	return key, nil
}

// ShamirMinterKey reconstructs the minter key from operator held shares.
type ShamirMinterKey struct {
	key *ecdsa.PrivateKey
}

// NewShamirMinterKey combines base64 encoded shares into the minter key.
// Fewer shares than the split threshold yield a different key, so callers
// should compare the resulting address with the expected minter.
func NewShamirMinterKey(encodedShares []string) (*ShamirMinterKey, error) {
	if len(encodedShares) < 2 {
		return nil, interfaces.Errorf(interfaces.ErrConfiguration, "kms.NewShamirMinterKey", "at least two shares are required")
	}

	shares := make([][]byte, 0, len(encodedShares))
	for i, s := range encodedShares {
		share, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
		if err != nil {
			return nil, interfaces.NewError(interfaces.ErrConfiguration, "kms.NewShamirMinterKey", fmt.Errorf("share %d: %w", i, err))
		}
		shares = append(shares, share)
	}

	secret, err := shamir.Combine(shares)
	for _, share := range shares {
		wipeBytes(share)
	}
	if err != nil {
		return nil, interfaces.NewError(interfaces.ErrConfiguration, "kms.NewShamirMinterKey", fmt.Errorf("failed to combine shares: %w", err))
	}
	defer wipeBytes(secret)

	key, err := crypto.ToECDSA(secret)
	if err != nil {
		return nil, interfaces.NewError(interfaces.ErrConfiguration, "kms.NewShamirMinterKey", fmt.Errorf("combined shares are not a valid key: %w", err))
	}
	return &ShamirMinterKey{key: key}, nil
}

// MinterKey returns the reconstructed key.
func (s *ShamirMinterKey) MinterKey(context.Context) (*ecdsa.PrivateKey, error) {
	return s.key, nil
}

// SplitMinterKey splits key into parts base64 shares, any threshold of which
// reconstruct it.
func SplitMinterKey(key *ecdsa.PrivateKey, parts, threshold int) ([]string, error) {
	if key == nil {
		return nil, errors.New("nil key")
	}
	if threshold < 2 {
		return nil, errors.New("threshold must be at least 2")
	}
	if parts < threshold {
		return nil, errors.New("total shares must be at least equal to threshold")
	}

	secret := crypto.FromECDSA(key)
	defer wipeBytes(secret)

	shares, err := shamir.Split(secret, parts, threshold)
	if err != nil {
		return nil, fmt.Errorf("failed to split minter key: %w", err)
	}

	encoded := make([]string, len(shares))
	for i, share := range shares {
		encoded[i] = base64.StdEncoding.EncodeToString(share)
		wipeBytes(share)
	}
	return encoded, nil
}

// MinterKeyHex encodes a key for StaticMinterKey or a Vault secret.
func MinterKeyHex(key *ecdsa.PrivateKey) string {
	return hexutil.Encode(crypto.FromECDSA(key))
}
