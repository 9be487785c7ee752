package kms

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ruteri/identity-lifecycle-backend/cryptoutils"
	"github.com/ruteri/identity-lifecycle-backend/interfaces"
	"golang.org/x/crypto/pbkdf2"
)

// DerivationParams fixes every input of the key stretching step. Any change
// to a parameter set moves every derived address, so sets are never edited in
// place: a new set gets a new Version.
type DerivationParams struct {
	Version    int
	Salt       string
	Iterations int
	KeyLength  int
}

// DerivationV1 is the parameter set all existing identities were derived with.
var DerivationV1 = DerivationParams{
	Version:    1,
	Salt:       "blocktrust-deterministic",
	Iterations: 100_000,
	KeyLength:  32,
}

// minIterations guards against a misconfigured parameter set that would make
// derived keys cheap to brute force.
const minIterations = 10_000

// Deriver turns a biometric hash into a secp256k1 keypair. It is pure: the
// same input and parameters always yield the same key, and it performs no I/O.
type Deriver struct {
	params DerivationParams
}

// NewDeriver validates params and returns a Deriver bound to them.
func NewDeriver(params DerivationParams) (*Deriver, error) {
	if params.Version <= 0 {
		return nil, interfaces.Errorf(interfaces.ErrConfiguration, "kms.NewDeriver", "derivation version must be positive")
	}
	if params.Salt == "" {
		return nil, interfaces.Errorf(interfaces.ErrConfiguration, "kms.NewDeriver", "derivation salt must not be empty")
	}
	if params.Iterations < minIterations {
		return nil, interfaces.Errorf(interfaces.ErrConfiguration, "kms.NewDeriver", "derivation iterations must be at least %d", minIterations)
	}
	if params.KeyLength != 32 {
		return nil, interfaces.Errorf(interfaces.ErrConfiguration, "kms.NewDeriver", "secp256k1 keys require 32 bytes of key material, got %d", params.KeyLength)
	}
	return &Deriver{params: params}, nil
}

// MustDeriver is NewDeriver for package level parameter sets known to be valid.
func MustDeriver(params DerivationParams) *Deriver {
	d, err := NewDeriver(params)
	if err != nil {
		panic(err)
	}
	return d
}

// Params returns the parameter set of the deriver.
func (d *Deriver) Params() DerivationParams {
	return d.params
}

// Derive stretches bioHash into a keypair. Index 0 is the primary wallet;
// higher indexes derive sibling wallets from the same biometric hash.
// The input is validated before any stretching work is done.
func (d *Deriver) Derive(bioHash string, index uint32) (*DerivedKey, error) {
	if err := cryptoutils.ValidateBioHash(bioHash); err != nil {
		return nil, err
	}

	seed := d.seedMaterial(bioHash, index)
	material := pbkdf2.Key(seed, []byte(d.params.Salt), d.params.Iterations, d.params.KeyLength, sha256.New)
	wipeBytes(seed)

	key, err := crypto.ToECDSA(material)
	wipeBytes(material)
	if err != nil {
		// Astronomically unlikely: the stretched value is zero or above the curve order.
		return nil, interfaces.NewError(interfaces.ErrValidation, "kms.Derive", fmt.Errorf("derived scalar is not a valid secp256k1 key: %w", err))
	}

	return &DerivedKey{
		Address: crypto.PubkeyToAddress(key.PublicKey),
		Index:   index,
		Version: d.params.Version,
		key:     key,
	}, nil
}

// Address derives the primary wallet address and discards the key material.
func (d *Deriver) Address(bioHash string) (common.Address, error) {
	key, err := d.Derive(bioHash, 0)
	if err != nil {
		return common.Address{}, err
	}
	defer key.Wipe()
	return key.Address, nil
}

// Verify checks that claimed is the primary wallet address of bioHash. The
// comparison ignores hex case, so checksummed and lower case forms both match.
func (d *Deriver) Verify(bioHash, claimed string) (common.Address, error) {
	claimed = strings.TrimSpace(claimed)
	if !common.IsHexAddress(claimed) {
		return common.Address{}, interfaces.Errorf(interfaces.ErrValidation, "kms.Verify", "malformed wallet address %q", claimed)
	}

	expected, err := d.Address(bioHash)
	if err != nil {
		return common.Address{}, err
	}

	if !strings.EqualFold(expected.Hex(), common.HexToAddress(claimed).Hex()) {
		return common.Address{}, interfaces.Errorf(interfaces.ErrValidation, "kms.Verify", "wallet address does not match the biometric hash")
	}
	return expected, nil
}

func (d *Deriver) seedMaterial(bioHash string, index uint32) []byte {
	var b strings.Builder
	b.WriteString(cryptoutils.NormalizeBioHash(bioHash))
	b.WriteString(":")
	b.WriteString(d.params.Salt)
	if index > 0 {
		b.WriteString(":")
		b.WriteString(strconv.FormatUint(uint64(index), 10))
	}
	return []byte(b.String())
}

// DerivedKey is a transient keypair. It is never serialized; callers Wipe it
// as soon as the address or signature has been computed.
type DerivedKey struct {
	Address common.Address
	Index   uint32
	Version int

	key *ecdsa.PrivateKey
}

// PublicKey returns the uncompressed public key.
func (k *DerivedKey) PublicKey() []byte {
	if k.key == nil {
		return nil
	}
	return crypto.FromECDSAPub(&k.key.PublicKey)
}

// Sign produces a recoverable secp256k1 signature over a 32-byte digest.
func (k *DerivedKey) Sign(digest []byte) ([]byte, error) {
	if k.key == nil {
		return nil, fmt.Errorf("derived key was wiped")
	}
	return crypto.Sign(digest, k.key)
}

// Wipe zeroes the private scalar. The key is unusable afterwards.
func (k *DerivedKey) Wipe() {
	if k.key == nil {
		return
	}
	k.key.D.SetInt64(0)
	k.key = nil
}

// wipeBytes overwrites sensitive data in memory.
func wipeBytes(data []byte) {
	for i := range data {
		data[i] = 0
	}
}
