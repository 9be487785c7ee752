package interfaces

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// MintRequest holds the arguments of the identity token mint call.
type MintRequest struct {
	To             common.Address
	Name           string
	DocumentNumber string
	// BioHash is the ledger fingerprint (Keccak-256 of the biometric hash).
	BioHash     [32]byte
	ApplicantID string
}

// MintReceipt is the part of a transaction receipt the orchestrator needs.
type MintReceipt struct {
	TxHash      common.Hash
	Succeeded   bool
	BlockNumber uint64
	GasUsed     uint64
	// TokenID comes from the IdentityMinted event, nil when absent.
	TokenID *big.Int
}

// SignedMint is a signed, not yet broadcast, mint transaction.
type SignedMint struct {
	TxHash common.Hash
	Raw    []byte
}

// IdentityLedger is the adapter over the identity token contract. Read methods
// are side-effect free and safe to repeat. SendMint is the only write.
type IdentityLedger interface {
	// MinterAddress returns the account that signs mint transactions.
	// Fails with ErrConfiguration when no signer is configured.
	MinterAddress() (common.Address, error)

	// ActiveTokenByFingerprint returns the live token bound to a ledger
	// fingerprint, or an ActiveToken with no id.
	ActiveTokenByFingerprint(ctx context.Context, fingerprint [32]byte) (*ActiveToken, error)

	// Identity reads the on-chain identity record and owner of a token.
	Identity(ctx context.Context, tokenID *big.Int) (*LedgerIdentity, error)

	// HasMinterRole checks the minter permission of an account.
	HasMinterRole(ctx context.Context, account common.Address) (bool, error)

	// PendingNonce returns the minter's next sequence number.
	PendingNonce(ctx context.Context) (uint64, error)

	// EstimateMintGas estimates the resource cost of a mint.
	EstimateMintGas(ctx context.Context, req *MintRequest) (uint64, error)

	// SignMint signs a mint with explicit nonce and gas limit without
	// broadcasting it. The hash is final once signed.
	SignMint(ctx context.Context, req *MintRequest, nonce uint64, gasLimit uint64) (*SignedMint, error)

	// SendMint broadcasts a transaction returned by SignMint.
	SendMint(ctx context.Context, tx *SignedMint) error

	// WaitMined blocks until the transaction is included or ctx is done.
	// On ctx expiry it returns ctx.Err(), which means the outcome is unknown.
	WaitMined(ctx context.Context, txHash common.Hash) (*MintReceipt, error)

	// ReceiptFor returns the receipt of an included transaction, or
	// ErrNotFound when the transaction is not included yet.
	ReceiptFor(ctx context.Context, txHash common.Hash) (*MintReceipt, error)

	// TransactionKnown reports whether the node knows the transaction at all,
	// pending or included.
	TransactionKnown(ctx context.Context, txHash common.Hash) (bool, error)
}
