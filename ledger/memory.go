package ledger

import (
	"context"
	"encoding/binary"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ruteri/identity-lifecycle-backend/interfaces"
)

// MemoryLedger is an in-process identity ledger for tests and local runs.
// Transactions are mined when sent unless HoldReceipts is set, in which case
// they stay pending until Mine is called.
type MemoryLedger struct {
	mu sync.Mutex

	minter      common.Address
	nonce       uint64
	nextTokenID int64
	blockNumber uint64

	active     map[[32]byte]*big.Int
	identities map[string]*interfaces.LedgerIdentity
	minters    map[common.Address]bool
	txs        map[common.Hash]*memoryTx
	signed     map[common.Hash]*memoryTx

	// Failure knobs.
	EstimateErr  error
	SendErr      error
	ReadErr      error
	RevertMints  bool
	HoldReceipts bool

	submissions int
}

type memoryTx struct {
	req     interfaces.MintRequest
	nonce   uint64
	receipt *interfaces.MintReceipt
}

// NewMemoryLedger creates a ledger whose minter role is held by minter.
func NewMemoryLedger(minter common.Address) *MemoryLedger {
	return &MemoryLedger{
		minter:      minter,
		nextTokenID: 1,
		blockNumber: 1,
		active:      make(map[[32]byte]*big.Int),
		identities:  make(map[string]*interfaces.LedgerIdentity),
		minters:     map[common.Address]bool{minter: true},
		txs:         make(map[common.Hash]*memoryTx),
		signed:      make(map[common.Hash]*memoryTx),
	}
}

// MinterAddress returns the configured minter.
func (l *MemoryLedger) MinterAddress() (common.Address, error) {
	return l.minter, nil
}

// ActiveTokenByFingerprint returns the live token for fingerprint.
func (l *MemoryLedger) ActiveTokenByFingerprint(_ context.Context, fingerprint [32]byte) (*interfaces.ActiveToken, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.ReadErr != nil {
		return nil, l.ReadErr
	}
	tokenID, ok := l.active[fingerprint]
	if !ok {
		return &interfaces.ActiveToken{}, nil
	}
	return &interfaces.ActiveToken{
		TokenID: new(big.Int).Set(tokenID),
		Owner:   l.identities[tokenID.String()].Owner,
	}, nil
}

// Identity returns the identity data of a token.
func (l *MemoryLedger) Identity(_ context.Context, tokenID *big.Int) (*interfaces.LedgerIdentity, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.ReadErr != nil {
		return nil, l.ReadErr
	}
	ident, ok := l.identities[tokenID.String()]
	if !ok {
		return nil, interfaces.Errorf(interfaces.ErrNotFound, "ledger.Identity", "token %s does not exist", tokenID)
	}
	cp := *ident
	return &cp, nil
}

// HasMinterRole checks the minter role.
func (l *MemoryLedger) HasMinterRole(_ context.Context, account common.Address) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.minters[account], nil
}

// PendingNonce returns the next nonce.
func (l *MemoryLedger) PendingNonce(context.Context) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nonce, nil
}

// EstimateMintGas returns a fixed estimate or EstimateErr.
func (l *MemoryLedger) EstimateMintGas(context.Context, *interfaces.MintRequest) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.EstimateErr != nil {
		return 0, l.EstimateErr
	}
	return 180_000, nil
}

// SignMint returns a deterministic hash for the mint without sending it.
func (l *MemoryLedger) SignMint(_ context.Context, req *interfaces.MintRequest, nonce uint64, gasLimit uint64) (*interfaces.SignedMint, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], nonce)
	hash := crypto.Keccak256Hash(l.minter.Bytes(), buf[:], req.BioHash[:])

	l.signed[hash] = &memoryTx{req: *req, nonce: nonce}
	return &interfaces.SignedMint{TxHash: hash, Raw: hash.Bytes()}, nil
}

// SendMint broadcasts a signed mint and, unless receipts are held, mines it.
func (l *MemoryLedger) SendMint(_ context.Context, signed *interfaces.SignedMint) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.SendErr != nil {
		return l.SendErr
	}
	tx, ok := l.signed[signed.TxHash]
	if !ok {
		return interfaces.Errorf(interfaces.ErrValidation, "ledger.SendMint", "unknown signed mint %s", signed.TxHash.Hex())
	}
	if tx.nonce != l.nonce {
		return interfaces.Errorf(interfaces.ErrExternalService, "ledger.SendMint", "nonce too low: have %d, want %d", tx.nonce, l.nonce)
	}
	delete(l.signed, signed.TxHash)
	l.nonce++
	l.submissions++

	l.txs[signed.TxHash] = tx
	if !l.HoldReceipts {
		l.mineLocked(signed.TxHash)
	}
	return nil
}

// Mine includes a held transaction.
func (l *MemoryLedger) Mine(hash common.Hash) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if tx, ok := l.txs[hash]; ok && tx.receipt == nil {
		l.mineLocked(hash)
	}
}

// Drop forgets a pending transaction, as if it fell out of the mempool.
func (l *MemoryLedger) Drop(hash common.Hash) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if tx, ok := l.txs[hash]; ok && tx.receipt == nil {
		delete(l.txs, hash)
	}
}

// Submissions returns how many mints were broadcast.
func (l *MemoryLedger) Submissions() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.submissions
}

// Seed installs an active token directly, as if minted out of band.
func (l *MemoryLedger) Seed(req interfaces.MintRequest) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.issueLocked(req)
}

func (l *MemoryLedger) mineLocked(hash common.Hash) {
	tx := l.txs[hash]
	l.blockNumber++
	receipt := &interfaces.MintReceipt{
		TxHash:      hash,
		BlockNumber: l.blockNumber,
		GasUsed:     150_000,
	}

	_, exists := l.active[tx.req.BioHash]
	switch {
	case l.RevertMints, exists:
		receipt.Succeeded = false
	default:
		receipt.Succeeded = true
		receipt.TokenID = l.issueLocked(tx.req)
	}
	tx.receipt = receipt
}

func (l *MemoryLedger) issueLocked(req interfaces.MintRequest) *big.Int {
	tokenID := big.NewInt(l.nextTokenID)
	l.nextTokenID++

	l.active[req.BioHash] = tokenID
	l.identities[tokenID.String()] = &interfaces.LedgerIdentity{
		TokenID:         new(big.Int).Set(tokenID),
		Owner:           req.To,
		Name:            req.Name,
		DocumentNumber:  req.DocumentNumber,
		BioHash:         common.Hash(req.BioHash),
		KYCTimestamp:    uint64(time.Now().Unix()),
		IsActive:        true,
		PreviousTokenID: big.NewInt(0),
		ApplicantID:     req.ApplicantID,
	}
	return new(big.Int).Set(tokenID)
}

// WaitMined returns the receipt, blocking while the transaction is held.
func (l *MemoryLedger) WaitMined(ctx context.Context, txHash common.Hash) (*interfaces.MintReceipt, error) {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for {
		receipt, err := l.ReceiptFor(ctx, txHash)
		if err == nil {
			return receipt, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// ReceiptFor returns the receipt of a mined transaction.
func (l *MemoryLedger) ReceiptFor(_ context.Context, txHash common.Hash) (*interfaces.MintReceipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	tx, ok := l.txs[txHash]
	if !ok || tx.receipt == nil {
		return nil, interfaces.Errorf(interfaces.ErrNotFound, "ledger.ReceiptFor", "transaction %s not included", txHash.Hex())
	}
	cp := *tx.receipt
	if cp.TokenID != nil {
		cp.TokenID = new(big.Int).Set(cp.TokenID)
	}
	return &cp, nil
}

// TransactionKnown reports whether txHash was submitted and not dropped.
func (l *MemoryLedger) TransactionKnown(_ context.Context, txHash common.Hash) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.txs[txHash]
	return ok, nil
}
