package ledger

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ruteri/identity-lifecycle-backend/interfaces"
	"github.com/stretchr/testify/mock"
)

// MockIdentityLedger mocks the IdentityLedger interface
type MockIdentityLedger struct {
	mock.Mock
}

// MinterAddress mocks the MinterAddress method
func (m *MockIdentityLedger) MinterAddress() (common.Address, error) {
	args := m.Called()
	return args.Get(0).(common.Address), args.Error(1)
}

// ActiveTokenByFingerprint mocks the ActiveTokenByFingerprint method
func (m *MockIdentityLedger) ActiveTokenByFingerprint(ctx context.Context, fingerprint [32]byte) (*interfaces.ActiveToken, error) {
	args := m.Called(ctx, fingerprint)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*interfaces.ActiveToken), args.Error(1)
}

// Identity mocks the Identity method
func (m *MockIdentityLedger) Identity(ctx context.Context, tokenID *big.Int) (*interfaces.LedgerIdentity, error) {
	args := m.Called(ctx, tokenID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*interfaces.LedgerIdentity), args.Error(1)
}

// HasMinterRole mocks the HasMinterRole method
func (m *MockIdentityLedger) HasMinterRole(ctx context.Context, account common.Address) (bool, error) {
	args := m.Called(ctx, account)
	return args.Bool(0), args.Error(1)
}

// PendingNonce mocks the PendingNonce method
func (m *MockIdentityLedger) PendingNonce(ctx context.Context) (uint64, error) {
	args := m.Called(ctx)
	return args.Get(0).(uint64), args.Error(1)
}

// EstimateMintGas mocks the EstimateMintGas method
func (m *MockIdentityLedger) EstimateMintGas(ctx context.Context, req *interfaces.MintRequest) (uint64, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(uint64), args.Error(1)
}

// SignMint mocks the SignMint method
func (m *MockIdentityLedger) SignMint(ctx context.Context, req *interfaces.MintRequest, nonce uint64, gasLimit uint64) (*interfaces.SignedMint, error) {
	args := m.Called(ctx, req, nonce, gasLimit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*interfaces.SignedMint), args.Error(1)
}

// SendMint mocks the SendMint method
func (m *MockIdentityLedger) SendMint(ctx context.Context, tx *interfaces.SignedMint) error {
	args := m.Called(ctx, tx)
	return args.Error(0)
}

// WaitMined mocks the WaitMined method
func (m *MockIdentityLedger) WaitMined(ctx context.Context, txHash common.Hash) (*interfaces.MintReceipt, error) {
	args := m.Called(ctx, txHash)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*interfaces.MintReceipt), args.Error(1)
}

// ReceiptFor mocks the ReceiptFor method
func (m *MockIdentityLedger) ReceiptFor(ctx context.Context, txHash common.Hash) (*interfaces.MintReceipt, error) {
	args := m.Called(ctx, txHash)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*interfaces.MintReceipt), args.Error(1)
}

// TransactionKnown mocks the TransactionKnown method
func (m *MockIdentityLedger) TransactionKnown(ctx context.Context, txHash common.Hash) (bool, error) {
	args := m.Called(ctx, txHash)
	return args.Bool(0), args.Error(1)
}
