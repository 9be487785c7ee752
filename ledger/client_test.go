package ledger

import (
	"context"
	"crypto/ecdsa"
	"io"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient/simulated"
	"github.com/ruteri/identity-lifecycle-backend/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	// answersContract returns (5, answerOwner) to every call.
	answerOwner     = common.HexToAddress("0x00000000000000000000000000000000000000AA")
	answersContract = common.HexToAddress("0x1000000000000000000000000000000000000001")
	// revertContract reverts every call.
	revertContract = common.HexToAddress("0x1000000000000000000000000000000000000002")
	// emptyAccount has no code.
	emptyAccount = common.HexToAddress("0x1000000000000000000000000000000000000003")
)

func answersCode() []byte {
	code := []byte{0x60, 0x05, 0x60, 0x00, 0x52, 0x73}
	code = append(code, answerOwner.Bytes()...)
	return append(code, 0x60, 0x20, 0x52, 0x60, 0x40, 0x60, 0x00, 0xf3)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// setupTestChain creates a simulated chain with a funded minter and the
// fixture contracts installed.
func setupTestChain(t *testing.T) (*simulated.Backend, *ecdsa.PrivateKey) {
	t.Helper()

	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	balance, _ := new(big.Int).SetString("10000000000000000000", 10)
	alloc := map[common.Address]types.Account{
		crypto.PubkeyToAddress(key.PublicKey): {Balance: balance},
		answersContract:                       {Code: answersCode(), Balance: big.NewInt(0)},
		revertContract:                        {Code: []byte{0x60, 0x00, 0x60, 0x00, 0xfd}, Balance: big.NewInt(0)},
	}

	backend := simulated.NewBackend(alloc, simulated.WithBlockGasLimit(8_000_000))
	t.Cleanup(func() { backend.Close() })
	return backend, key
}

func newTestClient(t *testing.T, backend *simulated.Backend, key *ecdsa.PrivateKey, address common.Address) *Client {
	t.Helper()

	client, err := NewClient(backend.Client(), address, testLogger())
	require.NoError(t, err)
	client.pollInterval = 10 * time.Millisecond

	if key != nil {
		auth, err := NewTransactOpts(context.Background(), backend.Client(), key)
		require.NoError(t, err)
		client.SetTransactOpts(auth)
	}
	return client
}

func testMintRequest() *interfaces.MintRequest {
	return &interfaces.MintRequest{
		To:             common.HexToAddress("0x2222222222222222222222222222222222222222"),
		Name:           "Jane Doe",
		DocumentNumber: "X1234567",
		BioHash:        crypto.Keccak256Hash([]byte("bio")),
		ApplicantID:    "app-1",
	}
}

func TestNewClientRequiresAddress(t *testing.T) {
	backend, _ := setupTestChain(t)
	_, err := NewClient(backend.Client(), common.Address{}, testLogger())
	assert.ErrorIs(t, err, interfaces.ErrConfiguration)
}

func TestActiveTokenByFingerprint(t *testing.T) {
	backend, _ := setupTestChain(t)
	ctx := context.Background()

	t.Run("decodes token and owner", func(t *testing.T) {
		client := newTestClient(t, backend, nil, answersContract)
		token, err := client.ActiveTokenByFingerprint(ctx, [32]byte{1})
		require.NoError(t, err)
		assert.True(t, token.Exists())
		assert.Equal(t, int64(5), token.TokenID.Int64())
		assert.Equal(t, answerOwner, token.Owner)
	})

	t.Run("revert means no token", func(t *testing.T) {
		client := newTestClient(t, backend, nil, revertContract)
		token, err := client.ActiveTokenByFingerprint(ctx, [32]byte{1})
		require.NoError(t, err)
		assert.False(t, token.Exists())
	})

	t.Run("missing contract is a configuration error", func(t *testing.T) {
		client := newTestClient(t, backend, nil, emptyAccount)
		_, err := client.ActiveTokenByFingerprint(ctx, [32]byte{1})
		assert.ErrorIs(t, err, interfaces.ErrConfiguration)
	})
}

func TestIdentityOfMissingToken(t *testing.T) {
	backend, _ := setupTestChain(t)
	client := newTestClient(t, backend, nil, revertContract)

	_, err := client.Identity(context.Background(), big.NewInt(1))
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
}

func TestWritesRequireTransactor(t *testing.T) {
	backend, _ := setupTestChain(t)
	client := newTestClient(t, backend, nil, answersContract)
	ctx := context.Background()

	_, err := client.MinterAddress()
	assert.ErrorIs(t, err, interfaces.ErrConfiguration)

	_, err = client.PendingNonce(ctx)
	assert.ErrorIs(t, err, interfaces.ErrConfiguration)

	_, err = client.SignMint(ctx, testMintRequest(), 0, 100_000)
	assert.ErrorIs(t, err, ErrNoTransactOpts)

	_, err = client.GrantMinterRole(ctx, common.Address{1})
	assert.ErrorIs(t, err, interfaces.ErrConfiguration)
}

func TestSubmitAndWaitMined(t *testing.T) {
	backend, key := setupTestChain(t)
	client := newTestClient(t, backend, key, answersContract)
	ctx := context.Background()

	minter, err := client.MinterAddress()
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), minter)

	nonce, err := client.PendingNonce(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), nonce)

	gas, err := client.EstimateMintGas(ctx, testMintRequest())
	require.NoError(t, err)
	assert.Greater(t, gas, uint64(21_000))

	signed, err := client.SignMint(ctx, testMintRequest(), nonce, gas*120/100)
	require.NoError(t, err)
	hash := signed.TxHash

	known, err := client.TransactionKnown(ctx, hash)
	require.NoError(t, err)
	assert.False(t, known, "signing must not broadcast")

	require.NoError(t, client.SendMint(ctx, signed))

	known, err = client.TransactionKnown(ctx, hash)
	require.NoError(t, err)
	assert.True(t, known)

	_, err = client.ReceiptFor(ctx, hash)
	assert.ErrorIs(t, err, interfaces.ErrNotFound)

	backend.Commit()

	receipt, err := client.WaitMined(ctx, hash)
	require.NoError(t, err)
	assert.True(t, receipt.Succeeded)
	assert.Equal(t, hash, receipt.TxHash)
	assert.NotZero(t, receipt.BlockNumber)
	// The fixture contract emits no event.
	assert.Nil(t, receipt.TokenID)

	again, err := client.ReceiptFor(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, receipt.BlockNumber, again.BlockNumber)

	nonce, err = client.PendingNonce(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), nonce)
}

func TestWaitMinedTimesOut(t *testing.T) {
	backend, key := setupTestChain(t)
	client := newTestClient(t, backend, key, answersContract)

	hash := submitMint(t, client, 0, 200_000)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.WaitMined(ctx, hash)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRevertedMint(t *testing.T) {
	backend, key := setupTestChain(t)
	client := newTestClient(t, backend, key, revertContract)
	ctx := context.Background()

	_, err := client.EstimateMintGas(ctx, testMintRequest())
	assert.ErrorIs(t, err, interfaces.ErrExternalService)

	hash := submitMint(t, client, 0, 200_000)
	backend.Commit()

	receipt, err := client.WaitMined(ctx, hash)
	require.NoError(t, err)
	assert.False(t, receipt.Succeeded)
}

func submitMint(t *testing.T, client *Client, nonce, gasLimit uint64) common.Hash {
	t.Helper()
	ctx := context.Background()
	signed, err := client.SignMint(ctx, testMintRequest(), nonce, gasLimit)
	require.NoError(t, err)
	require.NoError(t, client.SendMint(ctx, signed))
	return signed.TxHash
}

func TestSendMintRejectsTamperedTransaction(t *testing.T) {
	backend, key := setupTestChain(t)
	client := newTestClient(t, backend, key, answersContract)
	ctx := context.Background()

	signed, err := client.SignMint(ctx, testMintRequest(), 0, 200_000)
	require.NoError(t, err)

	err = client.SendMint(ctx, &interfaces.SignedMint{TxHash: common.HexToHash("0xbeef"), Raw: signed.Raw})
	assert.ErrorIs(t, err, interfaces.ErrValidation)

	known, err := client.TransactionKnown(ctx, signed.TxHash)
	require.NoError(t, err)
	assert.False(t, known)
}

func TestTransactionUnknown(t *testing.T) {
	backend, key := setupTestChain(t)
	client := newTestClient(t, backend, key, answersContract)

	known, err := client.TransactionKnown(context.Background(), common.HexToHash("0xdead"))
	require.NoError(t, err)
	assert.False(t, known)
}

func TestTokenIDFromLogs(t *testing.T) {
	backend, _ := setupTestChain(t)
	client := newTestClient(t, backend, nil, answersContract)

	event := ParsedABI().Events["IdentityMinted"]
	data, err := event.Inputs.NonIndexed().Pack("app-1")
	require.NoError(t, err)

	owner := common.HexToAddress("0x2222222222222222222222222222222222222222")
	minted := &types.Log{
		Address: answersContract,
		Topics: []common.Hash{
			event.ID,
			common.BigToHash(big.NewInt(42)),
			common.BytesToHash(owner.Bytes()),
			crypto.Keccak256Hash([]byte("bio")),
		},
		Data: data,
	}
	foreign := *minted
	foreign.Address = emptyAccount

	assert.Nil(t, client.TokenIDFromLogs(nil))
	assert.Nil(t, client.TokenIDFromLogs([]*types.Log{&foreign}))

	tokenID := client.TokenIDFromLogs([]*types.Log{&foreign, minted})
	require.NotNil(t, tokenID)
	assert.Equal(t, int64(42), tokenID.Int64())
}

func TestMinterRoleConstant(t *testing.T) {
	assert.Equal(t, crypto.Keccak256Hash([]byte("MINTER_ROLE")), MinterRole)
	_, ok := ParsedABI().Methods["mintIdentity"]
	assert.True(t, ok)
}

var _ interfaces.IdentityLedger = (*Client)(nil)
var _ interfaces.IdentityLedger = (*MemoryLedger)(nil)
var _ interfaces.IdentityLedger = (*MockIdentityLedger)(nil)
var _ bind.ContractBackend = (Backend)(nil)
