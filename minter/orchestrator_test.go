package minter

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ruteri/identity-lifecycle-backend/audit"
	"github.com/ruteri/identity-lifecycle-backend/cryptoutils"
	"github.com/ruteri/identity-lifecycle-backend/database"
	"github.com/ruteri/identity-lifecycle-backend/interfaces"
	"github.com/ruteri/identity-lifecycle-backend/kms"
	"github.com/ruteri/identity-lifecycle-backend/ledger"
	"github.com/ruteri/identity-lifecycle-backend/lifecycle"
	"github.com/ruteri/identity-lifecycle-backend/locks"
	"github.com/ruteri/identity-lifecycle-backend/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const (
	testSubject = "user-1"
	testBioHash = "a3f1c9e4b2d8f7a6c5e4d3b2a1f0e9d8c7b6a5f4e3d2c1b0"
)

var (
	deriver     = kms.MustDeriver(kms.DerivationV1)
	minterAddr  = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	userClaims  = &interfaces.SessionClaims{SubjectID: testSubject, MFAVerified: true}
	adminClaims = &interfaces.SessionClaims{SubjectID: "admin-1", Role: interfaces.RoleAdmin, MFAVerified: true}
)

type fakeMFA map[string]bool

func (f fakeMFA) Enabled(_ context.Context, subjectID string) (bool, error) {
	return f[subjectID], nil
}

type fakeScheduler struct {
	mu    sync.Mutex
	calls []common.Hash
}

func (s *fakeScheduler) ScheduleReconcile(_ context.Context, _ string, txHash common.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, txHash)
	return nil
}

// flakyStore fails the next failUpdates identity updates.
type flakyStore struct {
	*database.MemoryStore

	mu          sync.Mutex
	failUpdates int
}

func (s *flakyStore) failNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failUpdates = n
}

func (s *flakyStore) UpdateIdentity(ctx context.Context, subjectID string, fn interfaces.IdentityUpdateFn) (*interfaces.IdentityRecord, error) {
	s.mu.Lock()
	if s.failUpdates > 0 {
		s.failUpdates--
		s.mu.Unlock()
		return nil, errors.New("connection refused")
	}
	s.mu.Unlock()
	return s.MemoryStore.UpdateIdentity(ctx, subjectID, fn)
}

type fixture struct {
	orch      *Orchestrator
	store     *flakyStore
	coord     *lifecycle.Coordinator
	ledger    *ledger.MemoryLedger
	scheduler *fakeScheduler
	audit     *audit.Recorder
	wallet    string
}

func ledgerFingerprint() [32]byte {
	return cryptoutils.LedgerFingerprint(testBioHash)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newFixture builds an orchestrator over a COMPLETED identity.
func newFixture(t *testing.T, l interfaces.IdentityLedger, mfa MFAStatus, cfg Config) *fixture {
	t.Helper()
	return newFixtureWithBioHash(t, l, mfa, cfg, testBioHash)
}

// newFixtureWithBioHash is newFixture with the biometric hash the provider
// reports for the applicant.
func newFixtureWithBioHash(t *testing.T, l interfaces.IdentityLedger, mfa MFAStatus, cfg Config, providerBioHash string) *fixture {
	t.Helper()
	ctx := context.Background()
	store := &flakyStore{MemoryStore: database.NewMemoryStore()}
	p := provider.NewMemoryProvider()
	recorder := &audit.Recorder{}
	coord := lifecycle.NewCoordinator(store, p, deriver, "basic-kyc-level", recorder, nil, testLogger())

	res, err := coord.Init(ctx, lifecycle.SubjectRef{SubjectID: testSubject})
	require.NoError(t, err)
	applicant := res.Record.ApplicantID
	p.SetBiometrics(applicant, providerBioHash, interfaces.ApplicantProfile{Name: "Ada Lovelace", DocumentNumber: "DOC-1"})
	sig, err := coord.CompletionSignal(ctx, applicant, time.Now())
	require.NoError(t, err)
	_, err = coord.ApplySignal(ctx, *sig)
	require.NoError(t, err)

	wallet, err := deriver.Address(testBioHash)
	require.NoError(t, err)

	scheduler := &fakeScheduler{}
	memLedger, _ := l.(*ledger.MemoryLedger)
	if cfg.ConfirmationTimeout == 0 {
		cfg.ConfirmationTimeout = time.Second
	}
	if cfg.ReadRetryWindow == 0 {
		cfg.ReadRetryWindow = 50 * time.Millisecond
	}

	orch := NewOrchestrator(Deps{
		Ledger:    l,
		Coord:     coord,
		Provider:  p,
		Deriver:   deriver,
		Locker:    locks.NewMemoryLocker(),
		MFA:       mfa,
		Scheduler: scheduler,
		Audit:     recorder,
	}, cfg, testLogger())

	return &fixture{
		orch:      orch,
		store:     store,
		coord:     coord,
		ledger:    memLedger,
		scheduler: scheduler,
		audit:     recorder,
		wallet:    wallet.Hex(),
	}
}

func (f *fixture) request() MintRequest {
	return MintRequest{BioHash: testBioHash, WalletAddress: f.wallet}
}

func (f *fixture) record(t *testing.T) *interfaces.IdentityRecord {
	t.Helper()
	rec, err := f.coord.Record(context.Background(), testSubject)
	require.NoError(t, err)
	return rec
}

func TestMintSucceeds(t *testing.T) {
	f := newFixture(t, ledger.NewMemoryLedger(minterAddr), nil, Config{})

	out, err := f.orch.Mint(context.Background(), userClaims, f.request())
	require.NoError(t, err)
	assert.False(t, out.AlreadyMinted)
	require.NotNil(t, out.Result)
	assert.Equal(t, int64(1), out.Result.TokenID.Int64())
	assert.NotEqual(t, common.Hash{}, out.Result.TxHash)

	rec := f.record(t)
	assert.Equal(t, interfaces.StatusMinted, rec.Status)
	assert.Nil(t, rec.PendingMintTx)
	assert.Equal(t, out.Result.TxHash, rec.Mint.TxHash)
	assert.Contains(t, f.audit.Types(), interfaces.AuditIdentityMinted)

	active, err := f.ledger.Identity(context.Background(), out.Result.TokenID)
	require.NoError(t, err)
	assert.Equal(t, "Ada Lovelace", active.Name)
	assert.Equal(t, "DOC-1", active.DocumentNumber)
	assert.Equal(t, common.HexToAddress(f.wallet), active.Owner)
}

func TestMintWithPaddedProviderBioHash(t *testing.T) {
	tests := []struct {
		name    string
		reqHash string
	}{
		{name: "clean request", reqHash: testBioHash},
		{name: "padded request", reqHash: testBioHash + " \n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixtureWithBioHash(t, ledger.NewMemoryLedger(minterAddr), nil, Config{}, "  "+testBioHash+"\n")
			assert.Equal(t, cryptoutils.Fingerprint(testBioHash), f.record(t).Fingerprint)

			out, err := f.orch.Mint(context.Background(), userClaims, MintRequest{BioHash: tt.reqHash, WalletAddress: f.wallet})
			require.NoError(t, err)
			require.NotNil(t, out.Result)

			active, err := f.ledger.ActiveTokenByFingerprint(context.Background(), ledgerFingerprint())
			require.NoError(t, err)
			require.True(t, active.Exists())
			assert.Equal(t, 0, out.Result.TokenID.Cmp(active.TokenID))
		})
	}
}

func TestMintIsIdempotent(t *testing.T) {
	f := newFixture(t, ledger.NewMemoryLedger(minterAddr), nil, Config{})
	ctx := context.Background()

	first, err := f.orch.Mint(ctx, userClaims, f.request())
	require.NoError(t, err)

	second, err := f.orch.Mint(ctx, userClaims, f.request())
	require.NoError(t, err)
	assert.True(t, second.AlreadyMinted)
	assert.Equal(t, first.Result.TxHash, second.Result.TxHash)
	assert.Equal(t, 1, f.ledger.Submissions())
}

func TestMintRejectedBeforeLedger(t *testing.T) {
	otherWallet, err := deriver.Address("b3f1c9e4b2d8f7a6c5e4d3b2a1f0e9d8c7b6a5f4e3d2c1b0")
	require.NoError(t, err)

	for name, tc := range map[string]struct {
		claims    *interfaces.SessionClaims
		anonymous bool
		mfa       MFAStatus
		req       func(f *fixture) MintRequest
		prepare   func(t *testing.T, f *fixture)
		kind      error
	}{
		"no session": {
			anonymous: true,
			kind:      interfaces.ErrAuthentication,
		},
		"mfa enabled without claim": {
			claims: &interfaces.SessionClaims{SubjectID: testSubject},
			mfa:    fakeMFA{testSubject: true},
			kind:   interfaces.ErrPermission,
		},
		"short bio hash": {
			req:  func(f *fixture) MintRequest { return MintRequest{BioHash: "short", WalletAddress: f.wallet} },
			kind: interfaces.ErrValidation,
		},
		"wallet mismatch": {
			req:  func(f *fixture) MintRequest { return MintRequest{BioHash: testBioHash, WalletAddress: otherWallet.Hex()} },
			kind: interfaces.ErrValidation,
		},
		"someone else's bio hash": {
			req: func(f *fixture) MintRequest {
				return MintRequest{BioHash: "b3f1c9e4b2d8f7a6c5e4d3b2a1f0e9d8c7b6a5f4e3d2c1b0", WalletAddress: otherWallet.Hex()}
			},
			kind: interfaces.ErrValidation,
		},
		"pending identity": {
			claims: &interfaces.SessionClaims{SubjectID: "user-pending", MFAVerified: true},
			prepare: func(t *testing.T, f *fixture) {
				_, err := f.coord.Init(context.Background(), lifecycle.SubjectRef{SubjectID: "user-pending"})
				require.NoError(t, err)
			},
			kind: interfaces.ErrConflict,
		},
	} {
		t.Run(name, func(t *testing.T) {
			m := &ledger.MockIdentityLedger{}
			f := newFixture(t, m, tc.mfa, Config{})
			if tc.prepare != nil {
				tc.prepare(t, f)
			}
			claims := tc.claims
			if claims == nil && !tc.anonymous {
				claims = userClaims
			}
			req := f.request()
			if tc.req != nil {
				req = tc.req(f)
			}

			_, err := f.orch.Mint(context.Background(), claims, req)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tc.kind), "got %v", err)
			m.AssertExpectations(t)
			assert.Empty(t, m.Calls)
		})
	}
}

func TestMintWithoutLedgerIsConfigurationError(t *testing.T) {
	f := newFixture(t, nil, nil, Config{})

	_, err := f.orch.Mint(context.Background(), userClaims, f.request())
	require.Error(t, err)
	assert.True(t, errors.Is(err, interfaces.ErrConfiguration))
	assert.Equal(t, interfaces.OutcomeFatal, interfaces.Classify(err))
}

func TestMintExistingLedgerToken(t *testing.T) {
	l := ledger.NewMemoryLedger(minterAddr)
	f := newFixture(t, l, nil, Config{})
	rec := f.record(t)

	l.Seed(interfaces.MintRequest{To: rec.WalletAddress, BioHash: ledgerFingerprint()})

	_, err := f.orch.Mint(context.Background(), userClaims, f.request())
	require.Error(t, err)
	assert.True(t, errors.Is(err, interfaces.ErrConflict))
	assert.Equal(t, 0, l.Submissions())
	assert.Equal(t, interfaces.StatusCompleted, f.record(t).Status)
}

func TestGasLimit(t *testing.T) {
	for name, tc := range map[string]struct {
		estimate    uint64
		estimateErr error
		want        uint64
	}{
		"margin":   {estimate: 100_000, want: 120_000},
		"fallback": {estimateErr: errors.New("execution reverted"), want: 500_000},
	} {
		t.Run(name, func(t *testing.T) {
			m := &ledger.MockIdentityLedger{}
			f := newFixture(t, m, nil, Config{})
			txHash := common.HexToHash("0x1234")

			m.On("MinterAddress").Return(minterAddr, nil)
			m.On("ActiveTokenByFingerprint", mock.Anything, ledgerFingerprint()).Return(&interfaces.ActiveToken{}, nil)
			m.On("PendingNonce", mock.Anything).Return(uint64(7), nil)
			m.On("EstimateMintGas", mock.Anything, mock.Anything).Return(tc.estimate, tc.estimateErr)
			signed := &interfaces.SignedMint{TxHash: txHash, Raw: []byte{0x01}}
			m.On("SignMint", mock.Anything, mock.MatchedBy(func(req *interfaces.MintRequest) bool {
				return req.To == common.HexToAddress(f.wallet) && req.ApplicantID != ""
			}), uint64(7), tc.want).Return(signed, nil)
			m.On("SendMint", mock.Anything, signed).Return(nil)
			m.On("WaitMined", mock.Anything, txHash).Return(&interfaces.MintReceipt{
				TxHash:      txHash,
				Succeeded:   true,
				BlockNumber: 42,
				GasUsed:     90_000,
				TokenID:     big.NewInt(3),
			}, nil)

			out, err := f.orch.Mint(context.Background(), userClaims, f.request())
			require.NoError(t, err)
			assert.Equal(t, int64(3), out.Result.TokenID.Int64())
			assert.Equal(t, uint64(42), out.Result.BlockNumber)
			m.AssertExpectations(t)
		})
	}
}

func TestSubmitFailureIsRetryable(t *testing.T) {
	l := ledger.NewMemoryLedger(minterAddr)
	f := newFixture(t, l, nil, Config{})
	ctx := context.Background()

	l.SendErr = errors.New("connection reset")
	_, err := f.orch.Mint(ctx, userClaims, f.request())
	require.Error(t, err)
	assert.Equal(t, interfaces.OutcomeRetryable, interfaces.Classify(err))
	assert.Nil(t, f.record(t).PendingMintTx)

	l.SendErr = nil
	out, err := f.orch.Mint(ctx, userClaims, f.request())
	require.NoError(t, err)
	assert.NotNil(t, out.Result)
}

func TestPendingMintRecordedBeforeSend(t *testing.T) {
	l := ledger.NewMemoryLedger(minterAddr)
	l.HoldReceipts = true
	f := newFixture(t, l, nil, Config{ConfirmationTimeout: 30 * time.Millisecond, ReadRetryWindow: 2 * time.Second})
	ctx := context.Background()

	f.store.failNext(1)
	_, err := f.orch.Mint(ctx, userClaims, f.request())
	var ambiguous *AmbiguousError
	require.True(t, errors.As(err, &ambiguous), "got %v", err)

	rec := f.record(t)
	require.NotNil(t, rec.PendingMintTx)
	assert.Equal(t, ambiguous.TxHash, *rec.PendingMintTx)

	out, err := f.orch.Reconcile(ctx, testSubject)
	assert.True(t, errors.Is(err, interfaces.ErrAmbiguousOutcome), "got %v, %+v", err, out)

	_, err = f.orch.Mint(ctx, userClaims, f.request())
	assert.True(t, errors.Is(err, interfaces.ErrAmbiguousOutcome))
	assert.Equal(t, 1, l.Submissions())
}

func TestUnrecordedMintIsNeverSent(t *testing.T) {
	l := ledger.NewMemoryLedger(minterAddr)
	f := newFixture(t, l, nil, Config{})
	ctx := context.Background()

	f.store.failNext(1000)
	_, err := f.orch.Mint(ctx, userClaims, f.request())
	require.Error(t, err)
	assert.Equal(t, interfaces.OutcomeRetryable, interfaces.Classify(err))
	assert.Equal(t, 0, l.Submissions())

	f.store.failNext(0)
	assert.Nil(t, f.record(t).PendingMintTx)

	out, err := f.orch.Mint(ctx, userClaims, f.request())
	require.NoError(t, err)
	require.NotNil(t, out.Result)
	assert.Equal(t, 1, l.Submissions())
}

func TestConfirmationTimeoutIsAmbiguous(t *testing.T) {
	l := ledger.NewMemoryLedger(minterAddr)
	l.HoldReceipts = true
	f := newFixture(t, l, nil, Config{ConfirmationTimeout: 30 * time.Millisecond})
	ctx := context.Background()

	_, err := f.orch.Mint(ctx, userClaims, f.request())
	require.Error(t, err)
	assert.Equal(t, interfaces.OutcomeAmbiguous, interfaces.Classify(err))

	var ambiguous *AmbiguousError
	require.True(t, errors.As(err, &ambiguous))
	txHash := ambiguous.TxHash

	rec := f.record(t)
	require.NotNil(t, rec.PendingMintTx)
	assert.Equal(t, txHash, *rec.PendingMintTx)
	assert.Equal(t, []common.Hash{txHash}, f.scheduler.calls)
	assert.Contains(t, f.audit.Types(), interfaces.AuditMintAmbiguous)

	// A retry while the transaction is still pending does not resubmit.
	_, err = f.orch.Mint(ctx, userClaims, f.request())
	assert.True(t, errors.Is(err, interfaces.ErrAmbiguousOutcome))
	assert.Equal(t, 1, l.Submissions())

	l.Mine(txHash)
	out, err := f.orch.Mint(ctx, userClaims, f.request())
	require.NoError(t, err)
	assert.True(t, out.AlreadyMinted)
	assert.Equal(t, txHash, out.Result.TxHash)
	assert.Equal(t, 1, l.Submissions())
	assert.Equal(t, interfaces.StatusMinted, f.record(t).Status)
}

func TestReconcileDroppedTransaction(t *testing.T) {
	l := ledger.NewMemoryLedger(minterAddr)
	l.HoldReceipts = true
	f := newFixture(t, l, nil, Config{ConfirmationTimeout: 30 * time.Millisecond})
	ctx := context.Background()

	_, err := f.orch.Mint(ctx, userClaims, f.request())
	var ambiguous *AmbiguousError
	require.True(t, errors.As(err, &ambiguous))

	l.Drop(ambiguous.TxHash)
	out, err := f.orch.Reconcile(ctx, testSubject)
	require.NoError(t, err)
	assert.True(t, out.Cleared)
	assert.Nil(t, f.record(t).PendingMintTx)
	assert.Contains(t, f.audit.Types(), interfaces.AuditPendingMintCleared)

	l.HoldReceipts = false
	minted, err := f.orch.Mint(ctx, userClaims, f.request())
	require.NoError(t, err)
	assert.NotNil(t, minted.Result)
	assert.Equal(t, 2, l.Submissions())
}

func TestReconcileDroppedButMintedElsewhere(t *testing.T) {
	l := ledger.NewMemoryLedger(minterAddr)
	l.HoldReceipts = true
	f := newFixture(t, l, nil, Config{ConfirmationTimeout: 30 * time.Millisecond})
	ctx := context.Background()

	_, err := f.orch.Mint(ctx, userClaims, f.request())
	var ambiguous *AmbiguousError
	require.True(t, errors.As(err, &ambiguous))

	l.Drop(ambiguous.TxHash)
	tokenID := l.Seed(interfaces.MintRequest{To: common.HexToAddress(f.wallet), BioHash: ledgerFingerprint()})

	out, err := f.orch.Reconcile(ctx, testSubject)
	require.NoError(t, err)
	require.NotNil(t, out.Result)
	assert.Equal(t, tokenID.Int64(), out.Result.TokenID.Int64())
	assert.Equal(t, interfaces.StatusMinted, f.record(t).Status)
}

func TestRevertedMintNeedsOperator(t *testing.T) {
	l := ledger.NewMemoryLedger(minterAddr)
	l.RevertMints = true
	f := newFixture(t, l, nil, Config{})
	ctx := context.Background()

	_, err := f.orch.Mint(ctx, userClaims, f.request())
	require.Error(t, err)
	assert.True(t, errors.Is(err, interfaces.ErrExecutionFailed))
	assert.Equal(t, interfaces.OutcomeFatal, interfaces.Classify(err))
	assert.NotNil(t, f.record(t).PendingMintTx)
	assert.Contains(t, f.audit.Types(), interfaces.AuditMintFailed)

	// Retrying reports the same failure without a second submission.
	_, err = f.orch.Mint(ctx, userClaims, f.request())
	assert.True(t, errors.Is(err, interfaces.ErrExecutionFailed))
	assert.Equal(t, 1, l.Submissions())

	err = f.orch.ClearPendingMint(ctx, userClaims, testSubject)
	assert.True(t, errors.Is(err, interfaces.ErrPermission))

	require.NoError(t, f.orch.ClearPendingMint(ctx, adminClaims, testSubject))
	assert.Nil(t, f.record(t).PendingMintTx)

	err = f.orch.ClearPendingMint(ctx, adminClaims, testSubject)
	assert.True(t, errors.Is(err, interfaces.ErrNotFound))

	l.RevertMints = false
	out, err := f.orch.Mint(ctx, userClaims, f.request())
	require.NoError(t, err)
	assert.NotNil(t, out.Result)
	assert.Equal(t, 2, l.Submissions())
}

func TestConcurrentMintsSubmitOnce(t *testing.T) {
	l := ledger.NewMemoryLedger(minterAddr)
	f := newFixture(t, l, nil, Config{})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := f.orch.Mint(context.Background(), userClaims, f.request())
			if err != nil {
				assert.True(t, errors.Is(err, interfaces.ErrConflict), "got %v", err)
				return
			}
			assert.NotNil(t, out.Result)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, l.Submissions())
	assert.Equal(t, interfaces.StatusMinted, f.record(t).Status)
}

func TestReconcileWithoutPendingMint(t *testing.T) {
	f := newFixture(t, ledger.NewMemoryLedger(minterAddr), nil, Config{})

	out, err := f.orch.Reconcile(context.Background(), testSubject)
	require.NoError(t, err)
	assert.Nil(t, out.Result)
	assert.False(t, out.Cleared)
}
