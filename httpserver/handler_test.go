package httpserver

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pquerna/otp/totp"
	"github.com/ruteri/identity-lifecycle-backend/api"
	"github.com/ruteri/identity-lifecycle-backend/audit"
	"github.com/ruteri/identity-lifecycle-backend/auth"
	"github.com/ruteri/identity-lifecycle-backend/cryptoutils"
	"github.com/ruteri/identity-lifecycle-backend/database"
	"github.com/ruteri/identity-lifecycle-backend/interfaces"
	"github.com/ruteri/identity-lifecycle-backend/kms"
	"github.com/ruteri/identity-lifecycle-backend/ledger"
	"github.com/ruteri/identity-lifecycle-backend/lifecycle"
	"github.com/ruteri/identity-lifecycle-backend/locks"
	"github.com/ruteri/identity-lifecycle-backend/mfa"
	"github.com/ruteri/identity-lifecycle-backend/minter"
	"github.com/ruteri/identity-lifecycle-backend/provider"
	"github.com/ruteri/identity-lifecycle-backend/recovery"
	"github.com/ruteri/identity-lifecycle-backend/webhook"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const (
	testWebhookSecret = "webhook-secret"
	testBioHash       = "a3f1c9e4b2d8f7a6c5e4d3b2a1f0e9d8c7b6a5f4e3d2c1b0"
)

var deriver = kms.MustDeriver(kms.DerivationV1)

type testServer struct {
	t        *testing.T
	srv      *httptest.Server
	codec    *auth.TokenCodec
	verifier *cryptoutils.WebhookVerifier
	provider *provider.MemoryProvider
	ledger   *ledger.MemoryLedger
	wallet   string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	store := database.NewMemoryStore()
	p := provider.NewMemoryProvider()
	recorder := &audit.Recorder{}
	memLedger := ledger.NewMemoryLedger(common.HexToAddress("0x00000000000000000000000000000000000000aa"))

	codec, err := auth.NewTokenCodec("session-secret-for-tests", time.Hour)
	require.NoError(t, err)
	verifier, err := cryptoutils.NewWebhookVerifier(testWebhookSecret)
	require.NoError(t, err)

	coord := lifecycle.NewCoordinator(store, p, deriver, "basic-kyc-level", recorder, nil, log)
	mfaCfg := mfa.DefaultConfig()
	mfaCfg.BcryptCost = bcrypt.MinCost
	mfaSvc := mfa.NewService(store, mfaCfg, recorder, nil, log)

	orch := minter.NewOrchestrator(minter.Deps{
		Ledger:   memLedger,
		Coord:    coord,
		Provider: p,
		Deriver:  deriver,
		Locker:   locks.NewMemoryLocker(),
		MFA:      mfaSvc,
		Audit:    recorder,
	}, minter.Config{ConfirmationTimeout: 100 * time.Millisecond, ReadRetryWindow: 50 * time.Millisecond}, log)

	handler := NewHandler(Deps{
		Codec:        codec,
		Coordinator:  coord,
		Ingestor:     webhook.NewIngestor(verifier, coord, webhook.NewMemoryDeduplicator(), recorder, nil, log),
		Orchestrator: orch,
		Resolver:     recovery.NewResolver(memLedger, store, deriver, log),
		MFA:          mfaSvc,
		LevelName:    "basic-kyc-level",
	}, log)

	server := New(&api.HTTPServerConfig{Log: log, GracefulShutdownDuration: time.Second}, handler, nil)
	srv := httptest.NewServer(server.Router())
	t.Cleanup(srv.Close)

	wallet, err := deriver.Address(testBioHash)
	require.NoError(t, err)

	return &testServer{
		t:        t,
		srv:      srv,
		codec:    codec,
		verifier: verifier,
		provider: p,
		ledger:   memLedger,
		wallet:   wallet.Hex(),
	}
}

func (s *testServer) token(claims *interfaces.SessionClaims) string {
	s.t.Helper()
	token, err := s.codec.Issue(claims)
	require.NoError(s.t, err)
	return token
}

func (s *testServer) do(method, path, token string, body any, out any) int {
	s.t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(s.t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, s.srv.URL+path, reader)
	require.NoError(s.t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(s.t, err)
	defer resp.Body.Close()

	if out != nil {
		require.NoError(s.t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (s *testServer) webhook(applicantID, reviewStatus, answer string) int {
	s.t.Helper()
	body := []byte(fmt.Sprintf(
		`{"applicantId":%q,"type":"applicantReviewed","reviewStatus":%q,"reviewResult":{"reviewAnswer":%q},"createdAtMs":%d}`,
		applicantID, reviewStatus, answer, time.Now().UnixMilli()))

	req, err := http.NewRequest(http.MethodPost, s.srv.URL+"/api/kyc/webhook", bytes.NewReader(body))
	require.NoError(s.t, err)
	req.Header.Set(cryptoutils.HeaderPayloadDigest, s.verifier.Sign(body))

	resp, err := http.DefaultClient.Do(req)
	require.NoError(s.t, err)
	resp.Body.Close()
	return resp.StatusCode
}

// completed walks subject through init and an approving review.
func (s *testServer) completed(subjectID string) string {
	s.t.Helper()
	token := s.token(&interfaces.SessionClaims{SubjectID: subjectID, Email: subjectID + "@example.com"})

	var initResp api.InitResponse
	require.Equal(s.t, http.StatusOK, s.do(http.MethodPost, "/api/kyc/init", token, nil, &initResp))
	require.NotEmpty(s.t, initResp.ApplicantID)

	s.provider.SetBiometrics(initResp.ApplicantID, testBioHash, interfaces.ApplicantProfile{Name: "Ada Lovelace", DocumentNumber: "DOC-1"})
	require.Equal(s.t, http.StatusOK, s.webhook(initResp.ApplicantID, "completed", "GREEN"))
	return token
}

func TestLifecycleOverHTTP(t *testing.T) {
	s := newTestServer(t)
	token := s.token(&interfaces.SessionClaims{SubjectID: "user-1", Email: "ada@example.com"})

	var initResp api.InitResponse
	require.Equal(t, http.StatusOK, s.do(http.MethodPost, "/api/kyc/init", token, nil, &initResp))
	assert.True(t, initResp.Created)
	assert.Equal(t, "PENDING", initResp.Status)
	assert.Equal(t, "basic-kyc-level", initResp.LevelName)
	assert.NotEmpty(t, initResp.AccessToken)

	var again api.InitResponse
	require.Equal(t, http.StatusOK, s.do(http.MethodPost, "/api/kyc/init", token, nil, &again))
	assert.False(t, again.Created)
	assert.Equal(t, initResp.ApplicantID, again.ApplicantID)

	s.provider.SetBiometrics(initResp.ApplicantID, testBioHash, interfaces.ApplicantProfile{Name: "Ada Lovelace", DocumentNumber: "DOC-1"})
	require.Equal(t, http.StatusOK, s.webhook(initResp.ApplicantID, "completed", "GREEN"))

	var status api.StatusResponse
	require.Equal(t, http.StatusOK, s.do(http.MethodGet, "/api/kyc/status", token, nil, &status))
	assert.Equal(t, "COMPLETED", status.Status)
	assert.Equal(t, testBioHash, status.BioHash)
	assert.Equal(t, s.wallet, status.WalletAddress)

	mintReq := api.MintRequest{BioHash: testBioHash, WalletAddress: s.wallet}
	var minted api.MintResponse
	require.Equal(t, http.StatusOK, s.do(http.MethodPost, "/api/kyc/mint", token, mintReq, &minted))
	assert.Equal(t, api.OutcomeMinted, minted.Outcome)
	require.NotNil(t, minted.Mint)
	assert.Equal(t, int64(1), minted.Mint.TokenID.Int64())

	var repeat api.MintResponse
	require.Equal(t, http.StatusOK, s.do(http.MethodPost, "/api/kyc/mint", token, mintReq, &repeat))
	assert.Equal(t, api.OutcomeAlreadyMinted, repeat.Outcome)
	assert.Equal(t, minted.TxHash, repeat.TxHash)
	assert.Equal(t, 1, s.ledger.Submissions())

	var recovered api.RecoverResponse
	require.Equal(t, http.StatusOK, s.do(http.MethodPost, "/api/kyc/recover-identity", token, api.RecoverRequest{BioHash: testBioHash}, &recovered))
	assert.True(t, recovered.Found)
	assert.Equal(t, s.wallet, recovered.WalletAddress)
	require.NotNil(t, recovered.Identity)
	assert.Equal(t, "Ada Lovelace", recovered.Identity.Name)
	require.NotNil(t, recovered.Local)
	assert.Equal(t, "user-1", recovered.Local.SubjectID)

	var ident api.IdentityView
	require.Equal(t, http.StatusOK, s.do(http.MethodGet, "/api/identity/tokens/1", token, nil, &ident))
	assert.Equal(t, s.wallet, ident.Owner)
	assert.True(t, ident.IsActive)
}

func TestAuthentication(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name   string
		token  string
		status int
	}{
		{"no token", "", http.StatusUnauthorized},
		{"garbage token", "not-a-jwt", http.StatusUnauthorized},
		{"valid token", s.token(&interfaces.SessionClaims{SubjectID: "user-1"}), http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var resp api.MFAStatusResponse
			assert.Equal(t, tt.status, s.do(http.MethodGet, "/api/mfa/status", tt.token, nil, &resp))
		})
	}
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	s := newTestServer(t)

	req, err := http.NewRequest(http.MethodPost, s.srv.URL+"/api/kyc/webhook", bytes.NewReader([]byte(`{"applicantId":"x"}`)))
	require.NoError(t, err)
	req.Header.Set(cryptoutils.HeaderPayloadDigest, "00")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	var body api.ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "authentication_error", body.Code)
}

func TestMintErrors(t *testing.T) {
	s := newTestServer(t)
	token := s.completed("user-1")
	pendingToken := s.token(&interfaces.SessionClaims{SubjectID: "user-2"})
	require.Equal(t, http.StatusOK, s.do(http.MethodPost, "/api/kyc/init", pendingToken, nil, nil))

	tests := []struct {
		name   string
		token  string
		req    api.MintRequest
		status int
		code   string
	}{
		{
			name:   "missing bio hash",
			token:  token,
			req:    api.MintRequest{WalletAddress: s.wallet},
			status: http.StatusBadRequest,
			code:   "validation_error",
		},
		{
			name:   "malformed wallet",
			token:  token,
			req:    api.MintRequest{BioHash: testBioHash, WalletAddress: "0x1234"},
			status: http.StatusBadRequest,
			code:   "validation_error",
		},
		{
			name:   "wallet of another hash",
			token:  token,
			req:    api.MintRequest{BioHash: testBioHash, WalletAddress: "0x00000000000000000000000000000000000000bb"},
			status: http.StatusBadRequest,
			code:   "validation_error",
		},
		{
			name:   "identity not completed",
			token:  pendingToken,
			req:    api.MintRequest{BioHash: testBioHash, WalletAddress: s.wallet},
			status: http.StatusConflict,
			code:   "conflict",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var resp api.ErrorResponse
			assert.Equal(t, tt.status, s.do(http.MethodPost, "/api/kyc/mint", tt.token, tt.req, &resp))
			assert.Equal(t, tt.code, resp.Code)
		})
	}
	assert.Equal(t, 0, s.ledger.Submissions())
}

func TestAmbiguousMintThenReconcile(t *testing.T) {
	s := newTestServer(t)
	token := s.completed("user-1")
	s.ledger.HoldReceipts = true

	var pending api.MintResponse
	status := s.do(http.MethodPost, "/api/kyc/mint", token, api.MintRequest{BioHash: testBioHash, WalletAddress: s.wallet}, &pending)
	require.Equal(t, http.StatusAccepted, status)
	assert.Equal(t, api.OutcomeAmbiguous, pending.Outcome)
	require.NotEmpty(t, pending.TxHash)

	var blocked api.MintResponse
	require.Equal(t, http.StatusAccepted, s.do(http.MethodPost, "/api/kyc/reconcile", token, nil, &blocked))
	assert.Equal(t, api.OutcomeAmbiguous, blocked.Outcome)

	s.ledger.Mine(common.HexToHash(pending.TxHash))

	var reconciled api.MintResponse
	require.Equal(t, http.StatusOK, s.do(http.MethodPost, "/api/kyc/reconcile", token, nil, &reconciled))
	assert.Equal(t, api.OutcomeMinted, reconciled.Outcome)
	assert.Equal(t, pending.TxHash, reconciled.TxHash)
	assert.Equal(t, 1, s.ledger.Submissions())
}

func TestMFAGatesMint(t *testing.T) {
	s := newTestServer(t)
	token := s.completed("user-1")

	var setup api.MFASetupResponse
	require.Equal(t, http.StatusOK, s.do(http.MethodPost, "/api/mfa/setup", token, nil, &setup))
	require.NotEmpty(t, setup.Secret)
	assert.Len(t, setup.BackupCodes, mfa.BackupCodeCount)

	code, err := totp.GenerateCode(setup.Secret, time.Now())
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, s.do(http.MethodPost, "/api/mfa/verify-setup", token, api.MFACodeRequest{Code: code}, nil))

	mintReq := api.MintRequest{BioHash: testBioHash, WalletAddress: s.wallet}
	var denied api.ErrorResponse
	require.Equal(t, http.StatusForbidden, s.do(http.MethodPost, "/api/kyc/mint", token, mintReq, &denied))
	assert.True(t, denied.MFARequired)
	assert.Equal(t, "mfa_required", denied.Code)

	var verified api.MFAVerifyResponse
	require.Equal(t, http.StatusOK, s.do(http.MethodPost, "/api/mfa/verify", token, api.MFACodeRequest{Code: setup.BackupCodes[0]}, &verified))
	assert.Equal(t, string(mfa.MethodBackupCode), verified.Method)
	require.NotEmpty(t, verified.Token)

	var minted api.MintResponse
	require.Equal(t, http.StatusOK, s.do(http.MethodPost, "/api/kyc/mint", verified.Token, mintReq, &minted))
	assert.Equal(t, api.OutcomeMinted, minted.Outcome)

	var mfaStatus api.MFAStatusResponse
	require.Equal(t, http.StatusOK, s.do(http.MethodGet, "/api/mfa/status", verified.Token, nil, &mfaStatus))
	assert.True(t, mfaStatus.Enabled)
	assert.Equal(t, mfa.BackupCodeCount-1, mfaStatus.BackupCodesRemaining)

	var reused api.ErrorResponse
	require.Equal(t, http.StatusUnauthorized, s.do(http.MethodPost, "/api/mfa/verify", token, api.MFACodeRequest{Code: setup.BackupCodes[0]}, &reused))
}

func TestMFAVerifyKeepsSessionExpiry(t *testing.T) {
	s := newTestServer(t)
	s.completed("user-1")

	shortLived, err := auth.NewTokenCodec("session-secret-for-tests", 10*time.Minute)
	require.NoError(t, err)
	token, err := shortLived.Issue(&interfaces.SessionClaims{SubjectID: "user-1", Email: "user-1@example.com"})
	require.NoError(t, err)
	original, err := s.codec.Decode(token)
	require.NoError(t, err)

	var setup api.MFASetupResponse
	require.Equal(t, http.StatusOK, s.do(http.MethodPost, "/api/mfa/setup", token, nil, &setup))
	code, err := totp.GenerateCode(setup.Secret, time.Now())
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, s.do(http.MethodPost, "/api/mfa/verify-setup", token, api.MFACodeRequest{Code: code}, nil))

	var verified api.MFAVerifyResponse
	require.Equal(t, http.StatusOK, s.do(http.MethodPost, "/api/mfa/verify", token, api.MFACodeRequest{Code: setup.BackupCodes[0]}, &verified))

	upgraded, err := s.codec.Decode(verified.Token)
	require.NoError(t, err)
	assert.True(t, upgraded.MFAVerified)
	assert.True(t, original.ExpiresAt.Equal(upgraded.ExpiresAt), "upgraded token must not outlive the original session")
}

func TestAdminRoutes(t *testing.T) {
	s := newTestServer(t)
	userToken := s.completed("user-1")
	s.ledger.RevertMints = true

	var failed api.ErrorResponse
	status := s.do(http.MethodPost, "/api/kyc/mint", userToken, api.MintRequest{BioHash: testBioHash, WalletAddress: s.wallet}, &failed)
	require.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, "execution_failed", failed.Code)

	adminToken := s.token(&interfaces.SessionClaims{SubjectID: "admin-1", Role: interfaces.RoleAdmin, MFAVerified: true})

	var forbidden api.ErrorResponse
	require.Equal(t, http.StatusForbidden, s.do(http.MethodGet, "/api/admin/identities/user-1", userToken, nil, &forbidden))
	require.Equal(t, http.StatusForbidden, s.do(http.MethodPost, "/api/admin/identities/user-1/clear-pending-mint", userToken, nil, &forbidden))

	var view api.AdminIdentityResponse
	require.Equal(t, http.StatusOK, s.do(http.MethodGet, "/api/admin/identities/user-1", adminToken, nil, &view))
	assert.Equal(t, "COMPLETED", view.Status)
	assert.NotEmpty(t, view.PendingMintTx)

	var cleared api.MintResponse
	require.Equal(t, http.StatusOK, s.do(http.MethodPost, "/api/admin/identities/user-1/clear-pending-mint", adminToken, nil, &cleared))
	assert.Equal(t, api.OutcomeCleared, cleared.Outcome)

	require.Equal(t, http.StatusOK, s.do(http.MethodGet, "/api/admin/identities/user-1", adminToken, nil, &view))
	assert.Empty(t, view.PendingMintTx)

	var missing api.ErrorResponse
	require.Equal(t, http.StatusNotFound, s.do(http.MethodGet, "/api/admin/identities/nobody", adminToken, nil, &missing))
}

func TestTokenInfoValidation(t *testing.T) {
	s := newTestServer(t)
	token := s.token(&interfaces.SessionClaims{SubjectID: "user-1"})

	var resp api.ErrorResponse
	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodGet, "/api/identity/tokens/abc", token, nil, &resp))
	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodGet, "/api/identity/tokens/0", token, nil, &resp))
	assert.Equal(t, http.StatusNotFound, s.do(http.MethodGet, "/api/identity/tokens/7", token, nil, &resp))
}

func TestDrain(t *testing.T) {
	s := newTestServer(t)

	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/livez", "", nil, nil))
	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/readyz", "", nil, nil))
	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/drain", "", nil, nil))
	assert.Equal(t, http.StatusServiceUnavailable, s.do(http.MethodGet, "/readyz", "", nil, nil))
	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/undrain", "", nil, nil))
	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/readyz", "", nil, nil))
}
