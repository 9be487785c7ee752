package httpserver

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/identity-lifecycle-backend/api"
	"github.com/ruteri/identity-lifecycle-backend/auth"
	"github.com/ruteri/identity-lifecycle-backend/interfaces"
	"github.com/ruteri/identity-lifecycle-backend/lifecycle"
	"github.com/ruteri/identity-lifecycle-backend/mfa"
	"github.com/ruteri/identity-lifecycle-backend/minter"
	"github.com/ruteri/identity-lifecycle-backend/recovery"
	"github.com/ruteri/identity-lifecycle-backend/webhook"
)

// Deps are the components served by the handler. Codec may be nil, in which
// case every authenticated route answers 500.
type Deps struct {
	Codec        *auth.TokenCodec
	Coordinator  *lifecycle.Coordinator
	Ingestor     *webhook.Ingestor
	Orchestrator *minter.Orchestrator
	Resolver     *recovery.Resolver
	MFA          *mfa.Service
	LevelName    string
}

// Handler translates HTTP requests into component calls. It holds no state
// of its own.
type Handler struct {
	codec    *auth.TokenCodec
	coord    *lifecycle.Coordinator
	ingestor *webhook.Ingestor
	orch     *minter.Orchestrator
	resolver *recovery.Resolver
	mfa      *mfa.Service
	level    string
	maxBody  int64
	log      *slog.Logger
}

// NewHandler creates a handler.
func NewHandler(deps Deps, log *slog.Logger) *Handler {
	return &Handler{
		codec:    deps.Codec,
		coord:    deps.Coordinator,
		ingestor: deps.Ingestor,
		orch:     deps.Orchestrator,
		resolver: deps.Resolver,
		mfa:      deps.MFA,
		level:    deps.LevelName,
		maxBody:  api.DefaultMaxBodyBytes,
		log:      log,
	}
}

// Routes mounts the API on r.
func (h *Handler) Routes(r chi.Router) {
	r.Use(h.limitBody)

	r.Post("/api/kyc/webhook", h.HandleWebhook)

	r.Group(func(r chi.Router) {
		r.Use(h.authenticate)

		r.Post("/api/kyc/init", h.HandleInit)
		r.Get("/api/kyc/status", h.HandleStatus)
		r.Post("/api/kyc/mint", h.HandleMint)
		r.Post("/api/kyc/reconcile", h.HandleReconcile)
		r.Post("/api/kyc/recover-identity", h.HandleRecover)
		r.Get("/api/identity/tokens/{tokenId}", h.HandleTokenInfo)

		r.Post("/api/mfa/setup", h.HandleMFASetup)
		r.Post("/api/mfa/verify-setup", h.HandleMFAConfirm)
		r.Post("/api/mfa/verify", h.HandleMFAVerify)
		r.Post("/api/mfa/disable", h.HandleMFADisable)
		r.Get("/api/mfa/status", h.HandleMFAStatus)
		r.Post("/api/mfa/backup-codes/regenerate", h.HandleRegenerateBackupCodes)

		r.Post("/api/admin/identities/{subjectId}/clear-pending-mint", h.HandleClearPendingMint)
		r.Get("/api/admin/identities/{subjectId}", h.HandleAdminIdentity)
	})
}

// decode reads a JSON body into v. An empty body leaves v at its zero value
// when allowEmpty is set.
func decode(r *http.Request, v any, allowEmpty bool) error {
	err := json.NewDecoder(r.Body).Decode(v)
	switch {
	case err == nil:
	case errors.Is(err, io.EOF) && allowEmpty:
	default:
		return interfaces.Errorf(interfaces.ErrValidation, "httpserver.decode", "invalid request body: %v", err)
	}
	if validatable, ok := v.(interface{ Validate() error }); ok {
		if err := validatable.Validate(); err != nil {
			return interfaces.NewError(interfaces.ErrValidation, "httpserver.decode", err)
		}
	}
	return nil
}

// HandleWebhook ingests a provider callback. The signature is the only
// authentication.
func (h *Handler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.writeError(w, r, interfaces.Errorf(interfaces.ErrValidation, "httpserver.HandleWebhook", "failed to read body: %v", err))
		return
	}

	out, err := h.ingestor.Handle(r.Context(), body, r.Header)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.WebhookResponse{Status: out.Status, KYCStatus: out.KYCStatus})
}

// HandleInit starts verification for the caller.
func (h *Handler) HandleInit(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	var req api.InitRequest
	if err := decode(r, &req, true); err != nil {
		h.writeError(w, r, err)
		return
	}
	email := req.Email
	if email == "" {
		email = claims.Email
	}

	res, err := h.coord.Init(r.Context(), lifecycle.SubjectRef{SubjectID: claims.SubjectID, Email: email})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := api.InitResponse{
		Status:      res.Record.Status.String(),
		ApplicantID: res.Record.ApplicantID,
		AccessToken: res.AccessToken,
		Created:     res.Created,
	}
	if res.AccessToken != "" {
		resp.LevelName = h.level
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleStatus returns the caller's identity, refreshing a pending review.
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	view, err := h.coord.Status(r.Context(), claims.SubjectID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	rec := view.Record
	resp := api.StatusResponse{
		Status:      rec.Status.String(),
		ApplicantID: rec.ApplicantID,
		BioHash:     view.BioHash,
		Name:        rec.Name,
		DocumentRef: rec.DocumentRef,
		Mint:        mintView(rec.Mint),
	}
	if rec.Fingerprint != "" {
		resp.WalletAddress = rec.WalletAddress.Hex()
	}
	if rec.PendingMintTx != nil {
		resp.PendingMintTx = rec.PendingMintTx.Hex()
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleMint mints the caller's identity token.
func (h *Handler) HandleMint(w http.ResponseWriter, r *http.Request) {
	var req api.MintRequest
	if err := decode(r, &req, false); err != nil {
		h.writeError(w, r, err)
		return
	}

	out, err := h.orch.Mint(r.Context(), ClaimsFromContext(r.Context()), minter.MintRequest{
		BioHash:       req.BioHash,
		WalletAddress: req.WalletAddress,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mintResponse(out))
}

// HandleReconcile resolves the caller's pending mint, if any.
func (h *Handler) HandleReconcile(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	out, err := h.orch.Reconcile(r.Context(), claims.SubjectID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mintResponse(out))
}

func mintResponse(out *minter.MintOutcome) api.MintResponse {
	switch {
	case out.Result != nil && out.AlreadyMinted:
		return api.MintResponse{Outcome: api.OutcomeAlreadyMinted, TxHash: out.Result.TxHash.Hex(), Mint: mintView(out.Result)}
	case out.Result != nil:
		return api.MintResponse{Outcome: api.OutcomeMinted, TxHash: out.Result.TxHash.Hex(), Mint: mintView(out.Result)}
	case out.Cleared:
		return api.MintResponse{Outcome: api.OutcomeCleared}
	default:
		return api.MintResponse{Outcome: api.OutcomeNothingToDo}
	}
}

func mintView(m *interfaces.MintResult) *api.MintView {
	if m == nil {
		return nil
	}
	return &api.MintView{
		TokenID:     m.TokenID,
		TxHash:      m.TxHash.Hex(),
		BlockNumber: m.BlockNumber,
		GasUsed:     m.GasUsed,
	}
}

// HandleRecover resolves a presented biometric hash to its identity.
func (h *Handler) HandleRecover(w http.ResponseWriter, r *http.Request) {
	var req api.RecoverRequest
	if err := decode(r, &req, false); err != nil {
		h.writeError(w, r, err)
		return
	}

	out, err := h.resolver.Recover(r.Context(), req.BioHash)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := api.RecoverResponse{
		Found:         out.Found,
		WalletAddress: out.WalletAddress.Hex(),
		TokenID:       out.TokenID,
		Identity:      identityView(out.Ledger),
	}
	if out.Local != nil {
		resp.Local = &api.LocalView{
			SubjectID:   out.Local.SubjectID,
			Status:      out.Local.Status,
			Name:        out.Local.Name,
			DocumentRef: out.Local.DocumentRef,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleTokenInfo returns the on-chain identity of a token.
func (h *Handler) HandleTokenInfo(w http.ResponseWriter, r *http.Request) {
	tokenID, ok := new(big.Int).SetString(chi.URLParam(r, "tokenId"), 10)
	if !ok {
		h.writeError(w, r, interfaces.Errorf(interfaces.ErrValidation, "httpserver.HandleTokenInfo", "invalid token id"))
		return
	}

	ident, err := h.resolver.TokenInfo(r.Context(), tokenID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, identityView(ident))
}

func identityView(ident *interfaces.LedgerIdentity) *api.IdentityView {
	if ident == nil {
		return nil
	}
	return &api.IdentityView{
		TokenID:         ident.TokenID,
		Owner:           ident.Owner.Hex(),
		Name:            ident.Name,
		DocumentNumber:  ident.DocumentNumber,
		BioHash:         ident.BioHash.Hex(),
		KYCTimestamp:    ident.KYCTimestamp,
		IsActive:        ident.IsActive,
		PreviousTokenID: ident.PreviousTokenID,
		ApplicantID:     ident.ApplicantID,
	}
}

// HandleMFASetup starts an MFA enrollment.
func (h *Handler) HandleMFASetup(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	var req api.MFASetupRequest
	if err := decode(r, &req, true); err != nil {
		h.writeError(w, r, err)
		return
	}
	account := req.AccountName
	if account == "" {
		account = claims.Email
	}

	enrollment, err := h.mfa.Setup(r.Context(), claims.SubjectID, account)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.MFASetupResponse{
		Secret:          enrollment.Secret,
		ProvisioningURI: enrollment.ProvisioningURI,
		QRCodePNG:       enrollment.QRCodePNG,
		BackupCodes:     enrollment.BackupCodes,
	})
}

// HandleMFAConfirm enables a pending enrollment.
func (h *Handler) HandleMFAConfirm(w http.ResponseWriter, r *http.Request) {
	var req api.MFACodeRequest
	if err := decode(r, &req, false); err != nil {
		h.writeError(w, r, err)
		return
	}

	if err := h.mfa.ConfirmSetup(r.Context(), ClaimsFromContext(r.Context()).SubjectID, req.Code); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.MFAStatusResponse{Enabled: true, BackupCodesRemaining: mfa.BackupCodeCount})
}

// HandleMFAVerify checks a code and reissues the session with the MFA claim.
// The upgraded token keeps the expiry of the one presented.
func (h *Handler) HandleMFAVerify(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	var req api.MFACodeRequest
	if err := decode(r, &req, false); err != nil {
		h.writeError(w, r, err)
		return
	}

	method, err := h.mfa.Verify(r.Context(), claims.SubjectID, req.Code)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	upgraded := *claims
	upgraded.MFAVerified = true
	token, err := h.codec.Reissue(&upgraded)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.MFAVerifyResponse{Verified: true, Method: string(method), Token: token})
}

// HandleMFADisable removes the caller's enrollment.
func (h *Handler) HandleMFADisable(w http.ResponseWriter, r *http.Request) {
	var req api.MFACodeRequest
	if err := decode(r, &req, false); err != nil {
		h.writeError(w, r, err)
		return
	}

	if err := h.mfa.Disable(r.Context(), ClaimsFromContext(r.Context()), req.Code); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.MFAStatusResponse{Enabled: false})
}

// HandleMFAStatus reports the caller's enrollment.
func (h *Handler) HandleMFAStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.mfa.Status(r.Context(), ClaimsFromContext(r.Context()).SubjectID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.MFAStatusResponse{Enabled: status.Enabled, BackupCodesRemaining: status.BackupCodesRemaining})
}

// HandleRegenerateBackupCodes replaces the caller's backup codes.
func (h *Handler) HandleRegenerateBackupCodes(w http.ResponseWriter, r *http.Request) {
	var req api.MFACodeRequest
	if err := decode(r, &req, false); err != nil {
		h.writeError(w, r, err)
		return
	}

	codes, err := h.mfa.RegenerateBackupCodes(r.Context(), ClaimsFromContext(r.Context()).SubjectID, req.Code)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.BackupCodesResponse{BackupCodes: codes})
}

// HandleClearPendingMint lets an operator clear a failed mint.
func (h *Handler) HandleClearPendingMint(w http.ResponseWriter, r *http.Request) {
	subjectID := chi.URLParam(r, "subjectId")
	if err := h.orch.ClearPendingMint(r.Context(), ClaimsFromContext(r.Context()), subjectID); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.MintResponse{Outcome: api.OutcomeCleared})
}

// HandleAdminIdentity returns the stored record of any subject.
func (h *Handler) HandleAdminIdentity(w http.ResponseWriter, r *http.Request) {
	if err := auth.Check(ClaimsFromContext(r.Context()), auth.Admin()...); err != nil {
		h.writeError(w, r, err)
		return
	}

	rec, err := h.coord.Record(r.Context(), chi.URLParam(r, "subjectId"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := api.AdminIdentityResponse{
		SubjectID:   rec.SubjectID,
		Email:       rec.Email,
		ApplicantID: rec.ApplicantID,
		Status:      rec.Status.String(),
		Fingerprint: rec.Fingerprint,
		Mint:        mintView(rec.Mint),
		LastEventAt: rec.LastEventAt,
		UpdatedAt:   rec.UpdatedAt,
	}
	if rec.Fingerprint != "" {
		resp.WalletAddress = rec.WalletAddress.Hex()
	}
	if rec.PendingMintTx != nil {
		resp.PendingMintTx = rec.PendingMintTx.Hex()
	}
	writeJSON(w, http.StatusOK, resp)
}
