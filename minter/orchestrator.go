package minter

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ruteri/identity-lifecycle-backend/auth"
	"github.com/ruteri/identity-lifecycle-backend/cryptoutils"
	"github.com/ruteri/identity-lifecycle-backend/interfaces"
	"github.com/ruteri/identity-lifecycle-backend/kms"
	"github.com/ruteri/identity-lifecycle-backend/lifecycle"
	"github.com/ruteri/identity-lifecycle-backend/locks"
	"github.com/ruteri/identity-lifecycle-backend/metrics"
)

// Config tunes the mint procedure.
type Config struct {
	// ConfirmationTimeout bounds the wait for inclusion. Expiry makes the
	// outcome ambiguous, never failed.
	ConfirmationTimeout time.Duration

	// GasMarginPercent is added on top of a successful estimate.
	GasMarginPercent uint64

	// GasFallbackLimit is used when estimation fails.
	GasFallbackLimit uint64

	// ReadRetryWindow bounds the retries of side-effect free ledger reads.
	ReadRetryWindow time.Duration
}

// DefaultConfig returns the production settings.
func DefaultConfig() Config {
	return Config{
		ConfirmationTimeout: 120 * time.Second,
		GasMarginPercent:    20,
		GasFallbackLimit:    500_000,
		ReadRetryWindow:     10 * time.Second,
	}
}

// MFAStatus tells the orchestrator whether a subject has MFA enabled.
type MFAStatus interface {
	Enabled(ctx context.Context, subjectID string) (bool, error)
}

// ReconcileScheduler arranges a later Reconcile of an ambiguous mint.
type ReconcileScheduler interface {
	ScheduleReconcile(ctx context.Context, subjectID string, txHash common.Hash) error
}

// MintRequest is the caller's claim: the biometric hash and the wallet it
// derived from it.
type MintRequest struct {
	BioHash       string
	WalletAddress string
}

// MintOutcome is the result of Mint or Reconcile.
type MintOutcome struct {
	Result *interfaces.MintResult
	// AlreadyMinted is true when the result came from the record cache.
	AlreadyMinted bool
	// Cleared is true when Reconcile found a dropped transaction and
	// removed it, so a new mint may be submitted.
	Cleared bool
}

// Orchestrator mints identity tokens for COMPLETED identities. It submits at
// most one transaction per identity at a time, and never a second one while
// the outcome of the first is unknown.
type Orchestrator struct {
	ledger    interfaces.IdentityLedger
	coord     *lifecycle.Coordinator
	provider  interfaces.VerificationProvider
	deriver   *kms.Deriver
	locker    locks.Locker
	mfa       MFAStatus
	scheduler ReconcileScheduler
	archive   interfaces.StorageBackend
	cfg       Config

	audit   interfaces.AuditSink
	metrics *metrics.Metrics
	log     *slog.Logger
	now     func() time.Time
}

// Deps are the collaborators of an Orchestrator. Ledger may be nil, in which
// case every mint fails with a configuration error. Scheduler and Archive
// are optional.
type Deps struct {
	Ledger    interfaces.IdentityLedger
	Coord     *lifecycle.Coordinator
	Provider  interfaces.VerificationProvider
	Deriver   *kms.Deriver
	Locker    locks.Locker
	MFA       MFAStatus
	Scheduler ReconcileScheduler
	Archive   interfaces.StorageBackend
	Audit     interfaces.AuditSink
	Metrics   *metrics.Metrics
}

// NewOrchestrator creates an orchestrator. Zero config fields take their
// defaults.
func NewOrchestrator(deps Deps, cfg Config, log *slog.Logger) *Orchestrator {
	def := DefaultConfig()
	if cfg.ConfirmationTimeout == 0 {
		cfg.ConfirmationTimeout = def.ConfirmationTimeout
	}
	if cfg.GasMarginPercent == 0 {
		cfg.GasMarginPercent = def.GasMarginPercent
	}
	if cfg.GasFallbackLimit == 0 {
		cfg.GasFallbackLimit = def.GasFallbackLimit
	}
	if cfg.ReadRetryWindow == 0 {
		cfg.ReadRetryWindow = def.ReadRetryWindow
	}

	return &Orchestrator{
		ledger:    deps.Ledger,
		coord:     deps.Coord,
		provider:  deps.Provider,
		deriver:   deps.Deriver,
		locker:    deps.Locker,
		mfa:       deps.MFA,
		scheduler: deps.Scheduler,
		archive:   deps.Archive,
		cfg:       cfg,
		audit:     deps.Audit,
		metrics:   deps.Metrics,
		log:       log,
		now:       time.Now,
	}
}

func leaseKey(subjectID string) string {
	return "mint:" + subjectID
}

func (o *Orchestrator) checkSession(ctx context.Context, claims *interfaces.SessionClaims) error {
	if err := auth.Check(claims, auth.Authenticated()); err != nil {
		return err
	}
	enabled := false
	if o.mfa != nil {
		var err error
		if enabled, err = o.mfa.Enabled(ctx, claims.SubjectID); err != nil {
			return err
		}
	}
	return auth.Check(claims, auth.MFASatisfied(enabled))
}

// Mint mints the identity token of the session's subject. Every local check
// runs before the first ledger call.
func (o *Orchestrator) Mint(ctx context.Context, claims *interfaces.SessionClaims, req MintRequest) (*MintOutcome, error) {
	const op = "minter.Mint"
	if err := o.checkSession(ctx, claims); err != nil {
		return nil, err
	}
	subjectID := claims.SubjectID

	bioHash := cryptoutils.NormalizeBioHash(req.BioHash)
	if err := cryptoutils.ValidateBioHash(bioHash); err != nil {
		return nil, err
	}
	address, err := o.deriver.Verify(bioHash, req.WalletAddress)
	if err != nil {
		return nil, err
	}

	rec, err := o.coord.Record(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	if rec.Status == interfaces.StatusMinted {
		return cached(rec), nil
	}
	if rec.Status != interfaces.StatusCompleted {
		return nil, interfaces.Errorf(interfaces.ErrConflict, op, "identity is %s, verification must be completed before minting", rec.Status)
	}
	if cryptoutils.Fingerprint(bioHash) != rec.Fingerprint || address != rec.WalletAddress {
		return nil, interfaces.Errorf(interfaces.ErrValidation, op, "biometric hash does not belong to this identity")
	}

	if rec.PendingMintTx != nil {
		outcome, err := o.Reconcile(ctx, subjectID)
		if err != nil {
			return nil, err
		}
		if outcome.Result != nil {
			outcome.AlreadyMinted = true
			return outcome, nil
		}
	}

	if o.ledger == nil {
		return nil, interfaces.Errorf(interfaces.ErrConfiguration, op, "ledger not configured")
	}
	minter, err := o.ledger.MinterAddress()
	if err != nil {
		return nil, interfaces.NewError(interfaces.ErrConfiguration, op, err)
	}

	lease, err := o.locker.Acquire(ctx, leaseKey(subjectID), o.cfg.ConfirmationTimeout+time.Minute)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			o.log.Warn("Failed to release mint lease", slog.String("subject_id", subjectID), "err", err)
		}
	}()

	// Another request may have finished while this one waited for the lease.
	if rec, err = o.coord.Record(ctx, subjectID); err != nil {
		return nil, err
	}
	switch {
	case rec.Status == interfaces.StatusMinted:
		return cached(rec), nil
	case rec.PendingMintTx != nil:
		return nil, &AmbiguousError{SubjectID: subjectID, TxHash: *rec.PendingMintTx, Err: errors.New("mint already pending")}
	case rec.Status != interfaces.StatusCompleted:
		return nil, interfaces.Errorf(interfaces.ErrConflict, op, "identity is %s", rec.Status)
	}

	ledgerFingerprint := cryptoutils.LedgerFingerprint(bioHash)
	var active *interfaces.ActiveToken
	if err := o.retryRead(ctx, func() (err error) {
		active, err = o.ledger.ActiveTokenByFingerprint(ctx, ledgerFingerprint)
		return err
	}); err != nil {
		return nil, asExternal(op, err)
	}
	if active.Exists() {
		o.log.Warn("Ledger already holds an active token for this fingerprint",
			slog.String("subject_id", subjectID),
			slog.String("token_id", active.TokenID.String()),
			slog.String("owner", active.Owner.Hex()))
		return nil, interfaces.Errorf(interfaces.ErrConflict, op, "an active identity token %s already exists for this biometric hash", active.TokenID)
	}

	mintReq := &interfaces.MintRequest{
		To:             address,
		Name:           rec.Name,
		DocumentNumber: rec.DocumentRef,
		BioHash:        ledgerFingerprint,
		ApplicantID:    rec.ApplicantID,
	}
	if mintReq.Name == "" {
		mintReq.Name = lifecycle.DefaultName
	}
	if mintReq.DocumentNumber == "" {
		mintReq.DocumentNumber = lifecycle.DefaultDocumentRef
	}

	var nonce uint64
	if err := o.retryRead(ctx, func() (err error) {
		nonce, err = o.ledger.PendingNonce(ctx)
		return err
	}); err != nil {
		return nil, asExternal(op, err)
	}

	gasLimit := o.gasLimit(ctx, mintReq)

	signed, err := o.ledger.SignMint(ctx, mintReq, nonce, gasLimit)
	if err != nil {
		o.metrics.MintAttempt("submit_failed")
		return nil, asExternal(op, err)
	}
	txHash := signed.TxHash

	// The hash is on the record before the transaction can reach the ledger,
	// so every later Mint or Reconcile sees it.
	if err := o.retryRead(ctx, func() error {
		return o.coord.RecordPendingMint(ctx, subjectID, txHash)
	}); err != nil {
		o.metrics.MintAttempt("submit_failed")
		o.log.Warn("Failed to record pending mint, transaction not sent",
			slog.String("subject_id", subjectID),
			slog.String("tx_hash", txHash.Hex()), "err", err)
		return nil, asExternal(op, err)
	}

	if err := o.ledger.SendMint(ctx, signed); err != nil {
		return nil, o.sendFailed(ctx, subjectID, txHash, nonce, err)
	}
	submitted := o.now()
	o.log.Info("Mint submitted",
		slog.String("subject_id", subjectID),
		slog.String("tx_hash", txHash.Hex()),
		slog.String("minter", minter.Hex()),
		slog.Uint64("nonce", nonce),
		slog.Uint64("gas_limit", gasLimit))

	waitCtx, cancel := context.WithTimeout(ctx, o.cfg.ConfirmationTimeout)
	receipt, err := o.ledger.WaitMined(waitCtx, txHash)
	cancel()
	if err != nil {
		return nil, o.ambiguous(ctx, subjectID, txHash, err)
	}
	o.metrics.ObserveMintConfirmation(o.now().Sub(submitted))

	if !receipt.Succeeded {
		return nil, o.reverted(ctx, subjectID, txHash)
	}

	result, err := o.finalize(ctx, subjectID, receipt, ledgerFingerprint)
	if err != nil {
		return nil, err
	}
	return &MintOutcome{Result: result}, nil
}

func cached(rec *interfaces.IdentityRecord) *MintOutcome {
	var result *interfaces.MintResult
	if rec.Mint != nil {
		r := *rec.Mint
		result = &r
	}
	return &MintOutcome{Result: result, AlreadyMinted: true}
}

// gasLimit applies the safety margin to an estimate, or falls back to the
// fixed ceiling when estimation fails.
func (o *Orchestrator) gasLimit(ctx context.Context, req *interfaces.MintRequest) uint64 {
	estimate, err := o.ledger.EstimateMintGas(ctx, req)
	if err != nil || estimate == 0 {
		o.metrics.GasFallback()
		o.log.Warn("Gas estimation failed, using fallback limit",
			slog.Uint64("gas_limit", o.cfg.GasFallbackLimit), "err", err)
		return o.cfg.GasFallbackLimit
	}
	return estimate * (100 + o.cfg.GasMarginPercent) / 100
}

// sendFailed releases the recorded hash when the node provably never saw the
// transaction. Anything less certain is an ambiguous outcome.
func (o *Orchestrator) sendFailed(ctx context.Context, subjectID string, txHash common.Hash, nonce uint64, cause error) error {
	const op = "minter.Mint"
	o.log.Warn("Mint submission failed",
		slog.String("subject_id", subjectID),
		slog.String("tx_hash", txHash.Hex()),
		slog.Uint64("nonce", nonce), "err", cause)

	known, err := o.ledger.TransactionKnown(context.WithoutCancel(ctx), txHash)
	if err != nil || known {
		return o.ambiguous(ctx, subjectID, txHash, cause)
	}
	if _, err := o.coord.ClearPendingMint(context.WithoutCancel(ctx), subjectID, txHash); err != nil {
		return o.ambiguous(ctx, subjectID, txHash, cause)
	}
	o.metrics.MintAttempt("submit_failed")
	return asExternal(op, cause)
}

func (o *Orchestrator) ambiguous(ctx context.Context, subjectID string, txHash common.Hash, cause error) error {
	o.metrics.MintAttempt("ambiguous")
	o.audit.Record(ctx, interfaces.AuditEvent{
		Type:      interfaces.AuditMintAmbiguous,
		SubjectID: subjectID,
		Details:   map[string]string{"tx_hash": txHash.Hex(), "reason": cause.Error()},
	})
	o.log.Warn("Mint outcome unknown, reconciliation required",
		slog.String("subject_id", subjectID),
		slog.String("tx_hash", txHash.Hex()), "err", cause)

	if o.scheduler != nil {
		if err := o.scheduler.ScheduleReconcile(context.WithoutCancel(ctx), subjectID, txHash); err != nil {
			o.log.Error("Failed to schedule mint reconciliation", slog.String("tx_hash", txHash.Hex()), "err", err)
		}
	}
	return &AmbiguousError{SubjectID: subjectID, TxHash: txHash, Err: cause}
}

func (o *Orchestrator) reverted(ctx context.Context, subjectID string, txHash common.Hash) error {
	o.metrics.MintAttempt("reverted")
	o.audit.Record(ctx, interfaces.AuditEvent{
		Type:      interfaces.AuditMintFailed,
		SubjectID: subjectID,
		Details:   map[string]string{"tx_hash": txHash.Hex()},
	})
	o.log.Error("Mint transaction reverted, operator action required",
		slog.String("subject_id", subjectID),
		slog.String("tx_hash", txHash.Hex()))
	return &ExecutionError{SubjectID: subjectID, TxHash: txHash}
}

// finalize caches a successful receipt on the record.
func (o *Orchestrator) finalize(ctx context.Context, subjectID string, receipt *interfaces.MintReceipt, ledgerFingerprint [32]byte) (*interfaces.MintResult, error) {
	tokenID := receipt.TokenID
	if tokenID == nil {
		o.log.Warn("Mint receipt has no IdentityMinted event, reading token from ledger",
			slog.String("tx_hash", receipt.TxHash.Hex()))
		var active *interfaces.ActiveToken
		if err := o.retryRead(ctx, func() (err error) {
			active, err = o.ledger.ActiveTokenByFingerprint(ctx, ledgerFingerprint)
			return err
		}); err == nil && active.Exists() {
			tokenID = active.TokenID
		}
	}

	result := interfaces.MintResult{
		TokenID:     tokenID,
		TxHash:      receipt.TxHash,
		BlockNumber: receipt.BlockNumber,
		GasUsed:     receipt.GasUsed,
	}
	res, err := o.coord.MarkMinted(ctx, subjectID, result)
	if err != nil {
		return nil, err
	}

	o.metrics.MintAttempt("minted")
	o.archiveReceipt(ctx, subjectID, result)
	o.log.Info("Identity minted",
		slog.String("subject_id", subjectID),
		slog.String("tx_hash", receipt.TxHash.Hex()),
		slog.Uint64("block", receipt.BlockNumber))

	if res.Record.Mint != nil {
		cp := *res.Record.Mint
		return &cp, nil
	}
	return &result, nil
}

func (o *Orchestrator) archiveReceipt(ctx context.Context, subjectID string, result interfaces.MintResult) {
	if o.archive == nil {
		return
	}
	data, err := json.Marshal(struct {
		SubjectID string `json:"subject_id"`
		interfaces.MintResult
	}{subjectID, result})
	if err != nil {
		return
	}
	if _, err := o.archive.Store(ctx, data, interfaces.NamespaceMintReceipts); err != nil {
		o.log.Warn("Failed to archive mint receipt", slog.String("backend", o.archive.Name()), "err", err)
	}
}

// retryRead retries an idempotent call while it fails with a retryable
// error.
func (o *Orchestrator) retryRead(ctx context.Context, read func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxElapsedTime = o.cfg.ReadRetryWindow

	return backoff.Retry(func() error {
		err := read()
		if err != nil && interfaces.Classify(err) != interfaces.OutcomeRetryable {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(b, ctx))
}

// asExternal keeps kinded errors and marks everything else as an external
// service failure.
func asExternal(op string, err error) error {
	var kinded *interfaces.Error
	if errors.As(err, &kinded) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return interfaces.NewError(interfaces.ErrExternalService, op, err)
}
