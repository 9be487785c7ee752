package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ruteri/identity-lifecycle-backend/cryptoutils"
	"github.com/ruteri/identity-lifecycle-backend/interfaces"
	"github.com/ruteri/identity-lifecycle-backend/kms"
	"github.com/ruteri/identity-lifecycle-backend/metrics"
)

const (
	// DefaultName is recorded when the provider extracted no name.
	DefaultName = "Blocktrust User"
	// DefaultDocumentRef is recorded when the provider extracted no document.
	DefaultDocumentRef = "N/A"
)

// SubjectRef identifies the authenticated subject starting verification.
type SubjectRef struct {
	SubjectID string
	Email     string
}

// InitResult is returned by Init.
type InitResult struct {
	Record *interfaces.IdentityRecord
	// AccessToken is a provider SDK token, set while the record is PENDING.
	AccessToken string
	// Created is true when this call moved the record to PENDING.
	Created bool
}

// StatusView is the subject's view of their own identity.
type StatusView struct {
	Record *interfaces.IdentityRecord
	// BioHash is set for COMPLETED records so the client can derive its
	// wallet. It is read from the provider and never stored.
	BioHash string
}

// Signal is a verified provider decision for one applicant.
type Signal struct {
	ApplicantID string
	Decision    interfaces.ReviewDecision
	// BioHash and Profile are required for completions.
	BioHash    string
	Profile    *interfaces.ApplicantProfile
	OccurredAt time.Time
}

// TransitionResult reports the record after a signal and whether the signal
// changed it.
type TransitionResult struct {
	Record  *interfaces.IdentityRecord
	Applied bool
}

// Coordinator owns the KYC status of every identity record. All status
// changes go through it.
type Coordinator struct {
	store    interfaces.IdentityStore
	provider interfaces.VerificationProvider
	deriver  *kms.Deriver
	level    string

	audit   interfaces.AuditSink
	metrics *metrics.Metrics
	log     *slog.Logger
	now     func() time.Time
}

// NewCoordinator creates a coordinator. level is the provider verification
// level new applicants are created at.
func NewCoordinator(store interfaces.IdentityStore, provider interfaces.VerificationProvider, deriver *kms.Deriver, level string, audit interfaces.AuditSink, m *metrics.Metrics, log *slog.Logger) *Coordinator {
	return &Coordinator{
		store:    store,
		provider: provider,
		deriver:  deriver,
		level:    level,
		audit:    audit,
		metrics:  m,
		log:      log,
		now:      time.Now,
	}
}

// Record returns the stored record of a subject.
func (c *Coordinator) Record(ctx context.Context, subjectID string) (*interfaces.IdentityRecord, error) {
	return c.store.GetIdentity(ctx, subjectID)
}

// RecordByApplicant returns the record holding a provider applicant id.
func (c *Coordinator) RecordByApplicant(ctx context.Context, applicantID string) (*interfaces.IdentityRecord, error) {
	return c.store.GetIdentityByApplicant(ctx, applicantID)
}

// Init starts verification for a subject. The provider applicant is created
// without holding the record; the PENDING transition is then applied only if
// the record is still UNINITIATED, so a concurrent Init that lost the race
// returns the winner's state. Records past PENDING are returned unchanged.
func (c *Coordinator) Init(ctx context.Context, ref SubjectRef) (*InitResult, error) {
	if strings.TrimSpace(ref.SubjectID) == "" {
		return nil, interfaces.Errorf(interfaces.ErrValidation, "lifecycle.Init", "subject id is required")
	}

	rec, err := c.store.CreateIdentity(ctx, &interfaces.IdentityRecord{
		SubjectID: ref.SubjectID,
		Email:     ref.Email,
		Status:    interfaces.StatusUninitiated,
	})
	if err != nil {
		return nil, err
	}

	switch rec.Status {
	case interfaces.StatusPending:
		token, err := c.accessToken(ctx, rec.ApplicantID)
		if err != nil {
			return nil, err
		}
		return &InitResult{Record: rec, AccessToken: token}, nil
	case interfaces.StatusCompleted, interfaces.StatusRejected, interfaces.StatusMinted:
		return &InitResult{Record: rec}, nil
	}

	applicantID, err := c.provider.CreateApplicant(ctx, ref.SubjectID, c.level, ref.Email)
	if err != nil {
		c.log.Warn("Failed to create applicant", slog.String("subject_id", ref.SubjectID), "err", err)
		return nil, asExternal("lifecycle.Init", err)
	}

	var applied bool
	rec, err = c.store.UpdateIdentity(ctx, ref.SubjectID, func(r *interfaces.IdentityRecord) error {
		if r.Status != interfaces.StatusUninitiated {
			return interfaces.ErrNoChange
		}
		r.ApplicantID = applicantID
		r.Status = interfaces.StatusPending
		if r.Email == "" {
			r.Email = ref.Email
		}
		applied = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	if applied {
		c.transitioned(ctx, rec, interfaces.StatusUninitiated, interfaces.AuditKYCInitiated, nil)
	}

	result := &InitResult{Record: rec, Created: applied}
	if rec.Status == interfaces.StatusPending {
		if result.AccessToken, err = c.accessToken(ctx, rec.ApplicantID); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func (c *Coordinator) accessToken(ctx context.Context, applicantID string) (string, error) {
	token, err := c.provider.AccessToken(ctx, applicantID, c.level)
	if err != nil {
		return "", asExternal("lifecycle.AccessToken", err)
	}
	return token, nil
}

// Status returns the subject's record. A PENDING record is refreshed from the
// provider first and the decision, if any, applied as a signal. Provider
// failures leave the record unchanged.
func (c *Coordinator) Status(ctx context.Context, subjectID string) (*StatusView, error) {
	rec, err := c.store.GetIdentity(ctx, subjectID)
	if errors.Is(err, interfaces.ErrNotFound) {
		return &StatusView{Record: &interfaces.IdentityRecord{
			SubjectID: subjectID,
			Status:    interfaces.StatusUninitiated,
		}}, nil
	}
	if err != nil {
		return nil, err
	}

	view := &StatusView{Record: rec}
	if rec.Status == interfaces.StatusPending && rec.ApplicantID != "" {
		status, err := c.provider.GetStatus(ctx, rec.ApplicantID)
		if err != nil {
			return nil, asExternal("lifecycle.Status", err)
		}

		at := status.UpdatedAt
		if at.IsZero() {
			at = c.now().UTC()
		}

		var sig *Signal
		switch status.Decision() {
		case interfaces.DecisionCompleted:
			if sig, err = c.CompletionSignal(ctx, rec.ApplicantID, at); err != nil {
				return nil, err
			}
			view.BioHash = sig.BioHash
		case interfaces.DecisionRejected:
			sig = &Signal{ApplicantID: rec.ApplicantID, Decision: interfaces.DecisionRejected, OccurredAt: at}
		}

		if sig != nil {
			res, err := c.ApplySignal(ctx, *sig)
			if err != nil {
				return nil, err
			}
			view.Record = res.Record
		}
	}

	if view.Record.Status == interfaces.StatusCompleted && view.BioHash == "" {
		bioHash, err := c.provider.GetBiometricHash(ctx, view.Record.ApplicantID)
		if err != nil {
			c.log.Warn("Biometric hash unavailable for completed identity",
				slog.String("subject_id", subjectID), "err", err)
		} else {
			view.BioHash = bioHash
		}
	}
	if view.Record.Status != interfaces.StatusCompleted {
		view.BioHash = ""
	}
	return view, nil
}

// CompletionSignal reads the biometric hash and profile of an approved
// applicant and builds the completion signal.
func (c *Coordinator) CompletionSignal(ctx context.Context, applicantID string, at time.Time) (*Signal, error) {
	bioHash, err := c.provider.GetBiometricHash(ctx, applicantID)
	if err != nil {
		return nil, asExternal("lifecycle.CompletionSignal", err)
	}
	profile, err := c.provider.GetProfile(ctx, applicantID)
	if err != nil {
		return nil, asExternal("lifecycle.CompletionSignal", err)
	}
	return &Signal{
		ApplicantID: applicantID,
		Decision:    interfaces.DecisionCompleted,
		BioHash:     bioHash,
		Profile:     profile,
		OccurredAt:  at,
	}, nil
}

// ApplySignal applies a verified provider decision to the record holding
// the applicant. Repeated, out of order and backwards signals are accepted
// with Applied false and change nothing.
func (c *Coordinator) ApplySignal(ctx context.Context, sig Signal) (*TransitionResult, error) {
	const op = "lifecycle.ApplySignal"
	if sig.ApplicantID == "" {
		return nil, interfaces.Errorf(interfaces.ErrValidation, op, "applicant id is required")
	}

	rec, err := c.store.GetIdentityByApplicant(ctx, sig.ApplicantID)
	if err != nil {
		return nil, err
	}

	var target interfaces.KYCStatus
	switch sig.Decision {
	case interfaces.DecisionCompleted:
		target = interfaces.StatusCompleted
	case interfaces.DecisionRejected:
		target = interfaces.StatusRejected
	default:
		return &TransitionResult{Record: rec}, nil
	}
	if !interfaces.CanTransition(rec.Status, target) {
		return &TransitionResult{Record: rec}, nil
	}

	// Key stretching happens before the record is held.
	var (
		fingerprint string
		address     common.Address
	)
	if target == interfaces.StatusCompleted {
		if address, err = c.deriver.Address(sig.BioHash); err != nil {
			return nil, err
		}
		fingerprint = cryptoutils.Fingerprint(sig.BioHash)

		other, err := c.store.FindIdentity(ctx, fingerprint, common.Address{})
		switch {
		case err == nil && other.SubjectID != rec.SubjectID:
			c.log.Warn("Biometric fingerprint already bound to another identity",
				slog.String("applicant_id", sig.ApplicantID),
				slog.String("fingerprint", fingerprint))
			return nil, interfaces.Errorf(interfaces.ErrConflict, op, "an identity already exists for this biometric fingerprint")
		case err != nil && !errors.Is(err, interfaces.ErrNotFound):
			return nil, err
		}
	}

	now := c.now().UTC()
	at := sig.OccurredAt.UTC()
	if sig.OccurredAt.IsZero() {
		at = now
	}

	var (
		applied bool
		from    interfaces.KYCStatus
	)
	updated, err := c.store.UpdateIdentity(ctx, rec.SubjectID, func(r *interfaces.IdentityRecord) error {
		if r.ApplicantID != sig.ApplicantID {
			return interfaces.ErrNoChange
		}
		if !r.LastEventAt.IsZero() && at.Before(r.LastEventAt) {
			return interfaces.ErrNoChange
		}
		if !interfaces.CanTransition(r.Status, target) {
			return interfaces.ErrNoChange
		}

		from = r.Status
		r.Status = target
		r.LastEventAt = at
		if target == interfaces.StatusCompleted {
			r.Fingerprint = fingerprint
			r.WalletAddress = address
			r.Name, r.DocumentRef = profileFields(sig.Profile)
			r.CompletedAt = now
		}
		applied = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !applied {
		c.log.Debug("Signal ignored",
			slog.String("applicant_id", sig.ApplicantID),
			slog.String("decision", sig.Decision.String()),
			slog.String("status", updated.Status.String()))
		return &TransitionResult{Record: updated}, nil
	}

	eventType := interfaces.AuditKYCRejected
	var details map[string]string
	if target == interfaces.StatusCompleted {
		eventType = interfaces.AuditKYCCompleted
		details = map[string]string{
			"fingerprint":    updated.Fingerprint,
			"wallet_address": updated.WalletAddress.Hex(),
		}
	}
	c.transitioned(ctx, updated, from, eventType, details)
	return &TransitionResult{Record: updated, Applied: true}, nil
}

func profileFields(p *interfaces.ApplicantProfile) (name, documentRef string) {
	name, documentRef = DefaultName, DefaultDocumentRef
	if p == nil {
		return name, documentRef
	}
	if n := strings.TrimSpace(p.Name); n != "" {
		name = n
	}
	if d := strings.TrimSpace(p.DocumentNumber); d != "" {
		documentRef = d
	}
	return name, documentRef
}

// RecordPendingMint stores the hash of a submitted, unconfirmed mint. The
// record must be COMPLETED with no other pending transaction.
func (c *Coordinator) RecordPendingMint(ctx context.Context, subjectID string, txHash common.Hash) error {
	_, err := c.store.UpdateIdentity(ctx, subjectID, func(r *interfaces.IdentityRecord) error {
		if r.Status != interfaces.StatusCompleted {
			return interfaces.Errorf(interfaces.ErrConflict, "lifecycle.RecordPendingMint", "identity is %s", r.Status)
		}
		if r.PendingMintTx != nil {
			if *r.PendingMintTx == txHash {
				return interfaces.ErrNoChange
			}
			return interfaces.Errorf(interfaces.ErrConflict, "lifecycle.RecordPendingMint", "mint %s already pending", r.PendingMintTx.Hex())
		}
		r.PendingMintTx = &txHash
		return nil
	})
	return err
}

// ClearPendingMint removes the pending mint hash if it equals txHash. It
// reports whether anything was cleared.
func (c *Coordinator) ClearPendingMint(ctx context.Context, subjectID string, txHash common.Hash) (bool, error) {
	var cleared bool
	_, err := c.store.UpdateIdentity(ctx, subjectID, func(r *interfaces.IdentityRecord) error {
		if r.PendingMintTx == nil || *r.PendingMintTx != txHash {
			return interfaces.ErrNoChange
		}
		r.PendingMintTx = nil
		cleared = true
		return nil
	})
	return cleared, err
}

// MarkMinted caches a confirmed mint and moves COMPLETED to MINTED. A record
// that is already MINTED is returned unchanged.
func (c *Coordinator) MarkMinted(ctx context.Context, subjectID string, result interfaces.MintResult) (*TransitionResult, error) {
	var applied bool
	rec, err := c.store.UpdateIdentity(ctx, subjectID, func(r *interfaces.IdentityRecord) error {
		switch r.Status {
		case interfaces.StatusMinted:
			return interfaces.ErrNoChange
		case interfaces.StatusCompleted:
		default:
			return interfaces.Errorf(interfaces.ErrConflict, "lifecycle.MarkMinted", "identity is %s", r.Status)
		}

		r.Status = interfaces.StatusMinted
		r.Mint = &result
		r.PendingMintTx = nil
		r.MintedAt = c.now().UTC()
		applied = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	if applied {
		details := map[string]string{"tx_hash": result.TxHash.Hex()}
		if result.TokenID != nil {
			details["token_id"] = result.TokenID.String()
		}
		c.transitioned(ctx, rec, interfaces.StatusCompleted, interfaces.AuditIdentityMinted, details)
	}
	return &TransitionResult{Record: rec, Applied: applied}, nil
}

func (c *Coordinator) transitioned(ctx context.Context, rec *interfaces.IdentityRecord, from interfaces.KYCStatus, eventType interfaces.AuditEventType, details map[string]string) {
	c.metrics.KYCTransition(from.String(), rec.Status.String())
	c.audit.Record(ctx, interfaces.AuditEvent{
		Type:        eventType,
		SubjectID:   rec.SubjectID,
		ApplicantID: rec.ApplicantID,
		Details:     details,
	})
	c.log.Info("KYC status changed",
		slog.String("subject_id", rec.SubjectID),
		slog.String("from", from.String()),
		slog.String("to", rec.Status.String()))
}

// asExternal keeps kinded provider errors and marks everything else as an
// external service failure.
func asExternal(op string, err error) error {
	var kinded *interfaces.Error
	if errors.As(err, &kinded) {
		return err
	}
	return interfaces.NewError(interfaces.ErrExternalService, op, err)
}
