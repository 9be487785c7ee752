package minter

import (
	"context"
	"errors"
	"log/slog"

	"github.com/ruteri/identity-lifecycle-backend/auth"
	"github.com/ruteri/identity-lifecycle-backend/cryptoutils"
	"github.com/ruteri/identity-lifecycle-backend/interfaces"
)

// Reconcile resolves a pending mint from ledger state:
//
//   - receipt found and successful: the identity becomes MINTED
//   - receipt found and reverted: ExecutionError, the pending hash stays
//   - no receipt, transaction still known to the node: AmbiguousError
//   - transaction unknown and no active token: the pending hash is cleared
//     and a new mint may be submitted
//   - transaction unknown but the wallet owns an active token: MINTED from
//     ledger data
//
// Reconcile only reads the ledger and never submits.
func (o *Orchestrator) Reconcile(ctx context.Context, subjectID string) (*MintOutcome, error) {
	const op = "minter.Reconcile"

	rec, err := o.coord.Record(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	if rec.Status == interfaces.StatusMinted {
		return cached(rec), nil
	}
	if rec.PendingMintTx == nil {
		return &MintOutcome{}, nil
	}
	if o.ledger == nil {
		return nil, interfaces.Errorf(interfaces.ErrConfiguration, op, "ledger not configured")
	}
	txHash := *rec.PendingMintTx

	receipt, err := o.ledger.ReceiptFor(ctx, txHash)
	switch {
	case err == nil && receipt.Succeeded:
		o.log.Info("Reconciled pending mint as included", slog.String("tx_hash", txHash.Hex()))
		result, err := o.finalizeReconciled(ctx, rec, receipt)
		if err != nil {
			return nil, err
		}
		return &MintOutcome{Result: result}, nil
	case err == nil:
		return nil, o.reverted(ctx, subjectID, txHash)
	case !errors.Is(err, interfaces.ErrNotFound):
		return nil, asExternal(op, err)
	}

	known, err := o.ledger.TransactionKnown(ctx, txHash)
	if err != nil {
		return nil, asExternal(op, err)
	}
	if known {
		return nil, &AmbiguousError{SubjectID: subjectID, TxHash: txHash, Err: errors.New("transaction not yet included")}
	}

	// The transaction is gone. The ledger decides whether it was replaced by
	// a mint that did land.
	bioHash, err := o.provider.GetBiometricHash(ctx, rec.ApplicantID)
	if err != nil {
		return nil, asExternal(op, err)
	}
	if cryptoutils.Fingerprint(bioHash) != rec.Fingerprint {
		return nil, interfaces.Errorf(interfaces.ErrConflict, op, "provider biometric hash no longer matches identity %s", subjectID)
	}

	var active *interfaces.ActiveToken
	if err := o.retryRead(ctx, func() (err error) {
		active, err = o.ledger.ActiveTokenByFingerprint(ctx, cryptoutils.LedgerFingerprint(bioHash))
		return err
	}); err != nil {
		return nil, asExternal(op, err)
	}

	if active.Exists() {
		if active.Owner != rec.WalletAddress {
			return nil, interfaces.Errorf(interfaces.ErrConflict, op, "active token %s is owned by %s", active.TokenID, active.Owner.Hex())
		}
		o.log.Info("Reconciled pending mint from ledger token",
			slog.String("subject_id", subjectID),
			slog.String("token_id", active.TokenID.String()))
		result, err := o.finalizeReconciled(ctx, rec, &interfaces.MintReceipt{Succeeded: true, TokenID: active.TokenID})
		if err != nil {
			return nil, err
		}
		return &MintOutcome{Result: result}, nil
	}

	cleared, err := o.coord.ClearPendingMint(ctx, subjectID, txHash)
	if err != nil {
		return nil, err
	}
	if cleared {
		o.audit.Record(ctx, interfaces.AuditEvent{
			Type:      interfaces.AuditPendingMintCleared,
			SubjectID: subjectID,
			Details:   map[string]string{"tx_hash": txHash.Hex(), "reason": "dropped"},
		})
		o.log.Warn("Pending mint was dropped, cleared for resubmission",
			slog.String("subject_id", subjectID),
			slog.String("tx_hash", txHash.Hex()))
	}
	return &MintOutcome{Cleared: cleared}, nil
}

func (o *Orchestrator) finalizeReconciled(ctx context.Context, rec *interfaces.IdentityRecord, receipt *interfaces.MintReceipt) (*interfaces.MintResult, error) {
	if receipt.TokenID != nil {
		return o.finalize(ctx, rec.SubjectID, receipt, [32]byte{})
	}

	bioHash, err := o.provider.GetBiometricHash(ctx, rec.ApplicantID)
	if err != nil {
		return nil, asExternal("minter.Reconcile", err)
	}
	return o.finalize(ctx, rec.SubjectID, receipt, cryptoutils.LedgerFingerprint(bioHash))
}

// ClearPendingMint lets an operator drop the pending mint of an identity,
// typically after a reverted transaction was investigated.
func (o *Orchestrator) ClearPendingMint(ctx context.Context, claims *interfaces.SessionClaims, subjectID string) error {
	if err := auth.Check(claims, auth.Admin()...); err != nil {
		return err
	}

	rec, err := o.coord.Record(ctx, subjectID)
	if err != nil {
		return err
	}
	if rec.PendingMintTx == nil {
		return interfaces.Errorf(interfaces.ErrNotFound, "minter.ClearPendingMint", "identity %s has no pending mint", subjectID)
	}
	txHash := *rec.PendingMintTx

	cleared, err := o.coord.ClearPendingMint(ctx, subjectID, txHash)
	if err != nil {
		return err
	}
	if cleared {
		o.audit.Record(ctx, interfaces.AuditEvent{
			Type:      interfaces.AuditPendingMintCleared,
			SubjectID: subjectID,
			Details: map[string]string{
				"tx_hash":  txHash.Hex(),
				"reason":   "operator",
				"operator": claims.SubjectID,
			},
		})
		o.log.Info("Pending mint cleared by operator",
			slog.String("subject_id", subjectID),
			slog.String("operator", claims.SubjectID),
			slog.String("tx_hash", txHash.Hex()))
	}
	return nil
}
