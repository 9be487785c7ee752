package interfaces

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// AuditEventType names an auditable fact.
type AuditEventType string

const (
	AuditKYCInitiated           AuditEventType = "kyc_initiated"
	AuditKYCCompleted           AuditEventType = "kyc_completed"
	AuditKYCRejected            AuditEventType = "kyc_rejected"
	AuditWebhookRejected        AuditEventType = "webhook_rejected"
	AuditIdentityMinted         AuditEventType = "identity_minted"
	AuditMintAmbiguous          AuditEventType = "mint_ambiguous"
	AuditMintFailed             AuditEventType = "mint_failed"
	AuditMFAEnabled             AuditEventType = "mfa_enabled"
	AuditMFADisabled            AuditEventType = "mfa_disabled"
	AuditBackupCodeUsed         AuditEventType = "backup_code_used"
	AuditBackupCodesRegenerated AuditEventType = "backup_codes_regenerated"
	AuditPendingMintCleared     AuditEventType = "pending_mint_cleared"
)

// AuditEvent is one entry of the audit trail.
type AuditEvent struct {
	ID          uuid.UUID         `json:"id"`
	Type        AuditEventType    `json:"type"`
	SubjectID   string            `json:"subject_id,omitempty"`
	ApplicantID string            `json:"applicant_id,omitempty"`
	Details     map[string]string `json:"details,omitempty"`
	At          time.Time         `json:"at"`
}

// AuditSink receives audit events. Recording never fails the caller.
type AuditSink interface {
	Record(ctx context.Context, event AuditEvent)
}
