package interfaces

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// KYCStatus is the verification state of one identity.
type KYCStatus int

const (
	// StatusUninitiated is the state before any verification was requested.
	StatusUninitiated KYCStatus = iota

	// StatusPending means an applicant exists at the provider and a decision
	// is outstanding.
	StatusPending

	// StatusCompleted means the provider approved the applicant and the
	// fingerprint and wallet address are recorded.
	StatusCompleted

	// StatusRejected means the provider rejected the applicant. Terminal for
	// the verification attempt.
	StatusRejected

	// StatusMinted means the identity token was confirmed on the ledger.
	// Terminal success.
	StatusMinted
)

// String returns the canonical upper case name used in storage and the API.
func (s KYCStatus) String() string {
	switch s {
	case StatusUninitiated:
		return "UNINITIATED"
	case StatusPending:
		return "PENDING"
	case StatusCompleted:
		return "COMPLETED"
	case StatusRejected:
		return "REJECTED"
	case StatusMinted:
		return "MINTED"
	default:
		return "UNKNOWN"
	}
}

// ParseKYCStatus is the inverse of KYCStatus.String.
func ParseKYCStatus(s string) (KYCStatus, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "UNINITIATED", "":
		return StatusUninitiated, nil
	case "PENDING":
		return StatusPending, nil
	case "COMPLETED":
		return StatusCompleted, nil
	case "REJECTED":
		return StatusRejected, nil
	case "MINTED":
		return StatusMinted, nil
	default:
		return StatusUninitiated, fmt.Errorf("unknown kyc status %q", s)
	}
}

// CanTransition reports whether from→to is one of the allowed transitions.
// Nothing moves backwards and nothing leaves REJECTED or MINTED.
func CanTransition(from, to KYCStatus) bool {
	switch from {
	case StatusUninitiated:
		return to == StatusPending
	case StatusPending:
		return to == StatusCompleted || to == StatusRejected
	case StatusCompleted:
		return to == StatusMinted
	default:
		return false
	}
}

// MintResult is the confirmed outcome of a mint transaction.
type MintResult struct {
	TokenID     *big.Int    `json:"token_id"`
	TxHash      common.Hash `json:"tx_hash"`
	BlockNumber uint64      `json:"block_number"`
	GasUsed     uint64      `json:"gas_used"`
}

// IdentityRecord is the locally stored state of one subject's identity.
// It never contains the raw biometric hash or any derived key material.
type IdentityRecord struct {
	ID          uuid.UUID
	SubjectID   string
	Email       string
	ApplicantID string

	// Fingerprint is the hex SHA-256 of the biometric hash. Unique.
	Fingerprint   string
	WalletAddress common.Address
	Status        KYCStatus

	Name        string
	DocumentRef string

	// Mint is set once the token is confirmed.
	Mint *MintResult

	// PendingMintTx is set between submission and confirmation of a mint.
	// A non-nil value blocks new submissions until reconciled.
	PendingMintTx *common.Hash

	// LastEventAt is the provider time of the last applied signal.
	LastEventAt time.Time

	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt time.Time
	MintedAt    time.Time
}

// Clone returns a deep copy, so callers can mutate it outside a store lock.
func (r *IdentityRecord) Clone() *IdentityRecord {
	if r == nil {
		return nil
	}
	c := *r
	if r.Mint != nil {
		m := *r.Mint
		if r.Mint.TokenID != nil {
			m.TokenID = new(big.Int).Set(r.Mint.TokenID)
		}
		c.Mint = &m
	}
	if r.PendingMintTx != nil {
		h := *r.PendingMintTx
		c.PendingMintTx = &h
	}
	return &c
}

// MFACredential is a subject's second factor enrollment.
type MFACredential struct {
	SubjectID string

	// Secret is the base32 TOTP secret.
	Secret string

	// BackupCodeHashes holds bcrypt hashes of the unused backup codes.
	BackupCodeHashes []string

	// Enabled is false between setup and confirmation.
	Enabled bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Clone returns a deep copy of the credential.
func (c *MFACredential) Clone() *MFACredential {
	if c == nil {
		return nil
	}
	cp := *c
	cp.BackupCodeHashes = append([]string(nil), c.BackupCodeHashes...)
	return &cp
}

// ReviewDecision is the normalized verdict carried by a provider signal.
type ReviewDecision int

const (
	// DecisionNone means the signal carries no final verdict.
	DecisionNone ReviewDecision = iota
	// DecisionCompleted means the applicant was approved.
	DecisionCompleted
	// DecisionRejected means the applicant was rejected.
	DecisionRejected
)

func (d ReviewDecision) String() string {
	switch d {
	case DecisionCompleted:
		return "completed"
	case DecisionRejected:
		return "rejected"
	default:
		return "none"
	}
}

// WebhookEvent is a parsed provider callback. It is never persisted.
type WebhookEvent struct {
	ApplicantID  string
	ReviewStatus string
	ReviewAnswer string
	Type         string
	CreatedAt    time.Time
	Payload      []byte
}

// Decision maps the provider review fields onto a ReviewDecision. A
// "completed" review with a RED answer is a rejection.
func (e *WebhookEvent) Decision() ReviewDecision {
	return DecisionFor(e.ReviewStatus, e.ReviewAnswer)
}

// DecisionFor normalizes a provider review status and answer.
func DecisionFor(reviewStatus, reviewAnswer string) ReviewDecision {
	status := strings.ToLower(strings.TrimSpace(reviewStatus))
	answer := strings.ToUpper(strings.TrimSpace(reviewAnswer))

	switch {
	case status == "rejected":
		return DecisionRejected
	case status == "completed" && answer == "RED":
		return DecisionRejected
	case status == "completed":
		return DecisionCompleted
	default:
		return DecisionNone
	}
}

// SessionClaims are the decoded claims of a bearer credential. The core trusts
// them as given; checking the envelope is the transport's job.
type SessionClaims struct {
	SubjectID   string
	Email       string
	Role        string
	MFAVerified bool
	ExpiresAt   time.Time
}

// RoleAdmin is the role allowed to perform administrative actions.
const RoleAdmin = "admin"

// LedgerIdentity is the on-chain record of a minted identity token.
type LedgerIdentity struct {
	TokenID         *big.Int       `json:"token_id"`
	Owner           common.Address `json:"owner"`
	Name            string         `json:"name"`
	DocumentNumber  string         `json:"document_number"`
	BioHash         common.Hash    `json:"bio_hash"`
	KYCTimestamp    uint64         `json:"kyc_timestamp"`
	IsActive        bool           `json:"is_active"`
	PreviousTokenID *big.Int       `json:"previous_token_id"`
	ApplicantID     string         `json:"applicant_id"`
}

// ActiveToken is the ledger's answer to "is there a live token for this
// fingerprint". A nil TokenID or zero means none.
type ActiveToken struct {
	TokenID *big.Int
	Owner   common.Address
}

// Exists reports whether the ledger returned a live token.
func (t *ActiveToken) Exists() bool {
	return t != nil && t.TokenID != nil && t.TokenID.Sign() > 0
}
