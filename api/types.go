package api

import (
	"errors"
	"math/big"
	"regexp"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
)

// MinBioHashLength mirrors cryptoutils.MinBioHashLength for request checks.
const MinBioHashLength = 32

var (
	addressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
	totpPattern    = regexp.MustCompile(`^[0-9]{6}$`)
	backupPattern  = regexp.MustCompile(`^[0-9]{4}-?[0-9]{4}$`)
)

// Outcome values of a mint response.
const (
	OutcomeMinted        = "minted"
	OutcomeAlreadyMinted = "already_minted"
	OutcomeAmbiguous     = "ambiguous"
	OutcomeCleared       = "cleared"
	OutcomeNothingToDo   = "nothing_pending"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error       string `json:"error"`
	Code        string `json:"code,omitempty"`
	MFARequired bool   `json:"mfa_required,omitempty"`
}

// InitRequest starts identity verification for the authenticated subject.
type InitRequest struct {
	Email string `json:"email"`
}

func (r InitRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Email, is.EmailFormat),
	)
}

// InitResponse carries what the client SDK needs to run the verification.
type InitResponse struct {
	Status      string `json:"status"`
	ApplicantID string `json:"applicant_id,omitempty"`
	AccessToken string `json:"access_token,omitempty"`
	LevelName   string `json:"level_name,omitempty"`
	Created     bool   `json:"created"`
}

// MintView is a confirmed mint.
type MintView struct {
	TokenID     *big.Int `json:"token_id"`
	TxHash      string   `json:"tx_hash"`
	BlockNumber uint64   `json:"block_number"`
	GasUsed     uint64   `json:"gas_used"`
}

// StatusResponse is the subject's view of their identity.
type StatusResponse struct {
	Status        string    `json:"status"`
	ApplicantID   string    `json:"applicant_id,omitempty"`
	WalletAddress string    `json:"wallet_address,omitempty"`
	BioHash       string    `json:"bio_hash,omitempty"`
	Name          string    `json:"name,omitempty"`
	DocumentRef   string    `json:"document_ref,omitempty"`
	PendingMintTx string    `json:"pending_mint_tx,omitempty"`
	Mint          *MintView `json:"mint,omitempty"`
}

// MintRequest asks for the identity token of the authenticated subject.
type MintRequest struct {
	BioHash       string `json:"bio_hash"`
	WalletAddress string `json:"wallet_address"`
}

func (r MintRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.BioHash, validation.Required, validation.Length(MinBioHashLength, 0)),
		validation.Field(&r.WalletAddress, validation.Required, validation.Match(addressPattern).Error("must be a 0x prefixed hex address")),
	)
}

// MintResponse reports a mint or reconciliation outcome. TxHash is set for
// ambiguous outcomes so the client can follow the transaction.
type MintResponse struct {
	Outcome string    `json:"outcome"`
	TxHash  string    `json:"tx_hash,omitempty"`
	Mint    *MintView `json:"mint,omitempty"`
}

// RecoverRequest presents a biometric hash for identity recovery.
type RecoverRequest struct {
	BioHash string `json:"bio_hash"`
}

func (r RecoverRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.BioHash, validation.Required, validation.Length(MinBioHashLength, 0)),
	)
}

// IdentityView is the on-chain identity of a token.
type IdentityView struct {
	TokenID         *big.Int `json:"token_id"`
	Owner           string   `json:"owner"`
	Name            string   `json:"name"`
	DocumentNumber  string   `json:"document_number"`
	BioHash         string   `json:"bio_hash"`
	KYCTimestamp    uint64   `json:"kyc_timestamp"`
	IsActive        bool     `json:"is_active"`
	PreviousTokenID *big.Int `json:"previous_token_id,omitempty"`
	ApplicantID     string   `json:"applicant_id"`
}

// LocalView is locally recorded metadata of a recovered identity.
type LocalView struct {
	SubjectID   string `json:"subject_id"`
	Status      string `json:"status"`
	Name        string `json:"name,omitempty"`
	DocumentRef string `json:"document_ref,omitempty"`
}

// RecoverResponse is the result of a recovery.
type RecoverResponse struct {
	Found         bool          `json:"found"`
	WalletAddress string        `json:"wallet_address"`
	TokenID       *big.Int      `json:"token_id,omitempty"`
	Identity      *IdentityView `json:"identity,omitempty"`
	Local         *LocalView    `json:"local,omitempty"`
}

// WebhookResponse acknowledges a provider callback.
type WebhookResponse struct {
	Status    string `json:"status"`
	KYCStatus string `json:"kyc_status,omitempty"`
}

// MFASetupRequest optionally names the account shown in authenticator apps.
type MFASetupRequest struct {
	AccountName string `json:"account_name"`
}

// MFASetupResponse is returned once; the backup codes are never shown again.
type MFASetupResponse struct {
	Secret          string   `json:"secret"`
	ProvisioningURI string   `json:"provisioning_uri"`
	QRCodePNG       []byte   `json:"qr_code_png,omitempty"`
	BackupCodes     []string `json:"backup_codes"`
}

// MFACodeRequest carries a TOTP or backup code.
type MFACodeRequest struct {
	Code string `json:"code"`
}

func (r MFACodeRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Code, validation.Required, validation.By(func(value interface{}) error {
			code, _ := value.(string)
			if totpPattern.MatchString(code) || backupPattern.MatchString(code) {
				return nil
			}
			return errors.New("must be a 6 digit code or a backup code")
		})),
	)
}

// MFAVerifyResponse reports the satisfied factor and, when sessions are
// issued by this service, a session token carrying the MFA claim.
type MFAVerifyResponse struct {
	Verified bool   `json:"verified"`
	Method   string `json:"method"`
	Token    string `json:"token,omitempty"`
}

// MFAStatusResponse summarizes the enrollment.
type MFAStatusResponse struct {
	Enabled              bool `json:"enabled"`
	BackupCodesRemaining int  `json:"backup_codes_remaining"`
}

// BackupCodesResponse carries freshly generated backup codes.
type BackupCodesResponse struct {
	BackupCodes []string `json:"backup_codes"`
}

// AdminIdentityResponse is the operator view of an identity record.
type AdminIdentityResponse struct {
	SubjectID     string    `json:"subject_id"`
	Email         string    `json:"email,omitempty"`
	ApplicantID   string    `json:"applicant_id,omitempty"`
	Status        string    `json:"status"`
	Fingerprint   string    `json:"fingerprint,omitempty"`
	WalletAddress string    `json:"wallet_address,omitempty"`
	PendingMintTx string    `json:"pending_mint_tx,omitempty"`
	Mint          *MintView `json:"mint,omitempty"`
	LastEventAt   time.Time `json:"last_event_at,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}
