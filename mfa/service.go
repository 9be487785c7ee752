package mfa

import (
	"bytes"
	"context"
	"errors"
	"image/png"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/ruteri/identity-lifecycle-backend/auth"
	"github.com/ruteri/identity-lifecycle-backend/interfaces"
	"github.com/ruteri/identity-lifecycle-backend/metrics"
	"golang.org/x/crypto/bcrypt"
)

// Method names the factor that satisfied a verification.
type Method string

const (
	MethodTOTP       Method = "totp"
	MethodBackupCode Method = "backup_code"
)

const (
	totpPeriod = 30
	totpSkew   = 1
	qrSize     = 256
)

var validateOpts = totp.ValidateOpts{
	Period:    totpPeriod,
	Skew:      totpSkew,
	Digits:    otp.DigitsSix,
	Algorithm: otp.AlgorithmSHA1,
}

// Config tunes the MFA service.
type Config struct {
	// Issuer is shown by authenticator apps next to the account name.
	Issuer string

	// AttemptsPerMinute and AttemptBurst bound verification attempts per
	// subject. Zero disables limiting.
	AttemptsPerMinute float64
	AttemptBurst      int

	// BcryptCost defaults to bcrypt.DefaultCost.
	BcryptCost int
}

// DefaultConfig returns the production settings.
func DefaultConfig() Config {
	return Config{
		Issuer:            "Blocktrust",
		AttemptsPerMinute: 10,
		AttemptBurst:      5,
		BcryptCost:        bcrypt.DefaultCost,
	}
}

// Enrollment is returned once by Setup. The backup codes are never
// retrievable again.
type Enrollment struct {
	Secret          string
	ProvisioningURI string
	QRCodePNG       []byte
	BackupCodes     []string
}

// Status summarizes a subject's enrollment.
type Status struct {
	Enabled              bool
	BackupCodesRemaining int
}

// Service enrolls and verifies second factors.
type Service struct {
	store   interfaces.MFAStore
	cfg     Config
	limiter *attemptLimiter
	audit   interfaces.AuditSink
	metrics *metrics.Metrics
	log     *slog.Logger
	now     func() time.Time
}

// NewService creates an MFA service.
func NewService(store interfaces.MFAStore, cfg Config, audit interfaces.AuditSink, m *metrics.Metrics, log *slog.Logger) *Service {
	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = bcrypt.DefaultCost
	}
	if cfg.Issuer == "" {
		cfg.Issuer = DefaultConfig().Issuer
	}
	return &Service{
		store:   store,
		cfg:     cfg,
		limiter: newAttemptLimiter(cfg.AttemptsPerMinute, cfg.AttemptBurst),
		audit:   audit,
		metrics: m,
		log:     log,
		now:     time.Now,
	}
}

// Setup starts an enrollment. The credential stays disabled until
// ConfirmSetup proves the subject can produce codes.
func (s *Service) Setup(ctx context.Context, subjectID, accountName string) (*Enrollment, error) {
	existing, err := s.store.GetCredential(ctx, subjectID)
	switch {
	case err == nil && existing.Enabled:
		return nil, interfaces.Errorf(interfaces.ErrConflict, "mfa.Setup", "mfa already enabled")
	case err != nil && !errors.Is(err, interfaces.ErrNotFound):
		return nil, err
	}

	if accountName == "" {
		accountName = subjectID
	}
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      s.cfg.Issuer,
		AccountName: accountName,
		Period:      totpPeriod,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, err
	}

	codes, err := generateBackupCodes(BackupCodeCount)
	if err != nil {
		return nil, err
	}
	hashes, err := hashBackupCodes(codes, s.cfg.BcryptCost)
	if err != nil {
		return nil, err
	}

	qr, err := qrCode(key)
	if err != nil {
		// The URI alone is enough to enroll.
		s.log.Warn("Failed to render MFA QR code", slog.String("subject_id", subjectID), "err", err)
	}

	// The store refuses to replace a credential enabled since the read above.
	if err := s.store.SaveCredential(ctx, &interfaces.MFACredential{
		SubjectID:        subjectID,
		Secret:           key.Secret(),
		BackupCodeHashes: hashes,
		Enabled:          false,
	}); err != nil {
		return nil, err
	}

	return &Enrollment{
		Secret:          key.Secret(),
		ProvisioningURI: key.URL(),
		QRCodePNG:       qr,
		BackupCodes:     codes,
	}, nil
}

func qrCode(key *otp.Key) ([]byte, error) {
	img, err := key.Image(qrSize, qrSize)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ConfirmSetup enables a pending enrollment when code is a valid TOTP.
func (s *Service) ConfirmSetup(ctx context.Context, subjectID, code string) error {
	if !s.limiter.Allow(subjectID, s.now()) {
		return errTooManyAttempts
	}

	_, err := s.store.UpdateCredential(ctx, subjectID, func(cred *interfaces.MFACredential) error {
		if cred.Enabled {
			return interfaces.Errorf(interfaces.ErrConflict, "mfa.ConfirmSetup", "mfa already enabled")
		}
		if !s.validTOTP(cred.Secret, code) {
			return errInvalidCode
		}
		cred.Enabled = true
		return nil
	})
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			return interfaces.Errorf(interfaces.ErrNotFound, "mfa.ConfirmSetup", "no pending mfa setup")
		}
		s.metrics.MFAVerification(string(MethodTOTP), "failed")
		return err
	}

	s.metrics.MFAVerification(string(MethodTOTP), "ok")
	s.audit.Record(ctx, interfaces.AuditEvent{Type: interfaces.AuditMFAEnabled, SubjectID: subjectID})
	s.log.Info("MFA enabled", slog.String("subject_id", subjectID))
	return nil
}

var (
	errInvalidCode     = interfaces.Errorf(interfaces.ErrAuthentication, "mfa.Verify", "invalid mfa code")
	errTooManyAttempts = interfaces.Errorf(interfaces.ErrAuthentication, "mfa.Verify", "too many attempts, try again later")
	errNotEnabled      = interfaces.Errorf(interfaces.ErrNotFound, "mfa.Verify", "mfa not enabled")
)

// Enabled reports whether the subject has a confirmed enrollment.
func (s *Service) Enabled(ctx context.Context, subjectID string) (bool, error) {
	cred, err := s.store.GetCredential(ctx, subjectID)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return cred.Enabled, nil
}

// Verify checks code against the TOTP secret, then against the unused backup
// codes. A matching backup code is consumed in the same store update that
// matched it, so it can succeed only once.
func (s *Service) Verify(ctx context.Context, subjectID, code string) (Method, error) {
	if !s.limiter.Allow(subjectID, s.now()) {
		s.metrics.MFAVerification("any", "limited")
		return "", errTooManyAttempts
	}

	cred, err := s.store.GetCredential(ctx, subjectID)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			return "", errNotEnabled
		}
		return "", err
	}
	if !cred.Enabled {
		return "", errNotEnabled
	}

	if s.validTOTP(cred.Secret, code) {
		s.metrics.MFAVerification(string(MethodTOTP), "ok")
		return MethodTOTP, nil
	}

	var remaining int
	_, err = s.store.UpdateCredential(ctx, subjectID, func(cred *interfaces.MFACredential) error {
		idx, err := matchBackupCode(cred.BackupCodeHashes, code)
		if err != nil {
			return err
		}
		if idx < 0 {
			return errInvalidCode
		}
		cred.BackupCodeHashes = append(cred.BackupCodeHashes[:idx], cred.BackupCodeHashes[idx+1:]...)
		remaining = len(cred.BackupCodeHashes)
		return nil
	})
	if err != nil {
		s.metrics.MFAVerification(string(MethodBackupCode), "failed")
		return "", err
	}

	s.metrics.MFAVerification(string(MethodBackupCode), "ok")
	s.audit.Record(ctx, interfaces.AuditEvent{
		Type:      interfaces.AuditBackupCodeUsed,
		SubjectID: subjectID,
		Details:   map[string]string{"remaining": strconv.Itoa(remaining)},
	})
	s.log.Info("Backup code used", slog.String("subject_id", subjectID), slog.Int("remaining", remaining))
	return MethodBackupCode, nil
}

func (s *Service) validTOTP(secret, code string) bool {
	code = strings.TrimSpace(code)
	if len(code) != 6 {
		return false
	}
	ok, err := totp.ValidateCustom(code, secret, s.now().UTC(), validateOpts)
	return err == nil && ok
}

// Disable removes the subject's enrollment. The session must already carry
// the MFA claim and code must verify.
func (s *Service) Disable(ctx context.Context, claims *interfaces.SessionClaims, code string) error {
	if err := auth.Check(claims, auth.Authenticated(), auth.MFAMandatory()); err != nil {
		return err
	}
	if _, err := s.Verify(ctx, claims.SubjectID, code); err != nil {
		return err
	}
	if err := s.store.DeleteCredential(ctx, claims.SubjectID); err != nil {
		return err
	}

	s.audit.Record(ctx, interfaces.AuditEvent{Type: interfaces.AuditMFADisabled, SubjectID: claims.SubjectID})
	s.log.Info("MFA disabled", slog.String("subject_id", claims.SubjectID))
	return nil
}

// Status returns the subject's enrollment state.
func (s *Service) Status(ctx context.Context, subjectID string) (*Status, error) {
	cred, err := s.store.GetCredential(ctx, subjectID)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			return &Status{}, nil
		}
		return nil, err
	}
	if !cred.Enabled {
		return &Status{}, nil
	}
	return &Status{Enabled: true, BackupCodesRemaining: len(cred.BackupCodeHashes)}, nil
}

// RegenerateBackupCodes replaces every backup code after verifying code.
func (s *Service) RegenerateBackupCodes(ctx context.Context, subjectID, code string) ([]string, error) {
	if _, err := s.Verify(ctx, subjectID, code); err != nil {
		return nil, err
	}

	codes, err := generateBackupCodes(BackupCodeCount)
	if err != nil {
		return nil, err
	}
	hashes, err := hashBackupCodes(codes, s.cfg.BcryptCost)
	if err != nil {
		return nil, err
	}

	if _, err := s.store.UpdateCredential(ctx, subjectID, func(cred *interfaces.MFACredential) error {
		if !cred.Enabled {
			return errNotEnabled
		}
		cred.BackupCodeHashes = hashes
		return nil
	}); err != nil {
		return nil, err
	}

	s.audit.Record(ctx, interfaces.AuditEvent{Type: interfaces.AuditBackupCodesRegenerated, SubjectID: subjectID})
	return codes, nil
}
