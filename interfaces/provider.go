package interfaces

import (
	"context"
	"time"
)

// ApplicantStatus is the provider's current view of an applicant.
type ApplicantStatus struct {
	ReviewStatus string
	ReviewAnswer string
	UpdatedAt    time.Time
}

// Decision normalizes the review fields.
func (s *ApplicantStatus) Decision() ReviewDecision {
	return DecisionFor(s.ReviewStatus, s.ReviewAnswer)
}

// ApplicantProfile is the identity data the provider extracted from documents.
type ApplicantProfile struct {
	Name           string
	DocumentNumber string
}

// VerificationProvider is the adapter over the external identity verification
// service. All read methods are safe to repeat.
type VerificationProvider interface {
	// CreateApplicant registers a verification case and returns its id.
	CreateApplicant(ctx context.Context, subjectRef, level, email string) (string, error)

	// GetStatus returns the review state of an applicant.
	GetStatus(ctx context.Context, applicantID string) (*ApplicantStatus, error)

	// GetBiometricHash returns the biometric hash of an approved applicant.
	GetBiometricHash(ctx context.Context, applicantID string) (string, error)

	// GetProfile returns name and document reference of an applicant.
	GetProfile(ctx context.Context, applicantID string) (*ApplicantProfile, error)

	// AccessToken issues a short-lived token for the client-side SDK.
	AccessToken(ctx context.Context, applicantID, level string) (string, error)
}
