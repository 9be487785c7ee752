package provider

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ruteri/identity-lifecycle-backend/interfaces"
)

// MemoryApplicant is the state the in-memory provider keeps per applicant.
type MemoryApplicant struct {
	ID           string
	SubjectRef   string
	Email        string
	Level        string
	ReviewStatus string
	ReviewAnswer string
	BioHash      string
	Profile      interfaces.ApplicantProfile
	UpdatedAt    time.Time
}

// MemoryProvider is an in-process VerificationProvider for tests and local
// development. Setting Err makes every call fail with it.
type MemoryProvider struct {
	mu         sync.RWMutex
	applicants map[string]*MemoryApplicant
	bySubject  map[string]string
	seq        int

	Err error
}

// NewMemoryProvider creates an empty provider.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{
		applicants: make(map[string]*MemoryApplicant),
		bySubject:  make(map[string]string),
	}
}

func (p *MemoryProvider) fail(op string) error {
	if p.Err == nil {
		return nil
	}
	return interfaces.NewError(interfaces.ErrExternalService, op, p.Err)
}

// CreateApplicant returns the existing applicant of subjectRef or creates one.
func (p *MemoryProvider) CreateApplicant(_ context.Context, subjectRef, level, email string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fail("provider.CreateApplicant"); err != nil {
		return "", err
	}

	if id, ok := p.bySubject[subjectRef]; ok {
		return id, nil
	}
	p.seq++
	id := fmt.Sprintf("applicant-%04d", p.seq)
	p.applicants[id] = &MemoryApplicant{
		ID:           id,
		SubjectRef:   subjectRef,
		Email:        email,
		Level:        level,
		ReviewStatus: "init",
		UpdatedAt:    time.Now().UTC(),
	}
	p.bySubject[subjectRef] = id
	return id, nil
}

// Review sets the decision of an applicant, as the provider's reviewers would.
func (p *MemoryProvider) Review(applicantID, reviewStatus, reviewAnswer string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if a, ok := p.applicants[applicantID]; ok {
		a.ReviewStatus = reviewStatus
		a.ReviewAnswer = reviewAnswer
		a.UpdatedAt = time.Now().UTC()
	}
}

// SetBiometrics sets the biometric hash and extracted profile of an applicant.
func (p *MemoryProvider) SetBiometrics(applicantID, bioHash string, profile interfaces.ApplicantProfile) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if a, ok := p.applicants[applicantID]; ok {
		a.BioHash = bioHash
		a.Profile = profile
	}
}

// Applicant returns a copy of the stored applicant.
func (p *MemoryProvider) Applicant(applicantID string) (MemoryApplicant, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	a, ok := p.applicants[applicantID]
	if !ok {
		return MemoryApplicant{}, false
	}
	return *a, true
}

func (p *MemoryProvider) get(op, applicantID string) (*MemoryApplicant, error) {
	if err := p.fail(op); err != nil {
		return nil, err
	}
	a, ok := p.applicants[applicantID]
	if !ok {
		return nil, interfaces.Errorf(interfaces.ErrExternalService, op, "provider returned 404: applicant %s not found", applicantID)
	}
	return a, nil
}

func (p *MemoryProvider) GetStatus(_ context.Context, applicantID string) (*interfaces.ApplicantStatus, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	a, err := p.get("provider.GetStatus", applicantID)
	if err != nil {
		return nil, err
	}
	return &interfaces.ApplicantStatus{
		ReviewStatus: a.ReviewStatus,
		ReviewAnswer: a.ReviewAnswer,
		UpdatedAt:    a.UpdatedAt,
	}, nil
}

func (p *MemoryProvider) GetBiometricHash(_ context.Context, applicantID string) (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	a, err := p.get("provider.GetBiometricHash", applicantID)
	if err != nil {
		return "", err
	}
	if a.BioHash == "" {
		return "", interfaces.Errorf(interfaces.ErrExternalService, "provider.GetBiometricHash", "biometric data not available for applicant %s", applicantID)
	}
	return a.BioHash, nil
}

func (p *MemoryProvider) GetProfile(_ context.Context, applicantID string) (*interfaces.ApplicantProfile, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	a, err := p.get("provider.GetProfile", applicantID)
	if err != nil {
		return nil, err
	}
	profile := a.Profile
	return &profile, nil
}

func (p *MemoryProvider) AccessToken(_ context.Context, applicantID, level string) (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if _, err := p.get("provider.AccessToken", applicantID); err != nil {
		return "", err
	}
	return "sdk-token-" + applicantID, nil
}
