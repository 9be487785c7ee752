package provider

import (
	"context"

	"github.com/ruteri/identity-lifecycle-backend/interfaces"
	"github.com/stretchr/testify/mock"
)

// MockProvider is a testify mock of interfaces.VerificationProvider.
type MockProvider struct {
	mock.Mock
}

func (m *MockProvider) CreateApplicant(ctx context.Context, subjectRef, level, email string) (string, error) {
	args := m.Called(ctx, subjectRef, level, email)
	return args.String(0), args.Error(1)
}

func (m *MockProvider) GetStatus(ctx context.Context, applicantID string) (*interfaces.ApplicantStatus, error) {
	args := m.Called(ctx, applicantID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*interfaces.ApplicantStatus), args.Error(1)
}

func (m *MockProvider) GetBiometricHash(ctx context.Context, applicantID string) (string, error) {
	args := m.Called(ctx, applicantID)
	return args.String(0), args.Error(1)
}

func (m *MockProvider) GetProfile(ctx context.Context, applicantID string) (*interfaces.ApplicantProfile, error) {
	args := m.Called(ctx, applicantID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*interfaces.ApplicantProfile), args.Error(1)
}

func (m *MockProvider) AccessToken(ctx context.Context, applicantID, level string) (string, error) {
	args := m.Called(ctx, applicantID, level)
	return args.String(0), args.Error(1)
}
