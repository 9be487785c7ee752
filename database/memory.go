package database

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/ruteri/identity-lifecycle-backend/interfaces"
)

// MemoryStore keeps identities and MFA credentials in process memory. A
// single mutex serializes every update, which gives UpdateIdentity and
// UpdateCredential the same exclusive semantics as row locks.
type MemoryStore struct {
	mu          sync.RWMutex
	identities  map[string]*interfaces.IdentityRecord
	credentials map[string]*interfaces.MFACredential

	now func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		identities:  make(map[string]*interfaces.IdentityRecord),
		credentials: make(map[string]*interfaces.MFACredential),
		now:         time.Now,
	}
}

// CreateIdentity inserts rec unless the subject already has one.
func (s *MemoryStore) CreateIdentity(_ context.Context, rec *interfaces.IdentityRecord) (*interfaces.IdentityRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.identities[rec.SubjectID]; ok {
		return existing.Clone(), nil
	}

	stored := rec.Clone()
	if stored.ID == uuid.Nil {
		stored.ID = uuid.New()
	}
	now := s.now().UTC()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now

	if err := s.checkUniqueLocked(stored); err != nil {
		return nil, err
	}
	s.identities[stored.SubjectID] = stored
	return stored.Clone(), nil
}

// GetIdentity returns the subject's record.
func (s *MemoryStore) GetIdentity(_ context.Context, subjectID string) (*interfaces.IdentityRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.identities[subjectID]
	if !ok {
		return nil, identityNotFound("subject", subjectID)
	}
	return rec.Clone(), nil
}

// GetIdentityByApplicant returns the record holding applicantID.
func (s *MemoryStore) GetIdentityByApplicant(_ context.Context, applicantID string) (*interfaces.IdentityRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if applicantID != "" {
		for _, rec := range s.identities {
			if rec.ApplicantID == applicantID {
				return rec.Clone(), nil
			}
		}
	}
	return nil, identityNotFound("applicant", applicantID)
}

// FindIdentity matches on fingerprint first, then on wallet address.
func (s *MemoryStore) FindIdentity(_ context.Context, fingerprint string, address common.Address) (*interfaces.IdentityRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if fingerprint != "" {
		for _, rec := range s.identities {
			if rec.Fingerprint == fingerprint {
				return rec.Clone(), nil
			}
		}
	}
	if address != (common.Address{}) {
		for _, rec := range s.identities {
			if rec.WalletAddress == address {
				return rec.Clone(), nil
			}
		}
	}
	return nil, identityNotFound("fingerprint", fingerprint)
}

// UpdateIdentity runs fn on a copy of the record and stores the result.
func (s *MemoryStore) UpdateIdentity(_ context.Context, subjectID string, fn interfaces.IdentityUpdateFn) (*interfaces.IdentityRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.identities[subjectID]
	if !ok {
		return nil, identityNotFound("subject", subjectID)
	}

	updated := current.Clone()
	if err := fn(updated); err != nil {
		if errors.Is(err, interfaces.ErrNoChange) {
			return current.Clone(), nil
		}
		return nil, err
	}

	updated.SubjectID = current.SubjectID
	updated.ID = current.ID
	updated.UpdatedAt = s.now().UTC()
	if err := s.checkUniqueLocked(updated); err != nil {
		return nil, err
	}

	s.identities[subjectID] = updated
	return updated.Clone(), nil
}

func (s *MemoryStore) checkUniqueLocked(rec *interfaces.IdentityRecord) error {
	for subject, other := range s.identities {
		if subject == rec.SubjectID {
			continue
		}
		if rec.ApplicantID != "" && other.ApplicantID == rec.ApplicantID {
			return interfaces.Errorf(interfaces.ErrConflict, "database.UpdateIdentity", "applicant id already bound to another identity")
		}
		if rec.Fingerprint != "" && other.Fingerprint == rec.Fingerprint {
			return interfaces.Errorf(interfaces.ErrConflict, "database.UpdateIdentity", "fingerprint already bound to another identity")
		}
	}
	return nil
}

// GetCredential returns the subject's MFA credential.
func (s *MemoryStore) GetCredential(_ context.Context, subjectID string) (*interfaces.MFACredential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cred, ok := s.credentials[subjectID]
	if !ok {
		return nil, credentialNotFound(subjectID)
	}
	return cred.Clone(), nil
}

// SaveCredential creates the subject's credential or replaces one that is not
// yet enabled. An enabled credential is never overwritten.
func (s *MemoryStore) SaveCredential(_ context.Context, cred *interfaces.MFACredential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := cred.Clone()
	now := s.now().UTC()
	existing, ok := s.credentials[cred.SubjectID]
	if ok && existing.Enabled {
		return credentialEnabled(cred.SubjectID)
	}
	if ok && stored.CreatedAt.IsZero() {
		stored.CreatedAt = existing.CreatedAt
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	s.credentials[cred.SubjectID] = stored
	return nil
}

// DeleteCredential removes the subject's credential.
func (s *MemoryStore) DeleteCredential(_ context.Context, subjectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.credentials[subjectID]; !ok {
		return credentialNotFound(subjectID)
	}
	delete(s.credentials, subjectID)
	return nil
}

// UpdateCredential runs fn on a copy of the credential and stores the result.
func (s *MemoryStore) UpdateCredential(_ context.Context, subjectID string, fn interfaces.CredentialUpdateFn) (*interfaces.MFACredential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.credentials[subjectID]
	if !ok {
		return nil, credentialNotFound(subjectID)
	}

	updated := current.Clone()
	if err := fn(updated); err != nil {
		if errors.Is(err, interfaces.ErrNoChange) {
			return current.Clone(), nil
		}
		return nil, err
	}
	updated.SubjectID = current.SubjectID
	updated.UpdatedAt = s.now().UTC()

	s.credentials[subjectID] = updated
	return updated.Clone(), nil
}

func identityNotFound(by, value string) error {
	return interfaces.Errorf(interfaces.ErrNotFound, "database.GetIdentity", "no identity for %s %q", by, value)
}

func credentialNotFound(subjectID string) error {
	return interfaces.Errorf(interfaces.ErrNotFound, "database.GetCredential", "no mfa credential for subject %q", subjectID)
}

func credentialEnabled(subjectID string) error {
	return interfaces.Errorf(interfaces.ErrConflict, "database.SaveCredential", "mfa already enabled for subject %q", subjectID)
}
