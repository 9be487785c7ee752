package database

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/ruteri/identity-lifecycle-backend/interfaces"
)

const uniqueViolation = "23505"

// PostgresStore persists identities and MFA credentials in PostgreSQL.
// Updates take a row lock with SELECT ... FOR UPDATE and commit in the same
// transaction.
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPostgresStore wraps an open pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, now: time.Now}
}

// Connect opens a pool for databaseURL and verifies connectivity.
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, interfaces.NewError(interfaces.ErrConfiguration, "database.Connect", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, interfaces.NewError(interfaces.ErrExternalService, "database.Connect", err)
	}
	return pool, nil
}

const identityColumns = `id, subject_id, email, applicant_id, fingerprint, wallet_address, status,
	name, document_ref, token_id, mint_tx_hash, mint_block, mint_gas_used, pending_mint_tx,
	last_event_at, created_at, updated_at, completed_at, minted_at`

type rowScanner interface {
	Scan(dest ...any) error
}

// identityRow mirrors the nullable columns of the identities table.
type identityRow struct {
	id            uuid.UUID
	subjectID     string
	email         string
	applicantID   *string
	fingerprint   *string
	walletAddress string
	status        string
	name          string
	documentRef   string
	tokenID       *string
	mintTxHash    *string
	mintBlock     *int64
	mintGasUsed   *int64
	pendingMintTx *string
	lastEventAt   *time.Time
	createdAt     time.Time
	updatedAt     time.Time
	completedAt   *time.Time
	mintedAt      *time.Time
}

func scanIdentity(row rowScanner) (*interfaces.IdentityRecord, error) {
	var r identityRow
	err := row.Scan(&r.id, &r.subjectID, &r.email, &r.applicantID, &r.fingerprint, &r.walletAddress, &r.status,
		&r.name, &r.documentRef, &r.tokenID, &r.mintTxHash, &r.mintBlock, &r.mintGasUsed, &r.pendingMintTx,
		&r.lastEventAt, &r.createdAt, &r.updatedAt, &r.completedAt, &r.mintedAt)
	if err != nil {
		return nil, err
	}

	status, err := interfaces.ParseKYCStatus(r.status)
	if err != nil {
		return nil, fmt.Errorf("identity %s: %w", r.subjectID, err)
	}

	rec := &interfaces.IdentityRecord{
		ID:          r.id,
		SubjectID:   r.subjectID,
		Email:       r.email,
		ApplicantID: deref(r.applicantID),
		Fingerprint: deref(r.fingerprint),
		Status:      status,
		Name:        r.name,
		DocumentRef: r.documentRef,
		LastEventAt: derefTime(r.lastEventAt),
		CreatedAt:   r.createdAt,
		UpdatedAt:   r.updatedAt,
		CompletedAt: derefTime(r.completedAt),
		MintedAt:    derefTime(r.mintedAt),
	}
	if r.walletAddress != "" {
		rec.WalletAddress = common.HexToAddress(r.walletAddress)
	}
	if r.pendingMintTx != nil {
		h := common.HexToHash(*r.pendingMintTx)
		rec.PendingMintTx = &h
	}
	// A mint confirmed without an IdentityMinted event has no token id.
	if r.mintTxHash != nil {
		rec.Mint = &interfaces.MintResult{
			TxHash:      common.HexToHash(*r.mintTxHash),
			BlockNumber: uint64(derefInt(r.mintBlock)),
			GasUsed:     uint64(derefInt(r.mintGasUsed)),
		}
		if r.tokenID != nil {
			tokenID, ok := new(big.Int).SetString(*r.tokenID, 10)
			if !ok {
				return nil, fmt.Errorf("identity %s: malformed token id %q", r.subjectID, *r.tokenID)
			}
			rec.Mint.TokenID = tokenID
		}
	}
	return rec, nil
}

// identityArgs returns the column values of rec in identityColumns order.
func identityArgs(rec *interfaces.IdentityRecord) []any {
	var (
		tokenID, mintTxHash, pendingTx *string
		mintBlock, mintGas             *int64
		wallet                         string
	)
	if rec.WalletAddress != (common.Address{}) {
		wallet = rec.WalletAddress.Hex()
	}
	if rec.Mint != nil {
		if rec.Mint.TokenID != nil {
			tokenID = ptr(rec.Mint.TokenID.String())
		}
		mintTxHash = ptr(rec.Mint.TxHash.Hex())
		mintBlock = ptr(int64(rec.Mint.BlockNumber))
		mintGas = ptr(int64(rec.Mint.GasUsed))
	}
	if rec.PendingMintTx != nil {
		pendingTx = ptr(rec.PendingMintTx.Hex())
	}

	return []any{
		rec.ID, rec.SubjectID, rec.Email, nullable(rec.ApplicantID), nullable(rec.Fingerprint), wallet, rec.Status.String(),
		rec.Name, rec.DocumentRef, tokenID, mintTxHash, mintBlock, mintGas, pendingTx,
		nullableTime(rec.LastEventAt), rec.CreatedAt, rec.UpdatedAt, nullableTime(rec.CompletedAt), nullableTime(rec.MintedAt),
	}
}

// CreateIdentity inserts rec unless the subject already has a record.
func (s *PostgresStore) CreateIdentity(ctx context.Context, rec *interfaces.IdentityRecord) (*interfaces.IdentityRecord, error) {
	stored := rec.Clone()
	if stored.ID == uuid.Nil {
		stored.ID = uuid.New()
	}
	now := s.now().UTC()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now

	query := `INSERT INTO identities (` + identityColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		ON CONFLICT (subject_id) DO NOTHING`
	if _, err := s.pool.Exec(ctx, query, identityArgs(stored)...); err != nil {
		return nil, mapWriteError("database.CreateIdentity", err)
	}
	return s.GetIdentity(ctx, rec.SubjectID)
}

// GetIdentity returns the subject's record.
func (s *PostgresStore) GetIdentity(ctx context.Context, subjectID string) (*interfaces.IdentityRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+identityColumns+` FROM identities WHERE subject_id = $1`, subjectID)
	rec, err := scanIdentity(row)
	if err != nil {
		return nil, mapReadError(err, identityNotFound("subject", subjectID))
	}
	return rec, nil
}

// GetIdentityByApplicant returns the record holding applicantID.
func (s *PostgresStore) GetIdentityByApplicant(ctx context.Context, applicantID string) (*interfaces.IdentityRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+identityColumns+` FROM identities WHERE applicant_id = $1`, applicantID)
	rec, err := scanIdentity(row)
	if err != nil {
		return nil, mapReadError(err, identityNotFound("applicant", applicantID))
	}
	return rec, nil
}

// FindIdentity matches on fingerprint first, then on wallet address.
func (s *PostgresStore) FindIdentity(ctx context.Context, fingerprint string, address common.Address) (*interfaces.IdentityRecord, error) {
	var wallet string
	if address != (common.Address{}) {
		wallet = address.Hex()
	}
	row := s.pool.QueryRow(ctx, `SELECT `+identityColumns+` FROM identities
		WHERE ($1 <> '' AND fingerprint = $1) OR ($2 <> '' AND wallet_address = $2)
		ORDER BY (fingerprint = $1) DESC NULLS LAST
		LIMIT 1`, fingerprint, wallet)
	rec, err := scanIdentity(row)
	if err != nil {
		return nil, mapReadError(err, identityNotFound("fingerprint", fingerprint))
	}
	return rec, nil
}

// UpdateIdentity locks the subject's row, applies fn and commits.
func (s *PostgresStore) UpdateIdentity(ctx context.Context, subjectID string, fn interfaces.IdentityUpdateFn) (*interfaces.IdentityRecord, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, interfaces.NewError(interfaces.ErrExternalService, "database.UpdateIdentity", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `SELECT `+identityColumns+` FROM identities WHERE subject_id = $1 FOR UPDATE`, subjectID)
	current, err := scanIdentity(row)
	if err != nil {
		return nil, mapReadError(err, identityNotFound("subject", subjectID))
	}

	updated := current.Clone()
	if err := fn(updated); err != nil {
		if errors.Is(err, interfaces.ErrNoChange) {
			return current, nil
		}
		return nil, err
	}
	updated.ID = current.ID
	updated.SubjectID = current.SubjectID
	updated.UpdatedAt = s.now().UTC()

	args := identityArgs(updated)
	_, err = tx.Exec(ctx, `UPDATE identities SET
		email = $3, applicant_id = $4, fingerprint = $5, wallet_address = $6, status = $7,
		name = $8, document_ref = $9, token_id = $10, mint_tx_hash = $11, mint_block = $12,
		mint_gas_used = $13, pending_mint_tx = $14, last_event_at = $15, created_at = $16,
		updated_at = $17, completed_at = $18, minted_at = $19
		WHERE id = $1 AND subject_id = $2`, args...)
	if err != nil {
		return nil, mapWriteError("database.UpdateIdentity", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, mapWriteError("database.UpdateIdentity", err)
	}
	return updated, nil
}

const credentialColumns = `subject_id, secret, backup_code_hashes, enabled, created_at, updated_at`

func scanCredential(row rowScanner) (*interfaces.MFACredential, error) {
	var c interfaces.MFACredential
	if err := row.Scan(&c.SubjectID, &c.Secret, &c.BackupCodeHashes, &c.Enabled, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

// GetCredential returns the subject's MFA credential.
func (s *PostgresStore) GetCredential(ctx context.Context, subjectID string) (*interfaces.MFACredential, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+credentialColumns+` FROM mfa_credentials WHERE subject_id = $1`, subjectID)
	cred, err := scanCredential(row)
	if err != nil {
		return nil, mapReadError(err, credentialNotFound(subjectID))
	}
	return cred, nil
}

// SaveCredential creates the subject's credential or replaces one that is not
// yet enabled. An enabled credential is never overwritten.
func (s *PostgresStore) SaveCredential(ctx context.Context, cred *interfaces.MFACredential) error {
	now := s.now().UTC()
	createdAt := cred.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	hashes := cred.BackupCodeHashes
	if hashes == nil {
		hashes = []string{}
	}

	tag, err := s.pool.Exec(ctx, `INSERT INTO mfa_credentials (`+credentialColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (subject_id) DO UPDATE SET
			secret = EXCLUDED.secret,
			backup_code_hashes = EXCLUDED.backup_code_hashes,
			enabled = EXCLUDED.enabled,
			updated_at = EXCLUDED.updated_at
		WHERE NOT mfa_credentials.enabled`,
		cred.SubjectID, cred.Secret, hashes, cred.Enabled, createdAt, now)
	if err != nil {
		return mapWriteError("database.SaveCredential", err)
	}
	if tag.RowsAffected() == 0 {
		return credentialEnabled(cred.SubjectID)
	}
	return nil
}

// DeleteCredential removes the subject's credential.
func (s *PostgresStore) DeleteCredential(ctx context.Context, subjectID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM mfa_credentials WHERE subject_id = $1`, subjectID)
	if err != nil {
		return mapWriteError("database.DeleteCredential", err)
	}
	if tag.RowsAffected() == 0 {
		return credentialNotFound(subjectID)
	}
	return nil
}

// UpdateCredential locks the credential row, applies fn and commits.
func (s *PostgresStore) UpdateCredential(ctx context.Context, subjectID string, fn interfaces.CredentialUpdateFn) (*interfaces.MFACredential, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, interfaces.NewError(interfaces.ErrExternalService, "database.UpdateCredential", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `SELECT `+credentialColumns+` FROM mfa_credentials WHERE subject_id = $1 FOR UPDATE`, subjectID)
	current, err := scanCredential(row)
	if err != nil {
		return nil, mapReadError(err, credentialNotFound(subjectID))
	}

	updated := current.Clone()
	if err := fn(updated); err != nil {
		if errors.Is(err, interfaces.ErrNoChange) {
			return current, nil
		}
		return nil, err
	}
	updated.SubjectID = current.SubjectID
	updated.UpdatedAt = s.now().UTC()
	if updated.BackupCodeHashes == nil {
		updated.BackupCodeHashes = []string{}
	}

	_, err = tx.Exec(ctx, `UPDATE mfa_credentials SET secret = $2, backup_code_hashes = $3, enabled = $4, updated_at = $5
		WHERE subject_id = $1`, updated.SubjectID, updated.Secret, updated.BackupCodeHashes, updated.Enabled, updated.UpdatedAt)
	if err != nil {
		return nil, mapWriteError("database.UpdateCredential", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, mapWriteError("database.UpdateCredential", err)
	}
	return updated, nil
}

func mapReadError(err error, notFound error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return notFound
	}
	return interfaces.NewError(interfaces.ErrExternalService, "database.read", err)
}

func mapWriteError(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return interfaces.NewError(interfaces.ErrConflict, op, fmt.Errorf("unique constraint %s violated", pgErr.ConstraintName))
	}
	return interfaces.NewError(interfaces.ErrExternalService, op, err)
}

func ptr[T any](v T) *T { return &v }

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func derefInt(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
