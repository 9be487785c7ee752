package database

import (
	"context"
	"errors"
	"math/big"
	"os"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/ruteri/identity-lifecycle-backend/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type store interface {
	interfaces.IdentityStore
	interfaces.MFAStore
}

func storesUnderTest(t *testing.T) map[string]func(t *testing.T) store {
	stores := map[string]func(t *testing.T) store{
		"memory": func(t *testing.T) store { return NewMemoryStore() },
	}

	if url := os.Getenv("TEST_DATABASE_URL"); url != "" {
		stores["postgres"] = func(t *testing.T) store {
			ctx := context.Background()
			pool, err := Connect(ctx, url)
			require.NoError(t, err)
			t.Cleanup(pool.Close)

			_, err = Migrate(pool)
			require.NoError(t, err)
			_, err = pool.Exec(ctx, `TRUNCATE identities, mfa_credentials`)
			require.NoError(t, err)
			return NewPostgresStore(pool)
		}
	}
	return stores
}

func TestIdentityStore(t *testing.T) {
	for name, newStore := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			t.Run("create is insert-if-absent", func(t *testing.T) {
				s := newStore(t)
				ctx := context.Background()

				first, err := s.CreateIdentity(ctx, &interfaces.IdentityRecord{SubjectID: "user-1", Email: "a@example.com"})
				require.NoError(t, err)
				assert.NotEqual(t, uuid.Nil, first.ID)
				assert.Equal(t, interfaces.StatusUninitiated, first.Status)

				second, err := s.CreateIdentity(ctx, &interfaces.IdentityRecord{SubjectID: "user-1", Email: "b@example.com"})
				require.NoError(t, err)
				assert.Equal(t, first.ID, second.ID)
				assert.Equal(t, "a@example.com", second.Email)
			})

			t.Run("not found", func(t *testing.T) {
				s := newStore(t)
				ctx := context.Background()

				_, err := s.GetIdentity(ctx, "missing")
				assert.ErrorIs(t, err, interfaces.ErrNotFound)
				_, err = s.GetIdentityByApplicant(ctx, "missing")
				assert.ErrorIs(t, err, interfaces.ErrNotFound)
				_, err = s.FindIdentity(ctx, "missing", common.Address{})
				assert.ErrorIs(t, err, interfaces.ErrNotFound)
				_, err = s.UpdateIdentity(ctx, "missing", func(*interfaces.IdentityRecord) error { return nil })
				assert.ErrorIs(t, err, interfaces.ErrNotFound)
			})

			t.Run("update round trip", func(t *testing.T) {
				s := newStore(t)
				ctx := context.Background()
				_, err := s.CreateIdentity(ctx, &interfaces.IdentityRecord{SubjectID: "user-1"})
				require.NoError(t, err)

				wallet := common.HexToAddress("0x1111111111111111111111111111111111111111")
				txHash := common.HexToHash("0xabc")
				completedAt := time.Now().UTC().Truncate(time.Millisecond)

				_, err = s.UpdateIdentity(ctx, "user-1", func(rec *interfaces.IdentityRecord) error {
					rec.Status = interfaces.StatusMinted
					rec.ApplicantID = "app-1"
					rec.Fingerprint = "fp-1"
					rec.WalletAddress = wallet
					rec.CompletedAt = completedAt
					rec.Mint = &interfaces.MintResult{TokenID: big.NewInt(7), TxHash: txHash, BlockNumber: 12, GasUsed: 21000}
					return nil
				})
				require.NoError(t, err)

				byApplicant, err := s.GetIdentityByApplicant(ctx, "app-1")
				require.NoError(t, err)
				assert.Equal(t, interfaces.StatusMinted, byApplicant.Status)
				assert.Equal(t, wallet, byApplicant.WalletAddress)
				require.NotNil(t, byApplicant.Mint)
				assert.Equal(t, int64(7), byApplicant.Mint.TokenID.Int64())
				assert.Equal(t, txHash, byApplicant.Mint.TxHash)
				assert.True(t, completedAt.Equal(byApplicant.CompletedAt))

				byFingerprint, err := s.FindIdentity(ctx, "fp-1", common.Address{})
				require.NoError(t, err)
				assert.Equal(t, "user-1", byFingerprint.SubjectID)

				byAddress, err := s.FindIdentity(ctx, "", wallet)
				require.NoError(t, err)
				assert.Equal(t, "user-1", byAddress.SubjectID)
			})

			t.Run("mint without token id", func(t *testing.T) {
				s := newStore(t)
				ctx := context.Background()
				_, err := s.CreateIdentity(ctx, &interfaces.IdentityRecord{SubjectID: "user-1"})
				require.NoError(t, err)

				txHash := common.HexToHash("0xdef")
				_, err = s.UpdateIdentity(ctx, "user-1", func(rec *interfaces.IdentityRecord) error {
					rec.Status = interfaces.StatusMinted
					rec.Mint = &interfaces.MintResult{TxHash: txHash, BlockNumber: 3, GasUsed: 50000}
					return nil
				})
				require.NoError(t, err)

				got, err := s.GetIdentity(ctx, "user-1")
				require.NoError(t, err)
				require.NotNil(t, got.Mint)
				assert.Nil(t, got.Mint.TokenID)
				assert.Equal(t, txHash, got.Mint.TxHash)
				assert.Equal(t, uint64(3), got.Mint.BlockNumber)
			})

			t.Run("no change and aborted updates", func(t *testing.T) {
				s := newStore(t)
				ctx := context.Background()
				_, err := s.CreateIdentity(ctx, &interfaces.IdentityRecord{SubjectID: "user-1"})
				require.NoError(t, err)

				rec, err := s.UpdateIdentity(ctx, "user-1", func(rec *interfaces.IdentityRecord) error {
					rec.Status = interfaces.StatusPending
					return interfaces.ErrNoChange
				})
				require.NoError(t, err)
				assert.Equal(t, interfaces.StatusUninitiated, rec.Status)

				boom := errors.New("boom")
				_, err = s.UpdateIdentity(ctx, "user-1", func(rec *interfaces.IdentityRecord) error {
					rec.Status = interfaces.StatusPending
					return boom
				})
				assert.ErrorIs(t, err, boom)

				stored, err := s.GetIdentity(ctx, "user-1")
				require.NoError(t, err)
				assert.Equal(t, interfaces.StatusUninitiated, stored.Status)
			})

			t.Run("unique fingerprint", func(t *testing.T) {
				s := newStore(t)
				ctx := context.Background()
				for _, subject := range []string{"user-1", "user-2"} {
					_, err := s.CreateIdentity(ctx, &interfaces.IdentityRecord{SubjectID: subject})
					require.NoError(t, err)
				}

				_, err := s.UpdateIdentity(ctx, "user-1", func(rec *interfaces.IdentityRecord) error {
					rec.Fingerprint = "shared"
					return nil
				})
				require.NoError(t, err)

				_, err = s.UpdateIdentity(ctx, "user-2", func(rec *interfaces.IdentityRecord) error {
					rec.Fingerprint = "shared"
					return nil
				})
				assert.ErrorIs(t, err, interfaces.ErrConflict)

				stored, err := s.GetIdentity(ctx, "user-2")
				require.NoError(t, err)
				assert.Empty(t, stored.Fingerprint)
			})

			t.Run("concurrent updates serialize", func(t *testing.T) {
				s := newStore(t)
				ctx := context.Background()
				_, err := s.CreateIdentity(ctx, &interfaces.IdentityRecord{SubjectID: "user-1"})
				require.NoError(t, err)

				var (
					wg      sync.WaitGroup
					mu      sync.Mutex
					applied int
				)
				for i := 0; i < 10; i++ {
					wg.Add(1)
					go func() {
						defer wg.Done()
						_, err := s.UpdateIdentity(ctx, "user-1", func(rec *interfaces.IdentityRecord) error {
							if !interfaces.CanTransition(rec.Status, interfaces.StatusPending) {
								return interfaces.ErrNoChange
							}
							rec.Status = interfaces.StatusPending
							mu.Lock()
							applied++
							mu.Unlock()
							return nil
						})
						assert.NoError(t, err)
					}()
				}
				wg.Wait()
				assert.Equal(t, 1, applied)
			})
		})
	}
}

func TestMFAStore(t *testing.T) {
	for name, newStore := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			ctx := context.Background()

			_, err := s.GetCredential(ctx, "user-1")
			assert.ErrorIs(t, err, interfaces.ErrNotFound)

			require.NoError(t, s.SaveCredential(ctx, &interfaces.MFACredential{
				SubjectID:        "user-1",
				Secret:           "SECRET",
				BackupCodeHashes: []string{"h1", "h2"},
			}))

			cred, err := s.UpdateCredential(ctx, "user-1", func(c *interfaces.MFACredential) error {
				c.Enabled = true
				c.BackupCodeHashes = c.BackupCodeHashes[1:]
				return nil
			})
			require.NoError(t, err)
			assert.True(t, cred.Enabled)

			stored, err := s.GetCredential(ctx, "user-1")
			require.NoError(t, err)
			assert.Equal(t, []string{"h2"}, stored.BackupCodeHashes)
			assert.True(t, stored.Enabled)

			err = s.SaveCredential(ctx, &interfaces.MFACredential{SubjectID: "user-1", Secret: "OTHER"})
			assert.ErrorIs(t, err, interfaces.ErrConflict)
			stored, err = s.GetCredential(ctx, "user-1")
			require.NoError(t, err)
			assert.Equal(t, "SECRET", stored.Secret)
			assert.True(t, stored.Enabled)

			require.NoError(t, s.DeleteCredential(ctx, "user-1"))
			assert.ErrorIs(t, s.DeleteCredential(ctx, "user-1"), interfaces.ErrNotFound)
			_, err = s.UpdateCredential(ctx, "user-1", func(*interfaces.MFACredential) error { return nil })
			assert.ErrorIs(t, err, interfaces.ErrNotFound)
		})
	}
}

func TestSaveCredentialReplacesPendingOnly(t *testing.T) {
	for name, newStore := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			ctx := context.Background()

			require.NoError(t, s.SaveCredential(ctx, &interfaces.MFACredential{SubjectID: "user-1", Secret: "FIRST"}))
			require.NoError(t, s.SaveCredential(ctx, &interfaces.MFACredential{SubjectID: "user-1", Secret: "SECOND"}))
			cred, err := s.GetCredential(ctx, "user-1")
			require.NoError(t, err)
			assert.Equal(t, "SECOND", cred.Secret)

			var (
				wg        sync.WaitGroup
				conflicts int
				mu        sync.Mutex
			)
			_, err = s.UpdateCredential(ctx, "user-1", func(c *interfaces.MFACredential) error {
				c.Enabled = true
				return nil
			})
			require.NoError(t, err)
			for i := 0; i < 5; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					err := s.SaveCredential(ctx, &interfaces.MFACredential{SubjectID: "user-1", Secret: "LATE"})
					if errors.Is(err, interfaces.ErrConflict) {
						mu.Lock()
						conflicts++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()
			assert.Equal(t, 5, conflicts)

			cred, err = s.GetCredential(ctx, "user-1")
			require.NoError(t, err)
			assert.Equal(t, "SECOND", cred.Secret)
			assert.True(t, cred.Enabled)
		})
	}
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	rec, err := s.CreateIdentity(ctx, &interfaces.IdentityRecord{SubjectID: "user-1"})
	require.NoError(t, err)
	rec.Status = interfaces.StatusMinted

	stored, err := s.GetIdentity(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, interfaces.StatusUninitiated, stored.Status)
}

// argsRow scans a fixed list of column values, as a pgx row would.
type argsRow []any

func (r argsRow) Scan(dest ...any) error {
	if len(dest) != len(r) {
		return errors.New("column count mismatch")
	}
	for i, d := range dest {
		reflect.ValueOf(d).Elem().Set(reflect.ValueOf(r[i]))
	}
	return nil
}

func TestScanIdentityMint(t *testing.T) {
	txHash := common.HexToHash("0xabc")
	tests := []struct {
		name      string
		mint      *interfaces.MintResult
		wantMint  bool
		wantToken *big.Int
	}{
		{name: "no mint", mint: nil},
		{name: "with token id", mint: &interfaces.MintResult{TokenID: big.NewInt(9), TxHash: txHash, BlockNumber: 4}, wantMint: true, wantToken: big.NewInt(9)},
		{name: "without token id", mint: &interfaces.MintResult{TxHash: txHash, BlockNumber: 4}, wantMint: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			now := time.Now().UTC()
			rec := &interfaces.IdentityRecord{
				ID:        uuid.New(),
				SubjectID: "user-1",
				Status:    interfaces.StatusMinted,
				Mint:      tt.mint,
				CreatedAt: now,
				UpdatedAt: now,
			}

			got, err := scanIdentity(argsRow(identityArgs(rec)))
			require.NoError(t, err)
			if !tt.wantMint {
				assert.Nil(t, got.Mint)
				return
			}
			require.NotNil(t, got.Mint)
			assert.Equal(t, txHash, got.Mint.TxHash)
			assert.Equal(t, uint64(4), got.Mint.BlockNumber)
			if tt.wantToken == nil {
				assert.Nil(t, got.Mint.TokenID)
			} else {
				require.NotNil(t, got.Mint.TokenID)
				assert.Equal(t, 0, tt.wantToken.Cmp(got.Mint.TokenID))
			}
		})
	}
}
