package recovery

import (
	"context"
	"errors"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ruteri/identity-lifecycle-backend/cryptoutils"
	"github.com/ruteri/identity-lifecycle-backend/interfaces"
	"github.com/ruteri/identity-lifecycle-backend/kms"
	"golang.org/x/sync/errgroup"
)

// LocalIdentity is the locally recorded metadata returned with a recovery.
type LocalIdentity struct {
	SubjectID   string `json:"subject_id"`
	Status      string `json:"status"`
	Name        string `json:"name,omitempty"`
	DocumentRef string `json:"document_ref,omitempty"`
}

// Recovery is the result of presenting a biometric hash.
type Recovery struct {
	// Found is true only when the ledger holds an active token owned by the
	// derived address.
	Found         bool                       `json:"found"`
	WalletAddress common.Address             `json:"wallet_address"`
	TokenID       *big.Int                   `json:"token_id,omitempty"`
	Ledger        *interfaces.LedgerIdentity `json:"ledger,omitempty"`
	Local         *LocalIdentity             `json:"local,omitempty"`
}

// Resolver answers "which identity belongs to this biometric hash". The
// ledger is authoritative; the local store only enriches a found identity.
type Resolver struct {
	ledger  interfaces.IdentityLedger
	store   interfaces.IdentityStore
	deriver *kms.Deriver
	log     *slog.Logger
}

// NewResolver creates a resolver. store may be nil.
func NewResolver(ledger interfaces.IdentityLedger, store interfaces.IdentityStore, deriver *kms.Deriver, log *slog.Logger) *Resolver {
	return &Resolver{ledger: ledger, store: store, deriver: deriver, log: log}
}

// Recover derives the wallet address of bioHash and looks up its identity on
// the ledger and in the local store concurrently.
func (r *Resolver) Recover(ctx context.Context, bioHash string) (*Recovery, error) {
	if err := cryptoutils.ValidateBioHash(bioHash); err != nil {
		return nil, err
	}
	if r.ledger == nil {
		return nil, interfaces.Errorf(interfaces.ErrConfiguration, "recovery.Recover", "ledger not configured")
	}

	address, err := r.deriver.Address(bioHash)
	if err != nil {
		return nil, err
	}
	fingerprint := cryptoutils.Fingerprint(bioHash)
	ledgerFingerprint := cryptoutils.LedgerFingerprint(bioHash)

	var (
		token *interfaces.ActiveToken
		ident *interfaces.LedgerIdentity
		local *interfaces.IdentityRecord
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		token, err = r.ledger.ActiveTokenByFingerprint(gctx, ledgerFingerprint)
		if err != nil {
			return asExternal("recovery.Recover", err)
		}
		if !token.Exists() {
			return nil
		}
		ident, err = r.ledger.Identity(gctx, token.TokenID)
		if err != nil {
			return asExternal("recovery.Recover", err)
		}
		return nil
	})
	if r.store != nil {
		g.Go(func() error {
			rec, err := r.store.FindIdentity(gctx, fingerprint, address)
			switch {
			case err == nil:
				local = rec
			case errors.Is(err, interfaces.ErrNotFound):
			default:
				// Local metadata is optional.
				r.log.Warn("Local identity lookup failed", slog.String("fingerprint", fingerprint), "err", err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := &Recovery{WalletAddress: address}
	if !token.Exists() {
		r.log.Info("No active identity for presented biometric hash", slog.String("fingerprint", fingerprint))
		return out, nil
	}
	if token.Owner != address {
		r.log.Warn("Active token owned by a different address",
			slog.String("fingerprint", fingerprint),
			slog.String("token_id", token.TokenID.String()),
			slog.String("owner", token.Owner.Hex()),
			slog.String("derived", address.Hex()))
		return out, nil
	}

	out.Found = true
	out.TokenID = token.TokenID
	out.Ledger = ident
	if local != nil {
		out.Local = &LocalIdentity{
			SubjectID:   local.SubjectID,
			Status:      local.Status.String(),
			Name:        local.Name,
			DocumentRef: local.DocumentRef,
		}
	}
	r.log.Info("Identity recovered",
		slog.String("fingerprint", fingerprint),
		slog.String("token_id", token.TokenID.String()),
		slog.String("wallet", address.Hex()))
	return out, nil
}

// TokenInfo returns the on-chain identity of a token.
func (r *Resolver) TokenInfo(ctx context.Context, tokenID *big.Int) (*interfaces.LedgerIdentity, error) {
	if tokenID == nil || tokenID.Sign() <= 0 {
		return nil, interfaces.Errorf(interfaces.ErrValidation, "recovery.TokenInfo", "token id must be positive")
	}
	if r.ledger == nil {
		return nil, interfaces.Errorf(interfaces.ErrConfiguration, "recovery.TokenInfo", "ledger not configured")
	}
	ident, err := r.ledger.Identity(ctx, tokenID)
	if err != nil {
		return nil, asExternal("recovery.TokenInfo", err)
	}
	return ident, nil
}

func asExternal(op string, err error) error {
	var kinded *interfaces.Error
	if errors.As(err, &kinded) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return interfaces.NewError(interfaces.ErrExternalService, op, err)
}
