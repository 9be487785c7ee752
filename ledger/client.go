package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ruteri/identity-lifecycle-backend/interfaces"
)

// ErrNoTransactOpts is returned when a transaction is attempted without first
// setting transaction options.
var ErrNoTransactOpts = fmt.Errorf("%w: no authorized transactor available", interfaces.ErrConfiguration)

// Backend is what the client needs from a chain connection. Both
// *ethclient.Client and the simulated backend's client satisfy it.
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
	ethereum.TransactionReader
	ethereum.ChainIDReader
}

// Client implements interfaces.IdentityLedger over the identity token
// contract.
type Client struct {
	contract *bind.BoundContract
	abi      abi.ABI
	backend  Backend
	address  common.Address
	auth     *bind.TransactOpts
	log      *slog.Logger

	pollInterval time.Duration
}

// NewClient creates a client for the contract at address. Reads work
// immediately; writes need SetTransactOpts.
func NewClient(backend Backend, address common.Address, log *slog.Logger) (*Client, error) {
	if address == (common.Address{}) {
		return nil, interfaces.Errorf(interfaces.ErrConfiguration, "ledger.NewClient", "identity contract address not configured")
	}
	return &Client{
		contract:     bind.NewBoundContract(address, parsedABI, backend, backend, backend),
		abi:          parsedABI,
		backend:      backend,
		address:      address,
		log:          log,
		pollInterval: time.Second,
	}, nil
}

// SetTransactOpts sets the signer used for mint and role transactions.
func (c *Client) SetTransactOpts(auth *bind.TransactOpts) {
	c.auth = auth
}

// NewTransactOpts builds a signer for key on the backend's chain.
func NewTransactOpts(ctx context.Context, backend ethereum.ChainIDReader, key *ecdsa.PrivateKey) (*bind.TransactOpts, error) {
	chainID, err := backend.ChainID(ctx)
	if err != nil {
		return nil, interfaces.NewError(interfaces.ErrExternalService, "ledger.NewTransactOpts", err)
	}
	return bind.NewKeyedTransactorWithChainID(key, chainID)
}

// Address returns the contract address.
func (c *Client) Address() common.Address {
	return c.address
}

// MinterAddress returns the signer account.
func (c *Client) MinterAddress() (common.Address, error) {
	if c.auth == nil {
		return common.Address{}, ErrNoTransactOpts
	}
	return c.auth.From, nil
}

func (c *Client) callOpts(ctx context.Context) *bind.CallOpts {
	return &bind.CallOpts{Context: ctx}
}

// ActiveTokenByFingerprint returns the live token for a ledger fingerprint.
// A reverted lookup is treated as "no token".
func (c *Client) ActiveTokenByFingerprint(ctx context.Context, fingerprint [32]byte) (*interfaces.ActiveToken, error) {
	var out []interface{}
	err := c.contract.Call(c.callOpts(ctx), &out, "getActiveTokenByBioHash", fingerprint)
	if err != nil {
		if isRevert(err) {
			return &interfaces.ActiveToken{}, nil
		}
		return nil, c.readError("ledger.ActiveTokenByFingerprint", err)
	}

	return &interfaces.ActiveToken{
		TokenID: *abi.ConvertType(out[0], new(*big.Int)).(**big.Int),
		Owner:   *abi.ConvertType(out[1], new(common.Address)).(*common.Address),
	}, nil
}

// Identity reads the identity data and owner of a token.
func (c *Client) Identity(ctx context.Context, tokenID *big.Int) (*interfaces.LedgerIdentity, error) {
	var out []interface{}
	if err := c.contract.Call(c.callOpts(ctx), &out, "identities", tokenID); err != nil {
		if isRevert(err) {
			return nil, interfaces.Errorf(interfaces.ErrNotFound, "ledger.Identity", "token %s does not exist", tokenID)
		}
		return nil, c.readError("ledger.Identity", err)
	}

	owner, err := c.OwnerOf(ctx, tokenID)
	if err != nil {
		return nil, err
	}

	return &interfaces.LedgerIdentity{
		TokenID:         new(big.Int).Set(tokenID),
		Owner:           owner,
		Name:            *abi.ConvertType(out[0], new(string)).(*string),
		DocumentNumber:  *abi.ConvertType(out[1], new(string)).(*string),
		BioHash:         *abi.ConvertType(out[2], new([32]byte)).(*[32]byte),
		KYCTimestamp:    (*abi.ConvertType(out[3], new(*big.Int)).(**big.Int)).Uint64(),
		IsActive:        *abi.ConvertType(out[4], new(bool)).(*bool),
		PreviousTokenID: *abi.ConvertType(out[5], new(*big.Int)).(**big.Int),
		ApplicantID:     *abi.ConvertType(out[6], new(string)).(*string),
	}, nil
}

// OwnerOf returns the owner of a token.
func (c *Client) OwnerOf(ctx context.Context, tokenID *big.Int) (common.Address, error) {
	var out []interface{}
	if err := c.contract.Call(c.callOpts(ctx), &out, "ownerOf", tokenID); err != nil {
		if isRevert(err) {
			return common.Address{}, interfaces.Errorf(interfaces.ErrNotFound, "ledger.OwnerOf", "token %s does not exist", tokenID)
		}
		return common.Address{}, c.readError("ledger.OwnerOf", err)
	}
	return *abi.ConvertType(out[0], new(common.Address)).(*common.Address), nil
}

// HasMinterRole checks whether account holds MINTER_ROLE.
func (c *Client) HasMinterRole(ctx context.Context, account common.Address) (bool, error) {
	var out []interface{}
	if err := c.contract.Call(c.callOpts(ctx), &out, "hasRole", MinterRole, account); err != nil {
		return false, c.readError("ledger.HasMinterRole", err)
	}
	return *abi.ConvertType(out[0], new(bool)).(*bool), nil
}

// GrantMinterRole submits a grantRole transaction for account. The signer
// must hold the role admin.
func (c *Client) GrantMinterRole(ctx context.Context, account common.Address) (common.Hash, error) {
	if c.auth == nil {
		return common.Hash{}, ErrNoTransactOpts
	}
	opts := *c.auth
	opts.Context = ctx

	tx, err := c.contract.Transact(&opts, "grantRole", MinterRole, account)
	if err != nil {
		return common.Hash{}, interfaces.NewError(interfaces.ErrExternalService, "ledger.GrantMinterRole", err)
	}
	return tx.Hash(), nil
}

// PendingNonce returns the signer's next nonce including pending transactions.
func (c *Client) PendingNonce(ctx context.Context) (uint64, error) {
	from, err := c.MinterAddress()
	if err != nil {
		return 0, err
	}
	nonce, err := c.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return 0, interfaces.NewError(interfaces.ErrExternalService, "ledger.PendingNonce", err)
	}
	return nonce, nil
}

// EstimateMintGas estimates the gas of a mint call from the signer.
func (c *Client) EstimateMintGas(ctx context.Context, req *interfaces.MintRequest) (uint64, error) {
	from, err := c.MinterAddress()
	if err != nil {
		return 0, err
	}
	input, err := c.abi.Pack("mintIdentity", req.To, req.Name, req.DocumentNumber, req.BioHash, req.ApplicantID)
	if err != nil {
		return 0, interfaces.NewError(interfaces.ErrValidation, "ledger.EstimateMintGas", err)
	}

	gas, err := c.backend.EstimateGas(ctx, ethereum.CallMsg{
		From: from,
		To:   &c.address,
		Data: input,
	})
	if err != nil {
		return 0, interfaces.NewError(interfaces.ErrExternalService, "ledger.EstimateMintGas", err)
	}
	return gas, nil
}

// SignMint signs mintIdentity with the given nonce and gas limit. Nothing is
// sent until SendMint.
func (c *Client) SignMint(ctx context.Context, req *interfaces.MintRequest, nonce uint64, gasLimit uint64) (*interfaces.SignedMint, error) {
	if c.auth == nil {
		return nil, ErrNoTransactOpts
	}

	opts := *c.auth
	opts.Context = ctx
	opts.Nonce = new(big.Int).SetUint64(nonce)
	opts.GasLimit = gasLimit
	opts.NoSend = true

	tx, err := c.contract.Transact(&opts, "mintIdentity", req.To, req.Name, req.DocumentNumber, req.BioHash, req.ApplicantID)
	if err != nil {
		return nil, interfaces.NewError(interfaces.ErrExternalService, "ledger.SignMint", err)
	}
	raw, err := tx.MarshalBinary()
	if err != nil {
		return nil, interfaces.NewError(interfaces.ErrExternalService, "ledger.SignMint", err)
	}
	return &interfaces.SignedMint{TxHash: tx.Hash(), Raw: raw}, nil
}

// SendMint broadcasts a signed mint. It does not wait for inclusion.
func (c *Client) SendMint(ctx context.Context, signed *interfaces.SignedMint) error {
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(signed.Raw); err != nil {
		return interfaces.NewError(interfaces.ErrValidation, "ledger.SendMint", err)
	}
	if tx.Hash() != signed.TxHash {
		return interfaces.Errorf(interfaces.ErrValidation, "ledger.SendMint", "signed mint does not match hash %s", signed.TxHash.Hex())
	}
	if err := c.backend.SendTransaction(ctx, tx); err != nil {
		return interfaces.NewError(interfaces.ErrExternalService, "ledger.SendMint", err)
	}

	c.log.Info("Submitted mint transaction",
		slog.String("tx_hash", tx.Hash().Hex()),
		slog.Uint64("nonce", tx.Nonce()),
		slog.Uint64("gas_limit", tx.Gas()))
	return nil
}

// WaitMined polls for the receipt with exponential backoff until it appears
// or ctx is done.
func (c *Client) WaitMined(ctx context.Context, txHash common.Hash) (*interfaces.MintReceipt, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.pollInterval
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0
	b.Reset()

	var receipt *types.Receipt
	err := backoff.Retry(func() error {
		r, err := c.backend.TransactionReceipt(ctx, txHash)
		if err != nil {
			if !errors.Is(err, ethereum.NotFound) {
				c.log.Warn("Receipt query failed", slog.String("tx_hash", txHash.Hex()), "err", err)
			}
			return err
		}
		receipt = r
		return nil
	}, backoff.WithContext(b, ctx))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, interfaces.NewError(interfaces.ErrExternalService, "ledger.WaitMined", err)
	}
	return c.mintReceipt(receipt), nil
}

// ReceiptFor returns the receipt of an included transaction.
func (c *Client) ReceiptFor(ctx context.Context, txHash common.Hash) (*interfaces.MintReceipt, error) {
	receipt, err := c.backend.TransactionReceipt(ctx, txHash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, interfaces.Errorf(interfaces.ErrNotFound, "ledger.ReceiptFor", "transaction %s not included", txHash.Hex())
		}
		return nil, interfaces.NewError(interfaces.ErrExternalService, "ledger.ReceiptFor", err)
	}
	return c.mintReceipt(receipt), nil
}

// TransactionKnown reports whether the node knows txHash, pending or included.
func (c *Client) TransactionKnown(ctx context.Context, txHash common.Hash) (bool, error) {
	_, _, err := c.backend.TransactionByHash(ctx, txHash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return false, nil
		}
		return false, interfaces.NewError(interfaces.ErrExternalService, "ledger.TransactionKnown", err)
	}
	return true, nil
}

func (c *Client) mintReceipt(r *types.Receipt) *interfaces.MintReceipt {
	out := &interfaces.MintReceipt{
		TxHash:    r.TxHash,
		Succeeded: r.Status == types.ReceiptStatusSuccessful,
		GasUsed:   r.GasUsed,
	}
	if r.BlockNumber != nil {
		out.BlockNumber = r.BlockNumber.Uint64()
	}
	if out.Succeeded {
		out.TokenID = c.TokenIDFromLogs(r.Logs)
	}
	return out
}

// IdentityMinted is the decoded IdentityMinted event.
type IdentityMinted struct {
	TokenId     *big.Int
	Owner       common.Address
	BioHash     [32]byte
	ApplicantId string
}

// TokenIDFromLogs returns the token id of the first IdentityMinted event
// emitted by the contract, or nil.
func (c *Client) TokenIDFromLogs(logs []*types.Log) *big.Int {
	event := c.abi.Events["IdentityMinted"]
	for _, l := range logs {
		if l == nil || l.Address != c.address || len(l.Topics) == 0 || l.Topics[0] != event.ID {
			continue
		}
		var ev IdentityMinted
		if err := c.contract.UnpackLog(&ev, "IdentityMinted", *l); err != nil {
			c.log.Warn("Failed to decode IdentityMinted event", slog.String("tx_hash", l.TxHash.Hex()), "err", err)
			continue
		}
		return ev.TokenId
	}
	return nil
}

func (c *Client) readError(op string, err error) error {
	if errors.Is(err, bind.ErrNoCode) {
		return interfaces.NewError(interfaces.ErrConfiguration, op, fmt.Errorf("no identity contract at %s: %w", c.address.Hex(), err))
	}
	return interfaces.NewError(interfaces.ErrExternalService, op, err)
}

func isRevert(err error) bool {
	return err != nil && strings.Contains(err.Error(), "execution reverted")
}
