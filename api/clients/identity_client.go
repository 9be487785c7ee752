package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/ruteri/identity-lifecycle-backend/api"
)

// APIError is a non-2xx answer from the server.
type APIError struct {
	StatusCode  int
	Code        string
	Message     string
	MFARequired bool
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("server returned %d (%s): %s", e.StatusCode, e.Code, e.Message)
}

// IdentityClient calls the identity API with a bearer session token.
type IdentityClient struct {
	// ServerAddr is the base URL of the API server.
	ServerAddr string

	// Token is sent as the bearer token on every request.
	Token string

	// HTTPClient defaults to http.DefaultClient.
	HTTPClient *http.Client
}

func (c *IdentityClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.ServerAddr+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("could not request %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: string(raw)}
		var parsed api.ErrorResponse
		if json.Unmarshal(raw, &parsed) == nil && parsed.Error != "" {
			apiErr.Code = parsed.Code
			apiErr.Message = parsed.Error
			apiErr.MFARequired = parsed.MFARequired
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("could not parse response of %s: %w", path, err)
	}
	return nil
}

// Init starts verification for the token's subject.
func (c *IdentityClient) Init(ctx context.Context, email string) (*api.InitResponse, error) {
	var resp api.InitResponse
	if err := c.do(ctx, http.MethodPost, "/api/kyc/init", api.InitRequest{Email: email}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Status returns the token subject's identity.
func (c *IdentityClient) Status(ctx context.Context) (*api.StatusResponse, error) {
	var resp api.StatusResponse
	if err := c.do(ctx, http.MethodGet, "/api/kyc/status", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Mint mints the token subject's identity. An ambiguous outcome is not an
// error; the response carries the transaction to follow.
func (c *IdentityClient) Mint(ctx context.Context, bioHash, walletAddress string) (*api.MintResponse, error) {
	var resp api.MintResponse
	req := api.MintRequest{BioHash: bioHash, WalletAddress: walletAddress}
	if err := c.do(ctx, http.MethodPost, "/api/kyc/mint", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Reconcile resolves the token subject's pending mint.
func (c *IdentityClient) Reconcile(ctx context.Context) (*api.MintResponse, error) {
	var resp api.MintResponse
	if err := c.do(ctx, http.MethodPost, "/api/kyc/reconcile", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Recover resolves a biometric hash to its identity.
func (c *IdentityClient) Recover(ctx context.Context, bioHash string) (*api.RecoverResponse, error) {
	var resp api.RecoverResponse
	if err := c.do(ctx, http.MethodPost, "/api/kyc/recover-identity", api.RecoverRequest{BioHash: bioHash}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// TokenInfo returns the on-chain identity of a token.
func (c *IdentityClient) TokenInfo(ctx context.Context, tokenID string) (*api.IdentityView, error) {
	var resp api.IdentityView
	if err := c.do(ctx, http.MethodGet, "/api/identity/tokens/"+url.PathEscape(tokenID), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// AdminIdentity returns the stored record of any subject. Requires an admin
// token.
func (c *IdentityClient) AdminIdentity(ctx context.Context, subjectID string) (*api.AdminIdentityResponse, error) {
	var resp api.AdminIdentityResponse
	if err := c.do(ctx, http.MethodGet, "/api/admin/identities/"+url.PathEscape(subjectID), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ClearPendingMint drops a subject's pending mint. Requires an admin token.
func (c *IdentityClient) ClearPendingMint(ctx context.Context, subjectID string) error {
	return c.do(ctx, http.MethodPost, "/api/admin/identities/"+url.PathEscape(subjectID)+"/clear-pending-mint", nil, nil)
}
