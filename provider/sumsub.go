package provider

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ruteri/identity-lifecycle-backend/cryptoutils"
	"github.com/ruteri/identity-lifecycle-backend/interfaces"
)

const (
	// DefaultBaseURL is the production API endpoint.
	DefaultBaseURL = "https://api.sumsub.com"
	// DefaultLevelName is the verification level applicants are created at.
	DefaultLevelName = "basic-kyc-level"
	// BioHashMetadataKey is the applicant metadata key holding the biometric hash.
	BioHashMetadataKey = "bioHash"

	headerAppToken  = "X-App-Token"
	headerAccessTs  = "X-App-Access-Ts"
	headerAccessSig = "X-App-Access-Sig"

	maxErrorBody = 4 << 10
)

// Config holds the provider credentials.
type Config struct {
	BaseURL   string
	AppToken  string
	SecretKey string
	LevelName string
	Timeout   time.Duration
}

// SumsubClient implements interfaces.VerificationProvider against the Sumsub
// REST API. Every request is signed with the app secret.
type SumsubClient struct {
	cfg  Config
	http *http.Client
	log  *slog.Logger
	now  func() time.Time
}

// NewSumsubClient validates cfg and creates a client.
func NewSumsubClient(cfg Config, log *slog.Logger) (*SumsubClient, error) {
	if cfg.AppToken == "" || cfg.SecretKey == "" {
		return nil, interfaces.Errorf(interfaces.ErrConfiguration, "provider.NewSumsubClient", "provider app token and secret key are required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	if cfg.LevelName == "" {
		cfg.LevelName = DefaultLevelName
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}

	return &SumsubClient{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		log:  log,
		now:  time.Now,
	}, nil
}

// LevelName returns the configured verification level.
func (c *SumsubClient) LevelName() string {
	return c.cfg.LevelName
}

// sign computes the request signature over ts, method, path with query, and body.
func (c *SumsubClient) sign(ts, method, pathWithQuery string, body []byte) string {
	msg := make([]byte, 0, len(ts)+len(method)+len(pathWithQuery)+len(body))
	msg = append(msg, ts...)
	msg = append(msg, strings.ToUpper(method)...)
	msg = append(msg, pathWithQuery...)
	msg = append(msg, body...)
	return hex.EncodeToString(cryptoutils.HMACSHA256([]byte(c.cfg.SecretKey), msg))
}

type apiError struct {
	status int
	body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("provider returned %d: %s", e.status, e.body)
}

func (c *SumsubClient) do(ctx context.Context, op, method, pathWithQuery string, in, out any) error {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+pathWithQuery, bytes.NewReader(body))
	if err != nil {
		return interfaces.NewError(interfaces.ErrConfiguration, op, err)
	}

	ts := strconv.FormatInt(c.now().Unix(), 10)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(headerAppToken, c.cfg.AppToken)
	req.Header.Set(headerAccessTs, ts)
	req.Header.Set(headerAccessSig, c.sign(ts, method, pathWithQuery, body))

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Warn("Provider request failed", slog.String("op", op), "err", err)
		return interfaces.NewError(interfaces.ErrExternalService, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		c.log.Warn("Provider returned an error",
			slog.String("op", op),
			slog.Int("status", resp.StatusCode),
			slog.Duration("duration", time.Since(start)))
		return interfaces.NewError(interfaces.ErrExternalService, op, &apiError{status: resp.StatusCode, body: string(msg)})
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return interfaces.NewError(interfaces.ErrExternalService, op, fmt.Errorf("decode response: %w", err))
		}
	}

	c.log.Debug("Provider request completed",
		slog.String("op", op),
		slog.Duration("duration", time.Since(start)))
	return nil
}

type applicantResponse struct {
	ID       string `json:"id"`
	Metadata []struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	} `json:"metadata"`
	Info struct {
		FirstName string `json:"firstName"`
		LastName  string `json:"lastName"`
		IDDocs    []struct {
			Number string `json:"number"`
		} `json:"idDocs"`
	} `json:"info"`
	Review struct {
		ReviewStatus string `json:"reviewStatus"`
	} `json:"review"`
}

// CreateApplicant registers an applicant for subjectRef. When the provider
// already has one for the same external user id, that applicant is returned.
func (c *SumsubClient) CreateApplicant(ctx context.Context, subjectRef, level, email string) (string, error) {
	if level == "" {
		level = c.cfg.LevelName
	}
	path := "/resources/applicants?levelName=" + url.QueryEscape(level)

	var resp applicantResponse
	err := c.do(ctx, "provider.CreateApplicant", http.MethodPost, path, map[string]string{
		"externalUserId": subjectRef,
		"email":          email,
	}, &resp)

	var apiErr *apiError
	if err != nil && errors.As(err, &apiErr) && apiErr.status == http.StatusConflict {
		existing, lookupErr := c.applicantByExternalID(ctx, subjectRef)
		if lookupErr != nil {
			return "", lookupErr
		}
		return existing.ID, nil
	}
	if err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", interfaces.Errorf(interfaces.ErrExternalService, "provider.CreateApplicant", "response has no applicant id")
	}
	return resp.ID, nil
}

func (c *SumsubClient) applicantByExternalID(ctx context.Context, subjectRef string) (*applicantResponse, error) {
	var resp applicantResponse
	path := "/resources/applicants/-;externalUserId=" + url.PathEscape(subjectRef) + "/one"
	if err := c.do(ctx, "provider.ApplicantByExternalID", http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *SumsubClient) applicant(ctx context.Context, op, applicantID string) (*applicantResponse, error) {
	var resp applicantResponse
	path := "/resources/applicants/" + url.PathEscape(applicantID) + "/one"
	if err := c.do(ctx, op, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetStatus returns the review state of an applicant.
func (c *SumsubClient) GetStatus(ctx context.Context, applicantID string) (*interfaces.ApplicantStatus, error) {
	var resp struct {
		ReviewStatus string `json:"reviewStatus"`
		ReviewDate   string `json:"reviewDate"`
		ReviewResult struct {
			ReviewAnswer string `json:"reviewAnswer"`
		} `json:"reviewResult"`
	}
	path := "/resources/applicants/" + url.PathEscape(applicantID) + "/status"
	if err := c.do(ctx, "provider.GetStatus", http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}

	status := &interfaces.ApplicantStatus{
		ReviewStatus: resp.ReviewStatus,
		ReviewAnswer: resp.ReviewResult.ReviewAnswer,
	}
	if resp.ReviewDate != "" {
		if t, err := time.Parse("2006-01-02 15:04:05", resp.ReviewDate); err == nil {
			status.UpdatedAt = t.UTC()
		}
	}
	return status, nil
}

// GetBiometricHash returns the bioHash metadata value of an applicant.
func (c *SumsubClient) GetBiometricHash(ctx context.Context, applicantID string) (string, error) {
	resp, err := c.applicant(ctx, "provider.GetBiometricHash", applicantID)
	if err != nil {
		return "", err
	}
	for _, m := range resp.Metadata {
		if m.Key == BioHashMetadataKey && m.Value != "" {
			return m.Value, nil
		}
	}
	return "", interfaces.Errorf(interfaces.ErrExternalService, "provider.GetBiometricHash", "biometric data not available for applicant %s", applicantID)
}

// GetProfile returns the applicant's name and first document number.
func (c *SumsubClient) GetProfile(ctx context.Context, applicantID string) (*interfaces.ApplicantProfile, error) {
	resp, err := c.applicant(ctx, "provider.GetProfile", applicantID)
	if err != nil {
		return nil, err
	}

	profile := &interfaces.ApplicantProfile{
		Name: strings.TrimSpace(resp.Info.FirstName + " " + resp.Info.LastName),
	}
	if len(resp.Info.IDDocs) > 0 {
		profile.DocumentNumber = resp.Info.IDDocs[0].Number
	}
	return profile, nil
}

// AccessToken issues an SDK token for the applicant's verification flow.
func (c *SumsubClient) AccessToken(ctx context.Context, applicantID, level string) (string, error) {
	if level == "" {
		level = c.cfg.LevelName
	}
	q := url.Values{}
	q.Set("userId", applicantID)
	q.Set("levelName", level)

	var resp struct {
		Token  string `json:"token"`
		UserID string `json:"userId"`
	}
	if err := c.do(ctx, "provider.AccessToken", http.MethodPost, "/resources/accessTokens?"+q.Encode(), nil, &resp); err != nil {
		return "", err
	}
	if resp.Token == "" {
		return "", interfaces.Errorf(interfaces.ErrExternalService, "provider.AccessToken", "response has no token")
	}
	return resp.Token, nil
}
