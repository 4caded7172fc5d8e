package kcb

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/kcb-payments-gateway/internal/models"
)

// ErrAuthFailure marks a failed credential exchange with the gateway.
// The calling operation is fatal; no partial token state is written.
var ErrAuthFailure = errors.New("gateway auth failure")

// CredentialStore supplies and persists the gateway credential record.
// Secrets are encrypted at rest by the implementation.
type CredentialStore interface {
	Get(ctx context.Context) (*models.GatewayCredential, error)
	SaveToken(ctx context.Context, token string, expiry time.Time) error
}

// TokenService obtains and caches a bearer access token from the gateway's
// OAuth endpoint, refreshing proactively inside a safety margin.
type TokenService struct {
	store        CredentialStore
	tokenURL     string
	safetyMargin time.Duration
	client       *http.Client
	logger       *slog.Logger

	now func() time.Time
}

// tokenResponse is the gateway's token-exchange response body.
type tokenResponse struct {
	AccessToken string          `json:"access_token"`
	ExpiresIn   json.Number     `json:"expires_in"`
	TokenType   string          `json:"token_type"`
	Scope       json.RawMessage `json:"scope"`
}

// NewTokenService creates a token service against the given base URL
// (sandbox or production).
func NewTokenService(store CredentialStore, baseURL string, safetyMargin time.Duration, logger *slog.Logger) *TokenService {
	return &TokenService{
		store:        store,
		tokenURL:     baseURL + "/token?grant_type=client_credentials",
		safetyMargin: safetyMargin,
		logger:       logger,
		client: &http.Client{
			Timeout: 15 * time.Second,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					MinVersion: tls.VersionTLS12,
				},
			},
		},
		now: time.Now,
	}
}

// GetToken returns a valid access token, exchanging client credentials for
// a fresh one when the cached token is missing or within the safety margin
// of expiry. A refreshed token is persisted on success only.
func (ts *TokenService) GetToken(ctx context.Context) (string, error) {
	cred, err := ts.store.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: loading credentials: %v", ErrAuthFailure, err)
	}

	if cred.TokenValid(ts.now(), ts.safetyMargin) {
		return cred.AccessToken, nil
	}

	token, expiry, err := ts.exchange(ctx, cred.APIKey, cred.APISecret)
	if err != nil {
		return "", err
	}

	if err := ts.store.SaveToken(ctx, token, expiry); err != nil {
		// The exchange succeeded; the token is still usable for this call.
		ts.logger.Error("failed to persist refreshed gateway token", "error", err)
	}

	return token, nil
}

// exchange performs the client-credentials token exchange over HTTP Basic
// auth. Concurrent callers may race into redundant exchanges; each result
// is an independently valid token, so last write wins.
func (ts *TokenService) exchange(ctx context.Context, apiKey, apiSecret string) (string, time.Time, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ts.tokenURL, nil)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("%w: building token request: %v", ErrAuthFailure, err)
	}
	req.SetBasicAuth(apiKey, apiSecret)

	resp, err := ts.client.Do(req)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("%w: token request: %v", ErrAuthFailure, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		ts.logger.Error("gateway token exchange rejected",
			"status", resp.StatusCode,
			"body", string(body),
		)
		return "", time.Time{}, fmt.Errorf("%w: token request returned status %d", ErrAuthFailure, resp.StatusCode)
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", time.Time{}, fmt.Errorf("%w: decoding token response: %v", ErrAuthFailure, err)
	}
	if tr.AccessToken == "" {
		return "", time.Time{}, fmt.Errorf("%w: empty access token in response", ErrAuthFailure)
	}

	expiresIn, err := tr.ExpiresIn.Int64()
	if err != nil || expiresIn <= 0 {
		return "", time.Time{}, fmt.Errorf("%w: malformed expires_in %q", ErrAuthFailure, tr.ExpiresIn.String())
	}

	return tr.AccessToken, ts.now().Add(time.Duration(expiresIn) * time.Second), nil
}
