package kcb

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kcb-payments-gateway/internal/models"
)

// mockCredentialStore implements CredentialStore for testing
type mockCredentialStore struct {
	cred *models.GatewayCredential

	getErr       error
	saveErr      error
	savedToken   string
	savedExpiry  time.Time
	saveCalls    int
	getCallCount int
}

func (m *mockCredentialStore) Get(ctx context.Context) (*models.GatewayCredential, error) {
	m.getCallCount++
	if m.getErr != nil {
		return nil, m.getErr
	}
	c := *m.cred
	return &c, nil
}

func (m *mockCredentialStore) SaveToken(ctx context.Context, token string, expiry time.Time) error {
	m.saveCalls++
	if m.saveErr != nil {
		return m.saveErr
	}
	m.savedToken = token
	m.savedExpiry = expiry
	return nil
}

func newTestTokenService(store CredentialStore, baseURL string, now time.Time) *TokenService {
	ts := NewTokenService(store, baseURL, time.Minute, slog.Default())
	ts.now = func() time.Time { return now }
	return ts
}

func TestGetTokenUsesCachedToken(t *testing.T) {
	now := time.Now()
	store := &mockCredentialStore{cred: &models.GatewayCredential{
		APIKey:      "key",
		APISecret:   "secret",
		AccessToken: "cached-token",
		TokenExpiry: now.Add(10 * time.Minute),
	}}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("token endpoint called despite valid cached token")
	}))
	defer srv.Close()

	ts := newTestTokenService(store, srv.URL, now)
	token, err := ts.GetToken(context.Background())
	if err != nil {
		t.Fatalf("GetToken: %v", err)
	}
	if token != "cached-token" {
		t.Errorf("token = %q, want cached-token", token)
	}
	if store.saveCalls != 0 {
		t.Errorf("SaveToken called %d times, want 0", store.saveCalls)
	}
}

func TestGetTokenRefreshesInsideSafetyMargin(t *testing.T) {
	now := time.Now()
	// Token is technically alive but expires within the one-minute margin.
	store := &mockCredentialStore{cred: &models.GatewayCredential{
		APIKey:      "key",
		APISecret:   "secret",
		AccessToken: "stale-token",
		TokenExpiry: now.Add(30 * time.Second),
	}}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "key" || pass != "secret" {
			t.Errorf("basic auth = %q/%q, want key/secret", user, pass)
		}
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		w.Write([]byte(`{"access_token":"fresh-token","expires_in":3600,"token_type":"Bearer"}`))
	}))
	defer srv.Close()

	ts := newTestTokenService(store, srv.URL, now)
	token, err := ts.GetToken(context.Background())
	if err != nil {
		t.Fatalf("GetToken: %v", err)
	}
	if token != "fresh-token" {
		t.Errorf("token = %q, want fresh-token", token)
	}
	if store.savedToken != "fresh-token" {
		t.Errorf("persisted token = %q, want fresh-token", store.savedToken)
	}
	wantExpiry := now.Add(time.Hour)
	if !store.savedExpiry.Equal(wantExpiry) {
		t.Errorf("persisted expiry = %v, want %v", store.savedExpiry, wantExpiry)
	}
}

func TestGetTokenExchangeRejected(t *testing.T) {
	store := &mockCredentialStore{cred: &models.GatewayCredential{APIKey: "key", APISecret: "bad"}}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid_client"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	ts := newTestTokenService(store, srv.URL, time.Now())
	_, err := ts.GetToken(context.Background())
	if !errors.Is(err, ErrAuthFailure) {
		t.Fatalf("err = %v, want ErrAuthFailure", err)
	}
	if store.saveCalls != 0 {
		t.Errorf("SaveToken called %d times after failed exchange, want 0", store.saveCalls)
	}
}

func TestGetTokenMalformedResponses(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "empty access token", body: `{"access_token":"","expires_in":3600}`},
		{name: "missing expires_in", body: `{"access_token":"tok"}`},
		{name: "zero expires_in", body: `{"access_token":"tok","expires_in":0}`},
		{name: "not JSON", body: `oops`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &mockCredentialStore{cred: &models.GatewayCredential{APIKey: "k", APISecret: "s"}}
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			ts := newTestTokenService(store, srv.URL, time.Now())
			if _, err := ts.GetToken(context.Background()); !errors.Is(err, ErrAuthFailure) {
				t.Errorf("err = %v, want ErrAuthFailure", err)
			}
		})
	}
}

func TestGetTokenSurvivesPersistFailure(t *testing.T) {
	// A failed SaveToken must not discard a successfully exchanged token.
	store := &mockCredentialStore{
		cred:    &models.GatewayCredential{APIKey: "k", APISecret: "s"},
		saveErr: errors.New("disk full"),
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"access_token":"tok","expires_in":3600}`))
	}))
	defer srv.Close()

	ts := newTestTokenService(store, srv.URL, time.Now())
	token, err := ts.GetToken(context.Background())
	if err != nil {
		t.Fatalf("GetToken: %v", err)
	}
	if token != "tok" {
		t.Errorf("token = %q, want tok", token)
	}
}

func TestGetTokenStoreLoadFailure(t *testing.T) {
	store := &mockCredentialStore{getErr: errors.New("connection refused")}
	ts := newTestTokenService(store, "http://unused", time.Now())

	if _, err := ts.GetToken(context.Background()); !errors.Is(err, ErrAuthFailure) {
		t.Errorf("err = %v, want ErrAuthFailure", err)
	}
}
