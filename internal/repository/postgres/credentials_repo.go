package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kcb-payments-gateway/internal/models"
	"github.com/kcb-payments-gateway/internal/repository"
)

// CredentialsRepo stores the single gateway credential row. The API secret
// and cached token are AES-GCM encrypted before hitting the table.
type CredentialsRepo struct {
	db  *pgxpool.Pool
	box *cipherBox
}

func NewCredentialsRepo(db *pgxpool.Pool, encryptionKey []byte) (*CredentialsRepo, error) {
	box, err := newCipherBox(encryptionKey)
	if err != nil {
		return nil, err
	}
	return &CredentialsRepo{db: db, box: box}, nil
}

func (r *CredentialsRepo) Get(ctx context.Context) (*models.GatewayCredential, error) {
	query := `
		SELECT api_key, api_secret, access_token, token_expiry
		FROM gateway_credentials
		WHERE id = 1
	`

	var (
		cred        models.GatewayCredential
		encSecret   string
		encToken    string
		tokenExpiry *time.Time
	)
	err := r.db.QueryRow(ctx, query).Scan(&cred.APIKey, &encSecret, &encToken, &tokenExpiry)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to load gateway credentials: %w", err)
	}

	if cred.APISecret, err = r.box.open(encSecret); err != nil {
		return nil, fmt.Errorf("failed to decrypt api secret: %w", err)
	}
	if cred.AccessToken, err = r.box.open(encToken); err != nil {
		return nil, fmt.Errorf("failed to decrypt access token: %w", err)
	}
	if tokenExpiry != nil {
		cred.TokenExpiry = *tokenExpiry
	}

	return &cred, nil
}

// SaveToken persists a refreshed bearer token and its expiry. Called on a
// successful exchange only; failed exchanges leave stored state untouched.
func (r *CredentialsRepo) SaveToken(ctx context.Context, token string, expiry time.Time) error {
	encToken, err := r.box.seal(token)
	if err != nil {
		return fmt.Errorf("failed to encrypt access token: %w", err)
	}

	updateSQL := `
		UPDATE gateway_credentials
		SET access_token = $1, token_expiry = $2, updated_at = NOW()
		WHERE id = 1
	`

	result, err := r.db.Exec(ctx, updateSQL, encToken, expiry)
	if err != nil {
		return fmt.Errorf("failed to save access token: %w", err)
	}
	if result.RowsAffected() == 0 {
		return repository.ErrNotFound
	}

	return nil
}

// Seed inserts or replaces the credential row from configuration, used at
// startup so the key/secret live encrypted alongside the cached token.
func (r *CredentialsRepo) Seed(ctx context.Context, apiKey, apiSecret string) error {
	encSecret, err := r.box.seal(apiSecret)
	if err != nil {
		return fmt.Errorf("failed to encrypt api secret: %w", err)
	}

	upsertSQL := `
		INSERT INTO gateway_credentials (id, api_key, api_secret)
		VALUES (1, $1, $2)
		ON CONFLICT (id) DO UPDATE
		SET api_key = EXCLUDED.api_key,
		    api_secret = EXCLUDED.api_secret,
		    updated_at = NOW()
	`

	if _, err := r.db.Exec(ctx, upsertSQL, apiKey, encSecret); err != nil {
		return fmt.Errorf("failed to seed gateway credentials: %w", err)
	}

	return nil
}
