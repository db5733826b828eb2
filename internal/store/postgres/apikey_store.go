package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"perpbot/internal/domain"
)

// APIKeyStore implements domain.APIKeyStore using PostgreSQL. Rows hold only
// ciphertext; the vault owns the keys.
type APIKeyStore struct {
	pool *pgxpool.Pool
}

// NewAPIKeyStore creates a new APIKeyStore backed by the given pool.
func NewAPIKeyStore(pool *pgxpool.Pool) *APIKeyStore {
	return &APIKeyStore{pool: pool}
}

// Get returns the encrypted credentials row for one user.
func (s *APIKeyStore) Get(ctx context.Context, userID string) (domain.EncryptedCredentials, error) {
	var c domain.EncryptedCredentials
	err := s.pool.QueryRow(ctx,
		`SELECT user_id, api_key_enc, secret_enc, passphrase_enc, active
		 FROM user_api_keys WHERE user_id = $1`, userID).
		Scan(&c.UserID, &c.APIKeyEnc, &c.SecretEnc, &c.PassphraseEnc, &c.Active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.EncryptedCredentials{}, domain.ErrNotFound
		}
		return domain.EncryptedCredentials{}, fmt.Errorf("postgres: get api key for %s: %w", userID, err)
	}
	return c, nil
}

// Upsert writes the encrypted credentials row for one user.
func (s *APIKeyStore) Upsert(ctx context.Context, c domain.EncryptedCredentials) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO user_api_keys (user_id, api_key_enc, secret_enc, passphrase_enc, active, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			api_key_enc    = EXCLUDED.api_key_enc,
			secret_enc     = EXCLUDED.secret_enc,
			passphrase_enc = EXCLUDED.passphrase_enc,
			active         = EXCLUDED.active,
			updated_at     = NOW()`,
		c.UserID, c.APIKeyEnc, c.SecretEnc, c.PassphraseEnc, c.Active)
	if err != nil {
		return fmt.Errorf("postgres: upsert api key for %s: %w", c.UserID, err)
	}
	return nil
}

var _ domain.APIKeyStore = (*APIKeyStore)(nil)
