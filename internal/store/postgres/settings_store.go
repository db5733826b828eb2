package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"perpbot/internal/domain"
)

// SettingsStore implements domain.SettingsStore using PostgreSQL. The policy
// fields live in one JSONB column; the copy-mode columns stay relational so
// the resolver can read them without decoding.
type SettingsStore struct {
	pool *pgxpool.Pool
}

// NewSettingsStore creates a new SettingsStore backed by the given pool.
func NewSettingsStore(pool *pgxpool.Pool) *SettingsStore {
	return &SettingsStore{pool: pool}
}

// User returns one user's stored settings.
func (s *SettingsStore) User(ctx context.Context, userID string) (domain.UserSettings, error) {
	var us domain.UserSettings
	var settingsJSON []byte

	err := s.pool.QueryRow(ctx,
		`SELECT user_id, money_mode, sltp_mode, tier_mode, settings
		 FROM user_settings WHERE user_id = $1`, userID).
		Scan(&us.UserID, &us.MoneyMode, &us.SLTPMode, &us.TierMode, &settingsJSON)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.UserSettings{}, domain.ErrNotFound
		}
		return domain.UserSettings{}, fmt.Errorf("postgres: get settings for %s: %w", userID, err)
	}
	if err := json.Unmarshal(settingsJSON, &us.PolicyFields); err != nil {
		return domain.UserSettings{}, fmt.Errorf("postgres: decode settings for %s: %w", userID, err)
	}
	return us, nil
}

// Admin returns the admin baseline settings. A missing row is an empty
// baseline, not an error.
func (s *SettingsStore) Admin(ctx context.Context) (domain.UserSettings, error) {
	var settingsJSON []byte

	err := s.pool.QueryRow(ctx,
		`SELECT settings FROM admin_settings WHERE id = 1`).Scan(&settingsJSON)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.UserSettings{}, nil
		}
		return domain.UserSettings{}, fmt.Errorf("postgres: get admin settings: %w", err)
	}

	var us domain.UserSettings
	if err := json.Unmarshal(settingsJSON, &us.PolicyFields); err != nil {
		return domain.UserSettings{}, fmt.Errorf("postgres: decode admin settings: %w", err)
	}
	return us, nil
}

// SaveUser upserts one user's settings row.
func (s *SettingsStore) SaveUser(ctx context.Context, us domain.UserSettings) error {
	settingsJSON, err := json.Marshal(us.PolicyFields)
	if err != nil {
		return fmt.Errorf("postgres: encode settings for %s: %w", us.UserID, err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO user_settings (user_id, money_mode, sltp_mode, tier_mode, settings, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			money_mode = EXCLUDED.money_mode,
			sltp_mode  = EXCLUDED.sltp_mode,
			tier_mode  = EXCLUDED.tier_mode,
			settings   = EXCLUDED.settings,
			updated_at = NOW()`,
		us.UserID, us.MoneyMode, us.SLTPMode, us.TierMode, settingsJSON)
	if err != nil {
		return fmt.Errorf("postgres: save settings for %s: %w", us.UserID, err)
	}
	return nil
}

// ActiveUserIDs returns users whose bot flag is on and who hold an active
// API key.
func (s *SettingsStore) ActiveUserIDs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT s.user_id
		FROM user_settings s
		JOIN user_api_keys k ON k.user_id = s.user_id
		WHERE COALESCE((s.settings->>'bot_active')::boolean, FALSE)
		  AND k.active
		ORDER BY s.user_id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list active users: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("postgres: scan active user: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SetBotActive flips one user's bot flag inside the settings blob.
func (s *SettingsStore) SetBotActive(ctx context.Context, userID string, active bool) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE user_settings
		SET settings = jsonb_set(settings, '{bot_active}', to_jsonb($2::boolean)),
		    updated_at = NOW()
		WHERE user_id = $1`, userID, active)
	if err != nil {
		return fmt.Errorf("postgres: set bot_active for %s: %w", userID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

var _ domain.SettingsStore = (*SettingsStore)(nil)
