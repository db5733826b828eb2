package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// AlertStore persists alerts.
type AlertStore interface {
	Create(ctx context.Context, a Alert) error
	// SetStatus updates the mutable fields of an alert. executedAt may be nil.
	SetStatus(ctx context.Context, id string, status AlertStatus, errMsg string, executedAt *time.Time) error
	GetByID(ctx context.Context, id string) (Alert, error)
	ListRecent(ctx context.Context, userID string, opts ListOpts) ([]Alert, error)
}

// PositionStore persists positions. (user, symbol, side) is unique among
// open rows; Create surfaces ErrDuplicatePosition on that conflict.
type PositionStore interface {
	Create(ctx context.Context, p Position) error
	Update(ctx context.Context, p Position) error
	GetByID(ctx context.Context, id string) (Position, error)
	GetOpen(ctx context.Context, userID, symbol string, side Side) (Position, error)
	ListOpenByUser(ctx context.Context, userID string) ([]Position, error)
	CountOpenByUser(ctx context.Context, userID string) (int, error)
	// MarkClosed finalizes a position exactly once. It only touches rows
	// still in status open, making finalization idempotent; when the row was
	// already closed it returns ErrPositionClosed.
	MarkClosed(ctx context.Context, id string, reason CloseReason, closePrice, realizedPnL float64, closedAt time.Time) error
	ListClosedBefore(ctx context.Context, before time.Time, opts ListOpts) ([]Position, error)
	DeleteClosedBefore(ctx context.Context, before time.Time) (int64, error)
}

// SettingsStore persists user and admin trading settings.
type SettingsStore interface {
	User(ctx context.Context, userID string) (UserSettings, error)
	Admin(ctx context.Context) (UserSettings, error)
	// ActiveUserIDs returns users whose bot is enabled and who hold an
	// active API key.
	ActiveUserIDs(ctx context.Context) ([]string, error)
	SetBotActive(ctx context.Context, userID string, active bool) error
}

// EncryptedCredentials is a stored API key row; each field is an AES-GCM
// blob as written by the vault.
type EncryptedCredentials struct {
	UserID        string
	APIKeyEnc     []byte
	SecretEnc     []byte
	PassphraseEnc []byte
	Active        bool
}

// APIKeyStore persists encrypted exchange credentials.
type APIKeyStore interface {
	Get(ctx context.Context, userID string) (EncryptedCredentials, error)
	Upsert(ctx context.Context, c EncryptedCredentials) error
}

// MonitorLock is the singleton reconciler lease row.
type MonitorLock struct {
	LockType   string
	InstanceID string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// LockStore persists the DB-backed reconciler lease.
type LockStore interface {
	DeleteExpired(ctx context.Context, lockType string, now time.Time) error
	// TryInsert inserts the lease with ignore-duplicates semantics; it never
	// errors just because another holder's row exists.
	TryInsert(ctx context.Context, lock MonitorLock) error
	Holder(ctx context.Context, lockType string) (MonitorLock, error)
	// Release deletes the lease only when instanceID matches the holder.
	Release(ctx context.Context, lockType, instanceID string) error
}

// MonitoringLog is one reconciliation audit entry.
type MonitoringLog struct {
	ID           int64
	UserID       string
	PositionID   string
	Symbol       string
	CheckType    string // full_verification, selective_resync, deviations, emergency_close, orphan_recovered, sl_repair, tp_repair
	Status       string
	Issues       []string
	ExpectedData map[string]any
	ActualData   map[string]any
	ActionsTaken []string
	CreatedAt    time.Time
}

// MonitoringLogStore persists the reconciliation audit stream.
type MonitoringLogStore interface {
	Insert(ctx context.Context, l MonitoringLog) error
	ListBefore(ctx context.Context, before time.Time, opts ListOpts) ([]MonitoringLog, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// BotLog is one operational log row.
type BotLog struct {
	ID        int64
	UserID    string
	Level     string
	Category  string
	Message   string
	Detail    map[string]any
	CreatedAt time.Time
}

// BotLogStore persists operational logs.
type BotLogStore interface {
	Insert(ctx context.Context, l BotLog) error
	InsertBatch(ctx context.Context, ls []BotLog) error
}

// BannedSymbol records a symbol the opener refuses to trade for a user.
type BannedSymbol struct {
	UserID    string
	Symbol    string
	Reason    string
	BannedAt  time.Time
	ExpiresAt *time.Time
}

// BannedSymbolStore persists per-user symbol bans.
type BannedSymbolStore interface {
	Ban(ctx context.Context, b BannedSymbol) error
	IsBanned(ctx context.Context, userID, symbol string, now time.Time) (bool, error)
	Unban(ctx context.Context, userID, symbol string) error
}

// MetricsStore accumulates daily realized PnL per user.
type MetricsStore interface {
	AddRealized(ctx context.Context, userID string, day time.Time, pnl float64) error
	DailyRealized(ctx context.Context, userID string, day time.Time) (float64, error)
}
