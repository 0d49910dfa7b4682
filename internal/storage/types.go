package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrClosed        = errors.New("storage closed")
	ErrRoleImmutable = errors.New("channel role is immutable")
	ErrInvalidRole   = errors.New("invalid channel role")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file at Path (default)
//   - "postgres": PostgreSQL reachable at DSN
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
	MaxConns    int32         // postgres only; 0 means pgxpool default
}

// ChannelRecord is one row of the channel registry.
type ChannelRecord struct {
	ChannelID int64
	Role      string
	TenantID  string
	Active    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// RecipientRecord is one row of the recipient table.
type RecipientRecord struct {
	ID        int64
	TenantID  string
	OptedIn   bool
	Active    bool
	UpdatedAt time.Time
}

// RecipientFilter selects active recipients. Inactive recipients never match.
// Zero value selects every active recipient.
type RecipientFilter struct {
	TenantID    string
	OptedInOnly bool
}

// AssetRecord is a cached staging upload keyed by its asset key.
type AssetRecord struct {
	Key       string
	FileID    string
	MediaType string
	ChannelID int64
	ContentID int64
	CachedAt  time.Time
}

// AuditEntry records one finished broadcast (or another operator-visible action).
type AuditEntry struct {
	At        time.Time
	Action    string
	ChannelID int64
	ContentID int64
	Audience  string
	Total     int
	OK        int
	Fail      int
	Pruned    int
	Error     string
	TookMS    int64
	MetaJSON  string
}

// Store is the persistence API used by the pipeline components.
type Store interface {
	GetChannel(ctx context.Context, channelID int64) (ChannelRecord, bool, error)
	// PutChannel creates or updates a registration. Changing the role of an
	// existing channel fails with ErrRoleImmutable.
	PutChannel(ctx context.Context, rec ChannelRecord) error
	SetChannelActive(ctx context.Context, channelID int64, active bool) error

	// RaiseWatermark atomically raises the channel watermark to contentID if
	// it is absent or lower, reporting whether it was raised.
	RaiseWatermark(ctx context.Context, channelID, contentID int64, at time.Time) (bool, error)
	Watermark(ctx context.Context, channelID int64) (int64, bool, error)

	GetRecipient(ctx context.Context, id int64) (RecipientRecord, bool, error)
	UpsertRecipient(ctx context.Context, rec RecipientRecord) error
	SetRecipientOptIn(ctx context.Context, id int64, optedIn bool) (bool, error)
	QueryActiveRecipients(ctx context.Context, f RecipientFilter) ([]int64, error)
	// DeactivateRecipient reports true only for the call that flipped the flag.
	DeactivateRecipient(ctx context.Context, id int64) (bool, error)

	PutAsset(ctx context.Context, rec AssetRecord) error
	GetAsset(ctx context.Context, key string) (AssetRecord, bool, error)
	PruneAssets(ctx context.Context, before time.Time) (int64, error)

	AppendAudit(ctx context.Context, e AuditEntry) error
	PruneAudit(ctx context.Context, before time.Time) (int64, error)

	Close() error
}

const (
	RoleTenant   = "tenant"
	RoleOperator = "operator"
	RoleStaging  = "staging"
)

func validRole(r string) bool {
	switch r {
	case RoleTenant, RoleOperator, RoleStaging:
		return true
	}
	return false
}
