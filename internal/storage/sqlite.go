package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "castbot/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations_sqlite.sql
var sqliteMigrations embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer; this also serializes the watermark upserts.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = time.Second
	}
	_, _ = db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := sqliteMigrations.ReadFile("migrations_sqlite.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) GetChannel(ctx context.Context, channelID int64) (ChannelRecord, bool, error) {
	if s == nil || s.db == nil {
		return ChannelRecord{}, false, ErrClosed
	}
	var (
		rec      ChannelRecord
		tenant   sql.NullString
		active   int
		created  int64
		modified int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT channel_id, role, tenant_id, active, created_at, updated_at FROM channels WHERE channel_id = ?`,
		channelID,
	).Scan(&rec.ChannelID, &rec.Role, &tenant, &active, &created, &modified)
	if errors.Is(err, sql.ErrNoRows) {
		return ChannelRecord{}, false, nil
	}
	if err != nil {
		return ChannelRecord{}, false, err
	}
	rec.TenantID = tenant.String
	rec.Active = active != 0
	rec.CreatedAt = time.UnixMilli(created)
	rec.UpdatedAt = time.UnixMilli(modified)
	return rec, true, nil
}

func (s *sqliteStore) PutChannel(ctx context.Context, rec ChannelRecord) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	if !validRole(rec.Role) {
		return fmt.Errorf("%w: %q", ErrInvalidRole, rec.Role)
	}
	now := time.Now().UnixMilli()
	// The WHERE clause keeps the role fixed: a conflicting role updates nothing.
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO channels(channel_id, role, tenant_id, active, created_at, updated_at)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT(channel_id) DO UPDATE SET
		   tenant_id = excluded.tenant_id,
		   active = excluded.active,
		   updated_at = excluded.updated_at
		 WHERE channels.role = excluded.role`,
		rec.ChannelID, rec.Role, nullStr(rec.TenantID), boolInt(rec.Active), now, now,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: channel %d", ErrRoleImmutable, rec.ChannelID)
	}
	return nil
}

func (s *sqliteStore) SetChannelActive(ctx context.Context, channelID int64, active bool) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE channels SET active = ?, updated_at = ? WHERE channel_id = ?`,
		boolInt(active), time.Now().UnixMilli(), channelID,
	)
	return err
}

func (s *sqliteStore) RaiseWatermark(ctx context.Context, channelID, contentID int64, at time.Time) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrClosed
	}
	if at.IsZero() {
		at = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO dedup_state(channel_id, last_seen_content_id, updated_at)
		 VALUES(?,?,?)
		 ON CONFLICT(channel_id) DO UPDATE SET
		   last_seen_content_id = excluded.last_seen_content_id,
		   updated_at = excluded.updated_at
		 WHERE excluded.last_seen_content_id > dedup_state.last_seen_content_id`,
		channelID, contentID, at.UnixMilli(),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *sqliteStore) Watermark(ctx context.Context, channelID int64) (int64, bool, error) {
	if s == nil || s.db == nil {
		return 0, false, ErrClosed
	}
	var id int64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_seen_content_id FROM dedup_state WHERE channel_id = ?`, channelID,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

func (s *sqliteStore) GetRecipient(ctx context.Context, id int64) (RecipientRecord, bool, error) {
	if s == nil || s.db == nil {
		return RecipientRecord{}, false, ErrClosed
	}
	var (
		rec     RecipientRecord
		tenant  sql.NullString
		optedIn int
		active  int
		at      int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, opted_in, active, updated_at FROM recipients WHERE id = ?`, id,
	).Scan(&rec.ID, &tenant, &optedIn, &active, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return RecipientRecord{}, false, nil
	}
	if err != nil {
		return RecipientRecord{}, false, err
	}
	rec.TenantID = tenant.String
	rec.OptedIn = optedIn != 0
	rec.Active = active != 0
	rec.UpdatedAt = time.UnixMilli(at)
	return rec, true, nil
}

func (s *sqliteStore) UpsertRecipient(ctx context.Context, rec RecipientRecord) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO recipients(id, tenant_id, opted_in, active, updated_at)
		 VALUES(?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   tenant_id = excluded.tenant_id,
		   opted_in = excluded.opted_in,
		   active = excluded.active,
		   updated_at = excluded.updated_at`,
		rec.ID, nullStr(rec.TenantID), boolInt(rec.OptedIn), boolInt(rec.Active), time.Now().UnixMilli(),
	)
	return err
}

func (s *sqliteStore) SetRecipientOptIn(ctx context.Context, id int64, optedIn bool) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrClosed
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE recipients SET opted_in = ?, updated_at = ? WHERE id = ?`,
		boolInt(optedIn), time.Now().UnixMilli(), id,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *sqliteStore) QueryActiveRecipients(ctx context.Context, f RecipientFilter) ([]int64, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	q := `SELECT id FROM recipients WHERE active = 1`
	args := make([]any, 0, 1)
	if f.TenantID != "" {
		q += ` AND tenant_id = ?`
		args = append(args, f.TenantID)
	}
	if f.OptedInOnly {
		q += ` AND opted_in = 1`
	}
	q += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *sqliteStore) DeactivateRecipient(ctx context.Context, id int64) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrClosed
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE recipients SET active = 0, updated_at = ? WHERE id = ? AND active = 1`,
		time.Now().UnixMilli(), id,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *sqliteStore) PutAsset(ctx context.Context, rec AssetRecord) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	if rec.CachedAt.IsZero() {
		rec.CachedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO staging_assets(asset_key, file_id, media_type, channel_id, content_id, cached_at)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT(asset_key) DO UPDATE SET
		   file_id = excluded.file_id,
		   media_type = excluded.media_type,
		   channel_id = excluded.channel_id,
		   content_id = excluded.content_id,
		   cached_at = excluded.cached_at`,
		rec.Key, rec.FileID, nullStr(rec.MediaType), rec.ChannelID, rec.ContentID, rec.CachedAt.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) GetAsset(ctx context.Context, key string) (AssetRecord, bool, error) {
	if s == nil || s.db == nil {
		return AssetRecord{}, false, ErrClosed
	}
	var (
		rec   AssetRecord
		media sql.NullString
		at    int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT asset_key, file_id, media_type, channel_id, content_id, cached_at FROM staging_assets WHERE asset_key = ?`,
		key,
	).Scan(&rec.Key, &rec.FileID, &media, &rec.ChannelID, &rec.ContentID, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return AssetRecord{}, false, nil
	}
	if err != nil {
		return AssetRecord{}, false, err
	}
	rec.MediaType = media.String
	rec.CachedAt = time.UnixMilli(at)
	return rec, true, nil
}

func (s *sqliteStore) PruneAssets(ctx context.Context, before time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrClosed
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM staging_assets WHERE cached_at < ?`, before.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, action, channel_id, content_id, audience, total, ok, fail, pruned, err, took_ms, meta)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.At.UnixMilli(), e.Action, e.ChannelID, e.ContentID, nullStr(e.Audience),
		e.Total, e.OK, e.Fail, e.Pruned, nullStr(e.Error), e.TookMS, nullStr(e.MetaJSON),
	)
	return err
}

func (s *sqliteStore) PruneAudit(ctx context.Context, before time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrClosed
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM audit WHERE at < ?`, before.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
