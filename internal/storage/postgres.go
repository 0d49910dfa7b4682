package storage

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	logx "castbot/pkg/logx"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations_postgres.sql
var postgresMigrations embed.FS

type postgresStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
}

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage.dsn is required for postgres driver")
	}
	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	st := &postgresStore{pool: pool, log: log}
	if err := st.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}
	log.Debug("postgres store opened", logx.Int("max_conns", int(pcfg.MaxConns)))
	return st, nil
}

func (s *postgresStore) migrate(ctx context.Context) error {
	b, err := postgresMigrations.ReadFile("migrations_postgres.sql")
	if err != nil {
		return err
	}
	// No arguments: pgx runs this over the simple protocol, which accepts several statements.
	_, err = s.pool.Exec(ctx, string(b))
	return err
}

func (s *postgresStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

func (s *postgresStore) GetChannel(ctx context.Context, channelID int64) (ChannelRecord, bool, error) {
	if s == nil || s.pool == nil {
		return ChannelRecord{}, false, ErrClosed
	}
	var (
		rec    ChannelRecord
		tenant *string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT channel_id, role, tenant_id, active, created_at, updated_at FROM channels WHERE channel_id = $1`,
		channelID,
	).Scan(&rec.ChannelID, &rec.Role, &tenant, &rec.Active, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ChannelRecord{}, false, nil
	}
	if err != nil {
		return ChannelRecord{}, false, err
	}
	if tenant != nil {
		rec.TenantID = *tenant
	}
	return rec, true, nil
}

func (s *postgresStore) PutChannel(ctx context.Context, rec ChannelRecord) error {
	if s == nil || s.pool == nil {
		return ErrClosed
	}
	if !validRole(rec.Role) {
		return fmt.Errorf("%w: %q", ErrInvalidRole, rec.Role)
	}
	now := time.Now()
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO channels(channel_id, role, tenant_id, active, created_at, updated_at)
		 VALUES($1,$2,$3,$4,$5,$5)
		 ON CONFLICT(channel_id) DO UPDATE SET
		   tenant_id = excluded.tenant_id,
		   active = excluded.active,
		   updated_at = excluded.updated_at
		 WHERE channels.role = excluded.role`,
		rec.ChannelID, rec.Role, nullStr(rec.TenantID), rec.Active, now,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: channel %d", ErrRoleImmutable, rec.ChannelID)
	}
	return nil
}

func (s *postgresStore) SetChannelActive(ctx context.Context, channelID int64, active bool) error {
	if s == nil || s.pool == nil {
		return ErrClosed
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE channels SET active = $1, updated_at = $2 WHERE channel_id = $3`,
		active, time.Now(), channelID,
	)
	return err
}

func (s *postgresStore) RaiseWatermark(ctx context.Context, channelID, contentID int64, at time.Time) (bool, error) {
	if s == nil || s.pool == nil {
		return false, ErrClosed
	}
	if at.IsZero() {
		at = time.Now()
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO dedup_state(channel_id, last_seen_content_id, updated_at)
		 VALUES($1,$2,$3)
		 ON CONFLICT(channel_id) DO UPDATE SET
		   last_seen_content_id = excluded.last_seen_content_id,
		   updated_at = excluded.updated_at
		 WHERE excluded.last_seen_content_id > dedup_state.last_seen_content_id`,
		channelID, contentID, at,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *postgresStore) Watermark(ctx context.Context, channelID int64) (int64, bool, error) {
	if s == nil || s.pool == nil {
		return 0, false, ErrClosed
	}
	var id int64
	err := s.pool.QueryRow(ctx,
		`SELECT last_seen_content_id FROM dedup_state WHERE channel_id = $1`, channelID,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

func (s *postgresStore) GetRecipient(ctx context.Context, id int64) (RecipientRecord, bool, error) {
	if s == nil || s.pool == nil {
		return RecipientRecord{}, false, ErrClosed
	}
	var (
		rec    RecipientRecord
		tenant *string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, tenant_id, opted_in, active, updated_at FROM recipients WHERE id = $1`, id,
	).Scan(&rec.ID, &tenant, &rec.OptedIn, &rec.Active, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return RecipientRecord{}, false, nil
	}
	if err != nil {
		return RecipientRecord{}, false, err
	}
	if tenant != nil {
		rec.TenantID = *tenant
	}
	return rec, true, nil
}

func (s *postgresStore) UpsertRecipient(ctx context.Context, rec RecipientRecord) error {
	if s == nil || s.pool == nil {
		return ErrClosed
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO recipients(id, tenant_id, opted_in, active, updated_at)
		 VALUES($1,$2,$3,$4,$5)
		 ON CONFLICT(id) DO UPDATE SET
		   tenant_id = excluded.tenant_id,
		   opted_in = excluded.opted_in,
		   active = excluded.active,
		   updated_at = excluded.updated_at`,
		rec.ID, nullStr(rec.TenantID), rec.OptedIn, rec.Active, time.Now(),
	)
	return err
}

func (s *postgresStore) SetRecipientOptIn(ctx context.Context, id int64, optedIn bool) (bool, error) {
	if s == nil || s.pool == nil {
		return false, ErrClosed
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE recipients SET opted_in = $1, updated_at = $2 WHERE id = $3`,
		optedIn, time.Now(), id,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *postgresStore) QueryActiveRecipients(ctx context.Context, f RecipientFilter) ([]int64, error) {
	if s == nil || s.pool == nil {
		return nil, ErrClosed
	}
	q := `SELECT id FROM recipients WHERE active = TRUE`
	args := make([]any, 0, 1)
	if f.TenantID != "" {
		args = append(args, f.TenantID)
		q += fmt.Sprintf(` AND tenant_id = $%d`, len(args))
	}
	if f.OptedInOnly {
		q += ` AND opted_in = TRUE`
	}
	q += ` ORDER BY id`

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}

func (s *postgresStore) DeactivateRecipient(ctx context.Context, id int64) (bool, error) {
	if s == nil || s.pool == nil {
		return false, ErrClosed
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE recipients SET active = FALSE, updated_at = $1 WHERE id = $2 AND active = TRUE`,
		time.Now(), id,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *postgresStore) PutAsset(ctx context.Context, rec AssetRecord) error {
	if s == nil || s.pool == nil {
		return ErrClosed
	}
	if rec.CachedAt.IsZero() {
		rec.CachedAt = time.Now()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO staging_assets(asset_key, file_id, media_type, channel_id, content_id, cached_at)
		 VALUES($1,$2,$3,$4,$5,$6)
		 ON CONFLICT(asset_key) DO UPDATE SET
		   file_id = excluded.file_id,
		   media_type = excluded.media_type,
		   channel_id = excluded.channel_id,
		   content_id = excluded.content_id,
		   cached_at = excluded.cached_at`,
		rec.Key, rec.FileID, nullStr(rec.MediaType), rec.ChannelID, rec.ContentID, rec.CachedAt,
	)
	return err
}

func (s *postgresStore) GetAsset(ctx context.Context, key string) (AssetRecord, bool, error) {
	if s == nil || s.pool == nil {
		return AssetRecord{}, false, ErrClosed
	}
	var (
		rec   AssetRecord
		media *string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT asset_key, file_id, media_type, channel_id, content_id, cached_at FROM staging_assets WHERE asset_key = $1`,
		key,
	).Scan(&rec.Key, &rec.FileID, &media, &rec.ChannelID, &rec.ContentID, &rec.CachedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return AssetRecord{}, false, nil
	}
	if err != nil {
		return AssetRecord{}, false, err
	}
	if media != nil {
		rec.MediaType = *media
	}
	return rec, true, nil
}

func (s *postgresStore) PruneAssets(ctx context.Context, before time.Time) (int64, error) {
	if s == nil || s.pool == nil {
		return 0, ErrClosed
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM staging_assets WHERE cached_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *postgresStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if s == nil || s.pool == nil {
		return ErrClosed
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO audit(at, action, channel_id, content_id, audience, total, ok, fail, pruned, err, took_ms, meta)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		e.At, e.Action, e.ChannelID, e.ContentID, nullStr(e.Audience),
		e.Total, e.OK, e.Fail, e.Pruned, nullStr(e.Error), e.TookMS, nullStr(e.MetaJSON),
	)
	return err
}

func (s *postgresStore) PruneAudit(ctx context.Context, before time.Time) (int64, error) {
	if s == nil || s.pool == nil {
		return 0, ErrClosed
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM audit WHERE at < $1`, before)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
