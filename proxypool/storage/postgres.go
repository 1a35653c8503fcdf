package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"tierproxy/internal/metrics"
	"tierproxy/internal/shared/logger"
	"tierproxy/proxypool/model"
)

const (
	connectAttempts = 5
	proxyColumns    = `ip, port, country, country_code, latitude, longitude, latency_ms, tier, last_checked, assigned_to`
)

// PostgresStorage 把代理表和快照历史保存在 PostgreSQL 中。
type PostgresStorage struct {
	pool *pgxpool.Pool
}

// NewPostgresStorage 连接数据库，失败时按指数退避重试。
func NewPostgresStorage(ctx context.Context, dsn string, maxConns int) (*PostgresStorage, error) {
	l := logger.WithComponent("ProxyPool/Postgres")

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}
	cfg.MaxConnIdleTime = 5 * time.Minute
	cfg.HealthCheckPeriod = 30 * time.Second

	backoff := 2 * time.Second
	for attempt := 1; ; attempt++ {
		pool, err := pgxpool.NewWithConfig(ctx, cfg)
		if err == nil {
			if err = pool.Ping(ctx); err == nil {
				metrics.DBConnections.WithLabelValues("success").Inc()
				l.Info().Int("attempt", attempt).Int32("max_conns", cfg.MaxConns).Msg("Connected to database.")
				return &PostgresStorage{pool: pool}, nil
			}
			pool.Close()
		}
		metrics.DBConnections.WithLabelValues("failure").Inc()

		if attempt == connectAttempts {
			return nil, fmt.Errorf("failed to connect to database after %d attempts: %w", attempt, err)
		}
		l.Warn().Err(err).Int("attempt", attempt).Dur("backoff", backoff).Msg("Failed to connect to database, retrying...")
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		backoff *= 2
	}
}

// Migrate 应用内嵌的 schema 迁移。
func (s *PostgresStorage) Migrate(ctx context.Context) (int, error) {
	return Migrate(ctx, s.pool)
}

func (s *PostgresStorage) UpsertProxy(ctx context.Context, rec *model.ProxyRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO proxies (endpoint, ip, port, country, country_code, latitude, longitude, latency_ms, tier, last_checked)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (endpoint) DO UPDATE SET
			latency_ms   = EXCLUDED.latency_ms,
			tier         = EXCLUDED.tier,
			last_checked = EXCLUDED.last_checked,
			country      = CASE WHEN EXCLUDED.country_code <> 'UN' THEN EXCLUDED.country ELSE proxies.country END,
			country_code = CASE WHEN EXCLUDED.country_code <> 'UN' THEN EXCLUDED.country_code ELSE proxies.country_code END,
			latitude     = CASE WHEN EXCLUDED.country_code <> 'UN' THEN EXCLUDED.latitude ELSE proxies.latitude END,
			longitude    = CASE WHEN EXCLUDED.country_code <> 'UN' THEN EXCLUDED.longitude ELSE proxies.longitude END`,
		rec.Endpoint(), rec.IP, rec.Port, rec.Country, rec.CountryCode, rec.Lat, rec.Lon,
		rec.LatencyMs, string(rec.Tier), rec.LastChecked)
	if err != nil {
		metrics.DBErrors.WithLabelValues("upsert").Inc()
		return fmt.Errorf("upsert %s: %w", rec.Endpoint(), err)
	}
	return nil
}

func (s *PostgresStorage) ListProxies(ctx context.Context, tier model.Tier) ([]*model.ProxyRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+proxyColumns+`
		FROM proxies
		WHERE $1 = '' OR tier = $1
		ORDER BY latency_ms, endpoint`, string(tier))
	if err != nil {
		metrics.DBErrors.WithLabelValues("list").Inc()
		return nil, err
	}
	defer rows.Close()

	var out []*model.ProxyRecord
	for rows.Next() {
		p, err := scanProxy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStorage) TierCounts(ctx context.Context) (model.TierCounts, error) {
	var c model.TierCounts
	rows, err := s.pool.Query(ctx, `SELECT tier, count(*) FROM proxies GROUP BY tier`)
	if err != nil {
		metrics.DBErrors.WithLabelValues("tier_counts").Inc()
		return c, err
	}
	defer rows.Close()

	for rows.Next() {
		var tier string
		var n int
		if err := rows.Scan(&tier, &n); err != nil {
			return c, err
		}
		switch model.Tier(tier) {
		case model.TierGold:
			c.Gold = n
		case model.TierSilver:
			c.Silver = n
		case model.TierBronze:
			c.Bronze = n
		}
	}
	return c, rows.Err()
}

func (s *PostgresStorage) AppendSnapshot(ctx context.Context, snap model.Snapshot) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO tier_snapshots (taken_at, gold, silver, bronze) VALUES ($1, $2, $3, $4)`,
		snap.Timestamp, snap.Gold, snap.Silver, snap.Bronze)
	if err != nil {
		metrics.DBErrors.WithLabelValues("snapshot").Inc()
	}
	return err
}

func (s *PostgresStorage) History(ctx context.Context, limit int) ([]model.Snapshot, error) {
	query := `SELECT taken_at, gold, silver, bronze FROM tier_snapshots ORDER BY id`
	args := []any{}
	if limit > 0 {
		query = `
			SELECT taken_at, gold, silver, bronze FROM (
				SELECT id, taken_at, gold, silver, bronze FROM tier_snapshots ORDER BY id DESC LIMIT $1
			) recent ORDER BY id`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		metrics.DBErrors.WithLabelValues("history").Inc()
		return nil, err
	}
	defer rows.Close()

	var out []model.Snapshot
	for rows.Next() {
		var snap model.Snapshot
		if err := rows.Scan(&snap.Timestamp, &snap.Gold, &snap.Silver, &snap.Bronze); err != nil {
			return nil, err
		}
		snap.Timestamp = snap.Timestamp.UTC()
		out = append(out, snap)
	}
	return out, rows.Err()
}

// Allocate 使用 SKIP LOCKED，多个实例并发分配时不会拿到同一个代理。
func (s *PostgresStorage) Allocate(ctx context.Context, user string, tier model.Tier) (*model.ProxyRecord, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE proxies SET assigned_to = $1
		WHERE endpoint = (
			SELECT endpoint FROM proxies
			WHERE assigned_to IS NULL AND ($2 = '' OR tier = $2)
			ORDER BY latency_ms, endpoint
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+proxyColumns, user, string(tier))

	p, err := scanProxy(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoneAvailable
	}
	if err != nil {
		metrics.DBErrors.WithLabelValues("allocate").Inc()
		return nil, err
	}
	return p, nil
}

func (s *PostgresStorage) Release(ctx context.Context, endpoint, user string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE proxies SET assigned_to = NULL WHERE endpoint = $1 AND assigned_to = $2`, endpoint, user)
	if err != nil {
		metrics.DBErrors.WithLabelValues("release").Inc()
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM proxies WHERE endpoint = $1)`, endpoint).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return ErrNotAssigned
}

func (s *PostgresStorage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStorage) Close() error {
	s.pool.Close()
	metrics.DBConnections.WithLabelValues("closed").Inc()
	return nil
}

func scanProxy(row pgx.Row) (*model.ProxyRecord, error) {
	var (
		p    model.ProxyRecord
		tier string
	)
	if err := row.Scan(&p.IP, &p.Port, &p.Country, &p.CountryCode, &p.Lat, &p.Lon,
		&p.LatencyMs, &tier, &p.LastChecked, &p.AssignedTo); err != nil {
		return nil, err
	}
	p.Tier = model.Tier(tier)
	p.LastChecked = p.LastChecked.UTC()
	return &p, nil
}
