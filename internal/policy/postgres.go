package policy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX 是 PostgresSource 需要的最小資料庫介面（*pgxpool.Pool 與 pgx.Tx 皆滿足）。
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresSource 從 cache_policies 表讀取策略。
//
// 讓維運人員不重新部署就能調整 TTL：修改資料列後呼叫 Registry.Replace
// （或重啟）即可生效。時間欄位以毫秒儲存。
type PostgresSource struct {
	db DBTX
}

// NewPostgresSource 建立資料庫策略來源。
func NewPostgresSource(db DBTX) *PostgresSource {
	return &PostgresSource{db: db}
}

const policyColumns = `cache_name, first_cache_enabled, local_ttl_ms, local_capacity, local_expire_mode,
	secondary_cache_enabled, remote_ttl_ms, ignore_exception, key_required,
	allow_null_value, null_value_magnification, preload_threshold_ms`

// Lookup 實作 Source。
func (s *PostgresSource) Lookup(ctx context.Context, name string) (Config, bool, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+policyColumns+` FROM cache_policies WHERE cache_name = $1`, name)

	cfg, err := scanPolicy(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Config{}, false, nil
	}
	if err != nil {
		return Config{}, false, fmt.Errorf("lookup policy %s: %w", name, err)
	}
	return cfg, true, nil
}

// List 返回所有已儲存的策略。
func (s *PostgresSource) List(ctx context.Context) ([]Config, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+policyColumns+` FROM cache_policies ORDER BY cache_name`)
	if err != nil {
		return nil, fmt.Errorf("list policies: %w", err)
	}
	defer rows.Close()

	var out []Config
	for rows.Next() {
		cfg, err := scanPolicy(rows)
		if err != nil {
			return nil, fmt.Errorf("scan policy: %w", err)
		}
		out = append(out, cfg)
	}
	return out, rows.Err()
}

// Upsert 寫入或更新策略。
func (s *PostgresSource) Upsert(ctx context.Context, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	_, err := s.db.Exec(ctx, `
		INSERT INTO cache_policies (`+policyColumns+`, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW())
		ON CONFLICT (cache_name) DO UPDATE SET
			first_cache_enabled      = EXCLUDED.first_cache_enabled,
			local_ttl_ms             = EXCLUDED.local_ttl_ms,
			local_capacity           = EXCLUDED.local_capacity,
			local_expire_mode        = EXCLUDED.local_expire_mode,
			secondary_cache_enabled  = EXCLUDED.secondary_cache_enabled,
			remote_ttl_ms            = EXCLUDED.remote_ttl_ms,
			ignore_exception         = EXCLUDED.ignore_exception,
			key_required             = EXCLUDED.key_required,
			allow_null_value         = EXCLUDED.allow_null_value,
			null_value_magnification = EXCLUDED.null_value_magnification,
			preload_threshold_ms     = EXCLUDED.preload_threshold_ms,
			updated_at               = NOW()`,
		cfg.CacheName,
		cfg.FirstCacheEnabled,
		cfg.LocalTTL.Milliseconds(),
		cfg.LocalCapacity,
		string(cfg.LocalExpireMode),
		cfg.SecondaryCacheEnabled,
		cfg.RemoteTTL.Milliseconds(),
		cfg.IgnoreException,
		cfg.KeyRequired,
		cfg.AllowNullValue,
		cfg.NullValueMagnification,
		cfg.PreloadThreshold.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("upsert policy %s: %w", cfg.CacheName, err)
	}
	return nil
}

func scanPolicy(row pgx.Row) (Config, error) {
	var (
		cfg                          Config
		localTTL, remoteTTL, preload int64
		expireMode                   string
	)
	err := row.Scan(
		&cfg.CacheName,
		&cfg.FirstCacheEnabled,
		&localTTL,
		&cfg.LocalCapacity,
		&expireMode,
		&cfg.SecondaryCacheEnabled,
		&remoteTTL,
		&cfg.IgnoreException,
		&cfg.KeyRequired,
		&cfg.AllowNullValue,
		&cfg.NullValueMagnification,
		&preload,
	)
	if err != nil {
		return Config{}, err
	}
	cfg.LocalTTL = time.Duration(localTTL) * time.Millisecond
	cfg.RemoteTTL = time.Duration(remoteTTL) * time.Millisecond
	cfg.PreloadThreshold = time.Duration(preload) * time.Millisecond
	cfg.LocalExpireMode = ExpireMode(expireMode)
	return cfg, nil
}
