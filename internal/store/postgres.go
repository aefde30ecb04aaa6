package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/oi-bucket-tracker/internal/config"
	"github.com/oi-bucket-tracker/internal/state"
)

var rowColumns = []string{
	"bucket_ts", "index_name", "expiry", "strike", "side", "symbol", "token",
	"oi", "oi_change", "oi_change_pct", "ltp", "price_change", "price_change_pct",
	"volume", "volume_change", "pcr", "oi_label", "impact", "confidence", "strike_rank",
	"index_open", "index_high", "index_low", "index_close", "index_volume",
	"delta", "gamma", "theta", "vega", "iv", "backfill_is_synthetic", "updated_at",
}

var setupColumns = []string{
	"id", "bucket_ts", "index_name", "bias", "strategy", "entry_strike", "entry_type",
	"entry_price", "stop_loss", "target", "confidence", "rationale", "model", "raw_response", "created_at",
}

const schema = `
CREATE TABLE IF NOT EXISTS option_history (
	bucket_ts             TIMESTAMPTZ      NOT NULL,
	index_name            TEXT             NOT NULL,
	expiry                DATE             NOT NULL,
	strike                INTEGER          NOT NULL,
	side                  CHAR(2)          NOT NULL,
	symbol                TEXT             NOT NULL,
	token                 TEXT             NOT NULL,
	oi                    BIGINT           NOT NULL DEFAULT 0,
	oi_change             BIGINT           NOT NULL DEFAULT 0,
	oi_change_pct         DOUBLE PRECISION NOT NULL DEFAULT 0,
	ltp                   DOUBLE PRECISION NOT NULL DEFAULT 0,
	price_change          DOUBLE PRECISION NOT NULL DEFAULT 0,
	price_change_pct      DOUBLE PRECISION NOT NULL DEFAULT 0,
	volume                BIGINT           NOT NULL DEFAULT 0,
	volume_change         BIGINT           NOT NULL DEFAULT 0,
	pcr                   DOUBLE PRECISION NOT NULL DEFAULT 0,
	oi_label              TEXT             NOT NULL DEFAULT 'Neutral',
	impact                DOUBLE PRECISION NOT NULL DEFAULT 0,
	confidence            DOUBLE PRECISION NOT NULL DEFAULT 0,
	strike_rank           INTEGER          NOT NULL DEFAULT 0,
	index_open            DOUBLE PRECISION NOT NULL DEFAULT 0,
	index_high            DOUBLE PRECISION NOT NULL DEFAULT 0,
	index_low             DOUBLE PRECISION NOT NULL DEFAULT 0,
	index_close           DOUBLE PRECISION NOT NULL DEFAULT 0,
	index_volume          BIGINT           NOT NULL DEFAULT 0,
	delta                 DOUBLE PRECISION NOT NULL DEFAULT 0,
	gamma                 DOUBLE PRECISION NOT NULL DEFAULT 0,
	theta                 DOUBLE PRECISION NOT NULL DEFAULT 0,
	vega                  DOUBLE PRECISION NOT NULL DEFAULT 0,
	iv                    DOUBLE PRECISION NOT NULL DEFAULT 0,
	backfill_is_synthetic BOOLEAN          NOT NULL DEFAULT FALSE,
	updated_at            TIMESTAMPTZ      NOT NULL DEFAULT NOW(),
	PRIMARY KEY (bucket_ts, symbol)
);
CREATE INDEX IF NOT EXISTS option_history_index_bucket ON option_history (index_name, bucket_ts);

CREATE TABLE IF NOT EXISTS trade_setups (
	id           UUID          PRIMARY KEY,
	bucket_ts    TIMESTAMPTZ   NOT NULL,
	index_name   TEXT          NOT NULL,
	bias         TEXT          NOT NULL,
	strategy     TEXT          NOT NULL,
	entry_strike INTEGER       NOT NULL,
	entry_type   CHAR(2)       NOT NULL,
	entry_price  NUMERIC(12,2) NOT NULL,
	stop_loss    NUMERIC(12,2) NOT NULL,
	target       NUMERIC(12,2) NOT NULL,
	confidence   INTEGER       NOT NULL,
	rationale    TEXT          NOT NULL,
	model        TEXT          NOT NULL,
	raw_response TEXT          NOT NULL,
	created_at   TIMESTAMPTZ   NOT NULL DEFAULT NOW(),
	UNIQUE (bucket_ts, index_name)
);`

// upsertSQL builds a single-statement insert that overwrites every column
// except the key and keep columns on conflict.
func upsertSQL(table string, columns, key []string, keep ...string) string {
	fixed := make(map[string]bool, len(key)+len(keep))
	for _, k := range append(append([]string{}, key...), keep...) {
		fixed[k] = true
	}

	named := make([]string, len(columns))
	var sets []string
	for i, c := range columns {
		named[i] = ":" + c
		if !fixed[c] {
			sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", c, c))
		}
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s",
		table, strings.Join(columns, ", "), strings.Join(named, ", "),
		strings.Join(key, ", "), strings.Join(sets, ", "))
}

var (
	upsertRowSQL   = upsertSQL("option_history", rowColumns, []string{"bucket_ts", "symbol"})
	upsertSetupSQL = upsertSQL("trade_setups", setupColumns, []string{"bucket_ts", "index_name"}, "id")
	selectRows     = "SELECT " + strings.Join(rowColumns, ", ") + " FROM option_history"
	selectSetups   = "SELECT " + strings.Join(setupColumns, ", ") + " FROM trade_setups"
)

// PostgresRepository implements Repository on PostgreSQL.
type PostgresRepository struct {
	db      *sqlx.DB
	timeout time.Duration
}

func NewPostgresRepository(db *sqlx.DB, timeout time.Duration) *PostgresRepository {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &PostgresRepository{db: db, timeout: timeout}
}

// OpenPostgres connects, checks the connection and optionally applies the schema.
func OpenPostgres(ctx context.Context, cfg config.StoreConfig) (*PostgresRepository, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database DSN is required when enabled")
	}

	db, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	repo := NewPostgresRepository(db, time.Duration(cfg.QueryTimeoutSecs)*time.Second)
	if cfg.AutoMigrate {
		if err := repo.Migrate(ctx); err != nil {
			db.Close()
			return nil, err
		}
	}
	return repo, nil
}

func (r *PostgresRepository) Migrate(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

func (r *PostgresRepository) UpsertRows(ctx context.Context, rows []state.HistoricalRow) error {
	if len(rows) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, row := range rows {
		if _, err := tx.NamedExecContext(ctx, upsertRowSQL, row); err != nil {
			return fmt.Errorf("failed to upsert %s @ %s: %w", row.Symbol, row.BucketTS.Format(time.RFC3339), classify(err))
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit upsert: %w", err)
	}
	return nil
}

func (r *PostgresRepository) ExistingBuckets(ctx context.Context, index string, from, to time.Time) ([]time.Time, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT DISTINCT bucket_ts
		FROM option_history
		WHERE index_name = $1 AND bucket_ts >= $2 AND bucket_ts <= $3
		ORDER BY bucket_ts`

	var out []time.Time
	if err := r.db.SelectContext(ctx, &out, query, index, from, to); err != nil {
		return nil, fmt.Errorf("failed to query existing buckets: %w", err)
	}
	return out, nil
}

func (r *PostgresRepository) RowsBetween(ctx context.Context, index string, from, to time.Time) ([]state.HistoricalRow, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := selectRows + `
		WHERE index_name = $1 AND bucket_ts >= $2 AND bucket_ts <= $3
		ORDER BY bucket_ts, strike, side`

	var out []state.HistoricalRow
	if err := r.db.SelectContext(ctx, &out, query, index, from, to); err != nil {
		return nil, fmt.Errorf("failed to query rows: %w", err)
	}
	return out, nil
}

func (r *PostgresRepository) PreviousRows(ctx context.Context, index string, b time.Time) ([]state.HistoricalRow, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := selectRows + `
		WHERE index_name = $1 AND bucket_ts = (
			SELECT MAX(bucket_ts) FROM option_history WHERE index_name = $1 AND bucket_ts < $2
		)
		ORDER BY strike, side`

	var out []state.HistoricalRow
	if err := r.db.SelectContext(ctx, &out, query, index, b); err != nil {
		return nil, fmt.Errorf("failed to query previous bucket: %w", err)
	}
	return out, nil
}

func (r *PostgresRepository) UpsertTradeSetup(ctx context.Context, s state.TradeSetup) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if _, err := r.db.NamedExecContext(ctx, upsertSetupSQL, s); err != nil {
		return fmt.Errorf("failed to upsert trade setup: %w", classify(err))
	}
	return nil
}

func (r *PostgresRepository) TradeSetups(ctx context.Context, index string, limit int) ([]state.TradeSetup, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if limit <= 0 {
		limit = 50
	}
	query := selectSetups + `
		WHERE index_name = $1
		ORDER BY bucket_ts DESC
		LIMIT $2`

	var out []state.TradeSetup
	if err := r.db.SelectContext(ctx, &out, query, index, limit); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query trade setups: %w", err)
	}
	return out, nil
}

func (r *PostgresRepository) Close() error {
	return r.db.Close()
}

// classify annotates driver errors that indicate a schema problem rather than
// a transient failure.
func classify(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "42P10":
			return fmt.Errorf("missing unique constraint for upsert: %w", err)
		case "42P01":
			return fmt.Errorf("table missing, run migrations: %w", err)
		}
	}
	return err
}
