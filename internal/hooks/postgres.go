package hooks

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/nmxmxh/kgraph/internal/config"
	"github.com/nmxmxh/kgraph/internal/kg"
)

func init() {
	Register("postgres", openPostgres)
}

// postgresHooks reads chunks from a Postgres table with (content text,
// is_delete boolean, created_at timestamptz) columns.
type postgresHooks struct {
	db    *sql.DB
	table string
	log   *zap.Logger
}

func openPostgres(ctx context.Context, cfg config.HooksConfig, log *zap.Logger) (DataHooks, error) {
	if cfg.ConnectionString == "" {
		return nil, fmt.Errorf("hooks: connection_string is required for the postgres module")
	}
	if cfg.TableName == "" {
		return nil, fmt.Errorf("hooks: table_name is required for the postgres module")
	}

	db, err := connectPostgres(ctx, cfg.ConnectionString, log)
	if err != nil {
		return nil, err
	}
	return &postgresHooks{db: db, table: pq.QuoteIdentifier(cfg.TableName), log: log}, nil
}

func connectPostgres(ctx context.Context, dsn string, log *zap.Logger) (*sql.DB, error) {
	const maxRetries = 5
	var err error
	for i := 1; i <= maxRetries; i++ {
		log.Info("attempting hooks database connection", zap.Int("attempt", i))
		var db *sql.DB
		db, err = sql.Open("postgres", dsn)
		if err != nil {
			log.Error("failed to open hooks database", zap.Error(err))
			time.Sleep(3 * time.Second)
			continue
		}
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = db.PingContext(pingCtx)
		cancel()
		if err == nil {
			db.SetMaxOpenConns(4)
			db.SetMaxIdleConns(2)
			db.SetConnMaxLifetime(30 * time.Minute)
			log.Info("hooks database connection established")
			return db, nil
		}
		log.Error("hooks database ping failed", zap.Error(err))
		_ = db.Close()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(3 * time.Second):
		}
	}
	return nil, fmt.Errorf("connect to hooks database after %d retries: %w", maxRetries, err)
}

func (h *postgresHooks) FullData(ctx context.Context) ([]string, error) {
	query := fmt.Sprintf(
		"SELECT content FROM %s WHERE is_delete = false ORDER BY created_at",
		h.table,
	)
	return h.collect(ctx, query)
}

func (h *postgresHooks) IncrementalData(ctx context.Context, sinceVersion string) ([]string, error) {
	since, ok := kg.VersionTime(sinceVersion)
	if !ok {
		return nil, fmt.Errorf("hooks: invalid since version %q", sinceVersion)
	}
	query := fmt.Sprintf(
		"SELECT content FROM %s WHERE is_delete = false AND created_at > $1 ORDER BY created_at",
		h.table,
	)
	return h.collect(ctx, query, since)
}

func (h *postgresHooks) collect(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := h.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("hooks: query chunks: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var content sql.NullString
		if err := rows.Scan(&content); err != nil {
			return nil, fmt.Errorf("hooks: scan chunk: %w", err)
		}
		if content.Valid && content.String != "" {
			out = append(out, content.String)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("hooks: iterate chunks: %w", err)
	}
	h.log.Debug("loaded chunks from hooks table", zap.Int("count", len(out)))
	return out, nil
}

func (h *postgresHooks) Close() error {
	return h.db.Close()
}
