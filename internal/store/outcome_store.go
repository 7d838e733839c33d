// Package store provides persistence for item outcomes and session summaries.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/harvestd/listing-harvester/internal/harvest"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// PostgresConfig controls the Postgres connection pool used for outcome rows.
type PostgresConfig struct {
	DSN             string
	OutcomeTable    string
	SummaryTable    string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// Postgres writes item outcomes and session summaries into Postgres.
type Postgres struct {
	pool         execCloser
	outcomeTable string
	summaryTable string
}

// NewPostgres creates a Postgres-backed outcome store using the provided config.
func NewPostgres(ctx context.Context, cfg PostgresConfig) (*Postgres, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	outcomeTable, summaryTable, err := tableNames(cfg.OutcomeTable, cfg.SummaryTable)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{
		pool:         pool,
		outcomeTable: outcomeTable,
		summaryTable: summaryTable,
	}, nil
}

// NewPostgresWithPool constructs a store from an existing pool (primarily for
// testing).
func NewPostgresWithPool(pool execCloser, outcomeTable, summaryTable string) (*Postgres, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	ot, st, err := tableNames(outcomeTable, summaryTable)
	if err != nil {
		return nil, err
	}
	return &Postgres{pool: pool, outcomeTable: ot, summaryTable: st}, nil
}

func tableNames(outcomeTable, summaryTable string) (string, string, error) {
	if outcomeTable == "" {
		outcomeTable = "item_outcomes"
	}
	if summaryTable == "" {
		summaryTable = "session_summaries"
	}
	for _, table := range []string{outcomeTable, summaryTable} {
		if !validTableName.MatchString(table) {
			return "", "", fmt.Errorf("invalid table name %q", table)
		}
	}
	return outcomeTable, summaryTable, nil
}

// Close releases the underlying pool resources.
func (s *Postgres) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// SaveItemOutcomes inserts one row per item result.
func (s *Postgres) SaveItemOutcomes(ctx context.Context, sessionID string, results []harvest.ItemResult) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("outcome store is not configured")
	}
	if sessionID == "" {
		return fmt.Errorf("session id is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	session_id,
	item_id,
	url,
	domain,
	proxy,
	status,
	kind,
	error,
	attempts,
	duration_ms
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10
)`, s.outcomeTable)

	for _, r := range results {
		args := []any{
			sessionID,
			r.ItemID,
			r.URL,
			r.Domain,
			r.Proxy,
			string(r.Status),
			r.Kind,
			r.Error,
			r.Attempts,
			r.Duration.Milliseconds(),
		}
		if _, err := s.pool.Exec(ctx, query, args...); err != nil {
			return fmt.Errorf("insert item outcome %s: %w", r.ItemID, err)
		}
	}
	return nil
}

// SaveSessionSummary inserts the aggregated session row.
func (s *Postgres) SaveSessionSummary(ctx context.Context, summary harvest.SessionSummary) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("outcome store is not configured")
	}
	if summary.SessionID == "" {
		return fmt.Errorf("session id is required")
	}
	byKind, err := json.Marshal(summary.ByKind)
	if err != nil {
		return fmt.Errorf("marshal by_kind: %w", err)
	}
	byDomain, err := json.Marshal(summary.ByDomain)
	if err != nil {
		return fmt.Errorf("marshal by_domain: %w", err)
	}
	byProxy, err := json.Marshal(summary.ByProxy)
	if err != nil {
		return fmt.Errorf("marshal by_proxy: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	session_id,
	total,
	succeeded,
	failed,
	skipped,
	by_kind,
	by_domain,
	by_proxy,
	started_at,
	finished_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10
)`, s.summaryTable)

	args := []any{
		summary.SessionID,
		summary.Total,
		summary.Succeeded,
		summary.Failed,
		summary.Skipped,
		byKind,
		byDomain,
		byProxy,
		summary.StartedAt,
		summary.FinishedAt,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert session summary: %w", err)
	}
	return nil
}
