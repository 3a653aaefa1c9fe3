// Package audit implements the audit sink target: it durably records
// every accepted serial/diff transition the subscribed source produces
// to Postgres, for compliance review. This is an external audit trail
// only; the engine never reads it back, and all engine state is
// recomputed from upstream on restart.
package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/route-beacon/rtr-proxy/internal/comms"
	"github.com/route-beacon/rtr-proxy/internal/payload"
	"github.com/route-beacon/rtr-proxy/internal/rtrproto/server"
)

var zstdEncoder, _ = zstd.NewWriter(nil)

// Config describes one audit sink target.
type Config struct {
	HistorySize int // ring size for the target's own session/serial bookkeeping
}

// Target folds every upstream publication into its own session/serial
// history (independent of any rtrserver target's history) and durably
// records each resulting transition.
type Target struct {
	cfg     Config
	source  *comms.Link
	pool    *pgxpool.Pool
	history *server.History
	logger  *zap.Logger
}

// New builds a target subscribed to source, recording transitions to
// pool.
func New(cfg Config, source *comms.Link, pool *pgxpool.Pool, logger *zap.Logger) *Target {
	return &Target{
		cfg:     cfg,
		source:  source,
		pool:    pool,
		history: server.NewHistory(cfg.HistorySize),
		logger:  logger,
	}
}

// Run folds and records every upstream change until ctx is cancelled.
func (t *Target) Run(ctx context.Context) {
	for {
		state, err := t.source.Updated(ctx)
		if err != nil {
			return
		}
		if state.Health != comms.Healthy {
			continue
		}

		diff, changed := t.history.Update(state.Payload)
		if !changed {
			continue
		}
		session, serial, _, _ := t.history.Current()
		if err := t.record(ctx, session, serial, diff); err != nil {
			t.logger.Error("audit: recording transition failed", zap.Error(err))
		}
	}
}

func (t *Target) record(ctx context.Context, session uint16, serial uint32, diff payload.Diff) error {
	rawJSON, err := json.Marshal(diff)
	if err != nil {
		return fmt.Errorf("audit: marshaling diff: %w", err)
	}
	raw := zstdEncoder.EncodeAll(rawJSON, nil)

	added := len(diff.AddOrigins) + len(diff.AddRouterKeys) + len(diff.AddASPAs)
	removed := len(diff.DelOrigins) + len(diff.DelRouterKeys) + len(diff.DelASPAs)

	_, err = t.pool.Exec(ctx, `
		INSERT INTO audit_events (ingest_time, session_id, serial, added, removed, raw)
		VALUES (date_trunc('day', now()), $1, $2, $3, $4, $5)
		ON CONFLICT (session_id, serial, ingest_time) DO NOTHING`,
		session, serial, added, removed, raw,
	)
	if err != nil {
		return fmt.Errorf("audit: inserting audit_events row: %w", err)
	}
	return nil
}

// Ping satisfies a DBChecker-style readiness interface.
func (t *Target) Ping(ctx context.Context) error {
	return t.pool.Ping(ctx)
}
