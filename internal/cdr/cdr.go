// Package cdr is the call-detail-record sink the proxy core posts to. The
// default implementation persists to SQLite with an open-and-migrate step
// and a single append-only table (no repository layer, no models package —
// one record kind, one writer).
package cdr

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/sipproxy/sipproxy/internal/proxycore"
)

// Sink is the proxy core's accounting collaborator. It embeds
// proxycore.CDRSink so any Sink also satisfies the narrower interface the
// proxy core itself depends on.
type Sink interface {
	proxycore.CDRSink
	// CountByKind returns the total record count grouped by CDR kind
	// ("start", "stop", "attempt"), for internal/metrics.
	CountByKind(ctx context.Context) (map[string]int64, error)
	Close() error
}

// sqliteSink is the default Sink, backed by a single SQLite table.
type sqliteSink struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates or opens a SQLite-backed Sink rooted at dataDir, creating the
// records table if it does not already exist.
func Open(dataDir string, logger *slog.Logger) (Sink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating cdr data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "cdr.db")
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)", dbPath)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening cdr database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging cdr database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating cdr records table: %w", err)
	}

	logger.Info("cdr sink opened", "path", dbPath)
	return &sqliteSink{db: db, logger: logger.With("component", "cdr")}, nil
}

const schema = `CREATE TABLE IF NOT EXISTS cdr_records (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	kind TEXT NOT NULL,
	side TEXT NOT NULL,
	reason TEXT NOT NULL,
	call_id TEXT NOT NULL,
	posted_at DATETIME NOT NULL,
	message BLOB
)`

// PostCDR implements proxycore.CDRSink. It never blocks the event loop on a
// slow disk past a short timeout; a failed write is logged, not propagated,
// since CDR accounting is best-effort relative to call signaling.
func (s *sqliteSink) PostCDR(kind proxycore.CDRKind, side proxycore.CDRSide, reason proxycore.CDRReason, callID string, encodedMsg []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cdr_records (kind, side, reason, call_id, posted_at, message) VALUES (?, ?, ?, ?, ?, ?)`,
		kind.String(), string(side), string(reason), callID, time.Now().UTC(), encodedMsg,
	)
	if err != nil {
		s.logger.Error("posting cdr record failed", "call_id", callID, "kind", kind, "error", err)
	}
}

// CountByKind implements Sink.
func (s *sqliteSink) CountByKind(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT kind, COUNT(*) FROM cdr_records GROUP BY kind`)
	if err != nil {
		return nil, fmt.Errorf("counting cdr records by kind: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var kind string
		var n int64
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, fmt.Errorf("scanning cdr count row: %w", err)
		}
		counts[kind] = n
	}
	return counts, rows.Err()
}

// Close releases the underlying database handle.
func (s *sqliteSink) Close() error {
	return s.db.Close()
}
