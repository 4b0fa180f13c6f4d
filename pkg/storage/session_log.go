package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// ErrClosed is returned by every operation on a closed SessionLog
var ErrClosed = errors.New("session log closed")

// SessionEvent is the kind of a session log row
type SessionEvent string

const (
	SessionEventConnect    SessionEvent = "connect"
	SessionEventDisconnect SessionEvent = "disconnect"
)

// SessionRecord is one row of the session log
type SessionRecord struct {
	ID          int64        `json:"id"`
	Identity    string       `json:"identity"`
	Event       SessionEvent `json:"event"`
	RemoteAddr  string       `json:"remote_addr"`
	Fingerprint string       `json:"fingerprint,omitempty"`
	Timestamp   time.Time    `json:"timestamp"`
}

// SessionLog is an append-only audit trail of hub handshakes and disconnects.
// It records events only; sessions are never restored from it.
type SessionLog struct {
	db        *sql.DB
	retention time.Duration
	logger    zerolog.Logger

	closed    atomic.Bool
	closeOnce sync.Once
	stop      chan struct{}
	wg        sync.WaitGroup
}

// NewSessionLog opens (or creates) the session log at dbPath
// retention: how long rows are kept (default: 7 days)
func NewSessionLog(dbPath string, retention time.Duration, logger zerolog.Logger) (*SessionLog, error) {
	if retention == 0 {
		retention = 7 * 24 * time.Hour
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open session log: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	l := &SessionLog{
		db:        db,
		retention: retention,
		logger:    logger,
		stop:      make(chan struct{}),
	}

	if err := l.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	l.wg.Add(1)
	go l.cleanupLoop(time.Hour)

	return l, nil
}

func (l *SessionLog) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS session_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		identity TEXT NOT NULL,
		event TEXT NOT NULL,
		remote_addr TEXT NOT NULL DEFAULT '',
		fingerprint TEXT NOT NULL DEFAULT '',
		timestamp INTEGER NOT NULL
	);

	-- Index for per-identity history
	CREATE INDEX IF NOT EXISTS idx_session_identity ON session_events(identity);

	-- Index for retention cleanup
	CREATE INDEX IF NOT EXISTS idx_session_timestamp ON session_events(timestamp);
	`

	if _, err := l.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	return nil
}

// RecordConnect logs a completed handshake
func (l *SessionLog) RecordConnect(identity, remoteAddr, fingerprint string) error {
	return l.insert(identity, SessionEventConnect, remoteAddr, fingerprint)
}

// RecordDisconnect logs a removed session
func (l *SessionLog) RecordDisconnect(identity, remoteAddr string) error {
	return l.insert(identity, SessionEventDisconnect, remoteAddr, "")
}

func (l *SessionLog) insert(identity string, event SessionEvent, remoteAddr, fingerprint string) error {
	if l.closed.Load() {
		return ErrClosed
	}

	query := `
		INSERT INTO session_events (identity, event, remote_addr, fingerprint, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`

	_, err := l.db.Exec(query, identity, string(event), remoteAddr, fingerprint, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to record %s event: %w", event, err)
	}
	return nil
}

// Recent returns up to limit rows, newest first
func (l *SessionLog) Recent(limit int) ([]*SessionRecord, error) {
	if l.closed.Load() {
		return nil, ErrClosed
	}

	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, identity, event, remote_addr, fingerprint, timestamp
		FROM session_events
		ORDER BY id DESC
		LIMIT ?
	`

	rows, err := l.db.Query(query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get session events: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// History returns every row for one identity, oldest first
func (l *SessionLog) History(identity string) ([]*SessionRecord, error) {
	if l.closed.Load() {
		return nil, ErrClosed
	}

	query := `
		SELECT id, identity, event, remote_addr, fingerprint, timestamp
		FROM session_events
		WHERE identity = ?
		ORDER BY id ASC
	`

	rows, err := l.db.Query(query, identity)
	if err != nil {
		return nil, fmt.Errorf("failed to get session history: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

func scanRecords(rows *sql.Rows) ([]*SessionRecord, error) {
	records := []*SessionRecord{}
	for rows.Next() {
		rec := &SessionRecord{}
		var event string
		var ts int64
		if err := rows.Scan(&rec.ID, &rec.Identity, &event, &rec.RemoteAddr, &rec.Fingerprint, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan session event: %w", err)
		}
		rec.Event = SessionEvent(event)
		rec.Timestamp = time.UnixMilli(ts).UTC()
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Count returns the number of rows of each event kind
func (l *SessionLog) Count() (map[SessionEvent]int, error) {
	if l.closed.Load() {
		return nil, ErrClosed
	}

	rows, err := l.db.Query(`SELECT event, COUNT(*) FROM session_events GROUP BY event`)
	if err != nil {
		return nil, fmt.Errorf("failed to count session events: %w", err)
	}
	defer rows.Close()

	counts := map[SessionEvent]int{
		SessionEventConnect:    0,
		SessionEventDisconnect: 0,
	}
	for rows.Next() {
		var event string
		var count int
		if err := rows.Scan(&event, &count); err != nil {
			return nil, err
		}
		counts[SessionEvent(event)] = count
	}
	return counts, rows.Err()
}

// Prune deletes rows older than before and returns how many were removed
func (l *SessionLog) Prune(before time.Time) (int64, error) {
	if l.closed.Load() {
		return 0, ErrClosed
	}

	result, err := l.db.Exec(`DELETE FROM session_events WHERE timestamp < ?`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to prune session events: %w", err)
	}
	return result.RowsAffected()
}

// cleanupLoop periodically removes rows past the retention window
func (l *SessionLog) cleanupLoop(interval time.Duration) {
	defer l.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			count, err := l.Prune(time.Now().Add(-l.retention))
			if err != nil {
				l.logger.Error().Err(err).Msg("session log cleanup failed")
				continue
			}
			if count > 0 {
				l.logger.Debug().Int64("rows", count).Msg("session log pruned")
			}
		}
	}
}

// Close stops the cleanup loop and closes the database connection.
// Later calls return nil.
func (l *SessionLog) Close() error {
	var err error
	l.closeOnce.Do(func() {
		l.closed.Store(true)
		close(l.stop)
		l.wg.Wait()
		err = l.db.Close()
	})
	return err
}
