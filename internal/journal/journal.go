// Package journal keeps a durable log of every command sent to the worker.
// Writes are queued and applied by a single goroutine so recording never
// delays command resolution.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/sparkvisionsa/valuetech-bridge/internal/dispatch"
	"github.com/sparkvisionsa/valuetech-bridge/internal/log"
	"github.com/sparkvisionsa/valuetech-bridge/internal/storage"
)

const (
	queueSize = 256

	// timeLayout has fixed width so stored timestamps sort as text.
	timeLayout = "2006-01-02T15:04:05.000000000Z"
)

// Entry is one journaled command.
type Entry struct {
	ID            string        `json:"id"`
	Session       string        `json:"bridge_session"`
	CommandID     int64         `json:"command_id"`
	Action        string        `json:"action"`
	WorkerSession string        `json:"worker_session,omitempty"`
	Status        string        `json:"status"`
	Error         string        `json:"error,omitempty"`
	SubmittedAt   time.Time     `json:"submitted_at"`
	CompletedAt   *time.Time    `json:"completed_at,omitempty"`
	Duration      time.Duration `json:"duration_ns,omitempty"`
}

type opKind int

const (
	opSubmitted opKind = iota
	opCompleted
	opBarrier
)

type op struct {
	kind opKind
	rec  dispatch.Record
	done chan struct{}
}

// Journal implements dispatch.Recorder on SQLite.
type Journal struct {
	db      *sql.DB
	session string
	logger  *slog.Logger

	ops     chan op
	closed  chan struct{}
	stopped chan struct{}
	once    sync.Once
	dropped atomic.Int64
}

// Open opens the journal database at path.
func Open(ctx context.Context, path string) (*Journal, error) {
	db, err := storage.OpenSQLite(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	return New(db), nil
}

// New starts a journal on an open database. Close closes db.
func New(db *sql.DB) *Journal {
	j := &Journal{
		db:      db,
		session: uuid.NewString(),
		logger:  log.WithComponent("journal"),
		ops:     make(chan op, queueSize),
		closed:  make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go j.run()
	return j
}

// Session identifies this bridge run in the journal.
func (j *Journal) Session() string { return j.session }

// Dropped counts records lost to a full queue.
func (j *Journal) Dropped() int64 { return j.dropped.Load() }

// RecordSubmitted implements dispatch.Recorder.
func (j *Journal) RecordSubmitted(rec dispatch.Record) {
	j.enqueue(op{kind: opSubmitted, rec: rec})
}

// RecordCompleted implements dispatch.Recorder.
func (j *Journal) RecordCompleted(rec dispatch.Record) {
	j.enqueue(op{kind: opCompleted, rec: rec})
}

func (j *Journal) enqueue(o op) {
	select {
	case <-j.closed:
		return
	default:
	}
	select {
	case j.ops <- o:
	case <-j.closed:
	default:
		j.dropped.Add(1)
		j.logger.Warn("journal queue full, dropping record", "command_id", o.rec.CommandID, "action", o.rec.Action)
	}
}

// Sync waits until every record queued before the call is written.
func (j *Journal) Sync(ctx context.Context) error {
	select {
	case <-j.closed:
		return fmt.Errorf("journal closed")
	default:
	}
	done := make(chan struct{})
	select {
	case j.ops <- op{kind: opBarrier, done: done}:
	case <-j.closed:
		return fmt.Errorf("journal closed")
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-j.stopped:
		return fmt.Errorf("journal closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains queued records and closes the database.
func (j *Journal) Close() error {
	var err error
	j.once.Do(func() {
		close(j.closed)
		<-j.stopped
		err = j.db.Close()
	})
	return err
}

func (j *Journal) run() {
	defer close(j.stopped)
	for {
		select {
		case o := <-j.ops:
			j.apply(o)
		case <-j.closed:
			for {
				select {
				case o := <-j.ops:
					j.apply(o)
				default:
					return
				}
			}
		}
	}
}

func (j *Journal) apply(o op) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var err error
	switch o.kind {
	case opBarrier:
		close(o.done)
		return
	case opSubmitted:
		err = j.insert(ctx, o.rec)
	case opCompleted:
		err = j.complete(ctx, o.rec)
	}
	if err != nil {
		j.logger.Error("failed to write journal record", "command_id", o.rec.CommandID, "action", o.rec.Action, "error", err)
	}
}

func (j *Journal) insert(ctx context.Context, rec dispatch.Record) error {
	_, err := j.db.ExecContext(ctx, `
INSERT INTO command_log(id, bridge_session, command_id, action, worker_session, status, submitted_at)
VALUES(?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(bridge_session, command_id) DO NOTHING;`,
		uuid.NewString(), j.session, rec.CommandID, rec.Action, rec.WorkerSession, "PENDING",
		formatTime(rec.SubmittedAt),
	)
	return err
}

// complete updates the submitted row, inserting it if the submission record
// was dropped.
func (j *Journal) complete(ctx context.Context, rec dispatch.Record) error {
	completed := formatTime(rec.CompletedAt)
	duration := rec.CompletedAt.Sub(rec.SubmittedAt).Milliseconds()

	res, err := j.db.ExecContext(ctx, `
UPDATE command_log
SET status = ?, error = ?, completed_at = ?, duration_ms = ?
WHERE bridge_session = ? AND command_id = ?;`,
		rec.Status, nullString(rec.Error), completed, duration, j.session, rec.CommandID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	_, err = j.db.ExecContext(ctx, `
INSERT INTO command_log(id, bridge_session, command_id, action, worker_session, status, error, submitted_at, completed_at, duration_ms)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		uuid.NewString(), j.session, rec.CommandID, rec.Action, rec.WorkerSession, rec.Status,
		nullString(rec.Error), formatTime(rec.SubmittedAt), completed, duration,
	)
	return err
}

// Recent returns up to limit entries, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	return Recent(ctx, j.db, limit)
}

// Recent reads entries from any journal database, newest first.
func Recent(ctx context.Context, db *sql.DB, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.QueryContext(ctx, `
SELECT id, bridge_session, command_id, action, COALESCE(worker_session, ''), status,
       COALESCE(error, ''), submitted_at, completed_at, COALESCE(duration_ms, 0)
FROM command_log
ORDER BY submitted_at DESC, command_id DESC
LIMIT ?;`, limit)
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e           Entry
			submittedAt string
			completedAt sql.NullString
			durationMS  int64
		)
		if err := rows.Scan(&e.ID, &e.Session, &e.CommandID, &e.Action, &e.WorkerSession, &e.Status,
			&e.Error, &submittedAt, &completedAt, &durationMS); err != nil {
			return nil, fmt.Errorf("scan journal row: %w", err)
		}
		e.SubmittedAt, _ = time.Parse(timeLayout, submittedAt)
		if completedAt.Valid {
			t, err := time.Parse(timeLayout, completedAt.String)
			if err == nil {
				e.CompletedAt = &t
			}
		}
		e.Duration = time.Duration(durationMS) * time.Millisecond
		out = append(out, e)
	}
	return out, rows.Err()
}

// Prune deletes entries submitted before now-retention.
func (j *Journal) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, nil
	}
	cutoff := formatTime(time.Now().Add(-retention))
	res, err := j.db.ExecContext(ctx, `DELETE FROM command_log WHERE submitted_at < ?;`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune journal: %w", err)
	}
	return res.RowsAffected()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
