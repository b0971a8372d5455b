// Package eventlog provides the durable, ordered device-event log with
// consumer-group offsets: append with bounded-backoff retries, ordered
// at-least-once delivery per group, explicit acknowledgment with
// visibility-timeout redelivery, bounded retention with oldest-trim, and
// block-and-alert backpressure when a consumer group falls a full
// retention window behind.
//
// Storage is an embedded sqlite database, so the log survives restarts
// without external infrastructure.
package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/srediag/devsentry/internal/metrics"
	"github.com/srediag/devsentry/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	offset     INTEGER PRIMARY KEY AUTOINCREMENT,
	sequence   INTEGER NOT NULL,
	kind       TEXT    NOT NULL,
	payload    BLOB    NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS group_offsets (
	grp   TEXT PRIMARY KEY,
	acked INTEGER NOT NULL DEFAULT 0
);`

// Entry is one delivered log record.
type Entry struct {
	Offset uint64
	Event  model.DeviceEvent
}

// Options configures a Log.
type Options struct {
	Path              string
	Retention         int
	VisibilityTimeout time.Duration
	AppendRetryMax    time.Duration
	Logger            *zap.Logger
	Metrics           *metrics.Set
	// Alert is invoked when backpressure engages. Optional.
	Alert func(reason string)
}

// Log is the durable ordered event log.
type Log struct {
	db         *sql.DB
	log        *zap.Logger
	met        *metrics.Set
	retention  int
	visTimeout time.Duration
	retryMax   time.Duration
	alert      func(string)

	mu      sync.Mutex
	space   *sync.Cond
	subs    map[string]*Subscription
	closed  bool
	highest uint64
}

// Open opens or creates the log at opts.Path.
func Open(opts Options) (*Log, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("event log requires a path")
	}
	if opts.Retention < 1 {
		opts.Retention = 4096
	}
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = 5 * time.Second
	}
	if opts.AppendRetryMax <= 0 {
		opts.AppendRetryMax = 2 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewUnregistered()
	}
	db, err := sql.Open("sqlite", opts.Path)
	if err != nil {
		return nil, fmt.Errorf("open event log db: %w", err)
	}
	// One writer connection keeps sqlite happy under concurrency.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply event log schema: %w", err)
	}
	l := &Log{
		db:         db,
		log:        opts.Logger.Named("eventlog"),
		met:        opts.Metrics,
		retention:  opts.Retention,
		visTimeout: opts.VisibilityTimeout,
		retryMax:   opts.AppendRetryMax,
		alert:      opts.Alert,
		subs:       make(map[string]*Subscription),
	}
	l.space = sync.NewCond(&l.mu)
	if err := l.db.QueryRow(`SELECT COALESCE(MAX(offset),0) FROM events`).Scan(&l.highest); err != nil {
		db.Close()
		return nil, fmt.Errorf("read event log head: %w", err)
	}
	l.updateDepth()
	return l, nil
}

// Close stops all subscriptions and closes the store.
func (l *Log) Close() error {
	l.mu.Lock()
	l.closed = true
	subs := make([]*Subscription, 0, len(l.subs))
	for _, s := range l.subs {
		subs = append(subs, s)
	}
	l.space.Broadcast()
	l.mu.Unlock()
	for _, s := range subs {
		s.Close()
	}
	return l.db.Close()
}

// Ping reports store health, used by the daemon readiness probe.
func (l *Log) Ping() error {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return fmt.Errorf("event log closed")
	}
	return l.db.Ping()
}

// Publish satisfies the device monitor's Publisher contract.
func (l *Log) Publish(ctx context.Context, ev model.DeviceEvent) error {
	_, err := l.Append(ctx, ev)
	return err
}

// Append writes one event and returns its offset. Transient write failures
// retry with bounded exponential backoff. When any consumer group lags by a
// full retention window, Append blocks and raises an alert rather than
// trimming unconsumed entries or dropping the event.
func (l *Log) Append(ctx context.Context, ev model.DeviceEvent) (uint64, error) {
	if err := l.waitForSpace(ctx); err != nil {
		return 0, err
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return 0, fmt.Errorf("encode event: %w", err)
	}

	var offset uint64
	op := func() error {
		res, err := l.db.ExecContext(ctx,
			`INSERT INTO events (sequence, kind, payload, created_at) VALUES (?,?,?,?)`,
			ev.Sequence, string(ev.Kind), payload, ev.Timestamp.UnixNano())
		if err != nil {
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		offset = uint64(id)
		return nil
	}
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = l.retryMax
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return 0, fmt.Errorf("append event failed,%w", err)
	}

	l.mu.Lock()
	l.highest = offset
	for _, s := range l.subs {
		s.enqueue(Entry{Offset: offset, Event: ev})
	}
	l.mu.Unlock()

	l.trim()
	l.updateDepth()
	return offset, nil
}

// waitForSpace blocks while the slowest group's backlog fills the whole
// retention window.
func (l *Log) waitForSpace(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	alerted := false
	for !l.closed && l.backlogFullLocked() {
		if !alerted {
			alerted = true
			l.log.Warn("event log full, blocking producer",
				zap.Int("retention", l.retention))
			if l.alert != nil {
				l.alert("event log full")
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		// Cond has no ctx awareness; poke the cond on a short timer so a
		// cancelled producer can leave.
		t := time.AfterFunc(50*time.Millisecond, l.space.Broadcast)
		l.space.Wait()
		t.Stop()
	}
	if l.closed {
		return fmt.Errorf("event log closed")
	}
	return nil
}

func (l *Log) backlogFullLocked() bool {
	for _, s := range l.subs {
		if l.highest >= uint64(l.retention) && s.lowWater() <= l.highest-uint64(l.retention) {
			return true
		}
	}
	return false
}

// trim deletes the oldest entries beyond the retention bound. Backpressure
// guarantees nothing unacked is ever trimmed.
func (l *Log) trim() {
	l.mu.Lock()
	highest := l.highest
	l.mu.Unlock()
	if highest <= uint64(l.retention) {
		return
	}
	if _, err := l.db.Exec(`DELETE FROM events WHERE offset <= ?`, highest-uint64(l.retention)); err != nil {
		l.log.Warn("event log trim failed", zap.Error(err))
	}
}

func (l *Log) updateDepth() {
	var depth int64
	if err := l.db.QueryRow(`SELECT COUNT(*) FROM events`).Scan(&depth); err == nil {
		l.met.EventLogDepth.Set(float64(depth))
	}
}

func (l *Log) persistAck(group string, acked uint64) error {
	_, err := l.db.Exec(
		`INSERT INTO group_offsets (grp, acked) VALUES (?,?)
		 ON CONFLICT(grp) DO UPDATE SET acked = MAX(acked, excluded.acked)`,
		group, acked)
	return err
}

func (l *Log) ackSignal() {
	l.mu.Lock()
	l.space.Broadcast()
	l.mu.Unlock()
}
