package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	queuepkg "github.com/Workiva/go-datastructures/queue"

	"github.com/srediag/devsentry/internal/model"
)

// Subscription is one consumer group's view of the log: ordered,
// at-least-once, with explicit acknowledgment. Consumers must be
// idempotent keyed by event sequence number.
type Subscription struct {
	group string
	log   *Log
	q     *queuepkg.Queue

	mu       sync.Mutex
	inflight map[uint64]time.Time
	acked    map[uint64]bool
	low      uint64 // highest contiguous acked offset

	stop chan struct{}
	done chan struct{}
}

// Subscribe opens (or resumes) the named consumer group. Entries past the
// group's persisted offset are replayed first.
func (l *Log) Subscribe(group string) (*Subscription, error) {
	// The lock stays held through registration so a concurrent Subscribe
	// for the same group cannot slip past the duplicate check, and no
	// Append interleaves with the replay.
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, fmt.Errorf("event log closed")
	}
	if _, exists := l.subs[group]; exists {
		return nil, fmt.Errorf("consumer group %q already subscribed", group)
	}

	var acked uint64
	err := l.db.QueryRow(`SELECT acked FROM group_offsets WHERE grp = ?`, group).Scan(&acked)
	if err != nil {
		if err := l.persistAck(group, 0); err != nil {
			return nil, fmt.Errorf("register consumer group: %w", err)
		}
	}

	s := &Subscription{
		group:    group,
		log:      l,
		q:        queuepkg.New(int64(l.retention)),
		inflight: make(map[uint64]time.Time),
		acked:    make(map[uint64]bool),
		low:      acked,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	if err := s.replay(acked); err != nil {
		return nil, err
	}
	l.subs[group] = s

	go s.redeliveryLoop()
	return s, nil
}

// replay loads persisted entries the group has not acked yet.
func (s *Subscription) replay(from uint64) error {
	rows, err := s.log.db.Query(
		`SELECT offset, payload FROM events WHERE offset > ? ORDER BY offset`, from)
	if err != nil {
		return fmt.Errorf("replay consumer group %s: %w", s.group, err)
	}
	defer rows.Close()
	for rows.Next() {
		var offset uint64
		var payload []byte
		if err := rows.Scan(&offset, &payload); err != nil {
			return err
		}
		var ev model.DeviceEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			return fmt.Errorf("decode replayed entry %d: %w", offset, err)
		}
		s.enqueue(Entry{Offset: offset, Event: ev})
	}
	return rows.Err()
}

func (s *Subscription) enqueue(e Entry) {
	if s.q.Disposed() {
		return
	}
	_ = s.q.Put(e)
}

// Next blocks for the next entry. The entry stays in flight until Ack; if
// the visibility timeout lapses first it is redelivered.
func (s *Subscription) Next(ctx context.Context) (Entry, error) {
	for {
		items, err := s.q.Poll(1, 100*time.Millisecond)
		if err == queuepkg.ErrTimeout {
			select {
			case <-ctx.Done():
				return Entry{}, ctx.Err()
			case <-s.stop:
				return Entry{}, model.ErrSubscriptionClosed
			default:
				continue
			}
		}
		if err != nil {
			return Entry{}, model.ErrSubscriptionClosed
		}
		e := items[0].(Entry)
		s.mu.Lock()
		already := s.acked[e.Offset] || e.Offset <= s.low
		if !already {
			s.inflight[e.Offset] = time.Now()
		}
		s.mu.Unlock()
		if already {
			continue
		}
		return e, nil
	}
}

// Ack acknowledges one delivered offset and advances the persisted
// low-water mark across any contiguous run it completes.
func (s *Subscription) Ack(offset uint64) error {
	s.mu.Lock()
	delete(s.inflight, offset)
	s.acked[offset] = true
	for s.acked[s.low+1] {
		s.low++
		delete(s.acked, s.low)
	}
	low := s.low
	s.mu.Unlock()

	if err := s.log.persistAck(s.group, low); err != nil {
		return fmt.Errorf("persist ack for group %s: %w", s.group, err)
	}
	s.log.ackSignal()
	return nil
}

func (s *Subscription) lowWater() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.low
}

// redeliveryLoop requeues in-flight entries whose visibility timeout has
// lapsed without an ack.
func (s *Subscription) redeliveryLoop() {
	defer close(s.done)
	interval := s.log.visTimeout / 2
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.redeliverExpired()
		}
	}
}

func (s *Subscription) redeliverExpired() {
	now := time.Now()
	var expired []uint64
	s.mu.Lock()
	for offset, deliveredAt := range s.inflight {
		if now.Sub(deliveredAt) >= s.log.visTimeout {
			expired = append(expired, offset)
			delete(s.inflight, offset)
		}
	}
	s.mu.Unlock()
	for _, offset := range expired {
		entry, err := s.load(offset)
		if err != nil {
			continue
		}
		s.log.met.EventLogRedelivs.Inc()
		s.enqueue(entry)
	}
}

func (s *Subscription) load(offset uint64) (Entry, error) {
	var payload []byte
	if err := s.log.db.QueryRow(
		`SELECT payload FROM events WHERE offset = ?`, offset).Scan(&payload); err != nil {
		return Entry{}, err
	}
	var ev model.DeviceEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return Entry{}, err
	}
	return Entry{Offset: offset, Event: ev}, nil
}

// Close tears the subscription down and removes it from the log.
func (s *Subscription) Close() {
	select {
	case <-s.stop:
		return
	default:
	}
	close(s.stop)
	<-s.done
	s.q.Dispose()
	s.log.mu.Lock()
	delete(s.log.subs, s.group)
	s.log.space.Broadcast()
	s.log.mu.Unlock()
}
