// Package memorystore provides an in-process eventstore.Store suitable for
// single-node deployments and tests. State is local; reconnects must land on
// the same process.
package memorystore

import (
	"context"
	"strconv"
	"sync"

	"github.com/ggoodman/mcp-http-adapters-go/eventstore"
)

const defaultMaxEventsPerSession = 1024

type event struct {
	id   string
	data []byte
}

type sessionLog struct {
	seq    int64
	events []event
}

// Store retains events in bounded per-session logs under one mutex. When a
// log exceeds its bound the oldest events fall off, so a very stale
// Last-Event-ID replays only what is still retained.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*sessionLog
	maxPer   int
}

var _ eventstore.Store = (*Store)(nil)

// New returns a Store bounded at 1024 retained events per session.
func New() *Store {
	return NewWithLimit(defaultMaxEventsPerSession)
}

// NewWithLimit returns a Store retaining at most maxPerSession events per
// session. Bounds below 1 fall back to the default.
func NewWithLimit(maxPerSession int) *Store {
	if maxPerSession < 1 {
		maxPerSession = defaultMaxEventsPerSession
	}
	return &Store{
		sessions: make(map[string]*sessionLog),
		maxPer:   maxPerSession,
	}
}

func (s *Store) Append(ctx context.Context, sessionID string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	log, ok := s.sessions[sessionID]
	if !ok {
		log = &sessionLog{}
		s.sessions[sessionID] = log
	}

	log.seq++
	ev := event{
		id:   strconv.FormatInt(log.seq, 10),
		data: append([]byte(nil), data...),
	}
	log.events = append(log.events, ev)
	if len(log.events) > s.maxPer {
		log.events = log.events[len(log.events)-s.maxPer:]
	}
	return ev.id, nil
}

func (s *Store) ReplayAfter(ctx context.Context, sessionID string, lastEventID string, fn func(ctx context.Context, eventID string, data []byte) error) error {
	s.mu.Lock()
	log, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return nil
	}

	// Snapshot under the lock; fn runs without it so appends keep flowing
	// while a slow client drains the replay.
	start := 0
	for i, ev := range log.events {
		if ev.id == lastEventID {
			start = i + 1
			break
		}
	}
	pending := make([]event, len(log.events)-start)
	copy(pending, log.events[start:])
	s.mu.Unlock()

	for _, ev := range pending {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(ctx, ev.id, ev.data); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Drop(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	return nil
}
