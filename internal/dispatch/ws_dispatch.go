package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/trip-tracking/internal/observability"
)

const writeWait = 5 * time.Second

// WSSession represents one connected dashboard watching a trip.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(ev)
}

// WSRegistry holds dashboard sessions per trip.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]map[*WSSession]struct{}
}

func NewWSRegistry() *WSRegistry {
	return &WSRegistry{sessions: make(map[string]map[*WSSession]struct{})}
}

func (r *WSRegistry) Add(tripID string, conn *websocket.Conn) *WSSession {
	s := &WSSession{conn: conn}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[tripID] == nil {
		r.sessions[tripID] = make(map[*WSSession]struct{})
	}
	r.sessions[tripID][s] = struct{}{}
	observability.LiveSubscribers.Inc()
	return s
}

func (r *WSRegistry) Remove(tripID string, s *WSSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	subs := r.sessions[tripID]
	if _, ok := subs[s]; !ok {
		return
	}
	delete(subs, s)
	if len(subs) == 0 {
		delete(r.sessions, tripID)
	}
	observability.LiveSubscribers.Dec()
	_ = s.conn.Close()
}

func (r *WSRegistry) Count(tripID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions[tripID])
}

// Notify broadcasts ev to the trip's subscribers, dropping any that fail.
func (r *WSRegistry) Notify(_ context.Context, ev Event) error {
	r.mu.RLock()
	subs := make([]*WSSession, 0, len(r.sessions[ev.TripID]))
	for s := range r.sessions[ev.TripID] {
		subs = append(subs, s)
	}
	r.mu.RUnlock()

	for _, s := range subs {
		if err := s.Send(ev); err != nil {
			r.Remove(ev.TripID, s)
		}
	}
	return nil
}
