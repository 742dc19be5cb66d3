package gateway

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/subasta/go/internal/auction/metrics"
)

// ConnectionManager tracks every attached bidder session. A session stays
// here from admission until its connection is torn down, including the
// time it spends waiting for the result after FIN.
type ConnectionManager struct {
	sessions map[*Session]bool
	mu       sync.RWMutex

	metrics *metrics.Metrics
}

// NewConnectionManager creates an empty registry.
func NewConnectionManager(m *metrics.Metrics) *ConnectionManager {
	return &ConnectionManager{
		sessions: make(map[*Session]bool),
		metrics:  m,
	}
}

// Register adds a session to the manager
func (cm *ConnectionManager) Register(s *Session) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.sessions[s] {
		return
	}
	cm.sessions[s] = true
	cm.metrics.ActiveSessions.Inc()

	log.Debug().
		Str("bidder_id", s.ID).
		Int("total_sessions", len(cm.sessions)).
		Msg("session registered")
}

// Unregister removes a session from the manager. Safe to call twice.
func (cm *ConnectionManager) Unregister(s *Session) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if !cm.sessions[s] {
		return
	}
	delete(cm.sessions, s)
	cm.metrics.ActiveSessions.Dec()

	log.Debug().
		Str("bidder_id", s.ID).
		Int("total_sessions", len(cm.sessions)).
		Msg("session unregistered")
}

// Sessions returns a snapshot of every attached session.
func (cm *ConnectionManager) Sessions() []*Session {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	out := make([]*Session, 0, len(cm.sessions))
	for s := range cm.sessions {
		out = append(out, s)
	}
	return out
}

// Registered returns a snapshot of the sessions still taking part in the
// round. Sessions that sent FIN or dropped are excluded.
func (cm *ConnectionManager) Registered() []*Session {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	out := make([]*Session, 0, len(cm.sessions))
	for s := range cm.sessions {
		if s.Registered() {
			out = append(out, s)
		}
	}
	return out
}

// Count returns the number of attached sessions.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.sessions)
}

// Broadcast queues text on every registered session and returns how many
// accepted it. A full or closed session is skipped; the rest still get
// the message.
func (cm *ConnectionManager) Broadcast(text string) (delivered, dropped int) {
	// Snapshot first so the lock is never held while touching sessions
	targets := cm.Registered()

	for _, s := range targets {
		if s.Push(text) {
			delivered++
			continue
		}
		dropped++
		cm.metrics.RecordDeliveryFailure("broadcast")
		log.Warn().
			Str("bidder_id", s.ID).
			Msg("session send queue full, dropping broadcast")
	}
	return delivered, dropped
}

// FinishAll hands the final result to every attached session.
func (cm *ConnectionManager) FinishAll(text string) int {
	targets := cm.Sessions()
	for _, s := range targets {
		s.Finish(text)
	}
	return len(targets)
}

// CloseAll tears down every attached connection. Used on shutdown and to
// drop stragglers when a round is reset.
func (cm *ConnectionManager) CloseAll() {
	for _, s := range cm.Sessions() {
		s.close()
	}
}

// Stats returns statistics about attached sessions
func (cm *ConnectionManager) Stats() map[string]interface{} {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	registered := 0
	byTransport := make(map[string]int)
	for s := range cm.sessions {
		if s.Registered() {
			registered++
		}
		byTransport[s.Transport]++
	}

	return map[string]interface{}{
		"total_sessions":        len(cm.sessions),
		"registered_sessions":   registered,
		"sessions_by_transport": byTransport,
	}
}
