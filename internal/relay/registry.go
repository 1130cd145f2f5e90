package relay

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/tmirzaev/Pulse/internal/domain"
)

type connEntry struct {
	Conn   SignalConn
	Cancel context.CancelFunc
}

// Registry maps connected participants to their signal connections.
// One connection per participant; a newer bind cancels the older one.
type Registry struct {
	mu    sync.RWMutex
	conns map[domain.ParticipantID]*connEntry
}

func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[domain.ParticipantID]*connEntry),
	}
}

func (r *Registry) Bind(pid domain.ParticipantID, conn SignalConn, cancel context.CancelFunc) {
	r.mu.Lock()
	old, had := r.conns[pid]
	r.conns[pid] = &connEntry{Conn: conn, Cancel: cancel}
	r.mu.Unlock()

	if had {
		log.Info().Str("module", "relay.registry").Str("pid", string(pid)).Msg("replacing existing connection")
		if old.Cancel != nil {
			old.Cancel()
		}
		old.Conn.Close()
	}
	log.Info().Str("module", "relay.registry").Str("pid", string(pid)).Msg("bound connection")
}

func (r *Registry) Get(pid domain.ParticipantID) (SignalConn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.conns[pid]; ok {
		return e.Conn, true
	}
	return nil, false
}

// Unbind removes pid only if it still points at conn; a reconnect may
// already have replaced the entry.
func (r *Registry) Unbind(pid domain.ParticipantID, conn SignalConn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.conns[pid]; ok && e.Conn == conn {
		delete(r.conns, pid)
		log.Info().Str("module", "relay.registry").Str("pid", string(pid)).Msg("unbind connection")
	}
}

func (r *Registry) Cancel(pid domain.ParticipantID) bool {
	r.mu.RLock()
	e, ok := r.conns[pid]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if e.Cancel != nil {
		e.Cancel()
	}
	log.Info().Str("module", "relay.registry").Str("pid", string(pid)).Msg("canceled connection")
	return true
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
