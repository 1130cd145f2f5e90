package relay

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tmirzaev/Pulse/internal/domain"
	"github.com/tmirzaev/Pulse/internal/protocol"
)

// WatchHub tracks which participants observe which subjects and fans
// location frames out to them. It also guards frame ordering: capturedAt
// must increase per (actor, subject) stream, because the channel
// gives no ordering guarantees across reconnecting emitters. Stale frames
// are dropped, never reordered.
type WatchHub struct {
	mu       sync.RWMutex
	watchers map[domain.SubjectID]map[domain.ParticipantID]SignalConn
	lastSeen map[string]time.Time
}

func NewWatchHub() *WatchHub {
	return &WatchHub{
		watchers: make(map[domain.SubjectID]map[domain.ParticipantID]SignalConn),
		lastSeen: make(map[string]time.Time),
	}
}

func (h *WatchHub) Watch(subject domain.SubjectID, pid domain.ParticipantID, conn SignalConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.watchers[subject]
	if !ok {
		set = make(map[domain.ParticipantID]SignalConn)
		h.watchers[subject] = set
	}
	set[pid] = conn
	log.Info().Str("module", "relay.hub").
		Str("subject", string(subject)).
		Str("pid", string(pid)).
		Msg("watch")
}

func (h *WatchHub) Unwatch(subject domain.SubjectID, pid domain.ParticipantID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.watchers[subject]; ok {
		delete(set, pid)
		if len(set) == 0 {
			delete(h.watchers, subject)
		}
	}
}

// DropWatcher removes pid from every subject, on disconnect.
func (h *WatchHub) DropWatcher(pid domain.ParticipantID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for subject, set := range h.watchers {
		delete(set, pid)
		if len(set) == 0 {
			delete(h.watchers, subject)
		}
	}
}

func (h *WatchHub) WatcherCount(subject domain.SubjectID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.watchers[subject])
}

// Publish fans one frame out to the subject's watchers. Returns false when
// the frame is stale for its stream and was dropped.
func (h *WatchHub) Publish(frame domain.LocationFrame, env protocol.Envelope) bool {
	key := frame.StreamKey()

	h.mu.Lock()
	// Non-increasing means stale: a duplicate carries no new position either.
	if last, ok := h.lastSeen[key]; ok && !frame.CapturedAt.After(last) {
		h.mu.Unlock()
		log.Warn().Str("module", "relay.hub").Str("stream", key).Msg("stale frame dropped")
		return false
	}
	h.lastSeen[key] = frame.CapturedAt

	set := h.watchers[frame.SubjectID]
	targets := make([]SignalConn, 0, len(set))
	for pid, conn := range set {
		if pid == frame.ActorID {
			continue
		}
		targets = append(targets, conn)
	}
	h.mu.Unlock()

	data, err := protocol.Marshal(env)
	if err != nil {
		log.Error().Err(err).Str("module", "relay.hub").Msg("marshal frame")
		return false
	}

	// Frames are ephemeral; a slow watcher just misses this one.
	for _, conn := range targets {
		if err := conn.TrySend(data); err != nil {
			log.Warn().Err(err).Str("module", "relay.hub").Str("stream", key).Msg("frame dropped for slow watcher")
		}
	}
	return true
}

// Sweep forgets stream ordering state older than maxAge. Call periodically;
// a rider that has been silent that long restarts its stream anyway.
func (h *WatchHub) Sweep(maxAge time.Duration) {
	cutoff := time.Now().Add(-maxAge)
	h.mu.Lock()
	defer h.mu.Unlock()
	for key, seen := range h.lastSeen {
		if seen.Before(cutoff) {
			delete(h.lastSeen, key)
		}
	}
}
