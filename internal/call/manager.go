package call

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/tmirzaev/Pulse/internal/domain"
	"github.com/tmirzaev/Pulse/internal/protocol"
)

// Events are the UI-facing callbacks. All are optional.
type Events struct {
	// Incoming fires once per inbound call that is allowed to ring.
	Incoming func(s *Session, notice protocol.IncomingNoticePayload)
	// Connected fires when a session reaches connected.
	Connected func(s *Session)
	// Ended fires on every terminal transition with its reason.
	Ended func(s *Session, reason domain.EndReason)
	// BusyRejected is informational: an inbound call was auto-rejected
	// because a call is already in progress. Not an error.
	BusyRejected func(sid domain.SessionID, from domain.ParticipantID)
}

// Manager owns call sessions for one local participant. At most one call
// may be non-terminal at a time; a group call counts as one call. The only
// tolerated overlap is the mutual-call race, see onInbound.
type Manager struct {
	local       domain.Participant
	sig         Signaler
	factory     LinkFactory
	ringTimeout time.Duration
	events      Events

	mu     sync.Mutex
	active map[domain.SessionID]*Session
}

// NewManager wires the call layer for one local participant; local's
// display name is what remote UIs show on the incoming-call notice.
func NewManager(local domain.Participant, sig Signaler,
	factory LinkFactory, ringTimeout time.Duration, events Events) *Manager {
	return &Manager{
		local:       local,
		sig:         sig,
		factory:     factory,
		ringTimeout: ringTimeout,
		events:      events,
		active:      make(map[domain.SessionID]*Session),
	}
}

// Initiate places an outbound call. Any call already in progress is ended
// with a superseded reason first, so the single-call invariant holds
// before the new session starts ringing.
func (m *Manager) Initiate(remote domain.ParticipantID, kind domain.MediaKind) (*Session, error) {
	if !kind.Valid() {
		return nil, errors.New("invalid media kind")
	}
	if remote == m.local.ID {
		return nil, errors.New("cannot call self")
	}

	m.supersedeActive()

	sess := m.addSession(domain.CallSession{
		ID:        domain.SessionID(uuid.NewString()),
		LocalID:   m.local.ID,
		RemoteID:  remote,
		Kind:      kind,
		State:     domain.CallCalling,
		CreatedAt: time.Now(),
	})
	log.Info().Str("module", "call").
		Str("session", string(sess.ID())).
		Str("remote", string(remote)).
		Str("kind", string(kind)).
		Msg("initiate")
	sess.startOutbound()
	return sess, nil
}

// Active returns the non-terminal sessions (more than one only during a
// group call or the mutual-call race).
func (m *Manager) Active() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.active))
	for _, s := range m.active {
		out = append(out, s)
	}
	return out
}

func (m *Manager) Get(sid domain.SessionID) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.active[sid]
	return s, ok
}

// Phase is the overall call state for UI display: idle with no session in
// progress, connected as soon as any session is, otherwise ringing.
func (m *Manager) Phase() domain.CallState {
	m.mu.Lock()
	defer m.mu.Unlock()
	phase := domain.CallIdle
	for _, s := range m.active {
		switch st := s.State(); st {
		case domain.CallConnected:
			return domain.CallConnected
		case domain.CallCalling, domain.CallIncoming:
			phase = st
		}
	}
	return phase
}

// fromPeer looks the session up and checks the envelope's relay-stamped
// sender against it, so one peer cannot steer another peer's session.
func (m *Manager) fromPeer(env protocol.Envelope) (*Session, bool) {
	s, ok := m.Get(env.SessionID)
	if !ok {
		return nil, false
	}
	if s.Remote() != env.From {
		log.Warn().Str("module", "call").
			Str("session", string(env.SessionID)).
			Str("from", string(env.From)).
			Msg("envelope sender is not the session peer, dropped")
		return nil, false
	}
	return s, true
}

// HandleEnvelope routes one inbound signaling envelope. Envelopes for
// unknown (including already ended) session ids are ignored.
func (m *Manager) HandleEnvelope(env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeOffer:
		var p protocol.OfferPayload
		if err := env.Decode(&p); err != nil {
			log.Error().Err(err).Str("module", "call").Msg("bad offer payload")
			return
		}
		m.onInbound(env, p.MediaKind, p.SDP, nil)
	case protocol.TypeIncomingNotice:
		var p protocol.IncomingNoticePayload
		if err := env.Decode(&p); err != nil {
			log.Error().Err(err).Str("module", "call").Msg("bad notice payload")
			return
		}
		m.onInbound(env, p.MediaKind, "", &p)
	case protocol.TypeAnswer:
		var p protocol.AnswerPayload
		if err := env.Decode(&p); err != nil {
			return
		}
		if s, ok := m.fromPeer(env); ok {
			s.handleAnswer(p)
		}
	case protocol.TypeReject:
		var p protocol.RejectPayload
		_ = env.Decode(&p)
		if s, ok := m.fromPeer(env); ok {
			s.handleReject(p)
		}
	case protocol.TypeEnd:
		var p protocol.EndPayload
		_ = env.Decode(&p)
		if s, ok := m.fromPeer(env); ok {
			s.handleEnd(p)
		}
	case protocol.TypeCandidate:
		var p protocol.CandidatePayload
		if err := env.Decode(&p); err != nil {
			return
		}
		if s, ok := m.fromPeer(env); ok {
			s.handleCandidate(p)
		}
	}
}

// HandleDisconnect force-ends every session: calls are not resumable
// across a transport drop, a fresh call must be placed. No signaling is
// sent; the channel is gone.
func (m *Manager) HandleDisconnect() {
	for _, s := range m.snapshotActive() {
		s.end(domain.EndDisconnected, "")
	}
}

// onInbound creates (or updates) an incoming session from an offer or an
// incoming-notice, whichever arrives first for that session id.
//
// Busy policy: while any call is in progress the new call is auto-rejected
// with busy, not queued. Exception: when every active session is an
// outbound ring to the very peer now calling us, both sides dialed each
// other at once; both sessions are allowed to ring and the first one to
// connect supersedes the other.
func (m *Manager) onInbound(env protocol.Envelope, kind domain.MediaKind, offerSDP string, notice *protocol.IncomingNoticePayload) {
	if env.SessionID == "" || env.From == "" {
		return
	}

	m.mu.Lock()
	if existing, ok := m.active[env.SessionID]; ok {
		m.mu.Unlock()
		if offerSDP != "" {
			existing.handleOffer(protocol.OfferPayload{SDP: offerSDP, MediaKind: kind})
		}
		if notice != nil {
			m.announce(existing, *notice)
		}
		return
	}

	busy := len(m.active) > 0 && !m.mutualRaceLocked(env.From)
	if busy {
		m.mu.Unlock()
		log.Info().Str("module", "call").
			Str("session", string(env.SessionID)).
			Str("from", string(env.From)).
			Msg("busy, auto-rejecting incoming call")
		rej, err := protocol.New(protocol.TypeReject, env.SessionID, env.From, protocol.RejectPayload{Reason: domain.EndBusy})
		if err == nil {
			_ = m.sig.Send(env.From, rej)
		}
		if m.events.BusyRejected != nil {
			m.events.BusyRejected(env.SessionID, env.From)
		}
		return
	}

	sess := m.addSessionLocked(domain.CallSession{
		ID:        env.SessionID,
		LocalID:   m.local.ID,
		RemoteID:  env.From,
		Kind:      kind,
		State:     domain.CallIncoming,
		CreatedAt: time.Now(),
	})
	sess.offerSDP = offerSDP
	m.mu.Unlock()

	log.Info().Str("module", "call").
		Str("session", string(env.SessionID)).
		Str("from", string(env.From)).
		Msg("incoming call")
	if notice != nil {
		m.announce(sess, *notice)
	}
}

// mutualRaceLocked reports whether every active session is an outbound
// ring addressed to peer.
func (m *Manager) mutualRaceLocked(peer domain.ParticipantID) bool {
	for _, s := range m.active {
		snap := s.Snapshot()
		if snap.State != domain.CallCalling || snap.RemoteID != peer {
			return false
		}
	}
	return len(m.active) > 0
}

// announce fires Events.Incoming once per session.
func (m *Manager) announce(s *Session, notice protocol.IncomingNoticePayload) {
	if m.events.Incoming == nil {
		return
	}
	if s.markAnnounced() {
		m.events.Incoming(s, notice)
	}
}

// supersedeActive ends every in-progress session with a superseded reason.
func (m *Manager) supersedeActive() {
	for _, s := range m.snapshotActive() {
		s.end(domain.EndSuperseded, protocol.TypeEnd)
	}
}

func (m *Manager) snapshotActive() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.active))
	for _, s := range m.active {
		out = append(out, s)
	}
	return out
}

func (m *Manager) addSession(rec domain.CallSession) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addSessionLocked(rec)
}

// addSessionLocked requires m.mu held.
func (m *Manager) addSessionLocked(rec domain.CallSession) *Session {
	sess := newSession(rec, m.sig, m.factory, m.local.DisplayName, m.ringTimeout, m.onConnected, m.onEnded)
	m.active[rec.ID] = sess
	return sess
}

// onConnected enforces first-answer-wins: the moment one session connects,
// every other in-progress session is superseded. Sessions of the same
// group call stay up; a group is one call.
func (m *Manager) onConnected(s *Session) {
	group := s.Snapshot().Group
	for _, other := range m.snapshotActive() {
		if other == s {
			continue
		}
		if group != "" && other.Snapshot().Group == group {
			continue
		}
		other.end(domain.EndSuperseded, protocol.TypeEnd)
	}
	if m.events.Connected != nil {
		m.events.Connected(s)
	}
}

func (m *Manager) onEnded(s *Session, reason domain.EndReason) {
	m.mu.Lock()
	delete(m.active, s.ID())
	m.mu.Unlock()
	if m.events.Ended != nil {
		m.events.Ended(s, reason)
	}
}
