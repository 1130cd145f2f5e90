package call

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tmirzaev/Pulse/internal/domain"
	"github.com/tmirzaev/Pulse/internal/protocol"
)

// Signaler is the only surface the call package needs from the channel
// layer, so tests can substitute a fake.
type Signaler interface {
	Send(to domain.ParticipantID, env protocol.Envelope) error
}

var ErrNoOffer = errors.New("no remote offer yet")

// How long a link may sit in disconnected before the session gives up.
const disconnectGrace = 10 * time.Second

// Session is one call between the local participant and one remote peer.
// State transitions happen only here. The terminal transition is
// idempotent: racing end causes (remote reject vs local hang-up, link
// failure vs ring timeout) all collapse into the first one applied.
type Session struct {
	mu  sync.Mutex
	rec domain.CallSession

	sig       Signaler
	factory   LinkFactory
	localName string

	link     Link
	queue    *candidateQueue
	offerSDP string

	ringTimeout time.Duration
	ringTimer   *time.Timer
	discTimer   *time.Timer

	announced bool

	onConnected func(*Session)
	onEnded     func(*Session, domain.EndReason)
}

func newSession(rec domain.CallSession, sig Signaler, factory LinkFactory, localName string,
	ringTimeout time.Duration, onConnected func(*Session), onEnded func(*Session, domain.EndReason)) *Session {
	s := &Session{
		rec:         rec,
		sig:         sig,
		factory:     factory,
		localName:   localName,
		ringTimeout: ringTimeout,
		onConnected: onConnected,
		onEnded:     onEnded,
	}
	s.queue = newCandidateQueue(s.applyCandidate)
	return s
}

func (s *Session) ID() domain.SessionID       { return s.rec.ID }
func (s *Session) Remote() domain.ParticipantID { return s.rec.RemoteID }

// Snapshot returns a copy of the session record for UI display.
func (s *Session) Snapshot() domain.CallSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec
}

func (s *Session) State() domain.CallState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec.State
}

// startOutbound acquires media off the event path, then creates and sends
// the offer plus the incoming-notice that rings the remote UI. The ring
// timer runs from initiation: the channel gives no delivery guarantees,
// so an unanswered call must end itself.
func (s *Session) startOutbound() {
	s.mu.Lock()
	s.ringTimer = time.AfterFunc(s.ringTimeout, s.onRingTimeout)
	s.mu.Unlock()

	go func() {
		link, err := s.factory(s.rec.ID, s.rec.Kind)
		if err != nil {
			// Nothing was signaled yet; the remote side never rang.
			s.end(mediaReason(err), "")
			return
		}
		if !s.adoptLink(link) {
			return
		}

		sdp, err := link.CreateOffer()
		if err != nil {
			log.Error().Err(err).Str("module", "call").Str("session", string(s.rec.ID)).Msg("create offer")
			s.end(domain.EndFailed, "")
			return
		}

		if err := s.sendSig(protocol.TypeOffer, protocol.OfferPayload{SDP: sdp, MediaKind: s.rec.Kind}); err != nil {
			s.end(domain.EndDisconnected, "")
			return
		}
		// Offer first, then notice: the per-stream ordering guarantee means
		// the callee holds the SDP before its UI starts ringing.
		_ = s.sendSig(protocol.TypeIncomingNotice, protocol.IncomingNoticePayload{
			CallerID:   s.rec.LocalID,
			CallerName: s.localName,
			MediaKind:  s.rec.Kind,
		})
	}()
}

// Accept answers an incoming call: acquire media, apply the remote offer,
// send the answer, drain queued candidates in arrival order.
func (s *Session) Accept() error {
	s.mu.Lock()
	if s.rec.State != domain.CallIncoming {
		s.mu.Unlock()
		return errors.New("not an incoming call")
	}
	if s.offerSDP == "" {
		s.mu.Unlock()
		return ErrNoOffer
	}
	offer := s.offerSDP
	s.mu.Unlock()

	go func() {
		link, err := s.factory(s.rec.ID, s.rec.Kind)
		if err != nil {
			// The caller is still ringing; tell it why we cannot pick up.
			s.end(mediaReason(err), protocol.TypeReject)
			return
		}
		if !s.adoptLink(link) {
			return
		}

		answer, err := link.ApplyOfferAndCreateAnswer(offer)
		if err != nil {
			log.Error().Err(err).Str("module", "call").Str("session", string(s.rec.ID)).Msg("apply offer")
			s.end(domain.EndFailed, protocol.TypeEnd)
			return
		}
		if err := s.sendSig(protocol.TypeAnswer, protocol.AnswerPayload{SDP: answer}); err != nil {
			s.end(domain.EndDisconnected, "")
			return
		}
		if err := s.queue.Drain(); err != nil {
			log.Error().Err(err).Str("module", "call").Str("session", string(s.rec.ID)).Msg("drain candidates")
		}
		s.setConnected()
	}()
	return nil
}

// Decline refuses an incoming call.
func (s *Session) Decline() {
	s.end(domain.EndDeclined, protocol.TypeReject)
}

// HangUp ends the call locally and signals the remote side. Idempotent;
// safe while media acquisition is still pending, in which case the
// eventually acquired link is discarded.
func (s *Session) HangUp() {
	s.end(domain.EndHangUp, protocol.TypeEnd)
}

// adoptLink installs an acquired link, unless the session ended while the
// acquisition was in flight, in which case the link is released.
func (s *Session) adoptLink(link Link) bool {
	s.mu.Lock()
	if s.rec.State.Terminal() {
		s.mu.Unlock()
		link.Close()
		return false
	}
	s.link = link
	s.mu.Unlock()

	link.OnICECandidate(func(c protocol.CandidatePayload) {
		_ = s.sendSig(protocol.TypeCandidate, c)
	})
	link.OnStateChange(s.onLinkState)
	return true
}

func (s *Session) handleAnswer(p protocol.AnswerPayload) {
	s.mu.Lock()
	if s.rec.State != domain.CallCalling || s.link == nil {
		s.mu.Unlock()
		return
	}
	link := s.link
	s.mu.Unlock()

	if err := link.ApplyAnswer(p.SDP); err != nil {
		log.Error().Err(err).Str("module", "call").Str("session", string(s.rec.ID)).Msg("apply answer")
		s.end(domain.EndFailed, protocol.TypeEnd)
		return
	}
	if err := s.queue.Drain(); err != nil {
		log.Error().Err(err).Str("module", "call").Str("session", string(s.rec.ID)).Msg("drain candidates")
	}
	s.setConnected()
}

func (s *Session) handleReject(p protocol.RejectPayload) {
	reason := p.Reason
	if reason == "" {
		reason = domain.EndDeclined
	}
	s.end(reason, "")
}

func (s *Session) handleEnd(p protocol.EndPayload) {
	reason := p.Reason
	if reason == "" {
		reason = domain.EndRemote
	}
	s.end(reason, "")
}

func (s *Session) handleCandidate(p protocol.CandidatePayload) {
	if err := s.queue.Put(p); err != nil {
		log.Error().Err(err).Str("module", "call").Str("session", string(s.rec.ID)).Msg("apply candidate")
	}
}

// handleOffer stores the remote offer for a session created by an
// incoming-notice that outran its offer.
func (s *Session) handleOffer(p protocol.OfferPayload) {
	s.mu.Lock()
	if s.offerSDP == "" {
		s.offerSDP = p.SDP
	}
	s.mu.Unlock()
}

// markAnnounced returns true only on its first call, so the incoming
// event fires once even when both offer and notice arrive.
func (s *Session) markAnnounced() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.announced {
		return false
	}
	s.announced = true
	return true
}

func (s *Session) applyCandidate(c protocol.CandidatePayload) error {
	s.mu.Lock()
	link := s.link
	s.mu.Unlock()
	if link == nil {
		return errors.New("no link")
	}
	return link.AddICECandidate(c)
}

func (s *Session) setConnected() {
	s.mu.Lock()
	if s.rec.State.Terminal() {
		s.mu.Unlock()
		return
	}
	s.rec.State = domain.CallConnected
	s.stopTimersLocked()
	s.mu.Unlock()

	log.Info().Str("module", "call").Str("session", string(s.rec.ID)).Msg("connected")
	if s.onConnected != nil {
		s.onConnected(s)
	}
}

func (s *Session) onRingTimeout() {
	s.mu.Lock()
	ringing := s.rec.State == domain.CallCalling
	s.mu.Unlock()
	if ringing {
		s.end(domain.EndRingTimeout, protocol.TypeEnd)
	}
}

func (s *Session) onLinkState(st LinkState) {
	switch st {
	case LinkFailed:
		s.end(domain.EndFailed, protocol.TypeEnd)
	case LinkDisconnected:
		s.mu.Lock()
		if !s.rec.State.Terminal() && s.discTimer == nil {
			s.discTimer = time.AfterFunc(disconnectGrace, func() {
				s.end(domain.EndFailed, protocol.TypeEnd)
			})
		}
		s.mu.Unlock()
	case LinkConnected:
		s.mu.Lock()
		if s.discTimer != nil {
			s.discTimer.Stop()
			s.discTimer = nil
		}
		s.mu.Unlock()
	}
}

// end applies the terminal transition: releases media, clears the
// candidate queue, optionally signals the remote peer. Applying it twice
// is a no-op.
func (s *Session) end(reason domain.EndReason, remoteMsg protocol.MessageType) {
	s.mu.Lock()
	if s.rec.State.Terminal() {
		s.mu.Unlock()
		return
	}
	s.rec.State = domain.CallEnded
	s.rec.Reason = reason
	now := time.Now()
	s.rec.EndedAt = &now
	link := s.link
	s.link = nil
	s.stopTimersLocked()
	s.mu.Unlock()

	s.queue.Clear()
	if link != nil {
		link.Close()
	}

	switch remoteMsg {
	case protocol.TypeEnd:
		_ = s.deliver(protocol.TypeEnd, protocol.EndPayload{Reason: reason})
	case protocol.TypeReject:
		_ = s.deliver(protocol.TypeReject, protocol.RejectPayload{Reason: reason})
	}

	log.Info().Str("module", "call").
		Str("session", string(s.rec.ID)).
		Str("reason", string(reason)).
		Msg("ended")
	if s.onEnded != nil {
		s.onEnded(s, reason)
	}
}

func (s *Session) stopTimersLocked() {
	if s.ringTimer != nil {
		s.ringTimer.Stop()
		s.ringTimer = nil
	}
	if s.discTimer != nil {
		s.discTimer.Stop()
		s.discTimer = nil
	}
}

// sendSig drops the message when the session already ended, so a racing
// hang-up cannot let an offer or notice escape after the end went out and
// leave the callee ringing with no cancel.
func (s *Session) sendSig(t protocol.MessageType, payload any) error {
	if s.State().Terminal() {
		return nil
	}
	return s.deliver(t, payload)
}

func (s *Session) deliver(t protocol.MessageType, payload any) error {
	env, err := protocol.New(t, s.rec.ID, s.rec.RemoteID, payload)
	if err != nil {
		return err
	}
	return s.sig.Send(s.rec.RemoteID, env)
}

func mediaReason(err error) domain.EndReason {
	switch {
	case errors.Is(err, ErrMediaAccessDenied):
		return domain.EndMediaDenied
	case errors.Is(err, ErrNoDevice):
		return domain.EndNoDevice
	default:
		return domain.EndFailed
	}
}
