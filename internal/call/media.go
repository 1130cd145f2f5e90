package call

import (
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/tmirzaev/Pulse/internal/domain"
	"github.com/tmirzaev/Pulse/internal/protocol"
)

// PeerLink is the pion-backed Link: it owns the local capture and the
// peer connection for one session. Signaling is trickle: candidates flow
// through OnICECandidate as they are gathered, the SDP goes out at once.
type PeerLink struct {
	pc          *webrtc.PeerConnection
	sid         domain.SessionID
	stopCapture func()

	mu      sync.Mutex
	closed  bool
	onICE   func(protocol.CandidatePayload)
	onState func(LinkState)
	onTrack func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)
}

// NewPeerLink acquires local media for kind and builds the peer
// connection. It is the production LinkFactory.
func NewPeerLink(sid domain.SessionID, kind domain.MediaKind) (Link, error) {
	pc, stopCapture, err := newMediaPC(sid, kind)
	if err != nil {
		return nil, err
	}

	l := &PeerLink{pc: pc, sid: sid, stopCapture: stopCapture}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		l.mu.Lock()
		fn := l.onICE
		l.mu.Unlock()
		if fn != nil {
			fn(candidateToPayload(cand.ToJSON()))
		}
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "call.media").Str("session", string(sid)).Str("peer_state", s.String()).Msg("peer state")
		st, ok := linkStateOf(s)
		if !ok {
			return
		}
		l.mu.Lock()
		fn := l.onState
		l.mu.Unlock()
		if fn != nil {
			fn(st)
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		log.Info().Str("module", "call.media").
			Str("session", string(sid)).
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Msg("remote track")
		l.mu.Lock()
		fn := l.onTrack
		l.mu.Unlock()
		if fn != nil {
			fn(track, receiver)
		}
	})

	return l, nil
}

func (l *PeerLink) CreateOffer() (string, error) {
	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return "", err
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return "", err
	}
	return offer.SDP, nil
}

func (l *PeerLink) ApplyAnswer(sdp string) error {
	return l.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sdp,
	})
}

func (l *PeerLink) ApplyOfferAndCreateAnswer(sdp string) (string, error) {
	if err := l.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  sdp,
	}); err != nil {
		return "", err
	}
	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return "", err
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return "", err
	}
	return answer.SDP, nil
}

func (l *PeerLink) AddICECandidate(p protocol.CandidatePayload) error {
	ci := webrtc.ICECandidateInit{Candidate: p.Candidate}
	ci.SDPMid = p.SDPMid
	ci.SDPMLineIndex = p.SDPMLineIndex
	return l.pc.AddICECandidate(ci)
}

func (l *PeerLink) OnICECandidate(fn func(protocol.CandidatePayload)) {
	l.mu.Lock()
	l.onICE = fn
	l.mu.Unlock()
}

func (l *PeerLink) OnStateChange(fn func(LinkState)) {
	l.mu.Lock()
	l.onState = fn
	l.mu.Unlock()
}

// OnRemoteTrack surfaces the remote media stream to the UI layer.
func (l *PeerLink) OnRemoteTrack(fn func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)) {
	l.mu.Lock()
	l.onTrack = fn
	l.mu.Unlock()
}

// Close stops all local capture tracks and the peer connection.
// The session must not acquire new media before Close returns.
func (l *PeerLink) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.mu.Unlock()

	if l.stopCapture != nil {
		l.stopCapture()
	}
	if err := l.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "call.media").Str("session", string(l.sid)).Msg("close error")
	} else {
		log.Info().Str("module", "call.media").Str("session", string(l.sid)).Msg("closed")
	}
}

func candidateToPayload(ci webrtc.ICECandidateInit) protocol.CandidatePayload {
	return protocol.CandidatePayload{
		Candidate:     ci.Candidate,
		SDPMid:        ci.SDPMid,
		SDPMLineIndex: ci.SDPMLineIndex,
	}
}

func linkStateOf(s webrtc.PeerConnectionState) (LinkState, bool) {
	switch s {
	case webrtc.PeerConnectionStateNew, webrtc.PeerConnectionStateConnecting:
		return LinkConnecting, true
	case webrtc.PeerConnectionStateConnected:
		return LinkConnected, true
	case webrtc.PeerConnectionStateDisconnected:
		return LinkDisconnected, true
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
		return LinkFailed, true
	}
	return "", false
}

func defaultRTCConfig() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
	}
}
