package notify

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tmirzaev/Pulse/internal/domain"
	"github.com/tmirzaev/Pulse/internal/protocol"
)

// Notice is what the toast renderer receives.
type Notice struct {
	Kind    string
	Subject domain.SubjectID
	From    domain.ParticipantID
	Text    string
}

// Notifier observes channel envelopes independently of the call and map
// layers and turns them into at-most-one notice per key per window. Wire
// HandleEnvelope as an extra OnMessage handler on the channel.
type Notifier struct {
	throttle *Throttle
	window   time.Duration
	render   func(Notice)
}

// NewNotifier builds a notifier; render is the platform's toast surface.
func NewNotifier(window time.Duration, render func(Notice)) *Notifier {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Notifier{
		throttle: NewThrottle(),
		window:   window,
		render:   render,
	}
}

func (n *Notifier) HandleEnvelope(env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeLocation:
		var p protocol.LocationPayload
		if err := env.Decode(&p); err != nil {
			log.Error().Err(err).Str("module", "notify").Msg("bad location payload")
			return
		}
		// Every frame still reaches the live map; only the notice is
		// subject to the window.
		key := "rider-notice:" + string(p.SubjectID)
		if !n.throttle.ShouldEmit(key, n.window) {
			return
		}
		n.render(Notice{
			Kind:    "rider-update",
			Subject: p.SubjectID,
			From:    p.ActorID,
			Text:    "your delivery is on the move",
		})
	case protocol.TypeIncomingNotice:
		var p protocol.IncomingNoticePayload
		if err := env.Decode(&p); err != nil {
			return
		}
		// One notice per ringing session; repeats of the same session id
		// inside the window stay quiet.
		key := "call-notice:" + string(env.SessionID)
		if !n.throttle.ShouldEmit(key, n.window) {
			return
		}
		n.render(Notice{
			Kind: "incoming-call",
			From: p.CallerID,
			Text: p.CallerName + " is calling",
		})
	}
}

// Sweep forwards to the underlying throttle; call it periodically to keep
// the entry map bounded.
func (n *Notifier) Sweep() {
	n.throttle.Sweep(n.window)
}
