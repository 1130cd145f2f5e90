package relay

import (
	"github.com/rs/zerolog/log"

	"github.com/tmirzaev/Pulse/internal/domain"
	"github.com/tmirzaev/Pulse/internal/protocol"
)

func (ctl *Controller) handleEnvelope(from domain.ParticipantID, conn SignalConn, data []byte) {
	env, err := protocol.Unmarshal(data)
	if err != nil {
		log.Error().Err(err).Str("module", "relay").Msg("bad envelope")
		ctl.sendError(conn, "bad_payload")
		return
	}

	switch {
	case env.Type == protocol.TypePing:
		ctl.handlePing(conn)
	case env.Type.CallControl():
		ctl.forwardCall(from, conn, env)
	case env.Type == protocol.TypeLocation:
		ctl.handleLocation(from, conn, env)
	case env.Type == protocol.TypeWatch:
		ctl.handleWatch(from, conn, env, true)
	case env.Type == protocol.TypeUnwatch:
		ctl.handleWatch(from, conn, env, false)
	default:
		log.Warn().Str("module", "relay").Str("type", string(env.Type)).Msg("unknown envelope type")
	}
}

// forwardCall relays a call-control envelope to its addressee verbatim,
// stamping From server-side so peers cannot spoof each other.
func (ctl *Controller) forwardCall(from domain.ParticipantID, conn SignalConn, env protocol.Envelope) {
	if env.To == "" || env.SessionID == "" {
		ctl.sendError(conn, "missing to or session_id")
		return
	}
	env.From = from

	target, ok := ctl.Registry.Get(env.To)
	if !ok {
		// Delivery is best-effort. Call setup messages get an explicit
		// peer-offline reply so the caller does not ring out; the rest
		// (candidates, end) are dropped silently.
		if env.Type == protocol.TypeOffer || env.Type == protocol.TypeIncomingNotice {
			ctl.sendError(conn, "peer-offline")
		}
		log.Info().Str("module", "relay").
			Str("type", string(env.Type)).
			Str("to", string(env.To)).
			Msg("addressee offline, dropped")
		return
	}

	ctl.sendEnvelope(target, env)
}

func (ctl *Controller) handleLocation(from domain.ParticipantID, conn SignalConn, env protocol.Envelope) {
	if !ctl.Limiter.Allow(from) {
		log.Warn().Str("module", "relay").Str("pid", string(from)).Msg("location frame rate limited")
		return
	}

	var p protocol.LocationPayload
	if err := env.Decode(&p); err != nil {
		log.Error().Err(err).Str("module", "relay").Msg("bad location payload")
		ctl.sendError(conn, "bad_payload")
		return
	}
	if p.ActorID != from {
		ctl.sendError(conn, "actor mismatch")
		return
	}

	env.From = from
	ctl.Hub.Publish(p.Frame(), env)
}

func (ctl *Controller) handleWatch(from domain.ParticipantID, conn SignalConn, env protocol.Envelope, on bool) {
	var p protocol.WatchPayload
	if err := env.Decode(&p); err != nil || p.SubjectID == "" {
		ctl.sendError(conn, "bad_payload")
		return
	}
	if on {
		ctl.Hub.Watch(p.SubjectID, from, conn)
	} else {
		ctl.Hub.Unwatch(p.SubjectID, from)
	}
}

func (ctl *Controller) handlePing(conn SignalConn) {
	ctl.sendEnvelope(conn, protocol.Envelope{Type: protocol.TypePong})
}

func (ctl *Controller) sendError(conn SignalConn, msg string) {
	env, err := protocol.New(protocol.TypeError, "", "", protocol.ErrorPayload{Error: msg})
	if err != nil {
		return
	}
	ctl.sendEnvelope(conn, env)
}

func (ctl *Controller) sendEnvelope(conn SignalConn, env protocol.Envelope) {
	data, err := protocol.Marshal(env)
	if err != nil {
		log.Error().Err(err).Str("module", "relay").Msg("marshal envelope")
		return
	}
	_ = conn.TrySend(data)
}
