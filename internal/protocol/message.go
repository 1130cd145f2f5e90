// Package protocol defines the envelope and payload shapes carried on the
// signaling channel. Call-control and location traffic share one transport;
// the Type field discriminates.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tmirzaev/Pulse/internal/domain"
)

type MessageType string

const (
	TypeOffer          MessageType = "offer"
	TypeAnswer         MessageType = "answer"
	TypeCandidate      MessageType = "ice-candidate"
	TypeReject         MessageType = "reject"
	TypeEnd            MessageType = "end"
	TypeIncomingNotice MessageType = "incoming-notice"
	TypeLocation       MessageType = "location"
	TypeWatch          MessageType = "watch"
	TypeUnwatch        MessageType = "unwatch"
	TypePing           MessageType = "ping"
	TypePong           MessageType = "pong"
	TypeError          MessageType = "error"
)

var ErrUnknownType = errors.New("unknown message type")

// CallControl reports whether t belongs to the call-signaling subset that
// the relay forwards peer to peer.
func (t MessageType) CallControl() bool {
	switch t {
	case TypeOffer, TypeAnswer, TypeCandidate, TypeReject, TypeEnd, TypeIncomingNotice:
		return true
	}
	return false
}

// Envelope is the wire frame. From is stamped by the relay on forwarded
// messages; clients never trust a peer-supplied From.
type Envelope struct {
	Type      MessageType          `json:"type"`
	SessionID domain.SessionID     `json:"session_id,omitempty"`
	From      domain.ParticipantID `json:"from,omitempty"`
	To        domain.ParticipantID `json:"to,omitempty"`
	Payload   json.RawMessage      `json:"payload,omitempty"`
}

type OfferPayload struct {
	SDP       string           `json:"sdp"`
	MediaKind domain.MediaKind `json:"media_kind"`
}

type AnswerPayload struct {
	SDP string `json:"sdp"`
}

type CandidatePayload struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

type RejectPayload struct {
	Reason domain.EndReason `json:"reason,omitempty"`
}

type EndPayload struct {
	Reason domain.EndReason `json:"reason,omitempty"`
}

type IncomingNoticePayload struct {
	CallerID   domain.ParticipantID `json:"caller_id"`
	CallerName string               `json:"caller_name"`
	MediaKind  domain.MediaKind     `json:"media_kind"`
}

type LocationPayload struct {
	ActorID        domain.ParticipantID `json:"actor_id"`
	SubjectID      domain.SubjectID     `json:"subject_id"`
	Latitude       float64              `json:"lat"`
	Longitude      float64              `json:"lon"`
	Heading        *float64             `json:"heading,omitempty"`
	AccuracyMeters float64              `json:"accuracy"`
	CapturedAt     time.Time            `json:"captured_at"`
}

func (p LocationPayload) Frame() domain.LocationFrame {
	return domain.LocationFrame{
		ActorID:        p.ActorID,
		SubjectID:      p.SubjectID,
		Latitude:       p.Latitude,
		Longitude:      p.Longitude,
		Heading:        p.Heading,
		AccuracyMeters: p.AccuracyMeters,
		CapturedAt:     p.CapturedAt,
	}
}

func FromFrame(f domain.LocationFrame) LocationPayload {
	return LocationPayload{
		ActorID:        f.ActorID,
		SubjectID:      f.SubjectID,
		Latitude:       f.Latitude,
		Longitude:      f.Longitude,
		Heading:        f.Heading,
		AccuracyMeters: f.AccuracyMeters,
		CapturedAt:     f.CapturedAt,
	}
}

type WatchPayload struct {
	SubjectID domain.SubjectID `json:"subject_id"`
}

type ErrorPayload struct {
	Error string `json:"error"`
}

// New builds an envelope with a marshaled payload. Pass nil for payload-less
// types (ping, pong).
func New(t MessageType, sid domain.SessionID, to domain.ParticipantID, payload any) (Envelope, error) {
	env := Envelope{Type: t, SessionID: sid, To: to}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal %s payload: %w", t, err)
		}
		env.Payload = raw
	}
	return env, nil
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("empty %s payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

func Marshal(e Envelope) ([]byte, error) {
	return json.Marshal(e)
}

func Unmarshal(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("bad envelope: %w", err)
	}
	if e.Type == "" {
		return Envelope{}, ErrUnknownType
	}
	return e, nil
}
