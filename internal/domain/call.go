package domain

import "time"

type (
	SessionID string
	GroupID   string
)

// MediaKind selects the media profile of a call.
type MediaKind string

const (
	MediaVoice MediaKind = "voice"
	MediaVideo MediaKind = "video"
)

func (k MediaKind) Valid() bool {
	return k == MediaVoice || k == MediaVideo
}

// CallState is the lifecycle state of a call session. Transitions are owned
// by the call package; nothing else mutates it.
type CallState string

const (
	CallIdle      CallState = "idle"
	CallCalling   CallState = "calling"
	CallIncoming  CallState = "incoming"
	CallConnected CallState = "connected"
	CallEnded     CallState = "ended"
)

// Terminal reports whether no further transitions are possible.
func (s CallState) Terminal() bool { return s == CallEnded }

// EndReason is the human-meaningful cause of a terminal transition, so the
// UI can say "busy" or "declined" instead of a generic failure.
type EndReason string

const (
	EndHangUp       EndReason = "hang-up"
	EndDeclined     EndReason = "declined"
	EndBusy         EndReason = "busy"
	EndSuperseded   EndReason = "superseded"
	EndRingTimeout  EndReason = "ring-timeout"
	EndFailed       EndReason = "failed"
	EndDisconnected EndReason = "disconnected"
	EndMediaDenied  EndReason = "media-denied"
	EndNoDevice     EndReason = "no-device"
	EndRemote       EndReason = "remote-ended"
)

// CallSession is the record of one call between two participants. A group
// call is a set of CallSessions sharing a GroupID.
type CallSession struct {
	ID        SessionID     `json:"session_id"`
	Group     GroupID       `json:"group_id,omitempty"`
	LocalID   ParticipantID `json:"local_id"`
	RemoteID  ParticipantID `json:"remote_id"`
	Kind      MediaKind     `json:"media_kind"`
	State     CallState     `json:"state"`
	Reason    EndReason     `json:"reason,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	EndedAt   *time.Time    `json:"ended_at,omitempty"`
}
