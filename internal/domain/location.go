package domain

import "time"

// SubjectID names the thing a location stream is about, e.g. a delivery.
type SubjectID string

// LocationFrame is one emitted position of a movable actor. Frames are
// ephemeral: produced, transmitted, optionally rendered, never persisted
// by this layer.
type LocationFrame struct {
	ActorID        ParticipantID `json:"actor_id"`
	SubjectID      SubjectID     `json:"subject_id"`
	Latitude       float64       `json:"lat"`
	Longitude      float64       `json:"lon"`
	Heading        *float64      `json:"heading,omitempty"`
	AccuracyMeters float64       `json:"accuracy"`
	CapturedAt     time.Time     `json:"captured_at"`
}

// StreamKey identifies the (actor, subject) stream a frame belongs to.
// CapturedAt must increase within one stream.
func (f LocationFrame) StreamKey() string {
	return string(f.ActorID) + "/" + string(f.SubjectID)
}
