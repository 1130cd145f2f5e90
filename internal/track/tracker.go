// Package track turns a raw position stream into location frames on the
// signaling channel. A stationary rider must not flood the channel; a
// moving one must keep frames flowing.
package track

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tmirzaev/Pulse/internal/domain"
	"github.com/tmirzaev/Pulse/internal/protocol"
)

// Permission is the explicit position-permission state. Denial is
// reported, never silently retried.
type Permission string

const (
	PermissionUnknown Permission = "unknown"
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
)

var (
	ErrPermissionDenied    = errors.New("position permission denied")
	ErrPositionUnavailable = errors.New("position unavailable")
	ErrAlreadyTracking     = errors.New("already tracking")
)

// Position is one raw update from the device position provider.
type Position struct {
	Latitude       float64
	Longitude      float64
	Heading        *float64
	AccuracyMeters float64
	CapturedAt     time.Time
}

// PositionSource abstracts the device position provider. Watch streams
// updates to fn until the returned stop func runs. Permission problems
// surface as ErrPermissionDenied, provider failures as
// ErrPositionUnavailable (possibly wrapped).
type PositionSource interface {
	Watch(ctx context.Context, fn func(Position)) (stop func(), err error)
}

// Signaler is the outbound surface the tracker needs from the channel.
type Signaler interface {
	Send(to domain.ParticipantID, env protocol.Envelope) error
}

type Config struct {
	MinDistanceMeters float64
	MinInterval       time.Duration
}

func DefaultConfig() Config {
	return Config{MinDistanceMeters: 25, MinInterval: 15 * time.Second}
}

// Tracker emits LocationFrames for one (actor, subject) pair using a
// movement-or-time threshold: a frame goes out when displacement since
// the last emission exceeds MinDistanceMeters, or when MinInterval has
// elapsed since it. Out-of-order raw updates are dropped, not reordered.
type Tracker struct {
	actorID   domain.ParticipantID
	subjectID domain.SubjectID
	src       PositionSource
	sig       Signaler
	cfg       Config
	onError   func(error)

	mu         sync.Mutex
	permission Permission
	stopSrc    func()
	started    bool

	hasEmitted   bool
	lastLat      float64
	lastLon      float64
	lastEmitAt   time.Time
	lastCaptured time.Time
}

// NewTracker wires a tracker; onError receives terminal tracking failures
// (may be nil).
func NewTracker(actorID domain.ParticipantID, subjectID domain.SubjectID,
	src PositionSource, sig Signaler, cfg Config, onError func(error)) *Tracker {
	if cfg.MinDistanceMeters <= 0 {
		cfg.MinDistanceMeters = DefaultConfig().MinDistanceMeters
	}
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = DefaultConfig().MinInterval
	}
	return &Tracker{
		actorID:    actorID,
		subjectID:  subjectID,
		src:        src,
		sig:        sig,
		cfg:        cfg,
		onError:    onError,
		permission: PermissionUnknown,
	}
}

// Start subscribes to the position source. Permission denial is recorded
// and returned; the tracker does not retry on its own.
func (t *Tracker) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return ErrAlreadyTracking
	}
	t.mu.Unlock()

	stop, err := t.src.Watch(ctx, t.onPosition)
	if err != nil {
		t.mu.Lock()
		if errors.Is(err, ErrPermissionDenied) {
			t.permission = PermissionDenied
		}
		t.mu.Unlock()
		log.Warn().Err(err).Str("module", "track").
			Str("actor", string(t.actorID)).
			Str("subject", string(t.subjectID)).
			Msg("tracking not started")
		return err
	}

	t.mu.Lock()
	t.permission = PermissionGranted
	t.stopSrc = stop
	t.started = true
	t.mu.Unlock()

	log.Info().Str("module", "track").
		Str("actor", string(t.actorID)).
		Str("subject", string(t.subjectID)).
		Msg("tracking started")
	return nil
}

// Stop releases the position subscription. Idempotent.
func (t *Tracker) Stop() {
	t.mu.Lock()
	stop := t.stopSrc
	t.stopSrc = nil
	was := t.started
	t.started = false
	t.mu.Unlock()

	if stop != nil {
		stop()
	}
	if was {
		log.Info().Str("module", "track").
			Str("actor", string(t.actorID)).
			Str("subject", string(t.subjectID)).
			Msg("tracking stopped")
	}
}

func (t *Tracker) Permission() Permission {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.permission
}

// Fail reports a provider failure and stops tracking. The position source
// calls this when it can no longer deliver updates.
func (t *Tracker) Fail(err error) {
	t.Stop()
	if t.onError != nil {
		t.onError(err)
	}
	log.Warn().Err(err).Str("module", "track").
		Str("actor", string(t.actorID)).
		Str("subject", string(t.subjectID)).
		Msg("tracking failed")
}

func (t *Tracker) onPosition(p Position) {
	t.mu.Lock()
	if !t.started {
		t.mu.Unlock()
		return
	}
	// Out-of-order or duplicate raw updates are dropped so frame
	// timestamps stay monotonic per stream.
	if !t.lastCaptured.IsZero() && !p.CapturedAt.After(t.lastCaptured) {
		t.mu.Unlock()
		return
	}
	t.lastCaptured = p.CapturedAt

	emit := !t.hasEmitted
	if !emit {
		moved := haversineMeters(t.lastLat, t.lastLon, p.Latitude, p.Longitude)
		elapsed := p.CapturedAt.Sub(t.lastEmitAt)
		emit = moved >= t.cfg.MinDistanceMeters || elapsed >= t.cfg.MinInterval
	}
	if !emit {
		t.mu.Unlock()
		return
	}
	t.hasEmitted = true
	t.lastLat = p.Latitude
	t.lastLon = p.Longitude
	t.lastEmitAt = p.CapturedAt
	t.mu.Unlock()

	frame := domain.LocationFrame{
		ActorID:        t.actorID,
		SubjectID:      t.subjectID,
		Latitude:       p.Latitude,
		Longitude:      p.Longitude,
		Heading:        p.Heading,
		AccuracyMeters: p.AccuracyMeters,
		CapturedAt:     p.CapturedAt,
	}
	env, err := protocol.New(protocol.TypeLocation, "", "", protocol.FromFrame(frame))
	if err != nil {
		log.Error().Err(err).Str("module", "track").Msg("encode frame")
		return
	}
	// Best-effort: while the channel is down frames are simply lost,
	// emission resumes with the connection.
	if err := t.sig.Send("", env); err != nil {
		log.Debug().Err(err).Str("module", "track").Msg("frame not sent")
	}
}
