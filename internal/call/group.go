package call

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/tmirzaev/Pulse/internal/domain"
)

// InitiateGroup fans an independent 1:1 offer out to each participant,
// one session per peer under a shared group id. Group membership and the
// in-call participant list belong to the caller of this layer; the
// sessions only know they share a group.
func (m *Manager) InitiateGroup(participants []domain.ParticipantID, kind domain.MediaKind) ([]*Session, error) {
	if !kind.Valid() {
		return nil, errors.New("invalid media kind")
	}
	if len(participants) == 0 {
		return nil, errors.New("empty participant set")
	}

	m.supersedeActive()

	group := domain.GroupID(uuid.NewString())
	now := time.Now()
	sessions := make([]*Session, 0, len(participants))

	m.mu.Lock()
	for _, pid := range participants {
		if pid == m.local.ID {
			continue
		}
		sessions = append(sessions, m.addSessionLocked(domain.CallSession{
			ID:        domain.SessionID(uuid.NewString()),
			Group:     group,
			LocalID:   m.local.ID,
			RemoteID:  pid,
			Kind:      kind,
			State:     domain.CallCalling,
			CreatedAt: now,
		}))
	}
	m.mu.Unlock()

	if len(sessions) == 0 {
		return nil, errors.New("no remote participants")
	}

	log.Info().Str("module", "call").
		Str("group", string(group)).
		Int("peers", len(sessions)).
		Str("kind", string(kind)).
		Msg("initiate group call")

	for _, s := range sessions {
		s.startOutbound()
	}
	return sessions, nil
}

// HangUpGroup ends every session of one group call.
func (m *Manager) HangUpGroup(group domain.GroupID) {
	for _, s := range m.snapshotActive() {
		if s.Snapshot().Group == group {
			s.HangUp()
		}
	}
}
