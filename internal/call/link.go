// Package call consolidates call signaling behind one state machine.
// Every call-initiating surface (1:1 chat, group dialog, admin console)
// goes through Manager; none of them talk to the channel or the peer
// connection directly.
package call

import (
	"errors"

	"github.com/tmirzaev/Pulse/internal/domain"
	"github.com/tmirzaev/Pulse/internal/protocol"
)

var (
	// ErrMediaAccessDenied means the user refused capture permission.
	ErrMediaAccessDenied = errors.New("media access denied")
	// ErrNoDevice means no capture device matched the requested media kind.
	ErrNoDevice = errors.New("no capture device")
)

// LinkState is the connection-quality state of a peer link.
type LinkState string

const (
	LinkConnecting   LinkState = "connecting"
	LinkConnected    LinkState = "connected"
	LinkDisconnected LinkState = "disconnected"
	LinkFailed       LinkState = "failed"
)

// Link owns local capture and the peer media session for one call.
// Owned exclusively by a Session; the Session must Close() it, which
// stops all local tracks.
type Link interface {
	// CreateOffer produces and sets the local description.
	CreateOffer() (sdp string, err error)
	// ApplyAnswer sets the remote description on the offering side.
	ApplyAnswer(sdp string) error
	// ApplyOfferAndCreateAnswer sets the remote offer and produces the
	// local answer, on the answering side.
	ApplyOfferAndCreateAnswer(sdp string) (answer string, err error)
	// AddICECandidate applies a remote candidate. Valid only after the
	// remote description is set; the Session's queue guarantees that.
	AddICECandidate(protocol.CandidatePayload) error
	// OnICECandidate sets a callback for newly gathered local candidates.
	OnICECandidate(func(protocol.CandidatePayload))
	// OnStateChange sets a callback for connection-quality transitions.
	OnStateChange(func(LinkState))
	Close()
}

// LinkFactory acquires local media and builds the peer link. It blocks on
// capture, so sessions call it off the event path and discard the result
// if the session ended meanwhile.
type LinkFactory func(sid domain.SessionID, kind domain.MediaKind) (Link, error)
