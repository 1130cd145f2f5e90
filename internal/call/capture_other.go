//go:build !linux || !cgo

package call

import (
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/tmirzaev/Pulse/internal/domain"
)

// newMediaPC builds a receive-only peer connection on platforms without
// compiled-in capture drivers (pion/mediadevices needs V4L2/malgo, Linux
// only). Recvonly transceivers keep the SDP valid so the remote side can
// still be heard and seen.
func newMediaPC(sid domain.SessionID, kind domain.MediaKind) (*webrtc.PeerConnection, func(), error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, nil, err
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
	)

	pc, err := api.NewPeerConnection(defaultRTCConfig())
	if err != nil {
		return nil, nil, err
	}

	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		log.Error().Err(err).Str("module", "call.media").Str("session", string(sid)).Msg("add audio transceiver")
	}
	if kind == domain.MediaVideo {
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			log.Error().Err(err).Str("module", "call.media").Str("session", string(sid)).Msg("add video transceiver")
		}
	}

	log.Info().Str("module", "call.media").
		Str("session", string(sid)).
		Msg("receive-only peer connection, no local capture on this platform")
	return pc, nil, nil
}
