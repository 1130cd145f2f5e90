//go:build linux && cgo

package call

import (
	"fmt"

	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/tmirzaev/Pulse/internal/domain"
)

// newMediaPC captures local mic (and camera for video calls) via
// pion/mediadevices and returns a peer connection with the local tracks
// attached. Capture failure is a hard error mapped to ErrNoDevice or
// ErrMediaAccessDenied; a call the user asked for must not silently go
// one-way.
func newMediaPC(sid domain.SessionID, kind domain.MediaKind) (*webrtc.PeerConnection, func(), error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, nil, err
	}
	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, nil, err
	}

	codecSelector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	mediaEngine := &webrtc.MediaEngine{}
	codecSelector.Populate(mediaEngine)

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

	devices := mediadevices.EnumerateDevices()
	if len(devices) == 0 {
		_ = pc.Close()
		return nil, nil, ErrNoDevice
	}
	for _, d := range devices {
		log.Info().Str("module", "call.media").
			Str("session", string(sid)).
			Str("label", d.Label).
			Msg("media device")
	}

	constraints := mediadevices.MediaStreamConstraints{Codec: codecSelector}
	constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
	if kind == domain.MediaVideo {
		constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
			// Exclude MJPEG: some cameras expose an MJPEG V4L2 node that
			// produces malformed frames and poisons the VP8 encoder.
			c.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			c.Width = prop.IntRanged{Max: 640}
			c.Height = prop.IntRanged{Max: 480}
		}
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		_ = pc.Close()
		return nil, nil, fmt.Errorf("%w: %v", ErrMediaAccessDenied, err)
	}

	tracks := stream.GetTracks()
	for _, track := range tracks {
		track.OnEnded(func(err error) {
			if err != nil {
				log.Warn().Err(err).Str("module", "call.media").Str("session", string(sid)).Msg("local track ended")
			}
		})
		if _, err := pc.AddTrack(track); err != nil {
			log.Error().Err(err).Str("module", "call.media").Str("session", string(sid)).Msg("add track")
		}
	}

	log.Info().Str("module", "call.media").
		Str("session", string(sid)).
		Int("tracks", len(tracks)).
		Str("kind", string(kind)).
		Msg("local media captured")

	stopCapture := func() {
		for _, t := range tracks {
			t.Close()
		}
	}
	return pc, stopCapture, nil
}
