//go:build linux

package call

import (
	"context"
	"fmt"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// capture grabs camera and microphone through pion/mediadevices (V4L2 and
// malgo on Linux), encoding VP8 and Opus.
type capture struct {
	selector *mediadevices.CodecSelector
	width    int
	height   int
}

func newCapture(cfg EngineConfig) (*capture, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = cfg.VideoBitrate

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	return &capture{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
		width:  cfg.VideoWidth,
		height: cfg.VideoHeight,
	}, nil
}

func (c *capture) populate(me *webrtc.MediaEngine) error {
	c.selector.Populate(me)
	return nil
}

// acquire makes one GetUserMedia attempt. GetUserMedia fails as a unit when
// any requested device cannot be opened.
func (c *capture) acquire(ctx context.Context, want Constraints) (LocalStream, error) {
	devices := mediadevices.EnumerateDevices()
	if len(devices) == 0 {
		log.Warnf("[call] no media devices found")
	}
	for _, d := range devices {
		log.Debugf("[call] media device kind=%v label=%q", d.Kind, d.Label)
	}

	constraints := mediadevices.MediaStreamConstraints{Codec: c.selector}
	if want.Video {
		constraints.Video = func(mc *mediadevices.MediaTrackConstraints) {
			// Raw formats only; MJPEG nodes on some cameras yield broken
			// frames that poison the VP8 encoder.
			mc.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			mc.Width = prop.IntRanged{Max: c.width}
			mc.Height = prop.IntRanged{Max: c.height}
		}
	}
	if want.Audio {
		constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, fmt.Errorf("GetUserMedia (%s): %w", want, err)
	}

	tracks := stream.GetTracks()
	closeAll := func() {
		for _, t := range tracks {
			t.Close()
		}
	}
	if ctx.Err() != nil {
		closeAll()
		return nil, ErrCallCanceled
	}

	out := make([]webrtc.TrackLocal, 0, len(tracks))
	for _, track := range tracks {
		track.OnEnded(func(err error) {
			if err != nil {
				log.Warnf("[call] local track ended: %v", err)
			}
		})
		out = append(out, track)
	}
	log.Infof("[call] local media captured (%s), %d tracks", want, len(out))
	return &trackStream{tracks: out, audioOnly: !want.Video, stop: closeAll}, nil
}
