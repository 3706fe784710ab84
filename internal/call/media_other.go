//go:build !linux

package call

import (
	"context"
	"fmt"
	"runtime"

	"github.com/pion/webrtc/v4"
)

// capture has no device drivers outside Linux; peers still negotiate with
// the default codecs so calls can be received.
type capture struct{}

func newCapture(EngineConfig) (*capture, error) { return &capture{}, nil }

func (*capture) populate(me *webrtc.MediaEngine) error {
	return me.RegisterDefaultCodecs()
}

func (*capture) acquire(context.Context, Constraints) (LocalStream, error) {
	return nil, fmt.Errorf("%w: no capture drivers on %s", ErrMediaUnavailable, runtime.GOOS)
}
