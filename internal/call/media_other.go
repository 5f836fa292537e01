//go:build !linux

package call

import (
	"context"
	"log"

	"github.com/petervdpas/roomchat/internal/config"
	"github.com/pion/webrtc/v4"
)

// DeviceSource has no capture drivers outside Linux. It hands out empty
// streams so calls proceed receive-only.
type DeviceSource struct{}

func NewDeviceSource(config.Call) (*DeviceSource, error) {
	return &DeviceSource{}, nil
}

func (d *DeviceSource) Populate(me *webrtc.MediaEngine) {
	if err := me.RegisterDefaultCodecs(); err != nil {
		log.Printf("CALL: register default codecs: %v", err)
	}
}

func (d *DeviceSource) SetConfig(config.Call) {}

func (d *DeviceSource) Acquire(ctx context.Context, _ Constraints) (LocalStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	log.Printf("CALL: no capture drivers on this platform, proceeding receive-only")
	return newLocalStream(nil), nil
}
