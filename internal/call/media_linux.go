//go:build linux

package call

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/petervdpas/roomchat/internal/config"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// DeviceSource captures camera and microphone through pion/mediadevices
// (V4L2 and malgo on Linux) and encodes VP8 and Opus.
type DeviceSource struct {
	selector *mediadevices.CodecSelector
	probe    sync.Once

	mu  sync.Mutex
	cfg config.Call
}

func NewDeviceSource(cfg config.Call) (*DeviceSource, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	return &DeviceSource{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
		cfg: cfg,
	}, nil
}

// Populate registers the source's encoders on a media engine.
func (d *DeviceSource) Populate(me *webrtc.MediaEngine) {
	d.selector.Populate(me)
}

func (d *DeviceSource) SetConfig(cfg config.Call) {
	d.mu.Lock()
	d.cfg = cfg
	d.mu.Unlock()
}

func (d *DeviceSource) config() config.Call {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg
}

func (d *DeviceSource) Acquire(ctx context.Context, c Constraints) (LocalStream, error) {
	if !c.Video && !c.Audio {
		return nil, errors.New("call: nothing to capture")
	}
	d.probe.Do(logDevices)
	cfg := d.config()

	constraints := mediadevices.MediaStreamConstraints{Codec: d.selector}
	if c.Video {
		constraints.Video = func(mc *mediadevices.MediaTrackConstraints) {
			// Raw formats only: MJPEG nodes on some cameras poison the VP8 encoder.
			mc.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			if cfg.VideoWidth > 0 {
				mc.Width = prop.IntRanged{Max: cfg.VideoWidth}
			}
			if cfg.VideoHeight > 0 {
				mc.Height = prop.IntRanged{Max: cfg.VideoHeight}
			}
			if cfg.FrameRate > 0 {
				mc.FrameRate = prop.Float(cfg.FrameRate)
			}
			if cfg.PreferredCam != "" {
				mc.DeviceID = prop.String(cfg.PreferredCam)
			}
		}
	}
	if c.Audio {
		constraints.Audio = func(mc *mediadevices.MediaTrackConstraints) {
			if cfg.PreferredMic != "" {
				mc.DeviceID = prop.String(cfg.PreferredMic)
			}
		}
	}

	type result struct {
		stream mediadevices.MediaStream
		err    error
	}
	ch := make(chan result, 1)
	go func() {
		s, err := mediadevices.GetUserMedia(constraints)
		ch <- result{s, err}
	}()

	select {
	case <-ctx.Done():
		// The device open cannot be interrupted; release it when it lands.
		go func() {
			if r := <-ch; r.err == nil {
				for _, t := range r.stream.GetTracks() {
					_ = t.Close()
				}
			}
		}()
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("getusermedia (video=%v audio=%v): %w", c.Video, c.Audio, r.err)
		}
		var tracks []*localTrack
		for _, t := range r.stream.GetTracks() {
			id := t.ID()
			t.OnEnded(func(err error) {
				if err != nil {
					log.Printf("CALL: local track %s ended: %v", id, err)
				}
			})
			tracks = append(tracks, newLocalTrack(t, t.Close))
		}
		return newLocalStream(tracks), nil
	}
}

func logDevices() {
	devices := mediadevices.EnumerateDevices()
	if len(devices) == 0 {
		log.Printf("CALL: no media devices found")
		return
	}
	for _, d := range devices {
		log.Printf("CALL: media device kind=%v label=%q", d.Kind, d.Label)
	}
}
