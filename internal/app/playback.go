package app

import (
	"log"
	"sync/atomic"

	"github.com/petervdpas/roomchat/internal/call"
	"github.com/pion/rtp"
)

// meterPlayback is the headless fallback output for a remote audio track:
// it consumes the track's packets and reports what it received on dispose.
type meterPlayback struct {
	track   call.RemoteTrack
	packets atomic.Uint64
	bytes   atomic.Uint64
}

type meterPlaybacks struct{}

func (meterPlaybacks) Play(t call.RemoteTrack) (call.Playback, error) {
	p := &meterPlayback{track: t}
	t.SetSink(p.consume)
	log.Printf("CALL: fallback playback on %s track %s", t.Kind(), t.ID())
	return p, nil
}

func (p *meterPlayback) consume(pkt *rtp.Packet) {
	p.packets.Add(1)
	p.bytes.Add(uint64(len(pkt.Payload)))
}

func (p *meterPlayback) Dispose() {
	p.track.SetSink(nil)
	log.Printf("CALL: fallback playback on %s done: %d packets, %d bytes",
		p.track.ID(), p.packets.Load(), p.bytes.Load())
}
