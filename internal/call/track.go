package call

import (
	"log"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
)

func kindOf(k webrtc.RTPCodecType) TrackKind {
	if k == webrtc.RTPCodecTypeVideo {
		return TrackVideo
	}
	return TrackAudio
}

func codecType(k TrackKind) webrtc.RTPCodecType {
	if k == TrackVideo {
		return webrtc.RTPCodecTypeVideo
	}
	return webrtc.RTPCodecTypeAudio
}

// localTrack is a captured pion track. Disabling swaps the bound senders to
// a nil track so nothing is sent; enabling puts the track back.
type localTrack struct {
	track webrtc.TrackLocal
	close func() error

	enabled atomic.Bool

	mu      sync.Mutex
	senders []*webrtc.RTPSender
}

func newLocalTrack(t webrtc.TrackLocal, closeFn func() error) *localTrack {
	lt := &localTrack{track: t, close: closeFn}
	lt.enabled.Store(true)
	return lt
}

func (t *localTrack) ID() string      { return t.track.ID() }
func (t *localTrack) Kind() TrackKind { return kindOf(t.track.Kind()) }
func (t *localTrack) Enabled() bool   { return t.enabled.Load() }

func (t *localTrack) SetEnabled(on bool) {
	if t.enabled.Swap(on) == on {
		return
	}
	t.mu.Lock()
	senders := slices.Clone(t.senders)
	t.mu.Unlock()
	for _, s := range senders {
		t.apply(s, on)
	}
}

// attach records a sender carrying this track.
func (t *localTrack) attach(s *webrtc.RTPSender) {
	t.mu.Lock()
	t.senders = append(t.senders, s)
	t.mu.Unlock()
	if !t.enabled.Load() {
		t.apply(s, false)
	}
}

func (t *localTrack) apply(s *webrtc.RTPSender, on bool) {
	var next webrtc.TrackLocal
	if on {
		next = t.track
	}
	if err := s.ReplaceTrack(next); err != nil {
		log.Printf("CALL: %s track %s enabled=%v: %v", t.Kind(), t.ID(), on, err)
	}
}

type localStream struct {
	tracks []LocalTrack
	once   sync.Once
}

func newLocalStream(tracks []*localTrack) *localStream {
	s := &localStream{}
	for _, t := range tracks {
		s.tracks = append(s.tracks, t)
	}
	return s
}

func (s *localStream) Tracks() []LocalTrack { return s.tracks }

// Stop closes every capture track. Idempotent.
func (s *localStream) Stop() {
	s.once.Do(func() {
		for _, t := range s.tracks {
			lt := t.(*localTrack)
			if lt.close == nil {
				continue
			}
			if err := lt.close(); err != nil {
				log.Printf("CALL: stop %s track %s: %v", lt.Kind(), lt.ID(), err)
			}
		}
	})
}
