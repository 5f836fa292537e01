package call

import (
	"context"
	"errors"
	"time"

	"github.com/petervdpas/roomchat/internal/proto"
	"github.com/petervdpas/roomchat/internal/transport"
	"github.com/pion/rtp"
)

var (
	ErrBusy   = errors.New("call: another call is in progress")
	ErrNoCall = errors.New("call: no call in a suitable phase")
)

// Phase is a node of the call state machine.
type Phase string

const (
	PhaseIdle             Phase = "idle"
	PhaseOutgoingRinging  Phase = "outgoing.ringing"
	PhaseOutgoingAccepted Phase = "outgoing.accepted"
	PhaseIncomingRinging  Phase = "incoming.ringing"
	PhaseIncomingAccepted Phase = "incoming.accepted"
	PhaseConnected        Phase = "connected"
	PhaseEnded            Phase = "ended"
)

func (p Phase) accepted() bool {
	return p == PhaseOutgoingAccepted || p == PhaseIncomingAccepted
}

type Direction string

const (
	Outgoing Direction = "outgoing"
	Incoming Direction = "incoming"
)

type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"
)

// Snapshot is a copy of the current call, safe to keep.
type Snapshot struct {
	CallID       string
	RemoteUserID string
	Direction    Direction
	Kind         proto.CallType
	Phase        Phase
	Accepted     bool
	Muted        bool
	VideoEnabled bool
	Duration     time.Duration
	RemoteTracks int
	EndReason    string
}

type EventKind int

const (
	EventState       EventKind = iota // phase or local flags changed
	EventIncoming                     // a call is ringing in
	EventTick                         // one second of connected time elapsed
	EventRemoteTrack                  // a remote track arrived
	EventError                        // the attempt failed (media); Err is set
)

func (k EventKind) String() string {
	switch k {
	case EventState:
		return "state"
	case EventIncoming:
		return "incoming"
	case EventTick:
		return "tick"
	case EventRemoteTrack:
		return "remote-track"
	case EventError:
		return "error"
	}
	return "unknown"
}

type Event struct {
	Kind EventKind
	Call Snapshot
	Err  error
}

// ── collaborators ──

// Transport is the slice of the socket the controller needs.
type Transport interface {
	Publish(event string, payload any)
}

// Subscriber registers socket event handlers.
type Subscriber interface {
	Subscribe(event string, h transport.Handler) *transport.Subscription
}

// Constraints says which kinds to capture.
type Constraints struct {
	Video bool
	Audio bool
}

// MediaSource acquires local capture devices. Acquire must honour ctx.
type MediaSource interface {
	Acquire(ctx context.Context, c Constraints) (LocalStream, error)
}

// LocalStream is a set of captured tracks owned by exactly one call.
type LocalStream interface {
	Tracks() []LocalTrack
	Stop()
}

// LocalTrack is one captured track. Disabling it stops sending without
// renegotiation.
type LocalTrack interface {
	ID() string
	Kind() TrackKind
	Enabled() bool
	SetEnabled(on bool)
}

// RemoteTrack is one track received from the peer.
type RemoteTrack interface {
	ID() string
	Kind() TrackKind
	Enabled() bool
	SetEnabled(on bool)
	// Muted reports that the track is enabled but no media is flowing.
	Muted() bool
	// SetSink installs the receiver of the track's packets. nil discards.
	SetSink(fn func(*rtp.Packet))
}

// Playback is a fallback output bound to a single remote track.
type Playback interface {
	Dispose()
}

// PlaybackFactory builds fallback playbacks for muted remote audio.
type PlaybackFactory interface {
	Play(t RemoteTrack) (Playback, error)
}

// PeerState is the connectivity of a peer channel.
type PeerState string

const (
	PeerConnecting   PeerState = "connecting"
	PeerConnected    PeerState = "connected"
	PeerDisconnected PeerState = "disconnected"
	PeerFailed       PeerState = "failed"
	PeerClosed       PeerState = "closed"
)

// PeerConfig describes the peer channel to create.
type PeerConfig struct {
	CallID    string
	Initiator bool
	Local     LocalStream
}

// PeerHandlers receive peer output. They may be called from any goroutine.
type PeerHandlers struct {
	// OnSignal carries a locally generated offer, answer or candidate.
	// CallID and TargetUserID are filled in by the controller.
	OnSignal func(proto.Signal)
	OnState  func(PeerState)
	OnTrack  func(RemoteTrack)
	OnError  func(error)
}

// PeerChannel is the media channel negotiated with the remote user.
type PeerChannel interface {
	// Signal applies one remote offer, answer or candidate.
	Signal(s proto.Signal) error
	Close() error
}

// PeerFactory creates peer channels. An initiator starts negotiation on its
// own and emits the offer through OnSignal.
type PeerFactory interface {
	NewPeer(cfg PeerConfig, h PeerHandlers) (PeerChannel, error)
}
