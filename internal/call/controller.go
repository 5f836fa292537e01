// Package call drives one call at a time through its lifecycle: ringing,
// acceptance, peer negotiation, connected time and teardown. Signaling rides
// the shared socket; media flows over a peer channel.
package call

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/petervdpas/roomchat/internal/loop"
	"github.com/petervdpas/roomchat/internal/proto"
	"github.com/petervdpas/roomchat/internal/transport"
)

// maxPendingSignals bounds the signals held for a call whose peer does not
// exist yet.
const maxPendingSignals = 64

type Options struct {
	Media    MediaSource
	Peers    PeerFactory
	Playback PlaybackFactory // may be nil

	TickInterval time.Duration
	// MuteCheck is how often a remote audio track without fallback
	// playback is re-checked for silence.
	MuteCheck time.Duration
	Now       func() time.Time
}

type call struct {
	id     string
	remote string
	dir    Direction
	kind   proto.CallType
	phase  Phase

	// accepted is remote acceptance for outgoing calls and local acceptance
	// for incoming ones. The timer never runs without it.
	accepted  bool
	withVideo bool
	peerUp    bool

	ctx    context.Context
	cancel context.CancelFunc

	local   LocalStream
	peer    PeerChannel
	pending []proto.Signal

	remoteTracks map[string]RemoteTrack
	playbacks    map[string]Playback
	muteWatch    map[string]func() bool

	muted   bool
	videoOn bool

	startedAt time.Time
	tickStop  func() bool
	endReason string
}

func (cl *call) tag() string {
	if cl.id != "" {
		return cl.id
	}
	return "->" + cl.remote
}

// Controller is the call state machine. All state lives on its loop.
type Controller struct {
	loop *loop.Loop
	tr   Transport
	opts Options

	cur      *call
	lastEnd  string
	incoming []func(Snapshot)

	lmu       sync.Mutex
	listeners []chan Event
}

func New(tr Transport, opts Options) *Controller {
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Second
	}
	if opts.MuteCheck <= 0 {
		opts.MuteCheck = remoteMutedAfter + remoteMutedAfter/2
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Controller{
		loop: loop.New(),
		tr:   tr,
		opts: opts,
	}
}

// Attach subscribes the controller to its inbound socket events.
func (c *Controller) Attach(s Subscriber) []*transport.Subscription {
	return []*transport.Subscription{
		s.Subscribe(proto.EventCallIncoming, c.onIncoming),
		s.Subscribe(proto.EventCallResponse, c.onResponse),
		s.Subscribe(proto.EventWebRTCSignal, c.onSignal),
	}
}

// OnIncoming registers fn to run on the controller loop for every call that
// starts ringing in. fn must not call back into the controller synchronously.
func (c *Controller) OnIncoming(fn func(Snapshot)) {
	c.loop.Post(func() { c.incoming = append(c.incoming, fn) })
}

// Close ends the current call, if any, and stops the loop.
func (c *Controller) Close() {
	_ = c.loop.Do(func() {
		if c.cur != nil {
			c.end(c.cur, "teardown", true)
		}
	})
	c.loop.Close()

	c.lmu.Lock()
	for _, ch := range c.listeners {
		close(ch)
	}
	c.listeners = nil
	c.lmu.Unlock()
}

// Settle waits for outstanding media work. Used by tests.
func (c *Controller) Settle(ctx context.Context) error {
	return c.loop.Settle(ctx)
}

// ── local actions ──

// StartCall places a call to target. It returns once the attempt is
// registered; media is acquired in the background and call.initiate is
// published when it is ready.
func (c *Controller) StartCall(target string, kind proto.CallType) error {
	req := proto.CallInitiate{TargetUserID: target, CallType: kind}
	if err := proto.Validator().Struct(req); err != nil {
		return fmt.Errorf("call: start: %w", err)
	}

	var err error
	if derr := c.loop.Do(func() {
		if c.cur != nil {
			err = ErrBusy
			return
		}
		cl := c.newCall(Outgoing, "", target, kind)
		cl.phase = PhaseOutgoingRinging
		cl.withVideo = true
		c.cur = cl
		callsTotal.WithLabelValues(string(Outgoing)).Inc()
		log.Printf("CALL [%s]: ringing (%s)", cl.tag(), kind)
		c.emit(EventState, cl, nil)
		c.acquire(cl)
	}); derr != nil {
		return derr
	}
	return err
}

// AcceptCall answers the ringing incoming call. withVideo=false keeps the
// camera track disabled.
func (c *Controller) AcceptCall(withVideo bool) error {
	var err error
	if derr := c.loop.Do(func() {
		cl := c.cur
		if cl == nil || cl.phase != PhaseIncomingRinging {
			err = ErrNoCall
			return
		}
		cl.accepted = true
		cl.withVideo = withVideo
		cl.phase = PhaseIncomingAccepted
		log.Printf("CALL [%s]: accepted locally (video=%v)", cl.tag(), withVideo)
		c.emit(EventState, cl, nil)
		c.acquire(cl)
	}); derr != nil {
		return derr
	}
	return err
}

// DeclineCall rejects the ringing incoming call.
func (c *Controller) DeclineCall() error {
	var err error
	if derr := c.loop.Do(func() {
		cl := c.cur
		if cl == nil || cl.phase != PhaseIncomingRinging {
			err = ErrNoCall
			return
		}
		c.decline(cl, "")
		c.end(cl, "declined", false)
	}); derr != nil {
		return derr
	}
	return err
}

// EndCall hangs up. On a ringing incoming call it declines instead.
func (c *Controller) EndCall() error {
	var err error
	if derr := c.loop.Do(func() {
		cl := c.cur
		if cl == nil {
			err = ErrNoCall
			return
		}
		if cl.phase == PhaseIncomingRinging {
			c.decline(cl, "")
			c.end(cl, "declined", false)
			return
		}
		c.end(cl, "local", true)
	}); derr != nil {
		return derr
	}
	return err
}

// ToggleMute flips the local audio tracks and returns the new muted state.
func (c *Controller) ToggleMute() (bool, error) {
	var (
		muted bool
		err   error
	)
	if derr := c.loop.Do(func() {
		cl := c.cur
		if cl == nil || cl.local == nil {
			err = ErrNoCall
			return
		}
		on, ok := flip(cl.local, TrackAudio)
		if !ok {
			return
		}
		cl.muted = !on
		muted = cl.muted
		log.Printf("CALL [%s]: muted=%v", cl.tag(), muted)
		c.emit(EventState, cl, nil)
	}); derr != nil {
		return false, derr
	}
	return muted, err
}

// ToggleVideo flips the local video tracks and returns whether video is now
// being sent.
func (c *Controller) ToggleVideo() (bool, error) {
	var (
		enabled bool
		err     error
	)
	if derr := c.loop.Do(func() {
		cl := c.cur
		if cl == nil || cl.local == nil {
			err = ErrNoCall
			return
		}
		on, ok := flip(cl.local, TrackVideo)
		if !ok {
			return
		}
		cl.videoOn = on
		enabled = on
		log.Printf("CALL [%s]: video=%v", cl.tag(), on)
		c.emit(EventState, cl, nil)
	}); derr != nil {
		return false, derr
	}
	return enabled, err
}

// Duration is the connected time of the current call. It stays 0 until the
// call is both connected and accepted.
func (c *Controller) Duration() time.Duration {
	var d time.Duration
	_ = c.loop.Do(func() {
		if c.cur != nil {
			d = c.duration(c.cur)
		}
	})
	return d
}

// State returns a snapshot of the current call, or an idle snapshot.
func (c *Controller) State() Snapshot {
	s := Snapshot{Phase: PhaseIdle}
	_ = c.loop.Do(func() {
		if c.cur != nil {
			s = c.snapshot(c.cur)
			return
		}
		s.EndReason = c.lastEnd
	})
	return s
}

// ── inbound events ──

func (c *Controller) onIncoming(data json.RawMessage) {
	in, err := proto.Decode[proto.CallIncoming](data)
	if err != nil {
		log.Printf("CALL: dropping %s: %v", proto.EventCallIncoming, err)
		return
	}
	c.loop.Post(func() { c.handleIncoming(in) })
}

func (c *Controller) handleIncoming(in proto.CallIncoming) {
	kind := in.CallType
	if kind == "" {
		kind = proto.CallVideo
	}

	switch in.SignalType {
	case proto.SignalCallIncoming:
		if cl := c.cur; cl != nil {
			if cl.id == in.CallID {
				return
			}
			log.Printf("CALL [%s]: busy, declining %s from %s", cl.tag(), in.CallID, in.FromUserID)
			c.tr.Publish(proto.EventCallDecline, proto.CallControl{
				CallID:       in.CallID,
				TargetUserID: in.FromUserID,
				CallType:     kind,
				Reason:       "busy",
			})
			callEnds.WithLabelValues("busy").Inc()
			return
		}
		cl := c.newCall(Incoming, in.CallID, in.FromUserID, kind)
		cl.phase = PhaseIncomingRinging
		c.cur = cl
		callsTotal.WithLabelValues(string(Incoming)).Inc()
		log.Printf("CALL [%s]: incoming %s call from %s", cl.tag(), kind, cl.remote)

		snap := c.snapshot(cl)
		for _, fn := range c.incoming {
			fn(snap)
		}
		c.emit(EventIncoming, cl, nil)

	case proto.SignalCallCancelled:
		cl := c.cur
		if cl == nil || cl.dir != Incoming || cl.id != in.CallID {
			return
		}
		c.end(cl, "cancelled", false)
	}
}

func (c *Controller) onResponse(data json.RawMessage) {
	r, err := proto.Decode[proto.CallResponse](data)
	if err != nil {
		log.Printf("CALL: dropping %s: %v", proto.EventCallResponse, err)
		return
	}
	c.loop.Post(func() { c.handleResponse(r) })
}

func (c *Controller) handleResponse(r proto.CallResponse) {
	cl := c.cur
	if cl == nil {
		return
	}
	if cl.id != "" && r.CallID != "" && r.CallID != cl.id {
		log.Printf("CALL [%s]: ignoring %s for %s", cl.tag(), r.SignalType, r.CallID)
		return
	}
	if cl.id == "" && r.FromUserID != "" && r.FromUserID != cl.remote &&
		(r.SignalType == proto.SignalCallEnded || r.SignalType == proto.SignalCallDeclined) {
		log.Printf("CALL [%s]: ignoring %s from %s", cl.tag(), r.SignalType, r.FromUserID)
		return
	}

	switch r.SignalType {
	case proto.SignalCallAccepted:
		if cl.dir != Outgoing || cl.phase != PhaseOutgoingRinging {
			return
		}
		if cl.id == "" {
			cl.id = r.CallID
		}
		cl.accepted = true
		cl.phase = PhaseOutgoingAccepted
		log.Printf("CALL [%s]: accepted by %s", cl.tag(), cl.remote)
		c.emit(EventState, cl, nil)
		if cl.local != nil && cl.peer == nil {
			if !c.startPeer(cl, true) {
				return
			}
		}
		c.promote(cl)

	case proto.SignalCallDeclined:
		if cl.dir == Outgoing {
			c.end(cl, "declined", false)
		}
	case proto.SignalCallUnavailable:
		if cl.dir == Outgoing {
			c.end(cl, "unavailable", false)
		}
	case proto.SignalCallEnded:
		c.end(cl, "remote", false)
	}
}

func (c *Controller) onSignal(data json.RawMessage) {
	s, err := proto.Decode[proto.Signal](data)
	if err != nil {
		log.Printf("CALL: dropping %s: %v", proto.EventWebRTCSignal, err)
		return
	}
	c.loop.Post(func() { c.handleSignal(s) })
}

func (c *Controller) handleSignal(s proto.Signal) {
	cl := c.cur
	if cl == nil {
		signalsIgnored.WithLabelValues("no-call").Inc()
		return
	}
	if cl.id == "" {
		if s.CallID == "" {
			signalsIgnored.WithLabelValues("no-id").Inc()
			return
		}
		cl.id = s.CallID
		log.Printf("CALL [%s]: adopted call id from %s", cl.id, s.Type)
	} else if s.CallID != cl.id {
		signalsIgnored.WithLabelValues("foreign").Inc()
		return
	}
	signalsTotal.WithLabelValues("in", s.Type).Inc()

	if cl.peer == nil {
		if len(cl.pending) >= maxPendingSignals {
			log.Printf("CALL [%s]: signal buffer full, dropping %s", cl.tag(), s.Type)
			signalsIgnored.WithLabelValues("overflow").Inc()
			return
		}
		cl.pending = append(cl.pending, s)
		return
	}
	if err := cl.peer.Signal(s); err != nil {
		log.Printf("CALL [%s]: apply %s: %v", cl.tag(), s.Type, err)
	}
}

// ── media ──

type acquired struct {
	stream LocalStream
	err    error
}

func (c *Controller) acquire(cl *call) {
	loop.Go(c.loop, cl.ctx, func(ctx context.Context) acquired {
		return c.acquireMedia(ctx, cl.tag())
	}, func(res acquired) {
		c.onMedia(cl, res)
	})
}

// acquireMedia asks for camera and microphone, then once more for the
// microphone alone.
func (c *Controller) acquireMedia(ctx context.Context, tag string) acquired {
	s, err := c.opts.Media.Acquire(ctx, Constraints{Video: true, Audio: true})
	if err == nil {
		return acquired{stream: s}
	}
	mediaFailures.WithLabelValues("video+audio").Inc()
	if ctx.Err() != nil {
		return acquired{err: ctx.Err()}
	}
	log.Printf("CALL [%s]: video+audio capture failed, retrying audio-only: %v", tag, err)

	s, err = c.opts.Media.Acquire(ctx, Constraints{Audio: true})
	if err != nil {
		mediaFailures.WithLabelValues("audio-only").Inc()
		return acquired{err: fmt.Errorf("call: acquire media: %w", err)}
	}
	return acquired{stream: s}
}

func (c *Controller) onMedia(cl *call, res acquired) {
	if c.cur != cl || cl.phase == PhaseEnded {
		if res.stream != nil {
			res.stream.Stop()
		}
		return
	}
	if res.err != nil {
		log.Printf("CALL [%s]: %v", cl.tag(), res.err)
		c.emit(EventError, cl, res.err)
		if cl.dir == Incoming {
			c.decline(cl, "media-unavailable")
		}
		c.end(cl, "media", false)
		return
	}

	cl.local = res.stream
	if cl.kind == proto.CallAudio || !cl.withVideo {
		for _, t := range res.stream.Tracks() {
			if t.Kind() == TrackVideo {
				t.SetEnabled(false)
			}
		}
	}
	cl.videoOn = hasEnabled(res.stream, TrackVideo)
	log.Printf("CALL [%s]: local media ready (%d tracks)", cl.tag(), len(res.stream.Tracks()))

	switch cl.dir {
	case Outgoing:
		c.tr.Publish(proto.EventCallInitiate, proto.CallInitiate{
			TargetUserID: cl.remote,
			CallType:     cl.kind,
		})
		if cl.accepted && cl.peer == nil {
			if !c.startPeer(cl, true) {
				return
			}
			c.promote(cl)
		}
	case Incoming:
		if !c.startPeer(cl, false) {
			return
		}
		c.tr.Publish(proto.EventCallAccept, proto.CallControl{
			CallID:       cl.id,
			TargetUserID: cl.remote,
			CallType:     cl.kind,
		})
	}
	c.emit(EventState, cl, nil)
}

func flip(s LocalStream, kind TrackKind) (on bool, ok bool) {
	var tracks []LocalTrack
	for _, t := range s.Tracks() {
		if t.Kind() == kind {
			tracks = append(tracks, t)
		}
	}
	if len(tracks) == 0 {
		return false, false
	}
	on = !tracks[0].Enabled()
	for _, t := range tracks {
		t.SetEnabled(on)
	}
	return on, true
}

func hasEnabled(s LocalStream, kind TrackKind) bool {
	for _, t := range s.Tracks() {
		if t.Kind() == kind && t.Enabled() {
			return true
		}
	}
	return false
}

// ── peer ──

// startPeer creates the peer channel and replays buffered signals. It
// reports false when the call had to be ended.
func (c *Controller) startPeer(cl *call, initiator bool) bool {
	h := PeerHandlers{
		OnSignal: func(s proto.Signal) { c.loop.Post(func() { c.relay(cl, s) }) },
		OnState:  func(st PeerState) { c.loop.Post(func() { c.onPeerState(cl, st) }) },
		OnTrack:  func(t RemoteTrack) { c.loop.Post(func() { c.onRemoteTrack(cl, t) }) },
		OnError: func(err error) {
			log.Printf("CALL [%s]: peer error: %v", cl.tag(), err)
		},
	}
	p, err := c.opts.Peers.NewPeer(PeerConfig{CallID: cl.id, Initiator: initiator, Local: cl.local}, h)
	if err != nil {
		err = fmt.Errorf("call: create peer: %w", err)
		log.Printf("CALL [%s]: %v", cl.tag(), err)
		c.emit(EventError, cl, err)
		c.end(cl, "peer-failed", true)
		return false
	}
	cl.peer = p
	log.Printf("CALL [%s]: peer created (initiator=%v, %d buffered signals)", cl.tag(), initiator, len(cl.pending))

	pending := cl.pending
	cl.pending = nil
	for _, s := range pending {
		if err := p.Signal(s); err != nil {
			log.Printf("CALL [%s]: replay %s: %v", cl.tag(), s.Type, err)
		}
	}
	return true
}

func (c *Controller) relay(cl *call, s proto.Signal) {
	if c.cur != cl {
		return
	}
	s.CallID = cl.id
	s.TargetUserID = cl.remote
	signalsTotal.WithLabelValues("out", s.Type).Inc()
	c.tr.Publish(proto.EventWebRTCSignal, s)
}

func (c *Controller) onPeerState(cl *call, st PeerState) {
	if c.cur != cl {
		return
	}
	switch st {
	case PeerConnected:
		cl.peerUp = true
		c.promote(cl)
	case PeerFailed, PeerDisconnected, PeerClosed:
		log.Printf("CALL [%s]: peer %s", cl.tag(), st)
		c.end(cl, "peer-"+string(st), true)
	}
}

// promote moves an accepted call with a connected peer to PhaseConnected.
func (c *Controller) promote(cl *call) {
	if !cl.peerUp || !cl.phase.accepted() {
		return
	}
	cl.phase = PhaseConnected
	log.Printf("CALL [%s]: connected", cl.tag())
	c.startTimer(cl)
	c.emit(EventState, cl, nil)
}

func (c *Controller) onRemoteTrack(cl *call, t RemoteTrack) {
	if c.cur != cl {
		t.SetSink(nil)
		return
	}
	cl.remoteTracks[t.ID()] = t
	if !t.Enabled() {
		t.SetEnabled(true)
	}
	if t.Kind() == TrackAudio && c.opts.Playback != nil {
		c.checkMuted(cl, t)
	}
	log.Printf("CALL [%s]: remote %s track %s", cl.tag(), t.Kind(), t.ID())
	c.emit(EventRemoteTrack, cl, nil)
}

// checkMuted attaches fallback playback to a silent remote audio track. A
// track usually arrives with its first packet, so silence can only show
// later; until playback is attached the track is re-checked every MuteCheck.
func (c *Controller) checkMuted(cl *call, t RemoteTrack) {
	id := t.ID()
	if _, ok := cl.playbacks[id]; ok {
		return
	}
	if t.Muted() {
		if stop := cl.muteWatch[id]; stop != nil {
			stop()
			delete(cl.muteWatch, id)
		}
		pb, err := c.opts.Playback.Play(t)
		if err != nil {
			log.Printf("CALL [%s]: fallback playback for %s: %v", cl.tag(), id, err)
			return
		}
		cl.playbacks[id] = pb
		fallbackPlaybacks.Inc()
		return
	}
	if _, ok := cl.muteWatch[id]; ok {
		return
	}
	cl.muteWatch[id] = c.loop.After(c.opts.MuteCheck, func() {
		delete(cl.muteWatch, id)
		if c.cur != cl || cl.phase == PhaseEnded || cl.remoteTracks[id] != t {
			return
		}
		c.checkMuted(cl, t)
	})
}

// ── timer ──

func (c *Controller) startTimer(cl *call) {
	if !cl.accepted || cl.phase != PhaseConnected || !cl.startedAt.IsZero() {
		return
	}
	cl.startedAt = c.opts.Now()
	c.scheduleTick(cl)
}

func (c *Controller) scheduleTick(cl *call) {
	cl.tickStop = c.loop.After(c.opts.TickInterval, func() {
		if c.cur != cl || cl.phase != PhaseConnected {
			return
		}
		c.emit(EventTick, cl, nil)
		c.scheduleTick(cl)
	})
}

func (c *Controller) duration(cl *call) time.Duration {
	if cl.startedAt.IsZero() {
		return 0
	}
	return c.opts.Now().Sub(cl.startedAt)
}

// ── lifecycle ──

func (c *Controller) newCall(dir Direction, id, remote string, kind proto.CallType) *call {
	ctx, cancel := context.WithCancel(context.Background())
	return &call{
		id:           id,
		remote:       remote,
		dir:          dir,
		kind:         kind,
		ctx:          ctx,
		cancel:       cancel,
		remoteTracks: make(map[string]RemoteTrack),
		playbacks:    make(map[string]Playback),
		muteWatch:    make(map[string]func() bool),
	}
}

func (c *Controller) decline(cl *call, reason string) {
	c.tr.Publish(proto.EventCallDecline, proto.CallControl{
		CallID:       cl.id,
		TargetUserID: cl.remote,
		CallType:     cl.kind,
		Reason:       reason,
	})
}

// end releases everything the call holds and returns the controller to idle.
// publish sends call.end to the remote user.
func (c *Controller) end(cl *call, reason string, publish bool) {
	if cl.phase == PhaseEnded {
		return
	}
	if cl.tickStop != nil {
		cl.tickStop()
	}
	dur := c.duration(cl)
	cl.phase = PhaseEnded
	cl.endReason = reason
	cl.cancel()

	if publish {
		c.tr.Publish(proto.EventCallEnd, proto.CallControl{
			CallID:       cl.id,
			TargetUserID: cl.remote,
			CallType:     cl.kind,
		})
	}

	if cl.peer != nil {
		if err := cl.peer.Close(); err != nil {
			log.Printf("CALL [%s]: close peer: %v", cl.tag(), err)
		}
	}
	if cl.local != nil {
		cl.local.Stop()
	}
	for id, stop := range cl.muteWatch {
		stop()
		delete(cl.muteWatch, id)
	}
	for id, pb := range cl.playbacks {
		pb.Dispose()
		delete(cl.playbacks, id)
	}
	for _, t := range cl.remoteTracks {
		t.SetSink(nil)
	}
	cl.pending = nil

	callEnds.WithLabelValues(reason).Inc()
	if dur > 0 {
		callDuration.Observe(dur.Seconds())
	}
	log.Printf("CALL [%s]: ended (%s) after %s", cl.tag(), reason, dur.Truncate(time.Second))

	c.emit(EventState, cl, nil)
	c.cur = nil
	c.lastEnd = reason
	c.emit(EventState, nil, nil)
}

func (c *Controller) snapshot(cl *call) Snapshot {
	if cl == nil {
		return Snapshot{Phase: PhaseIdle, EndReason: c.lastEnd}
	}
	return Snapshot{
		CallID:       cl.id,
		RemoteUserID: cl.remote,
		Direction:    cl.dir,
		Kind:         cl.kind,
		Phase:        cl.phase,
		Accepted:     cl.accepted,
		Muted:        cl.muted,
		VideoEnabled: cl.videoOn,
		Duration:     c.duration(cl),
		RemoteTracks: len(cl.remoteTracks),
		EndReason:    cl.endReason,
	}
}
