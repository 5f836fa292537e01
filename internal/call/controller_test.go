package call

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/petervdpas/roomchat/internal/proto"
	"github.com/pion/rtp"
)

// ── fakes ──

type published struct {
	event   string
	payload any
}

type fakeTransport struct {
	mu  sync.Mutex
	out []published
}

func (f *fakeTransport) Publish(event string, payload any) {
	f.mu.Lock()
	f.out = append(f.out, published{event, payload})
	f.mu.Unlock()
}

func (f *fakeTransport) events(name string) []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	var res []any
	for _, p := range f.out {
		if p.event == name {
			res = append(res, p.payload)
		}
	}
	return res
}

type fakeTrack struct {
	id      string
	kind    TrackKind
	mu      sync.Mutex
	enabled bool
}

func (t *fakeTrack) ID() string      { return t.id }
func (t *fakeTrack) Kind() TrackKind { return t.kind }

func (t *fakeTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *fakeTrack) SetEnabled(on bool) {
	t.mu.Lock()
	t.enabled = on
	t.mu.Unlock()
}

type fakeStream struct {
	tracks  []LocalTrack
	mu      sync.Mutex
	stopped bool
}

func newFakeStream(kinds ...TrackKind) *fakeStream {
	s := &fakeStream{}
	for _, k := range kinds {
		s.tracks = append(s.tracks, &fakeTrack{id: string(k) + "-local", kind: k, enabled: true})
	}
	return s
}

func (s *fakeStream) Tracks() []LocalTrack { return s.tracks }

func (s *fakeStream) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
}

func (s *fakeStream) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (s *fakeStream) track(k TrackKind) LocalTrack {
	for _, t := range s.tracks {
		if t.Kind() == k {
			return t
		}
	}
	return nil
}

type fakeMedia struct {
	mu    sync.Mutex
	asked []Constraints
	// acquire decides each result; nil hands out a video+audio stream.
	acquire func(ctx context.Context, c Constraints) (LocalStream, error)
	last    *fakeStream
}

func (m *fakeMedia) Acquire(ctx context.Context, c Constraints) (LocalStream, error) {
	m.mu.Lock()
	m.asked = append(m.asked, c)
	fn := m.acquire
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx, c)
	}
	var kinds []TrackKind
	if c.Audio {
		kinds = append(kinds, TrackAudio)
	}
	if c.Video {
		kinds = append(kinds, TrackVideo)
	}
	s := newFakeStream(kinds...)
	m.mu.Lock()
	m.last = s
	m.mu.Unlock()
	return s, nil
}

func (m *fakeMedia) stream() *fakeStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

type fakePeer struct {
	cfg PeerConfig
	h   PeerHandlers

	mu      sync.Mutex
	applied []proto.Signal
	closed  bool
}

func (p *fakePeer) Signal(s proto.Signal) error {
	p.mu.Lock()
	p.applied = append(p.applied, s)
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) signals() []proto.Signal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]proto.Signal(nil), p.applied...)
}

func (p *fakePeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

type fakePeers struct {
	mu    sync.Mutex
	peers []*fakePeer
	err   error
}

func (f *fakePeers) NewPeer(cfg PeerConfig, h PeerHandlers) (PeerChannel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	p := &fakePeer{cfg: cfg, h: h}
	f.peers = append(f.peers, p)
	return p, nil
}

func (f *fakePeers) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.peers)
}

func (f *fakePeers) last() *fakePeer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.peers) == 0 {
		return nil
	}
	return f.peers[len(f.peers)-1]
}

type fakeRemote struct {
	fakeTrack
	muted bool
	sinks int
	sink  func(*rtp.Packet)
}

func (r *fakeRemote) Muted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.muted
}

func (r *fakeRemote) setMuted(on bool) {
	r.mu.Lock()
	r.muted = on
	r.mu.Unlock()
}

func (r *fakeRemote) SetSink(fn func(*rtp.Packet)) {
	r.mu.Lock()
	r.sink = fn
	r.sinks++
	r.mu.Unlock()
}

type fakePlayback struct {
	track    string
	disposed bool
}

func (p *fakePlayback) Dispose() { p.disposed = true }

type fakePlaybacks struct {
	mu   sync.Mutex
	made []*fakePlayback
}

func (f *fakePlaybacks) Play(t RemoteTrack) (Playback, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pb := &fakePlayback{track: t.ID()}
	f.made = append(f.made, pb)
	return pb, nil
}

func (f *fakePlaybacks) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.made)
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// ── harness ──

type harness struct {
	t     *testing.T
	c     *Controller
	tr    *fakeTransport
	media *fakeMedia
	peers *fakePeers
	play  *fakePlaybacks
	clock *clock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWith(t, nil)
}

func newHarnessWith(t *testing.T, tune func(*Options)) *harness {
	t.Helper()
	h := &harness{
		t:     t,
		tr:    &fakeTransport{},
		media: &fakeMedia{},
		peers: &fakePeers{},
		play:  &fakePlaybacks{},
		clock: &clock{t: time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)},
	}
	opts := Options{
		Media:        h.media,
		Peers:        h.peers,
		Playback:     h.play,
		TickInterval: time.Hour,
		MuteCheck:    time.Hour,
		Now:          h.clock.now,
	}
	if tune != nil {
		tune(&opts)
	}
	h.c = New(h.tr, opts)
	t.Cleanup(h.c.Close)
	return h
}

func (h *harness) settle() {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.c.Settle(ctx); err != nil {
		h.t.Fatalf("settle: %v", err)
	}
}

func raw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func (h *harness) incoming(signalType, callID, from string, kind proto.CallType) {
	h.c.onIncoming(raw(h.t, map[string]any{
		"signalType": signalType, "callId": callID, "fromUserId": from, "callType": kind,
	}))
	h.settle()
}

func (h *harness) response(signalType, callID string) {
	h.responseFrom(signalType, callID, "u2")
}

func (h *harness) responseFrom(signalType, callID, from string) {
	h.c.onResponse(raw(h.t, map[string]any{"signalType": signalType, "callId": callID, "fromUserId": from}))
	h.settle()
}

func (h *harness) signal(callID, typ, sdp string) {
	h.c.onSignal(raw(h.t, map[string]any{"callId": callID, "signalType": typ, "sdp": sdp}))
	h.settle()
}

func (h *harness) phase() Phase { return h.c.State().Phase }

// connectOutgoing drives an outgoing call up to PhaseConnected.
func (h *harness) connectOutgoing(kind proto.CallType) *fakePeer {
	h.t.Helper()
	if err := h.c.StartCall("u2", kind); err != nil {
		h.t.Fatal(err)
	}
	h.settle()
	h.response(proto.SignalCallAccepted, "k1")
	p := h.peers.last()
	if p == nil {
		h.t.Fatal("no peer after acceptance")
	}
	p.h.OnState(PeerConnected)
	h.settle()
	if got := h.phase(); got != PhaseConnected {
		h.t.Fatalf("phase = %s, want connected", got)
	}
	return p
}

// ── tests ──

func TestOutgoingCallLifecycle(t *testing.T) {
	h := newHarness(t)

	if err := h.c.StartCall("u2", proto.CallVideo); err != nil {
		t.Fatal(err)
	}
	h.settle()
	if h.phase() != PhaseOutgoingRinging {
		t.Fatalf("phase = %s", h.phase())
	}
	init := h.tr.events(proto.EventCallInitiate)
	if len(init) != 1 || init[0].(proto.CallInitiate).TargetUserID != "u2" {
		t.Fatalf("call.initiate = %+v", init)
	}
	if h.peers.count() != 0 {
		t.Fatal("peer must wait for acceptance")
	}

	h.response(proto.SignalCallAccepted, "k1")
	st := h.c.State()
	if st.Phase != PhaseOutgoingAccepted || st.CallID != "k1" || !st.Accepted {
		t.Fatalf("state = %+v", st)
	}
	p := h.peers.last()
	if p == nil || !p.cfg.Initiator || p.cfg.Local == nil {
		t.Fatalf("peer = %+v", p)
	}

	p.h.OnSignal(proto.Signal{Type: proto.SignalOffer, SDP: "v=0"})
	h.settle()
	sigs := h.tr.events(proto.EventWebRTCSignal)
	if len(sigs) != 1 {
		t.Fatalf("signals = %+v", sigs)
	}
	if s := sigs[0].(proto.Signal); s.CallID != "k1" || s.TargetUserID != "u2" || s.Type != proto.SignalOffer {
		t.Fatalf("relayed = %+v", s)
	}

	p.h.OnState(PeerConnected)
	h.settle()
	if h.phase() != PhaseConnected {
		t.Fatalf("phase = %s", h.phase())
	}
	h.clock.advance(5 * time.Second)
	if d := h.c.Duration(); d != 5*time.Second {
		t.Fatalf("duration = %s", d)
	}

	stream := h.media.stream()
	if err := h.c.EndCall(); err != nil {
		t.Fatal(err)
	}
	ends := h.tr.events(proto.EventCallEnd)
	if len(ends) != 1 || ends[0].(proto.CallControl).CallID != "k1" {
		t.Fatalf("call.end = %+v", ends)
	}
	if !p.isClosed() || !stream.isStopped() {
		t.Fatal("peer and local stream must be released")
	}
	if st := h.c.State(); st.Phase != PhaseIdle || st.EndReason != "local" {
		t.Fatalf("state after end = %+v", st)
	}
	if err := h.c.EndCall(); !errors.Is(err, ErrNoCall) {
		t.Fatalf("second EndCall = %v", err)
	}
}

func TestTimerGatedOnAcceptance(t *testing.T) {
	h := newHarness(t)
	if err := h.c.StartCall("u2", proto.CallVideo); err != nil {
		t.Fatal(err)
	}
	h.settle()

	// Connectivity reported before the remote accepted.
	_ = h.c.loop.Do(func() { h.c.onPeerState(h.c.cur, PeerConnected) })
	h.clock.advance(10 * time.Second)
	if h.phase() != PhaseOutgoingRinging {
		t.Fatalf("phase = %s, want outgoing.ringing", h.phase())
	}
	if d := h.c.Duration(); d != 0 {
		t.Fatalf("duration before acceptance = %s", d)
	}

	h.response(proto.SignalCallAccepted, "k1")
	if h.phase() != PhaseConnected {
		t.Fatalf("phase = %s, want connected", h.phase())
	}
	if d := h.c.Duration(); d != 0 {
		t.Fatalf("duration must start at acceptance, got %s", d)
	}
	h.clock.advance(3 * time.Second)
	if d := h.c.Duration(); d != 3*time.Second {
		t.Fatalf("duration = %s", d)
	}
}

func TestPhaseTransitionsAreLegal(t *testing.T) {
	legal := map[[2]Phase]bool{
		{PhaseIdle, PhaseOutgoingRinging}:             true,
		{PhaseIdle, PhaseIncomingRinging}:             true,
		{PhaseOutgoingRinging, PhaseOutgoingAccepted}: true,
		{PhaseOutgoingRinging, PhaseEnded}:            true,
		{PhaseIncomingRinging, PhaseIncomingAccepted}: true,
		{PhaseIncomingRinging, PhaseEnded}:            true,
		{PhaseOutgoingAccepted, PhaseConnected}:       true,
		{PhaseOutgoingAccepted, PhaseEnded}:           true,
		{PhaseIncomingAccepted, PhaseConnected}:       true,
		{PhaseIncomingAccepted, PhaseEnded}:           true,
		{PhaseConnected, PhaseEnded}:                  true,
		{PhaseEnded, PhaseIdle}:                       true,
	}

	h := newHarness(t)
	events, cancel := h.c.Subscribe()
	defer cancel()

	// Outgoing, connected, peer failure.
	p := h.connectOutgoing(proto.CallAudio)
	p.h.OnState(PeerFailed)
	h.settle()

	// Incoming with early connectivity, accepted, remote hangup.
	h.incoming(proto.SignalCallIncoming, "k2", "u3", proto.CallVideo)
	_ = h.c.loop.Do(func() { h.c.onPeerState(h.c.cur, PeerConnected) })
	if err := h.c.AcceptCall(true); err != nil {
		t.Fatal(err)
	}
	h.settle()
	h.peers.last().h.OnState(PeerConnected)
	h.settle()
	h.response(proto.SignalCallEnded, "k2")

	// Outgoing declined.
	if err := h.c.StartCall("u4", proto.CallVideo); err != nil {
		t.Fatal(err)
	}
	h.settle()
	h.responseFrom(proto.SignalCallDeclined, "", "u4")

	prev := PhaseIdle
	n := 0
	for {
		select {
		case ev := <-events:
			if ev.Kind != EventState && ev.Kind != EventIncoming {
				continue
			}
			cur := ev.Call.Phase
			if cur != prev && !legal[[2]Phase{prev, cur}] {
				t.Fatalf("illegal transition %s -> %s", prev, cur)
			}
			prev = cur
			n++
		default:
			if n == 0 {
				t.Fatal("no events observed")
			}
			if prev != PhaseIdle {
				t.Fatalf("final phase = %s", prev)
			}
			return
		}
	}
}

func TestIncomingCallBuffersSignalsUntilAccepted(t *testing.T) {
	h := newHarness(t)
	var rang []Snapshot
	h.c.OnIncoming(func(s Snapshot) { rang = append(rang, s) })

	h.incoming(proto.SignalCallIncoming, "k1", "u2", proto.CallVideo)
	if h.phase() != PhaseIncomingRinging {
		t.Fatalf("phase = %s", h.phase())
	}
	var seen []Snapshot
	_ = h.c.loop.Do(func() { seen = append(seen, rang...) })
	if len(seen) != 1 || seen[0].CallID != "k1" || seen[0].RemoteUserID != "u2" {
		t.Fatalf("incoming handlers saw %+v", seen)
	}

	h.signal("k1", proto.SignalOffer, "offer-sdp")
	if h.peers.count() != 0 {
		t.Fatal("peer created before acceptance")
	}

	if err := h.c.AcceptCall(false); err != nil {
		t.Fatal(err)
	}
	h.settle()

	p := h.peers.last()
	if p == nil || p.cfg.Initiator {
		t.Fatalf("want non-initiator peer, got %+v", p)
	}
	if got := p.signals(); len(got) != 1 || got[0].SDP != "offer-sdp" {
		t.Fatalf("replayed = %+v", got)
	}
	acc := h.tr.events(proto.EventCallAccept)
	if len(acc) != 1 || acc[0].(proto.CallControl).CallID != "k1" || acc[0].(proto.CallControl).TargetUserID != "u2" {
		t.Fatalf("call.accept = %+v", acc)
	}
	if video := h.media.stream().track(TrackVideo); video == nil || video.Enabled() {
		t.Fatal("accepting without video must disable the video track")
	}
	if st := h.c.State(); st.VideoEnabled || st.Phase != PhaseIncomingAccepted {
		t.Fatalf("state = %+v", st)
	}

	h.signal("k1", proto.SignalICECandidate, "")
	h.c.onSignal(raw(t, map[string]any{"callId": "k1", "signalType": "ice-candidate", "candidate": `{"candidate":"candidate:1 1 udp 1 10.0.0.1 9 typ host","sdpMid":"0"}`}))
	h.settle()
	if got := p.signals(); len(got) != 2 || got[1].Candidate == nil {
		t.Fatalf("candidate not forwarded: %+v", got)
	}
}

func TestSignalsAdoptUnknownCallIDAndIgnoreForeign(t *testing.T) {
	h := newHarness(t)
	if err := h.c.StartCall("u2", proto.CallVideo); err != nil {
		t.Fatal(err)
	}
	h.settle()

	h.signal("k9", proto.SignalAnswer, "early")
	if st := h.c.State(); st.CallID != "k9" {
		t.Fatalf("call id = %q, want adopted k9", st.CallID)
	}
	h.signal("other", proto.SignalAnswer, "foreign")

	h.response(proto.SignalCallAccepted, "k9")
	p := h.peers.last()
	if p == nil {
		t.Fatal("no peer")
	}
	got := p.signals()
	if len(got) != 1 || got[0].SDP != "early" {
		t.Fatalf("replayed = %+v", got)
	}

	// A response for another call changes nothing.
	h.response(proto.SignalCallDeclined, "other")
	if h.phase() != PhaseOutgoingAccepted {
		t.Fatalf("phase = %s", h.phase())
	}
}

func TestSignalsWithoutCallAreIgnored(t *testing.T) {
	h := newHarness(t)
	h.signal("k1", proto.SignalOffer, "x")
	h.response(proto.SignalCallAccepted, "k1")
	if h.phase() != PhaseIdle || h.peers.count() != 0 {
		t.Fatalf("phase = %s peers = %d", h.phase(), h.peers.count())
	}
}

func TestPendingSignalBufferIsBounded(t *testing.T) {
	h := newHarness(t)
	h.incoming(proto.SignalCallIncoming, "k1", "u2", proto.CallAudio)
	for i := 0; i < maxPendingSignals+10; i++ {
		h.c.onSignal(raw(t, map[string]any{"callId": "k1", "signalType": "answer", "sdp": "s"}))
	}
	h.settle()
	var n int
	_ = h.c.loop.Do(func() { n = len(h.c.cur.pending) })
	if n != maxPendingSignals {
		t.Fatalf("pending = %d", n)
	}
}

func TestMediaDegradesToAudioOnly(t *testing.T) {
	h := newHarness(t)
	audio := newFakeStream(TrackAudio)
	h.media.acquire = func(_ context.Context, c Constraints) (LocalStream, error) {
		if c.Video {
			return nil, errors.New("camera busy")
		}
		return audio, nil
	}

	if err := h.c.StartCall("u2", proto.CallVideo); err != nil {
		t.Fatal(err)
	}
	h.settle()

	if len(h.media.asked) != 2 || !h.media.asked[0].Video || h.media.asked[1].Video || !h.media.asked[1].Audio {
		t.Fatalf("constraints = %+v", h.media.asked)
	}
	if len(h.tr.events(proto.EventCallInitiate)) != 1 {
		t.Fatal("degraded media must still place the call")
	}
	if st := h.c.State(); st.VideoEnabled || st.Phase != PhaseOutgoingRinging {
		t.Fatalf("state = %+v", st)
	}
}

func TestMediaFailureEndsAttempt(t *testing.T) {
	h := newHarness(t)
	h.media.acquire = func(context.Context, Constraints) (LocalStream, error) {
		return nil, errors.New("permission denied")
	}
	events, cancel := h.c.Subscribe()
	defer cancel()

	if err := h.c.StartCall("u2", proto.CallVideo); err != nil {
		t.Fatal(err)
	}
	h.settle()
	if h.phase() != PhaseIdle {
		t.Fatalf("phase = %s", h.phase())
	}
	if len(h.tr.events(proto.EventCallInitiate)) != 0 || len(h.tr.events(proto.EventCallEnd)) != 0 {
		t.Fatal("nothing may be published for a call that never rang out")
	}
	var sawErr bool
	for len(events) > 0 {
		if ev := <-events; ev.Kind == EventError && ev.Err != nil {
			sawErr = true
		}
	}
	if !sawErr {
		t.Fatal("media failure must be reported")
	}

	h.incoming(proto.SignalCallIncoming, "k1", "u3", proto.CallAudio)
	if err := h.c.AcceptCall(true); err != nil {
		t.Fatal(err)
	}
	h.settle()
	dec := h.tr.events(proto.EventCallDecline)
	if len(dec) != 1 || dec[0].(proto.CallControl).CallID != "k1" {
		t.Fatalf("call.decline = %+v", dec)
	}
	if h.phase() != PhaseIdle {
		t.Fatalf("phase = %s", h.phase())
	}
}

func TestEndCancelsMediaAndStopsLateStream(t *testing.T) {
	h := newHarness(t)
	release := make(chan struct{})
	late := newFakeStream(TrackAudio, TrackVideo)
	var sawCancel bool
	h.media.acquire = func(ctx context.Context, _ Constraints) (LocalStream, error) {
		<-release
		sawCancel = ctx.Err() != nil
		return late, nil
	}

	if err := h.c.StartCall("u2", proto.CallVideo); err != nil {
		t.Fatal(err)
	}
	if err := h.c.EndCall(); err != nil {
		t.Fatal(err)
	}
	close(release)
	h.settle()

	if !sawCancel {
		t.Fatal("ending the call must cancel acquisition")
	}
	if !late.isStopped() {
		t.Fatal("a stream arriving after the end must be stopped")
	}
	if len(h.tr.events(proto.EventCallInitiate)) != 0 {
		t.Fatal("late media must not place the call")
	}
	if len(h.media.asked) != 1 {
		t.Fatalf("no degrade retry after cancellation, asked %d times", len(h.media.asked))
	}
}

func TestRemoteTracksAndFallbackPlayback(t *testing.T) {
	h := newHarness(t)
	p := h.connectOutgoing(proto.CallVideo)

	quiet := &fakeRemote{fakeTrack: fakeTrack{id: "a1", kind: TrackAudio}, muted: true}
	loud := &fakeRemote{fakeTrack: fakeTrack{id: "a2", kind: TrackAudio, enabled: true}}
	video := &fakeRemote{fakeTrack: fakeTrack{id: "v1", kind: TrackVideo, enabled: true}}
	p.h.OnTrack(quiet)
	p.h.OnTrack(loud)
	p.h.OnTrack(video)
	p.h.OnTrack(quiet)
	h.settle()

	if !quiet.Enabled() {
		t.Fatal("remote audio must be forced enabled")
	}
	if len(h.play.made) != 1 || h.play.made[0].track != "a1" {
		t.Fatalf("playbacks = %+v", h.play.made)
	}
	if st := h.c.State(); st.RemoteTracks != 3 {
		t.Fatalf("remote tracks = %d", st.RemoteTracks)
	}

	if err := h.c.EndCall(); err != nil {
		t.Fatal(err)
	}
	if !h.play.made[0].disposed {
		t.Fatal("fallback playback must be disposed with the call")
	}
	if quiet.sink != nil || quiet.sinks == 0 {
		t.Fatal("remote sinks must be cleared on end")
	}
}

func TestFallbackPlaybackWhenAudioGoesSilentLater(t *testing.T) {
	h := newHarnessWith(t, func(o *Options) { o.MuteCheck = 5 * time.Millisecond })
	p := h.connectOutgoing(proto.CallAudio)

	audio := &fakeRemote{fakeTrack: fakeTrack{id: "a1", kind: TrackAudio, enabled: true}}
	p.h.OnTrack(audio)
	h.settle()
	if n := h.play.count(); n != 0 {
		t.Fatalf("playback for a track that is still sending: %d", n)
	}

	audio.setMuted(true)
	deadline := time.Now().Add(2 * time.Second)
	for h.play.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no fallback playback after the track went silent")
		}
		time.Sleep(5 * time.Millisecond)
	}

	time.Sleep(30 * time.Millisecond)
	h.settle()
	if n := h.play.count(); n != 1 {
		t.Fatalf("playbacks = %d", n)
	}

	if err := h.c.EndCall(); err != nil {
		t.Fatal(err)
	}
	h.play.mu.Lock()
	disposed := h.play.made[0].disposed
	h.play.mu.Unlock()
	if !disposed {
		t.Fatal("fallback playback must be disposed with the call")
	}
}

func TestMuteWatchStopsWithCall(t *testing.T) {
	h := newHarnessWith(t, func(o *Options) { o.MuteCheck = 20 * time.Millisecond })
	p := h.connectOutgoing(proto.CallAudio)

	audio := &fakeRemote{fakeTrack: fakeTrack{id: "a1", kind: TrackAudio, enabled: true}}
	p.h.OnTrack(audio)
	h.settle()
	if err := h.c.EndCall(); err != nil {
		t.Fatal(err)
	}

	audio.setMuted(true)
	time.Sleep(60 * time.Millisecond)
	h.settle()
	if n := h.play.count(); n != 0 {
		t.Fatalf("playback attached after the call ended: %d", n)
	}
}

func TestBusyDeclinesSecondIncoming(t *testing.T) {
	h := newHarness(t)
	if err := h.c.StartCall("u2", proto.CallVideo); err != nil {
		t.Fatal(err)
	}
	h.settle()

	h.incoming(proto.SignalCallIncoming, "k7", "u3", proto.CallAudio)
	dec := h.tr.events(proto.EventCallDecline)
	if len(dec) != 1 {
		t.Fatalf("call.decline = %+v", dec)
	}
	if d := dec[0].(proto.CallControl); d.CallID != "k7" || d.TargetUserID != "u3" || d.Reason != "busy" {
		t.Fatalf("decline = %+v", d)
	}
	if st := h.c.State(); st.Phase != PhaseOutgoingRinging || st.RemoteUserID != "u2" {
		t.Fatalf("state = %+v", st)
	}
	if err := h.c.StartCall("u9", proto.CallAudio); !errors.Is(err, ErrBusy) {
		t.Fatalf("StartCall while busy = %v", err)
	}
}

func TestPeerFailureEndsAndPublishes(t *testing.T) {
	h := newHarness(t)
	p := h.connectOutgoing(proto.CallVideo)
	p.h.OnError(errors.New("dtls hiccup"))
	h.settle()
	if h.phase() != PhaseConnected {
		t.Fatal("peer errors alone must not end the call")
	}

	p.h.OnState(PeerDisconnected)
	h.settle()
	if h.phase() != PhaseIdle {
		t.Fatalf("phase = %s", h.phase())
	}
	if len(h.tr.events(proto.EventCallEnd)) != 1 {
		t.Fatal("peer failure must publish call.end")
	}

	// Late output from the dead peer is ignored.
	p.h.OnSignal(proto.Signal{Type: proto.SignalICECandidate, Candidate: &proto.ICECandidate{Candidate: "c"}})
	h.settle()
	for _, s := range h.tr.events(proto.EventWebRTCSignal) {
		if s.(proto.Signal).Type == proto.SignalICECandidate {
			t.Fatal("signal relayed for an ended call")
		}
	}
}

func TestRemoteEndingsDoNotPublish(t *testing.T) {
	h := newHarness(t)
	h.connectOutgoing(proto.CallVideo)
	h.response(proto.SignalCallEnded, "k1")
	if h.phase() != PhaseIdle || len(h.tr.events(proto.EventCallEnd)) != 0 {
		t.Fatalf("phase = %s ends = %d", h.phase(), len(h.tr.events(proto.EventCallEnd)))
	}

	h.incoming(proto.SignalCallIncoming, "k2", "u3", proto.CallVideo)
	h.incoming(proto.SignalCallCancelled, "zz", "u3", proto.CallVideo)
	if h.phase() != PhaseIncomingRinging {
		t.Fatal("cancel for another call must be ignored")
	}
	h.incoming(proto.SignalCallCancelled, "k2", "u3", proto.CallVideo)
	if st := h.c.State(); st.Phase != PhaseIdle || st.EndReason != "cancelled" {
		t.Fatalf("state = %+v", st)
	}
	if len(h.tr.events(proto.EventCallDecline)) != 0 {
		t.Fatal("a remote cancel is not declined")
	}

	if err := h.c.StartCall("u4", proto.CallVideo); err != nil {
		t.Fatal(err)
	}
	h.settle()
	h.responseFrom(proto.SignalCallUnavailable, "", "u4")
	if st := h.c.State(); st.Phase != PhaseIdle || st.EndReason != "unavailable" {
		t.Fatalf("state = %+v", st)
	}
}

func TestEndingFromAnotherUserIgnoredBeforeCallID(t *testing.T) {
	h := newHarness(t)
	if err := h.c.StartCall("u2", proto.CallAudio); err != nil {
		t.Fatal(err)
	}
	h.settle()

	h.responseFrom(proto.SignalCallEnded, "kX", "u9")
	h.responseFrom(proto.SignalCallDeclined, "kX", "u9")
	if h.phase() != PhaseOutgoingRinging {
		t.Fatalf("phase = %s after endings from u9", h.phase())
	}

	h.responseFrom(proto.SignalCallEnded, "kX", "u2")
	if st := h.c.State(); st.Phase != PhaseIdle || st.EndReason != "remote" {
		t.Fatalf("state = %+v", st)
	}
}

func TestDeclineAndEndWhileRinging(t *testing.T) {
	h := newHarness(t)
	if err := h.c.DeclineCall(); !errors.Is(err, ErrNoCall) {
		t.Fatalf("DeclineCall when idle = %v", err)
	}

	h.incoming(proto.SignalCallIncoming, "k1", "u2", proto.CallAudio)
	if err := h.c.DeclineCall(); err != nil {
		t.Fatal(err)
	}
	dec := h.tr.events(proto.EventCallDecline)
	if len(dec) != 1 || dec[0].(proto.CallControl).CallType != proto.CallAudio {
		t.Fatalf("call.decline = %+v", dec)
	}

	h.incoming(proto.SignalCallIncoming, "k2", "u2", proto.CallAudio)
	if err := h.c.EndCall(); err != nil {
		t.Fatal(err)
	}
	if len(h.tr.events(proto.EventCallDecline)) != 2 || len(h.tr.events(proto.EventCallEnd)) != 0 {
		t.Fatal("hanging up a ringing incoming call declines it")
	}

	if err := h.c.StartCall("u2", proto.CallVideo); err != nil {
		t.Fatal(err)
	}
	h.settle()
	if err := h.c.EndCall(); err != nil {
		t.Fatal(err)
	}
	ends := h.tr.events(proto.EventCallEnd)
	if len(ends) != 1 || ends[0].(proto.CallControl).CallID != "" || ends[0].(proto.CallControl).TargetUserID != "u2" {
		t.Fatalf("cancel of an outgoing ring = %+v", ends)
	}
}

func TestTogglesFlipLocalTracks(t *testing.T) {
	h := newHarness(t)
	if _, err := h.c.ToggleMute(); !errors.Is(err, ErrNoCall) {
		t.Fatalf("ToggleMute idle = %v", err)
	}

	h.connectOutgoing(proto.CallVideo)
	stream := h.media.stream()

	muted, err := h.c.ToggleMute()
	if err != nil || !muted || stream.track(TrackAudio).Enabled() {
		t.Fatalf("muted=%v err=%v", muted, err)
	}
	muted, _ = h.c.ToggleMute()
	if muted || !stream.track(TrackAudio).Enabled() {
		t.Fatal("second toggle must unmute")
	}

	on, err := h.c.ToggleVideo()
	if err != nil || on || stream.track(TrackVideo).Enabled() {
		t.Fatalf("video=%v err=%v", on, err)
	}
	if st := h.c.State(); st.VideoEnabled || st.Muted {
		t.Fatalf("state = %+v", st)
	}
	if len(h.tr.events(proto.EventWebRTCSignal)) != 0 {
		t.Fatal("toggles must not renegotiate")
	}
}

func TestAudioCallDisablesVideo(t *testing.T) {
	h := newHarness(t)
	if err := h.c.StartCall("u2", proto.CallAudio); err != nil {
		t.Fatal(err)
	}
	h.settle()
	s := h.media.stream()
	if !h.media.asked[0].Video {
		t.Fatal("audio calls still capture video, disabled")
	}
	if s.track(TrackVideo).Enabled() || !s.track(TrackAudio).Enabled() {
		t.Fatal("video track must be disabled for an audio call")
	}
}

func TestStartCallValidates(t *testing.T) {
	h := newHarness(t)
	if err := h.c.StartCall("", proto.CallVideo); err == nil {
		t.Fatal("empty target accepted")
	}
	if err := h.c.StartCall("u2", "hologram"); err == nil {
		t.Fatal("unknown call type accepted")
	}
	if h.phase() != PhaseIdle {
		t.Fatalf("phase = %s", h.phase())
	}
}

func TestPeerCreationFailureEndsCall(t *testing.T) {
	h := newHarness(t)
	h.peers.err = errors.New("no ice agent")
	if err := h.c.StartCall("u2", proto.CallVideo); err != nil {
		t.Fatal(err)
	}
	h.settle()
	h.response(proto.SignalCallAccepted, "k1")
	if h.phase() != PhaseIdle {
		t.Fatalf("phase = %s", h.phase())
	}
	if !h.media.stream().isStopped() {
		t.Fatal("local stream must be stopped")
	}
}

func TestTickEmittedWhileConnected(t *testing.T) {
	h := newHarness(t)
	h.c.opts.TickInterval = 10 * time.Millisecond
	events, cancel := h.c.Subscribe()
	defer cancel()

	h.connectOutgoing(proto.CallVideo)
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Kind == EventTick {
				if ev.Call.Phase != PhaseConnected {
					t.Fatalf("tick in phase %s", ev.Call.Phase)
				}
				return
			}
		case <-deadline:
			t.Fatal("no tick")
		}
	}
}
