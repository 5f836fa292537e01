package call

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/petervdpas/roomchat/internal/config"
	"github.com/petervdpas/roomchat/internal/proto"
	"github.com/pion/interceptor"
	"github.com/pion/logging"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

const (
	keyframeInterval = 3 * time.Second
	remoteMutedAfter = time.Second
)

// PionFactory builds pion peer connections from the call config.
type PionFactory struct {
	mu       sync.Mutex
	cfg      config.Call
	populate func(*webrtc.MediaEngine)
}

// NewPionFactory returns a factory. populate registers codecs on each new
// media engine; nil registers pion's defaults.
func NewPionFactory(cfg config.Call, populate func(*webrtc.MediaEngine)) *PionFactory {
	return &PionFactory{cfg: cfg, populate: populate}
}

// SetConfig replaces the config used for peers created from now on.
func (f *PionFactory) SetConfig(cfg config.Call) {
	f.mu.Lock()
	f.cfg = cfg
	f.mu.Unlock()
}

func (f *PionFactory) config() config.Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cfg
}

func (f *PionFactory) api(cfg config.Call) (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if f.populate != nil {
		f.populate(mediaEngine)
	} else if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	se := webrtc.SettingEngine{}
	se.SetICETimeouts(
		secondsOr(cfg.DisconnectedTimeoutSec, 5*time.Second),
		secondsOr(cfg.FailedTimeoutSec, 25*time.Second),
		secondsOr(cfg.KeepAliveIntervalSec, 2*time.Second),
	)
	se.LoggerFactory = loggerFactory(cfg.PionLogLevel)

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	), nil
}

func secondsOr(n int, def time.Duration) time.Duration {
	if n <= 0 {
		return def
	}
	return time.Duration(n) * time.Second
}

var pionLevels = map[string]logging.LogLevel{
	"disabled": logging.LogLevelDisabled,
	"error":    logging.LogLevelError,
	"warn":     logging.LogLevelWarn,
	"info":     logging.LogLevelInfo,
	"debug":    logging.LogLevelDebug,
	"trace":    logging.LogLevelTrace,
}

func loggerFactory(level string) logging.LoggerFactory {
	lf := logging.NewDefaultLoggerFactory()
	lf.Writer = log.Writer()
	if l, ok := pionLevels[strings.ToLower(level)]; ok {
		lf.DefaultLogLevel = l
	} else {
		lf.DefaultLogLevel = logging.LogLevelWarn
	}
	return lf
}

// NewPeer creates a peer connection carrying cfg.Local. Kinds without a
// local track get a receive-only transceiver so the SDP always has audio and
// video m-lines. An initiator sends its offer through h.OnSignal.
func (f *PionFactory) NewPeer(cfg PeerConfig, h PeerHandlers) (PeerChannel, error) {
	callCfg := f.config()
	api, err := f.api(callCfg)
	if err != nil {
		return nil, err
	}

	ice := make([]webrtc.ICEServer, 0, len(callCfg.ICEServers))
	for _, u := range callCfg.ICEServers {
		ice = append(ice, webrtc.ICEServer{URLs: []string{u}})
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers:    ice,
		BundlePolicy:  webrtc.BundlePolicyMaxBundle,
		RTCPMuxPolicy: webrtc.RTCPMuxPolicyRequire,
	})
	if err != nil {
		return nil, err
	}

	p := &pionPeer{
		callID: cfg.CallID,
		pc:     pc,
		h:      h,
		done:   make(chan struct{}),
	}

	sending := map[TrackKind]bool{}
	if cfg.Local != nil {
		for _, t := range cfg.Local.Tracks() {
			lt, ok := t.(*localTrack)
			if !ok {
				continue
			}
			sender, err := pc.AddTrack(lt.track)
			if err != nil {
				log.Printf("CALL [%s]: AddTrack(%s): %v", p.callID, lt.Kind(), err)
				continue
			}
			lt.attach(sender)
			sending[lt.Kind()] = true
			go p.drainRTCP(sender)
		}
	}
	for _, k := range []TrackKind{TrackVideo, TrackAudio} {
		if sending[k] {
			continue
		}
		if _, err := pc.AddTransceiverFromKind(codecType(k), webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			log.Printf("CALL [%s]: AddTransceiver(%s): %v", p.callID, k, err)
		}
	}

	pc.OnICECandidate(p.onCandidate)
	pc.OnICEConnectionStateChange(p.onICEState)
	pc.OnTrack(p.onTrack)

	if cfg.Initiator {
		offer, err := pc.CreateOffer(nil)
		if err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("create offer: %w", err)
		}
		if err := pc.SetLocalDescription(offer); err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("set local offer: %w", err)
		}
		h.OnSignal(proto.Signal{Type: proto.SignalOffer, SDP: offer.SDP})
	}
	return p, nil
}

type pionPeer struct {
	callID string
	pc     *webrtc.PeerConnection
	h      PeerHandlers

	mu        sync.Mutex
	remoteSet bool
	queued    []webrtc.ICECandidateInit

	closed atomic.Bool
	done   chan struct{}
}

// Signal applies one remote offer, answer or candidate. Candidates that
// arrive before the remote description are queued.
func (p *pionPeer) Signal(s proto.Signal) error {
	if p.closed.Load() {
		return errors.New("peer closed")
	}
	switch s.Type {
	case proto.SignalOffer:
		if err := p.setRemote(webrtc.SDPTypeOffer, s.SDP); err != nil {
			return err
		}
		answer, err := p.pc.CreateAnswer(nil)
		if err != nil {
			return fmt.Errorf("create answer: %w", err)
		}
		if err := p.pc.SetLocalDescription(answer); err != nil {
			return fmt.Errorf("set local answer: %w", err)
		}
		p.h.OnSignal(proto.Signal{Type: proto.SignalAnswer, SDP: answer.SDP})
		return nil

	case proto.SignalAnswer:
		return p.setRemote(webrtc.SDPTypeAnswer, s.SDP)

	case proto.SignalICECandidate:
		init := webrtc.ICECandidateInit{
			Candidate:     s.Candidate.Candidate,
			SDPMid:        s.Candidate.SDPMid,
			SDPMLineIndex: s.Candidate.SDPMLineIndex,
		}
		p.mu.Lock()
		if !p.remoteSet {
			p.queued = append(p.queued, init)
			p.mu.Unlock()
			return nil
		}
		p.mu.Unlock()
		return p.pc.AddICECandidate(init)
	}
	return fmt.Errorf("unknown signal type %q", s.Type)
}

func (p *pionPeer) setRemote(t webrtc.SDPType, sdp string) error {
	if err := p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: t, SDP: sdp}); err != nil {
		return fmt.Errorf("set remote %s: %w", t, err)
	}
	p.mu.Lock()
	p.remoteSet = true
	queued := p.queued
	p.queued = nil
	p.mu.Unlock()

	for _, c := range queued {
		if err := p.pc.AddICECandidate(c); err != nil {
			log.Printf("CALL [%s]: queued candidate: %v", p.callID, err)
		}
	}
	return nil
}

func (p *pionPeer) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	close(p.done)
	return p.pc.Close()
}

func (p *pionPeer) onCandidate(c *webrtc.ICECandidate) {
	if c == nil || p.closed.Load() {
		return
	}
	init := c.ToJSON()
	p.h.OnSignal(proto.Signal{
		Type: proto.SignalICECandidate,
		Candidate: &proto.ICECandidate{
			Candidate:     init.Candidate,
			SDPMid:        init.SDPMid,
			SDPMLineIndex: init.SDPMLineIndex,
		},
	})
}

func (p *pionPeer) onICEState(s webrtc.ICEConnectionState) {
	log.Printf("CALL [%s]: ICE %s", p.callID, s)
	if p.closed.Load() {
		return
	}
	switch s {
	case webrtc.ICEConnectionStateChecking:
		p.h.OnState(PeerConnecting)
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		p.h.OnState(PeerConnected)
	case webrtc.ICEConnectionStateDisconnected:
		p.h.OnState(PeerDisconnected)
	case webrtc.ICEConnectionStateFailed:
		p.h.OnState(PeerFailed)
	case webrtc.ICEConnectionStateClosed:
		p.h.OnState(PeerClosed)
	}
}

func (p *pionPeer) onTrack(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	rt := newRemoteTrack(tr)
	go rt.read()
	if tr.Kind() == webrtc.RTPCodecTypeVideo {
		go p.requestKeyframes(uint32(tr.SSRC()))
	}
	p.h.OnTrack(rt)
}

// requestKeyframes sends a PLI now and then until the peer closes, so the
// remote encoder recovers from loss.
func (p *pionPeer) requestKeyframes(ssrc uint32) {
	t := time.NewTicker(keyframeInterval)
	defer t.Stop()
	for {
		if err := p.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: ssrc}}); err != nil {
			if !p.closed.Load() {
				p.h.OnError(fmt.Errorf("pli: %w", err))
			}
			return
		}
		select {
		case <-p.done:
			return
		case <-t.C:
		}
	}
}

// drainRTCP reads the sender's RTCP so interceptors keep running.
func (p *pionPeer) drainRTCP(s *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := s.Read(buf); err != nil {
			return
		}
	}
}

type remoteTrack struct {
	track   *webrtc.TrackRemote
	created time.Time

	enabled atomic.Bool
	last    atomic.Int64
	sink    atomic.Pointer[func(*rtp.Packet)]
}

func newRemoteTrack(t *webrtc.TrackRemote) *remoteTrack {
	rt := &remoteTrack{track: t, created: time.Now()}
	rt.enabled.Store(true)
	return rt
}

func (r *remoteTrack) ID() string         { return r.track.ID() }
func (r *remoteTrack) Kind() TrackKind    { return kindOf(r.track.Kind()) }
func (r *remoteTrack) Enabled() bool      { return r.enabled.Load() }
func (r *remoteTrack) SetEnabled(on bool) { r.enabled.Store(on) }

func (r *remoteTrack) Muted() bool {
	if !r.enabled.Load() {
		return false
	}
	last := r.last.Load()
	if last == 0 {
		return time.Since(r.created) > remoteMutedAfter
	}
	return time.Since(time.Unix(0, last)) > remoteMutedAfter
}

func (r *remoteTrack) SetSink(fn func(*rtp.Packet)) {
	if fn == nil {
		r.sink.Store(nil)
		return
	}
	r.sink.Store(&fn)
}

func (r *remoteTrack) read() {
	for {
		pkt, _, err := r.track.ReadRTP()
		if err != nil {
			return
		}
		r.last.Store(time.Now().UnixNano())
		if !r.enabled.Load() {
			continue
		}
		if fn := r.sink.Load(); fn != nil {
			(*fn)(pkt)
		}
	}
}
