// Package transport owns the single persistent socket to the chat server.
// Both the chat engine and the call controller publish and subscribe through
// one Conn; nothing else opens or closes the socket.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/petervdpas/roomchat/internal/proto"
)

const (
	// Time allowed to write a frame to the server.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong from the server.
	pongWait = 60 * time.Second

	// Ping period; must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum inbound frame size.
	maxFrameSize = 512 * 1024

	// Outbound frames buffered for the write pump.
	sendBuffer = 256
)

var (
	ErrNoURL      = errors.New("transport: no socket url configured")
	ErrConnecting = errors.New("transport: connect already in progress")
)

// Handler receives the raw data of one inbound event.
// Handlers run on the read goroutine and must not block.
type Handler func(data json.RawMessage)

// Options configures a Conn.
type Options struct {
	URL    string // ws:// or wss:// endpoint
	Token  string // bearer credential from the auth subsystem
	UserID string // owner of the personal notification room

	Dialer *websocket.Dialer // nil means websocket.DefaultDialer
}

// Conn is the client side of the socket.
type Conn struct {
	opts Options

	mu        sync.Mutex
	ws        *websocket.Conn
	send      chan []byte
	done      chan struct{}
	connected bool
	dialing   bool
	rooms     map[string]struct{}

	subMu sync.RWMutex
	subs  map[string]map[*Subscription]struct{}

	hookMu   sync.RWMutex
	onReady  []func()
	onStatus []func(bool)
}

// New creates an unconnected Conn.
func New(opts Options) *Conn {
	return &Conn{
		opts:  opts,
		rooms: make(map[string]struct{}),
		subs:  make(map[string]map[*Subscription]struct{}),
	}
}

// UserID returns the id whose personal room this connection joins.
func (c *Conn) UserID() string { return c.opts.UserID }

// Connected reports whether the socket is currently open.
func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// OnReady registers fn to run after every successful Connect, once the
// personal room has been joined.
func (c *Conn) OnReady(fn func()) {
	c.hookMu.Lock()
	c.onReady = append(c.onReady, fn)
	c.hookMu.Unlock()
}

// OnStatus registers fn to observe connected-flag changes.
func (c *Conn) OnStatus(fn func(connected bool)) {
	c.hookMu.Lock()
	c.onStatus = append(c.onStatus, fn)
	c.hookMu.Unlock()
}

// Connect dials the server. It is a no-op when already connected and
// returns ErrConnecting while another Connect is dialing.
// There is no automatic reconnect; callers decide when to call it again.
func (c *Conn) Connect(ctx context.Context) error {
	if c.opts.URL == "" {
		return ErrNoURL
	}
	c.mu.Lock()
	switch {
	case c.connected:
		c.mu.Unlock()
		return nil
	case c.dialing:
		c.mu.Unlock()
		return ErrConnecting
	}
	c.dialing = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.dialing = false
		c.mu.Unlock()
	}()

	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return fmt.Errorf("transport: bad url: %w", err)
	}
	if c.opts.Token != "" {
		q := u.Query()
		q.Set("token", c.opts.Token)
		u.RawQuery = q.Encode()
	}
	header := http.Header{}
	if c.opts.Token != "" {
		header.Set("Authorization", "Bearer "+c.opts.Token)
	}

	dialer := c.opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	ws, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("transport: dial %s: %w (status %s)", u.Host, err, resp.Status)
		}
		return fmt.Errorf("transport: dial %s: %w", u.Host, err)
	}

	c.mu.Lock()
	c.ws = ws
	c.send = make(chan []byte, sendBuffer)
	c.done = make(chan struct{})
	c.connected = true
	c.rooms = make(map[string]struct{})
	send, done := c.send, c.done
	c.mu.Unlock()

	go c.writePump(ws, send, done)
	go c.readPump(ws)

	log.Printf("TRANSPORT: connected to %s", u.Host)
	connectsTotal.Inc()

	if c.opts.UserID != "" {
		c.JoinRoom(proto.PersonalRoom(c.opts.UserID))
	}

	c.fireStatus(true)
	c.hookMu.RLock()
	ready := append([]func(){}, c.onReady...)
	c.hookMu.RUnlock()
	for _, fn := range ready {
		fn()
	}
	return nil
}

// Disconnect closes the socket. Safe to call when not connected.
func (c *Conn) Disconnect() {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return
	}
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	c.teardown(ws, nil)
}

// JoinRoom joins roomID. Joining twice, or while disconnected, is a no-op.
func (c *Conn) JoinRoom(roomID string) {
	if roomID == "" {
		return
	}
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		log.Printf("TRANSPORT: join %s skipped (not connected)", roomID)
		return
	}
	if _, ok := c.rooms[roomID]; ok {
		c.mu.Unlock()
		return
	}
	c.rooms[roomID] = struct{}{}
	c.mu.Unlock()

	c.Publish(proto.EventJoinConversation, roomID)
}

// LeaveRoom leaves roomID. Leaving a room never joined, or while
// disconnected, is a no-op.
func (c *Conn) LeaveRoom(roomID string) {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return
	}
	if _, ok := c.rooms[roomID]; !ok {
		c.mu.Unlock()
		return
	}
	delete(c.rooms, roomID)
	c.mu.Unlock()

	c.Publish(proto.EventLeaveConversation, roomID)
}

// InRoom reports current membership.
func (c *Conn) InRoom(roomID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.rooms[roomID]
	return ok
}

// Publish sends event with payload. When the socket is not open, or the
// outbound buffer is full, the frame is logged and dropped; there is no
// offline queue.
func (c *Conn) Publish(event string, payload any) {
	b, err := proto.EncodeFrame(event, payload)
	if err != nil {
		log.Printf("TRANSPORT: encode %s: %v", event, err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		log.Printf("TRANSPORT: dropped %s (not connected)", event)
		framesDropped.WithLabelValues(event).Inc()
		return
	}
	select {
	case c.send <- b:
		framesTotal.WithLabelValues("out", event).Inc()
	default:
		log.Printf("TRANSPORT: dropped %s (send buffer full)", event)
		framesDropped.WithLabelValues(event).Inc()
	}
}

// Subscription is one registered interest in an event. The registry holds
// the Subscription itself, never the handler, so replacing the handler with
// Set does not touch the registry and cannot drop or duplicate events.
type Subscription struct {
	conn  *Conn
	event string
	cell  atomic.Pointer[Handler]
}

// Subscribe registers h for event.
func (c *Conn) Subscribe(event string, h Handler) *Subscription {
	s := &Subscription{conn: c, event: event}
	s.cell.Store(&h)

	c.subMu.Lock()
	set, ok := c.subs[event]
	if !ok {
		set = make(map[*Subscription]struct{})
		c.subs[event] = set
	}
	set[s] = struct{}{}
	c.subMu.Unlock()
	return s
}

// Set replaces the handler invoked for future events.
func (s *Subscription) Set(h Handler) {
	s.cell.Store(&h)
}

// Cancel removes the subscription. Idempotent.
func (s *Subscription) Cancel() {
	c := s.conn
	c.subMu.Lock()
	if set, ok := c.subs[s.event]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(c.subs, s.event)
		}
	}
	c.subMu.Unlock()
}

func (s *Subscription) invoke(data json.RawMessage) {
	if h := s.cell.Load(); h != nil && *h != nil {
		(*h)(data)
	}
}

// subscriberCount is used by tests to assert the registry is stable.
func (c *Conn) subscriberCount(event string) int {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	return len(c.subs[event])
}

func (c *Conn) dispatch(f proto.Frame) {
	c.subMu.RLock()
	set := c.subs[f.Event]
	targets := make([]*Subscription, 0, len(set))
	for s := range set {
		targets = append(targets, s)
	}
	c.subMu.RUnlock()

	framesTotal.WithLabelValues("in", f.Event).Inc()
	for _, s := range targets {
		s.invoke(f.Data)
	}
}

func (c *Conn) readPump(ws *websocket.Conn) {
	ws.SetReadLimit(maxFrameSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("TRANSPORT: read error: %v", err)
			}
			c.teardown(ws, err)
			return
		}

		var f proto.Frame
		if err := json.Unmarshal(data, &f); err != nil || f.Event == "" {
			log.Printf("TRANSPORT: ignoring malformed frame (%d bytes)", len(data))
			continue
		}
		c.dispatch(f)
	}
}

func (c *Conn) writePump(ws *websocket.Conn, send <-chan []byte, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case b := <-send:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.TextMessage, b); err != nil {
				log.Printf("TRANSPORT: write error: %v", err)
				c.teardown(ws, err)
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.teardown(ws, err)
				return
			}
		}
	}
}

// teardown closes ws if it is still the current socket and flips the
// connected flag. Both pumps and Disconnect may race here; only the first
// caller for a given socket has an effect.
func (c *Conn) teardown(ws *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.ws != ws {
		c.mu.Unlock()
		return
	}
	c.ws = nil
	c.connected = false
	c.rooms = make(map[string]struct{})
	close(c.done)
	c.mu.Unlock()

	_ = ws.Close()
	if cause != nil {
		log.Printf("TRANSPORT: disconnected: %v", cause)
	} else {
		log.Printf("TRANSPORT: disconnected")
	}
	c.fireStatus(false)
}

func (c *Conn) fireStatus(connected bool) {
	c.hookMu.RLock()
	hooks := append([]func(bool){}, c.onStatus...)
	c.hookMu.RUnlock()
	for _, fn := range hooks {
		fn(connected)
	}
}
