// Package chat keeps the conversation list and the active conversation's
// messages consistent under socket pushes, optimistic sends and paginated
// history fetches.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/petervdpas/roomchat/internal/api"
	"github.com/petervdpas/roomchat/internal/loop"
	"github.com/petervdpas/roomchat/internal/proto"
	"github.com/petervdpas/roomchat/internal/transport"
)

var (
	ErrNotConnected = errors.New("chat: not connected")
	ErrNoSelection  = errors.New("chat: no conversation selected")
)

// API is the slice of the REST client the engine needs.
type API interface {
	Conversations(ctx context.Context, page, size int) (*api.Page[proto.Conversation], error)
	Messages(ctx context.Context, conversationID string, page, size int) (*api.Page[proto.Message], error)
	CreateConversation(ctx context.Context, req api.CreateConversationRequest) (*api.ConversationCreated, error)
	DeleteConversation(ctx context.Context, id string) error
}

// Transport is the slice of the socket the engine needs.
type Transport interface {
	Connected() bool
	JoinRoom(roomID string)
	LeaveRoom(roomID string)
	Publish(event string, payload any)
}

// Subscriber registers socket event handlers.
type Subscriber interface {
	Subscribe(event string, h transport.Handler) *transport.Subscription
}

// Drafts persists unsent input per conversation. May be nil.
type Drafts interface {
	SaveDraft(conversationID, body string) error
	Draft(conversationID string) (string, error)
	ClearDraft(conversationID string) error
}

type Options struct {
	SelfID               string
	MessagePageSize      int
	ConversationPageSize int
	MaxConversationPages int
	RefreshDebounce      time.Duration
}

func (o *Options) defaults() {
	if o.MessagePageSize <= 0 {
		o.MessagePageSize = 10
	}
	if o.ConversationPageSize <= 0 {
		o.ConversationPageSize = 20
	}
	if o.MaxConversationPages <= 0 {
		o.MaxConversationPages = 10
	}
	if o.RefreshDebounce <= 0 {
		o.RefreshDebounce = 100 * time.Millisecond
	}
}

// State is a snapshot of the engine's flags.
type State struct {
	SelectedID           string
	JoinedRoom           string
	Page                 int
	HasMore              bool
	LoadingMessages      bool
	LoadingMore          bool
	LoadingConversations bool
	MessageCount         int
	ConversationCount    int
}

// Engine owns the chat state. Every field below the loop is only touched
// from inside the loop.
type Engine struct {
	loop   *loop.Loop
	api    API
	tr     Transport
	drafts Drafts
	opts   Options

	ctx    context.Context
	cancel context.CancelFunc

	conversations []proto.Conversation
	selected      *proto.Conversation
	joinedRoom    string
	messages      []proto.Message
	page          int
	hasMore       bool

	loadingMessages      bool
	loadingMore          bool
	loadingConversations bool

	selGen    uint64
	selCtx    context.Context
	selCancel context.CancelFunc
	convGen   uint64

	refreshStop func() bool

	lmu       sync.Mutex
	listeners []chan Update
}

func New(client API, tr Transport, drafts Drafts, opts Options) *Engine {
	opts.defaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		loop:    loop.New(),
		api:     client,
		tr:      tr,
		drafts:  drafts,
		opts:    opts,
		ctx:     ctx,
		cancel:  cancel,
		page:    1,
		hasMore: true,
	}
}

// Attach subscribes the engine's inbound handlers. Handlers decode on the
// socket's read goroutine and post to the loop, so arrival order is kept.
func (e *Engine) Attach(s Subscriber) []*transport.Subscription {
	return []*transport.Subscription{
		s.Subscribe(proto.EventChatMessage, e.onChatMessage),
		s.Subscribe(proto.EventNewMessage, e.onNewMessage),
		s.Subscribe(proto.EventConversationUpdated, e.onConversationUpdated),
	}
}

// Close stops the loop and cancels all in-flight fetches.
func (e *Engine) Close() {
	_ = e.loop.Do(func() {
		if e.selCancel != nil {
			e.selCancel()
		}
		if e.refreshStop != nil {
			e.refreshStop()
		}
	})
	e.cancel()
	e.loop.Close()

	e.lmu.Lock()
	for _, ch := range e.listeners {
		close(ch)
	}
	e.listeners = nil
	e.lmu.Unlock()
}

// ── conversations ──

// LoadConversations replaces the list from the API. Only the most recent
// request's result is applied; a failure yields an empty list.
func (e *Engine) LoadConversations() {
	e.loop.Post(e.loadConversations)
}

func (e *Engine) loadConversations() {
	e.convGen++
	gen := e.convGen
	e.loadingConversations = true
	conversationRefreshes.Inc()

	type result struct {
		list []proto.Conversation
		err  error
	}
	loop.Go(e.loop, e.ctx, func(ctx context.Context) result {
		list, err := e.fetchAllConversations(ctx)
		return result{list, err}
	}, func(r result) {
		if gen != e.convGen {
			staleResponses.WithLabelValues("conversations").Inc()
			return
		}
		e.loadingConversations = false
		if r.err != nil {
			log.Printf("CHAT: load conversations: %v", r.err)
			e.conversations = nil
		} else {
			e.conversations = r.list
		}
		e.refreshSelected()
		e.notify(Update{Kind: UpdateConversations})
	})
}

func (e *Engine) fetchAllConversations(ctx context.Context) ([]proto.Conversation, error) {
	start := time.Now()
	defer func() { fetchDuration.WithLabelValues("conversations").Observe(time.Since(start).Seconds()) }()

	var out []proto.Conversation
	seen := make(map[string]bool)
	for page := 1; page <= e.opts.MaxConversationPages; page++ {
		res, err := e.api.Conversations(ctx, page, e.opts.ConversationPageSize)
		if err != nil {
			return nil, err
		}
		for _, c := range res.Data {
			if c.ID == "" || seen[c.ID] {
				continue
			}
			seen[c.ID] = true
			out = append(out, normalize(c))
		}
		if res.TotalPages <= page {
			break
		}
	}
	sortConversations(out)
	return out, nil
}

// refreshSelected copies fresh server fields onto the selected conversation.
func (e *Engine) refreshSelected() {
	if e.selected == nil {
		return
	}
	for _, c := range e.conversations {
		if c.ID == e.selected.ID {
			cp := c
			e.selected = &cp
			return
		}
	}
}

func (e *Engine) scheduleRefresh() {
	if e.refreshStop != nil {
		e.refreshStop()
	}
	e.refreshStop = e.loop.After(e.opts.RefreshDebounce, func() {
		e.refreshStop = nil
		e.loadConversations()
	})
}

// ── selection ──

// SelectConversation makes c the active conversation: the previous room is
// left, c's room joined, pagination reset and page 1 loaded. Fetches still
// running for the previous selection are cancelled and their results dropped.
func (e *Engine) SelectConversation(c proto.Conversation) {
	e.loop.Post(func() { e.selectLocked(c) })
}

// SelectConversationID selects a conversation already in the list.
func (e *Engine) SelectConversationID(id string) error {
	var err error
	if derr := e.loop.Do(func() {
		for _, c := range e.conversations {
			if c.ID == id {
				e.selectLocked(c)
				return
			}
		}
		err = fmt.Errorf("chat: unknown conversation %q", id)
	}); derr != nil {
		return derr
	}
	return err
}

func (e *Engine) selectLocked(c proto.Conversation) {
	e.resetSelection()
	if e.joinedRoom != "" && e.joinedRoom != c.ID {
		e.tr.LeaveRoom(e.joinedRoom)
	}
	e.tr.JoinRoom(c.ID)
	e.joinedRoom = c.ID

	cp := c
	e.selected = &cp
	e.notify(Update{Kind: UpdateSelection, ConversationID: c.ID})
	e.loadPage(1)
}

// resetSelection invalidates everything tied to the current selection.
func (e *Engine) resetSelection() {
	if e.selCancel != nil {
		e.selCancel()
	}
	e.selGen++
	e.selCtx, e.selCancel = context.WithCancel(e.ctx)
	e.messages = nil
	e.page = 1
	e.hasMore = true
	e.loadingMessages = false
	e.loadingMore = false
}

// ClearSelection deselects and leaves the conversation room.
func (e *Engine) ClearSelection() {
	e.loop.Post(e.clearLocked)
}

func (e *Engine) clearLocked() {
	e.resetSelection()
	if e.joinedRoom != "" {
		e.tr.LeaveRoom(e.joinedRoom)
		e.joinedRoom = ""
	}
	e.selected = nil
	e.notify(Update{Kind: UpdateSelection})
}

// FocusParticipant selects the conversation containing userID when nothing is
// selected yet. Private conversations are preferred over groups. Used when a
// call comes in so the caller's thread is on screen.
func (e *Engine) FocusParticipant(userID string) {
	e.loop.Post(func() {
		if e.selected != nil || userID == "" {
			return
		}
		var match *proto.Conversation
		for i := range e.conversations {
			c := &e.conversations[i]
			if !c.HasParticipant(userID) {
				continue
			}
			if c.Type == proto.ConversationPrivate {
				match = c
				break
			}
			if match == nil {
				match = c
			}
		}
		if match == nil {
			return
		}
		log.Printf("CHAT: focusing conversation %s for %s", match.ID, userID)
		e.selectLocked(*match)
	})
}

// Rejoin re-enters the selected conversation's room after a reconnect.
func (e *Engine) Rejoin() {
	e.loop.Post(func() {
		if e.joinedRoom != "" {
			e.tr.JoinRoom(e.joinedRoom)
		}
	})
}

// ── messages ──

// LoadMoreMessages fetches the next older page and prepends it. It does
// nothing while a fetch is running, when there are no more pages, or when
// nothing is selected.
func (e *Engine) LoadMoreMessages() {
	e.loop.Post(func() {
		if e.selected == nil || !e.hasMore || e.loadingMore || e.loadingMessages {
			return
		}
		e.loadPage(e.page + 1)
	})
}

func (e *Engine) loadPage(page int) {
	gen := e.selGen
	convID := e.selected.ID
	if page == 1 {
		e.loadingMessages = true
	} else {
		e.loadingMore = true
	}

	type result struct {
		res *api.Page[proto.Message]
		err error
	}
	size := e.opts.MessagePageSize
	loop.Go(e.loop, e.selCtx, func(ctx context.Context) result {
		start := time.Now()
		res, err := e.api.Messages(ctx, convID, page, size)
		fetchDuration.WithLabelValues("messages").Observe(time.Since(start).Seconds())
		return result{res, err}
	}, func(r result) {
		if gen != e.selGen || e.selected == nil || e.selected.ID != convID {
			staleResponses.WithLabelValues("messages").Inc()
			return
		}
		if page == 1 {
			e.loadingMessages = false
		} else {
			e.loadingMore = false
		}
		if r.err != nil {
			log.Printf("CHAT: load messages %s page %d: %v", convID, page, r.err)
			return
		}

		current := r.res.CurrentPage
		if current <= 0 {
			current = page
		}
		e.hasMore = e.hasMore && current < r.res.TotalPages
		e.page = current

		if page == 1 {
			// Live messages may have arrived while page 1 was in flight.
			merged := dedupe(r.res.Data)
			for _, m := range e.messages {
				merged, _ = reconcile(merged, m)
			}
			e.messages = merged
			e.notify(Update{Kind: UpdateMessages, ConversationID: convID, Count: len(merged)})
			return
		}

		anchor := ""
		if len(e.messages) > 0 {
			anchor = e.messages[0].Key()
		}
		var added int
		e.messages, added = prependPage(e.messages, r.res.Data)
		e.notify(Update{Kind: UpdatePrepended, ConversationID: convID, Count: added, AnchorKey: anchor})
	})
}

// SendMessage publishes req on chat.send and inserts the optimistic row with
// status SENDING. The returned tempId correlates the server's confirmation.
// When the socket is down nothing is sent, the text is kept as the
// conversation's draft and ErrNotConnected is returned.
func (e *Engine) SendMessage(req proto.MessageRequest) (string, error) {
	var (
		tempID string
		err    error
	)
	if derr := e.loop.Do(func() { tempID, err = e.sendLocked(req) }); derr != nil {
		return "", derr
	}
	return tempID, err
}

func (e *Engine) sendLocked(req proto.MessageRequest) (string, error) {
	if req.ConversationID == "" {
		if e.selected == nil {
			return "", ErrNoSelection
		}
		req.ConversationID = e.selected.ID
	}
	if req.MessageType == "" {
		req.MessageType = proto.MessageText
	}
	req.Message = strings.TrimSpace(req.Message)

	if !e.tr.Connected() {
		if e.drafts != nil && req.Message != "" {
			if err := e.drafts.SaveDraft(req.ConversationID, req.Message); err != nil {
				log.Printf("CHAT: save draft: %v", err)
			}
		}
		return "", ErrNotConnected
	}
	if err := proto.Validator().Struct(req); err != nil {
		return "", fmt.Errorf("chat: invalid message: %w", err)
	}

	req.TempID = uuid.NewString()
	req.SenderID = e.opts.SelfID

	if e.selected != nil && e.selected.ID == req.ConversationID {
		row := proto.Message{
			TempID:         req.TempID,
			ConversationID: req.ConversationID,
			SenderID:       req.SenderID,
			Message:        req.Message,
			Status:         proto.StatusSending,
			MessageType:    req.MessageType,
			CreatedAt:      proto.NewTimestamp(time.Now()),
			Media:          req.Media,
		}
		e.messages = append(e.messages, row)
		e.notify(Update{Kind: UpdateAppended, ConversationID: req.ConversationID, Key: row.Key()})
	}

	e.tr.Publish(proto.EventChatSend, req)
	messagesSent.Inc()

	if e.drafts != nil {
		if err := e.drafts.ClearDraft(req.ConversationID); err != nil {
			log.Printf("CHAT: clear draft: %v", err)
		}
	}
	return req.TempID, nil
}

// Draft returns the saved unsent text for a conversation.
func (e *Engine) Draft(conversationID string) string {
	if e.drafts == nil {
		return ""
	}
	s, err := e.drafts.Draft(conversationID)
	if err != nil {
		log.Printf("CHAT: load draft: %v", err)
	}
	return s
}

// ── create / delete ──

// CreateOrFindConversation asks the server for the private conversation with
// targetUserID, inserts the synthesized entry, selects it, and schedules a
// full refresh to reconcile with the server's view. When the user selects
// something else while the request is in flight, the entry is still
// inserted but not selected.
func (e *Engine) CreateOrFindConversation(targetUserID, username string) error {
	if targetUserID == "" {
		return fmt.Errorf("chat: empty target user")
	}
	if targetUserID == e.opts.SelfID {
		return fmt.Errorf("chat: cannot open a conversation with yourself")
	}

	e.loop.Post(func() {
		gen := e.selGen
		req := api.CreateConversationRequest{
			Type:           proto.ConversationPrivate,
			ParticipantIDs: []string{targetUserID},
		}
		if e.opts.SelfID != "" {
			req.ParticipantIDs = append(req.ParticipantIDs, e.opts.SelfID)
		}

		type result struct {
			res *api.ConversationCreated
			err error
		}
		loop.Go(e.loop, e.ctx, func(ctx context.Context) result {
			res, err := e.api.CreateConversation(ctx, req)
			return result{res, err}
		}, func(r result) {
			if r.err != nil {
				log.Printf("CHAT: create conversation with %s: %v", targetUserID, r.err)
				e.notify(Update{Kind: UpdateError, Err: r.err})
				return
			}
			conv := fromCreated(r.res, targetUserID, username)

			known := false
			for i := range e.conversations {
				if e.conversations[i].ID == conv.ID {
					conv = e.conversations[i]
					known = true
					break
				}
			}
			if !known {
				e.conversations = append(e.conversations, conv)
				sortConversations(e.conversations)
				e.notify(Update{Kind: UpdateConversations})
			}

			if gen != e.selGen {
				staleResponses.WithLabelValues("create").Inc()
				log.Printf("CHAT: selection changed, not focusing %s", conv.ID)
			} else {
				e.selectLocked(conv)
			}
			e.scheduleRefresh()
		})
	})
	return nil
}

// DeleteConversation removes a conversation on the server and locally.
func (e *Engine) DeleteConversation(id string) {
	loop.Go(e.loop, e.ctx, func(ctx context.Context) error {
		return e.api.DeleteConversation(ctx, id)
	}, func(err error) {
		if err != nil {
			log.Printf("CHAT: delete conversation %s: %v", id, err)
			e.notify(Update{Kind: UpdateError, Err: err})
			return
		}
		out := e.conversations[:0]
		for _, c := range e.conversations {
			if c.ID != id {
				out = append(out, c)
			}
		}
		e.conversations = out
		if e.drafts != nil {
			_ = e.drafts.ClearDraft(id)
		}
		if e.selected != nil && e.selected.ID == id {
			e.clearLocked()
		}
		e.notify(Update{Kind: UpdateConversations})
	})
}

// ── inbound events ──

func (e *Engine) onChatMessage(data json.RawMessage) {
	msg, err := proto.Decode[proto.Message](data)
	if err != nil {
		log.Printf("CHAT: dropping %s: %v", proto.EventChatMessage, err)
		return
	}
	e.loop.Post(func() { e.applyToActive(msg) })
}

func (e *Engine) onNewMessage(data json.RawMessage) {
	msg, err := proto.Decode[proto.Message](data)
	if err != nil {
		log.Printf("CHAT: dropping %s: %v", proto.EventNewMessage, err)
		return
	}
	e.loop.Post(func() {
		e.applyToActive(msg)
		e.applyToList(msg)
	})
}

func (e *Engine) onConversationUpdated(data json.RawMessage) {
	msg, err := proto.Decode[proto.Message](data)
	if err != nil {
		log.Printf("CHAT: dropping %s: %v", proto.EventConversationUpdated, err)
		return
	}
	e.loop.Post(func() { e.applyToList(msg) })
}

func (e *Engine) applyToActive(msg proto.Message) {
	if e.selected == nil || e.selected.ID != msg.ConversationID {
		return
	}
	var out outcome
	e.messages, out = reconcile(e.messages, msg)
	reconcileTotal.WithLabelValues(string(out)).Inc()

	switch out {
	case outcomeAppended:
		e.notify(Update{Kind: UpdateAppended, ConversationID: msg.ConversationID, Key: msg.Key()})
	case outcomeReplaced, outcomeDropped:
		e.notify(Update{Kind: UpdateReplaced, ConversationID: msg.ConversationID, Key: msg.Key()})
	}
}

func (e *Engine) applyToList(msg proto.Message) {
	if !touchConversation(e.conversations, msg) {
		e.scheduleRefresh()
		return
	}
	if e.selected != nil && e.selected.ID == msg.ConversationID {
		e.refreshSelected()
	}
	e.notify(Update{Kind: UpdateConversations})
}

// ── snapshots ──

func (e *Engine) Conversations() []proto.Conversation {
	var out []proto.Conversation
	_ = e.loop.Do(func() { out = append(out, e.conversations...) })
	return out
}

func (e *Engine) Messages() []proto.Message {
	var out []proto.Message
	_ = e.loop.Do(func() { out = append(out, e.messages...) })
	return out
}

func (e *Engine) Selected() (proto.Conversation, bool) {
	var (
		out proto.Conversation
		ok  bool
	)
	_ = e.loop.Do(func() {
		if e.selected != nil {
			out, ok = *e.selected, true
		}
	})
	return out, ok
}

func (e *Engine) State() State {
	var s State
	_ = e.loop.Do(func() {
		if e.selected != nil {
			s.SelectedID = e.selected.ID
		}
		s.JoinedRoom = e.joinedRoom
		s.Page = e.page
		s.HasMore = e.hasMore
		s.LoadingMessages = e.loadingMessages
		s.LoadingMore = e.loadingMore
		s.LoadingConversations = e.loadingConversations
		s.MessageCount = len(e.messages)
		s.ConversationCount = len(e.conversations)
	})
	return s
}

// Settle waits until all in-flight fetches have been applied.
func (e *Engine) Settle(ctx context.Context) error {
	return e.loop.Settle(ctx)
}
