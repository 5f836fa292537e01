package app

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/petervdpas/roomchat/internal/api"
	"github.com/petervdpas/roomchat/internal/call"
	"github.com/petervdpas/roomchat/internal/chat"
	"github.com/petervdpas/roomchat/internal/proto"
	"github.com/petervdpas/roomchat/internal/storage"
	"github.com/petervdpas/roomchat/internal/util"
)

type connector interface {
	Connect(ctx context.Context) error
	Disconnect()
	Connected() bool
}

type directory interface {
	SearchUsers(ctx context.Context, keyword string, page, pageSize int) ([]proto.ParticipantInfo, error)
	UploadFiles(ctx context.Context, paths ...string) ([]api.FileMetadata, error)
}

type draftLister interface {
	ListDrafts() ([]storage.DraftRow, error)
}

type userCache interface {
	UpsertUser(u storage.CachedUser) error
	UserName(userID string) string
	ListCachedUsers() ([]storage.CachedUser, error)
}

// console is a line-oriented front end. Plain text goes to the selected
// conversation; lines starting with '/' are commands.
type console struct {
	out    io.Writer
	client directory
	conn   connector
	chat   *chat.Engine
	calls  *call.Controller
	drafts draftLister
	users  userCache
	logs   *LogBuffer
	quit   func()
}

const consoleHelp = `commands:
  /convs                      list conversations
  /open <n|id>                select a conversation
  /close                      clear the selection
  /msgs                       show loaded messages
  /more                       load older messages
  /send <text> | <text>       send to the selected conversation
  /upload <path>...           upload files and send them
  /search <keyword>           search users
  /new <userId> [name]        open or create a private conversation
  /delete <n|id>              delete a conversation
  /drafts                     list saved drafts
  /users                      list users seen so far
  /call <userId> [audio|video]
  /accept [novideo]  /decline  /hangup  /mute  /video  /callstate
  /connect  /disconnect  /status  /logs [n]  /quit`

func (c *console) run(ctx context.Context, in io.Reader) {
	sc := bufio.NewScanner(in)
	fmt.Fprintln(c.out, "type /help for commands")
	for sc.Scan() {
		if !c.exec(ctx, sc.Text()) {
			break
		}
		if ctx.Err() != nil {
			return
		}
	}
	c.quit()
}

// exec runs one input line. It returns false when the console should stop.
func (c *console) exec(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return true
	}
	if !strings.HasPrefix(line, "/") {
		c.send(line, nil)
		return true
	}

	cmd, rest, _ := strings.Cut(line[1:], " ")
	rest = strings.TrimSpace(rest)
	args := strings.Fields(rest)

	switch cmd {
	case "help", "?":
		fmt.Fprintln(c.out, consoleHelp)
	case "quit", "exit":
		return false
	case "status":
		c.status()
	case "logs":
		n := 20
		if len(args) > 0 {
			n = atoiDefault(args[0], n)
		}
		for _, e := range c.logs.Tail(n) {
			fmt.Fprintf(c.out, "%s %s\n", e.TS.Format("15:04:05"), e.Msg)
		}
	case "connect":
		cctx, cancel := context.WithTimeout(ctx, util.DefaultConnectTimeout)
		err := c.conn.Connect(cctx)
		cancel()
		c.report(err, "connected")
	case "disconnect":
		c.conn.Disconnect()
		fmt.Fprintln(c.out, "disconnected")

	case "convs":
		c.listConversations()
	case "open":
		id, ok := c.conversationArg(args)
		if ok {
			c.report(c.chat.SelectConversationID(id), "")
		}
	case "close":
		c.chat.ClearSelection()
	case "msgs":
		c.listMessages()
	case "more":
		c.chat.LoadMoreMessages()
	case "send":
		c.send(rest, nil)
	case "upload":
		c.upload(ctx, args)
	case "search":
		c.search(ctx, rest)
	case "new":
		if len(args) == 0 {
			fmt.Fprintln(c.out, "usage: /new <userId> [name]")
			break
		}
		name := strings.TrimSpace(strings.TrimPrefix(rest, args[0]))
		c.report(c.chat.CreateOrFindConversation(args[0], name), "")
	case "delete":
		if id, ok := c.conversationArg(args); ok {
			c.chat.DeleteConversation(id)
		}
	case "drafts":
		c.listDrafts()
	case "users":
		c.listUsers()

	case "call":
		if len(args) == 0 {
			fmt.Fprintln(c.out, "usage: /call <userId> [audio|video]")
			break
		}
		kind := proto.CallVideo
		if len(args) > 1 {
			kind = proto.CallType(args[1])
		}
		c.report(c.calls.StartCall(args[0], kind), "calling "+args[0])
	case "accept":
		withVideo := len(args) == 0 || args[0] != "novideo"
		c.report(c.calls.AcceptCall(withVideo), "")
	case "decline":
		c.report(c.calls.DeclineCall(), "")
	case "hangup", "end":
		c.report(c.calls.EndCall(), "")
	case "mute":
		muted, err := c.calls.ToggleMute()
		c.report(err, fmt.Sprintf("muted=%v", muted))
	case "video":
		on, err := c.calls.ToggleVideo()
		c.report(err, fmt.Sprintf("video=%v", on))
	case "callstate":
		c.printCall(c.calls.State())

	default:
		fmt.Fprintf(c.out, "unknown command /%s (try /help)\n", cmd)
	}
	return true
}

func (c *console) report(err error, ok string) {
	switch {
	case err != nil:
		fmt.Fprintf(c.out, "error: %v\n", err)
	case ok != "":
		fmt.Fprintln(c.out, ok)
	}
}

func (c *console) status() {
	st := c.chat.State()
	fmt.Fprintf(c.out, "connected=%v conversations=%d selected=%q room=%q messages=%d page=%d more=%v\n",
		c.conn.Connected(), st.ConversationCount, st.SelectedID, st.JoinedRoom,
		st.MessageCount, st.Page, st.HasMore)
	c.printCall(c.calls.State())
}

// conversationArg resolves a 1-based list index or a literal id.
func (c *console) conversationArg(args []string) (string, bool) {
	if len(args) == 0 {
		fmt.Fprintln(c.out, "missing conversation (index or id)")
		return "", false
	}
	if n, err := strconv.Atoi(args[0]); err == nil {
		list := c.chat.Conversations()
		if n < 1 || n > len(list) {
			fmt.Fprintf(c.out, "no conversation #%d\n", n)
			return "", false
		}
		return list[n-1].ID, true
	}
	return args[0], true
}

func (c *console) listConversations() {
	list := c.chat.Conversations()
	if len(list) == 0 {
		fmt.Fprintln(c.out, "(no conversations)")
		return
	}
	sel, _ := c.chat.Selected()
	for i, cv := range list {
		mark := " "
		if cv.ID == sel.ID {
			mark = "*"
		}
		last := ""
		if cv.LastMessageContent != nil {
			last = util.Truncate(*cv.LastMessageContent, 40)
		}
		fmt.Fprintf(c.out, "%s%2d. %-24s %-7s %s\n", mark, i+1, util.Truncate(cv.Name, 24), cv.Type, last)
	}
}

func (c *console) listMessages() {
	msgs := c.chat.Messages()
	if len(msgs) == 0 {
		fmt.Fprintln(c.out, "(no messages)")
		return
	}
	for _, m := range msgs {
		c.printMessage(m)
	}
}

func (c *console) printMessage(m proto.Message) {
	who := m.Username
	if who == "" {
		who = m.SenderID
	}
	ts := ""
	if !m.CreatedAt.IsZero() {
		ts = m.CreatedAt.Local().Format("15:04")
	}
	body := m.Message
	for _, md := range m.Media {
		body += fmt.Sprintf(" [%s %s]", m.MessageType, md.MediaURL)
	}
	fmt.Fprintf(c.out, "%s %s: %s (%s)\n", ts, who, body, strings.ToLower(string(m.Status)))
}

func (c *console) send(text string, media []proto.MessageMedia) {
	sel, ok := c.chat.Selected()
	if !ok {
		fmt.Fprintln(c.out, "no conversation selected (use /open)")
		return
	}
	req := proto.MessageRequest{
		ConversationID: sel.ID,
		Message:        text,
		MessageType:    proto.MessageText,
		Media:          media,
	}
	if len(media) > 0 {
		req.MessageType = mediaType(media[0].MimeType)
	}
	_, err := c.chat.SendMessage(req)
	c.report(err, "")
}

func mediaType(mime string) proto.MessageType {
	switch {
	case strings.HasPrefix(mime, "image/"):
		return proto.MessageImage
	case strings.HasPrefix(mime, "video/"):
		return proto.MessageVideo
	case strings.HasPrefix(mime, "audio/"):
		return proto.MessageAudio
	}
	return proto.MessageFile
}

func (c *console) upload(ctx context.Context, paths []string) {
	if len(paths) == 0 {
		fmt.Fprintln(c.out, "usage: /upload <path>...")
		return
	}
	if _, ok := c.chat.Selected(); !ok {
		fmt.Fprintln(c.out, "no conversation selected (use /open)")
		return
	}
	uctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	files, err := c.client.UploadFiles(uctx, paths...)
	if err != nil {
		c.report(err, "")
		return
	}
	media := make([]proto.MessageMedia, 0, len(files))
	for i, f := range files {
		md := f.Media()
		md.DisplayOrder = i
		media = append(media, md)
	}
	c.send("", media)
}

func (c *console) search(ctx context.Context, keyword string) {
	sctx, cancel := context.WithTimeout(ctx, util.DefaultFetchTimeout)
	defer cancel()
	users, err := c.client.SearchUsers(sctx, keyword, 0, 20)
	if err != nil {
		c.report(err, "")
		return
	}
	if len(users) == 0 {
		fmt.Fprintln(c.out, "(no users)")
	}
	for _, u := range users {
		fmt.Fprintf(c.out, "  %s  %s\n", u.UserID, u.Username)
	}
	c.remember(users)
}

// remember caches user profiles for later display.
func (c *console) remember(users []proto.ParticipantInfo) {
	if c.users == nil {
		return
	}
	for _, u := range users {
		cu := storage.CachedUser{UserID: u.UserID, Username: u.Username}
		if u.Avatar != nil {
			cu.Avatar = *u.Avatar
		}
		if err := c.users.UpsertUser(cu); err != nil {
			log.Printf("STORAGE: cache user %s: %v", u.UserID, err)
			return
		}
	}
}

// displayName is the cached username for userID, or the id itself.
func (c *console) displayName(userID string) string {
	if c.users != nil {
		if name := c.users.UserName(userID); name != "" {
			return name
		}
	}
	return userID
}

func (c *console) listUsers() {
	if c.users == nil {
		fmt.Fprintln(c.out, "(user cache disabled)")
		return
	}
	users, err := c.users.ListCachedUsers()
	if err != nil {
		c.report(err, "")
		return
	}
	if len(users) == 0 {
		fmt.Fprintln(c.out, "(no users)")
	}
	for _, u := range users {
		fmt.Fprintf(c.out, "  %s  %-20s seen %s\n", u.UserID, u.Username, u.LastSeen.Local().Format("01-02 15:04"))
	}
}

func (c *console) listDrafts() {
	if c.drafts == nil {
		fmt.Fprintln(c.out, "(drafts disabled)")
		return
	}
	rows, err := c.drafts.ListDrafts()
	if err != nil {
		c.report(err, "")
		return
	}
	if len(rows) == 0 {
		fmt.Fprintln(c.out, "(no drafts)")
	}
	for _, r := range rows {
		fmt.Fprintf(c.out, "  %s  %s  %s\n", r.UpdatedAt.Local().Format("01-02 15:04"), r.ConversationID, util.Truncate(r.Body, 50))
	}
}

func (c *console) printCall(s call.Snapshot) {
	if s.Phase == call.PhaseIdle {
		if s.EndReason != "" {
			fmt.Fprintf(c.out, "call: idle (last ended: %s)\n", s.EndReason)
		} else {
			fmt.Fprintln(c.out, "call: idle")
		}
		return
	}
	fmt.Fprintf(c.out, "call %s: %s %s with %s, %s, muted=%v video=%v tracks=%d\n",
		s.CallID, s.Direction, s.Kind, c.displayName(s.RemoteUserID), s.Phase,
		s.Muted, s.VideoEnabled, s.RemoteTracks)
	if s.Phase == call.PhaseConnected {
		fmt.Fprintf(c.out, "  duration %s\n", s.Duration.Truncate(time.Second))
	}
}

// watch prints chat and call updates until ctx ends.
func (c *console) watch(ctx context.Context) {
	chatCh, stopChat := c.chat.Subscribe()
	defer stopChat()
	callCh, stopCalls := c.calls.Subscribe()
	defer stopCalls()

	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-chatCh:
			if !ok {
				return
			}
			c.onChat(u)
		case ev, ok := <-callCh:
			if !ok {
				return
			}
			c.onCall(ev)
		}
	}
}

func (c *console) onChat(u chat.Update) {
	switch u.Kind {
	case chat.UpdateConversations:
		for _, cv := range c.chat.Conversations() {
			c.remember(cv.Participants)
		}
	case chat.UpdateError:
		fmt.Fprintf(c.out, "! %v\n", u.Err)
	case chat.UpdateSelection:
		if sel, ok := c.chat.Selected(); ok {
			fmt.Fprintf(c.out, "-- %s --\n", sel.Name)
			if d := c.chat.Draft(sel.ID); d != "" {
				fmt.Fprintf(c.out, "draft: %s\n", d)
			}
		}
	case chat.UpdateMessages:
		c.listMessages()
	case chat.UpdateAppended:
		msgs := c.chat.Messages()
		if n := len(msgs); n > 0 {
			c.printMessage(msgs[n-1])
		}
	case chat.UpdatePrepended:
		fmt.Fprintf(c.out, "(%d older messages loaded)\n", u.Count)
	}
}

func (c *console) onCall(ev call.Event) {
	switch ev.Kind {
	case call.EventIncoming:
		fmt.Fprintf(c.out, "** incoming %s call from %s: /accept or /decline\n", ev.Call.Kind, c.displayName(ev.Call.RemoteUserID))
	case call.EventError:
		fmt.Fprintf(c.out, "! call: %v\n", ev.Err)
	case call.EventState:
		c.printCall(ev.Call)
	}
}
