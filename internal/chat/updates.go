package chat

// UpdateKind says what changed.
type UpdateKind int

const (
	UpdateConversations UpdateKind = iota // list content or order
	UpdateSelection                       // selected conversation changed or cleared
	UpdateMessages                        // message list replaced by page 1
	UpdateAppended                        // one row appended
	UpdateReplaced                        // one row updated in place
	UpdatePrepended                       // an older page was put in front
	UpdateError                           // a user-initiated request failed
)

func (k UpdateKind) String() string {
	switch k {
	case UpdateConversations:
		return "conversations"
	case UpdateSelection:
		return "selection"
	case UpdateMessages:
		return "messages"
	case UpdateAppended:
		return "appended"
	case UpdateReplaced:
		return "replaced"
	case UpdatePrepended:
		return "prepended"
	case UpdateError:
		return "error"
	}
	return "unknown"
}

// Update is delivered to subscribers after each state change.
//
// For UpdatePrepended, Count is the number of rows added and AnchorKey the
// key of the row that was first before the prepend, so a view can keep that
// row where it was on screen.
type Update struct {
	Kind           UpdateKind
	ConversationID string
	Key            string
	AnchorKey      string
	Count          int
	Err            error
}

// Subscribe returns a channel of updates and a cancel func. Slow consumers
// miss updates rather than block the engine.
func (e *Engine) Subscribe() (<-chan Update, func()) {
	ch := make(chan Update, 64)

	e.lmu.Lock()
	e.listeners = append(e.listeners, ch)
	e.lmu.Unlock()

	cancel := func() {
		e.lmu.Lock()
		defer e.lmu.Unlock()
		for i, l := range e.listeners {
			if l == ch {
				e.listeners = append(e.listeners[:i], e.listeners[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, cancel
}

func (e *Engine) notify(u Update) {
	e.lmu.Lock()
	defer e.lmu.Unlock()
	for _, ch := range e.listeners {
		select {
		case ch <- u:
		default:
		}
	}
}
