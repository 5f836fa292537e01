package chat

import (
	"sort"

	"github.com/petervdpas/roomchat/internal/proto"
)

type outcome string

const (
	outcomeReplaced outcome = "replaced" // pending row swapped for the inbound copy
	outcomeDropped  outcome = "dropped"  // row already present
	outcomeAppended outcome = "appended"
)

// reconcile folds one inbound message into list so that each logical
// message owns at most one row:
//
//  1. a pending row with the same tempId is replaced in place;
//  2. a row with the same id absorbs the inbound copy;
//  3. anything else is appended.
//
// Status never moves backwards in either of the first two cases, and a row
// that carries a server id is never left SENDING.
func reconcile(list []proto.Message, in proto.Message) ([]proto.Message, outcome) {
	if in.TempID != "" {
		for i := range list {
			if list[i].Pending() && list[i].TempID == in.TempID {
				merged := in
				merged.Status = list[i].Status.Max(in.Status)
				if merged.CreatedAt.IsZero() {
					merged.CreatedAt = list[i].CreatedAt
				}
				list[i] = confirmed(merged)
				return list, outcomeReplaced
			}
		}
	}

	if in.ID != "" {
		for i := range list {
			if list[i].ID == in.ID {
				list[i].Status = list[i].Status.Max(in.Status)
				list[i].IsRead = list[i].IsRead || in.IsRead
				list[i] = confirmed(list[i])
				return list, outcomeDropped
			}
		}
	} else if in.TempID != "" {
		// A late pending echo for a row that was already confirmed.
		for i := range list {
			if list[i].TempID == in.TempID {
				return list, outcomeDropped
			}
		}
	}

	return append(list, confirmed(in)), outcomeAppended
}

// confirmed lifts a row with a server id out of SENDING. The server may
// confirm without a status, or with one this client does not know.
func confirmed(m proto.Message) proto.Message {
	if m.ID != "" && m.Status.Rank() <= proto.StatusSending.Rank() {
		m.Status = proto.StatusSent
	}
	return m
}

// prependPage puts an older page in front of list, skipping rows whose key is
// already present. It returns the merged list and how many rows were added.
func prependPage(list, page []proto.Message) ([]proto.Message, int) {
	present := make(map[string]bool, len(list)+len(page))
	for i := range list {
		markKeys(present, &list[i])
	}

	fresh := make([]proto.Message, 0, len(page))
	for i := range page {
		m := page[i]
		if seenAny(present, &m) {
			continue
		}
		markKeys(present, &m)
		fresh = append(fresh, m)
	}
	if len(fresh) == 0 {
		return list, 0
	}
	return append(fresh, list...), len(fresh)
}

// dedupe removes repeated rows from a single page, keeping the first.
func dedupe(page []proto.Message) []proto.Message {
	out, _ := prependPage(nil, page)
	return out
}

func markKeys(set map[string]bool, m *proto.Message) {
	if m.ID != "" {
		set["id:"+m.ID] = true
	}
	if m.TempID != "" {
		set["tmp:"+m.TempID] = true
	}
}

func seenAny(set map[string]bool, m *proto.Message) bool {
	return (m.ID != "" && set["id:"+m.ID]) || (m.TempID != "" && set["tmp:"+m.TempID])
}

// sortConversations orders by last message time, newest first. Conversations
// without a last message go last; ties keep their previous order.
func sortConversations(list []proto.Conversation) {
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i].LastMessageTime, list[j].LastMessageTime
		if a.IsZero() || b.IsZero() {
			return !a.IsZero() && b.IsZero()
		}
		return a.After(b.Time)
	})
}

// touchConversation records msg as the last message of its conversation and
// re-sorts. It reports false when the conversation is not in list.
func touchConversation(list []proto.Conversation, msg proto.Message) bool {
	for i := range list {
		if list[i].ID != msg.ConversationID {
			continue
		}
		body := msg.Message
		list[i].LastMessageContent = &body
		if !msg.CreatedAt.IsZero() {
			list[i].LastMessageTime = msg.CreatedAt
		}
		sortConversations(list)
		return true
	}
	return false
}
