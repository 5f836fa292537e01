package chat

import (
	"github.com/petervdpas/roomchat/internal/api"
	"github.com/petervdpas/roomchat/internal/proto"
)

// NewConversation is the only place a Conversation value is built, whether it
// came from the server listing or was synthesized after a create call.
// Participants are de-duplicated by user id, first occurrence wins.
func NewConversation(id string, kind proto.ConversationType, name, avatar string, participants []proto.ParticipantInfo) proto.Conversation {
	if kind == "" {
		kind = proto.ConversationPrivate
	}
	seen := make(map[string]bool, len(participants))
	members := make([]proto.ParticipantInfo, 0, len(participants))
	for _, p := range participants {
		if p.UserID == "" || seen[p.UserID] {
			continue
		}
		seen[p.UserID] = true
		members = append(members, p)
	}
	return proto.Conversation{
		ID:           id,
		Type:         kind,
		Name:         name,
		Avatar:       avatar,
		Participants: members,
	}
}

// normalize passes a server-listed conversation through the factory while
// keeping its last-message fields.
func normalize(c proto.Conversation) proto.Conversation {
	out := NewConversation(c.ID, c.Type, c.Name, c.Avatar, c.Participants)
	out.LastMessageContent = c.LastMessageContent
	out.LastMessageTime = c.LastMessageTime
	return out
}

// fromCreated synthesizes the local entry for a freshly created (or found)
// private conversation. The peer's username is filled in when the server
// response omits it, and the conversation is named after the peer.
func fromCreated(res *api.ConversationCreated, targetUserID, targetName string) proto.Conversation {
	members := make([]proto.ParticipantInfo, 0, len(res.Participants)+1)
	found := false
	for _, p := range res.Participants {
		if p.UserID == targetUserID {
			found = true
			if p.Username == "" {
				p.Username = targetName
			}
		}
		members = append(members, p)
	}
	if !found {
		members = append(members, proto.ParticipantInfo{UserID: targetUserID, Username: targetName})
	}

	name := res.Name
	if name == "" && res.Type != proto.ConversationGroup {
		name = targetName
	}
	return NewConversation(res.ID, res.Type, name, res.Avatar, members)
}
