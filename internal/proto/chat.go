package proto

// ConversationType is PRIVATE (two participants) or GROUP.
type ConversationType string

const (
	ConversationPrivate ConversationType = "PRIVATE"
	ConversationGroup   ConversationType = "GROUP"
)

// MessageType classifies a message body.
type MessageType string

const (
	MessageText    MessageType = "TEXT"
	MessageImage   MessageType = "IMAGE"
	MessageVideo   MessageType = "VIDEO"
	MessageAudio   MessageType = "AUDIO"
	MessageFile    MessageType = "FILE"
	MessageSticker MessageType = "STICKER"
)

// MessageStatus only ever moves forward: SENDING → SENT → DELIVERED → READ.
type MessageStatus string

const (
	StatusSending   MessageStatus = "SENDING"
	StatusSent      MessageStatus = "SENT"
	StatusDelivered MessageStatus = "DELIVERED"
	StatusRead      MessageStatus = "READ"
)

// Rank orders statuses; unknown statuses rank lowest.
func (s MessageStatus) Rank() int {
	switch s {
	case StatusSending:
		return 1
	case StatusSent:
		return 2
	case StatusDelivered:
		return 3
	case StatusRead:
		return 4
	}
	return 0
}

// Max returns the further-along of s and o.
func (s MessageStatus) Max(o MessageStatus) MessageStatus {
	if o.Rank() > s.Rank() {
		return o
	}
	return s
}

// ParticipantInfo is an immutable member of a conversation.
type ParticipantInfo struct {
	UserID   string  `json:"userId" validate:"required"`
	Username string  `json:"username"`
	Avatar   *string `json:"avatar"`
}

// Conversation as listed by the chat API.
type Conversation struct {
	ID                 string            `json:"id" validate:"required"`
	Type               ConversationType  `json:"conversationType"`
	Name               string            `json:"conversationName,omitempty"`
	Avatar             string            `json:"conversationAvatar,omitempty"`
	Participants       []ParticipantInfo `json:"participants"`
	LastMessageContent *string           `json:"lastMessageContent"`
	LastMessageTime    Timestamp         `json:"lastMessageTime"`
}

// HasParticipant reports whether userID is a member.
func (c *Conversation) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p.UserID == userID {
			return true
		}
	}
	return false
}

// MessageMedia is one ordered attachment of a message.
type MessageMedia struct {
	ID           string    `json:"id,omitempty"`
	MediaURL     string    `json:"mediaUrl" validate:"required"`
	MediaName    string    `json:"mediaName,omitempty"`
	MediaSize    int64     `json:"mediaSize,omitempty"`
	MimeType     string    `json:"mimeType,omitempty"`
	DisplayOrder int       `json:"displayOrder,omitempty"`
	UploadedAt   Timestamp `json:"uploadedAt,omitempty"`
}

// Message is both the optimistic local row and the server's copy.
// A message is pending while ID is empty.
type Message struct {
	ID             string         `json:"id,omitempty"`
	TempID         string         `json:"tempId,omitempty"`
	ConversationID string         `json:"conversationId" validate:"required"`
	SenderID       string         `json:"senderId,omitempty"`
	Username       string         `json:"username,omitempty"`
	Message        string         `json:"message"`
	Status         MessageStatus  `json:"status"`
	IsRead         bool           `json:"isRead"`
	MessageType    MessageType    `json:"messageType"`
	CreatedAt      Timestamp      `json:"createdAt"`
	Media          []MessageMedia `json:"messageMedia,omitempty"`
}

// Pending reports whether the server has not confirmed m yet.
func (m *Message) Pending() bool { return m.ID == "" }

// Key is the row identity used for de-duplication and scroll anchoring.
func (m *Message) Key() string {
	if m.ID != "" {
		return "id:" + m.ID
	}
	return "tmp:" + m.TempID
}

// MessageRequest is the chat.send payload.
type MessageRequest struct {
	ConversationID string         `json:"conversationId" validate:"required"`
	Message        string         `json:"message" validate:"required_without=Media,max=4000"`
	MessageType    MessageType    `json:"messageType" validate:"required,oneof=TEXT IMAGE VIDEO AUDIO FILE STICKER"`
	Media          []MessageMedia `json:"messageMedia,omitempty" validate:"dive"`
	TempID         string         `json:"tempId,omitempty"`
	SenderID       string         `json:"senderId,omitempty"`
}
