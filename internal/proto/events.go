// Package proto defines the socket wire protocol shared by the transport,
// chat and call packages: event names, the frame envelope and the typed
// payload of every event.
package proto

import "encoding/json"

// ── Event names ──────────────────────────────────────────────────────────────
// Single source of truth for every socket event string.
const (
	// Room membership: client → server. Payload is the bare room id.
	EventJoinConversation  = "join_conversation"
	EventLeaveConversation = "leave_conversation"

	// Chat: client → server.
	EventChatSend = "chat.send"

	// Chat: server → client.
	EventChatMessage         = "chat.message" // sender's echo, status SENDING
	EventNewMessage          = "new_message"
	EventConversationUpdated = "conversation_updated"

	// Call control: client → server.
	EventCallInitiate = "call.initiate"
	EventCallAccept   = "call.accept"
	EventCallDecline  = "call.decline"
	EventCallEnd      = "call.end"

	// Call control: server → client.
	EventCallIncoming = "call.incoming"
	EventCallResponse = "call.response"

	// WebRTC signaling relay: both directions.
	EventWebRTCSignal = "webrtc.signal"
)

// PersonalRoomPrefix + userID is the room every connection joins on connect
// so calls reach the user while no conversation room is joined.
const PersonalRoomPrefix = "user_calls_"

// PersonalRoom returns the personal notification room for userID.
func PersonalRoom(userID string) string {
	return PersonalRoomPrefix + userID
}

// Frame is the envelope of every message on the socket.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// EncodeFrame marshals payload into a frame for event.
func EncodeFrame(event string, payload any) ([]byte, error) {
	var data json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		data = b
	}
	return json.Marshal(Frame{Event: event, Data: data})
}
