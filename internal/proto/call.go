package proto

import (
	"encoding/json"
	"fmt"
)

// CallType is the media kind a call was placed with.
type CallType string

const (
	CallAudio CallType = "audio"
	CallVideo CallType = "video"
)

// ── call.incoming / call.response signal types ───────────────────────────────
const (
	SignalCallIncoming    = "call-incoming"
	SignalCallCancelled   = "call-cancelled"
	SignalCallAccepted    = "call-accepted"
	SignalCallDeclined    = "call-declined"
	SignalCallEnded       = "call-ended"
	SignalCallUnavailable = "call-unavailable"
)

// ── webrtc.signal signal types ───────────────────────────────────────────────
const (
	SignalOffer        = "offer"
	SignalAnswer       = "answer"
	SignalICECandidate = "ice-candidate"
)

// ── Outbound call control payloads ───────────────────────────────────────────

// CallInitiate is sent by the caller; the server assigns the callId.
type CallInitiate struct {
	TargetUserID string   `json:"targetUserId" validate:"required"`
	CallType     CallType `json:"callType" validate:"oneof=audio video"`
}

// CallControl is the shape of call.accept, call.decline and call.end.
type CallControl struct {
	CallID       string   `json:"callId,omitempty"`
	TargetUserID string   `json:"targetUserId" validate:"required"`
	CallType     CallType `json:"callType" validate:"oneof=audio video"`
	Reason       string   `json:"reason,omitempty"`
}

// ── Inbound call control payloads ────────────────────────────────────────────

// CallIncoming is delivered on call.incoming. SignalType is call-incoming or
// call-cancelled.
type CallIncoming struct {
	SignalType string   `json:"signalType" validate:"required,oneof=call-incoming call-cancelled"`
	CallID     string   `json:"callId" validate:"required"`
	FromUserID string   `json:"fromUserId" validate:"required"`
	CallType   CallType `json:"callType"`
}

// CallResponse is delivered on call.response.
type CallResponse struct {
	SignalType string   `json:"signalType" validate:"required,oneof=call-accepted call-declined call-ended call-unavailable"`
	CallID     string   `json:"callId"`
	FromUserID string   `json:"fromUserId"`
	CallType   CallType `json:"callType"`
}

// ── WebRTC signaling ─────────────────────────────────────────────────────────

// ICECandidate mirrors RTCIceCandidateInit.
type ICECandidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// Signal is the decoded form of one webrtc.signal frame: exactly one of an
// offer, an answer or an ICE candidate.
type Signal struct {
	CallID       string
	TargetUserID string
	Type         string // SignalOffer | SignalAnswer | SignalICECandidate
	SDP          string
	Candidate    *ICECandidate
}

// signalWire is the JSON shape. The candidate field carries the
// RTCIceCandidateInit serialized as a JSON string; sdpMid and sdpMLineIndex
// are repeated at the top level for peers that read them from there.
type signalWire struct {
	CallID        string  `json:"callId"`
	TargetUserID  string  `json:"targetUserId,omitempty"`
	SignalType    string  `json:"signalType"`
	SDP           string  `json:"sdp,omitempty"`
	Candidate     *string `json:"candidate,omitempty"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

func (s Signal) MarshalJSON() ([]byte, error) {
	w := signalWire{
		CallID:       s.CallID,
		TargetUserID: s.TargetUserID,
		SignalType:   s.Type,
		SDP:          s.SDP,
	}
	if s.Candidate != nil {
		b, err := json.Marshal(s.Candidate)
		if err != nil {
			return nil, err
		}
		str := string(b)
		w.Candidate = &str
		w.SDPMid = s.Candidate.SDPMid
		w.SDPMLineIndex = s.Candidate.SDPMLineIndex
	}
	return json.Marshal(w)
}

func (s *Signal) UnmarshalJSON(b []byte) error {
	var w signalWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*s = Signal{
		CallID:       w.CallID,
		TargetUserID: w.TargetUserID,
		Type:         w.SignalType,
		SDP:          w.SDP,
	}
	if w.Candidate != nil && *w.Candidate != "" {
		var c ICECandidate
		if err := json.Unmarshal([]byte(*w.Candidate), &c); err != nil {
			// Some peers send the bare candidate line instead of JSON.
			c = ICECandidate{Candidate: *w.Candidate}
		}
		if c.SDPMid == nil {
			c.SDPMid = w.SDPMid
		}
		if c.SDPMLineIndex == nil {
			c.SDPMLineIndex = w.SDPMLineIndex
		}
		s.Candidate = &c
	}
	return nil
}

// Validate enforces the tagged-variant rules.
func (s *Signal) Validate() error {
	switch s.Type {
	case SignalOffer, SignalAnswer:
		if s.SDP == "" {
			return fmt.Errorf("proto: %s signal without sdp", s.Type)
		}
	case SignalICECandidate:
		if s.Candidate == nil || s.Candidate.Candidate == "" {
			return fmt.Errorf("proto: ice-candidate signal without candidate")
		}
	default:
		return fmt.Errorf("proto: unknown signal type %q", s.Type)
	}
	return nil
}
