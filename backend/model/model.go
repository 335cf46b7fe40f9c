package model

import (
	"encoding/json"
	"time"
)

// Signaling message kinds. Clients send join, leave and the negotiation
// kinds; everything else originates on the server.
const (
	KindJoin                 = "join"
	KindOffer                = "offer"
	KindAnswer               = "answer"
	KindICECandidate         = "ice-candidate"
	KindLeave                = "leave"
	KindMuteStatus           = "mute-status"
	KindEmoji                = "emoji"
	KindConnected            = "connected"
	KindUserJoined           = "user-joined"
	KindUserLeft             = "user-left"
	KindExistingParticipants = "existing-participants"
	KindError                = "error"
)

// IsNegotiation reports whether a kind is relayed to the other room members
// as-is (full-mesh broadcast, no explicit recipient).
func IsNegotiation(kind string) bool {
	switch kind {
	case KindOffer, KindAnswer, KindICECandidate, KindMuteStatus, KindEmoji:
		return true
	}
	return false
}

// Envelope is the signaling transport message. SenderID is re-assigned by the
// server based on the websocket session, never trusted from the client.
type Envelope struct {
	Type         string          `json:"type"`
	RoomID       string          `json:"room_id,omitempty"`
	SenderID     string          `json:"sender_id,omitempty"`
	UserID       string          `json:"user_id,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
	Participants []string        `json:"participants,omitempty"`
	Message      string          `json:"message,omitempty"`
}

// SDPPayload carries an offer or answer. Target narrows a broadcast offer to
// one remote peer; recipients drop payloads targeted at someone else.
type SDPPayload struct {
	SDP    string `json:"sdp"`
	Type   string `json:"type"`
	Target string `json:"target,omitempty"`
}

type CandidatePayload struct {
	Candidate     string  `json:"candidate"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	Target        string  `json:"target,omitempty"`
}

type MutePayload struct {
	Muted bool `json:"muted"`
}

type EmojiPayload struct {
	Emoji string `json:"emoji"`
}

// Room and participant lifecycle states.
const (
	RoomStatusActive = "active"
	RoomStatusEnded  = "ended"

	ParticipantStatusActive = "active"
	ParticipantStatusLeft   = "left"
)

type Participant struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name,omitempty"`
	Status      string    `json:"status"`
	JoinedAt    time.Time `json:"joined_at"`
}

type RoomSummary struct {
	RoomID           string `json:"room_id"`
	ParticipantCount int    `json:"participant_count"`
	CreatedAt        string `json:"created_at"`
}

type RoomDetail struct {
	RoomID           string   `json:"room_id"`
	Status           string   `json:"status"`
	CreatedAt        string   `json:"created_at"`
	ParticipantCount int      `json:"participant_count"`
	Participants     []string `json:"participants"`
}

const defaultWireBuffer = 32

// Wire is the in-process binding between a websocket session and the
// signaling core. RX carries inbound envelopes, TX outbound ones.
type Wire struct {
	RX chan Envelope
	TX chan Envelope
}

func NewWire() Wire {
	return Wire{
		RX: make(chan Envelope, defaultWireBuffer),
		TX: make(chan Envelope, defaultWireBuffer),
	}
}
