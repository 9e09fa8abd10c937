package messaging

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ConversationKind distinguishes group channels from direct conversations.
type ConversationKind string

const (
	KindChannel ConversationKind = "channel"
	KindDirect  ConversationKind = "direct"
)

// ConversationRef identifies one conversation: a group channel by its id,
// or a direct conversation by the peer's user id.
type ConversationRef struct {
	Kind ConversationKind
	ID   int64
}

// ParseConversationRef parses "channel:12" or "direct:7".
func ParseConversationRef(s string) (ConversationRef, error) {
	kind, rawID, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return ConversationRef{}, fmt.Errorf("invalid conversation %q (want kind:id)", s)
	}

	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil || id <= 0 {
		return ConversationRef{}, fmt.Errorf("invalid conversation id in %q", s)
	}

	ref := ConversationRef{Kind: ConversationKind(kind), ID: id}
	if ref.Kind != KindChannel && ref.Kind != KindDirect {
		return ConversationRef{}, fmt.Errorf("unknown conversation kind %q", kind)
	}

	return ref, nil
}

func (c ConversationRef) String() string {
	return string(c.Kind) + ":" + strconv.FormatInt(c.ID, 10)
}

// Path returns the REST path for the conversation's message history.
func (c ConversationRef) Path() string {
	if c.Kind == KindChannel {
		return "/channels/" + strconv.FormatInt(c.ID, 10) + "/messages"
	}

	return "/messages/" + strconv.FormatInt(c.ID, 10)
}

// Matches reports whether msg belongs to this conversation as seen by
// the user selfID. The push endpoint is shared by every conversation of
// a user, so frames for other conversations are filtered out here.
func (c ConversationRef) Matches(msg Message, selfID int64) bool {
	if c.Kind == KindChannel {
		return msg.ChannelID == c.ID
	}

	if msg.ChannelID != 0 {
		return false
	}

	return (msg.SenderID == c.ID && msg.RecipientID == selfID) ||
		(msg.SenderID == selfID && msg.RecipientID == c.ID)
}

// Attachment references an uploaded file. Upload handling happens
// elsewhere; only the reference travels with the message.
type Attachment struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	URL  string `json:"url,omitempty"`
}

// Message is a server-confirmed conversation message. ID is assigned by
// the server and unique within the conversation.
type Message struct {
	ID          int64        `json:"id"`
	ChannelID   int64        `json:"channel_id,omitempty"`
	SenderID    int64        `json:"sender_id"`
	RecipientID int64        `json:"recipient_id,omitempty"`
	Content     string       `json:"content"`
	CreatedAt   time.Time    `json:"created_at"`
	Attachments []Attachment `json:"attachments,omitempty"`

	// ClientID echoes the id the sender attached to an outgoing message,
	// when the server supports it.
	ClientID string `json:"client_id,omitempty"`
}

// Outgoing is a message on its way to the server. Conversation is set
// for push sends, where one connection serves every conversation; REST
// sends carry it in the path.
type Outgoing struct {
	Conversation string       `json:"conversation,omitempty"`
	ClientID     string       `json:"client_id"`
	Content      string       `json:"content"`
	Attachments  []Attachment `json:"attachments,omitempty"`
}

// MembershipChange reports a user joining or leaving a channel.
type MembershipChange struct {
	ChannelID int64  `json:"channel_id"`
	UserID    int64  `json:"user_id"`
	Action    string `json:"action"`
}

// Status is the coarse connection status shown to the user.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Transport is the channel carrying a connected session.
type Transport int

const (
	TransportNone Transport = iota
	TransportPush
	TransportPolling
)

func (t Transport) String() string {
	switch t {
	case TransportPush:
		return "push"
	case TransportPolling:
		return "polling"
	default:
		return "none"
	}
}

// ConnectionState is a Status plus, while connected, the active transport.
type ConnectionState struct {
	Status    Status
	Transport Transport
}

func (s ConnectionState) String() string {
	if s.Status == StatusConnected {
		return s.Status.String() + "(" + s.Transport.String() + ")"
	}

	return s.Status.String()
}

var (
	stateDisconnected = ConnectionState{Status: StatusDisconnected}
	stateConnecting   = ConnectionState{Status: StatusConnecting}
	stateReconnecting = ConnectionState{Status: StatusReconnecting}
	statePush         = ConnectionState{Status: StatusConnected, Transport: TransportPush}
	statePolling      = ConnectionState{Status: StatusConnected, Transport: TransportPolling}
)

// PendingSend is an outgoing message not yet confirmed by a server echo.
type PendingSend struct {
	ID          string
	SenderID    int64
	Content     string
	Attachments []Attachment
	CreatedAt   time.Time
	Deadline    time.Time
}
