// Package protocol defines the WebSocket message types and structures used for
// communication between the chat client and the server. All frames are JSON
// and follow a consistent envelope format with a type discriminator.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/pixora/chat-sync/internal/chat"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server command types.
const (
	TypeJoinConversation  = "join_conversation"
	TypeLeaveConversation = "leave_conversation"
	TypeSendMessage       = "send_message"
	TypeTyping            = "typing"
	TypeMarkAsRead        = "mark_as_read"
	TypeAddReaction       = "add_reaction"
)

// Server -> Client event types. TypeTyping is shared by both directions.
const (
	TypeConnectionEstablished = "connection_established"
	TypeNewMessage            = "new_message"
	TypeJoinedConversation    = "joined_conversation"
	TypeMessageRead           = "message_read"
	TypeReactionAdded         = "reaction_added"
	TypeConversationUpdated   = "conversation_updated"
	TypeError                 = "error"
)

// ---------------------------------------------------------------------------
// Envelope is used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type"
// field so the rest of the payload can be decoded into the concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server commands
// ---------------------------------------------------------------------------

// Command is an outbound frame. CommandType returns the wire discriminator.
type Command interface {
	CommandType() string
}

// JoinConversationCmd asks the server to deliver events for a conversation.
type JoinConversationCmd struct {
	ConversationID string `json:"conversation_id"`
}

// LeaveConversationCmd stops event delivery for a conversation.
type LeaveConversationCmd struct {
	ConversationID string `json:"conversation_id"`
}

// SendMessageCmd posts a text message. ClientID carries the optimistic
// temporary id so a server that echoes it lets the store reconcile exactly.
type SendMessageCmd struct {
	ConversationID string `json:"conversation_id"`
	Content        string `json:"content"`
	ReplyTo        string `json:"reply_to,omitempty"`
	ClientID       string `json:"client_id,omitempty"`
}

// TypingCmd tells the peer whether the local user is typing.
type TypingCmd struct {
	ConversationID string `json:"conversation_id"`
	IsTyping       bool   `json:"is_typing"`
}

// MarkAsReadCmd acknowledges a single message.
type MarkAsReadCmd struct {
	MessageID string `json:"message_id"`
}

// AddReactionCmd reacts to a message with an emoji.
type AddReactionCmd struct {
	MessageID string `json:"message_id"`
	Emoji     string `json:"emoji"`
}

func (JoinConversationCmd) CommandType() string  { return TypeJoinConversation }
func (LeaveConversationCmd) CommandType() string { return TypeLeaveConversation }
func (SendMessageCmd) CommandType() string       { return TypeSendMessage }
func (TypingCmd) CommandType() string            { return TypeTyping }
func (MarkAsReadCmd) CommandType() string        { return TypeMarkAsRead }
func (AddReactionCmd) CommandType() string       { return TypeAddReaction }

// Durable reports whether a command is worth delivering after a reconnect.
// Typing and room membership are ephemeral: membership is re-established by
// the transport itself and a stale typing signal is worse than none.
func Durable(cmd Command) bool {
	switch cmd.CommandType() {
	case TypeSendMessage, TypeMarkAsRead, TypeAddReaction:
		return true
	}
	return false
}

// ---------------------------------------------------------------------------
// Server -> Client events
// ---------------------------------------------------------------------------

// Event is one variant of the inbound discriminated union.
type Event interface {
	EventType() string
}

// ConnectionEstablishedEvent is the server greeting after the handshake.
type ConnectionEstablishedEvent struct {
	Message string `json:"message"`
}

// NewMessageEvent delivers a message, including the echo of our own sends.
type NewMessageEvent struct {
	Message chat.Message `json:"message"`
}

// JoinedConversationEvent confirms a join_conversation command.
type JoinedConversationEvent struct {
	ConversationID string `json:"conversation_id"`
}

// TypingEvent relays a peer's typing indicator.
type TypingEvent struct {
	ConversationID string `json:"conversation_id,omitempty"`
	UserID         string `json:"user_id"`
	Username       string `json:"username"`
	IsTyping       bool   `json:"is_typing"`
}

// MessageReadEvent is a read receipt for one of our messages.
type MessageReadEvent struct {
	MessageID string `json:"message_id"`
	UserID    string `json:"user_id"`
	Username  string `json:"username"`
}

// ReactionAddedEvent reports a reaction on a message.
type ReactionAddedEvent struct {
	MessageID string `json:"message_id"`
	Emoji     string `json:"emoji"`
	UserID    string `json:"user_id"`
	Username  string `json:"username"`
}

// ConversationUpdatedEvent carries a fresh copy of a conversation summary.
type ConversationUpdatedEvent struct {
	Conversation chat.Conversation `json:"conversation"`
}

// ErrorEvent is sent by the server to communicate an error condition.
type ErrorEvent struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (ConnectionEstablishedEvent) EventType() string { return TypeConnectionEstablished }
func (NewMessageEvent) EventType() string            { return TypeNewMessage }
func (JoinedConversationEvent) EventType() string    { return TypeJoinedConversation }
func (TypingEvent) EventType() string                { return TypeTyping }
func (MessageReadEvent) EventType() string           { return TypeMessageRead }
func (ReactionAddedEvent) EventType() string         { return TypeReactionAdded }
func (ConversationUpdatedEvent) EventType() string   { return TypeConversationUpdated }
func (ErrorEvent) EventType() string                 { return TypeError }

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseServerEvent parses raw WebSocket bytes into a typed server event. It
// returns the event type string, the decoded struct, and any error
// encountered during parsing. Unknown types are an error.
func ParseServerEvent(data []byte) (string, Event, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse event: %w", err)
	}

	var (
		ev  Event
		err error
	)

	switch env.Type {
	case TypeConnectionEstablished:
		var m ConnectionEstablishedEvent
		err = json.Unmarshal(env.Raw, &m)
		ev = m
	case TypeNewMessage:
		var m NewMessageEvent
		err = json.Unmarshal(env.Raw, &m)
		ev = m
	case TypeJoinedConversation:
		var m JoinedConversationEvent
		err = json.Unmarshal(env.Raw, &m)
		ev = m
	case TypeTyping:
		var m TypingEvent
		err = json.Unmarshal(env.Raw, &m)
		ev = m
	case TypeMessageRead:
		var m MessageReadEvent
		err = json.Unmarshal(env.Raw, &m)
		ev = m
	case TypeReactionAdded:
		var m ReactionAddedEvent
		err = json.Unmarshal(env.Raw, &m)
		ev = m
	case TypeConversationUpdated:
		var m ConversationUpdatedEvent
		err = json.Unmarshal(env.Raw, &m)
		ev = m
	case TypeError:
		var m ErrorEvent
		err = json.Unmarshal(env.Raw, &m)
		ev = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown server event type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, ev, nil
}

// EncodeCommand marshals cmd and injects its type discriminator under the
// "type" key.
func EncodeCommand(cmd Command) ([]byte, error) {
	return withType(cmd.CommandType(), cmd)
}

// EncodeEvent is the server-side counterpart of EncodeCommand. The client
// never sends events; fakes and the relay use it to produce wire frames.
func EncodeEvent(ev Event) ([]byte, error) {
	return withType(ev.EventType(), ev)
}

func withType(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal %s frame: %w", msgType, err)
	}
	return out, nil
}
