// Package chat defines the conversation and message model shared by the
// transport, the conversation store and the REST client. JSON tags follow
// the server's serializers so the same structs decode REST snapshots and
// WebSocket event payloads.
package chat

import (
	"strings"
	"time"
)

// Message kinds as reported by the server's message_type field.
const (
	KindText  = "text"
	KindImage = "image"
	KindVideo = "video"
	KindFile  = "file"
)

// TempIDPrefix marks locally generated message ids that have not been
// confirmed by the server yet.
const TempIDPrefix = "temp-"

// User is the summary of an account embedded in conversations and messages.
type User struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	FullName  string `json:"full_name,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// DisplayName returns the full name when set, otherwise the username.
func (u User) DisplayName() string {
	if u.FullName != "" {
		return u.FullName
	}
	return u.Username
}

// ReplyPreview is the denormalized preview of the message being replied to.
type ReplyPreview struct {
	ID          string `json:"id"`
	Content     string `json:"content"`
	Sender      string `json:"sender"` // username
	MessageType string `json:"message_type,omitempty"`
}

// Attachment describes the file carried by a non-text message.
type Attachment struct {
	URL  string
	Kind string // image | video | file
}

// ReadReceipt records that a user acknowledged a message.
type ReadReceipt struct {
	User   User      `json:"user"`
	ReadAt time.Time `json:"read_at"`
}

// Reaction is a single (emoji, user) pair. A message holds a multiset of them.
type Reaction struct {
	Emoji string `json:"emoji"`
	User  User   `json:"user"`
}

// Message is a chat message. Optimistic and SendFailed are local-only state
// and never travel on the wire.
type Message struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversation"`
	Sender         User          `json:"sender"`
	Content        string        `json:"content"`
	MessageType    string        `json:"message_type,omitempty"`
	FileURL        string        `json:"file_url,omitempty"`
	ReplyTo        *ReplyPreview `json:"reply_to,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	ReadReceipts   []ReadReceipt `json:"read_receipts,omitempty"`
	Reactions      []Reaction    `json:"reactions,omitempty"`
	ClientID       string        `json:"client_id,omitempty"`
	IsRead         bool          `json:"is_read,omitempty"`

	Optimistic bool `json:"-"`
	SendFailed bool `json:"-"`
}

// IsTemporary reports whether the message id was generated locally.
func (m Message) IsTemporary() bool {
	return strings.HasPrefix(m.ID, TempIDPrefix)
}

// Attachment returns the message attachment, or nil for plain text.
func (m Message) Attachment() *Attachment {
	if m.FileURL == "" {
		return nil
	}
	kind := m.MessageType
	switch kind {
	case KindImage, KindVideo, KindFile:
	default:
		kind = KindFile
	}
	return &Attachment{URL: m.FileURL, Kind: kind}
}

// ReadBy returns the set of user ids that acknowledged the message.
func (m Message) ReadBy() map[string]struct{} {
	out := make(map[string]struct{}, len(m.ReadReceipts))
	for _, r := range m.ReadReceipts {
		out[r.User.ID] = struct{}{}
	}
	return out
}

// AddReader records a read receipt for user. It returns false when the user
// had already read the message.
func (m *Message) AddReader(user User, at time.Time) bool {
	for _, r := range m.ReadReceipts {
		if r.User.ID == user.ID {
			return false
		}
	}
	m.ReadReceipts = append(m.ReadReceipts, ReadReceipt{User: user, ReadAt: at})
	return true
}

// AddReaction records emoji from user. The same user may react with several
// emoji but each (emoji, user) pair is stored once.
func (m *Message) AddReaction(emoji string, user User) bool {
	for _, r := range m.Reactions {
		if r.Emoji == emoji && r.User.ID == user.ID {
			return false
		}
	}
	m.Reactions = append(m.Reactions, Reaction{Emoji: emoji, User: user})
	return true
}

// Clone returns a deep copy so callers can hand snapshots to other goroutines.
func (m Message) Clone() Message {
	out := m
	if m.ReplyTo != nil {
		rp := *m.ReplyTo
		out.ReplyTo = &rp
	}
	if m.ReadReceipts != nil {
		out.ReadReceipts = append([]ReadReceipt(nil), m.ReadReceipts...)
	}
	if m.Reactions != nil {
		out.Reactions = append([]Reaction(nil), m.Reactions...)
	}
	return out
}

// Conversation is a two-party message thread.
type Conversation struct {
	ID               string    `json:"id"`
	OtherUser        *User     `json:"other_user,omitempty"`
	Participants     []User    `json:"participants,omitempty"`
	ConversationType string    `json:"conversation_type,omitempty"`
	LastMessage      *Message  `json:"last_message,omitempty"`
	UnreadCount      int       `json:"unread_count"`
	CreatedAt        time.Time `json:"created_at,omitempty"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// OtherParticipant returns the peer of selfID. The server fills other_user
// for direct conversations; participants is the fallback.
func (c Conversation) OtherParticipant(selfID string) *User {
	if c.OtherUser != nil {
		u := *c.OtherUser
		return &u
	}
	for _, p := range c.Participants {
		if p.ID != selfID {
			u := p
			return &u
		}
	}
	return nil
}

// Clone returns a deep copy of the conversation.
func (c Conversation) Clone() Conversation {
	out := c
	if c.OtherUser != nil {
		u := *c.OtherUser
		out.OtherUser = &u
	}
	if c.Participants != nil {
		out.Participants = append([]User(nil), c.Participants...)
	}
	if c.LastMessage != nil {
		m := c.LastMessage.Clone()
		out.LastMessage = &m
	}
	return out
}
