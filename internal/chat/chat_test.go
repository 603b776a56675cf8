package chat

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateMessage(t *testing.T) {
	t.Run("trims", func(t *testing.T) {
		text, err := ValidateMessage("  hello \n")
		require.NoError(t, err)
		assert.Equal(t, "hello", text)
	})
	t.Run("blank", func(t *testing.T) {
		_, err := ValidateMessage(" \t ")
		assert.ErrorIs(t, err, ErrEmptyMessage)
	})
	t.Run("too many characters", func(t *testing.T) {
		_, err := ValidateMessage(strings.Repeat("a", MaxTextChars+1))
		assert.Error(t, err)
	})
	t.Run("too many bytes", func(t *testing.T) {
		// 1400 three-byte runes stay under the char limit but over 4KB.
		_, err := ValidateMessage(strings.Repeat("€", 1400))
		assert.Error(t, err)
	})
	t.Run("invalid utf8", func(t *testing.T) {
		_, err := ValidateMessage("ok\xff")
		assert.Error(t, err)
	})
}

func TestNormalizeConversations(t *testing.T) {
	cases := []struct {
		name    string
		input   string
		wantLen int
		wantErr bool
	}{
		{"bare array", `[{"id":"a","unread_count":0,"updated_at":"2025-01-01T00:00:00Z"},{"id":"b","unread_count":1,"updated_at":"2025-01-02T00:00:00Z"}]`, 2, false},
		{"paginated", `{"count":1,"next":null,"previous":null,"results":[{"id":"a","unread_count":0,"updated_at":"2025-01-01T00:00:00Z"}]}`, 1, false},
		{"null", `null`, 0, true},
		{"empty body", ``, 0, true},
		{"object without results", `{"detail":"nope"}`, 0, true},
		{"results null", `{"results":null}`, 0, true},
		{"string", `"oops"`, 0, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			page, err := NormalizeConversations([]byte(tc.input))
			require.NotNil(t, page.Items, "items must never be nil")
			assert.Len(t, page.Items, tc.wantLen)
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNormalizeMessages_MessagesKeyAndNext(t *testing.T) {
	page, err := NormalizeMessages([]byte(`{"count":40,"next":"http://x/?page=2","messages":[{"id":"m1","conversation":"c","sender":{"id":"u","username":"n"},"content":"hi","created_at":"2025-01-01T00:00:00Z"}]}`))
	require.NoError(t, err)
	assert.Len(t, page.Items, 1)
	assert.Equal(t, 40, page.Count)
	assert.True(t, page.HasMore())
}

func TestMessageHelpers(t *testing.T) {
	m := Message{ID: "temp-1", MessageType: KindImage, FileURL: "http://cdn/x.png"}
	assert.True(t, m.IsTemporary())

	att := m.Attachment()
	require.NotNil(t, att)
	assert.Equal(t, KindImage, att.Kind)

	u := User{ID: "u-1", Username: "ana"}
	assert.True(t, m.AddReader(u, time.Now()))
	assert.False(t, m.AddReader(u, time.Now()), "second receipt from the same user is ignored")
	assert.Contains(t, m.ReadBy(), "u-1")

	assert.True(t, m.AddReaction("👍", u))
	assert.True(t, m.AddReaction("🔥", u))
	assert.False(t, m.AddReaction("👍", u))
	assert.Len(t, m.Reactions, 2)

	clone := m.Clone()
	clone.Reactions[0].Emoji = "x"
	assert.Equal(t, "👍", m.Reactions[0].Emoji, "clone must not share slices")
}

func TestConversationOtherParticipant(t *testing.T) {
	c := Conversation{Participants: []User{{ID: "me"}, {ID: "you", Username: "you"}}}
	other := c.OtherParticipant("me")
	require.NotNil(t, other)
	assert.Equal(t, "you", other.ID)

	c.OtherUser = &User{ID: "explicit"}
	assert.Equal(t, "explicit", c.OtherParticipant("me").ID)
}
