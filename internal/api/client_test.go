package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pixora/chat-sync/internal/auth"
)

func newTestAPI(t *testing.T, h http.HandlerFunc) (*Client, *auth.Notifier) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	n := auth.NewNotifier()
	c := New(Options{
		BaseURL:  srv.URL + "/api/",
		Tokens:   auth.NewStaticToken("tok"),
		Notifier: n,
		Timeout:  2 * time.Second,
	})
	return c, n
}

func TestListConversations_Shapes(t *testing.T) {
	cases := map[string]struct {
		body string
		want int
	}{
		"bare array": {`[{"id":"c1"},{"id":"c2"}]`, 2},
		"paginated":  {`{"count":1,"next":null,"results":[{"id":"c1"}]}`, 1},
		"null":       {`null`, 0},
		"object":     {`{"detail":"weird"}`, 0},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			c, _ := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/api/chat/conversations/", r.URL.Path)
				assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
				w.Write([]byte(tc.body))
			})
			page, err := c.ListConversations(context.Background())
			require.NoError(t, err)
			assert.NotNil(t, page.Items)
			assert.Len(t, page.Items, tc.want)
		})
	}
}

func TestMessages_PageParam(t *testing.T) {
	c, _ := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat/conversations/c1/messages/", r.URL.Path)
		assert.Equal(t, "2", r.URL.Query().Get("page"))
		w.Write([]byte(`{"count":3,"next":"http://x/?page=3","results":[{"id":"m1","conversation":"c1","content":"hi","sender":{"id":"u2","username":"bob"}}]}`))
	})
	page, err := c.Messages(context.Background(), "c1", 2)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "bob", page.Items[0].Sender.Username)
	assert.True(t, page.HasMore())
}

func TestCreateOrGetConversation(t *testing.T) {
	c, _ := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "u9", body["participant_id"])
		w.Write([]byte(`{"id":"c9","other_user":{"id":"u9","username":"zed"},"unread_count":0}`))
	})
	conv, err := c.CreateOrGetConversation(context.Background(), "u9")
	require.NoError(t, err)
	assert.Equal(t, "c9", conv.ID)
	assert.Equal(t, "zed", conv.OtherParticipant("u1").Username)
}

func TestUnauthorizedFiresNotifier(t *testing.T) {
	c, n := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	fired := 0
	n.Subscribe(func() { fired++ })

	err := c.MarkConversationRead(context.Background(), "c1")
	var fe *FetchError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, http.StatusUnauthorized, fe.Status)
	assert.Equal(t, OpMarkConversation, fe.Op)
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, 1, fired)
}

func TestServerErrorIsFetchError(t *testing.T) {
	c, _ := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	_, err := c.ListConversations(context.Background())
	var fe *FetchError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, 500, fe.Status)
	assert.Contains(t, err.Error(), "boom")
}

func TestCancelledContext(t *testing.T) {
	c, _ := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("request should not be sent")
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := c.MarkMessageRead(ctx, "m1")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSendAttachment(t *testing.T) {
	c, _ := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat/messages/", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "c1", r.FormValue("conversation"))
		assert.Equal(t, "look", r.FormValue("content"))
		assert.Equal(t, "image", r.FormValue("message_type"))

		f, hdr, err := r.FormFile("file")
		require.NoError(t, err)
		defer f.Close()
		data, _ := io.ReadAll(f)
		assert.Equal(t, "cat.png", hdr.Filename)
		assert.Equal(t, "PNGDATA", string(data))

		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":"m5","conversation":"c1","message_type":"image","file_url":"http://cdn/cat.png"}`))
	})

	m, err := c.SendAttachment(context.Background(), Upload{
		ConversationID: "c1",
		Content:        "look",
		FileName:       "/tmp/cat.png",
		File:           strings.NewReader("PNGDATA"),
	})
	require.NoError(t, err)
	assert.Equal(t, "m5", m.ID)
	require.NotNil(t, m.Attachment())
	assert.Equal(t, "image", m.Attachment().Kind)
}

func TestDeleteMessage(t *testing.T) {
	c, _ := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "/api/chat/messages/m1/soft_delete/", r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	})
	assert.NoError(t, c.DeleteMessage(context.Background(), "m1"))
}

func TestKindForFile(t *testing.T) {
	assert.Equal(t, "image", KindForFile("a.JPG"))
	assert.Equal(t, "video", KindForFile("clip.mp4"))
	assert.Equal(t, "file", KindForFile("doc.pdf"))
	assert.Equal(t, "text", KindForFile(""))
}
