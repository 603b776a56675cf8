package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"path/filepath"
	"strings"

	"github.com/valyala/fasthttp"

	"github.com/pixora/chat-sync/internal/chat"
)

// Upload is a message with a file, sent over REST when the live connection
// cannot carry it.
type Upload struct {
	ConversationID string
	Content        string
	FileName       string
	File           io.Reader
}

// SendAttachment posts a multipart message. The message type is derived from
// the file extension.
func (c *Client) SendAttachment(ctx context.Context, u Upload) (chat.Message, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	fields := map[string]string{
		"conversation": u.ConversationID,
		"content":      u.Content,
		"message_type": KindForFile(u.FileName),
	}
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return chat.Message{}, &FetchError{Op: OpSendAttachment, Err: err}
		}
	}
	if u.File != nil {
		part, err := w.CreateFormFile("file", filepath.Base(u.FileName))
		if err != nil {
			return chat.Message{}, &FetchError{Op: OpSendAttachment, Err: err}
		}
		if _, err := io.Copy(part, u.File); err != nil {
			return chat.Message{}, &FetchError{Op: OpSendAttachment, Err: fmt.Errorf("read file: %w", err)}
		}
	}
	if err := w.Close(); err != nil {
		return chat.Message{}, &FetchError{Op: OpSendAttachment, Err: err}
	}

	body, err := c.do(ctx, OpSendAttachment, fasthttp.MethodPost, "/chat/messages/", buf.Bytes(), w.FormDataContentType())
	if err != nil {
		return chat.Message{}, err
	}
	var m chat.Message
	if err := json.Unmarshal(body, &m); err != nil {
		return chat.Message{}, &FetchError{Op: OpSendAttachment, Err: fmt.Errorf("decode message: %w", err)}
	}
	return m, nil
}

// KindForFile maps a file name to a message_type.
func KindForFile(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg", ".png", ".gif", ".webp", ".heic":
		return chat.KindImage
	case ".mp4", ".mov", ".webm", ".mkv":
		return chat.KindVideo
	case "":
		return chat.KindText
	default:
		return chat.KindFile
	}
}
