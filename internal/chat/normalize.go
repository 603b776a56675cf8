package chat

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotASequence reports a snapshot that was neither an array nor a paginated
// envelope. Normalize functions still return an empty, non-nil slice with it.
var ErrNotASequence = errors.New("snapshot is not a sequence")

// Page is a page of results as returned by the paginated list endpoints.
type Page[T any] struct {
	Items    []T
	Count    int
	Next     string
	Previous string
}

// HasMore reports whether the server advertised a next page.
func (p Page[T]) HasMore() bool { return p.Next != "" }

type pageEnvelope struct {
	Count    int             `json:"count"`
	Next     *string         `json:"next"`
	Previous *string         `json:"previous"`
	Results  json.RawMessage `json:"results"`
	Messages json.RawMessage `json:"messages"`
}

// NormalizeConversations decodes a conversation list snapshot. It accepts a
// bare array, {"results": [...]} and {"messages": [...]}-style envelopes.
// null and any non-array payload yield an empty list plus ErrNotASequence.
func NormalizeConversations(raw []byte) (Page[Conversation], error) {
	return normalize[Conversation](raw)
}

// NormalizeMessages decodes a message page snapshot with the same rules as
// NormalizeConversations.
func NormalizeMessages(raw []byte) (Page[Message], error) {
	return normalize[Message](raw)
}

func normalize[T any](raw []byte) (Page[T], error) {
	page := Page[T]{Items: []T{}}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return page, ErrNotASequence
	}

	switch trimmed[0] {
	case '[':
		if err := json.Unmarshal(trimmed, &page.Items); err != nil {
			return Page[T]{Items: []T{}}, fmt.Errorf("chat: decode list: %w", err)
		}
		page.Count = len(page.Items)
		return page, nil
	case '{':
		var env pageEnvelope
		if err := json.Unmarshal(trimmed, &env); err != nil {
			return page, fmt.Errorf("chat: decode page: %w", err)
		}
		if env.Next != nil {
			page.Next = *env.Next
		}
		if env.Previous != nil {
			page.Previous = *env.Previous
		}
		body := env.Results
		if !isArray(body) {
			body = env.Messages
		}
		if !isArray(body) {
			return page, ErrNotASequence
		}
		if err := json.Unmarshal(body, &page.Items); err != nil {
			return Page[T]{Items: []T{}}, fmt.Errorf("chat: decode page items: %w", err)
		}
		page.Count = env.Count
		if page.Count == 0 {
			page.Count = len(page.Items)
		}
		return page, nil
	default:
		return page, ErrNotASequence
	}
}

func isArray(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	return len(t) > 0 && t[0] == '['
}
