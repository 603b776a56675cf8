package relay

import (
	"context"
	"time"

	"github.com/pixora/chat-sync/internal/chat"
	"github.com/pixora/chat-sync/internal/chatsync"
	"github.com/pixora/chat-sync/internal/protocol"
	"github.com/pixora/chat-sync/internal/transport"
)

// sendTimeout bounds a relayed send, including the selection it may need.
const sendTimeout = 15 * time.Second

// Source is the session surface the relay mirrors. *chatsync.Session
// implements it.
type Source interface {
	OnEvent(h transport.Handler) (unsubscribe func())
	Subscribe(fn func(chatsync.Snapshot)) (unsubscribe func())
	SendTo(ctx context.Context, conversationID, content string) (chat.Message, error)
}

// Attach republishes src's events and snapshots and serves send requests
// until the returned detach is called.
func Attach(c *Client, src Source) (detach func(), err error) {
	if err := c.HandleSend(func(req SendRequest) SendReply {
		return handleSend(src, req)
	}); err != nil {
		return nil, err
	}

	offEvents := src.OnEvent(func(ev protocol.Event) {
		if err := c.PublishEvent(ev); err != nil {
			c.log.Warn("publish event failed", "type", ev.EventType(), "err", err)
		}
	})
	offSnapshots := src.Subscribe(func(s chatsync.Snapshot) {
		if err := c.PublishSnapshot(s); err != nil {
			c.log.Warn("publish snapshot failed", "err", err)
		}
	})
	c.log.Info("relay attached", "prefix", c.prefix)

	return func() {
		offEvents()
		offSnapshots()
	}, nil
}

func handleSend(src Source, req SendRequest) SendReply {
	if req.ConversationID == "" {
		return SendReply{Error: "conversation_id is required"}
	}
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	m, err := src.SendTo(ctx, req.ConversationID, req.Content)
	if err != nil {
		return SendReply{Error: err.Error()}
	}
	return SendReply{OK: !m.SendFailed, MessageID: m.ID, Failed: m.SendFailed}
}
