package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/pixora/chat-sync/internal/chatsync"
	"github.com/pixora/chat-sync/internal/transport"
)

func init() {
	sendCmd.Flags().String("file", "", "attach a file (sent over REST)")
	sendCmd.Flags().Duration("wait", 10*time.Second, "how long to wait for the server echo")
	rootCmd.AddCommand(sendCmd)
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <text...>",
	Short: "Send one message and wait for the server to confirm it",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		d, err := newSession(cfg, log)
		if err != nil {
			return err
		}
		defer d.Close()

		convID, text := args[0], strings.Join(args[1:], " ")
		wait, _ := cmd.Flags().GetDuration("wait")
		ctx, cancel := context.WithTimeout(cmd.Context(), cfg.API.Timeout+wait)
		defer cancel()

		if err := d.session.Start(ctx); err != nil {
			return err
		}
		if err := d.session.SelectConversation(ctx, convID); err != nil {
			return err
		}

		if path, _ := cmd.Flags().GetString("file"); path != "" {
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()
			m, err := d.session.SendAttachment(ctx, text, path, f)
			if err != nil {
				return err
			}
			fmt.Printf("sent %s (%s)\n", m.ID, m.MessageType)
			return nil
		}

		// The transport queues the command until the socket is open.
		openCtx, cancelOpen := context.WithTimeout(ctx, wait)
		err = waitOpen(openCtx, d.session)
		cancelOpen()
		if err != nil {
			log.Warn("connection not open yet, message is queued", "err", err)
		}

		m, err := d.session.SendMessage(ctx, text, nil)
		if err != nil {
			return err
		}
		if m.SendFailed {
			return fmt.Errorf("message %s could not be delivered", m.ID)
		}

		id, err := waitConfirmed(ctx, d.session, m.ClientID, wait)
		if err != nil {
			return fmt.Errorf("message %s still pending: %w", m.ID, err)
		}
		fmt.Printf("sent %s\n", id)
		return nil
	},
}

// waitConfirmed polls until the optimistic message with clientID has been
// replaced by the server's copy and returns the server id.
func waitConfirmed(ctx context.Context, s *chatsync.Session, clientID string, wait time.Duration) (string, error) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.After(wait)
	for {
		for _, m := range s.Snapshot().Messages {
			if m.ClientID == clientID && !m.Optimistic {
				return m.ID, nil
			}
		}
		select {
		case <-ticker.C:
		case <-deadline:
			return "", fmt.Errorf("no confirmation within %s", wait)
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

func waitOpen(ctx context.Context, s *chatsync.Session) error {
	opened := make(chan struct{})
	unsub := s.Subscribe(func(snap chatsync.Snapshot) {
		if snap.ConnectionState == transport.StateOpen {
			select {
			case <-opened:
			default:
				close(opened)
			}
		}
	})
	defer unsub()

	if s.Snapshot().ConnectionState == transport.StateOpen {
		return nil
	}
	select {
	case <-opened:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
