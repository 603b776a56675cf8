package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/pixora/chat-sync/internal/auth"
	"github.com/pixora/chat-sync/internal/chat"
)

func init() {
	rootCmd.AddCommand(conversationsCmd)
}

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"ls"},
	Short:   "List conversations, most recent first",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		d := newAPI(cfg, log)
		defer d.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), cfg.API.Timeout)
		defer cancel()
		page, err := d.api.ListConversations(ctx)
		if err != nil {
			return err
		}

		var self string
		if claims, err := auth.ParseClaims(cfg.Auth.Token); err == nil {
			self = claims.UserID
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tWITH\tUNREAD\tUPDATED\tLAST MESSAGE")
		for _, c := range page.Items {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
				c.ID, peerName(c, self), c.UnreadCount, since(c.UpdatedAt), preview(c.LastMessage))
		}
		return tw.Flush()
	},
}

func peerName(c chat.Conversation, self string) string {
	if u := c.OtherParticipant(self); u != nil {
		return u.DisplayName()
	}
	return "-"
}

func since(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return time.Since(t).Round(time.Second).String() + " ago"
}

func preview(m *chat.Message) string {
	if m == nil {
		return ""
	}
	if a := m.Attachment(); a != nil && m.Content == "" {
		return "[" + a.Kind + "]"
	}
	const limit = 40
	r := []rune(m.Content)
	if len(r) > limit {
		return string(r[:limit]) + "..."
	}
	return m.Content
}
