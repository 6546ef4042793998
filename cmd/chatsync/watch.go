package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	chatsync "github.com/loopmarkt/chatsync-go"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch <conversation-id>",
	Short: "Watch a conversation live",
	Long:  "Open the push channel, join the conversation, and print messages, edits, and typing indicators as they happen. Ctrl-C to stop.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, client := getClient()
		if cfg.Auth.UserID == "" {
			return fmt.Errorf("config has no user id; run 'chatsync register' or set auth.user_id")
		}
		conversationID := args[0]

		session, err := chatsync.NewSession(client, chatsync.SessionConfig{
			UserID: cfg.Auth.UserID,
			OnStateChange: func(s chatsync.ConnState) {
				fmt.Printf("-- connection: %s\n", s)
			},
			OnOffline: func(offline bool) {
				if offline {
					fmt.Println("-- offline: retrying in the background")
				}
			},
			OnServerError: func(e chatsync.ServerErrorEvent) {
				fmt.Fprintf(os.Stderr, "-- server error: %s\n", e.Message)
			},
		})
		if err != nil {
			return err
		}
		defer session.Close()

		ctx := cmd.Context()
		if err := session.Start(ctx); err != nil {
			return err
		}
		if err := session.SetActive(ctx, conversationID); err != nil {
			return err
		}

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

		// Render by diffing snapshots; the stores are the single source of
		// truth, the CLI only reads.
		ticker := time.NewTicker(300 * time.Millisecond)
		defer ticker.Stop()

		seen := make(map[string]renderedMessage)
		lastTyping := ""
		for _, m := range session.Messages(conversationID) {
			printMessage(m)
			seen[m.ID] = renderState(m)
		}

		for {
			select {
			case <-sig:
				fmt.Println()
				return nil
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				for _, m := range session.Messages(conversationID) {
					state := renderState(m)
					if prev, ok := seen[m.ID]; !ok || prev != state {
						printMessage(m)
						seen[m.ID] = state
					}
				}
				typing := strings.Join(session.TypingUsers(conversationID), ", ")
				if typing != lastTyping {
					if typing != "" {
						fmt.Printf("-- typing: %s\n", typing)
					}
					lastTyping = typing
				}
			}
		}
	},
}

type renderedMessage struct {
	content  string
	edited   bool
	deleted  bool
	delivery chatsync.DeliveryState
}

func renderState(m chatsync.Message) renderedMessage {
	return renderedMessage{content: m.Content, edited: m.IsEdited, deleted: m.IsDeleted, delivery: m.DeliveryState}
}

func printMessage(m chatsync.Message) {
	content := m.Content
	switch {
	case m.IsDeleted:
		content = "(deleted)"
	case m.IsEdited:
		content += " (edited)"
	}
	marker := ""
	switch m.DeliveryState {
	case chatsync.DeliveryPending:
		marker = " ..."
	case chatsync.DeliveryFailed:
		marker = " !!"
	}
	fmt.Printf("[%s] %s: %s%s\n", m.CreatedAt.Local().Format("15:04:05"), m.SenderID, content, marker)
}
