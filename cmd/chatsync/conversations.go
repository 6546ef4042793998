package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var (
	conversationsLimit int
	conversationsJSON  bool

	historyLimit  int
	historyOffset int
	historyJSON   bool
)

func init() {
	rootCmd.AddCommand(conversationsCmd)
	conversationsCmd.Flags().IntVar(&conversationsLimit, "limit", 50, "Maximum conversations to list")
	conversationsCmd.Flags().BoolVar(&conversationsJSON, "json", false, "Output raw JSON")

	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntVar(&historyLimit, "limit", 50, "Maximum messages to fetch")
	historyCmd.Flags().IntVar(&historyOffset, "offset", 0, "Page offset")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Output raw JSON")

	rootCmd.AddCommand(readCmd)
}

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List conversations, newest activity first",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, client := getClient()
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		page, err := client.ListConversations(ctx, conversationsLimit, 0)
		if err != nil {
			return err
		}

		if conversationsJSON {
			return printJSON(page.Conversations)
		}

		if len(page.Conversations) == 0 {
			fmt.Println("No conversations.")
			return nil
		}
		for _, c := range page.Conversations {
			unread := ""
			if c.UnreadCount > 0 {
				unread = fmt.Sprintf(" (%d unread)", c.UnreadCount)
			}
			flags := ""
			if c.IsMuted {
				flags += " [muted]"
			}
			if c.IsArchived {
				flags += " [archived]"
			}
			preview := ""
			if c.LastMessage != nil {
				preview = c.LastMessage.Content
				if len(preview) > 60 {
					preview = preview[:57] + "..."
				}
			}
			fmt.Printf("%s  %s%s%s\n    %s\n", c.ID, c.LastMessageAt.Local().Format("2006-01-02 15:04"), unread, flags, preview)
		}
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <conversation-id>",
	Short: "Print a conversation's message history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, client := getClient()
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		page, err := client.GetMessages(ctx, args[0], historyLimit, historyOffset)
		if err != nil {
			return err
		}

		if historyJSON {
			return printJSON(page.Messages)
		}

		for _, m := range page.Messages {
			content := m.Content
			if m.IsDeleted {
				content = "(deleted)"
			} else if m.IsEdited {
				content += " (edited)"
			}
			fmt.Printf("[%s] %s: %s\n", m.CreatedAt.Local().Format("15:04:05"), m.SenderID, content)
		}
		if page.HasMore {
			fmt.Printf("... more; rerun with --offset %d\n", historyOffset+len(page.Messages))
		}
		return nil
	},
}

var readCmd = &cobra.Command{
	Use:   "read <conversation-id>",
	Short: "Mark a conversation as read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, client := getClient()
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		if err := client.MarkRead(ctx, args[0]); err != nil {
			return err
		}
		fmt.Println("Marked read.")
		return nil
	},
}
