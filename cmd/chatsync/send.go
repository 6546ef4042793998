package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	chatsync "github.com/loopmarkt/chatsync-go"
	"github.com/spf13/cobra"
)

var sendAttachment string

func init() {
	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().StringVar(&sendAttachment, "attachment", "", "Attachment URL to send as a file message")
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <content>",
	Short: "Send a message over REST",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, client := getClient()
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		var opts *chatsync.SendOptions
		if sendAttachment != "" {
			opts = &chatsync.SendOptions{Type: chatsync.MessageFile, AttachmentURL: sendAttachment}
		}

		msg, err := client.SendMessage(ctx, args[0], args[1], uuid.NewString(), opts)
		if err != nil {
			return err
		}
		fmt.Printf("Sent %s at %s\n", msg.ID, msg.CreatedAt.Local().Format("15:04:05"))
		return nil
	},
}
