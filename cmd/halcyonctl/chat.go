package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

type chatResponse struct {
	Text           string  `json:"text"`
	Degraded       bool    `json:"degraded"`
	ApprovalID     *string `json:"approval_id"`
	ConversationID *string `json:"conversation_id"`
}

func newChatCommand(c *cli) *cobra.Command {
	var conversationID string

	cmd := &cobra.Command{
		Use:   "chat <text>",
		Short: "Send a conversational turn and print the reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := c.bearer()
			if err != nil {
				return err
			}
			client := newAPIClient(c.serverURL, token)

			body := map[string]any{"message": strings.Join(args, " ")}
			if conversationID != "" {
				body["conversation_id"] = conversationID
			}

			var resp chatResponse
			if _, err := client.do(cmd.Context(), "POST", "/v1/chat", body, &resp); err != nil {
				return err
			}

			if resp.ApprovalID != nil {
				fmt.Printf("%s %s (approval id: %s)\n", green("pending:"), resp.Text, *resp.ApprovalID)
				return nil
			}
			if resp.Degraded {
				fmt.Println(gray("(degraded response)"))
			}
			fmt.Println(resp.Text)
			return nil
		},
	}
	cmd.Flags().StringVar(&conversationID, "conversation", "", "existing conversation id to continue")
	return cmd
}
