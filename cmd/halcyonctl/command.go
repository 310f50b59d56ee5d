package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

type commandResponse struct {
	Text       string `json:"text"`
	ApprovalID string `json:"approval_id"`
}

func newCommandCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "command <text>",
		Short: "Run a structured command (reminders, email, calendar, weather, search)",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := c.bearer()
			if err != nil {
				return err
			}
			client := newAPIClient(c.serverURL, token)

			body := map[string]any{"text": strings.Join(args, " ")}
			var resp commandResponse
			status, err := client.do(cmd.Context(), "POST", "/v1/commands", body, &resp)
			if err != nil {
				return err
			}
			if status == 202 {
				fmt.Printf("%s awaiting approval %s\n", green("queued:"), resp.ApprovalID)
				return nil
			}
			fmt.Println(resp.Text)
			return nil
		},
	}
}
