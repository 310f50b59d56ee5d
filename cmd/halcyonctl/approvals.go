package main

import (
	"fmt"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"
)

type approvalSummary struct {
	ID        string
	Utterance string
	State     string
}

func newApprovalsCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approvals",
		Short: "List and decide pending approval requests",
	}
	cmd.AddCommand(newApprovalsListCommand(c), newApprovalsDecideCommand(c))
	return cmd
}

func newApprovalsListCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List approval requests, optionally filtered by state",
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := c.bearer()
			if err != nil {
				return err
			}
			client := newAPIClient(c.serverURL, token)

			var resp struct {
				Approvals []approvalSummary `json:"approvals"`
			}
			if _, err := client.do(cmd.Context(), "GET", "/v1/approvals", nil, &resp); err != nil {
				return err
			}
			if len(resp.Approvals) == 0 {
				fmt.Println(gray("no approval requests"))
				return nil
			}
			for _, a := range resp.Approvals {
				fmt.Printf("%s [%s] %s\n", a.ID, a.State, a.Utterance)
			}
			return nil
		},
	}
}

// newApprovalsDecideCommand interactively prompts for approve/deny/cancel
// when no --decision flag is given, using promptui the way an operator
// terminal tool would.
func newApprovalsDecideCommand(c *cli) *cobra.Command {
	var decision string

	cmd := &cobra.Command{
		Use:   "decide <approval-id>",
		Short: "Approve, deny, or cancel a pending approval request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if decision == "" {
				prompt := promptui.Select{
					Label: "Decision",
					Items: []string{"approve", "deny", "cancel"},
				}
				_, chosen, err := prompt.Run()
				if err != nil {
					return fmt.Errorf("prompt cancelled: %w", err)
				}
				decision = chosen
			}

			token, err := c.bearer()
			if err != nil {
				return err
			}
			client := newAPIClient(c.serverURL, token)

			body := map[string]any{"decision": decision}
			var resp map[string]any
			if _, err := client.do(cmd.Context(), "POST", "/v1/approvals/"+args[0]+"/decide", body, &resp); err != nil {
				return err
			}
			fmt.Printf("%s %s -> %s\n", green("decided:"), args[0], decision)
			return nil
		},
	}
	cmd.Flags().StringVar(&decision, "decision", "", "approve | deny | cancel (prompts interactively if omitted)")
	return cmd
}
