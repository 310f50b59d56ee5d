package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newStatusCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show system status (environment, pending approvals, feature flags)",
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := c.bearer()
			if err != nil {
				return err
			}
			client := newAPIClient(c.serverURL, token)

			var status map[string]any
			if _, err := client.do(cmd.Context(), "GET", "/v1/system/status", nil, &status); err != nil {
				return err
			}

			fmt.Printf("%s %v\n", gray("environment:"), status["environment"])
			fmt.Printf("%s %v\n", gray("pending approvals:"), status["pending_approvals"])
			fmt.Printf("%s %v\n", gray("memory enabled:"), status["memory_enabled"])
			fmt.Printf("%s %v\n", gray("degraded mode:"), status["degraded_mode"])
			return nil
		},
	}
}
