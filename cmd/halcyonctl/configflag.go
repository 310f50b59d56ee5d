package main

import "github.com/spf13/cobra"

// configPathFlag reads the --config persistent flag for offline commands
// that operate on local storage directly rather than through a running server.
func configPathFlag(cmd *cobra.Command) string {
	v, _ := cmd.Flags().GetString("config")
	return v
}
