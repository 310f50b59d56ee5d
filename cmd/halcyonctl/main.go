// Command halcyonctl is the operator CLI for a halcyon deployment: it talks
// to a running halcyond over its HTTP surface for chat/command/status, and
// operates directly on local storage for maintenance tasks (backup, restore,
// migrate, hash-credential, openapi) that don't require a live server.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	green = color.New(color.FgGreen).SprintFunc()
	red   = color.New(color.FgRed).SprintFunc()
	gray  = color.New(color.FgHiBlack).SprintFunc()
)

// cli holds the flags shared by every subcommand that talks to a server.
type cli struct {
	serverURL string
	token     string
	config    string
}

func newRootCommand() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:   "halcyonctl",
		Short: "Operate a halcyon assistant deployment",
		Long: `halcyonctl drives a running halcyond server (status, chat, command)
and performs offline maintenance against its local storage (backup, restore,
migrate, hash-credential, openapi).`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&c.serverURL, "server", "http://127.0.0.1:8080", "halcyond base URL")
	root.PersistentFlags().StringVar(&c.token, "token", "", "bearer credential (falls back to HALCYON_TOKEN)")
	root.PersistentFlags().StringVar(&c.config, "config", "", "path to a halcyon config file (offline commands)")

	viper.SetEnvPrefix("HALCYON")
	viper.AutomaticEnv()

	root.AddCommand(
		newStatusCommand(c),
		newChatCommand(c),
		newCommandCommand(c),
		newApprovalsCommand(c),
		newHashCredentialCommand(),
		newBackupCommand(),
		newRestoreCommand(),
		newMigrateCommand(),
		newOpenAPICommand(),
	)
	return root
}

func (c *cli) bearer() (string, error) {
	if c.token != "" {
		return c.token, nil
	}
	if env := viper.GetString("token"); env != "" {
		return env, nil
	}
	return "", authError(fmt.Errorf("no bearer credential supplied: pass --token or set HALCYON_TOKEN"))
}

func main() {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", red("error:"), err)
		code := 1
		var ec *exitCodeError
		if errors.As(err, &ec) {
			code = ec.Code
		}
		os.Exit(code)
	}
}
