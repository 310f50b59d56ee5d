package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"halcyon/internal/admission"
)

func newHashCredentialCommand() *cobra.Command {
	var verify string

	cmd := &cobra.Command{
		Use:   "hash-credential <plaintext>",
		Short: "Compute an argon2id digest for a plaintext credential",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			plaintext := args[0]

			if verify != "" {
				ok, err := admission.VerifyCredential(plaintext, verify)
				if err != nil {
					return usageError(fmt.Errorf("malformed digest: %w", err))
				}
				if !ok {
					return authError(fmt.Errorf("plaintext does not match the supplied digest"))
				}
				fmt.Printf("%s plaintext matches digest\n", green("ok:"))
				return nil
			}

			digest, err := admission.HashCredential(plaintext)
			if err != nil {
				return fmt.Errorf("hash credential: %w", err)
			}
			fmt.Println(digest)
			return nil
		},
	}
	cmd.Flags().StringVar(&verify, "verify", "", "verify plaintext against this digest instead of hashing")
	return cmd
}
