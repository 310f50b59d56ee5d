package main

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"halcyon/internal/config"
)

func newRestoreCommand() *cobra.Command {
	var input string

	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Restore durable storage and the L2 cache from a backup archive",
		RunE: func(cmd *cobra.Command, args []string) error {
			if input == "" {
				return usageError(fmt.Errorf("--input is required"))
			}
			cfg, err := config.Load(configPathFlag(cmd))
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			targets := map[string]string{}
			for _, entry := range backupEntries(cfg) {
				targets[entry.name] = entry.path
			}

			f, err := os.Open(input)
			if err != nil {
				return fmt.Errorf("open archive: %w", err)
			}
			defer f.Close()

			gz, err := gzip.NewReader(f)
			if err != nil {
				return fmt.Errorf("open archive: %w", err)
			}
			defer gz.Close()

			tr := tar.NewReader(gz)
			restored := 0
			for {
				header, err := tr.Next()
				if err == io.EOF {
					break
				}
				if err != nil {
					return fmt.Errorf("read archive: %w", err)
				}
				dest, ok := targets[header.Name]
				if !ok {
					continue // unrecognized archive member; skip rather than fail the restore
				}
				if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
					return fmt.Errorf("create directory for %s: %w", dest, err)
				}
				out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
				if err != nil {
					return fmt.Errorf("write %s: %w", dest, err)
				}
				if _, err := io.Copy(out, tr); err != nil {
					out.Close()
					return fmt.Errorf("write %s: %w", dest, err)
				}
				out.Close()
				restored++
			}

			fmt.Printf("%s restored %d file(s) from %s\n", green("ok:"), restored, input)
			return nil
		},
	}
	cmd.Flags().StringVar(&input, "input", "", "path to the backup archive")
	return cmd
}
