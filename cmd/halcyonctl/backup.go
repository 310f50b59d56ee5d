package main

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"halcyon/internal/config"
)

// backupEntry names a file within the archive and the path it came from.
type backupEntry struct {
	name string
	path string
}

func backupEntries(cfg config.Config) []backupEntry {
	return []backupEntry{
		{name: "storage.db", path: cfg.StoragePath},
		{name: "cache_l2.db", path: cfg.Cache.L2Path},
	}
}

func newBackupCommand() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Snapshot durable storage and the L2 cache into a single tar.gz archive",
		RunE: func(cmd *cobra.Command, args []string) error {
			if output == "" {
				return usageError(fmt.Errorf("--output is required"))
			}
			cfg, err := config.Load(configPathFlag(cmd))
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			f, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("create archive: %w", err)
			}
			defer f.Close()

			gz := gzip.NewWriter(f)
			tw := tar.NewWriter(gz)

			for _, entry := range backupEntries(cfg) {
				if err := addFileToArchive(tw, entry); err != nil {
					return fmt.Errorf("archive %s: %w", entry.name, err)
				}
			}

			if err := tw.Close(); err != nil {
				return fmt.Errorf("finalize archive: %w", err)
			}
			if err := gz.Close(); err != nil {
				return fmt.Errorf("finalize archive: %w", err)
			}

			fmt.Printf("%s wrote backup to %s\n", green("ok:"), output)
			return nil
		},
	}
	cmd.Flags().StringVar(&output, "output", "", "path to write the backup archive")
	return cmd
}

func addFileToArchive(tw *tar.Writer, entry backupEntry) error {
	info, err := os.Stat(entry.path)
	if os.IsNotExist(err) {
		return nil // nothing written yet at this path; skip rather than fail the whole backup
	}
	if err != nil {
		return err
	}

	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	header.Name = entry.name
	if err := tw.WriteHeader(header); err != nil {
		return err
	}

	f, err := os.Open(entry.path)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = io.Copy(tw, f)
	return err
}
