package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"pkt.systems/markd"
	"pkt.systems/markd/internal/storage"
)

func newKeysCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage snapshot encryption keys",
	}
	cmd.AddCommand(newKeysGenCommand())
	return cmd
}

func newKeysGenCommand() *cobra.Command {
	var outPath string
	var force bool
	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a kryptograf root key and snapshot descriptor",
		Long: `Generates the key file used by --storage-encryption. Losing the file makes
every sealed snapshot unreadable, so keep a copy outside the server.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if outPath == "" {
				dir, err := markd.DefaultConfigDir()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = filepath.Join(dir, markd.DefaultKeyFileName)
			}
			pem, err := storage.GenerateKeyFile()
			if err != nil {
				return err
			}
			if err := writeNewFile(outPath, pem, force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote snapshot key to %s\n", outPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&outPath, "out", "", "output path (defaults to $HOME/.markd/"+markd.DefaultKeyFileName+")")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing key file")
	return cmd
}
