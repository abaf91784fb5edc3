package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pkt.systems/markd"
	"pkt.systems/markd/internal/clock"
	"pkt.systems/markd/internal/importer"
	"pkt.systems/markd/internal/store"
	"pkt.systems/markd/internal/svcfields"
	"pkt.systems/pslog"
)

func newImportCommand(v *viper.Viper, baseLogger pslog.Logger) *cobra.Command {
	var reset, move bool
	cmd := &cobra.Command{
		Use:   "import <manifest.json>",
		Short: "Import a project, its annotators and media into the store",
		Long: `Restores the snapshot from --store, inserts the project and users from the
manifest, copies (or moves) every media collection into --media-dir and
persists. Run it while the server is stopped: the disk and sqlite backends
refuse a second writer.`,
		Example: `
  markd import project.json --store disk:///var/lib/markd
  markd import project.json --store disk:///var/lib/markd --reset --move
`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			logger, cfg, err := prepare(v, baseLogger)
			if err != nil {
				return err
			}
			manifest, err := importer.LoadManifest(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			logger = svcfields.WithSubsystem(logger, "cli.import")
			backend, err := markd.OpenBackend(ctx, cfg, logger, clock.Real{})
			if err != nil {
				return err
			}
			defer backend.Close()
			st := store.New(store.Config{Backend: backend, Logger: logger})
			summary, err := importer.Run(ctx, importer.Options{
				Store:    st,
				Logger:   logger,
				MediaDir: cfg.MediaDir,
				Reset:    reset,
				Move:     move,
			}, manifest)
			if err != nil {
				return err
			}
			return printImportSummary(cmd, summary)
		},
	}
	cmd.Flags().BoolVar(&reset, "reset", false, "clear every project, marking and user before importing")
	cmd.Flags().BoolVar(&move, "move", false, "move media files instead of copying them")
	return cmd
}

func printImportSummary(cmd *cobra.Command, s importer.Summary) error {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "project %s imported with %d user(s); snapshot %s\n", s.ProjectID, s.Users, humanizeBytes(s.Persist.Bytes))
	if len(s.Collections) == 0 {
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "COLLECTION\tFILES\tSIZE\tDESTINATION")
	for _, c := range s.Collections {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", c.CollectionID, c.Files, humanizeBytes(c.Bytes), c.Destination)
	}
	return tw.Flush()
}
