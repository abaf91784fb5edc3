package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pkt.systems/markd/internal/diagnostics/storagecheck"
	"pkt.systems/markd/internal/svcfields"
	"pkt.systems/pslog"
)

func newVerifyCommand(v *viper.Viper, baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Run diagnostic checks",
	}
	cmd.AddCommand(newVerifyStoreCommand(v, baseLogger))
	return cmd
}

func newVerifyStoreCommand(v *viper.Viper, baseLogger pslog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:          "store",
		Short:        "Verify the configured snapshot store",
		SilenceUsage: true,
		Example: strings.TrimSpace(`
# Verify a disk store
MARKD_STORE=disk:///var/lib/markd markd verify store

# Verify MinIO with static credentials
MARKD_S3_ACCESS_KEY_ID=minio MARKD_S3_SECRET_ACCESS_KEY=minio123 \
  markd verify store --store s3://markd --s3-endpoint localhost:9000 --s3-insecure --s3-path-style

# Verify AWS S3
markd verify store --store aws://my-bucket/markd --s3-region eu-north-1
`),
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, cfg, err := prepare(v, baseLogger)
			if err != nil {
				return err
			}
			res, err := storagecheck.VerifyStore(cmd.Context(), cfg, svcfields.WithSubsystem(logger, "cli.verify"))
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Store: %s\n", cfg.Store)
			fmt.Fprintf(out, "Provider: %s\n", res.Provider)
			if res.Endpoint != "" {
				fmt.Fprintf(out, "Endpoint: %s (insecure:%t)\n", res.Endpoint, res.Insecure)
			}
			if res.Location != "" {
				fmt.Fprintf(out, "Location: %s\n", res.Location)
			}
			if res.Prefix != "" {
				fmt.Fprintf(out, "Prefix: %s\n", res.Prefix)
			}
			if cred := res.Credentials; cred.Source != "" {
				accessKey := cred.AccessKey
				if accessKey == "" {
					accessKey = "(none)"
				}
				fmt.Fprintf(out, "AccessKey: %s (has_secret:%t source:%s)\n", accessKey, cred.HasSecret, cred.Source)
			}
			fmt.Fprintf(out, "Encrypted: %t\n\n", res.Encrypted)
			for _, check := range res.Checks {
				if check.Err == nil {
					fmt.Fprintf(out, "✔ %s\n", check.Name)
				} else {
					fmt.Fprintf(out, "✘ %s: %v\n", check.Name, check.Err)
				}
			}
			if res.Passed() {
				fmt.Fprintln(out, "Storage verification succeeded.")
				return nil
			}
			if res.RecommendedPolicy != "" {
				fmt.Fprintf(out, "\nRecommended AWS IAM policy:\n%s\n", res.RecommendedPolicy)
			}
			return fmt.Errorf("storage verification failed")
		},
	}
}
