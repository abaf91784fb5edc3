package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/markd"
	"pkt.systems/markd/internal/connguard"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage markd configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.markd/" + markd.DefaultConfigFileName
	if dir, err := markd.DefaultConfigDir(); err == nil {
		defaultOutput = filepath.Join(dir, markd.DefaultConfigFileName)
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default markd configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}
			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if outPath == "" {
				dir, err := markd.DefaultConfigDir()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = filepath.Join(dir, markd.DefaultConfigFileName)
			}
			if err := writeNewFile(outPath, data, force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

// writeNewFile creates parent directories and refuses to overwrite unless
// force is set.
func writeNewFile(path string, data []byte, force bool) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		} else if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("stat %s: %w", path, err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

type configEntry struct {
	key     string
	value   string
	tag     string
	comment string
}

func defaultConfigEntries() []configEntry {
	str := func(key, value, comment string) configEntry {
		return configEntry{key: key, value: value, tag: "!!str", comment: comment}
	}
	boolean := func(key string, value bool, comment string) configEntry {
		return configEntry{key: key, value: strconv.FormatBool(value), tag: "!!bool", comment: comment}
	}
	return []configEntry{
		str("listen", markd.DefaultListen, "HTTP listen address"),
		str("store", markd.DefaultStore, "snapshot backend: mem://, disk:///path, sqlite:///path.db, s3://bucket/prefix, aws://bucket/prefix, azure://account/container/prefix"),
		str("s3-region", "", "region for s3:// and aws:// stores"),
		str("s3-endpoint", "", "host[:port] of an S3-compatible service"),
		boolean("s3-insecure", false, "plain HTTP towards the object store"),
		boolean("s3-path-style", false, "path-style bucket addressing"),
		str("s3-sse", "", "server-side encryption: AES256 or aws:kms"),
		str("s3-kms-key-id", "", "KMS key for aws:kms"),
		str("azure-endpoint", "", "Azure Blob endpoint override"),
		str("azure-sas-token", "", "Azure SAS token"),
		str("azure-key", "", "Azure account key (falls back to AZURE_STORAGE_KEY)"),
		str("autosave-floor", markd.DefaultAutosaveFloor.String(), "minimum persist duration used for the autosave cadence"),
		{key: "autosave-multiplier", value: strconv.Itoa(markd.DefaultAutosaveMultiplier), tag: "!!int", comment: "cadence = max(last persist, floor) x multiplier"},
		str("heartbeat-interval", markd.DefaultHeartbeatInterval.String(), "realtime heartbeat sweep interval"),
		str("shutdown-timeout", markd.DefaultShutdownTimeout.String(), "bound on the final persist"),
		boolean("no-seed", false, "leave an empty store empty"),
		str("static-dir", "", "directory served under /static/"),
		str("media-dir", markd.DefaultMediaDir, "destination for `markd import` media"),
		boolean("storage-encryption", false, "seal snapshot objects with kryptograf (run `markd keys gen` first)"),
		str("kryptograf-key-file", "", "key file path (defaults to the config dir)"),
		boolean("disable-snappy", false, "disable compression inside sealed objects"),
		str("otlp-endpoint", "", "OTLP trace collector"),
		str("metrics-listen", "", "Prometheus /metrics address"),
		str("pprof-listen", "", "debug/pprof address"),
		boolean("enable-profiling-metrics", false, "Go runtime metrics on /metrics"),
		str("tls-cert", "", "TLS certificate (HTTPS when set with tls-key)"),
		str("tls-key", "", "TLS private key"),
		{key: "connguard-threshold", value: "0", tag: "!!int", comment: "block peers after this many silent or malformed connections (0 disables)"},
		str("connguard-window", connguard.DefaultFailureWindow.String(), "window connection failures are counted in"),
		str("connguard-block", connguard.DefaultBlockDuration.String(), "how long a blocked peer is refused"),
		str("connguard-probe-timeout", connguard.DefaultProbeTimeout.String(), "first-byte and TLS handshake timeout"),
		str("log-level", markd.DefaultLogLevel, "trace, debug, info, warn or error"),
	}
}

func defaultConfigYAML() ([]byte, error) {
	mapping := &yaml.Node{Kind: yaml.MappingNode}
	for _, entry := range defaultConfigEntries() {
		mapping.Content = append(mapping.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Value: entry.key, HeadComment: entry.comment},
			&yaml.Node{Kind: yaml.ScalarNode, Value: entry.value, Tag: entry.tag},
		)
	}
	doc := &yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{mapping}, HeadComment: "markd configuration. Every key can be overridden by a flag or MARKD_<KEY>."}
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return buf.Bytes(), nil
}
