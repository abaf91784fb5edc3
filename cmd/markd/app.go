package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"pkt.systems/markd"
	"pkt.systems/markd/internal/connguard"
	"pkt.systems/markd/internal/svcfields"
	"pkt.systems/pslog"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("MARKD_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "markd")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if c, err := cmd.ExecuteContextC(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			if c == cmd {
				svcfields.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
			} else {
				fmt.Fprintf(os.Stderr, "%s\n", err)
			}
		}
		return 1
	}
	return 0
}

// storageFlags are shared by the server and `markd import`.
var storageFlags = []string{
	"store",
	"s3-region", "s3-endpoint", "s3-insecure", "s3-path-style", "s3-sse", "s3-kms-key-id",
	"azure-endpoint", "azure-sas-token", "azure-key",
	"storage-encryption", "kryptograf-key-file", "disable-snappy",
	"media-dir", "log-level",
}

var serverFlags = []string{
	"listen",
	"autosave-floor", "autosave-multiplier", "heartbeat-interval", "shutdown-timeout",
	"no-seed", "static-dir",
	"otlp-endpoint", "metrics-listen", "pprof-listen", "enable-profiling-metrics",
	"tls-cert", "tls-key",
	"connguard-threshold", "connguard-window", "connguard-block", "connguard-probe-timeout",
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:           "markd",
		Short:         "markd is the collaborative image and video annotation backend",
		SilenceErrors: true,
		Example: `
  # In-memory snapshot with demo content (development only)
  markd

  # Persist to a local directory and serve the web client
  markd --store disk:///var/lib/markd --static-dir ./public

  # MinIO or another S3-compatible service
  MARKD_S3_ACCESS_KEY_ID=minioadmin MARKD_S3_SECRET_ACCESS_KEY=minioadmin \
    markd --store s3://markd/prod --s3-endpoint localhost:9000 --s3-insecure --s3-path-style

  # AWS S3 through the AWS SDK credential chain
  markd --store aws://my-bucket/markd --s3-region eu-north-1
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			logger, cfg, err := prepare(v, baseLogger)
			if err != nil {
				return err
			}
			watchConfigFile(v, cfg, logger)
			return runServer(cmd.Context(), cfg, logger)
		},
	}

	persistent := cmd.PersistentFlags()
	persistent.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.markd/"+markd.DefaultConfigFileName+")")
	persistent.String("store", markd.DefaultStore, "storage backend URL (mem://, disk:///path, sqlite:///path.db, s3://bucket/prefix, aws://bucket/prefix, azure://account/container/prefix)")
	persistent.String("s3-region", "", "region for s3:// and aws:// stores")
	persistent.String("s3-endpoint", "", "host[:port] of an S3-compatible service (defaults to AWS)")
	persistent.Bool("s3-insecure", false, "use plain HTTP towards the object store")
	persistent.Bool("s3-path-style", false, "force path-style bucket addressing")
	persistent.String("s3-sse", "", "server-side encryption mode (AES256 or aws:kms)")
	persistent.String("s3-kms-key-id", "", "KMS key ID for aws:kms server-side encryption")
	persistent.String("azure-endpoint", "", "Azure Blob service endpoint (defaults to https://<account>.blob.core.windows.net)")
	persistent.String("azure-sas-token", "", "Azure SAS token (alternative to an account key)")
	persistent.String("azure-key", "", "Azure Storage account key (or AZURE_STORAGE_KEY)")
	persistent.Bool("storage-encryption", false, "seal snapshot objects with kryptograf")
	persistent.String("kryptograf-key-file", "", "kryptograf key file (defaults to $HOME/.markd/"+markd.DefaultKeyFileName+")")
	persistent.Bool("disable-snappy", false, "disable Snappy compression inside sealed objects")
	persistent.String("media-dir", markd.DefaultMediaDir, "directory media collections are imported into")
	persistent.String("log-level", markd.DefaultLogLevel, "minimum log level (trace, debug, info, warn, error)")

	flags := cmd.Flags()
	flags.String("listen", markd.DefaultListen, "listen address")
	flags.Duration("autosave-floor", markd.DefaultAutosaveFloor, "minimum persist duration the autosave cadence is computed from")
	flags.Int("autosave-multiplier", markd.DefaultAutosaveMultiplier, "multiplier applied to the last persist duration")
	flags.Duration("heartbeat-interval", markd.DefaultHeartbeatInterval, "realtime heartbeat sweep interval")
	flags.Duration("shutdown-timeout", markd.DefaultShutdownTimeout, "bound on the final persist and HTTP drain")
	flags.Bool("no-seed", false, "do not seed demo content into an empty store")
	flags.String("static-dir", "", "serve this directory under /static/")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")
	flags.String("metrics-listen", "", "Prometheus /metrics listen address (empty disables)")
	flags.String("pprof-listen", "", "debug/pprof listen address (empty disables)")
	flags.Bool("enable-profiling-metrics", false, "export Go runtime metrics on the Prometheus endpoint")
	flags.String("tls-cert", "", "TLS certificate file (enables HTTPS with --tls-key)")
	flags.String("tls-key", "", "TLS private key file")
	flags.Int("connguard-threshold", 0, "block peers after this many silent or malformed connections (0 disables)")
	flags.Duration("connguard-window", connguard.DefaultFailureWindow, "window connection failures are counted in")
	flags.Duration("connguard-block", connguard.DefaultBlockDuration, "how long a blocked peer is refused")
	flags.Duration("connguard-probe-timeout", connguard.DefaultProbeTimeout, "wait for the first byte or TLS handshake before counting a failure")

	v.SetEnvPrefix("MARKD")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	bind := func(set *pflag.FlagSet, name string) {
		flag := set.Lookup(name)
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := v.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}
	bind(persistent, "config")
	for _, name := range storageFlags {
		bind(persistent, name)
	}
	for _, name := range serverFlags {
		bind(flags, name)
	}

	cmd.AddCommand(newImportCommand(v, baseLogger))
	cmd.AddCommand(newVerifyCommand(v, baseLogger))
	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newKeysCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

// prepare loads the config file, applies the log level and binds Config.
func prepare(v *viper.Viper, baseLogger pslog.Logger) (pslog.Logger, markd.Config, error) {
	logger := baseLogger
	configFile, err := loadConfigFile(v)
	if err != nil {
		return nil, markd.Config{}, err
	}
	if level, ok := pslog.ParseLevel(strings.TrimSpace(v.GetString("log-level"))); ok {
		logger = logger.LogLevel(level)
	}
	if configFile != "" {
		svcfields.WithSubsystem(logger, "cli.config").Info("loaded config file", "path", configFile)
	}
	cfg := bindConfig(v)
	if err := cfg.Validate(); err != nil {
		return nil, markd.Config{}, err
	}
	return logger, cfg, nil
}

func runServer(ctx context.Context, cfg markd.Config, logger pslog.Logger) error {
	cliLogger := svcfields.WithSubsystem(logger, "cli.root")
	svcfields.WithSubsystem(logger, "server.lifecycle.init").Info(
		"welcome to markd",
		"pid", os.Getpid(),
		"store", cfg.Store,
		"listen", cfg.Listen,
	)
	server, err := markd.NewServer(cfg, markd.WithLogger(logger))
	if err != nil {
		return err
	}
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			cliLogger.Error("shutdown failed", "error", err)
		}
	}()
	err = server.Start()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return err
	}
	<-stopped
	return nil
}

func bindConfig(v *viper.Viper) markd.Config {
	return markd.Config{
		Listen:                 v.GetString("listen"),
		Store:                  v.GetString("store"),
		S3Region:               firstNonEmpty(v.GetString("s3-region"), os.Getenv("AWS_REGION"), os.Getenv("AWS_DEFAULT_REGION")),
		S3Endpoint:             v.GetString("s3-endpoint"),
		S3Insecure:             v.GetBool("s3-insecure"),
		S3PathStyle:            v.GetBool("s3-path-style"),
		S3SSE:                  v.GetString("s3-sse"),
		S3KMSKeyID:             v.GetString("s3-kms-key-id"),
		AzureEndpoint:          v.GetString("azure-endpoint"),
		AzureSASToken:          v.GetString("azure-sas-token"),
		AzureKey:               v.GetString("azure-key"),
		AutosaveFloor:          v.GetDuration("autosave-floor"),
		AutosaveMultiplier:     v.GetInt("autosave-multiplier"),
		HeartbeatInterval:      v.GetDuration("heartbeat-interval"),
		ShutdownTimeout:        v.GetDuration("shutdown-timeout"),
		NoSeed:                 v.GetBool("no-seed"),
		StaticDir:              v.GetString("static-dir"),
		MediaDir:               v.GetString("media-dir"),
		StorageEncryption:      v.GetBool("storage-encryption"),
		KryptografKeyFile:      v.GetString("kryptograf-key-file"),
		DisableSnappy:          v.GetBool("disable-snappy"),
		OTLPEndpoint:           v.GetString("otlp-endpoint"),
		MetricsListen:          v.GetString("metrics-listen"),
		PprofListen:            v.GetString("pprof-listen"),
		EnableProfilingMetrics: v.GetBool("enable-profiling-metrics"),
		TLSCert:                v.GetString("tls-cert"),
		TLSKey:                 v.GetString("tls-key"),

		ConnGuardFailureThreshold: v.GetInt("connguard-threshold"),
		ConnGuardFailureWindow:    v.GetDuration("connguard-window"),
		ConnGuardBlockDuration:    v.GetDuration("connguard-block"),
		ConnGuardProbeTimeout:     v.GetDuration("connguard-probe-timeout"),
		LogLevel:                  v.GetString("log-level"),
	}
}

func firstNonEmpty(values ...string) string {
	for _, val := range values {
		if val = strings.TrimSpace(val); val != "" {
			return val
		}
	}
	return ""
}

func loadConfigFile(v *viper.Viper) (string, error) {
	cfgPath := strings.TrimSpace(v.GetString("config"))
	explicit := cfgPath != ""
	if cfgPath == "" {
		if dir, err := markd.DefaultConfigDir(); err == nil {
			cfgPath = filepath.Join(dir, markd.DefaultConfigFileName)
		}
	}
	if cfgPath == "" {
		return "", nil
	}
	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}
	v.SetConfigFile(expanded)
	if err := v.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	return filepath.Abs(p)
}

func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.Bytes(uint64(n)), " ", "")
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
