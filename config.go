package markd

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pkt.systems/markd/internal/autosave"
	"pkt.systems/markd/internal/importer"
	"pkt.systems/markd/internal/realtime"
)

const (
	// DefaultListen is the default TCP endpoint the server binds to.
	DefaultListen = ":4242"
	// DefaultStore keeps the snapshot in memory when no store is configured.
	DefaultStore = "mem://"
	// DefaultAutosaveFloor is the minimum persist duration the autosave
	// cadence is computed from.
	DefaultAutosaveFloor = autosave.DefaultFloor
	// DefaultAutosaveMultiplier scales the last persist duration into the
	// autosave cadence.
	DefaultAutosaveMultiplier = autosave.DefaultMultiplier
	// DefaultHeartbeatInterval is the realtime heartbeat sweep interval.
	DefaultHeartbeatInterval = realtime.DefaultHeartbeatInterval
	// DefaultShutdownTimeout bounds the final persist and HTTP drain.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultMediaDir is where `markd import` transfers media collections.
	DefaultMediaDir = importer.DefaultMediaDir
	// DefaultConfigFileName is the config file looked up in the config dir.
	DefaultConfigFileName = "config.yaml"
	// DefaultKeyFileName is the kryptograf key file looked up in the config
	// dir when storage encryption is enabled without --kryptograf-key-file.
	DefaultKeyFileName = "snapshot-key.pem"
	// DefaultLogLevel is the minimum log level of the CLI logger.
	DefaultLogLevel = "info"
)

// Store URL schemes understood by the backend factory.
const (
	SchemeMemory = "mem"
	SchemeDisk   = "disk"
	SchemeS3     = "s3"
	SchemeAWS    = "aws"
	SchemeAzure  = "azure"
	SchemeSQLite = "sqlite"
)

// Config captures the server configuration.
type Config struct {
	// Listen is the HTTP listen address.
	Listen string
	// Store selects the snapshot backend by URL.
	Store string

	// S3Region is the region for s3:// and aws:// stores.
	S3Region string
	// S3Endpoint is the host[:port] of an S3-compatible service for s3://.
	S3Endpoint string
	// S3Insecure disables TLS towards the object store.
	S3Insecure bool
	// S3PathStyle forces path-style bucket addressing.
	S3PathStyle bool
	// S3SSE selects server-side encryption ("AES256" or "aws:kms").
	S3SSE string
	// S3KMSKeyID is the KMS key used with aws:kms.
	S3KMSKeyID string

	AzureEndpoint string
	AzureSASToken string
	// AzureKey is the shared account key. Falls back to AZURE_STORAGE_KEY.
	AzureKey string

	AutosaveFloor      time.Duration
	AutosaveMultiplier int
	HeartbeatInterval  time.Duration
	ShutdownTimeout    time.Duration

	// NoSeed disables the default seed content on an empty store.
	NoSeed bool
	// StaticDir is served under /static/ when set.
	StaticDir string
	// MediaDir is the importer destination.
	MediaDir string

	// StorageEncryption seals snapshot objects with kryptograf.
	StorageEncryption bool
	// KryptografKeyFile holds the root key and snapshot descriptor.
	KryptografKeyFile string
	// DisableSnappy turns off compression inside sealed objects.
	DisableSnappy bool

	OTLPEndpoint           string
	MetricsListen          string
	PprofListen            string
	EnableProfilingMetrics bool

	TLSCert string
	TLSKey  string

	// ConnGuardFailureThreshold enables the connection guard when > 0: peers
	// that open this many silent or malformed connections within
	// ConnGuardFailureWindow are refused for ConnGuardBlockDuration.
	ConnGuardFailureThreshold int
	ConnGuardFailureWindow    time.Duration
	ConnGuardBlockDuration    time.Duration
	ConnGuardProbeTimeout     time.Duration

	LogLevel string
}

// TLSEnabled reports whether the listener serves HTTPS.
func (c Config) TLSEnabled() bool {
	return c.TLSCert != "" && c.TLSKey != ""
}

// StoreScheme returns the lower-cased scheme of the store URL.
func (c Config) StoreScheme() string {
	u, err := url.Parse(c.Store)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Scheme)
}

// Validate fills defaults and rejects inconsistent settings.
func (c *Config) Validate() error {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.Store == "" {
		c.Store = DefaultStore
	}
	if _, err := url.Parse(c.Store); err != nil {
		return fmt.Errorf("config: parse store URL: %w", err)
	}
	switch scheme := c.StoreScheme(); scheme {
	case SchemeMemory, "memory", SchemeDisk, SchemeS3, SchemeAzure, SchemeSQLite:
	case SchemeAWS:
		if strings.TrimSpace(c.S3Region) == "" {
			return fmt.Errorf("config: s3-region must be provided for store %q", c.Store)
		}
	default:
		return fmt.Errorf("config: unsupported store scheme %q", scheme)
	}
	switch strings.ToUpper(c.S3SSE) {
	case "", "AES256", "AWS:KMS":
	default:
		return fmt.Errorf("config: s3-sse must be AES256 or aws:kms, got %q", c.S3SSE)
	}

	if c.AutosaveFloor < 0 {
		return fmt.Errorf("config: autosave-floor must be >= 0")
	}
	if c.AutosaveFloor == 0 {
		c.AutosaveFloor = DefaultAutosaveFloor
	}
	if c.AutosaveMultiplier < 0 {
		return fmt.Errorf("config: autosave-multiplier must be >= 0")
	}
	if c.AutosaveMultiplier == 0 {
		c.AutosaveMultiplier = DefaultAutosaveMultiplier
	}
	if c.HeartbeatInterval < 0 {
		return fmt.Errorf("config: heartbeat-interval must be >= 0")
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.ShutdownTimeout < 0 {
		return fmt.Errorf("config: shutdown-timeout must be >= 0")
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.MediaDir == "" {
		c.MediaDir = DefaultMediaDir
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}

	if (c.TLSCert == "") != (c.TLSKey == "") {
		return fmt.Errorf("config: tls-cert and tls-key must be set together")
	}
	if c.ConnGuardFailureThreshold < 0 {
		return fmt.Errorf("config: connguard-threshold must be >= 0")
	}
	if c.ConnGuardFailureWindow < 0 || c.ConnGuardBlockDuration < 0 || c.ConnGuardProbeTimeout < 0 {
		return fmt.Errorf("config: connguard durations must be >= 0")
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: profiling metrics require metrics-listen")
	}
	if c.StaticDir != "" {
		fi, err := os.Stat(c.StaticDir)
		if err != nil || !fi.IsDir() {
			return fmt.Errorf("config: static-dir %q is not a directory", c.StaticDir)
		}
	}
	if c.StorageEncryption {
		if c.KryptografKeyFile == "" {
			dir, err := DefaultConfigDir()
			if err != nil {
				return fmt.Errorf("config: resolve key file: %w", err)
			}
			c.KryptografKeyFile = filepath.Join(dir, DefaultKeyFileName)
		}
		if _, err := os.Stat(c.KryptografKeyFile); err != nil {
			return fmt.Errorf("config: key file %q not found (run 'markd keys gen')", c.KryptografKeyFile)
		}
	}
	return nil
}

// DefaultConfigDir returns $MARKD_CONFIG_DIR, or $HOME/.markd.
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("MARKD_CONFIG_DIR")); override != "" {
		return filepath.Abs(override)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".markd"), nil
}
