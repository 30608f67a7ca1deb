// Package config provides configuration loading for the canvault
// capture daemon.
//
// Configuration is loaded from a single YAML file specified by:
//   - CANVAULT_CONFIG environment variable, or
//   - --config flag passed to the command
//
// There are no fallbacks or automatic discovery. The file is the
// single source of truth; environment variables do not override
// values. This keeps a capture deployment deterministic and auditable.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML duration
// literals such as "250ms", "5s", or "24h".
type Duration time.Duration

// UnmarshalYAML parses a Go duration literal.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration as a Go duration literal.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the master configuration for canvault.
type Config struct {
	// Bus configures the CAN interface to capture from.
	Bus BusConfig `yaml:"bus"`

	// Database configures the SQLite audit store.
	Database DatabaseConfig `yaml:"database"`

	// Series configures the InfluxDB time-series sink.
	Series SeriesConfig `yaml:"series"`

	// UI configures the live frame feed consumed by display
	// collaborators.
	UI UIConfig `yaml:"ui"`

	// Bluetooth configures the optional Bluetooth relay sink.
	Bluetooth BluetoothConfig `yaml:"bluetooth"`
}

// BusConfig configures the CAN bus link and its reconnect behavior.
type BusConfig struct {
	// Interface selects the adapter type: "socketcan" for a kernel
	// CAN device, "virtual" for the built-in simulated bus.
	Interface string `yaml:"interface"`

	// Channel is the interface name, e.g. "can0" or "vcan0".
	Channel string `yaml:"channel"`

	// Bitrate is the bus bitrate in bits per second. Informational
	// for socketcan (the interface must already be configured); used
	// directly by the virtual bus.
	Bitrate int `yaml:"bitrate"`

	// FD enables CAN FD frames (payloads up to 64 bytes).
	FD bool `yaml:"fd"`

	// AutoRestart enables automatic reconnection after a terminal
	// link error (bus-off, device removed). When false the pipeline
	// stays disconnected and reports a fatal status.
	AutoRestart bool `yaml:"auto_restart"`

	// ReconnectInitialDelay is the first reconnect backoff delay.
	ReconnectInitialDelay Duration `yaml:"reconnect_initial_delay"`

	// ReconnectMaxDelay caps the exponential backoff.
	ReconnectMaxDelay Duration `yaml:"reconnect_max_delay"`
}

// DatabaseConfig configures the SQLite audit store.
type DatabaseConfig struct {
	// Path is the SQLite database file. The parent directory is
	// created on startup.
	Path string `yaml:"path"`

	// BatchSize is the frame count that forces a commit.
	BatchSize int `yaml:"batch_size"`

	// FlushInterval is the maximum time a buffered frame waits
	// before being committed.
	FlushInterval Duration `yaml:"flush_interval"`

	// Backup configures periodic snapshot backups.
	Backup BackupConfig `yaml:"backup"`
}

// BackupConfig configures periodic database snapshots.
type BackupConfig struct {
	// Enabled turns periodic backups on.
	Enabled bool `yaml:"enabled"`

	// Interval is the time between backups.
	Interval Duration `yaml:"interval"`

	// Directory receives timestamped snapshot files. Defaults to
	// "<database dir>/backups" when empty.
	Directory string `yaml:"directory"`

	// Keep is the number of most recent snapshots retained; older
	// ones are deleted after each backup. Zero keeps everything.
	Keep int `yaml:"keep"`
}

// SeriesConfig configures the InfluxDB time-series sink.
type SeriesConfig struct {
	// Enabled turns the series sink on.
	Enabled bool `yaml:"enabled"`

	// URL is the InfluxDB server, e.g. "http://localhost:8086".
	URL string `yaml:"url"`

	// Token is the API token. May be empty for unauthenticated
	// local instances.
	Token string `yaml:"token"`

	// Org is the InfluxDB organization name.
	Org string `yaml:"org"`

	// Bucket is the target bucket, provisioned on first use with the
	// configured retention.
	Bucket string `yaml:"bucket"`

	// Retention is the bucket retention literal, e.g. "2w", "30d",
	// "36h". Empty means infinite retention.
	Retention string `yaml:"retention"`

	// PendingLimit caps the number of points buffered in memory
	// while the backend is unreachable.
	PendingLimit int `yaml:"pending_limit"`
}

// UIConfig configures the live subscriber feed.
type UIConfig struct {
	// RefreshInterval throttles how often display collaborators are
	// expected to poll. Not used by the core pipeline itself.
	RefreshInterval Duration `yaml:"refresh_interval"`

	// Buffer is the per-subscriber frame queue depth. Overflow drops
	// the oldest frames.
	Buffer int `yaml:"buffer"`
}

// BluetoothConfig configures the Bluetooth relay sink. Pairing and
// link security belong to the external relay collaborator; the core
// only passes the pre-shared PIN through.
type BluetoothConfig struct {
	// Enabled turns the relay sink on.
	Enabled bool `yaml:"enabled"`

	// DeviceName is the advertised device name.
	DeviceName string `yaml:"device_name"`

	// PIN is the pre-shared pairing PIN handed to the collaborator.
	PIN string `yaml:"pin"`

	// SocketPath is the unix socket the relay collaborator connects
	// to for the frame stream. Defaults to "relay.sock" next to the
	// database file.
	SocketPath string `yaml:"socket_path"`

	// QueueDepth is the relay sink's frame queue depth.
	QueueDepth int `yaml:"queue_depth"`
}

// Default returns the default configuration. Defaults exist to give
// every field a sensible value before the file is applied, not as a
// substitute for a config file.
func Default() *Config {
	return &Config{
		Bus: BusConfig{
			Interface:             "virtual",
			Channel:               "vcan0",
			Bitrate:               500000,
			AutoRestart:           true,
			ReconnectInitialDelay: Duration(500 * time.Millisecond),
			ReconnectMaxDelay:     Duration(30 * time.Second),
		},
		Database: DatabaseConfig{
			Path:          "canvault.db",
			BatchSize:     256,
			FlushInterval: Duration(250 * time.Millisecond),
			Backup: BackupConfig{
				Enabled:  true,
				Interval: Duration(24 * time.Hour),
				Keep:     5,
			},
		},
		Series: SeriesConfig{
			Enabled:      true,
			URL:          "http://localhost:8086",
			Org:          "canvault",
			Bucket:       "canbus",
			Retention:    "2w",
			PendingLimit: 4096,
		},
		UI: UIConfig{
			RefreshInterval: Duration(500 * time.Millisecond),
			Buffer:          1024,
		},
		Bluetooth: BluetoothConfig{
			Enabled:    false,
			DeviceName: "canvault",
			PIN:        "1234",
			QueueDepth: 256,
		},
	}
}

// Load loads configuration from the CANVAULT_CONFIG environment
// variable. Fails when the variable is unset.
func Load() (*Config, error) {
	path := os.Getenv("CANVAULT_CONFIG")
	if path == "" {
		return nil, fmt.Errorf("CANVAULT_CONFIG environment variable not set; " +
			"set it to the path of your canvault.yaml config file, or use --config flag")
	}
	return LoadFile(path)
}

// LoadFile loads configuration from a specific file path, applying
// the file's values over Default().
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if cfg.Database.Backup.Directory == "" {
		cfg.Database.Backup.Directory = filepath.Join(filepath.Dir(cfg.Database.Path), "backups")
	}
	if cfg.Bluetooth.SocketPath == "" {
		cfg.Bluetooth.SocketPath = filepath.Join(filepath.Dir(cfg.Database.Path), "relay.sock")
	}

	return cfg, nil
}

// Validate checks the configuration for errors, reporting all
// problems at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Bus.Interface != "socketcan" && c.Bus.Interface != "virtual" {
		errs = append(errs, fmt.Errorf("bus.interface must be \"socketcan\" or \"virtual\", got %q", c.Bus.Interface))
	}
	if c.Bus.Channel == "" {
		errs = append(errs, fmt.Errorf("bus.channel is required"))
	}
	if c.Bus.Bitrate <= 0 {
		errs = append(errs, fmt.Errorf("bus.bitrate must be positive, got %d", c.Bus.Bitrate))
	}
	if c.Bus.ReconnectInitialDelay <= 0 {
		errs = append(errs, fmt.Errorf("bus.reconnect_initial_delay must be positive"))
	}
	if c.Bus.ReconnectMaxDelay < c.Bus.ReconnectInitialDelay {
		errs = append(errs, fmt.Errorf("bus.reconnect_max_delay must be >= bus.reconnect_initial_delay"))
	}

	if c.Database.Path == "" {
		errs = append(errs, fmt.Errorf("database.path is required"))
	}
	if c.Database.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("database.batch_size must be positive, got %d", c.Database.BatchSize))
	}
	if c.Database.FlushInterval <= 0 {
		errs = append(errs, fmt.Errorf("database.flush_interval must be positive"))
	}
	if c.Database.Backup.Enabled && c.Database.Backup.Interval <= 0 {
		errs = append(errs, fmt.Errorf("database.backup.interval must be positive when backups are enabled"))
	}
	if c.Database.Backup.Keep < 0 {
		errs = append(errs, fmt.Errorf("database.backup.keep must not be negative, got %d", c.Database.Backup.Keep))
	}

	if c.Series.Enabled {
		if c.Series.URL == "" {
			errs = append(errs, fmt.Errorf("series.url is required when the series sink is enabled"))
		}
		if c.Series.Org == "" {
			errs = append(errs, fmt.Errorf("series.org is required when the series sink is enabled"))
		}
		if c.Series.Bucket == "" {
			errs = append(errs, fmt.Errorf("series.bucket is required when the series sink is enabled"))
		}
		if c.Series.PendingLimit <= 0 {
			errs = append(errs, fmt.Errorf("series.pending_limit must be positive, got %d", c.Series.PendingLimit))
		}
	}

	if c.UI.Buffer <= 0 {
		errs = append(errs, fmt.Errorf("ui.buffer must be positive, got %d", c.UI.Buffer))
	}
	if c.Bluetooth.Enabled && c.Bluetooth.QueueDepth <= 0 {
		errs = append(errs, fmt.Errorf("bluetooth.queue_depth must be positive when the relay is enabled"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// EnsurePaths creates the database and backup directories.
func (c *Config) EnsurePaths() error {
	paths := []string{
		filepath.Dir(c.Database.Path),
		c.Database.Backup.Directory,
	}
	for _, path := range paths {
		if path == "" || path == "." {
			continue
		}
		if err := os.MkdirAll(path, 0755); err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
	}
	return nil
}
