package options

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

// Options is the read-mostly runtime configuration snapshot. Consumers call
// Current() at the start of an operation and use the returned pointer for the
// whole operation; SettingsUpdate swaps the snapshot atomically.
type Options struct {
	ListenAddr  string `yaml:"listen_addr"`
	TLSCertFile string `yaml:"tls_cert_file"`
	TLSKeyFile  string `yaml:"tls_key_file"`
	DataDir     string `yaml:"data_dir"`

	RegistrationEnabled bool   `yaml:"registration_enabled"`
	RegistrationToken   string `yaml:"registration_token"`

	PollIntervalSeconds    int `yaml:"poll_interval_seconds"`
	MinPollIntervalSeconds int `yaml:"min_poll_interval_seconds"`
	MaxPollIntervalSeconds int `yaml:"max_poll_interval_seconds"`

	ScanParallelism     int `yaml:"scan_parallelism"`
	ScanIntervalMinutes int `yaml:"scan_interval_minutes"`

	CommandTimeoutSeconds     int `yaml:"command_timeout_seconds"`
	QueryEventsTimeoutSeconds int `yaml:"query_events_timeout_seconds"`
	NoiseQueryTimeoutSeconds  int `yaml:"noise_query_timeout_seconds"`

	RemoteWorkDir     string `yaml:"remote_work_dir"`
	BinaryCacheDir    string `yaml:"binary_cache_dir"`
	BinaryDownloadURL string `yaml:"binary_download_url"`
	AuditFilePath     string `yaml:"audit_file_path"`

	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`
}

// Default returns the built-in defaults
func Default() *Options {
	return &Options{
		ListenAddr:                ":8443",
		DataDir:                   "/var/lib/scp",
		RegistrationEnabled:       true,
		PollIntervalSeconds:       30,
		MinPollIntervalSeconds:    10,
		MaxPollIntervalSeconds:    300,
		ScanParallelism:           5,
		ScanIntervalMinutes:       60,
		CommandTimeoutSeconds:     120,
		QueryEventsTimeoutSeconds: 60,
		NoiseQueryTimeoutSeconds:  120,
		RemoteWorkDir:             `C:\Windows\Temp\scp`,
		LogLevel:                  "info",
	}
}

// Load reads options from a YAML file, applying defaults for absent fields
func Load(path string) (*Options, error) {
	opts := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read options file: %w", err)
	}
	if err := yaml.Unmarshal(data, opts); err != nil {
		return nil, fmt.Errorf("failed to parse options file: %w", err)
	}

	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return opts, nil
}

// Validate checks cross-field constraints
func (o *Options) Validate() error {
	if o.MinPollIntervalSeconds <= 0 || o.MaxPollIntervalSeconds < o.MinPollIntervalSeconds {
		return fmt.Errorf("invalid poll interval bounds [%d, %d]", o.MinPollIntervalSeconds, o.MaxPollIntervalSeconds)
	}
	if o.ScanParallelism <= 0 {
		return fmt.Errorf("scan_parallelism must be positive")
	}
	if o.CommandTimeoutSeconds <= 0 {
		return fmt.Errorf("command_timeout_seconds must be positive")
	}
	return nil
}

// ClampPollInterval clamps an instructed poll interval to the configured bounds
func (o *Options) ClampPollInterval(seconds int) int {
	if seconds < o.MinPollIntervalSeconds {
		return o.MinPollIntervalSeconds
	}
	if seconds > o.MaxPollIntervalSeconds {
		return o.MaxPollIntervalSeconds
	}
	return seconds
}

// ScanInterval is the period between automatic inventory scans
func (o *Options) ScanInterval() time.Duration {
	return time.Duration(o.ScanIntervalMinutes) * time.Minute
}

// CommandTimeout returns the per-command deadline as a duration
func (o *Options) CommandTimeout() time.Duration {
	return time.Duration(o.CommandTimeoutSeconds) * time.Second
}

// QueryEventsTimeout is the deadline for event-viewer QueryEvents commands
func (o *Options) QueryEventsTimeout() time.Duration {
	return time.Duration(o.QueryEventsTimeoutSeconds) * time.Second
}

// NoiseQueryTimeout is the deadline for noise-analysis QueryEvents commands
func (o *Options) NoiseQueryTimeout() time.Duration {
	return time.Duration(o.NoiseQueryTimeoutSeconds) * time.Second
}

var current atomic.Pointer[Options]

func init() {
	current.Store(Default())
}

// Set swaps the current snapshot
func Set(o *Options) {
	current.Store(o)
}

// Current returns the current snapshot. The returned value must be treated
// as immutable.
func Current() *Options {
	return current.Load()
}
