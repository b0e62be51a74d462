package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gridxfer/pkg/auth"
	"gridxfer/pkg/qos"
	"gridxfer/pkg/types"
	"gridxfer/pkg/utils"

	"gopkg.in/yaml.v3"
)

const (
	DefaultQoS                 = "disk:2"
	DefaultPollInterval        = 100 * time.Millisecond
	DefaultHeartbeatInterval   = 500 * time.Millisecond
	DefaultWorkerIdleTimeout   = 30 * time.Second
	DefaultTransportTimeout    = 5 * time.Minute
	DefaultTicketTTL           = time.Hour
	DefaultMaxMessageSize      = "64MiB"
	DefaultMirrorAttempts      = 3
	DefaultWorkers             = 8
	DefaultDownloadParallelism = 1
)

type Config struct {
	Catalogue CatalogueConfig `yaml:"catalogue"`
	Transfer  TransferConfig  `yaml:"transfer"`
	Element   ElementConfig   `yaml:"element"`
	Log       LogConfig       `yaml:"log"`
}

type CatalogueConfig struct {
	// tree or indexed
	Backend        string                 `yaml:"backend"`
	DataDir        string                 `yaml:"data_dir"`
	TicketSecret   string                 `yaml:"ticket_secret"`
	TicketTTL      string                 `yaml:"ticket_ttl"`
	Owner          string                 `yaml:"owner"`
	MirrorAttempts int                    `yaml:"mirror_attempts"`
	MirrorWorkers  int                    `yaml:"mirror_workers"`
	Elements       []types.StorageElement `yaml:"elements"`
}

type TransferConfig struct {
	DefaultQoS          string `yaml:"default_qos"`
	PollInterval        string `yaml:"poll_interval"`
	HeartbeatInterval   string `yaml:"heartbeat_interval"`
	Workers             int    `yaml:"workers"`
	WorkerIdleTimeout   string `yaml:"worker_idle_timeout"`
	DownloadParallelism int    `yaml:"download_parallelism"`

	// Per attempt, applied by the transport drivers
	Timeout string `yaml:"timeout"`

	// Client side of element connections
	TLS auth.TLSConfig `yaml:"tls"`
}

type ElementConfig struct {
	Name           string `yaml:"name"`
	Listen         string `yaml:"listen"`
	DataDir        string `yaml:"data_dir"`
	MaxMessageSize string `yaml:"max_message_size"`
	MetricsListen  string `yaml:"metrics_listen"`

	TLS auth.TLSConfig `yaml:"tls"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns a configuration with every optional field filled in.
func Default() *Config {
	return &Config{
		Catalogue: CatalogueConfig{
			Backend:        "tree",
			TicketTTL:      DefaultTicketTTL.String(),
			MirrorAttempts: DefaultMirrorAttempts,
			MirrorWorkers:  2,
		},
		Transfer: TransferConfig{
			DefaultQoS:          DefaultQoS,
			PollInterval:        DefaultPollInterval.String(),
			HeartbeatInterval:   DefaultHeartbeatInterval.String(),
			Workers:             DefaultWorkers,
			WorkerIdleTimeout:   DefaultWorkerIdleTimeout.String(),
			DownloadParallelism: DefaultDownloadParallelism,
			Timeout:             DefaultTransportTimeout.String(),
		},
		Element: ElementConfig{
			Listen:         ":7101",
			DataDir:        "./data",
			MaxMessageSize: DefaultMaxMessageSize,
		},
		Log: LogConfig{Level: "info"},
	}
}

// LoadConfig reads a YAML file over the defaults, then applies environment
// overrides.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyEnv()

	return cfg, nil
}

// LoadFromEnv builds a configuration from defaults and GRIDXFER_* variables.
func LoadFromEnv() *Config {
	cfg := Default()
	cfg.applyEnv()
	return cfg
}

func (c *Config) applyEnv() {
	c.Catalogue.Backend = getEnv("GRIDXFER_CATALOGUE_BACKEND", c.Catalogue.Backend)
	c.Catalogue.DataDir = getEnv("GRIDXFER_CATALOGUE_DATA_DIR", c.Catalogue.DataDir)
	c.Catalogue.TicketSecret = getEnv("GRIDXFER_TICKET_SECRET", c.Catalogue.TicketSecret)
	c.Catalogue.Owner = getEnv("GRIDXFER_OWNER", c.Catalogue.Owner)

	c.Transfer.DefaultQoS = getEnv("GRIDXFER_DEFAULT_QOS", c.Transfer.DefaultQoS)
	c.Transfer.Timeout = getEnv("GRIDXFER_TRANSFER_TIMEOUT", c.Transfer.Timeout)
	c.Transfer.Workers = getEnvInt("GRIDXFER_WORKERS", c.Transfer.Workers)
	c.Transfer.DownloadParallelism = getEnvInt("GRIDXFER_DOWNLOAD_PARALLELISM", c.Transfer.DownloadParallelism)

	c.Element.Name = getEnv("GRIDXFER_ELEMENT_NAME", c.Element.Name)
	c.Element.Listen = getEnv("GRIDXFER_ELEMENT_LISTEN", c.Element.Listen)
	c.Element.DataDir = getEnv("GRIDXFER_ELEMENT_DATA_DIR", c.Element.DataDir)
	c.Element.MetricsListen = getEnv("GRIDXFER_ELEMENT_METRICS_LISTEN", c.Element.MetricsListen)

	c.Log.Level = getEnv("GRIDXFER_LOG_LEVEL", c.Log.Level)
}

// Validate checks the catalogue and transfer sections. The element section is
// checked separately by ValidateElement since only the element command
// needs it.
func (c *Config) Validate() error {
	switch c.Catalogue.Backend {
	case "tree":
	case "indexed":
		if c.Catalogue.DataDir == "" {
			return fmt.Errorf("catalogue.data_dir is required for the indexed backend")
		}
	default:
		return fmt.Errorf("unknown catalogue.backend %q", c.Catalogue.Backend)
	}
	if len(c.Catalogue.TicketSecret) < 16 {
		return fmt.Errorf("catalogue.ticket_secret must be at least 16 bytes")
	}
	if c.Catalogue.MirrorAttempts <= 0 {
		return fmt.Errorf("catalogue.mirror_attempts must be positive")
	}

	seen := make(map[types.ElementName]bool)
	for _, se := range c.Catalogue.Elements {
		if se.Name == "" {
			return fmt.Errorf("storage element without a name")
		}
		if seen[se.Name] {
			return fmt.Errorf("duplicate storage element %s", se.Name)
		}
		seen[se.Name] = true
		if len(se.Protocols) == 0 {
			return fmt.Errorf("storage element %s has no protocols", se.Name)
		}
		for _, proto := range se.Protocols {
			if se.Endpoints[proto] == "" {
				return fmt.Errorf("storage element %s has no endpoint for protocol %s", se.Name, proto)
			}
		}
	}

	spec, err := qos.Parse(c.Transfer.DefaultQoS)
	if err != nil {
		return fmt.Errorf("invalid transfer.default_qos: %w", err)
	}
	if spec.IsEmpty() {
		return fmt.Errorf("transfer.default_qos must request at least one replica")
	}
	if err := c.Transfer.TLS.Validate(); err != nil {
		return fmt.Errorf("invalid transfer TLS: %w", err)
	}
	if c.Transfer.Workers <= 0 {
		return fmt.Errorf("transfer.workers must be positive")
	}
	if c.Transfer.DownloadParallelism <= 0 {
		return fmt.Errorf("transfer.download_parallelism must be positive")
	}

	durations := map[string]string{
		"catalogue.ticket_ttl":         c.Catalogue.TicketTTL,
		"transfer.poll_interval":       c.Transfer.PollInterval,
		"transfer.heartbeat_interval":  c.Transfer.HeartbeatInterval,
		"transfer.worker_idle_timeout": c.Transfer.WorkerIdleTimeout,
		"transfer.timeout":             c.Transfer.Timeout,
	}
	for field, value := range durations {
		if value == "" {
			continue
		}
		if d, err := time.ParseDuration(value); err != nil || d <= 0 {
			return fmt.Errorf("invalid %s %q", field, value)
		}
	}

	return nil
}

// ValidateElement checks what the storage element server needs.
func (c *Config) ValidateElement() error {
	if c.Element.Name == "" {
		return fmt.Errorf("element.name is required")
	}
	if c.Element.Listen == "" {
		return fmt.Errorf("element.listen is required")
	}
	if c.Element.DataDir == "" {
		return fmt.Errorf("element.data_dir is required")
	}
	if c.Element.MaxMessageSize != "" {
		if _, err := utils.ParseDataSize(c.Element.MaxMessageSize); err != nil {
			return fmt.Errorf("invalid element.max_message_size: %w", err)
		}
	}
	if len(c.Catalogue.TicketSecret) < 16 {
		return fmt.Errorf("catalogue.ticket_secret must be at least 16 bytes")
	}
	if err := c.Element.TLS.Validate(); err != nil {
		return fmt.Errorf("invalid element TLS: %w", err)
	}
	if c.Element.TLS.Enabled && c.Element.TLS.CertPath == "" {
		return fmt.Errorf("element.tls.cert_path is required when TLS is enabled")
	}
	return nil
}

// FindElement returns the catalogue entry for a storage element.
func (c *Config) FindElement(name string) (types.StorageElement, bool) {
	for _, se := range c.Catalogue.Elements {
		if string(se.Name) == name {
			return se, true
		}
	}
	return types.StorageElement{}, false
}

func (c CatalogueConfig) TicketTTLDuration() time.Duration {
	return parseDuration(c.TicketTTL, DefaultTicketTTL)
}

func (t TransferConfig) PollIntervalDuration() time.Duration {
	return parseDuration(t.PollInterval, DefaultPollInterval)
}

func (t TransferConfig) HeartbeatIntervalDuration() time.Duration {
	return parseDuration(t.HeartbeatInterval, DefaultHeartbeatInterval)
}

func (t TransferConfig) WorkerIdleTimeoutDuration() time.Duration {
	return parseDuration(t.WorkerIdleTimeout, DefaultWorkerIdleTimeout)
}

func (t TransferConfig) TimeoutDuration() time.Duration {
	return parseDuration(t.Timeout, DefaultTransportTimeout)
}

// MaxMessageBytes is the gRPC message limit of the element server and its
// clients.
func (e ElementConfig) MaxMessageBytes() int {
	size, err := utils.ParseDataSize(e.MaxMessageSize)
	if err != nil || size <= 0 {
		size, _ = utils.ParseDataSize(DefaultMaxMessageSize)
	}
	return int(size)
}

func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}
