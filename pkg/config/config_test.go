package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"gridxfer/pkg/auth"
	"gridxfer/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
catalogue:
  backend: indexed
  data_dir: /var/lib/gridxfer
  ticket_secret: 0123456789abcdef0123
  ticket_ttl: 10m
  elements:
    - name: SE-A
      qos: [disk]
      write_cost: 1
      read_cost: 1
      protocols: [grpc, file]
      endpoints:
        grpc: se-a.example.org:7101
        file: /mnt/se-a
    - name: SE-T
      qos: [tape]
      protocols: [grpc]
      endpoints:
        grpc: se-t.example.org:7101
transfer:
  default_qos: disk:1,tape:1
  poll_interval: 50ms
  workers: 4
element:
  name: SE-A
  max_message_size: 16MiB
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gridxfer.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, sampleConfig))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "indexed", cfg.Catalogue.Backend)
	assert.Equal(t, 10*time.Minute, cfg.Catalogue.TicketTTLDuration())
	require.Len(t, cfg.Catalogue.Elements, 2)
	assert.Equal(t, []string{"grpc", "file"}, cfg.Catalogue.Elements[0].Protocols)
	assert.Equal(t, "/mnt/se-a", cfg.Catalogue.Elements[0].Endpoints["file"])
	assert.Equal(t, []string{"tape"}, cfg.Catalogue.Elements[1].QoS)

	assert.Equal(t, 50*time.Millisecond, cfg.Transfer.PollIntervalDuration())
	assert.Equal(t, 4, cfg.Transfer.Workers)

	// Unset fields keep their defaults
	assert.Equal(t, DefaultHeartbeatInterval, cfg.Transfer.HeartbeatIntervalDuration())
	assert.Equal(t, DefaultDownloadParallelism, cfg.Transfer.DownloadParallelism)
	assert.Equal(t, DefaultMirrorAttempts, cfg.Catalogue.MirrorAttempts)

	assert.Equal(t, 16<<20, cfg.Element.MaxMessageBytes())

	se, ok := cfg.FindElement("SE-T")
	assert.True(t, ok)
	assert.Equal(t, "se-t.example.org:7101", se.Endpoints["grpc"])
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = LoadConfig(writeConfig(t, "catalogue: [unclosed"))
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("GRIDXFER_TICKET_SECRET", "from-the-environment")
	t.Setenv("GRIDXFER_DEFAULT_QOS", "tape:1")
	t.Setenv("GRIDXFER_WORKERS", "3")
	t.Setenv("GRIDXFER_ELEMENT_NAME", "SE-B")

	cfg := LoadFromEnv()
	assert.Equal(t, "from-the-environment", cfg.Catalogue.TicketSecret)
	assert.Equal(t, "tape:1", cfg.Transfer.DefaultQoS)
	assert.Equal(t, 3, cfg.Transfer.Workers)
	assert.Equal(t, "SE-B", cfg.Element.Name)
	assert.Equal(t, "tree", cfg.Catalogue.Backend)

	// Environment wins over the file
	cfg, err := LoadConfig(writeConfig(t, sampleConfig))
	require.NoError(t, err)
	assert.Equal(t, "tape:1", cfg.Transfer.DefaultQoS)
	assert.Equal(t, "SE-B", cfg.Element.Name)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.Catalogue.TicketSecret = "0123456789abcdef"
		return cfg
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown backend", func(c *Config) { c.Catalogue.Backend = "sql" }},
		{"indexed without data dir", func(c *Config) { c.Catalogue.Backend = "indexed" }},
		{"short secret", func(c *Config) { c.Catalogue.TicketSecret = "short" }},
		{"bad default qos", func(c *Config) { c.Transfer.DefaultQoS = "disk:0" }},
		{"empty default qos", func(c *Config) { c.Transfer.DefaultQoS = "!SE-A" }},
		{"zero workers", func(c *Config) { c.Transfer.Workers = 0 }},
		{"zero parallelism", func(c *Config) { c.Transfer.DownloadParallelism = 0 }},
		{"bad duration", func(c *Config) { c.Transfer.PollInterval = "soon" }},
		{"negative duration", func(c *Config) { c.Transfer.Timeout = "-1s" }},
		{"tls without ca", func(c *Config) { c.Transfer.TLS = auth.TLSConfig{Enabled: true} }},
		{"element without endpoint", func(c *Config) {
			c.Catalogue.Elements = append(c.Catalogue.Elements, elementWith("SE-A", "grpc", ""))
		}},
		{"duplicate element", func(c *Config) {
			c.Catalogue.Elements = append(c.Catalogue.Elements,
				elementWith("SE-A", "file", "/a"), elementWith("SE-A", "file", "/b"))
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidateElement(t *testing.T) {
	cfg := Default()
	cfg.Catalogue.TicketSecret = "0123456789abcdef"
	assert.Error(t, cfg.ValidateElement(), "name is required")

	cfg.Element.Name = "SE-A"
	assert.NoError(t, cfg.ValidateElement())

	cfg.Element.TLS = auth.TLSConfig{Enabled: true, CAPath: "ca.crt"}
	assert.Error(t, cfg.ValidateElement(), "server certificate is required")
	cfg.Element.TLS.CertPath, cfg.Element.TLS.KeyPath = "se.crt", "se.key"
	assert.NoError(t, cfg.ValidateElement())

	cfg.Element.MaxMessageSize = "lots"
	assert.Error(t, cfg.ValidateElement())
	assert.Equal(t, 64<<20, cfg.Element.MaxMessageBytes())
}

func elementWith(name, proto, endpoint string) types.StorageElement {
	return types.StorageElement{
		Name:      types.ElementName(name),
		QoS:       []string{"disk"},
		Protocols: []string{proto},
		Endpoints: map[string]string{proto: endpoint},
	}
}
