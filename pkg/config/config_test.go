package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sorteia/sorteia/pkg/ordering"
	"github.com/sorteia/sorteia/pkg/stores"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, stores.DriverSQLite, cfg.Store.Driver)
	assert.Equal(t, ordering.CompactionAsync, cfg.Compaction.Mode)
	assert.Equal(t, EnvOwner, cfg.OwnerEnv)
}

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(`
store:
  driver: bolt
  path: /var/lib/sorteia/orders.db
compaction:
  mode: sync
  workers: 2
  retry_backoff: 250ms
telemetry:
  logging:
    level: debug
`))
	require.NoError(t, err)

	assert.Equal(t, stores.DriverBolt, cfg.Store.Driver)
	assert.Equal(t, "/var/lib/sorteia/orders.db", cfg.Store.Path)
	assert.Equal(t, ordering.CompactionSync, cfg.Compaction.Mode)
	assert.Equal(t, 2, cfg.Compaction.Workers)
	assert.Equal(t, 250*time.Millisecond, cfg.Compaction.RetryBackoff)
	assert.Equal(t, 3, cfg.Compaction.MaxRetries, "unset keys keep defaults")
	assert.Equal(t, "debug", cfg.Telemetry.Logging.Level)
}

func TestParseRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{name: "unknown key", yaml: "stor:\n  path: x\n"},
		{name: "bad driver", yaml: "store:\n  driver: mongo\n"},
		{name: "bad mode", yaml: "compaction:\n  mode: later\n"},
		{name: "no workers", yaml: "compaction:\n  workers: 0\n"},
		{name: "empty path", yaml: "store:\n  path: \"\"\n"},
		{name: "bad log level", yaml: "telemetry:\n  logging:\n    level: loud\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoadWithEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sorteia.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store:\n  path: from-file.db\n"), 0o600))

	t.Setenv(EnvDatabase, "from-env.db")
	t.Setenv(EnvLogLevel, "WARN")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env.db", cfg.Store.Path)
	assert.Equal(t, "warn", cfg.Telemetry.Logging.Level)
}

func TestLoadEmptyPathAndEmptyFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "./sorteia.db", cfg.Store.Path)

	path := filepath.Join(t.TempDir(), "empty.yaml")
	require.NoError(t, os.WriteFile(path, nil, 0o600))
	_, err = Load(path)
	require.NoError(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestMarshalRoundTrip(t *testing.T) {
	data, err := Default().Marshal()
	require.NoError(t, err)

	cfg, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, Default().Compaction, cfg.Compaction)
}
