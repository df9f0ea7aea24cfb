package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "cloudauditor.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestNewManager(t *testing.T) {
	t.Run("with_existing_file", func(t *testing.T) {
		path := writeConfig(t, t.TempDir(), `
discovery:
  use_resource_explorer: false
  use_cloud_control: true
  include_types: ["AWS::S3::Bucket"]
  regions: [us-east-1, eu-west-1]
  max_workers: 4
  retry_delay: 5s
aws:
  region: eu-west-1
  profile: audit
database:
  driver: sqlite
  path: /tmp/test.db
logging:
  level: debug
  format: console
server:
  interval: 30m
`)

		manager, err := NewManager(path)
		require.NoError(t, err)
		defer manager.Stop()

		cfg := manager.Get()
		assert.False(t, cfg.Discovery.UseResourceExplorer)
		assert.True(t, cfg.Discovery.UseConfig, "omitted keys keep defaults")
		assert.True(t, cfg.Discovery.UseCloudControl)
		assert.Equal(t, []string{"AWS::S3::Bucket"}, cfg.Discovery.IncludeTypes)
		assert.Equal(t, []string{"us-east-1", "eu-west-1"}, cfg.Discovery.Regions)
		assert.Equal(t, 4, cfg.Discovery.MaxWorkers)
		assert.Equal(t, 100, cfg.Discovery.BatchSize)
		assert.Equal(t, 5*time.Second, cfg.Discovery.RetryDelay)
		assert.Equal(t, "eu-west-1", cfg.AWS.Region)
		assert.Equal(t, "audit", cfg.AWS.Profile)
		assert.Equal(t, "sqlite", cfg.Database.Driver)
		assert.Equal(t, "/tmp/test.db", cfg.Database.Path)
		assert.Equal(t, "console", cfg.Logging.Format)
		assert.Equal(t, 30*time.Minute, cfg.Server.Interval)
		assert.Equal(t, "CloudAuditorExecutionRole", cfg.Audit.RoleName)
	})

	t.Run("without_file_uses_defaults", func(t *testing.T) {
		manager, err := NewManager(filepath.Join(t.TempDir(), "missing.yaml"))
		require.NoError(t, err)
		defer manager.Stop()

		cfg := manager.Get()
		assert.True(t, cfg.Discovery.UseResourceExplorer)
		assert.True(t, cfg.Discovery.UseConfig)
		assert.False(t, cfg.Discovery.UseCloudControl)
		assert.Nil(t, cfg.Discovery.Regions)
		assert.Equal(t, 10, cfg.Discovery.MaxWorkers)
		assert.Equal(t, "us-east-1", cfg.AWS.Region)
	})

	t.Run("invalid_yaml", func(t *testing.T) {
		path := writeConfig(t, t.TempDir(), "discovery: [unterminated")
		_, err := NewManager(path)
		assert.Error(t, err)
	})
}

func TestManager_validate(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr bool
	}{
		{"bad region", "discovery:\n  regions: [not-a-region]\n", true},
		{"too many workers", "discovery:\n  max_workers: 500\n", true},
		{"batch over cap", "discovery:\n  batch_size: 101\n", true},
		{"bad driver", "database:\n  driver: postgres\n", true},
		{"bad log level", "logging:\n  level: loud\n", true},
		{"bad account", "discovery:\n  accounts: [\"12ab\"]\n", true},
		{"secret without key", "aws:\n  secret_access_key: abc\n", false},
		{"key without secret", "aws:\n  access_key_id: AKIA\n", true},
		{"short interval", "server:\n  interval: 10s\n", true},
		{"valid", "discovery:\n  accounts: [\"123456789012\"]\n  regions: [ap-southeast-2]\n", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewManager(writeConfig(t, t.TempDir(), tt.content))
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestManager_applyEnvironmentOverrides(t *testing.T) {
	t.Setenv("CLOUDAUDITOR_REGIONS", "us-west-2, eu-central-1")
	t.Setenv("CLOUDAUDITOR_MAX_WORKERS", "3")
	t.Setenv("CLOUDAUDITOR_USE_CLOUD_CONTROL", "true")
	t.Setenv("CLOUDAUDITOR_LOG_LEVEL", "debug")
	t.Setenv("CLOUDAUDITOR_DB_PATH", "/tmp/env.db")
	t.Setenv("CLOUDAUDITOR_SERVER_INTERVAL", "2h")

	cfg := Default()
	applyEnvironmentOverrides(cfg)

	assert.Equal(t, []string{"us-west-2", "eu-central-1"}, cfg.Discovery.Regions)
	assert.Equal(t, 3, cfg.Discovery.MaxWorkers)
	assert.True(t, cfg.Discovery.UseCloudControl)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "/tmp/env.db", cfg.Database.Path)
	assert.Equal(t, 2*time.Hour, cfg.Server.Interval)
}

func TestToDiscoveryConfig(t *testing.T) {
	cfg := Default()
	cfg.Discovery.Regions = []string{"us-east-1"}
	cfg.Discovery.ExcludeTypes = []string{"AWS::IAM::Role"}

	dc := cfg.ToDiscoveryConfig()
	assert.True(t, dc.UseResourceExplorer)
	assert.Equal(t, 100, dc.BatchSize)
	assert.Nil(t, dc.IncludeTypes)
	assert.False(t, dc.ShouldIncludeType("AWS::IAM::Role"))

	cfg.Discovery.Regions[0] = "eu-west-1"
	assert.Equal(t, []string{"us-east-1"}, dc.Regions)

	lc := cfg.ToLogConfig()
	assert.Equal(t, "info", lc.Level)
	assert.Equal(t, "stderr", lc.Output)
}

func TestManager_SaveAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "cloudauditor.yaml")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))

	manager, err := NewManager(path)
	require.NoError(t, err)
	defer manager.Stop()

	manager.Get().Discovery.MaxWorkers = 7
	require.NoError(t, manager.Save())
	require.NoError(t, manager.Load())
	assert.Equal(t, 7, manager.Get().Discovery.MaxWorkers)
}

func TestManager_OnChange(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "discovery:\n  max_workers: 2\n")

	manager, err := NewManager(path)
	require.NoError(t, err)
	defer manager.Stop()

	changed := make(chan *Config, 1)
	manager.OnChange(func(cfg *Config) {
		select {
		case changed <- cfg:
		default:
		}
	})

	require.NoError(t, os.WriteFile(path, []byte("discovery:\n  max_workers: 6\n"), 0644))

	select {
	case cfg := <-changed:
		assert.Equal(t, 6, cfg.Discovery.MaxWorkers)
	case <-time.After(5 * time.Second):
		t.Skip("filesystem notifications unavailable")
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(home, ".cloudauditor.yaml"), expandPath(DefaultPath))
	assert.Equal(t, "/etc/cloudauditor.yaml", expandPath("/etc//cloudauditor.yaml"))
}

func TestManager_StopIsIdempotent(t *testing.T) {
	manager, err := NewManager(filepath.Join(t.TempDir(), "c.yaml"))
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		manager.Stop()
		manager.Stop()
	})
}
