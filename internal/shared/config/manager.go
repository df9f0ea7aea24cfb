package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/catherinevee/cloudauditor/internal/logger"
	"github.com/catherinevee/cloudauditor/internal/regions"
	"github.com/catherinevee/cloudauditor/pkg/models"
)

// DefaultPath is used when no --config flag is given
const DefaultPath = "~/.cloudauditor.yaml"

// EnvPrefix prefixes every environment override
const EnvPrefix = "CLOUDAUDITOR_"

// Config represents the complete cloudauditor configuration
type Config struct {
	Discovery DiscoverySettings `yaml:"discovery"`
	AWS       AWSSettings       `yaml:"aws"`
	Database  DatabaseSettings  `yaml:"database"`
	Logging   LoggingSettings   `yaml:"logging"`
	Server    ServerSettings    `yaml:"server"`
	Audit     AuditSettings     `yaml:"audit"`
}

// DiscoverySettings mirrors models.DiscoveryConfig in file form
type DiscoverySettings struct {
	UseResourceExplorer bool              `yaml:"use_resource_explorer"`
	UseConfig           bool              `yaml:"use_config"`
	UseCloudControl     bool              `yaml:"use_cloud_control"`
	IncludeTypes        []string          `yaml:"include_types,omitempty"`
	ExcludeTypes        []string          `yaml:"exclude_types,omitempty"`
	Tags                map[string]string `yaml:"tags,omitempty"`
	Regions             []string          `yaml:"regions,omitempty" validate:"omitempty,dive,awsregion"`
	Accounts            []string          `yaml:"accounts,omitempty" validate:"omitempty,dive,len=12,numeric"`
	BatchSize           int               `yaml:"batch_size" validate:"min=1,max=100"`
	MaxWorkers          int               `yaml:"max_workers" validate:"min=1,max=100"`
	MaxRetries          int               `yaml:"max_retries" validate:"min=0"`
	RetryDelay          time.Duration     `yaml:"retry_delay" validate:"min=0"`
}

// AWSSettings selects how the base session is built
type AWSSettings struct {
	Profile         string `yaml:"profile,omitempty"`
	Region          string `yaml:"region" validate:"required,awsregion"`
	RoleARN         string `yaml:"role_arn,omitempty" validate:"omitempty,startswith=arn:"`
	ExternalID      string `yaml:"external_id,omitempty"`
	AccessKeyID     string `yaml:"access_key_id,omitempty"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty" validate:"required_with=AccessKeyID"`
	SessionToken    string `yaml:"session_token,omitempty"`
	// RequestsPerSecond paces Config API calls
	RequestsPerSecond float64 `yaml:"requests_per_second" validate:"gt=0"`
}

// DatabaseSettings configures the persistence sink
type DatabaseSettings struct {
	Enabled bool   `yaml:"enabled"`
	Driver  string `yaml:"driver" validate:"oneof=sqlite3 sqlite"`
	Path    string `yaml:"path" validate:"required"`
}

// LoggingSettings represents logging settings
type LoggingSettings struct {
	Level  string `yaml:"level" validate:"oneof=trace debug info warn warning error fatal"`
	Format string `yaml:"format" validate:"oneof=json console"`
	Output string `yaml:"output"`
}

// ServerSettings configures the scheduled discovery service
type ServerSettings struct {
	Address  string        `yaml:"address" validate:"required"`
	Interval time.Duration `yaml:"interval" validate:"min=1m"`
}

// AuditSettings configures the role-assumption auditing pipeline
type AuditSettings struct {
	RoleName    string `yaml:"role_name" validate:"required"`
	ExternalID  string `yaml:"external_id,omitempty"`
	SessionName string `yaml:"session_name" validate:"required"`
}

// ToDiscoveryConfig produces the immutable run configuration
func (c *Config) ToDiscoveryConfig() models.DiscoveryConfig {
	d := c.Discovery
	return models.DiscoveryConfig{
		UseResourceExplorer: d.UseResourceExplorer,
		UseConfig:           d.UseConfig,
		UseCloudControl:     d.UseCloudControl,
		IncludeTypes:        d.IncludeTypes,
		ExcludeTypes:        d.ExcludeTypes,
		Tags:                d.Tags,
		Regions:             d.Regions,
		Accounts:            d.Accounts,
		BatchSize:           d.BatchSize,
		MaxWorkers:          d.MaxWorkers,
		MaxRetries:          d.MaxRetries,
		RetryDelay:          d.RetryDelay,
	}.Clone()
}

// ToLogConfig converts logging settings for logger.Initialize
func (c *Config) ToLogConfig() logger.LogConfig {
	lc := logger.DefaultLogConfig()
	lc.Level = c.Logging.Level
	lc.Format = c.Logging.Format
	if c.Logging.Output != "" {
		lc.Output = expandPath(c.Logging.Output)
	}
	return lc
}

// Default returns the built-in configuration
func Default() *Config {
	d := models.DefaultDiscoveryConfig()
	return &Config{
		Discovery: DiscoverySettings{
			UseResourceExplorer: d.UseResourceExplorer,
			UseConfig:           d.UseConfig,
			UseCloudControl:     d.UseCloudControl,
			BatchSize:           d.BatchSize,
			MaxWorkers:          d.MaxWorkers,
			MaxRetries:          d.MaxRetries,
			RetryDelay:          d.RetryDelay,
		},
		AWS: AWSSettings{
			Region:            "us-east-1",
			RequestsPerSecond: 5,
		},
		Database: DatabaseSettings{
			Enabled: true,
			Driver:  "sqlite3",
			Path:    "~/.cloudauditor/cloudauditor.db",
		},
		Logging: LoggingSettings{
			Level:  "info",
			Format: "json",
		},
		Server: ServerSettings{
			Address:  ":9090",
			Interval: time.Hour,
		},
		Audit: AuditSettings{
			RoleName:    "CloudAuditorExecutionRole",
			SessionName: "cloudauditor",
		},
	}
}

// Manager manages configuration with hot reload capability
type Manager struct {
	config     *Config
	configPath string
	mu         sync.RWMutex
	watcher    *fsnotify.Watcher
	callbacks  []func(*Config)
	stopCh     chan struct{}
	stopOnce   sync.Once
	validate   *validator.Validate
	log        logger.Logger
}

// NewManager loads configPath (a missing file means defaults) and starts
// watching it for changes.
func NewManager(configPath string) (*Manager, error) {
	m := &Manager{
		configPath: expandPath(configPath),
		stopCh:     make(chan struct{}),
		validate:   newValidator(),
		log:        logger.New("config"),
	}

	if err := m.Load(); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		m.log.Warn("config hot reload disabled", logger.Error(err))
		return m, nil
	}

	// Watch the directory: editors replace files rather than writing in place.
	if err := watcher.Add(filepath.Dir(m.configPath)); err != nil {
		watcher.Close()
		m.log.Debug("config hot reload disabled", logger.Error(err))
		return m, nil
	}

	m.watcher = watcher
	go m.watchChanges()

	return m, nil
}

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("awsregion", func(fl validator.FieldLevel) bool {
		return regions.IsValidRegionName(fl.Field().String())
	})
	return v
}

// Load loads or reloads the configuration from file
func (m *Manager) Load() error {
	cfg := Default()

	data, err := os.ReadFile(m.configPath)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return fmt.Errorf("failed to read config file: %w", err)
	default:
		// Unmarshal over the defaults so omitted keys keep them.
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to parse config: %w", err)
		}
	}

	applyDefaults(cfg)
	applyEnvironmentOverrides(cfg)

	if err := m.validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
	return nil
}

// Get returns the current configuration
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// Path returns the expanded configuration path
func (m *Manager) Path() string {
	return m.configPath
}

// Save writes the current configuration to file
func (m *Manager) Save() error {
	m.mu.RLock()
	data, err := yaml.Marshal(m.config)
	m.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(m.configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(m.configPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// OnChange registers a callback invoked after every successful reload
func (m *Manager) OnChange(callback func(*Config)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, callback)
}

func (m *Manager) watchChanges() {
	defer m.watcher.Close()

	for {
		select {
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != m.configPath {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			m.log.Info("configuration file changed, reloading", logger.String("path", m.configPath))
			if err := m.Load(); err != nil {
				m.log.Error("failed to reload configuration", logger.Error(err))
				continue
			}

			m.mu.RLock()
			cfg := m.config
			callbacks := append([]func(*Config){}, m.callbacks...)
			m.mu.RUnlock()

			for _, cb := range callbacks {
				cb(cfg)
			}

		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.log.Warn("configuration watcher error", logger.Error(err))

		case <-m.stopCh:
			return
		}
	}
}

// Stop stops watching the configuration file
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

func applyDefaults(cfg *Config) {
	defaults := Default()

	if cfg.Discovery.BatchSize == 0 {
		cfg.Discovery.BatchSize = defaults.Discovery.BatchSize
	}
	if cfg.Discovery.MaxWorkers == 0 {
		cfg.Discovery.MaxWorkers = defaults.Discovery.MaxWorkers
	}
	if cfg.AWS.Region == "" {
		cfg.AWS.Region = defaults.AWS.Region
	}
	if cfg.AWS.RequestsPerSecond == 0 {
		cfg.AWS.RequestsPerSecond = defaults.AWS.RequestsPerSecond
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = defaults.Database.Driver
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = defaults.Database.Path
	}
	cfg.Database.Path = expandPath(cfg.Database.Path)
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = defaults.Logging.Level
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = defaults.Logging.Format
	}
	if cfg.Server.Address == "" {
		cfg.Server.Address = defaults.Server.Address
	}
	if cfg.Server.Interval == 0 {
		cfg.Server.Interval = defaults.Server.Interval
	}
	if cfg.Audit.RoleName == "" {
		cfg.Audit.RoleName = defaults.Audit.RoleName
	}
	if cfg.Audit.SessionName == "" {
		cfg.Audit.SessionName = defaults.Audit.SessionName
	}
}

func applyEnvironmentOverrides(cfg *Config) {
	if v := env("REGIONS"); v != "" {
		cfg.Discovery.Regions = splitList(v)
	}
	if v := env("INCLUDE_TYPES"); v != "" {
		cfg.Discovery.IncludeTypes = splitList(v)
	}
	if v := env("EXCLUDE_TYPES"); v != "" {
		cfg.Discovery.ExcludeTypes = splitList(v)
	}
	if v, err := strconv.Atoi(env("MAX_WORKERS")); err == nil {
		cfg.Discovery.MaxWorkers = v
	}
	if v, err := strconv.ParseBool(env("USE_RESOURCE_EXPLORER")); err == nil {
		cfg.Discovery.UseResourceExplorer = v
	}
	if v, err := strconv.ParseBool(env("USE_CONFIG")); err == nil {
		cfg.Discovery.UseConfig = v
	}
	if v, err := strconv.ParseBool(env("USE_CLOUD_CONTROL")); err == nil {
		cfg.Discovery.UseCloudControl = v
	}
	if v := env("AWS_PROFILE"); v != "" {
		cfg.AWS.Profile = v
	}
	if v := env("AWS_REGION"); v != "" {
		cfg.AWS.Region = v
	}
	if v := env("ROLE_ARN"); v != "" {
		cfg.AWS.RoleARN = v
	}
	if v := env("DB_PATH"); v != "" {
		cfg.Database.Path = expandPath(v)
	}
	if v := env("DB_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := env("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := env("LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := env("SERVER_ADDRESS"); v != "" {
		cfg.Server.Address = v
	}
	if v, err := time.ParseDuration(env("SERVER_INTERVAL")); err == nil {
		cfg.Server.Interval = v
	}
}

func env(key string) string {
	return strings.TrimSpace(os.Getenv(EnvPrefix + key))
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, path[2:])
		}
	}
	return filepath.Clean(path)
}
