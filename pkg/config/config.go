package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Blob backends
const (
	BlobBackendNone = "none"
	BlobBackendFile = "file"
	BlobBackendS3   = "s3"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Plugins       PluginsConfig       `yaml:"plugins"`
	Sandbox       SandboxConfig       `yaml:"sandbox"`
	Store         StoreConfig         `yaml:"store"`
	Audit         AuditConfig         `yaml:"audit"`
	Auth          AuthConfig          `yaml:"auth"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            string        `yaml:"port"`
	TLSCertFile     string        `yaml:"tlsCertFile"`
	TLSKeyFile      string        `yaml:"tlsKeyFile"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	IdleTimeout     time.Duration `yaml:"idleTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	MaxBodyBytes    int64         `yaml:"maxBodyBytes"`
}

// Addr returns host:port
func (s ServerConfig) Addr() string {
	return s.Host + ":" + s.Port
}

// TLSEnabled reports whether a certificate pair is configured
func (s ServerConfig) TLSEnabled() bool {
	return s.TLSCertFile != "" && s.TLSKeyFile != ""
}

// PluginsConfig controls plugin discovery and dispatch
type PluginsConfig struct {
	Dirs        []string `yaml:"dirs"`
	Watch       bool     `yaml:"watch"`
	MaxParallel int      `yaml:"maxParallel"`
}

// SandboxConfig sizes the worker pool running guest calls
type SandboxConfig struct {
	Workers     int           `yaml:"workers"`
	TaskTimeout time.Duration `yaml:"taskTimeout"`
}

// StoreConfig holds registry persistence and blob storage settings
type StoreConfig struct {
	RedisURL      string `yaml:"redisURL"`
	RedisPassword string `yaml:"redisPassword"`
	RedisDB       int    `yaml:"redisDB"`
	RedisPoolSize int    `yaml:"redisPoolSize"`
	StatusChannel string `yaml:"statusChannel"`

	BlobBackend string `yaml:"blobBackend"`
	BlobDir     string `yaml:"blobDir"`

	S3Endpoint     string `yaml:"s3Endpoint"`
	S3Region       string `yaml:"s3Region"`
	S3Bucket       string `yaml:"s3Bucket"`
	S3AccessKey    string `yaml:"s3AccessKey"`
	S3SecretKey    string `yaml:"s3SecretKey"`
	S3UsePathStyle bool   `yaml:"s3UsePathStyle"`
	S3CreateBucket bool   `yaml:"s3CreateBucket"`

	ResolverCacheSize int           `yaml:"resolverCacheSize"`
	ResolverCacheTTL  time.Duration `yaml:"resolverCacheTTL"`
}

// AuditConfig controls the decision audit log. An empty Driver and Dir disable it.
type AuditConfig struct {
	Driver    string        `yaml:"driver"`
	DSN       string        `yaml:"dsn"`
	Dir       string        `yaml:"dir"`
	Retention time.Duration `yaml:"retention"`
	Schedule  string        `yaml:"schedule"`
}

// Enabled reports whether any audit sink is configured
func (a AuditConfig) Enabled() bool {
	return a.Driver != "" || a.Dir != ""
}

// AuthConfig protects the plugin management routes. An empty issuer disables auth.
type AuthConfig struct {
	OIDCIssuer   string `yaml:"oidcIssuer"`
	OIDCAudience string `yaml:"oidcAudience"`
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel  string `yaml:"logLevel"`
	LogFormat string `yaml:"logFormat"`

	MetricsEnabled bool `yaml:"metricsEnabled"`

	OTelEnabled        bool    `yaml:"otelEnabled"`
	OTelEndpoint       string  `yaml:"otelEndpoint"`
	OTelServiceName    string  `yaml:"otelServiceName"`
	OTelServiceVersion string  `yaml:"otelServiceVersion"`
	OTelInsecure       bool    `yaml:"otelInsecure"`
	OTelSampleRatio    float64 `yaml:"otelSampleRatio"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            "8443",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxBodyBytes:    8 << 20,
		},
		Plugins: PluginsConfig{
			Watch: true,
		},
		Sandbox: SandboxConfig{
			Workers:     runtime.GOMAXPROCS(0),
			TaskTimeout: 30 * time.Second,
		},
		Store: StoreConfig{
			StatusChannel:    "node-status",
			BlobBackend:      BlobBackendNone,
			S3Region:         "us-east-1",
			ResolverCacheTTL: 10 * time.Minute,
		},
		Audit: AuditConfig{
			Retention: 30 * 24 * time.Hour,
			Schedule:  "@hourly",
		},
		Observability: ObservabilityConfig{
			LogLevel:           "info",
			LogFormat:          "text",
			MetricsEnabled:     true,
			OTelEndpoint:       "localhost:4317",
			OTelServiceName:    "stellar-webhook",
			OTelServiceVersion: "1.0.0",
			OTelInsecure:       true,
			OTelSampleRatio:    1.0,
		},
	}
}

// LoadConfig builds the configuration from defaults, the optional YAML file
// and the environment, then validates it
func LoadConfig() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("WEBHOOK_CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// loadFile overlays the YAML file at path onto c
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	s := &c.Server
	s.Host = getEnv("WEBHOOK_HOST", s.Host)
	s.Port = getEnv("WEBHOOK_PORT", s.Port)
	s.TLSCertFile = getEnv("WEBHOOK_TLS_CERT_FILE", s.TLSCertFile)
	s.TLSKeyFile = getEnv("WEBHOOK_TLS_KEY_FILE", s.TLSKeyFile)
	s.ReadTimeout = getEnvDuration("WEBHOOK_READ_TIMEOUT", s.ReadTimeout)
	s.WriteTimeout = getEnvDuration("WEBHOOK_WRITE_TIMEOUT", s.WriteTimeout)
	s.IdleTimeout = getEnvDuration("WEBHOOK_IDLE_TIMEOUT", s.IdleTimeout)
	s.ShutdownTimeout = getEnvDuration("WEBHOOK_SHUTDOWN_TIMEOUT", s.ShutdownTimeout)
	s.MaxBodyBytes = getEnvInt64("WEBHOOK_MAX_BODY_BYTES", s.MaxBodyBytes)

	p := &c.Plugins
	p.Dirs = getEnvList("WEBHOOK_PLUGIN_DIRS", p.Dirs)
	p.Watch = getEnvBool("WEBHOOK_PLUGIN_WATCH", p.Watch)
	p.MaxParallel = getEnvInt("WEBHOOK_MAX_PARALLEL_PLUGINS", p.MaxParallel)

	sb := &c.Sandbox
	sb.Workers = getEnvInt("WEBHOOK_SANDBOX_WORKERS", sb.Workers)
	sb.TaskTimeout = getEnvDuration("WEBHOOK_SANDBOX_TASK_TIMEOUT", sb.TaskTimeout)

	st := &c.Store
	st.RedisURL = getEnv("WEBHOOK_REDIS_URL", st.RedisURL)
	st.RedisPassword = getEnv("WEBHOOK_REDIS_PASSWORD", st.RedisPassword)
	st.RedisDB = getEnvInt("WEBHOOK_REDIS_DB", st.RedisDB)
	st.RedisPoolSize = getEnvInt("WEBHOOK_REDIS_POOL_SIZE", st.RedisPoolSize)
	st.StatusChannel = getEnv("WEBHOOK_STATUS_CHANNEL", st.StatusChannel)
	st.BlobBackend = strings.ToLower(getEnv("WEBHOOK_BLOB_BACKEND", st.BlobBackend))
	st.BlobDir = getEnv("WEBHOOK_BLOB_DIR", st.BlobDir)
	st.S3Endpoint = getEnv("WEBHOOK_S3_ENDPOINT", st.S3Endpoint)
	st.S3Region = getEnv("WEBHOOK_S3_REGION", st.S3Region)
	st.S3Bucket = getEnv("WEBHOOK_S3_BUCKET", st.S3Bucket)
	st.S3AccessKey = getEnv("WEBHOOK_S3_ACCESS_KEY", st.S3AccessKey)
	st.S3SecretKey = getEnv("WEBHOOK_S3_SECRET_KEY", st.S3SecretKey)
	st.S3UsePathStyle = getEnvBool("WEBHOOK_S3_USE_PATH_STYLE", st.S3UsePathStyle)
	st.S3CreateBucket = getEnvBool("WEBHOOK_S3_CREATE_BUCKET", st.S3CreateBucket)
	st.ResolverCacheSize = getEnvInt("WEBHOOK_BLOB_CACHE_SIZE", st.ResolverCacheSize)
	st.ResolverCacheTTL = getEnvDuration("WEBHOOK_BLOB_CACHE_TTL", st.ResolverCacheTTL)

	a := &c.Audit
	a.Driver = getEnv("WEBHOOK_AUDIT_DRIVER", a.Driver)
	a.DSN = getEnv("WEBHOOK_AUDIT_DSN", a.DSN)
	a.Dir = getEnv("WEBHOOK_AUDIT_DIR", a.Dir)
	a.Retention = getEnvDuration("WEBHOOK_AUDIT_RETENTION", a.Retention)
	a.Schedule = getEnv("WEBHOOK_AUDIT_SCHEDULE", a.Schedule)

	c.Auth.OIDCIssuer = getEnv("WEBHOOK_OIDC_ISSUER", c.Auth.OIDCIssuer)
	c.Auth.OIDCAudience = getEnv("WEBHOOK_OIDC_AUDIENCE", c.Auth.OIDCAudience)

	o := &c.Observability
	o.LogLevel = getEnv("WEBHOOK_LOG_LEVEL", o.LogLevel)
	o.LogFormat = getEnv("WEBHOOK_LOG_FORMAT", o.LogFormat)
	o.MetricsEnabled = getEnvBool("WEBHOOK_METRICS_ENABLED", o.MetricsEnabled)
	o.OTelEnabled = getEnvBool("WEBHOOK_OTEL_ENABLED", o.OTelEnabled)
	o.OTelEndpoint = getEnv("WEBHOOK_OTEL_ENDPOINT", o.OTelEndpoint)
	o.OTelServiceName = getEnv("WEBHOOK_OTEL_SERVICE_NAME", o.OTelServiceName)
	o.OTelServiceVersion = getEnv("WEBHOOK_OTEL_SERVICE_VERSION", o.OTelServiceVersion)
	o.OTelInsecure = getEnvBool("WEBHOOK_OTEL_INSECURE", o.OTelInsecure)
	o.OTelSampleRatio = getEnvFloat("WEBHOOK_OTEL_SAMPLE_RATIO", o.OTelSampleRatio)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port == "" {
		errs = append(errs, errors.New("server port is required"))
	}
	if (c.Server.TLSCertFile == "") != (c.Server.TLSKeyFile == "") {
		errs = append(errs, errors.New("TLS cert and key files must be set together"))
	}
	if c.Server.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("max body bytes must be positive"))
	}
	if c.Sandbox.Workers <= 0 {
		errs = append(errs, errors.New("sandbox workers must be positive"))
	}
	if c.Plugins.MaxParallel < 0 {
		errs = append(errs, errors.New("max parallel plugins must not be negative"))
	}

	switch c.Store.BlobBackend {
	case BlobBackendNone:
	case BlobBackendFile:
		if c.Store.BlobDir == "" {
			errs = append(errs, errors.New("blob directory is required for the file blob backend"))
		}
	case BlobBackendS3:
		if c.Store.S3Bucket == "" {
			errs = append(errs, errors.New("S3 bucket is required for the s3 blob backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid blob backend: %s (must be none, file, or s3)", c.Store.BlobBackend))
	}
	if c.Store.BlobBackend != BlobBackendNone && c.Store.RedisURL == "" {
		errs = append(errs, errors.New("a blob backend requires the redis registry store"))
	}

	if c.Audit.Driver != "" {
		switch c.Audit.Driver {
		case "postgres", "sqlite3":
		default:
			errs = append(errs, fmt.Errorf("invalid audit driver: %s (must be postgres or sqlite3)", c.Audit.Driver))
		}
		if c.Audit.DSN == "" {
			errs = append(errs, errors.New("audit DSN is required when an audit driver is set"))
		}
		if c.Audit.Retention <= 0 {
			errs = append(errs, errors.New("audit retention must be positive"))
		}
	}

	if c.Auth.OIDCIssuer != "" && c.Auth.OIDCAudience == "" {
		errs = append(errs, errors.New("OIDC audience is required when an issuer is set"))
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			errs = append(errs, errors.New("OpenTelemetry endpoint is required when OTel is enabled"))
		}
		if c.Observability.OTelServiceName == "" {
			errs = append(errs, errors.New("OpenTelemetry service name is required when OTel is enabled"))
		}
		if r := c.Observability.OTelSampleRatio; r < 0 || r > 1 {
			errs = append(errs, fmt.Errorf("OpenTelemetry sample ratio must be within [0, 1], got %v", r))
		}
	}

	return errors.Join(errs...)
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvInt64 returns an int64 environment variable or a default
func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvFloat returns a float environment variable or a default
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getEnvList returns a comma-separated environment variable or a default
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
