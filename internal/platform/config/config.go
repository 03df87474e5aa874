package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	pkgstrings "caepi/pkg/platform/strings"
)

// Config is built once at startup and injected into every component.
type Config struct {
	Server  Server        `yaml:"server"`
	FTP     FTPConfig     `yaml:"ftp"`
	Cache   CacheConfig   `yaml:"cache"`
	Redis   RedisConfig   `yaml:"redis"`
	Logging LoggingConfig `yaml:"logging"`
	Refresh RefreshConfig `yaml:"refresh"`
}

// Server captures HTTP server level configuration.
type Server struct {
	Addr              string        `yaml:"addr"`
	AdminToken        string        `yaml:"admin_token"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	AppEnv            string        `yaml:"app_env"`
	Version           string        `yaml:"version"`
	Debug             bool          `yaml:"debug"`
}

// FTPConfig locates the remote CAEPI archive and the extracted feed.
type FTPConfig struct {
	Host        string        `yaml:"host"`
	Dir         string        `yaml:"dir"`
	Archive     string        `yaml:"archive"`
	FeedFile    string        `yaml:"feed_file"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// CacheConfig controls the persistent dataset cache.
type CacheConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Backend     string        `yaml:"backend"`
	Dir         string        `yaml:"dir"`
	FileName    string        `yaml:"file_name"`
	Timeout     time.Duration `yaml:"timeout"`
	Encoding    string        `yaml:"encoding"`
	Compression string        `yaml:"compression"`
}

// RedisConfig holds connection settings for the redis cache backend.
type RedisConfig struct {
	URL          string        `yaml:"url"`
	PoolSize     int           `yaml:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// LoggingConfig selects the log sinks.
type LoggingConfig struct {
	Level        string   `yaml:"level"`
	Format       string   `yaml:"format"`
	File         string   `yaml:"file"`
	KafkaBrokers []string `yaml:"kafka_brokers"`
	KafkaTopic   string   `yaml:"kafka_topic"`
}

// RefreshConfig drives the scheduled refresh loop.
type RefreshConfig struct {
	Interval    time.Duration `yaml:"interval"`
	WarmOnStart bool          `yaml:"warm_on_start"`
}

const (
	BackendFile  = "file"
	BackendRedis = "redis"
	BackendNone  = "none"
)

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		Server: Server{
			Addr:              ":8000",
			ReadHeaderTimeout: 5 * time.Second,
			ShutdownTimeout:   10 * time.Second,
			AppEnv:            "development",
			Version:           "1.0.0",
		},
		FTP: FTPConfig{
			Host:     "ftp.mtps.gov.br",
			Dir:      "portal/fiscalizacao/seguranca-e-saude-no-trabalho/caepi/",
			Archive:  "tgg_export_caepi.zip",
			FeedFile: "tgg_export_caepi.txt",
		},
		Cache: CacheConfig{
			Enabled:     true,
			Backend:     BackendFile,
			Dir:         "cache",
			FileName:    "ca_certificates.parquet",
			Timeout:     time.Hour,
			Encoding:    "parquet",
			Compression: "snappy",
		},
		Redis: RedisConfig{
			PoolSize:     10,
			MinIdleConns: 2,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			KafkaTopic: "caepi-logs",
		},
		Refresh: RefreshConfig{
			Interval:    time.Hour,
			WarmOnStart: true,
		},
	}
}

// Load applies, in order: defaults, the YAML file at path (skipped when path
// is empty), environment overrides, validation.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

type lookupFunc func(key string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	e := envReader{lookup: lookup}

	e.str("CAEPI_ADDR", &c.Server.Addr)
	e.str("ADMIN_TOKEN", &c.Server.AdminToken)
	e.str("APP_ENV", &c.Server.AppEnv)
	e.str("APP_VERSION", &c.Server.Version)
	e.boolean("DEBUG", &c.Server.Debug)

	e.str("FTP_HOST", &c.FTP.Host)
	e.str("FTP_ENDPOINT", &c.FTP.Dir)
	e.str("FTP_FILE_NAME", &c.FTP.Archive)
	e.str("CA_FILE_NAME", &c.FTP.FeedFile)
	e.duration("FTP_DIAL_TIMEOUT", &c.FTP.DialTimeout)

	e.boolean("ENABLE_PARQUET_CACHE", &c.Cache.Enabled)
	e.str("CACHE_BACKEND", &c.Cache.Backend)
	e.str("CACHE_DIR", &c.Cache.Dir)
	e.str("PARQUET_FILE_NAME", &c.Cache.FileName)
	e.duration("CACHE_TIMEOUT", &c.Cache.Timeout)
	e.str("CACHE_ENCODING", &c.Cache.Encoding)
	e.str("PARQUET_COMPRESSION", &c.Cache.Compression)

	e.str("REDIS_URL", &c.Redis.URL)

	e.str("LOG_LEVEL", &c.Logging.Level)
	e.str("LOG_FORMAT", &c.Logging.Format)
	e.str("LOG_FILE", &c.Logging.File)
	e.list("LOG_KAFKA_BROKERS", &c.Logging.KafkaBrokers)
	e.str("LOG_KAFKA_TOPIC", &c.Logging.KafkaTopic)

	e.duration("REFRESH_INTERVAL", &c.Refresh.Interval)
	e.boolean("REFRESH_ON_START", &c.Refresh.WarmOnStart)

	if c.Server.Debug {
		if _, set := lookup("LOG_LEVEL"); !set {
			c.Logging.Level = "debug"
		}
	}
	return errors.Join(e.errs...)
}

// Validate rejects configurations the service cannot start with.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.FTP.Host) == "" {
		errs = append(errs, errors.New("ftp.host is required"))
	}
	if strings.TrimSpace(c.FTP.Archive) == "" {
		errs = append(errs, errors.New("ftp.archive is required"))
	}
	if strings.TrimSpace(c.FTP.FeedFile) == "" {
		errs = append(errs, errors.New("ftp.feed_file is required"))
	}
	if c.Cache.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("cache.timeout must be positive, got %s", c.Cache.Timeout))
	}
	switch c.Cache.Backend {
	case BackendFile, BackendNone:
	case BackendRedis:
		if c.Redis.URL == "" {
			errs = append(errs, errors.New("redis.url is required for the redis cache backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("cache.backend %q is not one of file, redis, none", c.Cache.Backend))
	}
	switch c.Cache.Encoding {
	case "parquet", "gob":
	default:
		errs = append(errs, fmt.Errorf("cache.encoding %q is not one of parquet, gob", c.Cache.Encoding))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q is not one of text, json", c.Logging.Format))
	}
	if len(c.Logging.KafkaBrokers) > 0 && c.Logging.KafkaTopic == "" {
		errs = append(errs, errors.New("logging.kafka_topic is required when kafka brokers are set"))
	}
	if c.Refresh.Interval < 0 {
		errs = append(errs, fmt.Errorf("refresh.interval must not be negative, got %s", c.Refresh.Interval))
	}
	return errors.Join(errs...)
}

// FeedPath is where the extracted feed is kept on disk.
func (c Config) FeedPath() string {
	return filepath.Join(c.Cache.Dir, c.FTP.FeedFile)
}

// CacheBackend resolves the effective backend; a disabled cache is "none".
func (c Config) CacheBackend() string {
	if !c.Cache.Enabled {
		return BackendNone
	}
	return c.Cache.Backend
}

type envReader struct {
	lookup lookupFunc
	errs   []error
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := e.lookup(key); ok && v != "" {
		*dst = v
	}
}

func (e *envReader) boolean(key string, dst *bool) {
	v, ok := e.lookup(key)
	if !ok || v == "" {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = b
}

// duration accepts Go duration syntax or a bare number of seconds, which is
// how CACHE_TIMEOUT has always been expressed.
func (e *envReader) duration(key string, dst *time.Duration) {
	v, ok := e.lookup(key)
	if !ok || v == "" {
		return
	}
	if secs, err := strconv.Atoi(v); err == nil {
		*dst = time.Duration(secs) * time.Second
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = d
}

func (e *envReader) list(key string, dst *[]string) {
	v, ok := e.lookup(key)
	if !ok || v == "" {
		return
	}
	*dst = pkgstrings.SplitList(v, ",")
}
