package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"time"

	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"
)

const (
	configDirName  = "upstream"
	configFileName = "config.yaml"
	envFileName    = ".env"
)

// Config holds the configuration options for the application.
type Config struct {
	Http     *HttpConfig     `yaml:"http,omitempty"`
	Retry    *RetryConfig    `yaml:"retry,omitempty"`
	Cache    *CacheConfig    `yaml:"cache,omitempty"`
	Throttle *ThrottleConfig `yaml:"throttle,omitempty"`
	Loader   *LoaderConfig   `yaml:"loader,omitempty"`
	S3       *S3Config       `yaml:"s3,omitempty"`
}

// HttpConfig holds configuration options for the HTTP transport.
type HttpConfig struct {
	UserAgent                   string            `yaml:"userAgent,omitempty"`
	ConnectTimeout              time.Duration     `yaml:"connectTimeout,omitempty"`
	MaxRedirects                int               `yaml:"maxRedirects,omitempty"`
	AllowCrossProtocolRedirects bool              `yaml:"allowCrossProtocolRedirects,omitempty"`
	Headers                     map[string]string `yaml:"headers,omitempty"`
}

// RetryConfig controls the retry layer. A zero maxRetries falls back to the
// default, so retries are turned off with disabled.
type RetryConfig struct {
	Disabled   bool          `yaml:"disabled,omitempty"`
	MaxRetries int           `yaml:"maxRetries,omitempty"`
	RetryDelay time.Duration `yaml:"retryDelay,omitempty"`
}

// CacheConfig holds configuration options for the disk cache.
type CacheConfig struct {
	Disabled           bool   `yaml:"disabled,omitempty"`
	Dir                string `yaml:"dir,omitempty"`
	MaxBytes           int64  `yaml:"maxBytes,omitempty"`
	BlockOnCache       bool   `yaml:"blockOnCache,omitempty"`
	IgnoreCacheOnError bool   `yaml:"ignoreCacheOnError,omitempty"`
}

// ThrottleConfig caps aggregate read bandwidth. Zero means unlimited.
type ThrottleConfig struct {
	BytesPerSecond int64 `yaml:"bytesPerSecond,omitempty"`
	Burst          int   `yaml:"burst,omitempty"`
}

// LoaderConfig holds configuration options for parallel range loading.
type LoaderConfig struct {
	Connections  int   `yaml:"connections,omitempty"`
	Chunks       int   `yaml:"maxChunks,omitempty"`
	MinChunkSize int64 `yaml:"minChunkSize,omitempty"`
}

type S3Config struct {
	Aliases map[string]Alias `yaml:"aliases,omitempty"`
}

// Alias names an S3 compatible endpoint and bucket addressed as
// s3://<alias>/<key>.
type Alias struct {
	Endpoint      string `yaml:"endpoint,omitempty"`
	Region        string `yaml:"region,omitempty"`
	Bucket        string `yaml:"bucket,omitempty"`
	Prefix        string `yaml:"prefix,omitempty"`
	AccessKey     string `yaml:"accessKey,omitempty"`
	SecretKey     string `yaml:"secretKey,omitempty"`
	NoSignRequest bool   `yaml:"noSign,omitempty"`
}

// Dir returns the directory holding the configuration and .env files.
func Dir() string {
	return filepath.Join(xdg.ConfigHome, configDirName)
}

// GetConfig loads the .env file and then the configuration file from Dir.
// If the configuration file does not exist, it returns the default configuration.
func GetConfig() (*Config, error) {
	dir := Dir()

	if err := LoadDotEnv(filepath.Join(dir, envFileName)); err != nil {
		return nil, err
	}

	return Load(filepath.Join(dir, configFileName))
}

// Load reads the configuration file at path, filling unset fields with
// defaults. A missing or empty file yields the defaults.
func Load(path string) (*Config, error) {
	defaults := DefaultConfig()

	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &defaults, nil
		}

		return nil, err
	}

	if len(b) == 0 {
		return &defaults, nil
	}

	var cfg Config

	err = yaml.Unmarshal(b, &cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	httpCfg := zeroOr(cfg.Http, defaults.Http)
	retryCfg := zeroOr(cfg.Retry, defaults.Retry)
	cacheCfg := zeroOr(cfg.Cache, defaults.Cache)
	throttleCfg := zeroOr(cfg.Throttle, defaults.Throttle)
	loaderCfg := zeroOr(cfg.Loader, defaults.Loader)
	s3Cfg := zeroOr(cfg.S3, defaults.S3)

	aliases := make(map[string]Alias, len(s3Cfg.Aliases))
	for name, alias := range s3Cfg.Aliases {
		expandAliasEnvVars(&alias)
		aliases[name] = alias
	}

	return &Config{
		Http: &HttpConfig{
			UserAgent:                   zeroOr(httpCfg.UserAgent, defaults.Http.UserAgent),
			ConnectTimeout:              zeroOr(httpCfg.ConnectTimeout, defaults.Http.ConnectTimeout),
			MaxRedirects:                zeroOr(httpCfg.MaxRedirects, defaults.Http.MaxRedirects),
			AllowCrossProtocolRedirects: httpCfg.AllowCrossProtocolRedirects,
			Headers:                     httpCfg.Headers,
		},
		Retry: &RetryConfig{
			Disabled:   retryCfg.Disabled,
			MaxRetries: zeroOr(retryCfg.MaxRetries, defaults.Retry.MaxRetries),
			RetryDelay: zeroOr(retryCfg.RetryDelay, defaults.Retry.RetryDelay),
		},
		Cache: &CacheConfig{
			Disabled:           cacheCfg.Disabled,
			Dir:                zeroOr(cacheCfg.Dir, defaults.Cache.Dir),
			MaxBytes:           zeroOr(cacheCfg.MaxBytes, defaults.Cache.MaxBytes),
			BlockOnCache:       cacheCfg.BlockOnCache,
			IgnoreCacheOnError: cacheCfg.IgnoreCacheOnError,
		},
		Throttle: &ThrottleConfig{
			BytesPerSecond: throttleCfg.BytesPerSecond,
			Burst:          throttleCfg.Burst,
		},
		Loader: &LoaderConfig{
			Connections:  zeroOr(loaderCfg.Connections, defaults.Loader.Connections),
			Chunks:       zeroOr(loaderCfg.Chunks, defaults.Loader.Chunks),
			MinChunkSize: zeroOr(loaderCfg.MinChunkSize, defaults.Loader.MinChunkSize),
		},
		S3: &S3Config{
			Aliases: aliases,
		},
	}, nil
}

func DefaultConfig() Config {
	return Config{
		Http: &HttpConfig{
			UserAgent:      userAgent,
			ConnectTimeout: connectTimeout,
			MaxRedirects:   maxRedirects,
		},
		Retry: &RetryConfig{
			MaxRetries: maxRetries,
			RetryDelay: retryDelay,
		},
		Cache: &CacheConfig{
			Dir:      cacheDir,
			MaxBytes: cacheMaxBytes,
		},
		Throttle: &ThrottleConfig{},
		Loader: &LoaderConfig{
			Connections:  loaderConnections,
			Chunks:       loaderChunks,
			MinChunkSize: minChunkSize,
		},
		S3: &S3Config{
			Aliases: map[string]Alias{},
		},
	}
}

// zeroOr returns def if v is the zero value for its type.
func zeroOr[T any](v, def T) T {
	if reflect.ValueOf(v).IsZero() {
		return def
	}

	return v
}
