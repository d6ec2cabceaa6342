package syncsession

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// Options is the file-level configuration of a backend and manager.
//
//	backend: sqlite
//	dsn: sessions.db
//	key_prefix: "myapp:"
//	codec: gob
//	ttl_seconds: 3600
//	warn_on_unguarded_access: true
type Options struct {
	Backend               string        `mapstructure:"backend"`
	DSN                   string        `mapstructure:"dsn"`
	Servers               []string      `mapstructure:"servers"`
	Addr                  string        `mapstructure:"addr"`
	Password              string        `mapstructure:"password"`
	DB                    int           `mapstructure:"db"`
	KeyPrefix             string        `mapstructure:"key_prefix"`
	Codec                 string        `mapstructure:"codec"`
	TTLSeconds            int           `mapstructure:"ttl_seconds"`
	WarnOnUnguardedAccess *bool         `mapstructure:"warn_on_unguarded_access"`
	MaxSessionBytes       int           `mapstructure:"max_session_bytes"`
	CleanupInterval       time.Duration `mapstructure:"cleanup_interval"`
	Timeout               time.Duration `mapstructure:"timeout"`
}

// LoadOptions parses YAML options from r.
func LoadOptions(r io.Reader) (*Options, error) {
	raw := make(map[string]any)
	if err := yaml.NewDecoder(r).Decode(&raw); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse options: %w", err)
	}
	return DecodeOptions(raw)
}

// LoadOptionsFile parses YAML options from the file at path.
func LoadOptionsFile(path string) (*Options, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open options file: %w", err)
	}
	defer f.Close()
	return LoadOptions(f)
}

// DecodeOptions converts a generic map (from YAML, JSON or flags) into Options.
// Durations accept Go syntax such as "90s".
func DecodeOptions(raw map[string]any) (*Options, error) {
	var opts Options
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           &opts,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(raw); err != nil {
		return nil, fmt.Errorf("failed to decode options: %w", err)
	}
	if opts.Backend == "" {
		opts.Backend = "memory"
	}
	return &opts, nil
}

// OpenBackend builds the backend named by o.Backend.
func (o *Options) OpenBackend() (Backend, error) {
	codec, err := CodecByName(o.Codec)
	if err != nil {
		return nil, err
	}

	switch o.Backend {
	case "memory":
		return NewMemoryBackendWithConfig(MemoryConfig{
			Prefix:          o.KeyPrefix,
			Codec:           codec,
			MaxSessionBytes: o.MaxSessionBytes,
		}), nil
	case "sqlite":
		return NewSQLiteBackendWithConfig(SQLiteConfig{
			DSN:             o.DSN,
			MaxOpenConns:    16,
			MaxIdleConns:    16,
			MaxSessionBytes: o.MaxSessionBytes,
			Prefix:          o.KeyPrefix,
			Codec:           codec,
		})
	case "postgres":
		return NewPostgreSQLBackendWithConfig(PostgreSQLConfig{
			DSN:             o.DSN,
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			ConnMaxIdleTime: 1 * time.Minute,
			MaxSessionBytes: o.MaxSessionBytes,
			Prefix:          o.KeyPrefix,
			Codec:           codec,
		})
	case "memcached":
		timeout := o.Timeout
		if timeout == 0 {
			timeout = time.Second
		}
		return NewMemcachedBackendWithConfig(MemcachedConfig{
			Servers:         o.Servers,
			MaxSessionBytes: o.MaxSessionBytes,
			Timeout:         timeout,
			Prefix:          o.KeyPrefix,
			Codec:           codec,
		}), nil
	case "redis":
		return NewRedisBackendWithConfig(RedisConfig{
			Addr:            o.Addr,
			Password:        o.Password,
			DB:              o.DB,
			MaxSessionBytes: o.MaxSessionBytes,
			Prefix:          o.KeyPrefix,
			Codec:           codec,
		}), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", o.Backend)
	}
}

// ManagerConfig returns a Config for b carrying the manager-level options.
func (o *Options) ManagerConfig(b Backend) Config {
	return Config{
		Backend:               b,
		TTL:                   time.Duration(o.TTLSeconds) * time.Second,
		WarnOnUnguardedAccess: o.WarnOnUnguardedAccess,
		CleanupInterval:       o.CleanupInterval,
	}
}
