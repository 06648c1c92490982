package config

import (
	"errors"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const envPrefix = "SERVITOR"

// Loader reads configuration and, once watching, keeps it current when the
// underlying file changes. Environment variables always win over file values.
type Loader struct {
	v    *viper.Viper
	path string

	mu       sync.RWMutex
	cfg      *Config
	onChange []func(*Config)
	onError  []func(error)
}

// NewLoader creates a loader. path may be empty, in which case the loader
// searches the working directory and /etc/servitor for servitor.yaml and
// falls back to defaults plus environment variables when no file exists.
func NewLoader(path string) *Loader {
	return &Loader{v: viper.New(), path: path}
}

// Load is a convenience for callers that do not need hot reload.
func Load(path string) (*Config, error) {
	return NewLoader(path).Load()
}

// Load reads defaults, the optional config file, and the environment, then
// validates the result. A .env file in the working directory is applied to
// the process environment first so SERVITOR_ variables defined there behave
// exactly like real environment variables.
func (l *Loader) Load() (*Config, error) {
	// Missing .env is the normal case outside local development.
	_ = godotenv.Load()

	if l.path != "" {
		l.v.SetConfigFile(l.path)
	} else {
		l.v.SetConfigName("servitor")
		l.v.SetConfigType("yaml")
		l.v.AddConfigPath(".")
		l.v.AddConfigPath("/etc/servitor")
	}

	l.v.SetEnvPrefix(envPrefix)
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	setDefaults(l.v)

	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if l.path != "" || !errors.As(err, &notFound) {
			return nil, err
		}
	}

	cfg, err := l.unmarshal()
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.cfg = cfg
	l.mu.Unlock()
	return cfg, nil
}

// Config returns the most recently loaded configuration.
func (l *Loader) Config() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg
}

// OnChange registers a callback invoked with the new configuration after a
// successful reload. Callbacks run on viper's watch goroutine and must not
// block.
func (l *Loader) OnChange(fn func(*Config)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onChange = append(l.onChange, fn)
}

// OnError registers a callback invoked when a reload fails to parse or
// validate. Like OnChange callbacks, it runs on viper's watch goroutine and
// must not block.
func (l *Loader) OnError(fn func(error)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onError = append(l.onError, fn)
}

// Watch starts watching the config file for changes. Reloads that fail to
// parse or validate are reported through OnError callbacks and discarded;
// the previous configuration stays active.
func (l *Loader) Watch() {
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if e.Op&(fsnotify.Write|fsnotify.Create) == 0 {
			return
		}
		cfg, err := l.unmarshal()
		if err != nil {
			l.mu.RLock()
			errCallbacks := make([]func(error), len(l.onError))
			copy(errCallbacks, l.onError)
			l.mu.RUnlock()
			for _, fn := range errCallbacks {
				fn(err)
			}
			return
		}
		l.mu.Lock()
		l.cfg = cfg
		callbacks := make([]func(*Config), len(l.onChange))
		copy(callbacks, l.onChange)
		l.mu.Unlock()
		for _, fn := range callbacks {
			fn(cfg)
		}
	})
	l.v.WatchConfig()
}

func (l *Loader) unmarshal() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")

	v.SetDefault("service.name", "servitor")
	v.SetDefault("service.port", 8080)
	v.SetDefault("service.log_level", "info")
	v.SetDefault("service.database.host", "localhost")
	v.SetDefault("service.database.port", 5432)
	v.SetDefault("service.database.user", "servitor")
	v.SetDefault("service.database.password", "")
	v.SetDefault("service.database.name", "servitor")
	v.SetDefault("service.database.sslmode", "disable")

	v.SetDefault("cache.address", "localhost:6379")
	v.SetDefault("cache.password", "")
	v.SetDefault("cache.db", 0)

	v.SetDefault("kafka.brokers", "localhost:9092")
	v.SetDefault("kafka.command_topic", "servitor.commands")
	v.SetDefault("kafka.result_topic", "servitor.results")
	v.SetDefault("kafka.consumer_group", "servitor_control_plane")

	v.SetDefault("auth.jwt_secret", "change_me_in_production")
	v.SetDefault("auth.token_expiry", 86400)
	v.SetDefault("auth.admin_user", "admin")
	v.SetDefault("auth.admin_password_hash", "")

	v.SetDefault("monitor.interval", "15s")
	v.SetDefault("monitor.snapshot_ttl", "60s")

	v.SetDefault("metrics.namespace", "servitor")

	v.SetDefault("api.cors_allowed_origins", []string{"http://localhost:3000", "http://localhost:8080"})
	v.SetDefault("api.rate_limit_per_minute", 100)
}
