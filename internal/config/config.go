// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

// Facility kinds.
const (
	FacilityLocal  = "local"
	FacilityRemote = "remote"
)

// Config holds all configuration for our application.
// The mapstructure tags are used by Viper to unmarshal the data.
type Config struct {
	HttpListenAddr string `mapstructure:"http_listen_addr" validate:"required"`
	LogLevel       string `mapstructure:"log_level" validate:"oneof=debug info warn error"`

	// Facility selects where jobs run: an in-process pool or remote workers found in etcd.
	Facility    string `mapstructure:"facility" validate:"oneof=local remote"`
	WorkerCount int    `mapstructure:"worker_count" validate:"min=1"`
	QueueSize   int    `mapstructure:"queue_size" validate:"min=1"`

	AwaitTimeout  time.Duration `mapstructure:"await_timeout" validate:"gt=0"`
	MaxWait       time.Duration `mapstructure:"max_wait" validate:"gt=0"`
	HandleTTL     time.Duration `mapstructure:"handle_ttl" validate:"gt=0"`
	PendingTTL    time.Duration `mapstructure:"pending_ttl" validate:"gt=0"`
	SweepSchedule string        `mapstructure:"sweep_schedule" validate:"required,schedule"`

	MaxFibonacciN int64         `mapstructure:"max_fibonacci_n" validate:"min=1"`
	MaxFactorialN int64         `mapstructure:"max_factorial_n" validate:"min=1"`
	MaxDelay      time.Duration `mapstructure:"max_delay" validate:"gt=0"`
	DemoDelay     time.Duration `mapstructure:"demo_delay" validate:"gte=0,ltefield=MaxDelay"`

	EtcdEndpoints []string      `mapstructure:"etcd_endpoints" validate:"required_if=Facility remote"`
	EtcdTimeout   time.Duration `mapstructure:"etcd_timeout" validate:"gt=0"`

	WorkerListenAddr    string        `mapstructure:"worker_listen_addr" validate:"required"`
	WorkerAdvertiseAddr string        `mapstructure:"worker_advertise_addr"`
	WorkerLeaseTTL      time.Duration `mapstructure:"worker_lease_ttl" validate:"gte=1s"`

	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

// AdvertiseAddr is the address workers publish in etcd, defaulting to the listen address.
func (c *Config) AdvertiseAddr() string {
	if c.WorkerAdvertiseAddr != "" {
		return c.WorkerAdvertiseAddr
	}
	return c.WorkerListenAddr
}

// Load loads configuration from file and environment variables.
// Environment variables use the JOBDISPATCH_ prefix, e.g. JOBDISPATCH_WORKER_COUNT.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		paths = []string{"./configs", "."}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}

	v.SetEnvPrefix("JOBDISPATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Defaults and env vars are enough.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http_listen_addr", ":8080")
	v.SetDefault("log_level", "info")

	v.SetDefault("facility", FacilityLocal)
	v.SetDefault("worker_count", 4)
	v.SetDefault("queue_size", 100)

	v.SetDefault("await_timeout", "30s")
	v.SetDefault("max_wait", "2m")
	v.SetDefault("handle_ttl", "10m")
	v.SetDefault("pending_ttl", "1h")
	v.SetDefault("sweep_schedule", "@every 30s")

	v.SetDefault("max_fibonacci_n", 10000)
	v.SetDefault("max_factorial_n", 10000)
	v.SetDefault("max_delay", "1m")
	v.SetDefault("demo_delay", "5s")

	v.SetDefault("etcd_endpoints", []string{"localhost:2379"})
	v.SetDefault("etcd_timeout", "5s")

	v.SetDefault("worker_listen_addr", ":50052")
	v.SetDefault("worker_advertise_addr", "")
	v.SetDefault("worker_lease_ttl", "10s")

	v.SetDefault("shutdown_timeout", "10s")
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	validate := validator.New()
	parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	_ = validate.RegisterValidation("schedule", func(fl validator.FieldLevel) bool {
		_, err := parser.Parse(fl.Field().String())
		return err == nil
	})

	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed on %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
