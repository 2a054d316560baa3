package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	AppEnv      string `env:"APP_ENV" envDefault:"development"`
	APIAddr     string `env:"API_ADDR" envDefault:":8080"`
	SchedAddr   string `env:"SCHED_ADDR" envDefault:":8081"`
	WorkerAddr  string `env:"WORKER_ADDR" envDefault:":8082"`
	PostgresDSN string `env:"POSTGRES_DSN,notEmpty"`
	// Empty disables wakeup signals; workers then rely on polling alone.
	RedisAddr      string `env:"REDIS_ADDR"`
	RedisPassword  string `env:"REDIS_PASSWORD"`
	APIToken       string `env:"API_TOKEN"`
	MigrateOnStart bool   `env:"MIGRATE_ON_START" envDefault:"true"`

	DefaultMaxAttempts int           `env:"DEFAULT_MAX_ATTEMPTS" envDefault:"5"`
	RetryBase          time.Duration `env:"RETRY_BASE" envDefault:"5s"`
	RetryMax           time.Duration `env:"RETRY_MAX" envDefault:"10m"`
	RetryJitter        float64       `env:"RETRY_JITTER" envDefault:"0.2"`

	Worker   Worker   `envPrefix:"WORKER_"`
	Periodic Periodic `envPrefix:"PERIODIC_"`
}

type Worker struct {
	Queues            []string          `env:"QUEUES" envSeparator:","`
	Concurrency       int               `env:"CONCURRENCY" envDefault:"10"`
	BatchSize         int               `env:"BATCH_SIZE" envDefault:"10"`
	LeaseDuration     time.Duration     `env:"LEASE_DURATION" envDefault:"60s"`
	RenewInterval     time.Duration     `env:"RENEW_INTERVAL" envDefault:"20s"`
	PollInterval      time.Duration     `env:"POLL_INTERVAL" envDefault:"1s"`
	HeartbeatInterval time.Duration     `env:"HEARTBEAT_INTERVAL" envDefault:"10s"`
	DeadThreshold     time.Duration     `env:"DEAD_THRESHOLD" envDefault:"60s"`
	ReapInterval      time.Duration     `env:"REAP_INTERVAL" envDefault:"30s"`
	ShutdownTimeout   time.Duration     `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
	FatalPolicy       string            `env:"FATAL_POLICY" envDefault:"dead_letter"`
	Metadata          map[string]string `env:"METADATA"`
}

type Periodic struct {
	Interval time.Duration `env:"INTERVAL" envDefault:"15s"`
	// Tasks is a ';'-separated list of name|cron|queue[|max_attempts].
	Tasks string `env:"TASKS"`
}

// PeriodicTask is one parsed entry of Periodic.Tasks.
type PeriodicTask struct {
	Name        string
	Schedule    string
	Queue       string
	MaxAttempts int
}

// Load reads an optional .env file, then the environment, and validates the
// result.
func Load() (Config, error) {
	// a missing .env is fine, the variables may come from the shell
	_ = godotenv.Load(".env")

	var c Config
	if err := env.Parse(&c); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) Validate() error {
	var errs []error
	w := c.Worker
	if c.DefaultMaxAttempts < 1 {
		errs = append(errs, errors.New("DEFAULT_MAX_ATTEMPTS must be at least 1"))
	}
	if c.RetryBase <= 0 || c.RetryMax < c.RetryBase {
		errs = append(errs, errors.New("RETRY_BASE must be positive and not above RETRY_MAX"))
	}
	if c.RetryJitter < 0 || c.RetryJitter > 1 {
		errs = append(errs, errors.New("RETRY_JITTER must be within [0, 1]"))
	}
	if w.Concurrency < 1 {
		errs = append(errs, errors.New("WORKER_CONCURRENCY must be at least 1"))
	}
	if w.BatchSize < 1 {
		errs = append(errs, errors.New("WORKER_BATCH_SIZE must be at least 1"))
	}
	if w.LeaseDuration <= 0 || w.PollInterval <= 0 || w.ReapInterval <= 0 || w.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("worker durations must be positive"))
	}
	if w.RenewInterval <= 0 || w.RenewInterval >= w.LeaseDuration {
		errs = append(errs, errors.New("WORKER_RENEW_INTERVAL must be positive and shorter than WORKER_LEASE_DURATION"))
	}
	if w.HeartbeatInterval <= 0 || w.HeartbeatInterval >= w.DeadThreshold {
		errs = append(errs, errors.New("WORKER_HEARTBEAT_INTERVAL must be positive and shorter than WORKER_DEAD_THRESHOLD"))
	}
	switch strings.ToLower(strings.TrimSpace(w.FatalPolicy)) {
	case "dead_letter", "retry", "hold":
	default:
		errs = append(errs, fmt.Errorf("WORKER_FATAL_POLICY %q is not one of dead_letter, retry, hold", w.FatalPolicy))
	}
	if c.Periodic.Interval <= 0 {
		errs = append(errs, errors.New("PERIODIC_INTERVAL must be positive"))
	}
	if _, err := c.Periodic.Parse(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (p Periodic) Parse() ([]PeriodicTask, error) {
	var tasks []PeriodicTask
	for _, entry := range strings.Split(p.Tasks, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, "|")
		if len(parts) != 3 && len(parts) != 4 {
			return nil, fmt.Errorf("PERIODIC_TASKS entry %q: want name|cron|queue[|max_attempts]", entry)
		}
		t := PeriodicTask{
			Name:     strings.TrimSpace(parts[0]),
			Schedule: strings.TrimSpace(parts[1]),
			Queue:    strings.TrimSpace(parts[2]),
		}
		if t.Name == "" || t.Schedule == "" || t.Queue == "" {
			return nil, fmt.Errorf("PERIODIC_TASKS entry %q has an empty field", entry)
		}
		if len(parts) == 4 {
			n, err := strconv.Atoi(strings.TrimSpace(parts[3]))
			if err != nil || n < 1 {
				return nil, fmt.Errorf("PERIODIC_TASKS entry %q: invalid max_attempts", entry)
			}
			t.MaxAttempts = n
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}
