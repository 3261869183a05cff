package config

type Config struct {
	HTTP     HTTPConfig     `json:"http"`
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	Redis    *RedisConfig   `json:"redis,omitempty"`
	Queue    QueueConfig    `json:"queue"`
	Bus      BusConfig      `json:"bus"`
	Workers  WorkersConfig  `json:"workers"`
	Outbox   OutboxConfig   `json:"outbox"`
	Realtime RealtimeConfig `json:"realtime"`

	Maintenance MaintenanceConfig `json:"maintenance"`
}

// HTTPConfig controls the public API listener.
//
// Security note:
//   - AdminToken guards /api/admin/*. Leave empty only when the listener is not reachable
//     from untrusted networks.
type HTTPConfig struct {
	Addr string `json:"addr,omitempty"` // default: ":3000"

	ReadTimeout     string `json:"read_timeout,omitempty"`
	WriteTimeout    string `json:"write_timeout,omitempty"`
	IdleTimeout     string `json:"idle_timeout,omitempty"`
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`

	CORSOrigins []string `json:"cors_origins,omitempty"`
	AdminToken  string   `json:"admin_token,omitempty"` // bearer token (do not log)
	Pprof       bool     `json:"pprof,omitempty"`       // mounts /debug/pprof behind AdminToken
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	Format  string      `json:"format,omitempty"` // pretty|json
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the poll/vote store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./livepoll.db" }
//	"storage": { "driver": "postgres", "dsn": "${DATABASE_URL}" }
type StorageConfig struct {
	Driver       string `json:"driver"`                 // memory|sqlite|postgres
	Path         string `json:"path,omitempty"`         // sqlite
	DSN          string `json:"dsn,omitempty"`          // postgres (do not log)
	BusyTimeout  string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
	MaxOpenConns int    `json:"max_open_conns,omitempty"`
}

// RedisConfig is shared by the redis queue and bus drivers.
type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password,omitempty"` // do not log
	DB       int    `json:"db,omitempty"`
	Prefix   string `json:"prefix,omitempty"` // key prefix, default "livepoll"
}

// QueueConfig controls the aggregation job queue.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - driver: memory
//   - attempts: 3
//   - backoff: "1s" (doubles per attempt)
//   - keep_completed: 100
//   - keep_failed: 500
//   - visibility_timeout: "30s"
type QueueConfig struct {
	Driver            string `json:"driver,omitempty"`
	Attempts          int    `json:"attempts,omitempty"`
	Backoff           string `json:"backoff,omitempty"`
	MaxBackoff        string `json:"max_backoff,omitempty"`
	KeepCompleted     int    `json:"keep_completed,omitempty"`
	KeepFailed        int    `json:"keep_failed,omitempty"`
	VisibilityTimeout string `json:"visibility_timeout,omitempty"`
}

type BusConfig struct {
	Driver string `json:"driver,omitempty"` // memory|redis
	Buffer int    `json:"buffer,omitempty"`
}

// WorkersConfig controls the aggregation worker pool.
//
// Defaults:
//   - concurrency: 5
//   - conflict_retries: 8
//   - idle_wait: "200ms"
//   - job_timeout: "10s"
//   - breaker_trip: 5 consecutive store failures (-1 disables)
//   - breaker_delay: "2s", doubling up to breaker_max_delay "1m"
type WorkersConfig struct {
	Concurrency     int    `json:"concurrency,omitempty"`
	ConflictRetries int    `json:"conflict_retries,omitempty"`
	IdleWait        string `json:"idle_wait,omitempty"`
	JobTimeout      string `json:"job_timeout,omitempty"`
	BreakerTrip     int    `json:"breaker_trip,omitempty"`
	BreakerDelay    string `json:"breaker_delay,omitempty"`
	BreakerMaxDelay string `json:"breaker_max_delay,omitempty"`
}

// OutboxConfig controls the relay that re-enqueues votes whose job was never admitted.
//
// Enabled is a pointer so "omitted" (default on) differs from an explicit false.
type OutboxConfig struct {
	Enabled    *bool  `json:"enabled,omitempty"`
	Grace      string `json:"grace,omitempty"` // default "10s"
	BatchSize  int    `json:"batch_size,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

type RealtimeConfig struct {
	SendBuffer   int    `json:"send_buffer,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	PingInterval string `json:"ping_interval,omitempty"`
	ReadLimit    int64  `json:"read_limit,omitempty"`
}

// MaintenanceConfig holds cron specs for periodic jobs.
// Accepts anything robfig/cron parses, including "@every 5s".
type MaintenanceConfig struct {
	Timezone    string `json:"timezone,omitempty"`
	ReapSpec    string `json:"reap,omitempty"`
	RelaySpec   string `json:"relay,omitempty"`
	MonitorSpec string `json:"monitor,omitempty"`
}
