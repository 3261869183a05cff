package config

import (
	"fmt"
	"strings"
	"time"
)

// Durations holds every duration string of a Config, parsed. Zero means the
// field was left empty and the owning component picks its default.
type Durations struct {
	HTTPRead     time.Duration
	HTTPWrite    time.Duration
	HTTPIdle     time.Duration
	HTTPShutdown time.Duration

	StorageBusy time.Duration

	QueueBackoff    time.Duration
	QueueMaxBackoff time.Duration
	QueueVisibility time.Duration

	WorkerIdle      time.Duration
	WorkerJob       time.Duration
	BreakerDelay    time.Duration
	BreakerMaxDelay time.Duration

	OutboxGrace time.Duration

	RealtimeWrite time.Duration
	RealtimePing  time.Duration
}

type durationField struct {
	path string
	raw  string
	dst  *time.Duration
}

func (c *Config) durationFields(d *Durations) []durationField {
	return []durationField{
		{"http.read_timeout", c.HTTP.ReadTimeout, &d.HTTPRead},
		{"http.write_timeout", c.HTTP.WriteTimeout, &d.HTTPWrite},
		{"http.idle_timeout", c.HTTP.IdleTimeout, &d.HTTPIdle},
		{"http.shutdown_timeout", c.HTTP.ShutdownTimeout, &d.HTTPShutdown},
		{"storage.busy_timeout", c.Storage.BusyTimeout, &d.StorageBusy},
		{"queue.backoff", c.Queue.Backoff, &d.QueueBackoff},
		{"queue.max_backoff", c.Queue.MaxBackoff, &d.QueueMaxBackoff},
		{"queue.visibility_timeout", c.Queue.VisibilityTimeout, &d.QueueVisibility},
		{"workers.idle_wait", c.Workers.IdleWait, &d.WorkerIdle},
		{"workers.job_timeout", c.Workers.JobTimeout, &d.WorkerJob},
		{"workers.breaker_delay", c.Workers.BreakerDelay, &d.BreakerDelay},
		{"workers.breaker_max_delay", c.Workers.BreakerMaxDelay, &d.BreakerMaxDelay},
		{"outbox.grace", c.Outbox.Grace, &d.OutboxGrace},
		{"realtime.write_timeout", c.Realtime.WriteTimeout, &d.RealtimeWrite},
		{"realtime.ping_interval", c.Realtime.PingInterval, &d.RealtimePing},
	}
}

// Durations parses all duration fields, reporting the first bad one by its
// config path.
func (c *Config) Durations() (Durations, error) {
	var d Durations
	for _, f := range c.durationFields(&d) {
		v, err := ParseDurationField(f.path, f.raw)
		if err != nil {
			return Durations{}, err
		}
		*f.dst = v
	}
	if d.QueueMaxBackoff > 0 && d.QueueBackoff > d.QueueMaxBackoff {
		return Durations{}, fmt.Errorf("queue.max_backoff (%s) is below queue.backoff (%s)", d.QueueMaxBackoff, d.QueueBackoff)
	}
	if d.BreakerMaxDelay > 0 && d.BreakerDelay > d.BreakerMaxDelay {
		return Durations{}, fmt.Errorf("workers.breaker_max_delay (%s) is below workers.breaker_delay (%s)", d.BreakerMaxDelay, d.BreakerDelay)
	}
	return d, nil
}

// ParseDurationField parses a Go duration string. Empty is zero; negative
// values are rejected.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}
