package config

import (
	"reflect"
	"sort"
	"strings"

	logx "livepoll/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections and safe
// structured attrs for logging. Secrets (DSN, passwords, tokens) are reported
// only as "*_set" booleans.
//
// Sections listed under RestartRequired need a process restart to take effect.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.String("http.addr", strings.TrimSpace(newCfg.HTTP.Addr)),
			logx.Int("http.cors_origins", len(newCfg.HTTP.CORSOrigins)),
			logx.Bool("http.admin_token_set", strings.TrimSpace(newCfg.HTTP.AdminToken) != ""),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.String("logging.format", newCfg.Logging.Format),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.Bool("storage.dsn_set", strings.TrimSpace(newCfg.Storage.DSN) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Redis, newCfg.Redis) {
		changed = append(changed, "redis")
		if newCfg.Redis != nil {
			attrs = append(attrs,
				logx.String("redis.addr", newCfg.Redis.Addr),
				logx.Int("redis.db", newCfg.Redis.DB),
				logx.Bool("redis.password_set", newCfg.Redis.Password != ""),
			)
		}
	}

	if oldCfg.Queue != newCfg.Queue {
		changed = append(changed, "queue")
		attrs = append(attrs,
			logx.String("queue.driver", newCfg.Queue.Driver),
			logx.Int("queue.attempts", newCfg.Queue.Attempts),
			logx.String("queue.backoff", newCfg.Queue.Backoff),
			logx.String("queue.visibility_timeout", newCfg.Queue.VisibilityTimeout),
		)
	}

	if oldCfg.Bus != newCfg.Bus {
		changed = append(changed, "bus")
		attrs = append(attrs, logx.String("bus.driver", newCfg.Bus.Driver))
	}

	if oldCfg.Workers != newCfg.Workers {
		changed = append(changed, "workers")
		attrs = append(attrs,
			logx.Int("workers.concurrency", newCfg.Workers.Concurrency),
			logx.Int("workers.conflict_retries", newCfg.Workers.ConflictRetries),
		)
	}

	if !reflect.DeepEqual(oldCfg.Outbox, newCfg.Outbox) {
		changed = append(changed, "outbox")
		attrs = append(attrs,
			logx.Bool("outbox.enabled", newCfg.Outbox.Enabled == nil || *newCfg.Outbox.Enabled),
			logx.String("outbox.grace", newCfg.Outbox.Grace),
			logx.Int("outbox.rate_per_sec", newCfg.Outbox.RatePerSec),
		)
	}

	if oldCfg.Realtime != newCfg.Realtime {
		changed = append(changed, "realtime")
	}

	if oldCfg.Maintenance != newCfg.Maintenance {
		changed = append(changed, "maintenance")
		attrs = append(attrs,
			logx.String("maintenance.reap", newCfg.Maintenance.ReapSpec),
			logx.String("maintenance.relay", newCfg.Maintenance.RelaySpec),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired filters changed sections down to those that are only read at startup.
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		switch s {
		case "logging", "outbox":
		default:
			out = append(out, s)
		}
	}
	return out
}
