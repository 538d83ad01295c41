package config

import (
	"reflect"
	"strings"

	logx "feedrelay/pkg/logx"
)

// SummarizeChange returns the changed top-level sections and safe structured
// attrs for logging (tokens are reported as set/unset only).
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if strings.TrimSpace(oldCfg.Telegram.Token) != strings.TrimSpace(newCfg.Telegram.Token) ||
		oldCfg.Telegram.APIURL != newCfg.Telegram.APIURL ||
		oldCfg.Telegram.RequestTimeout != newCfg.Telegram.RequestTimeout ||
		oldCfg.Telegram.OpsChatID != newCfg.Telegram.OpsChatID {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_set", strings.TrimSpace(newCfg.Telegram.Token) != ""),
			logx.Bool("telegram.ops_chat_set", newCfg.Telegram.OpsChatID != 0),
		)
	}
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.telegram", newCfg.Logging.Telegram.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.driver", newCfg.Storage.Driver))
	}
	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs, logx.Int("scheduler.workers", newCfg.Scheduler.Workers))
	}
	if !reflect.DeepEqual(oldCfg.Fetch, newCfg.Fetch) {
		changed = append(changed, "fetch")
		attrs = append(attrs, logx.Int("fetch.domains", len(newCfg.Fetch.Domains)))
	}
	if oldCfg.Dedupe != newCfg.Dedupe {
		changed = append(changed, "dedupe")
	}
	if !reflect.DeepEqual(oldCfg.Delivery, newCfg.Delivery) {
		changed = append(changed, "delivery")
		attrs = append(attrs,
			logx.Int("delivery.per_minute", newCfg.Delivery.PerMinute),
			logx.Int("delivery.batch_size", newCfg.Delivery.BatchSize),
		)
	}
	if oldCfg.Health != newCfg.Health {
		changed = append(changed, "health")
	}
	if oldCfg.Admin.Enabled != newCfg.Admin.Enabled || oldCfg.Admin.Addr != newCfg.Admin.Addr ||
		(oldCfg.Admin.Token != "") != (newCfg.Admin.Token != "") {
		changed = append(changed, "admin")
		attrs = append(attrs, logx.Bool("admin.enabled", newCfg.Admin.Enabled))
	}
	if !reflect.DeepEqual(oldCfg.Feeds, newCfg.Feeds) {
		changed = append(changed, "feeds")
		attrs = append(attrs, logx.Int("feeds.count", len(newCfg.Feeds)))
	}
	return changed, attrs
}

// RestartRequired reports whether any changed section cannot be applied live.
func RestartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		switch s {
		case "telegram", "storage", "fetch":
			out = append(out, s)
		}
	}
	return out
}
