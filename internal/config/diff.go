package config

import (
	"reflect"
	"strings"

	logx "streamwatch/pkg/logx"
)

// Change summarizes a config reload for logging. Fields never carry secrets.
type Change struct {
	// Sections lists the top-level keys whose values changed.
	Sections []string
	// Restart lists changed sections that only take effect after a restart.
	Restart []string
	Fields  []logx.Field
}

func (c Change) Empty() bool { return len(c.Sections) == 0 }

// hotSections are applied in place by the running process.
var hotSections = map[string]bool{"logging": true}

// SummarizeChange compares two configs section by section.
func SummarizeChange(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var ch Change
	mark := func(section string, fields ...logx.Field) {
		ch.Sections = append(ch.Sections, section)
		if !hotSections[section] {
			ch.Restart = append(ch.Restart, section)
		}
		ch.Fields = append(ch.Fields, fields...)
	}

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot != nt {
		mark("telegram",
			logx.Bool("telegram.token_changed", ot.Token != nt.Token),
			logx.String("telegram.timeout", nt.Timeout),
			logx.Bool("telegram.log_chat_set", nt.LogChatID != 0),
		)
	}
	if oldCfg.Logging != newCfg.Logging {
		l := newCfg.Logging
		mark("logging",
			logx.String("logging.level", l.Level),
			logx.Bool("logging.console", l.Console),
			logx.Bool("logging.file_enabled", l.File.Enabled),
			logx.Bool("logging.telegram_enabled", l.Telegram.Enabled),
		)
	}
	if oldCfg.Storage != newCfg.Storage {
		mark("storage",
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.Bool("storage.dsn_changed", oldCfg.Storage.DSN != newCfg.Storage.DSN),
		)
	}
	ob, nb := oldCfg.Backoff, newCfg.Backoff
	if ob != nb {
		mark("backoff",
			logx.String("backoff.driver", nb.Driver),
			logx.String("backoff.redis_addr", nb.RedisAddr),
			logx.Bool("backoff.redis_password_set", strings.TrimSpace(nb.RedisPassword) != ""),
		)
	}
	if oldCfg.Checker != newCfg.Checker {
		mark("checker", logx.Any("checker", newCfg.Checker))
	}
	if oldCfg.Sender != newCfg.Sender {
		mark("sender", logx.Any("sender", newCfg.Sender))
	}
	if oldCfg.Dispatcher != newCfg.Dispatcher {
		mark("dispatcher", logx.Any("dispatcher", newCfg.Dispatcher))
	}
	if !reflect.DeepEqual(oldCfg.Sources, newCfg.Sources) {
		mark("sources", logx.Bool("sources.goodgame", newCfg.Sources.Goodgame.Enabled))
	}
	oo, no := oldCfg.Ops, newCfg.Ops
	if oo != no {
		mark("ops",
			logx.Bool("ops.enabled", no.Enabled),
			logx.String("ops.addr", no.Addr),
			logx.Bool("ops.token_set", strings.TrimSpace(no.Token) != ""),
		)
	}
	return ch
}
