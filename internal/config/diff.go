package config

import (
	"strings"

	logx "scriptsched/pkg/logx"
)

// Sections applied to a running process on reload. Everything else only
// takes effect after a restart; resizing the engine would cancel runs in
// flight.
var hotSections = map[string]bool{
	"logging":   true,
	"scheduler": true,
	"pprof":     true,
}

// Change describes what differs between two configs.
type Change struct {
	Sections []string     // changed top-level sections, in file order
	Fields   []logx.Field // new values of the changed sections, for logging
}

// Empty reports whether nothing changed.
func (c Change) Empty() bool { return len(c.Sections) == 0 }

// Has reports whether section changed.
func (c Change) Has(section string) bool {
	for _, s := range c.Sections {
		if s == section {
			return true
		}
	}
	return false
}

// ColdSections lists changed sections that need a restart to apply.
func (c Change) ColdSections() []string {
	var out []string
	for _, s := range c.Sections {
		if !hotSections[s] {
			out = append(out, s)
		}
	}
	return out
}

// Diff compares two configs section by section.
func Diff(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var ch Change
	mark := func(section string, fields ...logx.Field) {
		ch.Sections = append(ch.Sections, section)
		ch.Fields = append(ch.Fields, fields...)
	}

	if oldCfg.Logging != newCfg.Logging {
		mark("logging",
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}
	if oldCfg.Scheduler.IsEnabled() != newCfg.Scheduler.IsEnabled() ||
		strings.TrimSpace(oldCfg.Scheduler.Timezone) != strings.TrimSpace(newCfg.Scheduler.Timezone) {
		mark("scheduler",
			logx.Bool("scheduler.enabled", newCfg.Scheduler.IsEnabled()),
			logx.String("scheduler.timezone", newCfg.Scheduler.Timezone),
		)
	}
	if oldCfg.Engine != newCfg.Engine {
		mark("engine",
			logx.Int("engine.workers", newCfg.Engine.Workers),
			logx.Int("engine.queue_size", newCfg.Engine.QueueSize),
		)
	}
	if oldCfg.Executor != newCfg.Executor {
		mark("executor",
			logx.String("executor.interpreter", newCfg.Executor.Interpreter),
			logx.String("executor.timeout", newCfg.Executor.Timeout),
		)
	}
	if oldCfg.Validator != newCfg.Validator {
		mark("validator", logx.String("validator.interpreter", newCfg.Validator.Interpreter))
	}
	if oldCfg.Storage != newCfg.Storage {
		mark("storage", logx.String("storage.driver", newCfg.Storage.Driver))
	}
	if oldCfg.HTTP != newCfg.HTTP {
		mark("http", logx.String("http.addr", newCfg.HTTP.Addr))
	}
	if oldCfg.Pprof != newCfg.Pprof {
		mark("pprof",
			logx.Bool("pprof.enabled", newCfg.Pprof.Enabled),
			logx.String("pprof.addr", newCfg.Pprof.Addr),
		)
	}
	return ch
}
