package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/journal"
	"github.com/sirupsen/logrus"
)

// journalHook forwards log entries to the systemd journal.
type journalHook struct{}

var severityMap = map[logrus.Level]journal.Priority{
	logrus.TraceLevel: journal.PriDebug,
	logrus.DebugLevel: journal.PriDebug,
	logrus.InfoLevel:  journal.PriInfo,
	logrus.WarnLevel:  journal.PriWarning,
	logrus.ErrorLevel: journal.PriErr,
	logrus.FatalLevel: journal.PriCrit,
	logrus.PanicLevel: journal.PriEmerg,
}

// journalField turns a logrus key into a journal field name: upper case
// letters, digits and underscores, not starting with an underscore.
func journalField(key string) string {
	key = strings.Map(func(r rune) rune {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		default:
			return '_'
		}
	}, key)
	return strings.TrimLeft(key, "_")
}

func journalFields(data logrus.Fields) map[string]string {
	vars := make(map[string]string, len(data)+1)
	for k, v := range data {
		vars[journalField(k)] = fmt.Sprint(v)
	}
	vars["SYSLOG_IDENTIFIER"] = "dlcopy-iso"
	return vars
}

func (journalHook) Fire(entry *logrus.Entry) error {
	return journal.Send(entry.Message, severityMap[entry.Level], journalFields(entry.Data))
}

func (journalHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

// setupLogger configures the global logger. The journal hook is only
// installed when journald is reachable.
func setupLogger(cfg LogConfig) error {
	log.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339Nano,
	})

	lvl, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	log.SetLevel(lvl)

	if cfg.Journal {
		if !journal.Enabled() {
			log.Warn("journald not available, journal logging disabled")
			return nil
		}
		log.AddHook(journalHook{})
	}
	return nil
}
