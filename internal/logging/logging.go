// Package logging wires up logrus the way the teacher's daemon
// bootstrap does: a level from config, an optional rotating file hook,
// and an optional syslog hook, so clustermgrd logs identically whether
// it's run in a foreground terminal or as a supervised service.
package logging

import (
	"fmt"
	"log/syslog"

	"github.com/sirupsen/logrus"
	lsyslog "github.com/sirupsen/logrus/hooks/syslog"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/pgxc-mgr/clustermgr/config"
)

// New builds a *logrus.Logger per cfg and returns it ready for use as
// the process-wide logger. Component packages receive a *logrus.Entry
// derived from it (via WithField("component", ...)) rather than the
// bare logger, so every line is attributable.
func New(cfg config.Config) (*logrus.Logger, error) {
	log := logrus.New()

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("logging: invalid log level %q: %w", cfg.LogLevel, err)
	}
	log.SetLevel(level)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if cfg.LogFile != "" {
		log.AddHook(&writerHook{
			writer: &lumberjack.Logger{
				Filename:   cfg.LogFile,
				MaxSize:    100,
				MaxBackups: 5,
				MaxAge:     30,
				Compress:   true,
			},
			formatter: log.Formatter,
		})
	}

	if cfg.SyslogAddr != "" {
		hook, err := lsyslog.NewSyslogHook("udp", cfg.SyslogAddr, syslog.LOG_INFO, cfg.SyslogTag)
		if err != nil {
			return nil, fmt.Errorf("logging: connecting to syslog at %s: %w", cfg.SyslogAddr, err)
		}
		log.AddHook(hook)
	}

	return log, nil
}

// Component returns a tagged entry for one subsystem, the unit every
// internal package actually logs through.
func Component(log *logrus.Logger, name string) *logrus.Entry {
	return log.WithField("component", name)
}

// writerHook fans every log entry the logger emits out to an
// io.Writer (here, a lumberjack rotating file) independent of the
// logger's other hooks or output destination.
type writerHook struct {
	writer    *lumberjack.Logger
	formatter logrus.Formatter
}

func (h *writerHook) Levels() []logrus.Level { return logrus.AllLevels }

func (h *writerHook) Fire(entry *logrus.Entry) error {
	line, err := h.formatter.Format(entry)
	if err != nil {
		return err
	}
	_, err = h.writer.Write(line)
	return err
}
