package logging

import (
	"fmt"
	"log/slog"
	"log/syslog"
	"strings"
)

var facilities = map[string]syslog.Priority{
	"kern":     syslog.LOG_KERN,
	"user":     syslog.LOG_USER,
	"mail":     syslog.LOG_MAIL,
	"daemon":   syslog.LOG_DAEMON,
	"auth":     syslog.LOG_AUTH,
	"syslog":   syslog.LOG_SYSLOG,
	"lpr":      syslog.LOG_LPR,
	"news":     syslog.LOG_NEWS,
	"uucp":     syslog.LOG_UUCP,
	"cron":     syslog.LOG_CRON,
	"authpriv": syslog.LOG_AUTHPRIV,
	"ftp":      syslog.LOG_FTP,
	"local0":   syslog.LOG_LOCAL0,
	"local1":   syslog.LOG_LOCAL1,
	"local2":   syslog.LOG_LOCAL2,
	"local3":   syslog.LOG_LOCAL3,
	"local4":   syslog.LOG_LOCAL4,
	"local5":   syslog.LOG_LOCAL5,
	"local6":   syslog.LOG_LOCAL6,
	"local7":   syslog.LOG_LOCAL7,
}

var severities = map[string]syslog.Priority{
	"emerg":   syslog.LOG_EMERG,
	"alert":   syslog.LOG_ALERT,
	"crit":    syslog.LOG_CRIT,
	"err":     syslog.LOG_ERR,
	"error":   syslog.LOG_ERR,
	"warning": syslog.LOG_WARNING,
	"warn":    syslog.LOG_WARNING,
	"notice":  syslog.LOG_NOTICE,
	"info":    syslog.LOG_INFO,
	"debug":   syslog.LOG_DEBUG,
}

// ParseSyslogPriority combines a facility name (e.g. "user", "local3") and a
// severity name (e.g. "info", "err").
func ParseSyslogPriority(facility, severity string) (syslog.Priority, error) {
	f, ok := facilities[strings.ToLower(facility)]
	if !ok {
		return 0, fmt.Errorf("unknown syslog facility %q", facility)
	}
	s, ok := severities[strings.ToLower(severity)]
	if !ok {
		return 0, fmt.Errorf("unknown syslog priority %q", severity)
	}
	return f | s, nil
}

// NewSyslog connects to the local syslog daemon and returns a logger whose
// records are written there as single-line JSON, plus a close function.
func NewSyslog(facility, severity, tag string) (*slog.Logger, func() error, error) {
	prio, err := ParseSyslogPriority(facility, severity)
	if err != nil {
		return nil, nil, err
	}
	w, err := syslog.New(prio, tag)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to syslog: %w", err)
	}
	logger := slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return logger, w.Close, nil
}
