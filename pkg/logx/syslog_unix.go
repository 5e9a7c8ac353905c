//go:build !windows

package logx

import (
	"fmt"
	"log/syslog"

	lsyslog "github.com/sirupsen/logrus/hooks/syslog"
)

// EnableSyslog mirrors log entries to the local syslog daemon (logread on
// OpenWrt) under tag.
func (l *Logger) EnableSyslog(tag string) error {
	hook, err := lsyslog.NewSyslogHook("", "", syslog.LOG_DAEMON|syslog.LOG_INFO, tag)
	if err != nil {
		return fmt.Errorf("failed to connect to syslog: %w", err)
	}
	l.output.AddHook(hook)
	return nil
}
