//go:build windows

package logx

import "errors"

// EnableSyslog is not supported on Windows
func (l *Logger) EnableSyslog(tag string) error {
	return errors.New("syslog is not available on windows")
}
