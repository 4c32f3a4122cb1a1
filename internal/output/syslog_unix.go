//go:build !windows && !plan9

package output

import (
	"fmt"
	"log/syslog"
)

// NewSyslog connects to the syslog socket named by s.PathLog, or to the local
// syslog daemon when it is empty. The process id is part of every message
// header.
func NewSyslog(s Settings) (*Syslog, error) {
	facility, err := parseFacility(s.Facility)
	if err != nil {
		return nil, err
	}
	severity, err := parsePriority(s.Priority)
	if err != nil {
		return nil, err
	}
	priority := syslog.LOG_LOCAL0 + syslog.Priority(facility<<3) | syslog.Priority(severity)

	var w *syslog.Writer
	if s.PathLog != "" {
		w, err = syslog.Dial("unixgram", s.PathLog, priority, s.Ident)
	} else {
		w, err = syslog.New(priority, s.Ident)
	}
	if err != nil {
		return nil, fmt.Errorf("connect syslog: %w", err)
	}
	return newSyslogSink(w, s.MaxLength), nil
}
