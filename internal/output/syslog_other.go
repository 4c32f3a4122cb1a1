//go:build windows || plan9

package output

import "duck-audit/internal/domain"

// NewSyslog is not available on this platform.
func NewSyslog(Settings) (*Syslog, error) {
	return nil, domain.ErrNotImplemented("syslog output is not supported on this platform")
}
