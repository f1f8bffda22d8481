// Package svcfields carries the structured-log field conventions shared by
// the guard library and the wardend CLI.
package svcfields

import (
	"strings"

	"pkt.systems/pslog"
)

// SubsystemKey tags every entry with the emitting subsystem, for example
// "guard", "supervisor", or "cli.root".
const SubsystemKey = pslog.TrustedString("sys")

// WithSubsystem returns logger with the subsystem tag attached. A nil logger
// yields a noop logger and an empty name leaves the logger untagged.
func WithSubsystem(logger pslog.Logger, name string) pslog.Logger {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	name = strings.Trim(name, ". ")
	if name == "" {
		return logger
	}
	return logger.With(SubsystemKey, name)
}
