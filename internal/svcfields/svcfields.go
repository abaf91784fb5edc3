// Package svcfields holds the log field names markd attaches to structured
// entries and helpers for deriving subsystem loggers.
package svcfields

import (
	"strings"

	"pkt.systems/pslog"
)

const (
	// SubsystemKey tags entries with the emitting subsystem (store.persist,
	// realtime.heartbeat, ...).
	SubsystemKey = pslog.TrustedString("sys")
	// IdentityKey carries the requester or session identity.
	IdentityKey = "identity"
	// ResourceKey carries a lease resource id or store key.
	ResourceKey = "resource"
	// ConnKey carries the realtime connection id.
	ConnKey = "conn_id"
)

// Subsystem joins parts with dots, dropping blanks.
func Subsystem(parts ...string) string {
	kept := parts[:0:0]
	for _, part := range parts {
		if part = strings.Trim(part, ". "); part != "" {
			kept = append(kept, part)
		}
	}
	return strings.Join(kept, ".")
}

// WithSubsystem returns logger tagged with subsystem. A nil logger becomes a
// no-op logger.
func WithSubsystem(logger pslog.Logger, subsystem string) pslog.Logger {
	logger = EnsureLogger(logger)
	if subsystem = strings.Trim(subsystem, ". "); subsystem == "" {
		return logger
	}
	return logger.With(SubsystemKey, subsystem)
}

// EnsureLogger returns logger, or a disabled logger when it is nil.
func EnsureLogger(logger pslog.Logger) pslog.Logger {
	if logger != nil {
		return logger
	}
	return pslog.NoopLogger()
}
