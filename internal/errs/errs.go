// Package errs defines the error taxonomy from spec.md §7 as tagged
// errors, the same idiom the teacher uses for its single "bad CLI
// invocation" tag in cmdbase.go, generalized to one tag per kind so
// callers can branch on `Kind.In(err)` instead of sentinel values or
// type switches.
package errs

import "go.chromium.org/luci/common/errors"

var (
	// Configuration marks malformed or missing options. Fatal at startup.
	Configuration = errors.BoolTag{Key: errors.NewTagKey("configuration error")}
	// StoreUnavailable marks a held lock or unreadable store directory.
	// Fatal at startup; recoverable on a subsequent start.
	StoreUnavailable = errors.BoolTag{Key: errors.NewTagKey("store unavailable")}
	// StoreBudgetExceeded marks an artifact larger than the configured
	// budget. Non-fatal; the request proceeds without caching.
	StoreBudgetExceeded = errors.BoolTag{Key: errors.NewTagKey("store budget exceeded")}
	// StoreIO marks a transient store read/write failure. Non-fatal; the
	// affected entry is deleted and the request is re-routed as a miss.
	StoreIO = errors.BoolTag{Key: errors.NewTagKey("store io error")}
	// BuildFailed marks a non-zero compiler exit. Never cached.
	BuildFailed = errors.BoolTag{Key: errors.NewTagKey("build failed")}
	// RemoteUnavailable marks a network or timeout failure talking to the
	// remote builder. Triggers one-shot fallback to a local build.
	RemoteUnavailable = errors.BoolTag{Key: errors.NewTagKey("remote unavailable")}
	// Cancelled marks a caller disconnect or deadline expiry.
	Cancelled = errors.BoolTag{Key: errors.NewTagKey("cancelled")}
	// Corruption marks a content hash mismatch on read-back.
	Corruption = errors.BoolTag{Key: errors.NewTagKey("corruption")}
)

// ExitCode maps a startup error to the process exit codes from
// spec.md §6: 0 success; 64 configuration error; 69 store unavailable;
// 74 I/O error during startup scan.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case Configuration.In(err):
		return 64
	case StoreUnavailable.In(err):
		return 69
	case StoreIO.In(err):
		return 74
	default:
		return 1
	}
}
