package bdexec

import (
	"regexp"
	"strings"
)

// Failure signatures of the bd binary. bd does not expose structured error
// codes over its CLI, so these are substring checks against lowercased
// output, the same way the store's own drivers classify transient errors.

// staleCacheSignatures indicate the SQLite cache disagrees with the JSONL
// append log. Recoverable by re-importing before a retry.
var staleCacheSignatures = []string{
	"jsonl is newer than",
	"newer than the database",
	"database may be stale",
	"run 'bd import'",
}

func isStaleCacheOutput(out string) bool {
	out = strings.ToLower(out)
	for _, sig := range staleCacheSignatures {
		if strings.Contains(out, sig) {
			return true
		}
	}
	return false
}

// enginePanicSignatures indicate a fatal crash inside bd's embedded SQL
// engine. Reads can be re-run in the degraded JSONL path (BD_NO_DB=1),
// which avoids the engine entirely.
var enginePanicSignatures = []string{
	"panic: ",
	"runtime error:",
}

func isEnginePanicOutput(out string) bool {
	out = strings.ToLower(out)
	for _, sig := range enginePanicSignatures {
		if strings.Contains(out, sig) {
			return true
		}
	}
	return false
}

// contentionSignatures are failures caused by another process holding the
// store, not by the command itself. Only these may ever be masked by the
// read-path suppression cache.
var contentionSignatures = []string{
	"database is locked",
	"database table is locked",
	"access lock timeout",
	"another bd process",
	"resource busy",
	"resource temporarily unavailable",
	"permission denied",
	"unable to open database",
}

// IsContentionOutput reports whether out matches the contention allow-list.
func IsContentionOutput(out string) bool {
	out = strings.ToLower(out)
	for _, sig := range contentionSignatures {
		if strings.Contains(out, sig) {
			return true
		}
	}
	return false
}

// timedOutMarker is the synthetic stderr annotation the runner appends when
// it kills a command, so downstream layers never inspect signal state.
const timedOutMarker = "timed out after"

func isTimeoutOutput(out string) bool {
	return strings.Contains(strings.ToLower(out), timedOutMarker)
}

// unknownFlagRe matches cobra's rejection of a flag the installed bd binary
// does not know, capturing the exact flag name.
var unknownFlagRe = regexp.MustCompile(`unknown flag: (--?[a-zA-Z][a-zA-Z0-9-]*)`)

// unknownFlagIn extracts the rejected flag name from stderr, if present.
func unknownFlagIn(out string) (string, bool) {
	m := unknownFlagRe.FindStringSubmatch(out)
	if m == nil {
		return "", false
	}
	return m[1], true
}
