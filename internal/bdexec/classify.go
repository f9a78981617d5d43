package bdexec

import (
	"strings"
	"time"
)

// Category describes how safe a bd command is to repeat.
type Category int

const (
	// ReadOnly commands never modify the store.
	ReadOnly Category = iota
	// IdempotentWrite commands mutate the store but converge to the same
	// state when repeated (field updates, label changes, sync).
	IdempotentWrite
	// NonIdempotentWrite commands can double-apply a side effect if repeated
	// (create would mint a duplicate issue), so they never get retried.
	NonIdempotentWrite
)

func (c Category) String() string {
	switch c {
	case ReadOnly:
		return "read-only"
	case IdempotentWrite:
		return "idempotent-write"
	case NonIdempotentWrite:
		return "non-idempotent-write"
	default:
		return "unknown"
	}
}

// readOnlyVerbs lists bd commands that only read from the database.
var readOnlyVerbs = map[string]bool{
	"list":       true,
	"ready":      true,
	"show":       true,
	"stats":      true,
	"blocked":    true,
	"count":      true,
	"search":     true,
	"graph":      true,
	"duplicates": true,
	"comments":   true, // list comments (not add)
}

// idempotentWriteVerbs lists mutating commands that are safe to repeat.
var idempotentWriteVerbs = map[string]bool{
	"update": true,
	"label":  true,
	"sync":   true,
}

// depReadSubcommands are the read-only forms of "bd dep".
var depReadSubcommands = map[string]bool{
	"list": true,
	"tree": true,
	"show": true,
}

// Classify determines the category of a bd argument vector.
// Unknown verbs are treated as non-idempotent writes, the conservative
// default: a verb we cannot place must never be silently re-run.
func Classify(argv []string) Category {
	verb, sub := commandVerb(argv)
	switch {
	case verb == "dep" && depReadSubcommands[sub]:
		return ReadOnly
	case verb == "dep" && sub == "remove":
		return IdempotentWrite
	case readOnlyVerbs[verb]:
		return ReadOnly
	case idempotentWriteVerbs[verb]:
		return IdempotentWrite
	default:
		return NonIdempotentWrite
	}
}

// Classification is the execution plan derived from an argument vector:
// the category plus the timeout and timeout-retry budget that apply.
type Classification struct {
	Category    Category
	Timeout     time.Duration
	RetryBudget int // extra from-scratch attempts allowed after a timeout
}

// Plan classifies argv and applies the configured timeouts. Reads get the
// shorter timeout (tighter latency expectations from the UI) and one timeout
// retry; idempotent writes get the write timeout and one retry; everything
// else gets the write timeout and no retry.
func Plan(argv []string, readTimeout, writeTimeout time.Duration) Classification {
	cat := Classify(argv)
	cl := Classification{Category: cat}
	switch cat {
	case ReadOnly:
		cl.Timeout = readTimeout
		cl.RetryBudget = 1
	case IdempotentWrite:
		cl.Timeout = writeTimeout
		cl.RetryBudget = 1
	default:
		cl.Timeout = writeTimeout
		cl.RetryBudget = 0
	}
	return cl
}

// commandVerb extracts the first two non-flag tokens from argv.
// Flags may precede the verb (bd accepts persistent flags anywhere).
func commandVerb(argv []string) (verb, sub string) {
	for _, arg := range argv {
		if strings.HasPrefix(arg, "-") {
			continue
		}
		if verb == "" {
			verb = arg
			continue
		}
		return verb, arg
	}
	return verb, ""
}
