package bdexec

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/acartine/beadboard/internal/debug"
)

// Recovery is three orthogonal decision layers applied in sequence:
//
//  1. inner recoveries within one attempt: stale-cache auto-heal and the
//     engine-panic bypass fallback (attempt);
//  2. flag-compatibility: strip a flag the installed bd binary rejected and
//     re-attempt once (runPipeline);
//  3. outer timeout retry: re-run the whole attempt once when the command's
//     classification allows it (runPipeline).
//
// Each layer is a pure decision function over the Result so they stay
// independently testable.

// needsAutoHeal reports whether res failed with the stale-cache signature on
// a command that is not itself a sync. Sync is exempt: it is the heal.
func needsAutoHeal(argv []string, res *Result) bool {
	if res.Success() {
		return false
	}
	verb, _ := commandVerb(argv)
	if verb == "sync" {
		return false
	}
	return isStaleCacheOutput(res.output())
}

// needsBypassRetry reports whether res is an engine panic that a read-only
// command can dodge by re-running in the degraded JSONL path. Writes never
// bypass: the degraded path cannot persist mutations safely.
func needsBypassRetry(cat Category, inBypass bool, res *Result) bool {
	if res.Success() || cat != ReadOnly || inBypass {
		return false
	}
	return isEnginePanicOutput(res.output())
}

// flagToStrip returns the flag to remove when the installed bd binary
// rejected one we sent. The flag must actually appear in argv; a flag named
// in stderr but absent from our vector is somebody else's problem.
func flagToStrip(argv []string, res *Result) (string, bool) {
	if res.Success() {
		return "", false
	}
	flag, ok := unknownFlagIn(res.Stderr)
	if !ok {
		return "", false
	}
	for _, arg := range argv {
		if arg == flag || strings.HasPrefix(arg, flag+"=") {
			return flag, true
		}
	}
	return "", false
}

// stripFlag removes flag (and its =value form) from argv.
func stripFlag(argv []string, flag string) []string {
	out := make([]string, 0, len(argv))
	for _, arg := range argv {
		if arg == flag || strings.HasPrefix(arg, flag+"=") {
			continue
		}
		out = append(out, arg)
	}
	return out
}

// needsTimeoutRetry reports whether the finished attempt should be re-run
// from scratch: it ultimately timed out and the classification carries a
// retry budget. Non-idempotent writes have budget zero and never get here.
func needsTimeoutRetry(cl Classification, res *Result) bool {
	if res.Success() || cl.RetryBudget <= 0 {
		return false
	}
	return res.TimedOut || isTimeoutOutput(res.Stderr)
}

// attempt runs argv once, applying the inner recovery layers. Whatever it
// returns is some real attempt's result, never an invented success.
func (e *Executor) attempt(ctx context.Context, argv []string, cat Category, opt attemptOptions) *Result {
	e.attempts.Add(ctx, 1)
	res := e.runOnce(ctx, argv, opt)
	if res.Success() {
		return res
	}

	if needsAutoHeal(argv, res) {
		debug.Logf("bdexec: stale cache detected, running sync --import-only\n")
		e.recoveries.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", "auto-heal")))
		healOpt := opt
		healOpt.bypass = false
		healOpt.timeout = e.writeTimeout
		heal := e.runOnce(ctx, []string{"sync", "--import-only"}, healOpt)
		if heal.Success() {
			// Re-run the original once. Not itself subject to further
			// auto-heal: a second stale signature means healing failed.
			return e.runOnce(ctx, argv, opt)
		}
		debug.Logf("bdexec: auto-heal failed, returning original failure\n")
		return res
	}

	if needsBypassRetry(cat, opt.bypass, res) && !e.disableBypass {
		debug.Logf("bdexec: engine panic on read, retrying in bypass mode\n")
		e.recoveries.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", "bypass")))
		bypassOpt := opt
		bypassOpt.bypass = true
		return e.runOnce(ctx, argv, bypassOpt)
	}

	return res
}

// runPipeline is the full recovery pipeline for one admitted command:
// attempt with inner recoveries, then the flag-compatibility layer, then the
// outer timeout retry.
func (e *Executor) runPipeline(ctx context.Context, argv []string, cl Classification, opt attemptOptions) *Result {
	res := e.attempt(ctx, argv, cl.Category, opt)

	if flag, ok := flagToStrip(argv, res); ok {
		debug.Logf("bdexec: installed bd rejected %s, retrying without it\n", flag)
		e.recoveries.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", "flag-strip")))
		argv = stripFlag(argv, flag)
		res = e.attempt(ctx, argv, cl.Category, opt)
	}

	if needsTimeoutRetry(cl, res) {
		debug.Logf("bdexec: %s command timed out, retrying once\n", cl.Category)
		e.recoveries.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", "timeout-retry")))
		res = e.attempt(ctx, argv, cl.Category, opt)
	}

	return res
}
