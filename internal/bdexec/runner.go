package bdexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/acartine/beadboard/internal/debug"
)

// Result is the outcome of one bd invocation (or of the recovery pipeline as
// a whole, since recovery always returns some attempt's result verbatim).
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	TimedOut bool
}

// Success reports whether the command completed cleanly.
func (r *Result) Success() bool {
	return r.ExitCode == 0 && !r.TimedOut
}

// output returns stdout and stderr joined for signature matching.
func (r *Result) output() string {
	return r.Stdout + "\n" + r.Stderr
}

// ExecError wraps a failed Result as an error so read-path decorators can
// classify it. The translation layer maps this into its typed taxonomy.
type ExecError struct {
	Result *Result
}

func (e *ExecError) Error() string {
	msg := strings.TrimSpace(e.Result.Stderr)
	if msg == "" {
		msg = fmt.Sprintf("bd exited with code %d", e.Result.ExitCode)
	}
	return msg
}

// attemptOptions holds per-attempt knobs for runOnce.
type attemptOptions struct {
	dir     string        // repository working directory
	timeout time.Duration // hard wall-clock ceiling
	bypass  bool          // inject BD_NO_DB=1 (degraded JSONL query path)
}

// runOnce spawns bd exactly once and normalizes the outcome.
//
// The timeout kills the child with SIGKILL: bd offers no cooperative
// cancellation hook, so there is no graceful-shutdown grace period. A killed
// process is reported as exit code 1 with a synthetic "timed out after Nms"
// marker appended to stderr, so downstream classification never inspects
// process-level signal state.
func (e *Executor) runOnce(ctx context.Context, argv []string, opt attemptOptions) *Result {
	if err := e.procs.Acquire(ctx, 1); err != nil {
		return &Result{ExitCode: 1, Stderr: fmt.Sprintf("acquiring process slot: %v", err)}
	}
	defer e.procs.Release(1)

	runCtx, cancel := context.WithTimeout(ctx, opt.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, e.bdPath, argv...) // #nosec G204 - argv comes from the translation layer, not end users
	cmd.Dir = opt.dir
	// Without WaitDelay, an orphaned grandchild holding the output pipes
	// keeps Wait blocked past the kill.
	cmd.WaitDelay = time.Second
	env := os.Environ()
	if opt.bypass {
		env = append(env, "BD_NO_DB=1")
	}
	cmd.Env = env

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	debug.Logf("bdexec: run %s %s (dir=%s bypass=%v timeout=%v)\n",
		e.bdPath, strings.Join(argv, " "), opt.dir, opt.bypass, opt.timeout)

	err := cmd.Run()

	res := &Result{Stdout: stdout.String(), Stderr: stderr.String()}

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		res.TimedOut = true
		res.ExitCode = 1
		res.Stderr = strings.TrimRight(res.Stderr, "\n") +
			fmt.Sprintf("\nbeadboard: timed out after %dms\n", opt.timeout.Milliseconds())
		return res
	}

	if err == nil {
		return res
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		if res.ExitCode < 0 {
			// Killed by an external signal rather than our timeout.
			res.ExitCode = 1
		}
		return res
	}

	// Spawn failure: bd binary missing, working directory gone, etc.
	res.ExitCode = 1
	res.Stderr = err.Error()
	return res
}
