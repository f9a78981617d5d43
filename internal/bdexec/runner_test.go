package bdexec

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// writeFakeBD writes a shell script standing in for the bd binary and
// returns its path. The script body runs under /bin/sh with the usual
// positional arguments.
func writeFakeBD(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bd")
	script := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("writing fake bd: %v", err)
	}
	return path
}

func testExecutor(t *testing.T, bdPath string, opts Options) *Executor {
	t.Helper()
	opts.BDPath = bdPath
	if opts.Locks.Root == "" {
		opts.Locks.Root = filepath.Join(t.TempDir(), "locks")
	}
	if opts.Locks.PollInterval == 0 {
		opts.Locks.PollInterval = 10 * time.Millisecond
	}
	if opts.Locks.WaitTimeout == 0 {
		opts.Locks.WaitTimeout = 2 * time.Second
	}
	e := New(opts)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestRunOnceSuccess(t *testing.T) {
	bd := writeFakeBD(t, `echo "bd-1 open fix flaky test"`)
	e := testExecutor(t, bd, Options{})

	res := e.runOnce(context.Background(), []string{"list"}, attemptOptions{
		dir:     t.TempDir(),
		timeout: 5 * time.Second,
	})

	if !res.Success() {
		t.Fatalf("result not successful: exit=%d stderr=%q", res.ExitCode, res.Stderr)
	}
	if !strings.Contains(res.Stdout, "bd-1 open") {
		t.Errorf("stdout = %q, want issue line", res.Stdout)
	}
}

func TestRunOncePreservesExitCode(t *testing.T) {
	bd := writeFakeBD(t, `echo "issue not found" >&2; exit 3`)
	e := testExecutor(t, bd, Options{})

	res := e.runOnce(context.Background(), []string{"show", "bd-999"}, attemptOptions{
		dir:     t.TempDir(),
		timeout: 5 * time.Second,
	})

	if res.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", res.ExitCode)
	}
	if res.TimedOut {
		t.Error("clean non-zero exit must not be marked as timed out")
	}
	if !strings.Contains(res.Stderr, "issue not found") {
		t.Errorf("stderr = %q, want original error text", res.Stderr)
	}
}

func TestRunOnceTimeout(t *testing.T) {
	bd := writeFakeBD(t, `sleep 5`)
	e := testExecutor(t, bd, Options{})

	start := time.Now()
	res := e.runOnce(context.Background(), []string{"list"}, attemptOptions{
		dir:     t.TempDir(),
		timeout: 100 * time.Millisecond,
	})
	elapsed := time.Since(start)

	if elapsed > 2*time.Second {
		t.Fatalf("runOnce took %v, the child was not killed promptly", elapsed)
	}
	if !res.TimedOut {
		t.Error("TimedOut not set")
	}
	if res.ExitCode != 1 {
		t.Errorf("exit code = %d, want normalized 1", res.ExitCode)
	}
	if !strings.Contains(res.Stderr, "timed out after 100ms") {
		t.Errorf("stderr = %q, want synthetic timeout marker", res.Stderr)
	}
}

func TestRunOnceBypassEnv(t *testing.T) {
	bd := writeFakeBD(t, `echo "no_db=${BD_NO_DB:-unset}"`)
	e := testExecutor(t, bd, Options{})

	res := e.runOnce(context.Background(), []string{"list"}, attemptOptions{
		dir:     t.TempDir(),
		timeout: 5 * time.Second,
		bypass:  true,
	})
	if !strings.Contains(res.Stdout, "no_db=1") {
		t.Errorf("bypass mode did not inject BD_NO_DB=1: stdout=%q", res.Stdout)
	}

	res = e.runOnce(context.Background(), []string{"list"}, attemptOptions{
		dir:     t.TempDir(),
		timeout: 5 * time.Second,
	})
	if !strings.Contains(res.Stdout, "no_db=unset") {
		t.Errorf("BD_NO_DB leaked into a non-bypass attempt: stdout=%q", res.Stdout)
	}
}

func TestRunOnceWorkingDirectory(t *testing.T) {
	bd := writeFakeBD(t, `pwd`)
	e := testExecutor(t, bd, Options{})

	repo := t.TempDir()
	res := e.runOnce(context.Background(), []string{"list"}, attemptOptions{
		dir:     repo,
		timeout: 5 * time.Second,
	})

	got := strings.TrimSpace(res.Stdout)
	want, _ := filepath.EvalSymlinks(repo)
	gotResolved, _ := filepath.EvalSymlinks(got)
	if gotResolved != want {
		t.Errorf("child ran in %q, want %q", got, want)
	}
}

func TestRunOnceSpawnFailure(t *testing.T) {
	e := testExecutor(t, filepath.Join(t.TempDir(), "missing-bd"), Options{})

	res := e.runOnce(context.Background(), []string{"list"}, attemptOptions{
		dir:     t.TempDir(),
		timeout: 5 * time.Second,
	})

	if res.Success() {
		t.Fatal("spawn failure reported as success")
	}
	if res.ExitCode != 1 {
		t.Errorf("exit code = %d, want 1", res.ExitCode)
	}
	if res.Stderr == "" {
		t.Error("spawn failure should carry an error message in stderr")
	}
}
