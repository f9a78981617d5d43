// Package bdexec executes bd commands resiliently.
//
// Every command for a repository is admitted through an in-process FIFO
// queue (one in-flight command per repository from this process), then
// guarded by a cross-process lock directory, then run with a classification-
// derived timeout. Failures with known signatures (stale cache, embedded
// engine panic, unknown flag, timeout) are recovered automatically when the
// command's classification makes recovery safe. Read operations are
// additionally wrapped by a suppression cache that masks brief store
// contention with the last good result.
package bdexec

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/semaphore"

	"github.com/acartine/beadboard/internal/config"
	"github.com/acartine/beadboard/internal/debug"
	"github.com/acartine/beadboard/internal/repolock"
	"github.com/acartine/beadboard/internal/resqueue"
	"github.com/acartine/beadboard/internal/suppress"
	"github.com/acartine/beadboard/internal/telemetry"
)

const meterScope = "github.com/acartine/beadboard/bdexec"

// Request identifies one bd command against one repository.
type Request struct {
	Repo string   // repository working directory (the resource)
	Args []string // bd argument vector
	// ForceBypass forces the degraded JSONL query path for this call,
	// regardless of the process-wide default. Only honored for reads.
	ForceBypass bool
}

// Options configures an Executor. Zero fields fall back to defaults.
type Options struct {
	BDPath        string
	MaxProcs      int64 // concurrent bd child processes across all repositories
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	ForceBypass   bool // default reads to bypass mode
	DisableBypass bool // never use bypass mode, even for panic recovery
	Locks         repolock.Options
	SuppressCfg   suppress.Config
	WatchJSONL    bool // invalidate suppressed reads when issues.jsonl changes
}

// Executor is the public entry point of the command execution subsystem.
type Executor struct {
	bdPath        string
	queue         *resqueue.Queue
	locks         *repolock.Manager
	procs         *semaphore.Weighted
	readTimeout   time.Duration
	writeTimeout  time.Duration
	forceBypass   bool
	disableBypass bool

	reads   *suppress.Cache[*Result]
	watcher *suppress.Watcher

	attempts   metric.Int64Counter
	recoveries metric.Int64Counter
	suppressed metric.Int64Counter
}

// New builds an Executor from opts.
func New(opts Options) *Executor {
	if opts.BDPath == "" {
		opts.BDPath = "bd"
	}
	if opts.MaxProcs <= 0 {
		opts.MaxProcs = 4
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 15 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 60 * time.Second
	}

	e := &Executor{
		bdPath:        opts.BDPath,
		queue:         resqueue.New(),
		locks:         repolock.NewManager(opts.Locks),
		procs:         semaphore.NewWeighted(opts.MaxProcs),
		readTimeout:   opts.ReadTimeout,
		writeTimeout:  opts.WriteTimeout,
		forceBypass:   opts.ForceBypass,
		disableBypass: opts.DisableBypass,
	}

	scfg := opts.SuppressCfg
	if scfg.Suppressible == nil {
		scfg.Suppressible = isContentionFailure
	}
	e.reads = suppress.New[*Result](scfg)

	if opts.WatchJSONL {
		w, err := suppress.NewWatcher(func(repo string) {
			suffix := "\x00" + repolock.Key(repo)
			e.reads.InvalidateFunc(func(key string) bool {
				return strings.HasSuffix(key, suffix)
			})
		})
		if err != nil {
			debug.Logf("bdexec: jsonl watcher unavailable: %v\n", err)
		} else {
			e.watcher = w
		}
	}

	m := telemetry.Meter(meterScope)
	e.attempts, _ = m.Int64Counter("beadboard.exec.attempts",
		metric.WithDescription("bd attempts started, including recovery re-runs"),
	)
	e.recoveries, _ = m.Int64Counter("beadboard.exec.recoveries",
		metric.WithDescription("Recovery actions taken, by kind"),
	)
	e.suppressed, _ = m.Int64Counter("beadboard.exec.suppressed_reads",
		metric.WithDescription("Reads served from the last good result during contention"),
	)

	return e
}

// FromConfig builds an Executor from the process configuration.
func FromConfig() *Executor {
	return New(Options{
		BDPath:        config.GetString("exec.bd-path"),
		MaxProcs:      int64(config.GetInt("exec.max-procs")),
		ReadTimeout:   config.GetDuration("timeout.read"),
		WriteTimeout:  config.GetDuration("timeout.write"),
		ForceBypass:   config.GetBool("bypass.force"),
		DisableBypass: config.GetBool("bypass.disable"),
		Locks: repolock.Options{
			Root:         config.GetString("lock.root"),
			PollInterval: config.GetDuration("lock.poll-interval"),
			StaleAfter:   config.GetDuration("lock.stale-after"),
			WaitTimeout:  config.GetDuration("lock.wait-timeout"),
		},
		SuppressCfg: suppress.Config{
			Window:     config.GetDuration("suppress.window"),
			MaxEntries: config.GetInt("suppress.max-entries"),
		},
		WatchJSONL: true,
	})
}

// Locks exposes the lock manager for the locks CLI.
func (e *Executor) Locks() *repolock.Manager {
	return e.locks
}

// Close releases background resources (the JSONL watcher).
func (e *Executor) Close() error {
	if e.watcher != nil {
		return e.watcher.Close()
	}
	return nil
}

// Execute runs one bd command through the full pipeline: queue admission,
// cross-process lock, attempt with recovery. The queue slot and lock are
// released on every path.
//
// A non-nil error means the command never ran to completion (queue wait
// canceled, lock wait timed out). A command that ran and failed comes back
// as a Result with a non-zero exit code; recovery that succeeded is
// invisible to the caller.
func (e *Executor) Execute(ctx context.Context, req Request) (*Result, error) {
	if len(req.Args) == 0 {
		return nil, errors.New("empty command vector")
	}
	if req.Repo == "" {
		return nil, errors.New("repository path is required")
	}

	key := repolock.Key(req.Repo)
	cl := Plan(req.Args, e.readTimeout, e.writeTimeout)
	opt := attemptOptions{
		dir:     key,
		timeout: cl.Timeout,
		bypass:  e.defaultBypass(cl.Category, req.ForceBypass),
	}

	var res *Result
	err := e.queue.RunExclusive(ctx, key, func() error {
		lease, err := e.locks.Acquire(ctx, key)
		if err != nil {
			return fmt.Errorf("acquiring repository lock: %w", err)
		}
		defer lease.Release()

		res = e.runPipeline(ctx, req.Args, cl, opt)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Query runs a read command through Execute wrapped by the suppression
// cache. During classified contention it serves the last good result for up
// to the suppression window, then fails with suppress.ErrDegraded.
func (e *Executor) Query(ctx context.Context, req Request) (*Result, error) {
	key := queryKey(req)

	if e.watcher != nil {
		if err := e.watcher.WatchRepo(repolock.Key(req.Repo)); err != nil {
			debug.Logf("bdexec: cannot watch %s: %v\n", req.Repo, err)
		}
	}

	var fetchErr error
	res, err := e.reads.Do(key, func() (*Result, error) {
		r, execErr := e.Execute(ctx, req)
		if execErr != nil {
			fetchErr = execErr
			return nil, execErr
		}
		if !r.Success() {
			fetchErr = &ExecError{Result: r}
			return nil, fetchErr
		}
		return r, nil
	})
	if err != nil {
		return nil, err
	}
	if fetchErr != nil {
		// The fetch failed but the cache masked it with the last good result.
		e.suppressed.Add(ctx, 1)
	}
	return res, nil
}

// defaultBypass computes the initial bypass setting for an attempt. Only
// reads ever bypass, and DisableBypass wins over everything (including the
// per-call override).
func (e *Executor) defaultBypass(cat Category, forceBypass bool) bool {
	if e.disableBypass || cat != ReadOnly {
		return false
	}
	return e.forceBypass || forceBypass
}

// isContentionFailure classifies an error from the execute pipeline for the
// suppression cache: lock-wait timeouts and contention-signature failures
// qualify; everything else passes through unmasked.
func isContentionFailure(err error) bool {
	if errors.Is(err, repolock.ErrLockBusy) {
		return true
	}
	var execErr *ExecError
	if errors.As(err, &execErr) {
		return IsContentionOutput(execErr.Result.Stderr)
	}
	return false
}

// queryKey builds the suppression-cache key: operation, exact parameters,
// bypass mode, and canonical repository path. A bypass read and a normal
// read can produce different output, so they must not share a cache entry.
// NUL separators keep adjacent fields from colliding, and the repository
// path stays the trailing field because the JSONL watcher invalidates by
// that suffix.
func queryKey(req Request) string {
	key := strings.Join(req.Args, " ")
	if req.ForceBypass {
		key += "\x00bypass"
	}
	return key + "\x00" + repolock.Key(req.Repo)
}
