// Package repolock provides a durable, cross-process mutual-exclusion lock
// keyed by repository path.
//
// The in-process command queue serializes commands from this process, but a
// second beadboard instance (or a human running bd by hand) can still race us
// on the same repository. repolock closes that gap with the filesystem as the
// shared coordination medium: one lock directory per repository under a
// configured root, created atomically with os.Mkdir.
//
// A lock is evictable when its owner process is dead or the lock directory is
// older than the staleness ceiling, so a crashed holder never wedges the
// repository permanently.
package repolock

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/acartine/beadboard/internal/debug"
)

// ErrLockBusy indicates the lock is held by a live owner.
var ErrLockBusy = errors.New("repository lock busy")

const ownerFileName = "owner.json"

// Owner is the persisted lock-owner record. It is written once on acquisition
// and never mutated in place; eviction deletes the whole lock directory.
type Owner struct {
	PID        int       `json:"pid"`
	Resource   string    `json:"resource"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Manager acquires and releases per-repository lock directories.
type Manager struct {
	root         string
	pollInterval time.Duration
	staleAfter   time.Duration
	waitTimeout  time.Duration
}

// Options configures a Manager. Zero fields fall back to defaults that match
// the shipped configuration.
type Options struct {
	Root         string        // root directory for lock dirs
	PollInterval time.Duration // sleep between acquisition attempts
	StaleAfter   time.Duration // age ceiling before a lock is evictable
	WaitTimeout  time.Duration // total time to wait for acquisition
}

// NewManager returns a Manager rooted at opts.Root.
func NewManager(opts Options) *Manager {
	if opts.Root == "" {
		opts.Root = filepath.Join(os.TempDir(), "beadboard", "locks")
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 100 * time.Millisecond
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 10 * time.Minute
	}
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = 30 * time.Second
	}
	return &Manager{
		root:         opts.Root,
		pollInterval: opts.PollInterval,
		staleAfter:   opts.StaleAfter,
		waitTimeout:  opts.WaitTimeout,
	}
}

// Root returns the lock root directory.
func (m *Manager) Root() string {
	return m.root
}

// Alive reports whether the process with pid exists. Exposed for lock
// inspection tooling.
func Alive(pid int) bool {
	return isProcessRunning(pid)
}

// Lease is a held lock. Release is idempotent and never propagates cleanup
// failures: a lock directory we fail to delete is evicted later via the
// staleness ceiling.
type Lease struct {
	dir      string
	resource string
	released bool
}

// LockDir returns the directory path backing this lease.
func (l *Lease) LockDir() string {
	return l.dir
}

// Release deletes the lock directory. Safe to call multiple times.
func (l *Lease) Release() {
	if l == nil || l.released {
		return
	}
	l.released = true
	if err := os.RemoveAll(l.dir); err != nil {
		debug.Logf("repolock: release %s: %v\n", l.resource, err)
	}
}

// Key returns the canonical resource key for a repository path. Two paths
// that clean to the same absolute path serialize against each other.
func Key(repoPath string) string {
	abs, err := filepath.Abs(repoPath)
	if err != nil {
		abs = repoPath
	}
	return filepath.Clean(abs)
}

// lockDir maps a resource key to its lock directory under the root.
func (m *Manager) lockDir(resourceKey string) string {
	sum := sha256.Sum256([]byte(resourceKey))
	return filepath.Join(m.root, hex.EncodeToString(sum[:8]))
}

// Acquire blocks (polling) until the lock for resourceKey is held, the wait
// timeout elapses, or ctx is canceled. On timeout the error names the current
// owner for diagnosability.
func (m *Manager) Acquire(ctx context.Context, resourceKey string) (*Lease, error) {
	if err := os.MkdirAll(m.root, 0o750); err != nil {
		return nil, fmt.Errorf("create lock root: %w", err)
	}

	dir := m.lockDir(resourceKey)

	waitCtx, cancel := context.WithTimeout(ctx, m.waitTimeout)
	defer cancel()

	// BackOff implementations are stateful; always build a fresh one.
	bo := backoff.WithContext(backoff.NewConstantBackOff(m.pollInterval), waitCtx)

	var lease *Lease
	err := backoff.Retry(func() error {
		l, err := m.tryAcquire(dir, resourceKey)
		if err != nil {
			return err
		}
		lease = l
		return nil
	}, bo)
	if err == nil {
		return lease, nil
	}

	// Timed out (or canceled). Name the current holder if we can read it.
	if owner, ownerErr := m.readOwner(dir); ownerErr == nil {
		return nil, fmt.Errorf("timed out after %v waiting for lock on %s (held by pid %d since %s): %w",
			m.waitTimeout, resourceKey, owner.PID, owner.AcquiredAt.Format(time.RFC3339), ErrLockBusy)
	}
	return nil, fmt.Errorf("timed out after %v waiting for lock on %s: %w", m.waitTimeout, resourceKey, ErrLockBusy)
}

// tryAcquire makes one acquisition attempt, evicting a stale lock if found.
// Returns ErrLockBusy (wrapped) when a live owner holds the lock.
func (m *Manager) tryAcquire(dir, resourceKey string) (*Lease, error) {
	err := os.Mkdir(dir, 0o750)
	if err == nil {
		return m.writeOwner(dir, resourceKey)
	}
	if !os.IsExist(err) {
		return nil, backoff.Permanent(fmt.Errorf("create lock dir: %w", err))
	}

	if m.isStale(dir) {
		debug.Logf("repolock: evicting stale lock for %s\n", resourceKey)
		if err := os.RemoveAll(dir); err != nil {
			return nil, fmt.Errorf("evict stale lock: %w", err)
		}
		// Retry immediately after eviction; another process may still
		// win the re-create race, in which case we keep polling.
		if err := os.Mkdir(dir, 0o750); err == nil {
			return m.writeOwner(dir, resourceKey)
		}
	}

	return nil, ErrLockBusy
}

// isStale reports whether the lock at dir is evictable: its owner record is
// missing or corrupt, its owner process is dead, or the directory is older
// than the staleness ceiling.
func (m *Manager) isStale(dir string) bool {
	owner, err := m.readOwner(dir)
	if err != nil {
		// Missing or unreadable owner record: orphaned lock.
		return true
	}
	if !isProcessRunning(owner.PID) {
		return true
	}
	info, err := os.Stat(dir)
	if err != nil {
		// Directory vanished between attempts; treat as evictable so the
		// caller retries the create path.
		return true
	}
	return time.Since(info.ModTime()) > m.staleAfter
}

func (m *Manager) writeOwner(dir, resourceKey string) (*Lease, error) {
	owner := Owner{
		PID:        os.Getpid(),
		Resource:   resourceKey,
		AcquiredAt: time.Now().UTC(),
	}
	data, err := json.Marshal(owner)
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, backoff.Permanent(fmt.Errorf("marshal owner record: %w", err))
	}
	if err := os.WriteFile(filepath.Join(dir, ownerFileName), data, 0o600); err != nil {
		_ = os.RemoveAll(dir)
		return nil, backoff.Permanent(fmt.Errorf("write owner record: %w", err))
	}
	return &Lease{dir: dir, resource: resourceKey}, nil
}

func (m *Manager) readOwner(dir string) (*Owner, error) {
	data, err := os.ReadFile(filepath.Join(dir, ownerFileName)) // #nosec G304 - path derived from lock root config
	if err != nil {
		return nil, err
	}
	var owner Owner
	if err := json.Unmarshal(data, &owner); err != nil {
		return nil, fmt.Errorf("parse owner record: %w", err)
	}
	if owner.PID <= 0 {
		return nil, fmt.Errorf("owner record has invalid pid %d", owner.PID)
	}
	return &owner, nil
}

// ListOwners returns the owner records of all locks currently present under
// the root, keyed by lock directory name. Used by the locks CLI.
func (m *Manager) ListOwners() (map[string]*Owner, error) {
	entries, err := os.ReadDir(m.root)
	if os.IsNotExist(err) {
		return map[string]*Owner{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read lock root: %w", err)
	}
	owners := make(map[string]*Owner)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		owner, err := m.readOwner(filepath.Join(m.root, entry.Name()))
		if err != nil {
			owners[entry.Name()] = nil // orphaned; show it so it can be cleared
			continue
		}
		owners[entry.Name()] = owner
	}
	return owners, nil
}

// ClearStale evicts every evictable lock under the root and returns how many
// were removed.
func (m *Manager) ClearStale() (int, error) {
	entries, err := os.ReadDir(m.root)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read lock root: %w", err)
	}
	cleared := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(m.root, entry.Name())
		if m.isStale(dir) {
			if err := os.RemoveAll(dir); err != nil {
				return cleared, fmt.Errorf("remove %s: %w", dir, err)
			}
			cleared++
		}
	}
	return cleared, nil
}
