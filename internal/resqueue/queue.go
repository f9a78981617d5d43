// Package resqueue serializes command execution per resource key within this
// process.
//
// Callers for the same key are admitted strictly in arrival order (FIFO);
// callers for different keys never wait on each other. The per-key state is
// deleted as soon as its last caller finishes, so the queue does not
// accumulate entries across a repository's lifetime.
package resqueue

import (
	"context"
	"sync"
)

// Queue provides per-key FIFO exclusive execution.
type Queue struct {
	mu   sync.Mutex
	keys map[string]*entry
}

// entry chains callers for one key. Each caller waits on the gate of the
// caller admitted before it and closes its own gate when done. An abandoned
// turn closes its gate only after its predecessor's gate closes, so the
// exclusion chain stays intact.
type entry struct {
	tail    chan struct{}
	pending int
}

// New returns an empty Queue.
func New() *Queue {
	return &Queue{keys: make(map[string]*entry)}
}

// RunExclusive runs fn once no earlier caller for key is still running.
// fn's error is returned as-is; an error from an earlier caller never
// prevents later callers from running.
//
// If ctx is canceled while waiting for the turn, fn is not run and ctx.Err()
// is returned; the abandoned turn is skipped without blocking later callers.
func (q *Queue) RunExclusive(ctx context.Context, key string, fn func() error) error {
	q.mu.Lock()
	e, ok := q.keys[key]
	if !ok {
		e = &entry{}
		q.keys[key] = e
	}
	prev := e.tail
	gate := make(chan struct{})
	e.tail = gate
	e.pending++
	q.mu.Unlock()

	finish := func() {
		close(gate)
		q.mu.Lock()
		e.pending--
		if e.pending == 0 && q.keys[key] == e {
			delete(q.keys, key)
		}
		q.mu.Unlock()
	}

	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			// The turn may only pass down the chain after the predecessor
			// is done; closing the gate now would admit the next waiter
			// while an earlier caller is still running. Hand off in the
			// background so the canceled caller returns promptly.
			go func() {
				<-prev
				finish()
			}()
			return ctx.Err()
		}
	}

	defer finish()

	if err := ctx.Err(); err != nil {
		return err
	}
	return fn()
}

// Pending returns the number of callers waiting for or holding key's turn.
func (q *Queue) Pending(key string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if e, ok := q.keys[key]; ok {
		return e.pending
	}
	return 0
}

// Len returns the number of keys with live queue state.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.keys)
}
