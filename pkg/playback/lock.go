package playback

import (
	"errors"
	"sync"
	"time"
)

// ErrTransitionLockTimeout is returned when a queue-advancement operation
// cannot acquire the session's transition lock within the bounded
// timeout. The operation fails closed instead of racing.
var ErrTransitionLockTimeout = errors.New("transition lock acquisition timed out")

// transitionLocks hands out one exclusive lock per session id. A track
// naturally ending and a user-issued skip can race; whichever loses the
// acquisition either waits its turn or times out, so the queue is never
// advanced twice for one track end.
type transitionLocks struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

func newTransitionLocks() *transitionLocks {
	return &transitionLocks{locks: make(map[string]chan struct{})}
}

func (t *transitionLocks) lock(sessionID string) chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch, ok := t.locks[sessionID]
	if !ok {
		ch = make(chan struct{}, 1)
		t.locks[sessionID] = ch
	}
	return ch
}

// acquire takes the session lock, failing after timeout. The returned
// release function must be called exactly once.
func (t *transitionLocks) acquire(sessionID string, timeout time.Duration) (func(), error) {
	ch := t.lock(sessionID)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-timer.C:
		return nil, ErrTransitionLockTimeout
	}
}

// forget drops the per-session lock state on teardown.
func (t *transitionLocks) forget(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.locks, sessionID)
}
