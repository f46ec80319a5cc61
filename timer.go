package session

import (
	"sync"
	"time"
)

// scopedTimer owns at most one pending timer. Every Arm issues a new token;
// a callback whose token is no longer current does nothing, so a timer that
// lost the race with Stop or with a newer Arm can never run.
type scopedTimer struct {
	mu    sync.Mutex
	timer *time.Timer
	token uint64
}

func (t *scopedTimer) Arm(d time.Duration, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.timer != nil {
		t.timer.Stop()
	}
	t.token++
	token := t.token
	t.timer = time.AfterFunc(d, func() {
		if t.claim(token) {
			fn()
		}
	})
}

// Stop cancels the pending timer. It reports whether one was pending.
func (t *scopedTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.timer == nil {
		return false
	}
	t.timer.Stop()
	t.timer = nil
	t.token++
	return true
}

func (t *scopedTimer) Armed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.timer != nil
}

func (t *scopedTimer) claim(token uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.timer == nil || token != t.token {
		return false
	}
	t.timer = nil
	return true
}
