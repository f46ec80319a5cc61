package session

import (
	"net/url"
	"strings"
	"sync"
)

// NavigationQueue is a Navigator for views that live in a browser page.
// Targets are queued and the page picks the latest one up when it polls.
// Only the most recent target is kept: a newer navigation replaces an
// older one the page never saw.
type NavigationQueue struct {
	mu      sync.Mutex
	target  string
	pending bool
	history []string
	limit   int
}

// NewNavigationQueue returns a queue that keeps the last limit targets for
// diagnostics. limit <= 0 disables the history.
func NewNavigationQueue(limit int) *NavigationQueue {
	return &NavigationQueue{limit: limit}
}

// Navigate implements Navigator.
func (q *NavigationQueue) Navigate(target string) {
	if target == "" {
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.target = target
	q.pending = true

	if q.limit > 0 {
		q.history = append(q.history, target)
		if len(q.history) > q.limit {
			q.history = q.history[len(q.history)-q.limit:]
		}
	}
}

// Take returns the pending target and clears it.
func (q *NavigationQueue) Take() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.pending {
		return "", false
	}
	target := q.target
	q.target = ""
	q.pending = false
	return target, true
}

// Peek returns the pending target without clearing it.
func (q *NavigationQueue) Peek() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.target, q.pending
}

// History returns the recorded targets, oldest first.
func (q *NavigationQueue) History() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.history...)
}

// LoginPathWithError appends the error marker the login view displays.
func LoginPathWithError(loginPath, marker string) string {
	if marker == "" {
		return loginPath
	}
	sep := "?"
	if strings.Contains(loginPath, "?") {
		sep = "&"
	}
	return loginPath + sep + "error=" + url.QueryEscape(marker)
}
