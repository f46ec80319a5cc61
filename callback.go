package session

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/goliatone/go-router"
)

// DefaultCallbackTimeout bounds the wait on the callback view. It is kept
// below the store watchdog.
const DefaultCallbackTimeout = 10 * time.Second

// CallbackState is the state of the callback view.
type CallbackState int

const (
	CallbackWaiting CallbackState = iota
	CallbackSuccess
	CallbackFailure
	// CallbackTimedOut offers a manual retry instead of redirecting.
	CallbackTimedOut
)

func (s CallbackState) String() string {
	switch s {
	case CallbackWaiting:
		return "waiting"
	case CallbackSuccess:
		return "success"
	case CallbackFailure:
		return "failure"
	case CallbackTimedOut:
		return "timed_out"
	default:
		return fmt.Sprintf("callback_state(%d)", int(s))
	}
}

// MarshalText renders the state by name in JSON payloads.
func (s CallbackState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// CallbackHandler drives the view the broker redirects back to. It waits
// for the session to settle and navigates home or back to login.
type CallbackHandler struct {
	session   SessionView
	navigator Navigator
	logger    Logger
	timeout   time.Duration
	homePath  string
	loginPath string
	retryPath string
	hook      router.HandlerFunc

	mu        sync.Mutex
	state     CallbackState
	active    bool
	run       uint64
	stopWatch func()
	timer     scopedTimer
}

// CallbackOption customizes a CallbackHandler.
type CallbackOption func(*CallbackHandler)

// WithCallbackTimeout overrides the local wait bound.
func WithCallbackTimeout(d time.Duration) CallbackOption {
	return func(h *CallbackHandler) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// WithCallbackPaths overrides the home and login views.
func WithCallbackPaths(home, login string) CallbackOption {
	return func(h *CallbackHandler) {
		if home != "" {
			h.homePath = home
		}
		if login != "" {
			h.loginPath = login
		}
	}
}

// WithRetryPath sets the route advertised for the manual retry control.
func WithRetryPath(path string) CallbackOption {
	return func(h *CallbackHandler) {
		h.retryPath = path
	}
}

// WithCallbackHook runs hook on the callback route before the handler
// starts waiting, typically to hand the query to the broker and reload
// the store.
func WithCallbackHook(hook router.HandlerFunc) CallbackOption {
	return func(h *CallbackHandler) {
		h.hook = hook
	}
}

// WithCallbackLogger overrides the handler logger.
func WithCallbackLogger(logger Logger) CallbackOption {
	return func(h *CallbackHandler) {
		h.logger = normalizeLogger(logger)
	}
}

// NewCallbackHandler returns a handler that navigates through nav.
func NewCallbackHandler(session SessionView, nav Navigator, opts ...CallbackOption) *CallbackHandler {
	h := &CallbackHandler{
		session:   session,
		navigator: normalizeNavigator(nav),
		logger:    defLogger{},
		timeout:   DefaultCallbackTimeout,
		homePath:  DefaultHomePath,
		loginPath: DefaultLoginPath,
		retryPath: "/auth/callback/retry",
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Start enters the waiting state, watches the session and arms the local
// timeout. It is a no-op while a run is still waiting; a settled run is
// replaced by a fresh one.
func (h *CallbackHandler) Start() {
	h.mu.Lock()
	if h.active && h.state == CallbackWaiting {
		h.mu.Unlock()
		return
	}
	if h.active {
		h.timer.Stop()
		if prev := h.stopWatch; prev != nil {
			h.stopWatch = nil
			defer prev()
		}
	}
	h.active = true
	h.run++
	run := h.run
	h.state = CallbackWaiting
	h.mu.Unlock()

	stop := h.session.Watch(func(snap Snapshot) {
		h.observe(run, snap)
	})

	h.mu.Lock()
	if !h.active || h.run != run {
		h.mu.Unlock()
		stop()
		return
	}
	h.stopWatch = stop
	if h.state == CallbackWaiting {
		h.timer.Arm(h.timeout, func() {
			h.expire(run)
		})
	}
	h.mu.Unlock()

	h.observe(run, h.session.Snapshot())
}

// Stop cancels the watch and the timeout. The last state is kept.
func (h *CallbackHandler) Stop() {
	h.mu.Lock()
	if !h.active {
		h.mu.Unlock()
		return
	}
	h.active = false
	h.run++
	h.timer.Stop()
	stop := h.stopWatch
	h.stopWatch = nil
	h.mu.Unlock()

	if stop != nil {
		stop()
	}
}

// State returns the current callback state.
func (h *CallbackHandler) State() CallbackState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Retry is the manual recovery control: it stops waiting and sends the
// user back to login with the timeout marker. It returns the target.
func (h *CallbackHandler) Retry() string {
	h.Stop()
	target := LoginPathWithError(h.loginPath, ErrorMarkerTimeout)
	h.logger.Info("callback retry requested", "target", target)
	h.navigator.Navigate(target)
	return target
}

// Handler serves the callback route.
func (h *CallbackHandler) Handler() router.HandlerFunc {
	return func(ctx router.Context) error {
		h.logQuery(ctx, "auth callback received")

		if h.hook != nil {
			if err := h.hook(ctx); err != nil {
				h.logger.Warn("callback hook failed", "error", err)
			}
		}

		h.Start()

		payload := map[string]any{"state": h.State()}
		if h.State() == CallbackTimedOut && h.retryPath != "" {
			payload["retry"] = h.retryPath
		}
		return ctx.JSON(http.StatusOK, payload)
	}
}

// RetryHandler serves the retry control and redirects to login.
func (h *CallbackHandler) RetryHandler() router.HandlerFunc {
	return func(ctx router.Context) error {
		return ctx.Redirect(h.Retry(), http.StatusFound)
	}
}

// DiagnosticHandler acknowledges a callback hit after logging which
// parameters were present.
func (h *CallbackHandler) DiagnosticHandler() router.HandlerFunc {
	return func(ctx router.Context) error {
		h.logQuery(ctx, "auth callback diagnostic")
		return ctx.JSON(http.StatusOK, map[string]string{"message": "successful"})
	}
}

func (h *CallbackHandler) observe(run uint64, snap Snapshot) {
	h.mu.Lock()
	if !h.active || h.run != run || h.state != CallbackWaiting {
		h.mu.Unlock()
		return
	}

	var target string
	switch {
	case snap.Status == StatusAuthenticated:
		h.state = CallbackSuccess
		target = h.homePath
	case snap.Status == StatusUnauthenticated && !snap.IsLoading:
		h.state = CallbackFailure
		target = LoginPathWithError(h.loginPath, ErrorMarkerAuthFailed)
	default:
		h.mu.Unlock()
		return
	}
	h.timer.Stop()
	state := h.state
	h.mu.Unlock()

	h.logger.Info("callback resolved", "state", state.String(), "target", target)
	h.navigator.Navigate(target)
}

func (h *CallbackHandler) expire(run uint64) {
	h.mu.Lock()
	if !h.active || h.run != run || h.state != CallbackWaiting {
		h.mu.Unlock()
		return
	}
	h.state = CallbackTimedOut
	h.mu.Unlock()

	h.logger.Warn("callback did not resolve in time, offering retry", "timeout", h.timeout.String())
}

// logQuery never logs parameter values.
func (h *CallbackHandler) logQuery(ctx router.Context, msg string) {
	h.logger.Info(msg,
		"has_code", ctx.Query("code", "") != "",
		"has_state", ctx.Query("state", "") != "",
		"error", ctx.Query("error", ""),
	)
}
