package session

import (
	"context"
	"fmt"
	"sync"
	"time"
)

const (
	// DefaultWatchdogTimeout bounds how long the store may stay initializing.
	DefaultWatchdogTimeout = 30 * time.Second
	DefaultLoginPath       = "/login"

	ErrorMarkerOAuthFailed = "oauth_failed"
	ErrorMarkerAuthFailed  = "auth_failed"
	ErrorMarkerTimeout     = "timeout"
)

// Store is the single writer of the session state. It reacts to broker
// events, resolves identity through the TokenProvider and hands readers
// immutable snapshots.
type Store struct {
	provider        TokenProvider
	events          EventSource
	navigator       Navigator
	logger          Logger
	now             func() time.Time
	watchdogTimeout time.Duration
	loginPath       string
	channel         string

	mu          sync.RWMutex
	state       Snapshot
	signingOut  bool
	generation  uint64
	mount       uint64
	mounted     bool
	unsubscribe func()
	ctx         context.Context
	cancel      context.CancelFunc
	watchdog    scopedTimer

	notifyMu  sync.Mutex
	delivered uint64

	watchersMu sync.RWMutex
	watchers   []storeWatcher
	watcherSeq uint64
}

type storeWatcher struct {
	id uint64
	fn func(Snapshot)
}

// StoreOption customizes store construction.
type StoreOption func(*Store)

// WithWatchdogTimeout overrides the bound on the initializing state.
func WithWatchdogTimeout(d time.Duration) StoreOption {
	return func(s *Store) {
		if d > 0 {
			s.watchdogTimeout = d
		}
	}
}

// WithNavigator sets where sign out and redirect failures navigate to.
func WithNavigator(n Navigator) StoreOption {
	return func(s *Store) {
		s.navigator = normalizeNavigator(n)
	}
}

// WithStoreLogger overrides the store logger.
func WithStoreLogger(logger Logger) StoreOption {
	return func(s *Store) {
		s.logger = normalizeLogger(logger)
	}
}

// WithStoreClock injects a custom clock (useful for tests).
func WithStoreClock(clock func() time.Time) StoreOption {
	return func(s *Store) {
		if clock != nil {
			s.now = clock
		}
	}
}

// WithLoginPath overrides the login view path used for navigation.
func WithLoginPath(path string) StoreOption {
	return func(s *Store) {
		if path != "" {
			s.loginPath = path
		}
	}
}

// WithEventChannel overrides the bus channel the store listens on.
func WithEventChannel(channel string) StoreOption {
	return func(s *Store) {
		if channel != "" {
			s.channel = channel
		}
	}
}

// NewStore returns a store in the initializing state. Call Initialize to
// mount it.
func NewStore(provider TokenProvider, events EventSource, opts ...StoreOption) *Store {
	s := &Store{
		provider:        provider,
		events:          events,
		navigator:       noopNavigator{},
		logger:          defLogger{},
		now:             time.Now,
		watchdogTimeout: DefaultWatchdogTimeout,
		loginPath:       DefaultLoginPath,
		channel:         ChannelAuth,
		ctx:             context.Background(),
		cancel:          func() {},
	}

	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	s.state = Snapshot{
		Status:    StatusInitializing,
		IsLoading: true,
		UpdatedAt: s.now(),
	}

	return s
}

// Initialize mounts the store: it subscribes to the auth channel, arms the
// watchdog and starts an identity check. Calling it again while mounted is
// a no-op. After Close it mounts again from the initializing state.
func (s *Store) Initialize(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.mounted {
		s.mu.Unlock()
		return nil
	}

	s.mounted = true
	s.mount++
	s.generation++
	s.signingOut = false
	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))

	if s.events != nil {
		s.unsubscribe = s.events.Subscribe(s.channel, HandlerFunc(s.OnEvent))
	} else {
		s.logger.Warn("session store mounted without an event source")
	}

	snap := s.enterInitializingLocked()
	s.mu.Unlock()

	s.logger.Debug("session store mounted", "watchdog", s.watchdogTimeout.String())
	s.notify(snap)
	s.goReconcile()

	return nil
}

// Reload tears the store down and mounts it again. Applications call it
// when the browser comes back from an external redirect, the equivalent of
// a full page reload.
func (s *Store) Reload(ctx context.Context) error {
	if err := s.Close(); err != nil {
		return err
	}
	return s.Initialize(ctx)
}

// Close unsubscribes from the bus, cancels the watchdog and in-flight
// identity checks. Results that arrive afterwards are discarded.
func (s *Store) Close() error {
	s.mu.Lock()
	if !s.mounted {
		s.mu.Unlock()
		return nil
	}

	s.mounted = false
	s.generation++
	s.watchdog.Stop()
	s.cancel()
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	s.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}

	s.logger.Debug("session store closed")
	return nil
}

// Snapshot returns the current session state.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

// Watch registers fn to receive every new snapshot, in version order.
// fn must not call Store mutators synchronously.
func (s *Store) Watch(fn func(Snapshot)) (stop func()) {
	if fn == nil {
		return func() {}
	}

	s.watchersMu.Lock()
	s.watcherSeq++
	id := s.watcherSeq
	s.watchers = append(s.watchers, storeWatcher{id: id, fn: fn})
	s.watchersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.watchersMu.Lock()
			defer s.watchersMu.Unlock()
			for i, w := range s.watchers {
				if w.id == id {
					s.watchers = append(s.watchers[:i:i], s.watchers[i+1:]...)
					break
				}
			}
		})
	}
}

// Reconcile asks the TokenProvider for the current identity and moves the
// session to Authenticated or Unauthenticated. Provider failures become
// state, not errors. A call that was superseded by a newer call or event
// leaves the state alone and returns the current snapshot.
func (s *Store) Reconcile(ctx context.Context) (Snapshot, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if !s.mounted {
		snap := s.snapshotLocked()
		s.mu.Unlock()
		return snap, ErrStoreClosed
	}
	s.generation++
	gen := s.generation
	s.mu.Unlock()

	profile, resolveErr := s.resolve(ctx)

	s.mu.Lock()
	if !s.mounted || gen != s.generation {
		snap := s.snapshotLocked()
		s.mu.Unlock()
		s.logger.Debug("discarding superseded identity check", "generation", gen)
		return snap, nil
	}

	var snap Snapshot
	if resolveErr == nil && profile != nil {
		snap = s.transitionLocked(StatusAuthenticated, profile, nil)
	} else {
		snap = s.transitionLocked(StatusUnauthenticated, nil, resolveErr)
	}
	s.mu.Unlock()

	if resolveErr != nil {
		s.logger.Info("identity check failed, session is unauthenticated", "error", resolveErr)
	} else {
		s.logger.Debug("identity check settled", "status", snap.Status.String())
	}

	s.notify(snap)
	return snap, nil
}

// OnEvent applies a broker lifecycle event.
func (s *Store) OnEvent(evt AuthEvent) {
	if evt == nil {
		return
	}

	s.logger.Debug("auth event received", "event", string(evt.Kind()))

	switch e := evt.(type) {
	case SignedIn, SignInRedirectStarted:
		s.goReconcile()
	case SignedOut:
		if s.forceUnauthenticated(nil) {
			s.navigator.Navigate(s.loginPath)
		}
	case SignInRedirectFailed:
		err := wrapError(ErrRedirectFailed, e.Err, map[string]any{"event": string(e.Kind())})
		if s.forceUnauthenticated(err) {
			s.navigator.Navigate(LoginPathWithError(s.loginPath, ErrorMarkerOAuthFailed))
		}
	case TokenRefreshed:
	case TokenRefreshFailed:
		s.forceUnauthenticated(wrapError(ErrIdentityResolution, e.Err, map[string]any{"event": string(e.Kind())}))
	default:
		s.logger.Error("unhandled auth event", "event", fmt.Sprintf("%T", evt))
	}
}

// SignOut asks the broker to discard the session. The SignedOut event
// completes the transition; a store without an event source completes it
// itself. On failure loading is cleared, the session is kept and an
// ErrSignOutFailed is returned for the caller to surface.
func (s *Store) SignOut(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if s.provider == nil {
		return wrapError(ErrSignOutFailed, nil, map[string]any{"reason": "no token provider"})
	}

	s.mu.Lock()
	if !s.mounted {
		s.mu.Unlock()
		return ErrStoreClosed
	}
	s.signingOut = true
	snap := s.touchLocked(s.state.LastError)
	s.mu.Unlock()
	s.notify(snap)

	if err := s.provider.SignOut(ctx); err != nil {
		s.mu.Lock()
		cleared := s.signingOut
		if cleared {
			s.signingOut = false
			snap = s.touchLocked(s.state.LastError)
		}
		s.mu.Unlock()

		if cleared {
			s.notify(snap)
		}
		s.logger.Warn("sign out failed, keeping session", "error", err)
		return wrapError(ErrSignOutFailed, err, nil)
	}

	if s.events == nil {
		if s.forceUnauthenticated(nil) {
			s.navigator.Navigate(s.loginPath)
		}
	}

	return nil
}

func (s *Store) resolve(ctx context.Context) (*Profile, error) {
	if s.provider == nil {
		return nil, wrapError(ErrIdentityResolution, nil, map[string]any{"reason": "no token provider"})
	}

	tokens, err := s.provider.CurrentSession(ctx)
	if err != nil {
		return nil, wrapError(ErrIdentityResolution, err, map[string]any{"stage": "current_session"})
	}
	if tokens.Empty() {
		return nil, nil
	}

	profile, err := s.provider.FetchProfile(ctx)
	if err != nil {
		return nil, wrapError(ErrIdentityResolution, err, map[string]any{"stage": "profile"})
	}
	if profile == nil {
		return nil, wrapError(ErrIdentityResolution, nil, map[string]any{"stage": "profile", "reason": "empty profile"})
	}

	return profile.clone(), nil
}

func (s *Store) goReconcile() {
	s.mu.RLock()
	mounted := s.mounted
	ctx := s.ctx
	s.mu.RUnlock()

	if !mounted {
		return
	}

	go func() {
		_, _ = s.Reconcile(ctx)
	}()
}

// forceUnauthenticated drops the session and invalidates in-flight checks.
// It reports whether the store was mounted.
func (s *Store) forceUnauthenticated(lastErr error) bool {
	s.mu.Lock()
	if !s.mounted {
		s.mu.Unlock()
		return false
	}
	s.generation++
	s.signingOut = false
	snap := s.transitionLocked(StatusUnauthenticated, nil, lastErr)
	s.mu.Unlock()

	s.notify(snap)
	return true
}

func (s *Store) fireWatchdog(mount uint64) {
	s.mu.Lock()
	if !s.mounted || s.mount != mount || s.state.Status != StatusInitializing {
		s.mu.Unlock()
		return
	}
	err := wrapError(ErrWatchdogTimeout, nil, map[string]any{"timeout": s.watchdogTimeout.String()})
	snap := s.transitionLocked(StatusUnauthenticated, nil, err)
	s.mu.Unlock()

	s.logger.Warn("session check did not settle in time, falling back to unauthenticated",
		"timeout", s.watchdogTimeout.String(),
	)
	s.notify(snap)
}

func (s *Store) enterInitializingLocked() Snapshot {
	snap := s.transitionLocked(StatusInitializing, nil, nil)
	mount := s.mount
	s.watchdog.Arm(s.watchdogTimeout, func() {
		s.fireWatchdog(mount)
	})
	return snap
}

func (s *Store) transitionLocked(status Status, user *Profile, lastErr error) Snapshot {
	if status == StatusAuthenticated && user == nil {
		status = StatusUnauthenticated
	}
	if status != StatusAuthenticated {
		user = nil
	}

	from := s.state.Status
	s.state.Status = status
	s.state.User = user

	if from == StatusInitializing && status != StatusInitializing {
		s.watchdog.Stop()
	}

	return s.touchLocked(lastErr)
}

func (s *Store) touchLocked(lastErr error) Snapshot {
	s.state.LastError = lastErr
	s.state.IsLoading = s.state.Status == StatusInitializing || s.signingOut
	s.state.Version++
	s.state.UpdatedAt = s.now()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() Snapshot {
	snap := s.state
	snap.User = s.state.User.clone()
	return snap
}

func (s *Store) notify(snap Snapshot) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	if snap.Version <= s.delivered {
		return
	}
	s.delivered = snap.Version

	s.watchersMu.RLock()
	watchers := append([]storeWatcher(nil), s.watchers...)
	s.watchersMu.RUnlock()

	for _, w := range watchers {
		s.deliver(w, snap)
	}
}

func (s *Store) deliver(w storeWatcher, snap Snapshot) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("session watcher panicked", "watcher", w.id, "panic", fmt.Sprint(r))
		}
	}()
	w.fn(snap)
}
