package session

import (
	"net/http"
	"sync"

	"github.com/goliatone/go-router"
)

// DefaultHomePath is the default authenticated view.
const DefaultHomePath = "/"

// ViewClass classifies a view for gating.
type ViewClass int

const (
	ViewPublic ViewClass = iota
	ViewProtected
)

func (v ViewClass) String() string {
	if v == ViewProtected {
		return "protected"
	}
	return "public"
}

// ParseViewClass maps "protected" and "public" to their ViewClass.
func ParseViewClass(s string) (ViewClass, bool) {
	switch s {
	case "protected":
		return ViewProtected, true
	case "public":
		return ViewPublic, true
	}
	return ViewPublic, false
}

// DecisionKind is what the guard wants done with a view.
type DecisionKind int

const (
	DecisionRender DecisionKind = iota
	DecisionLoading
	DecisionRedirect
)

// Decision is the outcome of evaluating a view against a session.
type Decision struct {
	Kind DecisionKind
	// Target is set for DecisionRedirect.
	Target string
}

// SessionView is the read side of the Store.
type SessionView interface {
	Snapshot() Snapshot
	Watch(fn func(Snapshot)) (stop func())
}

// RouteGuard gates views on the session status.
type RouteGuard struct {
	session   SessionView
	loginPath string
	homePath  string
	localsKey string
	loading   router.HandlerFunc
	logger    Logger
}

// GuardOption customizes a RouteGuard.
type GuardOption func(*RouteGuard)

// WithGuardLoginPath overrides the login view path.
func WithGuardLoginPath(path string) GuardOption {
	return func(g *RouteGuard) {
		if path != "" {
			g.loginPath = path
		}
	}
}

// WithGuardHomePath overrides the default authenticated view.
func WithGuardHomePath(path string) GuardOption {
	return func(g *RouteGuard) {
		if path != "" {
			g.homePath = path
		}
	}
}

// WithLoadingHandler overrides the placeholder served while initializing.
func WithLoadingHandler(h router.HandlerFunc) GuardOption {
	return func(g *RouteGuard) {
		if h != nil {
			g.loading = h
		}
	}
}

// WithGuardLocalsKey overrides where the snapshot is stored on the request.
func WithGuardLocalsKey(key string) GuardOption {
	return func(g *RouteGuard) {
		if key != "" {
			g.localsKey = key
		}
	}
}

// WithGuardLogger overrides the guard logger.
func WithGuardLogger(logger Logger) GuardOption {
	return func(g *RouteGuard) {
		g.logger = normalizeLogger(logger)
	}
}

// NewRouteGuard returns a guard reading from session.
func NewRouteGuard(session SessionView, opts ...GuardOption) *RouteGuard {
	g := &RouteGuard{
		session:   session,
		loginPath: DefaultLoginPath,
		homePath:  DefaultHomePath,
		localsKey: DefaultLocalsKey,
		loading:   defaultLoadingHandler,
		logger:    defLogger{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// Evaluate decides what to do with a view of the given class.
func (g *RouteGuard) Evaluate(snap Snapshot, class ViewClass) Decision {
	switch class {
	case ViewProtected:
		switch snap.Status {
		case StatusAuthenticated:
			return Decision{Kind: DecisionRender}
		case StatusInitializing:
			return Decision{Kind: DecisionLoading}
		default:
			return Decision{Kind: DecisionRedirect, Target: g.loginPath}
		}
	default:
		if snap.Status == StatusAuthenticated {
			return Decision{Kind: DecisionRedirect, Target: g.homePath}
		}
		return Decision{Kind: DecisionRender}
	}
}

// Protected gates a route that needs an authenticated session.
func (g *RouteGuard) Protected() router.MiddlewareFunc {
	return g.middleware(ViewProtected)
}

// Public gates a route, like login, that is inert once signed in.
func (g *RouteGuard) Public() router.MiddlewareFunc {
	return g.middleware(ViewPublic)
}

func (g *RouteGuard) middleware(class ViewClass) router.MiddlewareFunc {
	return func(next router.HandlerFunc) router.HandlerFunc {
		return func(ctx router.Context) error {
			snap := g.session.Snapshot()
			ctx.Locals(g.localsKey, snap)

			decision := g.Evaluate(snap, class)
			switch decision.Kind {
			case DecisionLoading:
				return g.loading(ctx)
			case DecisionRedirect:
				g.logger.Debug("route guard redirect",
					"view", class.String(),
					"status", snap.Status.String(),
					"target", decision.Target,
				)
				statusCode := http.StatusSeeOther
				if ctx.Method() == string(router.GET) {
					statusCode = http.StatusFound
				}
				return ctx.Redirect(decision.Target, statusCode)
			default:
				return next(ctx)
			}
		}
	}
}

// Watch re-evaluates the open view on every session change and navigates
// when the decision becomes a redirect. The same target is not issued twice
// in a row.
func (g *RouteGuard) Watch(class ViewClass, nav Navigator) (stop func()) {
	nav = normalizeNavigator(nav)

	var mu sync.Mutex
	var last string
	apply := func(snap Snapshot) {
		decision := g.Evaluate(snap, class)

		mu.Lock()
		if decision.Kind != DecisionRedirect {
			last = ""
			mu.Unlock()
			return
		}
		if decision.Target == last {
			mu.Unlock()
			return
		}
		last = decision.Target
		mu.Unlock()

		g.logger.Debug("open view no longer allowed, navigating",
			"view", class.String(),
			"status", snap.Status.String(),
			"target", decision.Target,
		)
		nav.Navigate(decision.Target)
	}

	stop = g.session.Watch(apply)
	apply(g.session.Snapshot())
	return stop
}

func defaultLoadingHandler(ctx router.Context) error {
	return ctx.JSON(http.StatusAccepted, map[string]string{"status": "loading"})
}
