package session_test

import (
	"net/http"
	"sync"
	"testing"

	"github.com/goliatone/go-router"
	session "github.com/goliatone/go-session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// fakeSession is a settable SessionView.
type fakeSession struct {
	mu       sync.Mutex
	snap     session.Snapshot
	watchers map[int]func(session.Snapshot)
	next     int
}

func newFakeSession(status session.Status) *fakeSession {
	f := &fakeSession{watchers: map[int]func(session.Snapshot){}}
	f.snap = snapshotFor(status, 1)
	return f
}

func snapshotFor(status session.Status, version uint64) session.Snapshot {
	snap := session.Snapshot{
		Status:    status,
		IsLoading: status == session.StatusInitializing,
		Version:   version,
	}
	if status == session.StatusAuthenticated {
		snap.User = testProfile
	}
	return snap
}

func (f *fakeSession) Snapshot() session.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func (f *fakeSession) Watch(fn func(session.Snapshot)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.next
	f.next++
	f.watchers[id] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.watchers, id)
	}
}

func (f *fakeSession) set(status session.Status) {
	f.mu.Lock()
	f.snap = snapshotFor(status, f.snap.Version+1)
	snap := f.snap
	watchers := make([]func(session.Snapshot), 0, len(f.watchers))
	for _, w := range f.watchers {
		watchers = append(watchers, w)
	}
	f.mu.Unlock()

	for _, w := range watchers {
		w(snap)
	}
}

func (f *fakeSession) watching() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.watchers)
}

func TestRouteGuardEvaluate(t *testing.T) {
	guard := session.NewRouteGuard(newFakeSession(session.StatusInitializing), session.WithGuardLogger(quietLogger{}))

	cases := []struct {
		name   string
		status session.Status
		class  session.ViewClass
		want   session.Decision
	}{
		{"protected authenticated", session.StatusAuthenticated, session.ViewProtected, session.Decision{Kind: session.DecisionRender}},
		{"protected initializing", session.StatusInitializing, session.ViewProtected, session.Decision{Kind: session.DecisionLoading}},
		{"protected unauthenticated", session.StatusUnauthenticated, session.ViewProtected, session.Decision{Kind: session.DecisionRedirect, Target: "/login"}},
		{"protected transient", session.StatusTransientError, session.ViewProtected, session.Decision{Kind: session.DecisionRedirect, Target: "/login"}},
		{"public authenticated", session.StatusAuthenticated, session.ViewPublic, session.Decision{Kind: session.DecisionRedirect, Target: "/"}},
		{"public initializing", session.StatusInitializing, session.ViewPublic, session.Decision{Kind: session.DecisionRender}},
		{"public unauthenticated", session.StatusUnauthenticated, session.ViewPublic, session.Decision{Kind: session.DecisionRender}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, guard.Evaluate(snapshotFor(tc.status, 1), tc.class))
		})
	}
}

func TestProtectedMiddlewareRedirectsUnauthenticated(t *testing.T) {
	sess := newFakeSession(session.StatusUnauthenticated)
	guard := session.NewRouteGuard(sess, session.WithGuardLogger(quietLogger{}))

	called := false
	handler := guard.Protected()(func(ctx router.Context) error {
		called = true
		return nil
	})

	ctx := router.NewMockContext()
	ctx.On("Locals", session.DefaultLocalsKey, mock.Anything).Return(nil)
	ctx.On("Method").Return("GET")
	ctx.On("Redirect", "/login", []int{http.StatusFound}).Return(nil)

	require.NoError(t, handler(ctx))
	assert.False(t, called)
	ctx.AssertExpectations(t)
}

func TestProtectedMiddlewareRendersAuthenticated(t *testing.T) {
	sess := newFakeSession(session.StatusAuthenticated)
	guard := session.NewRouteGuard(sess, session.WithGuardLogger(quietLogger{}))

	var user *session.Profile
	handler := guard.Protected()(func(ctx router.Context) error {
		user, _ = session.UserFromRouter(ctx)
		return nil
	})

	ctx := router.NewMockContext()
	ctx.On("Locals", session.DefaultLocalsKey, mock.Anything).Return(nil)

	require.NoError(t, handler(ctx))
	require.NotNil(t, user)
	assert.Equal(t, "user-1", user.ID)
	ctx.AssertNotCalled(t, "Redirect", mock.Anything, mock.Anything)
}

func TestProtectedMiddlewareServesLoadingPlaceholder(t *testing.T) {
	sess := newFakeSession(session.StatusInitializing)
	guard := session.NewRouteGuard(sess, session.WithGuardLogger(quietLogger{}))

	called := false
	handler := guard.Protected()(func(ctx router.Context) error {
		called = true
		return nil
	})

	ctx := router.NewMockContext()
	ctx.On("Locals", session.DefaultLocalsKey, mock.Anything).Return(nil)
	ctx.On("JSON", http.StatusAccepted, map[string]string{"status": "loading"}).Return(nil)

	require.NoError(t, handler(ctx))
	assert.False(t, called)
	ctx.AssertExpectations(t)
}

func TestPublicMiddlewareRedirectsAuthenticatedHome(t *testing.T) {
	sess := newFakeSession(session.StatusAuthenticated)
	guard := session.NewRouteGuard(sess,
		session.WithGuardLogger(quietLogger{}),
		session.WithGuardHomePath("/posts"),
	)

	handler := guard.Public()(func(ctx router.Context) error {
		t.Fatal("login view rendered for a signed in user")
		return nil
	})

	ctx := router.NewMockContext()
	ctx.On("Locals", session.DefaultLocalsKey, mock.Anything).Return(nil)
	ctx.On("Method").Return("POST")
	ctx.On("Redirect", "/posts", []int{http.StatusSeeOther}).Return(nil)

	require.NoError(t, handler(ctx))
	ctx.AssertExpectations(t)
}

func TestRouteGuardWatchRedirectsOnSignOut(t *testing.T) {
	sess := newFakeSession(session.StatusAuthenticated)
	guard := session.NewRouteGuard(sess, session.WithGuardLogger(quietLogger{}))
	nav := session.NewNavigationQueue(10)

	stop := guard.Watch(session.ViewProtected, nav)

	_, pending := nav.Take()
	assert.False(t, pending)

	sess.set(session.StatusUnauthenticated)
	target, ok := nav.Take()
	require.True(t, ok)
	assert.Equal(t, "/login", target)

	// repeated snapshots with the same decision do not navigate again
	sess.set(session.StatusUnauthenticated)
	_, pending = nav.Take()
	assert.False(t, pending)

	sess.set(session.StatusAuthenticated)
	sess.set(session.StatusUnauthenticated)
	assert.Equal(t, []string{"/login", "/login"}, nav.History())

	stop()
	assert.Equal(t, 0, sess.watching())
}

func TestRouteGuardWatchEvaluatesImmediately(t *testing.T) {
	sess := newFakeSession(session.StatusAuthenticated)
	guard := session.NewRouteGuard(sess, session.WithGuardLogger(quietLogger{}))
	nav := session.NewNavigationQueue(0)

	stop := guard.Watch(session.ViewPublic, nav)
	defer stop()

	target, ok := nav.Take()
	require.True(t, ok)
	assert.Equal(t, "/", target)
}

func TestParseViewClass(t *testing.T) {
	class, ok := session.ParseViewClass("protected")
	assert.True(t, ok)
	assert.Equal(t, session.ViewProtected, class)

	class, ok = session.ParseViewClass("public")
	assert.True(t, ok)
	assert.Equal(t, session.ViewPublic, class)

	_, ok = session.ParseViewClass("admin")
	assert.False(t, ok)
}
