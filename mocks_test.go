package session_test

import (
	"context"
	"sync"
	"testing"
	"time"

	session "github.com/goliatone/go-session"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockTokenProvider implements session.TokenProvider
type MockTokenProvider struct {
	mock.Mock
}

func (m *MockTokenProvider) CurrentSession(ctx context.Context) (*session.Tokens, error) {
	args := m.Called(ctx)
	tokens, _ := args.Get(0).(*session.Tokens)
	return tokens, args.Error(1)
}

func (m *MockTokenProvider) FetchProfile(ctx context.Context) (*session.Profile, error) {
	args := m.Called(ctx)
	profile, _ := args.Get(0).(*session.Profile)
	return profile, args.Error(1)
}

func (m *MockTokenProvider) StartRedirectSignIn(ctx context.Context, provider string) (string, error) {
	args := m.Called(ctx, provider)
	return args.String(0), args.Error(1)
}

func (m *MockTokenProvider) SignOut(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

type quietLogger struct{}

func (quietLogger) Debug(string, ...any) {}
func (quietLogger) Info(string, ...any)  {}
func (quietLogger) Warn(string, ...any)  {}
func (quietLogger) Error(string, ...any) {}

// snapshotLog records every snapshot a store publishes.
type snapshotLog struct {
	mu    sync.Mutex
	snaps []session.Snapshot
}

func (l *snapshotLog) record(s session.Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.snaps = append(l.snaps, s)
}

func (l *snapshotLog) all() []session.Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]session.Snapshot(nil), l.snaps...)
}

func (l *snapshotLog) count(pred func(session.Snapshot) bool) int {
	n := 0
	for _, s := range l.all() {
		if pred(s) {
			n++
		}
	}
	return n
}

var (
	testTokens  = &session.Tokens{IDToken: "id-token", AccessToken: "access-token", RefreshToken: "refresh-token"}
	testProfile = &session.Profile{ID: "user-1", Email: "ada@example.com", Name: "Ada"}
)

func newTestStore(t *testing.T, provider session.TokenProvider, opts ...session.StoreOption) (*session.Store, *session.Bus) {
	t.Helper()

	bus := session.NewBus(session.WithBusLogger(quietLogger{}))
	base := []session.StoreOption{session.WithStoreLogger(quietLogger{})}
	store := session.NewStore(provider, bus, append(base, opts...)...)
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store, bus
}

func waitForStatus(t *testing.T, store *session.Store, status session.Status) session.Snapshot {
	t.Helper()
	require.Eventually(t, func() bool {
		return store.Snapshot().Status == status
	}, 2*time.Second, 5*time.Millisecond, "store never reached %s", status)
	return store.Snapshot()
}

// blockUntil makes a mocked call wait for release or cancellation.
func blockUntil(entered chan<- struct{}, release <-chan struct{}) func(mock.Arguments) {
	return func(args mock.Arguments) {
		if entered != nil {
			entered <- struct{}{}
		}
		ctx, _ := args.Get(0).(context.Context)
		if ctx == nil {
			<-release
			return
		}
		select {
		case <-release:
		case <-ctx.Done():
		}
	}
}
