package session_test

import (
	"testing"

	session "github.com/goliatone/go-session"
	"github.com/stretchr/testify/assert"
)

func TestBusDeliversInEmissionOrder(t *testing.T) {
	bus := session.NewBus(session.WithBusLogger(quietLogger{}))

	var got []session.EventKind
	unsubscribe := bus.Subscribe(session.ChannelAuth, session.HandlerFunc(func(evt session.AuthEvent) {
		got = append(got, evt.Kind())
	}))
	defer unsubscribe()

	bus.Publish(session.ChannelAuth, session.SignInRedirectStarted{})
	bus.Publish(session.ChannelAuth, session.SignedIn{})
	bus.Publish(session.ChannelAuth, session.TokenRefreshed{})

	assert.Equal(t, []session.EventKind{
		session.EventSignInRedirectStarted,
		session.EventSignedIn,
		session.EventTokenRefreshed,
	}, got)
}

func TestBusUnsubscribe(t *testing.T) {
	bus := session.NewBus(session.WithBusLogger(quietLogger{}))

	calls := 0
	unsubscribe := bus.Subscribe(session.ChannelAuth, session.HandlerFunc(func(session.AuthEvent) {
		calls++
	}))
	assert.Equal(t, 1, bus.Subscribers(session.ChannelAuth))

	unsubscribe()
	unsubscribe()
	assert.Equal(t, 0, bus.Subscribers(session.ChannelAuth))

	bus.Publish(session.ChannelAuth, session.SignedOut{})
	assert.Zero(t, calls)
}

func TestBusChannelsAreIsolated(t *testing.T) {
	bus := session.NewBus(session.WithBusLogger(quietLogger{}))

	calls := 0
	defer bus.Subscribe("other", session.HandlerFunc(func(session.AuthEvent) {
		calls++
	}))()

	bus.Publish(session.ChannelAuth, session.SignedOut{})
	assert.Zero(t, calls)
}

func TestBusRecoversHandlerPanic(t *testing.T) {
	bus := session.NewBus(session.WithBusLogger(quietLogger{}))

	defer bus.Subscribe(session.ChannelAuth, session.HandlerFunc(func(session.AuthEvent) {
		panic("boom")
	}))()

	delivered := false
	defer bus.Subscribe(session.ChannelAuth, session.HandlerFunc(func(session.AuthEvent) {
		delivered = true
	}))()

	assert.NotPanics(t, func() {
		bus.Publish(session.ChannelAuth, session.SignedOut{})
	})
	assert.True(t, delivered)
}

func TestEventFromKind(t *testing.T) {
	kinds := []session.EventKind{
		session.EventSignedIn,
		session.EventSignInRedirectStarted,
		session.EventSignedOut,
		session.EventSignInRedirectFailed,
		session.EventTokenRefreshed,
		session.EventTokenRefreshFailed,
	}
	for _, kind := range kinds {
		evt, err := session.EventFromKind(kind, nil)
		assert.NoError(t, err)
		assert.Equal(t, kind, evt.Kind())
	}

	_, err := session.EventFromKind("customOAuthState", nil)
	assert.Error(t, err)
}
