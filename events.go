package session

import "fmt"

// ChannelAuth is the bus channel carrying broker lifecycle events.
const ChannelAuth = "auth"

// EventKind discriminates AuthEvent values. The string form matches the
// names the identity broker uses on the wire.
type EventKind string

const (
	EventSignedIn              EventKind = "signedIn"
	EventSignInRedirectStarted EventKind = "signInWithRedirect"
	EventSignedOut             EventKind = "signedOut"
	EventSignInRedirectFailed  EventKind = "signInWithRedirect_failure"
	EventTokenRefreshed        EventKind = "tokenRefresh"
	EventTokenRefreshFailed    EventKind = "tokenRefresh_failure"
)

// AuthEvent is a lifecycle event emitted by the identity broker. The set
// of implementations is closed: only the types in this file satisfy it.
type AuthEvent interface {
	Kind() EventKind
	authEvent()
}

// SignedIn is emitted once the broker holds a fresh session.
type SignedIn struct {
	Provider string
}

// SignInRedirectStarted is emitted when a redirect based sign in begins.
type SignInRedirectStarted struct {
	Provider string
}

// SignedOut is emitted after the broker discarded the session.
type SignedOut struct{}

// SignInRedirectFailed is emitted when the external login failed.
type SignInRedirectFailed struct {
	Err error
}

// TokenRefreshed is emitted after a successful token refresh.
type TokenRefreshed struct{}

// TokenRefreshFailed is emitted when the broker could not refresh tokens.
type TokenRefreshFailed struct {
	Err error
}

func (SignedIn) Kind() EventKind              { return EventSignedIn }
func (SignInRedirectStarted) Kind() EventKind { return EventSignInRedirectStarted }
func (SignedOut) Kind() EventKind             { return EventSignedOut }
func (SignInRedirectFailed) Kind() EventKind  { return EventSignInRedirectFailed }
func (TokenRefreshed) Kind() EventKind        { return EventTokenRefreshed }
func (TokenRefreshFailed) Kind() EventKind    { return EventTokenRefreshFailed }

func (SignedIn) authEvent()              {}
func (SignInRedirectStarted) authEvent() {}
func (SignedOut) authEvent()             {}
func (SignInRedirectFailed) authEvent()  {}
func (TokenRefreshed) authEvent()        {}
func (TokenRefreshFailed) authEvent()    {}

// EventFromKind builds the event for a wire name. Failure kinds carry err.
func EventFromKind(kind EventKind, err error) (AuthEvent, error) {
	switch kind {
	case EventSignedIn:
		return SignedIn{}, nil
	case EventSignInRedirectStarted:
		return SignInRedirectStarted{}, nil
	case EventSignedOut:
		return SignedOut{}, nil
	case EventSignInRedirectFailed:
		return SignInRedirectFailed{Err: err}, nil
	case EventTokenRefreshed:
		return TokenRefreshed{}, nil
	case EventTokenRefreshFailed:
		return TokenRefreshFailed{Err: err}, nil
	default:
		return nil, fmt.Errorf("unknown auth event kind %q", kind)
	}
}
