package session

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Logger takes a message followed by key/value pairs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Status is the closed set of session states.
type Status int

const (
	StatusInitializing Status = iota
	StatusAuthenticated
	StatusUnauthenticated
	// StatusTransientError is reserved for consumers that surface a retry
	// affordance; the store resolves every failure to StatusUnauthenticated.
	StatusTransientError
)

func (s Status) String() string {
	switch s {
	case StatusInitializing:
		return "initializing"
	case StatusAuthenticated:
		return "authenticated"
	case StatusUnauthenticated:
		return "unauthenticated"
	case StatusTransientError:
		return "transient_error"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// MarshalText renders the status by name in JSON payloads.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Profile holds the attributes of the signed in user
type Profile struct {
	ID            string            `json:"id"`
	Email         string            `json:"email,omitempty"`
	EmailVerified bool              `json:"email_verified"`
	Name          string            `json:"name,omitempty"`
	GivenName     string            `json:"given_name,omitempty"`
	FamilyName    string            `json:"family_name,omitempty"`
	Username      string            `json:"username,omitempty"`
	Picture       string            `json:"picture,omitempty"`
	Attributes    map[string]string `json:"attributes,omitempty"`
}

func (p *Profile) clone() *Profile {
	if p == nil {
		return nil
	}
	out := *p
	if len(p.Attributes) > 0 {
		out.Attributes = make(map[string]string, len(p.Attributes))
		for k, v := range p.Attributes {
			out.Attributes[k] = v
		}
	}
	return &out
}

// Tokens is the credential set held by the identity broker for the
// current session.
type Tokens struct {
	IDToken      string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// Empty reports whether the set carries no usable bearer token.
func (t *Tokens) Empty() bool {
	return t == nil || (t.IDToken == "" && t.AccessToken == "")
}

// Expired reports whether the tokens are past their expiry at now.
func (t *Tokens) Expired(now time.Time) bool {
	if t == nil {
		return true
	}
	return !t.ExpiresAt.IsZero() && !now.Before(t.ExpiresAt)
}

// Snapshot is an immutable copy of the session state handed to readers.
type Snapshot struct {
	Status    Status    `json:"status"`
	User      *Profile  `json:"user,omitempty"`
	IsLoading bool      `json:"is_loading"`
	LastError error     `json:"-"`
	Version   uint64    `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Authenticated is a convenience for Status == StatusAuthenticated.
func (s Snapshot) Authenticated() bool {
	return s.Status == StatusAuthenticated
}

// TokenProvider is the capability exposed by the identity broker. The
// broker owns token issuance and storage; the session core only reads it.
type TokenProvider interface {
	// CurrentSession returns the current tokens, or nil when no session exists.
	CurrentSession(ctx context.Context) (*Tokens, error)
	FetchProfile(ctx context.Context) (*Profile, error)
	// StartRedirectSignIn returns the URL the browser must navigate to.
	StartRedirectSignIn(ctx context.Context, provider string) (string, error)
	SignOut(ctx context.Context) error
}

// Navigator moves the open view to target.
type Navigator interface {
	Navigate(target string)
}

// NavigatorFunc adapts a function to the Navigator interface.
type NavigatorFunc func(target string)

// Navigate implements Navigator.
func (f NavigatorFunc) Navigate(target string) {
	if f == nil {
		return
	}
	f(target)
}

type noopNavigator struct{}

func (noopNavigator) Navigate(string) {}

func normalizeNavigator(n Navigator) Navigator {
	if n == nil {
		return noopNavigator{}
	}
	return n
}

type defLogger struct{}

func (d defLogger) Error(msg string, args ...any) {
	fmt.Println("[ERR] SESSION " + msg + formatPairs(args))
}

func (d defLogger) Warn(msg string, args ...any) {
	fmt.Println("[WRN] SESSION " + msg + formatPairs(args))
}

func (d defLogger) Info(msg string, args ...any) {
	fmt.Println("[INF] SESSION " + msg + formatPairs(args))
}

func (d defLogger) Debug(msg string, args ...any) {
	fmt.Println("[DBG] SESSION " + msg + formatPairs(args))
}

func formatPairs(args []any) string {
	if len(args) == 0 {
		return ""
	}
	var b strings.Builder
	for i := 0; i < len(args); i += 2 {
		b.WriteByte(' ')
		if i+1 < len(args) {
			fmt.Fprintf(&b, "%v=%v", args[i], args[i+1])
			continue
		}
		fmt.Fprintf(&b, "%v", args[i])
	}
	return b.String()
}

func normalizeLogger(l Logger) Logger {
	if l == nil {
		return defLogger{}
	}
	return l
}
