package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/golang-jwt/jwt/v5"
	session "github.com/goliatone/go-session"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

const (
	authorizePath = "/oauth2/authorize"
	tokenPath     = "/oauth2/token"
	userInfoPath  = "/oauth2/userInfo"
	revokePath    = "/oauth2/revoke"
	logoutPath    = "/logout"

	// expiryDelta refreshes tokens slightly before they expire.
	expiryDelta = 30 * time.Second
	// exchangeTimeout bounds the detached code exchange.
	exchangeTimeout = 30 * time.Second
)

// Config describes the hosted UI broker.
type Config struct {
	// BaseURL is the broker domain, with scheme.
	BaseURL          string
	ClientID         string
	ClientSecret     string
	RedirectURL      string
	SignOutURL       string
	Scopes           []string
	IdentityProvider string
	Issuer           string
	JWKSURL          string
	StateKey         []byte
}

// ConfigFromSession derives the broker configuration.
func ConfigFromSession(cfg session.Config) (Config, error) {
	key, err := cfg.StateKeyBytes()
	if err != nil {
		return Config{}, err
	}
	return Config{
		BaseURL:          cfg.BrokerURL(),
		ClientID:         cfg.ClientID,
		ClientSecret:     cfg.ClientSecret,
		RedirectURL:      cfg.CallbackURL(),
		SignOutURL:       cfg.SignOutURL(),
		Scopes:           cfg.Scopes,
		IdentityProvider: cfg.IdentityProvider,
		Issuer:           cfg.IssuerURL(),
		JWKSURL:          cfg.JWKSURL(),
		StateKey:         key,
	}, nil
}

// Provider implements session.TokenProvider against an OAuth2/OIDC hosted
// UI. It holds the tokens of the single local session in memory and
// publishes lifecycle events on the auth channel.
type Provider struct {
	cfg        Config
	oauth      *oauth2.Config
	states     StateManager
	verifier   *TokenVerifier
	events     session.Publisher
	httpClient *http.Client
	logger     session.Logger
	now        func() time.Time
	keyfunc    jwt.Keyfunc
	jwks       *keyfunc.JWKS
	methods    []string
	refreshes  singleflight.Group

	mu         sync.Mutex
	token      *oauth2.Token
	idToken    string
	claims     *IDTokenClaims
	exchanging chan struct{}
	consumed   string
}

// Option customizes a Provider.
type Option func(*Provider)

// WithPublisher sets where lifecycle events are published.
func WithPublisher(p session.Publisher) Option {
	return func(pr *Provider) {
		pr.events = session.NormalizePublisher(p)
	}
}

// WithHTTPClient overrides the client used for broker calls.
func WithHTTPClient(c *http.Client) Option {
	return func(pr *Provider) {
		if c != nil {
			pr.httpClient = c
		}
	}
}

// WithKeyfunc skips JWKS discovery and verifies ID tokens with kf.
func WithKeyfunc(kf jwt.Keyfunc, methods ...string) Option {
	return func(pr *Provider) {
		pr.keyfunc = kf
		pr.methods = methods
	}
}

// WithStateManager overrides the state encoder.
func WithStateManager(sm StateManager) Option {
	return func(pr *Provider) {
		if sm != nil {
			pr.states = sm
		}
	}
}

// WithLogger overrides the provider logger.
func WithLogger(l session.Logger) Option {
	return func(pr *Provider) {
		if l != nil {
			pr.logger = l
		}
	}
}

// WithClock injects a custom clock (useful for tests).
func WithClock(now func() time.Time) Option {
	return func(pr *Provider) {
		if now != nil {
			pr.now = now
		}
	}
}

// New builds a provider. Unless WithKeyfunc is given, the broker JWKS is
// fetched from cfg.JWKSURL and refreshed in the background.
func New(cfg Config, opts ...Option) (*Provider, error) {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" || cfg.ClientID == "" {
		return nil, fmt.Errorf("broker: base url and client id are required")
	}
	cfg.BaseURL = base

	p := &Provider{
		cfg:        cfg,
		events:     session.NormalizePublisher(nil),
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     nopLogger{},
		now:        time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}

	authStyle := oauth2.AuthStyleInParams
	if cfg.ClientSecret != "" {
		authStyle = oauth2.AuthStyleInHeader
	}
	p.oauth = &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		Scopes:       cfg.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   base + authorizePath,
			TokenURL:  base + tokenPath,
			AuthStyle: authStyle,
		},
	}

	if p.states == nil {
		sm, err := NewStateManagerFromKey(cfg.StateKey, DefaultStateTTL)
		if err != nil {
			return nil, err
		}
		p.states = sm.WithClock(p.now)
	}

	if p.keyfunc == nil {
		if cfg.JWKSURL == "" {
			return nil, fmt.Errorf("broker: jwks url is required")
		}
		jwks, err := keyfunc.Get(cfg.JWKSURL, keyfunc.Options{
			Client: p.httpClient,
			RefreshErrorHandler: func(err error) {
				p.logger.Warn("failed to refresh broker signing keys", "error", err)
			},
			RefreshInterval:   time.Hour,
			RefreshRateLimit:  5 * time.Minute,
			RefreshTimeout:    10 * time.Second,
			RefreshUnknownKID: true,
		})
		if err != nil {
			return nil, fmt.Errorf("broker: failed to load signing keys: %w", err)
		}
		p.jwks = jwks
		p.keyfunc = jwks.Keyfunc
	}

	p.verifier = NewTokenVerifier(p.keyfunc, cfg.Issuer, cfg.ClientID, p.methods...)
	p.verifier.now = p.now

	return p, nil
}

// Close stops the background JWKS refresh.
func (p *Provider) Close() error {
	if p.jwks != nil {
		p.jwks.EndBackground()
	}
	return nil
}

// StartRedirectSignIn returns the hosted UI URL that starts a sign in with
// the federated provider. The PKCE verifier is sealed into the state.
func (p *Provider) StartRedirectSignIn(ctx context.Context, provider string) (string, error) {
	if provider == "" {
		provider = p.cfg.IdentityProvider
	}

	verifier := oauth2.GenerateVerifier()
	token, err := p.states.Encode(&OAuthState{
		Provider:     provider,
		CodeVerifier: verifier,
	})
	if err != nil {
		return "", err
	}

	opts := []oauth2.AuthCodeOption{oauth2.S256ChallengeOption(verifier)}
	if provider != "" {
		opts = append(opts, oauth2.SetAuthURLParam("identity_provider", provider))
	}
	target := p.oauth.AuthCodeURL(token, opts...)

	p.logger.Info("starting redirect sign in", "provider", provider)
	p.events.Publish(session.ChannelAuth, session.SignInRedirectStarted{Provider: provider})

	return target, nil
}

// HandleRedirect validates the callback query and exchanges the code in
// the background. CurrentSession waits for that exchange. Validation
// failures are returned and published; a replayed state is ignored.
func (p *Provider) HandleRedirect(ctx context.Context, query url.Values) error {
	state, err := p.validateRedirect(query)
	if err != nil {
		p.fail(err)
		return err
	}

	done, ok := p.beginExchange(state.Nonce)
	if !ok {
		p.logger.Debug("ignoring replayed callback")
		return nil
	}

	exchangeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), exchangeTimeout)
	go func() {
		defer cancel()
		defer p.endExchange(done)
		_ = p.exchange(exchangeCtx, query.Get("code"), state)
	}()

	return nil
}

// CompleteSignIn is HandleRedirect without the detached exchange.
func (p *Provider) CompleteSignIn(ctx context.Context, query url.Values) error {
	state, err := p.validateRedirect(query)
	if err != nil {
		p.fail(err)
		return err
	}

	done, ok := p.beginExchange(state.Nonce)
	if !ok {
		return nil
	}
	defer p.endExchange(done)

	return p.exchange(ctx, query.Get("code"), state)
}

// CurrentSession returns the held tokens, refreshing them when expired.
// It returns nil when there is no session.
func (p *Provider) CurrentSession(ctx context.Context) (*session.Tokens, error) {
	if err := p.waitExchange(ctx); err != nil {
		return nil, err
	}

	p.mu.Lock()
	tok := p.token
	idToken := p.idToken
	p.mu.Unlock()

	if tok == nil {
		return nil, nil
	}

	if !p.expired(tok) {
		return toTokens(tok, idToken), nil
	}

	if tok.RefreshToken == "" {
		p.clear()
		p.events.Publish(session.ChannelAuth, session.TokenRefreshFailed{Err: ErrNoSession})
		return nil, nil
	}

	refreshed, err := p.refresh(ctx, tok)
	if err != nil {
		return nil, err
	}
	return refreshed, nil
}

// FetchProfile reads the user attributes from the userInfo endpoint,
// falling back to the verified ID token claims.
func (p *Provider) FetchProfile(ctx context.Context) (*session.Profile, error) {
	tokens, err := p.CurrentSession(ctx)
	if err != nil {
		return nil, err
	}
	if tokens == nil {
		return nil, ErrNoSession
	}

	p.mu.Lock()
	claims := p.claims
	p.mu.Unlock()

	if tokens.AccessToken != "" {
		profile, err := p.userInfo(ctx, tokens.AccessToken)
		if err == nil {
			if claims != nil && profile.ID == "" {
				profile.ID = claims.Subject
			}
			return profile, nil
		}
		if claims == nil {
			return nil, err
		}
		p.logger.Warn("userInfo unavailable, using id token claims", "error", err)
	}

	if claims == nil {
		return nil, ErrNoSession
	}
	return claims.Profile(), nil
}

// SignOut revokes the refresh token and discards the session. When the
// revocation fails the tokens are kept and the error is returned.
func (p *Provider) SignOut(ctx context.Context) error {
	if err := p.waitExchange(ctx); err != nil {
		return err
	}

	p.mu.Lock()
	tok := p.token
	p.mu.Unlock()

	if tok != nil && tok.RefreshToken != "" {
		if err := p.revoke(ctx, tok.RefreshToken); err != nil {
			p.logger.Warn("refresh token revocation failed", "error", err)
			return err
		}
	}

	p.clear()
	p.logger.Info("signed out")
	p.events.Publish(session.ChannelAuth, session.SignedOut{})
	return nil
}

// LogoutURL is the hosted UI logout endpoint, returning to the login view.
func (p *Provider) LogoutURL() string {
	q := url.Values{}
	q.Set("client_id", p.cfg.ClientID)
	if p.cfg.SignOutURL != "" {
		q.Set("logout_uri", p.cfg.SignOutURL)
	}
	return p.cfg.BaseURL + logoutPath + "?" + q.Encode()
}

func (p *Provider) validateRedirect(query url.Values) (*OAuthState, error) {
	if code := query.Get("error"); code != "" {
		perr := &ProviderError{
			Operation:   "authorize",
			Code:        code,
			Description: query.Get("error_description"),
		}
		return nil, wrapProviderError(ErrAuthorizationDenied, "authorize", perr)
	}

	if query.Get("code") == "" || query.Get("state") == "" {
		return nil, wrapProviderError(ErrInvalidState, "callback", fmt.Errorf("missing code or state"))
	}

	state, err := p.states.Decode(query.Get("state"))
	if err != nil {
		return nil, err
	}
	return state, nil
}

func (p *Provider) exchange(ctx context.Context, code string, state *OAuthState) error {
	tok, err := p.oauth.Exchange(p.clientContext(ctx), code, oauth2.VerifierOption(state.CodeVerifier))
	if err != nil {
		err = wrapProviderError(ErrTokenExchangeFailed, "token", fromRetrieveError("token", err))
		p.fail(err)
		return err
	}

	idToken, _ := tok.Extra("id_token").(string)
	claims, err := p.verifier.Verify(idToken)
	if err != nil {
		p.fail(err)
		return err
	}

	p.store(tok, idToken, claims)
	p.logger.Info("signed in", "provider", state.Provider)
	p.events.Publish(session.ChannelAuth, session.SignedIn{Provider: state.Provider})
	return nil
}

func (p *Provider) refresh(ctx context.Context, current *oauth2.Token) (*session.Tokens, error) {
	v, err, _ := p.refreshes.Do("refresh", func() (any, error) {
		seed := &oauth2.Token{RefreshToken: current.RefreshToken}
		tok, err := p.oauth.TokenSource(p.clientContext(ctx), seed).Token()
		if err != nil {
			return nil, wrapProviderError(ErrRefreshFailed, "refresh", fromRetrieveError("refresh", err))
		}

		idToken, _ := tok.Extra("id_token").(string)
		var claims *IDTokenClaims
		if idToken != "" {
			if claims, err = p.verifier.Verify(idToken); err != nil {
				return nil, err
			}
		}

		p.mu.Lock()
		if idToken == "" {
			idToken = p.idToken
			claims = p.claims
		}
		p.mu.Unlock()

		p.store(tok, idToken, claims)
		return toTokens(tok, idToken), nil
	})
	if err != nil {
		p.clear()
		p.logger.Warn("token refresh failed, session dropped", "error", err)
		p.events.Publish(session.ChannelAuth, session.TokenRefreshFailed{Err: err})
		return nil, err
	}

	p.logger.Debug("tokens refreshed")
	p.events.Publish(session.ChannelAuth, session.TokenRefreshed{})
	return v.(*session.Tokens), nil
}

func (p *Provider) userInfo(ctx context.Context, accessToken string) (*session.Profile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.BaseURL+userInfoPath, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, wrapProviderError(ErrUserInfoFailed, "userinfo", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, wrapProviderError(ErrUserInfoFailed, "userinfo", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, wrapProviderError(ErrUserInfoFailed, "userinfo", parseBrokerError("userinfo", resp.StatusCode, body))
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, wrapProviderError(ErrUserInfoFailed, "userinfo", err)
	}

	return profileFromUserInfo(payload), nil
}

func (p *Provider) revoke(ctx context.Context, refreshToken string) error {
	form := url.Values{}
	form.Set("token", refreshToken)
	form.Set("client_id", p.cfg.ClientID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+revokePath, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if p.cfg.ClientSecret != "" {
		req.SetBasicAuth(url.QueryEscape(p.cfg.ClientID), url.QueryEscape(p.cfg.ClientSecret))
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return wrapProviderError(ErrRevokeFailed, "revoke", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return wrapProviderError(ErrRevokeFailed, "revoke", parseBrokerError("revoke", resp.StatusCode, body))
	}
	return nil
}

func (p *Provider) fail(err error) {
	p.logger.Warn("redirect sign in failed", "error", err)
	p.events.Publish(session.ChannelAuth, session.SignInRedirectFailed{Err: err})
}

func (p *Provider) store(tok *oauth2.Token, idToken string, claims *IDTokenClaims) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.token = tok
	p.idToken = idToken
	p.claims = claims
}

func (p *Provider) clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.token = nil
	p.idToken = ""
	p.claims = nil
}

func (p *Provider) expired(tok *oauth2.Token) bool {
	if tok.Expiry.IsZero() {
		return false
	}
	return !p.now().Add(expiryDelta).Before(tok.Expiry)
}

func (p *Provider) beginExchange(nonce string) (chan struct{}, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if nonce != "" && nonce == p.consumed {
		return nil, false
	}
	p.consumed = nonce

	done := make(chan struct{})
	p.exchanging = done
	return done, true
}

func (p *Provider) endExchange(done chan struct{}) {
	p.mu.Lock()
	if p.exchanging == done {
		p.exchanging = nil
	}
	p.mu.Unlock()
	close(done)
}

func (p *Provider) waitExchange(ctx context.Context) error {
	p.mu.Lock()
	done := p.exchanging
	p.mu.Unlock()

	if done == nil {
		return nil
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Provider) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
}

func toTokens(tok *oauth2.Token, idToken string) *session.Tokens {
	return &session.Tokens{
		IDToken:      idToken,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
	}
}

func profileFromUserInfo(payload map[string]any) *session.Profile {
	str := func(key string) string {
		v, _ := payload[key].(string)
		return v
	}

	profile := &session.Profile{
		ID:            str("sub"),
		Email:         str("email"),
		EmailVerified: truthy(payload["email_verified"]),
		Name:          str("name"),
		GivenName:     str("given_name"),
		FamilyName:    str("family_name"),
		Username:      str("username"),
		Picture:       str("picture"),
	}

	known := map[string]bool{
		"sub": true, "email": true, "email_verified": true, "name": true,
		"given_name": true, "family_name": true, "username": true, "picture": true,
	}
	for k, v := range payload {
		if known[k] {
			continue
		}
		if s, ok := v.(string); ok {
			if profile.Attributes == nil {
				profile.Attributes = map[string]string{}
			}
			profile.Attributes[k] = s
		}
	}

	return profile
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
