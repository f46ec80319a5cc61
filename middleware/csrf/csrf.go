package csrf

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-router"
	session "github.com/goliatone/go-session"
)

const (
	TextCodeTokenMissing  = "CSRF_TOKEN_MISSING"
	TextCodeTokenMismatch = "CSRF_TOKEN_MISMATCH"
	TextCodeTokenExpired  = "CSRF_TOKEN_EXPIRED"
)

// ErrTokenMissing is returned when an unsafe request carries no token.
var ErrTokenMissing = goerrors.New("CSRF token missing", goerrors.CategoryBadInput).
	WithTextCode(TextCodeTokenMissing).
	WithCode(http.StatusBadRequest)

var ErrTokenMismatch = goerrors.New("CSRF token mismatch", goerrors.CategoryAuth).
	WithTextCode(TextCodeTokenMismatch).
	WithCode(http.StatusForbidden)

var ErrTokenExpired = goerrors.New("CSRF token expired", goerrors.CategoryAuth).
	WithTextCode(TextCodeTokenExpired).
	WithCode(http.StatusForbidden)

// DefaultTokenLength is the nonce size in bytes.
const DefaultTokenLength = 16

// DefaultHeaderName is the header pages echo the token back in.
const DefaultHeaderName = "X-CSRF-Token"

// Config defines the configuration for the CSRF protector.
type Config struct {
	// SecureKey signs tokens. It must be at least 32 bytes; a random key
	// is generated when empty, so tokens do not survive a restart.
	SecureKey []byte

	// HeaderName is the request header carrying the token.
	HeaderName string

	// SafeMethods skip validation.
	SafeMethods []string

	// Expiration bounds how long an issued token is accepted.
	Expiration time.Duration

	// Subject binds tokens to the caller. Defaults to the signed in user
	// id, falling back to the client IP.
	Subject func(router.Context) string

	// ErrorHandler renders a rejected request.
	ErrorHandler router.ErrorHandler

	TokenLength int
	Now         func() time.Time
}

// Protector issues and checks stateless, signed CSRF tokens.
type Protector struct {
	cfg Config
}

// NewProtector returns a Protector with defaults applied. It panics on a
// key shorter than 32 bytes.
func NewProtector(cfg Config) *Protector {
	return &Protector{cfg: configDefault(cfg)}
}

// HeaderName is the header the middleware reads.
func (p *Protector) HeaderName() string {
	return p.cfg.HeaderName
}

// Issue mints a token for subject.
func (p *Protector) Issue(subject string) (string, error) {
	nonce := make([]byte, p.cfg.TokenLength)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	payload := fmt.Sprintf("%d:%s:%s", p.cfg.Now().UTC().Unix(), hex.EncodeToString(nonce), hex.EncodeToString([]byte(subject)))
	token := payload + ":" + hex.EncodeToString(p.sign(payload))
	return base64.RawURLEncoding.EncodeToString([]byte(token)), nil
}

// IssueFor mints a token for the caller of ctx.
func (p *Protector) IssueFor(ctx router.Context) (string, error) {
	return p.Issue(p.cfg.Subject(ctx))
}

// Validate checks token against subject.
func (p *Protector) Validate(token, subject string) error {
	if token == "" {
		return ErrTokenMissing
	}

	decoded, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return ErrTokenMismatch
	}

	parts := strings.Split(string(decoded), ":")
	if len(parts) != 4 {
		return ErrTokenMismatch
	}

	signature, err := hex.DecodeString(parts[3])
	if err != nil || !hmac.Equal(signature, p.sign(strings.Join(parts[:3], ":"))) {
		return ErrTokenMismatch
	}

	if subtle.ConstantTimeCompare([]byte(parts[2]), []byte(hex.EncodeToString([]byte(subject)))) != 1 {
		return ErrTokenMismatch
	}

	issued, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return ErrTokenMismatch
	}
	if p.cfg.Now().UTC().After(time.Unix(issued, 0).Add(p.cfg.Expiration)) {
		return ErrTokenExpired
	}

	return nil
}

// Middleware rejects unsafe requests without a valid token.
func (p *Protector) Middleware() router.MiddlewareFunc {
	return func(next router.HandlerFunc) router.HandlerFunc {
		return func(ctx router.Context) error {
			if slices.Contains(p.cfg.SafeMethods, strings.ToUpper(ctx.Method())) {
				return next(ctx)
			}

			token := ctx.GetString(p.cfg.HeaderName, "")
			if err := p.Validate(token, p.cfg.Subject(ctx)); err != nil {
				return p.cfg.ErrorHandler(ctx, err)
			}
			return next(ctx)
		}
	}
}

func (p *Protector) sign(payload string) []byte {
	mac := hmac.New(sha256.New, p.cfg.SecureKey)
	mac.Write([]byte(payload))
	return mac.Sum(nil)
}

func configDefault(cfg Config) Config {
	if cfg.TokenLength == 0 {
		cfg.TokenLength = DefaultTokenLength
	}

	if cfg.HeaderName == "" {
		cfg.HeaderName = DefaultHeaderName
	}

	if cfg.SafeMethods == nil {
		cfg.SafeMethods = []string{"GET", "HEAD", "OPTIONS", "TRACE"}
	}

	if cfg.Expiration == 0 {
		cfg.Expiration = 12 * time.Hour
	}

	if cfg.Subject == nil {
		cfg.Subject = defaultSubject
	}

	if cfg.ErrorHandler == nil {
		cfg.ErrorHandler = defaultErrorHandler
	}

	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	cfg.SecureKey = initializeSecureKey(cfg.SecureKey)

	return cfg
}

func defaultSubject(ctx router.Context) string {
	if user, ok := session.UserFromRouter(ctx); ok && user.ID != "" {
		return "user:" + user.ID
	}
	return "ip:" + ctx.IP()
}

func defaultErrorHandler(ctx router.Context, err error) error {
	status := http.StatusForbidden
	var rich *goerrors.Error
	if goerrors.As(err, &rich) && rich.Code != 0 {
		status = rich.Code
	}
	return ctx.JSON(status, map[string]string{"error": err.Error()})
}

func initializeSecureKey(current []byte) []byte {
	if len(current) > 0 {
		if len(current) < 32 {
			panic("csrf: secure key must be at least 32 bytes")
		}
		return current
	}

	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		panic(fmt.Sprintf("csrf: unable to generate secure key: %v", err))
	}
	return key
}
