package session

import (
	"errors"

	goerrors "github.com/goliatone/go-errors"
)

const (
	TextCodeIdentityResolution = "SESSION_IDENTITY_RESOLUTION"
	TextCodeRedirectFailed     = "SESSION_REDIRECT_FAILED"
	TextCodeSignOutFailed      = "SESSION_SIGN_OUT_FAILED"
	TextCodeWatchdogTimeout    = "SESSION_WATCHDOG_TIMEOUT"
	TextCodeInvalidConfig      = "SESSION_INVALID_CONFIG"
	TextCodeStoreClosed        = "SESSION_STORE_CLOSED"
)

// ErrIdentityResolution is recorded when reconcile could not resolve an
// identity because of a provider failure. A missing session is not an error.
var ErrIdentityResolution = goerrors.New("unable to resolve identity", goerrors.CategoryAuth).
	WithTextCode(TextCodeIdentityResolution).
	WithCode(goerrors.CodeUnauthorized)

// ErrRedirectFailed is recorded when the broker reports a failed external login.
var ErrRedirectFailed = goerrors.New("external sign in failed", goerrors.CategoryAuth).
	WithTextCode(TextCodeRedirectFailed).
	WithCode(goerrors.CodeUnauthorized)

// ErrSignOutFailed is returned by Store.SignOut when revocation fails. The
// session is left untouched.
var ErrSignOutFailed = goerrors.New("sign out failed", goerrors.CategoryOperation).
	WithTextCode(TextCodeSignOutFailed).
	WithCode(goerrors.CodeInternal)

// ErrWatchdogTimeout is recorded when the loading watchdog forces the
// session out of the initializing state.
var ErrWatchdogTimeout = goerrors.New("session check timed out", goerrors.CategoryOperation).
	WithTextCode(TextCodeWatchdogTimeout).
	WithCode(goerrors.CodeInternal)

// ErrInvalidConfig is returned when required configuration is missing or malformed.
var ErrInvalidConfig = goerrors.New("invalid session configuration", goerrors.CategoryValidation).
	WithTextCode(TextCodeInvalidConfig).
	WithCode(goerrors.CodeBadRequest)

// ErrStoreClosed is returned by operations on a store that was torn down.
var ErrStoreClosed = goerrors.New("session store closed", goerrors.CategoryOperation).
	WithTextCode(TextCodeStoreClosed).
	WithCode(goerrors.CodeInternal)

// HasTextCode reports whether err wraps a go-errors value with code.
func HasTextCode(err error, code string) bool {
	if err == nil {
		return false
	}
	var rich *goerrors.Error
	if !errors.As(err, &rich) || rich == nil {
		return false
	}
	return rich.TextCode == code
}

// IsSignOutFailed reports whether err is a sign out failure.
func IsSignOutFailed(err error) bool {
	return HasTextCode(err, TextCodeSignOutFailed)
}

// IsWatchdogTimeout reports whether err was recorded by the watchdog.
func IsWatchdogTimeout(err error) bool {
	return HasTextCode(err, TextCodeWatchdogTimeout)
}

func wrapError(base *goerrors.Error, err error, meta map[string]any) error {
	clone := base.Clone()
	if clone == nil {
		clone = base
	}
	if err != nil {
		clone.Source = err
		if meta == nil {
			meta = map[string]any{}
		}
		meta["cause"] = err.Error()
	}
	if len(meta) > 0 {
		clone.WithMetadata(meta)
	}
	return clone
}
