package broker

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	goerrors "github.com/goliatone/go-errors"
	"golang.org/x/oauth2"
)

const (
	TextCodeInvalidState        = "broker_invalid_state"
	TextCodeStateExpired        = "broker_state_expired"
	TextCodeAuthorizationDenied = "broker_authorization_denied"
	TextCodeTokenExchangeFail   = "broker_token_exchange_failed"
	TextCodeTokenVerifyFail     = "broker_token_verification_failed"
	TextCodeRefreshFail         = "broker_token_refresh_failed"
	TextCodeUserInfoFail        = "broker_user_info_failed"
	TextCodeRevokeFail          = "broker_revoke_failed"
	TextCodeNoSession           = "broker_no_session"
)

// ErrInvalidState is returned when the OAuth state is invalid or tampered.
var ErrInvalidState = goerrors.New("invalid oauth state", goerrors.CategoryBadInput).
	WithTextCode(TextCodeInvalidState).
	WithCode(goerrors.CodeBadRequest)

// ErrStateExpired is returned when the OAuth state has expired.
var ErrStateExpired = goerrors.New("oauth state expired", goerrors.CategoryBadInput).
	WithTextCode(TextCodeStateExpired).
	WithCode(goerrors.CodeBadRequest)

// ErrAuthorizationDenied is returned when the broker redirects back with an error.
var ErrAuthorizationDenied = goerrors.New("authorization denied by broker", goerrors.CategoryAuth).
	WithTextCode(TextCodeAuthorizationDenied).
	WithCode(goerrors.CodeUnauthorized)

// ErrTokenExchangeFailed is returned when the code exchange fails.
var ErrTokenExchangeFailed = goerrors.New("token exchange failed", goerrors.CategoryAuth).
	WithTextCode(TextCodeTokenExchangeFail).
	WithCode(goerrors.CodeUnauthorized)

// ErrTokenVerificationFailed is returned when the ID token does not verify.
var ErrTokenVerificationFailed = goerrors.New("id token verification failed", goerrors.CategoryAuth).
	WithTextCode(TextCodeTokenVerifyFail).
	WithCode(goerrors.CodeUnauthorized)

// ErrRefreshFailed is returned when the refresh grant fails.
var ErrRefreshFailed = goerrors.New("token refresh failed", goerrors.CategoryAuth).
	WithTextCode(TextCodeRefreshFail).
	WithCode(goerrors.CodeUnauthorized)

// ErrUserInfoFailed is returned when fetching user info fails.
var ErrUserInfoFailed = goerrors.New("failed to fetch user info", goerrors.CategoryAuth).
	WithTextCode(TextCodeUserInfoFail).
	WithCode(goerrors.CodeUnauthorized)

// ErrRevokeFailed is returned when the refresh token could not be revoked.
var ErrRevokeFailed = goerrors.New("token revocation failed", goerrors.CategoryOperation).
	WithTextCode(TextCodeRevokeFail).
	WithCode(goerrors.CodeInternal)

// ErrNoSession is returned by operations that need a signed in session.
var ErrNoSession = goerrors.New("no broker session", goerrors.CategoryAuth).
	WithTextCode(TextCodeNoSession).
	WithCode(goerrors.CodeUnauthorized)

// ProviderError captures normalized broker response details.
type ProviderError struct {
	Operation   string
	Status      int
	Code        string
	Description string
	Err         error
	Raw         map[string]any
}

func (e *ProviderError) Error() string {
	if e == nil {
		return "broker error"
	}

	scope := "broker"
	if e.Operation != "" {
		scope = "broker " + e.Operation
	}

	if e.Description != "" {
		return fmt.Sprintf("%s failed: %s", scope, e.Description)
	}
	if e.Code != "" {
		return fmt.Sprintf("%s failed: %s", scope, e.Code)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s failed: %v", scope, e.Err)
	}
	if e.Status != 0 {
		return fmt.Sprintf("%s failed: status %d", scope, e.Status)
	}

	return fmt.Sprintf("%s failed", scope)
}

func (e *ProviderError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func (e *ProviderError) Metadata() map[string]any {
	if e == nil {
		return nil
	}

	meta := map[string]any{}
	if e.Operation != "" {
		meta["operation"] = e.Operation
	}
	if e.Status != 0 {
		meta["status"] = e.Status
	}
	if e.Code != "" {
		meta["code"] = e.Code
	}
	if e.Description != "" {
		meta["description"] = e.Description
	}
	if len(e.Raw) > 0 {
		meta["raw"] = e.Raw
	}

	return meta
}

// HasTextCode reports whether err wraps a go-errors value with code.
func HasTextCode(err error, code string) bool {
	var rich *goerrors.Error
	if !errors.As(err, &rich) || rich == nil {
		return false
	}
	return rich.TextCode == code
}

func wrapProviderError(base *goerrors.Error, operation string, err error) error {
	if base == nil {
		return err
	}

	meta := map[string]any{}
	if operation != "" {
		meta["operation"] = operation
	}

	var perr *ProviderError
	if errors.As(err, &perr) && perr != nil {
		for k, v := range perr.Metadata() {
			meta[k] = v
		}
	} else if err != nil {
		meta["error"] = err.Error()
	}

	clone := base.Clone()
	if clone == nil {
		clone = base
	}
	if err != nil {
		clone.Source = err
	}
	if len(meta) > 0 {
		clone.WithMetadata(meta)
	}

	return clone
}

// parseBrokerError reads an OAuth2 style error body.
func parseBrokerError(operation string, status int, body []byte) *ProviderError {
	perr := &ProviderError{Operation: operation, Status: status}

	var payload map[string]any
	if len(body) > 0 && json.Unmarshal(body, &payload) == nil {
		perr.Raw = payload
		if code, ok := payload["error"].(string); ok {
			perr.Code = code
		}
		if desc, ok := payload["error_description"].(string); ok {
			perr.Description = desc
		}
	} else if text := strings.TrimSpace(string(body)); text != "" {
		perr.Description = text
	}

	return perr
}

// fromRetrieveError normalizes errors returned by the oauth2 token endpoint.
func fromRetrieveError(operation string, err error) error {
	var rerr *oauth2.RetrieveError
	if !errors.As(err, &rerr) || rerr == nil {
		return err
	}

	status := 0
	if rerr.Response != nil {
		status = rerr.Response.StatusCode
	}
	perr := parseBrokerError(operation, status, rerr.Body)
	if perr.Code == "" {
		perr.Code = rerr.ErrorCode
	}
	if perr.Description == "" {
		perr.Description = rerr.ErrorDescription
	}
	perr.Err = err
	return perr
}
