package session_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	goerrors "github.com/goliatone/go-errors"
	session "github.com/goliatone/go-session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestHasTextCode(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		code     string
		expected bool
	}{
		{
			name:     "sentinel",
			err:      session.ErrSignOutFailed,
			code:     session.TextCodeSignOutFailed,
			expected: true,
		},
		{
			name:     "wrapped with fmt",
			err:      fmt.Errorf("ui notice: %w", session.ErrWatchdogTimeout),
			code:     session.TextCodeWatchdogTimeout,
			expected: true,
		},
		{
			name:     "different code",
			err:      session.ErrRedirectFailed,
			code:     session.TextCodeSignOutFailed,
			expected: false,
		},
		{
			name:     "plain error",
			err:      errors.New("sign out failed"),
			code:     session.TextCodeSignOutFailed,
			expected: false,
		},
		{
			name:     "nil",
			err:      nil,
			code:     session.TextCodeSignOutFailed,
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, session.HasTextCode(tt.err, tt.code))
		})
	}
}

func TestSentinelCategories(t *testing.T) {
	assert.Equal(t, goerrors.CategoryAuth, session.ErrIdentityResolution.Category)
	assert.Equal(t, goerrors.CategoryAuth, session.ErrRedirectFailed.Category)
	assert.Equal(t, goerrors.CategoryOperation, session.ErrSignOutFailed.Category)
	assert.Equal(t, goerrors.CategoryValidation, session.ErrInvalidConfig.Category)
}

func TestSignOutFailureKeepsCause(t *testing.T) {
	provider := &MockTokenProvider{}
	cause := errors.New("revoke endpoint 503")
	provider.On("SignOut", mock.Anything).Return(cause)
	provider.On("CurrentSession", mock.Anything).Return(nil, nil)

	store, _ := newTestStore(t, provider)
	_ = store.Initialize(context.Background())

	err := store.SignOut(context.Background())
	assert.True(t, session.IsSignOutFailed(err))

	var rich *goerrors.Error
	require.True(t, errors.As(err, &rich))
	assert.Equal(t, cause, rich.Source)
	assert.Equal(t, cause.Error(), rich.Metadata["cause"])
}
