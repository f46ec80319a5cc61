package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"

	session "github.com/goliatone/go-session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

type staticTokens struct {
	tokens *session.Tokens
	err    error
}

func (s staticTokens) CurrentSession(context.Context) (*session.Tokens, error) {
	return s.tokens, s.err
}

type captured struct {
	hits        atomic.Int32
	auth        atomic.Value
	contentType atomic.Value
	body        atomic.Value
	query       atomic.Value
}

func newBackend(t *testing.T, status int, response string) (*httptest.Server, *captured) {
	t.Helper()
	c := &captured{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.hits.Add(1)
		c.auth.Store(r.Header.Get("Authorization"))
		c.contentType.Store(r.Header.Get("Content-Type"))
		c.query.Store(r.URL.RawQuery)
		raw, _ := io.ReadAll(r.Body)
		c.body.Store(string(raw))
		w.WriteHeader(status)
		_, _ = w.Write([]byte(response))
	}))
	t.Cleanup(srv.Close)
	return srv, c
}

func TestGetInjectsIDToken(t *testing.T) {
	srv, got := newBackend(t, http.StatusOK, `[{"id":"p1","title":"hello"}]`)
	client := New(srv.URL, staticTokens{tokens: &session.Tokens{IDToken: "id-token", AccessToken: "access-token"}})

	var posts []map[string]string
	err := client.Get(context.Background(), "/posts", url.Values{"limit": {"10"}}, &posts)
	require.NoError(t, err)

	assert.Equal(t, "Bearer id-token", got.auth.Load())
	assert.Equal(t, "limit=10", got.query.Load())
	require.Len(t, posts, 1)
	assert.Equal(t, "hello", posts[0]["title"])
}

func TestGetFallsBackToAccessToken(t *testing.T) {
	srv, got := newBackend(t, http.StatusOK, `{}`)
	client := New(srv.URL, staticTokens{tokens: &session.Tokens{AccessToken: "access-token"}})

	require.NoError(t, client.Get(context.Background(), "/posts", nil, nil))
	assert.Equal(t, "Bearer access-token", got.auth.Load())
}

func TestNoTokenSendsNoRequest(t *testing.T) {
	srv, got := newBackend(t, http.StatusOK, `{}`)

	cases := map[string]TokenSource{
		"nil tokens":     staticTokens{},
		"empty tokens":   staticTokens{tokens: &session.Tokens{RefreshToken: "r"}},
		"provider error": staticTokens{err: errors.New("broker down")},
	}

	for name, source := range cases {
		t.Run(name, func(t *testing.T) {
			client := New(srv.URL, source)
			err := client.Get(context.Background(), "/posts", nil, nil)
			require.Error(t, err)
			assert.True(t, IsTokenUnavailable(err))
		})
	}

	assert.EqualValues(t, 0, got.hits.Load())
}

func TestPostSendsJSON(t *testing.T) {
	srv, got := newBackend(t, http.StatusCreated, `{"id":"p2"}`)
	client := New(srv.URL+"/", staticTokens{tokens: &session.Tokens{IDToken: "id-token"}})

	var out struct {
		ID string `json:"id"`
	}
	err := client.Post(context.Background(), "/posts", map[string]string{"title": "new"}, &out)
	require.NoError(t, err)

	assert.Equal(t, "p2", out.ID)
	assert.Equal(t, "application/json", got.contentType.Load())

	var sent map[string]string
	require.NoError(t, json.Unmarshal([]byte(got.body.Load().(string)), &sent))
	assert.Equal(t, "new", sent["title"])
}

func TestNonSuccessStatusIsAPIError(t *testing.T) {
	srv, _ := newBackend(t, http.StatusForbidden, `{"message":"Forbidden"}`)
	client := New(srv.URL, staticTokens{tokens: &session.Tokens{IDToken: "id-token"}})

	err := client.Get(context.Background(), "/posts", nil, nil)
	require.Error(t, err)

	apiErr, ok := IsAPIError(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
	assert.JSONEq(t, `{"message":"Forbidden"}`, string(apiErr.Body))
	assert.False(t, IsTokenUnavailable(err))
}

func TestEmptyBodyIsTolerated(t *testing.T) {
	srv, _ := newBackend(t, http.StatusNoContent, ``)
	client := New(srv.URL, staticTokens{tokens: &session.Tokens{IDToken: "id-token"}})

	var out map[string]any
	require.NoError(t, client.Post(context.Background(), "/posts", map[string]string{}, &out))
	assert.Nil(t, out)
}

func TestRequestIsTraced(t *testing.T) {
	srv, _ := newBackend(t, http.StatusInternalServerError, `boom`)
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	client := New(srv.URL, staticTokens{tokens: &session.Tokens{IDToken: "id-token"}}, WithTracerProvider(tp))
	_ = client.Get(context.Background(), "/posts", nil, nil)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "apiclient GET", spans[0].Name())
}

func TestSelectBearer(t *testing.T) {
	assert.Equal(t, "", SelectBearer(nil))
	assert.Equal(t, "id", SelectBearer(&session.Tokens{IDToken: "id", AccessToken: "access"}))
	assert.Equal(t, "access", SelectBearer(&session.Tokens{AccessToken: "access"}))
}
