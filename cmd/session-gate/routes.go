package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/goliatone/go-router"
	session "github.com/goliatone/go-session"
	"github.com/goliatone/go-session/apiclient"
)

// RegisterRoutes mounts the login, callback, session and protected views.
func RegisterRoutes(app *App) {
	r := app.srv.Router()
	cfg := app.Config()

	public := app.guard.Public()
	protected := app.guard.Protected()

	r.Get(session.DefaultLoginPath, loginHandler(cfg.IdentityProvider), public)
	r.Get("/auth/login/:provider", signInHandler(app.broker, app.GetLogger("auth")), public)

	r.Get(session.CallbackPath, app.callback.Handler())
	r.Get(session.CallbackPath+"/retry", app.callback.RetryHandler())
	r.Get("/api"+session.CallbackPath, app.callback.DiagnosticHandler())

	r.Get("/session", sessionHandler(app.store, app.nav, app.guard, app.csrf.IssueFor))

	r.Get(session.DefaultHomePath, homeHandler(), protected)
	r.Get("/posts", listPostsHandler(app.api), protected)
	r.Post("/posts", createPostHandler(app.api), protected, app.csrf.Middleware())

	logout := logoutHandler(app.store, app.broker.LogoutURL, app.GetLogger("auth"))
	r.Get("/logout", logout, protected)
	r.Post("/logout", logout, protected, app.csrf.Middleware())
}

type redirectStarter interface {
	StartRedirectSignIn(ctx context.Context, provider string) (string, error)
}

type signOuter interface {
	SignOut(ctx context.Context) error
}

type backend interface {
	Get(ctx context.Context, path string, query url.Values, out any) error
	Post(ctx context.Context, path string, body any, out any) error
}

func loginHandler(provider string) router.HandlerFunc {
	return func(ctx router.Context) error {
		return ctx.JSON(http.StatusOK, map[string]any{
			"view":    "login",
			"error":   ctx.Query("error", ""),
			"sign_in": "/auth/login/" + url.PathEscape(provider),
		})
	}
}

func signInHandler(starter redirectStarter, logger session.Logger) router.HandlerFunc {
	return func(ctx router.Context) error {
		target, err := starter.StartRedirectSignIn(ctx.Context(), ctx.Param("provider"))
		if err != nil {
			logger.Error("unable to start sign in", "error", err)
			return ctx.Redirect(session.LoginPathWithError(session.DefaultLoginPath, session.ErrorMarkerOAuthFailed), http.StatusFound)
		}
		return ctx.Redirect(target, http.StatusFound)
	}
}

// completeRedirect hands the callback query to the broker and restarts
// the session check so the callback view waits on a fresh reconcile.
func completeRedirect(app *App) router.HandlerFunc {
	return func(ctx router.Context) error {
		query := url.Values{}
		for _, key := range []string{"code", "state", "error", "error_description"} {
			if value := ctx.Query(key, ""); value != "" {
				query.Set(key, value)
			}
		}
		if err := app.broker.HandleRedirect(ctx.Context(), query); err != nil {
			return err
		}
		return app.store.Reload(ctx.Context())
	}
}

type snapshotView struct {
	Status    string           `json:"status"`
	IsLoading bool             `json:"is_loading"`
	User      *session.Profile `json:"user,omitempty"`
	Error     string           `json:"error,omitempty"`
	Version   uint64           `json:"version"`
	Navigate  string           `json:"navigate,omitempty"`
	CSRF      string           `json:"csrf,omitempty"`
}

type tokenIssuer func(router.Context) (string, error)

type viewGate interface {
	Evaluate(snap session.Snapshot, class session.ViewClass) session.Decision
}

// sessionHandler serves the page poll. A page passes its view class as
// ?view=protected|public so every poll re-evaluates the open view against
// the latest snapshot; queued navigations win over the guard decision.
func sessionHandler(view session.SessionView, nav *session.NavigationQueue, gate viewGate, issue tokenIssuer) router.HandlerFunc {
	return func(ctx router.Context) error {
		snap := view.Snapshot()
		out := snapshotView{
			Status:    snap.Status.String(),
			IsLoading: snap.IsLoading,
			User:      snap.User,
			Version:   snap.Version,
		}
		if snap.LastError != nil {
			out.Error = snap.LastError.Error()
		}
		if target, ok := nav.Take(); ok {
			out.Navigate = target
		} else if gate != nil {
			if class, ok := session.ParseViewClass(ctx.Query("view", "")); ok {
				if decision := gate.Evaluate(snap, class); decision.Kind == session.DecisionRedirect {
					out.Navigate = decision.Target
				}
			}
		}
		if issue != nil && snap.Authenticated() {
			token, err := issue(ctx)
			if err != nil {
				return err
			}
			out.CSRF = token
		}
		return ctx.JSON(http.StatusOK, out)
	}
}

func homeHandler() router.HandlerFunc {
	return func(ctx router.Context) error {
		user, _ := session.UserFromRouter(ctx)
		return ctx.JSON(http.StatusOK, map[string]any{
			"view": "home",
			"user": user,
		})
	}
}

func listPostsHandler(api backend) router.HandlerFunc {
	return func(ctx router.Context) error {
		var posts json.RawMessage
		if err := api.Get(ctx.Context(), "/posts", nil, &posts); err != nil {
			return backendError(ctx, err)
		}
		if len(posts) == 0 {
			posts = json.RawMessage("[]")
		}
		return ctx.JSON(http.StatusOK, posts)
	}
}

func createPostHandler(api backend) router.HandlerFunc {
	return func(ctx router.Context) error {
		body := json.RawMessage(ctx.Body())
		if !json.Valid(body) {
			return ctx.JSON(http.StatusBadRequest, map[string]string{"error": "request body must be JSON"})
		}

		var created json.RawMessage
		if err := api.Post(ctx.Context(), "/posts", body, &created); err != nil {
			return backendError(ctx, err)
		}
		return ctx.JSON(http.StatusCreated, created)
	}
}

func backendError(ctx router.Context, err error) error {
	if apiclient.IsTokenUnavailable(err) {
		return ctx.JSON(http.StatusUnauthorized, map[string]string{"error": "session expired"})
	}
	if apiErr, ok := apiclient.IsAPIError(err); ok {
		return ctx.JSON(apiErr.StatusCode, map[string]any{
			"error":  http.StatusText(apiErr.StatusCode),
			"status": apiErr.StatusCode,
		})
	}
	return ctx.JSON(http.StatusBadGateway, map[string]string{"error": "backend unavailable"})
}

// logoutHandler keeps the user signed in when revocation fails and reports
// a notice instead of redirecting.
func logoutHandler(store signOuter, logoutURL func() string, logger session.Logger) router.HandlerFunc {
	return func(ctx router.Context) error {
		if err := store.SignOut(ctx.Context()); err != nil {
			logger.Warn("sign out failed", "error", err)
			return ctx.JSON(http.StatusBadGateway, map[string]string{
				"notice": "sign out failed, you are still signed in",
			})
		}

		status := http.StatusSeeOther
		if ctx.Method() == string(router.GET) {
			status = http.StatusFound
		}
		return ctx.Redirect(logoutURL(), status)
	}
}
