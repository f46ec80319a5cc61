package main

import (
	"context"
	"crypto/sha256"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/goliatone/go-logger/glog"
	"github.com/goliatone/go-router"
	session "github.com/goliatone/go-session"
	"github.com/goliatone/go-session/apiclient"
	"github.com/goliatone/go-session/broker"
	"github.com/goliatone/go-session/internal/telemetry"
	"github.com/goliatone/go-session/middleware/csrf"
)

const serviceName = "session-gate"

// App holds the process wide collaborators. Everything is built once in
// runServe and handed to the routes.
type App struct {
	config   session.Config
	logger   *glog.BaseLogger
	bus      *session.Bus
	broker   *broker.Provider
	store    *session.Store
	nav      *session.NavigationQueue
	guard    *session.RouteGuard
	callback *session.CallbackHandler
	api      *apiclient.Client
	csrf     *csrf.Protector
	srv      router.Server[*fiber.App]
	shutdown []func(context.Context) error
}

func (a *App) Config() session.Config {
	return a.config
}

func (a *App) SetLogger(lgr *glog.BaseLogger) *App {
	a.logger = lgr
	return a
}

func (a *App) GetLogger(name string) glog.Logger {
	return a.logger.GetLogger(name)
}

func (a *App) SetHTTPServer(srv router.Server[*fiber.App]) {
	a.srv = srv
}

func (a *App) onShutdown(fn func(context.Context) error) {
	a.shutdown = append(a.shutdown, fn)
}

// Shutdown stops the server first, then releases the rest in reverse
// registration order.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	if a.srv != nil {
		if err := a.srv.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	for i := len(a.shutdown) - 1; i >= 0; i-- {
		if err := a.shutdown[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// WithTelemetry installs the tracer provider used by the api client.
func WithTelemetry(ctx context.Context, app *App) error {
	shutdown, err := telemetry.Setup(ctx, serviceName, app.config.OTelEndpoint)
	if err != nil {
		return err
	}
	app.onShutdown(shutdown)
	return nil
}

// WithSession builds the broker, the store and the components reading it.
func WithSession(ctx context.Context, app *App) error {
	cfg := app.Config()

	app.bus = session.NewBus(session.WithBusLogger(app.GetLogger("events")))
	app.nav = session.NewNavigationQueue(20)

	brokerCfg, err := broker.ConfigFromSession(cfg)
	if err != nil {
		return err
	}

	provider, err := broker.New(brokerCfg,
		broker.WithPublisher(app.bus),
		broker.WithLogger(app.GetLogger("broker")),
	)
	if err != nil {
		return err
	}
	app.broker = provider
	app.onShutdown(func(context.Context) error {
		return provider.Close()
	})

	app.store = session.NewStore(provider, app.bus,
		session.WithWatchdogTimeout(cfg.WatchdogTimeout),
		session.WithNavigator(app.nav),
		session.WithStoreLogger(app.GetLogger("session")),
	)
	app.onShutdown(func(context.Context) error {
		return app.store.Close()
	})

	app.guard = session.NewRouteGuard(app.store,
		session.WithGuardLogger(app.GetLogger("guard")),
	)

	app.callback = session.NewCallbackHandler(app.store, app.nav,
		session.WithCallbackTimeout(cfg.CallbackTimeout),
		session.WithCallbackLogger(app.GetLogger("callback")),
		session.WithCallbackHook(completeRedirect(app)),
	)
	app.onShutdown(func(context.Context) error {
		app.callback.Stop()
		return nil
	})

	app.api = apiclient.New(cfg.APIBaseURL, provider,
		apiclient.WithLogger(app.GetLogger("api")),
	)

	stateKey, err := cfg.StateKeyBytes()
	if err != nil {
		return err
	}
	var csrfKey []byte
	if len(stateKey) > 0 {
		sum := sha256.Sum256(stateKey)
		csrfKey = sum[:]
	}
	app.csrf = csrf.NewProtector(csrf.Config{
		SecureKey: csrfKey,
		Subject: func(ctx router.Context) string {
			return csrfSubject(app.store.Snapshot(), ctx.IP())
		},
	})

	return nil
}

func csrfSubject(snap session.Snapshot, ip string) string {
	if snap.Authenticated() && snap.User != nil {
		return "user:" + snap.User.ID
	}
	return "ip:" + ip
}

// WithHTTPServer creates the fiber backed router.
func WithHTTPServer(ctx context.Context, app *App) error {
	srv := router.NewFiberAdapter(func(a *fiber.App) *fiber.App {
		return router.DefaultFiberOptions(fiber.New(fiber.Config{
			UnescapePath:      true,
			EnablePrintRoutes: false,
			StrictRouting:     false,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      15 * time.Second,
		}))
	})

	srv.Router().WithLogger(app.GetLogger("router"))

	app.SetHTTPServer(srv)
	return nil
}
