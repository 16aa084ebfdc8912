// Package session composes the credential store, transport, lifecycle manager, state store,
// and route guard into one explicitly initialized session context.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"github.com/tyemirov/authsession/internal/botcheck"
	"github.com/tyemirov/authsession/internal/clock"
	"github.com/tyemirov/authsession/internal/config"
	"github.com/tyemirov/authsession/internal/credentials"
	"github.com/tyemirov/authsession/internal/guard"
	"github.com/tyemirov/authsession/internal/lifecycle"
	"github.com/tyemirov/authsession/internal/navigation"
	"github.com/tyemirov/authsession/internal/state"
	"github.com/tyemirov/authsession/internal/transport"
)

var errTornDown = errors.New("session.torn_down")

// Dependencies are optional collaborators. Zero values select production defaults.
type Dependencies struct {
	Clock      clock.Clock
	Logger     *zap.Logger
	Navigator  navigation.Navigator
	HTTPClient *http.Client
	// BotSource supplies bot-mitigation tokens. When nil and a bot token is configured,
	// the configured token is used for every action.
	BotSource botcheck.Source
	Metrics   lifecycle.MetricsRecorder
	// Credentials overrides the store selected from configuration.
	Credentials credentials.Store
}

// Context owns one client session. Construct it once per process with New, call Init before
// rendering protected routes, and Teardown on exit.
type Context struct {
	config      config.Config
	logger      *zap.Logger
	credentials credentials.Store
	client      *transport.Client
	identity    *transport.IdentityClient
	activity    *lifecycle.ActivityBus
	manager     *lifecycle.Manager
	store       *state.Store
	guard       *guard.Guard
	navigator   navigation.Navigator

	mutex      sync.Mutex
	initOnce   sync.Once
	initResult state.Result
	tornDown   bool
}

// New wires every component from cfg.
func New(ctx context.Context, cfg config.Config, dependencies Dependencies) (*Context, error) {
	logger := dependencies.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clk := clock.OrSystem(dependencies.Clock)
	navigator := dependencies.Navigator
	if navigator == nil {
		navigator = navigation.NewHistory(logger)
	}

	credentialStore := dependencies.Credentials
	if credentialStore == nil {
		options := credentials.Options{
			DatabaseURL: cfg.CredentialDatabaseURL,
			Profile:     cfg.CredentialProfile,
			Clock:       clk,
		}
		if cfg.CredentialMode == transport.ModeCookie {
			options.CookieURL = cfg.APIBaseURL
		}
		credentialStore = credentials.Open(ctx, options, logger)
	}

	client, clientErr := transport.New(transport.Config{
		BaseURL:    cfg.APIBaseURL,
		Mode:       cfg.CredentialMode,
		Store:      credentialStore,
		HTTPClient: dependencies.HTTPClient,
		Timeout:    cfg.RequestTimeout,
		Clock:      clk,
		Logger:     logger,
	})
	if clientErr != nil {
		return nil, fmt.Errorf("session.new: %w", clientErr)
	}
	identity := transport.NewIdentityClient(client)

	activity := lifecycle.NewActivityBus()
	manager, managerErr := lifecycle.NewManager(cfg.Lifecycle, lifecycle.Dependencies{
		Refresher: identity,
		Store:     credentialStore,
		Activity:  activity,
		Navigator: navigator,
		Clock:     clk,
		Logger:    logger,
		Metrics:   dependencies.Metrics,
	})
	if managerErr != nil {
		return nil, fmt.Errorf("session.new: %w", managerErr)
	}
	client.UseRecovery(manager, manager.ForceLogout)

	botSource := dependencies.BotSource
	if botSource == nil && cfg.BotToken != "" {
		botSource = botcheck.StaticSource(cfg.BotToken)
	}

	store, storeErr := state.New(state.Dependencies{
		Identity:  identity,
		Lifecycle: manager,
		BotCheck:  botcheck.NewProvider(cfg.BotSiteKey, botSource, logger),
		Clock:     clk,
		Logger:    logger,
		Cooldown:  cfg.ResendCooldown,
	})
	if storeErr != nil {
		return nil, fmt.Errorf("session.new: %w", storeErr)
	}

	routeGuard := guard.New(store, guard.Config{
		SettleDelay: cfg.GuardSettleDelay,
		Clock:       clk,
		Navigator:   navigator,
		Logger:      logger,
	})

	return &Context{
		config:      cfg,
		logger:      logger,
		credentials: credentialStore,
		client:      client,
		identity:    identity,
		activity:    activity,
		manager:     manager,
		store:       store,
		guard:       routeGuard,
		navigator:   navigator,
	}, nil
}

// Init runs the startup session check once. Concurrent and later calls wait for it and
// return the same result.
func (session *Context) Init(ctx context.Context) (state.Result, error) {
	session.mutex.Lock()
	tornDown := session.tornDown
	session.mutex.Unlock()
	if tornDown {
		return state.Result{}, fmt.Errorf("session.init: %w", errTornDown)
	}

	session.initOnce.Do(func() {
		session.initResult = session.store.CheckSession(ctx)
		session.logger.Debug("session initialized",
			zap.String("code", "session.init"),
			zap.Bool("authenticated", session.store.Snapshot().Authenticated),
		)
	})
	return session.initResult, nil
}

// Teardown stops timers, detaches observers, and releases the credential backend.
// Stored credentials are kept so the next process can resume the session.
func (session *Context) Teardown() error {
	session.mutex.Lock()
	if session.tornDown {
		session.mutex.Unlock()
		return nil
	}
	session.tornDown = true
	session.mutex.Unlock()

	session.manager.Teardown()
	session.store.Close()
	if closer, ok := session.credentials.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			return fmt.Errorf("session.teardown: %w", err)
		}
	}
	return nil
}

// Config returns the configuration the context was built from.
func (session *Context) Config() config.Config {
	return session.config
}

// State returns the state store.
func (session *Context) State() *state.Store {
	return session.store
}

// Lifecycle returns the lifecycle manager.
func (session *Context) Lifecycle() *lifecycle.Manager {
	return session.manager
}

// Guard returns the route guard.
func (session *Context) Guard() *guard.Guard {
	return session.guard
}

// Activity returns the bus that user activity is reported on.
func (session *Context) Activity() *lifecycle.ActivityBus {
	return session.activity
}

// Identity returns the identity API client.
func (session *Context) Identity() *transport.IdentityClient {
	return session.identity
}

// Credentials returns the credential store.
func (session *Context) Credentials() credentials.Store {
	return session.credentials
}

// Navigator returns the navigator redirects are sent to.
func (session *Context) Navigator() navigation.Navigator {
	return session.navigator
}
