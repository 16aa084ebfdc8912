// Package lifecycle decides when a session refreshes its credentials, warns about
// inactivity, and ends.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/tyemirov/authsession/internal/autherr"
	"github.com/tyemirov/authsession/internal/clock"
	"github.com/tyemirov/authsession/internal/credentials"
	"github.com/tyemirov/authsession/internal/navigation"
	"github.com/tyemirov/authsession/internal/observer"
)

const refreshFlightKey = "refresh"

var (
	// ErrSessionEnded marks a refresh result that arrived after the session it belonged to ended.
	ErrSessionEnded = errors.New("lifecycle.session_ended")

	errNoRefreshArtifact     = errors.New("lifecycle.no_refresh_artifact")
	errMissingRefresher      = errors.New("lifecycle.config.missing_refresher")
	errMissingStore          = errors.New("lifecycle.config.missing_store")
	errNonPositiveDuration   = errors.New("lifecycle.config.non_positive_duration")
	errWarningWindowTooLarge = errors.New("lifecycle.config.warning_window_too_large")
)

// Config holds the session timing.
type Config struct {
	InactivityTimeout time.Duration
	WarningWindow     time.Duration
	RefreshInterval   time.Duration
	RefreshMargin     time.Duration
	RefreshTimeout    time.Duration
}

// DefaultConfig returns the canonical timing.
func DefaultConfig() Config {
	return Config{
		InactivityTimeout: 2 * time.Hour,
		WarningWindow:     5 * time.Minute,
		RefreshInterval:   5 * time.Minute,
		RefreshMargin:     5 * time.Minute,
		RefreshTimeout:    15 * time.Second,
	}
}

// Validate rejects timings where the warning would not precede the logout.
func (config Config) Validate() error {
	durations := map[string]time.Duration{
		"inactivity_timeout": config.InactivityTimeout,
		"warning_window":     config.WarningWindow,
		"refresh_interval":   config.RefreshInterval,
		"refresh_margin":     config.RefreshMargin,
		"refresh_timeout":    config.RefreshTimeout,
	}
	for name, value := range durations {
		if value <= 0 {
			return fmt.Errorf("lifecycle.config.%s: %w", name, errNonPositiveDuration)
		}
	}
	if config.WarningWindow >= config.InactivityTimeout {
		return fmt.Errorf("lifecycle.config: %w", errWarningWindowTooLarge)
	}
	return nil
}

// CredentialRefresher performs the refresh network call without writing the store.
type CredentialRefresher interface {
	RefreshCredentials(ctx context.Context) (credentials.Set, error)
}

// Dependencies are the collaborators of a Manager.
type Dependencies struct {
	Refresher CredentialRefresher
	Store     credentials.Writer
	Activity  ActivitySource
	Navigator navigation.Navigator
	Clock     clock.Clock
	Logger    *zap.Logger
	Metrics   MetricsRecorder
}

// WarningEvent announces an upcoming inactivity logout.
type WarningEvent struct {
	Remaining time.Duration
	// RemainingSeconds is Remaining rounded up to whole seconds.
	RemainingSeconds int
}

// LogoutEvent announces that the session ended without a user request.
type LogoutEvent struct {
	Reason string
}

// Status is a snapshot of the activity clock.
type Status struct {
	Authenticated bool
	LastActivity  time.Time
	WarningAt     time.Time
	LogoutAt      time.Time
	WarningFired  bool
}

// Manager owns the authenticated flag, the activity clock, the warning and logout timers,
// the proactive refresh loop, and the single-flight refresh.
type Manager struct {
	config    Config
	refresher CredentialRefresher
	store     credentials.Writer
	activity  ActivitySource
	navigator navigation.Navigator
	clock     clock.Clock
	logger    *zap.Logger
	metrics   MetricsRecorder

	flight   singleflight.Group
	warnings observer.Registry[WarningEvent]
	logouts  observer.Registry[LogoutEvent]

	mutex               sync.Mutex
	authenticated       bool
	generation          uint64
	epoch               uint64
	lastActivity        time.Time
	warningFired        bool
	warningTimer        clock.Timer
	logoutTimer         clock.Timer
	refreshTimer        clock.Timer
	unsubscribeActivity func()
}

// NewManager validates config and constructs an unauthenticated Manager.
func NewManager(config Config, dependencies Dependencies) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if dependencies.Refresher == nil {
		return nil, fmt.Errorf("lifecycle.new: %w", errMissingRefresher)
	}
	if dependencies.Store == nil {
		return nil, fmt.Errorf("lifecycle.new: %w", errMissingStore)
	}
	logger := dependencies.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	var metrics MetricsRecorder = noopMetrics{}
	if dependencies.Metrics != nil {
		metrics = dependencies.Metrics
	}
	return &Manager{
		config:    config,
		refresher: dependencies.Refresher,
		store:     dependencies.Store,
		activity:  dependencies.Activity,
		navigator: navigation.OrNoop(dependencies.Navigator),
		clock:     clock.OrSystem(dependencies.Clock),
		logger:    logger,
		metrics:   metrics,
	}, nil
}

// OnLoginSuccess starts tracking a freshly established session. Calling it again restarts
// the activity clock and the refresh loop without subscribing to activity twice.
func (manager *Manager) OnLoginSuccess() {
	manager.mutex.Lock()
	defer manager.mutex.Unlock()
	if !manager.authenticated {
		manager.generation++
		manager.flight.Forget(refreshFlightKey)
	}
	manager.authenticated = true
	manager.lastActivity = manager.clock.Now()
	manager.warningFired = false
	manager.armInactivityTimersLocked()
	manager.scheduleRefreshLocked()
	if manager.unsubscribeActivity == nil && manager.activity != nil {
		manager.unsubscribeActivity = manager.activity.Subscribe(manager.handleActivity)
	}
	manager.logger.Debug("session started", zap.String("code", "lifecycle.login"))
}

// Authenticated reports whether a session is being tracked.
func (manager *Manager) Authenticated() bool {
	manager.mutex.Lock()
	defer manager.mutex.Unlock()
	return manager.authenticated
}

// Status returns a snapshot of the activity clock.
func (manager *Manager) Status() Status {
	manager.mutex.Lock()
	defer manager.mutex.Unlock()
	status := Status{
		Authenticated: manager.authenticated,
		LastActivity:  manager.lastActivity,
		WarningFired:  manager.warningFired,
	}
	if manager.authenticated {
		status.WarningAt = manager.lastActivity.Add(manager.config.InactivityTimeout - manager.config.WarningWindow)
		status.LogoutAt = manager.lastActivity.Add(manager.config.InactivityTimeout)
	}
	return status
}

// OnWarning subscribes to inactivity warnings.
func (manager *Manager) OnWarning(handler func(WarningEvent)) *observer.Subscription {
	return manager.warnings.Add(handler)
}

// OnLogout subscribes to logouts that the manager initiates.
func (manager *Manager) OnLogout(handler func(LogoutEvent)) *observer.Subscription {
	return manager.logouts.Add(handler)
}

// ExtendSession counts as user activity.
func (manager *Manager) ExtendSession() {
	manager.touch()
}

// Refresh renews credentials. Concurrent callers share one network call and its result.
// The renewed artifacts are merged into the store unless the session ended meanwhile.
// A failure is returned to the caller; it does not end the session.
func (manager *Manager) Refresh(ctx context.Context) (credentials.Set, error) {
	if !manager.store.HasRefresh(ctx) {
		return credentials.Set{}, autherr.SessionExpired(errNoRefreshArtifact)
	}
	manager.mutex.Lock()
	generation := manager.generation
	manager.mutex.Unlock()

	flightContext := context.WithoutCancel(ctx)
	results := manager.flight.DoChan(refreshFlightKey, func() (any, error) {
		return manager.runRefresh(flightContext, generation)
	})
	select {
	case result := <-results:
		if result.Err != nil {
			return credentials.Set{}, result.Err
		}
		return result.Val.(credentials.Set), nil
	case <-ctx.Done():
		return credentials.Set{}, autherr.Network(ctx.Err())
	}
}

// ForceLogout ends the session with reason. It runs the same path as an inactivity logout.
// Without an active session it only clears stored credentials.
func (manager *Manager) ForceLogout(ctx context.Context, reason string) {
	if !manager.endSession(ctx, reason, nil) {
		if err := manager.store.Clear(ctx); err != nil {
			manager.logger.Warn("clearing credentials failed", zap.String("code", "lifecycle.clear_failed"), zap.Error(err))
		}
	}
}

// Teardown stops every timer, detaches from activity, and abandons any in-flight refresh.
// It is safe to call repeatedly.
func (manager *Manager) Teardown() {
	manager.mutex.Lock()
	unsubscribe := manager.stopLocked()
	manager.mutex.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
	manager.flight.Forget(refreshFlightKey)
}

func (manager *Manager) runRefresh(ctx context.Context, generation uint64) (credentials.Set, error) {
	flightContext, cancel := context.WithTimeout(ctx, manager.config.RefreshTimeout)
	defer cancel()
	renewed, err := manager.refresher.RefreshCredentials(flightContext)

	manager.mutex.Lock()
	defer manager.mutex.Unlock()
	if manager.generation != generation {
		manager.metrics.Increment(MetricRefreshDiscarded)
		manager.logger.Debug("discarding late refresh", zap.String("code", "lifecycle.refresh.discarded"))
		return credentials.Set{}, autherr.SessionExpired(ErrSessionEnded)
	}
	if err != nil {
		manager.metrics.Increment(MetricRefreshFailure)
		manager.logger.Warn("credential refresh failed", zap.String("code", "lifecycle.refresh.failed"), zap.Error(err))
		return credentials.Set{}, err
	}
	if mergeErr := manager.store.Merge(flightContext, renewed); mergeErr != nil {
		manager.metrics.Increment(MetricRefreshFailure)
		return credentials.Set{}, autherr.Normalize(fmt.Errorf("lifecycle.refresh.merge: %w", mergeErr))
	}
	manager.metrics.Increment(MetricRefreshSuccess)
	manager.logger.Debug("credentials refreshed", zap.String("code", "lifecycle.refresh.success"))
	return renewed, nil
}

func (manager *Manager) handleActivity(ActivityKind) {
	manager.touch()
}

func (manager *Manager) touch() {
	manager.mutex.Lock()
	defer manager.mutex.Unlock()
	if !manager.authenticated {
		return
	}
	manager.lastActivity = manager.clock.Now()
	manager.warningFired = false
	manager.armInactivityTimersLocked()
}

// armInactivityTimersLocked replaces both timers. Callbacks carry the epoch they were armed
// with and do nothing once it is stale.
func (manager *Manager) armInactivityTimersLocked() {
	manager.stopInactivityTimersLocked()
	manager.epoch++
	epoch := manager.epoch
	warningDelay := manager.config.InactivityTimeout - manager.config.WarningWindow
	manager.warningTimer = manager.clock.AfterFunc(warningDelay, func() { manager.fireWarning(epoch) })
	manager.logoutTimer = manager.clock.AfterFunc(manager.config.InactivityTimeout, func() { manager.fireLogout(epoch) })
}

func (manager *Manager) stopInactivityTimersLocked() {
	if manager.warningTimer != nil {
		manager.warningTimer.Stop()
		manager.warningTimer = nil
	}
	if manager.logoutTimer != nil {
		manager.logoutTimer.Stop()
		manager.logoutTimer = nil
	}
}

func (manager *Manager) scheduleRefreshLocked() {
	if manager.refreshTimer != nil {
		manager.refreshTimer.Stop()
	}
	generation := manager.generation
	manager.refreshTimer = manager.clock.AfterFunc(manager.config.RefreshInterval, func() { manager.refreshTick(generation) })
}

func (manager *Manager) stopLocked() func() {
	manager.authenticated = false
	manager.generation++
	manager.epoch++
	manager.warningFired = false
	manager.stopInactivityTimersLocked()
	if manager.refreshTimer != nil {
		manager.refreshTimer.Stop()
		manager.refreshTimer = nil
	}
	unsubscribe := manager.unsubscribeActivity
	manager.unsubscribeActivity = nil
	return unsubscribe
}

func (manager *Manager) fireWarning(epoch uint64) {
	manager.mutex.Lock()
	if epoch != manager.epoch || !manager.authenticated || manager.warningFired {
		manager.mutex.Unlock()
		return
	}
	manager.warningFired = true
	manager.warningTimer = nil
	remaining := manager.lastActivity.Add(manager.config.InactivityTimeout).Sub(manager.clock.Now())
	manager.mutex.Unlock()

	if remaining < 0 {
		remaining = 0
	}
	manager.metrics.Increment(MetricWarning)
	manager.logger.Info("inactivity warning", zap.String("code", "lifecycle.warning"), zap.Duration("remaining", remaining))
	manager.warnings.Notify(WarningEvent{
		Remaining:        remaining,
		RemainingSeconds: int(math.Ceil(remaining.Seconds())),
	})
}

func (manager *Manager) fireLogout(epoch uint64) {
	manager.endSession(context.Background(), navigation.ReasonInactivity, func() bool {
		return epoch == manager.epoch
	})
}

// endSession notifies logout subscribers, clears credentials, tears down, and navigates to
// sign-in. current, when set, is checked under the lock together with the session state.
// It reports false when no session was ended.
func (manager *Manager) endSession(ctx context.Context, reason string, current func() bool) bool {
	manager.mutex.Lock()
	if !manager.authenticated || (current != nil && !current()) {
		manager.mutex.Unlock()
		return false
	}
	unsubscribe := manager.stopLocked()
	manager.mutex.Unlock()

	manager.logouts.Notify(LogoutEvent{Reason: reason})
	if err := manager.store.Clear(ctx); err != nil {
		manager.logger.Warn("clearing credentials failed", zap.String("code", "lifecycle.clear_failed"), zap.Error(err))
	}
	if unsubscribe != nil {
		unsubscribe()
	}
	manager.flight.Forget(refreshFlightKey)
	manager.metrics.Increment(MetricLogout(reason))
	manager.logger.Info("session ended", zap.String("code", "lifecycle.logout"), zap.String("reason", reason))
	manager.navigator.Navigate(navigation.RouteSignin, reason)
	return true
}

func (manager *Manager) refreshTick(generation uint64) {
	manager.mutex.Lock()
	if !manager.authenticated || generation != manager.generation {
		manager.mutex.Unlock()
		return
	}
	now := manager.clock.Now()
	active := now.Sub(manager.lastActivity) < manager.config.InactivityTimeout
	manager.scheduleRefreshLocked()
	manager.mutex.Unlock()

	if !active || !manager.refreshDue(now) {
		return
	}
	if _, err := manager.Refresh(context.Background()); err != nil {
		manager.logger.Warn("proactive refresh failed", zap.String("code", "lifecycle.refresh.proactive_failed"), zap.Error(err))
	}
}

func (manager *Manager) refreshDue(now time.Time) bool {
	ctx := context.Background()
	if !manager.store.HasRefresh(ctx) {
		return false
	}
	if !manager.store.HasAccess(ctx) {
		return true
	}
	expiresAt, known := manager.store.AccessExpiresAt(ctx)
	return known && expiresAt.Sub(now) <= manager.config.RefreshMargin
}
