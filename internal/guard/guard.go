// Package guard decides whether a protected route may render.
package guard

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tyemirov/authsession/internal/clock"
	"github.com/tyemirov/authsession/internal/navigation"
	"github.com/tyemirov/authsession/internal/observer"
	"github.com/tyemirov/authsession/internal/state"
)

// DefaultSettleDelay lets a session restored at startup settle before the guard looks at it.
const DefaultSettleDelay = 100 * time.Millisecond

// Phase is the position of a mounted guard.
type Phase string

const (
	PhaseInitializing Phase = "initializing"
	PhaseChecking     Phase = "checking"
	PhaseAllowed      Phase = "allowed"
	PhaseDenied       Phase = "denied"
)

// Terminal reports whether the phase is final.
func (phase Phase) Terminal() bool {
	return phase == PhaseAllowed || phase == PhaseDenied
}

// SessionSource is the subset of the state store the guard reads.
type SessionSource interface {
	Snapshot() state.SessionState
	Subscribe(handler func(state.SessionState)) *observer.Subscription
	CheckSession(ctx context.Context) state.Result
}

// Config configures a Guard.
type Config struct {
	SettleDelay time.Duration
	Clock       clock.Clock
	Navigator   navigation.Navigator
	Logger      *zap.Logger
}

// Guard mounts protected routes.
type Guard struct {
	source      SessionSource
	settleDelay time.Duration
	clock       clock.Clock
	navigator   navigation.Navigator
	logger      *zap.Logger
}

// New constructs a Guard over source.
func New(source SessionSource, config Config) *Guard {
	settleDelay := config.SettleDelay
	if settleDelay <= 0 {
		settleDelay = DefaultSettleDelay
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guard{
		source:      source,
		settleDelay: settleDelay,
		clock:       clock.OrSystem(config.Clock),
		navigator:   navigation.OrNoop(config.Navigator),
		logger:      logger,
	}
}

// Mount starts guarding a protected route.
func (guard *Guard) Mount(ctx context.Context, route navigation.Route) *Mount {
	mount := &Mount{
		guard: guard,
		ctx:   ctx,
		route: route,
		phase: PhaseInitializing,
		done:  make(chan struct{}),
	}
	mount.mutex.Lock()
	mount.settle = guard.clock.AfterFunc(guard.settleDelay, mount.beginChecking)
	mount.mutex.Unlock()
	return mount
}

// Mount is one guarded rendering of a protected route.
type Mount struct {
	guard *Guard
	ctx   context.Context
	route navigation.Route

	observers observer.Registry[Phase]
	done      chan struct{}

	mutex        sync.Mutex
	phase        Phase
	checkStarted bool
	unmounted    bool
	settle       clock.Timer
	subscription *observer.Subscription
}

// Phase returns the current phase.
func (mount *Mount) Phase() Phase {
	mount.mutex.Lock()
	defer mount.mutex.Unlock()
	return mount.phase
}

// Done is closed once the mount is Allowed or Denied.
func (mount *Mount) Done() <-chan struct{} {
	return mount.done
}

// Subscribe registers handler for phase changes.
func (mount *Mount) Subscribe(handler func(Phase)) *observer.Subscription {
	return mount.observers.Add(handler)
}

// Unmount stops the mount. Pending timers and state subscriptions are released.
func (mount *Mount) Unmount() {
	mount.mutex.Lock()
	mount.unmounted = true
	if mount.settle != nil {
		mount.settle.Stop()
	}
	subscription := mount.subscription
	mount.subscription = nil
	mount.mutex.Unlock()
	subscription.Unsubscribe()
}

func (mount *Mount) beginChecking() {
	mount.mutex.Lock()
	if mount.unmounted || mount.phase != PhaseInitializing {
		mount.mutex.Unlock()
		return
	}
	mount.phase = PhaseChecking
	mount.mutex.Unlock()
	mount.observers.Notify(PhaseChecking)

	subscription := mount.guard.source.Subscribe(mount.evaluate)
	mount.mutex.Lock()
	if mount.unmounted || mount.phase.Terminal() {
		mount.mutex.Unlock()
		subscription.Unsubscribe()
		return
	}
	mount.subscription = subscription
	mount.mutex.Unlock()
	mount.evaluate(mount.guard.source.Snapshot())
}

type decision int

const (
	decisionWait decision = iota
	decisionCheck
	decisionAllow
	decisionDeny
)

func (mount *Mount) evaluate(snapshot state.SessionState) {
	mount.mutex.Lock()
	if mount.unmounted || mount.phase != PhaseChecking {
		mount.mutex.Unlock()
		return
	}
	var next decision
	switch {
	case snapshot.Authenticated:
		next = decisionAllow
	case snapshot.Phase(state.OperationSessionCheck) == state.PhasePending:
		next = decisionWait
	case !mount.checkStarted:
		next = decisionCheck
		mount.checkStarted = true
	case snapshot.Loading:
		next = decisionWait
	default:
		next = decisionDeny
	}
	var subscription *observer.Subscription
	switch next {
	case decisionAllow:
		mount.phase = PhaseAllowed
	case decisionDeny:
		mount.phase = PhaseDenied
	}
	if mount.phase.Terminal() {
		subscription = mount.subscription
		mount.subscription = nil
	}
	phase := mount.phase
	mount.mutex.Unlock()

	switch next {
	case decisionCheck:
		go mount.runCheck()
	case decisionAllow, decisionDeny:
		subscription.Unsubscribe()
		mount.guard.logger.Debug("route guard settled",
			zap.String("code", "guard."+string(phase)),
			zap.String("route", string(mount.route)),
		)
		mount.observers.Notify(phase)
		close(mount.done)
		if next == decisionDeny {
			mount.guard.navigator.Navigate(navigation.RouteSignin, navigation.ReasonUnauthenticated)
		}
	}
}

func (mount *Mount) runCheck() {
	mount.guard.source.CheckSession(mount.ctx)
	mount.evaluate(mount.guard.source.Snapshot())
}
