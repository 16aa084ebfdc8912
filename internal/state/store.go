// Package state holds the client-visible session state and runs every auth operation
// through an idle, pending, fulfilled or rejected lifecycle.
package state

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/tyemirov/authsession/internal/autherr"
	"github.com/tyemirov/authsession/internal/botcheck"
	"github.com/tyemirov/authsession/internal/clock"
	"github.com/tyemirov/authsession/internal/lifecycle"
	"github.com/tyemirov/authsession/internal/navigation"
	"github.com/tyemirov/authsession/internal/observer"
	"github.com/tyemirov/authsession/internal/transport"
	"github.com/tyemirov/authsession/pkg/identitytoken"
)

// DefaultCooldown separates two successful resend or forgot-password requests.
const DefaultCooldown = 60 * time.Second

const cooldownTolerance = 1e-9

// MessageInactivity is shown after an inactivity logout.
const MessageInactivity = "You were signed out due to inactivity."

var errMissingIdentity = errors.New("state.config.missing_identity")

// Operation names an auth operation.
type Operation string

const (
	OperationSignup             Operation = "signup"
	OperationVerify             Operation = "verify"
	OperationResendVerification Operation = "resend_verification"
	OperationSignin             Operation = "signin"
	OperationGoogleSignin       Operation = "google_signin"
	OperationForgotPassword     Operation = "forgot_password"
	OperationResetPassword      Operation = "reset_password"
	OperationSessionCheck       Operation = "session_check"
	OperationLogout             Operation = "logout"
)

// Phase is the lifecycle position of an operation.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhasePending   Phase = "pending"
	PhaseFulfilled Phase = "fulfilled"
	PhaseRejected  Phase = "rejected"
)

// Result is the outcome of one operation.
type Result struct {
	Operation Operation
	Phase     Phase
	// Message is the server confirmation on success.
	Message string
	// Err is set when Phase is PhaseRejected.
	Err *autherr.Error
}

// OK reports whether the operation was fulfilled.
func (result Result) OK() bool {
	return result.Phase == PhaseFulfilled
}

// SessionState is an immutable snapshot of the client session.
type SessionState struct {
	Authenticated     bool
	User              *identitytoken.Profile
	Loading           bool
	LastError         string
	VerificationEmail string
	SessionChecked    bool
	Phases            map[Operation]Phase
}

// Phase returns the phase of operation.
func (state SessionState) Phase(operation Operation) Phase {
	if phase, ok := state.Phases[operation]; ok {
		return phase
	}
	return PhaseIdle
}

// IdentityAPI is the subset of the identity client used by the store.
type IdentityAPI interface {
	Signup(ctx context.Context, request transport.SignupRequest) (string, error)
	Verify(ctx context.Context, email string, code string) (string, error)
	ResendVerification(ctx context.Context, email string) (string, error)
	Signin(ctx context.Context, request transport.SigninRequest) (*identitytoken.Profile, error)
	GoogleSignin(ctx context.Context, request transport.GoogleSigninRequest) (*identitytoken.Profile, error)
	ForgotPassword(ctx context.Context, email string, botToken string) (string, error)
	ResetPassword(ctx context.Context, email string, code string, newPassword string) (string, error)
	Logout(ctx context.Context) error
	CheckSession(ctx context.Context) (*identitytoken.Profile, error)
}

// SessionLifecycle is the subset of the lifecycle manager used by the store.
type SessionLifecycle interface {
	OnLoginSuccess()
	Teardown()
	OnLogout(handler func(lifecycle.LogoutEvent)) *observer.Subscription
}

// Dependencies are the collaborators of a Store.
type Dependencies struct {
	Identity  IdentityAPI
	Lifecycle SessionLifecycle
	BotCheck  *botcheck.Provider
	Clock     clock.Clock
	Logger    *zap.Logger
	Cooldown  time.Duration
}

// Store owns SessionState.
type Store struct {
	identity  IdentityAPI
	lifecycle SessionLifecycle
	botCheck  *botcheck.Provider
	clock     clock.Clock
	logger    *zap.Logger
	cooldown  time.Duration
	cooldowns map[Operation]*rate.Limiter

	subscribers        observer.Registry[SessionState]
	logoutSubscription *observer.Subscription

	mutex    sync.Mutex
	state    SessionState
	inFlight int
}

// New constructs a Store whose session has not been checked yet.
func New(dependencies Dependencies) (*Store, error) {
	if dependencies.Identity == nil {
		return nil, fmt.Errorf("state.new: %w", errMissingIdentity)
	}
	logger := dependencies.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cooldown := dependencies.Cooldown
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	store := &Store{
		identity:  dependencies.Identity,
		lifecycle: dependencies.Lifecycle,
		botCheck:  dependencies.BotCheck,
		clock:     clock.OrSystem(dependencies.Clock),
		logger:    logger,
		cooldown:  cooldown,
		cooldowns: map[Operation]*rate.Limiter{
			OperationResendVerification: rate.NewLimiter(rate.Every(cooldown), 1),
			OperationForgotPassword:     rate.NewLimiter(rate.Every(cooldown), 1),
		},
		state: SessionState{Loading: true, Phases: map[Operation]Phase{}},
	}
	if store.lifecycle != nil {
		store.logoutSubscription = store.lifecycle.OnLogout(store.handleLifecycleLogout)
	}
	return store, nil
}

// Close detaches the store from the lifecycle manager.
func (store *Store) Close() {
	store.logoutSubscription.Unsubscribe()
}

// Snapshot returns the current state.
func (store *Store) Snapshot() SessionState {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return store.snapshotLocked()
}

// Subscribe registers handler for every state change.
func (store *Store) Subscribe(handler func(SessionState)) *observer.Subscription {
	return store.subscribers.Add(handler)
}

// ClearError forgets the last rejection message.
func (store *Store) ClearError() {
	store.update(func(state *SessionState) {
		state.LastError = ""
	})
}

// Signup registers an account and remembers the email for verification.
func (store *Store) Signup(ctx context.Context, form SignupForm) Result {
	return store.run(ctx, OperationSignup, form.Email, form.Validate, func(ctx context.Context) (string, error) {
		return store.identity.Signup(ctx, transport.SignupRequest{
			Email:    strings.TrimSpace(form.Email),
			Password: form.Password,
			Name:     strings.TrimSpace(form.Name),
			BotToken: store.botCheck.Token(ctx, botcheck.ActionSignup),
		})
	}, func(state *SessionState) {
		state.VerificationEmail = strings.TrimSpace(form.Email)
	})
}

// Verify confirms an email address. An empty form email falls back to the remembered one.
func (store *Store) Verify(ctx context.Context, form VerifyForm) Result {
	form.Email = store.rememberedEmail(form.Email)
	return store.run(ctx, OperationVerify, form.Email, form.Validate, func(ctx context.Context) (string, error) {
		return store.identity.Verify(ctx, strings.TrimSpace(form.Email), strings.TrimSpace(form.Code))
	}, func(state *SessionState) {
		state.VerificationEmail = ""
	})
}

// ResendVerification asks for a new code, at most once per cooldown.
func (store *Store) ResendVerification(ctx context.Context, email string) Result {
	form := ForgotPasswordForm{Email: store.rememberedEmail(email)}
	return store.run(ctx, OperationResendVerification, form.Email, store.withCooldown(OperationResendVerification, form.Validate), func(ctx context.Context) (string, error) {
		return store.identity.ResendVerification(ctx, strings.TrimSpace(form.Email))
	}, func(state *SessionState) {
		store.consumeCooldown(OperationResendVerification)
	})
}

// Signin authenticates and starts lifecycle tracking.
func (store *Store) Signin(ctx context.Context, form SigninForm) Result {
	var profile *identitytoken.Profile
	result := store.run(ctx, OperationSignin, form.Email, form.Validate, func(ctx context.Context) (string, error) {
		signedIn, err := store.identity.Signin(ctx, transport.SigninRequest{
			Email:    strings.TrimSpace(form.Email),
			Password: form.Password,
			BotToken: store.botCheck.Token(ctx, botcheck.ActionSignin),
		})
		profile = signedIn
		return "", err
	}, func(state *SessionState) {
		state.Authenticated = true
		state.User = profile
	})
	store.afterSessionOperation(result)
	return result
}

// SigninWithGoogle exchanges a Google credential for a session and starts lifecycle tracking.
func (store *Store) SigninWithGoogle(ctx context.Context, form GoogleSigninForm) Result {
	var profile *identitytoken.Profile
	result := store.run(ctx, OperationGoogleSignin, "", form.Validate, func(ctx context.Context) (string, error) {
		signedIn, err := store.identity.GoogleSignin(ctx, transport.GoogleSigninRequest{
			IDToken: strings.TrimSpace(form.IDToken),
			Nonce:   strings.TrimSpace(form.Nonce),
		})
		profile = signedIn
		return "", err
	}, func(state *SessionState) {
		state.Authenticated = true
		state.User = profile
	})
	store.afterSessionOperation(result)
	return result
}

// ForgotPassword starts a reset, at most once per cooldown, and remembers the email.
func (store *Store) ForgotPassword(ctx context.Context, form ForgotPasswordForm) Result {
	return store.run(ctx, OperationForgotPassword, form.Email, store.withCooldown(OperationForgotPassword, form.Validate), func(ctx context.Context) (string, error) {
		return store.identity.ForgotPassword(ctx, strings.TrimSpace(form.Email), store.botCheck.Token(ctx, botcheck.ActionForgotPassword))
	}, func(state *SessionState) {
		store.consumeCooldown(OperationForgotPassword)
		state.VerificationEmail = strings.TrimSpace(form.Email)
	})
}

// ResetPassword completes a reset. An empty form email falls back to the remembered one.
func (store *Store) ResetPassword(ctx context.Context, form ResetPasswordForm) Result {
	form.Email = store.rememberedEmail(form.Email)
	return store.run(ctx, OperationResetPassword, form.Email, form.Validate, func(ctx context.Context) (string, error) {
		return store.identity.ResetPassword(ctx, strings.TrimSpace(form.Email), strings.TrimSpace(form.Code), form.NewPassword)
	}, func(state *SessionState) {
		state.VerificationEmail = ""
	})
}

// CheckSession resolves whether stored credentials still describe a session. Until it
// completes, Loading stays true.
func (store *Store) CheckSession(ctx context.Context) Result {
	var profile *identitytoken.Profile
	result := store.run(ctx, OperationSessionCheck, "", nil, func(ctx context.Context) (string, error) {
		checked, err := store.identity.CheckSession(ctx)
		if errors.Is(err, transport.ErrNoSession) {
			return "", nil
		}
		profile = checked
		return "", err
	}, func(state *SessionState) {
		state.Authenticated = profile != nil
		state.User = profile
	})
	store.afterSessionOperation(result)
	return result
}

// Logout ends the session on request of the user. Local state is cleared even when the
// server cannot be reached.
func (store *Store) Logout(ctx context.Context) Result {
	email := ""
	if snapshot := store.Snapshot(); snapshot.User != nil {
		email = snapshot.User.Email
	}
	if store.lifecycle != nil {
		store.lifecycle.Teardown()
	}
	result := store.run(ctx, OperationLogout, email, nil, func(ctx context.Context) (string, error) {
		return "", store.identity.Logout(ctx)
	}, nil)
	store.update(func(state *SessionState) {
		state.Authenticated = false
		state.User = nil
	})
	return result
}

type validator func() error

type effect func(state *SessionState)

func (store *Store) run(ctx context.Context, operation Operation, email string, validate validator, call func(context.Context) (string, error), onSuccess effect) Result {
	if validate != nil {
		if err := validate(); err != nil {
			normalized := autherr.Normalize(err)
			store.update(func(state *SessionState) {
				state.Phases[operation] = PhaseRejected
				state.LastError = normalized.Message
			})
			store.audit(operation, email, PhaseRejected, normalized)
			return Result{Operation: operation, Phase: PhaseRejected, Err: normalized}
		}
	}

	store.update(func(state *SessionState) {
		store.inFlight++
		state.Phases[operation] = PhasePending
	})
	message, err := call(ctx)
	if err != nil {
		normalized := autherr.Normalize(err)
		store.update(func(state *SessionState) {
			store.inFlight--
			state.Phases[operation] = PhaseRejected
			state.LastError = normalized.Message
			if operation == OperationSignin || operation == OperationGoogleSignin || operation == OperationSessionCheck {
				state.Authenticated = false
				state.User = nil
			}
			if operation == OperationSessionCheck {
				state.SessionChecked = true
			}
		})
		store.audit(operation, email, PhaseRejected, normalized)
		return Result{Operation: operation, Phase: PhaseRejected, Err: normalized}
	}
	store.update(func(state *SessionState) {
		store.inFlight--
		state.Phases[operation] = PhaseFulfilled
		state.LastError = ""
		if operation == OperationSessionCheck {
			state.SessionChecked = true
		}
		if onSuccess != nil {
			onSuccess(state)
		}
	})
	store.audit(operation, email, PhaseFulfilled, nil)
	return Result{Operation: operation, Phase: PhaseFulfilled, Message: message}
}

func (store *Store) afterSessionOperation(result Result) {
	if store.lifecycle == nil || !result.OK() {
		return
	}
	if store.Snapshot().Authenticated {
		store.lifecycle.OnLoginSuccess()
	}
}

func (store *Store) withCooldown(operation Operation, validate validator) validator {
	return func() error {
		if err := validate(); err != nil {
			return err
		}
		tokens := store.cooldowns[operation].TokensAt(store.clock.Now())
		if tokens >= 1-cooldownTolerance {
			return nil
		}
		wait := time.Duration((1 - tokens) * float64(store.cooldown)).Round(time.Second)
		return autherr.RateLimit(wait, fmt.Errorf("state.cooldown.%s", operation))
	}
}

// consumeCooldown starts the cooldown window.
func (store *Store) consumeCooldown(operation Operation) {
	store.cooldowns[operation].ReserveN(store.clock.Now(), 1)
}

func (store *Store) rememberedEmail(email string) string {
	if strings.TrimSpace(email) != "" {
		return email
	}
	return store.Snapshot().VerificationEmail
}

func (store *Store) handleLifecycleLogout(event lifecycle.LogoutEvent) {
	message := autherr.MessageSessionExpired
	if event.Reason == navigation.ReasonInactivity {
		message = MessageInactivity
	}
	store.update(func(state *SessionState) {
		state.Authenticated = false
		state.User = nil
		state.LastError = message
	})
	store.logger.Info("session ended by lifecycle",
		zap.String("code", "state.lifecycle_logout"),
		zap.String("reason", event.Reason),
	)
}

func (store *Store) update(mutate func(state *SessionState)) {
	store.mutex.Lock()
	mutate(&store.state)
	snapshot := store.snapshotLocked()
	store.mutex.Unlock()
	store.subscribers.Notify(snapshot)
}

func (store *Store) snapshotLocked() SessionState {
	snapshot := store.state
	snapshot.Loading = store.inFlight > 0 || !store.state.SessionChecked
	snapshot.Phases = make(map[Operation]Phase, len(store.state.Phases))
	for operation, phase := range store.state.Phases {
		snapshot.Phases[operation] = phase
	}
	if store.state.User != nil {
		user := *store.state.User
		snapshot.User = &user
	}
	return snapshot
}

func (store *Store) audit(operation Operation, email string, phase Phase, err *autherr.Error) {
	fields := []zap.Field{
		zap.String("code", "state."+string(operation)+"."+string(phase)),
		zap.String("operation", string(operation)),
		zap.String("outcome", string(phase)),
	}
	if email != "" {
		fields = append(fields, zap.String("email", MaskEmail(email)))
	}
	if err != nil {
		fields = append(fields, zap.String("kind", err.Kind.String()), zap.Error(err.Unwrap()))
		store.logger.Warn("auth operation rejected", fields...)
		return
	}
	store.logger.Info("auth operation", fields...)
}

// MaskEmail keeps the first three characters of the local part.
func MaskEmail(email string) string {
	trimmed := strings.TrimSpace(email)
	local, domain, found := strings.Cut(trimmed, "@")
	if !found {
		return "***"
	}
	visible := local
	if len(visible) > 3 {
		visible = visible[:3]
	} else if len(visible) > 1 {
		visible = visible[:1]
	}
	return visible + "***@" + domain
}
