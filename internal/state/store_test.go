package state

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tyemirov/authsession/internal/autherr"
	"github.com/tyemirov/authsession/internal/botcheck"
	"github.com/tyemirov/authsession/internal/clock/clocktest"
	"github.com/tyemirov/authsession/internal/lifecycle"
	"github.com/tyemirov/authsession/internal/navigation"
	"github.com/tyemirov/authsession/internal/observer"
	"github.com/tyemirov/authsession/internal/transport"
	"github.com/tyemirov/authsession/pkg/identitytoken"
)

type fakeIdentity struct {
	mutex          sync.Mutex
	calls          []string
	signupRequests []transport.SignupRequest
	verifiedEmails []string
	signin         func(ctx context.Context, request transport.SigninRequest) (*identitytoken.Profile, error)
	googleSignin   func(ctx context.Context, request transport.GoogleSigninRequest) (*identitytoken.Profile, error)
	forgot         func(ctx context.Context, email string) error
	checkSession   func(ctx context.Context) (*identitytoken.Profile, error)
	logoutErr      error
}

func (identity *fakeIdentity) record(name string) {
	identity.mutex.Lock()
	defer identity.mutex.Unlock()
	identity.calls = append(identity.calls, name)
}

func (identity *fakeIdentity) callCount() int {
	identity.mutex.Lock()
	defer identity.mutex.Unlock()
	return len(identity.calls)
}

func (identity *fakeIdentity) Signup(ctx context.Context, request transport.SignupRequest) (string, error) {
	identity.record("signup")
	identity.mutex.Lock()
	identity.signupRequests = append(identity.signupRequests, request)
	identity.mutex.Unlock()
	return "Please check your email", nil
}

func (identity *fakeIdentity) Verify(ctx context.Context, email string, code string) (string, error) {
	identity.record("verify")
	identity.mutex.Lock()
	identity.verifiedEmails = append(identity.verifiedEmails, email)
	identity.mutex.Unlock()
	return "Email verified", nil
}

func (identity *fakeIdentity) ResendVerification(ctx context.Context, email string) (string, error) {
	identity.record("resend")
	return "Code sent", nil
}

func (identity *fakeIdentity) Signin(ctx context.Context, request transport.SigninRequest) (*identitytoken.Profile, error) {
	identity.record("signin")
	if identity.signin != nil {
		return identity.signin(ctx, request)
	}
	return &identitytoken.Profile{Subject: "user-1", Email: request.Email}, nil
}

func (identity *fakeIdentity) GoogleSignin(ctx context.Context, request transport.GoogleSigninRequest) (*identitytoken.Profile, error) {
	identity.record("google")
	if identity.googleSignin != nil {
		return identity.googleSignin(ctx, request)
	}
	return &identitytoken.Profile{Subject: "google-user", Email: "grace@example.com"}, nil
}

func (identity *fakeIdentity) ForgotPassword(ctx context.Context, email string, botToken string) (string, error) {
	identity.record("forgot")
	if identity.forgot != nil {
		if err := identity.forgot(ctx, email); err != nil {
			return "", err
		}
	}
	return "Reset code sent", nil
}

func (identity *fakeIdentity) ResetPassword(ctx context.Context, email string, code string, newPassword string) (string, error) {
	identity.record("reset")
	return "Password reset", nil
}

func (identity *fakeIdentity) Logout(ctx context.Context) error {
	identity.record("logout")
	return identity.logoutErr
}

func (identity *fakeIdentity) CheckSession(ctx context.Context) (*identitytoken.Profile, error) {
	identity.record("check")
	if identity.checkSession != nil {
		return identity.checkSession(ctx)
	}
	return nil, transport.ErrNoSession
}

type fakeLifecycle struct {
	mutex     sync.Mutex
	logins    int
	teardowns int
	handlers  observer.Registry[lifecycle.LogoutEvent]
}

func (manager *fakeLifecycle) OnLoginSuccess() {
	manager.mutex.Lock()
	defer manager.mutex.Unlock()
	manager.logins++
}

func (manager *fakeLifecycle) Teardown() {
	manager.mutex.Lock()
	defer manager.mutex.Unlock()
	manager.teardowns++
}

func (manager *fakeLifecycle) OnLogout(handler func(lifecycle.LogoutEvent)) *observer.Subscription {
	return manager.handlers.Add(handler)
}

func (manager *fakeLifecycle) loginCount() int {
	manager.mutex.Lock()
	defer manager.mutex.Unlock()
	return manager.logins
}

type storeFixture struct {
	store     *Store
	identity  *fakeIdentity
	lifecycle *fakeLifecycle
	fake      *clocktest.Fake
}

func newStoreFixture(t *testing.T, bot *botcheck.Provider) *storeFixture {
	t.Helper()
	identity := &fakeIdentity{}
	manager := &fakeLifecycle{}
	fake := clocktest.NewFake(time.Date(2025, time.March, 3, 9, 0, 0, 0, time.UTC))
	store, err := New(Dependencies{Identity: identity, Lifecycle: manager, BotCheck: bot, Clock: fake})
	require.NoError(t, err)
	t.Cleanup(store.Close)
	return &storeFixture{store: store, identity: identity, lifecycle: manager, fake: fake}
}

func TestNewRequiresIdentity(t *testing.T) {
	_, err := New(Dependencies{})
	require.ErrorIs(t, err, errMissingIdentity)
}

func TestErrorPersistsWhileRetryIsPending(t *testing.T) {
	fixture := newStoreFixture(t, nil)
	ctx := context.Background()
	attempts := 0
	release := make(chan struct{})
	entered := make(chan struct{})
	fixture.identity.signin = func(ctx context.Context, request transport.SigninRequest) (*identitytoken.Profile, error) {
		attempts++
		if attempts == 1 {
			return nil, autherr.Authentication("Invalid email or password", nil)
		}
		close(entered)
		<-release
		return &identitytoken.Profile{Subject: "user-1", Email: request.Email}, nil
	}

	first := fixture.store.Signin(ctx, SigninForm{Email: "user@example.com", Password: "wrong"})
	require.Equal(t, PhaseRejected, first.Phase)
	require.Equal(t, "Invalid email or password", fixture.store.Snapshot().LastError)
	require.False(t, fixture.store.Snapshot().Authenticated)

	done := make(chan Result, 1)
	go func() {
		done <- fixture.store.Signin(ctx, SigninForm{Email: "user@example.com", Password: "Secret1!"})
	}()
	<-entered
	pending := fixture.store.Snapshot()
	require.Equal(t, PhasePending, pending.Phase(OperationSignin))
	require.True(t, pending.Loading)
	require.Equal(t, "Invalid email or password", pending.LastError)

	close(release)
	second := <-done
	require.True(t, second.OK())
	settled := fixture.store.Snapshot()
	require.Empty(t, settled.LastError)
	require.True(t, settled.Authenticated)
	require.Equal(t, "user-1", settled.User.Subject)
	require.Equal(t, 1, fixture.lifecycle.loginCount())
}

func TestValidationFailuresNeverReachTheNetwork(t *testing.T) {
	testCases := []struct {
		name    string
		run     func(store *Store) Result
		field   string
		message string
	}{
		{
			name: "signup email",
			run: func(store *Store) Result {
				return store.Signup(context.Background(), SignupForm{Name: "Ada", Email: "not-an-email", Password: "Secret1!", ConfirmPassword: "Secret1!"})
			},
			field:   "email",
			message: "Please enter a valid email address",
		},
		{
			name: "forgot password email",
			run: func(store *Store) Result {
				return store.ForgotPassword(context.Background(), ForgotPasswordForm{Email: "ada@"})
			},
			field:   "email",
			message: "Please enter a valid email address",
		},
		{
			name: "signup password policy",
			run: func(store *Store) Result {
				return store.Signup(context.Background(), SignupForm{Name: "Ada", Email: "ada@example.com", Password: "secret", ConfirmPassword: "secret"})
			},
			field:   "password",
			message: "Password must contain at least 8 characters, one uppercase letter, one number, one special character",
		},
		{
			name: "signup name",
			run: func(store *Store) Result {
				return store.Signup(context.Background(), SignupForm{Name: "R2D2", Email: "ada@example.com", Password: "Secret1!", ConfirmPassword: "Secret1!"})
			},
			field:   "name",
			message: "Name can only contain letters, spaces, hyphens, and apostrophes",
		},
		{
			name: "signup confirmation",
			run: func(store *Store) Result {
				return store.Signup(context.Background(), SignupForm{Name: "Ada", Email: "ada@example.com", Password: "Secret1!", ConfirmPassword: "Secret2!"})
			},
			field:   "confirmPassword",
			message: "Passwords do not match",
		},
		{
			name: "verify code",
			run: func(store *Store) Result {
				return store.Verify(context.Background(), VerifyForm{Email: "ada@example.com", Code: "12ab"})
			},
			field:   "code",
			message: "Please enter the 6-digit code",
		},
		{
			name: "signin missing password",
			run: func(store *Store) Result {
				return store.Signin(context.Background(), SigninForm{Email: "ada@example.com"})
			},
			field:   "password",
			message: "Password is required",
		},
	}

	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			fixture := newStoreFixture(t, nil)
			result := testCase.run(fixture.store)
			require.Equal(t, PhaseRejected, result.Phase)
			require.ErrorIs(t, result.Err, autherr.ErrValidation)
			require.Equal(t, testCase.field, result.Err.Field)
			require.Equal(t, testCase.message, result.Err.Message)
			require.Equal(t, testCase.message, fixture.store.Snapshot().LastError)
			require.Zero(t, fixture.identity.callCount())
		})
	}
}

func TestSigninWithGoogle(t *testing.T) {
	fixture := newStoreFixture(t, nil)
	ctx := context.Background()
	var received transport.GoogleSigninRequest
	fixture.identity.googleSignin = func(ctx context.Context, request transport.GoogleSigninRequest) (*identitytoken.Profile, error) {
		received = request
		return &identitytoken.Profile{Subject: "google-user", Email: "grace@example.com"}, nil
	}

	missing := fixture.store.SigninWithGoogle(ctx, GoogleSigninForm{IDToken: "google-token"})
	require.Equal(t, PhaseRejected, missing.Phase)
	require.Equal(t, "nonce", missing.Err.Field)
	require.Zero(t, fixture.identity.callCount())

	result := fixture.store.SigninWithGoogle(ctx, GoogleSigninForm{IDToken: " google-token ", Nonce: "nonce-1"})
	require.True(t, result.OK())
	require.Equal(t, transport.GoogleSigninRequest{IDToken: "google-token", Nonce: "nonce-1"}, received)
	snapshot := fixture.store.Snapshot()
	require.True(t, snapshot.Authenticated)
	require.Equal(t, "grace@example.com", snapshot.User.Email)
	require.Equal(t, PhaseFulfilled, snapshot.Phase(OperationGoogleSignin))
	require.Equal(t, 1, fixture.lifecycle.loginCount())
}

func TestRejectedGoogleSigninLeavesSignedOut(t *testing.T) {
	fixture := newStoreFixture(t, nil)
	fixture.identity.googleSignin = func(ctx context.Context, request transport.GoogleSigninRequest) (*identitytoken.Profile, error) {
		return nil, autherr.Authentication("Invalid Google credential", nil)
	}

	result := fixture.store.SigninWithGoogle(context.Background(), GoogleSigninForm{IDToken: "google-token", Nonce: "nonce-1"})
	require.Equal(t, PhaseRejected, result.Phase)
	snapshot := fixture.store.Snapshot()
	require.False(t, snapshot.Authenticated)
	require.Equal(t, "Invalid Google credential", snapshot.LastError)
	require.Zero(t, fixture.lifecycle.loginCount())
}

func TestSignupThenVerifyUsesRememberedEmail(t *testing.T) {
	provider := botcheck.NewProvider("site-key", botcheck.StaticSource("bot-token"), nil)
	fixture := newStoreFixture(t, provider)
	ctx := context.Background()

	result := fixture.store.Signup(ctx, SignupForm{Name: "Ada Lovelace", Email: "ada@example.com", Password: "Secret1!", ConfirmPassword: "Secret1!"})
	require.True(t, result.OK())
	require.Equal(t, "Please check your email", result.Message)
	require.Equal(t, "ada@example.com", fixture.store.Snapshot().VerificationEmail)
	require.Equal(t, "bot-token", fixture.identity.signupRequests[0].BotToken)

	verified := fixture.store.Verify(ctx, VerifyForm{Code: "123456"})
	require.True(t, verified.OK())
	require.Equal(t, []string{"ada@example.com"}, fixture.identity.verifiedEmails)
	require.Empty(t, fixture.store.Snapshot().VerificationEmail)
}

func TestMissingBotTokenDoesNotBlockSubmission(t *testing.T) {
	failing := botcheck.NewProvider("site-key", botcheck.SourceFunc(func(context.Context, string) (string, error) {
		return "", errors.New("widget not ready")
	}), nil)
	fixture := newStoreFixture(t, failing)

	result := fixture.store.Signup(context.Background(), SignupForm{Name: "Ada", Email: "ada@example.com", Password: "Secret1!", ConfirmPassword: "Secret1!"})
	require.True(t, result.OK())
	require.Empty(t, fixture.identity.signupRequests[0].BotToken)
}

func TestForgotPasswordCooldownStartsAfterSuccess(t *testing.T) {
	fixture := newStoreFixture(t, nil)
	ctx := context.Background()
	failures := 1
	fixture.identity.forgot = func(context.Context, string) error {
		if failures > 0 {
			failures--
			return autherr.Network(errors.New("connection reset"))
		}
		return nil
	}
	form := ForgotPasswordForm{Email: "ada@example.com"}

	failed := fixture.store.ForgotPassword(ctx, form)
	require.ErrorIs(t, failed.Err, autherr.ErrNetwork)

	succeeded := fixture.store.ForgotPassword(ctx, form)
	require.True(t, succeeded.OK())
	require.Equal(t, "ada@example.com", fixture.store.Snapshot().VerificationEmail)

	fixture.fake.Advance(10 * time.Second)
	early := fixture.store.ForgotPassword(ctx, form)
	require.ErrorIs(t, early.Err, autherr.ErrRateLimit)
	require.Equal(t, 50*time.Second, early.Err.RetryAfter)
	require.Equal(t, "Please wait 50 seconds before trying again.", early.Err.Message)
	require.Equal(t, 2, fixture.identity.callCount())

	fixture.fake.Advance(50 * time.Second)
	again := fixture.store.ForgotPassword(ctx, form)
	require.True(t, again.OK())
	require.Equal(t, 3, fixture.identity.callCount())
}

func TestResendVerificationCooldown(t *testing.T) {
	fixture := newStoreFixture(t, nil)
	ctx := context.Background()

	require.True(t, fixture.store.ResendVerification(ctx, "ada@example.com").OK())
	blocked := fixture.store.ResendVerification(ctx, "ada@example.com")
	require.ErrorIs(t, blocked.Err, autherr.ErrRateLimit)
	require.Equal(t, 60*time.Second, blocked.Err.RetryAfter)
	require.True(t, fixture.store.ForgotPassword(ctx, ForgotPasswordForm{Email: "ada@example.com"}).OK())
}

func TestCheckSessionStates(t *testing.T) {
	t.Run("no stored credentials", func(t *testing.T) {
		fixture := newStoreFixture(t, nil)
		require.True(t, fixture.store.Snapshot().Loading)

		result := fixture.store.CheckSession(context.Background())
		require.True(t, result.OK())
		snapshot := fixture.store.Snapshot()
		require.False(t, snapshot.Loading)
		require.True(t, snapshot.SessionChecked)
		require.False(t, snapshot.Authenticated)
		require.Empty(t, snapshot.LastError)
		require.Zero(t, fixture.lifecycle.loginCount())
	})

	t.Run("restored session", func(t *testing.T) {
		fixture := newStoreFixture(t, nil)
		fixture.identity.checkSession = func(context.Context) (*identitytoken.Profile, error) {
			return &identitytoken.Profile{Subject: "user-1", Email: "ada@example.com"}, nil
		}
		result := fixture.store.CheckSession(context.Background())
		require.True(t, result.OK())
		require.True(t, fixture.store.Snapshot().Authenticated)
		require.Equal(t, 1, fixture.lifecycle.loginCount())
	})

	t.Run("expired session", func(t *testing.T) {
		fixture := newStoreFixture(t, nil)
		fixture.identity.checkSession = func(context.Context) (*identitytoken.Profile, error) {
			return nil, autherr.SessionExpired(nil)
		}
		result := fixture.store.CheckSession(context.Background())
		require.Equal(t, PhaseRejected, result.Phase)
		snapshot := fixture.store.Snapshot()
		require.False(t, snapshot.Authenticated)
		require.False(t, snapshot.Loading)
		require.Equal(t, autherr.MessageSessionExpired, snapshot.LastError)
	})
}

func TestLifecycleLogoutFlipsState(t *testing.T) {
	fixture := newStoreFixture(t, nil)
	require.True(t, fixture.store.Signin(context.Background(), SigninForm{Email: "ada@example.com", Password: "Secret1!"}).OK())

	var published []SessionState
	fixture.store.Subscribe(func(state SessionState) { published = append(published, state) })
	fixture.lifecycle.handlers.Notify(lifecycle.LogoutEvent{Reason: navigation.ReasonInactivity})

	snapshot := fixture.store.Snapshot()
	require.False(t, snapshot.Authenticated)
	require.Nil(t, snapshot.User)
	require.Equal(t, MessageInactivity, snapshot.LastError)
	require.Len(t, published, 1)
	require.False(t, published[0].Authenticated)
}

func TestLogoutClearsStateWhenServerFails(t *testing.T) {
	fixture := newStoreFixture(t, nil)
	ctx := context.Background()
	require.True(t, fixture.store.Signin(ctx, SigninForm{Email: "ada@example.com", Password: "Secret1!"}).OK())
	fixture.identity.logoutErr = autherr.Network(errors.New("connection refused"))

	result := fixture.store.Logout(ctx)
	require.Equal(t, PhaseRejected, result.Phase)
	snapshot := fixture.store.Snapshot()
	require.False(t, snapshot.Authenticated)
	require.Nil(t, snapshot.User)
	require.Equal(t, 1, fixture.lifecycle.teardowns)
}

func TestClearError(t *testing.T) {
	fixture := newStoreFixture(t, nil)
	fixture.store.Signin(context.Background(), SigninForm{Email: "bad"})
	require.NotEmpty(t, fixture.store.Snapshot().LastError)
	fixture.store.ClearError()
	require.Empty(t, fixture.store.Snapshot().LastError)
}

func TestPasswordStrength(t *testing.T) {
	testCases := map[string]Strength{
		"":                 StrengthNone,
		"abc":              StrengthWeak,
		"abcdefgh":         StrengthWeak,
		"Abcdefgh":         StrengthFair,
		"Abcdefg1":         StrengthFair,
		"Abcdefg1!":        StrengthGood,
		"Abcdefghij1!":     StrengthStrong,
		"correct horse 12": StrengthFair,
	}
	for password, expected := range testCases {
		require.Equal(t, expected, PasswordStrength(password), password)
	}
}

func TestMaskEmail(t *testing.T) {
	require.Equal(t, "ada***@example.com", MaskEmail("adalovelace@example.com"))
	require.Equal(t, "a***@example.com", MaskEmail("al@example.com"))
	require.Equal(t, "***", MaskEmail("not-an-email"))
}
