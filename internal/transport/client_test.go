package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tyemirov/authsession/internal/autherr"
	"github.com/tyemirov/authsession/internal/credentials"
	"github.com/tyemirov/authsession/internal/navigation"
)

type identityAPI struct {
	mutex    sync.Mutex
	calls    []string
	handlers map[string]http.HandlerFunc
}

func newIdentityAPI(t *testing.T) (*identityAPI, *httptest.Server) {
	api := &identityAPI{handlers: make(map[string]http.HandlerFunc)}
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		api.mutex.Lock()
		api.calls = append(api.calls, request.URL.Path)
		handler := api.handlers[request.URL.Path]
		api.mutex.Unlock()
		if handler == nil {
			writeJSON(writer, http.StatusNotFound, map[string]string{"error": "Not found"})
			return
		}
		handler(writer, request)
	}))
	t.Cleanup(server.Close)
	return api, server
}

func (api *identityAPI) handle(path string, handler http.HandlerFunc) {
	api.mutex.Lock()
	defer api.mutex.Unlock()
	api.handlers[path] = handler
}

func (api *identityAPI) callLog() []string {
	api.mutex.Lock()
	defer api.mutex.Unlock()
	return append([]string(nil), api.calls...)
}

func writeJSON(writer http.ResponseWriter, status int, payload any) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	_ = json.NewEncoder(writer).Encode(payload)
}

type storeRefresher struct {
	client *Client
	store  credentials.Store
	calls  atomic.Int32
}

func (refresher *storeRefresher) Refresh(ctx context.Context) (credentials.Set, error) {
	refresher.calls.Add(1)
	renewed, err := refresher.client.RefreshCredentials(ctx)
	if err != nil {
		return credentials.Set{}, err
	}
	return renewed, refresher.store.Merge(ctx, renewed)
}

type lostRecorder struct {
	mutex   sync.Mutex
	reasons []string
}

func (recorder *lostRecorder) handle(ctx context.Context, reason string) {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	recorder.reasons = append(recorder.reasons, reason)
}

func (recorder *lostRecorder) snapshot() []string {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	return append([]string(nil), recorder.reasons...)
}

func newTestClient(t *testing.T, baseURL string, mode Mode) (*Client, credentials.Store, *storeRefresher, *lostRecorder) {
	store := credentials.NewMemoryStore(nil)
	client, err := New(Config{BaseURL: baseURL, Mode: mode, Store: store})
	require.NoError(t, err)
	refresher := &storeRefresher{client: client, store: store}
	lost := &lostRecorder{}
	client.UseRecovery(refresher, lost.handle)
	return client, store, refresher, lost
}

func seedSession(t *testing.T, store credentials.Store) {
	now := time.Now().UTC()
	require.NoError(t, store.Save(context.Background(), credentials.Set{
		Access:   credentials.Artifact{Value: "access-old", ExpiresAt: now.Add(time.Minute)},
		Refresh:  credentials.Artifact{Value: "refresh-1", ExpiresAt: now.Add(24 * time.Hour)},
		Identity: credentials.Artifact{Value: "identity-old", ExpiresAt: now.Add(time.Minute)},
	}))
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config{Store: credentials.NewMemoryStore(nil)})
	require.ErrorIs(t, err, errMissingBaseURL)

	_, err = New(Config{BaseURL: "http://localhost"})
	require.ErrorIs(t, err, errMissingStore)

	_, err = New(Config{BaseURL: "http://localhost", Store: credentials.NewMemoryStore(nil), Mode: "carrier-pigeon"})
	require.ErrorIs(t, err, errUnsupportedMode)
}

func TestDoRecoversOnceAfterUnauthorized(t *testing.T) {
	api, server := newIdentityAPI(t)
	client, store, refresher, lost := newTestClient(t, server.URL, ModeCookie)
	seedSession(t, store)

	api.handle("/auth/refresh", func(writer http.ResponseWriter, request *http.Request) {
		cookie, err := request.Cookie(credentials.CookieRefresh)
		require.NoError(t, err)
		require.Equal(t, "refresh-1", cookie.Value)
		http.SetCookie(writer, &http.Cookie{Name: credentials.CookieAccess, Value: "access-new", MaxAge: 3600, Path: "/"})
		writeJSON(writer, http.StatusOK, map[string]any{"expiresIn": 3600})
	})
	api.handle("/auth/user-info", func(writer http.ResponseWriter, request *http.Request) {
		cookie, err := request.Cookie(credentials.CookieAccess)
		if err != nil || cookie.Value != "access-new" {
			writeJSON(writer, http.StatusUnauthorized, map[string]string{"error": "Invalid or expired token"})
			return
		}
		writeJSON(writer, http.StatusOK, map[string]any{"sub": "user-1", "email": "user@example.com", "name": "User", "email_verified": true, "exp": 1700003600})
	})

	profile, err := NewIdentityClient(client).UserInfo(context.Background())
	require.NoError(t, err)
	require.Equal(t, "user-1", profile.Subject)
	require.Equal(t, time.Unix(1700003600, 0).UTC(), profile.ExpiresAt)
	require.Equal(t, []string{"/auth/user-info", "/auth/refresh", "/auth/user-info"}, api.callLog())
	require.EqualValues(t, 1, refresher.calls.Load())
	require.Empty(t, lost.snapshot())

	stored, err := store.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, "access-new", stored.Access.Value)
	require.Equal(t, "refresh-1", stored.Refresh.Value)
}

func TestDoRetryBoundEndsSession(t *testing.T) {
	api, server := newIdentityAPI(t)
	client, store, refresher, lost := newTestClient(t, server.URL, ModeCookie)
	seedSession(t, store)

	api.handle("/auth/refresh", func(writer http.ResponseWriter, request *http.Request) {
		writeJSON(writer, http.StatusOK, map[string]any{"accessToken": "access-new", "expiresIn": 3600})
	})
	api.handle("/auth/user-info", func(writer http.ResponseWriter, request *http.Request) {
		writeJSON(writer, http.StatusUnauthorized, map[string]string{"error": "Invalid or expired token"})
	})

	_, err := NewIdentityClient(client).UserInfo(context.Background())
	require.ErrorIs(t, err, autherr.ErrSessionExpired)
	require.Equal(t, autherr.MessageSessionExpired, err.Error())
	require.ErrorIs(t, err, errUnauthorizedAfterRefresh)
	require.Len(t, api.callLog(), 3)
	require.EqualValues(t, 1, refresher.calls.Load())
	require.Equal(t, []string{navigation.ReasonSessionExpired}, lost.snapshot())
}

func TestDoRefreshFailureEndsSession(t *testing.T) {
	api, server := newIdentityAPI(t)
	client, store, _, lost := newTestClient(t, server.URL, ModeCookie)
	seedSession(t, store)

	api.handle("/auth/refresh", func(writer http.ResponseWriter, request *http.Request) {
		writeJSON(writer, http.StatusUnauthorized, map[string]string{"error": "Invalid or expired refresh token"})
	})
	api.handle("/auth/verify-token", func(writer http.ResponseWriter, request *http.Request) {
		writeJSON(writer, http.StatusUnauthorized, map[string]string{"error": "Invalid or expired token"})
	})

	authenticated, err := NewIdentityClient(client).VerifyToken(context.Background())
	require.False(t, authenticated)
	require.Equal(t, autherr.KindSessionExpired, autherr.KindOf(err))
	require.Equal(t, []string{"/auth/verify-token", "/auth/refresh"}, api.callLog())
	require.Equal(t, []string{navigation.ReasonSessionExpired}, lost.snapshot())
}

func TestAuthEndpointsNeverRecover(t *testing.T) {
	api, server := newIdentityAPI(t)
	client, _, refresher, lost := newTestClient(t, server.URL, ModeCookie)

	api.handle("/auth/signin", func(writer http.ResponseWriter, request *http.Request) {
		writeJSON(writer, http.StatusUnauthorized, map[string]string{"error": "Invalid email or password"})
	})

	_, err := NewIdentityClient(client).Signin(context.Background(), SigninRequest{Email: "user@example.com", Password: "wrong"})
	require.ErrorIs(t, err, autherr.ErrAuthentication)
	require.Equal(t, "Invalid email or password", err.Error())
	require.EqualValues(t, 0, refresher.calls.Load())
	require.Empty(t, lost.snapshot())
	require.Len(t, api.callLog(), 1)
}

func TestSigninCapturesCookiesAndAttachesThem(t *testing.T) {
	api, server := newIdentityAPI(t)
	client, store, _, _ := newTestClient(t, server.URL, ModeCookie)

	api.handle("/auth/signin", func(writer http.ResponseWriter, request *http.Request) {
		var body SigninRequest
		require.NoError(t, json.NewDecoder(request.Body).Decode(&body))
		require.Equal(t, "bot-token", body.BotToken)
		require.NotEmpty(t, request.Header.Get(headerRequestID))
		http.SetCookie(writer, &http.Cookie{Name: credentials.CookieAccess, Value: "access-1", MaxAge: 3600, HttpOnly: true})
		http.SetCookie(writer, &http.Cookie{Name: credentials.CookieIdentity, Value: "identity-1", MaxAge: 3600, HttpOnly: true})
		http.SetCookie(writer, &http.Cookie{Name: credentials.CookieRefresh, Value: "refresh-1", MaxAge: 30 * 24 * 3600, HttpOnly: true})
		writeJSON(writer, http.StatusOK, map[string]any{
			"expiresIn": 3600,
			"user":      map[string]any{"sub": "user-1", "email": "user@example.com", "name": "User", "email_verified": true},
		})
	})
	api.handle("/auth/verify-token", func(writer http.ResponseWriter, request *http.Request) {
		cookie, err := request.Cookie(credentials.CookieAccess)
		require.NoError(t, err)
		require.Equal(t, "access-1", cookie.Value)
		writeJSON(writer, http.StatusOK, map[string]bool{"authenticated": true})
	})

	identity := NewIdentityClient(client)
	profile, err := identity.Signin(context.Background(), SigninRequest{Email: "user@example.com", Password: "Secret1!", BotToken: "bot-token"})
	require.NoError(t, err)
	require.Equal(t, "User", profile.Name)

	ctx := context.Background()
	require.True(t, store.HasAccess(ctx))
	require.True(t, store.HasRefresh(ctx))
	stored, err := store.Load(ctx)
	require.NoError(t, err)
	require.WithinDuration(t, time.Now().Add(30*24*time.Hour), stored.Refresh.ExpiresAt, time.Minute)

	authenticated, err := identity.VerifyToken(ctx)
	require.NoError(t, err)
	require.True(t, authenticated)
}

func TestBearerModeUsesHeaderAndRefreshBody(t *testing.T) {
	api, server := newIdentityAPI(t)
	client, store, _, _ := newTestClient(t, server.URL, ModeBearer)

	api.handle("/auth/signin", func(writer http.ResponseWriter, request *http.Request) {
		writeJSON(writer, http.StatusOK, map[string]any{
			"accessToken": "access-1", "refreshToken": "refresh-1", "idToken": "identity-1", "expiresIn": 3600,
		})
	})
	api.handle("/auth/refresh", func(writer http.ResponseWriter, request *http.Request) {
		var body refreshRequest
		require.NoError(t, json.NewDecoder(request.Body).Decode(&body))
		require.Equal(t, "refresh-1", body.RefreshToken)
		require.Equal(t, "Bearer access-1", request.Header.Get("Authorization"))
		writeJSON(writer, http.StatusOK, map[string]any{"accessToken": "access-2", "idToken": "identity-2", "expiresIn": 600})
	})

	ctx := context.Background()
	profile, err := NewIdentityClient(client).Signin(ctx, SigninRequest{Email: "user@example.com", Password: "Secret1!"})
	require.NoError(t, err)
	require.Equal(t, "user@example.com", profile.Email)

	renewed, err := client.RefreshCredentials(ctx)
	require.NoError(t, err)
	require.Equal(t, "access-2", renewed.Access.Value)
	require.Empty(t, renewed.Refresh.Value)
	require.WithinDuration(t, time.Now().Add(10*time.Minute), renewed.Access.ExpiresAt, time.Minute)

	stored, err := store.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, "access-1", stored.Access.Value)
}

func TestRefreshWithoutRefreshArtifactFailsFast(t *testing.T) {
	api, server := newIdentityAPI(t)
	client, _, _, _ := newTestClient(t, server.URL, ModeCookie)

	_, err := client.RefreshCredentials(context.Background())
	require.ErrorIs(t, err, autherr.ErrSessionExpired)
	require.ErrorIs(t, err, errNoRefreshArtifact)
	require.Empty(t, api.callLog())
}

func TestStatusMapping(t *testing.T) {
	testCases := []struct {
		name        string
		status      int
		body        map[string]string
		retryAfter  string
		kind        autherr.Kind
		message     string
		retryWindow time.Duration
	}{
		{name: "rate limited", status: http.StatusTooManyRequests, body: map[string]string{"error": "Too many requests"}, retryAfter: "30", kind: autherr.KindRateLimit, message: "Please wait 30 seconds before trying again.", retryWindow: 30 * time.Second},
		{name: "server failure", status: http.StatusInternalServerError, body: map[string]string{"error": "panic: nil map at handler.go:42"}, kind: autherr.KindUnknown, message: autherr.MessageServer},
		{name: "friendly rejection", status: http.StatusBadRequest, body: map[string]string{"error": "Invalid verification code"}, kind: autherr.KindAuthentication, message: "Invalid verification code"},
		{name: "leaky rejection", status: http.StatusBadRequest, body: map[string]string{"error": "upstream https://idp.internal/verify returned 400"}, kind: autherr.KindAuthentication, message: autherr.MessageUnknown},
	}

	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			api, server := newIdentityAPI(t)
			client, _, _, _ := newTestClient(t, server.URL, ModeCookie)
			api.handle("/auth/verify", func(writer http.ResponseWriter, request *http.Request) {
				if testCase.retryAfter != "" {
					writer.Header().Set("Retry-After", testCase.retryAfter)
				}
				writeJSON(writer, testCase.status, testCase.body)
			})

			_, err := NewIdentityClient(client).Verify(context.Background(), "user@example.com", "123456")
			var normalized *autherr.Error
			require.True(t, errors.As(err, &normalized))
			require.Equal(t, testCase.kind, normalized.Kind)
			require.Equal(t, testCase.message, normalized.Message)
			require.Equal(t, testCase.retryWindow, normalized.RetryAfter)
		})
	}
}

func TestLogoutClearsCredentialsWhenServerUnreachable(t *testing.T) {
	_, server := newIdentityAPI(t)
	client, store, _, _ := newTestClient(t, server.URL, ModeCookie)
	seedSession(t, store)
	server.Close()

	err := NewIdentityClient(client).Logout(context.Background())
	require.ErrorIs(t, err, autherr.ErrNetwork)
	require.False(t, store.HasAccess(context.Background()))
	require.False(t, store.HasRefresh(context.Background()))
}

func TestLogoutClearsCredentials(t *testing.T) {
	api, server := newIdentityAPI(t)
	client, store, _, _ := newTestClient(t, server.URL, ModeCookie)
	seedSession(t, store)
	api.handle("/auth/logout", func(writer http.ResponseWriter, request *http.Request) {
		writeJSON(writer, http.StatusOK, map[string]string{"message": "Logged out successfully"})
	})

	require.NoError(t, NewIdentityClient(client).Logout(context.Background()))
	require.False(t, store.HasRefresh(context.Background()))
}

func TestCheckSessionWithoutCredentials(t *testing.T) {
	api, server := newIdentityAPI(t)
	client, _, _, _ := newTestClient(t, server.URL, ModeCookie)

	_, err := NewIdentityClient(client).CheckSession(context.Background())
	require.ErrorIs(t, err, ErrNoSession)
	require.Empty(t, api.callLog())
}

func TestRefreshCookieOnlyReachesRefreshAndLogout(t *testing.T) {
	api, server := newIdentityAPI(t)
	client, store, _, _ := newTestClient(t, server.URL, ModeCookie)
	seedSession(t, store)

	var mutex sync.Mutex
	refreshSeen := make(map[string]bool)
	record := func(request *http.Request) {
		_, err := request.Cookie(credentials.CookieRefresh)
		mutex.Lock()
		refreshSeen[request.URL.Path] = err == nil
		mutex.Unlock()
	}
	api.handle("/auth/user-info", func(writer http.ResponseWriter, request *http.Request) {
		record(request)
		writeJSON(writer, http.StatusOK, map[string]any{"sub": "user-1", "email": "user@example.com", "exp": 1700003600})
	})
	api.handle("/auth/verify-token", func(writer http.ResponseWriter, request *http.Request) {
		record(request)
		writeJSON(writer, http.StatusOK, map[string]any{"authenticated": true})
	})
	api.handle("/auth/refresh", func(writer http.ResponseWriter, request *http.Request) {
		record(request)
		http.SetCookie(writer, &http.Cookie{Name: credentials.CookieAccess, Value: "access-new", MaxAge: 3600, Path: "/"})
		writeJSON(writer, http.StatusOK, map[string]any{"expiresIn": 3600})
	})
	api.handle("/auth/logout", func(writer http.ResponseWriter, request *http.Request) {
		record(request)
		writeJSON(writer, http.StatusOK, map[string]string{"message": "Logged out successfully"})
	})

	identity := NewIdentityClient(client)
	_, err := identity.UserInfo(context.Background())
	require.NoError(t, err)
	authenticated, err := identity.VerifyToken(context.Background())
	require.NoError(t, err)
	require.True(t, authenticated)
	_, err = identity.RefreshCredentials(context.Background())
	require.NoError(t, err)
	require.NoError(t, identity.Logout(context.Background()))

	mutex.Lock()
	defer mutex.Unlock()
	require.Equal(t, map[string]bool{
		"/auth/user-info":    false,
		"/auth/verify-token": false,
		"/auth/refresh":      true,
		"/auth/logout":       true,
	}, refreshSeen)
}

func TestGoogleSigninStoresIssuedSession(t *testing.T) {
	api, server := newIdentityAPI(t)
	client, store, _, _ := newTestClient(t, server.URL, ModeBearer)

	api.handle("/auth/nonce", func(writer http.ResponseWriter, request *http.Request) {
		writeJSON(writer, http.StatusOK, map[string]string{"nonce": "nonce-1"})
	})
	api.handle("/auth/google", func(writer http.ResponseWriter, request *http.Request) {
		var body GoogleSigninRequest
		require.NoError(t, json.NewDecoder(request.Body).Decode(&body))
		require.Equal(t, GoogleSigninRequest{IDToken: "google-token", Nonce: "nonce-1"}, body)
		writeJSON(writer, http.StatusOK, map[string]any{
			"accessToken": "access-1", "refreshToken": "refresh-1", "idToken": "identity-1", "expiresIn": 3600,
			"user": map[string]any{"sub": "user-1", "email": "grace@example.com", "name": "Grace", "email_verified": true},
		})
	})

	ctx := context.Background()
	identity := NewIdentityClient(client)
	nonce, err := identity.GoogleNonce(ctx)
	require.NoError(t, err)
	profile, err := identity.GoogleSignin(ctx, GoogleSigninRequest{IDToken: "google-token", Nonce: nonce})
	require.NoError(t, err)
	require.Equal(t, "grace@example.com", profile.Email)

	stored, err := store.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, "access-1", stored.Access.Value)
	require.Equal(t, "refresh-1", stored.Refresh.Value)
}

func TestGoogleSigninRejectionStoresNothing(t *testing.T) {
	api, server := newIdentityAPI(t)
	client, store, refresher, _ := newTestClient(t, server.URL, ModeCookie)

	api.handle("/auth/google", func(writer http.ResponseWriter, request *http.Request) {
		http.SetCookie(writer, &http.Cookie{Name: credentials.CookieAccess, Value: "access-1", MaxAge: 3600})
		writeJSON(writer, http.StatusUnauthorized, map[string]string{"error": "Invalid Google credential"})
	})

	ctx := context.Background()
	_, err := NewIdentityClient(client).GoogleSignin(ctx, GoogleSigninRequest{IDToken: "google-token", Nonce: "nonce-1"})
	require.Error(t, err)
	require.False(t, store.HasAccess(ctx))
	require.Zero(t, refresher.calls.Load())
}

func TestGoogleNonceRequiresValue(t *testing.T) {
	api, server := newIdentityAPI(t)
	client, _, _, _ := newTestClient(t, server.URL, ModeCookie)
	api.handle("/auth/nonce", func(writer http.ResponseWriter, request *http.Request) {
		writeJSON(writer, http.StatusOK, map[string]string{})
	})

	_, err := NewIdentityClient(client).GoogleNonce(context.Background())
	require.Error(t, err)
}
