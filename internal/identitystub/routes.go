// Package identitystub is a development identity API serving the auth routes the client
// session talks to. It backs local runs and integration tests.
package identitystub

import (
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/tyemirov/authsession/internal/clock"
	"github.com/tyemirov/authsession/internal/credentials"
	"github.com/tyemirov/authsession/pkg/identitytoken"
)

var errMissingServices = errors.New("identitystub.missing_services")

// Services are the stores behind the routes.
type Services struct {
	Users         UserStore
	RefreshTokens RefreshTokenStore
	Codes         CodeStore
	Sink          CodeSink
	// Google and Nonces back /auth/google. Sign-in with Google is off while Google is nil.
	Google  GoogleVerifier
	Nonces  NonceStore
	Clock   clock.Clock
	Logger  *zap.Logger
	Metrics MetricsRecorder
}

type server struct {
	configuration ServerConfig
	services      Services
	validator     *identitytoken.Validator

	resendMutex    sync.Mutex
	resendLimiters map[string]*rate.Limiter
}

// MountAuthRoutes registers the /auth routes on router.
func MountAuthRoutes(router gin.IRouter, configuration ServerConfig, services Services) error {
	if services.Users == nil || services.RefreshTokens == nil || services.Codes == nil {
		return fmt.Errorf("identitystub.mount: %w", errMissingServices)
	}
	services.Clock = clock.OrSystem(services.Clock)
	if services.Logger == nil {
		services.Logger = zap.NewNop()
	}
	if services.Metrics == nil {
		services.Metrics = noopMetrics{}
	}
	if services.Sink == nil {
		services.Sink = NewMailbox(services.Logger)
	}
	if services.Google != nil && services.Nonces == nil {
		services.Nonces = NewMemoryNonceStore(configuration.NonceTTL, services.Clock)
	}
	if configuration.Delivery == "" {
		configuration.Delivery = DeliverCookies
	}
	validator, err := identitytoken.New(identitytoken.Config{
		SigningKey: configuration.SigningKey,
		Issuer:     configuration.Issuer,
		CookieName: credentials.CookieAccess,
		Clock:      services.Clock,
	})
	if err != nil {
		return fmt.Errorf("identitystub.mount: %w", err)
	}
	handlers := &server{
		configuration:  configuration,
		services:       services,
		validator:      validator,
		resendLimiters: make(map[string]*rate.Limiter),
	}

	auth := router.Group(authPrefix)
	for _, route := range authRoutes {
		auth.Handle(route.method, route.path, route.chain(handlers)...)
	}
	return nil
}

const (
	authPrefix       = "/auth"
	headerRetryAfter = "Retry-After"
	headerRequestID  = "X-Request-ID"
)

type authRoute struct {
	method string
	path   string
	chain  func(handlers *server) []gin.HandlerFunc
}

func only(handler func(*server) gin.HandlerFunc) func(*server) []gin.HandlerFunc {
	return func(handlers *server) []gin.HandlerFunc {
		return []gin.HandlerFunc{handler(handlers)}
	}
}

// authRoutes is the identity API surface. CORS derives its allowed methods from it.
var authRoutes = []authRoute{
	{method: http.MethodPost, path: "/signup", chain: only(func(handlers *server) gin.HandlerFunc { return handlers.signup })},
	{method: http.MethodPost, path: "/verify", chain: only(func(handlers *server) gin.HandlerFunc { return handlers.verify })},
	{method: http.MethodPost, path: "/resend-verification", chain: only(func(handlers *server) gin.HandlerFunc { return handlers.resendVerification })},
	{method: http.MethodPost, path: "/signin", chain: only(func(handlers *server) gin.HandlerFunc { return handlers.signin })},
	{method: http.MethodPost, path: "/nonce", chain: only(func(handlers *server) gin.HandlerFunc { return handlers.issueNonce })},
	{method: http.MethodPost, path: "/google", chain: only(func(handlers *server) gin.HandlerFunc { return handlers.googleSignin })},
	{method: http.MethodPost, path: "/forgot-password", chain: only(func(handlers *server) gin.HandlerFunc { return handlers.forgotPassword })},
	{method: http.MethodPost, path: "/reset-password", chain: only(func(handlers *server) gin.HandlerFunc { return handlers.resetPassword })},
	{method: http.MethodPost, path: "/refresh", chain: only(func(handlers *server) gin.HandlerFunc { return handlers.refresh })},
	{method: http.MethodPost, path: "/logout", chain: only(func(handlers *server) gin.HandlerFunc { return handlers.logout })},
	{method: http.MethodGet, path: "/verify-token", chain: only(func(handlers *server) gin.HandlerFunc { return handlers.verifyToken })},
	{method: http.MethodGet, path: "/user-info", chain: func(handlers *server) []gin.HandlerFunc {
		return []gin.HandlerFunc{handlers.validator.GinMiddleware(identitytoken.DefaultContextKey), handlers.userInfo}
	}},
}

// AuthRouteMethods lists the HTTP methods the auth routes answer, sorted.
func AuthRouteMethods() []string {
	seen := make(map[string]struct{})
	methods := make([]string, 0, 2)
	for _, route := range authRoutes {
		if _, ok := seen[route.method]; ok {
			continue
		}
		seen[route.method] = struct{}{}
		methods = append(methods, route.method)
	}
	sort.Strings(methods)
	return methods
}

type signupPayload struct {
	Email          string `json:"email"`
	Password       string `json:"password"`
	Name           string `json:"name"`
	TurnstileToken string `json:"turnstileToken"`
}

type signinPayload struct {
	Email          string `json:"email"`
	Password       string `json:"password"`
	TurnstileToken string `json:"turnstileToken"`
}

type emailPayload struct {
	Email          string `json:"email"`
	TurnstileToken string `json:"turnstileToken"`
}

type codePayload struct {
	Email       string `json:"email"`
	Code        string `json:"code"`
	NewPassword string `json:"newPassword"`
}

type refreshPayload struct {
	RefreshToken string `json:"refreshToken"`
}

func abortWithError(contextGin *gin.Context, status int, message string) {
	contextGin.AbortWithStatusJSON(status, gin.H{"error": message})
}

func (handlers *server) requireHTTPS(contextGin *gin.Context) bool {
	if !handlers.configuration.AllowInsecureHTTP && !isHTTPS(contextGin.Request) {
		abortWithError(contextGin, http.StatusBadRequest, "HTTPS is required")
		return false
	}
	return true
}

func (handlers *server) guard(contextGin *gin.Context, botToken string) bool {
	if !handlers.requireHTTPS(contextGin) {
		return false
	}
	expected := handlers.configuration.BotToken
	if expected != "" && botToken != expected {
		handlers.services.Metrics.Increment(MetricBotCheckRejected)
		abortWithError(contextGin, http.StatusForbidden, "Bot verification failed")
		return false
	}
	return true
}

func (handlers *server) signup(contextGin *gin.Context) {
	var inbound signupPayload
	if err := contextGin.ShouldBindJSON(&inbound); err != nil || strings.TrimSpace(inbound.Email) == "" || inbound.Password == "" {
		abortWithError(contextGin, http.StatusBadRequest, "Email and password are required")
		return
	}
	if !handlers.guard(contextGin, inbound.TurnstileToken) {
		return
	}
	user, err := handlers.services.Users.Create(contextGin, inbound.Email, inbound.Name, inbound.Password)
	if errors.Is(err, ErrUserExists) {
		abortWithError(contextGin, http.StatusBadRequest, "An account with this email already exists")
		return
	}
	if err != nil {
		handlers.internalError(contextGin, "identitystub.signup.create", err)
		return
	}
	if err := handlers.sendCode(contextGin, PurposeVerify, user.Email); err != nil {
		handlers.internalError(contextGin, "identitystub.signup.code", err)
		return
	}
	handlers.services.Metrics.Increment(MetricSignup)
	contextGin.JSON(http.StatusOK, gin.H{"message": "Account created. Check your email for the verification code."})
}

func (handlers *server) verify(contextGin *gin.Context) {
	var inbound codePayload
	if err := contextGin.ShouldBindJSON(&inbound); err != nil || inbound.Email == "" || inbound.Code == "" {
		abortWithError(contextGin, http.StatusBadRequest, "Email and code are required")
		return
	}
	if !handlers.consumeCode(contextGin, PurposeVerify, inbound.Email, inbound.Code) {
		return
	}
	if err := handlers.services.Users.MarkVerified(contextGin, inbound.Email); err != nil {
		abortWithError(contextGin, http.StatusNotFound, "Account not found")
		return
	}
	handlers.services.Metrics.Increment(MetricVerify)
	contextGin.JSON(http.StatusOK, gin.H{"message": "Email verified. You can now sign in."})
}

func (handlers *server) resendVerification(contextGin *gin.Context) {
	var inbound emailPayload
	if err := contextGin.ShouldBindJSON(&inbound); err != nil || strings.TrimSpace(inbound.Email) == "" {
		abortWithError(contextGin, http.StatusBadRequest, "Email is required")
		return
	}
	if wait, allowed := handlers.allowResend(inbound.Email); !allowed {
		handlers.services.Metrics.Increment(MetricResendThrottled)
		contextGin.Header(headerRetryAfter, strconv.Itoa(int(math.Ceil(wait.Seconds()))))
		abortWithError(contextGin, http.StatusTooManyRequests, "Too many requests. Please wait before requesting another code.")
		return
	}
	user, err := handlers.services.Users.FindByEmail(contextGin, inbound.Email)
	if err == nil && !user.Verified {
		if codeErr := handlers.sendCode(contextGin, PurposeVerify, user.Email); codeErr != nil {
			handlers.internalError(contextGin, "identitystub.resend.code", codeErr)
			return
		}
	}
	contextGin.JSON(http.StatusOK, gin.H{"message": "If the account needs verification, a new code has been sent."})
}

func (handlers *server) signin(contextGin *gin.Context) {
	var inbound signinPayload
	if err := contextGin.ShouldBindJSON(&inbound); err != nil || strings.TrimSpace(inbound.Email) == "" || inbound.Password == "" {
		abortWithError(contextGin, http.StatusBadRequest, "Email and password are required")
		return
	}
	if !handlers.guard(contextGin, inbound.TurnstileToken) {
		return
	}
	user, err := handlers.services.Users.Authenticate(contextGin, inbound.Email, inbound.Password)
	if err != nil {
		handlers.services.Metrics.Increment(MetricSigninFailure)
		if errors.Is(err, ErrUserNotFound) || errors.Is(err, ErrInvalidPassword) {
			abortWithError(contextGin, http.StatusUnauthorized, "Invalid email or password")
			return
		}
		handlers.internalError(contextGin, "identitystub.signin.authenticate", err)
		return
	}
	if !user.Verified {
		handlers.services.Metrics.Increment(MetricSigninFailure)
		abortWithError(contextGin, http.StatusForbidden, "Please verify your email before signing in")
		return
	}
	response, ok := handlers.issueSession(contextGin, user, "")
	if !ok {
		return
	}
	handlers.services.Metrics.Increment(MetricSigninSuccess)
	response["user"] = userPayload(user, handlers.services.Clock.Now(), handlers.configuration.AccessTTL)
	contextGin.JSON(http.StatusOK, response)
}

func (handlers *server) forgotPassword(contextGin *gin.Context) {
	var inbound emailPayload
	if err := contextGin.ShouldBindJSON(&inbound); err != nil || strings.TrimSpace(inbound.Email) == "" {
		abortWithError(contextGin, http.StatusBadRequest, "Email is required")
		return
	}
	if !handlers.guard(contextGin, inbound.TurnstileToken) {
		return
	}
	if user, err := handlers.services.Users.FindByEmail(contextGin, inbound.Email); err == nil {
		if codeErr := handlers.sendCode(contextGin, PurposeReset, user.Email); codeErr != nil {
			handlers.internalError(contextGin, "identitystub.forgot.code", codeErr)
			return
		}
	}
	contextGin.JSON(http.StatusOK, gin.H{"message": "If an account exists, a reset code has been sent."})
}

func (handlers *server) resetPassword(contextGin *gin.Context) {
	var inbound codePayload
	if err := contextGin.ShouldBindJSON(&inbound); err != nil || inbound.Email == "" || inbound.Code == "" || inbound.NewPassword == "" {
		abortWithError(contextGin, http.StatusBadRequest, "Email, code, and new password are required")
		return
	}
	if !handlers.consumeCode(contextGin, PurposeReset, inbound.Email, inbound.Code) {
		return
	}
	if err := handlers.services.Users.SetPassword(contextGin, inbound.Email, inbound.NewPassword); err != nil {
		abortWithError(contextGin, http.StatusNotFound, "Account not found")
		return
	}
	contextGin.JSON(http.StatusOK, gin.H{"message": "Password reset. You can now sign in."})
}

func (handlers *server) refresh(contextGin *gin.Context) {
	opaque := refreshOpaque(contextGin)
	if opaque == "" {
		handlers.services.Metrics.Increment(MetricRefreshFailure)
		abortWithError(contextGin, http.StatusUnauthorized, "No refresh token")
		return
	}
	userID, currentTokenID, _, validateErr := handlers.services.RefreshTokens.Validate(contextGin, opaque)
	if validateErr != nil {
		handlers.services.Metrics.Increment(MetricRefreshFailure)
		abortWithError(contextGin, http.StatusUnauthorized, "Invalid refresh token")
		return
	}
	user, userErr := handlers.services.Users.Get(contextGin, userID)
	if userErr != nil {
		handlers.services.Metrics.Increment(MetricRefreshFailure)
		abortWithError(contextGin, http.StatusUnauthorized, "Invalid refresh token")
		return
	}
	response, ok := handlers.issueSession(contextGin, user, currentTokenID)
	if !ok {
		return
	}
	if revokeErr := handlers.services.RefreshTokens.Revoke(contextGin, currentTokenID); revokeErr != nil {
		handlers.internalError(contextGin, "identitystub.refresh.revoke", revokeErr)
		return
	}
	handlers.services.Metrics.Increment(MetricRefreshSuccess)
	if handlers.configuration.Delivery == DeliverBody {
		contextGin.JSON(http.StatusOK, response)
		return
	}
	contextGin.Status(http.StatusNoContent)
}

func (handlers *server) logout(contextGin *gin.Context) {
	if opaque := refreshOpaque(contextGin); opaque != "" {
		_, tokenID, _, validateErr := handlers.services.RefreshTokens.Validate(contextGin, opaque)
		if validateErr == nil && tokenID != "" {
			_ = handlers.services.RefreshTokens.Revoke(contextGin, tokenID)
		}
	}
	for _, name := range []string{credentials.CookieAccess, credentials.CookieRefresh, credentials.CookieIdentity} {
		handlers.clearCookie(contextGin, name)
	}
	handlers.services.Metrics.Increment(MetricLogout)
	contextGin.Status(http.StatusNoContent)
}

func (handlers *server) verifyToken(contextGin *gin.Context) {
	if _, err := handlers.validator.ValidateRequest(contextGin.Request); err != nil {
		abortWithError(contextGin, http.StatusUnauthorized, "Invalid or expired token")
		return
	}
	contextGin.JSON(http.StatusOK, gin.H{"authenticated": true})
}

func (handlers *server) userInfo(contextGin *gin.Context) {
	claimsValue, found := contextGin.Get(identitytoken.DefaultContextKey)
	claims, ok := claimsValue.(*identitytoken.Claims)
	if !found || !ok || claims.Subject == "" {
		abortWithError(contextGin, http.StatusUnauthorized, "Invalid or expired token")
		return
	}
	user, err := handlers.services.Users.Get(contextGin, claims.Subject)
	if err != nil {
		abortWithError(contextGin, http.StatusUnauthorized, "Invalid or expired token")
		return
	}
	payload := gin.H{
		"sub":            user.ID,
		"email":          user.Email,
		"name":           user.Name,
		"email_verified": user.Verified,
	}
	if claims.ExpiresAt != nil {
		payload["exp"] = claims.ExpiresAt.Unix()
	}
	if claims.IssuedAt != nil {
		payload["iat"] = claims.IssuedAt.Unix()
	}
	contextGin.JSON(http.StatusOK, payload)
}

// issueSession mints the access and identity artifacts plus a refresh token and writes them
// per the configured delivery. The returned map carries the body artifacts, if any.
func (handlers *server) issueSession(contextGin *gin.Context, user User, previousTokenID string) (gin.H, bool) {
	now := handlers.services.Clock.Now()
	configuration := handlers.configuration
	accessToken, accessExpiresAt, err := MintToken(user, identitytoken.UseAccess, configuration.Issuer, configuration.SigningKey, now, configuration.AccessTTL)
	if err != nil {
		handlers.internalError(contextGin, "identitystub.session.access", err)
		return nil, false
	}
	identityToken, _, err := MintToken(user, identitytoken.UseIdentity, configuration.Issuer, configuration.SigningKey, now, configuration.AccessTTL)
	if err != nil {
		handlers.internalError(contextGin, "identitystub.session.identity", err)
		return nil, false
	}
	refreshExpiresAt := now.Add(configuration.RefreshTTL)
	_, refreshToken, err := handlers.services.RefreshTokens.Issue(contextGin, user.ID, refreshExpiresAt.Unix(), previousTokenID)
	if err != nil || strings.TrimSpace(refreshToken) == "" {
		handlers.internalError(contextGin, "identitystub.session.refresh", err)
		return nil, false
	}

	if configuration.Delivery == DeliverBody {
		return gin.H{
			"accessToken":  accessToken,
			"refreshToken": refreshToken,
			"idToken":      identityToken,
			"expiresIn":    int64(configuration.AccessTTL / time.Second),
		}, true
	}
	handlers.writeCookie(contextGin, credentials.CookieAccess, accessToken, "/", accessExpiresAt)
	handlers.writeCookie(contextGin, credentials.CookieIdentity, identityToken, "/", accessExpiresAt)
	handlers.writeCookie(contextGin, credentials.CookieRefresh, refreshToken, "/auth", refreshExpiresAt)
	return gin.H{}, true
}

func (handlers *server) writeCookie(contextGin *gin.Context, name string, value string, path string, expiresAt time.Time) {
	http.SetCookie(contextGin.Writer, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     path,
		Domain:   handlers.configuration.CookieDomain,
		Expires:  expiresAt,
		MaxAge:   int(math.Ceil(expiresAt.Sub(handlers.services.Clock.Now()).Seconds())),
		Secure:   !handlers.configuration.AllowInsecureHTTP,
		HttpOnly: true,
		SameSite: handlers.configuration.SameSiteMode,
	})
}

func (handlers *server) clearCookie(contextGin *gin.Context, name string) {
	http.SetCookie(contextGin.Writer, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		Domain:   handlers.configuration.CookieDomain,
		MaxAge:   -1,
		Secure:   !handlers.configuration.AllowInsecureHTTP,
		HttpOnly: true,
		SameSite: handlers.configuration.SameSiteMode,
	})
}

func (handlers *server) sendCode(contextGin *gin.Context, purpose Purpose, email string) error {
	code, err := handlers.services.Codes.Issue(contextGin, purpose, email)
	if err != nil {
		return err
	}
	handlers.services.Sink.Deliver(contextGin, purpose, email, code)
	return nil
}

func (handlers *server) consumeCode(contextGin *gin.Context, purpose Purpose, email string, code string) bool {
	err := handlers.services.Codes.Consume(contextGin, purpose, email, code)
	switch {
	case err == nil:
		return true
	case errors.Is(err, ErrCodeExpired):
		abortWithError(contextGin, http.StatusBadRequest, "This code has expired. Please request a new one.")
	default:
		abortWithError(contextGin, http.StatusBadRequest, "Invalid or expired code")
	}
	return false
}

// allowResend applies the per-email resend interval and reports the remaining wait.
func (handlers *server) allowResend(email string) (time.Duration, bool) {
	interval := handlers.configuration.ResendInterval
	if interval <= 0 {
		return 0, true
	}
	key := normalizeEmail(email)
	now := handlers.services.Clock.Now()
	handlers.resendMutex.Lock()
	defer handlers.resendMutex.Unlock()
	limiter, ok := handlers.resendLimiters[key]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(interval), 1)
		handlers.resendLimiters[key] = limiter
	}
	if limiter.AllowN(now, 1) {
		return 0, true
	}
	return time.Duration((1 - limiter.TokensAt(now)) * float64(interval)), false
}

func (handlers *server) internalError(contextGin *gin.Context, code string, err error) {
	handlers.services.Logger.Error("identity stub failure",
		zap.String("code", code),
		zap.Error(err),
	)
	contextGin.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
}

func userPayload(user User, issuedAt time.Time, ttl time.Duration) gin.H {
	return gin.H{
		"sub":            user.ID,
		"email":          user.Email,
		"name":           user.Name,
		"email_verified": user.Verified,
		"exp":            issuedAt.Add(ttl).Unix(),
		"iat":            issuedAt.Unix(),
	}
}

func refreshOpaque(contextGin *gin.Context) string {
	if cookie, err := contextGin.Request.Cookie(credentials.CookieRefresh); err == nil && strings.TrimSpace(cookie.Value) != "" {
		return cookie.Value
	}
	var inbound refreshPayload
	if contextGin.Request.ContentLength != 0 && contextGin.ShouldBindJSON(&inbound) == nil {
		return strings.TrimSpace(inbound.RefreshToken)
	}
	return ""
}

func isHTTPS(request *http.Request) bool {
	if request.TLS != nil || strings.EqualFold(request.Header.Get("X-Forwarded-Proto"), "https") {
		return true
	}
	if forwarded := request.Header.Get("Forwarded"); strings.Contains(strings.ToLower(forwarded), "proto=https") {
		return true
	}
	host, _, splitErr := net.SplitHostPort(request.Host)
	return splitErr == nil && host == "localhost"
}

// RequestLogger logs each request at info level.
func RequestLogger(logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(contextGin *gin.Context) {
		startTime := time.Now()
		contextGin.Next()
		logger.Info("http",
			zap.String("method", contextGin.Request.Method),
			zap.String("path", contextGin.Request.URL.Path),
			zap.Int("status", contextGin.Writer.Status()),
			zap.String("ip", contextGin.ClientIP()),
			zap.String("request_id", contextGin.GetHeader(headerRequestID)),
			zap.Duration("elapsed", time.Since(startTime)),
		)
	}
}
