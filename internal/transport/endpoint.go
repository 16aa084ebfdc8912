package transport

import "net/http"

// Endpoint is one operation of the identity API.
type Endpoint struct {
	Name    string
	Method  string
	Path    string
	auth    bool
	// refresh marks the endpoints that receive the refresh artifact in cookie mode.
	refresh bool
	// opens marks the endpoints whose successful response carries a new session.
	opens bool
}

// IsAuth reports whether the endpoint is part of the authentication flow itself. Such
// endpoints never trigger credential recovery.
func (endpoint Endpoint) IsAuth() bool {
	return endpoint.auth
}

// CarriesRefresh reports whether the refresh artifact is sent to the endpoint.
func (endpoint Endpoint) CarriesRefresh() bool {
	return endpoint.refresh
}

// OpensSession reports whether a successful response issues fresh credentials to store.
func (endpoint Endpoint) OpensSession() bool {
	return endpoint.opens
}

// Identity API endpoints.
var (
	EndpointSignup             = Endpoint{Name: "signup", Method: http.MethodPost, Path: "/auth/signup", auth: true}
	EndpointVerify             = Endpoint{Name: "verify", Method: http.MethodPost, Path: "/auth/verify", auth: true}
	EndpointResendVerification = Endpoint{Name: "resend_verification", Method: http.MethodPost, Path: "/auth/resend-verification", auth: true}
	EndpointSignin             = Endpoint{Name: "signin", Method: http.MethodPost, Path: "/auth/signin", auth: true, opens: true}
	EndpointGoogleNonce        = Endpoint{Name: "google_nonce", Method: http.MethodPost, Path: "/auth/nonce", auth: true}
	EndpointGoogleSignin       = Endpoint{Name: "google_signin", Method: http.MethodPost, Path: "/auth/google", auth: true, opens: true}
	EndpointForgotPassword     = Endpoint{Name: "forgot_password", Method: http.MethodPost, Path: "/auth/forgot-password", auth: true}
	EndpointResetPassword      = Endpoint{Name: "reset_password", Method: http.MethodPost, Path: "/auth/reset-password", auth: true}
	EndpointRefresh            = Endpoint{Name: "refresh", Method: http.MethodPost, Path: "/auth/refresh", auth: true, refresh: true}
	EndpointLogout             = Endpoint{Name: "logout", Method: http.MethodPost, Path: "/auth/logout", auth: true, refresh: true}
	EndpointVerifyToken        = Endpoint{Name: "verify_token", Method: http.MethodGet, Path: "/auth/verify-token"}
	EndpointUserInfo           = Endpoint{Name: "user_info", Method: http.MethodGet, Path: "/auth/user-info"}
)

// Call is one request against an endpoint.
type Call struct {
	Endpoint Endpoint
	Body     any
}

// RecoveryState tracks the 401 recovery of one call.
type RecoveryState int

const (
	RecoveryNormal RecoveryState = iota
	RecoveryRetrying
	RecoveryRecovered
	RecoveryFailed
)

func (state RecoveryState) String() string {
	switch state {
	case RecoveryRetrying:
		return "retrying"
	case RecoveryRecovered:
		return "recovered"
	case RecoveryFailed:
		return "failed"
	default:
		return "normal"
	}
}
