// Package navigation names the client routes and the hook used to move between them.
package navigation

import (
	"net/url"
	"sync"

	"go.uber.org/zap"
)

// Route is a client-visible location.
type Route string

const (
	RouteSignup         Route = "/signup"
	RouteSignin         Route = "/signin"
	RouteVerify         Route = "/verify"
	RouteForgotPassword Route = "/forgot-password"
	RouteResetPassword  Route = "/reset-password"
	RouteDashboard      Route = "/dashboard"
)

// Reasons attached to forced navigation to the sign-in route.
const (
	ReasonInactivity      = "inactivity"
	ReasonSessionExpired  = "session_expired"
	ReasonUnauthenticated = "unauthenticated"
	ReasonUserLogout      = "logout"
)

// Protected reports whether the route requires an authenticated session.
func (route Route) Protected() bool {
	return route == RouteDashboard
}

// WithReason renders the route with a reason query parameter.
func (route Route) WithReason(reason string) string {
	if reason == "" {
		return string(route)
	}
	return string(route) + "?" + url.Values{"reason": []string{reason}}.Encode()
}

// Redirect records a navigation request.
type Redirect struct {
	Route  Route
	Reason string
}

// Navigator moves the user to a route.
type Navigator interface {
	Navigate(route Route, reason string)
}

// NavigatorFunc adapts a function to Navigator.
type NavigatorFunc func(route Route, reason string)

// Navigate implements Navigator.
func (navigate NavigatorFunc) Navigate(route Route, reason string) {
	if navigate == nil {
		return
	}
	navigate(route, reason)
}

// History is a Navigator that remembers every redirect and optionally logs it.
type History struct {
	mutex     sync.Mutex
	logger    *zap.Logger
	redirects []Redirect
}

// NewHistory constructs an empty History.
func NewHistory(logger *zap.Logger) *History {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &History{logger: logger}
}

// Navigate implements Navigator.
func (history *History) Navigate(route Route, reason string) {
	history.mutex.Lock()
	history.redirects = append(history.redirects, Redirect{Route: route, Reason: reason})
	history.mutex.Unlock()
	history.logger.Info("navigate", zap.String("route", route.WithReason(reason)))
}

// Redirects returns a copy of the recorded redirects.
func (history *History) Redirects() []Redirect {
	history.mutex.Lock()
	defer history.mutex.Unlock()
	clone := make([]Redirect, len(history.redirects))
	copy(clone, history.redirects)
	return clone
}

// Last returns the most recent redirect.
func (history *History) Last() (Redirect, bool) {
	history.mutex.Lock()
	defer history.mutex.Unlock()
	if len(history.redirects) == 0 {
		return Redirect{}, false
	}
	return history.redirects[len(history.redirects)-1], true
}

type noopNavigator struct{}

func (noopNavigator) Navigate(Route, string) {}

// OrNoop returns candidate or a navigator that ignores every request.
func OrNoop(candidate Navigator) Navigator {
	if candidate == nil {
		return noopNavigator{}
	}
	return candidate
}
