package identitystub

import (
	"net/http"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/gin-gonic/gin"
)

// Counter names recorded through MetricsRecorder.
const (
	MetricSignup           = "signup.success"
	MetricVerify           = "verify.success"
	MetricSigninSuccess    = "signin.success"
	MetricSigninFailure    = "signin.failure"
	MetricRefreshSuccess   = "refresh.success"
	MetricRefreshFailure   = "refresh.failure"
	MetricLogout           = "logout.success"
	MetricResendThrottled  = "resend.throttled"
	MetricBotCheckRejected = "botcheck.rejected"
	MetricGoogleSuccess    = "google.success"
	MetricGoogleFailure    = "google.failure"
)

// MetricsRecorder increments counters for auth events.
type MetricsRecorder interface {
	Increment(event string)
}

type noopMetrics struct{}

func (noopMetrics) Increment(string) {}

// RouteCounters counts identity API events. Every known event is reported, including
// those that never happened, so dashboards see a stable set of series.
type RouteCounters struct {
	mutex    sync.RWMutex
	counters map[string]*atomic.Int64
}

// NewRouteCounters constructs counters preloaded with the known events.
func NewRouteCounters() *RouteCounters {
	counters := &RouteCounters{counters: make(map[string]*atomic.Int64)}
	for _, event := range []string{
		MetricSignup, MetricVerify, MetricSigninSuccess, MetricSigninFailure,
		MetricRefreshSuccess, MetricRefreshFailure, MetricLogout,
		MetricResendThrottled, MetricBotCheckRejected,
		MetricGoogleSuccess, MetricGoogleFailure,
	} {
		counters.counters[event] = &atomic.Int64{}
	}
	return counters
}

// Increment implements MetricsRecorder.
func (counters *RouteCounters) Increment(event string) {
	counters.counter(event).Add(1)
}

// Count returns the value of event.
func (counters *RouteCounters) Count(event string) int64 {
	counters.mutex.RLock()
	defer counters.mutex.RUnlock()
	if counter, ok := counters.counters[event]; ok {
		return counter.Load()
	}
	return 0
}

// Events lists the counter names in order.
func (counters *RouteCounters) Events() []string {
	counters.mutex.RLock()
	defer counters.mutex.RUnlock()
	events := make([]string, 0, len(counters.counters))
	for event := range counters.counters {
		events = append(events, event)
	}
	sort.Strings(events)
	return events
}

// Snapshot copies every counter.
func (counters *RouteCounters) Snapshot() map[string]int64 {
	counters.mutex.RLock()
	defer counters.mutex.RUnlock()
	clone := make(map[string]int64, len(counters.counters))
	for event, counter := range counters.counters {
		clone[event] = counter.Load()
	}
	return clone
}

// Handler serves the snapshot as JSON.
func (counters *RouteCounters) Handler() gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		contextGin.JSON(http.StatusOK, counters.Snapshot())
	}
}

func (counters *RouteCounters) counter(event string) *atomic.Int64 {
	counters.mutex.RLock()
	counter, ok := counters.counters[event]
	counters.mutex.RUnlock()
	if ok {
		return counter
	}
	counters.mutex.Lock()
	defer counters.mutex.Unlock()
	if counter, ok = counters.counters[event]; !ok {
		counter = &atomic.Int64{}
		counters.counters[event] = counter
	}
	return counter
}
