// Package transport issues identity API calls and recovers once from an expired access
// artifact before declaring the session lost.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tyemirov/authsession/internal/autherr"
	"github.com/tyemirov/authsession/internal/clock"
	"github.com/tyemirov/authsession/internal/credentials"
	"github.com/tyemirov/authsession/internal/navigation"
)

// Mode selects how credentials travel to the identity API.
type Mode string

const (
	// ModeCookie sends artifacts as httpOnly cookies.
	ModeCookie Mode = "cookie"
	// ModeBearer sends the access artifact as an Authorization header and the refresh
	// artifact in the refresh request body.
	ModeBearer Mode = "bearer"
)

const (
	defaultRequestTimeout = 15 * time.Second
	maxResponseBytes      = 1 << 20
	headerRequestID       = "X-Request-ID"
)

var (
	// ErrNoSession reports that no credential is stored, so there is no session to check.
	ErrNoSession = errors.New("transport.no_session")

	errMissingBaseURL           = errors.New("transport.config.missing_base_url")
	errMissingStore             = errors.New("transport.config.missing_store")
	errUnsupportedMode          = errors.New("transport.config.unsupported_mode")
	errNoRefreshArtifact        = errors.New("transport.refresh.no_refresh_artifact")
	errMissingAccessArtifact    = errors.New("transport.refresh.missing_access_artifact")
	errRecoveryUnavailable      = errors.New("transport.recovery.unavailable")
	errUnauthorizedAfterRefresh = errors.New("transport.recovery.unauthorized_after_refresh")
)

// Refresher renews credentials. The lifecycle manager implements it.
type Refresher interface {
	Refresh(ctx context.Context) (credentials.Set, error)
}

// SessionLostHandler is told when recovery failed and the session must end.
type SessionLostHandler func(ctx context.Context, reason string)

// BeforeRequest mutates an outgoing request.
type BeforeRequest func(ctx context.Context, request *http.Request, call Call) error

// Exchange is a completed request with its fully read body.
type Exchange struct {
	Call     Call
	Request  *http.Request
	Response *http.Response
	Body     []byte
	Duration time.Duration
}

// AfterResponse observes a completed exchange.
type AfterResponse func(ctx context.Context, exchange Exchange) error

// Config configures a Client.
type Config struct {
	BaseURL       string
	Mode          Mode
	Store         credentials.Store
	HTTPClient    *http.Client
	Timeout       time.Duration
	Clock         clock.Clock
	Logger        *zap.Logger
	BeforeRequest []BeforeRequest
	AfterResponse []AfterResponse
}

// Client issues identity API calls through an explicit middleware chain.
type Client struct {
	baseURL    string
	mode       Mode
	store      credentials.Store
	httpClient *http.Client
	clock      clock.Clock
	logger     *zap.Logger
	before     []BeforeRequest
	after      []AfterResponse

	mutex     sync.RWMutex
	refresher Refresher
	onLost    SessionLostHandler
}

// New validates configuration and builds a Client with the default middleware chain.
func New(config Config) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(config.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("transport.new: %w", errMissingBaseURL)
	}
	if config.Store == nil {
		return nil, fmt.Errorf("transport.new: %w", errMissingStore)
	}
	mode := config.Mode
	if mode == "" {
		mode = ModeCookie
	}
	if mode != ModeCookie && mode != ModeBearer {
		return nil, fmt.Errorf("transport.new.%s: %w", mode, errUnsupportedMode)
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	httpClient := config.HTTPClient
	if httpClient == nil {
		timeout := config.Timeout
		if timeout <= 0 {
			timeout = defaultRequestTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	client := &Client{
		baseURL:    baseURL,
		mode:       mode,
		store:      config.Store,
		httpClient: httpClient,
		clock:      clock.OrSystem(config.Clock),
		logger:     logger,
	}
	client.before = append([]BeforeRequest{requestIDHook, client.attachCredentials}, config.BeforeRequest...)
	client.after = append([]AfterResponse{client.logExchange, client.captureSession, client.clearOnLogout}, config.AfterResponse...)
	return client, nil
}

// Mode reports how credentials are sent.
func (client *Client) Mode() Mode {
	return client.mode
}

// UseRecovery installs the refresher consulted on 401 and the handler told when recovery fails.
func (client *Client) UseRecovery(refresher Refresher, onLost SessionLostHandler) {
	client.mutex.Lock()
	defer client.mutex.Unlock()
	client.refresher = refresher
	client.onLost = onLost
}

// Do issues call and decodes a successful JSON response into out, which may be nil.
// A 401 on a non-auth endpoint is recovered at most once per call: the refresher runs and
// the call is replayed. A failed refresh or a second 401 ends the session.
func (client *Client) Do(ctx context.Context, call Call, out any) error {
	state := RecoveryNormal
	for {
		exchange, err := client.roundTrip(ctx, call)
		if err != nil {
			return autherr.Normalize(err)
		}
		status := exchange.Response.StatusCode
		if status == http.StatusUnauthorized && !call.Endpoint.IsAuth() {
			if state == RecoveryRecovered {
				return client.fail(ctx, call, errUnauthorizedAfterRefresh)
			}
			state = client.transition(call, state, RecoveryRetrying)
			if refreshErr := client.recover(ctx); refreshErr != nil {
				return client.fail(ctx, call, refreshErr)
			}
			state = client.transition(call, state, RecoveryRecovered)
			continue
		}
		if status >= http.StatusBadRequest {
			return statusError(call.Endpoint, exchange)
		}
		if out == nil || len(bytes.TrimSpace(exchange.Body)) == 0 {
			return nil
		}
		if decodeErr := json.Unmarshal(exchange.Body, out); decodeErr != nil {
			return autherr.Unknown(fmt.Errorf("transport.decode.%s: %w", call.Endpoint.Name, decodeErr)).
				WithMessage(autherr.UserMessage("parse error"))
		}
		return nil
	}
}

// RefreshCredentials performs one refresh call and returns the artifacts it carried. It
// never writes the store; the caller merges the result.
func (client *Client) RefreshCredentials(ctx context.Context) (credentials.Set, error) {
	stored, err := client.store.Load(ctx)
	if err != nil {
		return credentials.Set{}, autherr.Normalize(fmt.Errorf("transport.refresh.load: %w", err))
	}
	if stored.Refresh.Value == "" {
		return credentials.Set{}, autherr.SessionExpired(errNoRefreshArtifact)
	}
	call := Call{Endpoint: EndpointRefresh}
	if client.mode == ModeBearer {
		call.Body = refreshRequest{RefreshToken: stored.Refresh.Value}
	}
	exchange, err := client.roundTrip(ctx, call)
	if err != nil {
		return credentials.Set{}, autherr.Normalize(err)
	}
	status := exchange.Response.StatusCode
	if status == http.StatusUnauthorized || status == http.StatusBadRequest || status == http.StatusForbidden {
		return credentials.Set{}, autherr.SessionExpired(newStatusCause(exchange))
	}
	if status >= http.StatusBadRequest {
		return credentials.Set{}, statusError(call.Endpoint, exchange)
	}
	renewed := client.credentialsFrom(exchange)
	if renewed.Access.Value == "" {
		return credentials.Set{}, autherr.Unknown(errMissingAccessArtifact)
	}
	return renewed, nil
}

func (client *Client) recover(ctx context.Context) error {
	client.mutex.RLock()
	refresher := client.refresher
	client.mutex.RUnlock()
	if refresher == nil {
		return errRecoveryUnavailable
	}
	_, err := refresher.Refresh(ctx)
	return err
}

func (client *Client) fail(ctx context.Context, call Call, cause error) error {
	client.transition(call, RecoveryRetrying, RecoveryFailed)
	client.mutex.RLock()
	onLost := client.onLost
	client.mutex.RUnlock()
	if onLost != nil {
		onLost(ctx, navigation.ReasonSessionExpired)
	}
	return autherr.SessionExpired(fmt.Errorf("transport.recovery.%s: %w", call.Endpoint.Name, cause))
}

func (client *Client) transition(call Call, from RecoveryState, to RecoveryState) RecoveryState {
	client.logger.Debug("transport recovery",
		zap.String("code", "transport.recovery."+to.String()),
		zap.String("endpoint", call.Endpoint.Name),
		zap.String("from", from.String()),
	)
	return to
}

func (client *Client) roundTrip(ctx context.Context, call Call) (Exchange, error) {
	var payload io.Reader
	if call.Body != nil {
		encoded, err := json.Marshal(call.Body)
		if err != nil {
			return Exchange{}, fmt.Errorf("transport.encode.%s: %w", call.Endpoint.Name, err)
		}
		payload = bytes.NewReader(encoded)
	}
	request, err := http.NewRequestWithContext(ctx, call.Endpoint.Method, client.baseURL+call.Endpoint.Path, payload)
	if err != nil {
		return Exchange{}, fmt.Errorf("transport.request.%s: %w", call.Endpoint.Name, err)
	}
	request.Header.Set("Accept", "application/json")
	if payload != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	for _, hook := range client.before {
		if hookErr := hook(ctx, request, call); hookErr != nil {
			return Exchange{}, fmt.Errorf("transport.before.%s: %w", call.Endpoint.Name, hookErr)
		}
	}
	started := client.clock.Now()
	response, err := client.httpClient.Do(request)
	if err != nil {
		return Exchange{}, fmt.Errorf("transport.send.%s: %w", call.Endpoint.Name, err)
	}
	defer response.Body.Close()
	body, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if err != nil {
		return Exchange{}, fmt.Errorf("transport.read.%s: %w", call.Endpoint.Name, err)
	}
	exchange := Exchange{
		Call:     call,
		Request:  request,
		Response: response,
		Body:     body,
		Duration: client.clock.Now().Sub(started),
	}
	for _, hook := range client.after {
		if hookErr := hook(ctx, exchange); hookErr != nil {
			return Exchange{}, fmt.Errorf("transport.after.%s: %w", call.Endpoint.Name, hookErr)
		}
	}
	return exchange, nil
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type statusCause struct {
	status  int
	message string
}

func (cause *statusCause) Error() string {
	return fmt.Sprintf("transport.status.%d: %s", cause.status, cause.message)
}

func newStatusCause(exchange Exchange) *statusCause {
	var payload errorResponse
	_ = json.Unmarshal(exchange.Body, &payload)
	message := payload.Error
	if message == "" {
		message = payload.Message
	}
	return &statusCause{status: exchange.Response.StatusCode, message: message}
}

func statusError(endpoint Endpoint, exchange Exchange) error {
	cause := newStatusCause(exchange)
	switch status := cause.status; {
	case status == http.StatusTooManyRequests:
		return autherr.RateLimit(retryAfter(exchange.Response.Header.Get("Retry-After")), cause)
	case status >= http.StatusInternalServerError:
		return autherr.Unknown(cause).WithMessage(autherr.MessageServer)
	case endpoint.IsAuth():
		fallback := autherr.UserMessage(http.StatusText(status))
		if status == http.StatusUnauthorized {
			fallback = ""
		}
		message := autherr.SafeServerMessage(cause.message, fallback)
		return autherr.Authentication(message, cause)
	default:
		message := autherr.SafeServerMessage(cause.message, autherr.UserMessage(http.StatusText(status)))
		return autherr.Unknown(cause).WithMessage(message)
	}
}

func retryAfter(header string) time.Duration {
	seconds, err := strconv.Atoi(strings.TrimSpace(header))
	if err != nil || seconds <= 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}
