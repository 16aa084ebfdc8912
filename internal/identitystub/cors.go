package identitystub

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var (
	errWildcardOrigin      = errors.New("cors: wildcard origin not allowed when credentials are enabled")
	errEmptyAllowedOrigins = errors.New("cors: no explicit origins provided")
	errInvalidOrigin       = errors.New("cors: invalid origin format")
)

// Request headers the client sends and response headers it must be able to read.
var (
	corsRequestHeaders  = []string{"Content-Type", "Authorization", headerRequestID}
	corsExposedHeaders  = []string{headerRetryAfter, headerRequestID}
	corsPreflightMaxAge = 12 * time.Hour
)

// ConfigureCORS lets browser clients on allowedOrigins call the auth routes with
// credentials. Methods follow the mounted routes.
func ConfigureCORS(logger *zap.Logger, allowedOrigins []string) (gin.HandlerFunc, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	origins, err := normalizeOrigins(logger, allowedOrigins)
	if err != nil {
		return nil, err
	}
	configuration := cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     append(AuthRouteMethods(), http.MethodOptions),
		AllowHeaders:     corsRequestHeaders,
		ExposeHeaders:    corsExposedHeaders,
		AllowCredentials: true,
		MaxAge:           corsPreflightMaxAge,
	}
	if validateErr := configuration.Validate(); validateErr != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidOrigin, validateErr)
	}
	return cors.New(configuration), nil
}

// normalizeOrigins keeps the first occurrence of every scheme://host pair in the order given.
func normalizeOrigins(logger *zap.Logger, allowed []string) ([]string, error) {
	seen := make(map[string]struct{}, len(allowed))
	origins := make([]string, 0, len(allowed))
	for _, raw := range allowed {
		origin, insecure, err := parseOrigin(strings.TrimSpace(raw))
		if err != nil {
			return nil, err
		}
		if origin == "" {
			continue
		}
		if _, duplicate := seen[origin]; duplicate {
			continue
		}
		seen[origin] = struct{}{}
		if insecure {
			logger.Warn("plain http cors origin outside loopback",
				zap.String("code", "identitystub.cors.insecure_origin"),
				zap.String("origin", origin))
		}
		origins = append(origins, origin)
	}
	if len(origins) == 0 {
		return nil, errEmptyAllowedOrigins
	}
	return origins, nil
}

// parseOrigin returns the canonical origin and whether it is plain http to a non-loopback host.
func parseOrigin(raw string) (string, bool, error) {
	switch raw {
	case "":
		return "", false, nil
	case "*":
		return "", false, errWildcardOrigin
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" || parsed.User != nil {
		return "", false, fmt.Errorf("%w: %s", errInvalidOrigin, raw)
	}
	if strings.Trim(parsed.Path, "/") != "" || parsed.RawQuery != "" || parsed.Fragment != "" {
		return "", false, fmt.Errorf("%w: %s must be scheme and host only", errInvalidOrigin, raw)
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "https" && scheme != "http" {
		return "", false, fmt.Errorf("%w: %s uses unsupported scheme", errInvalidOrigin, raw)
	}
	origin := scheme + "://" + strings.ToLower(parsed.Host)
	return origin, scheme == "http" && !isLoopback(parsed.Hostname()), nil
}

func isLoopback(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
