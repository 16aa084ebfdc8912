package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/tyemirov/authsession/internal/credentials"
	"github.com/tyemirov/authsession/pkg/identitytoken"
)

type tokenResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	IDToken      string `json:"idToken"`
	ExpiresIn    int64  `json:"expiresIn"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

func requestIDHook(ctx context.Context, request *http.Request, call Call) error {
	if request.Header.Get(headerRequestID) == "" {
		request.Header.Set(headerRequestID, uuid.NewString())
	}
	return nil
}

func (client *Client) attachCredentials(ctx context.Context, request *http.Request, call Call) error {
	stored, err := client.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("transport.attach: %w", err)
	}
	switch client.mode {
	case ModeBearer:
		if stored.Access.Value != "" {
			token := &oauth2.Token{AccessToken: stored.Access.Value, TokenType: "Bearer", Expiry: stored.Access.ExpiresAt}
			token.SetAuthHeader(request)
		}
	default:
		artifacts := map[string]credentials.Artifact{
			credentials.CookieAccess:   stored.Access,
			credentials.CookieIdentity: stored.Identity,
		}
		if call.Endpoint.CarriesRefresh() {
			artifacts[credentials.CookieRefresh] = stored.Refresh
		}
		for name, artifact := range artifacts {
			if artifact.Value != "" {
				request.AddCookie(&http.Cookie{Name: name, Value: artifact.Value})
			}
		}
	}
	return nil
}

func (client *Client) captureSession(ctx context.Context, exchange Exchange) error {
	if !exchange.Call.Endpoint.OpensSession() || exchange.Response.StatusCode >= http.StatusBadRequest {
		return nil
	}
	issued := client.credentialsFrom(exchange)
	if issued.IsZero() {
		return nil
	}
	if err := client.store.Save(ctx, issued); err != nil {
		return fmt.Errorf("transport.capture: %w", err)
	}
	return nil
}

func (client *Client) clearOnLogout(ctx context.Context, exchange Exchange) error {
	if exchange.Call.Endpoint != EndpointLogout {
		return nil
	}
	if err := client.store.Clear(ctx); err != nil {
		return fmt.Errorf("transport.clear: %w", err)
	}
	return nil
}

func (client *Client) logExchange(ctx context.Context, exchange Exchange) error {
	client.logger.Debug("identity api call",
		zap.String("endpoint", exchange.Call.Endpoint.Name),
		zap.String("method", exchange.Request.Method),
		zap.Int("status", exchange.Response.StatusCode),
		zap.String("request_id", exchange.Request.Header.Get(headerRequestID)),
		zap.Duration("duration", exchange.Duration),
	)
	return nil
}

// credentialsFrom reads artifacts from Set-Cookie headers and the JSON body. Body values
// win over cookies. Missing expiries come from the token's exp claim, then the defaults.
func (client *Client) credentialsFrom(exchange Exchange) credentials.Set {
	now := client.clock.Now()
	var issued credentials.Set
	for _, cookie := range exchange.Response.Cookies() {
		if cookie.Value == "" || cookie.MaxAge < 0 {
			continue
		}
		artifact := credentials.Artifact{Value: cookie.Value}
		switch {
		case cookie.MaxAge > 0:
			artifact.ExpiresAt = now.Add(time.Duration(cookie.MaxAge) * time.Second)
		case !cookie.Expires.IsZero():
			artifact.ExpiresAt = cookie.Expires.UTC()
		}
		switch cookie.Name {
		case credentials.CookieAccess:
			issued.Access = artifact
		case credentials.CookieRefresh:
			issued.Refresh = artifact
		case credentials.CookieIdentity:
			issued.Identity = artifact
		}
	}
	var payload tokenResponse
	if err := json.Unmarshal(exchange.Body, &payload); err == nil {
		var bodyExpiry time.Time
		if payload.ExpiresIn > 0 {
			bodyExpiry = now.Add(time.Duration(payload.ExpiresIn) * time.Second)
		}
		issued = issued.Merge(credentials.Set{
			Access:   credentials.Artifact{Value: payload.AccessToken, ExpiresAt: bodyExpiry},
			Refresh:  credentials.Artifact{Value: payload.RefreshToken},
			Identity: credentials.Artifact{Value: payload.IDToken, ExpiresAt: bodyExpiry},
		})
		if payload.ExpiresIn > 0 && issued.Access.ExpiresAt.IsZero() && issued.Access.Value != "" {
			issued.Access.ExpiresAt = bodyExpiry
		}
	}
	issued.Access = withTokenExpiry(issued.Access)
	issued.Identity = withTokenExpiry(issued.Identity)
	return issued.WithDefaults(now)
}

func withTokenExpiry(artifact credentials.Artifact) credentials.Artifact {
	if artifact.Value == "" || !artifact.ExpiresAt.IsZero() {
		return artifact
	}
	if expiresAt, ok := identitytoken.ExpiresAt(artifact.Value); ok {
		artifact.ExpiresAt = expiresAt
	}
	return artifact
}
