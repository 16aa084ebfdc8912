package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tyemirov/authsession/internal/autherr"
	"github.com/tyemirov/authsession/internal/credentials"
	"github.com/tyemirov/authsession/pkg/identitytoken"
)

// SignupRequest is the sign-up form submission.
type SignupRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
	BotToken string `json:"turnstileToken,omitempty"`
}

// SigninRequest is the sign-in form submission.
type SigninRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	BotToken string `json:"turnstileToken,omitempty"`
}

// GoogleSigninRequest carries a Google ID token bound to a nonce from GoogleNonce.
type GoogleSigninRequest struct {
	IDToken string `json:"googleIdToken"`
	Nonce   string `json:"nonce"`
}

type emailRequest struct {
	Email    string `json:"email"`
	BotToken string `json:"turnstileToken,omitempty"`
}

type verifyRequest struct {
	Email string `json:"email"`
	Code  string `json:"code"`
}

type resetRequest struct {
	Email       string `json:"email"`
	Code        string `json:"code"`
	NewPassword string `json:"newPassword"`
}

type messageResponse struct {
	Message string `json:"message"`
}

type userClaims struct {
	identitytoken.Profile
	Exp int64 `json:"exp"`
	Iat int64 `json:"iat"`
}

func (claims *userClaims) profile() *identitytoken.Profile {
	if claims == nil || (claims.Subject == "" && claims.Email == "") {
		return nil
	}
	profile := claims.Profile
	if claims.Exp > 0 {
		profile.ExpiresAt = time.Unix(claims.Exp, 0).UTC()
	}
	return &profile
}

type signinResponse struct {
	User    *userClaims `json:"user"`
	IDToken string      `json:"idToken"`
}

type nonceResponse struct {
	Nonce string `json:"nonce"`
}

type verifyTokenResponse struct {
	Authenticated bool `json:"authenticated"`
}

// IdentityClient exposes the identity API operations.
type IdentityClient struct {
	client *Client
}

// NewIdentityClient wraps client.
func NewIdentityClient(client *Client) *IdentityClient {
	return &IdentityClient{client: client}
}

// Client returns the underlying transport.
func (identity *IdentityClient) Client() *Client {
	return identity.client
}

// Signup registers an account. The server answers with a confirmation message.
func (identity *IdentityClient) Signup(ctx context.Context, request SignupRequest) (string, error) {
	return identity.message(ctx, Call{Endpoint: EndpointSignup, Body: request})
}

// Verify confirms an email address with a one-time code.
func (identity *IdentityClient) Verify(ctx context.Context, email string, code string) (string, error) {
	return identity.message(ctx, Call{Endpoint: EndpointVerify, Body: verifyRequest{Email: email, Code: code}})
}

// ResendVerification asks for a fresh verification code.
func (identity *IdentityClient) ResendVerification(ctx context.Context, email string) (string, error) {
	return identity.message(ctx, Call{Endpoint: EndpointResendVerification, Body: emailRequest{Email: email}})
}

// ForgotPassword starts a password reset.
func (identity *IdentityClient) ForgotPassword(ctx context.Context, email string, botToken string) (string, error) {
	return identity.message(ctx, Call{Endpoint: EndpointForgotPassword, Body: emailRequest{Email: email, BotToken: botToken}})
}

// ResetPassword completes a password reset with a one-time code.
func (identity *IdentityClient) ResetPassword(ctx context.Context, email string, code string, newPassword string) (string, error) {
	return identity.message(ctx, Call{Endpoint: EndpointResetPassword, Body: resetRequest{Email: email, Code: code, NewPassword: newPassword}})
}

// Signin authenticates and stores the issued artifacts. The profile comes from the user
// object of the response, or from the identity artifact when the server omits it.
func (identity *IdentityClient) Signin(ctx context.Context, request SigninRequest) (*identitytoken.Profile, error) {
	return identity.startSession(ctx, Call{Endpoint: EndpointSignin, Body: request}, request.Email)
}

// GoogleNonce obtains a one-time nonce to pass to Google Sign-In.
func (identity *IdentityClient) GoogleNonce(ctx context.Context) (string, error) {
	var response nonceResponse
	if err := identity.client.Do(ctx, Call{Endpoint: EndpointGoogleNonce}, &response); err != nil {
		return "", err
	}
	if strings.TrimSpace(response.Nonce) == "" {
		return "", autherr.Unknown(fmt.Errorf("transport.google_nonce: empty nonce")).
			WithMessage(autherr.UserMessage("parse error"))
	}
	return response.Nonce, nil
}

// GoogleSignin exchanges a Google ID token for a session and stores the issued artifacts.
func (identity *IdentityClient) GoogleSignin(ctx context.Context, request GoogleSigninRequest) (*identitytoken.Profile, error) {
	return identity.startSession(ctx, Call{Endpoint: EndpointGoogleSignin, Body: request}, "")
}

func (identity *IdentityClient) startSession(ctx context.Context, call Call, email string) (*identitytoken.Profile, error) {
	var response signinResponse
	if err := identity.client.Do(ctx, call, &response); err != nil {
		return nil, err
	}
	if profile := response.User.profile(); profile != nil {
		return profile, nil
	}
	if profile := identity.storedProfile(ctx, response.IDToken); profile != nil {
		return profile, nil
	}
	return &identitytoken.Profile{Email: strings.TrimSpace(email)}, nil
}

// Logout ends the server session. Local credentials are cleared even when the call fails.
func (identity *IdentityClient) Logout(ctx context.Context) error {
	err := identity.client.Do(ctx, Call{Endpoint: EndpointLogout}, nil)
	if err != nil {
		if clearErr := identity.client.store.Clear(ctx); clearErr != nil {
			return autherr.Normalize(errors.Join(err, clearErr))
		}
	}
	return err
}

// VerifyToken asks the server whether the current access artifact is valid.
func (identity *IdentityClient) VerifyToken(ctx context.Context) (bool, error) {
	var response verifyTokenResponse
	if err := identity.client.Do(ctx, Call{Endpoint: EndpointVerifyToken}, &response); err != nil {
		return false, err
	}
	return response.Authenticated, nil
}

// UserInfo loads the profile of the current session.
func (identity *IdentityClient) UserInfo(ctx context.Context) (*identitytoken.Profile, error) {
	var response userClaims
	if err := identity.client.Do(ctx, Call{Endpoint: EndpointUserInfo}, &response); err != nil {
		return nil, err
	}
	profile := response.profile()
	if profile == nil {
		return nil, autherr.Unknown(fmt.Errorf("transport.user_info: empty profile")).
			WithMessage(autherr.UserMessage("parse error"))
	}
	return profile, nil
}

// CheckSession resolves the profile of a session restored from stored credentials. It
// returns ErrNoSession without a network call when nothing is stored.
func (identity *IdentityClient) CheckSession(ctx context.Context) (*identitytoken.Profile, error) {
	store := identity.client.store
	if !store.HasAccess(ctx) && !store.HasRefresh(ctx) {
		return nil, ErrNoSession
	}
	return identity.UserInfo(ctx)
}

// RefreshCredentials performs one refresh call without touching the store.
func (identity *IdentityClient) RefreshCredentials(ctx context.Context) (credentials.Set, error) {
	return identity.client.RefreshCredentials(ctx)
}

func (identity *IdentityClient) message(ctx context.Context, call Call) (string, error) {
	var response messageResponse
	if err := identity.client.Do(ctx, call, &response); err != nil {
		return "", err
	}
	return response.Message, nil
}

func (identity *IdentityClient) storedProfile(ctx context.Context, bodyToken string) *identitytoken.Profile {
	tokenValue := bodyToken
	if tokenValue == "" {
		stored, err := identity.client.store.Load(ctx)
		if err != nil {
			return nil
		}
		tokenValue = stored.Identity.Value
	}
	profile, err := identitytoken.DecodeProfile(tokenValue)
	if err != nil {
		return nil
	}
	return profile
}
