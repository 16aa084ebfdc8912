package identitystub

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tyemirov/authsession/pkg/identitytoken"
)

// MintToken creates a signed HS256 artifact for user. use is identitytoken.UseAccess or
// identitytoken.UseIdentity.
func MintToken(user User, use string, issuer string, signingKey []byte, issuedAt time.Time, ttl time.Duration) (string, time.Time, error) {
	expiresAt := issuedAt.Add(ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, identitytoken.Claims{
		Email:         user.Email,
		Name:          user.Name,
		EmailVerified: user.Verified,
		TokenUse:      use,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt.Add(-30 * time.Second)),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})
	signed, err := token.SignedString(signingKey)
	return signed, expiresAt, err
}
