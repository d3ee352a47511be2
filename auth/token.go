// Package auth verifies the identity tokens presented at connect time.
// Credential checking and token issuance live in the account service; this
// module only validates signature and expiry and extracts the identity.
package auth

import (
	"fmt"
	"time"

	"agrichat/domain"
	apperrors "agrichat/errors"

	"github.com/golang-jwt/jwt/v5"
)

// CustomClaims defines the structure of the data stored inside the JWT.
type CustomClaims struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	jwt.RegisteredClaims
}

// Verifier validates tokens issued by the account service with a shared
// HS256 secret.
type Verifier struct {
	key []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{key: []byte(secret)}
}

// Verify parses and validates the token and returns the verified identity.
// Any failure maps to ErrAuth, which is fatal to the connection.
func (v *Verifier) Verify(tokenString string) (domain.Identity, error) {
	if tokenString == "" {
		return domain.Identity{}, apperrors.ErrAuth
	}

	token, err := jwt.ParseWithClaims(tokenString, &CustomClaims{}, func(token *jwt.Token) (interface{}, error) {
		return v.key, nil
	})
	if err != nil {
		return domain.Identity{}, fmt.Errorf("%w: %v", apperrors.ErrAuth, err)
	}

	claims, ok := token.Claims.(*CustomClaims)
	if !ok || !token.Valid || claims.UserID == "" {
		return domain.Identity{}, apperrors.ErrAuth
	}
	return domain.Identity{UserID: claims.UserID, DisplayName: claims.DisplayName}, nil
}

// GenerateToken creates a signed JWT for a specific user. The server never
// calls this; it exists for the provisioning tool and the test harness.
func GenerateToken(identity domain.Identity, secret string, duration time.Duration) (string, error) {
	expirationTime := time.Now().Add(duration)

	claims := &CustomClaims{
		UserID:      identity.UserID,
		DisplayName: identity.DisplayName,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expirationTime),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    "agrichat",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}
