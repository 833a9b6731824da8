package identity

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// OAuthClaims are the claims of the access token returned by the OAuth
// provider redirect.
type OAuthClaims struct {
	jwt.RegisteredClaims
	Email        string `json:"email"`
	UserMetadata struct {
		Username string `json:"username"`
		FullName string `json:"full_name"`
	} `json:"user_metadata"`
}

// OAuthVerifier checks HS256 access tokens signed with a shared secret.
type OAuthVerifier struct {
	secret []byte
}

func NewOAuthVerifier(secret string) *OAuthVerifier {
	return &OAuthVerifier{secret: []byte(secret)}
}

// Verify parses and validates token. Expiry is mandatory and the token
// must carry a subject and an email.
func (v *OAuthVerifier) Verify(token string) (*OAuthClaims, error) {
	claims := &OAuthClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("verify access token: %w", err)
	}
	if !parsed.Valid {
		return nil, errors.New("verify access token: token invalid")
	}
	if claims.Subject == "" || claims.Email == "" {
		return nil, errors.New("verify access token: missing sub or email claim")
	}
	return claims, nil
}

// DisplayName picks a username for a new OAuth account.
func (c *OAuthClaims) DisplayName() string {
	switch {
	case c.UserMetadata.Username != "":
		return c.UserMetadata.Username
	case c.UserMetadata.FullName != "":
		return c.UserMetadata.FullName
	}
	if at := strings.Index(c.Email, "@"); at > 0 {
		return c.Email[:at]
	}
	return c.Email
}
