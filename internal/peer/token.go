package peer

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrTokenExpired      = errors.New("token expired")
	ErrTokenInvalid      = errors.New("token invalid")
	ErrUnrecognizedToken = errors.New("unrecognized token")
)

const issuer = "chatsync-peer"

type AuthClaims struct {
	Username string
	jwt.RegisteredClaims
}

func NewClaim(username string, exp time.Time) *AuthClaims {
	return &AuthClaims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(exp),
			Issuer:    issuer,
		},
	}
}

// NewToken signs a token identifying username that expires after expiration.
func NewToken(username string, expiration time.Duration, secret []byte) (string, time.Time, error) {
	exp := time.Now().Add(expiration)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, NewClaim(username, exp))

	signed, err := token.SignedString(secret)
	if err != nil {
		return "", exp, err
	}
	return signed, exp, nil
}

func VerifyToken(token string, secret []byte) (*AuthClaims, error) {
	claims := &AuthClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(token *jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}), jwt.WithIssuer(issuer))

	switch {
	case err == nil && parsed.Valid:
		return claims, nil
	case errors.Is(err, jwt.ErrTokenMalformed):
		return nil, ErrTokenInvalid
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return nil, ErrTokenInvalid
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrTokenExpired
	default:
		return nil, ErrUnrecognizedToken
	}
}
