// ABOUTME: Registration token verification: HS256 JWTs or a static shared secret.
// ABOUTME: The shared-token hook is optional; a nil verifier admits everyone.

package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token errors.
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingToken = errors.New("missing token")
)

// Verifier checks the token presented in an agent's registration frame and
// returns the authenticated subject.
type Verifier interface {
	Verify(token string) (subject string, err error)
}

// JWTVerifier accepts HS256-signed JWTs and reports the "sub" claim as the
// subject. Tokens without a subject still verify; the subject is then empty.
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a verifier over the given HMAC secret.
func NewJWTVerifier(secret []byte) *JWTVerifier {
	return &JWTVerifier{secret: secret}
}

// Verify validates signature and expiry, then extracts the subject claim.
func (v *JWTVerifier) Verify(tokenString string) (string, error) {
	if tokenString == "" {
		return "", ErrMissingToken
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredToken
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return "", ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", ErrInvalidToken
	}
	subject, _ := claims["sub"].(string)
	return subject, nil
}

// IssueToken mints an HS256 token for an agent, for operators provisioning
// credentials out of band.
func (v *JWTVerifier) IssueToken(subject string, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"sub": subject,
		"iat": time.Now().Unix(),
	}
	if ttl > 0 {
		claims["exp"] = time.Now().Add(ttl).Unix()
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}

// StaticVerifier compares the presented token against one shared secret in
// constant time. The subject is always empty.
type StaticVerifier struct {
	secret []byte
}

// NewStaticVerifier creates a shared-secret verifier.
func NewStaticVerifier(secret string) *StaticVerifier {
	return &StaticVerifier{secret: []byte(secret)}
}

// Verify compares tokens without leaking content through timing.
func (v *StaticVerifier) Verify(token string) (string, error) {
	if token == "" {
		return "", ErrMissingToken
	}
	if subtle.ConstantTimeCompare([]byte(token), v.secret) != 1 {
		return "", ErrInvalidToken
	}
	return "", nil
}
