// Package auth resolves bearer tokens issued by the external identity provider.
package auth

import (
	"errors"
	"fmt"
	"strings"

	"github.com/book-expert/speech-service/internal/core"
	"github.com/golang-jwt/jwt/v5"
)

const bearerPrefix = "Bearer "

// Error messages.
const (
	msgMissingHeader = "Missing authorization header"
	msgInvalidToken  = "Invalid or expired token"
)

var (
	// ErrMissingSubject indicates a token without the subject claim.
	ErrMissingSubject = errors.New("token has no subject")
	// ErrSecretRequired indicates a verifier without a signing secret.
	ErrSecretRequired = errors.New("jwt secret is required")
)

// Config configures token verification. Issuer and Audience are checked only when set.
type Config struct {
	Secret   string
	Issuer   string
	Audience string
}

// Verifier checks HS256 bearer tokens and maps them to callers.
type Verifier struct {
	secret  []byte
	options []jwt.ParserOption
}

// NewVerifier creates a verifier.
func NewVerifier(cfg Config) (*Verifier, error) {
	if cfg.Secret == "" {
		return nil, ErrSecretRequired
	}

	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}

	if cfg.Issuer != "" {
		options = append(options, jwt.WithIssuer(cfg.Issuer))
	}

	if cfg.Audience != "" {
		options = append(options, jwt.WithAudience(cfg.Audience))
	}

	return &Verifier{secret: []byte(cfg.Secret), options: options}, nil
}

// Resolve validates the Authorization header and returns the caller it identifies.
func (v *Verifier) Resolve(authorization, remoteAddr string) (core.Caller, error) {
	if authorization == "" {
		return core.Caller{}, core.NewError(core.KindUnauthorized, msgMissingHeader, nil)
	}

	tokenString, found := strings.CutPrefix(authorization, bearerPrefix)
	if !found || strings.TrimSpace(tokenString) == "" {
		return core.Caller{}, core.NewError(core.KindUnauthorized, msgMissingHeader, nil)
	}

	var claims jwt.RegisteredClaims

	token, err := jwt.ParseWithClaims(tokenString, &claims, v.keyFunc, v.options...)
	if err != nil || !token.Valid {
		return core.Caller{}, core.NewError(core.KindUnauthorized, msgInvalidToken, err)
	}

	if claims.Subject == "" {
		return core.Caller{}, core.NewError(core.KindUnauthorized, msgInvalidToken, ErrMissingSubject)
	}

	return core.Caller{OwnerID: claims.Subject, Token: tokenString, RemoteAddr: remoteAddr}, nil
}

func (v *Verifier) keyFunc(token *jwt.Token) (any, error) {
	if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}

	return v.secret, nil
}
