// Package jwtauth validates and issues HS256 operator tokens.
package jwtauth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bissquit/epharmacy-notify/internal/pkg/httputil"
	"github.com/golang-jwt/jwt/v5"
)

// Operator roles.
const (
	RoleAdmin  = "admin"
	RoleViewer = "viewer"
)

// ErrMissingRole is returned for tokens without a role claim.
var ErrMissingRole = errors.New("token has no role claim")

// Config contains token settings.
type Config struct {
	Secret string
	Issuer string
	TTL    time.Duration
}

// Claims are the claims carried by operator tokens.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Authenticator validates and issues operator tokens.
type Authenticator struct {
	secret []byte
	issuer string
	ttl    time.Duration
	parser *jwt.Parser
}

// New creates a new Authenticator.
func New(cfg Config) *Authenticator {
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}

	return &Authenticator{
		secret: []byte(cfg.Secret),
		issuer: cfg.Issuer,
		ttl:    cfg.TTL,
		parser: jwt.NewParser(opts...),
	}
}

var _ httputil.TokenValidator = (*Authenticator)(nil)

// ValidateToken implements httputil.TokenValidator.
func (a *Authenticator) ValidateToken(_ context.Context, tokenString string) (httputil.Principal, error) {
	var claims Claims
	_, err := a.parser.ParseWithClaims(tokenString, &claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	})
	if err != nil {
		return httputil.Principal{}, fmt.Errorf("parse token: %w", err)
	}

	if claims.Role == "" {
		return httputil.Principal{}, ErrMissingRole
	}

	return httputil.Principal{Subject: claims.Subject, Role: claims.Role}, nil
}

// Issue signs a token for subject with role.
func (a *Authenticator) Issue(subject, role string) (string, error) {
	now := time.Now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
