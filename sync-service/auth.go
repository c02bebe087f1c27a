package main

import (
	"fmt"
	"os"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/golang-jwt/jwt/v5"
)

// identity is the authenticated principal behind a websocket connection.
type identity struct {
	UserID   string
	Username string
}

// tokenValidator checks a bearer token and extracts the caller's identity.
type tokenValidator interface {
	Validate(token string) (identity, error)
}

// jwksValidator validates RS256 tokens against an identity provider's JWKS
// endpoint, refreshing keys in the background.
type jwksValidator struct {
	jwks *keyfunc.JWKS
}

func newJWKSValidator(jwksURL string) (*jwksValidator, error) {
	jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{
		RefreshInterval:  time.Hour,
		RefreshRateLimit: 5 * time.Minute,
		RefreshErrorHandler: func(err error) {
			fmt.Fprintf(os.Stderr, "jwks refresh: %v\n", err)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("fetching JWKS from %s: %w", jwksURL, err)
	}
	return &jwksValidator{jwks: jwks}, nil
}

func (v *jwksValidator) Validate(token string) (identity, error) {
	return parseIdentity(token, v.jwks.Keyfunc, jwt.WithValidMethods([]string{"RS256"}))
}

func (v *jwksValidator) Close() { v.jwks.EndBackground() }

// hmacValidator validates HS256 tokens with a shared secret. Used in
// single-node deployments without an identity provider.
type hmacValidator struct {
	secret []byte
}

func newHMACValidator(secret string) *hmacValidator {
	return &hmacValidator{secret: []byte(secret)}
}

func (v *hmacValidator) Validate(token string) (identity, error) {
	return parseIdentity(token, func(*jwt.Token) (any, error) { return v.secret, nil },
		jwt.WithValidMethods([]string{"HS256"}))
}

func parseIdentity(token string, kf jwt.Keyfunc, opts ...jwt.ParserOption) (identity, error) {
	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, kf, append(opts, jwt.WithExpirationRequired())...)
	if err != nil {
		return identity{}, fmt.Errorf("parsing token: %w", err)
	}
	if !parsed.Valid {
		return identity{}, fmt.Errorf("invalid token")
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return identity{}, fmt.Errorf("token missing sub claim")
	}
	username, _ := claims["preferred_username"].(string)
	if username == "" {
		username = sub
	}
	return identity{UserID: sub, Username: username}, nil
}

// newValidatorFromEnv picks JWKS validation when AUTH_JWKS_URL is set,
// falling back to the shared-secret mode on AUTH_HMAC_SECRET.
func newValidatorFromEnv() (tokenValidator, error) {
	if url := os.Getenv("AUTH_JWKS_URL"); url != "" {
		return newJWKSValidator(url)
	}
	if secret := os.Getenv("AUTH_HMAC_SECRET"); secret != "" {
		return newHMACValidator(secret), nil
	}
	return nil, fmt.Errorf("neither AUTH_JWKS_URL nor AUTH_HMAC_SECRET is set")
}
