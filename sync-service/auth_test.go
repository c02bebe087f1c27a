package main

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signHS256(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	return token
}

func TestHMACValidator(t *testing.T) {
	v := newHMACValidator("sekrit")
	now := time.Now()

	tests := []struct {
		name    string
		token   string
		wantErr bool
		want    identity
	}{
		{
			"valid token",
			signHS256(t, "sekrit", jwt.MapClaims{
				"sub":                "u-1",
				"preferred_username": "alice",
				"exp":                now.Add(time.Hour).Unix(),
			}),
			false,
			identity{UserID: "u-1", Username: "alice"},
		},
		{
			"username falls back to sub",
			signHS256(t, "sekrit", jwt.MapClaims{
				"sub": "u-2",
				"exp": now.Add(time.Hour).Unix(),
			}),
			false,
			identity{UserID: "u-2", Username: "u-2"},
		},
		{
			"expired",
			signHS256(t, "sekrit", jwt.MapClaims{
				"sub": "u-1",
				"exp": now.Add(-time.Hour).Unix(),
			}),
			true,
			identity{},
		},
		{
			"missing expiry",
			signHS256(t, "sekrit", jwt.MapClaims{"sub": "u-1"}),
			true,
			identity{},
		},
		{
			"missing sub",
			signHS256(t, "sekrit", jwt.MapClaims{"exp": now.Add(time.Hour).Unix()}),
			true,
			identity{},
		},
		{
			"wrong secret",
			signHS256(t, "other", jwt.MapClaims{
				"sub": "u-1",
				"exp": now.Add(time.Hour).Unix(),
			}),
			true,
			identity{},
		},
		{
			"garbage",
			"not.a.token",
			true,
			identity{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := v.Validate(tt.token)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("Validate() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestValidatorFromEnv_Unconfigured(t *testing.T) {
	t.Setenv("AUTH_JWKS_URL", "")
	t.Setenv("AUTH_HMAC_SECRET", "")
	if _, err := newValidatorFromEnv(); err == nil {
		t.Error("expected error with no auth configuration")
	}
}

func TestValidatorFromEnv_HMAC(t *testing.T) {
	t.Setenv("AUTH_JWKS_URL", "")
	t.Setenv("AUTH_HMAC_SECRET", "sekrit")
	v, err := newValidatorFromEnv()
	if err != nil {
		t.Fatalf("newValidatorFromEnv: %v", err)
	}
	if _, ok := v.(*hmacValidator); !ok {
		t.Errorf("validator type = %T, want *hmacValidator", v)
	}
}
