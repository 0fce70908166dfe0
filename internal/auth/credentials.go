package auth

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/voicebridge/voicebridge/internal/config"
	"golang.org/x/oauth2/google"
)

// Method identifies how a credential was obtained.
type Method string

const (
	// MethodEphemeral is a short-lived bearer token from the
	// service-account exchange.
	MethodEphemeral Method = "ephemeral"
	// MethodStatic is the long-lived API key from configuration.
	MethodStatic Method = "static"
)

// ErrNoCredentials is returned when neither an ephemeral token nor a static
// key is available for the requested path.
var ErrNoCredentials = errors.New("auth: no usable credentials")

// Credential is a way to authenticate the upstream transport open request.
type Credential struct {
	Method Method
	Token  string
}

// Supplier acquires upstream credentials. It performs no caching — ephemeral
// tokens are assumed short-lived, so every call is a fresh acquisition.
type Supplier struct {
	cfg config.Auth
}

// NewSupplier creates a supplier backed by the given auth configuration.
func NewSupplier(cfg config.Auth) *Supplier {
	return &Supplier{cfg: cfg}
}

// Acquire obtains a credential. With preferEphemeral it attempts the
// service-account exchange and returns an error on any failure, leaving the
// fallback decision to the caller. Without it, the static key is returned
// directly, or ErrNoCredentials when none is configured.
func (s *Supplier) Acquire(ctx context.Context, preferEphemeral bool) (Credential, error) {
	if preferEphemeral {
		return s.acquireEphemeral(ctx)
	}
	return s.acquireStatic()
}

func (s *Supplier) acquireEphemeral(ctx context.Context) (Credential, error) {
	if s.cfg.ServiceAccountFile == "" {
		return Credential{}, fmt.Errorf("%w: no service account configured", ErrNoCredentials)
	}

	data, err := os.ReadFile(s.cfg.ServiceAccountFile)
	if err != nil {
		return Credential{}, fmt.Errorf("auth: reading service account: %w", err)
	}

	creds, err := google.CredentialsFromJSON(ctx, data, s.cfg.TokenScope)
	if err != nil {
		return Credential{}, fmt.Errorf("auth: parsing service account: %w", err)
	}

	tok, err := creds.TokenSource.Token()
	if err != nil {
		return Credential{}, fmt.Errorf("auth: token exchange: %w", err)
	}
	if tok.AccessToken == "" {
		return Credential{}, errors.New("auth: exchange returned empty token")
	}

	return Credential{Method: MethodEphemeral, Token: tok.AccessToken}, nil
}

func (s *Supplier) acquireStatic() (Credential, error) {
	if s.cfg.APIKey == "" {
		return Credential{}, fmt.Errorf("%w: no API key configured", ErrNoCredentials)
	}
	return Credential{Method: MethodStatic, Token: s.cfg.APIKey}, nil
}
