package server

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	platformerrors "github.com/guildpoint/guildpoint/internal/platform/errors"
)

// Authorizer verifies a connection credential and returns the user id it
// asserts. Verification happens once, at the websocket upgrade.
type Authorizer interface {
	VerifyIdentity(ctx context.Context, token string) (string, error)
}

// jwtAuthorizer validates EdDSA-signed identity tokens issued by the platform
// auth service.
type jwtAuthorizer struct {
	issuer   string
	audience string
	key      ed25519.PublicKey
}

// NewJWTAuthorizer builds an Authorizer from the issuer, audience, and
// base64-encoded Ed25519 public key the auth service publishes.
func NewJWTAuthorizer(issuer, audience, publicKey string) (Authorizer, error) {
	issuer = strings.TrimSpace(issuer)
	audience = strings.TrimSpace(audience)
	if issuer == "" || audience == "" {
		return nil, fmt.Errorf("token issuer and audience are required")
	}
	keyBytes, err := base64.StdEncoding.DecodeString(strings.TrimSpace(publicKey))
	if err != nil {
		keyBytes, err = base64.RawURLEncoding.DecodeString(strings.TrimSpace(publicKey))
	}
	if err != nil {
		return nil, fmt.Errorf("decode token public key: %w", err)
	}
	if len(keyBytes) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("token public key must be %d bytes", ed25519.PublicKeySize)
	}
	return &jwtAuthorizer{
		issuer:   issuer,
		audience: audience,
		key:      ed25519.PublicKey(keyBytes),
	}, nil
}

func (a *jwtAuthorizer) VerifyIdentity(_ context.Context, token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", platformerrors.New(platformerrors.CodeAuthRequired, "identity token is required")
	}

	claims := jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return a.key, nil
	},
		jwt.WithValidMethods([]string{"EdDSA"}),
		jwt.WithIssuer(a.issuer),
		jwt.WithAudience(a.audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !parsed.Valid {
		return "", platformerrors.Wrap(platformerrors.CodeAuthRequired, "identity token rejected", err)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return "", platformerrors.New(platformerrors.CodeAuthRequired, "identity token has no subject")
	}
	return claims.Subject, nil
}
