package auth

import (
	"context"

	"github.com/golang-jwt/jwt/v5"

	"github.com/slooh/slooh/internal/domain"
	"github.com/slooh/slooh/internal/errors"
)

// tokenTypeAccess is the only token type a connection may present;
// refresh and verification tokens are not connection credentials.
const tokenTypeAccess = "ACCESS"

type Config struct {
	Secret string
}

// Verifier resolves signed connection tokens to account identities.
// Token issuance lives in the identity service; this side only verifies.
type Verifier struct {
	secret []byte
}

func NewVerifier(c Config) *Verifier {
	return &Verifier{secret: []byte(c.Secret)}
}

type claims struct {
	Type    string `json:"type"`
	Name    string `json:"name,omitempty"`
	Picture string `json:"picture,omitempty"`
	jwt.RegisteredClaims
}

func (v *Verifier) Verify(ctx context.Context, token string) (domain.Identity, error) {
	var c claims
	_, err := jwt.ParseWithClaims(token, &c,
		func(t *jwt.Token) (any, error) { return v.secret, nil },
		jwt.WithValidMethods([]string{"HS256"}),
	)
	if err != nil {
		return domain.Identity{}, errors.New(errors.CodeUnauthenticated,
			errors.WithMessagef("invalid connection token"),
			errors.WithCause(err),
		)
	}

	if c.Type != tokenTypeAccess {
		return domain.Identity{}, errors.New(errors.CodeUnauthenticated,
			errors.WithMessagef("token type %q is not a connection credential", c.Type))
	}

	if c.Subject == "" {
		return domain.Identity{}, errors.New(errors.CodeUnauthenticated,
			errors.WithMessagef("token carries no subject"))
	}

	return domain.Identity{
		AccountID:   c.Subject,
		DisplayName: c.Name,
		AvatarURL:   c.Picture,
	}, nil
}
