package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/animus-labs/shipyard-go/internal/platform/env"
	"github.com/coreos/go-oidc/v3/oidc"
)

// IDTokenVerifier is satisfied by *oidc.IDTokenVerifier.
type IDTokenVerifier interface {
	Verify(ctx context.Context, rawIDToken string) (*oidc.IDToken, error)
}

// OIDCAuthenticator validates bearer ID tokens issued by the configured
// provider. There is no browser login flow.
type OIDCAuthenticator struct {
	verifier   IDTokenVerifier
	rolesClaim string
	emailClaim string
}

func NewOIDCAuthenticator(ctx context.Context, cfg Config) (*OIDCAuthenticator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Mode != ModeOIDC {
		return nil, fmt.Errorf("auth mode must be oidc (got %q)", cfg.Mode)
	}
	provider, err := oidc.NewProvider(ctx, cfg.OIDCIssuerURL)
	if err != nil {
		return nil, fmt.Errorf("oidc provider: %w", err)
	}
	return NewOIDCAuthenticatorWithVerifier(provider.Verifier(&oidc.Config{ClientID: cfg.OIDCClientID}), cfg), nil
}

func NewOIDCAuthenticatorWithVerifier(verifier IDTokenVerifier, cfg Config) *OIDCAuthenticator {
	return &OIDCAuthenticator{
		verifier:   verifier,
		rolesClaim: cfg.RolesClaim,
		emailClaim: cfg.EmailClaim,
	}
}

func (a *OIDCAuthenticator) Authenticate(ctx context.Context, r *http.Request) (Identity, error) {
	rawToken := bearerToken(r)
	if rawToken == "" {
		return Identity{}, ErrUnauthenticated
	}
	idToken, err := a.verifier.Verify(ctx, rawToken)
	if err != nil {
		return Identity{}, err
	}
	var claims map[string]any
	if err := idToken.Claims(&claims); err != nil {
		return Identity{}, err
	}
	return identityFromClaims(claims, a.rolesClaim, a.emailClaim, "oidc"), nil
}

func identityFromClaims(claims map[string]any, rolesClaim, emailClaim, source string) Identity {
	subject, _ := claims["sub"].(string)
	email, _ := claims[emailClaim].(string)
	return Identity{
		Subject: subject,
		Email:   email,
		Roles:   rolesFromClaim(claims[rolesClaim]),
		Source:  source,
	}
}

func rolesFromClaim(v any) []string {
	switch typed := v.(type) {
	case []any:
		out := make([]string, 0, len(typed))
		for _, item := range typed {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, strings.ToLower(strings.TrimSpace(s)))
			}
		}
		return out
	case []string:
		out := make([]string, 0, len(typed))
		for _, s := range typed {
			if strings.TrimSpace(s) != "" {
				out = append(out, strings.ToLower(strings.TrimSpace(s)))
			}
		}
		return out
	case string:
		return env.SplitCSV(typed)
	default:
		return nil
	}
}
