package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/animus-labs/shipyard-go/internal/platform/env"
)

type Mode string

const (
	ModeOIDC     Mode = "oidc"
	ModeJWT      Mode = "jwt"
	ModeDev      Mode = "dev"
	ModeDisabled Mode = "disabled"
)

var ErrUnauthenticated = errors.New("unauthenticated")

type Config struct {
	Mode Mode

	RolesClaim string
	EmailClaim string

	OIDCIssuerURL string
	OIDCClientID  string

	JWTSecret   string
	JWTIssuer   string
	JWTAudience string

	DevSubject string
	DevEmail   string
	DevRoles   []string

	WebhookSecret  string
	WebhookMaxSkew time.Duration
}

func ParseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeOIDC):
		return ModeOIDC, nil
	case string(ModeJWT):
		return ModeJWT, nil
	case string(ModeDev):
		return ModeDev, nil
	case string(ModeDisabled):
		return ModeDisabled, nil
	default:
		return "", fmt.Errorf("AUTH_MODE must be one of: oidc, jwt, dev, disabled (got %q)", raw)
	}
}

func ConfigFromEnv() (Config, error) {
	mode, err := ParseMode(env.String("AUTH_MODE", string(ModeDev)))
	if err != nil {
		return Config{}, err
	}
	skew, err := env.Duration("SHIPYARD_WEBHOOK_MAX_SKEW", 5*time.Minute)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Mode:           mode,
		RolesClaim:     env.String("AUTH_ROLES_CLAIM", "roles"),
		EmailClaim:     env.String("AUTH_EMAIL_CLAIM", "email"),
		OIDCIssuerURL:  env.String("OIDC_ISSUER_URL", ""),
		OIDCClientID:   env.String("OIDC_CLIENT_ID", ""),
		JWTSecret:      env.String("SHIPYARD_JWT_SECRET", ""),
		JWTIssuer:      env.String("SHIPYARD_JWT_ISSUER", "shipyard"),
		JWTAudience:    env.String("SHIPYARD_JWT_AUDIENCE", "shipyard-api"),
		DevSubject:     env.String("DEV_AUTH_SUBJECT", "dev-user"),
		DevEmail:       env.String("DEV_AUTH_EMAIL", "dev-user@example.local"),
		DevRoles:       env.CSV("DEV_AUTH_ROLES", "admin"),
		WebhookSecret:  env.String("SHIPYARD_WEBHOOK_SECRET", ""),
		WebhookMaxSkew: skew,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.RolesClaim) == "" {
		return errors.New("AUTH_ROLES_CLAIM is required")
	}
	if c.WebhookMaxSkew < 0 {
		return errors.New("SHIPYARD_WEBHOOK_MAX_SKEW must be >= 0")
	}

	switch c.Mode {
	case ModeOIDC:
		if strings.TrimSpace(c.OIDCIssuerURL) == "" {
			return errors.New("OIDC_ISSUER_URL is required when AUTH_MODE=oidc")
		}
		if strings.TrimSpace(c.OIDCClientID) == "" {
			return errors.New("OIDC_CLIENT_ID is required when AUTH_MODE=oidc")
		}
	case ModeJWT:
		if len(strings.TrimSpace(c.JWTSecret)) < 16 {
			return errors.New("SHIPYARD_JWT_SECRET must be at least 16 characters when AUTH_MODE=jwt")
		}
	case ModeDev:
		if strings.TrimSpace(c.DevSubject) == "" {
			return errors.New("DEV_AUTH_SUBJECT is required when AUTH_MODE=dev")
		}
		if len(c.DevRoles) == 0 {
			return errors.New("DEV_AUTH_ROLES must be non-empty when AUTH_MODE=dev")
		}
	case ModeDisabled:
	default:
		return fmt.Errorf("unsupported auth mode: %q", c.Mode)
	}
	return nil
}
