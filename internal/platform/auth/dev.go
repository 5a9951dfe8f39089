package auth

import (
	"context"
	"net/http"
)

// DevAuthenticator accepts every request as a fixed identity.
type DevAuthenticator struct {
	identity Identity
}

func NewDevAuthenticator(cfg Config) *DevAuthenticator {
	roles := cfg.DevRoles
	if cfg.Mode == ModeDisabled {
		roles = []string{RoleAdmin}
	}
	return &DevAuthenticator{
		identity: Identity{
			Subject: cfg.DevSubject,
			Email:   cfg.DevEmail,
			Roles:   roles,
			Source:  string(cfg.Mode),
		},
	}
}

func (a *DevAuthenticator) Authenticate(ctx context.Context, r *http.Request) (Identity, error) {
	return a.identity, nil
}
