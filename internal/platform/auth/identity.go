package auth

import "context"

type Identity struct {
	Subject string
	Email   string
	Roles   []string
	// Source names the authenticator that produced the identity.
	Source string
}

type ctxKeyIdentity struct{}

func ContextWithIdentity(ctx context.Context, identity Identity) context.Context {
	return context.WithValue(ctx, ctxKeyIdentity{}, identity)
}

func IdentityFromContext(ctx context.Context) (Identity, bool) {
	v, ok := ctx.Value(ctxKeyIdentity{}).(Identity)
	return v, ok
}

// ActorFromContext returns the authenticated subject, or fallback.
func ActorFromContext(ctx context.Context, fallback string) string {
	if id, ok := IdentityFromContext(ctx); ok && id.Subject != "" {
		return id.Subject
	}
	return fallback
}
