package identity

import (
	"context"

	"roadwatch/api/internal/store"
)

type ctxKey struct{}

func WithUser(ctx context.Context, user store.User) context.Context {
	return context.WithValue(ctx, ctxKey{}, user)
}

// CurrentUser returns the authenticated user attached to ctx.
func CurrentUser(ctx context.Context) (store.User, bool) {
	user, ok := ctx.Value(ctxKey{}).(store.User)
	return user, ok
}
