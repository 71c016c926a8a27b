package impersonate

import (
	"context"

	"github.com/heroku/actas/storage"
)

type contextKey string

func (c contextKey) String() string {
	return "impersonate context key " + string(c)
}

var (
	authenticatedUserKey = contextKey("authenticated-user")
	resolutionKey        = contextKey("resolution")
)

// resolution is what the middleware decided for one request.
type resolution struct {
	acting       *storage.User
	impersonator *storage.User
	impersonatee *storage.User
}

// WithAuthenticatedUser attaches the user the host authenticated to ctx. It
// is read by the middleware and never changed by it.
func WithAuthenticatedUser(ctx context.Context, u *storage.User) context.Context {
	return context.WithValue(ctx, authenticatedUserKey, u)
}

// AuthenticatedUser returns the user the host authenticated, or nil.
func AuthenticatedUser(ctx context.Context) *storage.User {
	u, _ := ctx.Value(authenticatedUserKey).(*storage.User)
	return u
}

// ActingUser returns the user the request acts as. This is the impersonated
// user while impersonation is in effect, otherwise the authenticated user.
func ActingUser(ctx context.Context) *storage.User {
	if res := resolved(ctx); res != nil {
		return res.acting
	}
	return AuthenticatedUser(ctx)
}

// Impersonator returns the authenticated user when the middleware
// substituted the acting user for this request, otherwise nil.
func Impersonator(ctx context.Context) *storage.User {
	if res := resolved(ctx); res != nil {
		return res.impersonator
	}
	return nil
}

// Impersonatee returns the permitted impersonation target for the session. It
// is set even on requests exempt from impersonation, where it is the user who
// would be impersonated.
func Impersonatee(ctx context.Context) *storage.User {
	if res := resolved(ctx); res != nil {
		return res.impersonatee
	}
	return nil
}

// IsImpersonating reports whether the acting user was substituted.
func IsImpersonating(ctx context.Context) bool {
	return Impersonator(ctx) != nil
}

func resolved(ctx context.Context) *resolution {
	res, _ := ctx.Value(resolutionKey).(*resolution)
	return res
}

func withResolution(ctx context.Context, res *resolution) context.Context {
	return context.WithValue(ctx, resolutionKey, res)
}
