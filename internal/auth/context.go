package auth

import "context"

type contextKey struct{}

// AuthContext describes the visitor's session. UserID is zero for an
// anonymous session.
type AuthContext struct {
	UserID       int64
	SessionID    int64
	SessionToken string
}

func WithAuth(ctx context.Context, ac AuthContext) context.Context {
	return context.WithValue(ctx, contextKey{}, ac)
}

func FromContext(ctx context.Context) (AuthContext, bool) {
	ac, ok := ctx.Value(contextKey{}).(AuthContext)
	return ac, ok
}

func UserID(ctx context.Context) int64 {
	ac, ok := FromContext(ctx)
	if !ok {
		return 0
	}
	return ac.UserID
}

func SessionID(ctx context.Context) int64 {
	ac, ok := FromContext(ctx)
	if !ok {
		return 0
	}
	return ac.SessionID
}

// Authenticated reports whether the request carries a signed-in session.
func Authenticated(ctx context.Context) bool {
	return UserID(ctx) != 0
}
