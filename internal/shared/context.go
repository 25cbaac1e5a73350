package shared

import "context"

type (
	sessionContextKey struct{}
	localeContextKey  struct{}
)

// ContextWithSession stores the session in context.
func ContextWithSession(ctx context.Context, sess *Session) context.Context {
	return context.WithValue(ctx, sessionContextKey{}, sess)
}

// SessionFromContext extracts the session from context.
func SessionFromContext(ctx context.Context) *Session {
	sess, _ := ctx.Value(sessionContextKey{}).(*Session)
	return sess
}

// ContextWithLocale stores the negotiated request locale.
func ContextWithLocale(ctx context.Context, loc string) context.Context {
	return context.WithValue(ctx, localeContextKey{}, loc)
}

// LocaleFromContext returns the negotiated request locale, or "".
func LocaleFromContext(ctx context.Context) string {
	loc, _ := ctx.Value(localeContextKey{}).(string)
	return loc
}
