package auth

import "context"

type principalContextKey struct{}
type tokenContextKey struct{}
type clientContextKey struct{}

// ContextWithPrincipal attaches the authenticated principal to the context.
func ContextWithPrincipal(ctx context.Context, principal Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, &principal)
}

// PrincipalFromContext extracts the authenticated principal from the context.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	if ctx == nil {
		return Principal{}, false
	}
	v, ok := ctx.Value(principalContextKey{}).(*Principal)
	if !ok || v == nil {
		return Principal{}, false
	}
	return *v, true
}

// ContextWithToken stores the raw bearer token inside the context.
func ContextWithToken(ctx context.Context, token string) context.Context {
	if token == "" {
		return ctx
	}
	return context.WithValue(ctx, tokenContextKey{}, token)
}

// TokenFromContext returns the bearer token if it was previously attached.
func TokenFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	v, ok := ctx.Value(tokenContextKey{}).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// ContextWithClient records who is calling, for sessions and audit rows.
func ContextWithClient(ctx context.Context, info ClientInfo) context.Context {
	return context.WithValue(ctx, clientContextKey{}, info)
}

// ClientFromContext returns the caller info, with IP "unknown" when absent.
func ClientFromContext(ctx context.Context) ClientInfo {
	if ctx != nil {
		if v, ok := ctx.Value(clientContextKey{}).(ClientInfo); ok {
			if v.IPAddress == "" {
				v.IPAddress = UnknownIP
			}
			return v
		}
	}
	return ClientInfo{IPAddress: UnknownIP}
}

// UnknownIP is recorded when no client address can be determined.
const UnknownIP = "unknown"
