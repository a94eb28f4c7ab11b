package middleware

import (
	"context"
	"strings"

	"connectrpc.com/connect"
	"github.com/mmynk/splitkeeper/internal/auth"
)

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

// OperatorKey is the context key for the authenticated operator name.
const OperatorKey contextKey = "operator"

// GetOperator extracts the operator name from the context.
// Returns empty string if not found.
func GetOperator(ctx context.Context) string {
	op, _ := ctx.Value(OperatorKey).(string)
	return op
}

// WithOperator returns a copy of ctx carrying the operator name.
func WithOperator(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, OperatorKey, name)
}

// RequireAuth returns an interceptor that validates the bearer token and adds
// the operator to the request context. Procedures listed in public skip the
// check.
func RequireAuth(jwtManager *auth.JWTManager, public ...string) connect.UnaryInterceptorFunc {
	skip := make(map[string]struct{}, len(public))
	for _, p := range public {
		skip[p] = struct{}{}
	}
	return func(next connect.UnaryFunc) connect.UnaryFunc {
		return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
			if _, ok := skip[req.Spec().Procedure]; ok {
				return next(ctx, req)
			}

			authHeader := req.Header().Get("Authorization")
			if authHeader == "" {
				return nil, connect.NewError(connect.CodeUnauthenticated, auth.ErrMissingToken)
			}

			// Parse Bearer token
			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || parts[0] != "Bearer" {
				return nil, connect.NewError(connect.CodeUnauthenticated, auth.ErrInvalidToken)
			}
			tokenString := parts[1]

			// Validate token
			claims, err := jwtManager.Validate(tokenString)
			if err != nil {
				return nil, connect.NewError(connect.CodeUnauthenticated, auth.ErrInvalidToken)
			}

			return next(WithOperator(ctx, claims.Operator), req)
		}
	}
}
