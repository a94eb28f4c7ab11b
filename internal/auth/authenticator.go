// Package auth authenticates operators of the integrity RPC surface.
package auth

import "context"

// Operator is an authenticated administrator.
type Operator struct {
	Name string
}

// Authenticator verifies operator credentials. Implementations can be
// swapped without touching the service layer.
type Authenticator interface {
	// Authenticate returns the operator if credential is valid for name.
	Authenticate(ctx context.Context, name, credential string) (*Operator, error)
}
