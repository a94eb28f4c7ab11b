package service

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"connectrpc.com/connect"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/mmynk/splitkeeper/internal/auth"
)

// AuthServiceName is the fully-qualified name of the auth service.
const AuthServiceName = "splitkeeper.v1.AuthService"

// LoginProcedure is the only procedure reachable without a token.
const LoginProcedure = "/" + AuthServiceName + "/Login"

// AuthService implements the AuthService RPC interface.
type AuthService struct {
	authenticator auth.Authenticator
	jwtManager    *auth.JWTManager
	logger        *slog.Logger
}

// NewAuthService creates a new authentication service.
func NewAuthService(authenticator auth.Authenticator, jwtManager *auth.JWTManager, logger *slog.Logger) *AuthService {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthService{
		authenticator: authenticator,
		jwtManager:    jwtManager,
		logger:        logger,
	}
}

// Handler returns the path prefix and HTTP handler serving every procedure.
func (s *AuthService) Handler(opts ...connect.HandlerOption) (string, http.Handler) {
	return mount(AuthServiceName, map[string]unaryFunc{
		LoginProcedure: s.Login,
	}, opts...)
}

// Login authenticates an operator and returns a JWT token.
func (s *AuthService) Login(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	name, password := stringField(req.Msg, "name"), stringField(req.Msg, "password")
	s.logger.Info("Login request", "name", name)

	if name == "" || password == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, auth.ErrInvalidCredentials)
	}

	op, err := s.authenticator.Authenticate(ctx, name, password)
	if err != nil {
		s.logger.Warn("Login failed", "name", name, "error", err)
		if errors.Is(err, auth.ErrLoginDisabled) {
			return nil, connect.NewError(connect.CodeFailedPrecondition, err)
		}
		return nil, connect.NewError(connect.CodeUnauthenticated, auth.ErrInvalidCredentials)
	}

	token, err := s.jwtManager.Generate(op)
	if err != nil {
		s.logger.Error("Failed to generate token", "operator", op.Name, "error", err)
		return nil, connect.NewError(connect.CodeInternal, err)
	}

	s.logger.Info("Operator logged in", "operator", op.Name)
	return respond(map[string]any{
		"token":      token,
		"operator":   op.Name,
		"expires_at": time.Now().Add(s.jwtManager.TokenDuration()).UTC().Format(time.RFC3339),
	})
}
