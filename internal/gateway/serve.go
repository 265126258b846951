package gateway

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/tOgg1/parley/internal/chat"
	"github.com/tOgg1/parley/internal/config"
	"github.com/tOgg1/parley/internal/identity"
)

// AuthenticatorFor picks token auth when a secret is configured and the
// user query parameter otherwise.
func AuthenticatorFor(cfg config.GatewayConfig) Authenticator {
	if cfg.JWTSecret != "" {
		return TokenAuth(identity.NewTokens(cfg.JWTSecret, cfg.TokenTTL))
	}
	return QueryUser
}

// Serve runs the gateway on cfg.Gateway.ListenAddr alongside change feed
// retention until ctx ends.
func Serve(ctx context.Context, svc *chat.Service, cfg *config.Config) error {
	server := NewServer(svc, AuthenticatorFor(cfg.Gateway), ConfigFrom(cfg.Gateway))
	if cfg.Gateway.JWTSecret == "" {
		server.logger.Warn().Msg("gateway.jwt_secret not set; trusting the user query parameter")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Run(gctx, cfg.Gateway.ListenAddr)
	})
	g.Go(func() error {
		return svc.RunRetention(gctx, cfg.Retention.Interval, cfg.Retention.ChangesMaxAge, cfg.Retention.BatchSize)
	})
	return g.Wait()
}
