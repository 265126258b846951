// Package gateway exposes the chat service over websockets. Each
// connection acts as one authenticated user and may hold any number of
// live subscriptions.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/tOgg1/parley/internal/chat"
	"github.com/tOgg1/parley/internal/config"
	"github.com/tOgg1/parley/internal/identity"
	"github.com/tOgg1/parley/internal/logging"
	"github.com/tOgg1/parley/internal/models"
)

var errBadRequest = errors.New("bad request")

// ErrUnauthenticated is returned by an Authenticator that cannot identify
// the caller.
var ErrUnauthenticated = errors.New("unauthenticated")

// Config holds connection timing and limits.
type Config struct {
	WriteWait     time.Duration
	PongWait      time.Duration
	MaxFrameBytes int64

	// SendBuffer is the per-connection outbound queue. A connection whose
	// queue fills is closed.
	SendBuffer int
}

// DefaultConfig returns the default gateway settings.
func DefaultConfig() Config {
	return Config{
		WriteWait:     10 * time.Second,
		PongWait:      60 * time.Second,
		MaxFrameBytes: 64 * 1024,
		SendBuffer:    256,
	}
}

// ConfigFrom maps loaded configuration onto Config.
func ConfigFrom(cfg config.GatewayConfig) Config {
	out := DefaultConfig()
	if cfg.WriteWait > 0 {
		out.WriteWait = cfg.WriteWait
	}
	if cfg.PongWait > 0 {
		out.PongWait = cfg.PongWait
	}
	if cfg.MaxFrameBytes > 0 {
		out.MaxFrameBytes = cfg.MaxFrameBytes
	}
	return out
}

func (c Config) pingPeriod() time.Duration {
	return c.PongWait * 9 / 10
}

// Authenticator identifies the user behind an upgrade request.
type Authenticator func(r *http.Request) (models.UserID, error)

// QueryUser trusts the "user" query parameter.
func QueryUser(r *http.Request) (models.UserID, error) {
	id := r.URL.Query().Get("user")
	if id == "" {
		return "", fmt.Errorf("%w: user parameter is required", ErrUnauthenticated)
	}
	return models.UserID(id), nil
}

// TokenAuth verifies a bearer token from the Authorization header or the
// "token" query parameter.
func TokenAuth(tokens *identity.Tokens) Authenticator {
	return func(r *http.Request) (models.UserID, error) {
		token := r.URL.Query().Get("token")
		if header := r.Header.Get("Authorization"); len(header) > 7 && header[:7] == "Bearer " {
			token = header[7:]
		}
		if token == "" {
			return "", fmt.Errorf("%w: token is required", ErrUnauthenticated)
		}
		id, err := tokens.Verify(token)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrUnauthenticated, err)
		}
		return id, nil
	}
}

// Server upgrades HTTP requests and serves connections.
type Server struct {
	svc    *chat.Service
	auth   Authenticator
	cfg    Config
	logger zerolog.Logger

	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  map[*conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

// NewServer creates a Server. A nil auth falls back to QueryUser.
func NewServer(svc *chat.Service, auth Authenticator, cfg Config) *Server {
	if auth == nil {
		auth = QueryUser
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = DefaultConfig().SendBuffer
	}
	return &Server{
		svc:    svc,
		auth:   auth,
		cfg:    cfg,
		logger: logging.Component("gateway"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		conns: make(map[*conn]struct{}),
	}
}

// Handler returns the HTTP routes: /ws and /healthz.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/ws", s)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// ServeHTTP authenticates and upgrades one connection.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	user, err := s.auth(r)
	if err != nil {
		s.logger.Debug().Str("remote", r.RemoteAddr).Str("reason", logging.Redact(err.Error())).Msg("rejected connection")
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}
	if _, err := s.svc.User(r.Context(), user); err != nil {
		if errors.Is(err, models.ErrNotFound) || errors.Is(err, models.ErrValidation) {
			http.Error(w, "unknown user", http.StatusForbidden)
			return
		}
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug().Err(err).Msg("upgrade failed")
		return
	}

	c := newConn(s, ws, user)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = ws.Close()
		return
	}
	s.conns[c] = struct{}{}
	s.wg.Add(2)
	s.mu.Unlock()

	s.logger.Info().Str("user_id", string(user)).Str("remote", r.RemoteAddr).Msg("connection opened")
	go func() {
		defer s.wg.Done()
		c.writePump()
	}()
	go func() {
		defer s.wg.Done()
		c.readPump()
	}()
}

// ConnectionCount reports open connections.
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Shutdown closes every connection and waits for their pumps.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) forget(c *conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// Run serves on addr until ctx ends, then shuts down connections and the
// listener.
func (s *Server) Run(ctx context.Context, addr string) error {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("gateway listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("gateway listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	// Hijacked websocket connections are not tracked by http.Server.
	connErr := s.Shutdown(shutdownCtx)
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return connErr
}
