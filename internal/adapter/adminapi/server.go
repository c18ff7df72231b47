package adminapi

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"alfredmem/internal/infra/middleware"
	"alfredmem/internal/infra/tracer"
	"alfredmem/internal/store/auxiliary"
)

// Server is the localhost HTTP listener exposing svc's routes, following
// the gateway package's Start(ctx)/Stop(ctx)/BoundAddr() shape but over a
// plain ServeMux rather than a WebSocket upgrade.
type Server struct {
	svc            *Service
	host           string
	port           int
	logger         *slog.Logger
	sessions       *auxiliary.Sessions // nil if the sessions aux db was not wired
	sessionID      string
	rateLimitRPM   int
	rateLimitBurst int
	requestTimeout time.Duration
	httpSrv        *http.Server
	boundAddr      string
}

// NewServer builds the admin HTTP server. host/port are the bind address;
// an empty host binds to every interface, but the lock protocol (C11) this
// server is gated behind expects a loopback address in normal operation.
// sessions may be nil: the server then runs without recording an
// ai_sessions row (e.g. in tests that don't wire the auxiliary DB).
// rateLimitRPM/rateLimitBurst bound requests per client IP; rateLimitRPM
// <= 0 disables the limiter. requestTimeout is the overall per-request
// budget (§5's 60-second API budget); <= 0 disables it.
func NewServer(svc *Service, host string, port int, sessions *auxiliary.Sessions, rateLimitRPM, rateLimitBurst int, requestTimeout time.Duration, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		svc: svc, host: host, port: port, sessions: sessions,
		rateLimitRPM: rateLimitRPM, rateLimitBurst: rateLimitBurst,
		requestTimeout: requestTimeout,
		logger:         logger,
	}
}

// Start binds the listener and serves until ctx is cancelled or Stop is
// called. Blocks, mirroring the gateway server's Start contract.
func (s *Server) Start(ctx context.Context) error {
	if s.sessions != nil {
		sctx, id, err := s.sessions.Start(ctx, time.Now().UTC().UnixMilli())
		if err != nil {
			s.logger.Warn("admin api: failed to record session start", "error", err)
		} else {
			ctx = sctx
			s.sessionID = id
		}
	}

	mux := http.NewServeMux()
	for _, route := range Routes(s.svc) {
		mux.HandleFunc(route.Method+" "+route.Pattern, route.Handler)
	}

	var handler http.Handler = mux
	handler = traced(handler)
	handler = withRequestTimeout(handler, s.requestTimeout)
	handler = middleware.SecurityHeaders(handler)
	handler = middleware.PermissiveLocalCORS(handler)
	if s.rateLimitRPM > 0 {
		handler = middleware.RateLimit(ctx, s.rateLimitRPM, s.rateLimitBurst)(handler)
	}

	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("adminapi listen: %w", err)
	}
	s.boundAddr = listener.Addr().String()
	s.httpSrv = &http.Server{Handler: handler}

	s.logger.Info("admin api started", "addr", s.boundAddr)

	go func() {
		<-ctx.Done()
		s.Stop(context.Background())
	}()

	if err := s.httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("adminapi serve: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.sessions != nil && s.sessionID != "" {
		if err := s.sessions.End(ctx, s.sessionID, time.Now().UTC().UnixMilli()); err != nil {
			s.logger.Warn("admin api: failed to record session end", "error", err)
		}
	}
	if s.httpSrv == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.httpSrv.Shutdown(shutdownCtx)
}

// BoundAddr returns the actual address the server bound to. Only valid after Start.
func (s *Server) BoundAddr() string { return s.boundAddr }

// traced opens one span per request, named after the route.
func traced(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.StartSpan(r.Context(), "adminapi "+r.Method+" "+r.URL.Path)
		defer span.End()
		span.SetAttributes(
			tracer.StringAttr("http.method", r.Method),
			tracer.StringAttr("http.path", r.URL.Path),
		)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// withRequestTimeout caps every request's context at d. The handler chain
// below it observes the deadline through r.Context(); a write cancelled this
// way is "unknown" to the caller per the cancellation contract.
func withRequestTimeout(next http.Handler, d time.Duration) http.Handler {
	if d <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), d)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
