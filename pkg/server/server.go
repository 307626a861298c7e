// Package server wires the MCP endpoints, the OAuth authorization server,
// and the discovery documents into one HTTP server.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"github.com/agencyhub/mcpgate/pkg/auth"
	"github.com/agencyhub/mcpgate/pkg/authserver"
	"github.com/agencyhub/mcpgate/pkg/config"
	"github.com/agencyhub/mcpgate/pkg/engine"
	"github.com/agencyhub/mcpgate/pkg/logger"
	"github.com/agencyhub/mcpgate/pkg/oauth"
	"github.com/agencyhub/mcpgate/pkg/registry"
	"github.com/agencyhub/mcpgate/pkg/session"
	"github.com/agencyhub/mcpgate/pkg/storage"
	"github.com/agencyhub/mcpgate/pkg/telemetry"
	"github.com/agencyhub/mcpgate/pkg/transport"
)

// readHeaderTimeout bounds slow-header attacks on all listeners.
const readHeaderTimeout = 10 * time.Second

// Server is the assembled gateway.
type Server struct {
	cfg        *config.Config
	store      storage.Storage
	sessions   *session.Manager
	engine     *engine.Engine
	streamer   *transport.Streamer
	streamable *transport.Streamer
	middleware *auth.Middleware
	oauthSrv   *authserver.Server
	registry   *registry.Registry
}

func streamConfig(sc config.StreamConfig) transport.StreamConfig {
	return transport.StreamConfig{
		KeepaliveInterval:   time.Duration(sc.KeepaliveInterval) * time.Second,
		MaxConnectionTime:   time.Duration(sc.MaxConnectionTime) * time.Second,
		SwitchIntervalAfter: time.Duration(sc.SwitchIntervalAfter) * time.Second,
		TestMode:            sc.TestMode,
	}
}

// New assembles a Server from configuration and a storage driver.
func New(cfg *config.Config, store storage.Storage, reg *registry.Registry) *Server {
	sessions := session.NewManager(store, session.WithTTL(cfg.SessionTTL()))
	endpoints := oauth.EndpointsFromIssuer(cfg.BaseURL)

	eng := engine.New(store, sessions, reg, engine.Config{
		ServerName:        cfg.ServerInfo.Name,
		ServerVersion:     cfg.ServerInfo.Version,
		SupportedVersions: cfg.SupportedVersions,
	})

	streamer := transport.NewStreamer(store, sessions, cfg.BaseURL, streamConfig(cfg.SSE))
	streamable := transport.NewStreamer(store, sessions, cfg.BaseURL, streamConfig(cfg.StreamableHTTP))

	contextType := ""
	if len(cfg.Auth.ContextTypes) > 0 {
		contextType = cfg.Auth.ContextTypes[0]
	}

	middleware := auth.NewMiddleware(store, auth.MiddlewareConfig{
		BaseURL:                cfg.BaseURL,
		ContextType:            contextType,
		Authless:               cfg.Auth.Authless,
		RequireResourceBinding: cfg.Auth.RequireResourceBinding,
		ValidateScope:          cfg.Auth.ValidateScope,
		RequiredScopes:         cfg.Auth.RequiredScopes,
		Endpoints:              endpoints,
	})

	oauthSrv := authserver.New(store, authserver.Config{
		BaseURL:            cfg.BaseURL,
		Scopes:             cfg.Auth.Scopes,
		RequireResource:    cfg.Auth.RequireResourceBinding,
		LoginSessionSecret: []byte(cfg.Auth.LoginSessionSecret),
		ContextType:        contextType,
	})

	return &Server{
		cfg:        cfg,
		store:      store,
		sessions:   sessions,
		engine:     eng,
		streamer:   streamer,
		streamable: streamable,
		middleware: middleware,
		oauthSrv:   oauthSrv,
		registry:   reg,
	}
}

// Router builds the full route tree.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(requestLogger)

	endpoints := oauth.EndpointsFromIssuer(s.cfg.BaseURL)
	r.Method(http.MethodGet, oauth.WellKnownAuthServerPath,
		auth.NewAuthServerMetadataHandler(endpoints, s.cfg.Auth.Scopes, s.cfg.Auth.RequireResourceBinding))
	r.Method(http.MethodGet, oauth.WellKnownProtectedResourcePath,
		auth.NewProtectedResourceHandler(s.cfg.BaseURL, s.cfg.BaseURL, s.cfg.Auth.Scopes, s.cfg.SupportedVersions))

	r.Mount("/oauth", s.oauthSrv.Routes())

	r.Route("/mcp", func(r chi.Router) {
		r.Use(corsHeaders)
		r.MethodNotAllowed(unsupportedHTTPMethod)

		r.Options("/*", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.middleware.Handler)
			r.Post("/{uuid}", s.handlePost)
			r.Post("/{uuid}/{sessionID}", s.handlePost)
			r.Get("/{uuid}/sse", s.streamer.SSEHandler)
			r.Get("/{uuid}", s.streamable.StreamableHandler)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	if s.cfg.Metrics {
		r.Method(http.MethodGet, "/metrics", telemetry.Handler())
	}
	return r
}

// Run serves until ctx is canceled, then drains connections gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.Router(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	s.sessions.StartSweeper(ctx, 0)

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Infof("listening on %s", s.cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		logger.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return group.Wait()
}
