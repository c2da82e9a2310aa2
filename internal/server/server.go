// Package server owns the HTTP surface: the authenticated WebSocket upgrade
// endpoint, Prometheus metrics, and health. Everything past the upgrade is
// the transport/router/registry pipeline.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nihannihu/rendezvous/internal/registry"
	"github.com/nihannihu/rendezvous/internal/router"
	"github.com/nihannihu/rendezvous/internal/server/middleware"
	"github.com/nihannihu/rendezvous/pkg/config"
	"github.com/nihannihu/rendezvous/pkg/transport"
)

type App struct {
	logger   *slog.Logger
	registry *registry.Registry
	router   *router.Router
	wg       sync.WaitGroup
	http     *http.Server
	config   *config.Config

	ctx context.Context
}

func NewApp(rootCtx context.Context, logger *slog.Logger, cfg *config.Config, reg *registry.Registry, rt *router.Router) *App {
	app := &App{
		logger:   logger,
		registry: reg,
		router:   rt,
		config:   cfg,
		ctx:      rootCtx,
	}

	connCycler := func(username string) {
		oldest, found := reg.OldestConnection(username)
		if found {
			logger.Info("Cycling connection: closing oldest", slog.String("username", username), slog.String("connID", oldest.ID().String()))
			oldest.Close(errors.New("connection cycled by new connection"))
		}
	}

	mux := http.NewServeMux()
	mux.Handle("/ws",
		middleware.Chain(http.HandlerFunc(app.upgradeHandler),
			middleware.RequestMetadataMiddleware(),
			middleware.NewRequestLogger(logger),
			middleware.NewAuthMiddleware(logger, cfg.Server.Auth.JWTSecret),
			middleware.NewConnectionLimiter(logger, reg.ConnectionCount, connCycler, cfg.Server.ConnectionLimit),
		),
	)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	app.http = &http.Server{
		Addr:    cfg.Server.Address,
		Handler: mux,
		BaseContext: func(net.Listener) context.Context {
			return app.ctx
		},
	}
	return app
}

func (a *App) Run() error {
	go func() {
		a.logger.Info("Server starting", slog.String("addr", a.http.Addr))
		if err := a.http.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("HTTP server failed", slog.Any("error", err))
		}
	}()

	<-a.ctx.Done()
	return a.Shutdown()
}

func (a *App) upgradeHandler(w http.ResponseWriter, r *http.Request) {
	reqMeta, ok := middleware.ReqMetadataFrom(r.Context())
	if !ok {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	connLogger := a.logger.With(
		slog.String("remoteAddr", reqMeta.IP),
		slog.String("username", reqMeta.Username),
		slog.String("groupID", reqMeta.GroupID),
	)

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		a.logger.Error("Failed to accept websocket connection", slog.Any("error", err))
		return
	}

	onClose := func(id uuid.UUID, err error) {
		connLogger.Info("Deregistering connection due to closure", slog.String("connID", id.String()), slog.Any("reason", err))
		a.registry.Deregister(id)
	}
	conn := transport.NewConnection(
		r.Context(),
		&a.wg,
		wsConn,
		transport.ConnectionConfig{IdleTimeout: a.config.Transport.IdleTimeout},
		a.router.HandleMessage,
		onClose,
		a.logger,
	)

	if err := a.registry.Register(conn, reqMeta.GroupID, reqMeta.Username); err != nil {
		connLogger.Error("Failed to register connection", slog.Any("error", err))
		conn.Close(err)
		return
	}

	connLogger.Info("User connection fully established")
	conn.Run()
	<-conn.Done()
}

// Shutdown runs the graceful shutdown sequence: stop accepting upgrades,
// checkpoint and close all sessions, then wait for connection goroutines.
func (a *App) Shutdown() error {
	a.logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.http.Shutdown(shutdownCtx); err != nil {
		return err
	}

	a.logger.Info("Closing all active connections...")
	a.registry.Shutdown(shutdownCtx)

	// wait for all connection goroutines to finish their cleanup.
	a.wg.Wait()
	a.logger.Info("Server shut down gracefully.")
	return nil
}
