package main

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"Go2NetGraph/internal/api"
	"Go2NetGraph/internal/archive"
	"Go2NetGraph/internal/broadcast"
	"Go2NetGraph/internal/config"
	"Go2NetGraph/internal/logging"
	"Go2NetGraph/internal/metrics"
	"Go2NetGraph/internal/model"
	"Go2NetGraph/internal/module"
	"Go2NetGraph/internal/session"
	"Go2NetGraph/internal/store"
	"Go2NetGraph/internal/telemetry"
	"Go2NetGraph/internal/tlsproxy"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
)

func newServeCmd(cfgPath *string) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the session API, the live feed and the gRPC health service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(*cfgPath)
			if err != nil {
				return err
			}
			defer logger.Sync()
			if listen != "" {
				cfg.API.HttpListenAddr = listen
			}
			return serve(cfg, logger)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "HTTP listen address (overrides api.http_listen_addr)")
	return cmd
}

// runtime is everything a session engine needs, plus the teardown of it.
type runtime struct {
	engine  *session.Engine
	querier archive.Querier
	hub     *broadcast.Hub
	closers []func()
}

func (rt *runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
}

// buildRuntime wires the store, event delivery, TLS proxy, module entries
// and archive writers into an engine.
func buildRuntime(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*runtime, error) {
	rt := &runtime{}
	ok := false
	defer func() {
		if !ok {
			rt.Close()
		}
	}()

	shutdownTracing, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			logger.Warnw("Failed to flush traces", "error", err)
		}
	})

	st, err := store.New(ctx, cfg.Store, logger)
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, func() { st.Close(context.Background()) })

	var bc broadcast.Multi
	if cfg.Broadcast.NATS.Enabled {
		pub, err := broadcast.NewPublisher(cfg.Broadcast.NATS, logger)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, pub.Close)
		bc = append(bc, pub)
	}
	if cfg.Broadcast.WebSocket.Enabled {
		rt.hub = broadcast.NewHub(cfg.Broadcast.WebSocket.BufferSize, logger)
		rt.closers = append(rt.closers, rt.hub.Close)
		bc = append(bc, rt.hub)
	}

	var proxy *tlsproxy.Proxy
	if cfg.TLSProxy.Enabled {
		var ca *tlsproxy.CA
		if cfg.TLSProxy.CACertFile != "" {
			ca, err = tlsproxy.LoadCA(cfg.TLSProxy.CACertFile, cfg.TLSProxy.CAKeyFile, cfg.TLSProxy.CertCacheSize)
		} else {
			ca, err = tlsproxy.NewEphemeralCA(cfg.TLSProxy.CertCacheSize)
			logger.Warnw("No CA configured, intercepted clients must trust an ephemeral root")
		}
		if err != nil {
			return nil, err
		}
		proxy = tlsproxy.New(tlsproxy.Options{
			ListenAddr:  cfg.TLSProxy.ListenAddr,
			DialTimeout: time.Duration(cfg.TLSProxy.DialTimeoutMs) * time.Millisecond,
		}, ca, logger)
		proxy.OnRegister = func(n int) { metrics.TLSRegistrations.Set(float64(n)) }
		if err := proxy.Start(ctx); err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, func() { proxy.Close() })
	}

	var entries module.EntryStore
	if cfg.Modules.Redis.Addr != "" {
		rs, err := module.NewRedisEntryStore(ctx, cfg.Modules.Redis)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, func() { rs.Close() })
		entries = rs
	}

	writers, err := archive.New(ctx, cfg.Archive, logger)
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, func() {
		for _, w := range writers {
			c, isCloser := w.(io.Closer)
			if !isCloser {
				continue
			}
			if err := c.Close(); err != nil {
				logger.Warnw("Failed to close archive writer", "writer", w.Name(), "error", err)
			}
		}
	})
	if rt.querier, err = archive.NewQuerier(ctx, cfg.Archive); err != nil {
		return nil, err
	}

	var b model.Broadcaster = broadcast.Discard{}
	if len(bc) > 0 {
		b = bc
	}
	rt.engine = session.NewEngine(cfg, session.Deps{
		Store:       st,
		Broadcaster: b,
		Proxy:       proxy,
		Entries:     entries,
		Writers:     writers,
		Logger:      logger,
	})
	// sessions are stopped before anything they write to goes away
	rt.closers = append(rt.closers, rt.engine.Close)

	ok = true
	return rt, nil
}

func serve(cfg *config.Config, logger *logging.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := buildRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	healthSrv := health.NewServer()
	rt.engine.OnStateChange = func(s *session.Session, running bool) {
		status := grpc_health_v1.HealthCheckResponse_NOT_SERVING
		if running {
			status = grpc_health_v1.HealthCheckResponse_SERVING
		}
		healthSrv.SetServingStatus("session/"+s.ID, status)
	}

	grpcServer := grpc.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthSrv)
	lis, err := net.Listen("tcp", cfg.API.GrpcListenAddr)
	if err != nil {
		return err
	}
	go func() {
		logger.Infow("gRPC health server starting", "addr", cfg.API.GrpcListenAddr)
		if err := grpcServer.Serve(lis); err != nil {
			logger.Errorw("gRPC server stopped", "error", err)
		}
	}()

	var feed http.Handler
	if rt.hub != nil {
		feed = rt.hub
	}
	httpServer := &http.Server{
		Addr:    cfg.API.HttpListenAddr,
		Handler: api.New(rt.engine, rt.querier, feed, logger).Router(),
	}
	go func() {
		logger.Infow("HTTP API server starting", "addr", cfg.API.HttpListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorw("HTTP server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Infow("Shutting down servers")

	healthSrv.Shutdown()
	grpcServer.GracefulStop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Errorw("HTTP server forced to shutdown", "error", err)
	}
	logger.Infow("Servers exiting")
	return nil
}
