package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"

	"sonekEtcd/kvserver"
	"sonekEtcd/kvserver/api/rpc"
)

const fileName = "config.yaml"

// startServer serves until ctx is done, then stops gracefully.
func startServer(ctx context.Context, cfg *Config) error {
	if err := cfg.setupLogging(); err != nil {
		return err
	}
	srvCfg := cfg.ServerConfig()
	lg := srvCfg.Logger
	defer lg.Sync()

	lg.Info(
		"starting an server",
		zap.String("go-os", runtime.GOOS),
		zap.String("go-arch", runtime.GOARCH),
		zap.Int("max-cpu-set", runtime.GOMAXPROCS(0)),
		zap.Int("max-cpu-available", runtime.NumCPU()),
		zap.String("name", srvCfg.Name),
		zap.String("data-dir", srvCfg.DataDir),
	)

	s, err := kvserver.NewServer(srvCfg)
	if err != nil {
		lg.Error("failed to create new an server", zap.Error(err))
		return err
	}
	defer s.Close()

	listener, err := net.Listen("tcp", net.JoinHostPort(s.Cfg.Host, s.Cfg.Port))
	if err != nil {
		lg.Error("failed to create new a listener", zap.Error(err))
		return err
	}

	gs := rpc.Server(s,
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             cfg.GRPCKeepAliveMinTime,
			PermitWithoutStream: false,
		}),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    cfg.GRPCKeepAliveInterval,
			Timeout: cfg.GRPCKeepAliveTimeout,
		}),
	)

	var metrics *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metrics = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			lg.Info("serving metrics", zap.String("address", cfg.MetricsAddr))
			if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				lg.Warn("metrics server stopped", zap.Error(err))
			}
		}()
	}

	errc := make(chan error, 1)
	go func() {
		lg.Info("server start listening on address", zap.String("address", listener.Addr().String()))
		errc <- gs.Serve(listener)
	}()

	select {
	case err = <-errc:
		lg.Error("failed to serve", zap.Error(err))
	case <-ctx.Done():
		lg.Info("shutting down server", zap.String("name", srvCfg.Name))
		// stop watch streams first, GracefulStop waits for them
		s.Close()
		gs.GracefulStop()
	}
	if metrics != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		metrics.Shutdown(sctx)
	}
	return err
}
