package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	bridgeservice "github.com/sushant-115/txbridge/api/bridge_service"
	"github.com/sushant-115/txbridge/config/certs"
	"github.com/sushant-115/txbridge/core/bridge"
	"github.com/sushant-115/txbridge/core/cursor"
	"github.com/sushant-115/txbridge/core/engine"
	"github.com/sushant-115/txbridge/core/policy"
	"github.com/sushant-115/txbridge/core/reqctx"
	"github.com/sushant-115/txbridge/core/schema"
	"github.com/sushant-115/txbridge/core/storage_engine/boltstore"
	internaltelemetry "github.com/sushant-115/txbridge/internal/telemetry"
	"github.com/sushant-115/txbridge/pkg/config"
	"github.com/sushant-115/txbridge/pkg/telemetry"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

// app owns everything the server process opens, in start order.
type app struct {
	cfg       *config.Config
	logger    *zap.Logger
	store     *boltstore.Store
	exec      *cursor.Executor
	service   *bridgeservice.BridgeServer
	grpc      *grpc.Server
	telemetry telemetry.ShutdownFunc

	closeOnce sync.Once
}

func newApp(cfg *config.Config, logger *zap.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.Close(context.Background())
		}
	}()

	tel, shutdown, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to start telemetry: %w", err)
	}
	a.telemetry = shutdown

	version, err := loadVersion(cfg.Version)
	if err != nil {
		return nil, err
	}

	a.store, err = boltstore.Open(boltstore.Options{
		Path:          cfg.Storage.Path,
		Timeout:       cfg.Storage.Timeout,
		NoSync:        cfg.Storage.NoSync,
		EncryptionKey: cfg.Storage.EncryptionKey,
	}, logger)
	if err != nil {
		return nil, err
	}

	a.exec, err = cursor.NewExecutor(cfg.Cursor.Workers, logger)
	if err != nil {
		return nil, err
	}

	rpcMetrics, err := internaltelemetry.NewGrpcServerMetrics(tel.Meter)
	if err != nil {
		return nil, err
	}
	bridgeMetrics, err := internaltelemetry.NewBridgeMetrics(tel.Meter)
	if err != nil {
		return nil, err
	}

	creds, err := certs.ServerCredentials(cfg.TLS)
	if err != nil {
		return nil, err
	}

	a.service = bridgeservice.NewBridgeServer(bridgeservice.Config{
		SessionIdleTimeout: cfg.Server.SessionIdleTimeout,
		BackupDir:          cfg.Server.BackupDir,
		BackupBytesPerSec:  cfg.Server.BackupBytesPerSec,
	}, version, engine.New(a.store, logger), a.store, a.exec, bridge.Options{
		Identity: reqctx.NewTokenVerifier(cfg.Identity.TokenSecret),
		Metrics:  bridgeMetrics,
	}, logger)

	a.grpc = grpc.NewServer(
		grpc.Creds(creds),
		grpc.ChainUnaryInterceptor(
			bridgeservice.TelemetryInterceptor(internaltelemetry.NewRPCRecorder(rpcMetrics, tel.Tracer, bridgeservice.ServiceName), logger),
			bridgeservice.RateLimitInterceptor(cfg.Server.RateLimit, cfg.Server.RateBurst),
		),
	)
	bridgeservice.Register(a.grpc, a.service)
	return a, nil
}

func loadVersion(cfg config.VersionConfig) (*bridge.Version, error) {
	types := schema.NewTypeSystem()
	if cfg.TypesFile != "" {
		if err := types.LoadFile(cfg.TypesFile); err != nil {
			return nil, fmt.Errorf("failed to load types: %w", err)
		}
	}
	policies, err := policy.NewSystem()
	if err != nil {
		return nil, err
	}
	if cfg.PoliciesFile != "" {
		if err := policies.LoadFile(cfg.PoliciesFile); err != nil {
			return nil, fmt.Errorf("failed to load policies: %w", err)
		}
	}
	return &bridge.Version{ID: cfg.ID, Types: types, Policies: policies}, nil
}

// Serve blocks until lis fails or ctx is done, then shuts down gracefully.
func (a *app) Serve(ctx context.Context, lis net.Listener) error {
	go a.service.RunReaper(ctx)

	errCh := make(chan error, 1)
	go func() { errCh <- a.grpc.Serve(lis) }()
	a.logger.Info("Bridge server listening", zap.String("addr", lis.Addr().String()), zap.String("tlsMode", a.cfg.TLS.Mode))

	select {
	case err := <-errCh:
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	return a.Close(shutdownCtx)
}

// Close stops the gRPC server, waiting for in-flight calls until ctx is done,
// then rolls back every session and closes the store.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	a.closeOnce.Do(func() {
		if a.grpc != nil {
			stopped := make(chan struct{})
			go func() {
				a.grpc.GracefulStop()
				close(stopped)
			}()
			select {
			case <-stopped:
			case <-ctx.Done():
				a.logger.Warn("Graceful stop timed out, forcing")
				a.grpc.Stop()
			}
		}
		if a.service != nil {
			a.service.Close()
		}
		if a.exec != nil {
			a.exec.Release()
		}
		if a.store != nil {
			errs = append(errs, a.store.Close())
		}
		if a.telemetry != nil {
			errs = append(errs, a.telemetry(ctx))
		}
		a.logger.Info("Bridge server stopped")
	})
	return errors.Join(errs...)
}
