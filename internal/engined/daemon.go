package engined

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/homelistingai/followup/internal/api"
	"github.com/homelistingai/followup/internal/engine"
	"github.com/homelistingai/followup/internal/scheduler"
	"github.com/homelistingai/followup/internal/stream"
)

// shutdownTimeout bounds the graceful stop of the HTTP server.
const shutdownTimeout = 10 * time.Second

// Options configure the daemon runtime.
type Options struct {
	Version string

	// Listeners replace the configured addresses when set.
	GRPCListener net.Listener
	HTTPListener net.Listener
}

// Daemon hosts the scheduler, the HTTP API and the gRPC service.
type Daemon struct {
	engine *engine.Engine
	logger zerolog.Logger
	opts   Options

	server     *Server
	limiter    *RateLimiter
	grpcServer *grpc.Server
	http       *echo.Echo
	stream     *stream.Hub
}

// New constructs a daemon around an opened engine.
func New(eng *engine.Engine, logger zerolog.Logger, opts Options) (*Daemon, error) {
	if eng == nil {
		return nil, errors.New("engine is required")
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	cfg := eng.Config()

	limiter := NewRateLimiter(WithEnabled(cfg.Server.RateLimitEnabled))
	server := NewServer(eng, logger, WithVersion(opts.Version))
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(limiter.UnaryServerInterceptor()))
	RegisterEngineServiceServer(grpcServer, server)
	hub := stream.NewHub()

	return &Daemon{
		engine:     eng,
		logger:     logger,
		opts:       opts,
		server:     server,
		limiter:    limiter,
		grpcServer: grpcServer,
		http:       api.NewServer(api.NewHandler(eng, opts.Version).WithStream(hub)),
		stream:     hub,
	}, nil
}

// Run serves until ctx is canceled or one of the components fails.
func (d *Daemon) Run(ctx context.Context) error {
	if ctx == nil {
		return errors.New("context is required")
	}
	cfg := d.engine.Config()

	grpcListener, err := listen(d.opts.GRPCListener, cfg.Server.GRPCAddr)
	if err != nil {
		return err
	}
	httpListener, err := listen(d.opts.HTTPListener, cfg.Server.HTTPAddr)
	if err != nil {
		grpcListener.Close()
		return err
	}
	d.http.Listener = httpListener

	d.logger.Info().
		Str("grpc", grpcListener.Addr().String()).
		Str("http", httpListener.Addr().String()).
		Str("version", d.opts.Version).
		Msg("followupd starting")

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := d.grpcServer.Serve(grpcListener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("gRPC server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		if err := d.http.Start(""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		if err := d.engine.Scheduler().Run(ctx); err != nil && !errors.Is(err, scheduler.ErrSchedulerNotRunning) {
			return fmt.Errorf("scheduler error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return d.stream.Run(ctx, d.engine.Scheduler().DispatchEvents())
	})

	g.Go(func() error {
		<-ctx.Done()
		d.logger.Info().Msg("followupd shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := d.http.Shutdown(shutdownCtx); err != nil {
			d.logger.Warn().Err(err).Msg("HTTP shutdown failed")
		}
		d.grpcServer.GracefulStop()
		return nil
	})

	err = g.Wait()
	d.logger.Info().Msg("followupd shutdown complete")
	return err
}

func listen(existing net.Listener, addr string) (net.Listener, error) {
	if existing != nil {
		return existing, nil
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return listener, nil
}

// Server returns the gRPC service implementation.
func (d *Daemon) Server() *Server {
	return d.server
}

// Stream returns the live dispatch event hub.
func (d *Daemon) Stream() *stream.Hub {
	return d.stream
}

// RateLimiter returns the gRPC rate limiter.
func (d *Daemon) RateLimiter() *RateLimiter {
	return d.limiter
}
