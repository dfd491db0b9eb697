package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/hrygo/agentruntime/internal/profile"
	"github.com/hrygo/agentruntime/plugin/events"
	"github.com/hrygo/agentruntime/plugin/livekit"
	"github.com/hrygo/agentruntime/server/internal/observability"
	apiv1 "github.com/hrygo/agentruntime/server/router/api/v1"
	"github.com/hrygo/agentruntime/server/runner/maintenance"
	"github.com/hrygo/agentruntime/server/service/agent"
	"github.com/hrygo/agentruntime/server/service/session"
	"github.com/hrygo/agentruntime/store"
)

type Server struct {
	Profile *profile.Profile
	Store   *store.Store

	echoServer      *echo.Echo
	runtime         *agent.Runtime
	maintenance     *maintenance.Runner
	shutdownTracing func(context.Context) error

	group      *errgroup.Group
	cancelJobs context.CancelFunc
}

func NewServer(ctx context.Context, profile *profile.Profile, store *store.Store) (*Server, error) {
	s := &Server{
		Store:   store,
		Profile: profile,
	}

	shutdownTracing, err := observability.SetupTracing(profile.TracingExporter)
	if err != nil {
		return nil, errors.Wrap(err, "failed to set up tracing")
	}
	s.shutdownTracing = shutdownTracing

	var publisher events.Publisher = events.NoopPublisher{}
	if profile.IsRedisEnabled() {
		redisPublisher, err := events.NewRedisPublisher(ctx, events.RedisConfig{
			Addr:     profile.RedisAddr,
			Password: profile.RedisPassword,
			Channel:  profile.RedisChannel,
		})
		if err != nil {
			slog.Warn("session events disabled, redis is unreachable", slog.String("error", err.Error()))
		} else {
			publisher = redisPublisher
		}
	}

	var runtimeInstanceID *int32
	if profile.RuntimeInstanceID != 0 {
		id := profile.RuntimeInstanceID
		runtimeInstanceID = &id
	}

	metrics := observability.GlobalMetrics()
	registry := session.NewRegistry(
		session.WithPersister(session.NewStorePersister(store, runtimeInstanceID)),
		session.WithMetrics(metrics),
	)
	credentials := livekit.NewResolver(livekit.Credentials{
		URL:       profile.LiveKitURL,
		APIKey:    profile.LiveKitAPIKey,
		APISecret: profile.LiveKitAPISecret,
	}, store)
	s.runtime = agent.NewRuntime(registry, store, agent.Options{
		Limits: agent.Limits{
			MaxAgents:           profile.MaxAgentsPerInstance,
			MaxSessionsPerAgent: profile.MaxSessionsPerAgent,
		},
		RuntimeInstanceID: runtimeInstanceID,
		AgentsFile:        profile.AgentsFile,
		Publisher:         publisher,
		Credentials:       credentials,
		Metrics:           metrics,
	})
	s.maintenance = maintenance.NewRunner(s.runtime, profile.ConnectTimeout, profile.RetentionDays)

	echoServer := echo.New()
	echoServer.Debug = profile.IsDev()
	echoServer.HideBanner = true
	echoServer.HidePort = true
	echoServer.Use(middleware.Recover())
	echoServer.Use(middleware.BodyLimit("1M"))
	s.echoServer = echoServer

	apiv1.NewAPIV1Service(profile, s.runtime, metrics).RegisterRoutes(echoServer)
	return s, nil
}

// Start restores persisted agents, then serves HTTP and runs the maintenance jobs in the background.
func (s *Server) Start(ctx context.Context) error {
	if err := s.runtime.Restore(ctx); err != nil {
		return errors.Wrap(err, "failed to restore runtime")
	}

	address := fmt.Sprintf("%s:%d", s.Profile.Addr, s.Profile.Port)
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return errors.Wrap(err, "failed to listen")
	}
	s.echoServer.Listener = listener

	jobsCtx, cancel := context.WithCancel(context.Background())
	s.cancelJobs = cancel
	s.group = &errgroup.Group{}
	s.group.Go(func() error {
		if err := s.echoServer.Start(address); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("failed to start echo server", slog.String("error", err.Error()))
			return err
		}
		return nil
	})
	s.group.Go(func() error {
		return s.maintenance.Run(jobsCtx)
	})
	return nil
}

func (s *Server) Shutdown(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	slog.Info("server shutting down")

	if err := s.echoServer.Shutdown(ctx); err != nil {
		slog.Error("failed to shutdown server", slog.String("error", err.Error()))
	}
	if s.cancelJobs != nil {
		s.cancelJobs()
	}
	if s.group != nil {
		if err := s.group.Wait(); err != nil {
			slog.Error("background task failed", slog.String("error", err.Error()))
		}
	}

	if err := s.runtime.Close(ctx); err != nil {
		slog.Error("failed to flush sessions", slog.String("error", err.Error()))
	}
	if err := s.Store.Close(); err != nil {
		slog.Error("failed to close database", slog.String("error", err.Error()))
	}
	if err := s.shutdownTracing(ctx); err != nil {
		slog.Error("failed to shutdown tracing", slog.String("error", err.Error()))
	}

	slog.Info("server stopped properly")
}

// Addr returns the address the server listens on, once started.
func (s *Server) Addr() net.Addr {
	if s.echoServer.Listener == nil {
		return nil
	}
	return s.echoServer.Listener.Addr()
}

// Runtime exposes the agent runtime.
func (s *Server) Runtime() *agent.Runtime {
	return s.runtime
}
