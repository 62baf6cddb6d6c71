package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/victornm/mutely/internal/api"
	"github.com/victornm/mutely/internal/event"
	"github.com/victornm/mutely/internal/relay"
	"github.com/victornm/mutely/internal/session"
	"github.com/victornm/mutely/internal/standings"
	"github.com/victornm/mutely/internal/store"
	"github.com/victornm/mutely/internal/telemetry"
	"github.com/victornm/mutely/internal/violation"
)

type RedisConfig struct {
	Addrs  []string
	Pass   string
	Prefix string
}

type Config struct {
	HTTP struct {
		Port int32
	}

	GRPC struct {
		Port int32
	}

	Redis struct {
		Standings RedisConfig
		Pubsub    RedisConfig
	}

	Postgres store.Config

	Poller struct {
		Interval time.Duration
	}

	Session struct {
		CodeTTL time.Duration
	}

	RateLimit struct {
		Join struct {
			PerMinute int
			Burst     int
		}
	}
}

// DefaultConfig returns the values used for keys missing from the config file and environment.
func DefaultConfig() Config {
	var c Config
	c.HTTP.Port = 8080
	c.GRPC.Port = 9090
	c.Redis.Standings = RedisConfig{Addrs: []string{"localhost:6379"}, Prefix: "mutely:standings"}
	c.Redis.Pubsub = RedisConfig{Addrs: []string{"localhost:6379"}, Prefix: "mutely"}
	c.Postgres = store.Config{Addr: "localhost:5432", User: "mutely", Pass: "mutely", Name: "mutely", SSLMode: "disable"}
	c.Poller.Interval = 2 * time.Second
	c.Session.CodeTTL = 12 * time.Hour
	c.RateLimit.Join.PerMinute = 20
	c.RateLimit.Join.Burst = 5
	return c
}

type Server struct {
	c Config

	eb      *event.Bus
	metrics *telemetry.Metrics
	reg     *prometheus.Registry

	infra struct {
		redis struct {
			standings redis.UniversalClient
			pubsub    redis.UniversalClient
		}

		postgres *pgxpool.Pool
	}

	service struct {
		store     *store.Postgres
		session   *session.Service
		violation *violation.Service
		standings *standings.Service
		relay     *relay.Relay
	}

	joinLimiter *api.RateLimiter
	health      *health.Server

	http *http.Server
	grpc *grpc.Server
}

func Init(c Config) (*Server, error) {
	s := &Server{c: c}

	s.eb = event.NewBus()
	s.reg = prometheus.NewRegistry()
	s.reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	s.metrics = telemetry.NewMetrics(s.reg)

	if err := s.initInfra(); err != nil {
		return nil, fmt.Errorf("server: init infra: %w", err)
	}

	s.initService()
	s.initAPI()
	return s, nil
}

func (s *Server) initInfra() error {
	if err := s.initRedis(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}

	if err := s.initPostgres(); err != nil {
		return fmt.Errorf("postgres: %w", err)
	}

	return nil
}

func (s *Server) initRedis() error {
	var err error
	s.infra.redis.standings, err = ConnectRedis(s.c.Redis.Standings, "standings")
	if err != nil {
		return fmt.Errorf("standings: %w", err)
	}

	s.infra.redis.pubsub, err = ConnectRedis(s.c.Redis.Pubsub, "pubsub")
	if err != nil {
		return fmt.Errorf("pubsub: %w", err)
	}

	return nil
}

// ConnectRedis opens an instrumented client and pings it.
func ConnectRedis(c RedisConfig, name string) (redis.UniversalClient, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	r := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    c.Addrs,
		Password: c.Pass,
	})

	if err := telemetry.MonitorRedis(r, name); err != nil {
		return nil, err
	}

	if err := r.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return r, nil
}

func (s *Server) initPostgres() (err error) {
	s.infra.postgres, err = store.Connect(context.Background(), s.c.Postgres)
	if err != nil {
		return fmt.Errorf("connect %s/%s: %w", s.c.Postgres.Addr, s.c.Postgres.Name, err)
	}

	return nil
}

func (s *Server) initService() {
	s.service.store = store.NewPostgres(s.infra.postgres)

	s.service.session = session.NewService(session.Config{
		Store:    s.service.store,
		EventBus: s.eb,
		Redis:    s.infra.redis.pubsub,
		Prefix:   s.c.Redis.Pubsub.Prefix,
		CodeTTL:  s.c.Session.CodeTTL,
	})

	s.service.violation = violation.NewService(violation.Config{
		Store:    s.service.store,
		EventBus: s.eb,
		Metrics:  s.metrics,
	})

	s.service.standings = standings.NewService(standings.Config{
		EventBus: s.eb,
		Redis:    s.infra.redis.standings,
		Prefix:   s.c.Redis.Standings.Prefix,
	})

	s.service.relay = relay.New(relay.Config{
		EventBus: s.eb,
		Source:   s.service.store,
		Sessions: s.service.store,
		Interval: s.c.Poller.Interval,
		Metrics:  s.metrics,
	})
}

func (s *Server) initAPI() {
	e := gin.New()
	e.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{})))
	pprof.Register(e, "/debug/pprof")
	e.Use(gin.Recovery())

	s.joinLimiter = api.NewRateLimiter(api.RateLimiterConfig{
		PerMinute: s.c.RateLimit.Join.PerMinute,
		Burst:     s.c.RateLimit.Join.Burst,
	})

	api.New(api.Config{
		Router:       e,
		EventBus:     s.eb,
		Session:      s.service.session,
		Violation:    s.service.violation,
		Standings:    s.service.standings,
		JoinLimiter:  s.joinLimiter,
		Redis:        s.infra.redis.pubsub,
		PubsubPrefix: s.c.Redis.Pubsub.Prefix,
	})

	s.grpc = grpc.NewServer(telemetry.GRPCServerOptions()...)
	s.health = health.NewServer()
	healthpb.RegisterHealthServer(s.grpc, s.health)

	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.c.HTTP.Port),
		Handler:           e,
		ReadHeaderTimeout: 60 * time.Second,
	}
}

// Start serves HTTP and gRPC and resumes the relay for sessions left running by a previous
// process. It blocks until both servers are closed.
func (s *Server) Start() {
	ctx := context.TODO()

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.c.GRPC.Port))
	if err != nil {
		slog.ErrorContext(ctx, "grpc server: listen failed", "error", err)
		panic(err)
	}

	if err := s.service.relay.Resume(ctx); err != nil {
		slog.ErrorContext(ctx, "server: resume relay failed", "error", err)
	}

	var eg errgroup.Group
	eg.Go(func() error {
		slog.InfoContext(ctx, fmt.Sprintf("server: gRPC listening on port %d", s.c.GRPC.Port))
		return s.grpc.Serve(lis)
	})

	eg.Go(func() error {
		slog.InfoContext(ctx, fmt.Sprintf("server: HTTP listening on port %d", s.c.HTTP.Port))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	err = eg.Wait()
	if err != nil {
		slog.ErrorContext(ctx, "server: shutdown with error", "error", err)
	}
}

func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.health.Shutdown()
	s.grpc.GracefulStop()
	if err := s.http.Shutdown(ctx); err != nil {
		slog.ErrorContext(ctx, "server: shutdown HTTP failed", "error", err)
	}

	s.service.relay.Stop()
	s.joinLimiter.Stop()
	s.eb.Stop()
	// handlers above may have queued trailing standings publishes
	s.service.standings.Stop()
	s.eb.Stop()

	s.infra.postgres.Close()
	for _, r := range []redis.UniversalClient{s.infra.redis.standings, s.infra.redis.pubsub} {
		if err := r.Close(); err != nil {
			slog.ErrorContext(ctx, "server: close redis failed", "error", err)
		}
	}

	slog.InfoContext(ctx, "server: shutdown completed")
}
