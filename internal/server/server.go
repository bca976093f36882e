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
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/slooh/slooh/internal/archive"
	"github.com/slooh/slooh/internal/auth"
	"github.com/slooh/slooh/internal/event"
	"github.com/slooh/slooh/internal/gateway"
	"github.com/slooh/slooh/internal/leaderboard"
	"github.com/slooh/slooh/internal/room"
	"github.com/slooh/slooh/internal/score"
	"github.com/slooh/slooh/internal/session"
	"github.com/slooh/slooh/internal/telemetry"
)

type Config struct {
	HTTP struct {
		Port int32
	}

	GRPC struct {
		Port int32
	}

	Auth struct {
		JWTSecret string
	}

	Session struct {
		PinAttempts    int
		MaxIdleMinutes int
		JanitorSeconds int
	}

	Scoring struct {
		BasePoints     int64
		DecayPerSecond int64
	}

	Redis struct {
		Leaderboard struct {
			Addrs  []string
			Pass   string
			Prefix string
		}

		Pubsub struct {
			Addrs  []string
			Pass   string
			Prefix string
		}
	}

	Postgres struct {
		Room struct {
			Addr string
			User string
			Pass string
			Name string
		}

		Archive struct {
			Addr string
			User string
			Pass string
			Name string
		}
	}
}

type Server struct {
	c Config

	eb *event.Bus

	infra struct {
		redis struct {
			leaderboard redis.UniversalClient
			pubsub      redis.UniversalClient
		}

		postgres struct {
			room    *pgxpool.Pool
			archive *pgxpool.Pool
		}
	}

	service struct {
		store       *session.Store
		session     *session.Service
		score       *score.Service
		leaderboard *leaderboard.Service
		archive     *archive.Service
		gateway     *gateway.Gateway
	}

	http *http.Server
	grpc *grpc.Server

	cancel context.CancelFunc
}

func Init(c Config) (*Server, error) {
	s := &Server{c: c}

	s.eb = event.NewBus()
	telemetry.NewMetrics(s.eb, prometheus.DefaultRegisterer)

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
	connect := func(addrs []string, pass string) (redis.UniversalClient, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		r := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    addrs,
			Password: pass,
		})

		if err := telemetry.MonitorRedis(r); err != nil {
			return nil, err
		}

		if err := r.Ping(ctx).Err(); err != nil {
			return nil, err
		}

		return r, nil
	}

	var err error
	s.infra.redis.leaderboard, err = connect(s.c.Redis.Leaderboard.Addrs, s.c.Redis.Leaderboard.Pass)
	if err != nil {
		return fmt.Errorf("leaderboard: %w", err)
	}

	s.infra.redis.pubsub, err = connect(s.c.Redis.Pubsub.Addrs, s.c.Redis.Pubsub.Pass)
	if err != nil {
		return fmt.Errorf("pubsub: %w", err)
	}

	return nil
}

func (s *Server) initPostgres() (err error) {
	connect := func(addr, user, pass, name string) (*pgxpool.Pool, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		cc, err := pgxpool.ParseConfig(fmt.Sprintf("postgres://%s:%s@%s/%s", user, pass, addr, name))
		if err != nil {
			return nil, err
		}

		db, err := pgxpool.NewWithConfig(ctx, cc)
		if err != nil {
			return nil, err
		}

		if err := db.Ping(ctx); err != nil {
			return nil, err
		}

		return db, nil
	}

	s.infra.postgres.room, err = connect(s.c.Postgres.Room.Addr, s.c.Postgres.Room.User, s.c.Postgres.Room.Pass, s.c.Postgres.Room.Name)
	if err != nil {
		return fmt.Errorf("room: %w", err)
	}

	// The archive store is optional; without it sessions are purely ephemeral.
	if s.c.Postgres.Archive.Addr != "" {
		s.infra.postgres.archive, err = connect(s.c.Postgres.Archive.Addr, s.c.Postgres.Archive.User, s.c.Postgres.Archive.Pass, s.c.Postgres.Archive.Name)
		if err != nil {
			return fmt.Errorf("archive: %w", err)
		}
	}

	return nil
}

func (s *Server) initService() {
	rooms := room.NewPostgres(s.infra.postgres.room)

	s.service.store = session.NewStore(session.StoreConfig{
		PinAttempts: s.c.Session.PinAttempts,
	})

	s.service.session = session.NewService(session.Config{
		Store:        s.service.store,
		EventBus:     s.eb,
		Rooms:        rooms,
		Channels:     rooms,
		RoomActivity: rooms,
	})

	s.service.score = score.NewService(score.Config{
		Store:    s.service.store,
		EventBus: s.eb,
		Scoring: score.ScoringConfig{
			BasePoints:     s.c.Scoring.BasePoints,
			DecayPerSecond: s.c.Scoring.DecayPerSecond,
		},
	})

	s.service.leaderboard = leaderboard.NewService(leaderboard.Config{
		EventBus: s.eb,
		Redis:    s.infra.redis.leaderboard,
		Prefix:   s.c.Redis.Leaderboard.Prefix,
	})

	if s.infra.postgres.archive != nil {
		s.service.archive = archive.NewService(archive.Config{
			EventBus: s.eb,
			DB:       s.infra.postgres.archive,
		})
	}
}

func (s *Server) initAPI() {
	e := gin.New()
	e.GET("/metrics", gin.WrapH(promhttp.Handler()))
	pprof.Register(e, "/debug/pprof")
	e.Use(gin.Recovery())

	s.grpc = grpc.NewServer(telemetry.GRPCServerInterceptor())
	healthpb.RegisterHealthServer(s.grpc, health.NewServer())

	s.service.gateway = gateway.New(gateway.Config{
		EventBus: s.eb,
		Store:    s.service.store,
		Session:  s.service.session,
		Score:    s.service.score,
		Verifier: auth.NewVerifier(auth.Config{Secret: s.c.Auth.JWTSecret}),
		Mirror:   gateway.NewRedisPublisher(s.infra.redis.pubsub, s.c.Redis.Pubsub.Prefix),
	})
	s.service.gateway.RegisterRoutes(e)

	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.c.HTTP.Port),
		Handler:           e,
		ReadHeaderTimeout: 60 * time.Second,
	}
}

func (s *Server) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.c.GRPC.Port))
	if err != nil {
		slog.ErrorContext(ctx, "grpc server: listen failed", "error", err)
		panic(err)
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

	eg.Go(func() error {
		s.service.gateway.Run(ctx)
		return nil
	})

	eg.Go(func() error {
		interval := time.Duration(s.c.Session.JanitorSeconds) * time.Second
		if interval <= 0 {
			interval = time.Minute
		}
		maxIdle := time.Duration(s.c.Session.MaxIdleMinutes) * time.Minute
		if maxIdle <= 0 {
			maxIdle = 2 * time.Hour
		}
		s.service.session.RunJanitor(ctx, interval, maxIdle)
		return nil
	})

	err = eg.Wait()
	if err != nil {
		slog.ErrorContext(ctx, "server: shutdown with error", "error", err)
	}
}

func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.grpc.GracefulStop()
	if err := s.http.Shutdown(ctx); err != nil {
		slog.ErrorContext(ctx, "server: shutdown HTTP failed", "error", err)
	}

	if s.cancel != nil {
		s.cancel()
	}

	s.eb.Stop()

	slog.InfoContext(ctx, "server: shutdown completed")
}
