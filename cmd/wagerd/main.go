package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/MarkoPoloResearchLab/wager/internal/config"
	"github.com/MarkoPoloResearchLab/wager/internal/grpcserver"
	"github.com/MarkoPoloResearchLab/wager/internal/httpapi"
	"github.com/MarkoPoloResearchLab/wager/internal/livecache"
	"github.com/MarkoPoloResearchLab/wager/internal/notify"
	"github.com/MarkoPoloResearchLab/wager/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/wager/internal/store/memstore"
	"github.com/MarkoPoloResearchLab/wager/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/wager/internal/sweeper"
	"github.com/MarkoPoloResearchLab/wager/pkg/dispute"
	"github.com/MarkoPoloResearchLab/wager/pkg/ledger"
	"github.com/MarkoPoloResearchLab/wager/pkg/settlement"
)

const (
	memoryDatabaseURL = "memory://"
	redisPingTimeout  = 3 * time.Second
)

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "wagerd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := config.Config{}
	cmd := &cobra.Command{
		Use:           "wagerd",
		Short:         "Wager ledger and match settlement server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := config.Load(cmd)
			if err != nil {
				return err
			}
			cfg = loaded
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}
	config.RegisterFlags(cmd)
	return cmd
}

func runServer(ctx context.Context, cfg config.Config) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("store open: %w", err)
	}
	defer closeStore()

	var (
		publisher ledger.EventPublisher = notify.NewLogPublisher(logger)
		cache     *livecache.Cache
	)
	if cfg.RedisEnabled() {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer func() { _ = client.Close() }()
		pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		redisPublisher, err := notify.NewRedisPublisher(client, notify.WithChannelPrefix(cfg.ChannelPrefix))
		if err != nil {
			return err
		}
		publisher = notify.Fanout{redisPublisher, publisher}
		cache, err = livecache.New(client, livecache.DefaultTTL)
		if err != nil {
			return err
		}
	}

	operationLogger := notify.NewZapOperationLogger(logger)
	wallet, err := ledger.NewService(store, time.Now,
		ledger.WithOperationLogger(operationLogger),
		ledger.WithEventPublisher(publisher),
		ledger.WithPlatformUserID(cfg.PlatformUserID),
	)
	if err != nil {
		return fmt.Errorf("wallet ledger init: %w", err)
	}
	disputes, err := dispute.NewService(store, wallet, time.Now,
		dispute.WithOperationLogger(operationLogger),
		dispute.WithEventPublisher(publisher),
	)
	if err != nil {
		return fmt.Errorf("dispute resolver init: %w", err)
	}
	settlementOptions := []settlement.Option{
		settlement.WithOperationLogger(operationLogger),
		settlement.WithEventPublisher(publisher),
		settlement.WithTimings(cfg.MatchTimeout, cfg.EvidenceWindow, 0),
		settlement.WithDefaultRake(cfg.RakePercent),
	}
	var (
		heartbeats grpcserver.HeartbeatRecorder
		snapshots  httpapi.MatchSnapshots
	)
	if cache != nil {
		settlementOptions = append(settlementOptions, settlement.WithHeartbeatSource(cache), settlement.WithMatchCache(cache))
		heartbeats = cache
		snapshots = cache
	}
	settlementService, err := settlement.NewService(store, wallet, disputes, time.Now, settlementOptions...)
	if err != nil {
		return fmt.Errorf("settlement init: %w", err)
	}

	matchSweeper, err := sweeper.New(settlementService, cfg.SweepInterval, logger)
	if err != nil {
		return err
	}

	grpcServer := grpc.NewServer()
	grpcserver.RegisterSettlementServiceServer(grpcServer, grpcserver.NewSettlementServer(wallet, settlementService, disputes, heartbeats, time.Now))

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		matchSweeper.Run(groupCtx)
		return nil
	})
	group.Go(func() error {
		return serveGRPC(groupCtx, logger, cfg.GRPCListenAddr, grpcServer)
	})
	if cfg.HTTPEnabled() {
		validator, err := sessionvalidator.New(sessionvalidator.Config{
			SigningKey: []byte(cfg.SessionSigningKey),
			Issuer:     cfg.SessionIssuer,
			CookieName: cfg.SessionCookieName,
		})
		if err != nil {
			return fmt.Errorf("session validator: %w", err)
		}
		httpConfig := httpapi.Config{
			ListenAddr:     cfg.HTTPListenAddr,
			AllowedOrigins: cfg.AllowedOrigins,
			RequestTimeout: cfg.RequestTimeout,
			AdminRole:      cfg.AdminRole,
		}
		handler := httpapi.NewHandler(logger, wallet, settlementService, disputes, snapshots, httpConfig)
		router := httpapi.NewRouter(httpConfig, handler, validator)
		group.Go(func() error {
			return httpapi.Serve(groupCtx, logger, cfg.HTTPListenAddr, router)
		})
	}
	return group.Wait()
}

func serveGRPC(ctx context.Context, logger *zap.Logger, listenAddr string, grpcServer *grpc.Server) error {
	lis, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gRPC server starting", zap.String("listen_addr", listenAddr))
		errCh <- grpcServer.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
		grpcServer.GracefulStop()
		if serveErr := <-errCh; serveErr != nil && !errors.Is(serveErr, grpc.ErrServerStopped) {
			return serveErr
		}
		return nil
	case serveErr := <-errCh:
		if errors.Is(serveErr, grpc.ErrServerStopped) {
			return nil
		}
		return serveErr
	}
}

func openStore(ctx context.Context, cfg config.Config) (ledger.Store, func(), error) {
	if cfg.DatabaseURL == memoryDatabaseURL {
		return memstore.New(), func() {}, nil
	}
	if cfg.StoreDriver == config.StoreDriverPGX {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		if err := pgstore.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return pgstore.New(pool), pool.Close, nil
	}

	gormDB, cleanup, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	if err := gormstore.AutoMigrate(gormDB); err != nil {
		_ = cleanup()
		return nil, nil, err
	}
	return gormstore.New(gormDB), func() { _ = cleanup() }, nil
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, err
	}

	var db *gorm.DB
	cfg := &gorm.Config{}
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), cfg)
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), cfg)
	default:
		return nil, nil, fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, err
	}
	if driver == "sqlite" {
		// SQLite allows a single writer.
		sqlDB.SetMaxOpenConns(1)
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if config.IsPostgresURL(dsn) {
		return "postgres", "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "wager.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return "sqlite", sqlitePath, err
	}
	sqlitePath, err := normalizeSQLitePath(dsn)
	return "sqlite", sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(".", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	return path, nil
}
