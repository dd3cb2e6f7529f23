package main

import (
	"context"
	"database/sql"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"

	"metachat/chat-sync/internal/api/handler"
	"metachat/chat-sync/internal/chathub"
	"metachat/chat-sync/internal/config"
	grpcServer "metachat/chat-sync/internal/grpc"
	"metachat/chat-sync/internal/notify"
	"metachat/chat-sync/internal/presence"
	"metachat/chat-sync/internal/repository"
	"metachat/chat-sync/internal/service"

	pb "github.com/kegazani/metachat-proto/chat"
)

type stores struct {
	chats repository.ChatRepository
	users repository.UserRepository
	close func()
}

func openStores(cfg config.DatabaseConfig, logger *logrus.Logger) (*stores, error) {
	if cfg.Driver == "memory" {
		logger.Warn("Using in-memory store, data is lost on restart")
		mem := repository.NewMemoryStore()
		return &stores{chats: mem, users: mem, close: func() {}}, nil
	}

	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("Connected to PostgreSQL database")

	users := repository.NewUserRepository(db)
	chats := repository.NewChatRepository(db)
	for _, r := range []interface{ InitializeTables() error }{users, chats} {
		if err := r.InitializeTables(); err != nil {
			db.Close()
			return nil, err
		}
	}

	return &stores{chats: chats, users: users, close: func() { db.Close() }}, nil
}

func openNotifier(ctx context.Context, cfg config.RedisConfig, logger *logrus.Logger) (notify.Notifier, func(), error) {
	if !cfg.Enabled {
		return notify.NewLocalNotifier(), func() {}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, err
	}

	notifier := notify.NewRedisNotifier(client, cfg.ChannelPrefix, logger)
	go func() {
		if err := notifier.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.WithError(err).Error("Redis event subscription stopped")
		}
	}()

	logger.WithField("addr", cfg.Addr).Info("Connected to Redis event bus")
	return notifier, func() { client.Close() }, nil
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}

	logger := config.NewLogger(cfg.Logging)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	st, err := openStores(cfg.Database, logger)
	if err != nil {
		logger.Fatalf("Failed to open store: %v", err)
	}
	defer st.close()

	notifier, closeNotifier, err := openNotifier(ctx, cfg.Redis, logger)
	if err != nil {
		logger.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer closeNotifier()

	tracker := presence.NewTracker(st.users, notifier, logger)
	defer tracker.Close()

	hub := chathub.NewHub(st.chats, notifier, logger)
	defer hub.Close()

	resolver := service.NewStatusResolver(st.chats, tracker, notifier, logger)
	detach := resolver.Attach(tracker, hub)
	defer detach()

	chatService := service.NewChatService(service.ChatServiceDeps{
		Chats:        st.chats,
		Users:        st.users,
		Presence:     tracker,
		Resolver:     resolver,
		Hub:          hub,
		Notifier:     notifier,
		Logger:       logger,
		HistoryLimit: cfg.Chat.HistoryLimit,
	})
	directory := service.NewDirectoryService(st.users, chatService, logger)

	grpcSrv := grpcServer.NewChatServer(chatService, logger)

	address := net.JoinHostPort(cfg.Server.Host, cfg.Server.Port)
	lis, err := net.Listen("tcp", address)
	if err != nil {
		logger.Fatalf("Failed to listen on %s: %v", address, err)
	}

	s := grpc.NewServer()
	pb.RegisterChatServiceServer(s, grpcSrv)

	if cfg.GRPC.ReflectionEnabled {
		reflection.Register(s)
		logger.Info("gRPC reflection enabled")
	}

	go func() {
		logger.Infof("Starting gRPC server on %s", address)
		if err := s.Serve(lis); err != nil {
			logger.Fatalf("Failed to start gRPC server: %v", err)
		}
	}()

	httpAddress := net.JoinHostPort(cfg.Server.Host, cfg.HTTP.Port)
	httpSrv := &http.Server{
		Addr:              httpAddress,
		Handler:           handler.NewRouter(handler.NewHandler(chatService, directory, tracker, logger), cfg.HTTP.Mode),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Infof("Starting HTTP server on %s", httpAddress)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("Failed to start HTTP server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down servers...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.GRPC.ShutdownTimeout)
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("HTTP server shutdown incomplete")
	}

	done := make(chan struct{})
	go func() {
		s.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("gRPC server exited gracefully")
	case <-shutdownCtx.Done():
		logger.Info("gRPC server shutdown timeout")
		s.Stop()
	}

	logger.Info("Server exited")
}
