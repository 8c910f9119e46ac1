package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/clearbook/exchange/api"
	"github.com/clearbook/exchange/internal/config"
	"github.com/clearbook/exchange/internal/database"
	"github.com/clearbook/exchange/internal/exchange/engine"
	"github.com/clearbook/exchange/internal/exchange/repository"
	"github.com/clearbook/exchange/internal/exchange/service"
	"github.com/clearbook/exchange/internal/ws"
	"github.com/clearbook/exchange/pkg/logger"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	zapLogger, err := logger.NewLogger(cfg.Log.Level)
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	db, err := database.New(cfg.Database)
	if err != nil {
		zapLogger.Fatal("failed to open database", zap.Error(err))
	}

	repo := repository.NewGormRepository(db, zapLogger)
	broadcaster := ws.NewBroadcaster(repo, zapLogger)

	eng := engine.New(engine.Config{
		Instrument: cfg.Exchange.Instrument,
		QueueSize:  cfg.Exchange.QueueSize,
	}, repo, broadcaster, zapLogger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := eng.Start(ctx); err != nil {
		zapLogger.Fatal("failed to start matching engine", zap.Error(err))
	}

	svc := service.NewService(repo, eng, zapLogger, cfg.Exchange.IdempotencyTTL)
	go svc.RunIdempotencyJanitor(ctx, cfg.Exchange.JanitorInterval)

	server := api.NewServer(zapLogger, svc, broadcaster)
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Run(cfg.Server.Addr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		zapLogger.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			zapLogger.Error("http server failed", zap.Error(err))
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		zapLogger.Error("http shutdown failed", zap.Error(err))
	}
	eng.Stop()
	cancel()
	zapLogger.Info("shutdown complete")
}
