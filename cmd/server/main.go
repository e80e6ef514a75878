package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"escrow-service/internal/chains"
	"escrow-service/internal/chains/golos"
	"escrow-service/internal/config"
	"escrow-service/internal/i18n"
	"escrow-service/internal/repository"
	"escrow-service/internal/transport/telegram"
	"escrow-service/internal/usecase"
	"escrow-service/internal/watch"
	"escrow-service/internal/worker"
)

func main() {
	// Load .env
	_ = godotenv.Load()

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	db, err := repository.Connect(ctx, cfg.Mongo.URI, cfg.Mongo.Database)
	cancel()
	if err != nil {
		logger.Fatal("failed to connect to mongodb", zap.Error(err))
	}
	logger.Info("Connected to mongodb", zap.String("database", cfg.Mongo.Database))

	escrowRepo := repository.NewEscrowRepository(db)
	orderRepo := repository.NewOrderRepository(db)

	translator, err := i18n.NewTranslator(cfg.Locales.Dir, logger)
	if err != nil {
		logger.Fatal("failed to load locales", zap.Error(err))
	}

	bot, err := telegram.NewBot(cfg.Telegram.Token, translator, logger)
	if err != nil {
		logger.Fatal("failed to start telegram bot", zap.Error(err))
	}

	// Blockchain backends and their watch queues.
	registry := chains.NewRegistry()
	queues := watch.NewSet()

	golosChain := golos.New(golos.Config{
		Nodes:     cfg.Golos.Nodes,
		WalletURL: cfg.Golos.WalletURL,
		Account:   cfg.Golos.Account,
		Explorer:  cfg.Golos.Explorer,
		Limits:    cfg.Golos.Limits,
	}, logger)
	registry.Register(golosChain)
	queues.Add(golosChain.Name(), watch.NewQueue(golosChain, logger))

	watchUsecase := usecase.NewWatchUsecase(escrowRepo, registry, queues, bot, translator, logger)
	golosChain.Attach(queues.For(golosChain.Name()), watchUsecase)

	scheduler := worker.NewScheduler(logger)
	defer scheduler.Stop()

	escrowUsecase := usecase.NewEscrowUsecase(
		escrowRepo,
		orderRepo,
		registry,
		queues,
		bot,
		translator,
		scheduler,
		logger,
		cfg.Telegram.SupportChatID,
	)
	bot.SetEscrowUsecase(escrowUsecase)

	ctx, cancel = context.WithTimeout(context.Background(), 30*time.Second)
	if err := golosChain.Connect(ctx); err != nil {
		logger.Fatal("failed to connect to golos", zap.Error(err))
	}
	if err := watchUsecase.RebuildQueues(ctx); err != nil {
		logger.Error("failed to rebuild watch queues", zap.Error(err))
	}
	cancel()

	go bot.Start()
	logger.Info("Escrow service started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down")
	bot.Stop()
	golosChain.Close()
}
