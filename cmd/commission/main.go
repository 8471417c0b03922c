package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/iurnickita/commission/internal/auth"
	"github.com/iurnickita/commission/internal/config"
	"github.com/iurnickita/commission/internal/handler"
	"github.com/iurnickita/commission/internal/logger"
	"github.com/iurnickita/commission/internal/service"
	"github.com/iurnickita/commission/internal/store"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.GetConfig()
	if err != nil {
		return err
	}

	zaplog, err := logger.NewZapLog(cfg.Logger)
	if err != nil {
		return err
	}
	defer zaplog.Sync()

	store, err := store.NewStore(cfg.Store)
	if err != nil {
		return err
	}
	defer store.Close()
	if cfg.Store.DBDsn == "" {
		zaplog.Warn("no database configured, ledger is kept in memory")
	}

	auth := auth.NewAuth(cfg.Handler.TokenSecret)
	service, err := service.NewService(cfg.Service, store, zaplog)
	if err != nil {
		return err
	}

	zaplog.Info("commission ledger starting", zap.String("address", cfg.Handler.ServerAddr))
	return handler.Serve(ctx, cfg.Handler, auth, service, zaplog)
}
