package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"possync/internal/app/server"
	"possync/internal/app/server/config"
	"possync/internal/utils/logger"
)

func main() {
	conf := config.MustLoad()
	log := logger.NewWithLevel(conf.Env, conf.Logger.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := server.New(ctx, conf, log)
	if err != nil {
		log.Error("failed to start", "error", err)
		os.Exit(1)
	}

	if err := app.Run(ctx); err != nil {
		log.Error("server stopped with error", "error", err)
		os.Exit(1)
	}
	log.Info("server stopped")
}
