package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/lentmiien/dhl-server-app/config"
)

func main() {
	cfg, err := config.LoadConfig(os.Getenv("configPath"))
	if err != nil {
		panic(fmt.Sprintf("ошибка парсинга конфига, %v", err))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	opts := serverOpts{swaggerPath: os.Getenv("swaggerPath")}
	if err := RunLabelServer(ctx, cfg, defaultServerFactories(), opts); err != nil && err != context.Canceled {
		panic(err)
	}
}
