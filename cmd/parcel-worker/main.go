package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/BearBump/ParcelDesk/config"
)

func main() {
	cfg, err := config.LoadConfig(os.Getenv("configPath"))
	if err != nil {
		panic(fmt.Sprintf("ошибка парсинга конфига, %v", err))
	}

	httpAddr := cfg.ParcelDesk.WorkerHTTPAddr
	if httpAddr == "" {
		httpAddr = ":8082"
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	opts := workerHTTPOpts{
		httpAddr:    httpAddr,
		swaggerPath: os.Getenv("swaggerPath"),
	}

	if err := RunParcelWorker(ctx, cfg, defaultWorkerFactories(), opts); err != nil && err != context.Canceled {
		panic(err)
	}
}
