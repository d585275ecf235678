package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BearBump/ParcelDesk/config"
	"github.com/BearBump/ParcelDesk/internal/adapters"
	"github.com/BearBump/ParcelDesk/internal/adapters/amazonhttp"
	"github.com/BearBump/ParcelDesk/internal/adapters/dhlhttp"
	"github.com/BearBump/ParcelDesk/internal/adapters/fake"
	"github.com/BearBump/ParcelDesk/internal/adapters/fedexhttp"
	"github.com/BearBump/ParcelDesk/internal/adapters/upshttp"
	"github.com/BearBump/ParcelDesk/internal/adapters/uspshttp"
	"github.com/BearBump/ParcelDesk/internal/broker/kafka"
	"github.com/BearBump/ParcelDesk/internal/cache/rediscache"
	"github.com/BearBump/ParcelDesk/internal/models"
	"github.com/BearBump/ParcelDesk/internal/services/requests"
	"github.com/BearBump/ParcelDesk/internal/storage/pgrequests"
)

type parcelAPIApp struct {
	ctx      context.Context
	cancel   context.CancelFunc
	opts     parcelAPIOpts
	svc      *requests.Service
	producer *kafka.Producer
	closeDB  func()
}

func mustBootstrapParcelAPI() *parcelAPIApp {
	cfgPath := os.Getenv("configPath")
	if cfgPath == "" {
		panic("configPath env var is required")
	}
	swaggerPath := os.Getenv("swaggerPath")
	if swaggerPath == "" {
		panic("swaggerPath env var is required")
	}

	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		panic(fmt.Sprintf("ошибка парсинга конфига, %v", err))
	}

	httpAddr := cfg.ParcelDesk.HTTPAddr
	if httpAddr == "" {
		httpAddr = ":8080"
	}
	topic := cfg.Kafka.RequestDispatchedTopicName
	if topic == "" {
		topic = "request.dispatched"
	}
	cacheTTL := time.Duration(cfg.ParcelDesk.CurrentStatusTTLSeconds) * time.Second
	if cacheTTL <= 0 {
		cacheTTL = 10 * time.Minute
	}

	st := mustOpenPostgresWithRetry(postgresConnString(cfg), 60*time.Second)

	redisAddr := fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port)
	rc := rediscache.New(redisAddr)

	brokers := []string{fmt.Sprintf("%s:%d", cfg.Kafka.Host, cfg.Kafka.Port)}
	producer := kafka.NewProducer(brokers)

	svc := requests.New(st, buildRegistry(cfg), producer, rc, topic, cacheTTL)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	return &parcelAPIApp{
		ctx:    ctx,
		cancel: cancel,
		opts: parcelAPIOpts{
			httpAddr:    httpAddr,
			swaggerPath: swaggerPath,
		},
		svc:      svc,
		producer: producer,
		closeDB:  st.Close,
	}
}

func postgresConnString(cfg *config.Config) string {
	sslMode := cfg.Database.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.Database.Username, cfg.Database.Password, cfg.Database.Host, cfg.Database.Port, cfg.Database.DBName, sslMode)
}

func mustOpenPostgresWithRetry(connString string, wait time.Duration) *pgrequests.Storage {
	deadline := time.Now().Add(wait)
	var lastErr error
	for time.Now().Before(deadline) {
		st, err := pgrequests.New(connString)
		if err == nil {
			return st
		}
		lastErr = err
		time.Sleep(1 * time.Second)
	}
	panic(fmt.Sprintf("postgres is not ready after %s: %v", wait, lastErr))
}

// buildRegistry wires one adapter per carrier. Outside of adapter_mode "live"
// the deterministic fakes are used, so the demo stack needs no credentials.
func buildRegistry(cfg *config.Config) *adapters.Registry {
	r := adapters.NewRegistry()
	if cfg.ParcelDesk.AdapterMode != "live" {
		for _, c := range models.KnownCarriers {
			r.Register(c, fake.New(c))
		}
		return r
	}
	r.Register(models.CarrierUSPS, uspshttp.New(cfg.Carriers.USPS.BaseURL, cfg.Carriers.USPS.UserID))
	r.Register(models.CarrierUPS, upshttp.New(cfg.Carriers.UPS.BaseURL, cfg.Carriers.UPS.AccessLicense))
	r.Register(models.CarrierFedEx, fedexhttp.New(cfg.Carriers.FedEx.BaseURL, cfg.Carriers.FedEx.APIKey, cfg.Carriers.FedEx.APISecret))
	r.Register(models.CarrierDHL, dhlhttp.New(cfg.Carriers.DHL.BaseURL, cfg.Carriers.DHL.APIKey))
	r.Register(models.CarrierAmazon, amazonhttp.New(cfg.Carriers.Amazon.BaseURL, cfg.Carriers.Amazon.Token))
	return r
}

func (a *parcelAPIApp) Close() {
	if a.cancel != nil {
		a.cancel()
	}
	if a.producer != nil {
		_ = a.producer.Close()
	}
	if a.closeDB != nil {
		a.closeDB()
	}
}

func (a *parcelAPIApp) Run() error {
	return runParcelAPI(a.ctx, a.opts, a.svc)
}
