package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
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
	"github.com/BearBump/ParcelDesk/internal/broker/messages"
	"github.com/BearBump/ParcelDesk/internal/cache"
	"github.com/BearBump/ParcelDesk/internal/cache/rediscache"
	"github.com/BearBump/ParcelDesk/internal/callback"
	"github.com/BearBump/ParcelDesk/internal/models"
	"github.com/BearBump/ParcelDesk/internal/services/fulfill"
	"github.com/BearBump/ParcelDesk/internal/storage/pgrequests"
)

type kafkaConsumer interface {
	Consume(ctx context.Context, handler func(key, value []byte) error) error
	Close() error
}

type workerFactories struct {
	newStorage     func(cfg *config.Config) (repo fulfill.Repository, closeFn func(), err error)
	newRateLimiter func(cfg *config.Config) fulfill.RateLimiter
	newNotifier    func(cfg *config.Config) fulfill.Notifier
	newRegistry    func(cfg *config.Config) fulfill.Resolver
	newConsumer    func(cfg *config.Config) kafkaConsumer
	newCache       func(cfg *config.Config) cache.BytesCache
}

func defaultWorkerFactories() workerFactories {
	return workerFactories{
		newStorage: func(cfg *config.Config) (fulfill.Repository, func(), error) {
			sslMode := cfg.Database.SSLMode
			if sslMode == "" {
				sslMode = "disable"
			}
			connString := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
				cfg.Database.Username, cfg.Database.Password, cfg.Database.Host, cfg.Database.Port, cfg.Database.DBName, sslMode)
			st, err := pgrequests.New(connString)
			if err != nil {
				return nil, nil, err
			}
			return st, st.Close, nil
		},
		newRateLimiter: func(cfg *config.Config) fulfill.RateLimiter {
			redisAddr := fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port)
			return rediscache.NewRateLimiter(redisAddr)
		},
		newCache: func(cfg *config.Config) cache.BytesCache {
			redisAddr := fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port)
			return rediscache.New(redisAddr)
		},
		newNotifier: func(cfg *config.Config) fulfill.Notifier {
			return callback.New(time.Duration(cfg.ParcelDesk.CallbackTimeoutSeconds) * time.Second)
		},
		newRegistry: func(cfg *config.Config) fulfill.Resolver {
			return buildRegistry(cfg)
		},
		newConsumer: func(cfg *config.Config) kafkaConsumer {
			topic := cfg.Kafka.RequestDispatchedTopicName
			if topic == "" {
				topic = "request.dispatched"
			}
			group := cfg.ParcelDesk.KafkaConsumerGroup
			if group == "" {
				group = "parcel-worker"
			}
			brokers := []string{fmt.Sprintf("%s:%d", cfg.Kafka.Host, cfg.Kafka.Port)}
			return kafka.NewConsumer(brokers, topic, group)
		},
	}
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

func newWorker(cfg *config.Config, f workerFactories) (*fulfill.Worker, func(), error) {
	sweepInterval := time.Duration(cfg.ParcelDesk.WorkerSweepIntervalSeconds) * time.Second
	adapterTimeout := time.Duration(cfg.ParcelDesk.WorkerAdapterTimeoutSeconds) * time.Second
	lease := time.Duration(cfg.ParcelDesk.WorkerLeaseSeconds) * time.Second

	repo, closeFn, err := f.newStorage(cfg)
	if err != nil {
		return nil, nil, err
	}

	carrierLimits := map[string]int64{
		models.CarrierUSPS:   int64(cfg.ParcelDesk.WorkerRateLimitUSPSPerMinute),
		models.CarrierUPS:    int64(cfg.ParcelDesk.WorkerRateLimitUPSPerMinute),
		models.CarrierFedEx:  int64(cfg.ParcelDesk.WorkerRateLimitFedExPerMinute),
		models.CarrierDHL:    int64(cfg.ParcelDesk.WorkerRateLimitDHLPerMinute),
		models.CarrierAmazon: int64(cfg.ParcelDesk.WorkerRateLimitAmazonPerMinute),
	}

	w := fulfill.New(repo, f.newRegistry(cfg), f.newRateLimiter(cfg), f.newNotifier(cfg)).
		WithSettings(sweepInterval, cfg.ParcelDesk.WorkerBatchSize, cfg.ParcelDesk.WorkerConcurrency,
			lease, adapterTimeout, int64(cfg.ParcelDesk.WorkerRateLimitPerMinute)).
		WithCarrierRateLimits(carrierLimits)
	if f.newCache != nil {
		w = w.WithCache(f.newCache(cfg))
	}
	return w, closeFn, nil
}

func RunParcelWorker(ctx context.Context, cfg *config.Config, f workerFactories, opts workerHTTPOpts) error {
	w, closeFn, err := newWorker(cfg, f)
	if err != nil {
		return err
	}
	if closeFn != nil {
		defer closeFn()
	}

	if f.newConsumer != nil {
		consumer := f.newConsumer(cfg)
		defer func() { _ = consumer.Close() }()
		go func() {
			slog.Info("kafka consumer started")
			err := consumer.Consume(ctx, func(_key, value []byte) error {
				var m messages.RequestDispatched
				if err := json.Unmarshal(value, &m); err != nil {
					// Битое сообщение коммитим и идём дальше, sweep подстрахует.
					slog.Error("bad dispatch message", "error", err.Error())
					return nil
				}
				return w.HandleDispatch(ctx, m.RequestID)
			})
			if err != nil && ctx.Err() == nil {
				slog.Error("kafka consumer stopped", "error", err.Error())
			}
		}()
	}

	if opts.httpAddr != "" {
		opts.worker = w
		opts.cfg = cfg
		go func() {
			if err := runWorkerHTTPServer(ctx, opts); err != nil && ctx.Err() == nil {
				slog.Error("worker http server stopped", "error", err.Error())
			}
		}()
	}

	return w.Run(ctx)
}
