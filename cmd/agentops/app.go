package main

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/aixgo-dev/agentops/internal/observability"
	"github.com/aixgo-dev/agentops/internal/operation"
	"github.com/aixgo-dev/agentops/pkg/config"
	"github.com/aixgo-dev/agentops/pkg/eventbus"
	"github.com/aixgo-dev/agentops/pkg/message"
)

// app holds the process-wide services shared by every command.
type app struct {
	cfg      *config.Config
	ops      *operation.Store
	bus      *eventbus.Bus
	nats     *eventbus.NATSPublisher
	backend  message.Backend
	redis    *message.RedisBackend
	messages *message.Store
}

// newApp wires the operation store, its observers and the message backend.
// NATS and Redis are optional and enabled by a non-empty address.
func newApp(cfg *config.Config) (*app, error) {
	tracing := observability.ConfigFromEnv()
	if cfg.OTel.Exporter != "" {
		tracing.ExporterType = cfg.OTel.Exporter
	}
	if cfg.OTel.ServiceName != "" {
		tracing.ServiceName = cfg.OTel.ServiceName
	}
	if err := observability.Init(tracing); err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}

	a := &app{cfg: cfg, bus: eventbus.NewBus()}
	storeOpts := []operation.Option{
		operation.WithRetention(cfg.Operations.Retention),
		operation.WithCleanupAge(cfg.Operations.CleanupDefault),
		operation.WithVerbose(cfg.Verbose),
		operation.WithObserver(operation.MetricsObserver{}),
		operation.WithObserver(a.bus),
	}

	if cfg.NATS.URL != "" {
		pub, err := eventbus.ConnectNATS(cfg.NATS.URL, cfg.NATS.SubjectPrefix)
		if err != nil {
			a.close(context.Background())
			return nil, err
		}
		a.nats = pub
		storeOpts = append(storeOpts, operation.WithObserver(pub))
		log.Printf("Publishing operation events to %s", cfg.NATS.URL)
	}
	a.ops = operation.NewStore(storeOpts...)

	if cfg.Redis.Addr != "" {
		rb, err := message.NewRedisBackend(message.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
			TTL:      cfg.Redis.TTL,
		})
		if err != nil {
			a.close(context.Background())
			return nil, err
		}
		a.redis = rb
		a.backend = rb
		log.Printf("Storing messages in Redis at %s", cfg.Redis.Addr)
	} else {
		a.backend = message.NewMemoryBackend()
	}
	a.messages = message.NewStore(a.backend)
	return a, nil
}

// close releases every connection and flushes pending spans.
func (a *app) close(ctx context.Context) error {
	var errs []error
	if a.bus != nil {
		a.bus.Close()
	}
	if a.nats != nil {
		errs = append(errs, a.nats.Close())
	}
	if a.backend != nil {
		errs = append(errs, a.backend.Close())
	}
	errs = append(errs, observability.Shutdown(ctx))
	return errors.Join(errs...)
}
