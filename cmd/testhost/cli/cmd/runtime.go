package cmd

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/balaji-balu/margo-testhost/internal/config"
	"github.com/balaji-balu/margo-testhost/internal/metrics"
	"github.com/balaji-balu/margo-testhost/internal/natsbroker"
	"github.com/balaji-balu/margo-testhost/internal/orchestrator"
	"github.com/balaji-balu/margo-testhost/internal/publish"
	"github.com/balaji-balu/margo-testhost/internal/telemetry"
	"github.com/balaji-balu/margo-testhost/internal/webhost"
	"github.com/balaji-balu/margo-testhost/internal/webhost/appcmd"
	"github.com/balaji-balu/margo-testhost/internal/webhost/boltstore"
	"github.com/balaji-balu/margo-testhost/internal/webhost/memstore"
)

// runtime holds everything a command wires up from the config. close
// releases it in reverse order.
type runtime struct {
	opener   webhost.Opener
	opts     orchestrator.Options
	registry *prometheus.Registry
	closers  []func(context.Context) error
}

func (rt *runtime) close(ctx context.Context) {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](ctx); err != nil {
			log.Warn("shutdown step failed", zap.Error(err))
		}
	}
}

func newRuntime(ctx context.Context, cfg *config.Config) (*runtime, error) {
	rt := &runtime{registry: prometheus.NewRegistry()}

	shutdown, err := telemetry.InitTracer(ctx, cfg.Service, telemetry.Options{
		Exporter: cfg.Telemetry.Exporter,
		Endpoint: cfg.Telemetry.Endpoint,
	})
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, shutdown)

	switch cfg.Store.Driver {
	case config.StoreMemory:
		rt.opener = memstore.New()
	case config.StoreBolt:
		store, err := boltstore.New(cfg.Store.Path)
		if err != nil {
			rt.close(ctx)
			return nil, err
		}
		rt.opener = store
		rt.closers = append(rt.closers, func(context.Context) error { return store.Close() })
	case config.StoreAppcmd:
		path := cfg.Store.AppcmdPath
		if path == "" {
			path = appcmd.DefaultPath
		}
		rt.opener = appcmd.New(appcmd.ExecRunner(path), log)
	default:
		rt.close(ctx)
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}

	publisher, err := newPublisher(cfg)
	if err != nil {
		rt.close(ctx)
		return nil, err
	}

	rt.opts = orchestrator.Options{
		SiteName:    cfg.Site.Name,
		RootFolder:  cfg.Site.RootFolder,
		Publisher:   publisher,
		JournalPath: cfg.Journal.Path,
		Metrics:     metrics.New(rt.registry),
		Logger:      log,
	}

	if cfg.Broker.URL != "" {
		broker, err := natsbroker.New(cfg.Broker.URL, cfg.Broker.SubjectPrefix)
		if err != nil {
			rt.close(ctx)
			return nil, fmt.Errorf("connect broker: %w", err)
		}
		rt.opts.Notifier = broker
		rt.closers = append(rt.closers, func(context.Context) error { broker.Close(); return nil })
	}
	return rt, nil
}

func newPublisher(cfg *config.Config) (publish.Publisher, error) {
	if cfg.Publish.OCIRef == "" {
		return publish.NewDirectoryPublisher(cfg.Publish.Root, log), nil
	}
	src, tag, err := publish.NewRemoteSource(cfg.Publish.OCIRef, cfg.Publish.OCIUsername, cfg.Publish.OCIToken)
	if err != nil {
		return nil, err
	}
	return &publish.OCIPublisher{Source: src, Tag: tag, Root: cfg.Publish.Root, Logger: log}, nil
}
