package main

import (
	"fmt"
	"time"

	"gridxfer/pkg/catalogue"
	"gridxfer/pkg/config"
	"gridxfer/pkg/metrics"
	"gridxfer/pkg/qos"
	"gridxfer/pkg/ticket"
	"gridxfer/pkg/transfer"
	"gridxfer/pkg/transport"
	"gridxfer/pkg/types"
	"gridxfer/pkg/workpool"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const ticketIssuer = "gridxfer"

// runtime holds everything a client command needs, built from config.
type runtime struct {
	cfg       *config.Config
	logger    *zap.Logger
	registry  *prometheus.Registry
	catalogue *catalogue.Catalogue
	mux       *transport.Mux
	pool      *workpool.Pool
	client    *transfer.Client
}

func newRuntime() (*runtime, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger := setupLogger(verbose, cfg.Log.Level)

	if err := cfg.Validate(); err != nil {
		logger.Sync()
		return nil, types.NewError(types.CodeInvalidArgument, "config", configFile, err)
	}

	rt := &runtime{
		cfg:      cfg,
		logger:   logger,
		registry: prometheus.NewRegistry(),
	}
	if err := rt.build(); err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

func (rt *runtime) build() error {
	cfg := rt.cfg
	m := metrics.NewTransferMetrics(rt.registry)

	authority, err := ticket.NewAuthority([]byte(cfg.Catalogue.TicketSecret), ticketIssuer, cfg.Catalogue.TicketTTLDuration())
	if err != nil {
		return fmt.Errorf("failed to create ticket authority: %w", err)
	}

	ns, err := catalogue.OpenNamespace(cfg.Catalogue.Backend, cfg.Catalogue.DataDir, rt.logger.Named("namespace"))
	if err != nil {
		return fmt.Errorf("failed to open catalogue: %w", err)
	}

	rt.catalogue, err = catalogue.New(catalogue.Options{
		Namespace:     ns,
		Authority:     authority,
		Elements:      cfg.Catalogue.Elements,
		Owner:         cfg.Catalogue.Owner,
		MirrorWorkers: cfg.Catalogue.MirrorWorkers,
		Logger:        rt.logger.Named("catalogue"),
		Metrics:       m,
	})
	if err != nil {
		ns.Close()
		return fmt.Errorf("failed to create catalogue: %w", err)
	}

	tlsConfig, err := cfg.Transfer.TLS.ClientConfig()
	if err != nil {
		return fmt.Errorf("failed to build element TLS config: %w", err)
	}
	rt.mux = transport.NewDefaultMux(transport.Options{
		Timeout:        cfg.Transfer.TimeoutDuration(),
		MaxMessageSize: cfg.Element.MaxMessageBytes(),
		TLS:            tlsConfig,
		Observer:       rt.catalogue.Engine(),
	}, rt.logger.Named("transport"))

	rt.pool = workpool.New(cfg.Transfer.Workers, cfg.Transfer.WorkerIdleTimeoutDuration(), rt.logger.Named("pool"))

	rt.client = transfer.NewClient(transfer.Options{
		Catalogue:           rt.catalogue,
		Transport:           rt.mux,
		Pool:                rt.pool,
		DefaultQoS:          qos.MustParse(cfg.Transfer.DefaultQoS),
		PollInterval:        cfg.Transfer.PollIntervalDuration(),
		HeartbeatInterval:   cfg.Transfer.HeartbeatIntervalDuration(),
		DownloadParallelism: cfg.Transfer.DownloadParallelism,
		MirrorAttempts:      cfg.Catalogue.MirrorAttempts,
		Logger:              rt.logger,
		Metrics:             m,
	})
	rt.catalogue.SetMirrorExecutor(rt.client.MirrorExecutor())

	return nil
}

// Close waits for background uploads before tearing down the catalogue and
// the transport they use.
func (rt *runtime) Close() {
	if rt.client != nil {
		if err := rt.client.Close(); err != nil {
			rt.logger.Warn("Failed to close transfer client", zap.Error(err))
		}
	}
	if rt.catalogue != nil {
		if err := rt.catalogue.Close(); err != nil {
			rt.logger.Warn("Failed to close catalogue", zap.Error(err))
		}
	}
	if rt.mux != nil {
		rt.mux.Close()
	}
	if rt.pool != nil {
		rt.pool.Close()
	}
	rt.logger.Sync()
}

// waitForMirrors blocks until every queued job is done or has used up its
// attempts.
func (rt *runtime) waitForMirrors(results map[string]types.MirrorResult) {
	ticker := time.NewTicker(rt.cfg.Transfer.PollIntervalDuration())
	defer ticker.Stop()

	for range ticker.C {
		if rt.mirrorsSettled(results) {
			return
		}
	}
}

func (rt *runtime) mirrorsSettled(results map[string]types.MirrorResult) bool {
	for _, r := range results {
		if r.TransferID == "" {
			continue
		}
		job, ok := rt.catalogue.MirrorStatus(r.TransferID)
		if !ok {
			continue
		}
		switch {
		case job.State == catalogue.MirrorDone:
		case job.State == catalogue.MirrorFailed && job.Tries >= job.Attempts:
		default:
			return false
		}
	}
	return true
}
