// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package daemon wires the trigger service together: configuration,
// providers, state store, metrics, and the execution emitter.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/kestra-io/workspace-triggers/internal/config"
	"github.com/kestra-io/workspace-triggers/internal/log"
	"github.com/kestra-io/workspace-triggers/internal/poller"
	"github.com/kestra-io/workspace-triggers/internal/provider"
	"github.com/kestra-io/workspace-triggers/pkg/errors"
)

// Options carries build metadata into the daemon.
type Options struct {
	Version   string
	Commit    string
	BuildDate string
}

// Daemon is the long-running trigger host process.
type Daemon struct {
	cfg     *config.Config
	opts    Options
	logger  *slog.Logger
	service *poller.Service
	store   poller.Store
	metrics *http.Server
}

// New creates a daemon from validated configuration.
func New(cfg *config.Config, logger *slog.Logger, opts Options) (*Daemon, error) {
	d := &Daemon{
		cfg:    cfg,
		opts:   opts,
		logger: log.WithComponent(logger, "daemon"),
	}

	store, err := poller.NewSQLiteStore(poller.SQLiteConfig{
		Path:         cfg.State.Path,
		MaxOpenConns: cfg.State.MaxOpenConns,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to open state store")
	}
	d.store = store

	svcCfg := poller.ServiceConfig{
		Store:                store,
		Logger:               logger,
		Emitter:              NewStdoutEmitter(),
		PollTimeout:          cfg.Service.PollTimeout,
		MaxConsecutiveErrors: cfg.Service.MaxConsecutiveErrors,
	}

	if cfg.Metrics.Enabled {
		exporter, err := otelprom.New()
		if err != nil {
			store.Close()
			return nil, errors.Wrap(err, "failed to create metrics exporter")
		}
		svcCfg.MeterProvider = sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		d.metrics = &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	service, err := poller.NewService(svcCfg)
	if err != nil {
		store.Close()
		return nil, errors.Wrap(err, "failed to create trigger service")
	}
	d.service = service

	return d, nil
}

// Run starts the daemon and blocks until the context is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.registerProviders(ctx); err != nil {
		return err
	}
	if err := d.registerTriggers(); err != nil {
		return err
	}

	if err := d.service.Start(ctx); err != nil {
		return err
	}

	if d.metrics != nil {
		go func() {
			d.logger.Info("metrics server listening", slog.String("addr", d.metrics.Addr))
			if err := d.metrics.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				d.logger.Error("metrics server failed", log.Error(err))
			}
		}()
	}

	d.logger.Info("daemon started",
		slog.String("version", d.opts.Version),
		slog.Int("triggers", len(d.cfg.Triggers)))

	<-ctx.Done()
	return d.shutdown()
}

// registerProviders constructs every provider the configured triggers need.
// Providers without a config section run with Application Default Credentials.
func (d *Daemon) registerProviders(ctx context.Context) error {
	needed := make(map[string]bool)
	for _, trigger := range d.cfg.Triggers {
		needed[trigger.Provider] = true
	}

	for name := range needed {
		pc := d.cfg.Providers[name]
		clientCfg := provider.ClientConfig{
			CredentialsJSON: pc.CredentialsJSON,
			CredentialsPath: pc.CredentialsPath,
			Scopes:          pc.Scopes,
			ConnectTimeout:  pc.ConnectTimeout,
		}

		var (
			p   poller.Provider
			err error
		)
		switch name {
		case "gmail":
			p, err = provider.NewGmail(ctx, clientCfg)
		case "calendar":
			p, err = provider.NewCalendar(ctx, clientCfg)
		case "sheets":
			p, err = provider.NewSheets(ctx, clientCfg)
		default:
			err = fmt.Errorf("unknown provider %q", name)
		}
		if err != nil {
			return errors.Wrapf(err, "failed to construct provider %s", name)
		}

		if err := d.service.RegisterProvider(p); err != nil {
			return err
		}
		if pc.RequestsPerMinute > 0 {
			d.service.SetProviderBudget(name, pc.RequestsPerMinute)
		}
	}

	return nil
}

// registerTriggers registers every configured trigger with the service.
// Configuration was validated at load time, so a failure here is a bug or an
// environment problem, not user input.
func (d *Daemon) registerTriggers() error {
	for i := range d.cfg.Triggers {
		trigger := &d.cfg.Triggers[i]
		err := d.service.RegisterTrigger(poller.Registration{
			TriggerID: trigger.ID,
			Provider:  trigger.Provider,
			Config:    &trigger.Options,
		})
		if err != nil {
			return errors.Wrapf(err, "failed to register trigger %s", trigger.ID)
		}
	}
	return nil
}

// shutdown stops the service and the metrics listener within the configured
// shutdown budget.
func (d *Daemon) shutdown() error {
	d.logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.Service.ShutdownTimeout)
	defer cancel()

	var firstErr error
	if d.metrics != nil {
		if err := d.metrics.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}
	if err := d.service.Stop(ctx); err != nil && firstErr == nil {
		firstErr = err
	}

	return firstErr
}
