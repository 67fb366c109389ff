// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// The slo-recommender daemon periodically generates dependency-aware SLO
// recommendations for every registered service and maintains the graph:
// stale-edge sweeps, recommendation expiry, and circular-dependency
// detection. State lives in Postgres or, for local runs, in memory with
// mock telemetry.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/GoogleCloudPlatform/slo-recommender/pkg/graph"
	"github.com/GoogleCloudPlatform/slo-recommender/pkg/recommend"
	"github.com/GoogleCloudPlatform/slo-recommender/pkg/telemetry"
)

type options struct {
	listenAddress string

	postgresDSN string

	prometheusURL     string
	telemetrySeedFile string
	telemetryCacheTTL time.Duration

	batchInterval     time.Duration
	batchLookbackDays int
	batchConcurrency  int
	includeDiscovered bool

	staleSweepInterval time.Duration
	staleThreshold     time.Duration
	expirySweepEvery   time.Duration
}

func main() {
	logger := log.NewJSONLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)
	logger = log.With(logger, "caller", log.DefaultCaller)

	a := kingpin.New("slo-recommender", "Dependency-aware SLO recommendation engine")
	a.HelpFlag.Short('h')

	var opts options
	a.Flag("web.listen-address", "Address to serve /metrics on.").
		Default(":9190").StringVar(&opts.listenAddress)
	a.Flag("storage.postgres-dsn", "Postgres connection string. Empty selects the in-memory store, which does not survive restarts.").
		Default("").StringVar(&opts.postgresDSN)
	a.Flag("telemetry.prometheus-url", "Prometheus-compatible query API to read SLIs from. Empty selects deterministic mock telemetry.").
		Default("").StringVar(&opts.prometheusURL)
	a.Flag("telemetry.seed-file", "YAML file seeding the mock telemetry provider per service.").
		Default("").StringVar(&opts.telemetrySeedFile)
	a.Flag("telemetry.cache-ttl", "How long telemetry reads are memoized.").
		Default("5m").DurationVar(&opts.telemetryCacheTTL)
	a.Flag("batch.interval", "How often the batch recommendation run starts.").
		Default("24h").DurationVar(&opts.batchInterval)
	a.Flag("batch.lookback-days", "Telemetry lookback per service, in days.").
		Default("30").IntVar(&opts.batchLookbackDays)
	a.Flag("batch.concurrency", "Maximum per-service pipelines in flight.").
		Default("20").IntVar(&opts.batchConcurrency)
	a.Flag("batch.include-discovered", "Also recommend for auto-discovered service stubs.").
		Default("false").BoolVar(&opts.includeDiscovered)
	a.Flag("graph.stale-sweep-interval", "How often edges are checked for staleness.").
		Default("24h").DurationVar(&opts.staleSweepInterval)
	a.Flag("graph.stale-threshold", "Edges unobserved for longer than this are marked stale.").
		Default("168h").DurationVar(&opts.staleThreshold)
	a.Flag("recommendations.expiry-sweep-interval", "How often expired recommendations are retired.").
		Default("1h").DurationVar(&opts.expirySweepEvery)

	if _, err := a.Parse(os.Args[1:]); err != nil {
		_ = level.Error(logger).Log("msg", "parsing command line failed", "err", err)
		a.Usage(os.Args[1:])
		os.Exit(2)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	ctx, cancelRoot := context.WithCancel(context.Background())
	defer cancelRoot()

	store, alerts, repo, err := buildStorage(ctx, logger, &opts)
	if err != nil {
		_ = level.Error(logger).Log("msg", "setting up storage failed", "err", err)
		os.Exit(1)
	}
	provider, err := buildTelemetry(logger, &opts)
	if err != nil {
		_ = level.Error(logger).Log("msg", "setting up telemetry failed", "err", err)
		os.Exit(1)
	}

	metrics := recommend.NewMetrics(reg)
	pipeline := recommend.NewPipeline(log.With(logger, "component", "pipeline"), store, provider, repo, metrics)
	batch := recommend.NewBatch(log.With(logger, "component", "batch"), store, pipeline, metrics, opts.batchConcurrency)
	detector := graph.NewCycleDetector(log.With(logger, "component", "cycles"), store, alerts)

	var g run.Group
	{
		// Termination handler.
		term := make(chan os.Signal, 1)
		cancel := make(chan struct{})
		signal.Notify(term, os.Interrupt, syscall.SIGTERM)
		g.Add(
			func() error {
				select {
				case <-term:
					_ = level.Info(logger).Log("msg", "received SIGTERM, exiting gracefully...")
				case <-cancel:
				}
				return nil
			},
			func(error) {
				close(cancel)
			},
		)
	}
	{
		// Batch recommendation runs.
		ctxBatch, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			return runEvery(ctxBatch, opts.batchInterval, func(ctx context.Context) error {
				summary, err := batch.Run(ctx, recommend.BatchRequest{
					SLIType:           recommend.FilterAll,
					LookbackDays:      opts.batchLookbackDays,
					ExcludeDiscovered: !opts.includeDiscovered,
				})
				if err != nil {
					return err
				}
				_ = level.Info(logger).Log("msg", "batch completed",
					"total", summary.Total, "successful", summary.Successful,
					"failed", summary.Failed, "skipped", summary.Skipped)
				return nil
			})
		}, func(error) {
			cancel()
		})
	}
	{
		// Stale-edge sweep followed by cycle detection on the fresh graph.
		ctxSweep, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			return runEvery(ctxSweep, opts.staleSweepInterval, func(ctx context.Context) error {
				marked, err := store.MarkStale(ctx, opts.staleThreshold)
				if err != nil {
					return err
				}
				_ = level.Info(logger).Log("msg", "stale sweep completed", "marked", marked)
				cycles, err := detector.Detect(ctx)
				if err != nil {
					return err
				}
				if len(cycles) > 0 {
					_ = level.Warn(logger).Log("msg", "circular dependencies present", "count", len(cycles))
				}
				return nil
			})
		}, func(error) {
			cancel()
		})
	}
	{
		// Recommendation expiry sweep.
		ctxExpire, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			return runEvery(ctxExpire, opts.expirySweepEvery, func(ctx context.Context) error {
				expired, err := repo.ExpireStale(ctx)
				if err != nil {
					return err
				}
				if expired > 0 {
					_ = level.Info(logger).Log("msg", "expired recommendations retired", "count", expired)
				}
				return nil
			})
		}, func(error) {
			cancel()
		})
	}
	{
		// Web server for metrics.
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		server := &http.Server{Addr: opts.listenAddress, Handler: mux}

		g.Add(func() error {
			_ = level.Info(logger).Log("msg", "starting web server for metrics", "listen", opts.listenAddress)
			return server.ListenAndServe()
		}, func(error) {
			ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = server.Shutdown(ctxShutdown)
		})
	}

	if err := g.Run(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		_ = level.Error(logger).Log("msg", "run loop failed", "err", err)
		os.Exit(1)
	}
	_ = level.Info(logger).Log("msg", "shutdown complete")
}

// runEvery invokes fn immediately and then on every tick until the context
// ends. Sweep failures are logged by the caller's fn wrapper; a returned
// error stops the actor and with it the whole group.
func runEvery(ctx context.Context, interval time.Duration, fn func(context.Context) error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := fn(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func buildStorage(ctx context.Context, logger log.Logger, opts *options) (graph.Store, graph.AlertStore, recommend.Repository, error) {
	if opts.postgresDSN == "" {
		_ = level.Info(logger).Log("msg", "no Postgres DSN given, using in-memory storage")
		store := graph.NewMemoryStore()
		return store, store, recommend.NewMemoryRepository(), nil
	}
	pool, err := pgxpool.New(ctx, opts.postgresDSN)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("connect to Postgres: %w", err)
	}
	store := graph.NewPostgresStore(log.With(logger, "component", "graph"), pool)
	if err := store.EnsureSchema(ctx); err != nil {
		return nil, nil, nil, fmt.Errorf("apply graph schema: %w", err)
	}
	repo := recommend.NewPostgresRepository(log.With(logger, "component", "repository"), pool)
	if err := repo.EnsureSchema(ctx); err != nil {
		return nil, nil, nil, fmt.Errorf("apply recommendation schema: %w", err)
	}
	return store, store, repo, nil
}

func buildTelemetry(logger log.Logger, opts *options) (telemetry.Provider, error) {
	var provider telemetry.Provider
	if opts.prometheusURL == "" {
		_ = level.Info(logger).Log("msg", "no Prometheus URL given, using mock telemetry")
		mock := telemetry.NewMockProvider()
		if opts.telemetrySeedFile != "" {
			if err := mock.LoadSeedFile(opts.telemetrySeedFile); err != nil {
				return nil, err
			}
		}
		provider = mock
	} else {
		prom, err := telemetry.NewPromProvider(log.With(logger, "component", "telemetry"), telemetry.PromConfig{
			Address: opts.prometheusURL,
		})
		if err != nil {
			return nil, err
		}
		provider = telemetry.NewRetryProvider(log.With(logger, "component", "telemetry"), prom, telemetry.RetryOptions{})
	}
	if opts.telemetryCacheTTL > 0 {
		provider = telemetry.NewCachedProvider(provider, opts.telemetryCacheTTL)
	}
	return provider, nil
}
