package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/zen-systems/coachgate/pkg/executor"
	"github.com/zen-systems/coachgate/pkg/jobs"
	"github.com/zen-systems/coachgate/pkg/memory"
	"github.com/zen-systems/coachgate/pkg/observe"
	"github.com/zen-systems/coachgate/pkg/tier"
)

const shutdownTimeout = 5 * time.Second

func workerCmd() *cobra.Command {
	var consumer, embedProvider, embedModel string
	var workers, embedConcurrency int
	var consolidateSpec, auditSpec string
	var noCreative bool

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the job engine, creative renderer and schedules",
		Long: `Consumes job events (memory ingest and consolidation, embeddings,
	critic review, voice audit) and creative render jobs from Redis Streams,
	publishes the periodic consolidation and audit events, and serves
	Prometheus metrics on the configured metrics address.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup()
			if err != nil {
				return err
			}
			client, err := a.dialRedis()
			if err != nil {
				return err
			}
			if client == nil {
				return fmt.Errorf("worker needs COACHGATE_REDIS_ADDR")
			}
			defer client.Close()

			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
			a.sink = observe.Multi(a.sink, observe.NewMetricsSink(reg))

			store := memory.NewStore(client.Raw(), "")
			events := jobs.NewPublisher(client, "")
			engine := jobs.NewEngine(client, jobs.WithEngineLogger(a.logger))

			defs := []jobs.Definition{
				jobs.MemoryIngestJob(store, events, a.logger),
				jobs.MemoryConsolidateJob(store, a.logger),
				jobs.VoiceAuditJob(a.enforcer, a.logger),
			}
			if embedder, err := a.registry.Embedder(embedProvider); err != nil {
				a.logger.Warn().Err(err).Msg("embedding jobs disabled")
			} else {
				defs = append(defs,
					jobs.ContentEmbedJob(embedder, embedModel, store, a.logger),
					jobs.BatchEmbedJob(embedder, embedModel, store, embedConcurrency, a.logger),
				)
			}
			if loop, revise, err := a.criticLoop(); err != nil {
				a.logger.Warn().Err(err).Msg("critic review job disabled")
			} else {
				defs = append(defs, jobs.CriticReviewJob(loop, revise, events, a.logger))
			}
			if err := engine.Register(defs...); err != nil {
				return err
			}

			sched := jobs.NewScheduler(store, events, a.logger)
			if err := sched.Schedule(consolidateSpec, auditSpec); err != nil {
				return err
			}
			sched.Start()
			defer sched.Stop()

			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error {
				return engine.Run(ctx, consumer, workers)
			})

			if !noCreative {
				spec := a.catalog.Spec(tier.Creative)
				images, err := a.registry.ImageGenerator(spec.Provider)
				if err != nil {
					a.logger.Warn().Err(err).Msg("creative worker disabled")
				} else {
					w := executor.NewCreativeWorker(client, images, executor.WithWorkerLogger(a.logger))
					g.Go(func() error {
						return w.Run(ctx, "coachgate-creative", consumer)
					})
				}
			}

			if addr := a.cfg.MetricsAddr; addr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
				srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
				g.Go(func() error {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				g.Go(func() error {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
					defer cancel()
					return srv.Shutdown(shutdownCtx)
				})
				a.logger.Info().Str("addr", addr).Msg("serving metrics")
			}

			jobNames := make([]string, 0, len(defs))
			for _, d := range engine.Jobs() {
				jobNames = append(jobNames, d.Name)
			}
			a.logger.Info().Strs("jobs", jobNames).Str("consumer", consumer).Int("workers", workers).Msg("worker started")
			return g.Wait()
		},
	}

	host, _ := os.Hostname()
	if host == "" {
		host = "worker"
	}
	cmd.Flags().StringVar(&consumer, "consumer", host, "consumer name within the groups")
	cmd.Flags().IntVar(&workers, "workers", 4, "concurrent job consumers")
	cmd.Flags().StringVar(&embedProvider, "embed-provider", "openai", "embedding provider")
	cmd.Flags().StringVar(&embedModel, "embed-model", "text-embedding-3-small", "embedding model name recorded with vectors")
	cmd.Flags().IntVar(&embedConcurrency, "embed-concurrency", 4, "batch embedding calls in flight")
	cmd.Flags().StringVar(&consolidateSpec, "consolidate-cron", jobs.DefaultConsolidateSpec, "memory consolidation schedule (empty disables)")
	cmd.Flags().StringVar(&auditSpec, "audit-cron", jobs.DefaultAuditSpec, "voice audit schedule (empty disables)")
	cmd.Flags().BoolVar(&noCreative, "no-creative", false, "do not render creative jobs")

	return cmd
}
