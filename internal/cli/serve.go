package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/stackabletech/trino-lb/internal/admission"
	"github.com/stackabletech/trino-lb/internal/clusterstate"
	"github.com/stackabletech/trino-lb/internal/config"
	"github.com/stackabletech/trino-lb/internal/counter"
	"github.com/stackabletech/trino-lb/internal/lberrors"
	"github.com/stackabletech/trino-lb/internal/metrics"
	"github.com/stackabletech/trino-lb/internal/observability"
	"github.com/stackabletech/trino-lb/internal/persistence"
	"github.com/stackabletech/trino-lb/internal/persistence/memory"
	"github.com/stackabletech/trino-lb/internal/persistence/redisstore"
	"github.com/stackabletech/trino-lb/internal/persistence/relational"
	"github.com/stackabletech/trino-lb/internal/proxy"
	"github.com/stackabletech/trino-lb/internal/queued"
	"github.com/stackabletech/trino-lb/internal/router"
	"github.com/stackabletech/trino-lb/internal/scaler"
	"github.com/stackabletech/trino-lb/internal/scaler/kubernetes"
	"github.com/stackabletech/trino-lb/internal/trinoclient"
)

func (c *CLI) newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the trino-lb admission, proxy and scaler daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runServe(cmd.Context())
		},
	}
}

func (c *CLI) runServe(ctx context.Context) error {
	cfg := c.cfg

	shutdownTracing, err := observability.SetupTracing(ctx, observability.TracingConfig{
		Enabled:      cfg.Tracing.Enabled,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		Compression:  cfg.Tracing.Compression,
	})
	if err != nil {
		return err
	}

	store, err := buildStore(ctx, cfg.Persistence)
	if err != nil {
		return err
	}
	defer store.Close()

	registry := clusterstate.NewRegistry(store)
	for groupName, group := range cfg.ClusterGroups {
		for _, cl := range group.Clusters {
			registry.Register(clusterstate.Cluster{
				Group: groupName, Name: cl.Name, Endpoint: cl.Endpoint,
				Username: cl.Username, Password: cl.Password, Autoscaled: cl.Autoscaled,
			})
		}
		registry.Sweep(ctx, groupName) // self-heals non-autoscaled clusters left in a stale state by a prior crash
	}

	promReg := prometheus.NewRegistry()
	rec := metrics.NewPrometheus(promReg)

	trino := trinoclient.New(30 * time.Second)
	counterMgr := counter.New(store, registry, trino, rec)
	queuedEngine := queued.New(store)
	logger := observability.NewJSONLogger(os.Stdout)
	proxyPlane := proxy.New(proxy.Mode(cfg.ProxyMode), store, trino, counterMgr, registry, logger)

	configuredGroups := make(map[string]bool, len(cfg.ClusterGroups))
	for name := range cfg.ClusterGroups {
		configuredGroups[name] = true
	}
	routerConfigs, err := buildRouterConfigs(cfg.Routers)
	if err != nil {
		return err
	}
	chain, err := router.BuildChain(routerConfigs, configuredGroups, cfg.RoutingFallback)
	if err != nil {
		return err
	}

	admissionGroups := make(map[string]admission.GroupConfig, len(cfg.ClusterGroups))
	for name, group := range cfg.ClusterGroups {
		clusters := make(map[string]trinoclient.ClusterConfig, len(group.Clusters))
		for _, cl := range group.Clusters {
			clusters[cl.Name] = trinoclient.ClusterConfig{Endpoint: cl.Endpoint, Username: cl.Username, Password: cl.Password}
		}
		admissionGroups[name] = admission.GroupConfig{MaxRunningQueries: group.MaxRunningQueries, Clusters: clusters}
	}

	server := admission.New(chain, counterMgr, queuedEngine, proxyPlane, trino, logger, admissionGroups, cfg.Server.ExternalURL)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go queuedEngine.GCLoop(runCtx)
	go func() {
		ticker := time.NewTicker(max(cfg.Scaler.ReconcileEvery, time.Second))
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				for groupName := range cfg.ClusterGroups {
					registry.Sweep(runCtx, groupName)
				}
			}
		}
	}()

	scalerBackend, err := buildScalerBackend(cfg.Scaler)
	if err != nil {
		return err
	}
	for groupName, group := range cfg.ClusterGroups {
		go counterMgr.ReconcileLoop(runCtx, groupName, cfg.Scaler.ReconcileEvery)

		if group.Autoscaling == nil {
			continue
		}
		policy := toScalerPolicy(*group.Autoscaling)
		loop := scaler.New(groupName, policy, group.MaxRunningQueries, registry, store, scalerBackend)
		demandFn := queueDepthDemandFn(store, rec, groupName)
		go loop.Run(runCtx, cfg.Scaler.ReconcileEvery, demandFn)
	}

	httpServer := &http.Server{
		Addr:         cfg.Server.ListenAddr,
		Handler:      server,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	metricsServer := &http.Server{Addr: cfg.Server.MetricsAddr, Handler: metricsMux}

	errCh := make(chan error, 2)
	go func() { errCh <- serveOrNil(httpServer) }()
	go func() { errCh <- serveOrNil(metricsServer) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		fmt.Printf("trino-lb: received %s, shutting down\n", sig)
	case err := <-errCh:
		if err != nil {
			fmt.Printf("trino-lb: server error: %v\n", err)
		}
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	httpServer.Shutdown(shutdownCtx)
	metricsServer.Shutdown(shutdownCtx)
	shutdownTracing(shutdownCtx)

	return nil
}

func serveOrNil(s *http.Server) error {
	if err := s.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func buildStore(ctx context.Context, cfg config.PersistenceConfig) (persistence.Store, error) {
	switch cfg.Backend {
	case "memory":
		return memory.New(), nil
	case "redis":
		return redisstore.New(cfg.Redis.Addrs, cfg.Redis.Password)
	case "relational":
		return relational.New(ctx, cfg.Relational.Driver, cfg.Relational.DSN)
	default:
		return nil, lberrors.New(lberrors.KindConfig, "serve: unknown persistence backend "+cfg.Backend)
	}
}

func buildScalerBackend(cfg config.ScalerConfig) (scaler.Backend, error) {
	switch cfg.Backend {
	case "", "noop":
		return scaler.NoopBackend{}, nil
	case "kubernetes":
		return kubernetes.New(kubernetes.Config{
			Kubeconfig: cfg.Kubernetes.Kubeconfig,
			Group:      cfg.Kubernetes.Group,
			Version:    cfg.Kubernetes.Version,
			Resource:   cfg.Kubernetes.Resource,
			Namespace:  cfg.Kubernetes.Namespace,
		})
	default:
		return nil, lberrors.New(lberrors.KindConfig, "serve: unknown scaler backend "+cfg.Backend)
	}
}

func buildRouterConfigs(configs []config.RouterConfig) ([]router.Config, error) {
	out := make([]router.Config, 0, len(configs))
	for _, r := range configs {
		rc := router.Config{Type: r.Type}
		switch r.Type {
		case "header":
			rc.HeaderName = r.Header.HeaderName
		case "clientTags":
			rc.ClientTagsOneOf = r.ClientTags.OneOf
			rc.ClientTagsAllOf = r.ClientTags.AllOf
			rc.ClientTagsTarget = r.ClientTags.Target
		case "script":
			if r.Script.Path == "" {
				return nil, lberrors.New(lberrors.KindConfig, "serve: script router requires script.path")
			}
			rc.ScriptEvaluator = router.NewProcessScriptEvaluator(r.Script.Path)
			rc.ScriptTimeout = r.Script.Timeout
		case "explainCosts":
			rc.ExplainCostsDSN = r.ExplainCosts.Coordinator
			rc.ExplainCostsTimeout = 10 * time.Second
			for _, t := range r.ExplainCosts.Thresholds {
				rc.ExplainCostsThresholds = append(rc.ExplainCostsThresholds, router.CostThreshold{
					Group: t.Group, MaxCPUCost: t.MaxCPUCost, MaxMemoryCost: t.MaxMemoryCost,
					MaxNetworkCost: t.MaxNetworkCost, MaxRowCount: t.MaxRowCount, MaxOutputSize: t.MaxOutputSize,
				})
			}
		}
		out = append(out, rc)
	}
	return out, nil
}

func toScalerPolicy(a config.AutoscalingConfig) scaler.Policy {
	windows := make([]scaler.ScheduleWindow, 0, len(a.WeeklySchedule))
	for _, w := range a.WeeklySchedule {
		windows = append(windows, scaler.ScheduleWindow{
			Weekdays: w.Weekdays, StartHour: w.StartHour, EndHour: w.EndHour, MinClusters: w.MinClusters,
		})
	}
	return scaler.Policy{
		MinClusters:                                a.MinClusters,
		UpscaleQueuedQueriesThreshold:               a.UpscaleQueuedQueriesThreshold,
		DownscaleRunningQueriesPercentageThreshold:  a.DownscaleRunningQueriesPercentageThreshold,
		DrainIdleDurationBeforeShutdown:             a.DrainIdleDurationBeforeShutdown,
		WeeklySchedule:                              windows,
	}
}

// queueDepthDemandFn counts queries currently queued for group, feeding
// the scaler loop's upscale-on-demand signal. QueuedListStale's
// "olderThan" filter is reused with a cutoff a day ahead of now, which
// every queued query's last-poll time precedes, so every queued query
// (regardless of age) is counted, since Store exposes no direct
// per-group count.
func queueDepthDemandFn(store persistence.Store, rec metrics.Recorder, group string) func() scaler.DemandSignal {
	return func() scaler.DemandSignal {
		all, err := store.QueuedListStale(context.Background(), time.Now().Add(24*time.Hour))
		if err != nil {
			return scaler.DemandSignal{}
		}
		count := 0
		for _, q := range all {
			if q.Group == group {
				count++
			}
		}
		rec.QueueDepth(group, count)
		return scaler.DemandSignal{QueuedCount: count}
	}
}
