package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/gridshift/carbonsched/internal/api"
	"github.com/gridshift/carbonsched/internal/carbon"
	"github.com/gridshift/carbonsched/internal/config"
	"github.com/gridshift/carbonsched/internal/ledger"
	"github.com/gridshift/carbonsched/internal/metrics"
	"github.com/gridshift/carbonsched/internal/models"
	"github.com/gridshift/carbonsched/internal/orchestrator"
	"github.com/gridshift/carbonsched/internal/region"
	"github.com/gridshift/carbonsched/pkg/cloud"
	"github.com/gridshift/carbonsched/pkg/remote"
)

// Exit codes: 0 all jobs drained, 1 configuration error, 2
// authentication error, 3 fatal provider or carbon-data error.
const (
	exitOK = iota
	exitConfig
	exitAuth
	exitProvider
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "schedule.json", "path to the schedule document")
	listenAddr := flag.String("listen", "", "optional address for the status/metrics API")
	pollInterval := flag.Duration("poll-interval", time.Minute, "delay between scheduling ticks")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		return exitConfig
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	catalog := region.DefaultCatalog()

	doc, err := config.Load(*configPath)
	if err != nil {
		logger.Error("loading schedule failed", zap.Error(err))
		return exitConfig
	}
	if err := doc.Validate(catalog); err != nil {
		logger.Error("schedule validation failed", zap.Error(err))
		return exitConfig
	}
	jobs := doc.Jobs(time.Now())
	vms := doc.VMs()
	logger.Info("schedule loaded",
		zap.Int("jobs", len(jobs)), zap.Int("vms", len(vms)))

	source, err := buildCarbonSource(ctx, logger)
	if err != nil {
		logger.Error("carbon data login failed", zap.Error(err))
		return exitAuth
	}

	clouds, err := buildClouds(ctx, catalog)
	if err != nil {
		logger.Error("provider bootstrap failed", zap.Error(err))
		return exitAuth
	}

	m := metrics.NewRegistry(prometheus.DefaultRegisterer)
	led := ledger.New(clouds, remote.NewSSHExecutor(), logger, m)
	orch := orchestrator.New(orchestrator.Config{PollInterval: *pollInterval},
		catalog, source, led, jobs, vms, logger, m)

	if *listenAddr != "" {
		server := api.NewServer(orch, logger)
		go func() {
			if err := http.ListenAndServe(*listenAddr, server.Router()); err != nil {
				logger.Error("status api stopped", zap.Error(err))
			}
		}()
	}

	if err := orch.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info("interrupted")
			return exitOK
		}
		logger.Error("scheduler aborted", zap.Error(err))
		if cloud.IsAuth(err) {
			return exitAuth
		}
		return exitProvider
	}
	return exitOK
}

// buildCarbonSource logs in to the carbon-data service using credentials
// from the environment and, when REDIS_ADDR is set, wraps the client in
// a Redis cache.
func buildCarbonSource(ctx context.Context, logger *zap.Logger) (carbon.Source, error) {
	baseURL := os.Getenv("WATTTIME_URL")
	if baseURL == "" {
		baseURL = carbon.DefaultBaseURL
	}
	client := carbon.NewClient(baseURL,
		os.Getenv("WATTTIME_USERNAME"), os.Getenv("WATTTIME_PASSWORD"), logger)
	if err := client.Login(ctx); err != nil {
		return nil, err
	}

	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		return client, nil
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis unavailable, carbon caching disabled", zap.Error(err))
		return client, nil
	}
	return carbon.NewCachedSource(client, rdb, logger), nil
}

func buildClouds(ctx context.Context, catalog *region.Catalog) (map[models.Provider]cloud.Compute, error) {
	azure, err := cloud.NewAzureProvider(os.Getenv("AZURE_SUBSCRIPTION_ID"))
	if err != nil {
		return nil, err
	}
	aws, err := cloud.NewAWSProvider(ctx, catalog.EligibleLocations(models.ProviderAWS))
	if err != nil {
		return nil, err
	}
	return map[models.Provider]cloud.Compute{
		models.ProviderAzure: azure,
		models.ProviderAWS:   aws,
	}, nil
}
