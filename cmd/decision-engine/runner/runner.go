/*
Copyright 2025 belgio99.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package runner wires the decision engine process: logging, config
// defaults, the scheduler registry and the API, metrics and health servers.
package runner

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	uberzap "go.uber.org/zap"
	"k8s.io/apimachinery/pkg/types"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"

	"github.com/belgio99/k8s-carbonrouter/internal/runnable"
	"github.com/belgio99/k8s-carbonrouter/pkg/engine/config"
	"github.com/belgio99/k8s-carbonrouter/pkg/engine/forecast"
	"github.com/belgio99/k8s-carbonrouter/pkg/engine/metrics"
	"github.com/belgio99/k8s-carbonrouter/pkg/engine/registry"
	"github.com/belgio99/k8s-carbonrouter/pkg/engine/server"
	envutil "github.com/belgio99/k8s-carbonrouter/pkg/engine/util/env"
	logutil "github.com/belgio99/k8s-carbonrouter/pkg/engine/util/logging"
	"github.com/belgio99/k8s-carbonrouter/version"
)

const (
	defaultAPIPort        = 8080
	defaultMetricsPort    = 8001
	defaultGrpcHealthPort = 9003
)

var grpcHealthPort = flag.Int(
	"grpc-health-port",
	defaultGrpcHealthPort,
	"The port used for gRPC liveness and readiness probes")

// Run starts the decision engine and blocks until the context is cancelled
// or a server fails.
func Run(ctx context.Context) error {
	flag.Parse()

	zapOpts := zap.Options{
		Level: uberzap.NewAtomicLevelAt(logutil.ZapLevel(os.Getenv("LOGLEVEL"))),
	}
	ctrl.SetLogger(zap.New(zap.UseFlagOptions(&zapOpts)))
	logger := ctrl.Log.WithName("decision-engine")
	logger.Info("Build info", "commitSHA", version.CommitSHA, "buildRef", version.BuildRef)

	defaults := config.FromEnv(logger)
	if err := defaults.Validate(); err != nil {
		logutil.Fatal(logger, err, "Invalid environment configuration")
	}

	apiPort := envutil.GetEnvInt("API_PORT", defaultAPIPort, logger)
	metricsPort := envutil.GetEnvInt("METRICS_PORT", defaultMetricsPort, logger)
	defaultKey := types.NamespacedName{
		Namespace: envutil.GetEnvString("DEFAULT_SCHEDULE_NAMESPACE", "default", logger),
		Name:      envutil.GetEnvString("DEFAULT_SCHEDULE_NAME", "default", logger),
	}

	// One forecast provider is shared by every session pointing at the
	// same source.
	provider := forecast.NewHTTPProvider(defaults.CarbonAPIURL, defaults.CarbonTarget,
		defaults.CarbonTimeout, defaults.CarbonCacheTTL, logger)
	reg := registry.New(defaults, func() forecast.Provider { return provider }, logger)
	defer reg.Shutdown()

	promRegistry := prometheus.NewRegistry()
	metrics.Register(promRegistry)
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	api := server.New(reg, defaultKey, logger)
	apiServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", apiPort),
		Handler: api.Handler(),
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}))
	metricsServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", metricsPort),
		Handler: metricsMux,
	}

	runnables := []runnable.Runnable{
		runnable.HTTPServer("api", apiServer),
		runnable.HTTPServer("metrics", metricsServer),
		runnable.GRPCServer("health", newHealthServer(), *grpcHealthPort),
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	errCh := make(chan error, len(runnables))
	for _, run := range runnables {
		go func(run runnable.Runnable) {
			errCh <- run(runCtx)
		}(run)
	}

	logger.Info("Decision engine started",
		"apiPort", apiPort,
		"metricsPort", metricsPort,
		"grpcHealthPort", *grpcHealthPort,
		"defaultSchedule", defaultKey.String())

	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
		cancel()
		for range runnables {
			<-errCh
		}
		return nil
	case err := <-errCh:
		cancel()
		return err
	}
}
