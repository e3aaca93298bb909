// Command tms runs the Trixel Management Service: it loads its
// configuration, registers (or re-synchronizes) with the upstream
// Trixel Lookup Service, and drives the periodic bottom-up privacy
// aggregation tick until asked to stop. The first interrupt triggers a
// graceful shutdown (an in-flight tick is allowed to finish); a second
// forces exit.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/TillFleisch/TrixelManagementService/internal/cache"
	"github.com/TillFleisch/TrixelManagementService/internal/config"
	"github.com/TillFleisch/TrixelManagementService/internal/delegation"
	"github.com/TillFleisch/TrixelManagementService/internal/manager"
	"github.com/TillFleisch/TrixelManagementService/internal/store"
	"github.com/TillFleisch/TrixelManagementService/internal/telemetry/logging"
	"github.com/TillFleisch/TrixelManagementService/internal/telemetry/metrics"
	"github.com/TillFleisch/TrixelManagementService/internal/tlsclient"
)

func main() {
	var (
		configPath     string
		selfHost       string
		metricsAddr    string
		healthAddr     string
		metricsBackend string
		enableMetrics  bool
		showVersion    bool
	)
	flag.StringVar(&configPath, "config", "config.yaml", "Path to the service's YAML configuration file")
	flag.StringVar(&selfHost, "host", "", "Host this TMS is reachable at, used during TLS registration")
	flag.StringVar(&metricsAddr, "metrics", "", "Expose metrics on address (e.g. :9090)")
	flag.StringVar(&healthAddr, "health", "", "Expose a health endpoint on address (e.g. :9091)")
	flag.StringVar(&metricsBackend, "metrics-backend", "prom", "Metrics backend: prom|otel|noop")
	flag.BoolVar(&enableMetrics, "enable-metrics", false, "Enable metrics collection (required to serve -metrics)")
	flag.BoolVar(&showVersion, "version", false, "Show version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println("tms - trixel management service")
		return
	}

	watcher, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	defer watcher.Close()

	logger := logging.New(slog.Default())

	provider := metricsProvider(enableMetrics, metricsBackend)
	tmsMetrics := metrics.NewTMSMetrics(provider)

	st := store.NewMemory()
	statCache := cache.New(cache.Config{Capacity: 4096})
	deleg := delegation.FollowConfig(watcher)
	tlsClient := tlsclient.New(watcher.Get().TLS)

	mgr := manager.New(watcher, st, statCache, tlsClient, deleg, tmsMetrics)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		logger.InfoCtx(ctx, "signal received, shutting down")
		cancel()
		<-sigCh
		logger.ErrorCtx(ctx, "second signal received, forcing exit")
		os.Exit(1)
	}()

	if err := synchronizeWithTLS(ctx, watcher, tlsClient, selfHost); err != nil {
		logger.ErrorCtx(ctx, "tls synchronization failed", "error", err.Error())
		log.Fatalf("tls sync: %v", err)
	}
	tlsClient.SetToken(watcher.Get().Identity.Token)
	if delegations, err := tlsClient.FetchDelegations(ctx, *watcher.Get().Identity.ID); err == nil {
		deleg.Replace(delegations)
	}
	mgr.Activate()

	if metricsAddr != "" && enableMetrics {
		serveMetrics(ctx, metricsAddr, provider)
	}
	if healthAddr != "" {
		serveHealth(ctx, healthAddr, provider)
	}

	logger.InfoCtx(ctx, "tms started", "tick_interval", watcher.Get().TrixelUpdateFrequency.String())
	go mgr.PeriodicPurge(ctx)
	mgr.PeriodicProcessing(ctx)
	logger.InfoCtx(ctx, "tms stopped")
}

// synchronizeWithTLS registers this TMS if it has no identity yet, and
// otherwise reconciles its existing registration details, persisting the
// result back to the config file (internal/config.Watcher.Save) so a
// restart doesn't re-register.
func synchronizeWithTLS(ctx context.Context, watcher *config.Watcher, client *tlsclient.Client, host string) error {
	cfg := *watcher.Get()
	if cfg.Identity.ID == nil {
		reg, err := client.Register(ctx, host)
		if err != nil {
			return fmt.Errorf("register: %w", err)
		}
		cfg.Identity.ID = &reg.ID
		cfg.Identity.Active = reg.Active
		cfg.Identity.Token = reg.Token
		if err := watcher.Save(&cfg); err != nil {
			return fmt.Errorf("persist identity: %w", err)
		}
		return nil
	}

	details, err := client.SyncDetails(ctx, *cfg.Identity.ID, host, cfg.Identity.Token)
	if err != nil {
		return fmt.Errorf("sync details: %w", err)
	}
	cfg.Identity.Active = details.Active
	return watcher.Save(&cfg)
}

func metricsProvider(enabled bool, backend string) metrics.Provider {
	if !enabled {
		return metrics.NewNoopProvider()
	}
	switch backend {
	case "otel":
		return metrics.NewOTelProvider(metrics.OTelProviderOptions{ServiceName: "tms"})
	case "noop":
		return metrics.NewNoopProvider()
	default:
		return metrics.NewPrometheusProvider(metrics.PrometheusProviderOptions{})
	}
}

func serveMetrics(ctx context.Context, addr string, provider metrics.Provider) {
	mux := http.NewServeMux()
	if promProvider, ok := provider.(*metrics.PrometheusProvider); ok {
		mux.Handle("/metrics", promProvider.MetricsHandler())
	} else {
		mux.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
	}
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	go func() {
		log.Printf("metrics listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server: %v", err)
		}
	}()
}

func serveHealth(ctx context.Context, addr string, provider metrics.Provider) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		status := "ok"
		if err := provider.Health(r.Context()); err != nil {
			status = err.Error()
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": status})
	})
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	go func() {
		log.Printf("health endpoint listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("health server: %v", err)
		}
	}()
}
