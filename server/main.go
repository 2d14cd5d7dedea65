package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/samber/lo"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/gammadia/nomadcloud/orchestrator"
	"github.com/gammadia/nomadcloud/provisioner/nomad"
	"github.com/gammadia/nomadcloud/server/api"
	"github.com/gammadia/nomadcloud/server/flags"
	"github.com/gammadia/nomadcloud/server/log"
	"github.com/gammadia/nomadcloud/server/providers"
	"github.com/gammadia/nomadcloud/store"
)

// Versioning information set at build time
var version, commit = "dev", "n/a"

// Global context for shutdown cascading. When cancel() is called (from signal handler),
// all goroutines watching ctx.Done() begin their shutdown sequence.
var ctx, cancel = context.WithCancel(context.Background())

func main() {
	// Setup logger first as this will be used to report progress of the rest of the setup
	if err := log.Init(); err != nil {
		lo.Must(fmt.Fprintln(os.Stderr, err))
		os.Exit(1)
	}
	log.Info("Nomadcloud server starting up...", "version", version, "commit", commit)

	if err := run(); err != nil {
		log.Error("Server failed", "error", err)
		os.Exit(1)
	}
	log.Info("Shutdown completed. Bye!")
}

func run() error {
	dataRoot := viper.GetString(flags.Data)
	if err := os.MkdirAll(filepath.Join(dataRoot, "secrets"), 0700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	nodes, err := store.Open(filepath.Join(dataRoot, "nodes.db"))
	if err != nil {
		return err
	}
	defer nodes.Close()

	lis, err := net.Listen("tcp", viper.GetString(flags.Listen))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	setupInterrupts()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	orch := orchestrator.New(orchestrator.Config{
		Logger:          log.Base,
		Store:           nodes,
		URL:             viper.GetString(flags.URL),
		Tunnel:          viper.GetString(flags.Tunnel),
		ReapInterval:    viper.GetDuration(flags.ReapInterval),
		FailedRetention: viper.GetDuration(flags.FailedRetention),
	})

	options := nomad.Options{
		Logger:               log.Base,
		Metrics:              nomad.NewMetrics(registry),
		Orchestrator:         orch,
		Credentials:          providers.SecretLoader(dataRoot),
		DisconnectTimeout:    viper.GetDuration(flags.DisconnectTimeout),
		SchedulePollInterval: viper.GetDuration(flags.SchedulePollInterval),
		SchedulePollAttempts: viper.GetInt(flags.SchedulePollAttempts),
		ConnectPollInterval:  viper.GetDuration(flags.ConnectPollInterval),
		ClientRetries:        viper.GetUint(flags.ClientRetries),
		ClientRetryDelay:     viper.GetDuration(flags.ClientRetryDelay),
	}

	providerRegistry := nomad.NewRegistry()
	manager := providers.New(viper.GetString(flags.Providers), providerRegistry, options, log.Base)
	if err := manager.Load(); err != nil {
		return err
	}

	// Agents of a previous run are not known to this orchestrator
	if terminated, err := manager.CleanupOrphans(ctx, nodes); err != nil {
		log.Warn("Failed to clean up left behind agents", "error", err)
	} else if terminated > 0 {
		log.Info("Left behind agents terminated", "count", terminated)
	}

	server := api.New(api.Config{
		Logger:       log.Base,
		Orchestrator: orch,
		Registry:     providerRegistry,
		Options:      options,
		Gatherer:     registry,
		Ping:         nodes.Ping,
		LogLevel:     log.Level,
		Version:      version,
		Commit:       commit,
	})

	// The server status is reconstructed from the orchestrator events until
	// the subscription ends.
	events, unsubscribe := orch.Subscribe()
	go server.Listen(events)

	httpServer := &http.Server{Handler: server, ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)

	// Orchestrator: Run() returns once the context is done, after terminating
	// all nodes. Wait() blocks until launches and terminations are finished.
	g.Go(func() error {
		orch.Run(gctx)
		orch.Wait()
		unsubscribe()
		return nil
	})

	g.Go(func() error {
		return manager.Watch(gctx)
	})

	g.Go(func() error {
		go func() {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = httpServer.Shutdown(shutdownCtx) // waits for in-flight requests to finish
		}()

		log.Info("Server listening", "address", lis.Addr())
		if err := httpServer.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to serve: %w", err)
		}
		return nil
	})

	return g.Wait()
}

// setupInterrupts handles SIGINT and SIGTERM with a double-tap pattern:
// - First signal: calls cancel() which cascades shutdown through ctx.Done() to all goroutines
// - Second signal: forces immediate exit (in case graceful shutdown hangs)
func setupInterrupts() {
	sig := make(chan os.Signal, 1) // buffered: won't miss a signal while processing
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sig
		log.Info("Shutdown signal received, attempting graceful shutdown")
		cancel() // triggers ctx.Done() everywhere
		<-sig
		log.Warn("Second shutdown signal received, forcing exit")
		os.Exit(1)
	}()
}
