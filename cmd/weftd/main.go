// weftd is a demonstration daemon: an echo service behind the full policy
// stack (traffic logging, idle timeout, throttling) with a scheduler-driven
// maintenance task and an admin endpoint.
package main

import (
	"crypto/tls"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/weftio/weft/pkg/config"
	"github.com/weftio/weft/pkg/log"
	obs "github.com/weftio/weft/pkg/observability/prometheus"
	"github.com/weftio/weft/pkg/policies"
	"github.com/weftio/weft/pkg/sched"
	"github.com/weftio/weft/pkg/sched/clock"
	"github.com/weftio/weft/pkg/tcp"
	"github.com/weftio/weft/pkg/tracing"
	"github.com/weftio/weft/pkg/transport"
	"github.com/weftio/weft/pkg/web"
)

const version = "0.3.0"

func main() {
	configPath := flag.String("config", "", "path to YAML or JSON configuration")
	traceFile := flag.String("trace", "", "write OpenTelemetry spans to this file")
	flag.Parse()

	logger := log.NewDefault()

	cfg := config.Default()
	if *configPath != "" {
		if err := config.LoadWithEnv(*configPath, "WEFT", cfg); err != nil {
			logger.Errorf("loading config: %v", err)
			os.Exit(1)
		}
	} else if err := config.ApplyEnvOverrides("WEFT", cfg); err != nil {
		logger.Errorf("applying env overrides: %v", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		logger.Errorf("invalid config: %v", err)
		os.Exit(1)
	}

	if *traceFile != "" {
		if err := tracing.Init("weftd", version, *traceFile); err != nil {
			logger.Errorf("initializing tracing: %v", err)
			os.Exit(1)
		}
	}

	metrics := obs.GetMetrics()

	cooperator := sched.New(
		sched.WithTerminationPredicate(sched.TimeSlice(cfg.Scheduler.TimeSlice.Std())),
		sched.WithLogger(logger))

	factory, cleanup, err := buildFactory(cfg, metrics, logger)
	if err != nil {
		logger.Errorf("building policy stack: %v", err)
		os.Exit(1)
	}

	tlsConfig, err := loadTLS(cfg)
	if err != nil {
		logger.Errorf("loading TLS material: %v", err)
		os.Exit(1)
	}

	server := tcp.NewServer(&tcp.ServerConfig{
		Addr:      cfg.Server.Addr,
		MaxConns:  cfg.Throttle.MaxConnections,
		TLSConfig: tlsConfig,
	}, factory,
		tcp.WithServerLogger(logger),
		tcp.WithServerMetrics(metrics))

	admin := web.NewAdminServer(cfg.Admin.Addr,
		web.WithAdminLogger(logger),
		web.WithCooperator(cooperator),
		web.WithTCPServer(server),
		web.WithAdminMetrics(metrics))

	// Keep the Prometheus gauges fresh from the scheduler itself: the
	// poller runs as a cooperative task, parked on a timer between
	// refreshes.
	cooperator.Cooperate(obs.SchedulerPollerEvery(cooperator, 10*time.Second, clock.System()))

	errCh := make(chan error, 2)
	go func() {
		logger.Infof("serving on %s", cfg.Server.Addr)
		errCh <- server.Start()
	}()
	go func() {
		logger.Infof("admin endpoint on %s", cfg.Admin.Addr)
		errCh <- admin.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Infof("received %v, shutting down", sig)
	case err := <-errCh:
		if err != nil {
			logger.Errorf("server failed: %v", err)
		}
	}

	if err := server.Stop(); err != nil {
		logger.Errorf("stopping tcp server: %v", err)
	}
	if err := admin.Stop(); err != nil {
		logger.Errorf("stopping admin server: %v", err)
	}
	if err := cooperator.Stop(); err != nil && err != sched.ErrSchedulerStopped {
		logger.Errorf("stopping scheduler: %v", err)
	}
	cleanup()
	logger.Infof("bye")
}

// buildFactory assembles the policy stack around the echo protocol:
// traffic logging innermost, then idle timeout, throttling outermost so
// its connection limit is enforced first.
func buildFactory(cfg *config.Config, metrics *obs.Metrics, logger log.Logger) (transport.Factory, func(), error) {
	var factory transport.Factory = transport.FactoryFunc(newEchoProtocol)
	cleanup := func() {}

	if cfg.TrafficLog.Enabled {
		opts := []policies.TrafficLogOption{policies.WithTrafficLogger(logger)}
		if cfg.TrafficLog.SQLitePath != "" {
			sink, err := policies.NewSQLiteSink(cfg.TrafficLog.SQLitePath)
			if err != nil {
				return nil, nil, fmt.Errorf("opening traffic sink: %w", err)
			}
			opts = append(opts, policies.WithTrafficSink(sink))
		}
		tl := policies.NewTrafficLoggingFactory(factory, cfg.TrafficLogPolicy(), opts...)
		factory = tl
		cleanup = func() {
			if err := tl.Close(); err != nil {
				logger.Errorf("closing traffic sink: %v", err)
			}
		}
	}

	if cfg.Timeout.Period > 0 {
		factory = policies.NewTimeoutFactory(factory, cfg.TimeoutPolicy(),
			policies.WithTimeoutLogger(logger),
			policies.WithTimeoutMetrics(metrics))
	}

	if cfg.Throttle.ReadLimit > 0 || cfg.Throttle.WriteLimit > 0 || cfg.Throttle.MaxConnections > 0 {
		throttle := policies.NewThrottlingFactory(factory, cfg.ThrottlePolicy(),
			policies.WithThrottleLogger(logger),
			policies.WithThrottleMetrics(metrics))
		prev := cleanup
		cleanup = func() {
			throttle.Stop()
			prev()
		}
		factory = throttle
	}

	return factory, cleanup, nil
}

func loadTLS(cfg *config.Config) (*tls.Config, error) {
	if cfg.Server.TLSCert == "" || cfg.Server.TLSKey == "" {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(cfg.Server.TLSCert, cfg.Server.TLSKey)
	if err != nil {
		return nil, err
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}, nil
}
