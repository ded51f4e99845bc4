package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/kz521103/Microradar/internal/config"
	"github.com/kz521103/Microradar/internal/consumer"
	"github.com/kz521103/Microradar/internal/export"
	"github.com/kz521103/Microradar/internal/server"
	"github.com/kz521103/Microradar/internal/version"
	"github.com/kz521103/Microradar/pkg/agent"
	"github.com/kz521103/Microradar/pkg/capture"
	"github.com/kz521103/Microradar/pkg/cgroupwatch"
	"github.com/kz521103/Microradar/pkg/containers"
	"github.com/kz521103/Microradar/pkg/procwatch"
	"github.com/kz521103/Microradar/pkg/sockwatch"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	if level, err := logrus.ParseLevel(config.GetEnv("LOG_LEVEL", "info")); err == nil {
		log.SetLevel(level)
	}

	log.WithFields(logrus.Fields{
		"version": version.Version,
		"node":    os.Getenv("NODE_NAME"),
	}).Info("Starting MicroRadar agent")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	cfg := config.DefaultAgentConfig()

	core, err := agent.New(agent.Config{
		MaxContainers:       cfg.MaxContainers,
		MaxPIDEntries:       cfg.MaxPIDEntries,
		MaxNetworkFlows:     cfg.MaxNetworkFlows,
		ContainerQueueBytes: cfg.ContainerQueueBytes,
		NetworkQueueBytes:   cfg.NetworkQueueBytes,
	})
	if err != nil {
		log.WithError(err).Fatal("Failed to create agent core")
	}
	core.SetIDResolver(containers.ProcIDResolver(cfg.ProcRoot))
	prometheus.MustRegister(core.ContainerStats(), core.NetworkStats())

	var usage procwatch.UsageSink
	if cfg.SampleUsage {
		usage = core
	}
	procw := procwatch.New(procwatch.Config{
		ProcRoot:     cfg.ProcRoot,
		CgroupRoot:   cfg.CgroupRoot,
		ScanInterval: cfg.ProcScanInterval,
		SampleUsage:  cfg.SampleUsage,
	}, core, usage, log)
	go procw.Start(ctx)

	cgw, err := cgroupwatch.New(cgroupwatch.Config{
		CgroupRoot: cfg.CgroupRoot,
	}, core, log)
	if err != nil {
		log.WithError(err).Error("Cgroup watcher unavailable, attach occurrences disabled")
	} else {
		go cgw.Start(ctx)
	}

	sock := sockwatch.New(sockwatch.Config{
		ProcRoot:     cfg.ProcRoot,
		ScanInterval: cfg.SockScanInterval,
	}, core, core.ResolvePID, log)
	go sock.Start(ctx)

	if cfg.CaptureEnabled {
		src, err := capture.New(capture.Config{
			Interface: cfg.CaptureInterface,
			BufferMB:  cfg.CaptureBufferMB,
		}, core, sock.LookupLocalPort, log)
		if err != nil {
			log.WithError(err).Error("Packet capture unavailable, flow telemetry disabled")
		} else {
			go src.Run(ctx)
		}
	}

	var exportClient *export.Client
	if cfg.ExportEnabled {
		exportClient = export.NewClient(export.Config{
			Endpoint: cfg.ExportEndpoint,
			APIKey:   cfg.ExportAPIKey,
			Timeout:  cfg.ExportTimeout,
		}, log)
		go func() {
			checkCtx, checkCancel := context.WithTimeout(ctx, 10*time.Second)
			defer checkCancel()
			if err := exportClient.HealthCheck(checkCtx); err != nil {
				log.WithError(err).Warn("Export endpoint health check failed, will retry on first event")
			} else {
				log.Info("Export endpoint connection verified")
			}
		}()
	}

	cons := consumer.New(consumer.Config{
		Retention: cfg.EventRetention,
	}, core.ContainerEvents().Events(), core.NetworkEvents().Events(), exportClient, log)
	cons.Start(ctx)

	srv := server.New(cfg, core, cons, log)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("HTTP server error")
			cancel()
		}
	}()

	select {
	case sig := <-sigChan:
		log.WithField("signal", sig.String()).Info("Received shutdown signal")
	case <-ctx.Done():
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("Error during shutdown")
	}

	log.Info("Agent shutdown complete")
}
