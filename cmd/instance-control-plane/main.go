// Command instance-control-plane runs the device worker lifecycle
// manager: it consumes lifecycle commands from RabbitMQ, drives the
// container engine and the instance store, and runs the two background
// reconcile loops that repair drift between them.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docker/docker/client"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sensiflow/instancectl/internal/bus"
	"github.com/sensiflow/instancectl/internal/config"
	"github.com/sensiflow/instancectl/internal/containerengine"
	"github.com/sensiflow/instancectl/internal/dispatcher"
	"github.com/sensiflow/instancectl/internal/instance"
	"github.com/sensiflow/instancectl/internal/logging"
	"github.com/sensiflow/instancectl/internal/metrics"
	"github.com/sensiflow/instancectl/internal/platform/database"
	"github.com/sensiflow/instancectl/internal/platform/migrations"
	"github.com/sensiflow/instancectl/internal/reconcile"
	"github.com/sensiflow/instancectl/internal/store"
	"github.com/sensiflow/instancectl/internal/workerpool"
)

const dbName = "instancectl"

func main() {
	workerImage := flag.String("worker-image", "instancectl-worker:latest", "image tag for the per-device worker container")
	metricsAddr := flag.String("metrics-addr", ":9090", "listen address for the Prometheus scrape endpoint")
	runMigrations := flag.Bool("migrate", true, "apply embedded database migrations on startup")
	concurrency := flag.Int64("concurrency", 8, "bounded worker pool size for engine and database calls")
	flag.Parse()

	log := logging.NewFromEnv("instance-control-plane")

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("load configuration")
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(rootCtx, cfg.Database.DSN(dbName))
	if err != nil {
		log.WithError(err).Fatal("connect to postgres")
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	defer db.Close()

	if *runMigrations {
		if err := migrations.Apply(rootCtx, db); err != nil {
			log.WithError(err).Fatal("apply migrations")
		}
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	dockerCli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		log.WithError(err).Fatal("create docker client")
	}
	defer dockerCli.Close()

	engine := containerengine.New(dockerCli, log, m)

	amqpBus, err := bus.Dial(rootCtx, bus.Config{
		URL:                           cfg.RabbitMQ.URL(),
		ControllerQueue:               cfg.RabbitMQ.ControllerQueue,
		AckStatusQueue:                cfg.RabbitMQ.AckStatusQueue,
		InstanceSchedulerNotification: cfg.RabbitMQ.InstanceSchedulerNotification,
	}, log)
	if err != nil {
		log.WithError(err).Fatal("connect to rabbitmq")
	}
	defer amqpBus.Close()

	pool := workerpool.New(*concurrency)

	svc := instance.New(store.New(db), engine, instance.RunImage{
		Image:      *workerImage,
		Entrypoint: []string{"/usr/local/bin/worker"},
	}, instance.Config{
		DeviceFlag: cfg.HardwareAcceleration.DeviceFlag(),
	}, log)

	disp := dispatcher.New(svc, amqpBus, log, m)
	if err := amqpBus.ConsumeUnique(rootCtx, pool, disp.HandleUnique); err != nil {
		log.WithError(err).Fatal("start unique-queue consumer")
	}
	if err := amqpBus.ConsumeShared(rootCtx, pool, disp.HandleShared); err != nil {
		log.WithError(err).Fatal("start shared-queue consumer")
	}

	reconcileLoop := reconcile.New(store.New(db), engine, amqpBus, pool, reconcile.Config{}, log, m)
	reconcileLoop.Start(rootCtx)

	metricsSrv := &http.Server{Addr: *metricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("metrics server stopped unexpectedly")
		}
	}()

	log.WithFields(map[string]any{"environment": string(cfg.Environment)}).Info("instance control plane started")

	<-rootCtx.Done()
	log.Info("shutdown signal received, draining")

	reconcileLoop.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("metrics server shutdown")
	}

	log.Info("shutdown complete")
	os.Exit(0)
}
