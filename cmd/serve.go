package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/apsgrid/otaserver/api"
	"github.com/apsgrid/otaserver/api/handlers"
	"github.com/apsgrid/otaserver/api/routes"
	"github.com/apsgrid/otaserver/config"
	"github.com/apsgrid/otaserver/internal/cache"
	"github.com/apsgrid/otaserver/internal/database"
	"github.com/apsgrid/otaserver/internal/firmware"
	"github.com/apsgrid/otaserver/internal/messaging"
	"github.com/apsgrid/otaserver/internal/repository"
	"github.com/apsgrid/otaserver/internal/service"
	"github.com/apsgrid/otaserver/internal/telemetry"
	"github.com/apsgrid/otaserver/internal/webhook"
	"github.com/apsgrid/otaserver/internal/ws"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the OTA control plane server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func serve() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	db, err := database.Connect(cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := database.AutoMigrate(db); err != nil {
		return err
	}

	redisClient, err := cache.NewRedisClient(cfg.Redis)
	if err != nil {
		return err
	}
	defer redisClient.Close()

	nrApp, err := telemetry.InitNewRelic(cfg.NewRelic)
	if err != nil {
		logger.WithError(err).Warn("New Relic disabled")
	}

	publisher, err := messaging.NewEventPublisher(cfg.ServiceBus)
	if err != nil {
		return err
	}
	defer publisher.Close()

	repo := repository.NewRepository(db)

	hub := ws.NewHub(logger)
	go hub.Run()

	dispatcher := webhook.NewDispatcher(repo, publisher, logger)

	store, err := firmware.NewStore(cfg.Firmware.StoragePath, repo, logger)
	if err != nil {
		return err
	}

	queue := service.NewUpdateQueue(repo, hub, logger,
		cfg.Updates.MaxConcurrent,
		time.Duration(cfg.Updates.DuplicateWindow)*time.Minute)
	defer queue.Stop()

	otaService := service.NewOTAService(repo, hub, dispatcher, logger,
		time.Duration(cfg.Updates.CheckinWindow)*time.Minute)
	deviceService := service.NewDeviceService(repo, queue, hub, logger)
	rolloutService := service.NewRolloutService(repo, queue, dispatcher, logger)
	commandService := service.NewCommandService(repo, hub, logger)
	configService := service.NewConfigService(repo, logger)
	auditRecorder := service.NewAuditRecorder(repo, logger)
	watchdog := service.NewWatchdog(repo, hub, dispatcher, logger,
		time.Duration(cfg.Updates.StuckAfter)*time.Minute)

	hub.SetCommandSink(func(mac, command, payload string) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := commandService.Enqueue(ctx, mac, command, payload); err != nil {
			logger.WithError(err).WithField("mac", mac).Warn("Socket command rejected")
		}
	})

	// Background scans share one scheduler
	scheduler := cron.New()
	scheduler.Schedule(cron.Every(service.WatchdogTickInterval), cron.FuncJob(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Second)
		defer cancel()
		watchdog.Tick(ctx)
	}))
	scheduler.Schedule(cron.Every(time.Minute), cron.FuncJob(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		commandService.ExpireTick(ctx)
	}))
	scheduler.Schedule(cron.Every(time.Minute), cron.FuncJob(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Second)
		defer cancel()
		rolloutService.AutoExpandTick(ctx)
	}))
	scheduler.Start()
	defer scheduler.Stop()

	h := routes.Handlers{
		Health:   handlers.NewHealthHandler(db, redisClient, Version),
		OTA:      handlers.NewOTAHandler(otaService, commandService, configService, store, logger),
		Device:   handlers.NewDeviceHandler(deviceService, queue, auditRecorder, redisClient, logger),
		Firmware: handlers.NewFirmwareHandler(store, auditRecorder, logger),
		Rollout:  handlers.NewRolloutHandler(rolloutService, auditRecorder, logger),
		Webhook:  handlers.NewWebhookHandler(repo, dispatcher, auditRecorder, logger),
		Config:   handlers.NewConfigHandler(configService, auditRecorder, logger),
		Command:  handlers.NewCommandHandler(commandService, auditRecorder, logger),
		Audit:    handlers.NewAuditHandler(auditRecorder, logger),
	}

	server := api.NewServer(cfg, h, hub, nrApp, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Run()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		logger.WithField("signal", sig.String()).Info("Shutting down")
		return server.Shutdown(context.Background())
	}
}
