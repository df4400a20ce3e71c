package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/beru3/monibot-pribot-webhook/internal/assignment"
	"github.com/beru3/monibot-pribot-webhook/internal/backlog"
	"github.com/beru3/monibot-pribot-webhook/internal/config"
	"github.com/beru3/monibot-pribot-webhook/internal/database"
	"github.com/beru3/monibot-pribot-webhook/internal/inserter"
	"github.com/beru3/monibot-pribot-webhook/internal/lock"
	"github.com/beru3/monibot-pribot-webhook/internal/logger"
	"github.com/beru3/monibot-pribot-webhook/internal/monitor"
	"github.com/beru3/monibot-pribot-webhook/internal/orchestrator"
	"github.com/beru3/monibot-pribot-webhook/internal/repository"
	"github.com/beru3/monibot-pribot-webhook/internal/webhook"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const leaseKey = "monibot:assignment:lease"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, "monibot")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting monibot")

	db, err := database.NewPostgresDB(&cfg.Database)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer database.Close(db)

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	client := backlog.NewClient(backlog.SpaceBaseURL(cfg.Backlog.SpaceName), cfg.Backlog.APIKey, cfg.Backlog.Timeout, log)
	notifier := webhook.NewNotifier(cfg.Webhook.URL, cfg.Backlog.BillingProjectID, cfg.Backlog.Status.InReview, cfg.Webhook.Timeout, log)

	staffRepo := repository.NewStaffRepository(db, log)
	accountRepo := repository.NewAccountRepository(db, log)
	assignRepo := repository.NewAssignmentRepository(db, log)
	hospitalRepo := repository.NewHospitalRepository(db, log)

	staffSync := assignment.NewStaffSync(db, client, staffRepo, &cfg.Backlog, log)
	reversion := assignment.NewReversionSweep(db, client, staffRepo, assignRepo, &cfg.Backlog, log)
	lease := lock.NewLease(redisClient, leaseKey, 2*cfg.Intervals.TaskAssignment+30*time.Second, log)
	engine := assignment.NewEngine(db, client, notifier, staffRepo, accountRepo, assignRepo, hospitalRepo,
		staffSync, reversion, lease, &cfg.Backlog, log)

	ingester := inserter.NewIngester(db, client, accountRepo, hospitalRepo, &cfg.Backlog, log)
	counter := monitor.NewDailyCounter(cfg.Paths.CounterFile, log)

	portals, err := config.LoadPortals(cfg.Paths.PortalsFile)
	if err != nil {
		log.Fatal("Failed to load portal registry", zap.Error(err))
	}

	var paper *monitor.PaperMonitor
	var monitors []monitor.Monitor
	for _, portal := range portals {
		switch portal.Kind {
		case "paper":
			paper = monitor.NewPaperMonitor(portal.Name, client, ingester, counter, &cfg.Backlog, &cfg.Paths, log)
			monitors = append(monitors, paper)
		default:
			// The browser bot for each external portal runs out of process;
			// its login gate is watched in-process via the check directory.
			monitors = append(monitors, monitor.NewExternalMonitor(portal.Name, client, &cfg.Backlog, &cfg.Paths, log))
			log.Info("External portal registered",
				zap.String("portal", portal.Name),
				zap.Int("polling_interval", portal.PollingInterval),
			)
		}
	}

	supervisor := orchestrator.New(engine, paper, monitors, cfg, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		errChan <- supervisor.Run(ctx)
	}()

	select {
	case sig := <-sigChan:
		log.Info("Received signal, shutting down", zap.String("signal", sig.String()))
		cancel()
		<-errChan
	case err := <-errChan:
		if err != nil {
			log.Error("Supervisor exited with error", zap.Error(err))
			os.Exit(1)
		}
	}

	log.Info("monibot stopped")
}
