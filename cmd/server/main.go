package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"redactiq/internal/config"
	"redactiq/internal/database"
	"redactiq/internal/execution"
	"redactiq/internal/handlers"
	"redactiq/internal/jobs"
	"redactiq/internal/logging"
	"redactiq/internal/middleware"
	"redactiq/internal/services"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/joho/godotenv"
)

func main() {
	// Load .env if present (development convenience)
	if err := godotenv.Load(); err != nil {
		log.Println("ℹ️ No .env file found, using environment variables")
	}

	logging.Init()
	cfg := config.Load()

	// MySQL: workflow definitions and incoming requests
	db, err := database.New(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("❌ Failed to connect to database: %v", err)
	}
	defer db.Close()
	if err := db.Initialize(); err != nil {
		log.Fatalf("❌ Failed to initialize database: %v", err)
	}

	// MongoDB: job runs and persisted results
	mongoDB, err := database.NewMongoDB(cfg.MongoURI)
	if err != nil {
		log.Fatalf("❌ Failed to connect to MongoDB: %v", err)
	}
	initCtx, initCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := mongoDB.Initialize(initCtx); err != nil {
		log.Fatalf("❌ Failed to initialize MongoDB: %v", err)
	}
	initCancel()

	// Redis: progress event delivery
	eventService, err := services.NewEventService(cfg.RedisURL)
	if err != nil {
		log.Fatalf("❌ Failed to connect to Redis: %v", err)
	}
	defer eventService.Close()

	// Engine wiring
	workflowService := services.NewWorkflowService(db)
	jobRunService := services.NewJobRunService(mongoDB)
	resultService := services.NewResultService(mongoDB)

	modelClient := execution.NewModelClient(cfg.ModelAPIURL, cfg.ModelAPIKey,
		time.Duration(cfg.ModelTimeoutSeconds)*time.Second)
	executor := execution.NewBlockExecutor(modelClient)
	controller := execution.NewJobController(workflowService, jobRunService,
		resultService, eventService, executor, cfg.JobRetryLimit)

	runner := &services.InstrumentedRunner{Controller: controller}
	scheduler := execution.NewScheduler(runner, cfg.MaxConcurrentJobs)
	controller.SetResubmitter(scheduler)

	metrics := services.InitMetrics(scheduler)
	runner.Metrics = metrics

	jobService := services.NewJobService(workflowService, jobRunService, scheduler, metrics)

	schedCtx, schedCancel := context.WithCancel(context.Background())
	scheduler.Start(schedCtx)

	// Re-enqueue Pending runs left over from a previous process
	recoverCtx, recoverCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := jobService.RecoverPending(recoverCtx); err != nil {
		log.Printf("⚠️ Failed to recover pending jobs: %v", err)
	}
	recoverCancel()

	// Retention cleanup
	cleanup := jobs.NewRetentionCleanup(jobRunService, cfg.JobRetentionDays, cfg.CleanupSchedule)
	if err := cleanup.Start(); err != nil {
		log.Fatalf("❌ Failed to start retention cleanup: %v", err)
	}

	// HTTP surface
	app := fiber.New(fiber.Config{
		AppName:      "redactiq",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	})

	app.Use(recover.New())
	app.Use(cors.New())
	app.Use(fiberlogger.New())

	prometheus := fiberprometheus.New("redactiq")
	prometheus.RegisterAt(app, "/metrics")
	app.Use(prometheus.Middleware)

	jobHandler := handlers.NewJobHandler(jobService)
	healthHandler := handlers.NewHealthHandler(db, mongoDB, eventService)
	submitLimiter := middleware.NewSubmitLimiter(cfg.SubmitRatePerMin, cfg.SubmitBurst)

	app.Get("/health", healthHandler.Check)

	api := app.Group("/api")
	api.Post("/requests/:id/process", submitLimiter.Handler(), jobHandler.ProcessRequest)
	api.Get("/jobs/:id", jobHandler.GetJob)
	api.Get("/jobs/:id/queue", jobHandler.GetQueuePosition)
	api.Post("/jobs/:id/retry", jobHandler.RetryJob)

	// Graceful shutdown: stop accepting HTTP, stop the queue, let in-flight
	// jobs finish.
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit

		log.Println("🛑 Shutting down...")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.Printf("⚠️ HTTP shutdown error: %v", err)
		}
	}()

	log.Printf("🚀 redactiq listening on :%s (max_concurrent=%d)", cfg.Port, cfg.MaxConcurrentJobs)
	if err := app.Listen(":" + cfg.Port); err != nil {
		log.Printf("⚠️ Server stopped: %v", err)
	}

	// In-flight jobs run to a terminal state; still-queued runs stay Pending
	// and are recovered on the next start.
	schedCancel()
	scheduler.Stop()
	cleanup.Stop()

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer closeCancel()
	if err := mongoDB.Close(closeCtx); err != nil {
		log.Printf("⚠️ MongoDB close error: %v", err)
	}

	log.Println("👋 Shutdown complete")
}
