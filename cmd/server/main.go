package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/codebuildervaibhav/session-transcription/internal/cleanup"
	"github.com/codebuildervaibhav/session-transcription/internal/config"
	"github.com/codebuildervaibhav/session-transcription/internal/finalize"
	"github.com/codebuildervaibhav/session-transcription/internal/formatter"
	"github.com/codebuildervaibhav/session-transcription/internal/handlers"
	"github.com/codebuildervaibhav/session-transcription/internal/ingest"
	"github.com/codebuildervaibhav/session-transcription/internal/metrics"
	"github.com/codebuildervaibhav/session-transcription/internal/notify"
	"github.com/codebuildervaibhav/session-transcription/internal/queue"
	"github.com/codebuildervaibhav/session-transcription/internal/quota"
	"github.com/codebuildervaibhav/session-transcription/internal/storage"
	"github.com/codebuildervaibhav/session-transcription/internal/transcription"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to the server configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Ensure directories exist
	if err := cleanup.EnsureTempDirExists(cfg.Storage.TempDir); err != nil {
		log.Fatalf("Failed to create temp directory: %v", err)
	}
	if err := os.MkdirAll(cfg.Storage.OutputDir, 0755); err != nil {
		log.Fatalf("Failed to create output directory: %v", err)
	}

	// Custom logger setup
	logBuffer := &LogBuffer{
		lines: make([]string, 0, 1000),
	}
	log.SetOutput(io.MultiWriter(os.Stdout, logBuffer))

	log.Println("Initializing components...")

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(reg)

	transcriber, err := transcription.New(cfg.Transcription, cfg.Storage.TempDir)
	if err != nil {
		log.Fatalf("Failed to initialize transcription backend: %v", err)
	}

	docFormatter, err := formatter.New(cfg.Formatter)
	if err != nil {
		log.Fatalf("Failed to initialize formatter: %v", err)
	}

	// Database
	store, err := storage.NewSessionStore(cfg.Storage.Database)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer store.Close()

	ledger, err := quota.NewSQLiteLedger(store.DB(), cfg.Quota.MonthlyMinutes)
	if err != nil {
		log.Fatalf("Failed to initialize quota ledger: %v", err)
	}

	hub := notify.NewHub()

	deps := finalize.Deps{
		Store:     store,
		Formatter: docFormatter,
		Ledger:    ledger,
		Notifier:  hub,
		Local:     storage.NewLocalStorage(cfg.Storage.OutputDir),
		Metrics:   m,
	}

	// Google Drive client (optional - may fail if credentials not set up)
	if _, err := os.Stat(cfg.GoogleDrive.CredentialsFile); err == nil {
		driveClient, err := storage.NewDriveClient(context.Background(),
			cfg.GoogleDrive.CredentialsFile,
			cfg.GoogleDrive.TokenFile,
			cfg.GoogleDrive.FolderName,
		)
		if err != nil {
			log.Printf("WARNING: Google Drive not available: %v", err)
			log.Println("Documents will only be saved locally")
		} else {
			deps.Drive = driveClient
			log.Println("Google Drive integration enabled")
		}
	} else {
		log.Println("Google Drive credentials not found - saving locally only")
	}

	finalizer := finalize.NewFinalizer(deps, finalize.NewStabilizer(cfg.Convergence))

	// Worker pool
	workerPool := queue.NewWorkerPool(cfg.Workers.Count, cfg.Workers.QueueSize, finalizer, m)
	workerPool.Start()

	// Cleanup scheduler
	cleanupScheduler := cleanup.NewScheduler(cfg.Cleanup, cfg.Storage.TempDir, store, finalizer, m)
	cleanupScheduler.Start()

	// Create Fiber app
	app := fiber.New(fiber.Config{
		BodyLimit: (cfg.Limits.MaxChunkSizeMB + 1) * 1024 * 1024,
	})

	// Middleware
	app.Use(recover.New())
	app.Use(logger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, X-Owner-ID",
	}))

	routes := &handlers.Routes{
		Sessions:      handlers.NewSessionHandler(store, ledger, hub, m),
		Chunks:        handlers.NewChunkHandler(ingest.NewService(store, transcriber, m), cfg.Limits.MaxChunkSizeMB),
		Finalize:      handlers.NewFinalizeHandler(store, finalizer, workerPool),
		Notifications: handlers.NewNotificationHandler(hub),
	}
	routes.Register(app)

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "healthy",
			"version": "1.0.0",
		})
	})

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	// Get server logs
	app.Get("/logs", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"logs": logBuffer.GetLogs(),
		})
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	log.Printf("Server starting on %s", addr)
	log.Println("Endpoints:")
	log.Println("   POST   /api/sessions            - Start a recording session")
	log.Println("   GET    /api/sessions            - List sessions")
	log.Println("   GET    /api/sessions/:id        - Session status and document")
	log.Println("   POST   /api/sessions/:id/pause  - Pause notification")
	log.Println("   POST   /api/sessions/:id/resume - Resume a paused session")
	log.Println("   DELETE /api/sessions/:id        - Discard a session")
	log.Println("   POST   /api/chunks              - Upload one audio chunk")
	log.Println("   POST   /api/finalize            - Finalize a session")
	log.Println("   GET    /ws/notifications        - WebSocket session events")
	log.Println("   GET    /metrics                 - Prometheus metrics")
	log.Println("   GET    /logs                    - View server logs")
	log.Println("   GET    /health                  - Health check")

	// Graceful shutdown
	go func() {
		sigint := make(chan os.Signal, 1)
		signal.Notify(sigint, os.Interrupt, syscall.SIGTERM)
		<-sigint

		log.Println("Shutting down gracefully...")
		app.Shutdown()
	}()

	if err := app.Listen(addr); err != nil {
		log.Printf("Server failed: %v", err)
	}

	cleanupScheduler.Stop()
	workerPool.Stop()
}

// LogBuffer captures logs in memory
type LogBuffer struct {
	lines []string
	mu    sync.Mutex
}

func (lb *LogBuffer) Write(p []byte) (n int, err error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	lb.lines = append(lb.lines, string(p))

	// Keep last 1000 lines
	if len(lb.lines) > 1000 {
		lb.lines = lb.lines[len(lb.lines)-1000:]
	}

	return len(p), nil
}

// GetLogs returns a copy of the buffered lines
func (lb *LogBuffer) GetLogs() []string {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	logs := make([]string, len(lb.lines))
	copy(logs, lb.lines)
	return logs
}
