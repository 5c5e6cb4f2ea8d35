package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/kmcrae/brokersync/internal/auth"
	"github.com/kmcrae/brokersync/internal/brokerage"
	"github.com/kmcrae/brokersync/internal/database"
	"github.com/kmcrae/brokersync/internal/execution"
	"github.com/kmcrae/brokersync/internal/queue"
	"github.com/kmcrae/brokersync/internal/reconciliation"
	"github.com/kmcrae/brokersync/internal/risk"
	"github.com/kmcrae/brokersync/pkg/middleware"

	"github.com/gin-gonic/gin"
)

const workerPollInterval = 1 * time.Second

// init configures the application logging based on environment settings
// In development mode, it enables pretty printing with timestamps
// Debug logging can be enabled via DEBUG environment variable
func init() {
	// Configure pretty logging for development
	if os.Getenv("ENV") != "production" {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	// Set global log level
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// main initializes and runs the execution engine with graceful shutdown
// support: database, brokerage client, work queue worker, reconciliation
// scheduler and the operator API routes.
func main() {
	// Optional .env for local development
	_ = godotenv.Load()

	// Initialize database
	db, err := database.NewDatabase(os.Getenv("DATABASE_PATH"))
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	// The simulated brokerage stands in for the real one outside production.
	broker := brokerage.NewSimulated()
	broker.MinLatency = 5 * time.Millisecond
	broker.MaxLatency = 50 * time.Millisecond

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		jwtSecret = "brokersync-dev-secret"
	}

	// Initialize router
	router := gin.Default()

	// Initialize services and handlers
	authService := auth.NewService(jwtSecret)
	authHandlers := auth.NewGinHandlers(authService)
	// Register test credentials
	authService.RegisterAPICredentials(auth.TestAPIKey, auth.TestAPISecret)

	queueService := queue.NewService(db)
	queueHandlers := queue.NewGinHandlers(queueService)

	riskGate, err := risk.NewGate(db, broker, queueService)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize risk gate")
	}
	riskHandlers := risk.NewGinHandlers(riskGate)

	executionService := execution.NewService(db, broker)
	executionHandlers := execution.NewGinHandlers(executionService, queueService, riskGate)

	reconciliationService := reconciliation.NewService(db, broker)
	reconciliationHandlers := reconciliation.NewGinHandlers(reconciliationService)

	// Register the work item handlers; every ItemType must be wired here
	// before the worker starts.
	worker := queue.NewWorker(db, workerPollInterval)
	worker.Register(queue.TypeOrderSubmit, execution.NewSubmitHandler(executionService, riskGate))
	worker.Register(queue.TypeOrderSync, execution.NewSyncHandler(executionService))
	worker.Register(queue.TypeCloseAllPositions, execution.NewCloseAllHandler(executionService))
	worker.Register(queue.TypeReconcile, reconciliation.NewReconcileHandler(reconciliationService, riskGate))
	worker.Register(queue.TypeAssetUniverseSync, reconciliation.NewAssetSyncHandler(reconciliationService))

	scheduler := reconciliation.NewScheduler(queueService, reconciliation.DefaultInterval)

	backgroundCtx, backgroundCancel := context.WithCancel(context.Background())
	defer backgroundCancel()

	go worker.Start(backgroundCtx)
	go scheduler.Start(backgroundCtx)

	// Setup middleware
	router.Use(middleware.RateLimit())

	// Setup API routes
	setupRoutes(router, []byte(jwtSecret), authHandlers, queueHandlers, executionHandlers, reconciliationHandlers, riskHandlers)

	// Get port from env otherwise it's 8080
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// Create server
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: router,
	}

	// Graceful shutdown setup
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")

	// Stop the worker and scheduler before closing the HTTP surface so no
	// work item is abandoned mid-claim.
	backgroundCancel()

	// Give outstanding operations 5 seconds to complete
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	zlog.Info().Msg("Server exiting")
}

// setupRoutes configures all API endpoints and their handlers
// It groups routes by functionality and applies appropriate middleware:
// - Auth routes: Public endpoints for authentication
// - Order and operator routes: Protected by JWT authentication
func setupRoutes(
	router *gin.Engine,
	jwtSecret []byte,
	authHandlers *auth.GinHandlers,
	queueHandlers *queue.GinHandlers,
	executionHandlers *execution.GinHandlers,
	reconciliationHandlers *reconciliation.GinHandlers,
	riskHandlers *risk.GinHandlers,
) {
	v1 := router.Group("/api/v1")
	{
		// Auth routes
		authGroup := v1.Group("/auth")
		{
			authGroup.POST("/token", authHandlers.GenerateTokenHandler())
		}

		// Order routes
		orders := v1.Group("/orders")
		orders.Use(middleware.JWTAuth(jwtSecret))
		{
			orders.POST("", executionHandlers.SubmitOrderHandler())
		}

		// Execution routes
		executions := v1.Group("/executions")
		executions.Use(middleware.JWTAuth(jwtSecret))
		{
			executions.GET("/active", executionHandlers.GetActiveExecutionsHandler())
		}

		// Work queue operator routes
		workItems := v1.Group("/work-items")
		workItems.Use(middleware.JWTAuth(jwtSecret))
		{
			workItems.POST("", queueHandlers.EnqueueHandler())
			workItems.GET("", queueHandlers.ListWorkItemsHandler())
			workItems.GET("/count", queueHandlers.WorkItemCountHandler())
			workItems.POST("/:item_id/retry", queueHandlers.RetryWorkItemHandler())
			workItems.POST("/:item_id/dead-letter", queueHandlers.ForceDeadLetterHandler())
		}

		// Reconciliation operator routes
		recon := v1.Group("/reconciliation")
		recon.Use(middleware.JWTAuth(jwtSecret))
		{
			recon.POST("/run", reconciliationHandlers.ReconcileNowHandler())
			recon.GET("/unreal-orders", reconciliationHandlers.IdentifyUnrealOrdersHandler())
			recon.GET("/runs", reconciliationHandlers.ListRunsHandler())
			recon.GET("/runs/:run_id/findings", reconciliationHandlers.ListFindingsHandler())
		}

		// Risk operator routes
		riskGroup := v1.Group("/risk")
		riskGroup.Use(middleware.JWTAuth(jwtSecret))
		{
			riskGroup.GET("/limits", riskHandlers.GetRiskLimitsHandler())
			riskGroup.PUT("/limits", riskHandlers.UpdateRiskLimitsHandler())
			riskGroup.POST("/kill-switch", riskHandlers.ActivateKillSwitchHandler())
			riskGroup.DELETE("/kill-switch", riskHandlers.DeactivateKillSwitchHandler())
		}
	}
}
