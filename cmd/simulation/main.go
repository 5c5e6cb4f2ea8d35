package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/kmcrae/brokersync/internal/brokerage"
	"github.com/kmcrae/brokersync/internal/database"
	"github.com/kmcrae/brokersync/internal/execution"
	"github.com/kmcrae/brokersync/internal/queue"
	"github.com/kmcrae/brokersync/internal/reconciliation"
	"github.com/kmcrae/brokersync/internal/risk"
)

const numOrders = 25

var (
	symbols = []string{"AAPL", "GOOGL", "MSFT", "AMZN", "META"}
	sides   = []string{"BUY", "SELL"}
)

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	// Configure pretty logging
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

// simulationStats tracks outcomes across the scenario run
type simulationStats struct {
	StartTime      time.Time
	TotalOrders    int
	Submitted      int
	Rejected       int
	TimedOut       int
	DeadLettered   int
	Healed         int
	Symbols        map[string]int
	Sides          map[string]int
	Reconciliation *reconciliation.Run
}

// main drives an end-to-end scenario against the in-process engine: a batch
// of orders with injected rejections and ambiguous timeouts, worker-driven
// retries, brokerage-side fills, and a closing reconciliation pass.
func main() {
	stats := &simulationStats{
		StartTime: time.Now(),
		Symbols:   make(map[string]int),
		Sides:     make(map[string]int),
	}

	workDir, err := os.MkdirTemp("", "brokersync-sim")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create working directory")
	}
	defer os.RemoveAll(workDir)

	db, err := database.NewDatabase(filepath.Join(workDir, "simulation.db"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize database")
	}

	broker := brokerage.NewSimulated()
	queueService := queue.NewService(db)

	gate, err := risk.NewGate(db, broker, queueService)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize risk gate")
	}

	executionService := execution.NewService(db, broker)
	reconciliationService := reconciliation.NewService(db, broker)

	worker := queue.NewWorker(db, 100*time.Millisecond)
	// Tight backoff so retries play out within the scenario run.
	worker.SetBackoff(50*time.Millisecond, time.Second)
	worker.Register(queue.TypeOrderSubmit, execution.NewSubmitHandler(executionService, gate))
	worker.Register(queue.TypeOrderSync, execution.NewSyncHandler(executionService))
	worker.Register(queue.TypeCloseAllPositions, execution.NewCloseAllHandler(executionService))
	worker.Register(queue.TypeReconcile, reconciliation.NewReconcileHandler(reconciliationService, gate))
	worker.Register(queue.TypeAssetUniverseSync, reconciliation.NewAssetSyncHandler(reconciliationService))

	ctx := context.Background()

	// Refresh the asset universe first, the way the engine would on boot.
	if _, err := queueService.Enqueue(queue.TypeAssetUniverseSync, nil, queue.EnqueueOptions{
		IdempotencyKey: "sim-asset-sync",
	}); err != nil {
		log.Fatal().Err(err).Msg("failed to enqueue asset universe sync")
	}

	log.Info().Int("orders", numOrders).Msg("enqueueing order batch")

	for i := 0; i < numOrders; i++ {
		symbol := symbols[rand.Intn(len(symbols))]
		side := sides[rand.Intn(len(sides))]
		clientOrderID := fmt.Sprintf("sim-%03d-%s", i, uuid.New().String()[:8])

		// Inject the interesting failure modes on a slice of the batch.
		switch {
		case i%7 == 3:
			broker.RejectNextCreate("insufficient buying power")
		case i%7 == 5:
			broker.TimeoutNextCreate()
		}

		payload := execution.SubmitPayload{
			SubmitRequest: execution.SubmitRequest{
				ClientOrderID: clientOrderID,
				Symbol:        symbol,
				Side:          side,
				OrderType:     "LIMIT",
				Quantity:      float64(1 + rand.Intn(10)),
				LimitPrice:    50 + rand.Float64()*150,
			},
			Origin: risk.OriginAutomatic,
		}

		_, err := queueService.Enqueue(queue.TypeOrderSubmit, payload, queue.EnqueueOptions{
			IdempotencyKey: "order-submit-" + clientOrderID,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("failed to enqueue order")
		}

		stats.TotalOrders++
		stats.Symbols[symbol]++
		stats.Sides[side]++
	}

	// Drive the worker until the queue drains, waiting out retry backoffs.
	for i := 0; i < 100; i++ {
		if err := worker.RunOnce(ctx); err != nil {
			log.Error().Err(err).Msg("worker cycle failed")
		}
		pending, _ := queueService.GetWorkItemCount(queue.StatusPending)
		running, _ := queueService.GetWorkItemCount(queue.StatusRunning)
		if pending == 0 && running == 0 {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	// Fill a handful of submitted orders brokerage-side, then reconcile so
	// the local ledger catches up.
	active, err := executionService.ActiveExecutions()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to list active executions")
	}
	for i, record := range active {
		if record.Status != execution.StatusSubmitted || i%2 == 0 {
			continue
		}
		if err := broker.FillOrder(record.ClientOrderID, record.LimitPrice); err != nil {
			log.Error().Err(err).Str("client_order_id", record.ClientOrderID).Msg("failed to fill order")
		}
	}

	run, err := reconciliationService.Reconcile(ctx, reconciliation.TriggerManual)
	if err != nil {
		log.Fatal().Err(err).Msg("reconciliation failed")
	}
	stats.Reconciliation = run
	stats.Healed = run.HealedCount

	collectOutcomes(stats, executionService, queueService)
	printSummary(stats)
}

func collectOutcomes(stats *simulationStats, executionService *execution.Service, queueService *queue.Service) {
	succeeded, _ := queueService.GetWorkItemCount(queue.StatusSucceeded)
	failed, _ := queueService.GetWorkItemCount(queue.StatusFailed)
	dead, _ := queueService.GetWorkItemCount(queue.StatusDeadLetter)

	stats.Submitted = int(succeeded)
	stats.Rejected = int(failed)
	stats.DeadLettered = int(dead)

	active, err := executionService.ActiveExecutions()
	if err != nil {
		return
	}
	for _, record := range active {
		if record.Status == execution.StatusFailed {
			stats.TimedOut++
		}
	}
}

func printSummary(stats *simulationStats) {
	duration := time.Since(stats.StartTime)

	fmt.Println("\n" + strings.Repeat("=", 72))
	fmt.Println("EXECUTION ENGINE SIMULATION SUMMARY")
	fmt.Println(strings.Repeat("=", 72))

	fmt.Printf(`
Order Statistics
----------------
Total Orders:       %d
Work Items Done:    %d
Terminal Failures:  %d
Dead-Lettered:      %d
Unresolved FAILED:  %d
Duration:           %v

Reconciliation
--------------
Run ID:             %s
Orders Checked:     %d
Synced:             %d
Healed:             %d
Findings:           %d

Symbol Distribution
-------------------
`, stats.TotalOrders, stats.Submitted, stats.Rejected, stats.DeadLettered,
		stats.TimedOut, duration.Round(time.Millisecond),
		stats.Reconciliation.RunID, stats.Reconciliation.OrdersChecked,
		stats.Reconciliation.SyncedCount, stats.Reconciliation.HealedCount,
		stats.Reconciliation.FindingsCount)

	maxSymbolCount := 0
	for _, count := range stats.Symbols {
		if count > maxSymbolCount {
			maxSymbolCount = count
		}
	}
	for symbol, count := range stats.Symbols {
		barLength := int(float64(count) / float64(maxSymbolCount) * 20)
		bar := strings.Repeat("#", barLength)
		fmt.Printf("%-6s: %s (%d)\n", symbol, bar, count)
	}

	fmt.Println("\nSide Distribution")
	fmt.Println("-----------------")
	for side, count := range stats.Sides {
		barLength := int(float64(count) / float64(stats.TotalOrders) * 20)
		bar := strings.Repeat("#", barLength)
		fmt.Printf("%-4s: %s (%d)\n", side, bar, count)
	}

	fmt.Println("\n" + strings.Repeat("=", 72))

	log.Info().
		Int("total_orders", stats.TotalOrders).
		Int("healed", stats.Healed).
		Dur("duration", duration).
		Msg("simulation complete")
}
