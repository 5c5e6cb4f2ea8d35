package risk

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/kmcrae/brokersync/internal/brokerage"
	"github.com/kmcrae/brokersync/internal/queue"
	"github.com/kmcrae/brokersync/pkg/response"
)

const accountCallTimeout = 10 * time.Second

// Gate is the synchronous pre-check consulted before any order reaches the
// brokerage. It holds the persisted limits in an in-process cache refreshed
// on every mutation; reads are lock-protected but never touch storage.
type Gate struct {
	db     *Database
	broker brokerage.Client
	queue  *queue.Service

	mu     sync.RWMutex
	limits Limits
}

// NewGate loads the persisted limits (including any kill switch left active
// by a previous run) and returns a ready gate.
func NewGate(gormDB *gorm.DB, broker brokerage.Client, queueService *queue.Service) (*Gate, error) {
	db := NewDatabase(gormDB)
	limits, err := db.LoadLimits()
	if err != nil {
		return nil, fmt.Errorf("failed to load risk limits: %w", err)
	}

	if limits.KillSwitchActive {
		log.Warn().
			Str("component", "risk_gate").
			Str("reason", limits.KillSwitchReason).
			Msg("kill switch is active from a previous run; order submission remains blocked")
	}

	return &Gate{
		db:     db,
		broker: broker,
		queue:  queueService,
		limits: *limits,
	}, nil
}

// Limits returns a copy of the cached limits.
func (g *Gate) Limits() Limits {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.limits
}

// UpdateLimits persists new limit values and refreshes the cache. The kill
// switch cannot be cleared through this path; use DeactivateKillSwitch.
func (g *Gate) UpdateLimits(update Limits) (*Limits, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	limits := g.limits
	limits.TradingMode = update.TradingMode
	limits.MaxPositionSizePercent = update.MaxPositionSizePercent
	limits.MaxTotalExposurePercent = update.MaxTotalExposurePercent
	limits.MaxPositionsCount = update.MaxPositionsCount
	limits.DailyLossLimitPercent = update.DailyLossLimitPercent

	if err := g.db.SaveLimits(&limits); err != nil {
		return nil, err
	}
	g.limits = limits

	log.Info().
		Str("component", "risk_gate").
		Str("trading_mode", limits.TradingMode).
		Float64("max_total_exposure_percent", limits.MaxTotalExposurePercent).
		Int("max_positions_count", limits.MaxPositionsCount).
		Msg("risk limits updated")

	copied := limits
	return &copied, nil
}

// ActivateKillSwitch blocks all new submissions until an explicit
// deactivation. Idempotent.
func (g *Gate) ActivateKillSwitch(reason string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.limits.KillSwitchActive {
		return nil
	}

	limits := g.limits
	limits.KillSwitchActive = true
	limits.KillSwitchReason = reason
	if err := g.db.SaveLimits(&limits); err != nil {
		return err
	}
	g.limits = limits

	log.Warn().
		Str("component", "risk_gate").
		Str("reason", reason).
		Msg("kill switch activated")
	return nil
}

// DeactivateKillSwitch clears the kill switch. The switch never clears
// itself; this is the only path back to trading.
func (g *Gate) DeactivateKillSwitch() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	limits := g.limits
	limits.KillSwitchActive = false
	limits.KillSwitchReason = ""
	if err := g.db.SaveLimits(&limits); err != nil {
		return err
	}
	g.limits = limits

	log.Info().Str("component", "risk_gate").Msg("kill switch deactivated by operator")
	return nil
}

// CheckOrder evaluates a proposed submission against the kill switch, the
// trading mode and the exposure limits. A nil return clears the order for
// submission; a *PolicyError refusal is terminal and made before any
// brokerage call.
func (g *Gate) CheckOrder(ctx context.Context, check OrderCheck) error {
	limits := g.Limits()

	if limits.KillSwitchActive {
		return &PolicyError{Rule: "kill_switch", Reason: "kill switch is active: " + limits.KillSwitchReason}
	}

	if limits.TradingMode == ModeManual && check.Origin == OriginAutomatic {
		return &PolicyError{Rule: "trading_mode", Reason: "automatic submissions are disabled in manual mode"}
	}

	violation, err := g.limitViolation(ctx, check, limits)
	if err != nil {
		return err
	}
	if violation == nil {
		return nil
	}

	// Semi-auto and manual modes let an operator push a manually triggered
	// order through a limit refusal; the override is logged, not silent.
	if check.Origin == OriginManual && limits.TradingMode != ModeAutonomous {
		log.Warn().
			Str("component", "risk_gate").
			Str("symbol", check.Symbol).
			Str("rule", violation.Rule).
			Str("reason", violation.Reason).
			Msg("manual submission overriding limit refusal")
		return nil
	}

	return violation
}

func (g *Gate) limitViolation(ctx context.Context, check OrderCheck, limits Limits) (*PolicyError, error) {
	accountCtx, cancel := context.WithTimeout(ctx, accountCallTimeout)
	defer cancel()

	account, err := g.broker.GetAccount(accountCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch account for risk check: %w", err)
	}
	if account.Equity <= 0 {
		return &PolicyError{Rule: "account_equity", Reason: "account equity is not positive"}, nil
	}

	positions, err := g.db.ListPositions()
	if err != nil {
		return nil, fmt.Errorf("failed to load positions for risk check: %w", err)
	}

	var totalNotional, symbolNotional, symbolEntryPrice float64
	for _, pos := range positions {
		totalNotional += math.Abs(pos.MarketValue)
		if pos.Symbol == check.Symbol {
			symbolNotional += math.Abs(pos.MarketValue)
			symbolEntryPrice = pos.AvgEntryPrice
		}
	}

	// A quantity-only market order carries no notional. Without a price
	// basis every exposure check below would pass trivially, so derive one
	// from the symbol's position entry price or refuse the order outright.
	notional := check.Notional
	if notional <= 0 {
		if check.Quantity <= 0 || symbolEntryPrice <= 0 {
			return &PolicyError{
				Rule:   "notional_basis",
				Reason: fmt.Sprintf("no price basis to size order for %s against exposure limits", check.Symbol),
			}, nil
		}
		notional = check.Quantity * symbolEntryPrice
	}

	newExposure := (totalNotional + notional) / account.Equity * 100
	if newExposure > limits.MaxTotalExposurePercent {
		return &PolicyError{
			Rule: "max_total_exposure",
			Reason: fmt.Sprintf("order would raise exposure to %.1f%%, limit is %.1f%%",
				newExposure, limits.MaxTotalExposurePercent),
		}, nil
	}

	newPositionSize := (symbolNotional + notional) / account.Equity * 100
	if newPositionSize > limits.MaxPositionSizePercent {
		return &PolicyError{
			Rule: "max_position_size",
			Reason: fmt.Sprintf("position in %s would reach %.1f%% of equity, limit is %.1f%%",
				check.Symbol, newPositionSize, limits.MaxPositionSizePercent),
		}, nil
	}

	if symbolNotional == 0 && len(positions) >= limits.MaxPositionsCount {
		return &PolicyError{
			Rule: "max_positions_count",
			Reason: fmt.Sprintf("already holding %d positions, limit is %d",
				len(positions), limits.MaxPositionsCount),
		}, nil
	}

	return nil, nil
}

// EvaluateDailyLoss compares current equity against the previous close and
// force-activates the kill switch when the daily loss limit is breached,
// scheduling a close-all-positions work item. Called after each completed
// reconciliation pass.
func (g *Gate) EvaluateDailyLoss(ctx context.Context) error {
	limits := g.Limits()
	if limits.KillSwitchActive {
		return nil
	}

	accountCtx, cancel := context.WithTimeout(ctx, accountCallTimeout)
	defer cancel()

	account, err := g.broker.GetAccount(accountCtx)
	if err != nil {
		return fmt.Errorf("failed to fetch account for daily loss check: %w", err)
	}
	if account.LastEquity <= 0 {
		return nil
	}

	dailyPnLPercent := (account.Equity - account.LastEquity) / account.LastEquity * 100
	if dailyPnLPercent > -limits.DailyLossLimitPercent {
		return nil
	}

	reason := fmt.Sprintf("daily loss %.2f%% breached limit of %.2f%%",
		dailyPnLPercent, limits.DailyLossLimitPercent)
	if err := g.ActivateKillSwitch(reason); err != nil {
		return fmt.Errorf("failed to activate kill switch: %w", err)
	}

	// One close-all item per day; the idempotency key collapses repeated
	// breach evaluations into a single liquidation.
	_, err = g.queue.Enqueue(queue.TypeCloseAllPositions, gin.H{"reason": reason}, queue.EnqueueOptions{
		IdempotencyKey: "close-all-" + time.Now().Format("2006-01-02"),
	})
	if err != nil {
		return fmt.Errorf("failed to enqueue close-all-positions work item: %w", err)
	}

	log.Error().
		Str("component", "risk_gate").
		Float64("daily_pnl_percent", dailyPnLPercent).
		Msg("daily loss limit breached; kill switch activated and liquidation scheduled")
	return nil
}

// GinHandlers contains HTTP handlers for risk limit endpoints.
type GinHandlers struct {
	gate *Gate
}

// NewGinHandlers creates a new set of HTTP handlers for risk endpoints.
func NewGinHandlers(gate *Gate) *GinHandlers {
	return &GinHandlers{
		gate: gate,
	}
}

// GetRiskLimitsHandler handles GET requests for the current limits.
func (h *GinHandlers) GetRiskLimitsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		response.Success(c, h.gate.Limits())
	}
}

// UpdateRiskLimitsHandler handles PUT requests replacing the limit values.
func (h *GinHandlers) UpdateRiskLimitsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var update Limits
		if err := c.ShouldBindJSON(&update); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		switch update.TradingMode {
		case ModeAutonomous, ModeSemiAuto, ModeManual:
		default:
			response.BadRequest(c, "trading_mode must be autonomous, semi_auto or manual")
			return
		}

		limits, err := h.gate.UpdateLimits(update)
		response.Handle(c, limits, err)
	}
}

// ActivateKillSwitchHandler handles POST requests activating the kill
// switch. Body carries the reason.
func (h *GinHandlers) ActivateKillSwitchHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var request struct {
			Reason string `json:"reason" binding:"required"`
		}
		if err := c.ShouldBindJSON(&request); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		if err := h.gate.ActivateKillSwitch(request.Reason); err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.Success(c, h.gate.Limits())
	}
}

// DeactivateKillSwitchHandler handles DELETE requests clearing the kill
// switch.
func (h *GinHandlers) DeactivateKillSwitchHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := h.gate.DeactivateKillSwitch(); err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.Success(c, h.gate.Limits())
	}
}
