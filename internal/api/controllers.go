package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/JacobJanuary/TradingBot-sub002/internal/engine"
	"github.com/JacobJanuary/TradingBot-sub002/internal/gateway"
	"github.com/JacobJanuary/TradingBot-sub002/internal/lock"
	"github.com/JacobJanuary/TradingBot-sub002/internal/monitor"
	"github.com/JacobJanuary/TradingBot-sub002/internal/protection"
	"github.com/JacobJanuary/TradingBot-sub002/internal/risk"
	"github.com/JacobJanuary/TradingBot-sub002/pkg/exchanges/common"
)

type closePositionRequest struct {
	Exchange string `json:"exchange" binding:"required"`
	Symbol   string `json:"symbol" binding:"required"`
	Reason   string `json:"reason"`
}

type updateStopRequest struct {
	Exchange  string          `json:"exchange" binding:"required"`
	Symbol    string          `json:"symbol" binding:"required"`
	StopPrice decimal.Decimal `json:"stop_price"`
}

type positionQuery struct {
	Exchange string `form:"exchange" binding:"required"`
	Symbol   string `form:"symbol" binding:"required"`
}

type listQuery struct {
	Limit int `form:"limit"`
}

func (q *listQuery) normalize(def, max int) {
	if q.Limit <= 0 {
		q.Limit = def
	}
	if q.Limit > max {
		q.Limit = max
	}
}

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

// respondEngineError maps engine and venue failures onto HTTP statuses.
func respondEngineError(c *gin.Context, err error) {
	var te *lock.TimeoutError
	switch {
	case errors.Is(err, engine.ErrPositionNotFound), errors.Is(err, gateway.ErrGatewayNotFound):
		respondError(c, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, engine.ErrPositionExists):
		respondError(c, http.StatusConflict, "POSITION_EXISTS", err.Error())
	case errors.Is(err, engine.ErrRollbackPending):
		respondError(c, http.StatusBadGateway, "ROLLBACK_PENDING", err.Error())
	case errors.Is(err, engine.ErrNotProtected), errors.Is(err, engine.ErrNotEntering), errors.Is(err, engine.ErrNotSettled):
		respondError(c, http.StatusConflict, "INVALID_STATE", err.Error())
	case errors.As(err, &te):
		respondError(c, http.StatusConflict, "SYMBOL_BUSY", err.Error())
	case errors.Is(err, risk.ErrRejected):
		respondError(c, http.StatusUnprocessableEntity, "RISK_REJECTED", err.Error())
	case errors.Is(err, gateway.ErrQuantityBelowMinimum):
		respondError(c, http.StatusUnprocessableEntity, "QUANTITY_BELOW_MINIMUM", err.Error())
	case errors.Is(err, protection.ErrProtectionFailed):
		respondError(c, http.StatusBadGateway, "PROTECTION_FAILED", err.Error())
	case errors.Is(err, engine.ErrUnfilled):
		respondError(c, http.StatusBadGateway, "ENTRY_UNFILLED", err.Error())
	case errors.Is(err, gateway.ErrGatewayUnhealthy):
		respondError(c, http.StatusServiceUnavailable, "GATEWAY_UNHEALTHY", err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		respondError(c, http.StatusGatewayTimeout, "TIMEOUT", err.Error())
	case common.IsValidation(err):
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
	default:
		respondError(c, http.StatusInternalServerError, "ENGINE_ERROR", err.Error())
	}
}

func (s *Server) engineReady(c *gin.Context) bool {
	if s.deps.Engine == nil {
		respondError(c, http.StatusServiceUnavailable, "ENGINE_UNAVAILABLE", "engine not available")
		return false
	}
	return true
}

// getPositions lists tracked positions.
func (s *Server) getPositions(c *gin.Context) {
	if !s.engineReady(c) {
		return
	}
	positions := s.deps.Engine.Positions()
	if positions == nil {
		positions = []engine.Position{}
	}
	c.JSON(http.StatusOK, positions)
}

// getPosition returns one tracked position.
func (s *Server) getPosition(c *gin.Context) {
	if !s.engineReady(c) {
		return
	}
	var q positionQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	p, ok := s.deps.Engine.Position(q.Exchange, q.Symbol)
	if !ok {
		respondError(c, http.StatusNotFound, "NOT_FOUND", "position not tracked")
		return
	}
	c.JSON(http.StatusOK, p)
}

// openPosition enters and protects a new position.
func (s *Server) openPosition(c *gin.Context) {
	if !s.engineReady(c) {
		return
	}
	var req engine.OpenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	req.Side = common.PositionSide(strings.ToLower(string(req.Side)))
	if !req.Side.Valid() {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "side must be long or short")
		return
	}
	if req.SizeUSD.IsNegative() || req.StopLossPercent.IsNegative() || req.Leverage < 0 {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "size, stop loss and leverage must not be negative")
		return
	}

	p, err := s.deps.Engine.Open(c.Request.Context(), req)
	if err != nil {
		s.log.Warn().Err(err).Str("operator", CurrentOperatorID(c)).Str("symbol", req.Symbol).Msg("open failed")
		respondEngineError(c, err)
		return
	}
	s.log.Info().Str("operator", CurrentOperatorID(c)).Str("exchange", p.Exchange).Str("symbol", p.Symbol).
		Str("qty", p.Quantity.String()).Msg("position opened via api")
	c.JSON(http.StatusCreated, p)
}

// closePosition exits a tracked position at market.
func (s *Server) closePosition(c *gin.Context) {
	if !s.engineReady(c) {
		return
	}
	var req closePositionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "manual"
	}
	res, err := s.deps.Engine.Close(c.Request.Context(), req.Exchange, req.Symbol, reason)
	if err != nil {
		respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// updateStopLoss moves the stop of a protected position.
func (s *Server) updateStopLoss(c *gin.Context) {
	if !s.engineReady(c) {
		return
	}
	var req updateStopRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	if !req.StopPrice.IsPositive() {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "stop_price must be positive")
		return
	}
	p, err := s.deps.Engine.UpdateStopLoss(c.Request.Context(), req.Exchange, req.Symbol, req.StopPrice)
	if err != nil {
		respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// getSystemStatus exposes runtime mode and venues.
func (s *Server) getSystemStatus(c *gin.Context) {
	mode := "LIVE"
	if s.opts.Meta.DryRun {
		mode = "DRY_RUN"
	}
	resp := gin.H{
		"mode":        mode,
		"dry_run":     s.opts.Meta.DryRun,
		"exchanges":   s.opts.Meta.Exchanges,
		"storage":     s.opts.Meta.Storage,
		"version":     s.opts.Meta.Version,
		"server_time": time.Now().UTC(),
	}
	if s.deps.Engine != nil {
		resp["positions"] = s.deps.Engine.Stats()
	}
	c.JSON(http.StatusOK, resp)
}

// getRiskMetrics returns realized results and the active limits.
func (s *Server) getRiskMetrics(c *gin.Context) {
	if s.deps.Risk == nil {
		respondError(c, http.StatusServiceUnavailable, "RISK_UNAVAILABLE", "risk manager not available")
		return
	}
	lim := s.deps.Risk.Limits()
	c.JSON(http.StatusOK, gin.H{
		"metrics": s.deps.Risk.GetMetrics(),
		"limits": gin.H{
			"size_usd":           lim.SizeUSD,
			"leverage":           lim.Leverage,
			"stop_loss_percent":  lim.StopLossPercent,
			"max_positions":      lim.MaxPositions,
			"max_exposure_usd":   lim.MaxExposureUSD,
			"max_spread_percent": lim.MaxSpreadPercent,
			"min_reserve_usd":    lim.MinReserveUSD,
			"commission_rate":    lim.CommissionRate,
			"trailing_percent":   lim.TrailingPercent,
			"aged_max_age":       lim.Aged.MaxAge.String(),
		},
	})
}

// getDailyMetrics returns per-day realized results, newest first.
func (s *Server) getDailyMetrics(c *gin.Context) {
	if s.deps.Trades == nil {
		respondError(c, http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "trade store not available")
		return
	}
	days := 30
	if v := c.Query("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 365 {
			respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "days must be between 1 and 365")
			return
		}
		days = n
	}
	rows, err := s.deps.Trades.DailyMetrics(c.Request.Context(), days)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, rows)
}

// getAlerts returns the most recent alerts.
func (s *Server) getAlerts(c *gin.Context) {
	if s.deps.Alerts == nil {
		respondError(c, http.StatusServiceUnavailable, "ALERTS_UNAVAILABLE", "alerts not available")
		return
	}
	var q listQuery
	_ = c.ShouldBindQuery(&q)
	q.normalize(50, 500)
	alerts := s.deps.Alerts.Recent(q.Limit)
	if alerts == nil {
		alerts = []monitor.Alert{}
	}
	c.Header("X-Result-Limit", strconv.Itoa(q.Limit))
	c.JSON(http.StatusOK, alerts)
}

// getLocks lists held symbol locks.
func (s *Server) getLocks(c *gin.Context) {
	if s.deps.Locks == nil {
		respondError(c, http.StatusServiceUnavailable, "LOCKS_UNAVAILABLE", "lock manager not available")
		return
	}
	c.JSON(http.StatusOK, s.deps.Locks.Held())
}

// getReconciliation returns the latest report of each sweep.
func (s *Server) getReconciliation(c *gin.Context) {
	if s.deps.Reconciler == nil {
		respondError(c, http.StatusServiceUnavailable, "RECONCILER_UNAVAILABLE", "reconciliation not running")
		return
	}
	c.JSON(http.StatusOK, s.deps.Reconciler.Last())
}

// getGateways reports gateway health.
func (s *Server) getGateways(c *gin.Context) {
	if s.deps.Gateways == nil {
		respondError(c, http.StatusServiceUnavailable, "GATEWAYS_UNAVAILABLE", "gateway registry not available")
		return
	}
	c.JSON(http.StatusOK, s.deps.Gateways.Stats())
}

// getMetrics returns engine metrics.
func (s *Server) getMetrics(c *gin.Context) {
	if s.deps.Metrics == nil {
		respondError(c, http.StatusServiceUnavailable, "METRICS_UNAVAILABLE", "metrics not available")
		return
	}
	c.JSON(http.StatusOK, s.deps.Metrics.Snapshot())
}

// getPromMetrics returns a minimal Prometheus text exposition of key metrics.
func (s *Server) getPromMetrics(c *gin.Context) {
	if s.deps.Metrics == nil {
		c.String(http.StatusServiceUnavailable, "# metrics not available\n")
		return
	}
	snapshot := s.deps.Metrics.Snapshot()

	var b strings.Builder
	// Counters
	fmt.Fprintf(&b, "ple_opens_succeeded_total %d\n", snapshot.OpensSucceeded)
	fmt.Fprintf(&b, "ple_opens_rejected_total %d\n", snapshot.OpensRejected)
	fmt.Fprintf(&b, "ple_rollbacks_total %d\n", snapshot.Rollbacks)
	fmt.Fprintf(&b, "ple_closes_total %d\n", snapshot.Closes)
	fmt.Fprintf(&b, "ple_protection_updates_total %d\n", snapshot.ProtectionUpdates)
	fmt.Fprintf(&b, "ple_protection_failures_total %d\n", snapshot.ProtectionFailures)
	fmt.Fprintf(&b, "ple_orphans_total %d\n", snapshot.Orphans)
	fmt.Fprintf(&b, "ple_quantity_mismatches_total %d\n", snapshot.Mismatches)
	fmt.Fprintf(&b, "ple_alerts_total %d\n", snapshot.Alerts)

	// Gauges for latency (ms)
	writeLatency := func(prefix string, ls monitor.LatencyStats) {
		if ls.Count == 0 {
			return
		}
		fmt.Fprintf(&b, "ple_%s_ms_avg %f\n", prefix, ls.Avg)
		fmt.Fprintf(&b, "ple_%s_ms_p50 %f\n", prefix, ls.P50)
		fmt.Fprintf(&b, "ple_%s_ms_p95 %f\n", prefix, ls.P95)
		fmt.Fprintf(&b, "ple_%s_ms_p99 %f\n", prefix, ls.P99)
	}
	writeLatency("open_latency", snapshot.OpenLatency)
	writeLatency("protection_latency", snapshot.ProtectionLatency)
	writeLatency("unprotected_window", snapshot.UnprotectedWindow)

	for name, st := range snapshot.Executors {
		fmt.Fprintf(&b, "ple_executor_calls_total{exchange=%q} %d\n", name, st.Calls)
		fmt.Fprintf(&b, "ple_executor_retries_total{exchange=%q} %d\n", name, st.Retries)
		fmt.Fprintf(&b, "ple_executor_errors_total{exchange=%q} %d\n", name, st.Errors)
	}
	if s.deps.Engine != nil {
		st := s.deps.Engine.Stats()
		fmt.Fprintf(&b, "ple_positions_tracked %d\n", st.Tracked)
		fmt.Fprintf(&b, "ple_positions_aged %d\n", st.Aged)
		fmt.Fprintf(&b, "ple_exposure_usd %s\n", st.Exposure.StringFixed(2))
	}
	fmt.Fprintf(&b, "ple_goroutines %d\n", snapshot.GoroutineCount)
	fmt.Fprintf(&b, "ple_heap_alloc_bytes %d\n", snapshot.HeapAlloc)

	c.Header("Content-Type", "text/plain; charset=utf-8")
	c.String(http.StatusOK, b.String())
}
