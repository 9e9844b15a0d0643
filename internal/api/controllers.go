package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"trading-engine/internal/backtest"
	"trading-engine/internal/events"
	"trading-engine/internal/position"
	"trading-engine/internal/risk"
	"trading-engine/internal/signal"
	"trading-engine/pkg/db"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type ingestSignalRequest struct {
	ID            string  `json:"id"`
	Symbol        string  `json:"symbol" binding:"required,min=1"`
	Exchange      string  `json:"exchange" binding:"required,min=1"`
	Direction     string  `json:"direction" binding:"required,oneof=long short neutral"`
	Confidence    float64 `json:"confidence"`
	SuggestedSize float64 `json:"suggested_size"`
	StrategyID    string  `json:"strategy_id"`
	ExpiresAt     string  `json:"expires_at"`
	ScheduledAt   string  `json:"scheduled_at"`
}

type putCredentialRequest struct {
	APIKey    string `json:"api_key" binding:"required,min=1"`
	APISecret string `json:"api_secret" binding:"required,min=1"`
	Testnet   bool   `json:"testnet"`
}

type runBacktestRequest struct {
	// Inline scenario: config plus candles plus scripted signals.
	Config  backtest.Config              `json:"config"`
	Candles []backtest.Candle            `json:"candles"`
	Signals map[int]backtest.TradeSignal `json:"signals"`

	// Alternatively, fetch history from the venue.
	Symbol   string `json:"symbol"`
	Interval string `json:"interval"`
	Bars     int    `json:"bars"`
}

type listQuery struct {
	Limit int `form:"limit"`
}

func (q *listQuery) normalize() {
	if q.Limit <= 0 {
		q.Limit = 50
	}
	if q.Limit > 500 {
		q.Limit = 500
	}
}

// positionView is the wire form of a position record.
type positionView struct {
	ID            string  `json:"id"`
	Symbol        string  `json:"symbol"`
	Exchange      string  `json:"exchange"`
	Direction     string  `json:"direction"`
	EntryPrice    float64 `json:"entry_price"`
	Qty           float64 `json:"qty"`
	StopLoss      float64 `json:"stop_loss,omitempty"`
	TakeProfit    float64 `json:"take_profit,omitempty"`
	CurrentPrice  float64 `json:"current_price"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
	RiskLevel     string  `json:"risk_level"`
	State         string  `json:"state"`
	OpenedAt      string  `json:"opened_at"`
}

func viewOf(p db.Position) positionView {
	return positionView{
		ID:            p.ID,
		Symbol:        p.Symbol,
		Exchange:      p.Exchange,
		Direction:     p.Direction,
		EntryPrice:    p.EntryPrice,
		Qty:           p.Qty,
		StopLoss:      p.StopLoss,
		TakeProfit:    p.TakeProfit,
		CurrentPrice:  p.CurrentPrice,
		UnrealizedPnL: p.UnrealizedPnL,
		RiskLevel:     p.RiskLevel,
		State:         p.State,
		OpenedAt:      p.OpenedAt.UTC().Format(time.RFC3339),
	}
}

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

// getSystemStatus reports runtime metadata and queue/pool health.
func (s *Server) getSystemStatus(c *gin.Context) {
	resp := gin.H{
		"status": "ok",
		"system": s.Meta,
	}
	if s.Queue != nil {
		m := s.Queue.GetMetrics()
		resp["queue"] = gin.H{
			"pending":   s.Queue.Len(),
			"written":   m.Written,
			"recovered": m.Recovered,
			"completed": m.Completed,
			"failed":    m.Failed,
		}
	}
	if s.Gateways != nil {
		resp["gateways"] = s.Gateways.Stats()
	}
	if s.Limits != nil {
		resp["risk"] = gin.H{"custom_limit_users": s.Limits.UserCount()}
	}
	c.JSON(http.StatusOK, resp)
}

// ingestSignal accepts a trade signal and enqueues it durably. The
// response means "accepted for processing", never "executed".
func (s *Server) ingestSignal(c *gin.Context) {
	userID := CurrentUserID(c)

	var req ingestSignalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request payload")
		return
	}

	sig := signal.Signal{
		ID:            req.ID,
		UserID:        userID,
		Symbol:        req.Symbol,
		Exchange:      req.Exchange,
		Direction:     signal.Direction(req.Direction),
		Confidence:    req.Confidence,
		SuggestedSize: req.SuggestedSize,
		StrategyID:    req.StrategyID,
		GeneratedAt:   time.Now().UTC(),
	}
	if sig.ID == "" {
		sig.ID = uuid.NewString()
	}
	if req.ExpiresAt != "" {
		t, err := time.Parse(time.RFC3339, req.ExpiresAt)
		if err != nil {
			respondError(c, http.StatusBadRequest, "INVALID_TIMESTAMP", "expires_at must be RFC3339")
			return
		}
		sig.ExpiresAt = t
	}
	if req.ScheduledAt != "" {
		t, err := time.Parse(time.RFC3339, req.ScheduledAt)
		if err != nil {
			respondError(c, http.StatusBadRequest, "INVALID_TIMESTAMP", "scheduled_at must be RFC3339")
			return
		}
		sig.ScheduledAt = t
	}

	if err := sig.Validate(); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_SIGNAL", err.Error())
		return
	}
	if sig.Expired(time.Now().UTC()) {
		respondError(c, http.StatusBadRequest, "SIGNAL_EXPIRED", "signal is already past its expiry")
		return
	}

	if !s.Queue.Enqueue(signal.NewEnvelope(sig)) {
		respondError(c, http.StatusServiceUnavailable, "QUEUE_UNAVAILABLE", "signal intake is shut down")
		return
	}
	if s.Bus != nil {
		s.Bus.Publish(events.EventSignalReceived, sig)
	}

	c.JSON(http.StatusAccepted, gin.H{
		"signal_id":       sig.ID,
		"client_order_id": signal.ClientOrderID(sig.ID, 0),
	})
}

// getPositions lists the user's non-closed positions.
func (s *Server) getPositions(c *gin.Context) {
	userID := CurrentUserID(c)

	positions, err := s.Positions.GetOpenPositions(c.Request.Context(), userID)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	views := make([]positionView, 0, len(positions))
	for _, p := range positions {
		views = append(views, viewOf(p))
	}
	c.JSON(http.StatusOK, gin.H{"positions": views})
}

// getPositionStats aggregates the user's open exposure.
func (s *Server) getPositionStats(c *gin.Context) {
	userID := CurrentUserID(c)

	stats, err := s.Positions.GetPositionStats(c.Request.Context(), userID)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, stats)
}

// closePosition requests an operator-initiated close of an open position.
func (s *Server) closePosition(c *gin.Context) {
	userID := CurrentUserID(c)
	positionID := c.Param("id")
	ctx := c.Request.Context()

	pos, err := s.DB.GetPosition(ctx, positionID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			respondError(c, http.StatusNotFound, "POSITION_NOT_FOUND", "position not found")
		} else {
			respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		}
		return
	}
	if pos.UserID != userID {
		// Do not leak other users' position ids.
		respondError(c, http.StatusNotFound, "POSITION_NOT_FOUND", "position not found")
		return
	}

	if err := s.Positions.RequestClose(ctx, positionID, "manual"); err != nil {
		var ie *position.InvariantError
		if errors.As(err, &ie) {
			respondError(c, http.StatusConflict, "INVALID_STATE", ie.Error())
			return
		}
		respondError(c, http.StatusBadGateway, "CLOSE_FAILED", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"position_id": positionID, "state": position.StateClosed})
}

// getTrades lists the user's realized trades, most recent first.
func (s *Server) getTrades(c *gin.Context) {
	userID := CurrentUserID(c)

	var q listQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", "invalid query parameters")
		return
	}
	q.normalize()

	trades, err := s.DB.ListTradesByUser(c.Request.Context(), userID, q.Limit)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades})
}

// getRiskLimits returns the user's effective limits.
func (s *Server) getRiskLimits(c *gin.Context) {
	c.JSON(http.StatusOK, s.Limits.Get(CurrentUserID(c)))
}

// updateRiskLimits replaces the user's limits.
func (s *Server) updateRiskLimits(c *gin.Context) {
	userID := CurrentUserID(c)

	var l risk.Limits
	if err := c.ShouldBindJSON(&l); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request payload")
		return
	}
	if l.MaxPositionSizePercent < 0 || l.MaxPositionSizeUsd < 0 ||
		l.MaxDailyLossPercent < 0 || l.MaxOpenPositions < 0 || l.MaxLeverage < 0 {
		respondError(c, http.StatusBadRequest, "INVALID_LIMITS", "limits must be non-negative")
		return
	}
	l.UpdatedAt = time.Now().UTC()
	s.Limits.Set(userID, l)
	c.JSON(http.StatusOK, l)
}

// resetRiskLimits drops the user's custom limits, reverting to the
// engine defaults.
func (s *Server) resetRiskLimits(c *gin.Context) {
	s.Limits.Remove(CurrentUserID(c))
	c.JSON(http.StatusOK, s.Limits.Defaults())
}

// putCredential stores the user's API keys for a venue, encrypted at
// rest. Any cached gateway for the user is dropped so the next signal
// picks up the new keys.
func (s *Server) putCredential(c *gin.Context) {
	userID := CurrentUserID(c)
	venue := c.Param("exchange")

	var req putCredentialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request payload")
		return
	}

	keyEnc, err := s.Keys.Encrypt(req.APIKey)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "ENCRYPT_ERROR", "failed to encrypt credentials")
		return
	}
	secretEnc, err := s.Keys.Encrypt(req.APISecret)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "ENCRYPT_ERROR", "failed to encrypt credentials")
		return
	}

	cred := db.Credential{
		UserID:       userID,
		Exchange:     venue,
		APIKeyEnc:    keyEnc,
		APISecretEnc: secretEnc,
		Testnet:      req.Testnet,
		UpdatedAt:    time.Now().UTC(),
	}
	if err := s.DB.UpsertCredential(c.Request.Context(), cred); err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	if s.Gateways != nil {
		s.Gateways.Remove(userID)
	}
	c.JSON(http.StatusOK, gin.H{"exchange": venue, "testnet": req.Testnet})
}

// deleteCredential removes the user's API keys for a venue.
func (s *Server) deleteCredential(c *gin.Context) {
	userID := CurrentUserID(c)
	venue := c.Param("exchange")

	if err := s.DB.DeleteCredential(c.Request.Context(), userID, venue); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			respondError(c, http.StatusNotFound, "CREDENTIAL_NOT_FOUND", "no credentials for this exchange")
			return
		}
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	if s.Gateways != nil {
		s.Gateways.Remove(userID)
	}
	c.Status(http.StatusNoContent)
}

// runBacktest executes a simulation synchronously and records the run.
// The candle series comes inline with the request or, when a symbol and
// interval are given instead, from the venue's history endpoint.
func (s *Server) runBacktest(c *gin.Context) {
	var req runBacktestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request payload")
		return
	}

	candles := req.Candles
	if len(candles) == 0 {
		if s.Candles == nil || req.Symbol == "" || req.Interval == "" {
			respondError(c, http.StatusBadRequest, "MISSING_CANDLES", "provide candles inline or a symbol and interval")
			return
		}
		bars := req.Bars
		if bars <= 0 {
			bars = 500
		}
		loaded, err := s.Candles(c.Request.Context(), req.Symbol, req.Interval, bars)
		if err != nil {
			respondError(c, http.StatusBadGateway, "HISTORY_ERROR", err.Error())
			return
		}
		candles = loaded
		if req.Config.Symbol == "" {
			req.Config.Symbol = req.Symbol
		}
	}
	if len(req.Signals) == 0 {
		respondError(c, http.StatusBadRequest, "MISSING_SIGNALS", "scripted signals are required")
		return
	}

	sc := backtest.Scenario{
		Config:  req.Config,
		Candles: candles,
		Signals: req.Signals,
	}
	result, err := sc.Run()
	if err != nil {
		respondError(c, http.StatusBadRequest, "BACKTEST_ERROR", err.Error())
		return
	}

	metricsJSON, err := json.Marshal(result.Metrics)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	run := db.BacktestRun{
		ID:             uuid.NewString(),
		Symbol:         req.Config.Symbol,
		InitialCapital: req.Config.InitialCapital,
		FinalEquity:    result.FinalEquity,
		TotalTrades:    len(result.Trades),
		MetricsJSON:    string(metricsJSON),
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.DB.CreateBacktestRun(c.Request.Context(), run); err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"run_id":       run.ID,
		"final_equity": result.FinalEquity,
		"trades":       result.Trades,
		"equity_curve": result.EquityCurve,
		"metrics":      result.Metrics,
	})
}

// getBacktests lists recorded runs, most recent first.
func (s *Server) getBacktests(c *gin.Context) {
	var q listQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", "invalid query parameters")
		return
	}
	q.normalize()

	runs, err := s.DB.ListBacktestRuns(c.Request.Context(), q.Limit)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

// getDeadLetters lists signals that exhausted their retry budget.
func (s *Server) getDeadLetters(c *gin.Context) {
	var q listQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", "invalid query parameters")
		return
	}
	q.normalize()

	letters, err := s.DB.ListDeadLetters(c.Request.Context(), q.Limit)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"dead_letters": letters})
}
