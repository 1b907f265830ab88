package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"quant-trading-engine/config"
	"quant-trading-engine/internal/auth"
	"quant-trading-engine/internal/gateway"
	"quant-trading-engine/internal/instance"
	"quant-trading-engine/internal/scheduler"
)

func errorResponse(c *gin.Context, code int, message string) {
	c.JSON(code, gin.H{"error": message})
}

func parseStrategyID(raw string) (int64, bool) {
	id, err := strconv.ParseInt(raw, 10, 64)
	return id, err == nil && id > 0
}

func strategyID(c *gin.Context) (int64, bool) {
	id, ok := parseStrategyID(c.Param("id"))
	if !ok {
		errorResponse(c, http.StatusBadRequest, "invalid strategy id")
	}
	return id, ok
}

// handleHealth reports every registered dependency check
func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	checks := make(map[string]string, len(s.Health))
	healthy := true
	for name, check := range s.Health {
		if err := check(ctx); err != nil {
			checks[name] = err.Error()
			healthy = false
			continue
		}
		checks[name] = "healthy"
	}

	body := gin.H{
		"status":  "healthy",
		"checks":  checks,
		"uptime":  time.Since(s.started).Round(time.Second).String(),
		"standby": s.IsActive != nil && !s.IsActive(),
	}
	if !healthy {
		body["status"] = "unhealthy"
		c.JSON(http.StatusServiceUnavailable, body)
		return
	}
	c.JSON(http.StatusOK, body)
}

type loginRequest struct {
	Operator string `json:"operator" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (s *Server) handleLogin(c *gin.Context) {
	if s.jwt == nil {
		errorResponse(c, http.StatusNotFound, "authentication is disabled")
		return
	}
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "operator and password are required")
		return
	}
	if req.Operator != s.authCfg.OperatorName || !auth.VerifyPassword(req.Password, s.authCfg.OperatorPasswordHash) {
		s.logger.Warn().Str("operator", req.Operator).Str("ip", c.ClientIP()).Msg("Login rejected")
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   auth.ErrInvalidCredentials.Code,
			"message": auth.ErrInvalidCredentials.Message,
		})
		return
	}
	tok, err := s.jwt.GenerateAccessToken(req.Operator)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "failed to issue token")
		return
	}
	c.JSON(http.StatusOK, tok)
}

func (s *Server) handleStrategies(c *gin.Context) {
	if s.Strategies == nil {
		c.JSON(http.StatusOK, []scheduler.Status{})
		return
	}
	c.JSON(http.StatusOK, s.Strategies.Statuses())
}

func (s *Server) handleStartStrategy(c *gin.Context) {
	s.controlStrategy(c, "start")
}

func (s *Server) handleStopStrategy(c *gin.Context) {
	s.controlStrategy(c, "stop")
}

func (s *Server) controlStrategy(c *gin.Context, action string) {
	id, ok := strategyID(c)
	if !ok {
		return
	}
	if s.Strategies == nil {
		errorResponse(c, http.StatusNotFound, "scheduler not available")
		return
	}
	var err error
	if action == "start" {
		err = s.Strategies.StartStrategy(id)
	} else {
		err = s.Strategies.StopStrategy(id)
	}
	switch {
	case errors.Is(err, scheduler.ErrNotRegistered):
		errorResponse(c, http.StatusNotFound, err.Error())
		return
	case errors.Is(err, scheduler.ErrAlreadyRunning):
		errorResponse(c, http.StatusConflict, err.Error())
		return
	case err != nil:
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Info().Int64("strategy_id", id).Str("action", action).Str("by", auth.Operator(c)).Msg("Strategy control")
	c.JSON(http.StatusOK, gin.H{"strategy_id": id, "action": action})
}

// instanceView flattens an instance for JSON
type instanceView struct {
	Instrument        string      `json:"instrument"`
	State             string      `json:"state"`
	LastUpdated       time.Time   `json:"last_updated"`
	ProtectionOrderID string      `json:"protection_order_id,omitempty"`
	Context           interface{} `json:"context,omitempty"`
}

func (s *Server) handleInstances(c *gin.Context) {
	id, ok := strategyID(c)
	if !ok {
		return
	}
	if s.Instances == nil {
		errorResponse(c, http.StatusNotFound, "instance store not available")
		return
	}
	list, err := s.Instances.List(c.Request.Context(), id)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	all := c.Query("all") == "true"
	out := make([]instanceView, 0, len(list))
	for _, inst := range list {
		if !all && inst.State == instance.Idle {
			continue
		}
		out = append(out, instanceView{
			Instrument:        inst.Key.Instrument,
			State:             string(inst.State),
			LastUpdated:       inst.LastUpdated,
			ProtectionOrderID: inst.Resilience.ProtectionOrderID,
			Context:           inst.Context,
		})
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleCapital(c *gin.Context) {
	id, ok := strategyID(c)
	if !ok {
		return
	}
	if s.Ledger == nil {
		errorResponse(c, http.StatusNotFound, "ledger not available")
		return
	}
	snap, err := s.Ledger.Snapshot(id)
	if errors.Is(err, config.ErrUnknownStrategy) {
		errorResponse(c, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) handleAllCapital(c *gin.Context) {
	if s.Ledger == nil {
		errorResponse(c, http.StatusNotFound, "ledger not available")
		return
	}
	c.JSON(http.StatusOK, s.Ledger.Snapshots())
}

func (s *Server) handleBreaker(c *gin.Context) {
	id, ok := strategyID(c)
	if !ok {
		return
	}
	if s.Breakers == nil {
		errorResponse(c, http.StatusNotFound, "circuit breakers not available")
		return
	}
	stats, found := s.Breakers.GetStats(id)
	if !found {
		errorResponse(c, http.StatusNotFound, "unknown strategy")
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) handleAllBreakers(c *gin.Context) {
	if s.Breakers == nil {
		errorResponse(c, http.StatusNotFound, "circuit breakers not available")
		return
	}
	c.JSON(http.StatusOK, s.Breakers.All())
}

func (s *Server) handleBreakerReset(c *gin.Context) {
	id, ok := strategyID(c)
	if !ok {
		return
	}
	if s.Breakers == nil {
		errorResponse(c, http.StatusNotFound, "circuit breakers not available")
		return
	}
	by := auth.Operator(c)
	if by == "" {
		by = "api"
	}
	if err := s.Breakers.Reset(c.Request.Context(), id, by); err != nil {
		if errors.Is(err, config.ErrUnknownStrategy) {
			errorResponse(c, http.StatusNotFound, err.Error())
			return
		}
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	stats, _ := s.Breakers.GetStats(id)
	c.JSON(http.StatusOK, stats)
}

func (s *Server) handleTrades(c *gin.Context) {
	id, ok := strategyID(c)
	if !ok {
		return
	}
	if s.Trades == nil {
		errorResponse(c, http.StatusNotFound, "trade journal not available")
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	trades, err := s.Trades.RecentTrades(c.Request.Context(), id, limit)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	if trades == nil {
		c.JSON(http.StatusOK, []interface{}{})
		return
	}
	c.JSON(http.StatusOK, trades)
}

// paperSignalRequest queues one intent for the next scan of an instrument
type paperSignalRequest struct {
	Scanned    string  `json:"scanned" binding:"required"`
	Action     string  `json:"action" binding:"required"`
	Instrument string  `json:"instrument"`
	Price      float64 `json:"price"`
	Quantity   float64 `json:"quantity"`
	StopLoss   float64 `json:"stop_loss"`
	TakeProfit float64 `json:"take_profit"`
	Reason     string  `json:"reason"`
}

func (s *Server) handlePaperSignal(c *gin.Context) {
	if s.Paper == nil {
		errorResponse(c, http.StatusNotFound, "paper broker not active")
		return
	}
	var req paperSignalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}
	action := gateway.Action(strings.ToUpper(req.Action))
	switch action {
	case gateway.ActionBuy, gateway.ActionSell, gateway.ActionHold:
	default:
		errorResponse(c, http.StatusBadRequest, "action must be BUY, SELL or HOLD")
		return
	}
	reason := req.Reason
	if reason == "" {
		reason = "operator"
	}
	s.Paper.QueueSignal(req.Scanned, gateway.TradingIntent{
		Action:     action,
		Instrument: req.Instrument,
		Price:      req.Price,
		Quantity:   req.Quantity,
		StopLoss:   req.StopLoss,
		TakeProfit: req.TakeProfit,
		Reason:     reason,
	})
	s.logger.Info().Str("scanned", req.Scanned).Str("action", string(action)).Str("by", auth.Operator(c)).Msg("Paper signal queued")
	c.JSON(http.StatusAccepted, gin.H{"queued": true})
}

type paperPriceRequest struct {
	Instrument string  `json:"instrument" binding:"required"`
	Price      float64 `json:"price" binding:"required,gt=0"`
}

func (s *Server) handlePaperPrice(c *gin.Context) {
	if s.Paper == nil {
		errorResponse(c, http.StatusNotFound, "paper broker not active")
		return
	}
	var req paperPriceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}
	s.Paper.SetPrice(req.Instrument, req.Price)
	c.JSON(http.StatusOK, gin.H{"instrument": req.Instrument, "price": req.Price})
}
