package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"options-core/internal/orchestrator"
	"options-core/internal/signal"
	"options-core/pkg/db"
)

type postSignalRequest struct {
	Symbol        string `json:"symbol" binding:"required,min=1"`
	Direction     string `json:"direction" binding:"required,min=1"`
	ExpirySeconds int    `json:"expiry_seconds"`
	Target        string `json:"target"`
	Source        string `json:"source"`
}

type createAccountRequest struct {
	Name    string `json:"name" binding:"required,min=1,max=120"`
	SSID    string `json:"ssid" binding:"required,min=1"`
	Demo    bool   `json:"demo"`
	Enabled bool   `json:"enabled"`
}

type putSettingsRequest struct {
	Enabled            *bool    `json:"enabled"`
	BaseAmount         *float64 `json:"base_amount"`
	MartingaleEnabled  *bool    `json:"martingale_enabled"`
	Multiplier         *float64 `json:"multiplier"`
	MaxLevel           *int     `json:"max_level"`
	StakingMode        *string  `json:"staking_mode"`
	LaneStrategy       *string  `json:"lane_strategy"`
	AutoCreateLanes    *bool    `json:"auto_create_lanes"`
	MaxConcurrentLanes *int     `json:"max_concurrent_lanes"`
	MaxLanesPerDay     *int     `json:"max_lanes_per_day"`
	ConcurrentTrading  *bool    `json:"concurrent_trading"`
	CooldownSeconds    *int     `json:"cooldown_seconds"`
	PrioritySymbols    *string  `json:"priority_symbols"`
	MinPayout          *float64 `json:"min_payout"`
}

type listTradesQuery struct {
	Account string `form:"account"`
	Limit   int    `form:"limit"`
}

type listLanesQuery struct {
	Account string `form:"account" binding:"required"`
	Status  string `form:"status"`
	Limit   int    `form:"limit"`
}

func (q *listTradesQuery) normalize() {
	if q.Limit <= 0 {
		q.Limit = 50
	}
	if q.Limit > 500 {
		q.Limit = 500
	}
}

func (q *listLanesQuery) normalize() {
	if q.Limit <= 0 {
		q.Limit = 50
	}
	if q.Limit > 200 {
		q.Limit = 200
	}
}

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

// postSignal injects a signal as if it came from the feed. The response
// carries the per-account execution outcomes.
func (s *Server) postSignal(c *gin.Context) {
	if s.Executor == nil {
		respondError(c, http.StatusServiceUnavailable, "EXECUTOR_UNAVAILABLE", "signal executor not available")
		return
	}

	var req postSignalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request payload")
		return
	}

	sig := signal.Signal{
		Symbol:        req.Symbol,
		Direction:     req.Direction,
		ExpirySeconds: req.ExpirySeconds,
		Target:        req.Target,
		Source:        req.Source,
		ReceivedAt:    time.Now(),
	}
	if sig.Source == "" {
		sig.Source = "api"
	}

	execs, err := s.Executor.ExecuteSignal(c.Request.Context(), sig)
	if err != nil {
		switch {
		case errors.Is(err, orchestrator.ErrStaleSignal):
			respondError(c, http.StatusUnprocessableEntity, "SIGNAL_STALE", err.Error())
		case errors.Is(err, orchestrator.ErrNoTargets):
			respondError(c, http.StatusUnprocessableEntity, "NO_TARGETS", err.Error())
		case errors.Is(err, orchestrator.ErrClosed):
			respondError(c, http.StatusServiceUnavailable, "SHUTTING_DOWN", err.Error())
		default:
			respondError(c, http.StatusBadRequest, "INVALID_SIGNAL", err.Error())
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"signal_id":  sig.ID,
		"symbol":     sig.Symbol,
		"direction":  sig.Direction,
		"executions": execs,
	})
}

// Accounts

func (s *Server) listAccounts(c *gin.Context) {
	accounts, err := s.DB.ListAccounts(c.Request.Context())
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}

	out := make([]gin.H, 0, len(accounts))
	for _, a := range accounts {
		// Credentials never leave the server.
		out = append(out, gin.H{
			"name":       a.Name,
			"demo":       a.IsDemo,
			"enabled":    a.Enabled,
			"balance":    a.Balance,
			"status":     a.Status,
			"created_at": a.CreatedAt,
			"updated_at": a.UpdatedAt,
		})
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) createAccount(c *gin.Context) {
	var req createAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request payload")
		return
	}

	ssid := req.SSID
	if s.Keyring != nil {
		enc, err := s.Keyring.EncryptCredential(ssid)
		if err != nil {
			respondError(c, http.StatusInternalServerError, "ENCRYPTION_ERROR", "failed to encrypt credentials")
			return
		}
		ssid = enc
	}

	acct := db.Account{Name: req.Name, SSID: ssid, IsDemo: req.Demo, Enabled: req.Enabled}
	if err := s.DB.UpsertAccount(c.Request.Context(), acct); err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}

	if req.Enabled && s.Workers != nil {
		if err := s.Workers.StartAccount(c.Request.Context(), req.Name); err != nil {
			// The account row exists; the supervisor retries on its own.
			c.JSON(http.StatusCreated, gin.H{"name": req.Name, "enabled": true, "worker": err.Error()})
			return
		}
	}
	c.JSON(http.StatusCreated, gin.H{"name": req.Name, "enabled": req.Enabled})
}

func (s *Server) deleteAccount(c *gin.Context) {
	name := c.Param("name")
	if err := s.DB.DeleteAccount(c.Request.Context(), name); err != nil {
		if errors.Is(err, db.ErrAccountReferenced) {
			respondError(c, http.StatusConflict, "ACCOUNT_REFERENCED", "account has recorded trades, disable it instead")
			return
		}
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	if s.Workers != nil {
		s.Workers.StopAccount(name)
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

func (s *Server) enableAccount(c *gin.Context) {
	name := c.Param("name")
	ctx := c.Request.Context()

	acct, err := s.DB.GetAccount(ctx, name)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	if acct == nil {
		respondError(c, http.StatusNotFound, "ACCOUNT_NOT_FOUND", "account not found")
		return
	}

	if err := s.DB.SetAccountEnabled(ctx, name, true); err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	if s.Workers != nil {
		if err := s.Workers.StartAccount(ctx, name); err != nil {
			c.JSON(http.StatusOK, gin.H{"status": "enabled", "worker": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "enabled"})
}

func (s *Server) disableAccount(c *gin.Context) {
	name := c.Param("name")
	if err := s.DB.SetAccountEnabled(c.Request.Context(), name, false); err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	if s.Workers != nil {
		s.Workers.StopAccount(name)
	}
	c.JSON(http.StatusOK, gin.H{"status": "disabled"})
}

// Settings

func (s *Server) getSettings(c *gin.Context) {
	settings, err := s.Policy.Resolve(c.Request.Context(), c.Param("name"))
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, settingsJSON(settings))
}

func (s *Server) putSettings(c *gin.Context) {
	name := c.Param("name")

	var req putSettingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request payload")
		return
	}

	ctx := c.Request.Context()
	settings, err := s.Policy.Resolve(ctx, name)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	settings.Account = name
	applySettings(&settings, req)

	if settings.StakingMode != db.StakingModeLanes && settings.StakingMode != db.StakingModeQueue {
		respondError(c, http.StatusBadRequest, "INVALID_STAKING_MODE", "staking_mode must be lanes or queue")
		return
	}

	if err := s.Policy.Update(ctx, settings); err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}

	// Re-read so the response reflects normalization.
	settings, err = s.Policy.Resolve(ctx, name)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, settingsJSON(settings))
}

// applySettings lays the request's set fields over the resolved settings.
func applySettings(s *db.Settings, req putSettingsRequest) {
	if req.Enabled != nil {
		s.Enabled = *req.Enabled
	}
	if req.BaseAmount != nil {
		s.BaseAmount = *req.BaseAmount
	}
	if req.MartingaleEnabled != nil {
		s.MartingaleEnabled = *req.MartingaleEnabled
	}
	if req.Multiplier != nil {
		s.Multiplier = *req.Multiplier
	}
	if req.MaxLevel != nil {
		s.MaxLevel = *req.MaxLevel
	}
	if req.StakingMode != nil {
		s.StakingMode = *req.StakingMode
	}
	if req.LaneStrategy != nil {
		s.LaneStrategy = *req.LaneStrategy
	}
	if req.AutoCreateLanes != nil {
		s.AutoCreateLanes = *req.AutoCreateLanes
	}
	if req.MaxConcurrentLanes != nil {
		s.MaxConcurrentLanes = *req.MaxConcurrentLanes
	}
	if req.MaxLanesPerDay != nil {
		s.MaxLanesPerDay = *req.MaxLanesPerDay
	}
	if req.ConcurrentTrading != nil {
		s.ConcurrentTrading = *req.ConcurrentTrading
	}
	if req.CooldownSeconds != nil {
		s.CooldownSeconds = *req.CooldownSeconds
	}
	if req.PrioritySymbols != nil {
		s.PrioritySymbols = *req.PrioritySymbols
	}
	if req.MinPayout != nil {
		s.MinPayout = *req.MinPayout
	}
}

func settingsJSON(s db.Settings) gin.H {
	return gin.H{
		"account":              s.Account,
		"enabled":              s.Enabled,
		"base_amount":          s.BaseAmount,
		"martingale_enabled":   s.MartingaleEnabled,
		"multiplier":           s.Multiplier,
		"max_level":            s.MaxLevel,
		"staking_mode":         s.StakingMode,
		"lane_strategy":        s.LaneStrategy,
		"auto_create_lanes":    s.AutoCreateLanes,
		"max_concurrent_lanes": s.MaxConcurrentLanes,
		"max_lanes_per_day":    s.MaxLanesPerDay,
		"concurrent_trading":   s.ConcurrentTrading,
		"cooldown_seconds":     s.CooldownSeconds,
		"priority_symbols":     s.PrioritySymbols,
		"min_payout":           s.MinPayout,
		"updated_at":           s.UpdatedAt,
	}
}

// Payouts, balances, workers

func (s *Server) getPayouts(c *gin.Context) {
	if s.Payouts == nil {
		respondError(c, http.StatusServiceUnavailable, "PAYOUTS_UNAVAILABLE", "payout cache not available")
		return
	}
	c.JSON(http.StatusOK, s.Payouts.Snapshot(c.Param("name")))
}

func (s *Server) getBalances(c *gin.Context) {
	if s.Balances == nil {
		respondError(c, http.StatusServiceUnavailable, "BALANCES_UNAVAILABLE", "balance manager not available")
		return
	}
	c.JSON(http.StatusOK, s.Balances.Snapshots())
}

func (s *Server) getWorkers(c *gin.Context) {
	if s.Workers == nil {
		respondError(c, http.StatusServiceUnavailable, "WORKERS_UNAVAILABLE", "worker supervisor not available")
		return
	}
	c.JSON(http.StatusOK, s.Workers.Statuses())
}

// Trades

func (s *Server) getRecentTrades(c *gin.Context) {
	var q listTradesQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", "invalid query parameters")
		return
	}
	q.normalize()

	trades, err := s.DB.ListRecentTrades(c.Request.Context(), q.Account, q.Limit)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	c.Header("X-Result-Limit", strconv.Itoa(q.Limit))
	c.JSON(http.StatusOK, tradesJSON(trades))
}

func (s *Server) getActiveTrades(c *gin.Context) {
	trades, err := s.DB.ListOpenTrades(c.Request.Context(), c.Query("account"))
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, tradesJSON(trades))
}

func tradesJSON(trades []db.Trade) []gin.H {
	out := make([]gin.H, 0, len(trades))
	for _, t := range trades {
		row := gin.H{
			"id":             t.ID,
			"tracking_id":    t.TrackingID,
			"account":        t.Account,
			"symbol":         t.Symbol,
			"action":         t.Action,
			"amount":         t.Amount,
			"expiry_seconds": t.ExpirySeconds,
			"payout_rate":    t.PayoutRate,
			"level":          t.Level,
			"is_recovery":    t.IsRecovery,
			"lane_id":        t.LaneID,
			"signal_id":      t.SignalID,
			"status":         t.Status,
			"result":         t.Result,
			"profit":         t.Profit,
			"timed_out":      t.TimedOut,
			"opened_at":      t.OpenedAt,
			"expires_at":     t.ExpiresAt,
		}
		if t.ResolvedAt.Valid {
			row["resolved_at"] = t.ResolvedAt.Time
		}
		out = append(out, row)
	}
	return out
}

// Lanes

func (s *Server) listLanes(c *gin.Context) {
	var q listLanesQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", "account query parameter is required")
		return
	}
	q.normalize()

	lanes, err := s.DB.Queries().ListLanes(c.Request.Context(), q.Account, q.Status, q.Limit)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}

	out := make([]gin.H, 0, len(lanes))
	for _, l := range lanes {
		out = append(out, laneJSON(l, s.laneBusy(l.ID)))
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) getLane(c *gin.Context) {
	lane, err := s.DB.Queries().GetLane(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			respondError(c, http.StatusNotFound, "LANE_NOT_FOUND", "lane not found")
			return
		}
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, laneJSON(*lane, s.laneBusy(lane.ID)))
}

func (s *Server) completeLane(c *gin.Context) {
	if s.Engine == nil {
		respondError(c, http.StatusServiceUnavailable, "ENGINE_UNAVAILABLE", "staking engine not available")
		return
	}
	if err := s.Engine.ForceCompleteLane(c.Request.Context(), c.Param("id")); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			respondError(c, http.StatusNotFound, "LANE_NOT_FOUND", "lane not found or already completed")
			return
		}
		respondError(c, http.StatusInternalServerError, "ENGINE_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "completed"})
}

func (s *Server) laneBusy(laneID string) bool {
	if s.Registry == nil {
		return false
	}
	return s.Registry.LaneBusy(laneID)
}

func laneJSON(l db.Lane, busy bool) gin.H {
	row := gin.H{
		"id":                l.ID,
		"account":           l.Account,
		"symbol":            l.Symbol,
		"status":            l.Status,
		"current_level":     l.CurrentLevel,
		"base_amount":       l.BaseAmount,
		"multiplier":        l.Multiplier,
		"max_level":         l.MaxLevel,
		"current_amount":    l.CurrentAmount,
		"total_invested":    l.TotalInvested,
		"trades_count":      l.TradesCount,
		"trade_ids":         l.TradeIDs,
		"completion_reason": l.CompletionReason,
		"busy":              busy,
		"created_at":        l.CreatedAt,
		"updated_at":        l.UpdatedAt,
	}
	if l.CompletedAt.Valid {
		row["completed_at"] = l.CompletedAt.Time
	}
	return row
}

// Performance

func (s *Server) getPerformance(c *gin.Context) {
	days := 30
	if v := c.Query("days"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			respondError(c, http.StatusBadRequest, "INVALID_QUERY", "days must be a positive integer")
			return
		}
		days = parsed
	}

	stats, err := s.DB.Queries().GetDailyStats(c.Request.Context(), c.Param("name"), days)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}

	out := make([]gin.H, 0, len(stats))
	var totalProfit float64
	for _, st := range stats {
		out = append(out, gin.H{
			"date":   st.Date,
			"trades": st.Trades,
			"wins":   st.Wins,
			"losses": st.Losses,
			"draws":  st.Draws,
			"profit": st.Profit,
			"volume": st.Volume,
		})
		totalProfit += st.Profit
	}
	c.JSON(http.StatusOK, gin.H{
		"account":      c.Param("name"),
		"days":         days,
		"daily":        out,
		"total_profit": totalProfit,
	})
}

// System

func (s *Server) getSystemStatus(c *gin.Context) {
	mode := "LIVE"
	if s.Meta.DryRun {
		mode = "DRY_RUN"
	}

	status := gin.H{
		"mode":        mode,
		"dry_run":     s.Meta.DryRun,
		"version":     s.Meta.Version,
		"server_time": time.Now().UTC(),
	}
	if s.Workers != nil {
		status["workers_running"] = len(s.Workers.Running())
	}
	if s.Monitor != nil {
		status["trades_watching"] = s.Monitor.Watching()
	}
	if s.Registry != nil {
		status["trades_in_flight"] = s.Registry.Count()
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) getMetrics(c *gin.Context) {
	if s.Metrics == nil {
		respondError(c, http.StatusServiceUnavailable, "METRICS_UNAVAILABLE", "metrics not available")
		return
	}
	out := gin.H{"system": s.Metrics.Snapshot()}
	if s.Journal != nil {
		out["journal"] = s.Journal.Metrics()
	}
	if s.Payouts != nil {
		out["payout_cache"] = s.Payouts.Stats()
	}
	c.JSON(http.StatusOK, out)
}
