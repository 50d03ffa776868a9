// Package api exposes the operator surface: REST endpoints for accounts,
// settings, lanes, trades, and performance, plus a websocket event stream.
// The API is bound to localhost or fronted by a reverse proxy; it carries
// no authentication of its own.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"options-core/internal/balance"
	"options-core/internal/events"
	"options-core/internal/monitor"
	"options-core/internal/orchestrator"
	"options-core/internal/policy"
	"options-core/internal/signal"
	"options-core/internal/staking"
	"options-core/internal/state"
	"options-core/internal/worker"
	"options-core/pkg/cache"
	"options-core/pkg/crypto"
	"options-core/pkg/db"
)

// SignalExecutor runs one signal through the trading pipeline.
type SignalExecutor interface {
	ExecuteSignal(ctx context.Context, sig signal.Signal) ([]orchestrator.Execution, error)
}

// Server wires HTTP endpoints around the trading core.
type Server struct {
	Router   *gin.Engine
	Bus      *events.Bus
	DB       *db.Database
	Policy   *policy.Manager
	Engine   *staking.Engine
	Executor SignalExecutor
	Workers  *worker.Supervisor
	Monitor  *monitor.Monitor
	Balances *balance.Manager
	Payouts  *cache.PayoutCache
	Metrics  *monitor.SystemMetrics
	Registry *state.Registry
	Keyring  *crypto.Keyring
	Journal  *signal.Journal
	Meta     SystemMeta
}

// SystemMeta describes runtime mode exposed on /api/system/status.
type SystemMeta struct {
	DryRun  bool
	Version string
}

// Deps carries everything the server needs. Optional fields may be nil;
// the endpoints they back respond 503.
type Deps struct {
	Bus      *events.Bus
	DB       *db.Database
	Policy   *policy.Manager
	Engine   *staking.Engine
	Executor SignalExecutor
	Workers  *worker.Supervisor
	Monitor  *monitor.Monitor
	Balances *balance.Manager
	Payouts  *cache.PayoutCache
	Metrics  *monitor.SystemMetrics
	Registry *state.Registry
	Keyring  *crypto.Keyring
	Journal  *signal.Journal
	Meta     SystemMeta
}

// NewServer builds the router with the full middleware stack.
func NewServer(d Deps) *Server {
	r := gin.New()

	// Middleware order matters: recovery first, request id before the
	// logger, CORS last before routes.
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger())
	r.Use(RateLimitMiddleware())
	r.Use(TimeoutMiddleware(30 * time.Second))
	r.Use(CORSMiddleware())

	s := &Server{
		Router:   r,
		Bus:      d.Bus,
		DB:       d.DB,
		Policy:   d.Policy,
		Engine:   d.Engine,
		Executor: d.Executor,
		Workers:  d.Workers,
		Monitor:  d.Monitor,
		Balances: d.Balances,
		Payouts:  d.Payouts,
		Metrics:  d.Metrics,
		Registry: d.Registry,
		Keyring:  d.Keyring,
		Journal:  d.Journal,
		Meta:     d.Meta,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ws", s.websocket)

	api := s.Router.Group("/api")
	{
		api.GET("/system/status", s.getSystemStatus)
		api.GET("/metrics", s.getMetrics)

		api.POST("/signals", s.postSignal)

		api.GET("/accounts", s.listAccounts)
		api.POST("/accounts", s.createAccount)
		api.DELETE("/accounts/:name", s.deleteAccount)
		api.POST("/accounts/:name/enable", s.enableAccount)
		api.POST("/accounts/:name/disable", s.disableAccount)
		api.GET("/accounts/:name/settings", s.getSettings)
		api.PUT("/accounts/:name/settings", s.putSettings)
		api.GET("/accounts/:name/payouts", s.getPayouts)
		api.GET("/accounts/:name/performance", s.getPerformance)

		api.GET("/balances", s.getBalances)
		api.GET("/workers", s.getWorkers)

		api.GET("/trades/recent", s.getRecentTrades)
		api.GET("/trades/active", s.getActiveTrades)

		api.GET("/lanes", s.listLanes)
		api.GET("/lanes/:id", s.getLane)
		api.POST("/lanes/:id/complete", s.completeLane)
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Start blocks serving HTTP on addr.
func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}
