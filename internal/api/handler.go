package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/JacobJanuary/TradingBot-sub002/internal/engine"
	"github.com/JacobJanuary/TradingBot-sub002/internal/events"
	"github.com/JacobJanuary/TradingBot-sub002/internal/gateway"
	"github.com/JacobJanuary/TradingBot-sub002/internal/lock"
	"github.com/JacobJanuary/TradingBot-sub002/internal/monitor"
	"github.com/JacobJanuary/TradingBot-sub002/internal/reconciliation"
	"github.com/JacobJanuary/TradingBot-sub002/internal/risk"
	"github.com/JacobJanuary/TradingBot-sub002/pkg/db"
)

// RiskView is the read side of the risk manager.
type RiskView interface {
	GetMetrics() risk.Metrics
	Limits() risk.Limits
}

// AlertLog lists recently raised alerts.
type AlertLog interface {
	Recent(n int) []monitor.Alert
}

// LockTable lists held symbol locks.
type LockTable interface {
	Held() []lock.Entry
}

// Reconciler exposes the latest sweep reports.
type Reconciler interface {
	Last() map[string]reconciliation.Report
}

// GatewayHealth reports per-venue gateway status.
type GatewayHealth interface {
	Stats() []gateway.GatewayStatus
}

// Deps are the collaborators the HTTP layer reads from. Any of the read
// side may be nil; its endpoints then answer 503.
type Deps struct {
	Engine     engine.Service
	Risk       RiskView
	Trades     db.MetricsStore
	Operators  db.OperatorStore
	Metrics    *monitor.Metrics
	Alerts     AlertLog
	Locks      LockTable
	Reconciler Reconciler
	Gateways   GatewayHealth
	Bus        *events.Bus
}

// Options configure the HTTP surface.
type Options struct {
	JWTSecret         string
	AllowRegistration bool
	RequestTimeout    time.Duration
	Meta              SystemMeta
}

// Server wires HTTP endpoints around the position engine.
type Server struct {
	Router *gin.Engine
	deps   Deps
	opts   Options
	log    zerolog.Logger
}

// SystemMeta describes runtime status exposed to operators.
type SystemMeta struct {
	DryRun    bool     `json:"dry_run"`
	Exchanges []string `json:"exchanges"`
	Storage   string   `json:"storage"`
	Version   string   `json:"version"`
}

func NewServer(deps Deps, opts Options, log zerolog.Logger) *Server {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	log = log.With().Str("component", "api").Logger()

	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(log))
	r.Use(newIPLimiter(20, 50).Middleware(log))
	r.Use(TimeoutMiddleware(opts.RequestTimeout))
	r.Use(CORSMiddleware())

	s := &Server{
		Router: r,
		deps:   deps,
		opts:   opts,
		log:    log,
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
		api.GET("/metrics/prom", s.getPromMetrics)

		auth := api.Group("/auth")
		{
			auth.POST("/register", s.registerOperator)
			auth.POST("/login", s.loginOperator)
		}

		protected := api.Group("")
		protected.Use(AuthMiddleware(s.opts.JWTSecret))
		{
			protected.GET("/positions", s.getPositions)
			protected.GET("/position", s.getPosition)
			protected.POST("/positions", s.openPosition)
			protected.POST("/positions/close", s.closePosition)
			protected.POST("/positions/stop", s.updateStopLoss)

			protected.GET("/risk", s.getRiskMetrics)
			protected.GET("/risk/daily", s.getDailyMetrics)
			protected.GET("/alerts", s.getAlerts)
			protected.GET("/locks", s.getLocks)
			protected.GET("/reconciliation", s.getReconciliation)
			protected.GET("/gateways", s.getGateways)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Handler exposes the router for an http.Server.
func (s *Server) Handler() http.Handler { return s.Router }
