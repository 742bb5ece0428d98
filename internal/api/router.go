package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-trader/internal/auth"
	"github.com/ksred/klear-trader/internal/config"
	"github.com/ksred/klear-trader/pkg/middleware"
)

// Deps are the engine components the ops API reads and controls
type Deps struct {
	Auth       *auth.Service
	Orders     OrderBook
	Positions  PositionBook
	Risk       RiskView
	Strategies StrategyControl
	History    History
	Metrics    http.Handler
	Limiter    *middleware.Limiter
}

// NewRouter wires every route. History and Metrics routes are only mounted
// when the dependency is present.
func NewRouter(deps Deps) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	limiter := deps.Limiter
	if limiter == nil {
		limiter = middleware.NewLimiter(middleware.DefaultLimits)
	}
	router.Use(limiter.RateLimit())

	authHandlers := auth.NewGinHandlers(deps.Auth)
	h := NewGinHandlers(deps)

	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics))
	}
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := router.Group("/api/v1")
	{
		v1.POST("/auth/token", authHandlers.GenerateTokenHandler())

		read := v1.Group("")
		read.Use(middleware.JWTAuth(deps.Auth), middleware.RequirePermission(auth.PermissionRead))
		{
			read.GET("/orders", h.ListOrdersHandler())
			read.GET("/orders/:order_id", h.GetOrderHandler())
			read.GET("/positions", h.PositionsHandler())
			read.GET("/risk", h.RiskHandler())
			read.GET("/strategies", h.StrategiesHandler())

			if deps.History != nil {
				read.GET("/trades", h.TradesHandler())
				read.GET("/risk/events", h.RiskEventsHandler())
				read.GET("/performance", h.PerformanceHandler())
			}
		}

		control := v1.Group("")
		control.Use(middleware.JWTAuth(deps.Auth), middleware.RequirePermission(auth.PermissionControl))
		{
			control.POST("/orders/:order_id/cancel", h.CancelOrderHandler())
			control.POST("/strategies/:name/enable", h.SetStrategyHandler(true))
			control.POST("/strategies/:name/disable", h.SetStrategyHandler(false))
		}
	}

	return router
}

// NewServer builds the HTTP server for the ops API
func NewServer(cfg config.ServerConfig, handler http.Handler) *http.Server {
	port := cfg.Port
	if port == "" {
		port = "8080"
	}
	return &http.Server{
		Addr:              ":" + port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
