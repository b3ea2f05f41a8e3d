package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"coinpilot/autopilot"
	"coinpilot/bot"
	"coinpilot/config"
	"coinpilot/events"
	"coinpilot/logger"
	"coinpilot/market"
	"coinpilot/memory"
	"coinpilot/metrics"
	"coinpilot/store"
	"coinpilot/strategy"
	"coinpilot/tools"
	"coinpilot/tracker"
)

// Server is the HTTP/WebSocket facade over the control plane.
type Server struct {
	cfg        *config.Config
	exchange   market.Exchange
	manager    *bot.Manager
	controller *autopilot.Controller
	tracker    *tracker.Tracker
	st         *store.Store
	mem        *memory.Service
	registry   *tools.Registry
	strategies *strategy.Registry
	bus        *events.Bus

	jwtSecret string
	http      *http.Server
}

func NewServer(cfg *config.Config, exchange market.Exchange, manager *bot.Manager,
	controller *autopilot.Controller, tr *tracker.Tracker, st *store.Store,
	mem *memory.Service, registry *tools.Registry, strategies *strategy.Registry,
	bus *events.Bus) *Server {
	return &Server{
		cfg:        cfg,
		exchange:   exchange,
		manager:    manager,
		controller: controller,
		tracker:    tr,
		st:         st,
		mem:        mem,
		registry:   registry,
		strategies: strategies,
		bus:        bus,
		jwtSecret:  cfg.JWTSecret,
	}
}

// Router builds the gin engine with all routes.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(corsMiddleware(s.cfg.CORSOrigins))

	r.GET("/health", s.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})))
	r.GET("/ws", s.handleWebSocket)

	api := r.Group("/api")
	{
		api.GET("/bot/status", s.handleBotStatus)
		api.GET("/bots", s.handleListBots)
		api.GET("/trades", s.handleTrades)
		api.GET("/strategies", s.handleStrategies)
		api.GET("/market/volatile", s.handleVolatile)

		api.GET("/memory/:agent", s.handleMemory)
		api.GET("/memory/:agent/:p1", s.handleMemory)
		api.GET("/memory/:agent/:p1/:p2", s.handleMemory)

		api.GET("/mcp/tools", s.handleListTools)

		authed := api.Group("")
		authed.Use(s.authMiddleware())
		{
			authed.POST("/bot/start", s.handleBotStart)
			authed.POST("/bot/stop/:bot_id", s.handleBotStop)
			authed.POST("/mcp/tools/:name", s.handleInvokeTool)
		}
	}
	return r
}

// Start serves until the context is cancelled, then shuts down
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.http = &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("facade listening on %s", s.cfg.ListenAddr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	exchangeOK := true
	if _, err := s.exchange.GetPrice(ctx, s.cfg.DefaultSymbol); err != nil {
		exchangeOK = false
	}
	storageOK := s.st.Ping() == nil
	controllerOK := s.controller.Healthy()

	status := http.StatusOK
	if !storageOK {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"exchange":   exchangeOK,
		"storage":    storageOK,
		"controller": controllerOK,
		"subscribers": s.bus.SubscriberCount(),
	})
}
