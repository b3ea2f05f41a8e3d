package api

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"coinpilot/bot"
	"coinpilot/market"
	"coinpilot/store"
	"coinpilot/tools"
)

// errorBody maps an internal error onto the structured wire shape.
func errorBody(c *gin.Context, status int, kind string, err error) {
	c.JSON(status, gin.H{"error_kind": kind, "message": err.Error()})
}

func (s *Server) handleBotStatus(c *gin.Context) {
	if id := c.Query("bot_id"); id != "" {
		b, err := s.manager.Get(id)
		if err != nil {
			errorBody(c, http.StatusNotFound, "not_found", err)
			return
		}
		c.JSON(http.StatusOK, b.Status())
		return
	}
	c.JSON(http.StatusOK, gin.H{"bots": s.manager.List()})
}

func (s *Server) handleListBots(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"bots": s.manager.List()})
}

func (s *Server) handleBotStart(c *gin.Context) {
	var req struct {
		Strategy    string  `json:"strategy"`
		Symbol      string  `json:"symbol" binding:"required"`
		Timeframe   string  `json:"timeframe"`
		TradingMode string  `json:"trading_mode"`
		Amount      float64 `json:"amount"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		errorBody(c, http.StatusBadRequest, "tool_args", err)
		return
	}
	if req.Strategy == "" {
		req.Strategy = s.cfg.DefaultStrategy
	}
	if req.Timeframe == "" {
		req.Timeframe = "5m"
	}
	if req.TradingMode == "" {
		req.TradingMode = string(market.ModeSpot)
	}
	if req.Amount <= 0 {
		req.Amount = s.cfg.DefaultAmount
	}
	if s.cfg.MaxPositionSize > 0 && req.Amount > s.cfg.MaxPositionSize {
		req.Amount = s.cfg.MaxPositionSize
	}

	caller := callerFrom(c)
	b, err := s.manager.Create(bot.Config{
		Symbol:          req.Symbol,
		Strategy:        req.Strategy,
		Timeframe:       req.Timeframe,
		Mode:            market.TradingMode(req.TradingMode),
		AllocatedAmount: req.Amount,
		CreatedBy:       caller.Name,
	})
	if err != nil {
		errorBody(c, http.StatusBadRequest, "tool_args", err)
		return
	}
	if err := s.manager.Start(b.ID()); err != nil {
		errorBody(c, http.StatusInternalServerError, "internal_error", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"bot_id": b.ID(), "message": "bot started"})
}

func (s *Server) handleBotStop(c *gin.Context) {
	id := c.Param("bot_id")
	if err := s.manager.Stop(id); err != nil {
		errorBody(c, http.StatusBadRequest, "tool_args", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"bot_id": id, "message": "bot stopped"})
}

func (s *Server) handleTrades(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	trades, err := s.st.Trades().List(store.ListFilter{
		Limit:      limit,
		ExitReason: c.Query("exit_reason"),
		BotID:      c.Query("bot_id"),
	})
	if err != nil {
		errorBody(c, http.StatusInternalServerError, "storage_error", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades, "count": len(trades)})
}

func (s *Server) handleStrategies(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"strategies": s.strategies.Names()})
}

// handleVolatile serves the top movers by absolute 24h change.
func (s *Server) handleVolatile(c *gin.Context) {
	ctx := c.Request.Context()
	symbols, err := s.exchange.ListTradableSymbols(ctx, "USDT")
	if err != nil {
		errorBody(c, http.StatusBadGateway, "network_error", err)
		return
	}
	// Bounded sweep: the ticker endpoint is per-symbol.
	if len(symbols) > 120 {
		symbols = symbols[:120]
	}
	var movers []*market.Stats24h
	for _, sym := range symbols {
		stats, err := s.exchange.Get24hStats(ctx, sym)
		if err != nil {
			continue
		}
		movers = append(movers, stats)
	}
	sort.Slice(movers, func(i, j int) bool {
		return math.Abs(movers[i].PriceChangePct) > math.Abs(movers[j].PriceChangePct)
	})
	if len(movers) > 10 {
		movers = movers[:10]
	}
	c.JSON(http.StatusOK, gin.H{"volatile": movers})
}

// handleMemory dispatches the memory read routes sharing the
// /memory/:agent prefix:
//
//	/memory/{agent}                    agent stream
//	/memory/{agent}/lessons            lessons only
//	/memory/pattern/{symbol}/{strategy}
//	/memory/insights/collective
func (s *Server) handleMemory(c *gin.Context) {
	agent := c.Param("agent")
	p1 := c.Param("p1")
	p2 := c.Param("p2")

	switch {
	case agent == "pattern" && p1 != "" && p2 != "":
		c.JSON(http.StatusOK, s.mem.PatternInsights(p1, p2, time.Time{}))

	case agent == "insights" && p1 == "collective":
		records := s.mem.Retrieve(store.CollectiveAgent, store.MemoryCollective, time.Time{}, 100)
		c.JSON(http.StatusOK, gin.H{"insights": records})

	case p1 == "lessons":
		records := s.mem.Retrieve(agent, store.MemoryTradeLearning, time.Time{}, 200)
		var lessons []string
		for _, r := range records {
			if raw, ok := r.Content["lessons"].([]any); ok {
				for _, l := range raw {
					if lesson, ok := l.(string); ok {
						lessons = append(lessons, lesson)
					}
				}
			}
		}
		c.JSON(http.StatusOK, gin.H{"agent": agent, "lessons": lessons})

	case p1 == "" && p2 == "":
		recordType := c.Query("type")
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
		records := s.mem.Retrieve(agent, recordType, time.Time{}, limit)
		c.JSON(http.StatusOK, gin.H{"agent": agent, "memories": records})

	default:
		errorBody(c, http.StatusNotFound, "not_found", errors.New("unknown memory route"))
	}
}

func (s *Server) handleListTools(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tools": s.registry.List()})
}

func (s *Server) handleInvokeTool(c *gin.Context) {
	name := c.Param("name")

	var req struct {
		Parameters json.RawMessage `json:"parameters"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		errorBody(c, http.StatusBadRequest, tools.KindToolArgs, err)
		return
	}

	result := s.registry.Invoke(c.Request.Context(), callerFrom(c), name, req.Parameters)
	status := http.StatusOK
	if !result.OK {
		switch result.ErrorKind {
		case tools.KindUnknownTool:
			status = http.StatusNotFound
		case tools.KindToolArgs, tools.KindSymbolUnsupported, tools.KindModeUnsupported,
			tools.KindInsufficientBalance, tools.KindStrategyInput:
			status = http.StatusBadRequest
		case tools.KindUnauthorized:
			status = http.StatusForbidden
		case tools.KindRateLimited:
			status = http.StatusTooManyRequests
		default:
			status = http.StatusInternalServerError
		}
	}
	c.JSON(status, result)
}
