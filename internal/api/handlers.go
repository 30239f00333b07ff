package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":         "ok",
		"uptime_seconds": int(time.Since(s.startedAt).Seconds()),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	openCount, err := s.store.CountOpenTrades(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	day, start, peak, trough, current := s.riskMgr.DailySnapshot()

	c.JSON(http.StatusOK, gin.H{
		"running":           s.orch.Running(),
		"kill_switch":       s.mon.Killed(),
		"scan_interval_sec": int(s.orch.ScanInterval().Seconds()),
		"open_positions":    openCount,
		"monitor_last_run":  s.mon.LastRun(),
		"daily": gin.H{
			"day":     day,
			"start":   start,
			"peak":    peak,
			"trough":  trough,
			"current": current,
		},
	})
}

func (s *Server) handlePositions(c *gin.Context) {
	trades, err := s.store.GetOpenTrades(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(trades), "positions": trades})
}

func (s *Server) handleTradeHistory(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 || limit > 500 {
		limit = 50
	}
	trades, err := s.store.GetRecentClosedTrades(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(trades), "trades": trades})
}

func (s *Server) handleCycleMetrics(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil || limit <= 0 || limit > 200 {
		limit = 20
	}
	c.JSON(http.StatusOK, gin.H{
		"summary": s.orch.Dashboard().Summarize(),
		"recent":  s.orch.Dashboard().Recent(limit),
	})
}

func (s *Server) handleExecutionMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, s.exec.Metrics())
}

func (s *Server) handleDailyRisk(c *gin.Context) {
	day, start, peak, trough, current := s.riskMgr.DailySnapshot()
	drawdownPct := 0.0
	if peak > 0 {
		drawdownPct = (peak - current) / peak * 100
	}
	c.JSON(http.StatusOK, gin.H{
		"day":          day,
		"start":        start,
		"peak":         peak,
		"trough":       trough,
		"current":      current,
		"drawdown_pct": drawdownPct,
	})
}

func (s *Server) handleInterventions(c *gin.Context) {
	if s.sup == nil {
		c.JSON(http.StatusOK, gin.H{"interventions": []any{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"interventions": s.sup.Interventions()})
}

func (s *Server) handleBlacklist(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"symbols": s.mon.Blacklist().Symbols()})
}

func (s *Server) handleBotStart(c *gin.Context) {
	if s.mon.Killed() {
		c.JSON(http.StatusConflict, gin.H{"error": "kill switch active, manual reset required"})
		return
	}
	if err := s.orch.Start(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"running": true})
}

func (s *Server) handleBotStop(c *gin.Context) {
	s.orch.Stop()
	c.JSON(http.StatusOK, gin.H{"running": false})
}

func (s *Server) handleConfigReload(c *gin.Context) {
	if err := s.handle.Reload(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"reloaded": true})
}
