package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

func (s *Server) getAccount(c *gin.Context) {
	account, err := s.DB.GetAggregateAccount(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fanoutError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": account})
}

func (s *Server) listParticipants(c *gin.Context) {
	participants, err := s.DB.ListActiveParticipants(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fanoutError(c, err)
		return
	}

	out := make([]gin.H, 0, len(participants))
	for _, p := range participants {
		out = append(out, gin.H{
			"id":          p.ID,
			"user_id":     p.UserID,
			"group_name":  p.GroupName,
			"balance":     p.Balance.String(),
			"free_margin": p.FreeMargin,
			"used_margin": p.UsedMargin,
			"status":      p.Status,
		})
	}
	c.JSON(http.StatusOK, gin.H{"participants": out})
}

func (s *Server) getLedger(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	entries, err := s.DB.ListLedgerEntries(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		s.fanoutError(c, err)
		return
	}

	out := make([]gin.H, 0, len(entries))
	for _, e := range entries {
		out = append(out, gin.H{
			"id":             e.ID,
			"order_id":       e.OrderID,
			"entry_type":     e.EntryType,
			"amount":         e.Amount.String(),
			"balance_before": e.BalanceBefore.String(),
			"balance_after":  e.BalanceAfter.String(),
			"created_at":     e.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"entries": out})
}

func (s *Server) startMonitor(c *gin.Context) {
	// The loop must outlive this request.
	s.Monitor.Start(context.Background())
	c.JSON(http.StatusOK, s.Monitor.Status())
}

func (s *Server) stopMonitor(c *gin.Context) {
	s.Monitor.Stop()
	c.JSON(http.StatusOK, s.Monitor.Status())
}

func (s *Server) monitorStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.Monitor.Status())
}

func (s *Server) getMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, s.Metrics.GetSnapshot())
}
