package api

import (
	"errors"
	"net/http"

	"pamm-core/internal/allocation"
	"pamm-core/internal/fanout"
	"pamm-core/pkg/db"

	"github.com/gin-gonic/gin"
)

// placeOrder fans one parent instruction out across the account.
func (s *Server) placeOrder(c *gin.Context) {
	var req struct {
		AccountID  string  `json:"account_id"`
		Symbol     string  `json:"symbol"`
		Side       string  `json:"side"`
		Quantity   float64 `json:"quantity"`
		Price      float64 `json:"price"`
		StopLoss   float64 `json:"stop_loss"`
		TakeProfit float64 `json:"take_profit"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "INVALID_PAYLOAD",
			"error": "invalid request payload",
		})
		return
	}
	if req.AccountID == "" || req.Symbol == "" || req.Quantity <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "MISSING_FIELDS",
			"error": "account_id, symbol and a positive quantity are required",
		})
		return
	}

	order, summary, err := s.Exec.Place(c.Request.Context(), fanout.PlaceInstruction{
		AccountID:  req.AccountID,
		Symbol:     req.Symbol,
		Side:       req.Side,
		Quantity:   req.Quantity,
		Price:      req.Price,
		StopLoss:   req.StopLoss,
		TakeProfit: req.TakeProfit,
	})
	if err != nil && !errors.Is(err, fanout.ErrAllFailed) {
		s.fanoutError(c, err)
		return
	}

	status := http.StatusCreated
	if err != nil {
		// Persisted for audit, but nobody got filled.
		status = http.StatusUnprocessableEntity
	}
	payload := summaryPayload(summary)
	if order != nil {
		payload["order_id"] = order.ID
		payload["status"] = order.Status
	}
	c.JSON(status, payload)
}

// getOrder returns the parent instruction with its child set.
func (s *Server) getOrder(c *gin.Context) {
	ctx := c.Request.Context()
	order, err := s.DB.GetAggregateOrder(ctx, c.Param("id"))
	if err != nil {
		s.fanoutError(c, err)
		return
	}
	children, err := s.DB.ListChildOrders(ctx, order.ID)
	if err != nil {
		s.fanoutError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": order, "children": children})
}

// closeOrder closes every live child of the parent.
func (s *Server) closeOrder(c *gin.Context) {
	var req struct {
		Price float64 `json:"price"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.BindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":  "INVALID_PAYLOAD",
				"error": "invalid request payload",
			})
			return
		}
	}

	summary, err := s.Exec.Close(c.Request.Context(), fanout.CloseInstruction{
		OrderID: c.Param("id"),
		Price:   req.Price,
	})
	s.summaryResponse(c, summary, err)
}

// cancelOrder withdraws the parent's unfilled children; filled ones are
// reported as skipped.
func (s *Server) cancelOrder(c *gin.Context) {
	summary, err := s.Exec.Cancel(c.Request.Context(), c.Param("id"))
	s.summaryResponse(c, summary, err)
}

// closeParticipant flattens one participant across all parents. The equity
// monitor uses the same path internally; this endpoint is the manual version.
func (s *Server) closeParticipant(c *gin.Context) {
	summary, err := s.Exec.CloseParticipant(c.Request.Context(), c.Param("id"))
	s.summaryResponse(c, summary, err)
}

func (s *Server) setStopLoss(c *gin.Context) {
	s.protectionRequest(c, func(price float64) (fanout.Summary, error) {
		return s.Exec.SetStopLoss(c.Request.Context(), c.Param("id"), price)
	})
}

func (s *Server) setTakeProfit(c *gin.Context) {
	s.protectionRequest(c, func(price float64) (fanout.Summary, error) {
		return s.Exec.SetTakeProfit(c.Request.Context(), c.Param("id"), price)
	})
}

func (s *Server) cancelStopLoss(c *gin.Context) {
	summary, err := s.Exec.CancelStopLoss(c.Request.Context(), c.Param("id"))
	s.summaryResponse(c, summary, err)
}

func (s *Server) cancelTakeProfit(c *gin.Context) {
	summary, err := s.Exec.CancelTakeProfit(c.Request.Context(), c.Param("id"))
	s.summaryResponse(c, summary, err)
}

func (s *Server) protectionRequest(c *gin.Context, run func(price float64) (fanout.Summary, error)) {
	var req struct {
		Price float64 `json:"price"`
	}
	if err := c.BindJSON(&req); err != nil || req.Price <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "INVALID_PRICE",
			"error": "a positive price is required",
		})
		return
	}
	summary, err := run(req.Price)
	s.summaryResponse(c, summary, err)
}

// summaryResponse renders a fan-out wave result, mapping ErrAllFailed to 422
// with the summary attached so the caller can see every per-participant
// reason.
func (s *Server) summaryResponse(c *gin.Context, summary fanout.Summary, err error) {
	if err != nil && !errors.Is(err, fanout.ErrAllFailed) {
		s.fanoutError(c, err)
		return
	}
	status := http.StatusOK
	if err != nil {
		status = http.StatusUnprocessableEntity
	}
	c.JSON(status, summaryPayload(summary))
}

func (s *Server) fanoutError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, db.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"code": "NOT_FOUND", "error": err.Error()})
	case errors.Is(err, fanout.ErrAccountBusy):
		c.JSON(http.StatusConflict, gin.H{"code": "ACCOUNT_BUSY", "error": err.Error()})
	case errors.Is(err, fanout.ErrUnknownSymbol),
		errors.Is(err, fanout.ErrNoParticipants),
		errors.Is(err, fanout.ErrPriceUnavailable),
		errors.Is(err, allocation.ErrNoFreeMargin):
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_INSTRUCTION", "error": err.Error()})
	default:
		s.log.Error("request failed", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": err.Error()})
	}
}

func summaryPayload(summary fanout.Summary) gin.H {
	buckets := map[fanout.OutcomeStatus][]gin.H{}
	for _, o := range summary.Outcomes {
		entry := gin.H{
			"participant_id": o.ParticipantID,
			"quantity":       o.Quantity,
		}
		if o.OrderID != "" {
			entry["order_id"] = o.OrderID
		}
		if o.Reason != "" {
			entry["reason"] = o.Reason
		}
		buckets[o.Status] = append(buckets[o.Status], entry)
	}
	return gin.H{
		"executed_qty":   summary.ExecutedQty,
		"rejected_qty":   summary.RejectedQty,
		"rejected_count": summary.RejectedCount,
		"total_margin":   summary.TotalMargin,
		"successful":     buckets[fanout.OutcomeSuccess],
		"failed":         buckets[fanout.OutcomeFailed],
		"skipped":        buckets[fanout.OutcomeSkipped],
	}
}
