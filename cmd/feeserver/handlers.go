package main

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cryptofunk/locatefees/internal/apierr"
	"github.com/cryptofunk/locatefees/internal/calcservice"
	"github.com/cryptofunk/locatefees/internal/metrics"
)

type calculateFeeRequest struct {
	Ticker        string `json:"ticker" binding:"required"`
	PositionValue string `json:"position_value" binding:"required"`
	LoanDays      int    `json:"loan_days" binding:"required"`
	ClientID      string `json:"client_id" binding:"required"`
}

// calculateFeeHandler is the synchronous CalculateFee entry point
// (spec §2's "single synchronous call").
func calculateFeeHandler(svc *calcservice.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req calculateFeeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "details": err.Error()})
			return
		}

		start := time.Now()
		breakdown, err := svc.CalculateFee(c.Request.Context(), req.Ticker, req.PositionValue, req.LoanDays, req.ClientID)
		latencyMs := float64(time.Since(start).Milliseconds())
		if err != nil {
			metrics.RecordCalc("failure", latencyMs)
			writeAPIError(c, err)
			return
		}

		metrics.RecordCalc("success", latencyMs)
		c.JSON(http.StatusOK, breakdown)
	}
}

// borrowRateHandler is the thin read-only path for the current
// signal-layer borrow rate, without a full fee calculation.
func borrowRateHandler(svc *calcservice.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		ticker := c.Param("ticker")
		rate, status, err := svc.GetBorrowRate(c.Request.Context(), ticker)
		if err != nil {
			writeAPIError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"ticker":        ticker,
			"borrow_rate":   rate.String(),
			"borrow_status": status,
		})
	}
}

// healthHandler reports the combined status of the cache, audit queue,
// and circuit breakers.
func healthHandler(svc *calcservice.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		report := svc.Health(c.Request.Context())
		status := http.StatusOK
		if !report.SharedCacheHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"shared_cache_healthy": report.SharedCacheHealthy,
			"audit_queue_depth":    report.AuditQueueDepth,
			"breaker_states":       report.BreakerStates,
		})
	}
}

// writeAPIError maps a typed apierr.Kind to the HTTP status the spec's
// outward-facing contract assigns it.
func writeAPIError(c *gin.Context, err error) {
	kind, ok := apierr.KindOf(err)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	status := http.StatusInternalServerError
	switch kind {
	case apierr.KindDomainError, apierr.KindCalculationError:
		status = http.StatusBadRequest
	case apierr.KindConfigUnavailable, apierr.KindEndpointOpen, apierr.KindEndpointTimeout, apierr.KindAuditBackpressure:
		status = http.StatusServiceUnavailable
	}

	c.JSON(status, gin.H{"error": err.Error(), "kind": kind})
}
