package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"continuity-engine/internal/chain"
	"continuity-engine/internal/continuity"
	"continuity-engine/internal/engine"
	"continuity-engine/internal/ledger"
	"continuity-engine/internal/reconcile"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// ProjectRequest is the body of POST /api/plans/:id/project.
type ProjectRequest struct {
	Balance     string `json:"balance" binding:"required"`
	HorizonDays int    `json:"horizon_days"`
}

// ReconcileRequest is the body of POST /api/reconcile. All fields are optional.
type ReconcileRequest struct {
	Categories   []string `json:"categories"`
	SubscriberID string   `json:"subscriber_id"`
	Limit        int      `json:"limit"`
}

// ReconcileResponse pairs the sweep summary with its totals.
type ReconcileResponse struct {
	Summary *reconcile.Summary `json:"summary"`
	Totals  reconcile.Counts   `json:"totals"`
}

func (s *Server) handleHealth(c *gin.Context) {
	status := "healthy"
	code := http.StatusOK
	details := gin.H{}

	if s.deps.Health != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
		defer cancel()
		if err := s.deps.Health.HealthCheck(ctx); err != nil {
			status = "degraded"
			code = http.StatusServiceUnavailable
			details["database"] = err.Error()
		}
	}
	if s.deps.Breaker != nil {
		// an open circuit degrades balance reads but does not fail health
		details["chain_circuit"] = s.deps.Breaker.Status()
	}
	if s.hub != nil {
		details["websocket_clients"] = s.hub.GetClientCount()
	}

	c.JSON(code, gin.H{
		"status":    status,
		"timestamp": time.Now().UTC(),
		"details":   details,
	})
}

func (s *Server) handleEvaluate(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		errorResponse(c, http.StatusBadRequest, "subscriber id is required")
		return
	}

	eval, err := s.deps.Evaluator.EvaluateSubscriber(c.Request.Context(), id)
	if err != nil {
		s.writeEngineError(c, err, "evaluation failed")
		return
	}
	successResponse(c, eval)
}

func (s *Server) handleProject(c *gin.Context) {
	var req ProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	balance, err := decimal.NewFromString(strings.TrimSpace(req.Balance))
	if err != nil {
		errorResponse(c, http.StatusBadRequest, "balance must be a decimal string")
		return
	}
	if balance.IsNegative() || req.HorizonDays < 0 {
		errorResponse(c, http.StatusBadRequest, "balance and horizon_days must not be negative")
		return
	}

	proj, err := s.deps.Evaluator.ProjectProfit(c.Request.Context(), c.Param("id"), balance, req.HorizonDays)
	if err != nil {
		s.writeEngineError(c, err, "projection failed")
		return
	}
	successResponse(c, proj)
}

func (s *Server) handleReconcile(c *gin.Context) {
	var req ReconcileRequest
	// an empty body sweeps everything
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			errorResponse(c, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}

	categories, err := ledger.ParseCategories(req.Categories)
	if err != nil {
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}
	if req.Limit < 0 {
		errorResponse(c, http.StatusBadRequest, "limit must not be negative")
		return
	}

	summary, err := s.deps.Reconciler.Reconcile(c.Request.Context(), categories, ledger.PendingFilter{
		SubscriberID: strings.TrimSpace(req.SubscriberID),
		Limit:        req.Limit,
	})
	if summary == nil {
		zerolog.Ctx(c.Request.Context()).Error().Err(err).Msg("Reconciliation produced no summary")
		errorResponse(c, http.StatusInternalServerError, "reconciliation failed")
		return
	}

	resp := ReconcileResponse{Summary: summary, Totals: summary.Totals()}
	if err != nil {
		zerolog.Ctx(c.Request.Context()).Error().Err(err).Str("run_id", summary.RunID).Msg("Reconciliation aborted")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   true,
			"message": "reconciliation aborted: " + err.Error(),
			"data":    resp,
		})
		return
	}
	successResponse(c, resp)
}

func (s *Server) handleOracleStats(c *gin.Context) {
	if s.deps.Oracle == nil {
		errorResponse(c, http.StatusServiceUnavailable, "balance oracle not configured")
		return
	}
	successResponse(c, s.deps.Oracle.Stats())
}

// writeEngineError maps engine sentinels to status codes.
func (s *Server) writeEngineError(c *gin.Context, err error, fallback string) {
	switch {
	case errors.Is(err, continuity.ErrSubscriberNotFound), errors.Is(err, continuity.ErrPlanNotFound):
		errorResponse(c, http.StatusNotFound, err.Error())
	case errors.Is(err, continuity.ErrNotSubscribed), errors.Is(err, engine.ErrEvaluationInProgress):
		errorResponse(c, http.StatusConflict, err.Error())
	case errors.Is(err, continuity.ErrInvalidPlan), errors.Is(err, chain.ErrInvalidAddress):
		errorResponse(c, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		errorResponse(c, http.StatusGatewayTimeout, fallback)
	default:
		zerolog.Ctx(c.Request.Context()).Error().Err(err).Msg(fallback)
		errorResponse(c, http.StatusInternalServerError, fallback)
	}
}
