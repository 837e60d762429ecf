package risk

import (
	"github.com/gin-gonic/gin"

	"github.com/ksred/klear-lending/internal/ledger"
	"github.com/ksred/klear-lending/internal/valuation"
	"github.com/ksred/klear-lending/pkg/response"
)

// IdempotencyHeader carries the payment idempotency key over HTTP
const IdempotencyHeader = "Idempotency-Key"

// GinHandlers contains HTTP handlers for the engine operations
type GinHandlers struct {
	engine *Engine
}

func NewGinHandlers(engine *Engine) *GinHandlers {
	return &GinHandlers{
		engine: engine,
	}
}

func (h *GinHandlers) GenerateScheduleHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ScheduleRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		preview, err := h.engine.GenerateSchedule(req)
		response.Handle(c, preview, err)
	}
}

func (h *GinHandlers) DisburseHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ledger.OpenLoanRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		result, err := h.engine.Disburse(c.Request.Context(), req)
		response.Handle(c, result, err)
	}
}

// ApplyPaymentHandler takes the idempotency key from the header when the
// body does not carry one
func (h *GinHandlers) ApplyPaymentHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ledger.PaymentRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		if req.IdempotencyKey == "" {
			req.IdempotencyKey = c.GetHeader(IdempotencyHeader)
		}

		outcome, err := h.engine.ApplyPayment(c.Request.Context(), c.Param("loan_id"), req)
		response.Handle(c, outcome, err)
	}
}

func (h *GinHandlers) NAVTickHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var tick valuation.NAVTick
		if err := c.ShouldBindJSON(&tick); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		result, err := h.engine.RevalueScheme(c.Request.Context(), tick.SchemeID, tick.NAV, tick.AsOf)
		response.Handle(c, result, err)
	}
}

func (h *GinHandlers) ReleaseHoldingHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		holding, err := h.engine.ReleaseHolding(c.Request.Context(), c.Param("holding_id"))
		response.Handle(c, holding, err)
	}
}

func (h *GinHandlers) EvaluateHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		eval, err := h.engine.EvaluateLoanRisk(c.Request.Context(), c.Param("loan_id"))
		response.Handle(c, eval, err)
	}
}

func (h *GinHandlers) RevaluationSweepHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		summary, err := h.engine.RunRevaluationSweep(c.Request.Context())
		response.Handle(c, summary, err)
	}
}

func (h *GinHandlers) OverdueSweepHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		summary, err := h.engine.RunOverdueSweep(c.Request.Context())
		response.Handle(c, summary, err)
	}
}

func (h *GinHandlers) DueMarginCallsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		summary, err := h.engine.ProcessDueMarginCalls(c.Request.Context())
		response.Handle(c, summary, err)
	}
}

// MetricsHandler serves the engine's Prometheus registry
func (h *GinHandlers) MetricsHandler() gin.HandlerFunc {
	return gin.WrapH(h.engine.metrics.Handler())
}
