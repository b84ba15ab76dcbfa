package contract

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/smartjects/platform/internal/validation"
)

// Handler provides HTTP endpoints for contract lifecycle operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new contract handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up contract routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/contracts", h.CreateContract)
	r.GET("/contracts/:id", h.GetContract)
	r.GET("/contracts/:id/status", h.GetCompletionStatus)
	r.GET("/contracts/:id/history", h.ListHistory)
	r.GET("/contracts/:id/messages", h.ListMessages)
	r.GET("/parties/:id/contracts", h.ListByParty)

	r.POST("/contracts/:id/sign", h.SignContract)
	r.POST("/contracts/:id/retry-deployment", h.RetryDeployment)
	r.POST("/contracts/:id/submit-review", h.SubmitForFinalReview)
	r.POST("/contracts/:id/review-completion", h.ReviewCompletion)
	r.POST("/contracts/:id/cancel", h.CancelContract)
	r.POST("/contracts/:id/dispute", h.DisputeContract)
	r.POST("/contracts/:id/withdraw", h.Withdraw)
	r.POST("/contracts/:id/reconcile", h.Reconcile)

	r.POST("/contracts/:id/milestones/:milestoneId/deliverables/:deliverableId/complete", h.CompleteDeliverable)
	r.POST("/contracts/:id/milestones/:milestoneId/submit", h.SubmitMilestone)
	r.POST("/contracts/:id/milestones/:milestoneId/review", h.ReviewMilestone)
}

type partyRequest struct {
	PartyID string `json:"partyId" binding:"required"`
}

type reasonRequest struct {
	PartyID string `json:"partyId" binding:"required"`
	Reason  string `json:"reason" binding:"required"`
}

type submitRequest struct {
	PartyID string `json:"partyId" binding:"required"`
	Note    string `json:"note"`
}

type reviewRequest struct {
	PartyID  string `json:"partyId" binding:"required"`
	Approved *bool  `json:"approved" binding:"required"`
	Comment  string `json:"comment"`
}

// CreateContract handles POST /v1/contracts
func (h *Handler) CreateContract(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if req.NeederAddr != "" && !validation.IsValidWalletAddress(req.NeederAddr) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid needer wallet address",
		})
		return
	}
	if req.ProviderAddr != "" && !validation.IsValidWalletAddress(req.ProviderAddr) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid provider wallet address",
		})
		return
	}
	req.NeederAddr = validation.SanitizeAddress(req.NeederAddr)
	req.ProviderAddr = validation.SanitizeAddress(req.ProviderAddr)

	rec, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "contract_failed",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"contract": rec})
}

// GetContract handles GET /v1/contracts/:id
func (h *Handler) GetContract(c *gin.Context) {
	rec, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"contract": rec})
}

// GetCompletionStatus handles GET /v1/contracts/:id/status?partyId=...
func (h *Handler) GetCompletionStatus(c *gin.Context) {
	partyID := c.Query("partyId")
	if partyID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "partyId query parameter is required",
		})
		return
	}

	info, err := h.service.CompletionStatus(c.Request.Context(), c.Param("id"), partyID)
	if err != nil {
		h.mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": info})
}

// ListHistory handles GET /v1/contracts/:id/history
func (h *Handler) ListHistory(c *gin.Context) {
	entries, err := h.service.History(c.Request.Context(), c.Param("id"), queryLimit(c, 100))
	if err != nil {
		h.mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"history": entries,
		"count":   len(entries),
	})
}

// ListMessages handles GET /v1/contracts/:id/messages
func (h *Handler) ListMessages(c *gin.Context) {
	msgs, err := h.service.Messages(c.Request.Context(), c.Param("id"), queryLimit(c, 100))
	if err != nil {
		h.mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"messages": msgs,
		"count":    len(msgs),
	})
}

// ListByParty handles GET /v1/parties/:id/contracts
func (h *Handler) ListByParty(c *gin.Context) {
	recs, err := h.service.ListByParty(c.Request.Context(), c.Param("id"), c.Query("status"), queryLimit(c, 50))
	if err != nil {
		h.mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"contracts": recs,
		"count":     len(recs),
	})
}

// SignContract handles POST /v1/contracts/:id/sign
func (h *Handler) SignContract(c *gin.Context) {
	var req partyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "partyId is required",
		})
		return
	}

	rec, err := h.service.Sign(c.Request.Context(), c.Param("id"), req.PartyID)
	if err != nil {
		h.mapError(c, err)
		return
	}
	h.respondMaybePending(c, rec)
}

// RetryDeployment handles POST /v1/contracts/:id/retry-deployment
func (h *Handler) RetryDeployment(c *gin.Context) {
	var req partyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "partyId is required",
		})
		return
	}

	rec, err := h.service.RetryDeployment(c.Request.Context(), c.Param("id"), req.PartyID)
	if err != nil {
		h.mapError(c, err)
		return
	}
	h.respondMaybePending(c, rec)
}

// CompleteDeliverable handles POST /v1/contracts/:id/milestones/:milestoneId/deliverables/:deliverableId/complete
func (h *Handler) CompleteDeliverable(c *gin.Context) {
	var req partyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "partyId is required",
		})
		return
	}

	rec, err := h.service.CompleteDeliverable(c.Request.Context(),
		c.Param("id"), c.Param("milestoneId"), c.Param("deliverableId"), req.PartyID)
	if err != nil {
		h.mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"contract": rec})
}

// SubmitMilestone handles POST /v1/contracts/:id/milestones/:milestoneId/submit
func (h *Handler) SubmitMilestone(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "partyId is required",
		})
		return
	}
	note := validation.SanitizeString(req.Note, validation.MaxCommentLength)

	rec, err := h.service.SubmitMilestone(c.Request.Context(),
		c.Param("id"), c.Param("milestoneId"), req.PartyID, note)
	if err != nil {
		h.mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"contract": rec})
}

// ReviewMilestone handles POST /v1/contracts/:id/milestones/:milestoneId/review
func (h *Handler) ReviewMilestone(c *gin.Context) {
	var req reviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "partyId and approved are required",
		})
		return
	}
	comment := validation.SanitizeString(req.Comment, validation.MaxCommentLength)

	rec, err := h.service.ReviewMilestone(c.Request.Context(),
		c.Param("id"), c.Param("milestoneId"), req.PartyID, *req.Approved, comment)
	if err != nil {
		h.mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"contract": rec})
}

// SubmitForFinalReview handles POST /v1/contracts/:id/submit-review
func (h *Handler) SubmitForFinalReview(c *gin.Context) {
	var req partyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "partyId is required",
		})
		return
	}

	rec, err := h.service.SubmitForFinalReview(c.Request.Context(), c.Param("id"), req.PartyID)
	if err != nil {
		h.mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"contract": rec})
}

// ReviewCompletion handles POST /v1/contracts/:id/review-completion
func (h *Handler) ReviewCompletion(c *gin.Context) {
	var req reviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "partyId and approved are required",
		})
		return
	}
	comment := validation.SanitizeString(req.Comment, validation.MaxCommentLength)

	rec, err := h.service.ReviewCompletion(c.Request.Context(),
		c.Param("id"), req.PartyID, *req.Approved, comment)
	if err != nil {
		h.mapError(c, err)
		return
	}
	h.respondMaybePending(c, rec)
}

// CancelContract handles POST /v1/contracts/:id/cancel
func (h *Handler) CancelContract(c *gin.Context) {
	var req reasonRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "partyId and reason are required",
		})
		return
	}
	reason := validation.SanitizeString(req.Reason, validation.MaxCommentLength)

	rec, err := h.service.Cancel(c.Request.Context(), c.Param("id"), req.PartyID, reason)
	if err != nil {
		h.mapError(c, err)
		return
	}
	h.respondMaybePending(c, rec)
}

// DisputeContract handles POST /v1/contracts/:id/dispute
func (h *Handler) DisputeContract(c *gin.Context) {
	var req reasonRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "partyId and reason are required",
		})
		return
	}
	reason := validation.SanitizeString(req.Reason, validation.MaxCommentLength)

	rec, err := h.service.Dispute(c.Request.Context(), c.Param("id"), req.PartyID, reason)
	if err != nil {
		h.mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"contract": rec})
}

// Withdraw handles POST /v1/contracts/:id/withdraw
func (h *Handler) Withdraw(c *gin.Context) {
	var req partyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "partyId is required",
		})
		return
	}

	rec, err := h.service.Withdraw(c.Request.Context(), c.Param("id"), req.PartyID)
	if err != nil {
		h.mapError(c, err)
		return
	}
	h.respondMaybePending(c, rec)
}

// Reconcile handles POST /v1/contracts/:id/reconcile
func (h *Handler) Reconcile(c *gin.Context) {
	rec, err := h.service.Reconcile(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"contract": rec})
}

// respondMaybePending answers 202 when the operation is waiting on an
// unconfirmed chain transaction, 200 otherwise.
func (h *Handler) respondMaybePending(c *gin.Context, rec *Record) {
	if rec.PendingTxHash != "" {
		c.JSON(http.StatusAccepted, gin.H{
			"contract": rec,
			"pending": gin.H{
				"txHash":  rec.PendingTxHash,
				"message": "Transaction submitted, awaiting confirmation",
			},
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"contract": rec})
}

func queryLimit(c *gin.Context, def int) int {
	limit := def
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}
	return limit
}

// mapError maps service errors to HTTP responses.
func (h *Handler) mapError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrContractNotFound), errors.Is(err, ErrMilestoneNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrUnauthorized):
		status = http.StatusForbidden
		code = "unauthorized"
	case errors.Is(err, ErrInvalidTransition):
		status = http.StatusConflict
		code = "invalid_state"
	case errors.Is(err, ErrDeliverablesIncomplete):
		status = http.StatusConflict
		code = "deliverables_incomplete"
	case errors.Is(err, ErrMilestonesIncomplete):
		status = http.StatusConflict
		code = "milestones_incomplete"
	case errors.Is(err, ErrWalletRequired):
		status = http.StatusPreconditionFailed
		code = "wallet_required"
	case errors.Is(err, ErrVersionConflict):
		status = http.StatusConflict
		code = "conflict"
	case errors.Is(err, ErrDivergence):
		status = http.StatusConflict
		code = "ledger_divergence"
	case errors.Is(err, ErrTransactionFailed):
		status = http.StatusBadGateway
		code = "transaction_failed"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
