package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rongwang/points-ledger/internal/models"
	"github.com/rongwang/points-ledger/internal/ratelimit"
	"github.com/rongwang/points-ledger/internal/service"
	"github.com/rs/zerolog"
)

// Handler exposes the ledger service over HTTP.
type Handler struct {
	svc     service.Service
	log     zerolog.Logger
	limiter ratelimit.Limiter
}

// HandlerOption customises a Handler.
type HandlerOption func(*Handler)

// WithRateLimiter enables per-caller rate limiting on the /api routes.
func WithRateLimiter(l ratelimit.Limiter) HandlerOption {
	return func(h *Handler) { h.limiter = l }
}

// NewHandler creates a new API handler
func NewHandler(svc service.Service, log zerolog.Logger, opts ...HandlerOption) *Handler {
	registerValidators()
	h := &Handler{svc: svc, log: log}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// SetupRoutes registers the ledger routes. JWTSecretMiddleware must already
// be installed on the router.
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	api.Use(AuthMiddleware())
	if h.limiter != nil {
		api.Use(RateLimitMiddleware(h.limiter, h.log))
	}

	api.GET("/users/me", h.GetMe)
	api.POST("/users/me/transactions", h.CreateRedemption)
	api.POST("/users/:userId/transactions", h.CreateTransfer)

	api.POST("/transactions", h.CreateTransaction)
	api.GET("/transactions/:transactionId", h.GetTransaction)
	api.GET("/transactions/:transactionId/audit", h.GetAuditTrail)
	api.PATCH("/transactions/:transactionId/processed", h.ProcessRedemption)
	api.PATCH("/transactions/:transactionId/suspicious", h.SetSuspicious)

	api.POST("/events/:eventId/transactions", h.AwardEventPoints)
}

func callerID(c *gin.Context) int64 {
	return c.MustGet(ctxUserID).(int64)
}

func pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		badRequest(c, name+" must be a positive integer")
		return 0, false
	}
	return id, true
}

// GetMe returns the caller's user record.
func (h *Handler) GetMe(c *gin.Context) {
	user, err := h.svc.GetUser(c.Request.Context(), callerID(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, user)
}

// CreateTransaction handles purchases and adjustments made on behalf of a customer.
func (h *Handler) CreateTransaction(c *gin.Context) {
	var req models.CreateTransactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	in := service.CreateTransactionInput{
		Owner:  service.UserRef{UTORid: req.UTORid},
		Remark: req.Remark,
	}

	switch req.Type {
	case models.KindPurchase:
		if req.Spent == nil {
			badRequest(c, "spent is required for a purchase")
			return
		}
		in.Params = service.PurchaseParams{Spent: *req.Spent, PromotionIDs: req.PromotionIDs}
	case models.KindAdjustment:
		if req.Amount == nil {
			badRequest(c, "amount is required for an adjustment")
			return
		}
		if req.RelatedID == nil {
			badRequest(c, "relatedId is required for an adjustment")
			return
		}
		in.Params = service.AdjustmentParams{
			Amount:       *req.Amount,
			RelatedID:    *req.RelatedID,
			PromotionIDs: req.PromotionIDs,
		}
	}

	t, err := h.svc.CreateTransaction(c.Request.Context(), callerID(c), in)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, models.NewTransactionResponse(t))
}

// CreateRedemption records a redemption request for the caller.
func (h *Handler) CreateRedemption(c *gin.Context) {
	var req models.RedemptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	actorID := callerID(c)
	t, err := h.svc.CreateTransaction(c.Request.Context(), actorID, service.CreateTransactionInput{
		Owner:  service.UserRef{ID: actorID},
		Remark: req.Remark,
		Params: service.RedemptionParams{Amount: req.Amount},
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, models.NewTransactionResponse(t))
}

// CreateTransfer moves points from the caller to the user in the path.
func (h *Handler) CreateTransfer(c *gin.Context) {
	recipientID, ok := pathID(c, "userId")
	if !ok {
		return
	}

	var req models.TransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	actorID := callerID(c)
	t, err := h.svc.CreateTransaction(c.Request.Context(), actorID, service.CreateTransactionInput{
		Owner:  service.UserRef{ID: actorID},
		Remark: req.Remark,
		Params: service.TransferParams{RecipientID: recipientID, Amount: req.Amount},
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, models.NewTransactionResponse(t))
}

// GetTransaction returns one transaction to its owner or a manager.
func (h *Handler) GetTransaction(c *gin.Context) {
	transactionID, ok := pathID(c, "transactionId")
	if !ok {
		return
	}

	t, err := h.svc.GetTransaction(c.Request.Context(), callerID(c), transactionID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.NewTransactionResponse(t))
}

// GetAuditTrail lists the committed operations that touched a transaction.
func (h *Handler) GetAuditTrail(c *gin.Context) {
	transactionID, ok := pathID(c, "transactionId")
	if !ok {
		return
	}

	entries, err := h.svc.AuditTrail(c.Request.Context(), callerID(c), transactionID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, entries)
}

// ProcessRedemption finalizes a pending redemption.
func (h *Handler) ProcessRedemption(c *gin.Context) {
	transactionID, ok := pathID(c, "transactionId")
	if !ok {
		return
	}

	var req models.ProcessRedemptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	if !*req.Processed {
		badRequest(c, "processed can only be set to true")
		return
	}

	t, err := h.svc.ProcessRedemption(c.Request.Context(), transactionID, callerID(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.NewTransactionResponse(t))
}

// SetSuspicious flags or clears a transaction.
func (h *Handler) SetSuspicious(c *gin.Context) {
	transactionID, ok := pathID(c, "transactionId")
	if !ok {
		return
	}

	var req models.SuspiciousRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	t, err := h.svc.SetSuspicious(c.Request.Context(), callerID(c), transactionID, *req.Suspicious)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.NewTransactionResponse(t))
}

// AwardEventPoints pays event points to one guest or to all of them.
func (h *Handler) AwardEventPoints(c *gin.Context) {
	eventID, ok := pathID(c, "eventId")
	if !ok {
		return
	}

	var req models.EventAwardRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	result, err := h.svc.AwardEventPoints(c.Request.Context(), service.EventAwardInput{
		EventID: eventID,
		UTORid:  req.UTORid,
		Amount:  req.Amount,
		ActorID: callerID(c),
		Remark:  req.Remark,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}

	resp := models.EventAwardResponse{
		Status:       "success",
		EventID:      result.Event.ID,
		Awarded:      result.Awarded(),
		PointsRemain: result.Event.PointsRemain(),
		Transactions: make([]models.TransactionResponse, 0, len(result.Transactions)),
	}
	for _, t := range result.Transactions {
		resp.Transactions = append(resp.Transactions, models.NewTransactionResponse(t))
	}
	c.JSON(http.StatusCreated, resp)
}
