package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"approvia-system/internal/services/approval/handler"
)

type ApprovalHTTPHandler struct {
	approval *handler.ApprovalHandler
}

func NewApprovalHTTPHandler(approval *handler.ApprovalHandler) *ApprovalHTTPHandler {
	return &ApprovalHTTPHandler{
		approval: approval,
	}
}

// Request structs
type CreateRequestBody struct {
	SalespersonID  int64   `json:"salesperson_id" binding:"required"`
	ManagerID      *int64  `json:"manager_id,omitempty"`
	ProductID      int32   `json:"product_id" binding:"required"`
	RequestedPrice string  `json:"requested_price" binding:"required"`
	Method         string  `json:"method,omitempty"`
	ReasonCode     *string `json:"reason_code,omitempty"`
	Note           *string `json:"note,omitempty"`
	CartID         *int64  `json:"cart_id,omitempty"`
	CartItemID     *int64  `json:"cart_item_id,omitempty"`
}

type DecisionBody struct {
	ManagerID  int64   `json:"manager_id" binding:"required"`
	ReasonCode string  `json:"reason_code,omitempty"`
	Note       *string `json:"note,omitempty"`
}

type CancelBody struct {
	SalespersonID int64 `json:"salesperson_id" binding:"required"`
}

type CounterOfferBody struct {
	ManagerID     int64   `json:"manager_id" binding:"required"`
	ProposedPrice string  `json:"proposed_price" binding:"required"`
	Note          *string `json:"note,omitempty"`
}

type CounterDecisionBody struct {
	SalespersonID int64 `json:"salesperson_id" binding:"required"`
}

type BatchItemBody struct {
	ProductID      int32  `json:"product_id" binding:"required"`
	RequestedPrice string `json:"requested_price" binding:"required"`
	CartItemID     *int64 `json:"cart_item_id,omitempty"`
}

type CreateBatchBody struct {
	SalespersonID int64           `json:"salesperson_id" binding:"required"`
	ManagerID     *int64          `json:"manager_id,omitempty"`
	Label         *string         `json:"label,omitempty"`
	CartID        *int64          `json:"cart_id,omitempty"`
	Items         []BatchItemBody `json:"items" binding:"required,min=1"`
}

type BatchAdjustmentBody struct {
	RequestID     int64  `json:"request_id" binding:"required"`
	ApprovedPrice string `json:"approved_price" binding:"required"`
}

type ApproveBatchBody struct {
	ManagerID   int64                 `json:"manager_id" binding:"required"`
	Adjustments []BatchAdjustmentBody `json:"adjustments,omitempty"`
	Note        *string               `json:"note,omitempty"`
}

type ConsumeTokenBody struct {
	Token      string `json:"token" binding:"required"`
	CartID     *int64 `json:"cart_id,omitempty"`
	CartItemID *int64 `json:"cart_item_id,omitempty"`
}

type ConsumeBatchBody struct {
	CartID *int64 `json:"cart_id,omitempty"`
}

type CreateDelegationBody struct {
	DelegatorID int64      `json:"delegator_id" binding:"required"`
	DelegateID  int64      `json:"delegate_id" binding:"required"`
	MaxTier     int32      `json:"max_tier" binding:"required"`
	StartsAt    *time.Time `json:"starts_at,omitempty"`
	ExpiresAt   time.Time  `json:"expires_at" binding:"required"`
	Reason      string     `json:"reason,omitempty"`
}

type RevokeDelegationBody struct {
	RequestingUserID int64 `json:"requesting_user_id" binding:"required"`
}

type OfflineEntryBody struct {
	IdempotencyKey    string    `json:"idempotency_key" binding:"required"`
	SalespersonID     int64     `json:"salesperson_id" binding:"required"`
	ManagerID         int64     `json:"manager_id" binding:"required"`
	ProductID         int32     `json:"product_id" binding:"required"`
	RequestedPrice    string    `json:"requested_price" binding:"required"`
	OfflineApprovedAt time.Time `json:"offline_approved_at" binding:"required"`
	DeviceID          string    `json:"device_id,omitempty"`
	ReasonCode        *string   `json:"reason_code,omitempty"`
	Note              *string   `json:"note,omitempty"`
}

type SyncOfflineBody struct {
	Entries []OfflineEntryBody `json:"entries" binding:"required,min=1"`
}

type TierSettingBody struct {
	TierNumber          int32  `json:"tier_number" binding:"required"`
	DisplayName         string `json:"display_name" binding:"required"`
	RequiredAccessLevel int32  `json:"required_access_level" binding:"required"`
	DiscountMinPercent  string `json:"discount_min_percent" binding:"required"`
	DiscountMaxPercent  string `json:"discount_max_percent" binding:"required"`
	MinMarginPercent    string `json:"min_margin_percent,omitempty"`
	AllowsBelowCost     bool   `json:"allows_below_cost,omitempty"`
	TimeoutSeconds      int32  `json:"timeout_seconds,omitempty"`
	RequiresReason      bool   `json:"requires_reason,omitempty"`
}

type ProductHistoryQuery struct {
	Page     int `form:"page,default=1"`
	PageSize int `form:"page_size,default=20"`
}

// --- Request Handlers ---

func (h *ApprovalHTTPHandler) CreateRequest(c *gin.Context) {
	var body CreateRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("Invalid request body"))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	request, err := h.approval.CreateRequest(ctx, handler.CreateRequestInput{
		SalespersonID:  body.SalespersonID,
		ManagerID:      body.ManagerID,
		ProductID:      body.ProductID,
		RequestedPrice: body.RequestedPrice,
		Method:         body.Method,
		ReasonCode:     body.ReasonCode,
		Note:           body.Note,
		CartID:         body.CartID,
		CartItemID:     body.CartItemID,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, successResponse("Approval request created", request))
}

func (h *ApprovalHTTPHandler) GetRequest(c *gin.Context) {
	requestID, err := parseIDParam(c, "id")
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	request, err := h.approval.GetRequest(ctx, requestID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, successResponse("Request retrieved", request))
}

func (h *ApprovalHTTPHandler) ListPending(c *gin.Context) {
	managerID, err := strconv.ParseInt(c.Query("manager_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("manager_id query parameter required"))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	requests, err := h.approval.ListPendingForManager(ctx, managerID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, successResponse("Pending requests retrieved", requests))
}

func (h *ApprovalHTTPHandler) CancelRequest(c *gin.Context) {
	requestID, err := parseIDParam(c, "id")
	if err != nil {
		return
	}
	var body CancelBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("Invalid request body"))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	request, err := h.approval.CancelRequest(ctx, requestID, body.SalespersonID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, successResponse("Request cancelled", request))
}

func (h *ApprovalHTTPHandler) ApproveRequest(c *gin.Context) {
	requestID, err := parseIDParam(c, "id")
	if err != nil {
		return
	}
	var body DecisionBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("Invalid request body"))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	request, err := h.approval.ApproveRequest(ctx, requestID, body.ManagerID, body.Note)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, successResponse("Request approved", request))
}

func (h *ApprovalHTTPHandler) DenyRequest(c *gin.Context) {
	requestID, err := parseIDParam(c, "id")
	if err != nil {
		return
	}
	var body DecisionBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("Invalid request body"))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	request, err := h.approval.DenyRequest(ctx, requestID, body.ManagerID, body.ReasonCode, body.Note)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, successResponse("Request denied", request))
}

func (h *ApprovalHTTPHandler) ProductHistory(c *gin.Context) {
	productID, err := strconv.ParseInt(c.Param("productId"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("Invalid product ID"))
		return
	}
	var query ProductHistoryQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("Invalid query parameters"))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	requests, total, err := h.approval.ListProductHistory(ctx, int32(productID), query.Page, query.PageSize)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, successWithMetaResponse("Override history retrieved", requests, gin.H{
		"page":      query.Page,
		"page_size": query.PageSize,
		"total":     total,
	}))
}

// --- Counter-Offer Handlers ---

func (h *ApprovalHTTPHandler) CreateCounterOffer(c *gin.Context) {
	requestID, err := parseIDParam(c, "id")
	if err != nil {
		return
	}
	var body CounterOfferBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("Invalid request body"))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	counter, err := h.approval.CreateCounterOffer(ctx, handler.CounterOfferInput{
		RequestID:     requestID,
		ManagerID:     body.ManagerID,
		ProposedPrice: body.ProposedPrice,
		Note:          body.Note,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, successResponse("Counter-offer created", counter))
}

func (h *ApprovalHTTPHandler) AcceptCounterOffer(c *gin.Context) {
	requestID, err := parseIDParam(c, "id")
	if err != nil {
		return
	}
	var body CounterDecisionBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("Invalid request body"))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	request, err := h.approval.AcceptCounterOffer(ctx, requestID, body.SalespersonID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, successResponse("Counter-offer accepted", request))
}

func (h *ApprovalHTTPHandler) DeclineCounterOffer(c *gin.Context) {
	requestID, err := parseIDParam(c, "id")
	if err != nil {
		return
	}
	var body CounterDecisionBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("Invalid request body"))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	request, err := h.approval.DeclineCounterOffer(ctx, requestID, body.SalespersonID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, successResponse("Counter-offer declined", request))
}

// --- Batch Handlers ---

func (h *ApprovalHTTPHandler) CreateBatch(c *gin.Context) {
	var body CreateBatchBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("Invalid request body"))
		return
	}

	items := make([]handler.BatchItemInput, 0, len(body.Items))
	for _, item := range body.Items {
		items = append(items, handler.BatchItemInput{
			ProductID:      item.ProductID,
			RequestedPrice: item.RequestedPrice,
			CartItemID:     item.CartItemID,
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	parent, err := h.approval.CreateBatchRequest(ctx, handler.BatchInput{
		SalespersonID: body.SalespersonID,
		ManagerID:     body.ManagerID,
		Label:         body.Label,
		CartID:        body.CartID,
		Items:         items,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, successResponse("Batch request created", parent))
}

func (h *ApprovalHTTPHandler) GetBatch(c *gin.Context) {
	parentID, err := parseIDParam(c, "id")
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	parent, err := h.approval.GetBatchRequest(ctx, parentID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, successResponse("Batch request retrieved", parent))
}

func (h *ApprovalHTTPHandler) ApproveBatch(c *gin.Context) {
	parentID, err := parseIDParam(c, "id")
	if err != nil {
		return
	}
	var body ApproveBatchBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("Invalid request body"))
		return
	}

	adjustments := make([]handler.BatchAdjustment, 0, len(body.Adjustments))
	for _, adj := range body.Adjustments {
		adjustments = append(adjustments, handler.BatchAdjustment{
			RequestID:     adj.RequestID,
			ApprovedPrice: adj.ApprovedPrice,
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	parent, err := h.approval.ApproveBatchRequest(ctx, parentID, body.ManagerID, adjustments, body.Note)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, successResponse("Batch request approved", parent))
}

func (h *ApprovalHTTPHandler) DenyBatch(c *gin.Context) {
	parentID, err := parseIDParam(c, "id")
	if err != nil {
		return
	}
	var body DecisionBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("Invalid request body"))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	parent, err := h.approval.DenyBatchRequest(ctx, parentID, body.ManagerID, body.ReasonCode, body.Note)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, successResponse("Batch request denied", parent))
}

// --- Token Handlers ---

func (h *ApprovalHTTPHandler) ConsumeToken(c *gin.Context) {
	var body ConsumeTokenBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("Invalid request body"))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	redemption, err := h.approval.ConsumeToken(ctx, body.Token, body.CartID, body.CartItemID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, successResponse("Token redeemed", gin.H{
		"request_id":     redemption.RequestID,
		"product_id":     redemption.ProductID,
		"approvedPrice":  redemption.ApprovedPrice,
		"salesperson_id": redemption.SalespersonID,
	}))
}

func (h *ApprovalHTTPHandler) ConsumeBatchTokens(c *gin.Context) {
	parentID, err := parseIDParam(c, "id")
	if err != nil {
		return
	}
	var body ConsumeBatchBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("Invalid request body"))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	items, err := h.approval.ConsumeBatchTokens(ctx, parentID, body.CartID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, successResponse("Batch tokens redeemed", items))
}

// --- Delegation Handlers ---

func (h *ApprovalHTTPHandler) CreateDelegation(c *gin.Context) {
	var body CreateDelegationBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("Invalid request body"))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	delegation, err := h.approval.CreateDelegation(ctx, handler.DelegationInput{
		DelegatorID: body.DelegatorID,
		DelegateID:  body.DelegateID,
		MaxTier:     body.MaxTier,
		StartsAt:    body.StartsAt,
		ExpiresAt:   body.ExpiresAt,
		Reason:      body.Reason,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, successResponse("Delegation created", delegation))
}

func (h *ApprovalHTTPHandler) RevokeDelegation(c *gin.Context) {
	delegationID, err := parseIDParam(c, "id")
	if err != nil {
		return
	}
	var body RevokeDelegationBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("Invalid request body"))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	delegation, err := h.approval.RevokeDelegation(ctx, delegationID, body.RequestingUserID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, successResponse("Delegation revoked", delegation))
}

func (h *ApprovalHTTPHandler) ListDelegations(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Query("user_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("user_id query parameter required"))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	delegations, err := h.approval.GetActiveDelegations(ctx, userID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, successResponse("Active delegations retrieved", delegations))
}

func (h *ApprovalHTTPHandler) ListEligibleDelegates(c *gin.Context) {
	delegatorID, err := strconv.ParseInt(c.Query("delegator_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("delegator_id query parameter required"))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	users, err := h.approval.ListEligibleDelegates(ctx, delegatorID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, successResponse("Eligible delegates retrieved", users))
}

func (h *ApprovalHTTPHandler) ListAvailableManagers(c *gin.Context) {
	tier, err := strconv.ParseInt(c.Param("tier"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("Invalid tier"))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	managers, err := h.approval.ListAvailableManagers(ctx, int32(tier))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, successResponse("Available managers retrieved", managers))
}

func (h *ApprovalHTTPHandler) ManagerDailyStats(c *gin.Context) {
	managerID, err := parseIDParam(c, "id")
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	count, err := h.approval.GetManagerDailyCount(ctx, managerID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, successResponse("Manager stats retrieved", gin.H{
		"manager_id":      managerID,
		"decisions_today": count,
	}))
}

// --- Offline Sync Handler ---

func (h *ApprovalHTTPHandler) SyncOffline(c *gin.Context) {
	var body SyncOfflineBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("Invalid request body"))
		return
	}

	entries := make([]handler.OfflineEntryInput, 0, len(body.Entries))
	for _, entry := range body.Entries {
		entries = append(entries, handler.OfflineEntryInput{
			IdempotencyKey:    entry.IdempotencyKey,
			SalespersonID:     entry.SalespersonID,
			ManagerID:         entry.ManagerID,
			ProductID:         entry.ProductID,
			RequestedPrice:    entry.RequestedPrice,
			OfflineApprovedAt: entry.OfflineApprovedAt,
			DeviceID:          entry.DeviceID,
			ReasonCode:        entry.ReasonCode,
			Note:              entry.Note,
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	results, err := h.approval.SyncOfflineApprovals(ctx, entries)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, successResponse("Offline approvals synced", results))
}

// --- Tier Setting Handlers ---

func (h *ApprovalHTTPHandler) ListTiers(c *gin.Context) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tiers, err := h.approval.ListTierSettings(ctx)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, successResponse("Tier settings retrieved", tiers))
}

func (h *ApprovalHTTPHandler) UpdateTier(c *gin.Context) {
	var body TierSettingBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("Invalid request body"))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tier, err := h.approval.UpdateTierSetting(ctx, handler.TierSettingInput{
		TierNumber:          body.TierNumber,
		DisplayName:         body.DisplayName,
		RequiredAccessLevel: body.RequiredAccessLevel,
		DiscountMinPercent:  body.DiscountMinPercent,
		DiscountMaxPercent:  body.DiscountMaxPercent,
		MinMarginPercent:    body.MinMarginPercent,
		AllowsBelowCost:     body.AllowsBelowCost,
		TimeoutSeconds:      body.TimeoutSeconds,
		RequiresReason:      body.RequiresReason,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, successResponse("Tier setting saved", tier))
}

func parseIDParam(c *gin.Context, name string) (int64, error) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("Invalid "+name+" parameter"))
		return 0, err
	}
	return id, nil
}
