package handler

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"gorm.io/gorm"

	"approvia-system/internal/database/models"
)

type BatchItemInput struct {
	ProductID      int32
	RequestedPrice string
	CartItemID     *int64
}

type BatchInput struct {
	SalespersonID int64
	ManagerID     *int64
	Label         *string
	CartID        *int64
	Items         []BatchItemInput
}

type BatchAdjustment struct {
	RequestID     int64
	ApprovedPrice string
}

// CreateBatchRequest records one parent request plus a child per item,
// atomically. The parent's tier is the most severe tier among the items; if
// every item is tier 1 the whole batch auto-approves and each child gets its
// own token.
func (s *ApprovalHandler) CreateBatchRequest(ctx context.Context, in BatchInput) (*models.ApprovalRequest, error) {
	if in.SalespersonID == 0 {
		return nil, status.Error(codes.InvalidArgument, "salesperson_id required")
	}
	if len(in.Items) == 0 {
		return nil, status.Error(codes.InvalidArgument, "batch must contain at least one item")
	}

	tiers, err := s.loadTierSettings(ctx)
	if err != nil {
		return nil, err
	}

	type classifiedItem struct {
		input     BatchItemInput
		product   models.Product
		requested decimal.Decimal
		original  decimal.Decimal
		cost      decimal.Decimal
		tier      *models.TierSetting
	}

	items := make([]classifiedItem, 0, len(in.Items))
	var maxTier int32
	totalOriginal, totalRequested, totalCost := decimal.Zero, decimal.Zero, decimal.Zero

	for i, item := range in.Items {
		requested, err := parsePrice(fmt.Sprintf("items[%d].requested_price", i), item.RequestedPrice)
		if err != nil {
			return nil, err
		}

		var product models.Product
		if err := s.db.WithContext(ctx).
			Where("id = ? AND is_active = ?", item.ProductID, true).
			First(&product).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return nil, status.Error(codes.NotFound, fmt.Sprintf("product %d not found or inactive", item.ProductID))
			}
			return nil, status.Error(codes.Internal, "failed to load product")
		}

		original := mustDecimal(product.ProductPrice)
		cost := mustDecimal(product.CostPrice)
		if requested.GreaterThan(original) {
			return nil, status.Error(codes.InvalidArgument,
				fmt.Sprintf("items[%d]: requested price exceeds current retail price", i))
		}

		tier, err := classifyTier(tiers, discountPercent(original, requested), requested, cost)
		if err != nil {
			return nil, err
		}
		if tier.TierNumber > maxTier {
			maxTier = tier.TierNumber
		}

		totalOriginal = totalOriginal.Add(original)
		totalRequested = totalRequested.Add(requested)
		totalCost = totalCost.Add(cost)
		items = append(items, classifiedItem{
			input: item, product: product,
			requested: requested, original: original, cost: cost, tier: tier,
		})
	}

	allAutoApproved := maxTier == 1
	now := time.Now()
	parentMarginAmount, parentMarginPct := marginFigures(totalRequested, totalCost)

	parent := models.ApprovalRequest{
		SalespersonID:   in.SalespersonID,
		ManagerID:       in.ManagerID,
		OriginalPrice:   totalOriginal.StringFixed(2),
		RequestedPrice:  totalRequested.StringFixed(2),
		CostAtRequest:   totalCost.StringFixed(2),
		DiscountPercent: discountPercent(totalOriginal, totalRequested).StringFixed(2),
		MarginAmount:    parentMarginAmount.StringFixed(2),
		MarginPercent:   parentMarginPct.StringFixed(2),
		Tier:            maxTier,
		Status:          models.StatusPending,
		Method:          models.MethodRemote,
		RequestType:     models.RequestTypeBatchParent,
		BatchLabel:      in.Label,
		CartID:          in.CartID,
	}
	if allAutoApproved {
		approved := totalRequested.StringFixed(2)
		parent.Status = models.StatusApproved
		parent.Method = models.MethodAuto
		parent.ApprovedPrice = &approved
		parent.RespondedAt = &now
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&parent).Error; err != nil {
			return err
		}
		for _, item := range items {
			marginAmount, marginPct := marginFigures(item.requested, item.cost)
			child := models.ApprovalRequest{
				SalespersonID:   in.SalespersonID,
				ManagerID:       in.ManagerID,
				ProductID:       &item.product.ID,
				OriginalPrice:   item.original.StringFixed(2),
				RequestedPrice:  item.requested.StringFixed(2),
				CostAtRequest:   item.cost.StringFixed(2),
				DiscountPercent: discountPercent(item.original, item.requested).StringFixed(2),
				MarginAmount:    marginAmount.StringFixed(2),
				MarginPercent:   marginPct.StringFixed(2),
				Tier:            item.tier.TierNumber,
				Status:          models.StatusPending,
				Method:          models.MethodRemote,
				RequestType:     models.RequestTypeBatchChild,
				ParentRequestID: &parent.ID,
				BatchLabel:      in.Label,
				CartID:          in.CartID,
				CartItemID:      item.input.CartItemID,
			}
			if allAutoApproved {
				approved := item.requested.StringFixed(2)
				token := newApprovalToken()
				child.Status = models.StatusApproved
				child.Method = models.MethodAuto
				child.ApprovedPrice = &approved
				child.ApprovalToken = &token
				child.RespondedAt = &now
			}
			if err := tx.Create(&child).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, status.Error(codes.Internal, "failed to create batch request")
	}

	s.publishApprovalEvent(ctx, ApprovalEvent{
		EventType:     EventBatchCreated,
		RequestID:     parent.ID,
		SalespersonID: in.SalespersonID,
		ManagerID:     in.ManagerID,
		Tier:          maxTier,
		Status:        parent.Status,
	})
	if allAutoApproved {
		s.publishApprovalEvent(ctx, ApprovalEvent{
			EventType:     EventRequestAutoApproved,
			RequestID:     parent.ID,
			SalespersonID: in.SalespersonID,
			Tier:          maxTier,
			Status:        models.StatusApproved,
		})
	}

	return s.GetBatchRequest(ctx, parent.ID)
}

func (s *ApprovalHandler) GetBatchRequest(ctx context.Context, parentID int64) (*models.ApprovalRequest, error) {
	var parent models.ApprovalRequest
	if err := s.db.WithContext(ctx).
		Preload("Children").
		Preload("Children.Product").
		First(&parent, parentID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, status.Error(codes.NotFound, fmt.Sprintf("batch request %d not found", parentID))
		}
		return nil, status.Error(codes.Internal, "failed to load batch request")
	}
	if parent.RequestType != models.RequestTypeBatchParent {
		return nil, status.Error(codes.FailedPrecondition, fmt.Sprintf("request %d is not a batch parent", parentID))
	}
	return &parent, nil
}

// ApproveBatchRequest resolves every child: children without a per-item
// adjustment inherit the manager's decision at their requested price,
// adjusted children get their own approved price. The whole operation is
// atomic.
func (s *ApprovalHandler) ApproveBatchRequest(ctx context.Context, parentID, managerID int64, adjustments []BatchAdjustment, note *string) (*models.ApprovalRequest, error) {
	parent, err := s.GetBatchRequest(ctx, parentID)
	if err != nil {
		return nil, err
	}
	if parent.Status != models.StatusPending {
		return nil, s.invalidStateError(parent, models.StatusPending)
	}

	authCtx, err := s.resolveAuthority(ctx, managerID, parent.Tier, parent.ManagerID)
	if err != nil {
		return nil, err
	}
	var delegationID *int64
	if authCtx.Delegation != nil {
		delegationID = &authCtx.Delegation.ID
	}

	adjusted := make(map[int64]decimal.Decimal, len(adjustments))
	for i, adj := range adjustments {
		price, err := parsePrice(fmt.Sprintf("adjustments[%d].approved_price", i), adj.ApprovedPrice)
		if err != nil {
			return nil, err
		}
		adjusted[adj.RequestID] = price
	}
	for id := range adjusted {
		found := false
		for _, child := range parent.Children {
			if child.ID == id {
				found = true
				break
			}
		}
		if !found {
			return nil, status.Error(codes.InvalidArgument,
				fmt.Sprintf("adjustment targets request %d, which is not a child of batch %d", id, parentID))
		}
	}

	now := time.Now()
	totalApproved := decimal.Zero
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, child := range parent.Children {
			price := mustDecimal(child.RequestedPrice)
			if adj, ok := adjusted[child.ID]; ok {
				if adj.GreaterThan(mustDecimal(child.OriginalPrice)) {
					return status.Error(codes.InvalidArgument,
						fmt.Sprintf("adjusted price for request %d exceeds its original price", child.ID))
				}
				price = adj
			}
			marginAmount, marginPct := marginFigures(price, mustDecimal(child.CostAtRequest))
			token := newApprovalToken()

			result := tx.Model(&models.ApprovalRequest{}).
				Where("id = ? AND status = ?", child.ID, models.StatusPending).
				Updates(map[string]interface{}{
					"status":         models.StatusApproved,
					"approved_price": price.StringFixed(2),
					"margin_amount":  marginAmount.StringFixed(2),
					"margin_percent": marginPct.StringFixed(2),
					"approval_token": token,
					"decided_by":     managerID,
					"delegation_id":  delegationID,
					"responded_at":   now,
				})
			if result.Error != nil {
				return status.Error(codes.Internal, "failed to approve batch child")
			}
			if result.RowsAffected == 0 {
				return s.lostDecisionRace(ctx, child.ID)
			}
			totalApproved = totalApproved.Add(price)
		}

		updates := map[string]interface{}{
			"status":         models.StatusApproved,
			"approved_price": totalApproved.StringFixed(2),
			"decided_by":     managerID,
			"delegation_id":  delegationID,
			"responded_at":   now,
		}
		if note != nil {
			updates["note"] = *note
		}
		result := tx.Model(&models.ApprovalRequest{}).
			Where("id = ? AND status = ?", parentID, models.StatusPending).
			Updates(updates)
		if result.Error != nil {
			return status.Error(codes.Internal, "failed to approve batch parent")
		}
		if result.RowsAffected == 0 {
			return s.lostDecisionRace(ctx, parentID)
		}
		return nil
	})
	if err != nil {
		if _, ok := status.FromError(err); ok {
			return nil, err
		}
		return nil, status.Error(codes.Internal, "failed to approve batch request")
	}

	s.bumpManagerDailyCount(ctx, managerID)
	s.publishApprovalEvent(ctx, ApprovalEvent{
		EventType:     EventRequestApproved,
		RequestID:     parentID,
		SalespersonID: parent.SalespersonID,
		ManagerID:     int64Ptr(managerID),
		Tier:          parent.Tier,
		Status:        models.StatusApproved,
		DelegationID:  delegationID,
	})

	return s.GetBatchRequest(ctx, parentID)
}

// DenyBatchRequest cascades denial to every child; no child stays pending
// once the parent is resolved.
func (s *ApprovalHandler) DenyBatchRequest(ctx context.Context, parentID, managerID int64, reasonCode string, note *string) (*models.ApprovalRequest, error) {
	parent, err := s.GetBatchRequest(ctx, parentID)
	if err != nil {
		return nil, err
	}
	if parent.Status != models.StatusPending {
		return nil, s.invalidStateError(parent, models.StatusPending)
	}

	tiers, err := s.loadTierSettings(ctx)
	if err != nil {
		return nil, err
	}
	tierSetting := tierByNumber(tiers, parent.Tier)
	if tierSetting != nil && tierSetting.RequiresReason && reasonCode == "" {
		return nil, status.Error(codes.InvalidArgument, fmt.Sprintf("tier %d denials require a reason code", parent.Tier))
	}

	authCtx, err := s.resolveAuthority(ctx, managerID, parent.Tier, parent.ManagerID)
	if err != nil {
		return nil, err
	}
	var delegationID *int64
	if authCtx.Delegation != nil {
		delegationID = &authCtx.Delegation.ID
	}

	now := time.Now()
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updates := map[string]interface{}{
			"status":        models.StatusDenied,
			"decided_by":    managerID,
			"delegation_id": delegationID,
			"responded_at":  now,
		}
		if reasonCode != "" {
			updates["reason_code"] = reasonCode
		}
		if note != nil {
			updates["note"] = *note
		}

		result := tx.Model(&models.ApprovalRequest{}).
			Where("id = ? AND status = ?", parentID, models.StatusPending).
			Updates(updates)
		if result.Error != nil {
			return status.Error(codes.Internal, "failed to deny batch parent")
		}
		if result.RowsAffected == 0 {
			return s.lostDecisionRace(ctx, parentID)
		}

		return tx.Model(&models.ApprovalRequest{}).
			Where("parent_request_id = ? AND status = ?", parentID, models.StatusPending).
			Updates(map[string]interface{}{
				"status":       models.StatusDenied,
				"decided_by":   managerID,
				"responded_at": now,
			}).Error
	})
	if err != nil {
		if _, ok := status.FromError(err); ok {
			return nil, err
		}
		return nil, status.Error(codes.Internal, "failed to deny batch request")
	}

	s.bumpManagerDailyCount(ctx, managerID)
	s.publishApprovalEvent(ctx, ApprovalEvent{
		EventType:     EventRequestDenied,
		RequestID:     parentID,
		SalespersonID: parent.SalespersonID,
		ManagerID:     int64Ptr(managerID),
		Tier:          parent.Tier,
		Status:        models.StatusDenied,
	})

	return s.GetBatchRequest(ctx, parentID)
}

// RedeemedItem is one child's payout from a batch token redemption.
type RedeemedItem struct {
	RequestID     int64
	ProductID     *int32
	ApprovedPrice string
}

// ConsumeBatchTokens redeems every child token in one operation. Batch
// fulfillment is all-or-nothing: one invalid child token fails the whole
// call and leaves every token unredeemed.
func (s *ApprovalHandler) ConsumeBatchTokens(ctx context.Context, parentID int64, cartID *int64) ([]RedeemedItem, error) {
	parent, err := s.GetBatchRequest(ctx, parentID)
	if err != nil {
		return nil, err
	}
	if parent.Status != models.StatusApproved {
		return nil, s.invalidStateError(parent, models.StatusApproved)
	}

	now := time.Now()
	redeemed := make([]RedeemedItem, 0, len(parent.Children))
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, child := range parent.Children {
			if child.Status != models.StatusApproved || child.ApprovalToken == nil {
				return status.Error(codes.FailedPrecondition,
					fmt.Sprintf("request %d in batch %d has no redeemable token", child.ID, parentID))
			}

			result := tx.Model(&models.ApprovalRequest{}).
				Where("id = ? AND redeemed_at IS NULL", child.ID).
				Updates(map[string]interface{}{
					"redeemed_at":      now,
					"redeemed_cart_id": cartID,
				})
			if result.Error != nil {
				return status.Error(codes.Internal, "failed to redeem batch token")
			}
			if result.RowsAffected == 0 {
				return status.Error(codes.AlreadyExists,
					fmt.Sprintf("token for request %d in batch %d has already been used", child.ID, parentID))
			}
			redeemed = append(redeemed, RedeemedItem{
				RequestID:     child.ID,
				ProductID:     child.ProductID,
				ApprovedPrice: *child.ApprovedPrice,
			})
		}

		return tx.Model(&models.ApprovalRequest{}).
			Where("id = ? AND redeemed_at IS NULL", parentID).
			Updates(map[string]interface{}{
				"redeemed_at":      now,
				"redeemed_cart_id": cartID,
			}).Error
	})
	if err != nil {
		if _, ok := status.FromError(err); ok {
			return nil, err
		}
		return nil, status.Error(codes.Internal, "failed to consume batch tokens")
	}

	s.publishApprovalEvent(ctx, ApprovalEvent{
		EventType:     EventTokenRedeemed,
		RequestID:     parentID,
		SalespersonID: parent.SalespersonID,
		Tier:          parent.Tier,
		Status:        models.StatusApproved,
	})

	return redeemed, nil
}
