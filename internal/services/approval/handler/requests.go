package handler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"gorm.io/gorm"

	"approvia-system/internal/database/models"
)

type CreateRequestInput struct {
	SalespersonID  int64
	ManagerID      *int64 // nil leaves the request in the open pool
	ProductID      int32
	RequestedPrice string
	Method         string
	ReasonCode     *string
	Note           *string
	CartID         *int64
	CartItemID     *int64
}

// CreateRequest classifies a proposed override and either auto-approves it
// (tier 1) or parks it pending a manager decision.
func (s *ApprovalHandler) CreateRequest(ctx context.Context, in CreateRequestInput) (*models.ApprovalRequest, error) {
	if in.SalespersonID == 0 {
		return nil, status.Error(codes.InvalidArgument, "salesperson_id required")
	}
	if in.ProductID == 0 {
		return nil, status.Error(codes.InvalidArgument, "product_id required")
	}
	requested, err := parsePrice("requested_price", in.RequestedPrice)
	if err != nil {
		return nil, err
	}
	method := in.Method
	if method == "" {
		method = models.MethodRemote
	}
	if method != models.MethodRemote && method != models.MethodInPerson {
		return nil, status.Error(codes.InvalidArgument, "method must be remote or in_person")
	}

	var product models.Product
	if err := s.db.WithContext(ctx).
		Where("id = ? AND is_active = ?", in.ProductID, true).
		First(&product).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, status.Error(codes.NotFound, fmt.Sprintf("product %d not found or inactive", in.ProductID))
		}
		return nil, status.Error(codes.Internal, "failed to load product")
	}

	original := mustDecimal(product.ProductPrice)
	cost := mustDecimal(product.CostPrice)
	if requested.GreaterThan(original) {
		return nil, status.Error(codes.InvalidArgument, "requested price exceeds current retail price")
	}

	tiers, err := s.loadTierSettings(ctx)
	if err != nil {
		return nil, err
	}

	discountPct := discountPercent(original, requested)
	tier, err := classifyTier(tiers, discountPct, requested, cost)
	if err != nil {
		return nil, err
	}
	marginAmount, marginPct := marginFigures(requested, cost)

	now := time.Now()
	request := models.ApprovalRequest{
		SalespersonID:   in.SalespersonID,
		ManagerID:       in.ManagerID,
		ProductID:       &product.ID,
		OriginalPrice:   original.StringFixed(2),
		RequestedPrice:  requested.StringFixed(2),
		CostAtRequest:   cost.StringFixed(2),
		DiscountPercent: discountPct.StringFixed(2),
		MarginAmount:    marginAmount.StringFixed(2),
		MarginPercent:   marginPct.StringFixed(2),
		Tier:            tier.TierNumber,
		Status:          models.StatusPending,
		Method:          method,
		ReasonCode:      in.ReasonCode,
		Note:            in.Note,
		RequestType:     models.RequestTypeSingle,
		CartID:          in.CartID,
		CartItemID:      in.CartItemID,
	}

	event := EventRequestCreated
	if tier.TierNumber == 1 {
		approved := requested.StringFixed(2)
		token := newApprovalToken()
		request.Status = models.StatusApproved
		request.Method = models.MethodAuto
		request.ApprovedPrice = &approved
		request.ApprovalToken = &token
		request.RespondedAt = &now
		event = EventRequestAutoApproved
	}

	if err := s.db.WithContext(ctx).Create(&request).Error; err != nil {
		return nil, status.Error(codes.Internal, "failed to create approval request")
	}

	s.publishApprovalEvent(ctx, ApprovalEvent{
		EventType:     event,
		RequestID:     request.ID,
		SalespersonID: request.SalespersonID,
		ManagerID:     request.ManagerID,
		Tier:          request.Tier,
		Status:        request.Status,
	})

	return &request, nil
}

func (s *ApprovalHandler) GetRequest(ctx context.Context, id int64) (*models.ApprovalRequest, error) {
	var request models.ApprovalRequest
	if err := s.db.WithContext(ctx).
		Preload("CounterOffers").
		Preload("Children").
		Preload("Product").
		First(&request, id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, status.Error(codes.NotFound, fmt.Sprintf("request %d not found", id))
		}
		return nil, status.Error(codes.Internal, "failed to load request")
	}
	return &request, nil
}

// ListPendingForManager returns open requests the manager may decide: those
// assigned to them, plus open-pool requests within their role's reach or the
// reach of an active delegation.
func (s *ApprovalHandler) ListPendingForManager(ctx context.Context, managerID int64) ([]models.ApprovalRequest, error) {
	if managerID == 0 {
		return nil, status.Error(codes.InvalidArgument, "manager_id required")
	}

	var manager models.User
	if err := s.db.WithContext(ctx).Preload("Role").
		Where("id = ? AND is_active = ?", managerID, true).
		First(&manager).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, status.Error(codes.NotFound, "manager not found or inactive")
		}
		return nil, status.Error(codes.Internal, "failed to load manager")
	}

	tiers, err := s.loadTierSettings(ctx)
	if err != nil {
		return nil, err
	}

	var pending []models.ApprovalRequest
	if err := s.db.WithContext(ctx).
		Preload("Product").
		Preload("CounterOffers", "status = ?", models.CounterPending).
		Where("status IN ? AND request_type IN ?",
			[]string{models.StatusPending, models.StatusCountered},
			[]string{models.RequestTypeSingle, models.RequestTypeBatchParent}).
		Order("created_at asc").
		Find(&pending).Error; err != nil {
		return nil, status.Error(codes.Internal, "failed to load pending requests")
	}

	visible := make([]models.ApprovalRequest, 0, len(pending))
	for _, req := range pending {
		if req.ManagerID != nil && *req.ManagerID == managerID {
			visible = append(visible, req)
			continue
		}
		tierSetting := tierByNumber(tiers, req.Tier)
		if tierSetting == nil {
			continue
		}
		if manager.Role.AccessLevel >= tierSetting.RequiredAccessLevel {
			visible = append(visible, req)
			continue
		}
		delegation, err := s.coveringDelegation(ctx, managerID, req.Tier, tierSetting.RequiredAccessLevel)
		if err != nil {
			return nil, err
		}
		if delegation != nil {
			visible = append(visible, req)
		}
	}
	return visible, nil
}

// ListProductHistory returns the override audit trail for a product, newest
// first.
func (s *ApprovalHandler) ListProductHistory(ctx context.Context, productID int32, page, pageSize int) ([]models.ApprovalRequest, int64, error) {
	if productID == 0 {
		return nil, 0, status.Error(codes.InvalidArgument, "product_id required")
	}
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	query := s.db.WithContext(ctx).Model(&models.ApprovalRequest{}).Where("product_id = ?", productID)

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, status.Error(codes.Internal, "failed to count request history")
	}

	var requests []models.ApprovalRequest
	if err := query.
		Order("created_at desc").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&requests).Error; err != nil {
		return nil, 0, status.Error(codes.Internal, "failed to load request history")
	}
	return requests, total, nil
}

// ApproveRequest is a manager decision on a single pending request. Exactly
// one decision wins; a second concurrent decision observes the request has
// left pending and fails with Aborted.
func (s *ApprovalHandler) ApproveRequest(ctx context.Context, requestID, managerID int64, note *string) (*models.ApprovalRequest, error) {
	request, err := s.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if request.RequestType != models.RequestTypeSingle {
		return nil, status.Error(codes.FailedPrecondition, "batch requests are decided through the batch endpoints")
	}
	if request.Status != models.StatusPending {
		return nil, s.invalidStateError(request, models.StatusPending)
	}

	authCtx, err := s.resolveAuthority(ctx, managerID, request.Tier, request.ManagerID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	token := newApprovalToken()
	var delegationID *int64
	if authCtx.Delegation != nil {
		delegationID = &authCtx.Delegation.ID
	}

	updates := map[string]interface{}{
		"status":         models.StatusApproved,
		"approved_price": request.RequestedPrice,
		"approval_token": token,
		"decided_by":     managerID,
		"delegation_id":  delegationID,
		"responded_at":   now,
	}
	if note != nil {
		updates["note"] = *note
	}

	result := s.db.WithContext(ctx).Model(&models.ApprovalRequest{}).
		Where("id = ? AND status = ?", requestID, models.StatusPending).
		Updates(updates)
	if result.Error != nil {
		return nil, status.Error(codes.Internal, "failed to approve request")
	}
	if result.RowsAffected == 0 {
		return nil, s.lostDecisionRace(ctx, requestID)
	}

	s.bumpManagerDailyCount(ctx, managerID)
	s.publishApprovalEvent(ctx, ApprovalEvent{
		EventType:     EventRequestApproved,
		RequestID:     requestID,
		SalespersonID: request.SalespersonID,
		ManagerID:     int64Ptr(managerID),
		Tier:          request.Tier,
		Status:        models.StatusApproved,
		DelegationID:  delegationID,
	})

	return s.GetRequest(ctx, requestID)
}

// DenyRequest rejects a pending request. Tiers may make a reason code
// mandatory.
func (s *ApprovalHandler) DenyRequest(ctx context.Context, requestID, managerID int64, reasonCode string, note *string) (*models.ApprovalRequest, error) {
	request, err := s.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if request.RequestType != models.RequestTypeSingle {
		return nil, status.Error(codes.FailedPrecondition, "batch requests are decided through the batch endpoints")
	}
	if request.Status != models.StatusPending {
		return nil, s.invalidStateError(request, models.StatusPending)
	}

	tiers, err := s.loadTierSettings(ctx)
	if err != nil {
		return nil, err
	}
	tierSetting := tierByNumber(tiers, request.Tier)
	if tierSetting != nil && tierSetting.RequiresReason && reasonCode == "" {
		return nil, status.Error(codes.InvalidArgument, fmt.Sprintf("tier %d denials require a reason code", request.Tier))
	}

	authCtx, err := s.resolveAuthority(ctx, managerID, request.Tier, request.ManagerID)
	if err != nil {
		return nil, err
	}
	var delegationID *int64
	if authCtx.Delegation != nil {
		delegationID = &authCtx.Delegation.ID
	}

	updates := map[string]interface{}{
		"status":        models.StatusDenied,
		"decided_by":    managerID,
		"delegation_id": delegationID,
		"responded_at":  time.Now(),
	}
	if reasonCode != "" {
		updates["reason_code"] = reasonCode
	}
	if note != nil {
		updates["note"] = *note
	}

	result := s.db.WithContext(ctx).Model(&models.ApprovalRequest{}).
		Where("id = ? AND status = ?", requestID, models.StatusPending).
		Updates(updates)
	if result.Error != nil {
		return nil, status.Error(codes.Internal, "failed to deny request")
	}
	if result.RowsAffected == 0 {
		return nil, s.lostDecisionRace(ctx, requestID)
	}

	s.bumpManagerDailyCount(ctx, managerID)
	s.publishApprovalEvent(ctx, ApprovalEvent{
		EventType:     EventRequestDenied,
		RequestID:     requestID,
		SalespersonID: request.SalespersonID,
		ManagerID:     int64Ptr(managerID),
		Tier:          request.Tier,
		Status:        models.StatusDenied,
	})

	return s.GetRequest(ctx, requestID)
}

// CancelRequest lets the requesting salesperson withdraw a request that has
// not been decided yet. Cancellation never interrupts an in-flight decision;
// whichever operation lands second is rejected.
func (s *ApprovalHandler) CancelRequest(ctx context.Context, requestID, salespersonID int64) (*models.ApprovalRequest, error) {
	request, err := s.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if request.SalespersonID != salespersonID {
		return nil, status.Error(codes.PermissionDenied, "only the requesting salesperson may cancel")
	}
	if models.IsTerminalStatus(request.Status) {
		return nil, s.invalidStateError(request, "pending or countered")
	}

	now := time.Now()
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.ApprovalRequest{}).
			Where("id = ? AND status IN ?", requestID, []string{models.StatusPending, models.StatusCountered}).
			Updates(map[string]interface{}{
				"status":       models.StatusCancelled,
				"responded_at": now,
			})
		if result.Error != nil {
			return status.Error(codes.Internal, "failed to cancel request")
		}
		if result.RowsAffected == 0 {
			return s.lostDecisionRace(ctx, requestID)
		}
		return tx.Model(&models.CounterOffer{}).
			Where("request_id = ? AND status = ?", requestID, models.CounterPending).
			Updates(map[string]interface{}{"status": models.CounterDeclined, "resolved_at": now}).Error
	})
	if err != nil {
		if _, ok := status.FromError(err); ok {
			return nil, err
		}
		return nil, status.Error(codes.Internal, "failed to cancel request")
	}

	s.publishApprovalEvent(ctx, ApprovalEvent{
		EventType:     EventRequestCancelled,
		RequestID:     requestID,
		SalespersonID: salespersonID,
		Tier:          request.Tier,
		Status:        models.StatusCancelled,
	})

	return s.GetRequest(ctx, requestID)
}

// SweepTimeouts expires requests whose tier timeout elapsed without a
// decision. Requests resolved by the time the sweep runs are untouched; the
// conditional update only ever moves pending/countered rows.
func (s *ApprovalHandler) SweepTimeouts(ctx context.Context) (int, error) {
	tiers, err := s.loadTierSettings(ctx)
	if err != nil {
		return 0, err
	}

	now := time.Now()
	expired := 0
	for _, tier := range tiers {
		if tier.TimeoutSeconds <= 0 {
			continue
		}
		cutoff := now.Add(-time.Duration(tier.TimeoutSeconds) * time.Second)

		var candidates []models.ApprovalRequest
		if err := s.db.WithContext(ctx).
			Where("status IN ? AND tier = ? AND created_at <= ?",
				[]string{models.StatusPending, models.StatusCountered}, tier.TierNumber, cutoff).
			Find(&candidates).Error; err != nil {
			return expired, status.Error(codes.Internal, "failed to load timeout candidates")
		}

		for _, candidate := range candidates {
			var swept bool
			err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
				result := tx.Model(&models.ApprovalRequest{}).
					Where("id = ? AND status IN ?", candidate.ID,
						[]string{models.StatusPending, models.StatusCountered}).
					Updates(map[string]interface{}{
						"status":       models.StatusTimedOut,
						"responded_at": now,
					})
				if result.Error != nil {
					return result.Error
				}
				if result.RowsAffected == 0 {
					return nil // resolved since we selected it
				}
				swept = true
				return tx.Model(&models.CounterOffer{}).
					Where("request_id = ? AND status = ?", candidate.ID, models.CounterPending).
					Updates(map[string]interface{}{"status": models.CounterDeclined, "resolved_at": now}).Error
			})
			if err != nil {
				return expired, status.Error(codes.Internal, "failed to expire request")
			}
			if !swept {
				continue
			}
			expired++
			s.publishApprovalEvent(ctx, ApprovalEvent{
				EventType:     EventRequestTimedOut,
				RequestID:     candidate.ID,
				SalespersonID: candidate.SalespersonID,
				ManagerID:     candidate.ManagerID,
				Tier:          candidate.Tier,
				Status:        models.StatusTimedOut,
			})
		}
	}

	if expired > 0 {
		s.logger.Info("timeout sweep expired requests", zap.Int("count", expired))
	}
	return expired, nil
}

// invalidStateError reports a transition attempted from a state that does not
// permit it.
func (s *ApprovalHandler) invalidStateError(request *models.ApprovalRequest, wanted string) error {
	return status.Error(codes.FailedPrecondition,
		fmt.Sprintf("request %d is %s, expected %s", request.ID, request.Status, wanted))
}

// lostDecisionRace is returned when a conditional update matched zero rows:
// another caller resolved the request between our read and our write.
func (s *ApprovalHandler) lostDecisionRace(ctx context.Context, requestID int64) error {
	var current models.ApprovalRequest
	if err := s.db.WithContext(ctx).First(&current, requestID).Error; err != nil {
		return status.Error(codes.Aborted, fmt.Sprintf("request %d was concurrently resolved", requestID))
	}
	return status.Error(codes.Aborted,
		fmt.Sprintf("request %d was concurrently resolved to %s", requestID, current.Status))
}
