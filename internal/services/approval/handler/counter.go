package handler

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"gorm.io/gorm"

	"approvia-system/internal/database/models"
)

type CounterOfferInput struct {
	RequestID     int64
	ManagerID     int64
	ProposedPrice string
	Note          *string
}

// CreateCounterOffer proposes an alternate price instead of a binary decision.
// Creating a new counter while one is unresolved supersedes the prior one, so
// at most one counter-offer is ever outstanding per request.
func (s *ApprovalHandler) CreateCounterOffer(ctx context.Context, in CounterOfferInput) (*models.CounterOffer, error) {
	proposed, err := parsePrice("proposed_price", in.ProposedPrice)
	if err != nil {
		return nil, err
	}

	request, err := s.GetRequest(ctx, in.RequestID)
	if err != nil {
		return nil, err
	}
	if request.RequestType != models.RequestTypeSingle {
		return nil, status.Error(codes.FailedPrecondition, "counter-offers apply to single requests only")
	}
	if request.Status != models.StatusPending && request.Status != models.StatusCountered {
		return nil, s.invalidStateError(request, "pending or countered")
	}

	original := mustDecimal(request.OriginalPrice)
	if proposed.GreaterThan(original) {
		return nil, status.Error(codes.InvalidArgument, "proposed price exceeds the original price")
	}

	if _, err := s.resolveAuthority(ctx, in.ManagerID, request.Tier, request.ManagerID); err != nil {
		return nil, err
	}

	cost := mustDecimal(request.CostAtRequest)
	marginAmount, marginPct := marginFigures(proposed, cost)

	now := time.Now()
	counter := models.CounterOffer{
		RequestID:     request.ID,
		ManagerID:     in.ManagerID,
		ProposedPrice: proposed.StringFixed(2),
		MarginAmount:  marginAmount.StringFixed(2),
		MarginPercent: marginPct.StringFixed(2),
		Status:        models.CounterPending,
		Note:          in.Note,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// supersede any unresolved counter before recording the new one
		if err := tx.Model(&models.CounterOffer{}).
			Where("request_id = ? AND status = ?", request.ID, models.CounterPending).
			Updates(map[string]interface{}{"status": models.CounterDeclined, "resolved_at": now}).Error; err != nil {
			return status.Error(codes.Internal, "failed to supersede prior counter-offer")
		}

		if err := tx.Create(&counter).Error; err != nil {
			return status.Error(codes.Internal, "failed to create counter-offer")
		}

		result := tx.Model(&models.ApprovalRequest{}).
			Where("id = ? AND status IN ?", request.ID, []string{models.StatusPending, models.StatusCountered}).
			Update("status", models.StatusCountered)
		if result.Error != nil {
			return status.Error(codes.Internal, "failed to move request to countered")
		}
		if result.RowsAffected == 0 {
			return s.lostDecisionRace(ctx, request.ID)
		}
		return nil
	})
	if err != nil {
		if _, ok := status.FromError(err); ok {
			return nil, err
		}
		return nil, status.Error(codes.Internal, "failed to create counter-offer")
	}

	s.publishApprovalEvent(ctx, ApprovalEvent{
		EventType:     EventRequestCountered,
		RequestID:     request.ID,
		SalespersonID: request.SalespersonID,
		ManagerID:     int64Ptr(in.ManagerID),
		Tier:          request.Tier,
		Status:        models.StatusCountered,
	})

	return &counter, nil
}

// AcceptCounterOffer is a salesperson-only action: the approved price becomes
// the counter price and a token is issued.
func (s *ApprovalHandler) AcceptCounterOffer(ctx context.Context, requestID, salespersonID int64) (*models.ApprovalRequest, error) {
	request, err := s.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if request.SalespersonID != salespersonID {
		return nil, status.Error(codes.PermissionDenied, "only the requesting salesperson may accept a counter-offer")
	}
	if request.Status != models.StatusCountered {
		return nil, s.invalidStateError(request, models.StatusCountered)
	}

	counter, err := s.outstandingCounter(ctx, requestID)
	if err != nil {
		return nil, err
	}

	cost := mustDecimal(request.CostAtRequest)
	proposed := mustDecimal(counter.ProposedPrice)
	marginAmount, marginPct := marginFigures(proposed, cost)

	now := time.Now()
	token := newApprovalToken()
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.ApprovalRequest{}).
			Where("id = ? AND status = ?", requestID, models.StatusCountered).
			Updates(map[string]interface{}{
				"status":         models.StatusApproved,
				"approved_price": counter.ProposedPrice,
				"margin_amount":  marginAmount.StringFixed(2),
				"margin_percent": marginPct.StringFixed(2),
				"approval_token": token,
				"decided_by":     counter.ManagerID,
				"responded_at":   now,
			})
		if result.Error != nil {
			return status.Error(codes.Internal, "failed to accept counter-offer")
		}
		if result.RowsAffected == 0 {
			return s.lostDecisionRace(ctx, requestID)
		}

		counterResult := tx.Model(&models.CounterOffer{}).
			Where("id = ? AND status = ?", counter.ID, models.CounterPending).
			Updates(map[string]interface{}{"status": models.CounterAccepted, "resolved_at": now})
		if counterResult.Error != nil {
			return status.Error(codes.Internal, "failed to resolve counter-offer")
		}
		if counterResult.RowsAffected == 0 {
			return status.Error(codes.Aborted, fmt.Sprintf("counter-offer %d was concurrently resolved", counter.ID))
		}
		return nil
	})
	if err != nil {
		if _, ok := status.FromError(err); ok {
			return nil, err
		}
		return nil, status.Error(codes.Internal, "failed to accept counter-offer")
	}

	s.publishApprovalEvent(ctx, ApprovalEvent{
		EventType:     EventCounterAccepted,
		RequestID:     requestID,
		SalespersonID: salespersonID,
		ManagerID:     int64Ptr(counter.ManagerID),
		Tier:          request.Tier,
		Status:        models.StatusApproved,
	})

	return s.GetRequest(ctx, requestID)
}

// DeclineCounterOffer returns the request to the decision pool; it does not
// terminate the negotiation.
func (s *ApprovalHandler) DeclineCounterOffer(ctx context.Context, requestID, salespersonID int64) (*models.ApprovalRequest, error) {
	request, err := s.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if request.SalespersonID != salespersonID {
		return nil, status.Error(codes.PermissionDenied, "only the requesting salesperson may decline a counter-offer")
	}
	if request.Status != models.StatusCountered {
		return nil, s.invalidStateError(request, models.StatusCountered)
	}

	counter, err := s.outstandingCounter(ctx, requestID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.ApprovalRequest{}).
			Where("id = ? AND status = ?", requestID, models.StatusCountered).
			Update("status", models.StatusPending)
		if result.Error != nil {
			return status.Error(codes.Internal, "failed to decline counter-offer")
		}
		if result.RowsAffected == 0 {
			return s.lostDecisionRace(ctx, requestID)
		}

		return tx.Model(&models.CounterOffer{}).
			Where("id = ? AND status = ?", counter.ID, models.CounterPending).
			Updates(map[string]interface{}{"status": models.CounterDeclined, "resolved_at": now}).Error
	})
	if err != nil {
		if _, ok := status.FromError(err); ok {
			return nil, err
		}
		return nil, status.Error(codes.Internal, "failed to decline counter-offer")
	}

	s.publishApprovalEvent(ctx, ApprovalEvent{
		EventType:     EventCounterDeclined,
		RequestID:     requestID,
		SalespersonID: salespersonID,
		ManagerID:     int64Ptr(counter.ManagerID),
		Tier:          request.Tier,
		Status:        models.StatusPending,
	})

	return s.GetRequest(ctx, requestID)
}

func (s *ApprovalHandler) outstandingCounter(ctx context.Context, requestID int64) (*models.CounterOffer, error) {
	var counter models.CounterOffer
	if err := s.db.WithContext(ctx).
		Where("request_id = ? AND status = ?", requestID, models.CounterPending).
		Order("created_at desc").
		First(&counter).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, status.Error(codes.FailedPrecondition,
				fmt.Sprintf("request %d has no outstanding counter-offer", requestID))
		}
		return nil, status.Error(codes.Internal, "failed to load counter-offer")
	}
	return &counter, nil
}
