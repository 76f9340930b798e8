package handler

import (
	"context"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"gorm.io/gorm"

	"approvia-system/internal/database/models"
)

// TokenRedemption is what checkout receives for a redeemed token.
type TokenRedemption struct {
	RequestID     int64
	ProductID     *int32
	ApprovedPrice string
	SalespersonID int64
}

// ConsumeToken atomically redeems a single-use approval token and returns
// the approved price. The first call wins; every later call with the same
// token fails with token-already-used.
func (s *ApprovalHandler) ConsumeToken(ctx context.Context, token string, cartID, cartItemID *int64) (*TokenRedemption, error) {
	if token == "" {
		return nil, status.Error(codes.InvalidArgument, "token required")
	}

	var request models.ApprovalRequest
	if err := s.db.WithContext(ctx).
		Where("approval_token = ?", token).
		First(&request).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, status.Error(codes.NotFound, "token not found")
		}
		return nil, status.Error(codes.Internal, "failed to look up token")
	}

	if request.Status != models.StatusApproved || request.ApprovedPrice == nil {
		return nil, status.Error(codes.FailedPrecondition, "token does not belong to an approved request")
	}

	// cross-cart replay guard: a token created for one cart item cannot be
	// redeemed against another
	if request.CartItemID != nil && cartItemID != nil && *request.CartItemID != *cartItemID {
		return nil, status.Error(codes.FailedPrecondition, "token is scoped to a different cart item")
	}
	if request.CartID != nil && cartID != nil && *request.CartID != *cartID {
		return nil, status.Error(codes.FailedPrecondition, "token is scoped to a different cart")
	}

	result := s.db.WithContext(ctx).Model(&models.ApprovalRequest{}).
		Where("approval_token = ? AND redeemed_at IS NULL", token).
		Updates(map[string]interface{}{
			"redeemed_at":      time.Now(),
			"redeemed_cart_id": cartID,
		})
	if result.Error != nil {
		return nil, status.Error(codes.Internal, "failed to redeem token")
	}
	if result.RowsAffected == 0 {
		return nil, status.Error(codes.AlreadyExists, "token has already been used")
	}

	s.publishApprovalEvent(ctx, ApprovalEvent{
		EventType:     EventTokenRedeemed,
		RequestID:     request.ID,
		SalespersonID: request.SalespersonID,
		Tier:          request.Tier,
		Status:        request.Status,
	})

	return &TokenRedemption{
		RequestID:     request.ID,
		ProductID:     request.ProductID,
		ApprovedPrice: *request.ApprovedPrice,
		SalespersonID: request.SalespersonID,
	}, nil
}
