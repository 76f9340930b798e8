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

// AuthorizationContext captures who is acting and which authority made the
// decision legal. It is resolved once per decision and passed down; delegation
// validity is never cached across decisions.
type AuthorizationContext struct {
	ActingUserID int64
	AccessLevel  int32
	Delegation   *models.Delegation
}

// resolveAuthority decides whether userID may act on a request of the given
// tier. Authority comes from being the assigned manager, holding the tier's
// required role, or holding an active delegation from someone who does.
func (s *ApprovalHandler) resolveAuthority(ctx context.Context, userID int64, tier int32, assignedManager *int64) (*AuthorizationContext, error) {
	var user models.User
	if err := s.db.WithContext(ctx).Preload("Role").
		Where("id = ? AND is_active = ?", userID, true).
		First(&user).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, status.Error(codes.NotFound, "deciding user not found or inactive")
		}
		return nil, status.Error(codes.Internal, "failed to load deciding user")
	}

	authCtx := &AuthorizationContext{
		ActingUserID: user.ID,
		AccessLevel:  user.Role.AccessLevel,
	}

	if assignedManager != nil && *assignedManager == userID {
		return authCtx, nil
	}

	tiers, err := s.loadTierSettings(ctx)
	if err != nil {
		return nil, err
	}
	tierSetting := tierByNumber(tiers, tier)
	if tierSetting == nil {
		return nil, status.Error(codes.FailedPrecondition, fmt.Sprintf("tier %d is not configured", tier))
	}

	if user.Role.AccessLevel >= tierSetting.RequiredAccessLevel {
		return authCtx, nil
	}

	delegation, err := s.coveringDelegation(ctx, userID, tier, tierSetting.RequiredAccessLevel)
	if err != nil {
		return nil, err
	}
	if delegation != nil {
		authCtx.Delegation = delegation
		return authCtx, nil
	}

	return nil, status.Error(codes.PermissionDenied,
		fmt.Sprintf("user %d lacks authority for tier %d and holds no covering delegation", userID, tier))
}

// coveringDelegation finds an active delegation that authorizes userID for
// tier. The delegator must themselves hold the tier's required role right
// now; delegations do not chain.
func (s *ApprovalHandler) coveringDelegation(ctx context.Context, userID int64, tier int32, requiredLevel int32) (*models.Delegation, error) {
	now := time.Now()
	var delegations []models.Delegation
	if err := s.db.WithContext(ctx).
		Where("delegate_id = ? AND active = ? AND max_tier >= ? AND starts_at <= ? AND expires_at > ?",
			userID, true, tier, now, now).
		Find(&delegations).Error; err != nil {
		return nil, status.Error(codes.Internal, "failed to load delegations")
	}

	for i := range delegations {
		var delegator models.User
		if err := s.db.WithContext(ctx).Preload("Role").
			Where("id = ? AND is_active = ?", delegations[i].DelegatorID, true).
			First(&delegator).Error; err != nil {
			continue
		}
		if delegator.Role.AccessLevel >= requiredLevel {
			return &delegations[i], nil
		}
	}
	return nil, nil
}
