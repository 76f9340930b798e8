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

type DelegationInput struct {
	DelegatorID int64
	DelegateID  int64
	MaxTier     int32
	StartsAt    *time.Time // defaults to now
	ExpiresAt   time.Time
	Reason      string
}

// CreateDelegation grants time-bounded, tier-capped approval authority.
// Whether the delegator holds enough authority to delegate is the caller's
// role check; authority is re-verified against the delegator's role every
// time the delegation is used.
func (s *ApprovalHandler) CreateDelegation(ctx context.Context, in DelegationInput) (*models.Delegation, error) {
	if in.DelegatorID == 0 || in.DelegateID == 0 {
		return nil, status.Error(codes.InvalidArgument, "delegator_id and delegate_id required")
	}
	if in.DelegatorID == in.DelegateID {
		return nil, status.Error(codes.InvalidArgument, "cannot delegate to yourself")
	}
	if in.MaxTier < 2 {
		return nil, status.Error(codes.InvalidArgument, "max_tier must be 2 or higher; tier 1 needs no approval")
	}

	now := time.Now()
	startsAt := now
	if in.StartsAt != nil {
		startsAt = *in.StartsAt
	}
	if !in.ExpiresAt.After(startsAt) {
		return nil, status.Error(codes.InvalidArgument, "expires_at must be after starts_at")
	}

	tiers, err := s.loadTierSettings(ctx)
	if err != nil {
		return nil, err
	}
	if tierByNumber(tiers, in.MaxTier) == nil {
		return nil, status.Error(codes.InvalidArgument, fmt.Sprintf("tier %d is not configured", in.MaxTier))
	}

	for _, id := range []int64{in.DelegatorID, in.DelegateID} {
		var user models.User
		if err := s.db.WithContext(ctx).Where("id = ? AND is_active = ?", id, true).First(&user).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return nil, status.Error(codes.NotFound, fmt.Sprintf("user %d not found or inactive", id))
			}
			return nil, status.Error(codes.Internal, "failed to load user")
		}
	}

	delegation := models.Delegation{
		DelegatorID: in.DelegatorID,
		DelegateID:  in.DelegateID,
		MaxTier:     in.MaxTier,
		StartsAt:    startsAt,
		ExpiresAt:   in.ExpiresAt,
		Active:      true,
		Reason:      in.Reason,
	}
	if err := s.db.WithContext(ctx).Create(&delegation).Error; err != nil {
		return nil, status.Error(codes.Internal, "failed to create delegation")
	}

	s.publishApprovalEvent(ctx, ApprovalEvent{
		EventType:    EventDelegationCreated,
		ManagerID:    int64Ptr(in.DelegateID),
		Tier:         in.MaxTier,
		DelegationID: &delegation.ID,
	})

	return &delegation, nil
}

// GetActiveDelegations returns delegations where the user is the delegate and
// the validity window currently holds.
func (s *ApprovalHandler) GetActiveDelegations(ctx context.Context, userID int64) ([]models.Delegation, error) {
	if userID == 0 {
		return nil, status.Error(codes.InvalidArgument, "user_id required")
	}
	now := time.Now()
	var delegations []models.Delegation
	if err := s.db.WithContext(ctx).
		Where("delegate_id = ? AND active = ? AND starts_at <= ? AND expires_at > ?", userID, true, now, now).
		Order("expires_at asc").
		Find(&delegations).Error; err != nil {
		return nil, status.Error(codes.Internal, "failed to load delegations")
	}
	return delegations, nil
}

// RevokeDelegation deactivates a delegation. Only the original delegator may
// revoke; the change takes effect on the next authority resolution.
func (s *ApprovalHandler) RevokeDelegation(ctx context.Context, delegationID, requestingUserID int64) (*models.Delegation, error) {
	var delegation models.Delegation
	if err := s.db.WithContext(ctx).First(&delegation, delegationID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, status.Error(codes.NotFound, fmt.Sprintf("delegation %d not found", delegationID))
		}
		return nil, status.Error(codes.Internal, "failed to load delegation")
	}
	if delegation.DelegatorID != requestingUserID {
		return nil, status.Error(codes.PermissionDenied, "only the original delegator may revoke a delegation")
	}
	if !delegation.Active {
		return nil, status.Error(codes.FailedPrecondition, fmt.Sprintf("delegation %d is already revoked", delegationID))
	}

	if err := s.db.WithContext(ctx).Model(&delegation).Update("active", false).Error; err != nil {
		return nil, status.Error(codes.Internal, "failed to revoke delegation")
	}

	s.publishApprovalEvent(ctx, ApprovalEvent{
		EventType:    EventDelegationRevoked,
		ManagerID:    int64Ptr(delegation.DelegateID),
		Tier:         delegation.MaxTier,
		DelegationID: &delegation.ID,
	})

	return &delegation, nil
}

// ListEligibleDelegates returns active users a delegator could hand authority
// to.
func (s *ApprovalHandler) ListEligibleDelegates(ctx context.Context, delegatorID int64) ([]models.User, error) {
	if delegatorID == 0 {
		return nil, status.Error(codes.InvalidArgument, "delegator_id required")
	}
	var users []models.User
	if err := s.db.WithContext(ctx).Preload("Role").
		Where("id <> ? AND is_active = ?", delegatorID, true).
		Order("id asc").
		Find(&users).Error; err != nil {
		return nil, status.Error(codes.Internal, "failed to load eligible delegates")
	}
	return users, nil
}

// ListAvailableManagers returns everyone who could decide a request of the
// given tier right now: role holders plus delegates covered by an active
// delegation from a role holder.
func (s *ApprovalHandler) ListAvailableManagers(ctx context.Context, tier int32) ([]models.User, error) {
	tiers, err := s.loadTierSettings(ctx)
	if err != nil {
		return nil, err
	}
	tierSetting := tierByNumber(tiers, tier)
	if tierSetting == nil {
		return nil, status.Error(codes.NotFound, fmt.Sprintf("tier %d is not configured", tier))
	}

	var managers []models.User
	if err := s.db.WithContext(ctx).Preload("Role").
		Joins("JOIN roles ON roles.id = users.role_id").
		Where("roles.access_level >= ? AND users.is_active = ?", tierSetting.RequiredAccessLevel, true).
		Order("users.id asc").
		Find(&managers).Error; err != nil {
		return nil, status.Error(codes.Internal, "failed to load managers")
	}

	seen := make(map[int64]bool, len(managers))
	for _, m := range managers {
		seen[m.ID] = true
	}

	now := time.Now()
	var delegations []models.Delegation
	if err := s.db.WithContext(ctx).
		Where("active = ? AND max_tier >= ? AND starts_at <= ? AND expires_at > ?", true, tier, now, now).
		Find(&delegations).Error; err != nil {
		return nil, status.Error(codes.Internal, "failed to load delegations")
	}

	for _, d := range delegations {
		if seen[d.DelegateID] {
			continue
		}
		var delegator models.User
		if err := s.db.WithContext(ctx).Preload("Role").
			Where("id = ? AND is_active = ?", d.DelegatorID, true).
			First(&delegator).Error; err != nil {
			continue
		}
		if delegator.Role.AccessLevel < tierSetting.RequiredAccessLevel {
			continue
		}
		var delegate models.User
		if err := s.db.WithContext(ctx).Preload("Role").
			Where("id = ? AND is_active = ?", d.DelegateID, true).
			First(&delegate).Error; err != nil {
			continue
		}
		seen[delegate.ID] = true
		managers = append(managers, delegate)
	}

	return managers, nil
}
