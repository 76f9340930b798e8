package handler

import (
	"context"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"gorm.io/gorm"

	"approvia-system/internal/database/models"
)

type TierSettingInput struct {
	TierNumber          int32
	DisplayName         string
	RequiredAccessLevel int32
	DiscountMinPercent  string
	DiscountMaxPercent  string
	MinMarginPercent    string
	AllowsBelowCost     bool
	TimeoutSeconds      int32
	RequiresReason      bool
}

func (s *ApprovalHandler) ListTierSettings(ctx context.Context) ([]models.TierSetting, error) {
	return s.loadTierSettings(ctx)
}

// UpdateTierSetting upserts one tier's configuration and invalidates the
// cached tier list. Requests already classified keep their recorded tier.
func (s *ApprovalHandler) UpdateTierSetting(ctx context.Context, in TierSettingInput) (*models.TierSetting, error) {
	if in.TierNumber < 1 {
		return nil, status.Error(codes.InvalidArgument, "tier_number must be 1 or higher")
	}
	if in.DisplayName == "" {
		return nil, status.Error(codes.InvalidArgument, "display_name required")
	}
	min, err := parsePercent("discount_min_percent", in.DiscountMinPercent)
	if err != nil {
		return nil, err
	}
	max, err := parsePercent("discount_max_percent", in.DiscountMaxPercent)
	if err != nil {
		return nil, err
	}
	if !max.GreaterThan(min) {
		return nil, status.Error(codes.InvalidArgument, "discount_max_percent must exceed discount_min_percent")
	}
	minMargin := "0.00"
	if in.MinMarginPercent != "" {
		m, err := parsePercent("min_margin_percent", in.MinMarginPercent)
		if err != nil {
			return nil, err
		}
		minMargin = m.StringFixed(2)
	}
	if in.TierNumber == 1 && in.RequiresReason {
		return nil, status.Error(codes.InvalidArgument, "tier 1 auto-approves and cannot require a reason")
	}

	var tier models.TierSetting
	err = s.db.WithContext(ctx).Where("tier_number = ?", in.TierNumber).First(&tier).Error
	if err != nil && err != gorm.ErrRecordNotFound {
		return nil, status.Error(codes.Internal, "failed to load tier setting")
	}

	tier.TierNumber = in.TierNumber
	tier.DisplayName = in.DisplayName
	tier.RequiredAccessLevel = in.RequiredAccessLevel
	tier.DiscountMinPercent = min.StringFixed(2)
	tier.DiscountMaxPercent = max.StringFixed(2)
	tier.MinMarginPercent = minMargin
	tier.AllowsBelowCost = in.AllowsBelowCost
	tier.TimeoutSeconds = in.TimeoutSeconds
	tier.RequiresReason = in.RequiresReason
	tier.IsActive = true

	if err := s.db.WithContext(ctx).Save(&tier).Error; err != nil {
		return nil, status.Error(codes.Internal, fmt.Sprintf("failed to save tier %d", in.TierNumber))
	}

	s.invalidateTierCache(ctx)
	return &tier, nil
}
