package database

import (
	"log"

	"gorm.io/gorm"

	"approvia-system/internal/database/models"
)

// SeedTierSettings installs the default override tiers when none are configured.
// Tier 1 is the auto-approval band and never requires a human decision.
func SeedTierSettings(db *gorm.DB) error {
	var count int64
	if err := db.Model(&models.TierSetting{}).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	tiers := []models.TierSetting{
		{
			TierNumber:          1,
			DisplayName:         "Auto Approval",
			RequiredAccessLevel: 1,
			DiscountMinPercent:  "0.00",
			DiscountMaxPercent:  "10.00",
			MinMarginPercent:    "0.00",
			AllowsBelowCost:     false,
			TimeoutSeconds:      0,
			RequiresReason:      false,
			IsActive:            true,
		},
		{
			TierNumber:          2,
			DisplayName:         "Shift Supervisor",
			RequiredAccessLevel: 2,
			DiscountMinPercent:  "10.00",
			DiscountMaxPercent:  "25.00",
			MinMarginPercent:    "15.00",
			AllowsBelowCost:     false,
			TimeoutSeconds:      300,
			RequiresReason:      false,
			IsActive:            true,
		},
		{
			TierNumber:          3,
			DisplayName:         "Store Manager",
			RequiredAccessLevel: 3,
			DiscountMinPercent:  "25.00",
			DiscountMaxPercent:  "40.00",
			MinMarginPercent:    "5.00",
			AllowsBelowCost:     false,
			TimeoutSeconds:      600,
			RequiresReason:      true,
			IsActive:            true,
		},
		{
			TierNumber:          4,
			DisplayName:         "Regional Manager",
			RequiredAccessLevel: 4,
			DiscountMinPercent:  "40.00",
			DiscountMaxPercent:  "100.00",
			MinMarginPercent:    "0.00",
			AllowsBelowCost:     true,
			TimeoutSeconds:      1800,
			RequiresReason:      true,
			IsActive:            true,
		},
	}

	if err := db.Create(&tiers).Error; err != nil {
		return err
	}
	log.Printf("Seeded %d default tier settings", len(tiers))
	return nil
}
