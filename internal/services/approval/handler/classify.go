package handler

import (
	"fmt"

	"github.com/shopspring/decimal"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"approvia-system/internal/database/models"
)

var oneHundred = decimal.NewFromInt(100)

// mustDecimal parses amounts that came out of our own columns. The stored
// values are always written through StringFixed, so a parse failure here
// means corrupted data, not caller input.
func mustDecimal(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

func parsePrice(field, s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, status.Error(codes.InvalidArgument, field+" required")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, status.Error(codes.InvalidArgument, "invalid "+field+" format")
	}
	if !d.IsPositive() {
		return decimal.Zero, status.Error(codes.InvalidArgument, field+" must be greater than zero")
	}
	return d, nil
}

func parsePercent(field, s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, status.Error(codes.InvalidArgument, field+" required")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, status.Error(codes.InvalidArgument, "invalid "+field+" format")
	}
	if d.IsNegative() || d.GreaterThan(oneHundred) {
		return decimal.Zero, status.Error(codes.InvalidArgument, field+" must be between 0 and 100")
	}
	return d, nil
}

// discountPercent = (original - requested) / original * 100, half-up to 2dp.
func discountPercent(original, requested decimal.Decimal) decimal.Decimal {
	if original.IsZero() {
		return decimal.Zero
	}
	return original.Sub(requested).Div(original).Mul(oneHundred).Round(2)
}

// marginFigures returns the margin dollar amount and percent for a sale at
// price with the given cost. Percent is amount / price * 100, half-up to 2dp,
// so stored percentages are reproducible from stored amounts.
func marginFigures(price, cost decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	amount := price.Sub(cost)
	if price.IsZero() {
		return amount, decimal.Zero
	}
	percent := amount.Div(price).Mul(oneHundred).Round(2)
	return amount, percent
}

// classifyTier walks the ordered tier list and returns the first tier whose
// discount range contains the value. The below-cost and minimum-margin checks
// are hard floors: a tier that disallows them rejects the request outright.
func classifyTier(tiers []models.TierSetting, discountPct, requestedPrice, cost decimal.Decimal) (*models.TierSetting, error) {
	var matched *models.TierSetting
	for i := range tiers {
		min := mustDecimal(tiers[i].DiscountMinPercent)
		max := mustDecimal(tiers[i].DiscountMaxPercent)
		inRange := discountPct.GreaterThanOrEqual(min) && discountPct.LessThan(max)
		// the last tier's upper bound is inclusive so 100% stays classifiable
		if i == len(tiers)-1 {
			inRange = discountPct.GreaterThanOrEqual(min) && discountPct.LessThanOrEqual(max)
		}
		if inRange {
			matched = &tiers[i]
			break
		}
	}
	if matched == nil {
		return nil, status.Error(codes.InvalidArgument,
			fmt.Sprintf("discount of %s%% does not fall within any configured tier", discountPct.StringFixed(2)))
	}

	if requestedPrice.LessThan(cost) && !matched.AllowsBelowCost {
		return nil, status.Error(codes.OutOfRange,
			fmt.Sprintf("requested price %s is below cost %s, which tier %d does not permit",
				requestedPrice.StringFixed(2), cost.StringFixed(2), matched.TierNumber))
	}

	minMargin := mustDecimal(matched.MinMarginPercent)
	if minMargin.IsPositive() {
		_, marginPct := marginFigures(requestedPrice, cost)
		if marginPct.LessThan(minMargin) {
			return nil, status.Error(codes.OutOfRange,
				fmt.Sprintf("margin of %s%% is below the %s%% floor for tier %d",
					marginPct.StringFixed(2), minMargin.StringFixed(2), matched.TierNumber))
		}
	}

	return matched, nil
}
