package handler

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"approvia-system/internal/database/models"
)

func newTestHandler(t *testing.T) *ApprovalHandler {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	require.NoError(t, db.AutoMigrate(
		&models.User{},
		&models.Role{},
		&models.Product{},
		&models.TierSetting{},
		&models.Delegation{},
		&models.ApprovalRequest{},
		&models.CounterOffer{},
	))

	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { redisClient.Close() })

	return NewApprovalHandler(db, redisClient, zap.NewNop())
}

// seedTestTiers installs the tier table most tests run against:
//
//	tier 1: [0%, 15%)   auto-approval
//	tier 2: [15%, 30%)  level 2, 20% margin floor, 300s timeout
//	tier 3: [30%, 50%)  level 3, reason required, 600s timeout
//	tier 4: [50%, 100%] level 4, below-cost allowed, 900s timeout
func seedTestTiers(t *testing.T, h *ApprovalHandler) {
	t.Helper()
	tiers := []models.TierSetting{
		{TierNumber: 1, DisplayName: "Auto", RequiredAccessLevel: 1,
			DiscountMinPercent: "0.00", DiscountMaxPercent: "15.00",
			MinMarginPercent: "0.00", TimeoutSeconds: 0, IsActive: true},
		{TierNumber: 2, DisplayName: "Supervisor", RequiredAccessLevel: 2,
			DiscountMinPercent: "15.00", DiscountMaxPercent: "30.00",
			MinMarginPercent: "20.00", TimeoutSeconds: 300, IsActive: true},
		{TierNumber: 3, DisplayName: "Store Manager", RequiredAccessLevel: 3,
			DiscountMinPercent: "30.00", DiscountMaxPercent: "50.00",
			MinMarginPercent: "0.00", TimeoutSeconds: 600, RequiresReason: true, IsActive: true},
		{TierNumber: 4, DisplayName: "Regional", RequiredAccessLevel: 4,
			DiscountMinPercent: "50.00", DiscountMaxPercent: "100.00",
			MinMarginPercent: "0.00", TimeoutSeconds: 900, AllowsBelowCost: true, RequiresReason: true, IsActive: true},
	}
	require.NoError(t, h.db.Create(&tiers).Error)
}

func seedUser(t *testing.T, h *ApprovalHandler, username string, accessLevel int32) models.User {
	t.Helper()
	role := models.Role{
		RoleName:    fmt.Sprintf("%s-role", username),
		AccessLevel: accessLevel,
	}
	require.NoError(t, h.db.Create(&role).Error)

	user := models.User{
		Username:  username,
		Email:     username + "@store.test",
		Firstname: username,
		Lastname:  "Test",
		RoleID:    role.ID,
		IsActive:  true,
	}
	require.NoError(t, h.db.Create(&user).Error)
	user.Role = role
	return user
}

func seedProduct(t *testing.T, h *ApprovalHandler, code, price, cost string) models.Product {
	t.Helper()
	product := models.Product{
		ProductCode:  code,
		ProductName:  "Product " + code,
		ProductPrice: price,
		CostPrice:    cost,
		IsActive:     true,
	}
	require.NoError(t, h.db.Create(&product).Error)
	return product
}

var productSeq int64

// createTier2Request stages the $500 list / $300 cost / $400 requested
// request: a 20% discount with 25% margin, which classifies tier 2.
func createTier2Request(t *testing.T, h *ApprovalHandler, salesperson models.User) *models.ApprovalRequest {
	t.Helper()
	product := seedProduct(t, h, fmt.Sprintf("SKU-%d", atomic.AddInt64(&productSeq, 1)), "500.00", "300.00")
	request, err := h.CreateRequest(context.Background(), CreateRequestInput{
		SalespersonID:  salesperson.ID,
		ProductID:      product.ID,
		RequestedPrice: "400.00",
	})
	require.NoError(t, err)
	require.Equal(t, models.StatusPending, request.Status)
	return request
}
