package handler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"approvia-system/internal/database/models"
)

func TestSyncOfflineApprovals(t *testing.T) {
	h := newTestHandler(t)
	seedTestTiers(t, h)
	ctx := context.Background()
	sales := seedUser(t, h, "sales", 1)
	manager := seedUser(t, h, "manager", 2)
	product := seedProduct(t, h, "SKU-O", "500.00", "300.00")
	approvedAt := time.Now().Add(-30 * time.Minute)

	results, err := h.SyncOfflineApprovals(ctx, []OfflineEntryInput{{
		IdempotencyKey:    "device-1:1001",
		SalespersonID:     sales.ID,
		ManagerID:         manager.ID,
		ProductID:         product.ID,
		RequestedPrice:    "400.00",
		OfflineApprovedAt: approvedAt,
		DeviceID:          "device-1",
	}})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.False(t, results[0].Deduplicated)
	require.NotNil(t, results[0].Token)
	require.Nil(t, results[0].Error)

	stored, err := h.GetRequest(ctx, results[0].RequestID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusApproved, stored.Status)
	assert.Equal(t, models.MethodPinOffline, stored.Method)
	assert.Equal(t, int32(2), stored.Tier, "tier is computed from the discount, not trusted from the device")
	assert.Equal(t, "20.00", stored.DiscountPercent)
	require.NotNil(t, stored.DecidedBy)
	assert.Equal(t, manager.ID, *stored.DecidedBy)
	require.NotNil(t, stored.OfflineApprovedAt)
	require.NotNil(t, stored.SyncedAt)

	// the issued token redeems like any other
	redemption, err := h.ConsumeToken(ctx, *results[0].Token, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "400.00", redemption.ApprovedPrice)
}

func TestSyncOfflineDeduplicatesByIdempotencyKey(t *testing.T) {
	h := newTestHandler(t)
	seedTestTiers(t, h)
	ctx := context.Background()
	sales := seedUser(t, h, "sales", 1)
	manager := seedUser(t, h, "manager", 2)
	product := seedProduct(t, h, "SKU-O", "500.00", "300.00")

	entry := OfflineEntryInput{
		IdempotencyKey:    "device-1:2002",
		SalespersonID:     sales.ID,
		ManagerID:         manager.ID,
		ProductID:         product.ID,
		RequestedPrice:    "400.00",
		OfflineApprovedAt: time.Now().Add(-time.Hour),
		DeviceID:          "device-1",
	}

	first, err := h.SyncOfflineApprovals(ctx, []OfflineEntryInput{entry})
	require.NoError(t, err)
	require.Len(t, first, 1)
	require.False(t, first[0].Deduplicated)

	second, err := h.SyncOfflineApprovals(ctx, []OfflineEntryInput{entry})
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.True(t, second[0].Deduplicated)
	assert.Equal(t, first[0].RequestID, second[0].RequestID)
	require.NotNil(t, second[0].Token)
	assert.Equal(t, *first[0].Token, *second[0].Token)

	var count int64
	h.db.Model(&models.ApprovalRequest{}).
		Where("idempotency_key = ?", entry.IdempotencyKey).
		Count(&count)
	assert.Equal(t, int64(1), count)
}

func TestSyncOfflinePartialFailureIsPerEntry(t *testing.T) {
	h := newTestHandler(t)
	seedTestTiers(t, h)
	ctx := context.Background()
	sales := seedUser(t, h, "sales", 1)
	manager := seedUser(t, h, "manager", 2)
	product := seedProduct(t, h, "SKU-O", "500.00", "300.00")
	approvedAt := time.Now()

	results, err := h.SyncOfflineApprovals(ctx, []OfflineEntryInput{
		{
			IdempotencyKey:    "device-2:1",
			SalespersonID:     sales.ID,
			ManagerID:         manager.ID,
			ProductID:         product.ID,
			RequestedPrice:    "400.00",
			OfflineApprovedAt: approvedAt,
			DeviceID:          "device-2",
		},
		{
			// below cost at a tier that disallows it
			IdempotencyKey:    "device-2:2",
			SalespersonID:     sales.ID,
			ManagerID:         manager.ID,
			ProductID:         product.ID,
			RequestedPrice:    "280.00",
			OfflineApprovedAt: approvedAt,
			DeviceID:          "device-2",
		},
	})
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Nil(t, results[0].Error)
	assert.NotZero(t, results[0].RequestID)

	require.NotNil(t, results[1].Error)
	assert.Zero(t, results[1].RequestID)

	var count int64
	h.db.Model(&models.ApprovalRequest{}).Count(&count)
	assert.Equal(t, int64(1), count, "the failed entry stores nothing")
}

func TestSyncOfflineRejectsMalformedBatch(t *testing.T) {
	h := newTestHandler(t)
	seedTestTiers(t, h)
	ctx := context.Background()

	_, err := h.SyncOfflineApprovals(ctx, nil)
	require.Error(t, err)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = h.SyncOfflineApprovals(ctx, []OfflineEntryInput{{
		SalespersonID:  1,
		ManagerID:      2,
		ProductID:      3,
		RequestedPrice: "10.00",
	}})
	require.Error(t, err)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}
