package handler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"approvia-system/internal/database/models"
)

func TestBatchAllTierOneAutoApproves(t *testing.T) {
	h := newTestHandler(t)
	seedTestTiers(t, h)
	ctx := context.Background()
	sales := seedUser(t, h, "sales", 1)
	p1 := seedProduct(t, h, "SKU-B1", "100.00", "60.00")
	p2 := seedProduct(t, h, "SKU-B2", "200.00", "120.00")

	parent, err := h.CreateBatchRequest(ctx, BatchInput{
		SalespersonID: sales.ID,
		Items: []BatchItemInput{
			{ProductID: p1.ID, RequestedPrice: "95.00"},
			{ProductID: p2.ID, RequestedPrice: "190.00"},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, models.RequestTypeBatchParent, parent.RequestType)
	assert.Equal(t, int32(1), parent.Tier)
	assert.Equal(t, models.StatusApproved, parent.Status)
	assert.Equal(t, models.MethodAuto, parent.Method)
	require.NotNil(t, parent.ApprovedPrice)
	assert.Equal(t, "285.00", *parent.ApprovedPrice)
	assert.Nil(t, parent.ApprovalToken, "the parent carries no token of its own")

	require.Len(t, parent.Children, 2)
	for _, child := range parent.Children {
		assert.Equal(t, models.RequestTypeBatchChild, child.RequestType)
		assert.Equal(t, models.StatusApproved, child.Status)
		require.NotNil(t, child.ApprovalToken, "each child carries its own token")
	}
	assert.NotEqual(t, *parent.Children[0].ApprovalToken, *parent.Children[1].ApprovalToken)
}

func TestBatchParentTierIsMaxChildTier(t *testing.T) {
	h := newTestHandler(t)
	seedTestTiers(t, h)
	ctx := context.Background()
	sales := seedUser(t, h, "sales", 1)
	p1 := seedProduct(t, h, "SKU-B1", "100.00", "60.00")
	p2 := seedProduct(t, h, "SKU-B2", "500.00", "300.00")

	parent, err := h.CreateBatchRequest(ctx, BatchInput{
		SalespersonID: sales.ID,
		Items: []BatchItemInput{
			{ProductID: p1.ID, RequestedPrice: "95.00"},  // 5%, tier 1
			{ProductID: p2.ID, RequestedPrice: "400.00"}, // 20%, tier 2
		},
	})
	require.NoError(t, err)

	assert.Equal(t, int32(2), parent.Tier)
	assert.Equal(t, models.StatusPending, parent.Status)
	for _, child := range parent.Children {
		assert.Equal(t, models.StatusPending, child.Status)
		assert.Nil(t, child.ApprovalToken)
	}
}

func TestApproveBatchWithAdjustments(t *testing.T) {
	h := newTestHandler(t)
	seedTestTiers(t, h)
	ctx := context.Background()
	sales := seedUser(t, h, "sales", 1)
	manager := seedUser(t, h, "manager", 2)
	p1 := seedProduct(t, h, "SKU-B1", "100.00", "60.00")
	p2 := seedProduct(t, h, "SKU-B2", "500.00", "300.00")

	parent, err := h.CreateBatchRequest(ctx, BatchInput{
		SalespersonID: sales.ID,
		Items: []BatchItemInput{
			{ProductID: p1.ID, RequestedPrice: "95.00"},
			{ProductID: p2.ID, RequestedPrice: "400.00"},
		},
	})
	require.NoError(t, err)

	var adjustedChild *models.ApprovalRequest
	for i := range parent.Children {
		if *parent.Children[i].ProductID == p2.ID {
			adjustedChild = &parent.Children[i]
		}
	}
	require.NotNil(t, adjustedChild)

	// an adjustment targeting a foreign request is rejected up front
	_, err = h.ApproveBatchRequest(ctx, parent.ID, manager.ID,
		[]BatchAdjustment{{RequestID: 9999, ApprovedPrice: "410.00"}}, nil)
	require.Error(t, err)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	approved, err := h.ApproveBatchRequest(ctx, parent.ID, manager.ID,
		[]BatchAdjustment{{RequestID: adjustedChild.ID, ApprovedPrice: "410.00"}}, nil)
	require.NoError(t, err)

	assert.Equal(t, models.StatusApproved, approved.Status)
	require.NotNil(t, approved.ApprovedPrice)
	assert.Equal(t, "505.00", *approved.ApprovedPrice, "parent total reflects the adjustment")

	for _, child := range approved.Children {
		assert.Equal(t, models.StatusApproved, child.Status)
		require.NotNil(t, child.ApprovalToken)
		if child.ID == adjustedChild.ID {
			assert.Equal(t, "410.00", *child.ApprovedPrice)
		} else {
			assert.Equal(t, "95.00", *child.ApprovedPrice)
		}
	}
}

func TestDenyBatchCascadesToChildren(t *testing.T) {
	h := newTestHandler(t)
	seedTestTiers(t, h)
	ctx := context.Background()
	sales := seedUser(t, h, "sales", 1)
	manager := seedUser(t, h, "manager", 2)
	p1 := seedProduct(t, h, "SKU-B1", "100.00", "60.00")
	p2 := seedProduct(t, h, "SKU-B2", "500.00", "300.00")

	parent, err := h.CreateBatchRequest(ctx, BatchInput{
		SalespersonID: sales.ID,
		Items: []BatchItemInput{
			{ProductID: p1.ID, RequestedPrice: "95.00"},
			{ProductID: p2.ID, RequestedPrice: "400.00"},
		},
	})
	require.NoError(t, err)

	denied, err := h.DenyBatchRequest(ctx, parent.ID, manager.ID, "margin_too_low", nil)
	require.NoError(t, err)

	assert.Equal(t, models.StatusDenied, denied.Status)
	for _, child := range denied.Children {
		assert.Equal(t, models.StatusDenied, child.Status)
		assert.Nil(t, child.ApprovalToken)
	}

	var pending int64
	h.db.Model(&models.ApprovalRequest{}).
		Where("parent_request_id = ? AND status = ?", parent.ID, models.StatusPending).
		Count(&pending)
	assert.Zero(t, pending, "no child may stay pending after the parent is resolved")
}

func TestConsumeBatchTokensAllOrNothing(t *testing.T) {
	h := newTestHandler(t)
	seedTestTiers(t, h)
	ctx := context.Background()
	sales := seedUser(t, h, "sales", 1)
	p1 := seedProduct(t, h, "SKU-B1", "100.00", "60.00")
	p2 := seedProduct(t, h, "SKU-B2", "200.00", "120.00")

	parent, err := h.CreateBatchRequest(ctx, BatchInput{
		SalespersonID: sales.ID,
		Items: []BatchItemInput{
			{ProductID: p1.ID, RequestedPrice: "95.00"},
			{ProductID: p2.ID, RequestedPrice: "190.00"},
		},
	})
	require.NoError(t, err)
	require.Equal(t, models.StatusApproved, parent.Status)

	cartID := int64(42)
	items, err := h.ConsumeBatchTokens(ctx, parent.ID, &cartID)
	require.NoError(t, err)
	require.Len(t, items, 2)
	for _, item := range items {
		assert.NotEmpty(t, item.ApprovedPrice)
	}

	// a second redemption fails and redeems nothing further
	_, err = h.ConsumeBatchTokens(ctx, parent.ID, &cartID)
	require.Error(t, err)
	assert.Equal(t, codes.AlreadyExists, status.Code(err))

	redeemed, err := h.GetBatchRequest(ctx, parent.ID)
	require.NoError(t, err)
	require.NotNil(t, redeemed.RedeemedAt)
	for _, child := range redeemed.Children {
		require.NotNil(t, child.RedeemedAt)
		require.NotNil(t, child.RedeemedCartID)
		assert.Equal(t, cartID, *child.RedeemedCartID)
	}
}

func TestConsumeBatchTokensPartialUseFailsWholeBatch(t *testing.T) {
	h := newTestHandler(t)
	seedTestTiers(t, h)
	ctx := context.Background()
	sales := seedUser(t, h, "sales", 1)
	p1 := seedProduct(t, h, "SKU-B1", "100.00", "60.00")
	p2 := seedProduct(t, h, "SKU-B2", "200.00", "120.00")

	parent, err := h.CreateBatchRequest(ctx, BatchInput{
		SalespersonID: sales.ID,
		Items: []BatchItemInput{
			{ProductID: p1.ID, RequestedPrice: "95.00"},
			{ProductID: p2.ID, RequestedPrice: "190.00"},
		},
	})
	require.NoError(t, err)

	// redeem one child's token individually first
	_, err = h.ConsumeToken(ctx, *parent.Children[0].ApprovalToken, nil, nil)
	require.NoError(t, err)

	_, err = h.ConsumeBatchTokens(ctx, parent.ID, nil)
	require.Error(t, err)
	assert.Equal(t, codes.AlreadyExists, status.Code(err))

	// the transaction rolled back, so the other child stays unredeemed
	after, err := h.GetBatchRequest(ctx, parent.ID)
	require.NoError(t, err)
	for _, child := range after.Children {
		if child.ID == parent.Children[1].ID {
			assert.Nil(t, child.RedeemedAt)
		}
	}
	assert.Nil(t, after.RedeemedAt)
}

func TestCreateBatchRejectsAnyFloorViolation(t *testing.T) {
	h := newTestHandler(t)
	seedTestTiers(t, h)
	ctx := context.Background()
	sales := seedUser(t, h, "sales", 1)
	p1 := seedProduct(t, h, "SKU-B1", "100.00", "60.00")
	p2 := seedProduct(t, h, "SKU-B2", "500.00", "300.00")

	// second item is below cost at a tier that disallows it
	_, err := h.CreateBatchRequest(ctx, BatchInput{
		SalespersonID: sales.ID,
		Items: []BatchItemInput{
			{ProductID: p1.ID, RequestedPrice: "95.00"},
			{ProductID: p2.ID, RequestedPrice: "280.00"},
		},
	})
	require.Error(t, err)
	assert.Equal(t, codes.OutOfRange, status.Code(err))

	var count int64
	h.db.Model(&models.ApprovalRequest{}).Count(&count)
	assert.Zero(t, count, "a rejected batch stores nothing")
}
