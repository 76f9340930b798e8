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

func TestDelegationGrantsTierCappedAuthority(t *testing.T) {
	h := newTestHandler(t)
	seedTestTiers(t, h)
	ctx := context.Background()
	sales := seedUser(t, h, "sales", 1)
	storeManager := seedUser(t, h, "storemgr", 3)
	delegate := seedUser(t, h, "delegate", 1)
	product := seedProduct(t, h, "SKU-D", "500.00", "300.00")

	_, err := h.CreateDelegation(ctx, DelegationInput{
		DelegatorID: storeManager.ID,
		DelegateID:  delegate.ID,
		MaxTier:     2,
		ExpiresAt:   time.Now().Add(8 * time.Hour),
		Reason:      "lunch cover",
	})
	require.NoError(t, err)

	// tier 2 is within the cap
	tier2 := createTier2Request(t, h, sales)
	approved, err := h.ApproveRequest(ctx, tier2.ID, delegate.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, models.StatusApproved, approved.Status)
	require.NotNil(t, approved.DelegationID, "decision must record the authorizing delegation")

	// tier 3 is above the cap even though the delegator could decide it
	tier3, err := h.CreateRequest(ctx, CreateRequestInput{
		SalespersonID:  sales.ID,
		ProductID:      product.ID,
		RequestedPrice: "320.00",
	})
	require.NoError(t, err)
	require.Equal(t, int32(3), tier3.Tier)

	_, err = h.ApproveRequest(ctx, tier3.ID, delegate.ID, nil)
	require.Error(t, err)
	assert.Equal(t, codes.PermissionDenied, status.Code(err))
}

func TestExpiredDelegationStopsAuthorizing(t *testing.T) {
	h := newTestHandler(t)
	seedTestTiers(t, h)
	ctx := context.Background()
	sales := seedUser(t, h, "sales", 1)
	storeManager := seedUser(t, h, "storemgr", 3)
	delegate := seedUser(t, h, "delegate", 1)

	delegation, err := h.CreateDelegation(ctx, DelegationInput{
		DelegatorID: storeManager.ID,
		DelegateID:  delegate.ID,
		MaxTier:     2,
		ExpiresAt:   time.Now().Add(time.Hour),
	})
	require.NoError(t, err)

	// validity is re-checked per decision, so backdating the window is enough
	require.NoError(t, h.db.Model(&models.Delegation{}).
		Where("id = ?", delegation.ID).
		Update("expires_at", time.Now().Add(-time.Minute)).Error)

	request := createTier2Request(t, h, sales)
	_, err = h.ApproveRequest(ctx, request.ID, delegate.ID, nil)
	require.Error(t, err)
	assert.Equal(t, codes.PermissionDenied, status.Code(err))
}

func TestRevokedDelegationStopsAuthorizing(t *testing.T) {
	h := newTestHandler(t)
	seedTestTiers(t, h)
	ctx := context.Background()
	sales := seedUser(t, h, "sales", 1)
	storeManager := seedUser(t, h, "storemgr", 3)
	delegate := seedUser(t, h, "delegate", 1)

	delegation, err := h.CreateDelegation(ctx, DelegationInput{
		DelegatorID: storeManager.ID,
		DelegateID:  delegate.ID,
		MaxTier:     2,
		ExpiresAt:   time.Now().Add(time.Hour),
	})
	require.NoError(t, err)

	// only the delegator may revoke
	_, err = h.RevokeDelegation(ctx, delegation.ID, delegate.ID)
	require.Error(t, err)
	assert.Equal(t, codes.PermissionDenied, status.Code(err))

	revoked, err := h.RevokeDelegation(ctx, delegation.ID, storeManager.ID)
	require.NoError(t, err)
	assert.False(t, revoked.Active)

	_, err = h.RevokeDelegation(ctx, delegation.ID, storeManager.ID)
	require.Error(t, err)
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))

	request := createTier2Request(t, h, sales)
	_, err = h.ApproveRequest(ctx, request.ID, delegate.ID, nil)
	require.Error(t, err)
	assert.Equal(t, codes.PermissionDenied, status.Code(err))
}

func TestDelegationRequiresDelegatorRoleAtDecisionTime(t *testing.T) {
	h := newTestHandler(t)
	seedTestTiers(t, h)
	ctx := context.Background()
	sales := seedUser(t, h, "sales", 1)
	cashier := seedUser(t, h, "cashier", 1)
	delegate := seedUser(t, h, "delegate", 1)

	// a delegation from someone without the required role never covers
	_, err := h.CreateDelegation(ctx, DelegationInput{
		DelegatorID: cashier.ID,
		DelegateID:  delegate.ID,
		MaxTier:     2,
		ExpiresAt:   time.Now().Add(time.Hour),
	})
	require.NoError(t, err)

	request := createTier2Request(t, h, sales)
	_, err = h.ApproveRequest(ctx, request.ID, delegate.ID, nil)
	require.Error(t, err)
	assert.Equal(t, codes.PermissionDenied, status.Code(err))
}

func TestCreateDelegationValidation(t *testing.T) {
	h := newTestHandler(t)
	seedTestTiers(t, h)
	ctx := context.Background()
	storeManager := seedUser(t, h, "storemgr", 3)
	delegate := seedUser(t, h, "delegate", 1)
	future := time.Now().Add(time.Hour)

	tests := []struct {
		name  string
		input DelegationInput
		code  codes.Code
	}{
		{"self delegation", DelegationInput{DelegatorID: storeManager.ID, DelegateID: storeManager.ID, MaxTier: 2, ExpiresAt: future}, codes.InvalidArgument},
		{"tier 1 cap", DelegationInput{DelegatorID: storeManager.ID, DelegateID: delegate.ID, MaxTier: 1, ExpiresAt: future}, codes.InvalidArgument},
		{"unconfigured tier", DelegationInput{DelegatorID: storeManager.ID, DelegateID: delegate.ID, MaxTier: 9, ExpiresAt: future}, codes.InvalidArgument},
		{"window already closed", DelegationInput{DelegatorID: storeManager.ID, DelegateID: delegate.ID, MaxTier: 2, ExpiresAt: time.Now().Add(-time.Hour)}, codes.InvalidArgument},
		{"unknown delegate", DelegationInput{DelegatorID: storeManager.ID, DelegateID: 999, MaxTier: 2, ExpiresAt: future}, codes.NotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.CreateDelegation(ctx, tt.input)
			require.Error(t, err)
			assert.Equal(t, tt.code, status.Code(err))
		})
	}
}

func TestGetActiveDelegations(t *testing.T) {
	h := newTestHandler(t)
	seedTestTiers(t, h)
	ctx := context.Background()
	storeManager := seedUser(t, h, "storemgr", 3)
	delegate := seedUser(t, h, "delegate", 1)

	current, err := h.CreateDelegation(ctx, DelegationInput{
		DelegatorID: storeManager.ID,
		DelegateID:  delegate.ID,
		MaxTier:     2,
		ExpiresAt:   time.Now().Add(time.Hour),
	})
	require.NoError(t, err)

	notYet := time.Now().Add(time.Hour)
	_, err = h.CreateDelegation(ctx, DelegationInput{
		DelegatorID: storeManager.ID,
		DelegateID:  delegate.ID,
		MaxTier:     3,
		StartsAt:    &notYet,
		ExpiresAt:   time.Now().Add(2 * time.Hour),
	})
	require.NoError(t, err)

	active, err := h.GetActiveDelegations(ctx, delegate.ID)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, current.ID, active[0].ID)
}

func TestListAvailableManagersIncludesDelegates(t *testing.T) {
	h := newTestHandler(t)
	seedTestTiers(t, h)
	ctx := context.Background()
	supervisor := seedUser(t, h, "supervisor", 2)
	storeManager := seedUser(t, h, "storemgr", 3)
	delegate := seedUser(t, h, "delegate", 1)

	_, err := h.CreateDelegation(ctx, DelegationInput{
		DelegatorID: storeManager.ID,
		DelegateID:  delegate.ID,
		MaxTier:     2,
		ExpiresAt:   time.Now().Add(time.Hour),
	})
	require.NoError(t, err)

	managers, err := h.ListAvailableManagers(ctx, 2)
	require.NoError(t, err)

	ids := make(map[int64]bool, len(managers))
	for _, m := range managers {
		ids[m.ID] = true
	}
	assert.True(t, ids[supervisor.ID])
	assert.True(t, ids[storeManager.ID])
	assert.True(t, ids[delegate.ID], "covered delegate should appear as available")

	// tier 3 is beyond the delegation's cap
	managers, err = h.ListAvailableManagers(ctx, 3)
	require.NoError(t, err)
	ids = make(map[int64]bool, len(managers))
	for _, m := range managers {
		ids[m.ID] = true
	}
	assert.True(t, ids[storeManager.ID])
	assert.False(t, ids[supervisor.ID])
	assert.False(t, ids[delegate.ID])
}
