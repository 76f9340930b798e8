package handler

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"approvia-system/internal/database/models"
)

type OfflineEntryInput struct {
	IdempotencyKey    string
	SalespersonID     int64
	ManagerID         int64
	ProductID         int32
	RequestedPrice    string
	OfflineApprovedAt time.Time
	DeviceID          string
	ReasonCode        *string
	Note              *string
}

// OfflineSyncResult reports the outcome per entry. Deduplicated entries point
// at the already-stored request; entries that fail classification carry an
// error message and store nothing.
type OfflineSyncResult struct {
	IdempotencyKey string
	RequestID      int64
	Token          *string
	Deduplicated   bool
	Error          *string
}

// SyncOfflineApprovals merges PIN approvals made without connectivity into
// the authoritative store. Resubmitting the same idempotency key, sequentially
// or concurrently, converges on one stored request: the insert is guarded by
// the key's unique index and a losing writer reads back the winner's row.
func (s *ApprovalHandler) SyncOfflineApprovals(ctx context.Context, entries []OfflineEntryInput) ([]OfflineSyncResult, error) {
	if len(entries) == 0 {
		return nil, status.Error(codes.InvalidArgument, "at least one offline entry required")
	}
	for i, entry := range entries {
		if entry.IdempotencyKey == "" {
			return nil, status.Error(codes.InvalidArgument, fmt.Sprintf("entries[%d].idempotency_key required", i))
		}
		if entry.SalespersonID == 0 || entry.ManagerID == 0 || entry.ProductID == 0 {
			return nil, status.Error(codes.InvalidArgument,
				fmt.Sprintf("entries[%d]: salesperson_id, manager_id and product_id required", i))
		}
	}

	results := make([]OfflineSyncResult, 0, len(entries))
	for _, entry := range entries {
		result, err := s.syncOfflineEntry(ctx, entry)
		if err != nil {
			msg := err.Error()
			if st, ok := status.FromError(err); ok {
				msg = st.Message()
			}
			results = append(results, OfflineSyncResult{
				IdempotencyKey: entry.IdempotencyKey,
				Error:          &msg,
			})
			continue
		}
		results = append(results, *result)
	}
	return results, nil
}

func (s *ApprovalHandler) syncOfflineEntry(ctx context.Context, entry OfflineEntryInput) (*OfflineSyncResult, error) {
	requested, err := parsePrice("requested_price", entry.RequestedPrice)
	if err != nil {
		return nil, err
	}

	var product models.Product
	if err := s.db.WithContext(ctx).
		Where("id = ? AND is_active = ?", entry.ProductID, true).
		First(&product).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, status.Error(codes.NotFound, fmt.Sprintf("product %d not found or inactive", entry.ProductID))
		}
		return nil, status.Error(codes.Internal, "failed to load product")
	}

	original := mustDecimal(product.ProductPrice)
	cost := mustDecimal(product.CostPrice)
	if requested.GreaterThan(original) {
		return nil, status.Error(codes.InvalidArgument, "requested price exceeds current retail price")
	}

	tiers, err := s.loadTierSettings(ctx)
	if err != nil {
		return nil, err
	}
	discountPct := discountPercent(original, requested)
	tier, err := classifyTier(tiers, discountPct, requested, cost)
	if err != nil {
		return nil, err
	}
	marginAmount, marginPct := marginFigures(requested, cost)

	now := time.Now()
	approved := requested.StringFixed(2)
	token := newApprovalToken()
	offlineApprovedAt := entry.OfflineApprovedAt
	key := entry.IdempotencyKey

	request := models.ApprovalRequest{
		SalespersonID:     entry.SalespersonID,
		ManagerID:         &entry.ManagerID,
		ProductID:         &product.ID,
		OriginalPrice:     original.StringFixed(2),
		RequestedPrice:    requested.StringFixed(2),
		ApprovedPrice:     &approved,
		CostAtRequest:     cost.StringFixed(2),
		DiscountPercent:   discountPct.StringFixed(2),
		MarginAmount:      marginAmount.StringFixed(2),
		MarginPercent:     marginPct.StringFixed(2),
		Tier:              tier.TierNumber,
		Status:            models.StatusApproved,
		Method:            models.MethodPinOffline,
		ReasonCode:        entry.ReasonCode,
		Note:              entry.Note,
		ApprovalToken:     &token,
		RequestType:       models.RequestTypeSingle,
		IdempotencyKey:    &key,
		DeviceID:          strPtr(entry.DeviceID),
		OfflineApprovedAt: &offlineApprovedAt,
		SyncedAt:          &now,
		DecidedBy:         &entry.ManagerID,
		RespondedAt:       &offlineApprovedAt,
	}

	// DO NOTHING on the key's unique index makes concurrent duplicate
	// submissions race-safe: the loser inserts zero rows and reads back the
	// winner's record.
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "idempotency_key"}},
			DoNothing: true,
		}).
		Create(&request)
	if result.Error != nil {
		return nil, status.Error(codes.Internal, "failed to store offline approval")
	}

	if result.RowsAffected == 0 {
		var existing models.ApprovalRequest
		if err := s.db.WithContext(ctx).
			Where("idempotency_key = ?", entry.IdempotencyKey).
			First(&existing).Error; err != nil {
			return nil, status.Error(codes.Internal, "failed to load deduplicated request")
		}
		return &OfflineSyncResult{
			IdempotencyKey: entry.IdempotencyKey,
			RequestID:      existing.ID,
			Token:          existing.ApprovalToken,
			Deduplicated:   true,
		}, nil
	}

	s.publishApprovalEvent(ctx, ApprovalEvent{
		EventType:     EventOfflineSynced,
		RequestID:     request.ID,
		SalespersonID: request.SalespersonID,
		ManagerID:     request.ManagerID,
		Tier:          request.Tier,
		Status:        request.Status,
	})

	return &OfflineSyncResult{
		IdempotencyKey: entry.IdempotencyKey,
		RequestID:      request.ID,
		Token:          request.ApprovalToken,
	}, nil
}
