package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"gorm.io/gorm"

	"approvia-system/internal/database/models"
)

const (
	APPROVAL_CACHE_PREFIX   = "approval:"
	TIER_SETTINGS_CACHE_KEY = "approval:tier-settings"
	MANAGER_STATS_PREFIX    = "approval:stats:manager:"

	EventRequestCreated      = "request.created"
	EventRequestApproved     = "request.approved"
	EventRequestAutoApproved = "request.auto_approved"
	EventRequestDenied       = "request.denied"
	EventRequestCountered    = "request.countered"
	EventCounterAccepted     = "counter.accepted"
	EventCounterDeclined     = "counter.declined"
	EventRequestCancelled    = "request.cancelled"
	EventRequestTimedOut     = "request.timed_out"
	EventBatchCreated        = "batch.created"
	EventDelegationCreated   = "delegation.created"
	EventDelegationRevoked   = "delegation.revoked"
	EventOfflineSynced       = "offline.synced"
	EventTokenRedeemed       = "token.redeemed"

	CACHE_TTL_SHORT  = 5 * time.Minute
	CACHE_TTL_MEDIUM = 30 * time.Minute
	CACHE_TTL_LONG   = 2 * time.Hour
)

// --- Helpers ---
func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func int64Ptr(i int64) *int64 {
	return &i
}

func newApprovalToken() string {
	return uuid.NewString()
}

type ApprovalHandler struct {
	db     *gorm.DB
	redis  *redis.Client
	logger *zap.Logger
}

func NewApprovalHandler(db *gorm.DB, redisClient *redis.Client, logger *zap.Logger) *ApprovalHandler {
	return &ApprovalHandler{
		db:     db,
		redis:  redisClient,
		logger: logger,
	}
}

// ApprovalEvent is pushed to the notification channel on every lifecycle edge.
// Delivery is fire-and-forget: a publish failure never fails the operation.
type ApprovalEvent struct {
	EventType     string    `json:"event_type"`
	RequestID     int64     `json:"request_id,omitempty"`
	SalespersonID int64     `json:"salesperson_id,omitempty"`
	ManagerID     *int64    `json:"manager_id,omitempty"`
	Tier          int32     `json:"tier,omitempty"`
	Status        string    `json:"status,omitempty"`
	DelegationID  *int64    `json:"delegation_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

func (s *ApprovalHandler) publishApprovalEvent(ctx context.Context, event ApprovalEvent) {
	event.Timestamp = time.Now()
	eventJSON, err := json.Marshal(event)
	if err != nil {
		s.logger.Warn("failed to marshal approval event", zap.String("type", event.EventType), zap.Error(err))
		return
	}

	channel := fmt.Sprintf("approval:events:%s", event.EventType)
	if err := s.redis.Publish(ctx, channel, eventJSON).Err(); err != nil {
		s.logger.Warn("failed to publish approval event", zap.String("channel", channel), zap.Error(err))
	}
	if err := s.redis.Publish(ctx, "approval:events:all", eventJSON).Err(); err != nil {
		s.logger.Warn("failed to publish approval event", zap.String("channel", "approval:events:all"), zap.Error(err))
	}
}

// bumpManagerDailyCount tracks per-manager override decisions for the day.
// Rollover is handled by the date-scoped key expiring, not by a reset job.
func (s *ApprovalHandler) bumpManagerDailyCount(ctx context.Context, managerID int64) {
	key := fmt.Sprintf("%s%d:%s", MANAGER_STATS_PREFIX, managerID, time.Now().Format("2006-01-02"))
	if err := s.redis.Incr(ctx, key).Err(); err != nil {
		s.logger.Warn("failed to bump manager daily count", zap.Int64("manager_id", managerID), zap.Error(err))
		return
	}
	s.redis.Expire(ctx, key, 48*time.Hour)
}

func (s *ApprovalHandler) GetManagerDailyCount(ctx context.Context, managerID int64) (int64, error) {
	key := fmt.Sprintf("%s%d:%s", MANAGER_STATS_PREFIX, managerID, time.Now().Format("2006-01-02"))
	count, err := s.redis.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, status.Error(codes.Internal, "failed to read manager stats")
	}
	return count, nil
}

// loadTierSettings returns active tiers ordered by tier number, redis-cached.
func (s *ApprovalHandler) loadTierSettings(ctx context.Context) ([]models.TierSetting, error) {
	if cached, err := s.redis.Get(ctx, TIER_SETTINGS_CACHE_KEY).Result(); err == nil {
		var tiers []models.TierSetting
		if err := json.Unmarshal([]byte(cached), &tiers); err == nil && len(tiers) > 0 {
			return tiers, nil
		}
	}

	var tiers []models.TierSetting
	if err := s.db.WithContext(ctx).
		Where("is_active = ?", true).
		Order("tier_number asc").
		Find(&tiers).Error; err != nil {
		return nil, status.Error(codes.Internal, "failed to load tier settings")
	}
	if len(tiers) == 0 {
		return nil, status.Error(codes.FailedPrecondition, "no tier settings configured")
	}

	if data, err := json.Marshal(tiers); err == nil {
		s.redis.Set(ctx, TIER_SETTINGS_CACHE_KEY, data, CACHE_TTL_MEDIUM)
	}
	return tiers, nil
}

func (s *ApprovalHandler) invalidateTierCache(ctx context.Context) {
	_ = s.redis.Del(ctx, TIER_SETTINGS_CACHE_KEY)
}

func tierByNumber(tiers []models.TierSetting, number int32) *models.TierSetting {
	for i := range tiers {
		if tiers[i].TierNumber == number {
			return &tiers[i]
		}
	}
	return nil
}
