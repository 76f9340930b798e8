package models

import "time"

// ApprovalRequest statuses.
const (
	StatusPending   = "pending"
	StatusCountered = "countered"
	StatusApproved  = "approved"
	StatusDenied    = "denied"
	StatusCancelled = "cancelled"
	StatusTimedOut  = "timed_out"
)

// How an approval was reached.
const (
	MethodAuto       = "auto"
	MethodRemote     = "remote"
	MethodInPerson   = "in_person"
	MethodPinOffline = "pin_offline"
)

const (
	RequestTypeSingle      = "single"
	RequestTypeBatchParent = "batch_parent"
	RequestTypeBatchChild  = "batch_child"
)

// CounterOffer statuses.
const (
	CounterPending  = "pending"
	CounterAccepted = "accepted"
	CounterDeclined = "declined"
)

func IsTerminalStatus(status string) bool {
	switch status {
	case StatusApproved, StatusDenied, StatusCancelled, StatusTimedOut:
		return true
	}
	return false
}

type ApprovalRequest struct {
	ID            int64  `gorm:"primaryKey;autoIncrement"`
	SalespersonID int64  `gorm:"index;not null"`
	ManagerID     *int64 `gorm:"index"` // nil = open pool, claimable by any authorized manager
	ProductID     *int32 `gorm:"index"` // nil on batch parents

	OriginalPrice   string  `gorm:"type:decimal(18,2);not null"`
	RequestedPrice  string  `gorm:"type:decimal(18,2);not null"`
	ApprovedPrice   *string `gorm:"type:decimal(18,2)"`
	CostAtRequest   string  `gorm:"type:decimal(18,2);not null"`
	DiscountPercent string  `gorm:"type:decimal(7,2);not null"`
	MarginAmount    string  `gorm:"type:decimal(18,2);not null"`
	MarginPercent   string  `gorm:"type:decimal(7,2);not null"`

	Tier       int32   `gorm:"index;not null"`
	Status     string  `gorm:"type:varchar(16);index;not null"`
	Method     string  `gorm:"type:varchar(16);not null"`
	ReasonCode *string `gorm:"type:varchar(64)"`
	Note       *string `gorm:"type:text"`

	ApprovalToken  *string `gorm:"type:varchar(64);uniqueIndex"`
	RedeemedAt     *time.Time
	RedeemedCartID *int64

	// Optional checkout scoping supplied at creation time.
	CartID     *int64
	CartItemID *int64

	RequestType     string  `gorm:"type:varchar(16);index;not null;default:'single'"`
	ParentRequestID *int64  `gorm:"index"`
	BatchLabel      *string `gorm:"type:varchar(128)"`

	IdempotencyKey    *string `gorm:"type:varchar(128);uniqueIndex"`
	DeviceID          *string `gorm:"type:varchar(64)"`
	OfflineApprovedAt *time.Time
	SyncedAt          *time.Time

	DecidedBy    *int64
	DelegationID *int64

	CreatedAt   time.Time
	UpdatedAt   time.Time
	RespondedAt *time.Time

	Children      []ApprovalRequest `gorm:"foreignKey:ParentRequestID"`
	CounterOffers []CounterOffer    `gorm:"foreignKey:RequestID"`
	Product       *Product          `gorm:"foreignKey:ProductID"`
	Delegation    *Delegation       `gorm:"foreignKey:DelegationID"`
}

// ResponseLatencySeconds is derived, not stored.
func (r ApprovalRequest) ResponseLatencySeconds() *int64 {
	if r.RespondedAt == nil {
		return nil
	}
	secs := int64(r.RespondedAt.Sub(r.CreatedAt).Seconds())
	return &secs
}

type CounterOffer struct {
	ID            int64   `gorm:"primaryKey;autoIncrement"`
	RequestID     int64   `gorm:"index;not null"`
	ManagerID     int64   `gorm:"not null"`
	ProposedPrice string  `gorm:"type:decimal(18,2);not null"`
	MarginAmount  string  `gorm:"type:decimal(18,2);not null"`
	MarginPercent string  `gorm:"type:decimal(7,2);not null"`
	Status        string  `gorm:"type:varchar(16);index;not null"`
	Note          *string `gorm:"type:text"`
	CreatedAt     time.Time
	ResolvedAt    *time.Time
}

type TierSetting struct {
	ID                  int32  `gorm:"primaryKey;autoIncrement"`
	TierNumber          int32  `gorm:"uniqueIndex;not null"`
	DisplayName         string `gorm:"type:varchar(64);not null"`
	RequiredAccessLevel int32  `gorm:"not null"`
	DiscountMinPercent  string `gorm:"type:decimal(7,2);not null"`
	DiscountMaxPercent  string `gorm:"type:decimal(7,2);not null"`
	MinMarginPercent    string `gorm:"type:decimal(7,2);not null;default:'0.00'"`
	AllowsBelowCost     bool   `gorm:"not null"`
	TimeoutSeconds      int32  `gorm:"not null"`
	RequiresReason      bool   `gorm:"not null"`
	IsActive            bool   `gorm:"not null;default:true"`
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

type Delegation struct {
	ID          int64     `gorm:"primaryKey;autoIncrement"`
	DelegatorID int64     `gorm:"index;not null"`
	DelegateID  int64     `gorm:"index;not null"`
	MaxTier     int32     `gorm:"not null"`
	StartsAt    time.Time `gorm:"not null"`
	ExpiresAt   time.Time `gorm:"not null"`
	Active      bool      `gorm:"not null;default:true"`
	Reason      string    `gorm:"type:text"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// CoversAt reports whether the delegation authorizes the given tier at t.
// Delegations are single-hop: a delegate's own delegations never extend reach.
func (d Delegation) CoversAt(t time.Time, tier int32) bool {
	if !d.Active || tier > d.MaxTier {
		return false
	}
	return !t.Before(d.StartsAt) && t.Before(d.ExpiresAt)
}
