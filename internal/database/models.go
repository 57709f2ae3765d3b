package database

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Assessment lifecycle states.
const (
	AssessmentPending   = "pending"
	AssessmentActive    = "active"
	AssessmentPaused    = "paused"
	AssessmentFailed    = "failed"
	AssessmentPassed    = "passed"
	AssessmentAbandoned = "abandoned"
)

// Purchase states.
const (
	PurchasePending   = "pending"
	PurchaseCompleted = "completed"
	PurchaseFailed    = "failed"
)

// Durable position states. The hot snapshot uses active/cancelled; the
// durable row is open until closed_at is set, or cancelled.
const (
	PositionOpen         = "open"
	PositionRowCancelled = "cancelled"
)

// Funded account states.
const (
	FundedActive = "active"
	FundedClosed = "closed"
)

// Withdrawal states.
const (
	WithdrawalPending   = "pending"
	WithdrawalApproved  = "approved"
	WithdrawalCompleted = "completed"
	WithdrawalRejected  = "rejected"
)

// Trade kinds.
const (
	TradeOpen  = "open"
	TradeClose = "close"
)

// User stores account credentials.
type User struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	Email        string    `gorm:"uniqueIndex;not null"`
	PasswordHash string    `gorm:"not null"`
	IsAdmin      bool      `gorm:"default:false"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Session is an opaque bearer token. Valid iff present and not expired;
// the cache copy is authoritative for a bounded staleness of 30 minutes.
type Session struct {
	Token     string    `gorm:"primaryKey;size:64"`
	UserID    uuid.UUID `gorm:"type:uuid;index"`
	ExpiresAt time.Time `gorm:"index"`
	CreatedAt time.Time
}

// Tier is immutable evaluation configuration, seeded at startup.
// PriceCents is in integer minor units. Funded thresholds are the
// stricter limits applied after the assessment passes.
type Tier struct {
	ID                    string `gorm:"primaryKey;size:32"`
	Name                  string
	PriceCents            int64
	StartingBalance       float64
	MaxDrawdown           float64
	MinTrades             int
	MaxRiskPerTrade       float64
	ProfitSplit           float64
	FundedMaxDrawdown     float64
	FundedMaxRiskPerTrade float64
}

// Purchase links a user, a tier and an external payment intent.
type Purchase struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserID      uuid.UUID `gorm:"type:uuid;index"`
	TierID      string    `gorm:"size:32;index"`
	PaymentRef  string    `gorm:"uniqueIndex;size:128"`
	Status      string    `gorm:"size:16;index"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

// Assessment is one paid evaluation run. Terminal states (failed,
// passed, abandoned) never transition again.
type Assessment struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserID      uuid.UUID `gorm:"type:uuid;index"`
	TierID      string    `gorm:"size:32"`
	PurchaseID  uuid.UUID `gorm:"type:uuid;uniqueIndex"`
	Status      string    `gorm:"size:16;index"`
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	DeleteAfter *time.Time `gorm:"index"`
	UpdatedAt   time.Time
}

// VirtualAccount is the balance envelope, 1:1 with an assessment.
// The persistence worker is the single writer for the numeric columns.
type VirtualAccount struct {
	ID              uuid.UUID `gorm:"type:uuid;primaryKey"`
	AssessmentID    uuid.UUID `gorm:"type:uuid;uniqueIndex"`
	StartingBalance float64
	CurrentBalance  float64
	PeakBalance     float64
	RealizedPnl     float64
	UnrealizedPnl   float64
	UpdatedAt       time.Time
}

// Position is a durable position row. Once ClosedAt or cancelled status
// is set, only idempotent re-assertion is permitted.
type Position struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	AssessmentID  uuid.UUID `gorm:"type:uuid;index"`
	Market        string    `gorm:"size:128;index"`
	Side          string    `gorm:"size:8"`
	Quantity      float64
	EntryPrice    float64
	CurrentPrice  float64
	UnrealizedPnl float64
	Status        string `gorm:"size:16;index"`
	OpenedAt      time.Time
	ClosedAt      *time.Time
	UpdatedAt     time.Time
}

// Trade is an immutable fill record (kind open or close).
type Trade struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey"`
	AssessmentID   uuid.UUID `gorm:"type:uuid;index"`
	PositionID     uuid.UUID `gorm:"type:uuid;index"`
	OrderID        uuid.UUID `gorm:"type:uuid"`
	Kind           string    `gorm:"size:8"`
	Market         string    `gorm:"size:128"`
	Side           string    `gorm:"size:8"`
	Quantity       float64
	Price          float64
	SlippageAmount float64
	FeeAmount      float64
	RealizedPnl    float64
	Cancelled      bool `gorm:"default:false"`
	CreatedAt      time.Time
}

// Violation records a rule breach that failed an assessment.
type Violation struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	AssessmentID uuid.UUID `gorm:"type:uuid;index"`
	Rule         string    `gorm:"size:32"`
	Value        float64
	Threshold    float64
	CreatedAt    time.Time
}

// RuleCheck is a periodic snapshot row of one rule's value for history.
// The composite unique index gives bulk inserts skip-duplicates
// semantics.
type RuleCheck struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	Scope     string    `gorm:"size:16;uniqueIndex:idx_rule_checks_dedup"`
	AccountID uuid.UUID `gorm:"type:uuid;uniqueIndex:idx_rule_checks_dedup"`
	Rule      string    `gorm:"size:32;uniqueIndex:idx_rule_checks_dedup"`
	Value     float64
	Threshold float64
	Status    string    `gorm:"size:16"`
	CheckedAt time.Time `gorm:"uniqueIndex:idx_rule_checks_dedup"`
}

// FundedAccount mirrors Assessment for post-pass trading.
type FundedAccount struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserID        uuid.UUID `gorm:"type:uuid;index"`
	TierID        string    `gorm:"size:32"`
	AssessmentID  uuid.UUID `gorm:"type:uuid;uniqueIndex"`
	Status        string    `gorm:"size:16;index"`
	ClosureReason string    `gorm:"size:128"`
	CreatedAt     time.Time
	ClosedAt      *time.Time
	UpdatedAt     time.Time
}

// FundedVirtualAccount adds monotonic TotalWithdrawals to the balance
// envelope.
type FundedVirtualAccount struct {
	ID               uuid.UUID `gorm:"type:uuid;primaryKey"`
	FundedAccountID  uuid.UUID `gorm:"type:uuid;uniqueIndex"`
	StartingBalance  float64
	CurrentBalance   float64
	PeakBalance      float64
	RealizedPnl      float64
	UnrealizedPnl    float64
	TotalWithdrawals float64
	UpdatedAt        time.Time
}

// Withdrawal tracks one payout request through its review and provider
// lifecycle.
type Withdrawal struct {
	ID              uuid.UUID `gorm:"type:uuid;primaryKey"`
	FundedAccountID uuid.UUID `gorm:"type:uuid;index"`
	UserID          uuid.UUID `gorm:"type:uuid;index"`
	Amount          float64
	Status          string `gorm:"size:16;index"`
	PayoutRef       string `gorm:"size:128;index"`
	RejectionReason string `gorm:"size:256"`
	RequestedAt     time.Time
	ApprovedAt      *time.Time
	CompletedAt     *time.Time
	RejectedAt      *time.Time
}

// AutoMigrate creates or updates the schema for all durable entities.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&User{},
		&Session{},
		&Tier{},
		&Purchase{},
		&Assessment{},
		&VirtualAccount{},
		&Position{},
		&Trade{},
		&Violation{},
		&RuleCheck{},
		&FundedAccount{},
		&FundedVirtualAccount{},
		&Withdrawal{},
	)
}
