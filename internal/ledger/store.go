// Package ledger persists settlement state. Every status change is a
// compare-and-set on the current status; callers never lock rows.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"settlement-service/internal/models"
)

var (
	ErrNotFound = errors.New("record not found")
	ErrConflict = errors.New("status conflict")
)

// TransactionUpdate lists the columns a transition may set besides status.
type TransactionUpdate struct {
	PayerContact  *string
	FailureReason *string
	CompletedAt   *time.Time
}

// LegUpdate lists the columns a leg transition may set besides status.
type LegUpdate struct {
	Reference             *string
	ProviderTransactionID *string
	ResultCode            *string
	ResultDesc            *string
	ProcessedAt           *time.Time
	CompletedAt           *time.Time
	// ExhaustRetries sets retry_count to max_retries, making a failed leg
	// terminal.
	ExhaustRetries bool
}

type CommissionSummary struct {
	AffiliateID       uint            `json:"affiliate_id"`
	TotalCommission   decimal.Decimal `json:"total_commission"`
	PaidCommission    decimal.Decimal `json:"paid_commission"`
	PendingCommission decimal.Decimal `json:"pending_commission"`
	Referrals         int64           `json:"total_referrals"`
	Purchases         int64           `json:"total_purchases"`
	PaidReferrals     int64           `json:"paid_referrals"`
	ConversionRate    float64         `json:"conversion_rate"`
}

type LegCount struct {
	Role   models.Role      `json:"role"`
	Status models.LegStatus `json:"status"`
	Count  int64            `json:"count"`
	Amount decimal.Decimal  `json:"amount"`
}

type Store interface {
	// CreateTransaction inserts txn, its legs and the optional referral in
	// one database transaction, filling in generated ids.
	CreateTransaction(ctx context.Context, txn *models.Transaction, legs []*models.SplitLeg, referral *models.Referral) error
	GetTransaction(ctx context.Context, id uint) (*models.Transaction, error)
	// GetTransactionByCollectionReference matches the provider handle or our own reference.
	GetTransactionByCollectionReference(ctx context.Context, ref string) (*models.Transaction, error)
	// AttachCollectionReference stores the provider handle and, for card
	// checkouts, the URL the payer is redirected to.
	AttachCollectionReference(ctx context.Context, id uint, ref, authorizationURL string) error
	TransitionTransaction(ctx context.Context, id uint, from, to models.TransactionStatus, upd TransactionUpdate) error
	// ListStaleTransactions returns transactions in status not updated since before.
	ListStaleTransactions(ctx context.Context, status models.TransactionStatus, before time.Time, limit int) ([]models.Transaction, error)
	// SaveUnmatchedCollection keeps the first verdict per collection reference.
	SaveUnmatchedCollection(ctx context.Context, result *models.UnmatchedCollection) error
	// TakeUnmatchedCollection removes and returns the verdict stored for ref.
	TakeUnmatchedCollection(ctx context.Context, ref string) (*models.UnmatchedCollection, error)

	ListLegs(ctx context.Context, transactionID uint) ([]models.SplitLeg, error)
	GetLeg(ctx context.Context, id uint) (*models.SplitLeg, error)
	// GetLegByConversationID matches our disbursement reference or the
	// provider's conversation id.
	GetLegByConversationID(ctx context.Context, conversationID string) (*models.SplitLeg, error)
	AttachLegConversation(ctx context.Context, legID uint, conversationID string) error
	// TransitionLeg moves a leg from one status to another. failed->pending
	// additionally requires retry_count < max_retries and increments it.
	TransitionLeg(ctx context.Context, id uint, from, to models.LegStatus, upd LegUpdate) error
	// ListStaleLegs returns legs in status not updated since before whose
	// transaction is still processing. For failed legs only those with
	// retries left are returned.
	ListStaleLegs(ctx context.Context, status models.LegStatus, before time.Time, limit int) ([]models.SplitLeg, error)

	GetReferralByTransaction(ctx context.Context, transactionID uint) (*models.Referral, error)
	MarkReferralPaid(ctx context.Context, transactionID uint, paidAt time.Time) error
	SetReferralApproval(ctx context.Context, id uint, approved bool) (*models.Referral, error)
	ListReferrals(ctx context.Context, affiliateID uint, page, limit int) ([]models.Referral, int64, error)
	CommissionSummary(ctx context.Context, affiliateID uint) (*CommissionSummary, error)

	RecordPayout(ctx context.Context, payout *models.Payout) error
	CountLegs(ctx context.Context) ([]LegCount, error)
	LogCallback(ctx context.Context, entry *models.CallbackLog) error

	// WithinTx runs fn against a store bound to a single database
	// transaction. Any error rolls everything back.
	WithinTx(ctx context.Context, fn func(tx Store) error) error
}

// PartyDirectory resolves marketplace accounts.
type PartyDirectory interface {
	GetParty(ctx context.Context, id uint) (*models.Party, error)
	GetPartyByAffiliateCode(ctx context.Context, code string) (*models.Party, error)
}

func conversionRate(purchases, referrals int64) float64 {
	if referrals == 0 {
		return 0
	}
	rate := decimal.NewFromInt(purchases).Mul(decimal.NewFromInt(100)).Div(decimal.NewFromInt(referrals)).Round(2)
	f, _ := rate.Float64()
	return f
}

// purchasedStatuses are the transaction states reached only after collection succeeded.
var purchasedStatuses = []models.TransactionStatus{
	models.TransactionProcessing,
	models.TransactionCompleted,
	models.TransactionCompletedWithFailedLegs,
}
