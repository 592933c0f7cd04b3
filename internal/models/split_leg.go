package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Role string

const (
	RoleCompany   Role = "company"
	RoleVendor    Role = "vendor"
	RoleAffiliate Role = "affiliate"
)

// Rank orders roles for display: company, vendor, affiliate.
func (r Role) Rank() int {
	switch r {
	case RoleCompany:
		return 0
	case RoleVendor:
		return 1
	case RoleAffiliate:
		return 2
	}
	return 3
}

type LegStatus string

const (
	LegPending    LegStatus = "pending"
	LegProcessing LegStatus = "processing"
	LegCompleted  LegStatus = "completed"
	LegFailed     LegStatus = "failed"
)

// Recipient is either the platform operator or a user account.
type Recipient struct {
	userID *uint
}

func CompanyRecipient() Recipient {
	return Recipient{}
}

func UserRecipient(id uint) Recipient {
	return Recipient{userID: &id}
}

func (r Recipient) IsCompany() bool {
	return r.userID == nil
}

func (r Recipient) UserID() (uint, bool) {
	if r.userID == nil {
		return 0, false
	}
	return *r.userID, true
}

// SplitLeg is one disbursement obligation derived from a Transaction.
type SplitLeg struct {
	ID                     uint            `gorm:"primaryKey;autoIncrement" json:"id"`
	TransactionID          uint            `gorm:"column:transaction_id;not null;uniqueIndex:idx_leg_txn_role" json:"transaction_id"`
	Role                   Role            `gorm:"column:role;size:20;not null;uniqueIndex:idx_leg_txn_role" json:"role"`
	RecipientID            *uint           `gorm:"column:recipient_id;index" json:"recipient_id,omitempty"`
	PayoutPhone            string          `gorm:"column:payout_phone;size:20" json:"payout_phone,omitempty"`
	PayoutRecipientCode    string          `gorm:"column:payout_recipient_code;size:100" json:"payout_recipient_code,omitempty"`
	PayoutBankCode         string          `gorm:"column:payout_bank_code;size:20" json:"payout_bank_code,omitempty"`
	PayoutAccountNumber    string          `gorm:"column:payout_account_number;size:40" json:"payout_account_number,omitempty"`
	PayoutAccountName      string          `gorm:"column:payout_account_name;size:150" json:"payout_account_name,omitempty"`
	Amount                 decimal.Decimal `gorm:"column:amount;type:decimal(20,2);not null" json:"amount"`
	Status                 LegStatus       `gorm:"column:status;size:20;not null;default:pending;index" json:"status"`
	Reference              *string         `gorm:"column:reference;size:64;uniqueIndex" json:"reference,omitempty"`
	ProviderConversationID *string         `gorm:"column:provider_conversation_id;size:100;index" json:"provider_conversation_id,omitempty"`
	ProviderTransactionID  string          `gorm:"column:provider_transaction_id;size:100" json:"provider_transaction_id,omitempty"`
	ResultCode             string          `gorm:"column:result_code;size:20" json:"result_code,omitempty"`
	ResultDesc             string          `gorm:"column:result_desc;type:text" json:"result_desc,omitempty"`
	RetryCount             int             `gorm:"column:retry_count;not null;default:0" json:"retry_count"`
	MaxRetries             int             `gorm:"column:max_retries;not null;default:3" json:"max_retries"`
	ProcessedAt            *time.Time      `gorm:"column:processed_at" json:"processed_at,omitempty"`
	CompletedAt            *time.Time      `gorm:"column:completed_at" json:"completed_at,omitempty"`
	CreatedAt              time.Time       `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt              time.Time       `gorm:"column:updated_at;autoUpdateTime;index" json:"updated_at"`
}

func (SplitLeg) TableName() string {
	return "split_legs"
}

func (l SplitLeg) Recipient() Recipient {
	if l.RecipientID == nil {
		return CompanyRecipient()
	}
	return UserRecipient(*l.RecipientID)
}

// Terminal reports whether the leg will not be attempted again.
func (l SplitLeg) Terminal() bool {
	return l.Status == LegCompleted || (l.Status == LegFailed && l.RetryCount >= l.MaxRetries)
}

// RetryEligible reports whether a failed leg may go back to pending.
func (l SplitLeg) RetryEligible() bool {
	return l.Status == LegFailed && l.RetryCount < l.MaxRetries
}
