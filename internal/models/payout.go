package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Payout records money that actually left the platform for a vendor or affiliate.
type Payout struct {
	ID                    uint            `gorm:"primaryKey;autoIncrement" json:"id"`
	TransactionID         uint            `gorm:"column:transaction_id;not null;index" json:"transaction_id"`
	LegID                 uint            `gorm:"column:leg_id;not null;uniqueIndex" json:"leg_id"`
	Role                  Role            `gorm:"column:role;size:20;not null" json:"role"`
	RecipientID           uint            `gorm:"column:recipient_id;not null;index" json:"recipient_id"`
	Amount                decimal.Decimal `gorm:"column:amount;type:decimal(20,2);not null" json:"amount"`
	Currency              string          `gorm:"column:currency;size:3;not null" json:"currency"`
	ProviderTransactionID string          `gorm:"column:provider_transaction_id;size:100" json:"provider_transaction_id"`
	PaidAt                time.Time       `gorm:"column:paid_at;not null" json:"paid_at"`
	CreatedAt             time.Time       `gorm:"column:created_at;autoCreateTime" json:"created_at"`
}

func (Payout) TableName() string {
	return "payouts"
}
