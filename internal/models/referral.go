package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Referral struct {
	ID               uint            `gorm:"primaryKey;autoIncrement" json:"id"`
	AffiliateID      uint            `gorm:"column:affiliate_id;not null;index" json:"affiliate_id"`
	TransactionID    uint            `gorm:"column:transaction_id;not null;uniqueIndex" json:"transaction_id"`
	CommissionAmount decimal.Decimal `gorm:"column:commission_amount;type:decimal(20,2);not null" json:"commission_amount"`
	CommissionRate   decimal.Decimal `gorm:"column:commission_rate;type:decimal(5,2);not null" json:"commission_rate"`
	IsApproved       bool            `gorm:"column:is_approved;not null;default:true" json:"is_approved"`
	IsPaid           bool            `gorm:"column:is_paid;not null;default:false" json:"is_paid"`
	PaidAt           *time.Time      `gorm:"column:paid_at" json:"paid_at,omitempty"`
	CreatedAt        time.Time       `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time       `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

func (Referral) TableName() string {
	return "referrals"
}
