package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type TransactionKind string

const (
	KindProductSale     TransactionKind = "product_sale"
	KindRegistrationFee TransactionKind = "registration_fee"
)

type Channel string

const (
	ChannelMpesa    Channel = "mpesa"
	ChannelPaystack Channel = "paystack"
)

type TransactionStatus string

const (
	TransactionPending                 TransactionStatus = "pending"
	TransactionCollecting              TransactionStatus = "collecting"
	TransactionProcessing              TransactionStatus = "processing"
	TransactionCompleted               TransactionStatus = "completed"
	TransactionCompletedWithFailedLegs TransactionStatus = "completed_with_failed_legs"
	TransactionFailed                  TransactionStatus = "failed"
)

// Terminal reports whether no further transition can leave s.
func (s TransactionStatus) Terminal() bool {
	return s == TransactionCompleted || s == TransactionCompletedWithFailedLegs || s == TransactionFailed
}

// Transaction is one gross payment obligation: a product sale or a
// registration fee. Rows are never deleted.
type Transaction struct {
	ID                  uint              `gorm:"primaryKey;autoIncrement" json:"id"`
	Reference           string            `gorm:"column:reference;size:40;not null;uniqueIndex" json:"reference"`
	Kind                TransactionKind   `gorm:"column:kind;size:30;not null" json:"kind"`
	PayerID             uint              `gorm:"column:payer_id;index" json:"payer_id"`
	PayerContact        string            `gorm:"column:payer_contact;size:50" json:"payer_contact"`
	PayerEmail          string            `gorm:"column:payer_email;size:255" json:"payer_email"`
	VendorID            uint              `gorm:"column:vendor_id;not null;index" json:"vendor_id"`
	AffiliateID         *uint             `gorm:"column:affiliate_id;index" json:"affiliate_id,omitempty"`
	Amount              decimal.Decimal   `gorm:"column:amount;type:decimal(20,2);not null" json:"amount"`
	Currency            string            `gorm:"column:currency;size:3;not null" json:"currency"`
	Channel             Channel           `gorm:"column:channel;size:20;not null" json:"channel"`
	Status              TransactionStatus `gorm:"column:status;size:40;not null;default:pending;index" json:"status"`
	CollectionReference *string           `gorm:"column:collection_reference;size:100;uniqueIndex" json:"collection_reference,omitempty"`
	AuthorizationURL    string            `gorm:"column:authorization_url;size:255" json:"authorization_url,omitempty"`
	FailureReason       string            `gorm:"column:failure_reason;type:text" json:"failure_reason,omitempty"`
	CompanyAmount       decimal.Decimal   `gorm:"column:company_amount;type:decimal(20,2);not null" json:"company_amount"`
	VendorAmount        decimal.Decimal   `gorm:"column:vendor_amount;type:decimal(20,2);not null" json:"vendor_amount"`
	AffiliateAmount     decimal.Decimal   `gorm:"column:affiliate_amount;type:decimal(20,2);not null" json:"affiliate_amount"`
	CompletedAt         *time.Time        `gorm:"column:completed_at" json:"completed_at,omitempty"`
	CreatedAt           time.Time         `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt           time.Time         `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

func (Transaction) TableName() string {
	return "transactions"
}
