package models

import (
	"time"
)

type PartyRole string

const (
	PartyCustomer  PartyRole = "customer"
	PartyVendor    PartyRole = "vendor"
	PartyAffiliate PartyRole = "affiliate"
)

// Party is a marketplace account as seen by settlement. The table is owned
// by the accounts service; settlement only reads it.
type Party struct {
	ID                    uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Role                  PartyRole `gorm:"column:role;size:20;not null;index" json:"role"`
	Name                  string    `gorm:"column:name;size:150" json:"name"`
	Email                 string    `gorm:"column:email;size:255" json:"email"`
	Phone                 string    `gorm:"column:phone;size:20" json:"phone"`
	AffiliateCode         *string   `gorm:"column:affiliate_code;size:20;uniqueIndex" json:"affiliate_code,omitempty"`
	PaystackRecipientCode string    `gorm:"column:paystack_recipient_code;size:100" json:"paystack_recipient_code,omitempty"`
	BankCode              string    `gorm:"column:bank_code;size:20" json:"bank_code,omitempty"`
	AccountNumber         string    `gorm:"column:account_number;size:40" json:"account_number,omitempty"`
	Active                bool      `gorm:"column:active;not null;default:true" json:"active"`
	CreatedAt             time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt             time.Time `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

func (Party) TableName() string {
	return "parties"
}
