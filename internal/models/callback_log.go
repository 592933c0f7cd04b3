package models

import (
	"time"

	"gorm.io/datatypes"
)

const (
	CallbackCollection   = "collection"
	CallbackDisbursement = "disbursement"
	CallbackTimeout      = "timeout"
)

type CallbackLog struct {
	ID        uint           `gorm:"primaryKey;autoIncrement" json:"id"`
	Provider  string         `gorm:"column:provider;size:20;not null" json:"provider"`
	Kind      string         `gorm:"column:kind;size:20;not null" json:"kind"`
	Reference string         `gorm:"column:reference;size:100;index" json:"reference"`
	Payload   datatypes.JSON `gorm:"column:payload" json:"payload"`
	Outcome   string         `gorm:"column:outcome;size:255" json:"outcome"`
	CreatedAt time.Time      `gorm:"column:created_at;autoCreateTime" json:"created_at"`
}

func (CallbackLog) TableName() string {
	return "callback_logs"
}

// UnmatchedCollection is a collection verdict that arrived before its
// transaction knew the provider handle. It is applied once the handle is
// attached.
type UnmatchedCollection struct {
	ID                  uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	CollectionReference string    `gorm:"column:collection_reference;size:100;not null;uniqueIndex" json:"collection_reference"`
	Success             bool      `gorm:"column:success;not null" json:"success"`
	Reason              string    `gorm:"column:reason;type:text" json:"reason"`
	CreatedAt           time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
}

func (UnmatchedCollection) TableName() string {
	return "unmatched_collections"
}
