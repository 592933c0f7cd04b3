package services

import (
	"context"

	"github.com/shopspring/decimal"
)

type CollectionRequest struct {
	Reference    string
	PayerContact string
	PayerEmail   string
	Amount       decimal.Decimal
	Currency     string
	Description  string
}

// CollectionHandle identifies a pending collection at the provider.
// AuthorizationURL is set by card providers that redirect the payer.
type CollectionHandle struct {
	Reference        string
	AuthorizationURL string
}

type CollectionGateway interface {
	InitiateCollection(ctx context.Context, req CollectionRequest) (*CollectionHandle, error)
}

type DisbursementRequest struct {
	Reference     string
	Phone         string
	RecipientCode string
	BankCode      string
	AccountNumber string
	AccountName   string
	Amount        decimal.Decimal
	Currency      string
	Remarks       string
}

type DisbursementGateway interface {
	// InitiateDisbursement returns the provider's conversation id for the
	// transfer. The result arrives later through a webhook.
	InitiateDisbursement(ctx context.Context, req DisbursementRequest) (string, error)
}
