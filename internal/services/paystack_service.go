package services

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"settlement-service/internal/config"
	"settlement-service/internal/metrics"
	"settlement-service/pkg/common"
)

const providerPaystack = "paystack"

// PaystackService collects card payments and sends bank or mobile-money transfers.
type PaystackService struct {
	cfg    config.PaystackConfig
	client *http.Client
	log    *logrus.Entry
}

func NewPaystackService(cfg config.PaystackConfig, timeout time.Duration, logger *logrus.Logger) *PaystackService {
	return &PaystackService{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
		log:    logger.WithField("provider", providerPaystack),
	}
}

type paystackResponse struct {
	Status  bool   `json:"status"`
	Message string `json:"message"`
}

type paystackInitializeResponse struct {
	paystackResponse
	Data struct {
		AuthorizationURL string `json:"authorization_url"`
		AccessCode       string `json:"access_code"`
		Reference        string `json:"reference"`
	} `json:"data"`
}

type paystackRecipientResponse struct {
	paystackResponse
	Data struct {
		RecipientCode string `json:"recipient_code"`
	} `json:"data"`
}

type paystackTransferResponse struct {
	paystackResponse
	Data struct {
		TransferCode string `json:"transfer_code"`
		Reference    string `json:"reference"`
		Status       string `json:"status"`
	} `json:"data"`
}

func (s *PaystackService) headers() map[string]string {
	return map[string]string{"Authorization": "Bearer " + s.cfg.SecretKey}
}

// subunits converts a major-unit amount to the integer subunits Paystack expects.
func subunits(amount decimal.Decimal) (int64, error) {
	if !amount.IsPositive() {
		return 0, fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	}
	minor := amount.Shift(2)
	if !minor.Equal(minor.Truncate(0)) {
		return 0, fmt.Errorf("%w: amount %s has more than two decimal places", ErrInvalidRequest, amount)
	}
	return minor.IntPart(), nil
}

func (s *PaystackService) post(ctx context.Context, operation, path string, payload interface{}, out interface{}) error {
	start := time.Now()
	err := common.Post(ctx, s.client, s.cfg.BaseURL+path, payload, s.headers(), out)
	err = gatewayError(providerPaystack, err)
	metrics.GatewayDuration.WithLabelValues(providerPaystack, operation, ErrorKind(err)).Observe(time.Since(start).Seconds())
	return err
}

// InitiateCollection opens a card checkout. The handle is our own reference,
// which Paystack echoes back in charge webhooks.
func (s *PaystackService) InitiateCollection(ctx context.Context, req CollectionRequest) (*CollectionHandle, error) {
	amount, err := subunits(req.Amount)
	if err != nil {
		return nil, err
	}
	if req.PayerEmail == "" {
		return nil, fmt.Errorf("%w: paystack checkout requires the payer email", ErrInvalidRequest)
	}

	payload := map[string]interface{}{
		"email":        req.PayerEmail,
		"amount":       amount,
		"currency":     req.Currency,
		"reference":    req.Reference,
		"callback_url": s.cfg.CallbackURL,
		"metadata": map[string]string{
			"description": req.Description,
			"phone":       req.PayerContact,
		},
	}

	var resp paystackInitializeResponse
	if err := s.post(ctx, "initialize", "/transaction/initialize", payload, &resp); err != nil {
		return nil, err
	}
	if !resp.Status {
		return nil, fmt.Errorf("%w: %s", ErrInvalidRequest, resp.Message)
	}

	s.log.WithField("reference", req.Reference).Info("paystack checkout initialized")
	return &CollectionHandle{Reference: req.Reference, AuthorizationURL: resp.Data.AuthorizationURL}, nil
}

// InitiateDisbursement sends a transfer using req.Reference as the Paystack
// transfer reference, so transfer webhooks resolve back to the leg.
func (s *PaystackService) InitiateDisbursement(ctx context.Context, req DisbursementRequest) (string, error) {
	amount, err := subunits(req.Amount)
	if err != nil {
		return "", err
	}

	recipient := req.RecipientCode
	if recipient == "" {
		recipient, err = s.createRecipient(ctx, req)
		if err != nil {
			return "", err
		}
	}

	payload := map[string]interface{}{
		"source":    "balance",
		"amount":    amount,
		"currency":  req.Currency,
		"recipient": recipient,
		"reason":    req.Remarks,
		"reference": req.Reference,
	}

	var resp paystackTransferResponse
	if err := s.post(ctx, "transfer", "/transfer", payload, &resp); err != nil {
		return "", err
	}
	if !resp.Status {
		return "", fmt.Errorf("%w: %s", ErrInvalidRequest, resp.Message)
	}

	s.log.WithFields(logrus.Fields{
		"reference":     req.Reference,
		"transfer_code": resp.Data.TransferCode,
	}).Info("paystack transfer queued")
	return req.Reference, nil
}

func (s *PaystackService) createRecipient(ctx context.Context, req DisbursementRequest) (string, error) {
	params := map[string]interface{}{
		"name":     req.AccountName,
		"currency": req.Currency,
	}
	switch {
	case req.AccountNumber != "" && req.BankCode != "":
		params["type"] = bankRecipientType(req.Currency)
		params["account_number"] = req.AccountNumber
		params["bank_code"] = req.BankCode
	case req.Phone != "":
		params["type"] = "mobile_money"
		params["account_number"] = req.Phone
		params["bank_code"] = req.BankCode
	default:
		return "", fmt.Errorf("%w: recipient has no bank account or phone", ErrInvalidRequest)
	}

	var resp paystackRecipientResponse
	if err := s.post(ctx, "transferrecipient", "/transferrecipient", params, &resp); err != nil {
		return "", err
	}
	if !resp.Status || resp.Data.RecipientCode == "" {
		return "", fmt.Errorf("%w: %s", ErrInvalidRequest, resp.Message)
	}
	return resp.Data.RecipientCode, nil
}

func bankRecipientType(currency string) string {
	switch currency {
	case "KES":
		return "kepss"
	case "GHS":
		return "ghipss"
	case "ZAR":
		return "basa"
	}
	return "nuban"
}

// VerifySignature checks the x-paystack-signature header: hex HMAC-SHA512 of
// the raw body keyed with the secret key.
func (s *PaystackService) VerifySignature(body []byte, signature string) bool {
	if s.cfg.SecretKey == "" || signature == "" {
		return false
	}
	mac := hmac.New(sha512.New, []byte(s.cfg.SecretKey))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
