package services

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"settlement-service/internal/config"
	"settlement-service/internal/metrics"
	"settlement-service/pkg/common"
)

const providerMpesa = "mpesa"

// MpesaPlaces is the precision M-Pesa settles in: whole shillings.
const MpesaPlaces int32 = 0

var kenyanMSISDN = regexp.MustCompile(`^254[17]\d{8}$`)

// MpesaService talks to the Daraja API: STK push for collection, B2C for payouts.
type MpesaService struct {
	cfg    config.MpesaConfig
	client *http.Client
	log    *logrus.Entry
	now    func() time.Time

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

func NewMpesaService(cfg config.MpesaConfig, timeout time.Duration, logger *logrus.Logger) *MpesaService {
	return &MpesaService{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
		log:    logger.WithField("provider", providerMpesa),
		now:    time.Now,
	}
}

type mpesaTokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   string `json:"expires_in"`
}

type mpesaErrorBody struct {
	RequestID    string `json:"requestId"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

type stkPushResponse struct {
	mpesaErrorBody
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

type b2cResponse struct {
	mpesaErrorBody
	ConversationID           string `json:"ConversationID"`
	OriginatorConversationID string `json:"OriginatorConversationID"`
	ResponseCode             string `json:"ResponseCode"`
	ResponseDescription      string `json:"ResponseDescription"`
}

// NormalizePhone turns 07XXXXXXXX, +2547XXXXXXXX and 7XXXXXXXX into 2547XXXXXXXX.
func NormalizePhone(phone string) (string, error) {
	p := strings.NewReplacer(" ", "", "-", "", "+", "").Replace(strings.TrimSpace(phone))
	switch {
	case strings.HasPrefix(p, "0") && len(p) == 10:
		p = "254" + p[1:]
	case len(p) == 9:
		p = "254" + p
	}
	if !kenyanMSISDN.MatchString(p) {
		return "", fmt.Errorf("%w: %q is not a valid M-Pesa phone number", ErrInvalidRequest, phone)
	}
	return p, nil
}

// wholeUnits rejects amounts M-Pesa cannot represent.
func wholeUnits(amount decimal.Decimal) (int64, error) {
	if !amount.IsPositive() {
		return 0, fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	}
	if !amount.Equal(amount.Truncate(MpesaPlaces)) {
		return 0, fmt.Errorf("%w: M-Pesa only accepts whole amounts, got %s", ErrInvalidRequest, amount)
	}
	return amount.IntPart(), nil
}

func (s *MpesaService) accessToken(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token != "" && s.now().Before(s.tokenExpiry) {
		return s.token, nil
	}

	basic := base64.StdEncoding.EncodeToString([]byte(s.cfg.ConsumerKey + ":" + s.cfg.ConsumerSecret))
	var resp mpesaTokenResponse
	err := common.Get(ctx, s.client, s.cfg.BaseURL+"/oauth/v1/generate?grant_type=client_credentials",
		map[string]string{"Authorization": "Basic " + basic}, &resp)
	if err != nil {
		return "", gatewayError(providerMpesa, err)
	}
	if resp.AccessToken == "" {
		return "", fmt.Errorf("%s: %w: empty access token", providerMpesa, ErrGatewayUnavailable)
	}

	ttl, convErr := strconv.Atoi(resp.ExpiresIn)
	if convErr != nil || ttl <= 0 {
		ttl = 3599
	}
	s.token = resp.AccessToken
	// refresh a minute early so in-flight calls never carry an expired token
	s.tokenExpiry = s.now().Add(time.Duration(ttl)*time.Second - time.Minute)
	return s.token, nil
}

func (s *MpesaService) post(ctx context.Context, operation, path string, payload interface{}, out interface{}) error {
	token, err := s.accessToken(ctx)
	if err != nil {
		return err
	}
	start := time.Now()
	err = common.Post(ctx, s.client, s.cfg.BaseURL+path, payload, map[string]string{"Authorization": "Bearer " + token}, out)
	err = gatewayError(providerMpesa, err)
	metrics.GatewayDuration.WithLabelValues(providerMpesa, operation, ErrorKind(err)).Observe(time.Since(start).Seconds())
	return err
}

func (s *MpesaService) password(timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(s.cfg.ShortCode + s.cfg.PassKey + timestamp))
}

// InitiateCollection sends an STK push to the payer's phone. The handle is
// the CheckoutRequestID that the STK callback carries.
func (s *MpesaService) InitiateCollection(ctx context.Context, req CollectionRequest) (*CollectionHandle, error) {
	amount, err := wholeUnits(req.Amount)
	if err != nil {
		return nil, err
	}
	phone, err := NormalizePhone(req.PayerContact)
	if err != nil {
		return nil, err
	}

	timestamp := s.now().Format("20060102150405")
	payload := map[string]interface{}{
		"BusinessShortCode": s.cfg.ShortCode,
		"Password":          s.password(timestamp),
		"Timestamp":         timestamp,
		"TransactionType":   "CustomerPayBillOnline",
		"Amount":            amount,
		"PartyA":            phone,
		"PartyB":            s.cfg.ShortCode,
		"PhoneNumber":       phone,
		"CallBackURL":       s.cfg.STKCallbackURL,
		"AccountReference":  req.Reference,
		"TransactionDesc":   truncate(req.Description, 13),
	}

	var resp stkPushResponse
	if err := s.post(ctx, "stkpush", "/mpesa/stkpush/v1/processrequest", payload, &resp); err != nil {
		if resp.ErrorMessage != "" {
			return nil, fmt.Errorf("%w (%s)", err, resp.ErrorMessage)
		}
		return nil, err
	}
	if resp.ResponseCode != "0" || resp.CheckoutRequestID == "" {
		return nil, fmt.Errorf("%s: %w: %s", providerMpesa, ErrInvalidRequest, resp.ResponseDescription)
	}

	s.log.WithFields(logrus.Fields{
		"reference":           req.Reference,
		"checkout_request_id": resp.CheckoutRequestID,
	}).Info("stk push accepted")
	return &CollectionHandle{Reference: resp.CheckoutRequestID}, nil
}

// InitiateDisbursement sends a B2C BusinessPayment. req.Reference goes out as
// the OriginatorConversationID; the returned ConversationID is Safaricom's.
func (s *MpesaService) InitiateDisbursement(ctx context.Context, req DisbursementRequest) (string, error) {
	amount, err := wholeUnits(req.Amount)
	if err != nil {
		return "", err
	}
	phone, err := NormalizePhone(req.Phone)
	if err != nil {
		return "", err
	}

	payload := map[string]interface{}{
		"OriginatorConversationID": req.Reference,
		"InitiatorName":            s.cfg.InitiatorName,
		"SecurityCredential":       s.cfg.SecurityCredential,
		"CommandID":                "BusinessPayment",
		"Amount":                   amount,
		"PartyA":                   s.cfg.ShortCode,
		"PartyB":                   phone,
		"Remarks":                  truncate(req.Remarks, 100),
		"QueueTimeOutURL":          s.cfg.B2CTimeoutURL,
		"ResultURL":                s.cfg.B2CResultURL,
		"Occasion":                 req.Reference,
	}

	var resp b2cResponse
	if err := s.post(ctx, "b2c", "/mpesa/b2c/v1/paymentrequest", payload, &resp); err != nil {
		if resp.ErrorMessage != "" {
			return "", fmt.Errorf("%w (%s)", err, resp.ErrorMessage)
		}
		return "", err
	}
	if resp.ResponseCode != "0" {
		return "", fmt.Errorf("%s: %w: %s", providerMpesa, ErrInvalidRequest, resp.ResponseDescription)
	}

	s.log.WithFields(logrus.Fields{
		"reference":       req.Reference,
		"conversation_id": resp.ConversationID,
	}).Info("b2c payment accepted")
	return resp.ConversationID, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
