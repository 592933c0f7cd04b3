package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"settlement-service/internal/ledger"
	"settlement-service/internal/metrics"
	"settlement-service/internal/models"
	"settlement-service/internal/services"
	"settlement-service/pkg/common"
)

// Settlement is the part of *services.SettlementService the HTTP layer drives.
type Settlement interface {
	CreateTransaction(ctx context.Context, in services.CreateTransactionInput) (*models.Transaction, []models.SplitLeg, error)
	InitiateCollection(ctx context.Context, transactionID uint, payerContact string) (*models.Transaction, error)
	OnCollectionResult(ctx context.Context, handle string, success bool, reason string) error
	OnDisbursementResult(ctx context.Context, res services.DisbursementResult) error
	OnDisbursementTimeout(ctx context.Context, conversationID string) error
	RecordCallback(ctx context.Context, provider, kind, reference string, payload []byte, outcome string)
}

type Reporting interface {
	TransactionStatus(ctx context.Context, id uint) (*services.TransactionStatusView, error)
	AffiliateSummary(ctx context.Context, affiliateID uint) (*ledger.CommissionSummary, error)
	AffiliateReferrals(ctx context.Context, affiliateID uint, page, limit int) (common.PaginationResult, error)
	LegCounts(ctx context.Context) ([]ledger.LegCount, error)
	SetReferralApproval(ctx context.Context, referralID uint, approved bool) (*models.Referral, error)
}

// SignatureVerifier checks a webhook body against its signature header.
type SignatureVerifier interface {
	VerifySignature(body []byte, signature string) bool
}

type Handler struct {
	settlement Settlement
	reporting  Reporting
	paystack   SignatureVerifier
	log        *logrus.Entry
}

// NewHandler wires the HTTP layer. paystack may be nil, in which case every
// Paystack webhook is rejected.
func NewHandler(settlement Settlement, reporting Reporting, paystack SignatureVerifier, logger *logrus.Logger) *Handler {
	return &Handler{
		settlement: settlement,
		reporting:  reporting,
		paystack:   paystack,
		log:        logger.WithField("component", "http"),
	}
}

func (h *Handler) RegisterRoutes(r gin.IRouter) {
	r.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "pong"})
	})
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	api := r.Group("/api/v1")
	{
		api.POST("/transactions", h.CreateTransaction)
		api.POST("/transactions/:id/collect", h.InitiateCollection)
		api.GET("/transactions/:id", h.TransactionStatus)

		api.POST("/webhooks/mpesa/stk", h.MpesaSTKCallback)
		api.POST("/webhooks/mpesa/b2c/result", h.MpesaB2CResult)
		api.POST("/webhooks/mpesa/b2c/timeout", h.MpesaB2CTimeout)
		api.POST("/webhooks/paystack", h.PaystackWebhook)

		api.GET("/affiliates/:id/summary", h.AffiliateSummary)
		api.GET("/affiliates/:id/referrals", h.AffiliateReferrals)
		api.GET("/reports/legs", h.LegCounts)
		api.PATCH("/referrals/:id/approval", h.SetReferralApproval)
	}
}

func (h *Handler) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	message := err.Error()
	switch services.ErrorKind(err) {
	case "validation":
		status = http.StatusBadRequest
	case "not_found":
		status = http.StatusNotFound
	case "conflict":
		status = http.StatusConflict
	case "gateway_timeout", "gateway_unavailable", "invalid_request":
		status = http.StatusBadGateway
	default:
		h.log.WithError(err).WithField("path", c.FullPath()).Error("request failed")
		message = "internal server error"
	}
	c.JSON(status, common.NewErrorResponse(message, nil, status))
}

func idParam(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, common.NewErrorResponse("invalid id", nil, http.StatusBadRequest))
		return 0, false
	}
	return uint(id), true
}
