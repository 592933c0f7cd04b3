package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"settlement-service/internal/models"
	"settlement-service/internal/services"
	"settlement-service/pkg/common"
)

const (
	providerMpesa    = "mpesa"
	providerPaystack = "paystack"
)

var errMalformedCallback = errors.New("malformed callback")

// Webhooks always answer with the provider acknowledgment. Whatever went
// wrong internally is logged and recorded with the callback instead.
func (h *Handler) ack(c *gin.Context) {
	c.JSON(http.StatusOK, common.Accepted())
}

// readBody returns the callback body. An unreadable body is recorded as a
// validation failure and acknowledged, and ok is false.
func (h *Handler) readBody(c *gin.Context, provider, kind string) ([]byte, bool) {
	body, err := c.GetRawData()
	if err != nil {
		h.log.WithError(err).WithFields(logrus.Fields{"provider": provider, "kind": kind}).Warn("callback body unreadable")
		h.settlement.RecordCallback(c.Request.Context(), provider, kind, "", body, "validation")
		h.ack(c)
		return nil, false
	}
	return body, true
}

func (h *Handler) outcome(err error) string {
	if errors.Is(err, errMalformedCallback) {
		return "validation"
	}
	return services.ErrorKind(err)
}

type stkCallback struct {
	Body struct {
		StkCallback struct {
			MerchantRequestID string `json:"MerchantRequestID"`
			CheckoutRequestID string `json:"CheckoutRequestID"`
			ResultCode        int    `json:"ResultCode"`
			ResultDesc        string `json:"ResultDesc"`
		} `json:"stkCallback"`
	} `json:"Body"`
}

func (h *Handler) MpesaSTKCallback(c *gin.Context) {
	body, ok := h.readBody(c, providerMpesa, models.CallbackCollection)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	var cb stkCallback
	var err error
	if json.Unmarshal(body, &cb) != nil || cb.Body.StkCallback.CheckoutRequestID == "" {
		err = errMalformedCallback
	} else {
		res := cb.Body.StkCallback
		err = h.settlement.OnCollectionResult(ctx, res.CheckoutRequestID, res.ResultCode == 0, res.ResultDesc)
	}
	h.settlement.RecordCallback(ctx, providerMpesa, models.CallbackCollection, cb.Body.StkCallback.CheckoutRequestID, body, h.outcome(err))
	if err != nil {
		h.log.WithError(err).Warn("stk callback not applied")
	}
	h.ack(c)
}

type b2cResult struct {
	Result struct {
		ResultType               int    `json:"ResultType"`
		ResultCode               int    `json:"ResultCode"`
		ResultDesc               string `json:"ResultDesc"`
		OriginatorConversationID string `json:"OriginatorConversationID"`
		ConversationID           string `json:"ConversationID"`
		TransactionID            string `json:"TransactionID"`
	} `json:"Result"`
}

// conversationID prefers our own reference, which is known before the B2C
// request returns.
func (r b2cResult) conversationID() string {
	if r.Result.OriginatorConversationID != "" {
		return r.Result.OriginatorConversationID
	}
	return r.Result.ConversationID
}

func (h *Handler) MpesaB2CResult(c *gin.Context) {
	body, ok := h.readBody(c, providerMpesa, models.CallbackDisbursement)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	var res b2cResult
	var err error
	if json.Unmarshal(body, &res) != nil || res.conversationID() == "" {
		err = errMalformedCallback
	} else {
		err = h.settlement.OnDisbursementResult(ctx, services.DisbursementResult{
			ConversationID:        res.conversationID(),
			Success:               res.Result.ResultCode == 0,
			ResultCode:            strconv.Itoa(res.Result.ResultCode),
			Reason:                res.Result.ResultDesc,
			ProviderTransactionID: res.Result.TransactionID,
		})
	}
	h.settlement.RecordCallback(ctx, providerMpesa, models.CallbackDisbursement, res.conversationID(), body, h.outcome(err))
	if err != nil {
		h.log.WithError(err).Warn("b2c result not applied")
	}
	h.ack(c)
}

func (h *Handler) MpesaB2CTimeout(c *gin.Context) {
	body, ok := h.readBody(c, providerMpesa, models.CallbackTimeout)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	var res b2cResult
	var err error
	if json.Unmarshal(body, &res) != nil || res.conversationID() == "" {
		err = errMalformedCallback
	} else {
		err = h.settlement.OnDisbursementTimeout(ctx, res.conversationID())
	}
	h.settlement.RecordCallback(ctx, providerMpesa, models.CallbackTimeout, res.conversationID(), body, h.outcome(err))
	if err != nil {
		h.log.WithError(err).Warn("b2c timeout not applied")
	}
	h.ack(c)
}

type paystackEvent struct {
	Event string `json:"event"`
	Data  struct {
		Reference       string `json:"reference"`
		Status          string `json:"status"`
		GatewayResponse string `json:"gateway_response"`
		TransferCode    string `json:"transfer_code"`
	} `json:"data"`
}

func (h *Handler) PaystackWebhook(c *gin.Context) {
	body, ok := h.readBody(c, providerPaystack, models.CallbackCollection)
	if !ok {
		return
	}
	if h.paystack == nil || !h.paystack.VerifySignature(body, c.GetHeader("x-paystack-signature")) {
		h.log.Warn("paystack webhook with invalid signature")
		c.JSON(http.StatusUnauthorized, common.NewErrorResponse("invalid signature", nil, http.StatusUnauthorized))
		return
	}
	ctx := c.Request.Context()

	var evt paystackEvent
	if json.Unmarshal(body, &evt) != nil || evt.Data.Reference == "" {
		h.settlement.RecordCallback(ctx, providerPaystack, models.CallbackCollection, "", body, "validation")
		h.ack(c)
		return
	}

	ref := evt.Data.Reference
	kind := models.CallbackCollection
	var err error
	switch evt.Event {
	case "charge.success":
		err = h.settlement.OnCollectionResult(ctx, ref, true, "")
	case "charge.failed":
		err = h.settlement.OnCollectionResult(ctx, ref, false, evt.Data.GatewayResponse)
	case "transfer.success":
		kind = models.CallbackDisbursement
		err = h.settlement.OnDisbursementResult(ctx, services.DisbursementResult{
			ConversationID:        ref,
			Success:               true,
			ResultCode:            "0",
			Reason:                "transfer successful",
			ProviderTransactionID: evt.Data.TransferCode,
		})
	case "transfer.failed", "transfer.reversed":
		kind = models.CallbackDisbursement
		status := strings.TrimPrefix(evt.Event, "transfer.")
		err = h.settlement.OnDisbursementResult(ctx, services.DisbursementResult{
			ConversationID:        ref,
			ResultCode:            status,
			Reason:                "transfer " + status,
			ProviderTransactionID: evt.Data.TransferCode,
		})
	default:
		h.settlement.RecordCallback(ctx, providerPaystack, kind, ref, body, "ignored")
		h.ack(c)
		return
	}

	h.settlement.RecordCallback(ctx, providerPaystack, kind, ref, body, h.outcome(err))
	if err != nil {
		h.log.WithError(err).WithField("event", evt.Event).Warn("paystack webhook not applied")
	}
	h.ack(c)
}
