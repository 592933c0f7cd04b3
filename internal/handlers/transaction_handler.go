package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"settlement-service/internal/services"
	"settlement-service/pkg/common"
)

func (h *Handler) CreateTransaction(c *gin.Context) {
	var req services.CreateTransactionInput
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, common.NewErrorResponse(err.Error(), nil, http.StatusBadRequest))
		return
	}

	txn, legs, err := h.settlement.CreateTransaction(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, common.NewSuccessResponse(gin.H{"transaction": txn, "legs": legs}, "Transaction created"))
}

type collectRequest struct {
	PayerContact string `json:"payer_contact"`
}

func (h *Handler) InitiateCollection(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var req collectRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, common.NewErrorResponse(err.Error(), nil, http.StatusBadRequest))
			return
		}
	}

	txn, err := h.settlement.InitiateCollection(c.Request.Context(), id, req.PayerContact)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, common.NewSuccessResponse(txn, "Collection initiated"))
}

func (h *Handler) TransactionStatus(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	view, err := h.reporting.TransactionStatus(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, common.NewSuccessResponse(view, "success"))
}
