package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"settlement-service/pkg/common"
)

func (h *Handler) AffiliateSummary(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	sum, err := h.reporting.AffiliateSummary(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, common.NewSuccessResponse(sum, "success"))
}

func (h *Handler) AffiliateReferrals(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	page, limit := common.ParsePage(c.Query("page"), c.Query("limit"))
	res, err := h.reporting.AffiliateReferrals(c.Request.Context(), id, page, limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) LegCounts(c *gin.Context) {
	rows, err := h.reporting.LegCounts(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, common.NewSuccessResponse(rows, "success"))
}

type approvalRequest struct {
	Approved *bool `json:"approved" binding:"required"`
}

func (h *Handler) SetReferralApproval(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var req approvalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, common.NewErrorResponse(err.Error(), nil, http.StatusBadRequest))
		return
	}
	ref, err := h.reporting.SetReferralApproval(c.Request.Context(), id, *req.Approved)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, common.NewSuccessResponse(ref, "Referral updated"))
}
