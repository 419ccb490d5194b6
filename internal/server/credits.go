package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	creditdomain "github.com/lexfabric/veredix/internal/credit/domain"
)

type grantRequest struct {
	Category  string     `json:"category" binding:"required"`
	Type      string     `json:"type" binding:"required"`
	Amount    int64      `json:"amount" binding:"required"`
	Source    string     `json:"source"`
	ExpiresAt *time.Time `json:"expires_at"`
}

type debitRequest struct {
	ReportAmount int64          `json:"report_amount"`
	FullAmount   int64          `json:"full_amount"`
	Reason       string         `json:"reason" binding:"required"`
	Metadata     map[string]any `json:"metadata"`
}

type refundRequest struct {
	DebitTransactionIDs []int64        `json:"debit_transaction_ids" binding:"required"`
	Reason              string         `json:"reason" binding:"required"`
	Metadata            map[string]any `json:"metadata"`
}

type holdRequest struct {
	ReservedReport int64  `json:"reserved_report"`
	ReservedFull   int64  `json:"reserved_full"`
	Reason         string `json:"reason"`
	TTLSeconds     int64  `json:"ttl_seconds"`
}

func (s *Server) ensureWorkspace(c *gin.Context) {
	workspaceID, ok := parseID(c, "workspace_id")
	if !ok {
		return
	}

	if err := s.credits.EnsureWorkspace(c.Request.Context(), workspaceID); err != nil {
		AbortWithError(c, err)
		return
	}

	balance, err := s.credits.GetBalance(c.Request.Context(), workspaceID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	respondData(c, http.StatusOK, balance)
}

func (s *Server) getBalance(c *gin.Context) {
	workspaceID, ok := parseID(c, "workspace_id")
	if !ok {
		return
	}

	balance, err := s.credits.GetBalance(c.Request.Context(), workspaceID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	respondData(c, http.StatusOK, balance)
}

func (s *Server) grantCredits(c *gin.Context) {
	workspaceID, ok := parseID(c, "workspace_id")
	if !ok {
		return
	}

	var body grantRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_request_body"})
		return
	}

	allocation, err := s.credits.Grant(c.Request.Context(), creditdomain.GrantRequest{
		WorkspaceID: workspaceID,
		Category:    creditdomain.Category(body.Category),
		Type:        creditdomain.AllocationType(body.Type),
		Amount:      creditdomain.Amount(body.Amount),
		Source:      body.Source,
		ExpiresAt:   body.ExpiresAt,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	respondData(c, http.StatusCreated, allocation)
}

func (s *Server) debitCredits(c *gin.Context) {
	workspaceID, ok := parseID(c, "workspace_id")
	if !ok {
		return
	}

	var body debitRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_request_body"})
		return
	}

	result := s.credits.Debit(c.Request.Context(), creditdomain.DebitRequest{
		WorkspaceID:  workspaceID,
		ReportAmount: creditdomain.Amount(body.ReportAmount),
		FullAmount:   creditdomain.Amount(body.FullAmount),
		Reason:       body.Reason,
		Metadata:     body.Metadata,
	})
	c.JSON(debitStatus(result), result)
}

func debitStatus(result creditdomain.DebitResult) int {
	if result.Success {
		return http.StatusOK
	}
	switch result.ErrorCode {
	case creditdomain.ErrCodeInsufficientBalance:
		return http.StatusPaymentRequired
	case creditdomain.ErrCodeInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

func (s *Server) refundCredits(c *gin.Context) {
	var body refundRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_request_body"})
		return
	}

	ids := make([]snowflake.ID, 0, len(body.DebitTransactionIDs))
	for _, raw := range body.DebitTransactionIDs {
		ids = append(ids, snowflake.ID(raw))
	}

	result := s.credits.Refund(c.Request.Context(), creditdomain.RefundRequest{
		DebitTransactionIDs: ids,
		Reason:              body.Reason,
		Metadata:            body.Metadata,
	})
	c.JSON(refundStatus(result), result)
}

func refundStatus(result creditdomain.RefundResult) int {
	if result.Success {
		return http.StatusOK
	}
	switch result.ErrorCode {
	case creditdomain.ErrCodeInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

func (s *Server) createHold(c *gin.Context) {
	workspaceID, ok := parseID(c, "workspace_id")
	if !ok {
		return
	}

	var body holdRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_request_body"})
		return
	}

	hold, err := s.credits.CreateHold(c.Request.Context(), creditdomain.HoldRequest{
		WorkspaceID:    workspaceID,
		ReservedReport: creditdomain.Amount(body.ReservedReport),
		ReservedFull:   creditdomain.Amount(body.ReservedFull),
		Reason:         body.Reason,
		TTL:            time.Duration(body.TTLSeconds) * time.Second,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	respondData(c, http.StatusCreated, hold)
}

func (s *Server) releaseHold(c *gin.Context) {
	workspaceID, ok := parseID(c, "workspace_id")
	if !ok {
		return
	}
	holdID, ok := parseID(c, "hold_id")
	if !ok {
		return
	}

	err := s.credits.ReleaseHold(c.Request.Context(), workspaceID, holdID)
	if err != nil {
		if errors.Is(err, creditdomain.ErrHoldNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error()})
			return
		}
		AbortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
