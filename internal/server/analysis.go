package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	analysisdomain "github.com/lexfabric/veredix/internal/analysis/domain"
)

type analysisRequest struct {
	CaseID          int64      `json:"case_id"`
	DocumentHashes  []string   `json:"document_hashes" binding:"required"`
	ProcessCount    int        `json:"process_count" binding:"required"`
	Tier            string     `json:"tier" binding:"required"`
	ModelVersion    string     `json:"model_version" binding:"required"`
	PromptSignature string     `json:"prompt_signature" binding:"required"`
	LastMovementAt  *time.Time `json:"last_movement_at"`
}

type movementRequest struct {
	MovementAt time.Time `json:"movement_at" binding:"required"`
}

func (s *Server) runAnalysis(c *gin.Context) {
	workspaceID, ok := parseID(c, "workspace_id")
	if !ok {
		return
	}

	var body analysisRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_request_body"})
		return
	}

	result, err := s.analysis.Run(c.Request.Context(), analysisdomain.Request{
		WorkspaceID:     workspaceID,
		CaseID:          snowflake.ID(body.CaseID),
		DocumentHashes:  body.DocumentHashes,
		ProcessCount:    body.ProcessCount,
		Tier:            analysisdomain.Tier(body.Tier),
		ModelVersion:    body.ModelVersion,
		PromptSignature: body.PromptSignature,
		LastMovementAt:  body.LastMovementAt,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	status := analysisStatus(result)
	if result.Outcome == analysisdomain.OutcomeContended && result.RetryAfter > 0 {
		seconds := int64(result.RetryAfter / time.Second)
		if seconds < 1 {
			seconds = 1
		}
		c.Header("Retry-After", strconv.FormatInt(seconds, 10))
	}
	c.JSON(status, result)
}

func analysisStatus(result analysisdomain.Result) int {
	switch result.Outcome {
	case analysisdomain.OutcomeCached, analysisdomain.OutcomeComputed:
		return http.StatusOK
	case analysisdomain.OutcomeContended:
		return http.StatusTooManyRequests
	case analysisdomain.OutcomeInsufficient:
		return http.StatusPaymentRequired
	default:
		return http.StatusInternalServerError
	}
}

// recordMovement is the webhook intake. The X-Request-Id header deduplicates
// retried deliveries; a replay acknowledges with 200 but applies nothing.
func (s *Server) recordMovement(c *gin.Context) {
	workspaceID, ok := parseID(c, "workspace_id")
	if !ok {
		return
	}
	caseID, ok := parseID(c, "case_id")
	if !ok {
		return
	}

	requestID := c.GetHeader("X-Request-Id")
	if requestID == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "missing_request_id"})
		return
	}

	var body movementRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_request_body"})
		return
	}

	applied, err := s.analysis.RecordMovement(c.Request.Context(), workspaceID, caseID, requestID, body.MovementAt)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	respondData(c, http.StatusOK, gin.H{"applied": applied})
}
