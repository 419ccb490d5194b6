package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	analysisdomain "github.com/lexfabric/veredix/internal/analysis/domain"
	"github.com/lexfabric/veredix/internal/config"
	creditdomain "github.com/lexfabric/veredix/internal/credit/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeCreditService struct {
	balance     creditdomain.Balance
	balanceErr  error
	debitResult creditdomain.DebitResult
}

func (f *fakeCreditService) EnsureWorkspace(ctx context.Context, workspaceID snowflake.ID) error {
	return nil
}

func (f *fakeCreditService) GetBalance(ctx context.Context, workspaceID snowflake.ID) (creditdomain.Balance, error) {
	if f.balanceErr != nil {
		return creditdomain.Balance{}, f.balanceErr
	}
	return f.balance, nil
}

func (f *fakeCreditService) Grant(ctx context.Context, req creditdomain.GrantRequest) (*creditdomain.CreditAllocation, error) {
	return &creditdomain.CreditAllocation{WorkspaceID: req.WorkspaceID, Amount: req.Amount}, nil
}

func (f *fakeCreditService) Debit(ctx context.Context, req creditdomain.DebitRequest) creditdomain.DebitResult {
	return f.debitResult
}

func (f *fakeCreditService) Refund(ctx context.Context, req creditdomain.RefundRequest) creditdomain.RefundResult {
	return creditdomain.RefundResult{Success: true}
}

func (f *fakeCreditService) CreateHold(ctx context.Context, req creditdomain.HoldRequest) (*creditdomain.CreditHold, error) {
	return &creditdomain.CreditHold{WorkspaceID: req.WorkspaceID}, nil
}

func (f *fakeCreditService) ReleaseHold(ctx context.Context, workspaceID, holdID snowflake.ID) error {
	return creditdomain.ErrHoldNotFound
}

func (f *fakeCreditService) SweepExpiredHolds(ctx context.Context) (int64, error) {
	return 0, nil
}

type fakeAnalysisService struct {
	result analysisdomain.Result
	err    error
}

func (f *fakeAnalysisService) Run(ctx context.Context, req analysisdomain.Request) (analysisdomain.Result, error) {
	if f.err != nil {
		return analysisdomain.Result{}, f.err
	}
	return f.result, nil
}

func (f *fakeAnalysisService) RecordMovement(ctx context.Context, workspaceID, caseID snowflake.ID, requestID string, movementAt time.Time) (bool, error) {
	return requestID != "replayed", nil
}

func (f *fakeAnalysisService) LastMovement(ctx context.Context, caseID snowflake.ID) (*time.Time, error) {
	return nil, nil
}

func newTestServer(t *testing.T, credits creditdomain.Service, analysis analysisdomain.Service) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	engine := gin.New()
	engine.Use(ErrorHandlingMiddleware())
	return NewServer(Params{
		Engine:   engine,
		Log:      zap.NewNop(),
		Cfg:      config.Config{AppVersion: "test"},
		Credits:  credits,
		Analysis: analysis,
	})
}

func doJSON(t *testing.T, s *Server, method, path string, body any, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)
	return rec
}

func TestDebitInsufficientMapsTo402(t *testing.T) {
	credits := &fakeCreditService{
		debitResult: creditdomain.DebitResult{
			ErrorCode: creditdomain.ErrCodeInsufficientBalance,
			Shortfalls: []creditdomain.Shortfall{{
				Category:  creditdomain.CategoryReport,
				Required:  creditdomain.OneCredit,
				Available: creditdomain.QuarterCredit,
			}},
		},
	}
	s := newTestServer(t, credits, &fakeAnalysisService{})

	rec := doJSON(t, s, http.MethodPost, "/v1/workspaces/42/credits/debits", map[string]any{
		"report_amount": 100,
		"reason":        "analysis",
	}, nil)

	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	var result creditdomain.DebitResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.Len(t, result.Shortfalls, 1)
	assert.Equal(t, creditdomain.OneCredit, result.Shortfalls[0].Required)
	assert.Equal(t, creditdomain.QuarterCredit, result.Shortfalls[0].Available)
}

func TestDebitSuccessMapsTo200(t *testing.T) {
	credits := &fakeCreditService{
		debitResult: creditdomain.DebitResult{Success: true, TransactionIDs: []snowflake.ID{1}},
	}
	s := newTestServer(t, credits, &fakeAnalysisService{})

	rec := doJSON(t, s, http.MethodPost, "/v1/workspaces/42/credits/debits", map[string]any{
		"report_amount": 25,
		"reason":        "analysis",
	}, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAnalysisContendedMapsTo429WithRetryAfter(t *testing.T) {
	analysis := &fakeAnalysisService{
		result: analysisdomain.Result{
			Outcome:    analysisdomain.OutcomeContended,
			RetryAfter: 30 * time.Second,
		},
	}
	s := newTestServer(t, &fakeCreditService{}, analysis)

	rec := doJSON(t, s, http.MethodPost, "/v1/workspaces/42/analyses", map[string]any{
		"document_hashes":  []string{"h1"},
		"process_count":    5,
		"tier":             "report",
		"model_version":    "m1",
		"prompt_signature": "p1",
	}, nil)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "30", rec.Header().Get("Retry-After"))
}

func TestAnalysisInsufficientMapsTo402(t *testing.T) {
	analysis := &fakeAnalysisService{
		result: analysisdomain.Result{Outcome: analysisdomain.OutcomeInsufficient},
	}
	s := newTestServer(t, &fakeCreditService{}, analysis)

	rec := doJSON(t, s, http.MethodPost, "/v1/workspaces/42/analyses", map[string]any{
		"document_hashes":  []string{"h1"},
		"process_count":    5,
		"tier":             "report",
		"model_version":    "m1",
		"prompt_signature": "p1",
	}, nil)
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
}

func TestAnalysisValidationErrorMapsTo400(t *testing.T) {
	analysis := &fakeAnalysisService{err: analysisdomain.ErrNoDocuments}
	s := newTestServer(t, &fakeCreditService{}, analysis)

	rec := doJSON(t, s, http.MethodPost, "/v1/workspaces/42/analyses", map[string]any{
		"document_hashes":  []string{"h1"},
		"process_count":    5,
		"tier":             "report",
		"model_version":    "m1",
		"prompt_signature": "p1",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBalanceUnknownWorkspaceMapsTo404(t *testing.T) {
	credits := &fakeCreditService{balanceErr: creditdomain.ErrNotFound}
	s := newTestServer(t, credits, &fakeAnalysisService{})

	rec := doJSON(t, s, http.MethodGet, "/v1/workspaces/42/credits", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMovementWebhookRequiresRequestID(t *testing.T) {
	s := newTestServer(t, &fakeCreditService{}, &fakeAnalysisService{})
	body := map[string]any{"movement_at": time.Now().UTC()}

	rec := doJSON(t, s, http.MethodPost, "/v1/workspaces/42/cases/7/movements", body, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, s, http.MethodPost, "/v1/workspaces/42/cases/7/movements", body,
		map[string]string{"X-Request-Id": "req-1"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"applied":true`)

	rec = doJSON(t, s, http.MethodPost, "/v1/workspaces/42/cases/7/movements", body,
		map[string]string{"X-Request-Id": "replayed"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"applied":false`)
}

func TestReleaseHoldNotFoundMapsTo404(t *testing.T) {
	s := newTestServer(t, &fakeCreditService{}, &fakeAnalysisService{})

	rec := doJSON(t, s, http.MethodDelete, "/v1/workspaces/42/credits/holds/7", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestInvalidWorkspaceIDMapsTo400(t *testing.T) {
	s := newTestServer(t, &fakeCreditService{}, &fakeAnalysisService{})

	rec := doJSON(t, s, http.MethodGet, "/v1/workspaces/not-a-number/credits", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
