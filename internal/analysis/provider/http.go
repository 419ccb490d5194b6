// Package provider contains Analyzer adapters for external model backends.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	analysisdomain "github.com/lexfabric/veredix/internal/analysis/domain"
	"go.uber.org/zap"
)

// HTTPAnalyzer posts analysis requests to the model gateway and returns its
// JSON response verbatim.
type HTTPAnalyzer struct {
	endpoint string
	client   *http.Client
	log      *zap.Logger
}

func NewHTTPAnalyzer(log *zap.Logger) (analysisdomain.Analyzer, error) {
	endpoint := strings.TrimSpace(os.Getenv("ANALYZER_URL"))
	if endpoint == "" {
		return nil, errors.New("ANALYZER_URL is required")
	}
	return &HTTPAnalyzer{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 120 * time.Second},
		log:      log.Named("analysis.provider.http"),
	}, nil
}

type analyzeRequest struct {
	WorkspaceID     string   `json:"workspace_id"`
	DocumentHashes  []string `json:"document_hashes"`
	ProcessCount    int      `json:"process_count"`
	Tier            string   `json:"tier"`
	ModelVersion    string   `json:"model_version"`
	PromptSignature string   `json:"prompt_signature"`
}

func (a *HTTPAnalyzer) Analyze(ctx context.Context, req analysisdomain.Request) (json.RawMessage, error) {
	body, err := json.Marshal(analyzeRequest{
		WorkspaceID:     req.WorkspaceID.String(),
		DocumentHashes:  req.DocumentHashes,
		ProcessCount:    req.ProcessCount,
		Tier:            string(req.Tier),
		ModelVersion:    req.ModelVersion,
		PromptSignature: req.PromptSignature,
	})
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		a.log.Error("analyzer backend rejected request",
			zap.Int("status", resp.StatusCode),
			zap.String("model_version", req.ModelVersion),
		)
		return nil, fmt.Errorf("analyzer returned status %d", resp.StatusCode)
	}
	if !json.Valid(payload) {
		return nil, errors.New("analyzer returned invalid JSON")
	}
	return payload, nil
}
