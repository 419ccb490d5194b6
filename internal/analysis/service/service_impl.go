package service

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	analysisdomain "github.com/lexfabric/veredix/internal/analysis/domain"
	cachedomain "github.com/lexfabric/veredix/internal/analysiscache/domain"
	creditdomain "github.com/lexfabric/veredix/internal/credit/domain"
	webhookdomain "github.com/lexfabric/veredix/internal/webhook/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Cache    cachedomain.Service
	Credits  creditdomain.Service
	Webhooks webhookdomain.Service
	Analyzer analysisdomain.Analyzer
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	cache    cachedomain.Service
	credits  creditdomain.Service
	webhooks webhookdomain.Service
	analyzer analysisdomain.Analyzer
}

func NewService(p Params) analysisdomain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("analysis.service"),
		cache:    p.Cache,
		credits:  p.Credits,
		webhooks: p.Webhooks,
		analyzer: p.Analyzer,
	}
}

func (s *Service) Run(ctx context.Context, req analysisdomain.Request) (analysisdomain.Result, error) {
	if err := validateRequest(req); err != nil {
		return analysisdomain.Result{}, err
	}

	if req.LastMovementAt == nil && req.CaseID != 0 {
		movementAt, err := s.LastMovement(ctx, req.CaseID)
		if err != nil {
			// Movement lookup failure degrades to "no staleness constraint"
			// rather than failing the whole request.
			s.log.Warn("movement lookup failed, proceeding without staleness check",
				zap.Error(err),
				zap.String("case_id", req.CaseID.String()),
			)
		} else {
			req.LastMovementAt = movementAt
		}
	}

	if result, ok := s.lookupCache(ctx, req); ok {
		return result, nil
	}

	lock, err := s.cache.AcquireLock(ctx, req.DocumentHashes)
	if err != nil {
		return analysisdomain.Result{Outcome: analysisdomain.OutcomeFailed}, err
	}
	if !lock.Acquired {
		return analysisdomain.Result{
			Outcome:    analysisdomain.OutcomeContended,
			RetryAfter: lock.TTL,
		}, nil
	}
	defer func() {
		if err := s.cache.ReleaseLock(context.WithoutCancel(ctx), lock.LockKey, lock.Token); err != nil {
			s.log.Warn("lock release failed, holder will expire by TTL",
				zap.Error(err),
				zap.String("lock_key", lock.LockKey),
			)
		}
	}()

	// Another holder may have stored the result while we waited on the lock.
	if result, ok := s.lookupCache(ctx, req); ok {
		return result, nil
	}

	cost := s.cost(req)
	var debitIDs []snowflake.ID
	if cost > 0 {
		debit := s.debitFor(ctx, req, cost)
		if debit.ErrorCode == creditdomain.ErrCodeInsufficientBalance {
			return analysisdomain.Result{
				Outcome:    analysisdomain.OutcomeInsufficient,
				Cost:       cost,
				Shortfalls: debit.Shortfalls,
			}, nil
		}
		if !debit.Success {
			return analysisdomain.Result{Outcome: analysisdomain.OutcomeFailed, Cost: cost},
				errors.New(debit.ErrorCode)
		}
		debitIDs = debit.TransactionIDs
	}

	payload, err := s.analyzer.Analyze(ctx, req)
	if err != nil {
		s.refundAfterFailure(ctx, req, debitIDs)
		return analysisdomain.Result{Outcome: analysisdomain.OutcomeFailed, Cost: cost}, err
	}

	saveErr := s.cache.SaveCache(ctx, cachedomain.SaveRequest{
		DocumentHashes:  req.DocumentHashes,
		ModelVersion:    req.ModelVersion,
		PromptSignature: req.PromptSignature,
		Payload:         payload,
		LastMovementAt:  req.LastMovementAt,
		WorkspaceID:     req.WorkspaceID,
	})
	if saveErr != nil {
		// A missing cache entry only costs a recomputation next time.
		s.log.Warn("analysis result not cached", zap.Error(saveErr))
	}

	return analysisdomain.Result{
		Outcome: analysisdomain.OutcomeComputed,
		Data:    payload,
		CacheKey: cachedomain.CacheFingerprint(
			req.DocumentHashes, req.ModelVersion, req.PromptSignature,
		),
		Cost: cost,
	}, nil
}

func (s *Service) lookupCache(ctx context.Context, req analysisdomain.Request) (analysisdomain.Result, bool) {
	check, err := s.cache.CheckCache(ctx, cachedomain.CheckRequest{
		DocumentHashes:  req.DocumentHashes,
		ModelVersion:    req.ModelVersion,
		PromptSignature: req.PromptSignature,
		LastMovementAt:  req.LastMovementAt,
	})
	if err != nil {
		// Cache storage trouble is non-fatal; recomputing is the fallback.
		s.log.Warn("cache check failed, falling through to computation", zap.Error(err))
		return analysisdomain.Result{}, false
	}
	if !check.Hit {
		return analysisdomain.Result{}, false
	}
	return analysisdomain.Result{
		Outcome:  analysisdomain.OutcomeCached,
		Data:     check.Data,
		CacheKey: check.Key,
		CacheAge: check.Age,
	}, true
}

func (s *Service) cost(req analysisdomain.Request) creditdomain.Amount {
	if req.Tier == analysisdomain.TierFull {
		return creditdomain.FullCreditCost(req.ProcessCount)
	}
	return creditdomain.ReportCreditCost(req.ProcessCount)
}

func (s *Service) debitFor(ctx context.Context, req analysisdomain.Request, cost creditdomain.Amount) creditdomain.DebitResult {
	debitReq := creditdomain.DebitRequest{
		WorkspaceID: req.WorkspaceID,
		Reason:      "analysis_" + string(req.Tier),
		Metadata: map[string]any{
			"case_id":       req.CaseID.String(),
			"process_count": req.ProcessCount,
			"model_version": req.ModelVersion,
		},
	}
	if req.Tier == analysisdomain.TierFull {
		debitReq.FullAmount = cost
	} else {
		debitReq.ReportAmount = cost
	}
	return s.credits.Debit(ctx, debitReq)
}

func (s *Service) refundAfterFailure(ctx context.Context, req analysisdomain.Request, debitIDs []snowflake.ID) {
	if len(debitIDs) == 0 {
		return
	}
	refund := s.credits.Refund(context.WithoutCancel(ctx), creditdomain.RefundRequest{
		DebitTransactionIDs: debitIDs,
		Reason:              "analysis_failed",
		Metadata:            map[string]any{"case_id": req.CaseID.String()},
	})
	if !refund.Success {
		s.log.Error("refund after failed analysis did not complete",
			zap.String("error", refund.ErrorCode),
			zap.String("workspace_id", req.WorkspaceID.String()),
		)
	}
}

func (s *Service) RecordMovement(
	ctx context.Context,
	workspaceID, caseID snowflake.ID,
	requestID string,
	movementAt time.Time,
) (bool, error) {
	if workspaceID == 0 {
		return false, analysisdomain.ErrInvalidWorkspace
	}
	if caseID == 0 {
		return false, analysisdomain.ErrInvalidCase
	}
	if movementAt.IsZero() {
		return false, analysisdomain.ErrInvalidMovement
	}

	result, err := s.webhooks.Process(ctx, caseID, requestID, func(tx *gorm.DB) error {
		var movement analysisdomain.CaseMovement
		err := tx.WithContext(ctx).First(&movement, "case_id = ?", caseID).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			return tx.WithContext(ctx).Create(&analysisdomain.CaseMovement{
				CaseID:         caseID,
				WorkspaceID:    workspaceID,
				LastMovementAt: movementAt.UTC(),
				UpdatedAt:      time.Now().UTC(),
			}).Error
		case err != nil:
			return err
		}
		if !movementAt.After(movement.LastMovementAt) {
			// Out-of-order delivery; the newer timestamp stays.
			return nil
		}
		return tx.WithContext(ctx).
			Model(&analysisdomain.CaseMovement{}).
			Where("case_id = ?", caseID).
			Updates(map[string]any{
				"last_movement_at": movementAt.UTC(),
				"updated_at":       time.Now().UTC(),
			}).Error
	})
	if err != nil {
		return false, err
	}
	return !result.Duplicate, nil
}

func (s *Service) LastMovement(ctx context.Context, caseID snowflake.ID) (*time.Time, error) {
	if caseID == 0 {
		return nil, analysisdomain.ErrInvalidCase
	}
	var movement analysisdomain.CaseMovement
	err := s.db.WithContext(ctx).First(&movement, "case_id = ?", caseID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	at := movement.LastMovementAt
	return &at, nil
}

func validateRequest(req analysisdomain.Request) error {
	if req.WorkspaceID == 0 {
		return analysisdomain.ErrInvalidWorkspace
	}
	if len(req.DocumentHashes) == 0 {
		return analysisdomain.ErrNoDocuments
	}
	if req.ProcessCount < 0 {
		return analysisdomain.ErrInvalidCount
	}
	if req.Tier != analysisdomain.TierReport && req.Tier != analysisdomain.TierFull {
		return analysisdomain.ErrInvalidTier
	}
	if req.ModelVersion == "" || req.PromptSignature == "" {
		return cachedomain.ErrInvalidVersion
	}
	return nil
}
