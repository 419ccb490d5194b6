package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/lexfabric/veredix/internal/clock"
	obsmetrics "github.com/lexfabric/veredix/internal/observability/metrics"
	webhookdomain "github.com/lexfabric/veredix/internal/webhook/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Metrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	metrics *obsmetrics.Metrics
}

func NewService(p Params) webhookdomain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("webhook.service"),
		genID:   p.GenID,
		clock:   p.Clock,
		metrics: p.Metrics,
	}
}

func (s *Service) Process(
	ctx context.Context,
	entityID snowflake.ID,
	requestID string,
	effect webhookdomain.Effect,
) (webhookdomain.ProcessResult, error) {
	if entityID == 0 {
		return webhookdomain.ProcessResult{}, webhookdomain.ErrInvalidEntity
	}
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return webhookdomain.ProcessResult{}, webhookdomain.ErrInvalidRequestID
	}

	var result webhookdomain.ProcessResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		record := &webhookdomain.ProcessedRequest{
			ID:        s.genID.Generate(),
			EntityID:  entityID,
			RequestID: requestID,
			CreatedAt: s.clock.Now(),
		}
		res := tx.WithContext(ctx).
			Clauses(clause.OnConflict{DoNothing: true}).
			Create(record)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			result.Duplicate = true
			return nil
		}
		if effect == nil {
			return nil
		}
		return effect(tx)
	})
	if err != nil {
		s.log.Error("webhook processing failed",
			zap.Error(err),
			zap.String("entity_id", entityID.String()),
			zap.String("request_id", requestID),
		)
		return webhookdomain.ProcessResult{}, err
	}

	if result.Duplicate {
		s.metrics.RecordWebhookDelivery("duplicate")
		s.log.Info("duplicate webhook delivery acknowledged",
			zap.String("entity_id", entityID.String()),
			zap.String("request_id", requestID),
		)
	} else {
		s.metrics.RecordWebhookDelivery("processed")
	}
	return result, nil
}

func (s *Service) AlreadyProcessed(ctx context.Context, entityID snowflake.ID, requestID string) (bool, error) {
	if entityID == 0 {
		return false, webhookdomain.ErrInvalidEntity
	}
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return false, webhookdomain.ErrInvalidRequestID
	}

	var count int64
	err := s.db.WithContext(ctx).
		Model(&webhookdomain.ProcessedRequest{}).
		Where("entity_id = ? AND request_id = ?", entityID, requestID).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *Service) PruneProcessed(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, nil
	}
	cutoff := s.clock.Now().Add(-retention)
	res := s.db.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Delete(&webhookdomain.ProcessedRequest{})
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}
