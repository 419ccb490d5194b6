package service

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/lexfabric/veredix/internal/clock"
	creditdomain "github.com/lexfabric/veredix/internal/credit/domain"
	obsmetrics "github.com/lexfabric/veredix/internal/observability/metrics"
	"github.com/lexfabric/veredix/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Allocations are consumed soonest-to-expire first, then oldest first.
// Works on postgres, mysql and sqlite alike; NULL expiries sort last.
const allocationDrawOrder = "CASE WHEN expires_at IS NULL THEN 1 ELSE 0 END, expires_at ASC, created_at ASC"

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

func NewService(p Params) creditdomain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("credit.service"),
		genID:   p.GenID,
		clock:   p.Clock,
		metrics: p.Metrics,
	}
}

func (s *Service) EnsureWorkspace(ctx context.Context, workspaceID snowflake.ID) error {
	if workspaceID == 0 {
		return creditdomain.ErrInvalidWorkspace
	}
	now := s.clock.Now()
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&creditdomain.WorkspaceCredits{
			WorkspaceID: workspaceID,
			CreatedAt:   now,
			UpdatedAt:   now,
		}).Error
}

func (s *Service) GetBalance(ctx context.Context, workspaceID snowflake.ID) (creditdomain.Balance, error) {
	if workspaceID == 0 {
		return creditdomain.Balance{}, creditdomain.ErrInvalidWorkspace
	}

	var wc creditdomain.WorkspaceCredits
	err := s.db.WithContext(ctx).First(&wc, "workspace_id = ?", workspaceID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return creditdomain.Balance{}, creditdomain.ErrNotFound
		}
		s.log.Error("failed to read workspace credits", zap.Error(err), zap.String("workspace_id", workspaceID.String()))
		return creditdomain.Balance{}, err
	}

	held, err := s.sumActiveHolds(ctx, s.db, workspaceID)
	if err != nil {
		s.log.Error("failed to aggregate credit holds", zap.Error(err), zap.String("workspace_id", workspaceID.String()))
		return creditdomain.Balance{}, err
	}

	return creditdomain.Balance{
		WorkspaceID:     workspaceID,
		ReportBalance:   wc.ReportBalance,
		FullBalance:     wc.FullBalance,
		ReportHeld:      held.report,
		FullHeld:        held.full,
		ReportAvailable: wc.ReportBalance - held.report,
		FullAvailable:   wc.FullBalance - held.full,
	}, nil
}

type heldAmounts struct {
	report creditdomain.Amount
	full   creditdomain.Amount
}

func (s *Service) sumActiveHolds(ctx context.Context, conn *gorm.DB, workspaceID snowflake.ID) (heldAmounts, error) {
	var row struct {
		ReportHeld int64
		FullHeld   int64
	}
	err := conn.WithContext(ctx).
		Model(&creditdomain.CreditHold{}).
		Select("COALESCE(SUM(reserved_report), 0) AS report_held, COALESCE(SUM(reserved_full), 0) AS full_held").
		Where("workspace_id = ? AND expires_at > ?", workspaceID, s.clock.Now()).
		Scan(&row).Error
	if err != nil {
		return heldAmounts{}, err
	}
	return heldAmounts{
		report: creditdomain.Amount(row.ReportHeld),
		full:   creditdomain.Amount(row.FullHeld),
	}, nil
}

func (s *Service) Grant(ctx context.Context, req creditdomain.GrantRequest) (*creditdomain.CreditAllocation, error) {
	if req.WorkspaceID == 0 {
		return nil, creditdomain.ErrInvalidWorkspace
	}
	if req.Amount <= 0 {
		return nil, creditdomain.ErrInvalidAmount
	}
	if req.Category != creditdomain.CategoryReport && req.Category != creditdomain.CategoryFull {
		return nil, creditdomain.ErrInvalidCategory
	}
	if req.Type == "" {
		req.Type = creditdomain.AllocationTypeBonus
	}

	var allocation *creditdomain.CreditAllocation
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var wc creditdomain.WorkspaceCredits
		if err := db.ForUpdate(tx.WithContext(ctx)).First(&wc, "workspace_id = ?", req.WorkspaceID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return creditdomain.ErrNotFound
			}
			return err
		}

		granted := req.Amount
		if req.Type == creditdomain.AllocationTypeMonthly {
			// Monthly renewals respect the rollover cap; purchased packs and
			// bonus grants bypass it.
			balance, cap := wc.ReportBalance, wc.ReportRolloverCap
			if req.Category == creditdomain.CategoryFull {
				balance, cap = wc.FullBalance, wc.FullRolloverCap
			}
			if cap > 0 {
				headroom := cap - balance
				if headroom <= 0 {
					return creditdomain.ErrRolloverCapReached
				}
				if granted > headroom {
					granted = headroom
				}
			}
		}

		now := s.clock.Now()
		allocation = &creditdomain.CreditAllocation{
			ID:              s.genID.Generate(),
			WorkspaceID:     req.WorkspaceID,
			Category:        req.Category,
			Type:            req.Type,
			Amount:          granted,
			RemainingAmount: granted,
			Source:          req.Source,
			ExpiresAt:       req.ExpiresAt,
			CreatedAt:       now,
		}
		if err := tx.WithContext(ctx).Create(allocation).Error; err != nil {
			return err
		}

		entry := &creditdomain.CreditTransaction{
			ID:           s.genID.Generate(),
			WorkspaceID:  req.WorkspaceID,
			AllocationID: &allocation.ID,
			Type:         creditdomain.TransactionTypeCredit,
			Category:     req.Category,
			Amount:       granted,
			Reason:       "credit_grant",
			Metadata:     datatypes.JSONMap{"source": req.Source, "allocation_type": string(req.Type)},
			CreatedAt:    now,
		}
		if err := tx.WithContext(ctx).Create(entry).Error; err != nil {
			return err
		}

		return s.applyBalanceDelta(ctx, tx, &wc, req.Category, granted, now)
	})
	if err != nil {
		return nil, err
	}
	return allocation, nil
}

func (s *Service) Debit(ctx context.Context, req creditdomain.DebitRequest) creditdomain.DebitResult {
	if req.WorkspaceID == 0 {
		return creditdomain.DebitResult{ErrorCode: creditdomain.ErrInvalidWorkspace.Error()}
	}
	if req.ReportAmount < 0 || req.FullAmount < 0 || (req.ReportAmount == 0 && req.FullAmount == 0) {
		return creditdomain.DebitResult{ErrorCode: creditdomain.ErrInvalidAmount.Error()}
	}
	if req.Reason == "" {
		return creditdomain.DebitResult{ErrorCode: creditdomain.ErrInvalidReason.Error()}
	}

	// Fast-fail pre-check outside the transaction. A race between this read
	// and the commit is possible; the allocation draw below is what actually
	// guarantees no over-debit.
	balance, err := s.GetBalance(ctx, req.WorkspaceID)
	if err != nil {
		if errors.Is(err, creditdomain.ErrNotFound) {
			return creditdomain.DebitResult{ErrorCode: creditdomain.ErrNotFound.Error()}
		}
		return creditdomain.DebitResult{ErrorCode: creditdomain.ErrCodeInternal}
	}

	var shortfalls []creditdomain.Shortfall
	if req.ReportAmount > balance.ReportAvailable {
		shortfalls = append(shortfalls, creditdomain.Shortfall{
			Category:  creditdomain.CategoryReport,
			Required:  req.ReportAmount,
			Available: balance.ReportAvailable,
		})
	}
	if req.FullAmount > balance.FullAvailable {
		shortfalls = append(shortfalls, creditdomain.Shortfall{
			Category:  creditdomain.CategoryFull,
			Required:  req.FullAmount,
			Available: balance.FullAvailable,
		})
	}
	if len(shortfalls) > 0 {
		s.metrics.RecordDebit("insufficient")
		return creditdomain.DebitResult{
			Shortfalls: shortfalls,
			ErrorCode:  creditdomain.ErrCodeInsufficientBalance,
		}
	}

	started := time.Now()
	var txIDs []snowflake.ID
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var wc creditdomain.WorkspaceCredits
		if err := db.ForUpdate(tx.WithContext(ctx)).First(&wc, "workspace_id = ?", req.WorkspaceID).Error; err != nil {
			return err
		}

		now := s.clock.Now()
		for _, draw := range []struct {
			category creditdomain.Category
			amount   creditdomain.Amount
		}{
			{creditdomain.CategoryReport, req.ReportAmount},
			{creditdomain.CategoryFull, req.FullAmount},
		} {
			if draw.amount == 0 {
				continue
			}
			ids, err := s.drawDown(ctx, tx, req, draw.category, draw.amount, now)
			if err != nil {
				return err
			}
			txIDs = append(txIDs, ids...)
			if err := s.applyBalanceDelta(ctx, tx, &wc, draw.category, -draw.amount, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		// Exhaustion discovered mid-transaction means the pre-check raced a
		// concurrent debit; the rollback keeps every write invisible.
		s.log.Error("debit transaction failed",
			zap.Error(err),
			zap.String("workspace_id", req.WorkspaceID.String()),
			zap.String("reason", req.Reason),
		)
		s.metrics.RecordDebit("error")
		return creditdomain.DebitResult{ErrorCode: creditdomain.ErrCodeInternal}
	}

	s.metrics.RecordDebit("success")
	s.metrics.ObserveDebitDuration(time.Since(started).Seconds())
	return creditdomain.DebitResult{Success: true, TransactionIDs: txIDs}
}

// drawDown consumes remaining_amount across eligible allocations until the
// requested amount is covered, one debit transaction per allocation touched.
func (s *Service) drawDown(
	ctx context.Context,
	tx *gorm.DB,
	req creditdomain.DebitRequest,
	category creditdomain.Category,
	amount creditdomain.Amount,
	now time.Time,
) ([]snowflake.ID, error) {
	var allocations []creditdomain.CreditAllocation
	err := db.ForUpdate(tx.WithContext(ctx)).
		Where("workspace_id = ? AND category = ? AND remaining_amount > 0", req.WorkspaceID, category).
		Where("expires_at IS NULL OR expires_at > ?", now).
		Order(allocationDrawOrder).
		Find(&allocations).Error
	if err != nil {
		return nil, err
	}

	outstanding := amount
	var txIDs []snowflake.ID
	for i := range allocations {
		if outstanding == 0 {
			break
		}
		allocation := &allocations[i]
		draw := allocation.RemainingAmount
		if draw > outstanding {
			draw = outstanding
		}

		// Compare-and-swap on remaining_amount backs up the row lock so two
		// debits can never drive an allocation below zero.
		res := tx.WithContext(ctx).
			Model(&creditdomain.CreditAllocation{}).
			Where("id = ? AND remaining_amount = ?", allocation.ID, allocation.RemainingAmount).
			Update("remaining_amount", allocation.RemainingAmount-draw)
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected == 0 {
			return nil, creditdomain.ErrAllocationExhausted
		}

		entry := &creditdomain.CreditTransaction{
			ID:           s.genID.Generate(),
			WorkspaceID:  req.WorkspaceID,
			AllocationID: &allocation.ID,
			Type:         creditdomain.TransactionTypeDebit,
			Category:     category,
			Amount:       draw,
			Reason:       req.Reason,
			Metadata:     datatypes.JSONMap(req.Metadata),
			CreatedAt:    now,
		}
		if err := tx.WithContext(ctx).Create(entry).Error; err != nil {
			return nil, err
		}
		txIDs = append(txIDs, entry.ID)
		outstanding -= draw
	}

	if outstanding > 0 {
		return nil, creditdomain.ErrAllocationExhausted
	}
	return txIDs, nil
}

func (s *Service) Refund(ctx context.Context, req creditdomain.RefundRequest) creditdomain.RefundResult {
	if len(req.DebitTransactionIDs) == 0 {
		return creditdomain.RefundResult{ErrorCode: creditdomain.ErrCodeNoDebitTransactions}
	}
	if req.Reason == "" {
		return creditdomain.RefundResult{ErrorCode: creditdomain.ErrInvalidReason.Error()}
	}

	var result creditdomain.RefundResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var debits []creditdomain.CreditTransaction
		err := tx.WithContext(ctx).
			Where("id IN ? AND type = ?", req.DebitTransactionIDs, creditdomain.TransactionTypeDebit).
			Find(&debits).Error
		if err != nil {
			return err
		}
		if len(debits) == 0 {
			return errNoDebits
		}

		workspaceID := debits[0].WorkspaceID
		for _, d := range debits {
			if d.WorkspaceID != workspaceID {
				return errCrossWorkspace
			}
		}

		var wc creditdomain.WorkspaceCredits
		if err := db.ForUpdate(tx.WithContext(ctx)).First(&wc, "workspace_id = ?", workspaceID).Error; err != nil {
			return err
		}

		now := s.clock.Now()
		for _, d := range debits {
			refunded, err := s.alreadyRefunded(ctx, tx, d.ID)
			if err != nil {
				return err
			}
			if refunded {
				continue
			}

			if d.AllocationID == nil {
				// Deliberate no-op: the debit has no allocation to restore
				// into. Acknowledged, audited, not failed.
				result.SkippedOrphans++
				s.metrics.RecordOrphanSkipped()
				s.log.Warn("refund skipped debit without allocation",
					zap.String("workspace_id", workspaceID.String()),
					zap.String("transaction_id", d.ID.String()),
					zap.String("reason", req.Reason),
				)
				continue
			}

			var allocation creditdomain.CreditAllocation
			if err := db.ForUpdate(tx.WithContext(ctx)).First(&allocation, "id = ?", *d.AllocationID).Error; err != nil {
				return err
			}

			restore := d.Amount
			if headroom := allocation.Amount - allocation.RemainingAmount; restore > headroom {
				restore = headroom
			}
			if restore > 0 {
				err := tx.WithContext(ctx).
					Model(&creditdomain.CreditAllocation{}).
					Where("id = ?", allocation.ID).
					Update("remaining_amount", allocation.RemainingAmount+restore).Error
				if err != nil {
					return err
				}
			}

			debitID := d.ID
			entry := &creditdomain.CreditTransaction{
				ID:                   s.genID.Generate(),
				WorkspaceID:          workspaceID,
				AllocationID:         d.AllocationID,
				Type:                 creditdomain.TransactionTypeCredit,
				Category:             d.Category,
				Amount:               restore,
				Reason:               req.Reason,
				Metadata:             datatypes.JSONMap(req.Metadata),
				RefundsTransactionID: &debitID,
				CreatedAt:            now,
			}
			if err := tx.WithContext(ctx).Create(entry).Error; err != nil {
				return err
			}
			result.TransactionIDs = append(result.TransactionIDs, entry.ID)

			if restore > 0 {
				if err := s.applyBalanceDelta(ctx, tx, &wc, d.Category, restore, now); err != nil {
					return err
				}
				if d.Category == creditdomain.CategoryReport {
					result.RestoredReport += restore
				} else {
					result.RestoredFull += restore
				}
			}
		}
		return nil
	})
	if err != nil {
		switch {
		case errors.Is(err, errNoDebits):
			result = creditdomain.RefundResult{ErrorCode: creditdomain.ErrCodeNoDebitTransactions}
		case db.IsDuplicateKeyErr(err):
			// Lost the race to a concurrent refund of the same debit; the
			// caller's retry will see it as already refunded.
			s.log.Warn("refund raced a concurrent refund", zap.String("reason", req.Reason))
			result = creditdomain.RefundResult{ErrorCode: creditdomain.ErrCodeInternal}
		case errors.Is(err, errCrossWorkspace):
			// Caller-side bug; log louder than the expected failures.
			s.log.Error("refund batch spans multiple workspaces",
				zap.Int("transaction_count", len(req.DebitTransactionIDs)),
				zap.String("reason", req.Reason),
			)
			result = creditdomain.RefundResult{ErrorCode: creditdomain.ErrCodeCrossWorkspace}
		default:
			s.log.Error("refund transaction failed", zap.Error(err), zap.String("reason", req.Reason))
			result = creditdomain.RefundResult{ErrorCode: creditdomain.ErrCodeInternal}
		}
		s.metrics.RecordRefund("error")
		return result
	}

	result.Success = true
	s.metrics.RecordRefund("success")
	return result
}

var (
	errNoDebits       = errors.New("no valid debit transactions")
	errCrossWorkspace = errors.New("refund batch spans workspaces")
)

func (s *Service) alreadyRefunded(ctx context.Context, tx *gorm.DB, debitID snowflake.ID) (bool, error) {
	var count int64
	err := tx.WithContext(ctx).
		Model(&creditdomain.CreditTransaction{}).
		Where("refunds_transaction_id = ?", debitID).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// applyBalanceDelta adjusts the in-memory snapshot and persists it. Callers
// hold the workspace row lock.
func (s *Service) applyBalanceDelta(
	ctx context.Context,
	tx *gorm.DB,
	wc *creditdomain.WorkspaceCredits,
	category creditdomain.Category,
	delta creditdomain.Amount,
	now time.Time,
) error {
	if category == creditdomain.CategoryReport {
		wc.ReportBalance += delta
	} else {
		wc.FullBalance += delta
	}
	return tx.WithContext(ctx).
		Model(&creditdomain.WorkspaceCredits{}).
		Where("workspace_id = ?", wc.WorkspaceID).
		Updates(map[string]any{
			"report_balance": wc.ReportBalance,
			"full_balance":   wc.FullBalance,
			"updated_at":     now,
		}).Error
}

func (s *Service) CreateHold(ctx context.Context, req creditdomain.HoldRequest) (*creditdomain.CreditHold, error) {
	if req.WorkspaceID == 0 {
		return nil, creditdomain.ErrInvalidWorkspace
	}
	if req.ReservedReport < 0 || req.ReservedFull < 0 || (req.ReservedReport == 0 && req.ReservedFull == 0) {
		return nil, creditdomain.ErrInvalidAmount
	}
	if req.TTL <= 0 {
		return nil, creditdomain.ErrInvalidTTL
	}

	now := s.clock.Now()
	hold := &creditdomain.CreditHold{
		ID:             s.genID.Generate(),
		WorkspaceID:    req.WorkspaceID,
		ReservedReport: req.ReservedReport,
		ReservedFull:   req.ReservedFull,
		Reason:         req.Reason,
		ExpiresAt:      now.Add(req.TTL),
		CreatedAt:      now,
	}
	if err := s.db.WithContext(ctx).Create(hold).Error; err != nil {
		s.log.Error("failed to create credit hold", zap.Error(err), zap.String("workspace_id", req.WorkspaceID.String()))
		return nil, err
	}
	return hold, nil
}

func (s *Service) ReleaseHold(ctx context.Context, workspaceID, holdID snowflake.ID) error {
	if workspaceID == 0 || holdID == 0 {
		return creditdomain.ErrInvalidWorkspace
	}
	res := s.db.WithContext(ctx).
		Where("id = ? AND workspace_id = ?", holdID, workspaceID).
		Delete(&creditdomain.CreditHold{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return creditdomain.ErrHoldNotFound
	}
	return nil
}

func (s *Service) SweepExpiredHolds(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("expires_at <= ?", s.clock.Now()).
		Delete(&creditdomain.CreditHold{})
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}
