// Package scheduler runs the periodic maintenance loop: expired credit holds
// are garbage-collected and old processed-webhook ids are pruned so the
// idempotency set stays bounded.
package scheduler

import (
	"context"
	"time"

	"github.com/lexfabric/veredix/internal/config"
	creditdomain "github.com/lexfabric/veredix/internal/credit/domain"
	webhookdomain "github.com/lexfabric/veredix/internal/webhook/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log      *zap.Logger
	Cfg      *config.AnalysisConfigHolder
	Credits  creditdomain.Service
	Webhooks webhookdomain.Service
}

type Sweeper struct {
	log      *zap.Logger
	cfg      *config.AnalysisConfigHolder
	credits  creditdomain.Service
	webhooks webhookdomain.Service

	cancel context.CancelFunc
	done   chan struct{}
}

func NewSweeper(p Params) *Sweeper {
	return &Sweeper{
		log:      p.Log.Named("scheduler.sweeper"),
		cfg:      p.Cfg,
		credits:  p.Credits,
		webhooks: p.Webhooks,
		done:     make(chan struct{}),
	}
}

func (s *Sweeper) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.loop(ctx)
}

func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *Sweeper) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.cfg.Get().SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
			ticker.Reset(s.cfg.Get().SweepInterval)
		}
	}
}

// RunOnce performs a single maintenance pass.
func (s *Sweeper) RunOnce(ctx context.Context) {
	swept, err := s.credits.SweepExpiredHolds(ctx)
	if err != nil {
		s.log.Error("hold sweep failed", zap.Error(err))
	} else if swept > 0 {
		s.log.Info("expired credit holds removed", zap.Int64("count", swept))
	}

	pruned, err := s.webhooks.PruneProcessed(ctx, s.cfg.Get().ProcessedRetention)
	if err != nil {
		s.log.Error("processed-id prune failed", zap.Error(err))
	} else if pruned > 0 {
		s.log.Info("processed webhook ids pruned", zap.Int64("count", pruned))
	}
}

var Module = fx.Module("scheduler",
	fx.Provide(NewSweeper),
	fx.Invoke(func(lc fx.Lifecycle, sweeper *Sweeper) {
		lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				_ = ctx
				sweeper.Start()
				return nil
			},
			OnStop: func(ctx context.Context) error {
				_ = ctx
				sweeper.Stop()
				return nil
			},
		})
	}),
)
