/**
 * @description
 * Scheduled batch implementations: the Monday-to-Friday daily yield run and the
 * weekly payout settlement. Each batch processes accounts independently; one
 * failed account is recorded and skipped, never aborting the run.
 */

package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/veloracapital/compensation-service/internal/domain"
	"github.com/veloracapital/compensation-service/internal/store"
	"github.com/veloracapital/compensation-service/pkg/rabbitmq"
)

// Jobs contains the logic for all scheduled batches.
type Jobs struct {
	service *Service
	repo    store.Repository
	logger  *slog.Logger
}

// NewJobs creates a new Jobs runner.
func NewJobs(service *Service, repo store.Repository, logger *slog.Logger) *Jobs {
	return &Jobs{
		service: service,
		repo:    repo,
		logger:  logger,
	}
}

// RunDailyYield is the cron entrypoint for the daily yield batch.
func (j *Jobs) RunDailyYield() {
	ctx := context.Background()
	if _, err := j.RunDailyYieldFor(ctx, time.Now().UTC()); err != nil {
		j.logger.Error("daily yield batch failed", "error", err)
	}
}

// RunDailyYieldFor runs the yield batch for one business day. Weekend days are
// refused outright; a re-run of an already processed day is a no-op because
// every position short-circuits on its last yield date.
func (j *Jobs) RunDailyYieldFor(ctx context.Context, now time.Time) (*domain.BatchSummary, error) {
	day := now.UTC().Truncate(24 * time.Hour)
	weekday := day.Weekday()
	if weekday == time.Saturday || weekday == time.Sunday {
		j.logger.Info("daily yield batch skipped", "reason", "weekend", "day", day.Format("2006-01-02"))
		return &domain.BatchSummary{}, nil
	}

	j.logger.Info("starting daily yield batch", "day", day.Format("2006-01-02"))

	rules, err := j.service.Rules(ctx)
	if err != nil {
		return nil, err
	}
	if !rules.Yield.Enabled {
		j.logger.Info("daily yield batch skipped", "reason", "yield disabled")
		return &domain.BatchSummary{}, nil
	}

	positions, err := j.repo.ListYieldEligiblePositions(ctx, rules.Yield.LeaderYieldEnabled)
	if err != nil {
		return nil, err
	}

	summary := &domain.BatchSummary{SkipReasons: map[string]int{}}
	for _, pos := range positions {
		tier := rules.Yield.TierFor(pos.BaseAmount)
		result, err := j.repo.AdvanceYieldAndPost(ctx, store.AdvanceYieldParams{
			PositionID:  pos.ID,
			BusinessDay: day,
			Tier:        tier,
			Rules:       *rules,
		})
		if err != nil {
			var capErr *domain.CapExceededError
			switch {
			case errors.Is(err, store.ErrYieldAlreadyRun):
				summary.SkipReasons["already_run"]++
			case errors.Is(err, store.ErrYieldExhausted):
				summary.SkipReasons["working_days_exhausted"]++
			case errors.As(err, &capErr):
				summary.SkipReasons["cap_reached"]++
			default:
				j.logger.Error("yield posting failed", "position_id", pos.ID, "account_id", pos.AccountID, "error", err)
				summary.SkipReasons["error"]++
			}
			continue
		}
		summary.ProcessedCount++
		if result != nil {
			summary.TotalAmount += domain.PercentOf(pos.BaseAmount, tier.DailyPercent)
			j.service.notifyCapReached(ctx, pos.AccountID, result)
		}
	}

	j.logger.Info("daily yield batch finished",
		"processed", summary.ProcessedCount,
		"total_amount", summary.TotalAmount,
		"skipped", summary.SkippedCount(),
	)
	j.publishBatchCompleted(ctx, "daily_yield", summary)
	return summary, nil
}

// RunWeeklyPayout is the cron entrypoint for the payout settlement batch.
func (j *Jobs) RunWeeklyPayout() {
	ctx := context.Background()
	if _, err := j.RunWeeklyPayoutFor(ctx, time.Now().UTC()); err != nil {
		j.logger.Error("weekly payout batch failed", "error", err)
	}
}

// RunWeeklyPayoutFor settles all pending entries on the configured payout day.
func (j *Jobs) RunWeeklyPayoutFor(ctx context.Context, now time.Time) (*domain.BatchSummary, error) {
	rules, err := j.service.Rules(ctx)
	if err != nil {
		return nil, err
	}
	if now.UTC().Weekday() != rules.Payout.PayoutWeekday {
		j.logger.Info("weekly payout batch skipped", "reason", "not payout day", "weekday", now.UTC().Weekday().String())
		return &domain.BatchSummary{}, nil
	}

	j.logger.Info("starting weekly payout batch")

	pending, err := j.repo.ListPendingPayoutEntries(ctx)
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		j.logger.Info("no pending entries to settle")
		return &domain.BatchSummary{}, nil
	}

	summary := &domain.BatchSummary{SkipReasons: map[string]int{}}
	for _, entry := range pending {
		if err := j.repo.CompletePayoutEntry(ctx, entry.ID); err != nil {
			j.logger.Error("failed to settle entry", "entry_id", entry.ID, "account_id", entry.AccountID, "error", err)
			summary.SkipReasons["error"]++
			continue
		}
		summary.ProcessedCount++
		if entry.Amount < 0 {
			summary.TotalAmount += -entry.Amount
		} else {
			summary.TotalAmount += entry.Amount
		}
	}

	j.logger.Info("weekly payout batch finished",
		"processed", summary.ProcessedCount,
		"total_amount", summary.TotalAmount,
		"skipped", summary.SkippedCount(),
	)
	j.publishBatchCompleted(ctx, "weekly_payout", summary)
	return summary, nil
}

func (j *Jobs) publishBatchCompleted(ctx context.Context, batch string, summary *domain.BatchSummary) {
	if j.service.eventProducer == nil {
		return
	}
	err := j.service.eventProducer.PublishBatchCompleted(ctx, rabbitmq.BatchCompletedEvent{
		Batch:          batch,
		ProcessedCount: summary.ProcessedCount,
		TotalAmount:    summary.TotalAmount,
		SkippedCount:   summary.SkippedCount(),
		Timestamp:      time.Now().UTC(),
	})
	if err != nil {
		j.logger.Warn("failed to publish batch completed event", "batch", batch, "error", err)
	}
}
