package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"brickledger/backend/internal/config"
	"brickledger/backend/internal/domain"
	"brickledger/backend/internal/store"
)

var errAbandoned = errors.New("sale abandoned while pending")

// compensate removes every row a sale attempt may have written and records
// the outcome on the saga. Each delete is by predicate, so running it again
// after a partial failure is safe.
func (s *Service) compensate(ctx context.Context, saga *domain.SaleSaga, cause error) error {
	failedStep := saga.Step
	saga.Step = domain.StepCompensating
	err := s.undoSale(ctx, saga.Reference)

	now := s.now()
	saga.UpdatedAt = now
	if err != nil {
		saga.Attempts++
		saga.Status = domain.SagaCompensationFailed
		saga.LastError = err.Error()
		next := now.Add(s.retry.backoff(saga.Attempts))
		saga.NextAttemptAt = &next
		config.LogError(s.logger, "service", "compensate", "sale compensation failed", map[string]any{
			"reference":   saga.Reference,
			"failed_step": failedStep,
			"attempts":    saga.Attempts,
		}, err)
	} else {
		saga.Status = domain.SagaCompensated
		saga.Step = domain.StepFailed
		saga.NextAttemptAt = nil
		if cause != nil {
			saga.LastError = fmt.Sprintf("%s: %v", failedStep, cause)
		}
	}

	if uerr := s.repo.UpdateSaga(ctx, *saga); uerr != nil {
		config.LogError(s.logger, "service", "compensate", "failed to record saga outcome", map[string]any{
			"reference": saga.Reference,
			"status":    saga.Status,
		}, uerr)
	}
	return err
}

// undoSale deletes snapshots, OUT movements, items and the header of the
// sale carrying reference, stopping at the first failure.
func (s *Service) undoSale(ctx context.Context, reference string) error {
	sale, err := s.repo.FindSaleByReference(ctx, reference)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return &domain.DataAccessError{Op: "find sale", Err: err}
	}

	items, err := s.repo.ListSaleItems(ctx, sale.ID)
	if err != nil {
		return &domain.DataAccessError{Op: "list sale items", Err: err}
	}
	itemIDs := make([]int64, 0, len(items))
	for _, item := range items {
		itemIDs = append(itemIDs, item.ID)
	}

	if _, err := s.repo.DeleteSaleItemPieces(ctx, sale.ID); err != nil {
		return &domain.DataAccessError{Op: "delete sale item pieces", Err: err}
	}
	var touched []string
	if len(itemIDs) > 0 {
		outs, err := s.repo.ListMovementsBySource(ctx, domain.SourceSale, itemIDs)
		if err != nil {
			return &domain.DataAccessError{Op: "list sale movements", Err: err}
		}
		touched = movementPieces(outs)
		if _, err := s.repo.DeleteMovementsBySource(ctx, domain.SourceSale, itemIDs); err != nil {
			return &domain.DataAccessError{Op: "delete sale movements", Err: err}
		}
	}
	s.invalidateStock(ctx, touched)
	if _, err := s.repo.DeleteSaleItems(ctx, sale.ID); err != nil {
		return &domain.DataAccessError{Op: "delete sale items", Err: err}
	}
	if _, err := s.repo.DeleteSale(ctx, sale.ID); err != nil {
		return &domain.DataAccessError{Op: "delete sale", Err: err}
	}
	return nil
}

// RetryCompensations compensates sagas whose earlier compensation failed
// and PENDING sagas abandoned by a process that died mid-sale. Sagas that
// exhausted their attempts are marked DEAD for manual repair.
func (s *Service) RetryCompensations(ctx context.Context) (domain.CompensationRetryReport, error) {
	now := s.now()
	sagas, err := s.repo.ListRetryableSagas(ctx, now, now.Add(-s.retry.StaleAfter), s.retry.BatchSize)
	if err != nil {
		return domain.CompensationRetryReport{}, &domain.DataAccessError{Op: "list retryable sagas", Err: err}
	}

	var report domain.CompensationRetryReport
	for i := range sagas {
		saga := &sagas[i]
		report.Examined++

		if saga.Attempts >= s.retry.MaxAttempts {
			saga.Status = domain.SagaDead
			saga.NextAttemptAt = nil
			saga.UpdatedAt = now
			if err := s.repo.UpdateSaga(ctx, *saga); err != nil {
				config.LogError(s.logger, "service", "RetryCompensations", "failed to mark saga dead", map[string]any{"reference": saga.Reference}, err)
				continue
			}
			s.logger.WithFields(logrus.Fields{
				"module":    "service",
				"reference": saga.Reference,
				"attempts":  saga.Attempts,
			}).Error("sale compensation gave up, manual repair required")
			report.Dead++
			continue
		}

		cause := errAbandoned
		if saga.Status == domain.SagaCompensationFailed && saga.LastError != "" {
			cause = errors.New(saga.LastError)
		}
		if err := s.compensate(ctx, saga, cause); err != nil {
			report.Failed++
			continue
		}
		report.Compensated++
		report.References = append(report.References, saga.Reference)
	}
	return report, nil
}

// RunCompensationRetries calls RetryCompensations every interval until ctx
// is done.
func (s *Service) RunCompensationRetries(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := s.RetryCompensations(ctx)
			if err != nil {
				config.LogError(s.logger, "service", "RunCompensationRetries", "compensation retry pass failed", nil, err)
				continue
			}
			if report.Examined > 0 {
				s.logger.WithFields(logrus.Fields{
					"module":      "service",
					"examined":    report.Examined,
					"compensated": report.Compensated,
					"failed":      report.Failed,
					"dead":        report.Dead,
				}).Info("compensation retry pass finished")
			}
		}
	}
}

func movementPieces(movements []domain.StockMovement) []string {
	seen := make(map[string]bool, len(movements))
	refs := make([]string, 0, len(movements))
	for _, m := range movements {
		if !seen[m.PieceRef] {
			seen[m.PieceRef] = true
			refs = append(refs, m.PieceRef)
		}
	}
	return refs
}
