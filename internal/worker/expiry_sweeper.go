package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/quanghm/parkcore/internal/infrastructure/observability"
	"github.com/quanghm/parkcore/internal/models"
	"github.com/quanghm/parkcore/internal/repository"
)

const sweepBatchSize = 100

// Expirer moves a pending transaction to TIMEOUT, skipping rows that settled
// concurrently.
type Expirer interface {
	ExpirePending(ctx context.Context, tx *models.Transaction) (bool, error)
}

// ExpirySweeper periodically times out pending transactions whose deadline
// passed. Payments racing the sweep always win; the sweeper only claims rows
// still untouched at CAS time.
type ExpirySweeper struct {
	transactionRepo repository.TransactionRepository
	expirer         Expirer
	interval        time.Duration
}

func NewExpirySweeper(transactionRepo repository.TransactionRepository, expirer Expirer, interval time.Duration) *ExpirySweeper {
	return &ExpirySweeper{
		transactionRepo: transactionRepo,
		expirer:         expirer,
		interval:        interval,
	}
}

func (s *ExpirySweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	slog.Info("expiry sweeper started", "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			slog.Info("expiry sweeper stopped")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *ExpirySweeper) sweep(ctx context.Context) {
	for {
		expired, err := s.transactionRepo.ListExpiredPending(ctx, time.Now().UTC(), sweepBatchSize)
		if err != nil {
			slog.Error("failed to list expired transactions", "error", err)
			return
		}
		if len(expired) == 0 {
			return
		}

		var timedOut int
		for i := range expired {
			if ctx.Err() != nil {
				return
			}
			applied, err := s.expirer.ExpirePending(ctx, &expired[i])
			if err != nil {
				slog.Error("failed to expire transaction",
					"transaction_id", expired[i].TransactionID,
					"error", err)
				continue
			}
			if applied {
				timedOut++
				observability.ExpiredTransactions.Inc()
			}
		}
		slog.Info("expiry sweep pass finished", "listed", len(expired), "timed_out", timedOut)

		// A short batch means the backlog is drained.
		if len(expired) < sweepBatchSize {
			return
		}
	}
}
