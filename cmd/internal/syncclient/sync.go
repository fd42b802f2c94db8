package syncclient

import (
	"context"
	"fmt"
	"log/slog"

	"offpay/cmd/internal/ledger"
	"offpay/cmd/payment"
	offv1 "offpay/shared/contracts/offline/v1"
)

// Reconciler is the subset of HTTPClient used by Sync.
type Reconciler interface {
	Reconcile(ctx context.Context, req offv1.ReconcileRequest) (offv1.ReconcileResponse, error)
}

// Report summarizes one Sync run.
type Report struct {
	Submitted int
	Completed int
	Duplicate int
	Rejected  map[payment.Reason]int
	// Kept counts entries left queued for a later attempt.
	Kept int
}

// Sync submits the ledger's syncable tokens in batches of at most batchSize.
// Terminal outcomes settle the entry; retryable rejections and entries the
// server did not answer for stay queued.
func Sync(ctx context.Context, l *ledger.Ledger, c Reconciler, batchSize int, log *slog.Logger) (Report, error) {
	if log == nil {
		log = slog.Default()
	}
	if batchSize <= 0 {
		batchSize = 500
	}
	rep := Report{Rejected: map[payment.Reason]int{}}

	pending := l.Snapshot().Syncable()
	for start := 0; start < len(pending); start += batchSize {
		chunk := pending[start:min(start+batchSize, len(pending))]

		resp, err := c.Reconcile(ctx, offv1.ReconcileRequest{Transactions: chunk})
		if err != nil {
			rep.Kept += len(pending) - start
			return rep, fmt.Errorf("sync: batch at %d: %w", start, err)
		}
		rep.Submitted += len(chunk)

		settled := make([]string, 0, len(resp.Results))
		for _, r := range resp.Results {
			switch r.Status {
			case offv1.StatusCompleted:
				rep.Completed++
			case offv1.StatusDuplicate:
				rep.Duplicate++
			default:
				if r.Retryable {
					rep.Kept++
					continue
				}
				rep.Rejected[payment.Reason(r.Reason)]++
				log.Warn("sync.token.rejected", "token_id", r.TokenID, "reason", r.Reason)
			}
			settled = append(settled, r.TokenID)
		}
		if n := len(chunk) - len(resp.Results); n > 0 {
			rep.Kept += n
		}

		if _, err := l.Apply(ctx, func(s ledger.State) (ledger.State, error) {
			for _, id := range settled {
				s = s.Settle(id)
			}
			return s, nil
		}); err != nil {
			return rep, fmt.Errorf("sync: settle batch %s: %w", resp.BatchID, err)
		}
		log.Info("sync.batch.done",
			"batch_id", resp.BatchID,
			"size", len(chunk),
			"settled", len(settled),
		)
	}
	return rep, nil
}

// Refresh replaces local balances with the server's once nothing is left to
// sync. It reports whether balances were replaced.
func Refresh(ctx context.Context, l *ledger.Ledger, c *HTTPClient) (bool, error) {
	s := l.Snapshot()
	if len(s.Syncable()) > 0 {
		return false, nil
	}
	p, err := c.GetPrincipal(ctx, s.PrincipalID)
	if err != nil {
		return false, err
	}
	refreshed := false
	if _, err := l.Apply(ctx, func(s ledger.State) (ledger.State, error) {
		if len(s.Syncable()) > 0 {
			return s, nil
		}
		out, err := s.Fund(p.MainBalance, p.OfflineBalance)
		if err != nil {
			return ledger.State{}, err
		}
		// Counters never move backwards locally.
		out.LastCounter = max(out.LastCounter, p.LastCounter)
		refreshed = true
		return out, nil
	}); err != nil {
		return false, err
	}
	return refreshed, nil
}
