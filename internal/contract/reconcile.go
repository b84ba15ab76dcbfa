package contract

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/smartjects/platform/internal/chain"
	"github.com/smartjects/platform/internal/metrics"
	"github.com/smartjects/platform/internal/retry"
)

// adoptChainState advances the record's projection to match a confirmed
// on-chain agreement. The projection only ever moves forward; a chain state
// behind the local projection is reported as divergence and left alone.
// Caller holds the contract lock.
func (s *Service) adoptChainState(ctx context.Context, rec *Record, ag *chain.Agreement, source string) error {
	proj := projectionFor(ag.Status)

	if rec.BlockchainStatus.AheadOf(proj) {
		metrics.ReconcileDivergenceTotal.Inc()
		s.logger.Error("ledger divergence detected",
			"contract_id", rec.ID,
			"local_projection", rec.BlockchainStatus,
			"chain_status", ag.Status,
			"source", source)
		s.auditLog(ctx, rec.ID, "divergence_detected", string(rec.BlockchainStatus), string(proj), "", "",
			"chain state behind local projection, flagged for operator review")
		return fmt.Errorf("%w: local %s, chain %s", ErrDivergence, rec.BlockchainStatus, ag.Status)
	}

	if !proj.AheadOf(rec.BlockchainStatus) {
		return nil
	}

	from := rec.BlockchainStatus
	rec.BlockchainStatus = proj
	rec.ExternalID = ag.ExternalID
	rec.PendingTxHash = ""
	rec.UpdatedAt = time.Now().UTC()

	if err := s.store.UpdateContract(ctx, rec); err != nil {
		return fmt.Errorf("failed to advance projection: %w", err)
	}
	metrics.ReconcileAdvancedTotal.Inc()
	s.auditLog(ctx, rec.ID, "projection_advanced", string(from), string(proj), "", "", source)

	// Derive record status from the confirmed chain state.
	switch {
	case proj == BlockchainFunded && rec.Status == StatusPendingSignatures && rec.BothSigned():
		return s.markActive(ctx, rec, "escrow funding confirmed by reconciliation")
	case proj == BlockchainCompleted && !rec.IsTerminal():
		return s.markCompleted(ctx, rec, "", "escrow release confirmed by reconciliation")
	case proj == BlockchainRefunded && !rec.IsTerminal():
		now := time.Now().UTC()
		st := rec.Status
		rec.Status = StatusCancelled
		rec.CancelledAt = &now
		if rec.CancelReason == "" {
			rec.CancelReason = "escrow refund confirmed on chain"
		}
		rec.UpdatedAt = now
		if err := s.store.UpdateContract(ctx, rec); err != nil {
			return fmt.Errorf("failed to cancel after refund: %w", err)
		}
		metrics.ContractTransitionsTotal.WithLabelValues(string(StatusCancelled)).Inc()
		s.auditLog(ctx, rec.ID, "cancelled", string(st), string(StatusCancelled), "", "", "escrow refunded on chain")
	}
	return nil
}

// Reconcile compares one contract's projection against the live chain and
// advances it if the chain is ahead. Returns ErrDivergence when the chain
// is impossibly behind.
func (s *Service) Reconcile(ctx context.Context, id string) (*Record, error) {
	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	rec, err := s.store.GetContract(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.BlockchainStatus == BlockchainNone || rec.BlockchainStatus.rank() >= BlockchainCompleted.rank() {
		return rec, nil
	}

	// Transient RPC failures are retried in place; a missing agreement is a
	// definitive answer and is not.
	var ag *chain.Agreement
	err = retry.Do(ctx, 3, 500*time.Millisecond, func() error {
		var getErr error
		ag, getErr = s.chain.GetAgreement(ctx, rec.ID)
		if errors.Is(getErr, chain.ErrAgreementNotFound) {
			return retry.Permanent(getErr)
		}
		return getErr
	})
	if errors.Is(err, chain.ErrAgreementNotFound) {
		// A pending create that never landed is not a divergence; the
		// record stays retryable.
		return rec, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read agreement: %w", err)
	}

	if err := s.adoptChainState(ctx, rec, ag, "reconcile"); err != nil {
		return rec, err
	}
	return rec, nil
}

// ReconcileAll sweeps every contract with an unsettled chain projection.
// Individual failures are logged and do not stop the sweep.
func (s *Service) ReconcileAll(ctx context.Context) {
	recs, err := s.store.ListByBlockchainStatus(ctx, []BlockchainStatus{
		BlockchainPending, BlockchainDeployed, BlockchainFunded,
	}, 200)
	if err != nil {
		s.logger.Error("reconciliation sweep failed to list contracts", "error", err)
		return
	}

	for _, rec := range recs {
		if _, err := s.Reconcile(ctx, rec.ID); err != nil {
			s.logger.Warn("reconciliation failed for contract",
				"contract_id", rec.ID, "error", err)
		}
	}
}
