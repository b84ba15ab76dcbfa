package contract

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/smartjects/platform/internal/chain"
	"github.com/smartjects/platform/internal/idgen"
	"github.com/smartjects/platform/internal/metrics"
	"github.com/smartjects/platform/internal/money"
	"github.com/smartjects/platform/internal/traces"
)

// errPendingTimeout marks a chain step whose confirmation budget ran out.
// The operation surfaces the record unchanged off-chain; the reconciliation
// sweep or an explicit retry picks the transaction up later.
var errPendingTimeout = errors.New("confirmation budget exhausted")

// MilestoneInput describes one milestone in a contract proposal.
type MilestoneInput struct {
	Name         string   `json:"name" binding:"required"`
	Description  string   `json:"description"`
	Percentage   int      `json:"percentage" binding:"required"`
	Deliverables []string `json:"deliverables"`
}

// CreateRequest contains the parameters for creating a contract record.
type CreateRequest struct {
	SmartjectID  string           `json:"smartjectId" binding:"required"`
	Title        string           `json:"title" binding:"required"`
	NeederID     string           `json:"neederId" binding:"required"`
	ProviderID   string           `json:"providerId" binding:"required"`
	NeederAddr   string           `json:"neederAddr"`
	ProviderAddr string           `json:"providerAddr"`
	Budget       string           `json:"budget" binding:"required"`
	StartDate    *time.Time       `json:"startDate"`
	EndDate      *time.Time       `json:"endDate"`
	Milestones   []MilestoneInput `json:"milestones"`
}

// Create records a new contract awaiting both signatures. No chain
// interaction happens until both parties have signed.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Record, error) {
	if req.NeederID == req.ProviderID {
		return nil, errors.New("needer and provider cannot be the same party")
	}

	budget, err := money.Parse(req.Budget)
	if err != nil {
		return nil, fmt.Errorf("invalid budget: %w", err)
	}

	now := time.Now().UTC()
	rec := &Record{
		ID:               idgen.WithPrefix(idgen.PrefixContract),
		SmartjectID:      req.SmartjectID,
		Title:            req.Title,
		NeederID:         req.NeederID,
		ProviderID:       req.ProviderID,
		NeederAddr:       req.NeederAddr,
		ProviderAddr:     req.ProviderAddr,
		Budget:           budget,
		Status:           StatusPendingSignatures,
		BlockchainStatus: BlockchainNone,
		StartDate:        req.StartDate,
		EndDate:          req.EndDate,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	for i, in := range req.Milestones {
		m := &Milestone{
			ID:          idgen.WithPrefix(idgen.PrefixMilestone),
			ContractID:  rec.ID,
			Name:        in.Name,
			Description: in.Description,
			Percentage:  in.Percentage,
			OrderIndex:  i,
			Status:      MilestonePending,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		for _, name := range in.Deliverables {
			m.Deliverables = append(m.Deliverables, &Deliverable{
				ID:   idgen.WithPrefix(idgen.PrefixDeliverable),
				Name: name,
			})
		}
		rec.Milestones = append(rec.Milestones, m)
	}

	if err := validateMilestonePlan(rec.Milestones); err != nil {
		return nil, err
	}
	applyMilestoneAmounts(rec.Budget, rec.Milestones)

	if err := s.store.CreateContract(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to create contract: %w", err)
	}

	s.auditLog(ctx, rec.ID, "created", "", string(StatusPendingSignatures), "", "", "")
	return rec, nil
}

// Sign records one party's signature. Signing twice is a no-op. Once both
// parties have signed, the escrow agreement is deployed and funded; the
// record turns active only after the chain confirms. A zero-budget contract
// activates immediately with no chain interaction.
func (s *Service) Sign(ctx context.Context, id, partyID string) (*Record, error) {
	ctx, span := traces.StartSpan(ctx, "contract.Sign", traces.ContractID(id), traces.Party(partyID))
	defer span.End()

	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	rec, err := s.store.GetContract(ctx, id)
	if err != nil {
		return nil, err
	}

	role := rec.PartyRole(partyID)
	if role == "" {
		return nil, ErrUnauthorized
	}

	alreadySigned := (role == "needer" && rec.NeederSigned) || (role == "provider" && rec.ProviderSigned)

	if rec.Status != StatusPendingSignatures {
		if alreadySigned {
			// Duplicate sign after activation: no-op.
			return rec, nil
		}
		return nil, ErrInvalidTransition
	}

	if !alreadySigned {
		now := time.Now().UTC()
		if role == "needer" {
			rec.NeederSigned = true
			rec.NeederSignedAt = &now
		} else {
			rec.ProviderSigned = true
			rec.ProviderSignedAt = &now
		}
		rec.UpdatedAt = now
		if err := s.store.UpdateContract(ctx, rec); err != nil {
			return nil, fmt.Errorf("failed to record signature: %w", err)
		}
		s.auditLog(ctx, rec.ID, "signed", "", "", partyID, "", role+" signed")
		s.postMessage(ctx, rec.ID, fmt.Sprintf("Contract signed by %s.", role))
	}

	if !rec.BothSigned() {
		return rec, nil
	}
	return s.activate(ctx, rec)
}

// RetryDeployment re-drives a stuck escrow deployment. If the earlier
// create transaction actually landed, the existing agreement is adopted
// instead of deploying a second one.
func (s *Service) RetryDeployment(ctx context.Context, id, partyID string) (*Record, error) {
	ctx, span := traces.StartSpan(ctx, "contract.RetryDeployment", traces.ContractID(id))
	defer span.End()

	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	rec, err := s.store.GetContract(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.PartyRole(partyID) == "" {
		return nil, ErrUnauthorized
	}
	if rec.Status != StatusPendingSignatures {
		// Deployment already finished (or the contract moved on): no-op.
		return rec, nil
	}
	if !rec.BothSigned() {
		return nil, fmt.Errorf("%w: both signatures required before deployment", ErrInvalidTransition)
	}

	// The previous attempt may have landed after its budget expired.
	ag, err := s.chain.GetAgreement(ctx, rec.ID)
	if err == nil {
		if err := s.adoptChainState(ctx, rec, ag, "retry_deployment"); err != nil {
			return nil, err
		}
	} else if !errors.Is(err, chain.ErrAgreementNotFound) {
		return nil, fmt.Errorf("failed to read agreement: %w", err)
	}

	return s.activate(ctx, rec)
}

// activate drives a fully signed record to active. Caller holds the
// contract lock. Returns the record without error when a chain step is
// still awaiting confirmation.
func (s *Service) activate(ctx context.Context, rec *Record) (*Record, error) {
	if rec.Status != StatusPendingSignatures {
		return rec, nil
	}

	// Zero-budget contracts skip escrow entirely.
	if rec.Budget.IsZero() {
		if rec.BlockchainStatus == BlockchainNone {
			return rec, s.markActive(ctx, rec, "zero-budget contract, no escrow")
		}
	}

	if !rec.Budget.IsZero() && rec.BlockchainStatus.rank() < BlockchainDeployed.rank() {
		if !s.chain.WalletConnected() || rec.NeederAddr == "" || rec.ProviderAddr == "" {
			return nil, ErrWalletRequired
		}
		err := s.submitAndConfirm(ctx, rec, "escrow_create", func(ctx context.Context) (*chain.TxRef, error) {
			return s.chain.CreateAgreement(ctx, rec.ID, rec.NeederAddr, rec.ProviderAddr, rec.Budget.Units())
		})
		switch {
		case errors.Is(err, errPendingTimeout):
			return rec, nil
		case errors.Is(err, chain.ErrAlreadyExists):
			// A previous create landed. Adopt it and continue.
			ag, getErr := s.chain.GetAgreement(ctx, rec.ID)
			if getErr != nil {
				return nil, fmt.Errorf("failed to adopt existing agreement: %w", getErr)
			}
			if err := s.adoptChainState(ctx, rec, ag, "escrow_create"); err != nil {
				return nil, err
			}
		case err != nil:
			return nil, err
		default:
			rec.BlockchainStatus = BlockchainDeployed
			rec.ExternalID = chain.ExternalID(rec.ID)
			rec.PendingTxHash = ""
			rec.UpdatedAt = time.Now().UTC()
			if err := s.store.UpdateContract(ctx, rec); err != nil {
				return nil, fmt.Errorf("failed to record deployment: %w", err)
			}
			s.auditLog(ctx, rec.ID, "escrow_create_confirmed", "", string(BlockchainDeployed), "", "", "")
		}
	}

	if rec.BlockchainStatus == BlockchainDeployed {
		err := s.submitAndConfirm(ctx, rec, "escrow_accept", func(ctx context.Context) (*chain.TxRef, error) {
			return s.chain.AcceptAgreement(ctx, rec.ID)
		})
		switch {
		case errors.Is(err, errPendingTimeout):
			return rec, nil
		case err != nil:
			return nil, err
		}
		rec.BlockchainStatus = BlockchainFunded
		rec.PendingTxHash = ""
		rec.UpdatedAt = time.Now().UTC()
		if err := s.store.UpdateContract(ctx, rec); err != nil {
			return nil, fmt.Errorf("failed to record funding: %w", err)
		}
		s.auditLog(ctx, rec.ID, "escrow_accept_confirmed", "", string(BlockchainFunded), "", "", "")
	}

	if rec.BlockchainStatus == BlockchainFunded {
		return rec, s.markActive(ctx, rec, "escrow funded")
	}
	return rec, nil
}

// markActive flips the record to active and starts the first milestone.
// Caller holds the contract lock.
func (s *Service) markActive(ctx context.Context, rec *Record, detail string) error {
	now := time.Now().UTC()
	from := rec.Status
	rec.Status = StatusActive
	if rec.StartDate == nil {
		rec.StartDate = &now
	}
	if next := nextPendingMilestone(rec.Milestones); next != nil {
		next.Status = MilestoneInProgress
		next.UpdatedAt = now
	}
	rec.UpdatedAt = now

	if err := s.store.UpdateContract(ctx, rec); err != nil {
		return fmt.Errorf("failed to activate contract: %w", err)
	}
	metrics.ContractTransitionsTotal.WithLabelValues(string(StatusActive)).Inc()
	s.auditLog(ctx, rec.ID, "activated", string(from), string(StatusActive), "", "", detail)
	s.postMessage(ctx, rec.ID, "Contract is now active. Work can begin.")
	return nil
}

// submitAndConfirm runs one two-phase chain step: audit intent, submit,
// persist the pending hash, then await confirmation within the budget.
//
// Returns errPendingTimeout when the budget runs out; the pending hash
// stays on the record for the reconciliation sweep. The projection is only
// moved to pending when the record had no agreement yet; later steps keep
// the confirmed projection until their transaction lands.
func (s *Service) submitAndConfirm(ctx context.Context, rec *Record, op string, submit func(context.Context) (*chain.TxRef, error)) error {
	// Audit first. If this write fails, nothing is submitted.
	if err := s.audit(ctx, &HistoryEntry{
		ContractID: rec.ID,
		Action:     op + "_submitted",
	}); err != nil {
		return fmt.Errorf("failed to record audit entry: %w", err)
	}

	ref, err := submit(ctx)
	if err != nil {
		metrics.ChainTxTotal.WithLabelValues(op, "failed").Inc()
		return s.mapChainError(err)
	}
	metrics.ChainTxTotal.WithLabelValues(op, "submitted").Inc()

	rec.PendingTxHash = ref.Hash
	if rec.BlockchainStatus == BlockchainNone {
		rec.BlockchainStatus = BlockchainPending
	}
	rec.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdateContract(ctx, rec); err != nil {
		s.logger.Error("CRITICAL: failed to persist pending tx hash",
			"contract_id", rec.ID, "op", op, "tx_hash", ref.Hash, "error", err)
		return fmt.Errorf("failed to persist transaction reference: %w", err)
	}

	_, err = s.chain.WaitMined(ctx, ref.Hash, s.confirmationBudget)
	switch {
	case err == nil:
		metrics.ChainTxTotal.WithLabelValues(op, "confirmed").Inc()
		return nil
	case errors.Is(err, chain.ErrPendingConfirmation):
		metrics.ChainTxTotal.WithLabelValues(op, "pending_timeout").Inc()
		s.logger.Warn("chain confirmation budget exhausted",
			"contract_id", rec.ID, "op", op, "tx_hash", ref.Hash)
		s.auditLog(ctx, rec.ID, op+"_pending", "", "", "", ref.Hash, "confirmation budget exhausted")
		return errPendingTimeout
	default:
		metrics.ChainTxTotal.WithLabelValues(op, "failed").Inc()
		// The submission is dead. Clear the pending hash so a retry can
		// submit a fresh transaction.
		rec.PendingTxHash = ""
		if rec.BlockchainStatus == BlockchainPending {
			rec.BlockchainStatus = BlockchainNone
		}
		rec.UpdatedAt = time.Now().UTC()
		if updErr := s.store.UpdateContract(ctx, rec); updErr != nil {
			s.logger.Error("CRITICAL: failed to clear failed tx",
				"contract_id", rec.ID, "op", op, "error", updErr)
		}
		s.auditLog(ctx, rec.ID, op+"_failed", "", "", "", ref.Hash, err.Error())
		return s.mapChainError(err)
	}
}

// CompleteDeliverable marks one deliverable of an in-progress milestone as
// done. Provider only. Marking twice is a no-op.
func (s *Service) CompleteDeliverable(ctx context.Context, contractID, milestoneID, deliverableID, partyID string) (*Record, error) {
	unlock, err := s.locks.LockContext(ctx, contractID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	rec, err := s.store.GetContract(ctx, contractID)
	if err != nil {
		return nil, err
	}
	if rec.PartyRole(partyID) != "provider" {
		return nil, ErrUnauthorized
	}
	if rec.Status != StatusActive {
		return nil, ErrInvalidTransition
	}

	m := rec.MilestoneByID(milestoneID)
	if m == nil {
		return nil, ErrMilestoneNotFound
	}
	if m.Status != MilestoneInProgress {
		return nil, fmt.Errorf("%w: milestone is %s", ErrInvalidTransition, m.Status)
	}

	d := m.DeliverableByID(deliverableID)
	if d == nil {
		return nil, fmt.Errorf("deliverable %s not found", deliverableID)
	}
	if d.Completed {
		return rec, nil
	}

	d.Completed = true
	m.UpdatedAt = time.Now().UTC()
	rec.UpdatedAt = m.UpdatedAt
	if err := s.store.UpdateContract(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to update deliverable: %w", err)
	}
	s.auditLog(ctx, rec.ID, "deliverable_completed", "", "", partyID, "", d.Name)
	return rec, nil
}

// SubmitMilestone moves an in-progress milestone to submitted for needer
// review. All deliverables must be completed first.
func (s *Service) SubmitMilestone(ctx context.Context, contractID, milestoneID, partyID, note string) (*Record, error) {
	unlock, err := s.locks.LockContext(ctx, contractID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	rec, err := s.store.GetContract(ctx, contractID)
	if err != nil {
		return nil, err
	}
	if rec.PartyRole(partyID) != "provider" {
		return nil, ErrUnauthorized
	}
	if rec.Status != StatusActive {
		return nil, ErrInvalidTransition
	}

	m := rec.MilestoneByID(milestoneID)
	if m == nil {
		return nil, ErrMilestoneNotFound
	}
	if !m.Status.CanTransition(MilestoneSubmitted) {
		return nil, fmt.Errorf("%w: milestone is %s", ErrInvalidTransition, m.Status)
	}
	if !m.DeliverablesComplete() {
		return nil, ErrDeliverablesIncomplete
	}

	now := time.Now().UTC()
	m.Status = MilestoneSubmitted
	m.SubmittedAt = &now
	m.SubmissionNote = note
	m.UpdatedAt = now
	rec.UpdatedAt = now

	if err := s.store.UpdateContract(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to submit milestone: %w", err)
	}
	s.auditLog(ctx, rec.ID, "milestone_submitted", string(MilestoneInProgress), string(MilestoneSubmitted), partyID, "", m.Name)
	s.postMessage(ctx, rec.ID, fmt.Sprintf("Milestone %q submitted for review.", m.Name))
	return rec, nil
}

// ReviewMilestone records the needer's review of a submitted milestone.
// Approval completes the milestone and starts the next one; rejection sends
// it back to in_progress with deliverable completion preserved.
func (s *Service) ReviewMilestone(ctx context.Context, contractID, milestoneID, partyID string, approve bool, comment string) (*Record, error) {
	unlock, err := s.locks.LockContext(ctx, contractID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	rec, err := s.store.GetContract(ctx, contractID)
	if err != nil {
		return nil, err
	}
	if rec.PartyRole(partyID) != "needer" {
		return nil, ErrUnauthorized
	}
	if rec.Status != StatusActive {
		return nil, ErrInvalidTransition
	}

	m := rec.MilestoneByID(milestoneID)
	if m == nil {
		return nil, ErrMilestoneNotFound
	}
	if m.Status != MilestoneSubmitted {
		return nil, fmt.Errorf("%w: milestone is %s", ErrInvalidTransition, m.Status)
	}

	now := time.Now().UTC()
	m.ReviewedAt = &now
	m.ReviewComment = comment
	m.UpdatedAt = now
	rec.UpdatedAt = now

	if approve {
		m.Status = MilestoneCompleted
		m.CompletedAt = &now
		if next := nextPendingMilestone(rec.Milestones); next != nil {
			next.Status = MilestoneInProgress
			next.UpdatedAt = now
		}
		metrics.MilestoneReviewsTotal.WithLabelValues("approved").Inc()
	} else {
		m.Status = MilestoneInProgress
		metrics.MilestoneReviewsTotal.WithLabelValues("rejected").Inc()
	}

	if err := s.store.UpdateContract(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to review milestone: %w", err)
	}

	outcome := "rejected"
	if approve {
		outcome = "approved"
	}
	s.auditLog(ctx, rec.ID, "milestone_"+outcome, string(MilestoneSubmitted), string(m.Status), partyID, "", m.Name)
	s.postMessage(ctx, rec.ID, fmt.Sprintf("Milestone %q %s.", m.Name, outcome))
	return rec, nil
}

// SubmitForFinalReview moves an active contract with all milestones
// completed into pending_review.
func (s *Service) SubmitForFinalReview(ctx context.Context, id, partyID string) (*Record, error) {
	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	rec, err := s.store.GetContract(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.PartyRole(partyID) != "provider" {
		return nil, ErrUnauthorized
	}
	if rec.Status == StatusPendingReview {
		return rec, nil
	}
	if rec.Status != StatusActive {
		return nil, ErrInvalidTransition
	}
	if !allMilestonesCompleted(rec.Milestones) {
		return nil, ErrMilestonesIncomplete
	}

	now := time.Now().UTC()
	rec.Status = StatusPendingReview
	rec.SubmittedForReviewAt = &now
	rec.UpdatedAt = now

	if err := s.store.UpdateContract(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to submit for final review: %w", err)
	}
	metrics.ContractTransitionsTotal.WithLabelValues(string(StatusPendingReview)).Inc()
	s.auditLog(ctx, rec.ID, "submitted_for_review", string(StatusActive), string(StatusPendingReview), partyID, "", "")
	s.postMessage(ctx, rec.ID, "Contract submitted for final review.")
	return rec, nil
}

// ReviewCompletion records the needer's final review. Approval releases the
// escrow on chain; the record turns completed only after the release
// confirms. Exactly one review lands: a second review of any outcome finds
// the contract out of pending_review and fails with ErrInvalidTransition.
func (s *Service) ReviewCompletion(ctx context.Context, id, partyID string, approve bool, comment string) (*Record, error) {
	ctx, span := traces.StartSpan(ctx, "contract.ReviewCompletion", traces.ContractID(id))
	defer span.End()

	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	rec, err := s.store.GetContract(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.PartyRole(partyID) != "needer" {
		return nil, ErrUnauthorized
	}
	if rec.Status != StatusPendingReview {
		return nil, ErrInvalidTransition
	}

	now := time.Now().UTC()
	if !approve {
		if rec.PendingTxHash != "" {
			// An earlier approval's release is still in flight; the outcome
			// must resolve on chain before any rejection.
			return nil, fmt.Errorf("%w: release transaction awaiting confirmation", ErrInvalidTransition)
		}
		rec.Status = StatusActive
		rec.SubmittedForReviewAt = nil
		rec.UpdatedAt = now
		if err := s.store.UpdateContract(ctx, rec); err != nil {
			return nil, fmt.Errorf("failed to reject completion: %w", err)
		}
		metrics.ContractTransitionsTotal.WithLabelValues(string(StatusActive)).Inc()
		s.auditLog(ctx, rec.ID, "completion_rejected", string(StatusPendingReview), string(StatusActive), partyID, "", comment)
		s.postMessage(ctx, rec.ID, "Final review rejected. Contract returned to active.")
		return rec, nil
	}

	if rec.BlockchainStatus == BlockchainFunded && rec.PendingTxHash != "" {
		// An earlier release may have landed after its confirmation budget
		// expired. Check the chain before submitting a duplicate.
		ag, getErr := s.chain.GetAgreement(ctx, rec.ID)
		if getErr != nil {
			return nil, fmt.Errorf("failed to read agreement: %w", getErr)
		}
		if ag.Status != chain.StatusCompleted {
			// The earlier transaction is still in flight. Poll again later
			// instead of resubmitting.
			return rec, nil
		}
		rec.BlockchainStatus = BlockchainCompleted
		rec.PendingTxHash = ""
		rec.UpdatedAt = now
		if err := s.store.UpdateContract(ctx, rec); err != nil {
			return nil, fmt.Errorf("failed to record release: %w", err)
		}
		s.auditLog(ctx, rec.ID, "escrow_complete_adopted", "", string(BlockchainCompleted), partyID, "", "earlier release confirmed")
	}

	if rec.BlockchainStatus == BlockchainFunded {
		err := s.submitAndConfirm(ctx, rec, "escrow_complete", func(ctx context.Context) (*chain.TxRef, error) {
			return s.chain.CompleteAgreement(ctx, rec.ID)
		})
		switch {
		case errors.Is(err, errPendingTimeout):
			// Not confirmed yet: the record must not turn completed.
			return rec, nil
		case err != nil:
			return nil, err
		}
		rec.BlockchainStatus = BlockchainCompleted
		rec.PendingTxHash = ""
	} else if rec.BlockchainStatus != BlockchainNone && rec.BlockchainStatus != BlockchainCompleted {
		return nil, fmt.Errorf("%w: escrow is %s, expected funded", ErrInvalidTransition, rec.BlockchainStatus)
	}

	return rec, s.markCompleted(ctx, rec, partyID, comment)
}

// markCompleted flips the record terminal after the escrow release (if any)
// has confirmed. Caller holds the contract lock.
func (s *Service) markCompleted(ctx context.Context, rec *Record, actorID, detail string) error {
	now := time.Now().UTC()
	from := rec.Status
	rec.Status = StatusCompleted
	rec.CompletedAt = &now
	rec.UpdatedAt = now

	if err := s.store.UpdateContract(ctx, rec); err != nil {
		return fmt.Errorf("failed to complete contract: %w", err)
	}
	metrics.ContractTransitionsTotal.WithLabelValues(string(StatusCompleted)).Inc()
	s.auditLog(ctx, rec.ID, "completed", string(from), string(StatusCompleted), actorID, "", detail)
	s.postMessage(ctx, rec.ID, "Contract completed. Escrow released to provider.")
	return nil
}

// Withdraw pays the released escrow out to the provider's wallet.
// Withdrawing twice is a no-op.
func (s *Service) Withdraw(ctx context.Context, id, partyID string) (*Record, error) {
	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	rec, err := s.store.GetContract(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.PartyRole(partyID) != "provider" {
		return nil, ErrUnauthorized
	}
	if rec.EscrowWithdrawn {
		return rec, nil
	}
	if rec.Status != StatusCompleted || rec.BlockchainStatus != BlockchainCompleted {
		return nil, fmt.Errorf("%w: escrow not yet released", ErrInvalidTransition)
	}

	err = s.submitAndConfirm(ctx, rec, "escrow_withdraw", func(ctx context.Context) (*chain.TxRef, error) {
		return s.chain.WithdrawEscrow(ctx, rec.ID)
	})
	switch {
	case errors.Is(err, errPendingTimeout):
		return rec, nil
	case err != nil:
		return nil, err
	}

	rec.EscrowWithdrawn = true
	rec.PendingTxHash = ""
	rec.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdateContract(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to record withdrawal: %w", err)
	}
	s.auditLog(ctx, rec.ID, "escrow_withdrawn", "", "", partyID, "", "")
	s.postMessage(ctx, rec.ID, "Escrow withdrawn by provider.")
	return rec, nil
}

// Cancel terminates the contract. Funded escrow is refunded to the needer
// on chain before the record turns cancelled.
func (s *Service) Cancel(ctx context.Context, id, partyID, reason string) (*Record, error) {
	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	rec, err := s.store.GetContract(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.PartyRole(partyID) == "" {
		return nil, ErrUnauthorized
	}
	if rec.Status == StatusCancelled {
		return rec, nil
	}
	if rec.Status == StatusCompleted {
		return nil, fmt.Errorf("%w: contract already completed", ErrInvalidTransition)
	}

	// An unconfirmed create may have landed; check before deciding whether
	// a chain refund is needed.
	if rec.BlockchainStatus == BlockchainPending {
		if ag, err := s.chain.GetAgreement(ctx, rec.ID); err == nil {
			if err := s.adoptChainState(ctx, rec, ag, "cancel"); err != nil {
				return nil, err
			}
		} else if errors.Is(err, chain.ErrAgreementNotFound) {
			rec.BlockchainStatus = BlockchainNone
			rec.PendingTxHash = ""
		} else {
			return nil, fmt.Errorf("failed to read agreement: %w", err)
		}
	}

	if rec.BlockchainStatus == BlockchainDeployed || rec.BlockchainStatus == BlockchainFunded {
		err := s.submitAndConfirm(ctx, rec, "escrow_cancel", func(ctx context.Context) (*chain.TxRef, error) {
			return s.chain.CancelAgreement(ctx, rec.ID)
		})
		switch {
		case errors.Is(err, errPendingTimeout):
			return rec, nil
		case err != nil:
			return nil, err
		}
		rec.BlockchainStatus = BlockchainRefunded
		rec.PendingTxHash = ""
	}

	now := time.Now().UTC()
	from := rec.Status
	rec.Status = StatusCancelled
	rec.CancelledAt = &now
	rec.CancelReason = reason
	rec.UpdatedAt = now

	if err := s.store.UpdateContract(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to cancel contract: %w", err)
	}
	metrics.ContractTransitionsTotal.WithLabelValues(string(StatusCancelled)).Inc()
	s.auditLog(ctx, rec.ID, "cancelled", string(from), string(StatusCancelled), partyID, "", reason)
	s.postMessage(ctx, rec.ID, "Contract cancelled.")
	return rec, nil
}

// Dispute parks an active or in-review contract in disputed. No funds move;
// the dispute is resolved off-platform and exits through Cancel or manual
// completion review.
func (s *Service) Dispute(ctx context.Context, id, partyID, reason string) (*Record, error) {
	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	rec, err := s.store.GetContract(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.PartyRole(partyID) == "" {
		return nil, ErrUnauthorized
	}
	if rec.Status == StatusDisputed {
		return rec, nil
	}
	if rec.Status != StatusActive && rec.Status != StatusPendingReview {
		return nil, ErrInvalidTransition
	}

	now := time.Now().UTC()
	from := rec.Status
	rec.Status = StatusDisputed
	rec.DisputeReason = reason
	rec.UpdatedAt = now

	if err := s.store.UpdateContract(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to dispute contract: %w", err)
	}
	metrics.ContractTransitionsTotal.WithLabelValues(string(StatusDisputed)).Inc()
	s.auditLog(ctx, rec.ID, "disputed", string(from), string(StatusDisputed), partyID, "", reason)
	s.postMessage(ctx, rec.ID, "Contract disputed: "+reason)
	return rec, nil
}

// CompletionInfo summarizes lifecycle progress for one contract from one
// party's point of view.
type CompletionInfo struct {
	ContractID              string           `json:"contractId"`
	Status                  Status           `json:"status"`
	BlockchainStatus        BlockchainStatus `json:"blockchainStatus"`
	PendingTxHash           string           `json:"pendingTxHash,omitempty"`
	UserRole                string           `json:"userRole"`
	MilestonesTotal         int              `json:"milestonesTotal"`
	MilestonesCompleted     int              `json:"milestonesCompleted"`
	PercentComplete         int              `json:"percentComplete"`
	AllMilestonesCompleted  bool             `json:"allMilestonesCompleted"`
	CanSubmitForFinalReview bool             `json:"canSubmitForFinalReview"`
	CanReviewCompletion     bool             `json:"canReviewCompletion"`
	IsAwaitingFinalReview   bool             `json:"isAwaitingFinalReview"`
	IsCompleted             bool             `json:"isCompleted"`
	EscrowWithdrawn         bool             `json:"escrowWithdrawn"`
	OnChain                 *chain.Agreement `json:"onChain,omitempty"`
}

// CompletionStatus reports milestone progress, what the calling party can do
// next, and the live chain view. The chain read is best-effort; an
// unreachable RPC does not fail the call.
func (s *Service) CompletionStatus(ctx context.Context, id, partyID string) (*CompletionInfo, error) {
	rec, err := s.store.GetContract(ctx, id)
	if err != nil {
		return nil, err
	}

	role := rec.PartyRole(partyID)
	if role == "" {
		return nil, ErrUnauthorized
	}

	pct := 0
	for _, m := range rec.Milestones {
		if m.Status == MilestoneCompleted {
			pct += m.Percentage
		}
	}
	if rec.Status == StatusCompleted {
		pct = 100
	}

	allDone := allMilestonesCompleted(rec.Milestones)
	info := &CompletionInfo{
		ContractID:              rec.ID,
		Status:                  rec.Status,
		BlockchainStatus:        rec.BlockchainStatus,
		PendingTxHash:           rec.PendingTxHash,
		UserRole:                role,
		MilestonesTotal:         len(rec.Milestones),
		MilestonesCompleted:     completedMilestones(rec.Milestones),
		PercentComplete:         pct,
		AllMilestonesCompleted:  allDone,
		CanSubmitForFinalReview: role == "provider" && rec.Status == StatusActive && allDone,
		CanReviewCompletion:     role == "needer" && rec.Status == StatusPendingReview,
		IsAwaitingFinalReview:   rec.Status == StatusPendingReview,
		IsCompleted:             rec.Status == StatusCompleted,
		EscrowWithdrawn:         rec.EscrowWithdrawn,
	}

	if rec.BlockchainStatus != BlockchainNone {
		if ag, err := s.chain.GetAgreement(ctx, rec.ID); err == nil {
			info.OnChain = ag
		}
	}
	return info, nil
}

// Get returns a contract record by ID.
func (s *Service) Get(ctx context.Context, id string) (*Record, error) {
	return s.store.GetContract(ctx, id)
}

// ListByParty returns contracts a party is needer or provider on.
func (s *Service) ListByParty(ctx context.Context, partyID, status string, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByParty(ctx, partyID, status, limit)
}

// History returns the audit trail for a contract.
func (s *Service) History(ctx context.Context, contractID string, limit int) ([]*HistoryEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.store.ListHistory(ctx, contractID, limit)
}

// Messages returns the contract timeline messages.
func (s *Service) Messages(ctx context.Context, contractID string, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.store.ListMessages(ctx, contractID, limit)
}

// audit persists a history entry, filling id and timestamp.
func (s *Service) audit(ctx context.Context, entry *HistoryEntry) error {
	entry.ID = idgen.WithPrefix(idgen.PrefixHistory)
	entry.CreatedAt = time.Now().UTC()
	return s.store.AppendHistory(ctx, entry)
}

// auditLog is audit for after-the-fact entries where a write failure should
// be logged rather than fail the operation.
func (s *Service) auditLog(ctx context.Context, contractID, action, from, to, actorID, txHash, detail string) {
	err := s.audit(ctx, &HistoryEntry{
		ContractID: contractID,
		Action:     action,
		FromStatus: from,
		ToStatus:   to,
		ActorID:    actorID,
		TxHash:     txHash,
		Detail:     detail,
	})
	if err != nil {
		s.logger.Error("failed to append history entry",
			"contract_id", contractID, "action", action, "error", err)
	}
}

// postMessage stores a system timeline message and fans it out. Failures
// are logged only.
func (s *Service) postMessage(ctx context.Context, contractID, text string) {
	msg := &Message{
		ID:         idgen.WithPrefix(idgen.PrefixMessage),
		ContractID: contractID,
		Content:    text,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.store.CreateMessage(ctx, msg); err != nil {
		s.logger.Error("failed to store contract message",
			"contract_id", contractID, "error", err)
	}
	s.notifier.ContractMessage(ctx, contractID, text)
}

// mapChainError translates chain sentinels into the service taxonomy.
func (s *Service) mapChainError(err error) error {
	switch {
	case errors.Is(err, chain.ErrWalletRequired):
		return fmt.Errorf("%w: %v", ErrWalletRequired, err)
	case errors.Is(err, chain.ErrAlreadyExists):
		return err // handled by callers via adoption
	case errors.Is(err, chain.ErrUnauthorized):
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	case errors.Is(err, chain.ErrInvalidTransition):
		return fmt.Errorf("%w: %v", ErrInvalidTransition, err)
	default:
		return fmt.Errorf("%w: %v", ErrTransactionFailed, err)
	}
}
