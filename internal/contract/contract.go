// Package contract implements the escrow-backed contract lifecycle between
// a needer and a provider.
//
// A contract record is the off-chain ledger entry; the escrow agreement is
// the on-chain one. The two never share a transaction, so this package acts
// as the coordinator between them:
//
//  1. Both parties sign → escrow agreement deployed and funded → active
//  2. Provider works milestones: deliverables → submit → needer review
//  3. All milestones approved → provider submits for final review
//  4. Needer approves completion → escrow released on chain → completed
//  5. Provider withdraws the released escrow
//
// Fund-affecting record statuses are written only after the corresponding
// chain transaction confirms. A background reconciliation sweep advances the
// record's chain projection when confirmations were missed; it never moves
// the projection backwards.
package contract

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/smartjects/platform/internal/chain"
	"github.com/smartjects/platform/internal/money"
	"github.com/smartjects/platform/internal/syncutil"
)

var (
	ErrContractNotFound      = errors.New("contract not found")
	ErrMilestoneNotFound     = errors.New("milestone not found")
	ErrInvalidTransition     = errors.New("invalid status transition for this operation")
	ErrUnauthorized          = errors.New("not authorized for this contract operation")
	ErrWalletRequired        = errors.New("wallet connection required for this operation")
	ErrTransactionFailed     = errors.New("blockchain transaction failed")
	ErrDeliverablesIncomplete = errors.New("all deliverables must be completed before submission")
	ErrMilestonesIncomplete  = errors.New("all milestones must be completed before final review")
	ErrDivergence            = errors.New("ledger divergence: chain state behind local projection")
	ErrVersionConflict       = errors.New("contract was modified concurrently")
)

// Status represents the off-chain contract record state.
type Status string

const (
	StatusPendingSignatures Status = "pending_signatures"
	StatusActive            Status = "active"
	StatusPendingReview     Status = "pending_review"
	StatusCompleted         Status = "completed"
	StatusDisputed          Status = "disputed"
	StatusCancelled         Status = "cancelled"
)

// IsTerminal returns true if the record is in a final state.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// BlockchainStatus is the record's projection of the on-chain agreement.
type BlockchainStatus string

const (
	BlockchainNone      BlockchainStatus = "none"      // no agreement, nothing submitted
	BlockchainPending   BlockchainStatus = "pending"   // transaction submitted, unconfirmed
	BlockchainDeployed  BlockchainStatus = "deployed"  // agreement created on chain
	BlockchainFunded    BlockchainStatus = "funded"    // escrow accepted and locked
	BlockchainCompleted BlockchainStatus = "completed" // escrow released to provider
	BlockchainRefunded  BlockchainStatus = "refunded"  // escrow returned to needer
)

// rank orders projections along the forward direction. Terminal projections
// share the highest rank.
func (b BlockchainStatus) rank() int {
	switch b {
	case BlockchainNone:
		return 0
	case BlockchainPending:
		return 1
	case BlockchainDeployed:
		return 2
	case BlockchainFunded:
		return 3
	case BlockchainCompleted, BlockchainRefunded:
		return 4
	}
	return -1
}

// AheadOf reports whether b is strictly further along than other.
func (b BlockchainStatus) AheadOf(other BlockchainStatus) bool {
	return b.rank() > other.rank()
}

// projectionFor maps a confirmed chain agreement status onto the record
// projection.
func projectionFor(s chain.Status) BlockchainStatus {
	switch s {
	case chain.StatusCreated:
		return BlockchainDeployed
	case chain.StatusAccepted:
		return BlockchainFunded
	case chain.StatusCompleted:
		return BlockchainCompleted
	case chain.StatusCancelled:
		return BlockchainRefunded
	}
	return BlockchainNone
}

// Record is the off-chain contract ledger entry.
type Record struct {
	ID           string `json:"id"`
	SmartjectID  string `json:"smartjectId"`
	Title        string `json:"title"`
	NeederID     string `json:"neederId"`
	ProviderID   string `json:"providerId"`
	NeederAddr   string `json:"neederAddr,omitempty"`
	ProviderAddr string `json:"providerAddr,omitempty"`

	Budget money.Amount `json:"budget"`

	Status           Status           `json:"status"`
	BlockchainStatus BlockchainStatus `json:"blockchainStatus"`
	ExternalID       string           `json:"externalId,omitempty"`
	PendingTxHash    string           `json:"pendingTxHash,omitempty"`
	EscrowWithdrawn  bool             `json:"escrowWithdrawn"`

	NeederSigned     bool       `json:"neederSigned"`
	ProviderSigned   bool       `json:"providerSigned"`
	NeederSignedAt   *time.Time `json:"neederSignedAt,omitempty"`
	ProviderSignedAt *time.Time `json:"providerSignedAt,omitempty"`

	StartDate            *time.Time `json:"startDate,omitempty"`
	EndDate              *time.Time `json:"endDate,omitempty"`
	SubmittedForReviewAt *time.Time `json:"submittedForReviewAt,omitempty"`
	CompletedAt          *time.Time `json:"completedAt,omitempty"`
	CancelledAt          *time.Time `json:"cancelledAt,omitempty"`
	CancelReason         string     `json:"cancelReason,omitempty"`
	DisputeReason        string     `json:"disputeReason,omitempty"`

	Milestones []*Milestone `json:"milestones,omitempty"`

	// Version guards concurrent updates. Store.UpdateContract fails with
	// ErrVersionConflict when the stored version does not match.
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// IsTerminal returns true if the record is in a final state.
func (r *Record) IsTerminal() bool {
	return r.Status.IsTerminal()
}

// BothSigned returns true once needer and provider have both signed.
func (r *Record) BothSigned() bool {
	return r.NeederSigned && r.ProviderSigned
}

// PartyRole returns the role of a party id on this contract, or "".
func (r *Record) PartyRole(partyID string) string {
	switch partyID {
	case r.NeederID:
		return "needer"
	case r.ProviderID:
		return "provider"
	}
	return ""
}

// MilestoneByID finds a milestone on the record, or nil.
func (r *Record) MilestoneByID(id string) *Milestone {
	for _, m := range r.Milestones {
		if m.ID == id {
			return m
		}
	}
	return nil
}

// HistoryEntry is one audit record of a lifecycle action. Entries recording
// chain submissions are persisted before the transaction is sent, so a crash
// between submission and confirmation leaves a trace for reconciliation.
type HistoryEntry struct {
	ID         string    `json:"id"`
	ContractID string    `json:"contractId"`
	Action     string    `json:"action"`
	FromStatus string    `json:"fromStatus,omitempty"`
	ToStatus   string    `json:"toStatus,omitempty"`
	ActorID    string    `json:"actorId,omitempty"`
	TxHash     string    `json:"txHash,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Message is a system message on the contract timeline.
type Message struct {
	ID         string    `json:"id"`
	ContractID string    `json:"contractId"`
	SenderID   string    `json:"senderId"` // "" for system messages
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Store persists contract records, milestones, history, and messages.
// UpdateContract performs an optimistic check on Record.Version and writes
// the record together with its milestones.
type Store interface {
	CreateContract(ctx context.Context, rec *Record) error
	GetContract(ctx context.Context, id string) (*Record, error)
	UpdateContract(ctx context.Context, rec *Record) error
	ListByParty(ctx context.Context, partyID string, status string, limit int) ([]*Record, error)
	ListByBlockchainStatus(ctx context.Context, statuses []BlockchainStatus, limit int) ([]*Record, error)

	AppendHistory(ctx context.Context, entry *HistoryEntry) error
	ListHistory(ctx context.Context, contractID string, limit int) ([]*HistoryEntry, error)

	CreateMessage(ctx context.Context, msg *Message) error
	ListMessages(ctx context.Context, contractID string, limit int) ([]*Message, error)
}

// Notifier delivers contract timeline notifications. Implementations must
// not block; delivery failures never fail the lifecycle operation.
type Notifier interface {
	ContractMessage(ctx context.Context, contractID, text string)
}

// NopNotifier discards all notifications.
type NopNotifier struct{}

func (NopNotifier) ContractMessage(context.Context, string, string) {}

// DefaultConfirmationBudget bounds how long a lifecycle operation waits for
// a chain confirmation before reporting the transaction as pending.
const DefaultConfirmationBudget = 45 * time.Second

// Service coordinates the off-chain record and the on-chain agreement.
type Service struct {
	store    Store
	chain    chain.Client
	notifier Notifier
	locks    *syncutil.ContextShardedMutex
	logger   *slog.Logger

	confirmationBudget time.Duration
}

// ServiceOption configures the service.
type ServiceOption func(*Service)

// WithNotifier sets the notification sink.
func WithNotifier(n Notifier) ServiceOption {
	return func(s *Service) {
		if n != nil {
			s.notifier = n
		}
	}
}

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithConfirmationBudget sets the per-operation confirmation wait budget.
func WithConfirmationBudget(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d > 0 {
			s.confirmationBudget = d
		}
	}
}

// NewService creates the lifecycle coordinator.
func NewService(store Store, chainClient chain.Client, opts ...ServiceOption) *Service {
	s := &Service{
		store:              store,
		chain:              chainClient,
		notifier:           NopNotifier{},
		locks:              syncutil.NewContextShardedMutex(),
		logger:             slog.Default(),
		confirmationBudget: DefaultConfirmationBudget,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}
