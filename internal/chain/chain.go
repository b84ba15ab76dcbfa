// Package chain adapts the on-chain escrow agreement contract.
//
// An agreement is the ledger's view of one contract: parties, escrow
// amount, status. The status machine is strictly monotonic:
//
//	created → accepted → completed
//	created → cancelled
//	accepted → cancelled
//
// No transition ever returns to an earlier state. All write operations are
// two-phase: submission returns a TxRef quickly (and may fail on
// validation), confirmation is awaited separately via WaitMined.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrAgreementNotFound   = errors.New("chain: agreement not found")
	ErrAlreadyExists       = errors.New("chain: agreement already exists")
	ErrInvalidTransition   = errors.New("chain: invalid agreement state transition")
	ErrUnauthorized        = errors.New("chain: caller not authorized for this operation")
	ErrWalletRequired      = errors.New("chain: no connected wallet for signing")
	ErrTransactionFailed   = errors.New("chain: transaction failed")
	ErrPendingConfirmation = errors.New("chain: transaction submitted but not yet confirmed")
	ErrRPCConnection       = errors.New("chain: RPC connection failed")
)

// Status represents the on-chain agreement state.
type Status string

const (
	StatusCreated   Status = "created"
	StatusAccepted  Status = "accepted"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// rank orders statuses along the forward direction of the machine.
// Terminal statuses share the highest rank.
func (s Status) rank() int {
	switch s {
	case StatusCreated:
		return 0
	case StatusAccepted:
		return 1
	case StatusCompleted, StatusCancelled:
		return 2
	}
	return -1
}

// IsTerminal returns true for completed and cancelled.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// CanTransition reports whether s → to is a legal edge.
func (s Status) CanTransition(to Status) bool {
	switch s {
	case StatusCreated:
		return to == StatusAccepted || to == StatusCancelled
	case StatusAccepted:
		return to == StatusCompleted || to == StatusCancelled
	}
	return false
}

// AheadOf reports whether s is strictly further along the machine than
// other. Used by reconciliation to decide whether the off-chain projection
// must advance.
func (s Status) AheadOf(other Status) bool {
	return s.rank() > other.rank()
}

// Agreement is the read-through copy of one on-chain escrow agreement.
type Agreement struct {
	ExternalID   string    `json:"externalId"`
	NeederAddr   string    `json:"neederAddr"`
	ProviderAddr string    `json:"providerAddr"`
	Amount       *big.Int  `json:"amount"` // escrow amount in smallest units
	Status       Status    `json:"status"`
	Withdrawn    bool      `json:"withdrawn"`
	CreatedAt    time.Time `json:"createdAt"`
}

// TxRef is the fast-phase handle of a submitted transaction. The operation
// is not done until the transaction is confirmed via WaitMined.
type TxRef struct {
	Hash      string    `json:"hash"`
	Submitted time.Time `json:"submitted"`
}

// Receipt is the slow-phase result of a confirmed transaction.
type Receipt struct {
	TxHash      string `json:"txHash"`
	BlockNumber uint64 `json:"blockNumber"`
	GasUsed     uint64 `json:"gasUsed"`
}

// Client is the adapter over the escrow agreement contract. All writes are
// submitted on behalf of the connected wallet; the coordinator never signs
// for a party that has not connected one.
type Client interface {
	// CreateAgreement deploys the agreement for a contract, escrowing
	// amount from the needer. Fails with ErrAlreadyExists if the external
	// id is already deployed.
	CreateAgreement(ctx context.Context, contractID, neederAddr, providerAddr string, amount *big.Int) (*TxRef, error)
	// AcceptAgreement moves created → accepted.
	AcceptAgreement(ctx context.Context, contractID string) (*TxRef, error)
	// CompleteAgreement moves accepted → completed, unlocking withdrawal.
	CompleteAgreement(ctx context.Context, contractID string) (*TxRef, error)
	// CancelAgreement moves created/accepted → cancelled, refunding the needer.
	CancelAgreement(ctx context.Context, contractID string) (*TxRef, error)
	// WithdrawEscrow pays the escrow out to the provider. Only valid when
	// the agreement is completed.
	WithdrawEscrow(ctx context.Context, contractID string) (*TxRef, error)
	// GetAgreement reads the live agreement, or ErrAgreementNotFound.
	GetAgreement(ctx context.Context, contractID string) (*Agreement, error)
	// WaitMined awaits confirmation of a submitted transaction up to the
	// given budget. Returns ErrPendingConfirmation when the budget is
	// exhausted; the transaction may still land later.
	WaitMined(ctx context.Context, txHash string, budget time.Duration) (*Receipt, error)
	// WalletConnected reports whether a signing identity is available.
	WalletConnected() bool
	// WalletAddress returns the connected wallet address, or "".
	WalletAddress() string
}

// OpError wraps chain operation failures with submission context. The
// original revert/RPC message is preserved for logging while Unwrap exposes
// the taxonomy sentinel for errors.Is checks.
type OpError struct {
	Op     string // Operation that failed (create, accept, ...)
	TxHash string // Transaction hash if the submission got that far
	Reason string // Raw revert/RPC message from the chain
	Err    error  // Taxonomy sentinel
}

func (e *OpError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("chain: %s failed (tx: %s): %v: %s", e.Op, e.TxHash, e.Err, e.Reason)
	}
	return fmt.Sprintf("chain: %s failed: %v: %s", e.Op, e.Err, e.Reason)
}

func (e *OpError) Unwrap() error { return e.Err }

// ExternalID derives the deterministic on-chain id for a contract record.
func ExternalID(contractID string) string {
	return crypto.Keccak256Hash([]byte(contractID)).Hex()
}
