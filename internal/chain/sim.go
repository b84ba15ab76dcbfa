package chain

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/smartjects/platform/internal/idgen"
)

// Sim is a deterministic in-memory chain for development and tests. It
// preserves the two-phase shape of the real client: submissions validate
// against confirmed state and queue a state change, which lands only when
// the transaction is mined. With auto-mine off, WaitMined reports
// ErrPendingConfirmation and the queued change stays invisible until
// MineAll, which models the create-timed-out-but-landed race.
type Sim struct {
	mu         sync.Mutex
	agreements map[string]*Agreement // by external id, confirmed state only
	pending    map[string]*simTx     // by tx hash
	order      []string              // tx hashes in submission order
	autoMine   bool
	failNext   map[string]error // op → injected submit error
	connected  bool
	address    string
}

type simTx struct {
	op    string
	apply func() error
}

// NewSim creates a simulated chain with a connected wallet and auto-mining.
func NewSim() *Sim {
	return &Sim{
		agreements: make(map[string]*Agreement),
		pending:    make(map[string]*simTx),
		autoMine:   true,
		failNext:   make(map[string]error),
		connected:  true,
		address:    "0x" + idgen.Hex(20),
	}
}

var _ Client = (*Sim)(nil)

// SetAutoMine toggles whether WaitMined confirms immediately.
func (s *Sim) SetAutoMine(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.autoMine = on
}

// SetWalletConnected toggles signing availability.
func (s *Sim) SetWalletConnected(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = on
}

// FailNext makes the next submission of op fail with err.
func (s *Sim) FailNext(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext[op] = err
}

// PendingCount reports how many submitted transactions are not yet mined.
func (s *Sim) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// MineAll confirms every queued transaction in submission order.
func (s *Sim) MineAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, hash := range s.order {
		if tx, ok := s.pending[hash]; ok {
			_ = tx.apply()
			delete(s.pending, hash)
		}
	}
	s.order = nil
}

func (s *Sim) WalletConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *Sim) WalletAddress() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return ""
	}
	return s.address
}

func (s *Sim) CreateAgreement(ctx context.Context, contractID, neederAddr, providerAddr string, amount *big.Int) (*TxRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkSubmit("create"); err != nil {
		return nil, err
	}

	id := ExternalID(contractID)
	if _, ok := s.agreements[id]; ok {
		return nil, &OpError{Op: "create", Reason: "agreement already exists", Err: ErrAlreadyExists}
	}

	escrowed := new(big.Int).Set(amount)
	return s.queue("create", func() error {
		if _, ok := s.agreements[id]; ok {
			return ErrAlreadyExists
		}
		s.agreements[id] = &Agreement{
			ExternalID:   id,
			NeederAddr:   neederAddr,
			ProviderAddr: providerAddr,
			Amount:       escrowed,
			Status:       StatusCreated,
			CreatedAt:    time.Now().UTC(),
		}
		return nil
	}), nil
}

func (s *Sim) AcceptAgreement(ctx context.Context, contractID string) (*TxRef, error) {
	return s.transition(ctx, "accept", contractID, StatusAccepted)
}

func (s *Sim) CompleteAgreement(ctx context.Context, contractID string) (*TxRef, error) {
	return s.transition(ctx, "complete", contractID, StatusCompleted)
}

func (s *Sim) CancelAgreement(ctx context.Context, contractID string) (*TxRef, error) {
	return s.transition(ctx, "cancel", contractID, StatusCancelled)
}

func (s *Sim) transition(_ context.Context, op, contractID string, to Status) (*TxRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkSubmit(op); err != nil {
		return nil, err
	}

	id := ExternalID(contractID)
	ag, ok := s.agreements[id]
	if !ok {
		return nil, &OpError{Op: op, Reason: "agreement does not exist", Err: ErrAgreementNotFound}
	}
	if !ag.Status.CanTransition(to) {
		return nil, &OpError{Op: op, Reason: fmt.Sprintf("invalid status: %s → %s", ag.Status, to), Err: ErrInvalidTransition}
	}

	return s.queue(op, func() error {
		ag, ok := s.agreements[id]
		if !ok || !ag.Status.CanTransition(to) {
			return ErrInvalidTransition
		}
		ag.Status = to
		return nil
	}), nil
}

func (s *Sim) WithdrawEscrow(ctx context.Context, contractID string) (*TxRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkSubmit("withdraw"); err != nil {
		return nil, err
	}

	id := ExternalID(contractID)
	ag, ok := s.agreements[id]
	if !ok {
		return nil, &OpError{Op: "withdraw", Reason: "agreement does not exist", Err: ErrAgreementNotFound}
	}
	if ag.Status != StatusCompleted {
		return nil, &OpError{Op: "withdraw", Reason: "invalid status: escrow not released", Err: ErrInvalidTransition}
	}
	if ag.Withdrawn {
		return nil, &OpError{Op: "withdraw", Reason: "escrow already withdrawn", Err: ErrInvalidTransition}
	}

	return s.queue("withdraw", func() error {
		ag, ok := s.agreements[id]
		if !ok || ag.Status != StatusCompleted || ag.Withdrawn {
			return ErrInvalidTransition
		}
		ag.Withdrawn = true
		return nil
	}), nil
}

func (s *Sim) GetAgreement(ctx context.Context, contractID string) (*Agreement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ag, ok := s.agreements[ExternalID(contractID)]
	if !ok {
		return nil, ErrAgreementNotFound
	}
	cp := *ag
	cp.Amount = new(big.Int).Set(ag.Amount)
	return &cp, nil
}

func (s *Sim) WaitMined(ctx context.Context, txHash string, budget time.Duration) (*Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.pending[txHash]
	if !ok {
		// Already mined (or never submitted): report success so retries
		// after MineAll behave like late receipt reads.
		return &Receipt{TxHash: txHash, BlockNumber: 1, GasUsed: 21000}, nil
	}

	if !s.autoMine {
		return nil, fmt.Errorf("%w: tx %s", ErrPendingConfirmation, txHash)
	}

	delete(s.pending, txHash)
	for i, h := range s.order {
		if h == txHash {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	if err := tx.apply(); err != nil {
		return nil, &OpError{Op: tx.op, TxHash: txHash, Reason: "transaction reverted", Err: ErrTransactionFailed}
	}
	return &Receipt{TxHash: txHash, BlockNumber: 1, GasUsed: 21000}, nil
}

// checkSubmit enforces wallet presence and injected failures. Caller holds mu.
func (s *Sim) checkSubmit(op string) error {
	if !s.connected {
		return &OpError{Op: op, Reason: "no signing key", Err: ErrWalletRequired}
	}
	if err, ok := s.failNext[op]; ok {
		delete(s.failNext, op)
		return &OpError{Op: op, Reason: "injected failure", Err: err}
	}
	return nil
}

// queue records a pending state change. Caller holds mu.
func (s *Sim) queue(op string, apply func() error) *TxRef {
	hash := "0x" + idgen.Hex(32)
	s.pending[hash] = &simTx{op: op, apply: apply}
	s.order = append(s.order, hash)
	return &TxRef{Hash: hash, Submitted: time.Now().UTC()}
}
