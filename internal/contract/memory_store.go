package contract

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory contract store for demo/development mode.
type MemoryStore struct {
	contracts map[string]*Record
	history   map[string][]*HistoryEntry // contractID -> entries
	messages  map[string][]*Message      // contractID -> messages
	mu        sync.RWMutex
}

// NewMemoryStore creates a new in-memory contract store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		contracts: make(map[string]*Record),
		history:   make(map[string][]*HistoryEntry),
		messages:  make(map[string][]*Message),
	}
}

var _ Store = (*MemoryStore)(nil)

// copyRecord deep-copies a record so callers never share milestone slices
// with the stored state.
func copyRecord(r *Record) *Record {
	cp := *r
	cp.Milestones = make([]*Milestone, 0, len(r.Milestones))
	for _, m := range r.Milestones {
		mc := *m
		mc.Deliverables = make([]*Deliverable, 0, len(m.Deliverables))
		for _, d := range m.Deliverables {
			dc := *d
			mc.Deliverables = append(mc.Deliverables, &dc)
		}
		cp.Milestones = append(cp.Milestones, &mc)
	}
	return &cp
}

func (m *MemoryStore) CreateContract(ctx context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec.Version = 1
	m.contracts[rec.ID] = copyRecord(rec)
	return nil
}

func (m *MemoryStore) GetContract(ctx context.Context, id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.contracts[id]
	if !ok {
		return nil, ErrContractNotFound
	}
	return copyRecord(rec), nil
}

func (m *MemoryStore) UpdateContract(ctx context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.contracts[rec.ID]
	if !ok {
		return ErrContractNotFound
	}
	if stored.Version != rec.Version {
		return ErrVersionConflict
	}
	rec.Version++
	m.contracts[rec.ID] = copyRecord(rec)
	return nil
}

func (m *MemoryStore) ListByParty(ctx context.Context, partyID string, status string, limit int) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Record
	for _, r := range m.contracts {
		if r.NeederID != partyID && r.ProviderID != partyID {
			continue
		}
		if status != "" && string(r.Status) != status {
			continue
		}
		result = append(result, copyRecord(r))
		if len(result) >= limit {
			break
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

func (m *MemoryStore) ListByBlockchainStatus(ctx context.Context, statuses []BlockchainStatus, limit int) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	want := make(map[BlockchainStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}

	var result []*Record
	for _, r := range m.contracts {
		if r.IsTerminal() || !want[r.BlockchainStatus] {
			continue
		}
		result = append(result, copyRecord(r))
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (m *MemoryStore) AppendHistory(ctx context.Context, entry *HistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *entry
	m.history[entry.ContractID] = append(m.history[entry.ContractID], &cp)
	return nil
}

func (m *MemoryStore) ListHistory(ctx context.Context, contractID string, limit int) ([]*HistoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := m.history[contractID]
	var result []*HistoryEntry
	for _, e := range entries {
		cp := *e
		result = append(result, &cp)
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (m *MemoryStore) CreateMessage(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *msg
	m.messages[msg.ContractID] = append(m.messages[msg.ContractID], &cp)
	return nil
}

func (m *MemoryStore) ListMessages(ctx context.Context, contractID string, limit int) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msgs := m.messages[contractID]
	var result []*Message
	for _, msg := range msgs {
		cp := *msg
		result = append(result, &cp)
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}
