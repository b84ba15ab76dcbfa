//go:build integration

package contract

import (
	"context"
	"errors"
	"testing"
	"time"

	_ "github.com/lib/pq"

	"github.com/smartjects/platform/internal/money"
	"github.com/smartjects/platform/internal/testutil"
)

func setupTestStore(t *testing.T) (*PostgresStore, func()) {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	return NewPostgresStore(db), cleanup
}

func mustAmount(t *testing.T, s string) money.Amount {
	t.Helper()
	a, err := money.Parse(s)
	if err != nil {
		t.Fatalf("Parse(%q) failed: %v", s, err)
	}
	return a
}

func makeRecord(t *testing.T, id string, now time.Time) *Record {
	return &Record{
		ID:               id,
		SmartjectID:      "sj_pipeline",
		Title:            "Data pipeline build",
		NeederID:         "user_needer",
		ProviderID:       "user_provider",
		NeederAddr:       "0x1111111111111111111111111111111111111111",
		ProviderAddr:     "0x2222222222222222222222222222222222222222",
		Budget:           mustAmount(t, "1000"),
		Status:           StatusPendingSignatures,
		BlockchainStatus: BlockchainNone,
		Milestones: []*Milestone{
			{
				ID:         id + "_m1",
				ContractID: id,
				Name:       "Design",
				Percentage: 60,
				Amount:     mustAmount(t, "600"),
				OrderIndex: 0,
				Status:     MilestonePending,
				Deliverables: []Deliverable{
					{ID: id + "_d1", Name: "Schema"},
				},
				CreatedAt: now,
				UpdatedAt: now,
			},
			{
				ID:         id + "_m2",
				ContractID: id,
				Name:       "Implementation",
				Percentage: 40,
				Amount:     mustAmount(t, "400"),
				OrderIndex: 1,
				Status:     MilestonePending,
				CreatedAt:  now,
				UpdatedAt:  now,
			},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestPostgresContract_CreateAndGet(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	rec := makeRecord(t, "ct_pg_001", now)

	if err := store.CreateContract(ctx, rec); err != nil {
		t.Fatalf("CreateContract failed: %v", err)
	}

	got, err := store.GetContract(ctx, "ct_pg_001")
	if err != nil {
		t.Fatalf("GetContract failed: %v", err)
	}

	if got.Title != "Data pipeline build" {
		t.Errorf("Title: got %s", got.Title)
	}
	if got.Budget.String() != "1000.000000" {
		t.Errorf("Budget: got %s, want 1000.000000", got.Budget.String())
	}
	if got.Status != StatusPendingSignatures {
		t.Errorf("Status: got %s", got.Status)
	}
	if got.BlockchainStatus != BlockchainNone {
		t.Errorf("BlockchainStatus: got %s", got.BlockchainStatus)
	}
	if got.Version != 1 {
		t.Errorf("Version: got %d, want 1", got.Version)
	}
	if len(got.Milestones) != 2 {
		t.Fatalf("Expected 2 milestones, got %d", len(got.Milestones))
	}
	if got.Milestones[0].Name != "Design" || got.Milestones[1].Name != "Implementation" {
		t.Errorf("Milestones out of order: %s, %s", got.Milestones[0].Name, got.Milestones[1].Name)
	}
	if got.Milestones[0].Amount.String() != "600.000000" {
		t.Errorf("Milestone amount: got %s", got.Milestones[0].Amount.String())
	}
	if len(got.Milestones[0].Deliverables) != 1 || got.Milestones[0].Deliverables[0].Name != "Schema" {
		t.Errorf("Deliverables not round-tripped: %+v", got.Milestones[0].Deliverables)
	}
}

func TestPostgresContract_GetNotFound(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	_, err := store.GetContract(context.Background(), "ct_nonexistent")
	if !errors.Is(err, ErrContractNotFound) {
		t.Errorf("Expected ErrContractNotFound, got %v", err)
	}
}

func TestPostgresContract_Update(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	rec := makeRecord(t, "ct_pg_002", now)

	if err := store.CreateContract(ctx, rec); err != nil {
		t.Fatalf("CreateContract failed: %v", err)
	}

	signedAt := now.Add(time.Minute)
	rec.NeederSigned = true
	rec.NeederSignedAt = &signedAt
	rec.BlockchainStatus = BlockchainPending
	rec.PendingTxHash = "0xabc123"
	rec.Milestones[0].Status = MilestoneInProgress
	rec.UpdatedAt = signedAt

	if err := store.UpdateContract(ctx, rec); err != nil {
		t.Fatalf("UpdateContract failed: %v", err)
	}
	if rec.Version != 2 {
		t.Errorf("Version after update: got %d, want 2", rec.Version)
	}

	got, err := store.GetContract(ctx, rec.ID)
	if err != nil {
		t.Fatalf("GetContract after update failed: %v", err)
	}
	if !got.NeederSigned {
		t.Error("NeederSigned should persist")
	}
	if got.PendingTxHash != "0xabc123" {
		t.Errorf("PendingTxHash: got %s", got.PendingTxHash)
	}
	if got.BlockchainStatus != BlockchainPending {
		t.Errorf("BlockchainStatus: got %s", got.BlockchainStatus)
	}
	if got.Milestones[0].Status != MilestoneInProgress {
		t.Errorf("Milestone status: got %s", got.Milestones[0].Status)
	}
}

func TestPostgresContract_UpdateVersionConflict(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	rec := makeRecord(t, "ct_pg_003", now)

	if err := store.CreateContract(ctx, rec); err != nil {
		t.Fatalf("CreateContract failed: %v", err)
	}

	stale := *rec
	stale.Version = 99

	err := store.UpdateContract(ctx, &stale)
	if !errors.Is(err, ErrVersionConflict) {
		t.Errorf("Expected ErrVersionConflict, got %v", err)
	}
}

func TestPostgresContract_UpdateNotFound(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	now := time.Now().UTC()
	rec := makeRecord(t, "ct_pg_missing", now)
	rec.Version = 1

	err := store.UpdateContract(context.Background(), rec)
	if !errors.Is(err, ErrContractNotFound) {
		t.Errorf("Expected ErrContractNotFound, got %v", err)
	}
}

func TestPostgresContract_ListByParty(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	a := makeRecord(t, "ct_pg_list_a", now)
	b := makeRecord(t, "ct_pg_list_b", now.Add(time.Second))
	b.Status = StatusActive
	b.CreatedAt = now.Add(time.Second)
	c := makeRecord(t, "ct_pg_list_c", now.Add(2*time.Second))
	c.NeederID = "user_other"
	c.ProviderID = "user_needer" // party appears on the provider side here
	c.CreatedAt = now.Add(2 * time.Second)

	for _, rec := range []*Record{a, b, c} {
		if err := store.CreateContract(ctx, rec); err != nil {
			t.Fatalf("CreateContract %s failed: %v", rec.ID, err)
		}
	}

	results, err := store.ListByParty(ctx, "user_needer", "", 10)
	if err != nil {
		t.Fatalf("ListByParty failed: %v", err)
	}
	if len(results) != 3 {
		t.Errorf("Expected 3 results, got %d", len(results))
	}

	results, err = store.ListByParty(ctx, "user_needer", "active", 10)
	if err != nil {
		t.Fatalf("ListByParty with status filter failed: %v", err)
	}
	if len(results) != 1 {
		t.Errorf("Expected 1 active result, got %d", len(results))
	}
}

func TestPostgresContract_ListByBlockchainStatus(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	pending := makeRecord(t, "ct_pg_bs_pending", now)
	pending.BlockchainStatus = BlockchainPending

	funded := makeRecord(t, "ct_pg_bs_funded", now)
	funded.Status = StatusActive
	funded.BlockchainStatus = BlockchainFunded

	// Terminal record must be excluded even with a matching projection.
	done := makeRecord(t, "ct_pg_bs_done", now)
	done.Status = StatusCompleted
	done.BlockchainStatus = BlockchainFunded

	for _, rec := range []*Record{pending, funded, done} {
		if err := store.CreateContract(ctx, rec); err != nil {
			t.Fatalf("CreateContract %s failed: %v", rec.ID, err)
		}
	}

	results, err := store.ListByBlockchainStatus(ctx,
		[]BlockchainStatus{BlockchainPending, BlockchainDeployed, BlockchainFunded}, 100)
	if err != nil {
		t.Fatalf("ListByBlockchainStatus failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("Expected 2 results, got %d", len(results))
	}
	for _, rec := range results {
		if rec.ID == "ct_pg_bs_done" {
			t.Error("Terminal contract should be excluded from the sweep")
		}
	}
}

func TestPostgresContract_HistoryAndMessages(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	rec := makeRecord(t, "ct_pg_audit", now)

	if err := store.CreateContract(ctx, rec); err != nil {
		t.Fatalf("CreateContract failed: %v", err)
	}

	entries := []*HistoryEntry{
		{ID: "hist_1", ContractID: rec.ID, Action: "created", ToStatus: "pending_signatures", CreatedAt: now},
		{ID: "hist_2", ContractID: rec.ID, Action: "escrow_create_submitted", ActorID: "user_needer", TxHash: "0xdead", CreatedAt: now.Add(time.Second)},
	}
	for _, e := range entries {
		if err := store.AppendHistory(ctx, e); err != nil {
			t.Fatalf("AppendHistory failed: %v", err)
		}
	}

	history, err := store.ListHistory(ctx, rec.ID, 10)
	if err != nil {
		t.Fatalf("ListHistory failed: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("Expected 2 history entries, got %d", len(history))
	}
	if history[0].Action != "created" {
		t.Errorf("History order: got %s first", history[0].Action)
	}
	if history[1].TxHash != "0xdead" {
		t.Errorf("TxHash: got %s", history[1].TxHash)
	}

	msg := &Message{ID: "msg_1", ContractID: rec.ID, SenderID: "user_needer", Content: "Contract created.", CreatedAt: now}
	if err := store.CreateMessage(ctx, msg); err != nil {
		t.Fatalf("CreateMessage failed: %v", err)
	}
	msgs, err := store.ListMessages(ctx, rec.ID, 10)
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "Contract created." {
		t.Fatalf("Messages not round-tripped: %+v", msgs)
	}
}
