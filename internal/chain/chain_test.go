package chain

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		ok       bool
	}{
		{StatusCreated, StatusAccepted, true},
		{StatusCreated, StatusCancelled, true},
		{StatusCreated, StatusCompleted, false},
		{StatusAccepted, StatusCompleted, true},
		{StatusAccepted, StatusCancelled, true},
		{StatusAccepted, StatusCreated, false},
		{StatusCompleted, StatusCancelled, false},
		{StatusCompleted, StatusAccepted, false},
		{StatusCancelled, StatusCreated, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.ok, tt.from.CanTransition(tt.to), "%s → %s", tt.from, tt.to)
	}
}

func TestStatusAheadOf(t *testing.T) {
	assert.True(t, StatusAccepted.AheadOf(StatusCreated))
	assert.True(t, StatusCompleted.AheadOf(StatusAccepted))
	assert.True(t, StatusCancelled.AheadOf(StatusCreated))
	assert.False(t, StatusCreated.AheadOf(StatusAccepted))
	assert.False(t, StatusCompleted.AheadOf(StatusCancelled), "terminal statuses share rank")
}

func TestExternalIDDeterministic(t *testing.T) {
	a := ExternalID("ct_aaa")
	b := ExternalID("ct_aaa")
	c := ExternalID("ct_bbb")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 66, "0x-prefixed 32-byte hash")
}

func TestSimFullLifecycle(t *testing.T) {
	ctx := context.Background()
	sim := NewSim()

	amount := big.NewInt(1000_000000)
	ref, err := sim.CreateAgreement(ctx, "ct_1", "0xneeder", "0xprovider", amount)
	require.NoError(t, err)
	require.NotEmpty(t, ref.Hash)

	_, err = sim.WaitMined(ctx, ref.Hash, time.Second)
	require.NoError(t, err)

	ag, err := sim.GetAgreement(ctx, "ct_1")
	require.NoError(t, err)
	assert.Equal(t, StatusCreated, ag.Status)
	assert.Equal(t, 0, ag.Amount.Cmp(amount))

	ref, err = sim.AcceptAgreement(ctx, "ct_1")
	require.NoError(t, err)
	_, err = sim.WaitMined(ctx, ref.Hash, time.Second)
	require.NoError(t, err)

	ref, err = sim.CompleteAgreement(ctx, "ct_1")
	require.NoError(t, err)
	_, err = sim.WaitMined(ctx, ref.Hash, time.Second)
	require.NoError(t, err)

	ref, err = sim.WithdrawEscrow(ctx, "ct_1")
	require.NoError(t, err)
	_, err = sim.WaitMined(ctx, ref.Hash, time.Second)
	require.NoError(t, err)

	ag, err = sim.GetAgreement(ctx, "ct_1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, ag.Status)
	assert.True(t, ag.Withdrawn)
}

func TestSimCreateDuplicate(t *testing.T) {
	ctx := context.Background()
	sim := NewSim()

	ref, err := sim.CreateAgreement(ctx, "ct_1", "0xa", "0xb", big.NewInt(100))
	require.NoError(t, err)
	_, err = sim.WaitMined(ctx, ref.Hash, time.Second)
	require.NoError(t, err)

	_, err = sim.CreateAgreement(ctx, "ct_1", "0xa", "0xb", big.NewInt(100))
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestSimInvalidTransition(t *testing.T) {
	ctx := context.Background()
	sim := NewSim()

	ref, err := sim.CreateAgreement(ctx, "ct_1", "0xa", "0xb", big.NewInt(100))
	require.NoError(t, err)
	_, err = sim.WaitMined(ctx, ref.Hash, time.Second)
	require.NoError(t, err)

	// created → completed skips accepted
	_, err = sim.CompleteAgreement(ctx, "ct_1")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	// withdraw before completion
	_, err = sim.WithdrawEscrow(ctx, "ct_1")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestSimWalletRequired(t *testing.T) {
	ctx := context.Background()
	sim := NewSim()
	sim.SetWalletConnected(false)

	_, err := sim.CreateAgreement(ctx, "ct_1", "0xa", "0xb", big.NewInt(100))
	assert.ErrorIs(t, err, ErrWalletRequired)
	assert.Empty(t, sim.WalletAddress())
}

func TestSimPendingThenMined(t *testing.T) {
	ctx := context.Background()
	sim := NewSim()
	sim.SetAutoMine(false)

	ref, err := sim.CreateAgreement(ctx, "ct_1", "0xa", "0xb", big.NewInt(100))
	require.NoError(t, err)

	// Budget exhausted: transaction submitted but unconfirmed, state unchanged.
	_, err = sim.WaitMined(ctx, ref.Hash, 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrPendingConfirmation)

	_, err = sim.GetAgreement(ctx, "ct_1")
	assert.ErrorIs(t, err, ErrAgreementNotFound)

	// The transaction lands later.
	sim.MineAll()

	ag, err := sim.GetAgreement(ctx, "ct_1")
	require.NoError(t, err)
	assert.Equal(t, StatusCreated, ag.Status)

	// A late wait on the same hash reads the landed receipt.
	_, err = sim.WaitMined(ctx, ref.Hash, time.Second)
	assert.NoError(t, err)
}

func TestSimFailNext(t *testing.T) {
	ctx := context.Background()
	sim := NewSim()
	sim.FailNext("create", ErrTransactionFailed)

	_, err := sim.CreateAgreement(ctx, "ct_1", "0xa", "0xb", big.NewInt(100))
	assert.ErrorIs(t, err, ErrTransactionFailed)

	// Only the next submission fails.
	ref, err := sim.CreateAgreement(ctx, "ct_1", "0xa", "0xb", big.NewInt(100))
	require.NoError(t, err)
	_, err = sim.WaitMined(ctx, ref.Hash, time.Second)
	assert.NoError(t, err)
}

func TestSimGetAgreementReturnsCopy(t *testing.T) {
	ctx := context.Background()
	sim := NewSim()

	ref, err := sim.CreateAgreement(ctx, "ct_1", "0xa", "0xb", big.NewInt(100))
	require.NoError(t, err)
	_, err = sim.WaitMined(ctx, ref.Hash, time.Second)
	require.NoError(t, err)

	ag1, err := sim.GetAgreement(ctx, "ct_1")
	require.NoError(t, err)
	ag1.Status = StatusCancelled
	ag1.Amount.SetInt64(0)

	ag2, err := sim.GetAgreement(ctx, "ct_1")
	require.NoError(t, err)
	assert.Equal(t, StatusCreated, ag2.Status)
	assert.Equal(t, int64(100), ag2.Amount.Int64())
}

func TestMapRevert(t *testing.T) {
	assert.ErrorIs(t, mapRevert("execution reverted: agreement already exists"), ErrAlreadyExists)
	assert.ErrorIs(t, mapRevert("execution reverted: invalid status"), ErrInvalidTransition)
	assert.ErrorIs(t, mapRevert("execution reverted: only needer can cancel"), ErrUnauthorized)
	assert.ErrorIs(t, mapRevert("execution reverted: agreement does not exist"), ErrAgreementNotFound)
	assert.ErrorIs(t, mapRevert("nonce too low"), ErrTransactionFailed)
}

func TestOpErrorUnwrap(t *testing.T) {
	err := &OpError{Op: "create", TxHash: "0xabc", Reason: "boom", Err: ErrTransactionFailed}
	assert.True(t, errors.Is(err, ErrTransactionFailed))
	assert.Contains(t, err.Error(), "0xabc")
	assert.Contains(t, err.Error(), "create")
}
