package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultEnv, cfg.Env)
	assert.Equal(t, int64(DefaultChainID), cfg.ChainID)
	assert.True(t, cfg.UseSimChain(), "no escrow contract set should mean sim chain")
}

func TestLoad_ChainSettings(t *testing.T) {
	t.Setenv("ESCROW_CONTRACT", "0x1111111111111111111111111111111111111111")
	t.Setenv("DEPLOYER_KEY", "4c0883a69102937d6231471b5dbb6204fe512961708279f8d2ae1e6ef6a4a4f1")
	t.Setenv("RPC_URL", "http://localhost:8545")
	t.Setenv("CHAIN_ID", "31337")

	cfg, err := Load()
	require.NoError(t, err)

	assert.False(t, cfg.UseSimChain())
	assert.Equal(t, int64(31337), cfg.ChainID)
}

func TestValidate_MissingDeployerKey(t *testing.T) {
	cfg := &Config{
		EscrowContract:     "0x1111111111111111111111111111111111111111",
		RPCURL:             "http://localhost:8545",
		ConfirmationBudget: time.Second,
		ReconcileInterval:  time.Second,
	}
	assert.Error(t, cfg.Validate())
}

func TestValidate_BadDeployerKey(t *testing.T) {
	cfg := &Config{
		EscrowContract:     "0x1111111111111111111111111111111111111111",
		DeployerKey:        "too-short",
		RPCURL:             "http://localhost:8545",
		ConfirmationBudget: time.Second,
		ReconcileInterval:  time.Second,
	}
	assert.Error(t, cfg.Validate())
}

func TestValidate_DeployerKeyWithPrefix(t *testing.T) {
	cfg := &Config{
		EscrowContract:     "0x1111111111111111111111111111111111111111",
		DeployerKey:        "0x4c0883a69102937d6231471b5dbb6204fe512961708279f8d2ae1e6ef6a4a4f1",
		RPCURL:             "http://localhost:8545",
		ConfirmationBudget: time.Second,
		ReconcileInterval:  time.Second,
	}
	assert.NoError(t, cfg.Validate())
}

func TestValidate_Durations(t *testing.T) {
	cfg := &Config{ConfirmationBudget: 0, ReconcileInterval: time.Second}
	assert.Error(t, cfg.Validate())

	cfg = &Config{ConfirmationBudget: time.Second, ReconcileInterval: -time.Second}
	assert.Error(t, cfg.Validate())
}
