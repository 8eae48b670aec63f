package main

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Setenv("RPC_ENDPOINTS", "wss://eth.example/ws/v3/secret, http://127.0.0.1:8545")
	t.Setenv("BOT_KEY", "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318")
	t.Setenv("FLASHBOTS_SIGNING_KEY", "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318")
	t.Setenv("EXECUTOR_ADDRESS", "0x00000000000000000000000000000000000e8ec0")
}

func TestLoadConfigFromEnv(t *testing.T) {
	setRequired(t)
	t.Setenv("MIN_PROFIT_ETH", "0.05")
	t.Setenv("PRIORITY_FEE_GWEI", "3")
	t.Setenv("FLASH_LOAN", "false")
	t.Setenv("SEARCH_BUDGET", "250ms")
	t.Setenv("BREAKER_COOLDOWN", "10m")

	cfg, err := loadConfig()
	require.NoError(t, err)

	assert.Equal(t, []string{"wss://eth.example/ws/v3/secret", "http://127.0.0.1:8545"}, cfg.RPC.Endpoints)
	assert.Equal(t, "50000000000000000", cfg.Search.MinProfit.String())
	assert.Equal(t, "3000000000", cfg.Search.PriorityFee.String())
	assert.Equal(t, "3000000000", cfg.Submit.Tip.String())
	assert.False(t, cfg.Search.FlashLoan)
	assert.False(t, cfg.Strategy.FlashLoan)
	assert.Equal(t, 250*time.Millisecond, cfg.Search.SearchBudget)
	assert.Equal(t, 10*time.Minute, cfg.Submit.Breaker.Cooldown)

	executor := common.HexToAddress("0x00000000000000000000000000000000000e8ec0")
	assert.Equal(t, executor, cfg.Bundle.Executor)
	assert.Equal(t, executor, cfg.Submit.Executor)
	assert.Equal(t, executor, cfg.Strategy.Executor)
	assert.Equal(t, mainnetWETH, cfg.Submit.WETH)
}

func TestLoadConfigReportsBadValues(t *testing.T) {
	setRequired(t)
	t.Setenv("WORKERS", "eight")
	t.Setenv("WETH_ADDRESS", "0x1234")

	_, err := loadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "WORKERS")
	assert.Contains(t, err.Error(), "WETH_ADDRESS")
}

func TestValidateRequiresSecrets(t *testing.T) {
	t.Setenv("BOT_KEY", "")
	t.Setenv("FLASHBOTS_SIGNING_KEY", "")
	t.Setenv("EXECUTOR_ADDRESS", "")

	_, err := loadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BOT_KEY")
	assert.Contains(t, err.Error(), "FLASHBOTS_SIGNING_KEY")
	assert.Contains(t, err.Error(), "EXECUTOR_ADDRESS")
}

func TestRedactEndpoints(t *testing.T) {
	assert.Equal(t,
		[]string{"wss://eth.example/…", "ws://127.0.0.1:8546"},
		redact([]string{"wss://eth.example/v2/KEY", "ws://127.0.0.1:8546"}),
	)
}
