package main

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/mev-protocol/sandwich/internal/admin"
	"github.com/mev-protocol/sandwich/internal/bundle"
	"github.com/mev-protocol/sandwich/internal/classifier"
	"github.com/mev-protocol/sandwich/internal/optimizer"
	"github.com/mev-protocol/sandwich/internal/pools"
	"github.com/mev-protocol/sandwich/internal/relay"
	"github.com/mev-protocol/sandwich/internal/rpc"
	"github.com/mev-protocol/sandwich/internal/strategy"
	"github.com/mev-protocol/sandwich/internal/stream"
	"github.com/mev-protocol/sandwich/internal/submission"
	"github.com/mev-protocol/sandwich/pkg/types"
)

var mainnetWETH = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")

type Config struct {
	LogLevel string

	RPC      rpc.Config
	Stream   stream.Config
	Pools    pools.Config
	PoolsDB  string
	Classify classifier.Config
	Strategy strategy.Config
	Search   optimizer.Config
	Bundle   bundle.Config
	Relay    relay.Config
	Submit   submission.Config
	Admin    admin.Config

	BotKey      string
	DatabaseURL string
	// ResolverSlippageBps is the slippage assumed for traced swaps.
	ResolverSlippageBps uint64
}

// Validate reports settings the node cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if len(c.RPC.Endpoints) == 0 {
		errs = append(errs, errors.New("RPC_ENDPOINTS is empty"))
	}
	if c.BotKey == "" {
		errs = append(errs, errors.New("BOT_KEY is not set"))
	}
	if c.Relay.SigningKey == "" {
		errs = append(errs, errors.New("FLASHBOTS_SIGNING_KEY is not set"))
	}
	if c.Bundle.Executor == (common.Address{}) {
		errs = append(errs, errors.New("EXECUTOR_ADDRESS is not set"))
	}
	if c.Search.MinProfit == nil || c.Search.MinProfit.Sign() <= 0 {
		errs = append(errs, errors.New("MIN_PROFIT_ETH must be positive"))
	}
	if c.Search.Intervals < 2 {
		errs = append(errs, fmt.Errorf("SEARCH_INTERVALS %d: need at least 2", c.Search.Intervals))
	}
	return errors.Join(errs...)
}

func loadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	var env envReader
	executor := env.address("EXECUTOR_ADDRESS", common.Address{})
	weth := env.address("WETH_ADDRESS", mainnetWETH)

	search := optimizer.DefaultConfig()
	search.Intervals = env.int("SEARCH_INTERVALS", search.Intervals)
	search.MaxIterations = env.int("SEARCH_MAX_ITERATIONS", search.MaxIterations)
	search.MaxAmountIn = env.ether("MAX_AMOUNT_IN_ETH", search.MaxAmountIn)
	search.MinProfit = env.ether("MIN_PROFIT_ETH", search.MinProfit)
	search.MaxSlippageBps = env.uint("MAX_SLIPPAGE_BPS", search.MaxSlippageBps)
	search.MaxBundleGas = env.uint("MAX_BUNDLE_GAS", search.MaxBundleGas)
	search.PriorityFee = env.gwei("PRIORITY_FEE_GWEI", search.PriorityFee)
	search.FlashLoan = env.bool("FLASH_LOAN", search.FlashLoan)
	search.FlashFeeBps = env.uint("FLASH_FEE_BPS", search.FlashFeeBps)
	search.SearchBudget = env.duration("SEARCH_BUDGET", search.SearchBudget)

	breaker := submission.DefaultBreakerConfig()
	breaker.Window = env.int("BREAKER_WINDOW", breaker.Window)
	breaker.MinSamples = env.int("BREAKER_MIN_SAMPLES", breaker.MinSamples)
	breaker.MaxRevertRate = env.float("BREAKER_MAX_REVERT_RATE", breaker.MaxRevertRate)
	breaker.MaxAvgGasPerLoss = env.ether("BREAKER_MAX_AVG_LOSS_ETH", breaker.MaxAvgGasPerLoss)
	breaker.Cooldown = env.duration("BREAKER_COOLDOWN", breaker.Cooldown)

	cfg := &Config{
		LogLevel: env.string("LOG_LEVEL", "info"),
		RPC: rpc.Config{
			Endpoints:           env.list("RPC_ENDPOINTS", []string{"ws://127.0.0.1:8546"}),
			RequestTimeout:      env.duration("RPC_TIMEOUT", 5*time.Second),
			HealthCheckInterval: env.duration("RPC_HEALTH_INTERVAL", 30*time.Second),
			TraceEndpoint:       env.string("TRACE_ENDPOINT", ""),
		},
		Stream: stream.Config{
			BufferSize:       env.int("STREAM_BUFFER", 10_000),
			PendingTTL:       env.duration("PENDING_TTL", 2*time.Minute),
			HeadPollInterval: env.duration("HEAD_POLL_INTERVAL", 2*time.Second),
		},
		Pools: pools.Config{
			HistoryDepth:     env.int("POOL_HISTORY_DEPTH", 16),
			PrimeConcurrency: env.int("POOL_PRIME_CONCURRENCY", 16),
		},
		PoolsDB: env.string("POOLS_DB", "pools.db"),
		Strategy: strategy.Config{
			Workers:       env.int("WORKERS", 8),
			QueueSize:     env.int("QUEUE_SIZE", 1024),
			MaxAge:        env.duration("CANDIDATE_MAX_AGE", 12*time.Second),
			Executor:      executor,
			FlashLoan:     search.FlashLoan,
			StatsInterval: env.duration("STATS_INTERVAL", time.Minute),
		},
		Search: search,
		Bundle: bundle.Config{
			Executor:     executor,
			GasMarginBps: env.uint("GAS_MARGIN_BPS", 5_000),
			MinLegGas:    env.uint("MIN_LEG_GAS", 100_000),
		},
		Relay: relay.Config{
			Name:          env.string("RELAY_NAME", "flashbots"),
			URL:           env.string("RELAY_URL", "https://relay.flashbots.net"),
			SigningKey:    os.Getenv("FLASHBOTS_SIGNING_KEY"),
			MaxRetries:    env.int("RELAY_MAX_RETRIES", 3),
			RetryDelay:    env.duration("RELAY_RETRY_DELAY", 200*time.Millisecond),
			SubmitTimeout: env.duration("RELAY_TIMEOUT", 2*time.Second),
		},
		Submit: submission.Config{
			Tip:            env.gwei("PRIORITY_FEE_GWEI", big.NewInt(2e9)),
			Preflight:      env.bool("RELAY_PREFLIGHT", true),
			WETH:           weth,
			Executor:       executor,
			ReceiptTimeout: env.duration("RECEIPT_TIMEOUT", 3*time.Second),
			Breaker:        breaker,
		},
		Admin: admin.Config{
			HTTPAddr: env.string("ADMIN_HTTP_ADDR", ":9090"),
			GRPCAddr: env.string("ADMIN_GRPC_ADDR", ":9091"),
		},
		BotKey:              os.Getenv("BOT_KEY"),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		ResolverSlippageBps: env.uint("RESOLVER_SLIPPAGE_BPS", 50),
	}

	if err := env.err(); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// envReader reads typed variables with defaults and collects parse errors.
type envReader struct {
	errs []error
}

func (e *envReader) err() error { return errors.Join(e.errs...) }

func (e *envReader) lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (e *envReader) fail(key, v string, err error) {
	e.errs = append(e.errs, fmt.Errorf("%s=%q: %w", key, v, err))
}

func (e *envReader) string(key, def string) string {
	if v, ok := e.lookup(key); ok {
		return v
	}
	return def
}

func (e *envReader) list(key string, def []string) []string {
	v, ok := e.lookup(key)
	if !ok {
		return def
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (e *envReader) int(key string, def int) int {
	v, ok := e.lookup(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.fail(key, v, err)
		return def
	}
	return n
}

func (e *envReader) uint(key string, def uint64) uint64 {
	v, ok := e.lookup(key)
	if !ok {
		return def
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		e.fail(key, v, err)
		return def
	}
	return n
}

func (e *envReader) float(key string, def float64) float64 {
	v, ok := e.lookup(key)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.fail(key, v, err)
		return def
	}
	return f
}

func (e *envReader) bool(key string, def bool) bool {
	v, ok := e.lookup(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.fail(key, v, err)
		return def
	}
	return b
}

func (e *envReader) duration(key string, def time.Duration) time.Duration {
	v, ok := e.lookup(key)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.fail(key, v, err)
		return def
	}
	return d
}

// ether parses a decimal ether amount into wei.
func (e *envReader) ether(key string, def *big.Int) *big.Int {
	v, ok := e.lookup(key)
	if !ok {
		return def
	}
	wei, err := types.ParseEther(v)
	if err != nil {
		e.fail(key, v, err)
		return def
	}
	return wei
}

func (e *envReader) gwei(key string, def *big.Int) *big.Int {
	v, ok := e.lookup(key)
	if !ok {
		return def
	}
	g, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		e.fail(key, v, err)
		return def
	}
	return new(big.Int).Mul(new(big.Int).SetUint64(g), big.NewInt(1e9))
}

func (e *envReader) address(key string, def common.Address) common.Address {
	v, ok := e.lookup(key)
	if !ok {
		return def
	}
	if !common.IsHexAddress(v) {
		e.fail(key, v, errors.New("not a hex address"))
		return def
	}
	return common.HexToAddress(v)
}

func logConfig(cfg *Config) {
	log.Info().
		Strs("rpc", redact(cfg.RPC.Endpoints)).
		Str("relay", cfg.Relay.URL).
		Str("executor", cfg.Bundle.Executor.Hex()).
		Int("workers", cfg.Strategy.Workers).
		Str("min_profit", types.FormatEther(cfg.Search.MinProfit)).
		Bool("flash_loan", cfg.Search.FlashLoan).
		Bool("journal_postgres", cfg.DatabaseURL != "").
		Msg("Configuration loaded")
}

// redact strips paths from endpoint URLs, which usually carry API keys.
func redact(endpoints []string) []string {
	out := make([]string, len(endpoints))
	for i, ep := range endpoints {
		if idx := strings.Index(ep, "://"); idx >= 0 {
			if slash := strings.Index(ep[idx+3:], "/"); slash >= 0 {
				ep = ep[:idx+3+slash] + "/…"
			}
		}
		out[i] = ep
	}
	return out
}
