package submission

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mev-protocol/sandwich/pkg/types"
)

var ErrCircuitOpen = errors.New("submission: circuit breaker open")

// BreakerConfig for the circuit breaker
type BreakerConfig struct {
	// Window is the number of most recent on-chain outcomes considered.
	Window     int
	MinSamples int
	// MaxRevertRate trips the breaker when exceeded, as a fraction.
	MaxRevertRate float64
	// MaxAvgGasPerLoss trips the breaker when the mean gas burnt per revert
	// exceeds it, in wei. Nil disables the check.
	MaxAvgGasPerLoss *big.Int
	// Cooldown closes the breaker automatically. Zero means manual reset only.
	Cooldown time.Duration
}

// DefaultBreakerConfig returns conservative limits.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Window:           20,
		MinSamples:       5,
		MaxRevertRate:    0.3,
		MaxAvgGasPerLoss: types.EtherToWei(0.05),
	}
}

type sample struct {
	reverted bool
	loss     *big.Int
}

// BreakerStatus is a point-in-time view of the breaker.
type BreakerStatus struct {
	Open       bool      `json:"open"`
	Reason     string    `json:"reason,omitempty"`
	OpenedAt   time.Time `json:"openedAt,omitempty"`
	Samples    int       `json:"samples"`
	RevertRate float64   `json:"revertRate"`
}

// CircuitBreaker pauses submissions process-wide when recent bundles lose
// too often or too much.
type CircuitBreaker struct {
	mu       sync.Mutex
	config   BreakerConfig
	samples  []sample
	open     bool
	reason   string
	openedAt time.Time
	now      func() time.Time
	hooks    []func(open bool)
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	if cfg.Window <= 0 {
		cfg.Window = 20
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = 1
	}
	return &CircuitBreaker{config: cfg, now: time.Now}
}

// OnChange registers fn to run on every open/close transition.
func (b *CircuitBreaker) OnChange(fn func(open bool)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hooks = append(b.hooks, fn)
}

// Allow returns ErrCircuitOpen while submissions are paused.
func (b *CircuitBreaker) Allow() error {
	b.mu.Lock()
	if !b.open {
		b.mu.Unlock()
		return nil
	}
	if b.config.Cooldown > 0 && b.now().Sub(b.openedAt) >= b.config.Cooldown {
		hooks := b.closeLocked()
		b.mu.Unlock()
		log.Info().Msg("Circuit breaker cooldown elapsed, resuming submissions")
		notify(hooks, false)
		return nil
	}
	reason := b.reason
	b.mu.Unlock()
	return fmt.Errorf("%w: %s", ErrCircuitOpen, reason)
}

// Record adds an on-chain outcome. loss is the gas burnt by a revert.
func (b *CircuitBreaker) Record(reverted bool, loss *big.Int) {
	b.mu.Lock()
	b.samples = append(b.samples, sample{reverted: reverted, loss: loss})
	if over := len(b.samples) - b.config.Window; over > 0 {
		b.samples = b.samples[over:]
	}
	if b.open || len(b.samples) < b.config.MinSamples {
		b.mu.Unlock()
		return
	}

	reason := b.tripReason()
	if reason == "" {
		b.mu.Unlock()
		return
	}
	b.open, b.reason, b.openedAt = true, reason, b.now()
	hooks := b.hooks
	b.mu.Unlock()

	log.Error().Str("reason", reason).Msg("Circuit breaker tripped, pausing submissions")
	notify(hooks, true)
}

// Reset closes the breaker and clears the window.
func (b *CircuitBreaker) Reset() {
	b.mu.Lock()
	if !b.open {
		b.samples = nil
		b.mu.Unlock()
		return
	}
	hooks := b.closeLocked()
	b.mu.Unlock()

	log.Info().Msg("Circuit breaker reset")
	notify(hooks, false)
}

// Status reports the breaker state.
func (b *CircuitBreaker) Status() BreakerStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	reverts, _ := b.losses()
	st := BreakerStatus{
		Open:     b.open,
		Reason:   b.reason,
		OpenedAt: b.openedAt,
		Samples:  len(b.samples),
	}
	if len(b.samples) > 0 {
		st.RevertRate = float64(reverts) / float64(len(b.samples))
	}
	return st
}

func (b *CircuitBreaker) tripReason() string {
	reverts, total := b.losses()
	if rate := float64(reverts) / float64(len(b.samples)); rate > b.config.MaxRevertRate {
		return fmt.Sprintf("revert rate %.2f over %d bundles", rate, len(b.samples))
	}
	if b.config.MaxAvgGasPerLoss != nil && reverts > 0 {
		avg := new(big.Int).Div(total, big.NewInt(int64(reverts)))
		if avg.Cmp(b.config.MaxAvgGasPerLoss) > 0 {
			return fmt.Sprintf("average loss %s ETH per revert", types.FormatEther(avg))
		}
	}
	return ""
}

func (b *CircuitBreaker) losses() (int, *big.Int) {
	n, total := 0, new(big.Int)
	for _, s := range b.samples {
		if !s.reverted {
			continue
		}
		n++
		if s.loss != nil {
			total.Add(total, s.loss)
		}
	}
	return n, total
}

func (b *CircuitBreaker) closeLocked() []func(bool) {
	b.open, b.reason, b.openedAt = false, "", time.Time{}
	b.samples = nil
	return b.hooks
}

func notify(hooks []func(bool), open bool) {
	for _, fn := range hooks {
		fn(open)
	}
}
