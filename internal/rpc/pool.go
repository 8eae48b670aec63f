package rpc

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/ethclient/gethclient"
	"github.com/rs/zerolog/log"
)

// Config for RPC pool
type Config struct {
	Endpoints           []string
	RequestTimeout      time.Duration
	HealthCheckInterval time.Duration
	// TraceEndpoint serves debug_traceCall. Empty means the pool's best client.
	TraceEndpoint string
}

// Client wraps an eth client with metadata
type Client struct {
	*ethclient.Client
	Geth     *gethclient.Client
	endpoint string
	ws       bool
	latency  time.Duration
	healthy  bool
	height   uint64
}

// Endpoint returns the URL the client is connected to.
func (c *Client) Endpoint() string { return c.endpoint }

// Pool manages multiple RPC connections and routes calls to the healthiest one.
type Pool struct {
	config  Config
	clients []*Client
	tracer  *Client
	mu      sync.RWMutex
	wg      sync.WaitGroup
	cancel  context.CancelFunc
}

// NewPool creates a new RPC pool
func NewPool(cfg Config) *Pool {
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	if cfg.HealthCheckInterval == 0 {
		cfg.HealthCheckInterval = 30 * time.Second
	}
	return &Pool{
		config:  cfg,
		clients: make([]*Client, 0, len(cfg.Endpoints)),
	}
}

// Start dials every endpoint. It fails only when none connect.
func (p *Pool) Start(ctx context.Context) error {
	log.Info().Int("endpoints", len(p.config.Endpoints)).Msg("Starting RPC pool")

	for _, endpoint := range p.config.Endpoints {
		client, err := p.connect(ctx, endpoint)
		if err != nil {
			log.Warn().Err(err).Str("endpoint", endpoint).Msg("Failed to connect")
			continue
		}
		p.clients = append(p.clients, client)
	}
	if len(p.clients) == 0 {
		return ErrNoClients
	}

	if p.config.TraceEndpoint != "" {
		tracer, err := p.connect(ctx, p.config.TraceEndpoint)
		if err != nil {
			log.Warn().Err(err).Str("endpoint", p.config.TraceEndpoint).Msg("Trace endpoint unavailable, using pool")
		} else {
			p.tracer = tracer
		}
	}

	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.wg.Add(1)
	go p.healthCheckLoop(loopCtx)

	return nil
}

// Stop closes all connections
func (p *Pool) Stop(ctx context.Context) {
	log.Info().Msg("Stopping RPC pool")
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, client := range p.clients {
		client.Close()
	}
	if p.tracer != nil {
		p.tracer.Close()
	}
}

// GetClient returns the healthy client with the highest head, then lowest latency.
func (p *Pool) GetClient() (*Client, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if len(p.clients) == 0 {
		return nil, ErrNoClients
	}

	var best *Client
	for _, c := range p.clients {
		if !c.healthy {
			continue
		}
		if best == nil || c.height > best.height || (c.height == best.height && c.latency < best.latency) {
			best = c
		}
	}
	if best == nil {
		return p.clients[0], nil
	}
	return best, nil
}

// GetWSClient returns a client that supports subscriptions.
func (p *Pool) GetWSClient() (*Client, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var fallback *Client
	for _, c := range p.clients {
		if !c.ws {
			continue
		}
		if c.healthy {
			return c, nil
		}
		if fallback == nil {
			fallback = c
		}
	}
	if fallback != nil {
		return fallback, nil
	}
	return nil, ErrNoSubscriptions
}

func (p *Pool) traceClient() (*Client, error) {
	if p.tracer != nil {
		return p.tracer, nil
	}
	return p.GetClient()
}

func (p *Pool) connect(ctx context.Context, endpoint string) (*Client, error) {
	start := time.Now()

	dialCtx, cancel := context.WithTimeout(ctx, p.config.RequestTimeout)
	defer cancel()
	client, err := ethclient.DialContext(dialCtx, endpoint)
	if err != nil {
		return nil, err
	}

	latency := time.Since(start)

	log.Info().
		Str("endpoint", endpoint).
		Dur("latency", latency).
		Msg("Connected to RPC")

	return &Client{
		Client:   client,
		Geth:     gethclient.New(client.Client()),
		endpoint: endpoint,
		ws:       strings.HasPrefix(endpoint, "ws") || strings.HasSuffix(endpoint, ".ipc"),
		latency:  latency,
		healthy:  true,
	}, nil
}

func (p *Pool) healthCheckLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			p.checkHealth(ctx)
		}
	}
}

type probe struct {
	height  uint64
	latency time.Duration
	err     error
}

func (p *Pool) checkHealth(ctx context.Context) {
	p.mu.RLock()
	clients := append([]*Client(nil), p.clients...)
	p.mu.RUnlock()

	results := make([]probe, len(clients))
	for i, client := range clients {
		start := time.Now()
		checkCtx, cancel := context.WithTimeout(ctx, p.config.RequestTimeout)
		height, err := client.BlockNumber(checkCtx)
		cancel()
		results[i] = probe{height: height, latency: time.Since(start), err: err}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for i, client := range clients {
		r := results[i]
		if r.err != nil {
			client.healthy = false
			log.Warn().
				Str("endpoint", client.endpoint).
				Err(r.err).
				Msg("RPC health check failed")
			continue
		}
		client.healthy = true
		client.height = r.height
		client.latency = r.latency
	}
}

// PoolError is a sentinel error of the RPC pool.
type PoolError string

func (e PoolError) Error() string { return string(e) }

const (
	ErrNoClients       PoolError = "no RPC clients available"
	ErrNoSubscriptions PoolError = "no websocket RPC client available"
)
