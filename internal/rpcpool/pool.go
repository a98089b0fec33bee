// Package rpcpool keeps the fastest chain RPC provider active. It probes
// every candidate endpoint with a median-of-N latency sample on a timer and
// atomically swaps the active client when an alternative beats the current
// one by the configured margin.
package rpcpool

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync/atomic"
	"time"

	"log/slog"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/ethclient"

	"updown-bot/internal/config"
)

type active struct {
	endpoint string
	client   *ethclient.Client
}

// Pool manages the candidate RPC endpoints.
type Pool struct {
	cfg    config.ChainConfig
	logger *slog.Logger
	cur    atomic.Pointer[active]
}

// Dial connects to the first reachable endpoint and returns the pool.
func Dial(ctx context.Context, cfg config.ChainConfig, logger *slog.Logger) (*Pool, error) {
	p := &Pool{cfg: cfg, logger: logger.With("component", "rpcpool")}

	var lastErr error
	for _, ep := range cfg.RPCEndpoints {
		client, err := ethclient.DialContext(ctx, ep)
		if err != nil {
			lastErr = err
			continue
		}
		p.cur.Store(&active{endpoint: ep, client: client})
		logger.Info("rpc provider active", "endpoint", ep)
		return p, nil
	}
	return nil, fmt.Errorf("no reachable rpc endpoint: %w", lastErr)
}

// Client returns the currently active client.
func (p *Pool) Client() *ethclient.Client {
	return p.cur.Load().client
}

// Endpoint returns the active endpoint URL.
func (p *Pool) Endpoint() string {
	return p.cur.Load().endpoint
}

// CallContract proxies eth_call through the active provider, satisfying the
// feed and settlement caller interfaces.
func (p *Pool) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return p.Client().CallContract(ctx, msg, blockNumber)
}

// RunOptimizer probes all candidates periodically and swaps when a faster
// one clears the margin.
func (p *Pool) RunOptimizer(ctx context.Context) error {
	interval := p.cfg.ProbeInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.optimize(ctx)
		}
	}
}

func (p *Pool) optimize(ctx context.Context) {
	samples := p.cfg.ProbeSamples
	if samples <= 0 {
		samples = 5
	}

	type probe struct {
		endpoint string
		client   *ethclient.Client
		median   time.Duration
	}
	var best *probe
	cur := p.cur.Load()
	var curMedian time.Duration

	for _, ep := range p.cfg.RPCEndpoints {
		var client *ethclient.Client
		if ep == cur.endpoint {
			client = cur.client
		} else {
			c, err := ethclient.DialContext(ctx, ep)
			if err != nil {
				continue
			}
			client = c
		}

		median, err := p.probeLatency(ctx, client, samples)
		if err != nil {
			if ep != cur.endpoint {
				client.Close()
			}
			continue
		}
		if ep == cur.endpoint {
			curMedian = median
			continue
		}
		if best == nil || median < best.median {
			if best != nil {
				best.client.Close()
			}
			best = &probe{endpoint: ep, client: client, median: median}
		} else {
			client.Close()
		}
	}

	if best == nil {
		return
	}
	margin := p.cfg.SwapMarginPct
	if margin <= 0 {
		margin = 0.20
	}
	if curMedian > 0 && float64(best.median) < float64(curMedian)*(1-margin) {
		p.cur.Store(&active{endpoint: best.endpoint, client: best.client})
		p.logger.Info("rpc provider swapped",
			"from", cur.endpoint, "from_ms", curMedian.Milliseconds(),
			"to", best.endpoint, "to_ms", best.median.Milliseconds())
		// The old client may still be referenced by in-flight calls; leave
		// it to be collected rather than closing under them.
		return
	}
	best.client.Close()
}

func (p *Pool) probeLatency(ctx context.Context, client *ethclient.Client, samples int) (time.Duration, error) {
	timeout := p.cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	durations := make([]time.Duration, 0, samples)
	for i := 0; i < samples; i++ {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		start := time.Now()
		_, err := client.BlockNumber(callCtx)
		cancel()
		if err != nil {
			return 0, err
		}
		durations = append(durations, time.Since(start))
	}
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
	return durations[len(durations)/2], nil
}
