// oracle.go maintains the on-chain price oracle view, authoritative for
// round resolution. Two transports feed it: a websocket log subscription on
// the per-asset aggregators (AnswerUpdated events) and a polled
// latestRoundData RPC fallback. Whichever reports the newer updated_at wins.
package feed

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"updown-bot/internal/config"
	"updown-bot/pkg/types"
)

const aggregatorABI = `[
  {"inputs":[],"name":"latestRoundData","outputs":[
    {"name":"roundId","type":"uint80"},
    {"name":"answer","type":"int256"},
    {"name":"startedAt","type":"uint256"},
    {"name":"updatedAt","type":"uint256"},
    {"name":"answeredInRound","type":"uint80"}],
   "stateMutability":"view","type":"function"},
  {"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],
   "stateMutability":"view","type":"function"}
]`

// answerUpdatedTopic = keccak256("AnswerUpdated(int256,uint256,uint256)")
var answerUpdatedTopic = crypto.Keccak256Hash([]byte("AnswerUpdated(int256,uint256,uint256)"))

// ContractCaller is the slice of ethclient the oracle needs for polling;
// the RPC pool satisfies it with whichever provider is currently fastest.
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

type oracleObs struct {
	price     float64
	updatedAt time.Time
}

type oracleAsset struct {
	current  oracleObs
	decimals int32
	// ring of recent observations, oldest first, for boundary lookups
	history []oracleObs
}

// OracleFeed merges websocket and polled oracle updates per asset.
type OracleFeed struct {
	cfg        config.ChainConfig
	pollEvery  time.Duration
	wsEndpoint string
	caller     ContractCaller
	abi        abi.ABI
	aggregator map[types.Asset]common.Address
	logger     *slog.Logger

	mu     sync.RWMutex
	assets map[types.Asset]*oracleAsset
}

// NewOracleFeed creates the oracle feed. caller is used for the polled
// transport; the websocket endpoint is dialed independently.
func NewOracleFeed(cfg config.ChainConfig, pollEvery time.Duration, caller ContractCaller, logger *slog.Logger) (*OracleFeed, error) {
	parsed, err := abi.JSON(strings.NewReader(aggregatorABI))
	if err != nil {
		return nil, fmt.Errorf("parse aggregator abi: %w", err)
	}

	aggs := make(map[types.Asset]common.Address)
	for sym, addr := range cfg.Aggregators {
		asset := types.Asset(strings.ToUpper(sym))
		if !asset.Valid() {
			return nil, fmt.Errorf("unknown aggregator asset %q", sym)
		}
		aggs[asset] = common.HexToAddress(addr)
	}

	assets := make(map[types.Asset]*oracleAsset)
	for _, a := range types.AllAssets {
		assets[a] = &oracleAsset{decimals: 8}
	}

	return &OracleFeed{
		cfg:        cfg,
		pollEvery:  pollEvery,
		wsEndpoint: cfg.WSEndpoint,
		caller:     caller,
		abi:        parsed,
		aggregator: aggs,
		logger:     logger.With("component", "oracle"),
		assets:     assets,
	}, nil
}

// RunPoll is the polled-RPC transport loop.
func (o *OracleFeed) RunPoll(ctx context.Context) error {
	interval := o.pollEvery
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	o.pollAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			o.pollAll(ctx)
		}
	}
}

func (o *OracleFeed) pollAll(ctx context.Context) {
	for asset, addr := range o.aggregator {
		if ctx.Err() != nil {
			return
		}
		if err := o.pollOne(ctx, asset, addr); err != nil {
			o.logger.Warn("oracle poll failed", "asset", asset, "error", err)
		}
	}
}

func (o *OracleFeed) pollOne(ctx context.Context, asset types.Asset, addr common.Address) error {
	callCtx, cancel := context.WithTimeout(ctx, o.cfg.RequestTimeout)
	defer cancel()

	data, err := o.abi.Pack("latestRoundData")
	if err != nil {
		return err
	}
	out, err := o.caller.CallContract(callCtx, ethereum.CallMsg{To: &addr, Data: data}, nil)
	if err != nil {
		return fmt.Errorf("latestRoundData: %w", err)
	}
	vals, err := o.abi.Unpack("latestRoundData", out)
	if err != nil || len(vals) < 5 {
		return fmt.Errorf("unpack latestRoundData: %w", err)
	}
	answer, ok1 := vals[1].(*big.Int)
	updated, ok2 := vals[3].(*big.Int)
	if !ok1 || !ok2 || answer.Sign() <= 0 {
		return fmt.Errorf("malformed round data")
	}

	o.record(asset, answer, time.Unix(updated.Int64(), 0))
	return nil
}

// RunSubscribe is the websocket transport loop: a single filter subscription
// over all aggregators, reconnected with backoff.
func (o *OracleFeed) RunSubscribe(ctx context.Context) error {
	if o.wsEndpoint == "" {
		<-ctx.Done()
		return ctx.Err()
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 60 * time.Second
	bo.MaxElapsedTime = 0

	addrs := make([]common.Address, 0, len(o.aggregator))
	byAddr := make(map[common.Address]types.Asset, len(o.aggregator))
	for asset, addr := range o.aggregator {
		addrs = append(addrs, addr)
		byAddr[addr] = asset
	}

	for ctx.Err() == nil {
		err := o.subscribeOnce(ctx, addrs, byAddr)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		wait := bo.NextBackOff()
		o.logger.Warn("oracle subscription dropped, reconnecting", "error", err, "backoff", wait)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return ctx.Err()
}

func (o *OracleFeed) subscribeOnce(ctx context.Context, addrs []common.Address, byAddr map[common.Address]types.Asset) error {
	client, err := ethclient.DialContext(ctx, o.wsEndpoint)
	if err != nil {
		return fmt.Errorf("dial ws: %w", err)
	}
	defer client.Close()

	logs := make(chan ethtypes.Log, 64)
	sub, err := client.SubscribeFilterLogs(ctx, ethereum.FilterQuery{
		Addresses: addrs,
		Topics:    [][]common.Hash{{answerUpdatedTopic}},
	}, logs)
	if err != nil {
		return fmt.Errorf("subscribe logs: %w", err)
	}
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sub.Err():
			return fmt.Errorf("subscription: %w", err)
		case lg := <-logs:
			asset, ok := byAddr[lg.Address]
			if !ok || len(lg.Topics) < 2 || len(lg.Data) < 32 {
				continue
			}
			answer := new(big.Int).SetBytes(lg.Topics[1].Bytes())
			updated := new(big.Int).SetBytes(lg.Data[:32])
			if answer.Sign() <= 0 || updated.Sign() <= 0 {
				continue
			}
			o.record(asset, answer, time.Unix(updated.Int64(), 0))
		}
	}
}

// record applies a new observation with newer-wins arbitration on updatedAt.
func (o *OracleFeed) record(asset types.Asset, answer *big.Int, updatedAt time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()

	st := o.assets[asset]
	price, _ := new(big.Float).Quo(
		new(big.Float).SetInt(answer),
		big.NewFloat(math.Pow10(int(st.decimals))),
	).Float64()
	if price <= 0 {
		return
	}

	if updatedAt.Before(st.current.updatedAt) {
		return // stale transport, newer observation already applied
	}
	if updatedAt.Equal(st.current.updatedAt) && price == st.current.price {
		return
	}

	st.current = oracleObs{price: price, updatedAt: updatedAt}
	st.history = append(st.history, st.current)
	if len(st.history) > 600 {
		st.history = st.history[len(st.history)-600:]
	}
}

// Current returns the freshest oracle observation for an asset.
func (o *OracleFeed) Current(asset types.Asset) types.PriceView {
	o.mu.RLock()
	defer o.mu.RUnlock()
	st := o.assets[asset]
	return types.PriceView{Value: st.current.price, Ts: st.current.updatedAt}
}

// AtBoundary returns the oracle observation governing a slot boundary:
// the last update no later than 5s after the boundary. exact is true when
// that update landed within 5s of the boundary on either side (a fresh round
// print).
func (o *OracleFeed) AtBoundary(asset types.Asset, boundary time.Time) (price float64, exact bool, ok bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	st := o.assets[asset]
	for i := len(st.history) - 1; i >= 0; i-- {
		obs := st.history[i]
		if obs.updatedAt.After(boundary.Add(5 * time.Second)) {
			continue
		}
		delta := boundary.Sub(obs.updatedAt)
		if delta < 0 {
			delta = -delta
		}
		return obs.price, delta <= 5*time.Second, true
	}
	return 0, false, false
}
