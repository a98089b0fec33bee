// chain.go wraps the on-chain surface of settlement: collateral balance
// reads, redemption preflight (eth_call), EIP-1559 submission with fees
// derived from the latest block, and receipt parsing that maps the USDC
// Transfer back to a realized credit.
package settle

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"updown-bot/internal/config"
	"updown-bot/internal/rpcpool"
)

const ctfABI = `[
  {"inputs":[
    {"name":"collateralToken","type":"address"},
    {"name":"parentCollectionId","type":"bytes32"},
    {"name":"conditionId","type":"bytes32"},
    {"name":"indexSets","type":"uint256[]"}],
   "name":"redeemPositions","outputs":[],
   "stateMutability":"nonpayable","type":"function"},
  {"inputs":[{"name":"owner","type":"address"},{"name":"id","type":"uint256"}],
   "name":"balanceOf","outputs":[{"name":"","type":"uint256"}],
   "stateMutability":"view","type":"function"}
]`

const erc20ABI = `[
  {"inputs":[{"name":"account","type":"address"}],
   "name":"balanceOf","outputs":[{"name":"","type":"uint256"}],
   "stateMutability":"view","type":"function"}
]`

// transferTopic = keccak256("Transfer(address,address,uint256)")
var transferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// Chain executes the on-chain settlement surface against the active RPC
// provider from the pool.
type Chain struct {
	pool    *rpcpool.Pool
	cfg     config.SettleConfig
	chainID *big.Int
	key     *ecdsa.PrivateKey
	wallet  common.Address
	ctf     common.Address
	usdc    common.Address
	ctfAbi  abi.ABI
	ercAbi  abi.ABI
	nonce   *NonceManager
	txMu    chan struct{} // one in-flight redeem submission at a time
}

// NewChain builds the settlement chain layer. wallet is the redeeming
// account derived from the private key.
func NewChain(pool *rpcpool.Pool, chainCfg config.ChainConfig, settleCfg config.SettleConfig, chainID int, privKeyHex string) (*Chain, error) {
	keyHex := strings.TrimPrefix(privKeyHex, "0x")
	key, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	ctfAbi, err := abi.JSON(strings.NewReader(ctfABI))
	if err != nil {
		return nil, fmt.Errorf("parse ctf abi: %w", err)
	}
	ercAbi, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("parse erc20 abi: %w", err)
	}

	wallet := crypto.PubkeyToAddress(key.PublicKey)
	c := &Chain{
		pool:    pool,
		cfg:     settleCfg,
		chainID: big.NewInt(int64(chainID)),
		key:     key,
		wallet:  wallet,
		ctf:     common.HexToAddress(chainCfg.CTFAddress),
		usdc:    common.HexToAddress(chainCfg.USDCAddress),
		ctfAbi:  ctfAbi,
		ercAbi:  ercAbi,
		txMu:    make(chan struct{}, 1),
	}
	c.nonce = NewNonceManager(pool.Client(), wallet)
	return c, nil
}

// Wallet returns the redeeming account address.
func (c *Chain) Wallet() common.Address { return c.wallet }

// USDCBalance reads the wallet's collateral balance in whole USDC.
func (c *Chain) USDCBalance(ctx context.Context) (float64, error) {
	data, err := c.ercAbi.Pack("balanceOf", c.wallet)
	if err != nil {
		return 0, err
	}
	out, err := c.pool.CallContract(ctx, ethereum.CallMsg{To: &c.usdc, Data: data}, nil)
	if err != nil {
		return 0, fmt.Errorf("usdc balanceOf: %w", err)
	}
	vals, err := c.ercAbi.Unpack("balanceOf", out)
	if err != nil || len(vals) == 0 {
		return 0, fmt.Errorf("unpack balanceOf: %w", err)
	}
	raw, ok := vals[0].(*big.Int)
	if !ok {
		return 0, fmt.Errorf("balanceOf shape")
	}
	v, _ := decimal.NewFromBigInt(raw, -6).Float64()
	return v, nil
}

func (c *Chain) redeemCalldata(cid string, indexSets []uint64) ([]byte, error) {
	sets := make([]*big.Int, len(indexSets))
	for i, s := range indexSets {
		sets[i] = new(big.Int).SetUint64(s)
	}
	return c.ctfAbi.Pack("redeemPositions",
		c.usdc,
		[32]byte{}, // parentCollectionId = 0x00
		common.HexToHash(cid),
		sets,
	)
}

// PreflightRedeem eth_calls redeemPositions; a revert means the condition is
// not claimable yet this cycle.
func (c *Chain) PreflightRedeem(ctx context.Context, cid string, indexSets []uint64) error {
	data, err := c.redeemCalldata(cid, indexSets)
	if err != nil {
		return err
	}
	_, err = c.pool.CallContract(ctx, ethereum.CallMsg{
		From: c.wallet,
		To:   &c.ctf,
		Data: data,
	}, nil)
	if err != nil {
		return fmt.Errorf("preflight: %w", err)
	}
	return nil
}

// SubmitRedeem builds, signs and sends the redemption transaction. The
// pipeline mutex keeps one submission in flight at a time, independent of
// the nonce manager's own serialization.
func (c *Chain) SubmitRedeem(ctx context.Context, cid string, indexSets []uint64) (common.Hash, error) {
	select {
	case c.txMu <- struct{}{}:
		defer func() { <-c.txMu }()
	case <-ctx.Done():
		return common.Hash{}, ctx.Err()
	}

	client := c.pool.Client()

	data, err := c.redeemCalldata(cid, indexSets)
	if err != nil {
		return common.Hash{}, err
	}

	head, err := client.HeaderByNumber(ctx, nil)
	if err != nil {
		return common.Hash{}, fmt.Errorf("latest header: %w", err)
	}
	tip := gweiToWei(c.cfg.PriorityFeeGwei)
	feeCap := new(big.Int).Add(new(big.Int).Mul(head.BaseFee, big.NewInt(2)), tip)

	// Bounded retry on nonce drift: resync and resend once.
	for attempt := 0; attempt < 2; attempt++ {
		nonce, err := c.nonce.Next(ctx)
		if err != nil {
			return common.Hash{}, fmt.Errorf("nonce: %w", err)
		}

		tx := ethtypes.NewTx(&ethtypes.DynamicFeeTx{
			ChainID:   c.chainID,
			Nonce:     nonce,
			GasTipCap: tip,
			GasFeeCap: feeCap,
			Gas:       c.cfg.GasLimit,
			To:        &c.ctf,
			Data:      data,
		})
		signed, err := ethtypes.SignTx(tx, ethtypes.LatestSignerForChainID(c.chainID), c.key)
		if err != nil {
			return common.Hash{}, fmt.Errorf("sign tx: %w", err)
		}

		if err := client.SendTransaction(ctx, signed); err != nil {
			if IsNonceError(err) && attempt == 0 {
				c.nonce.Resync()
				continue
			}
			return common.Hash{}, fmt.Errorf("send tx: %w", err)
		}
		return signed.Hash(), nil
	}
	return common.Hash{}, fmt.Errorf("send tx: nonce drift persisted")
}

// WaitReceipt polls for the receipt until the timeout. On success it parses
// the USDC Transfer events to the wallet and returns the realized credit.
func (c *Chain) WaitReceipt(ctx context.Context, hash common.Hash) (creditUSDC float64, err error) {
	client := c.pool.Client()
	deadline := time.Now().Add(c.cfg.ReceiptTimeout)

	for {
		receipt, rerr := client.TransactionReceipt(ctx, hash)
		if rerr == nil && receipt != nil {
			if receipt.Status != ethtypes.ReceiptStatusSuccessful {
				return 0, fmt.Errorf("receipt status %d for %s", receipt.Status, hash.Hex())
			}
			return c.parseCredit(receipt), nil
		}
		if time.Now().After(deadline) {
			return 0, fmt.Errorf("receipt timeout for %s", hash.Hex())
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
}

// parseCredit sums USDC Transfer events into the wallet within the receipt.
func (c *Chain) parseCredit(receipt *ethtypes.Receipt) float64 {
	total := new(big.Int)
	for _, lg := range receipt.Logs {
		if lg.Address != c.usdc || len(lg.Topics) < 3 {
			continue
		}
		if lg.Topics[0] != transferTopic {
			continue
		}
		to := common.BytesToAddress(lg.Topics[2].Bytes())
		if to != c.wallet {
			continue
		}
		total.Add(total, new(big.Int).SetBytes(lg.Data))
	}
	v, _ := decimal.NewFromBigInt(total, -6).Float64()
	return v
}

func gweiToWei(gwei float64) *big.Int {
	return decimal.NewFromFloat(gwei).Mul(decimal.New(1, 9)).BigInt()
}
