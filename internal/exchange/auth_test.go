package exchange

import (
	"math/big"
	"strings"
	"testing"

	"updown-bot/internal/config"
	"updown-bot/pkg/types"
)

const testKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func testAuth(t *testing.T) *Auth {
	t.Helper()
	cfg := config.Config{}
	cfg.Wallet.PrivateKey = testKey
	cfg.Wallet.ChainID = 137
	cfg.API.ApiKey = "key"
	cfg.API.Secret = "c2VjcmV0LXNlY3JldC1zZWNyZXQ=" // base64 "secret-secret-secret"
	cfg.API.Passphrase = "pass"

	a, err := NewAuth(cfg)
	if err != nil {
		t.Fatalf("NewAuth: %v", err)
	}
	return a
}

func TestPriceToAmountsBuy(t *testing.T) {
	t.Parallel()

	// BUY 100 tokens at 0.58: maker gives $58, receives 100 tokens.
	maker, taker := PriceToAmounts(0.58, 100, types.BUY, types.Tick001)
	if maker.Cmp(big.NewInt(58_000_000)) != 0 {
		t.Errorf("maker = %s, want 58000000", maker)
	}
	if taker.Cmp(big.NewInt(100_000_000)) != 0 {
		t.Errorf("taker = %s, want 100000000", taker)
	}
}

func TestPriceToAmountsSell(t *testing.T) {
	t.Parallel()

	// SELL 50 tokens at 0.25: maker gives 50 tokens, receives $12.50.
	maker, taker := PriceToAmounts(0.25, 50, types.SELL, types.Tick001)
	if maker.Cmp(big.NewInt(50_000_000)) != 0 {
		t.Errorf("maker = %s, want 50000000", maker)
	}
	if taker.Cmp(big.NewInt(12_500_000)) != 0 {
		t.Errorf("taker = %s, want 12500000", taker)
	}
}

func TestPriceToAmountsTruncatesAtTickPrecision(t *testing.T) {
	t.Parallel()

	// 3.333 tokens rounds down to 3.33; cost truncates at 4 decimals.
	maker, _ := PriceToAmounts(0.333, 3.333, types.BUY, types.Tick001)
	// 3.33 * 0.333 = 1.10889 → 1.1088 at 4 decimals → 1_108_800 micro-USDC
	if maker.Cmp(big.NewInt(1_108_800)) != 0 {
		t.Errorf("maker = %s, want 1108800", maker)
	}
}

func TestL2HeadersShape(t *testing.T) {
	t.Parallel()

	a := testAuth(t)
	headers, err := a.L2Headers("POST", "/order", `{"x":1}`)
	if err != nil {
		t.Fatalf("L2Headers: %v", err)
	}
	for _, key := range []string{"POLY_ADDRESS", "POLY_SIGNATURE", "POLY_TIMESTAMP", "POLY_API_KEY", "POLY_PASSPHRASE"} {
		if headers[key] == "" {
			t.Errorf("missing header %s", key)
		}
	}
	if !strings.HasPrefix(headers["POLY_ADDRESS"], "0x") {
		t.Errorf("address not hex: %s", headers["POLY_ADDRESS"])
	}
}

func TestSignOrderFillsSaltAndSignature(t *testing.T) {
	t.Parallel()

	a := testAuth(t)
	order := types.SignedOrder{
		Maker:         a.FunderAddress().Hex(),
		Signer:        a.Address().Hex(),
		Taker:         "0x0000000000000000000000000000000000000000",
		TokenID:       "123456",
		MakerAmount:   big.NewInt(58_000_000),
		TakerAmount:   big.NewInt(100_000_000),
		Side:          types.BUY,
		Expiration:    "0",
		Nonce:         "0",
		FeeRateBps:    "0",
		SignatureType: types.SigEOA,
	}
	if err := a.SignOrder(&order, false); err != nil {
		t.Fatalf("SignOrder: %v", err)
	}
	if order.Salt == "" {
		t.Error("salt not set")
	}
	if !strings.HasPrefix(order.Signature, "0x") || len(order.Signature) != 2+65*2 {
		t.Errorf("signature malformed: %q (len %d)", order.Signature[:10], len(order.Signature))
	}
}
