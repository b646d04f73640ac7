package currency

import (
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

const ArbitrumOneChainID = 42161

// MaxBaseUnitDigits bounds converted amounts to the uint256 range.
const MaxBaseUnitDigits = 78

// Token is a settlement token accepted for payment.
type Token struct {
	Symbol   string
	Address  common.Address
	Decimals int32
}

// ToBaseUnits converts a human amount ("50.00") to the token's integer units.
func (t Token) ToBaseUnits(amount decimal.Decimal) (*big.Int, error) {
	if amount.Exponent() < -t.Decimals {
		return nil, fmt.Errorf("amount %s has more than %d decimal places for %s", amount.String(), t.Decimals, t.Symbol)
	}
	if digits := int64(amount.NumDigits()) + int64(amount.Exponent()) + int64(t.Decimals); digits > MaxBaseUnitDigits {
		return nil, fmt.Errorf("amount exceeds %d base-unit digits for %s", MaxBaseUnitDigits, t.Symbol)
	}
	return amount.Shift(t.Decimals).BigInt(), nil
}

// Whitelist is an immutable set of tokens keyed by exact, case-sensitive symbol.
type Whitelist struct {
	tokens map[string]Token
}

func NewWhitelist(tokens []Token) (*Whitelist, error) {
	m := make(map[string]Token, len(tokens))
	for _, t := range tokens {
		if t.Symbol == "" {
			return nil, fmt.Errorf("token symbol is required")
		}
		if t.Decimals < 0 || t.Decimals > 36 {
			return nil, fmt.Errorf("token %s: decimals out of range: %d", t.Symbol, t.Decimals)
		}
		if _, dup := m[t.Symbol]; dup {
			return nil, fmt.Errorf("token %s listed twice", t.Symbol)
		}
		m[t.Symbol] = t
	}
	return &Whitelist{tokens: m}, nil
}

// DefaultTokens is the Arbitrum One stablecoin table.
func DefaultTokens() []Token {
	return []Token{
		{Symbol: "USDC", Address: common.HexToAddress("0xaf88d065e77c8cC2239327C5EDb3A432268e5831"), Decimals: 6},
		{Symbol: "USDT", Address: common.HexToAddress("0xFd086bC7CD5C481DCC9C85ebE478A1C0b69FCbb9"), Decimals: 6},
		{Symbol: "DAI", Address: common.HexToAddress("0xDA10009cBd5D07dd0CeCc66161FC93D7c9000da1"), Decimals: 18},
		{Symbol: "MYRC", Address: common.HexToAddress("0x3eD03E95DD894235090B3d4A49E0C3239EDcE59e"), Decimals: 18},
	}
}

func (w *Whitelist) IsSupported(symbol string) bool {
	_, ok := w.tokens[symbol]
	return ok
}

func (w *Whitelist) Token(symbol string) (Token, bool) {
	t, ok := w.tokens[symbol]
	return t, ok
}

// Symbols returns the supported symbols in sorted order.
func (w *Whitelist) Symbols() []string {
	out := make([]string, 0, len(w.tokens))
	for s := range w.tokens {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
