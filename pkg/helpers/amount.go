// Package helpers provides amount formatting and parsing shared by the API
// layer and the payments client.
package helpers

import (
	"fmt"
	"math"
	"math/big"
	"strings"
)

// FormatAmount formats an amount in smallest units as a decimal string.
// For example, FormatAmount(100000000, 8) returns "1" (1 BTC).
func FormatAmount(amount uint64, decimals uint8) string {
	if decimals == 0 {
		return fmt.Sprintf("%d", amount)
	}

	amountBig := new(big.Int).SetUint64(amount)
	divisor := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)

	whole := new(big.Int).Div(amountBig, divisor)
	frac := new(big.Int).Mod(amountBig, divisor)

	if frac.Sign() == 0 {
		return whole.String()
	}

	fracStr := strings.TrimRight(fmt.Sprintf("%0*d", int(decimals), frac), "0")
	return fmt.Sprintf("%s.%s", whole.String(), fracStr)
}

// ParseAmount parses a decimal string to smallest units. Digits beyond
// decimals are truncated.
// For example, ParseAmount("1", 8) returns 100000000 (1 BTC in satoshis).
func ParseAmount(s string, decimals uint8) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty amount string")
	}

	wholeStr, fracStr, _ := strings.Cut(s, ".")
	if wholeStr == "" && fracStr == "" {
		return 0, fmt.Errorf("invalid amount: %s", s)
	}
	if wholeStr == "" {
		wholeStr = "0"
	}

	for _, c := range wholeStr + fracStr {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("invalid character in amount: %c", c)
		}
	}

	for len(fracStr) < int(decimals) {
		fracStr += "0"
	}
	if len(fracStr) > int(decimals) {
		fracStr = fracStr[:decimals]
	}

	amount, ok := new(big.Int).SetString(wholeStr+fracStr, 10)
	if !ok {
		return 0, fmt.Errorf("invalid amount: %s", s)
	}
	if !amount.IsUint64() {
		return 0, fmt.Errorf("amount overflow: %s", s)
	}

	return amount.Uint64(), nil
}

// SatoshisToBTC converts satoshis to a BTC string (8 decimals).
func SatoshisToBTC(satoshis uint64) string {
	return FormatAmount(satoshis, 8)
}

// FormatUSD renders a dollar amount with exactly two decimals, rounding
// half away from zero at the cent. FormatUSD(100) returns "100.00".
func FormatUSD(amount float64) string {
	cents := math.Round(amount * 100)
	return FormatAmount(uint64(cents)/100, 0) + fmt.Sprintf(".%02d", uint64(cents)%100)
}

// ParseUSDCents parses a dollar string such as "12.5" into cents (1250).
func ParseUSDCents(s string) (uint64, error) {
	return ParseAmount(s, 2)
}
