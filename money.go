package agentpay

import (
	"fmt"
	"math"
)

// Satoshis is the protocol's native amount unit: 1e-8 of one coin.
// All wire amounts, balances and thresholds are expressed in satoshis;
// the chain layer converts to whatever base unit the node speaks.
type Satoshis int64

// SatoshisPerCoin is the number of satoshis in one whole native coin.
const SatoshisPerCoin = 100_000_000

// Unit is the display name of the native currency.
const Unit = "BCH"

// CoinsToSatoshis converts a whole-coin float amount to satoshis,
// rounding to the nearest satoshi.
func CoinsToSatoshis(coins float64) Satoshis {
	return Satoshis(math.Round(coins * SatoshisPerCoin))
}

// USDToSatoshis converts a USD amount to satoshis at the given USD-per-coin
// rate. Rounds up so the converted amount always covers the USD price.
func USDToSatoshis(usd, rate float64) Satoshis {
	if rate <= 0 {
		return 0
	}
	return Satoshis(math.Ceil(usd / rate * SatoshisPerCoin))
}

// Coins returns the amount as a whole-coin float.
func (s Satoshis) Coins() float64 {
	return float64(s) / SatoshisPerCoin
}

// USD converts the amount to USD at the given USD-per-coin rate.
func (s Satoshis) USD(rate float64) float64 {
	return s.Coins() * rate
}

// String formats the amount as a trimmed coin value, e.g. "0.0013 BCH".
func (s Satoshis) String() string {
	return fmt.Sprintf("%s %s", trimZeros(fmt.Sprintf("%.8f", s.Coins())), Unit)
}

func trimZeros(v string) string {
	i := len(v)
	for i > 0 && v[i-1] == '0' {
		i--
	}
	if i > 0 && v[i-1] == '.' {
		i--
	}
	return v[:i]
}
