package domain

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestQuantizePriceRoundsHalfUpToIncrement(t *testing.T) {
	rule := TradingRule{
		Instrument:        Instrument{Base: "BTC", Quote: "USDT"},
		MinPriceIncrement: d("0.01"),
	}

	assert.True(t, d("100.12").Equal(rule.QuantizePrice(d("100.123"))))
	assert.True(t, d("100.13").Equal(rule.QuantizePrice(d("100.125"))))
	assert.True(t, d("100.13").Equal(rule.QuantizePrice(d("100.128"))))
	// Result is always within one increment of the input.
	in := d("4173.00719")
	out := rule.QuantizePrice(in)
	assert.True(t, out.Sub(in).Abs().LessThanOrEqual(rule.MinPriceIncrement))
}

func TestQuantizeAmountFloorsAndNeverRoundsUp(t *testing.T) {
	rule := TradingRule{
		Instrument:             Instrument{Base: "BTC", Quote: "USDT"},
		MinOrderSize:           d("0.5"),
		MinBaseAmountIncrement: d("0.1"),
	}

	assert.True(t, d("0.9").Equal(rule.QuantizeAmount(d("0.95"), decimal.Zero)))
	assert.True(t, d("0.9").Equal(rule.QuantizeAmount(d("0.9"), decimal.Zero)))

	for _, s := range []string{"0.55", "1.04", "2.999", "17"} {
		in := d(s)
		out := rule.QuantizeAmount(in, decimal.Zero)
		assert.True(t, out.LessThanOrEqual(in), "quantized %s to %s", in, out)
	}
}

func TestQuantizeAmountBelowMinimumIsZero(t *testing.T) {
	rule := TradingRule{
		Instrument:             Instrument{Base: "BTC", Quote: "USDT"},
		MinOrderSize:           d("1"),
		MinBaseAmountIncrement: d("0.1"),
	}

	assert.True(t, rule.QuantizeAmount(d("0.05"), decimal.Zero).IsZero())
	assert.True(t, rule.QuantizeAmount(d("0.95"), decimal.Zero).IsZero())
}

func TestQuantizeAmountNotionalGate(t *testing.T) {
	rule := TradingRule{
		Instrument:             Instrument{Base: "ETH", Quote: "USDT"},
		MinOrderSize:           d("0.01"),
		MinBaseAmountIncrement: d("0.01"),
		MinNotionalSize:        d("10"),
	}

	// 0.05 * 150 = 7.5 < 10, not viable.
	assert.True(t, rule.QuantizeAmount(d("0.05"), d("150")).IsZero())
	// 0.1 * 150 = 15 >= 10, viable.
	assert.True(t, d("0.1").Equal(rule.QuantizeAmount(d("0.1"), d("150"))))
	// Without a price the notional gate does not apply.
	assert.True(t, d("0.05").Equal(rule.QuantizeAmount(d("0.05"), decimal.Zero)))
}

func TestQuantizeAmountMaxOrderSizeCap(t *testing.T) {
	rule := TradingRule{
		Instrument:             Instrument{Base: "BTC", Quote: "USDT"},
		MinOrderSize:           d("0.1"),
		MaxOrderSize:           d("5"),
		MinBaseAmountIncrement: d("0.1"),
	}

	assert.True(t, d("5").Equal(rule.QuantizeAmount(d("7.3"), decimal.Zero)))
}

func TestQuantizePriceSignificantDigits(t *testing.T) {
	rule := TradingRule{
		Instrument:                Instrument{Base: "SHIB", Quote: "USDT"},
		MinPriceIncrement:         d("0.00000001"),
		MaxPriceSignificantDigits: 4,
	}

	assert.True(t, d("0.00001235").Equal(rule.QuantizePrice(d("0.0000123456"))))
}

func TestParseInstrument(t *testing.T) {
	inst, err := ParseInstrument("btc-usdt")
	assert.NoError(t, err)
	assert.Equal(t, "BTC", inst.Base)
	assert.Equal(t, "USDT", inst.Quote)
	assert.Equal(t, "BTC-USDT", inst.String())

	_, err = ParseInstrument("BTCUSDT")
	assert.Error(t, err)
	_, err = ParseInstrument("-USDT")
	assert.Error(t, err)
}
