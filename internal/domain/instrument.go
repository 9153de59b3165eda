package domain

import (
	"fmt"
	"strings"
)

// Instrument identifies one tradable pair on an exchange, e.g. BTC-USDT.
// The canonical wire form is "<BASE>-<QUOTE>" in upper case; adapters are
// responsible for translating to whatever the exchange natively uses.
type Instrument struct {
	Base  string
	Quote string
}

// ParseInstrument parses "BASE-QUOTE" (any case) into an Instrument.
func ParseInstrument(s string) (Instrument, error) {
	parts := strings.Split(strings.ToUpper(strings.TrimSpace(s)), "-")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Instrument{}, fmt.Errorf("domain: invalid instrument %q", s)
	}
	return Instrument{Base: parts[0], Quote: parts[1]}, nil
}

// String returns the canonical "BASE-QUOTE" form.
func (i Instrument) String() string {
	return i.Base + "-" + i.Quote
}

// IsZero reports whether the instrument is unset.
func (i Instrument) IsZero() bool {
	return i.Base == "" && i.Quote == ""
}
