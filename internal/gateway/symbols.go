package gateway

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/JacobJanuary/TradingBot-sub002/pkg/exchanges/common"
)

// ErrInvalidSymbol is returned for symbols that cannot be translated.
var ErrInvalidSymbol = errors.New("invalid symbol")

// SymbolTranslator maps canonical BASE/QUOTE symbols to a venue's spelling
// and back.
type SymbolTranslator struct {
	sep    string
	quotes []string // longest first
}

// NewSymbolTranslator builds a translator for a venue format.
func NewSymbolTranslator(f common.SymbolFormat) *SymbolTranslator {
	quotes := make([]string, 0, len(f.QuoteAssets))
	for _, q := range f.QuoteAssets {
		if q = strings.ToUpper(strings.TrimSpace(q)); q != "" {
			quotes = append(quotes, q)
		}
	}
	sort.SliceStable(quotes, func(i, j int) bool { return len(quotes[i]) > len(quotes[j]) })
	return &SymbolTranslator{sep: f.Separator, quotes: quotes}
}

// ToNative converts "BTC/USDT" to the venue form, e.g. "BTCUSDT".
func (t *SymbolTranslator) ToNative(canonical string) (string, error) {
	base, quote, ok := strings.Cut(strings.ToUpper(strings.TrimSpace(canonical)), "/")
	if !ok || base == "" || quote == "" || strings.Contains(quote, "/") {
		return "", fmt.Errorf("%w: %q is not BASE/QUOTE", ErrInvalidSymbol, canonical)
	}
	if t.sep != "" && (strings.Contains(base, t.sep) || strings.Contains(quote, t.sep)) {
		return "", fmt.Errorf("%w: %q contains separator %q", ErrInvalidSymbol, canonical, t.sep)
	}
	if len(t.quotes) > 0 && !slices.Contains(t.quotes, quote) {
		return "", fmt.Errorf("%w: unknown quote asset %q", ErrInvalidSymbol, quote)
	}
	native := base + t.sep + quote
	// A shorter quote can hide inside a longer one (A/USD vs AB/BUSD); only
	// accept spellings that translate back to the same symbol.
	if back, err := t.ToCanonical(native); err != nil || back != base+"/"+quote {
		return "", fmt.Errorf("%w: %q does not round-trip", ErrInvalidSymbol, canonical)
	}
	return native, nil
}

// ToCanonical converts a venue symbol back to BASE/QUOTE.
func (t *SymbolTranslator) ToCanonical(native string) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(native))
	if t.sep != "" {
		base, quote, ok := strings.Cut(s, t.sep)
		if !ok || base == "" || quote == "" {
			return "", fmt.Errorf("%w: %q", ErrInvalidSymbol, native)
		}
		return base + "/" + quote, nil
	}
	for _, q := range t.quotes {
		if strings.HasSuffix(s, q) && len(s) > len(q) {
			return s[:len(s)-len(q)] + "/" + q, nil
		}
	}
	return "", fmt.Errorf("%w: no known quote asset in %q", ErrInvalidSymbol, native)
}
