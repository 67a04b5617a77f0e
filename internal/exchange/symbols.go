package exchange

import "strings"

// quoteSuffixes are tried longest first when a market has no separator.
var quoteSuffixes = []string{"FDUSD", "USDT", "USDC", "BUSD", "TUSD", "TMN", "USD", "EUR", "BTC", "ETH", "BNB"}

// NormalizeSymbol turns "BTC-USDT" or "btc/usdt" into "BTCUSDT".
func NormalizeSymbol(symbol string) string {
	s := strings.ReplaceAll(symbol, "-", "")
	s = strings.ReplaceAll(s, "/", "")
	return strings.ToUpper(s)
}

// SplitMarket extracts base and quote assets from a market name,
// e.g. "ETH/DAI" -> ("ETH", "DAI"), "BTCUSDT" -> ("BTC", "USDT").
// It returns empty strings when the market cannot be split.
func SplitMarket(market string) (base, quote string) {
	for _, sep := range []string{"/", "-", "_"} {
		if parts := strings.Split(market, sep); len(parts) == 2 && parts[0] != "" && parts[1] != "" {
			return strings.ToUpper(parts[0]), strings.ToUpper(parts[1])
		}
	}
	m := strings.ToUpper(market)
	for _, q := range quoteSuffixes {
		if strings.HasSuffix(m, q) && len(m) > len(q) {
			return strings.TrimSuffix(m, q), q
		}
	}
	return "", ""
}
