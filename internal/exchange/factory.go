package exchange

import (
	"fmt"
	"strings"
)

// Credentials is everything a venue adapter may need. Testnet is a
// pointer on purpose: callers must state the target environment
// explicitly, and a nil value is rejected rather than silently routed to
// production.
type Credentials struct {
	APIKey     string
	SecretKey  string
	Passphrase string
	Testnet    *bool
	ProxyURL   string
	// MockSeed makes the mock venue reproducible; 0 means time-seeded.
	MockSeed int64
}

// New builds an adapter by venue name (case-insensitive). Supported names
// are "okx", "binance" and "mock".
func New(name string, creds Credentials) (Exchange, error) {
	switch strings.ToLower(name) {
	case "mock":
		return NewMockExchange(creds.MockSeed), nil
	case "okx":
		if creds.Testnet == nil {
			return nil, fmt.Errorf("exchange: okx requires an explicit testnet flag")
		}
		if creds.APIKey == "" || creds.SecretKey == "" || creds.Passphrase == "" {
			return nil, fmt.Errorf("%w: okx requires api key, secret and passphrase", ErrAuth)
		}
		return NewOKXExchange(OKXConfig{
			APIKey:     creds.APIKey,
			SecretKey:  creds.SecretKey,
			Passphrase: creds.Passphrase,
			Sandbox:    *creds.Testnet,
			ProxyURL:   creds.ProxyURL,
		})
	case "binance":
		if creds.Testnet == nil {
			return nil, fmt.Errorf("exchange: binance requires an explicit testnet flag")
		}
		if creds.APIKey == "" || creds.SecretKey == "" {
			return nil, fmt.Errorf("%w: binance requires api key and secret", ErrAuth)
		}
		return NewBinanceExchange(BinanceConfig{
			APIKey:    creds.APIKey,
			SecretKey: creds.SecretKey,
			Testnet:   *creds.Testnet,
		}), nil
	}
	return nil, fmt.Errorf("exchange: unsupported venue %q", name)
}
