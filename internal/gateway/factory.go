package gateway

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/JacobJanuary/TradingBot-sub002/pkg/config"
	"github.com/JacobJanuary/TradingBot-sub002/pkg/exchanges/binance/futures_usdt"
	"github.com/JacobJanuary/TradingBot-sub002/pkg/exchanges/bybit"
	"github.com/JacobJanuary/TradingBot-sub002/pkg/exchanges/common"
	"github.com/JacobJanuary/TradingBot-sub002/pkg/exchanges/paper"
)

// Build creates the venue adapter for ex and wraps it in a Gateway with its
// own executor. The raw venue is returned too so callers can start
// venue-specific background work such as clock sync or user streams.
func Build(ex config.ExchangeConfig, pc config.PaperConfig, log zerolog.Logger) (*Gateway, common.Venue, error) {
	rl := ex.RateLimit
	if rl.PerSecond <= 0 {
		rl = common.DefaultRateLimitConfig()
	}
	exec := common.NewExecutor(ex.Name, rl, log)

	var venue common.Venue
	switch ex.Type {
	case config.ExchangeBinanceUSDT:
		c := futures_usdt.NewClient(futures_usdt.Config{
			APIKey:    ex.APIKey,
			APISecret: ex.APISecret,
			Testnet:   ex.Testnet,
			Quotes:    ex.Quotes,
		}, log)
		exec.AttachWeight(c.Weight())
		venue = c

	case config.ExchangeBybitLinear:
		c := bybit.NewClient(bybit.Config{
			APIKey:    ex.APIKey,
			APISecret: ex.APISecret,
			Testnet:   ex.Testnet,
			Quotes:    ex.Quotes,
		}, log)
		exec.AttachWeight(c.Weight())
		venue = c

	case config.ExchangePaper:
		venue = paper.New(paper.Config{
			Name:           ex.Name,
			InitialBalance: pc.InitialBalance,
			FeeRate:        pc.FeeRate,
			SlippageBps:    pc.SlippageBps,
			Atomic:         pc.Atomic,
			Quotes:         ex.Quotes,
		}, log)

	default:
		return nil, nil, fmt.Errorf("unsupported exchange type: %s", ex.Type)
	}

	return New(ex.Name, venue, exec, log), venue, nil
}
