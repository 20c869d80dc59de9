package main

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/JacobJanuary/TradingBot-sub002/internal/engine"
	"github.com/JacobJanuary/TradingBot-sub002/internal/events"
	"github.com/JacobJanuary/TradingBot-sub002/internal/gateway"
	"github.com/JacobJanuary/TradingBot-sub002/internal/lock"
	"github.com/JacobJanuary/TradingBot-sub002/internal/monitor"
	"github.com/JacobJanuary/TradingBot-sub002/internal/protection"
	"github.com/JacobJanuary/TradingBot-sub002/internal/risk"
	"github.com/JacobJanuary/TradingBot-sub002/internal/state"
	"github.com/JacobJanuary/TradingBot-sub002/pkg/config"
	"github.com/JacobJanuary/TradingBot-sub002/pkg/db"
	"github.com/JacobJanuary/TradingBot-sub002/pkg/exchanges/common"
	"github.com/JacobJanuary/TradingBot-sub002/pkg/exchanges/paper"
)

// paper_demo walks the position lifecycle against the in-process paper
// venue. It touches no exchange and keeps its database in memory.
//
// Usage:
//   go run ./scripts/paper_demo
//
// It will:
//   1) Open a protected BTC long and trail its stop up as price rises.
//   2) Drop the price through the stop and let the monitor notice the exit.
//   3) Fail stop placement on an ETH open and show the compensating close.

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05.000"}).With().Timestamp().Logger()
	log.Info().Msg("=== paper demo starting ===")
	ctx := context.Background()

	venue := paper.New(paper.Config{Name: "paper", InitialBalance: 10000, FeeRate: 0.0004}, log)
	venue.SetPrice("BTCUSDT", dec("50000"))
	venue.SetPrice("ETHUSDT", dec("3000"))

	registry := gateway.NewRegistry(gateway.DefaultRegistryConfig(), log)
	exec := common.NewExecutor("paper", common.DefaultRateLimitConfig(), log)
	if err := registry.Add(gateway.New("paper", venue, exec, log), config.ExchangePaper); err != nil {
		log.Fatal().Err(err).Msg("register gateway")
	}

	database, err := db.New(":memory:")
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatal().Err(err).Msg("migrate")
	}

	bus := events.NewBus()
	metrics := monitor.NewMetrics()
	alerts := monitor.NewAlerter(bus, metrics, log)
	locks := lock.NewManager(10*time.Second, log)
	defer locks.Close()
	quantities := state.NewManager(0)
	riskMgr := risk.NewManager(risk.Limits{
		SizeUSD:         dec("1000"),
		Leverage:        5,
		StopLossPercent: dec("2"),
		MaxPositions:    3,
		CommissionRate:  dec("0.0004"),
		TrailingPercent: dec("1"),
	}, database, log)

	eng := engine.New(engine.Deps{
		Gateways:   engine.FromRegistry(registry),
		Locks:      locks,
		Protector:  protection.New(protection.FromRegistry(registry), quantities, database, metrics, protection.Config{QtyLookupAttempts: 1}, log),
		Risk:       riskMgr,
		Store:      database,
		Quantities: quantities,
		Bus:        bus,
		Alerts:     alerts,
		Metrics:    metrics,
	}, engine.Config{CostTolerance: dec("0.1")}, log)

	log.Info().Msg("[SCENARIO 1] protected long with trailing stop")
	p, err := eng.Open(ctx, engine.OpenRequest{Exchange: "paper", Symbol: "BTC/USDT", Side: common.PositionLong})
	if err != nil {
		log.Fatal().Err(err).Msg("open BTC")
	}
	log.Info().Str("qty", p.Quantity.String()).Str("stop", p.Protection.TriggerPrice.String()).Msg("opened")

	for _, px := range []string{"51000", "52000", "51500"} {
		venue.SetPrice("BTCUSDT", dec(px))
		eng.CheckPositions(ctx)
		if cur, ok := eng.Position("paper", "BTC/USDT"); ok {
			log.Info().Str("price", px).Str("stop", cur.Protection.TriggerPrice.String()).Msg("monitor tick")
		}
	}

	log.Info().Msg("[SCENARIO 2] price falls through the stop")
	venue.SetPrice("BTCUSDT", dec("50000"))
	eng.CheckPositions(ctx)
	if _, ok := eng.Position("paper", "BTC/USDT"); !ok {
		log.Info().Msg("stop exit detected and recorded")
	}

	log.Info().Msg("[SCENARIO 3] stop placement fails after the entry fill")
	venue.InjectFault(paper.OpStopOrder, 5, common.Errorf(common.KindRejected, "paper", "stop_order", "stop rejected"))
	if _, err := eng.Open(ctx, engine.OpenRequest{Exchange: "paper", Symbol: "ETH/USDT", Side: common.PositionShort}); err != nil {
		log.Warn().Err(err).Msg("open rolled back")
	}
	if _, ok, _ := registryPosition(ctx, registry, "ETH/USDT"); !ok {
		log.Info().Msg("nothing left on the venue")
	}

	m := riskMgr.GetMetrics()
	s := metrics.Snapshot()
	log.Info().
		Str("daily_pnl", m.DailyPnL.StringFixed(4)).
		Int("trades", m.DailyTrades).
		Uint64("opens", s.OpensSucceeded).
		Uint64("rollbacks", s.Rollbacks).
		Uint64("alerts", s.Alerts).
		Msg("=== paper demo finished ===")
}

func registryPosition(ctx context.Context, reg *gateway.Registry, symbol string) (common.PositionInfo, bool, error) {
	gw, err := reg.Get("paper")
	if err != nil {
		return common.PositionInfo{}, false, err
	}
	return gw.FetchPosition(ctx, symbol)
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }
