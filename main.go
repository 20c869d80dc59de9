package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/JacobJanuary/TradingBot-sub002/internal/api"
	"github.com/JacobJanuary/TradingBot-sub002/internal/engine"
	"github.com/JacobJanuary/TradingBot-sub002/internal/events"
	"github.com/JacobJanuary/TradingBot-sub002/internal/gateway"
	"github.com/JacobJanuary/TradingBot-sub002/internal/lock"
	"github.com/JacobJanuary/TradingBot-sub002/internal/monitor"
	"github.com/JacobJanuary/TradingBot-sub002/internal/protection"
	"github.com/JacobJanuary/TradingBot-sub002/internal/reconciliation"
	"github.com/JacobJanuary/TradingBot-sub002/internal/risk"
	"github.com/JacobJanuary/TradingBot-sub002/internal/state"
	"github.com/JacobJanuary/TradingBot-sub002/pkg/config"
	"github.com/JacobJanuary/TradingBot-sub002/pkg/db"
	"github.com/JacobJanuary/TradingBot-sub002/pkg/db/postgres"
	"github.com/JacobJanuary/TradingBot-sub002/pkg/exchanges/binance/futures_usdt"
	"github.com/JacobJanuary/TradingBot-sub002/pkg/exchanges/bybit"
	"github.com/JacobJanuary/TradingBot-sub002/pkg/exchanges/common"
)

// store is everything the process persists.
type store interface {
	db.PositionStore
	db.MetricsStore
	db.OperatorStore
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log := newLogger(cfg)

	version := os.Getenv("APP_VERSION")
	if version == "" {
		version = "v1.0-dev"
	}
	log.Info().Str("version", version).Str("port", cfg.Port).Bool("dry_run", cfg.DryRun).Msg("starting position engine")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.DBDriver).Msg("storage init failed")
	}
	defer closeStore()

	bus := events.NewBus()
	metrics := monitor.NewMetrics()
	alerts := monitor.NewAlerter(bus, metrics, log)

	// Gateways
	registry := gateway.NewRegistry(gateway.DefaultRegistryConfig(), log)
	var wg sync.WaitGroup
	names := make([]string, 0, len(cfg.Exchanges))
	for _, ex := range cfg.Exchanges {
		gw, venue, err := gateway.Build(ex, cfg.Paper, log)
		if err != nil {
			log.Fatal().Err(err).Str("exchange", ex.Name).Msg("gateway build failed")
		}
		if err := registry.Add(gw, ex.Type); err != nil {
			log.Fatal().Err(err).Str("exchange", ex.Name).Msg("gateway register failed")
		}
		metrics.TrackExecutor(ex.Name, gw.Executor().Stats)
		startVenueWork(ctx, &wg, ex, gw, venue, bus, log)
		names = append(names, ex.Name)
		log.Info().Str("exchange", ex.Name).Str("type", ex.Type).
			Bool("atomic_protection", gw.Capabilities().AtomicProtection).Msg("gateway ready")
	}
	registry.Start(ctx)
	defer registry.Stop()

	// Core
	locks := lock.NewManager(cfg.Lock.Timeout, log)
	defer locks.Close()
	if cfg.Lock.StaleAfter > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			locks.Watch(ctx, cfg.Lock.StaleAfter/2, cfg.Lock.StaleAfter)
		}()
	}

	riskMgr := risk.NewManager(risk.LimitsFromConfig(cfg.Position, cfg.Aged), st, log)
	quantities := state.NewManager(5 * time.Minute)
	protector := protection.New(protection.FromRegistry(registry), quantities, st, metrics, protection.Config{
		QtyLookupAttempts: cfg.Protection.QtyLookupAttempts,
		QtyLookupDelay:    cfg.Protection.QtyLookupDelay,
	}, log)

	eng := engine.New(engine.Deps{
		Gateways:   engine.FromRegistry(registry),
		Locks:      locks,
		Protector:  protector,
		Risk:       riskMgr,
		Store:      st,
		Quantities: quantities,
		Bus:        bus,
		Alerts:     alerts,
		Metrics:    metrics,
	}, engine.Config{
		CostTolerance:   decimal.NewFromFloat(cfg.Position.MinQtyCostTolerance),
		MonitorInterval: cfg.MonitorInterval,
	}, log)
	if n, err := eng.Recover(ctx); err != nil {
		log.Error().Err(err).Int("recovered", n).Msg("position recovery incomplete")
	} else {
		log.Info().Int("recovered", n).Msg("positions recovered")
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = eng.Run(ctx)
	}()

	recon := reconciliation.NewService(reconciliation.FromRegistry(registry), eng, st, locks, alerts, metrics, bus,
		reconciliation.Config{
			OrphanInterval:      cfg.Reconcile.OrphanInterval,
			Interval:            cfg.Reconcile.Interval,
			QtyTolerancePercent: decimal.NewFromFloat(cfg.Reconcile.QtyTolerancePercent),
		}, log)
	recon.Start(ctx)

	// Alerts
	mon := &monitor.Monitor{Bus: bus, Log: log}
	if cfg.TelegramToken != "" && cfg.TelegramChatID != 0 {
		tg, err := monitor.NewTelegramSink(cfg.TelegramToken, cfg.TelegramChatID, log)
		if err != nil {
			log.Error().Err(err).Msg("telegram disabled")
		} else {
			tg.Commands["positions"] = func() string { return formatPositions(eng.Positions()) }
			tg.Commands["status"] = func() string { return formatStatus(eng.Stats(), riskMgr.GetMetrics()) }
			tg.Commands["alerts"] = func() string { return formatAlerts(alerts.Recent(5)) }
			mon.Sinks = append(mon.Sinks, tg)
			wg.Add(1)
			go func() {
				defer wg.Done()
				tg.Listen(ctx.Done())
			}()
		}
	}
	mon.Start(ctx)

	// HTTP
	server := api.NewServer(api.Deps{
		Engine:     eng,
		Risk:       riskMgr,
		Trades:     st,
		Operators:  st,
		Metrics:    metrics,
		Alerts:     alerts,
		Locks:      locks,
		Reconciler: recon,
		Gateways:   registry,
		Bus:        bus,
	}, api.Options{
		JWTSecret:         cfg.JWTSecret,
		AllowRegistration: cfg.AllowRegistration,
		Meta: api.SystemMeta{
			DryRun:    cfg.DryRun,
			Exchanges: names,
			Storage:   cfg.DBDriver,
			Version:   version,
		},
	}, log)
	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info().Str("addr", httpServer.Addr).Msg("api listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("api server failed")
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, done := context.WithTimeout(context.Background(), 15*time.Second)
	defer done()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("api shutdown")
	}
	wg.Wait()
	log.Info().Msg("stopped")
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	if cfg.LogFormat == "console" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05.000"}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Str("service", "position-engine").Logger()
}

func openStore(ctx context.Context, cfg *config.Config) (store, func(), error) {
	if cfg.DBDriver == "postgres" {
		pg, err := postgres.New(ctx, cfg.DatabaseURL, 10)
		if err != nil {
			return nil, nil, err
		}
		if err := pg.RunMigrations(ctx); err != nil {
			pg.Close()
			return nil, nil, err
		}
		return pg, pg.Close, nil
	}
	database, err := db.New(cfg.DBPath)
	if err != nil {
		return nil, nil, err
	}
	if err := db.ApplyMigrations(database); err != nil {
		_ = database.Close()
		return nil, nil, err
	}
	return database, func() { _ = database.Close() }, nil
}

// startVenueWork runs the clock sync and push streams a venue needs.
func startVenueWork(ctx context.Context, wg *sync.WaitGroup, ex config.ExchangeConfig, gw *gateway.Gateway, venue common.Venue, bus *events.Bus, log zerolog.Logger) {
	switch v := venue.(type) {
	case *bybit.Client:
		v.TimeSync().Start(ctx)

	case *futures_usdt.Client:
		if err := v.SyncTime(ctx); err != nil {
			log.Warn().Err(err).Str("exchange", ex.Name).Msg("initial clock sync failed")
		}
		stream := futures_usdt.NewUserStream(v, ex.Testnet,
			func(u futures_usdt.PositionUpdate) {
				sym, err := gw.Symbols().ToCanonical(u.Symbol)
				if err != nil {
					return
				}
				bus.Publish(events.EventVenuePosition, events.VenuePosition{
					Exchange: ex.Name, Symbol: sym, Quantity: u.Amount.Abs(), Time: u.Time,
				})
			},
			func(u futures_usdt.OrderUpdate) {
				sym, err := gw.Symbols().ToCanonical(u.Symbol)
				if err != nil {
					return
				}
				bus.Publish(events.EventVenueOrder, events.VenueOrder{
					Exchange: ex.Name, Symbol: sym, OrderID: fmt.Sprint(u.OrderID), ClientID: u.ClientID,
					Type: u.Type, Status: u.Status, AvgPrice: u.AvgPrice, Filled: u.CumQty,
				})
			}, log)
		wg.Add(1)
		go func() {
			defer wg.Done()
			stream.Run(ctx)
		}()
	}
}

func formatPositions(ps []engine.Position) string {
	if len(ps) == 0 {
		return "no open positions"
	}
	var b strings.Builder
	for _, p := range ps {
		fmt.Fprintf(&b, "%s %s %s qty=%s entry=%s stop=%s pnl=%s [%s]\n",
			p.Exchange, p.Symbol, p.Side, p.Quantity, p.EntryPrice,
			p.Protection.TriggerPrice, p.UnrealizedPnL().StringFixed(2), p.State)
	}
	return b.String()
}

func formatStatus(s engine.Stats, m risk.Metrics) string {
	return fmt.Sprintf("tracked=%d aged=%d exposure=%s\ndaily pnl=%s trades=%d wins=%d",
		s.Tracked, s.Aged, s.Exposure.StringFixed(2), m.DailyPnL.StringFixed(2), m.DailyTrades, m.DailyWins)
}

func formatAlerts(as []monitor.Alert) string {
	if len(as) == 0 {
		return "no recent alerts"
	}
	lines := make([]string, 0, len(as))
	for _, a := range as {
		lines = append(lines, a.String())
	}
	return strings.Join(lines, "\n")
}
