package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/JacobJanuary/TradingBot-sub002/pkg/config"
	"github.com/JacobJanuary/TradingBot-sub002/pkg/exchanges/binance/futures_usdt"
)

// user_stream_check connects to the Binance USDT-M user data stream of every
// configured binance-usdtfut exchange and logs position and order pushes.
// It places no orders.
//
// Usage:
//   go run ./scripts/user_stream_check
//
// Stops on Ctrl+C or after ten minutes.

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	ctx, stop := context.WithTimeout(ctx, 10*time.Minute)
	defer stop()

	var wg sync.WaitGroup
	for _, ex := range cfg.Exchanges {
		if ex.Type != config.ExchangeBinanceUSDT {
			continue
		}
		exLog := log.With().Str("exchange", ex.Name).Bool("testnet", ex.Testnet).Logger()
		client := futures_usdt.NewClient(futures_usdt.Config{
			APIKey:    ex.APIKey,
			APISecret: ex.APISecret,
			Testnet:   ex.Testnet,
			Quotes:    ex.Quotes,
		}, exLog)
		if err := client.SyncTime(ctx); err != nil {
			exLog.Warn().Err(err).Msg("clock sync failed")
		}

		stream := futures_usdt.NewUserStream(client, ex.Testnet,
			func(u futures_usdt.PositionUpdate) {
				exLog.Info().Str("symbol", u.Symbol).Str("amount", u.Amount.String()).
					Str("entry", u.EntryPrice.String()).Time("at", u.Time).Msg("position update")
			},
			func(u futures_usdt.OrderUpdate) {
				exLog.Info().Str("symbol", u.Symbol).Int64("order_id", u.OrderID).Str("client_id", u.ClientID).
					Str("type", u.Type).Str("status", u.Status).Str("avg_price", u.AvgPrice.String()).
					Str("filled", u.CumQty.String()).Msg("order update")
			}, exLog)

		wg.Add(1)
		go func() {
			defer wg.Done()
			exLog.Info().Msg("listening")
			stream.Run(ctx)
		}()
	}

	<-ctx.Done()
	wg.Wait()
	log.Info().Msg("done")
}
