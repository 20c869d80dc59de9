package futures_usdt

import (
	"context"
	"encoding/json"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// PositionUpdate is a position change pushed by the user data stream.
// Amount is signed: negative for shorts, zero once closed.
type PositionUpdate struct {
	Symbol     string
	Amount     decimal.Decimal
	EntryPrice decimal.Decimal
	Time       time.Time
}

// OrderUpdate is an execution report pushed by the user data stream.
type OrderUpdate struct {
	Symbol   string
	OrderID  int64
	ClientID string
	Type     string
	Status   string
	AvgPrice decimal.Decimal
	CumQty   decimal.Decimal
}

type listenKeyClient interface {
	CreateListenKey(ctx context.Context) (string, error)
	KeepAliveListenKey(ctx context.Context, listenKey string) error
}

// UserStream listens to the USDT-M user data stream and forwards position
// and order updates. It reconnects until ctx is done.
type UserStream struct {
	client     listenKeyClient
	testnet    bool
	onPosition func(PositionUpdate)
	onOrder    func(OrderUpdate)
	log        zerolog.Logger
}

// NewUserStream builds a stream. Either callback may be nil.
func NewUserStream(client listenKeyClient, testnet bool, onPosition func(PositionUpdate), onOrder func(OrderUpdate), log zerolog.Logger) *UserStream {
	return &UserStream{
		client:     client,
		testnet:    testnet,
		onPosition: onPosition,
		onOrder:    onOrder,
		log:        log.With().Str("component", "binance_user_stream").Logger(),
	}
}

// Run blocks until ctx is done.
func (s *UserStream) Run(ctx context.Context) {
	backoff := time.Second
	for ctx.Err() == nil {
		err := s.session(ctx)
		if ctx.Err() != nil {
			return
		}
		s.log.Warn().Err(err).Dur("retry_in", backoff).Msg("user stream disconnected")
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < time.Minute {
			backoff *= 2
		}
	}
}

func (s *UserStream) session(ctx context.Context) error {
	listenKey, err := s.client.CreateListenKey(ctx)
	if err != nil {
		return err
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.streamURL(listenKey), nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	s.log.Info().Bool("testnet", s.testnet).Msg("user stream connected")

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		ticker := time.NewTicker(30 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-sctx.Done():
				_ = conn.Close()
				return
			case <-ticker.C:
				if err := s.client.KeepAliveListenKey(sctx, listenKey); err != nil {
					s.log.Warn().Err(err).Msg("listen key keepalive failed")
				}
			}
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		s.handleMessage(msg)
	}
}

func (s *UserStream) streamURL(listenKey string) string {
	host := "fstream.binance.com"
	if s.testnet {
		host = "stream.binancefuture.com"
	}
	u := url.URL{Scheme: "wss", Host: host, Path: "/ws/" + listenKey}
	return u.String()
}

func (s *UserStream) handleMessage(msg []byte) {
	var head struct {
		Event string `json:"e"`
	}
	if err := json.Unmarshal(msg, &head); err != nil {
		s.log.Debug().Err(err).Msg("user stream parse error")
		return
	}
	switch head.Event {
	case "ACCOUNT_UPDATE":
		s.handleAccountUpdate(msg)
	case "ORDER_TRADE_UPDATE":
		s.handleOrderUpdate(msg)
	case "listenKeyExpired":
		s.log.Warn().Msg("listen key expired")
	}
}

func (s *UserStream) handleAccountUpdate(msg []byte) {
	var wrap struct {
		Time int64 `json:"E"`
		Data struct {
			Positions []struct {
				Symbol     string `json:"s"`
				Amount     string `json:"pa"`
				EntryPrice string `json:"ep"`
			} `json:"P"`
		} `json:"a"`
	}
	if err := json.Unmarshal(msg, &wrap); err != nil {
		s.log.Debug().Err(err).Msg("account update parse error")
		return
	}
	if s.onPosition == nil {
		return
	}
	for _, p := range wrap.Data.Positions {
		amt, err := decimal.NewFromString(p.Amount)
		if err != nil {
			continue
		}
		s.onPosition(PositionUpdate{
			Symbol:     p.Symbol,
			Amount:     amt,
			EntryPrice: dec(p.EntryPrice),
			Time:       time.UnixMilli(wrap.Time),
		})
	}
}

func (s *UserStream) handleOrderUpdate(msg []byte) {
	var wrap struct {
		Data struct {
			Symbol   string `json:"s"`
			ClientID string `json:"c"`
			Type     string `json:"o"`
			Status   string `json:"X"`
			OrderID  int64  `json:"i"`
			AvgPrice string `json:"ap"`
			CumQty   string `json:"z"`
		} `json:"o"`
	}
	if err := json.Unmarshal(msg, &wrap); err != nil {
		s.log.Debug().Err(err).Msg("order update parse error")
		return
	}
	if s.onOrder == nil {
		return
	}
	s.onOrder(OrderUpdate{
		Symbol:   wrap.Data.Symbol,
		OrderID:  wrap.Data.OrderID,
		ClientID: wrap.Data.ClientID,
		Type:     wrap.Data.Type,
		Status:   wrap.Data.Status,
		AvgPrice: dec(wrap.Data.AvgPrice),
		CumQty:   dec(wrap.Data.CumQty),
	})
}
