package monitor

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/JacobJanuary/TradingBot-sub002/internal/events"
)

// Monitor delivers alerts published on the bus to every sink.
type Monitor struct {
	Bus   *events.Bus
	Sinks []AlertSink
	Log   zerolog.Logger
}

// Start subscribes and returns immediately; delivery stops with ctx.
func (m *Monitor) Start(ctx context.Context) {
	log := m.Log.With().Str("component", "monitor").Logger()
	if m.Bus == nil || len(m.Sinks) == 0 {
		log.Info().Msg("no alert sinks configured; alerts are logged only")
		return
	}
	stream, unsub := m.Bus.Subscribe(events.EventAlert, 50)
	go func() {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-stream:
				if !ok {
					return
				}
				text := formatAlert(msg)
				for _, s := range m.Sinks {
					if err := s.Send(text); err != nil {
						log.Error().Err(err).Msg("alert delivery failed")
					}
				}
			}
		}
	}()
}

func formatAlert(msg any) string {
	switch t := msg.(type) {
	case Alert:
		return t.String()
	case string:
		return t
	default:
		return "alert triggered"
	}
}
