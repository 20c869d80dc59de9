package paper

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func TestInjectedFaults(t *testing.T) {
	tests := []struct {
		name   string
		inject func(v *Venue)
		want   []bool // per call: fails
	}{
		{
			name:   "next calls",
			inject: func(v *Venue) { v.InjectFault(OpTicker, 2, ErrInjected) },
			want:   []bool{true, true, false},
		},
		{
			name:   "after skipped calls",
			inject: func(v *Venue) { v.InjectFaultAfter(OpTicker, 1, 2, ErrInjected) },
			want:   []bool{false, true, true, false},
		},
		{
			name: "queued in order",
			inject: func(v *Venue) {
				v.InjectFault(OpTicker, 1, ErrInjected)
				v.InjectFaultAfter(OpTicker, 1, 1, ErrInjected)
			},
			want: []bool{true, false, true, false},
		},
		{
			name: "cleared",
			inject: func(v *Venue) {
				v.InjectFault(OpTicker, 5, ErrInjected)
				v.ClearFaults(OpTicker)
			},
			want: []bool{false, false},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := New(Config{Name: "paper", InitialBalance: 1000}, zerolog.Nop())
			v.SetPrice("BTCUSDT", decimal.NewFromInt(50000))
			tt.inject(v)
			for i, fails := range tt.want {
				_, err := v.Ticker(context.Background(), "BTCUSDT")
				if got := errors.Is(err, ErrInjected); got != fails {
					t.Fatalf("call %d: err = %v, want failure %v", i, err, fails)
				}
			}
			if got := v.Calls(OpTicker); got != len(tt.want) {
				t.Fatalf("calls = %d, want %d", got, len(tt.want))
			}
		})
	}
}
