package gateway

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	ErrGatewayNotFound  = errors.New("gateway not found")
	ErrGatewayUnhealthy = errors.New("gateway is unhealthy")
	ErrGatewayExists    = errors.New("gateway already registered")
)

// RegistryConfig tunes health checking.
type RegistryConfig struct {
	HealthInterval   time.Duration // interval between pings
	FailureThreshold int           // consecutive failures before the circuit opens
	CircuitTimeout   time.Duration // how long an open circuit refuses callers
}

// DefaultRegistryConfig returns sensible defaults.
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		HealthInterval:   time.Minute,
		FailureThreshold: 3,
		CircuitTimeout:   2 * time.Minute,
	}
}

type registered struct {
	gw           *Gateway
	exchangeType string
	createdAt    time.Time
	healthyAt    time.Time
	failures     int
}

// Registry owns one gateway per configured exchange for the life of the
// process and pings them periodically.
type Registry struct {
	mu       sync.RWMutex
	gateways map[string]*registered

	config RegistryConfig
	log    zerolog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg RegistryConfig, log zerolog.Logger) *Registry {
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = DefaultRegistryConfig().HealthInterval
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultRegistryConfig().FailureThreshold
	}
	return &Registry{
		gateways: make(map[string]*registered),
		config:   cfg,
		log:      log.With().Str("component", "gateway_registry").Logger(),
		stopCh:   make(chan struct{}),
	}
}

// Add registers a gateway under its name.
func (r *Registry) Add(gw *Gateway, exchangeType string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.gateways[gw.Name()]; ok {
		return fmt.Errorf("%w: %s", ErrGatewayExists, gw.Name())
	}
	now := time.Now()
	r.gateways[gw.Name()] = &registered{gw: gw, exchangeType: exchangeType, createdAt: now, healthyAt: now}
	return nil
}

// Get returns the gateway for exchange. It refuses while the circuit is open.
func (r *Registry) Get(exchange string) (*Gateway, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.gateways[exchange]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrGatewayNotFound, exchange)
	}
	if reg.failures >= r.config.FailureThreshold && time.Since(reg.healthyAt) < r.config.CircuitTimeout {
		return nil, fmt.Errorf("%w: %s", ErrGatewayUnhealthy, exchange)
	}
	return reg.gw, nil
}

// All returns every registered gateway sorted by name, healthy or not.
// Sweeps use it so that a flaky venue is still visited.
func (r *Registry) All() []*Gateway {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Gateway, 0, len(r.gateways))
	for _, reg := range r.gateways {
		out = append(out, reg.gw)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Start begins background health checks.
func (r *Registry) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.config.HealthInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stopCh:
				return
			case <-ticker.C:
				r.healthCheckAll(ctx)
			}
		}
	}()
}

// Stop ends the health loop.
func (r *Registry) Stop() {
	select {
	case <-r.stopCh:
	default:
		close(r.stopCh)
	}
	r.wg.Wait()
}

// RecordFailure counts a failure for exchange.
func (r *Registry) RecordFailure(exchange string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if reg, ok := r.gateways[exchange]; ok {
		reg.failures++
	}
}

// RecordSuccess resets the failure counter.
func (r *Registry) RecordSuccess(exchange string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if reg, ok := r.gateways[exchange]; ok {
		reg.failures = 0
		reg.healthyAt = time.Now()
	}
}

// GatewayStatus describes one registered gateway.
type GatewayStatus struct {
	Name         string    `json:"name"`
	ExchangeType string    `json:"exchange_type"`
	Atomic       bool      `json:"atomic_protection"`
	Failures     int       `json:"failures"`
	Healthy      bool      `json:"healthy"`
	HealthyAt    time.Time `json:"healthy_at"`
}

// Stats returns the status of every gateway.
func (r *Registry) Stats() []GatewayStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]GatewayStatus, 0, len(r.gateways))
	for name, reg := range r.gateways {
		out = append(out, GatewayStatus{
			Name:         name,
			ExchangeType: reg.exchangeType,
			Atomic:       reg.gw.Capabilities().AtomicProtection,
			Failures:     reg.failures,
			Healthy:      reg.failures < r.config.FailureThreshold,
			HealthyAt:    reg.healthyAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) healthCheckAll(ctx context.Context) {
	for _, gw := range r.All() {
		pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := gw.Ping(pctx)
		cancel()
		if err != nil {
			r.RecordFailure(gw.Name())
			r.log.Warn().Str("exchange", gw.Name()).Err(err).Msg("health check failed")
			continue
		}
		r.RecordSuccess(gw.Name())
	}
}
