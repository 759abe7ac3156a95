package payment

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SimulatedConfig shapes the in-process provider. Rates are fractions in
// [0,1]; a request is a success with SuccessRate, otherwise a lag with LagRate
// (captured, but the answer arrives after Lag), otherwise a decline.
type SimulatedConfig struct {
	SuccessRate float64
	LagRate     float64
	Latency     time.Duration
	Lag         time.Duration
}

func DefaultSimulatedConfig() SimulatedConfig {
	return SimulatedConfig{SuccessRate: 0.9, LagRate: 0.03, Latency: 100 * time.Millisecond, Lag: 10 * time.Second}
}

// Simulated is an idempotency-keyed provider living in memory.
type Simulated struct {
	cfg SimulatedConfig

	mu      sync.RWMutex
	charges map[string]Outcome
	roll    func() float64
}

func NewSimulated(cfg SimulatedConfig) *Simulated {
	return &Simulated{cfg: cfg, charges: make(map[string]Outcome), roll: rand.Float64}
}

func (s *Simulated) Charge(ctx context.Context, req ChargeRequest) (Outcome, error) {
	s.mu.RLock()
	if out, ok := s.charges[req.Key]; ok {
		s.mu.RUnlock()
		return out, nil
	}
	s.mu.RUnlock()

	chance := s.roll()
	switch {
	case chance < s.cfg.SuccessRate:
		if err := sleep(ctx, s.cfg.Latency); err != nil {
			return Outcome{}, err
		}
		return s.record(req.Key, Success("SIM-"+uuid.NewString())), nil

	case chance < s.cfg.SuccessRate+s.cfg.LagRate:
		// the money is captured even when the caller gives up waiting
		out := s.record(req.Key, Success("SIM-"+uuid.NewString()))
		if err := sleep(ctx, s.cfg.Lag); err != nil {
			return Outcome{}, err
		}
		return out, nil

	default:
		if err := sleep(ctx, s.cfg.Latency); err != nil {
			return Outcome{}, err
		}
		return s.record(req.Key, Decline("card_declined")), nil
	}
}

func (s *Simulated) Status(_ context.Context, key string) (Outcome, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out, ok := s.charges[key]
	return out, ok, nil
}

func (s *Simulated) record(key string, out Outcome) Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.charges[key]; ok {
		return prev
	}
	s.charges[key] = out
	return out
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
