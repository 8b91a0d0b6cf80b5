// Package pace provides the per-provider admission controller: a token
// bucket for sustained rate and burst, a concurrency gate, and an AIMD
// penalty loop driven by provider-side rate-limit responses.
//
// Waiters are served FIFO. A cancelled waiter removes itself from the queue
// without consuming a token.
package pace

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Outcome is the result a lease holder observed upstream, reported on
// release so the pacer can adapt.
type Outcome int

const (
	// OutcomeOK is a successful upstream call.
	OutcomeOK Outcome = iota

	// OutcomeRateLimited is a provider-side 429. Triggers the multiplicative
	// rate cut.
	OutcomeRateLimited

	// OutcomeError is any other upstream failure. No rate adaptation.
	OutcomeError
)

// Config holds the pacing parameters for one provider.
type Config struct {
	// Rate is the sustained request rate R in requests/second. Default 5.
	Rate float64

	// Burst is the bucket capacity B. Default max(1, Rate).
	Burst float64

	// Concurrency is the in-flight cap C. Default 8.
	Concurrency int

	// MinRate is the floor the adaptive rate never drops below. Default
	// Rate/10.
	MinRate float64

	// Penalty is the multiplicative factor α in (0, 1] applied on a
	// rate-limit outcome. Default 0.5.
	Penalty float64

	// Recovery is the linear recovery step Δ in requests/second², applied
	// once the cooldown window has passed. Default Rate/10.
	Recovery float64

	// Cooldown is how long after a rate-limit the recovery ramp stays
	// frozen. Default 10s.
	Cooldown time.Duration
}

// withDefaults returns cfg with zero fields replaced.
func (c Config) withDefaults() Config {
	if c.Rate <= 0 {
		c.Rate = 5
	}
	if c.Burst <= 0 {
		c.Burst = max(1, c.Rate)
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 8
	}
	if c.MinRate <= 0 {
		c.MinRate = c.Rate / 10
	}
	if c.Penalty <= 0 || c.Penalty > 1 {
		c.Penalty = 0.5
	}
	if c.Recovery <= 0 {
		c.Recovery = c.Rate / 10
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 10 * time.Second
	}
	return c
}

// Lease is a granted admission. Exactly one Release call is required.
type Lease struct {
	// QueueWait is how long Acquire blocked before the lease fired.
	QueueWait time.Duration

	pacer    *Pacer
	released bool
	mu       sync.Mutex
}

// Release returns the concurrency slot and reports the upstream outcome.
// Safe to call at most once; duplicate calls are ignored.
func (l *Lease) Release(outcome Outcome) {
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return
	}
	l.released = true
	l.mu.Unlock()
	l.pacer.release(outcome)
}

// waiter is one FIFO queue entry.
type waiter struct {
	ready     chan struct{}
	cancelled bool
}

// Pacer is the admission controller for a single provider.
// Safe for concurrent use.
type Pacer struct {
	provider string
	cfg      Config

	mu            sync.Mutex
	tokens        float64
	effRate       float64
	lastRefill    time.Time
	cooldownUntil time.Time
	inflight      int
	rateLimits    int64
	waiters       []*waiter
	timerSet      bool
}

// New creates a Pacer for the named provider.
func New(provider string, cfg Config) *Pacer {
	cfg = cfg.withDefaults()
	return &Pacer{
		provider:   provider,
		cfg:        cfg,
		tokens:     cfg.Burst,
		effRate:    cfg.Rate,
		lastRefill: time.Now(),
	}
}

// Acquire blocks until a token is available and in-flight < C, or ctx is
// cancelled. Waiters are served in arrival order; a waiter that cancels
// before its lease fires consumes nothing.
func (p *Pacer) Acquire(ctx context.Context) (*Lease, error) {
	start := time.Now()

	p.mu.Lock()
	p.refillLocked(start)
	if len(p.waiters) == 0 && p.tokens >= 1 && p.inflight < p.cfg.Concurrency {
		p.tokens--
		p.inflight++
		p.mu.Unlock()
		return &Lease{pacer: p}, nil
	}

	w := &waiter{ready: make(chan struct{})}
	p.waiters = append(p.waiters, w)
	p.scheduleLocked()
	p.mu.Unlock()

	select {
	case <-w.ready:
		return &Lease{pacer: p, QueueWait: time.Since(start)}, nil

	case <-ctx.Done():
		p.mu.Lock()
		select {
		case <-w.ready:
			// Granted concurrently with cancellation: hand the slot back.
			p.inflight--
			p.tokens = min(p.cfg.Burst, p.tokens+1)
			p.admitLocked(time.Now())
		default:
			w.cancelled = true
		}
		p.mu.Unlock()
		return nil, ctx.Err()
	}
}

// release is the Lease backend.
func (p *Pacer) release(outcome Outcome) {
	now := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()

	p.inflight--

	if outcome == OutcomeRateLimited {
		p.rateLimits++
		p.effRate = max(p.cfg.MinRate, p.effRate*p.cfg.Penalty)
		p.cooldownUntil = now.Add(p.cfg.Cooldown)
		slog.Warn("provider rate-limited, reducing pace",
			"provider", p.provider,
			"effective_rate", p.effRate)
	}

	p.admitLocked(now)
}

// refillLocked accrues tokens and ramps the adaptive rate back toward the
// configured rate once the cooldown window has passed. Must hold p.mu.
func (p *Pacer) refillLocked(now time.Time) {
	elapsed := now.Sub(p.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	p.lastRefill = now

	p.tokens = min(p.cfg.Burst, p.tokens+elapsed*p.effRate)

	if p.effRate < p.cfg.Rate && now.After(p.cooldownUntil) {
		p.effRate = min(p.cfg.Rate, p.effRate+p.cfg.Recovery*elapsed)
	}
}

// admitLocked grants leases to queued waiters in FIFO order while capacity
// allows, then schedules a wake-up for the next token if waiters remain.
// Must hold p.mu.
func (p *Pacer) admitLocked(now time.Time) {
	p.refillLocked(now)

	for len(p.waiters) > 0 {
		head := p.waiters[0]
		if head.cancelled {
			p.waiters = p.waiters[1:]
			continue
		}
		if p.tokens < 1 || p.inflight >= p.cfg.Concurrency {
			break
		}
		p.waiters = p.waiters[1:]
		p.tokens--
		p.inflight++
		close(head.ready)
	}

	p.scheduleLocked()
}

// scheduleLocked arms a wake-up timer for when the next token accrues, if
// waiters are blocked on tokens rather than concurrency. Must hold p.mu.
func (p *Pacer) scheduleLocked() {
	if p.timerSet || len(p.waiters) == 0 {
		return
	}
	if p.inflight >= p.cfg.Concurrency {
		// Blocked on a slot; release() will admit.
		return
	}

	need := 1 - p.tokens
	if need <= 0 {
		need = 0.01
	}
	d := time.Duration(need / p.effRate * float64(time.Second))
	if d < time.Millisecond {
		d = time.Millisecond
	}

	p.timerSet = true
	time.AfterFunc(d, func() {
		p.mu.Lock()
		p.timerSet = false
		p.admitLocked(time.Now())
		p.mu.Unlock()
	})
}

// Rate returns the current adaptive rate in requests/second.
func (p *Pacer) Rate() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refillLocked(time.Now())
	return p.effRate
}

// InFlight returns the current number of held leases.
func (p *Pacer) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inflight
}

// RateLimitCount returns the total provider rate-limit outcomes observed.
func (p *Pacer) RateLimitCount() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rateLimits
}

// Set holds one Pacer per provider, created lazily.
type Set struct {
	defaults Config

	mu       sync.Mutex
	configs  map[string]Config
	pacers   map[string]*Pacer
}

// NewSet creates a pacer set. defaults applies to providers without an entry
// in configs.
func NewSet(defaults Config, configs map[string]Config) *Set {
	if configs == nil {
		configs = map[string]Config{}
	}
	return &Set{
		defaults: defaults,
		configs:  configs,
		pacers:   make(map[string]*Pacer),
	}
}

// For returns the pacer for provider, creating it on first use.
func (s *Set) For(provider string) *Pacer {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pacers[provider]
	if !ok {
		cfg, hasCfg := s.configs[provider]
		if !hasCfg {
			cfg = s.defaults
		}
		p = New(provider, cfg)
		s.pacers[provider] = p
	}
	return p
}

// All returns a snapshot of the live pacers keyed by provider name.
func (s *Set) All() map[string]*Pacer {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]*Pacer, len(s.pacers))
	for k, v := range s.pacers {
		out[k] = v
	}
	return out
}
