// Package quota enforces call-rate and volume limits against external
// reasoning services using fixed, clock-aligned windows.
package quota

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/deepnoodle-ai/agentflow/metrics"
	"golang.org/x/time/rate"
)

// ErrCostExceedsLimit is returned when a single request costs more than a
// window can ever grant.
var ErrCostExceedsLimit = errors.New("quota: cost exceeds window limit")

// Window configures one limit for a service.
type Window struct {
	Duration time.Duration `json:"window" yaml:"window" mapstructure:"window"`
	MaxCalls int           `json:"max_calls" yaml:"max_calls" mapstructure:"max_calls"`
}

// Limits maps a service id to its windows, e.g. a short burst window and a
// longer volume window.
type Limits map[string][]Window

// Decision is the outcome of TryAcquire.
type Decision struct {
	Granted    bool
	RetryAfter time.Duration
	// Window is the duration of the binding window when denied.
	Window time.Duration
}

// Usage reports one window's counters.
type Usage struct {
	Window      time.Duration
	Limit       int
	Used        int
	WindowStart time.Time
}

type counter struct {
	window Window
	used   int
	start  time.Time
}

// roll resets the counter when now falls in a later window. Boundaries are
// now.Truncate(duration), so every governor agrees on them.
func (c *counter) roll(now time.Time) {
	start := now.Truncate(c.window.Duration)
	if !start.Equal(c.start) {
		c.start = start
		c.used = 0
	}
}

func (c *counter) end() time.Time {
	return c.start.Add(c.window.Duration)
}

// Options configures a Governor.
type Options struct {
	Limits Limits
	Logger *slog.Logger
	// Now overrides the clock. Defaults to time.Now.
	Now func() time.Time
}

// Governor tracks per-service counters. It knows nothing about workflows.
type Governor struct {
	mu       sync.Mutex
	counters map[string][]*counter
	now      func() time.Time
	logger   *slog.Logger
	denyLog  rate.Sometimes
}

// New returns a Governor for the given limits.
func New(opts Options) (*Governor, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	g := &Governor{
		counters: make(map[string][]*counter, len(opts.Limits)),
		now:      opts.Now,
		logger:   opts.Logger,
		denyLog:  rate.Sometimes{Interval: 5 * time.Second},
	}
	for service, windows := range opts.Limits {
		for _, w := range windows {
			if w.Duration <= 0 {
				return nil, fmt.Errorf("quota: service %q: window duration must be positive", service)
			}
			if w.MaxCalls <= 0 {
				return nil, fmt.Errorf("quota: service %q: max_calls must be positive", service)
			}
			g.counters[service] = append(g.counters[service], &counter{window: w})
		}
	}
	return g, nil
}

// TryAcquire grants cost against every window of the service or denies the
// request without consuming anything. Unconfigured services are unlimited.
func (g *Governor) TryAcquire(service string, cost int) (Decision, error) {
	if cost <= 0 {
		cost = 1
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	counters, ok := g.counters[service]
	if !ok {
		return Decision{Granted: true}, nil
	}
	now := g.now()
	var decision Decision
	for _, c := range counters {
		if cost > c.window.MaxCalls {
			return Decision{}, fmt.Errorf("%w: service %q cost %d, window %s allows %d",
				ErrCostExceedsLimit, service, cost, c.window.Duration, c.window.MaxCalls)
		}
		c.roll(now)
		if c.used+cost > c.window.MaxCalls {
			// All violated windows must roll over, so the latest one binds.
			if wait := c.end().Sub(now); wait > decision.RetryAfter {
				decision.RetryAfter = wait
				decision.Window = c.window.Duration
			}
		}
	}
	if decision.RetryAfter > 0 {
		metrics.QuotaDecisions.WithLabelValues(service, "denied").Inc()
		g.denyLog.Do(func() {
			g.logger.Warn("quota denied",
				"service", service,
				"cost", cost,
				"retry_after", decision.RetryAfter)
		})
		return decision, nil
	}
	for _, c := range counters {
		c.used += cost
	}
	metrics.QuotaDecisions.WithLabelValues(service, "granted").Inc()
	return Decision{Granted: true}, nil
}

// Release returns unused cost to the windows that are still current.
func (g *Governor) Release(service string, cost int) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	for _, c := range g.counters[service] {
		c.roll(now)
		c.used -= cost
		if c.used < 0 {
			c.used = 0
		}
	}
}

// Record accounts for usage that happened outside TryAcquire, such as an
// actual cost reported after the call. It never denies.
func (g *Governor) Record(service string, cost int) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	for _, c := range g.counters[service] {
		c.roll(now)
		c.used += cost
	}
}

// Wait blocks until cost is granted or ctx is done.
func (g *Governor) Wait(ctx context.Context, service string, cost int) error {
	for {
		decision, err := g.TryAcquire(service, cost)
		if err != nil {
			return err
		}
		if decision.Granted {
			return nil
		}
		timer := time.NewTimer(decision.RetryAfter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Usage returns the current counters for a service, shortest window first.
func (g *Governor) Usage(service string) []Usage {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	var out []Usage
	for _, c := range g.counters[service] {
		c.roll(now)
		out = append(out, Usage{
			Window:      c.window.Duration,
			Limit:       c.window.MaxCalls,
			Used:        c.used,
			WindowStart: c.start,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Window < out[j].Window })
	return out
}

// Services lists configured service ids.
func (g *Governor) Services() []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	names := make([]string, 0, len(g.counters))
	for name := range g.counters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
