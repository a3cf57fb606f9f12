// Package ratelimit applies per-agent sliding-window limits by tool
// category, scaled by role, with a small token-bucket burst budget on top.
package ratelimit

import (
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Category groups tools with a shared budget.
type Category string

const (
	Broadcast Category = "broadcast"
	TaskOps   Category = "task_ops"
	General   Category = "general"
)

const window = time.Minute

// burstBudget permits short spikes past the window limit.
const burstBudget = 5

// baseLimits are requests per minute before the role multiplier.
var baseLimits = map[Category]int{
	Broadcast: 15,
	TaskOps:   30,
	General:   10,
}

// roleMultipliers scale the base limits.
var roleMultipliers = map[string]float64{
	"reader": 0.5,
	"worker": 1.0,
	"admin":  2.0,
}

// Error reports an exceeded budget. WaitSeconds is how long until the oldest
// recorded request rolls off the window.
type Error struct {
	Category    Category
	Limit       int
	Current     int
	WaitSeconds float64
}

func (e *Error) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s: %d/%d, retry in %.1fs",
		e.Category, e.Current, e.Limit, e.WaitSeconds)
}

// Limiter tracks request timestamps per agent and category.
type Limiter struct {
	mu      sync.Mutex
	windows map[string][]time.Time
	bursts  map[string]*rate.Limiter
	now     func() time.Time
}

// New builds an empty limiter.
func New() *Limiter {
	return &Limiter{
		windows: make(map[string][]time.Time),
		bursts:  make(map[string]*rate.Limiter),
		now:     time.Now,
	}
}

// LimitFor returns the effective per-minute limit for a role and category.
// Unknown roles get the worker multiplier.
func LimitFor(role string, cat Category) int {
	mult, ok := roleMultipliers[role]
	if !ok {
		mult = 1.0
	}
	limit := int(math.Floor(float64(baseLimits[cat]) * mult))
	if limit < 1 {
		limit = 1
	}
	return limit
}

// Allow records one request, or fails with *Error when the window is full
// and the burst budget is spent.
func (l *Limiter) Allow(agent, role string, cat Category) error {
	limit := LimitFor(role, cat)
	now := l.now()
	cutoff := now.Add(-window)

	l.mu.Lock()
	defer l.mu.Unlock()

	key := agent + "|" + string(cat)
	times := l.windows[key]
	keep := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			keep = append(keep, t)
		}
	}

	if len(keep) >= limit {
		burst, ok := l.bursts[agent]
		if !ok {
			burst = rate.NewLimiter(rate.Every(window), burstBudget)
			l.bursts[agent] = burst
		}
		if !burst.AllowN(now, 1) {
			wait := keep[0].Add(window).Sub(now).Seconds()
			if wait < 0 {
				wait = 0
			}
			l.windows[key] = keep
			return &Error{Category: cat, Limit: limit, Current: len(keep), WaitSeconds: wait}
		}
	}

	l.windows[key] = append(keep, now)
	return nil
}

// Reset clears all recorded requests for an agent.
func (l *Limiter) Reset(agent string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, cat := range []Category{Broadcast, TaskOps, General} {
		delete(l.windows, agent+"|"+string(cat))
	}
	delete(l.bursts, agent)
}
