package quota

import (
	"sync"
	"time"

	"github.com/reelforge/reelforge/internal/config"
)

// Tier names a usage-limit plan.
type Tier string

const (
	TierFree       Tier = "free"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

type usage struct {
	day     string // UTC date key; a new day implicitly resets the totals
	seconds int
	cents   int
}

// Enforcer tracks per-owner same-UTC-day usage against tier ceilings.
// Reservations are optimistic: the estimate is committed at admission time
// and is not refunded if the job later fails or is cancelled.
type Enforcer struct {
	mu    sync.Mutex
	tiers map[string]config.TierLimit
	used  map[string]*usage
	now   func() time.Time
}

// Decision reports the outcome of an admission check.
type Decision struct {
	Allowed          bool `json:"allowed"`
	EstSeconds       int  `json:"est_seconds"`
	EstCents         int  `json:"est_cents"`
	RemainingSeconds int  `json:"remaining_seconds"`
	RemainingCents   int  `json:"remaining_cents"`
}

// NewEnforcer creates an Enforcer over the configured tier limits.
func NewEnforcer(tiers map[string]config.TierLimit) *Enforcer {
	return &Enforcer{
		tiers: tiers,
		used:  make(map[string]*usage),
		now:   time.Now,
	}
}

// CheckAndReserve admits the request if the owner's same-day totals plus the
// estimate stay within the tier's ceilings, and reserves the estimate
// immediately when admitted.
func (e *Enforcer) CheckAndReserve(ownerID string, estSeconds, estCents int, tier Tier) Decision {
	e.mu.Lock()
	defer e.mu.Unlock()

	limit, ok := e.tiers[string(tier)]
	if !ok {
		limit = e.tiers[string(TierFree)]
	}
	day := e.now().UTC().Format("2006-01-02")
	u, ok := e.used[ownerID]
	if !ok || u.day != day {
		u = &usage{day: day}
		e.used[ownerID] = u
	}

	seconds := u.seconds + estSeconds
	cents := u.cents + estCents
	d := Decision{EstSeconds: estSeconds, EstCents: estCents}
	if seconds > limit.MaxDailySeconds || cents > limit.MaxDailyCents {
		d.RemainingSeconds = max(0, limit.MaxDailySeconds-u.seconds)
		d.RemainingCents = max(0, limit.MaxDailyCents-u.cents)
		return d
	}
	u.seconds = seconds
	u.cents = cents
	d.Allowed = true
	d.RemainingSeconds = limit.MaxDailySeconds - seconds
	d.RemainingCents = limit.MaxDailyCents - cents
	return d
}

type counter struct {
	day string
	n   int
}

// DailyCounter is the coarse abuse guard: a flat N-generations-per-UTC-day
// cap, independent of the tier ceilings.
type DailyCounter struct {
	mu     sync.Mutex
	maxPer int
	counts map[string]*counter
	now    func() time.Time
}

// CounterResult reports remaining allowance and the next reset.
type CounterResult struct {
	Allowed   bool      `json:"allowed"`
	Used      int       `json:"used"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

// NewDailyCounter creates a counter allowing maxPerDay generations per owner.
func NewDailyCounter(maxPerDay int) *DailyCounter {
	if maxPerDay < 1 {
		maxPerDay = 1
	}
	return &DailyCounter{
		maxPer: maxPerDay,
		counts: make(map[string]*counter),
		now:    time.Now,
	}
}

// CheckAndIncrement consumes one generation from the owner's daily allowance
// when available.
func (c *DailyCounter) CheckAndIncrement(ownerID string) CounterResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now().UTC()
	day := now.Format("2006-01-02")
	u, ok := c.counts[ownerID]
	if !ok || u.day != day {
		u = &counter{day: day}
		c.counts[ownerID] = u
	}
	allowed := u.n < c.maxPer
	if allowed {
		u.n++
	}
	reset := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, time.UTC)
	return CounterResult{
		Allowed:   allowed,
		Used:      u.n,
		Remaining: max(0, c.maxPer-u.n),
		ResetAt:   reset,
	}
}
