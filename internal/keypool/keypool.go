package keypool

import (
	"errors"
	"net/http"
	"sync"
	"time"
)

// ErrEmpty is returned by Acquire when the pool was constructed without keys.
// This is a configuration error and should be fatal at startup.
var ErrEmpty = errors.New("keypool: no api keys configured")

// Cooldown lengths per failure class.
const (
	authCooldown      = 24 * time.Hour
	rateLimitCooldown = 45 * time.Second
	serverCooldown    = 15 * time.Second
	defaultCooldown   = 5 * time.Second
)

type keyInfo struct {
	key           string
	disabledUntil time.Time
	failures      int
	successes     int
	lastUsed      time.Time
	usageCount    int
}

// Pool multiplexes a fixed set of provider credentials across concurrent
// requests. Keys that caused failures are put on a cooldown whose length
// depends on the failure class; Acquire prefers the least recently used key
// whose cooldown has expired.
type Pool struct {
	mu   sync.Mutex
	keys []*keyInfo
	now  func() time.Time
}

// KeyUsage is a per-key snapshot for diagnostics. The key itself is
// anonymized.
type KeyUsage struct {
	Key         string        `json:"key"`
	Failures    int           `json:"failures"`
	Successes   int           `json:"successes"`
	UsageCount  int           `json:"usage_count"`
	DisabledFor time.Duration `json:"disabled_for_ms"`
}

// Stats summarizes pool health.
type Stats struct {
	Total     int        `json:"total"`
	Available int        `json:"available"`
	Disabled  int        `json:"disabled"`
	Usage     []KeyUsage `json:"usage"`
}

// New creates a Pool over the given keys.
func New(keys []string) *Pool {
	p := &Pool{now: time.Now}
	for _, k := range keys {
		p.keys = append(p.keys, &keyInfo{key: k})
	}
	return p
}

// Acquire returns the next usable key. Among keys whose cooldown has expired
// it picks the least recently used one; if every key is cooling down it picks
// the one that recovers soonest rather than failing, so the caller's own
// retry logic gets a chance.
func (p *Pool) Acquire() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.keys) == 0 {
		return "", ErrEmpty
	}
	now := p.now()

	var pick *keyInfo
	for _, k := range p.keys {
		if k.disabledUntil.After(now) {
			continue
		}
		if pick == nil || k.lastUsed.Before(pick.lastUsed) {
			pick = k
		}
	}
	if pick == nil {
		// All keys disabled; degrade gracefully to the soonest-recovering one.
		pick = p.keys[0]
		for _, k := range p.keys[1:] {
			if k.disabledUntil.Before(pick.disabledUntil) {
				pick = k
			}
		}
	}
	pick.lastUsed = now
	pick.usageCount++
	return pick.key, nil
}

// ReportSuccess records a successful call and clears an expired cooldown so
// the key fully self-heals.
func (p *Pool) ReportSuccess(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	info := p.find(key)
	if info == nil {
		return
	}
	info.successes++
	if !info.disabledUntil.IsZero() && info.disabledUntil.Before(p.now()) {
		info.disabledUntil = time.Time{}
	}
}

// ReportFailure records a failed call and applies a cooldown sized by the
// failure class. retryAfter, when non-zero, overrides the rate-limit default.
func (p *Pool) ReportFailure(key string, status int, code string, retryAfter time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	info := p.find(key)
	if info == nil {
		return
	}
	info.failures++
	now := p.now()

	var until time.Time
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		// Retrying an auth failure won't help; park the key.
		until = now.Add(authCooldown)
	case status == http.StatusTooManyRequests:
		cooldown := rateLimitCooldown
		if retryAfter > 0 {
			cooldown = retryAfter
		}
		until = now.Add(cooldown)
	case status >= 500 && status <= 599:
		until = now.Add(serverCooldown)
	default:
		until = now.Add(defaultCooldown)
	}
	if until.After(info.disabledUntil) {
		info.disabledUntil = until
	}
}

// Stats reports pool utilization.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	s := Stats{Total: len(p.keys)}
	for _, k := range p.keys {
		disabledFor := time.Duration(0)
		if k.disabledUntil.After(now) {
			disabledFor = k.disabledUntil.Sub(now)
			s.Disabled++
		} else {
			s.Available++
		}
		s.Usage = append(s.Usage, KeyUsage{
			Key:         anonymize(k.key),
			Failures:    k.failures,
			Successes:   k.successes,
			UsageCount:  k.usageCount,
			DisabledFor: disabledFor,
		})
	}
	return s
}

// AtRisk reports whether the pool looks close to exhaustion: more than half
// the keys disabled, or failures outnumbering successes.
func (p *Pool) AtRisk() bool {
	s := p.Stats()
	if s.Total == 0 {
		return true
	}
	if s.Available <= s.Total/2 {
		return true
	}
	var failures, successes int
	for _, u := range s.Usage {
		failures += u.Failures
		successes += u.Successes
	}
	return failures > successes
}

func (p *Pool) find(key string) *keyInfo {
	for _, k := range p.keys {
		if k.key == key {
			return k
		}
	}
	return nil
}

func anonymize(key string) string {
	if len(key) < 8 {
		return "****"
	}
	return key[:3] + "…" + key[len(key)-3:]
}
