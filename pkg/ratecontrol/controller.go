// Package ratecontrol keeps outbound traffic under the remote service's
// implicit per-class and aggregate request quotas.
package ratecontrol

import (
	"fmt"
	"sync"
	"time"

	"instaharvest/pkg/logger"
)

// Query classes with special quota treatment. Named GraphQL classes use
// their query hash or doc id as the class string.
const (
	// ClassGeneric covers requests that are neither GraphQL queries nor
	// mobile API calls.
	ClassGeneric = "other"
	// ClassMobile covers calls against the mobile API host.
	ClassMobile = "mobile"
)

const (
	// Sliding-window quotas observed on the remote service. The margin is
	// slightly wider than the window so a request issued right at the
	// boundary still clears it.
	perClassWindow = 660 * time.Second
	perClassMargin = 666 * time.Second
	genericQuota   = 75
	namedQuota     = 200

	aggregateWindow = 600 * time.Second
	aggregateQuota  = 275

	mobileWindow = 1800 * time.Second
	mobileMargin = 1818 * time.Second
	mobileQuota  = 199

	// Ledger entries older than this are dropped on every read.
	ledgerRetention = time.Hour

	// Delays above this are announced to the user.
	announceThreshold = 15 * time.Second
)

// Controller tracks per-class request history and computes throttling
// delays from several overlapping sliding-window quotas. It never fails;
// it only delays. One Controller belongs to exactly one session.
type Controller struct {
	mu        sync.Mutex
	ledger    map[string][]time.Time
	notBefore map[string]time.Time // penalty floors from 429s, keyed by surface
	logger    logger.Logger

	// injectable for tests
	now   func() time.Time
	sleep func(time.Duration)
}

// New creates a Controller with an empty ledger.
func New(log logger.Logger) *Controller {
	if log == nil {
		log = logger.GetLogger()
	}
	return &Controller{
		ledger:    make(map[string][]time.Time),
		notBefore: make(map[string]time.Time),
		logger:    log,
		now:       time.Now,
		sleep:     time.Sleep,
	}
}

// WaitBeforeQuery sleeps until the given query class is clear to dispatch,
// then records the request instant. The timestamp is recorded even when the
// call later fails; the remote service counted it either way.
func (c *Controller) WaitBeforeQuery(class string) {
	c.mu.Lock()
	now := c.now()
	delay := c.queryWaitTime(class, now, false)
	c.mu.Unlock()

	if delay > announceThreshold {
		c.logger.InfoWithFields("rate limit reached, waiting", map[string]interface{}{
			"class":     class,
			"wait":      formatDelay(delay),
			"resume_at": now.Add(delay).Format("15:04:05"),
		})
	}
	if delay > 0 {
		c.sleep(delay)
	}

	c.mu.Lock()
	c.ledger[class] = append(c.ledger[class], c.now())
	c.mu.Unlock()
}

// Handle429 reacts to a server-side rejection: it persists a penalty floor
// shared by every class on the same host surface, so later calls of any
// class keep respecting it, and sleeps it off.
func (c *Controller) Handle429(class string) {
	c.logger.Warn("Too many queries in the last time. The request will be retried once the penalty has passed.")

	c.mu.Lock()
	now := c.now()
	// The rejected request is counted as one untracked query on top of the
	// ledger when sizing the penalty.
	delay := c.queryWaitTime(class, now, true)
	c.notBefore[floorKey(class)] = now.Add(delay)
	c.mu.Unlock()

	c.logger.InfoWithFields("rate limit penalty", map[string]interface{}{
		"class":     class,
		"wait":      formatDelay(delay),
		"resume_at": now.Add(delay).Format("15:04:05"),
	})
	if delay > 0 {
		c.sleep(delay)
	}
}

// QueryWaitTime returns the delay the given class would have to wait before
// dispatching at instant now.
func (c *Controller) QueryWaitTime(class string, now time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queryWaitTime(class, now, false)
}

// queryWaitTime computes the maximum delay over all applicable quota
// constraints. Callers hold c.mu.
func (c *Controller) queryWaitTime(class string, now time.Time, untracked bool) time.Duration {
	c.prune(now)

	extra := 0
	if untracked {
		extra = 1
	}

	var delay time.Duration

	// Per-class quota over the class window.
	quota := namedQuota
	if class == ClassGeneric {
		quota = genericQuota
	}
	window, margin := perClassWindow, perClassMargin
	if class == ClassMobile {
		quota, window, margin = mobileQuota, mobileWindow, mobileMargin
	}
	inWindow := timestampsAfter(c.ledger[class], now.Add(-window))
	if len(inWindow)+extra >= quota && len(inWindow) > 0 {
		delay = max(delay, inWindow[0].Add(margin).Sub(now))
	}

	// Aggregate quota over all named (non-generic, non-mobile) classes.
	if class != ClassGeneric && class != ClassMobile {
		var all []time.Time
		for cls, stamps := range c.ledger {
			if cls == ClassGeneric || cls == ClassMobile {
				continue
			}
			all = append(all, timestampsAfter(stamps, now.Add(-aggregateWindow))...)
		}
		if len(all)+extra >= aggregateQuota && len(all) > 0 {
			delay = max(delay, oldest(all).Add(perClassMargin).Sub(now))
		}
	}

	// A 429 penalty outlives the call that triggered it and throttles the
	// whole surface, not just the rejected class.
	if floor, ok := c.notBefore[floorKey(class)]; ok {
		delay = max(delay, floor.Sub(now))
	}

	return max(delay, 0)
}

// floorKey maps a query class onto the penalty floor it shares. A rejection
// on the mobile host penalizes only mobile traffic; one anywhere else
// penalizes every web-surface class.
func floorKey(class string) string {
	if class == ClassMobile {
		return ClassMobile
	}
	return "web"
}

// prune drops ledger entries older than the retention horizon.
func (c *Controller) prune(now time.Time) {
	cutoff := now.Add(-ledgerRetention)
	for class, stamps := range c.ledger {
		i := 0
		for i < len(stamps) && stamps[i].Before(cutoff) {
			i++
		}
		if i > 0 {
			c.ledger[class] = append(stamps[:0:0], stamps[i:]...)
		}
	}
}

// timestampsAfter returns the suffix of stamps at or after cutoff. Stamps
// are appended in time order, so a linear scan from the front suffices.
func timestampsAfter(stamps []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(stamps) && stamps[i].Before(cutoff) {
		i++
	}
	return stamps[i:]
}

func oldest(stamps []time.Time) time.Time {
	out := stamps[0]
	for _, t := range stamps[1:] {
		if t.Before(out) {
			out = t
		}
	}
	return out
}

// formatDelay renders a delay as a human-readable estimate.
func formatDelay(d time.Duration) string {
	d = d.Round(time.Second)
	if d < time.Minute {
		return fmt.Sprintf("%d seconds", int(d.Seconds()))
	}
	return fmt.Sprintf("%d minutes %d seconds", int(d.Minutes()), int(d.Seconds())%60)
}
