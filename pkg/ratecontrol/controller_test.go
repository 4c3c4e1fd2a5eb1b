package ratecontrol

import (
	"testing"
	"time"

	"instaharvest/pkg/logger"
)

// fakeClock drives a Controller deterministically. Sleeping advances the
// clock instead of blocking.
type fakeClock struct {
	now   time.Time
	slept []time.Duration
}

func newTestController() (*Controller, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	c := New(logger.NewTestLogger())
	c.now = func() time.Time { return clock.now }
	c.sleep = func(d time.Duration) {
		clock.slept = append(clock.slept, d)
		clock.now = clock.now.Add(d)
	}
	return c, clock
}

func TestNoDelayOnEmptyLedger(t *testing.T) {
	c, clock := newTestController()

	if d := c.QueryWaitTime("gql:abc", clock.now); d != 0 {
		t.Errorf("Expected zero delay on empty ledger, got %v", d)
	}
	if d := c.QueryWaitTime(ClassGeneric, clock.now); d != 0 {
		t.Errorf("Expected zero delay for generic class, got %v", d)
	}
	if d := c.QueryWaitTime(ClassMobile, clock.now); d != 0 {
		t.Errorf("Expected zero delay for mobile class, got %v", d)
	}
}

func TestGenericQuotaDelay(t *testing.T) {
	c, clock := newTestController()

	// Fill the generic quota one second apart.
	for i := 0; i < genericQuota; i++ {
		c.WaitBeforeQuery(ClassGeneric)
		clock.now = clock.now.Add(time.Second)
	}
	if len(clock.slept) != 0 {
		t.Fatalf("Expected no sleeps while under quota, slept %v", clock.slept)
	}

	// The next request must wait until the oldest entry ages past the
	// margin.
	delay := c.QueryWaitTime(ClassGeneric, clock.now)
	if delay <= 0 {
		t.Fatal("Expected a positive delay at quota")
	}
	elapsed := time.Duration(genericQuota) * time.Second
	expected := perClassMargin - elapsed
	if delay != expected {
		t.Errorf("Expected delay %v, got %v", expected, delay)
	}
}

func TestWaitBeforeQuerySleepsAndRecords(t *testing.T) {
	c, clock := newTestController()

	for i := 0; i < genericQuota; i++ {
		c.WaitBeforeQuery(ClassGeneric)
	}
	c.WaitBeforeQuery(ClassGeneric)

	if len(clock.slept) != 1 {
		t.Fatalf("Expected exactly one sleep, got %d", len(clock.slept))
	}
	if clock.slept[0] != perClassMargin {
		t.Errorf("Expected sleep of %v, got %v", perClassMargin, clock.slept[0])
	}
	if got := len(c.ledger[ClassGeneric]); got != genericQuota+1 {
		t.Errorf("Expected %d ledger entries, got %d", genericQuota+1, got)
	}
}

func TestNamedClassUsesLargerQuota(t *testing.T) {
	c, clock := newTestController()

	// genericQuota requests would throttle the generic class, but a named
	// class has headroom up to namedQuota.
	for i := 0; i < genericQuota; i++ {
		c.WaitBeforeQuery("gql:abc")
	}
	if d := c.QueryWaitTime("gql:abc", clock.now); d != 0 {
		t.Errorf("Expected no delay below named quota, got %v", d)
	}

	for i := genericQuota; i < namedQuota; i++ {
		c.WaitBeforeQuery("gql:abc")
	}
	if d := c.QueryWaitTime("gql:abc", clock.now); d <= 0 {
		t.Error("Expected a delay at named quota")
	}
}

func TestAggregateQuotaAcrossNamedClasses(t *testing.T) {
	c, clock := newTestController()

	// Split the aggregate quota across two named classes so neither hits
	// its own ceiling.
	for i := 0; i < 150; i++ {
		c.WaitBeforeQuery("gql:abc")
	}
	for i := 0; i < aggregateQuota-150; i++ {
		c.WaitBeforeQuery("doc:123")
	}

	if d := c.QueryWaitTime("gql:abc", clock.now); d <= 0 {
		t.Error("Expected aggregate delay for a named class")
	}
	if d := c.QueryWaitTime("doc:other", clock.now); d <= 0 {
		t.Error("Expected aggregate delay for a fresh named class too")
	}
	// Generic and mobile traffic is exempt from the aggregate ceiling.
	if d := c.QueryWaitTime(ClassGeneric, clock.now); d != 0 {
		t.Errorf("Expected no aggregate delay for generic class, got %v", d)
	}
	if d := c.QueryWaitTime(ClassMobile, clock.now); d != 0 {
		t.Errorf("Expected no aggregate delay for mobile class, got %v", d)
	}
}

func TestMobileQuotaUsesLongWindow(t *testing.T) {
	c, clock := newTestController()

	for i := 0; i < mobileQuota; i++ {
		c.WaitBeforeQuery(ClassMobile)
	}

	delay := c.QueryWaitTime(ClassMobile, clock.now)
	if delay != mobileMargin {
		t.Errorf("Expected delay %v, got %v", mobileMargin, delay)
	}
}

func TestWindowSlides(t *testing.T) {
	c, clock := newTestController()

	for i := 0; i < genericQuota; i++ {
		c.WaitBeforeQuery(ClassGeneric)
	}
	if d := c.QueryWaitTime(ClassGeneric, clock.now); d <= 0 {
		t.Fatal("Expected a delay at quota")
	}

	// Once the margin has passed the class is clear again.
	later := clock.now.Add(perClassMargin)
	if d := c.QueryWaitTime(ClassGeneric, later); d != 0 {
		t.Errorf("Expected no delay after the window slid, got %v", d)
	}
}

func TestHandle429PersistsPenaltyFloor(t *testing.T) {
	c, clock := newTestController()

	// One short of quota, so the untracked rejected request tips it over.
	for i := 0; i < genericQuota-1; i++ {
		c.WaitBeforeQuery(ClassGeneric)
	}
	before := clock.now
	c.Handle429(ClassGeneric)

	if len(clock.slept) != 1 {
		t.Fatalf("Expected the penalty to be slept off, got %d sleeps", len(clock.slept))
	}
	floor, ok := c.notBefore[floorKey(ClassGeneric)]
	if !ok {
		t.Fatal("Expected a penalty floor to be recorded")
	}
	if !floor.After(before) {
		t.Error("Expected the penalty floor to lie in the future")
	}
	// A later call mid-penalty still waits for the floor.
	mid := before.Add(time.Second)
	if d := c.QueryWaitTime(ClassGeneric, mid); d != floor.Sub(mid) {
		t.Errorf("Expected delay up to the floor, got %v", d)
	}
}

func TestPenaltyFloorSpansWebClasses(t *testing.T) {
	c, clock := newTestController()

	// One short of the named quota, so the untracked rejected request tips
	// it over and produces a real penalty.
	for i := 0; i < namedQuota-1; i++ {
		c.WaitBeforeQuery("gql:abc")
	}
	before := clock.now
	c.Handle429("gql:abc")

	floor, ok := c.notBefore[floorKey("gql:abc")]
	if !ok {
		t.Fatal("Expected a penalty floor to be recorded")
	}
	mid := before.Add(time.Second)

	// Every web-surface class waits out the floor, not just the rejected
	// one.
	for _, class := range []string{"gql:abc", "doc:123", ClassGeneric} {
		if d := c.QueryWaitTime(class, mid); d != floor.Sub(mid) {
			t.Errorf("Expected class %q to wait %v, got %v", class, floor.Sub(mid), d)
		}
	}
	// The mobile host has its own floor and stays clear.
	if d := c.QueryWaitTime(ClassMobile, mid); d != 0 {
		t.Errorf("Expected no mobile delay, got %v", d)
	}
}

func TestHandle429OnQuietClass(t *testing.T) {
	c, clock := newTestController()

	c.Handle429("gql:abc")

	// Nothing in the ledger, so there is no window evidence to wait on.
	if len(clock.slept) != 0 {
		t.Errorf("Expected no sleep for a quiet class, got %v", clock.slept)
	}
}

func TestPruneDropsOldEntries(t *testing.T) {
	c, clock := newTestController()

	c.WaitBeforeQuery(ClassGeneric)
	clock.now = clock.now.Add(ledgerRetention + time.Minute)
	c.WaitBeforeQuery(ClassGeneric)

	if got := len(c.ledger[ClassGeneric]); got != 1 {
		t.Errorf("Expected stale entries to be pruned, ledger has %d", got)
	}
}

func TestFormatDelay(t *testing.T) {
	if got := formatDelay(42 * time.Second); got != "42 seconds" {
		t.Errorf("Unexpected format: %s", got)
	}
	if got := formatDelay(11*time.Minute + 6*time.Second); got != "11 minutes 6 seconds" {
		t.Errorf("Unexpected format: %s", got)
	}
}
