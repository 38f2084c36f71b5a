package throttle_test

import (
	"testing"

	"github.com/emberhollow/worldqueue/throttle"
)

func TestUnconfiguredTypeIsUnlimited(t *testing.T) {
	l := throttle.NewLimiter()
	for i := 0; i < 100; i++ {
		if !l.Acquire("world.civic_stats") {
			t.Fatal("unconfigured work type should never be throttled")
		}
	}
}

func TestMaxConcurrency(t *testing.T) {
	l := throttle.NewLimiter(throttle.Config{
		WorkType:       "world.market_pricing",
		MaxConcurrency: 2,
	})

	if !l.Acquire("world.market_pricing") || !l.Acquire("world.market_pricing") {
		t.Fatal("first two acquires should succeed")
	}
	if l.Acquire("world.market_pricing") {
		t.Error("third acquire should be rejected at MaxConcurrency 2")
	}

	l.Release("world.market_pricing")
	if !l.Acquire("world.market_pricing") {
		t.Error("acquire should succeed after release")
	}
}

func TestRateLimit(t *testing.T) {
	l := throttle.NewLimiter(throttle.Config{
		WorkType:  "world.dominion_turn",
		RateLimit: 1, // 1/s with default burst 1
	})

	if !l.Acquire("world.dominion_turn") {
		t.Fatal("first acquire should consume the burst token")
	}
	if l.Acquire("world.dominion_turn") {
		t.Error("second immediate acquire should be rate limited")
	}
}

func TestRateLimitBurst(t *testing.T) {
	l := throttle.NewLimiter(throttle.Config{
		WorkType:  "world.persona_action",
		RateLimit: 1,
		RateBurst: 3,
	})

	for i := 0; i < 3; i++ {
		if !l.Acquire("world.persona_action") {
			t.Fatalf("acquire %d should fit in burst of 3", i)
		}
	}
	if l.Acquire("world.persona_action") {
		t.Error("burst exhausted, acquire should be rejected")
	}
}

func TestConcurrencyRejectionKeepsRateToken(t *testing.T) {
	l := throttle.NewLimiter(throttle.Config{
		WorkType:       "world.market_pricing",
		MaxConcurrency: 1,
		RateLimit:      0.001, // effectively no refill during the test
		RateBurst:      2,
	})

	if !l.Acquire("world.market_pricing") {
		t.Fatal("first acquire should succeed")
	}
	// Rejected on the concurrency cap; the second burst token must
	// survive for the next acquire.
	if l.Acquire("world.market_pricing") {
		t.Fatal("second acquire should be rejected at MaxConcurrency 1")
	}

	l.Release("world.market_pricing")
	if !l.Acquire("world.market_pricing") {
		t.Error("acquire after release should spend the preserved token")
	}
}

func TestTypesAreIndependent(t *testing.T) {
	l := throttle.NewLimiter(throttle.Config{
		WorkType:       "world.market_pricing",
		MaxConcurrency: 1,
	})

	if !l.Acquire("world.market_pricing") {
		t.Fatal("first acquire should succeed")
	}
	if !l.Acquire("world.civic_stats") {
		t.Error("other work types should be unaffected")
	}
}

func TestSetConfigPreservesActive(t *testing.T) {
	l := throttle.NewLimiter(throttle.Config{
		WorkType:       "world.market_pricing",
		MaxConcurrency: 1,
	})
	l.Acquire("world.market_pricing")

	l.SetConfig(throttle.Config{
		WorkType:       "world.market_pricing",
		MaxConcurrency: 2,
	})

	if got := l.ActiveCount("world.market_pricing"); got != 1 {
		t.Errorf("ActiveCount = %d, want 1 after reconfigure", got)
	}
	if !l.Acquire("world.market_pricing") {
		t.Error("raised limit should admit another item")
	}
	if l.Acquire("world.market_pricing") {
		t.Error("new limit of 2 should now be full")
	}
}

func TestReleaseNeverGoesNegative(t *testing.T) {
	l := throttle.NewLimiter(throttle.Config{
		WorkType:       "world.civic_stats",
		MaxConcurrency: 1,
	})
	l.Release("world.civic_stats")
	l.Release("world.civic_stats")

	if got := l.ActiveCount("world.civic_stats"); got != 0 {
		t.Errorf("ActiveCount = %d, want 0", got)
	}
}
