package engine

import (
	"log/slog"
	"time"

	"github.com/bluesky-social/warden/automod/actuator"
	"github.com/bluesky-social/warden/automod/countstore"
	"github.com/bluesky-social/warden/automod/dedupe"
	"github.com/bluesky-social/warden/automod/keylock"
	"github.com/bluesky-social/warden/automod/ledger"
	"github.com/bluesky-social/warden/automod/notify"
	"github.com/bluesky-social/warden/automod/policy"
)

// Policy used by EngineTestFixture.
var TestPolicyYAML = []byte(`
version: "fixture-1"
tiers:
  minor:
    half_life_days: 30
    categories:
      profanity:
        phrases: ["heck", "darn"]
    thresholds:
      - weight: 3
        action: warn
  moderate:
    half_life_days: 90
    categories:
      insult:
        phrases: ["idiot", "moron"]
    thresholds:
      - weight: 1
        action: warn
      - weight: 3
        action: timeout
        duration: 5m
      - weight: 5
        action: timeout
        duration: 24h
  severe:
    half_life_days: 180
    categories:
      harassment:
        phrases: ["go away forever"]
    thresholds:
      - weight: 1
        action: kick
      - weight: 2
        action: ban
        duration: 168h
  extreme:
    permanent_categories: ["hate", "threat"]
    categories:
      hate:
        phrases: ["hate group"]
      threat:
        phrases: ["i will find you"]
      gore:
        phrases: ["gore link"]
    thresholds:
      - weight: 2
        action: ban
`)

// In-memory engine wiring with handles on the test doubles.
type TestFixture struct {
	Engine   *Engine
	Store    *ledger.MemStore
	Actuator *actuator.MockActuator
	Audit    *notify.CaptureNotifier
	Counters *countstore.MemCountStore
}

func EngineTestFixture() TestFixture {
	p, err := policy.Parse(TestPolicyYAML)
	if err != nil {
		panic(err)
	}
	store := ledger.NewMemStore()
	act := actuator.NewMockActuator()
	audit := notify.NewCaptureNotifier()
	counters := countstore.NewMemCountStore()
	eng := &Engine{
		Logger:          slog.Default(),
		Store:           store,
		Locks:           keylock.NewTable[ledger.Key](),
		Policy:          policy.NewHolder(p),
		Actuator:        act,
		Notifier:        audit,
		Counters:        counters,
		Dedupe:          dedupe.NewMemStore(1000, time.Hour),
		ActuatorTimeout: time.Second,
	}
	return TestFixture{
		Engine:   eng,
		Store:    store,
		Actuator: act,
		Audit:    audit,
		Counters: counters,
	}
}
