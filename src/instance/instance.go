package instance

import (
	"sync"

	"github.com/bluele/gcache"

	"github.com/sensocto/sensocto-go/src/interfaces"
)

// Instance carries the long-lived modules of the daemon. It is attached
// to the root context so that modules can reach each other without
// package-level globals. Fields are populated once during startup wiring
// and treated as read-only afterwards.
type Instance struct {
	WaitGroup sync.WaitGroup
	Cache     gcache.Cache

	EventDispatcher interfaces.Module
	Server          interfaces.Module

	Sampler          interfaces.Module
	NoveltyDetector  interfaces.Module
	Circadian        interfaces.Module
	Predictive       interfaces.Module
	Arbiter          interfaces.Module
	AttentionTracker interfaces.Module
	Tuner            interfaces.Module
	Priority         interfaces.Module
	DeliveryManager  interfaces.Module
	Ingest           interfaces.Module
	History          interfaces.Module
	MetricsCollector interfaces.Module
}
