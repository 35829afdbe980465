package tiering

import (
	"sync"
	"sync/atomic"

	"github.com/chazu/codever/versioning"
)

// DefaultCallCountThreshold is the number of Tier0 calls after which a
// method is promoted.
const DefaultCallCountThreshold = 30

// callCount holds the counting state of a single method.
type callCount struct {
	calls atomic.Uint64
	hot   atomic.Bool
}

// CallCounter counts calls to methods running Tier0 code and reports each
// method exactly once when it crosses Threshold.
type CallCounter struct {
	counts sync.Map // versioning.Method -> *callCount

	Threshold uint64

	// OnHot is called, on the calling goroutine, by the call that makes a
	// method hot.
	OnHot func(method versioning.Method)
}

// NewCallCounter creates a counter. A zero threshold selects
// DefaultCallCountThreshold.
func NewCallCounter(threshold uint64) *CallCounter {
	if threshold == 0 {
		threshold = DefaultCallCountThreshold
	}
	return &CallCounter{Threshold: threshold}
}

// RecordCall counts one call of method. It returns true if this call made
// the method hot.
func (c *CallCounter) RecordCall(method versioning.Method) bool {
	if method == nil {
		return false
	}
	val, _ := c.counts.LoadOrStore(method, &callCount{})
	cc := val.(*callCount)

	if cc.calls.Add(1) < c.Threshold {
		return false
	}
	if !cc.hot.CompareAndSwap(false, true) {
		return false
	}
	if c.OnHot != nil {
		c.OnHot(method)
	}
	return true
}

// Count returns the number of calls recorded for method.
func (c *CallCounter) Count(method versioning.Method) uint64 {
	if val, ok := c.counts.Load(method); ok {
		return val.(*callCount).calls.Load()
	}
	return 0
}

// IsHot reports whether method has crossed the threshold.
func (c *CallCounter) IsHot(method versioning.Method) bool {
	if val, ok := c.counts.Load(method); ok {
		return val.(*callCount).hot.Load()
	}
	return false
}

// Reset forgets method, so that it is counted again from zero. Hosts call
// it when the method is unloaded.
func (c *CallCounter) Reset(method versioning.Method) {
	c.counts.Delete(method)
}

// HotMethods returns every method that has crossed the threshold.
func (c *CallCounter) HotMethods() []versioning.Method {
	var hot []versioning.Method
	c.counts.Range(func(key, value any) bool {
		if value.(*callCount).hot.Load() {
			hot = append(hot, key.(versioning.Method))
		}
		return true
	})
	return hot
}

// CallCounterStats holds aggregate counting statistics.
type CallCounterStats struct {
	Methods    int    // methods with at least one call
	HotMethods int    // methods past the threshold
	Calls      uint64 // total recorded calls
}

// Stats returns aggregate counting statistics.
func (c *CallCounter) Stats() CallCounterStats {
	var stats CallCounterStats
	c.counts.Range(func(_, value any) bool {
		cc := value.(*callCount)
		stats.Methods++
		stats.Calls += cc.calls.Load()
		if cc.hot.Load() {
			stats.HotMethods++
		}
		return true
	})
	return stats
}
