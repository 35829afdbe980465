package tiering

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/tliron/commonlog"

	"github.com/chazu/codever/versioning"
)

var log = commonlog.GetLogger("codever.tiering")

// ErrNoPatchpoint is returned by RequestOSR without patchpoint info.
var ErrNoPatchpoint = errors.New("tiering: OSR request has no patchpoint info")

// Options configures a Compiler.
type Options struct {
	CallCountThreshold uint64 // 0 selects DefaultCallCountThreshold
	Workers            int    // background tier-up workers, default 1
	QueueSize          int    // pending promotions, default 100
}

// Compiler promotes hot methods to Tier1 in the background.
type Compiler struct {
	mgr     *versioning.CodeVersionManager
	counter *CallCounter

	// Promotion queue for background processing
	pending chan versioning.Method
	done    chan struct{}
	wg      sync.WaitGroup

	mu      sync.Mutex
	queued  map[versioning.Method]bool
	stopped bool

	// Statistics
	promoted    atomic.Uint64
	osrVersions atomic.Uint64
	dropped     atomic.Uint64
	failures    atomic.Uint64
}

// NewCompiler creates a Compiler for mgr and starts its workers.
func NewCompiler(mgr *versioning.CodeVersionManager, opts Options) *Compiler {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 100
	}
	c := &Compiler{
		mgr:     mgr,
		counter: NewCallCounter(opts.CallCountThreshold),
		pending: make(chan versioning.Method, opts.QueueSize),
		done:    make(chan struct{}),
		queued:  make(map[versioning.Method]bool),
	}
	c.counter.OnHot = func(method versioning.Method) {
		c.queue(method)
	}

	for i := 0; i < opts.Workers; i++ {
		c.wg.Add(1)
		go c.worker()
	}
	return c
}

// Counter returns the call counter feeding this compiler.
func (c *Compiler) Counter() *CallCounter {
	return c.counter
}

// RecordCall counts a call of method if it is running Tier0 code. A
// method that is already hot but back on Tier0 code, as after a rejit, is
// queued again.
func (c *Compiler) RecordCall(method versioning.Method) {
	nv := c.mgr.GetActiveNativeCodeVersion(method)
	if nv.IsNull() || nv.OptimizationTier() != versioning.Tier0 {
		return
	}
	if !c.counter.RecordCall(method) && c.counter.IsHot(method) {
		c.queue(method)
	}
}

// queue adds method to the promotion queue unless it is already there or
// the queue is full.
func (c *Compiler) queue(method versioning.Method) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped || c.queued[method] {
		return false
	}
	select {
	case c.pending <- method:
		c.queued[method] = true
		return true
	default:
		// Queue full; the method stays hot and is not counted again.
		c.dropped.Add(1)
		log.Debugf("tier-up queue full, dropping %s", method.Name())
		return false
	}
}

func (c *Compiler) worker() {
	defer c.wg.Done()
	for {
		select {
		case method := <-c.pending:
			c.promoteQueued(method)
		case <-c.done:
			for {
				select {
				case method := <-c.pending:
					c.promoteQueued(method)
				default:
					return
				}
			}
		}
	}
}

func (c *Compiler) promoteQueued(method versioning.Method) {
	if nv := c.mgr.GetActiveNativeCodeVersion(method); nv.IsNull() || nv.OptimizationTier() == versioning.Tier0 {
		c.promoteLogged(method)
	}
	c.mu.Lock()
	delete(c.queued, method)
	c.mu.Unlock()
}

func (c *Compiler) promoteLogged(method versioning.Method) {
	if _, err := c.Promote(method); err != nil {
		c.failures.Add(1)
		log.Errorf("tier-up of %s failed: %s", method.Name(), err)
	}
}

// Promote makes a Tier1 version the active child of method's active IL
// version and publishes it. It returns the existing version if the method
// is already past Tier0.
func (c *Compiler) Promote(method versioning.Method) (versioning.NativeCodeVersion, error) {
	if !c.mgr.IsMethodSupported(method) {
		return versioning.NativeCodeVersion{}, fmt.Errorf("%w: %s", versioning.ErrUnsupportedMethod, method.Name())
	}

	nv, err := c.tier1Version(method)
	if err != nil {
		return versioning.NativeCodeVersion{}, err
	}
	alreadyActive := nv.IsActiveChild()
	if err := c.mgr.SetActiveNativeCodeVersion(nv); err != nil {
		return versioning.NativeCodeVersion{}, err
	}
	res, err := c.mgr.PublishVersionableCodeIfNecessary(method, versioning.CallerModeIndirect)
	if err != nil {
		return versioning.NativeCodeVersion{}, err
	}
	if alreadyActive {
		return res.Version, nil
	}

	c.promoted.Add(1)
	log.Debugf("promoted %s to %s at %#x (backpatch %s)", method.Name(), res.Version, uintptr(res.Code), res.Backpatch)
	return res.Version, nil
}

// tier1Version finds or adds the Tier1 child of method's active IL version.
func (c *Compiler) tier1Version(method versioning.Method) (versioning.NativeCodeVersion, error) {
	defer c.mgr.EnterLock().Release()
	il := c.mgr.GetActiveILCodeVersion(method)
	for nv := range c.mgr.NativeCodeVersionsForIL(method, il).All() {
		if nv.OptimizationTier() == versioning.Tier1 {
			return nv, nil
		}
	}
	return c.mgr.AddNativeCodeVersion(il, method, versioning.Tier1, nil, 0)
}

// RequestOSR returns code that a Tier0 frame of method can jump into at
// ilOffset. OSR versions are never the active child; an existing version
// for the same offset is reused.
func (c *Compiler) RequestOSR(method versioning.Method, patchpoint *versioning.PatchpointInfo, ilOffset uint32) (versioning.CodeAddress, error) {
	if patchpoint == nil {
		return 0, ErrNoPatchpoint
	}
	nv, err := c.osrVersion(method, patchpoint, ilOffset)
	if err != nil {
		return 0, err
	}
	code, err := c.mgr.EnsureNativeCode(nv)
	if err != nil {
		return 0, err
	}
	log.Debugf("OSR version %s of %s at offset %d: %#x", nv, method.Name(), ilOffset, uintptr(code))
	return code, nil
}

func (c *Compiler) osrVersion(method versioning.Method, patchpoint *versioning.PatchpointInfo, ilOffset uint32) (versioning.NativeCodeVersion, error) {
	defer c.mgr.EnterLock().Release()
	il := c.mgr.GetActiveILCodeVersion(method)
	for nv := range c.mgr.NativeCodeVersionsForIL(method, il).All() {
		if nv.OptimizationTier() != versioning.Tier1OSR {
			continue
		}
		if _, off, ok := nv.OSRInfo(); ok && off == ilOffset {
			return nv, nil
		}
	}
	nv, err := c.mgr.AddNativeCodeVersion(il, method, versioning.Tier1OSR, patchpoint, ilOffset)
	if err == nil {
		c.osrVersions.Add(1)
	}
	return nv, err
}

// Stats holds tiering statistics.
type Stats struct {
	Promoted    uint64
	OSRVersions uint64
	Dropped     uint64
	Failures    uint64
	QueueLength int
	Counter     CallCounterStats
}

// Stats returns tiering statistics.
func (c *Compiler) Stats() Stats {
	return Stats{
		Promoted:    c.promoted.Load(),
		OSRVersions: c.osrVersions.Load(),
		Dropped:     c.dropped.Load(),
		Failures:    c.failures.Load(),
		QueueLength: len(c.pending),
		Counter:     c.counter.Stats(),
	}
}

// Stop stops accepting promotions, finishes the queued ones and waits for
// the workers to exit. It is safe to call more than once.
func (c *Compiler) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.mu.Unlock()

	close(c.done)
	c.wg.Wait()
}
