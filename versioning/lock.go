package versioning

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/petermattis/goid"
	"github.com/sasha-s/go-deadlock"
)

// ReentrantLock is a mutex that the owning goroutine may acquire again
// without blocking. It is released when every Lock has been matched by an
// Unlock.
type ReentrantLock struct {
	mu    sync.Locker
	id    func() int64
	owner atomic.Int64
	depth int
}

// noOwner is never a valid goroutine id.
const noOwner = -1

var (
	deadlockOptsOnce sync.Once
	fastIDOnce       sync.Once
	fastID           func() int64
)

// stackGoroutineID parses the id out of the stack header. Slow but
// independent of the runtime's g layout.
func stackGoroutineID() int64 {
	var buf [64]byte
	return goid.ExtractGID(buf[:runtime.Stack(buf[:], false)])
}

// goroutineIDsAgree reports whether id matches the stack header on this
// goroutine and on a fresh one.
func goroutineIDsAgree(id func() int64) bool {
	check := func() bool {
		got := id()
		return got > 0 && got == stackGoroutineID()
	}
	other := make(chan bool, 1)
	go func() { other <- check() }()
	return check() && <-other
}

// verifiedIDSource returns id when it tells goroutines apart, and the stack
// parser otherwise.
func verifiedIDSource(id func() int64) func() int64 {
	if goroutineIDsAgree(id) {
		return id
	}
	log.Warning("goroutine id source disagrees with runtime stack; using slow path")
	return stackGoroutineID
}

func defaultIDSource() func() int64 {
	fastIDOnce.Do(func() {
		fastID = verifiedIDSource(goid.Get)
	})
	return fastID
}

// NewReentrantLock creates an unlocked lock. With detectDeadlocks the inner
// mutex records lock ordering; the hold-time watchdog stays disabled since
// the lock may be held across client callbacks for as long as they take.
func NewReentrantLock(detectDeadlocks bool) *ReentrantLock {
	return newReentrantLock(detectDeadlocks, defaultIDSource())
}

func newReentrantLock(detectDeadlocks bool, id func() int64) *ReentrantLock {
	l := &ReentrantLock{id: id}
	l.owner.Store(noOwner)
	if !detectDeadlocks {
		l.mu = &sync.Mutex{}
		return l
	}
	deadlockOptsOnce.Do(func() {
		deadlock.Opts.DeadlockTimeout = 0
	})
	l.mu = &deadlock.Mutex{}
	return l
}

// Lock acquires the lock, blocking unless the calling goroutine already
// owns it.
func (l *ReentrantLock) Lock() {
	id := l.id()
	if l.owner.Load() == id {
		l.depth++
		return
	}
	l.mu.Lock()
	l.owner.Store(id)
	l.depth = 1
}

// Unlock releases one level of ownership. Unlocking a lock the caller does
// not own panics.
func (l *ReentrantLock) Unlock() {
	if l.owner.Load() != l.id() {
		panic("versioning: unlock of lock not owned by this goroutine")
	}
	l.depth--
	if l.depth > 0 {
		return
	}
	l.owner.Store(noOwner)
	l.mu.Unlock()
}

// OwnedByCurrentGoroutine reports whether the caller holds the lock.
func (l *ReentrantLock) OwnedByCurrentGoroutine() bool {
	return l.owner.Load() == l.id()
}

// LockHolder is a scoped acquisition of the manager lock:
//
//	defer m.EnterLock().Release()
type LockHolder struct {
	lock *ReentrantLock
}

// Release gives up the acquisition.
func (h LockHolder) Release() {
	h.lock.Unlock()
}
