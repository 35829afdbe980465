package versioning

import (
	"fmt"
	"sync"
)

// EventKind classifies version events.
type EventKind uint8

const (
	EventILVersionAdded EventKind = iota + 1
	EventNativeVersionAdded
	EventActiveILChanged
	EventActiveNativeChanged
	EventCodePublished
	EventTierChanged
)

func (k EventKind) String() string {
	switch k {
	case EventILVersionAdded:
		return "il-version-added"
	case EventNativeVersionAdded:
		return "native-version-added"
	case EventActiveILChanged:
		return "active-il-changed"
	case EventActiveNativeChanged:
		return "active-native-changed"
	case EventCodePublished:
		return "code-published"
	case EventTierChanged:
		return "tier-changed"
	}
	return fmt.Sprintf("event(%d)", uint8(k))
}

// Event describes one change to the version state.
type Event struct {
	Kind     EventKind
	Module   string
	Token    MethodToken
	Method   string // empty for IL-only events
	ReJITID  ReJITID
	NativeID NativeCodeVersionID
	Tier     OptimizationTier
	Code     CodeAddress
}

// Observer receives version events. Most events are delivered with the
// manager lock held, so observers must not block on it from another
// goroutine.
type Observer interface {
	OnVersionEvent(e Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(e Event)

func (f ObserverFunc) OnVersionEvent(e Event) { f(e) }

type observerList struct {
	mu        sync.RWMutex
	observers []Observer
}

func (l *observerList) add(o Observer) {
	l.mu.Lock()
	l.observers = append(l.observers, o)
	l.mu.Unlock()
}

func (l *observerList) notify(e Event) {
	l.mu.RLock()
	observers := l.observers
	l.mu.RUnlock()
	for _, o := range observers {
		o.OnVersionEvent(e)
	}
}

func nativeEvent(kind EventKind, v NativeCodeVersion) Event {
	return Event{
		Kind:     kind,
		Module:   v.method.Module().Name(),
		Token:    v.method.Token(),
		Method:   v.method.Name(),
		ReJITID:  v.ILCodeVersionID(),
		NativeID: v.VersionID(),
		Tier:     v.OptimizationTier(),
		Code:     v.NativeCode(),
	}
}

func ilEvent(kind EventKind, v ILCodeVersion) Event {
	e := Event{Kind: kind, Token: v.Token(), ReJITID: v.VersionID()}
	if v.Module() != nil {
		e.Module = v.Module().Name()
	}
	return e
}
