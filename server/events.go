package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	apiv1 "github.com/chazu/codever/api/v1"
	"github.com/chazu/codever/versioning"
)

const (
	eventBuffer  = 256
	writeTimeout = 5 * time.Second
)

// EventHub fans version events out to websocket subscribers. It is a
// versioning.Observer; a subscriber that falls behind loses events rather
// than stalling the manager.
type EventHub struct {
	mu      sync.Mutex
	subs    map[chan apiv1.Event]struct{}
	dropped uint64
}

// NewEventHub creates an event hub with no subscribers.
func NewEventHub() *EventHub {
	return &EventHub{subs: make(map[chan apiv1.Event]struct{})}
}

// OnVersionEvent implements versioning.Observer.
func (h *EventHub) OnVersionEvent(e versioning.Event) {
	msg := apiv1.Event{
		Kind:     e.Kind.String(),
		Module:   e.Module,
		Token:    uint32(e.Token),
		Method:   e.Method,
		ReJITID:  uint64(e.ReJITID),
		NativeID: uint32(e.NativeID),
		Tier:     e.Tier.String(),
		Code:     uint64(e.Code),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- msg:
		default:
			h.dropped++
		}
	}
}

func (h *EventHub) subscribe() chan apiv1.Event {
	ch := make(chan apiv1.Event, eventBuffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *EventHub) unsubscribe(ch chan apiv1.Event) {
	h.mu.Lock()
	delete(h.subs, ch)
	h.mu.Unlock()
}

// Subscribers returns the number of connected subscribers.
func (h *EventHub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Dropped returns the number of events lost to slow subscribers.
func (h *EventHub) Dropped() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServeHTTP upgrades the request to a websocket and streams events as
// binary CBOR messages until the client goes away.
func (h *EventHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warningf("event stream upgrade: %v", err)
		return
	}
	defer ws.Close()

	ch := h.subscribe()
	defer h.unsubscribe(ch)

	// The read loop only notices the close; clients never send.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	codec := apiv1.Codec{}
	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case e := <-ch:
			data, err := codec.Marshal(&e)
			if err != nil {
				log.Errorf("event stream: %v", err)
				continue
			}
			ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
				return
			}
		}
	}
}
