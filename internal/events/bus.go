package events

import (
	"io"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// Change is published after a mutation commits.
type Change struct {
	EventID    int64        `json:"event_id"`
	Type       string       `json:"type"`
	EntityKind string       `json:"entity_kind"`
	EntityID   string       `json:"entity_id,omitempty"`
	ActorID    string       `json:"actor_id"`
	TS         string       `json:"ts"`
	Payload    EventPayload `json:"payload,omitempty"`
}

type Handler func(Change)

// Bus fans committed changes out to in-process subscribers. Handlers run
// synchronously in subscription order; a panicking handler is logged and
// skipped.
type Bus struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[int]subscription
	log      logrus.FieldLogger
}

type subscription struct {
	kinds   map[string]struct{}
	handler Handler
}

func NewBus(log logrus.FieldLogger) *Bus {
	if log == nil {
		nop := logrus.New()
		nop.Out = io.Discard
		log = nop
	}
	return &Bus{handlers: map[int]subscription{}, log: log}
}

// Subscribe registers a handler for the given entity kinds (all kinds when
// none are given) and returns a function removing it.
func (b *Bus) Subscribe(h Handler, entityKinds ...string) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	sub := subscription{handler: h}
	if len(entityKinds) > 0 {
		sub.kinds = make(map[string]struct{}, len(entityKinds))
		for _, k := range entityKinds {
			sub.kinds[k] = struct{}{}
		}
	}
	b.handlers[id] = sub
	return func() {
		b.mu.Lock()
		delete(b.handlers, id)
		b.mu.Unlock()
	}
}

func (b *Bus) Publish(changes ...Change) {
	if b == nil {
		return
	}
	b.mu.RLock()
	ids := make([]int, 0, len(b.handlers))
	for id := range b.handlers {
		ids = append(ids, id)
	}
	subs := make([]subscription, 0, len(ids))
	sort.Ints(ids)
	for _, id := range ids {
		subs = append(subs, b.handlers[id])
	}
	b.mu.RUnlock()

	for _, c := range changes {
		for _, sub := range subs {
			if sub.kinds != nil {
				if _, ok := sub.kinds[c.EntityKind]; !ok {
					continue
				}
			}
			b.deliver(sub.handler, c)
		}
	}
}

func (b *Bus) deliver(h Handler, c Change) {
	defer func() {
		if r := recover(); r != nil {
			b.log.WithFields(logrus.Fields{
				"event": c.Type,
				"panic": r,
			}).Error("change handler panicked")
		}
	}()
	h(c)
}

