package events

import "sync"

// Upcaster rewrites an event from one schema version to the next. Upcasters
// run at read time so stored history stays immutable while consumers only
// ever see the latest shape.
type Upcaster func(Event) Event

type upcastKey struct {
	schema  string
	version int
}

// UpcasterChain holds per-(schema, version) upcasters and applies them in
// sequence until no step matches.
type UpcasterChain struct {
	mu    sync.RWMutex
	steps map[upcastKey]Upcaster
}

// NewUpcasterChain returns a chain seeded with the built-in migrations.
func NewUpcasterChain() *UpcasterChain {
	c := &UpcasterChain{steps: map[upcastKey]Upcaster{}}
	c.Register(string(TypePurchaseRequestCreated), 1, upcastPurchaseRequestCreatedV1)
	return c
}

// Register installs the upcaster that lifts schema/version to version+1.
func (c *UpcasterChain) Register(schema string, version int, fn Upcaster) {
	if schema == "" || version < 1 || fn == nil {
		return
	}
	c.mu.Lock()
	c.steps[upcastKey{schema, version}] = fn
	c.mu.Unlock()
}

// Apply walks the chain from the event's current version upward. Each step
// must advance the version or the walk stops, so a misbehaving upcaster
// cannot loop the chain.
func (c *UpcasterChain) Apply(ev Event) Event {
	for {
		c.mu.RLock()
		fn, ok := c.steps[upcastKey{ev.SchemaName, ev.SchemaVersion}]
		c.mu.RUnlock()
		if !ok {
			return ev
		}
		next := fn(ev)
		if next.SchemaVersion <= ev.SchemaVersion {
			return next
		}
		ev = next
	}
}

// upcastPurchaseRequestCreatedV1 lifts v1 payloads to v2: items_count was
// renamed to items_created.
func upcastPurchaseRequestCreatedV1(ev Event) Event {
	payload := make(map[string]any, len(ev.Payload))
	for k, v := range ev.Payload {
		payload[k] = v
	}
	if _, has := payload["items_created"]; !has {
		if count, ok := payload["items_count"]; ok {
			payload["items_created"] = count
		} else {
			payload["items_created"] = 0
		}
	}
	delete(payload, "items_count")
	ev.Payload = payload
	return ev.WithSchema(ev.SchemaName, 2)
}
