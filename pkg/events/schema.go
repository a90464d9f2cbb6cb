package events

import (
	"sync"
)

// Definition describes one version of an event schema: the payload keys that
// must be present and the keys that may be. Extra keys are tolerated so that
// producers can evolve payloads additively without a version bump.
type Definition struct {
	Required []string
	Optional []string
}

// Registry maps (schema name, version) to a Definition. Validation is
// advisory: unknown schema names pass, and a failed check is reported to the
// caller but never blocks publication.
type Registry struct {
	mu      sync.RWMutex
	schemas map[string]map[int]Definition
}

// NewRegistry returns a registry seeded with the built-in procurement
// lifecycle schemas.
func NewRegistry() *Registry {
	r := &Registry{schemas: map[string]map[int]Definition{}}
	r.Register(string(TypePurchaseRequestCreated), 1, Definition{
		Required: []string{"tenant_id", "purchase_request_id", "status"},
		Optional: []string{"items_count"},
	})
	r.Register(string(TypePurchaseRequestCreated), 2, Definition{
		Required: []string{"tenant_id", "purchase_request_id", "status"},
		Optional: []string{"items_created"},
	})
	r.Register(string(TypeRfqCreated), 1, Definition{
		Required: []string{"tenant_id", "rfq_id"},
		Optional: []string{"title"},
	})
	r.Register(string(TypeRfqAwarded), 1, Definition{
		Required: []string{"tenant_id", "rfq_id", "award_id"},
	})
	r.Register(string(TypePurchaseOrderCreated), 1, Definition{
		Required: []string{"tenant_id", "purchase_order_id", "status"},
		Optional: []string{"source", "supplier_key"},
	})
	r.Register(string(TypePurchaseOrderCreated), 2, Definition{
		Required: []string{"tenant_id", "purchase_order_id", "status"},
		Optional: []string{"source", "supplier_key"},
	})
	r.Register(string(TypeErpOrderAccepted), 1, Definition{
		Required: []string{"tenant_id", "purchase_order_id", "sync_run_id"},
		Optional: []string{"external_id"},
	})
	r.Register(string(TypeErpOrderRejected), 1, Definition{
		Required: []string{"tenant_id", "purchase_order_id", "sync_run_id"},
		Optional: []string{"reason"},
	})
	return r
}

// Register adds or replaces a schema version.
func (r *Registry) Register(name string, version int, def Definition) {
	if name == "" || version < 1 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	versions, ok := r.schemas[name]
	if !ok {
		versions = map[int]Definition{}
		r.schemas[name] = versions
	}
	versions[version] = def
}

// LatestVersion reports the highest registered version of a schema, or 0 when
// the schema is unknown.
func (r *Registry) LatestVersion(name string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	latest := 0
	for v := range r.schemas[name] {
		if v > latest {
			latest = v
		}
	}
	return latest
}

// Validate checks an event payload against its declared schema version.
// Unknown schema names pass unconditionally so producers can introduce new
// events ahead of the registry. For a known schema, a required field that is
// absent or null fails validation, as does a version outside the supported
// set.
func (r *Registry) Validate(ev Event) (bool, []string) {
	r.mu.RLock()
	versions, ok := r.schemas[ev.SchemaName]
	if !ok {
		r.mu.RUnlock()
		return true, nil
	}
	def, ok := versions[ev.SchemaVersion]
	r.mu.RUnlock()
	if !ok {
		return false, nil
	}
	var missing []string
	for _, key := range def.Required {
		if v, present := ev.Payload[key]; !present || v == nil {
			missing = append(missing, key)
		}
	}
	return len(missing) == 0, missing
}
