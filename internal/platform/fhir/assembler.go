package fhir

import (
	"encoding/json"
	"fmt"
	"time"
)

// Instance is one resource under construction during a conversion run. The
// identity (Kind + ID) is assigned once at shell creation, before any
// attribute is evaluated, and never changes; it is what references and joins
// key on.
type Instance struct {
	Kind string
	ID   string

	attrs map[string]interface{}
}

// NewInstance creates an empty resource shell with a fixed identity.
func NewInstance(kind, id string) *Instance {
	return &Instance{Kind: kind, ID: id, attrs: make(map[string]interface{})}
}

// Put sets a single-valued attribute. The instance takes ownership of v.
func (i *Instance) Put(name string, v interface{}) {
	i.attrs[name] = v
}

// Append accumulates values into a list-valued attribute, preserving
// production order. A previously Put scalar is promoted to a list.
func (i *Instance) Append(name string, vals ...interface{}) {
	existing := i.attrs[name]
	var list []interface{}
	switch cur := existing.(type) {
	case nil:
	case []interface{}:
		list = cur
	default:
		list = []interface{}{cur}
	}
	i.attrs[name] = append(list, vals...)
}

// Attr returns the current value of an attribute, or nil.
func (i *Instance) Attr(name string) interface{} {
	return i.attrs[name]
}

// LocalRef returns the relative reference string for this instance.
func (i *Instance) LocalRef() string {
	return i.Kind + "/" + i.ID
}

// AsMap materializes the instance as a FHIR resource map.
func (i *Instance) AsMap() map[string]interface{} {
	out := make(map[string]interface{}, len(i.attrs)+2)
	for k, v := range i.attrs {
		out[k] = v
	}
	out["resourceType"] = i.Kind
	out["id"] = i.ID
	return out
}

// BundleBuilder accumulates resource instances for one conversion run:
// append-only while resources are being created, indexed by kind for later
// lookup by references and joins.
type BundleBuilder struct {
	order  []*Instance
	byKind map[string][]*Instance
}

func NewBundleBuilder() *BundleBuilder {
	return &BundleBuilder{byKind: make(map[string][]*Instance)}
}

// Register adds a completed instance to the bundle. Instances appear in the
// final bundle in registration order.
func (b *BundleBuilder) Register(inst *Instance) {
	b.order = append(b.order, inst)
	b.byKind[inst.Kind] = append(b.byKind[inst.Kind], inst)
}

// OfKind returns all registered instances of one resource kind, in
// registration order.
func (b *BundleBuilder) OfKind(kind string) []*Instance {
	return b.byKind[kind]
}

// Instances returns every registered instance in registration order.
func (b *BundleBuilder) Instances() []*Instance {
	return b.order
}

// Len returns the number of registered instances.
func (b *BundleBuilder) Len() int { return len(b.order) }

// Bundle materializes the finished collection bundle. Entry order is
// creation order; each entry carries a urn:uuid fullUrl derived from the
// instance identity.
func (b *BundleBuilder) Bundle(id string, timestamp time.Time) (*Bundle, error) {
	bundle := &Bundle{
		ResourceType: "Bundle",
		ID:           id,
		Type:         "collection",
		Timestamp:    &timestamp,
	}
	for _, inst := range b.order {
		raw, err := json.Marshal(inst.AsMap())
		if err != nil {
			return nil, fmt.Errorf("fhir: marshal %s: %w", inst.LocalRef(), err)
		}
		bundle.Entry = append(bundle.Entry, BundleEntry{
			FullURL:  "urn:uuid:" + inst.ID,
			Resource: raw,
		})
	}
	return bundle, nil
}
