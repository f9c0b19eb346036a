// Package registry holds the set of deployed model versions. A Registry is
// assembled once through a Builder and is read-only afterwards, so lookups
// take no locks.
package registry

import (
	"fmt"
	"sort"
	"strings"

	"github.com/vita-cdss/cdss-core/internal/domain"
)

// Entry pairs a model descriptor with the adapter that serves it.
type Entry struct {
	Descriptor domain.ModelDescriptor
	Model      domain.Model
}

// Builder accumulates registrations before the registry is frozen.
type Builder struct {
	entries []Entry
	keys    map[string]bool
	built   bool
}

// NewBuilder creates an empty builder
func NewBuilder() *Builder {
	return &Builder{keys: make(map[string]bool)}
}

// Register appends a model version. Registering an existing (id, version)
// pair or an invalid descriptor is an error.
func (b *Builder) Register(desc domain.ModelDescriptor, model domain.Model) error {
	if b.built {
		return fmt.Errorf("registry is already built")
	}
	if model == nil {
		return fmt.Errorf("model %s: adapter is required", desc.Key())
	}
	if err := desc.Validate(); err != nil {
		return err
	}
	if b.keys[desc.Key()] {
		return fmt.Errorf("model %s is already registered", desc.Key())
	}
	b.keys[desc.Key()] = true
	b.entries = append(b.entries, Entry{Descriptor: desc.Clone(), Model: model})
	return nil
}

// Build freezes the registrations. The builder cannot be used afterwards.
func (b *Builder) Build() *Registry {
	b.built = true
	r := &Registry{
		entries: b.entries,
		byKey:   make(map[string]int, len(b.entries)),
		latest:  make(map[string]int),
	}
	for i, e := range b.entries {
		r.byKey[e.Descriptor.Key()] = i
		r.latest[e.Descriptor.ID] = i
	}
	return r
}

// Registry is an immutable set of model versions.
type Registry struct {
	entries []Entry
	byKey   map[string]int
	latest  map[string]int
}

func (r *Registry) entry(i int) Entry {
	e := r.entries[i]
	return Entry{Descriptor: e.Descriptor.Clone(), Model: e.Model}
}

// Lookup returns the most recently registered version of id.
func (r *Registry) Lookup(id string) (Entry, error) {
	i, ok := r.latest[id]
	if !ok {
		return Entry{}, domain.WrapError(domain.ErrCodeModelNotFound, "model not found", fmt.Errorf("id %s", id))
	}
	return r.entry(i), nil
}

// LookupVersion returns one specific model version
func (r *Registry) LookupVersion(id, version string) (Entry, error) {
	i, ok := r.byKey[id+"@"+version]
	if !ok {
		return Entry{}, domain.WrapError(domain.ErrCodeModelNotFound, "model version not found", fmt.Errorf("%s@%s", id, version))
	}
	return r.entry(i), nil
}

// Resolve looks up a reference of the form "id" or "id@version"
func (r *Registry) Resolve(ref string) (Entry, error) {
	ref = strings.TrimSpace(ref)
	if id, version, ok := strings.Cut(ref, "@"); ok {
		return r.LookupVersion(id, version)
	}
	return r.Lookup(ref)
}

// Applicable returns the models whose input contract accepts modality,
// sorted by id then version.
func (r *Registry) Applicable(modality string) []Entry {
	var out []Entry
	for i, e := range r.entries {
		if e.Descriptor.Input.Accepts(modality) {
			out = append(out, r.entry(i))
		}
	}
	sortEntries(out)
	return out
}

// All returns every registered version sorted by id then version
func (r *Registry) All() []Entry {
	out := make([]Entry, len(r.entries))
	for i := range r.entries {
		out[i] = r.entry(i)
	}
	sortEntries(out)
	return out
}

// Versions returns the registered versions of id in registration order
func (r *Registry) Versions(id string) []domain.ModelDescriptor {
	var out []domain.ModelDescriptor
	for _, e := range r.entries {
		if e.Descriptor.ID == id {
			out = append(out, e.Descriptor.Clone())
		}
	}
	return out
}

// Len returns the number of registered versions
func (r *Registry) Len() int {
	return len(r.entries)
}

func sortEntries(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i].Descriptor, entries[j].Descriptor
		if a.ID != b.ID {
			return a.ID < b.ID
		}
		return a.Version < b.Version
	})
}
