package kernel

import (
	"fmt"
	"sync"

	"github.com/adcplatform/adc/pkg/errors"
	"github.com/adcplatform/adc/pkg/logger"
)

// Registry is the typed multi-instance store backing the kernel. Entries are
// keyed by (kind, name, configHash); an index per (kind, name) enumerates the
// instances sharing a name. Registering over an existing key overwrites the
// entry and logs a warning.
type Registry struct {
	mu      sync.RWMutex
	entries map[registryKey]*Entry
	index   map[indexKey][]string
	order   []registryKey
}

type registryKey struct {
	kind Kind
	name string
	hash string
}

type indexKey struct {
	kind Kind
	name string
}

// Entry is one registered module instance together with the custom config
// that identifies it.
type Entry struct {
	Kind     Kind
	Name     string
	Hash     string
	Custom   map[string]any
	Instance Module
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[registryKey]*Entry),
		index:   make(map[indexKey][]string),
	}
}

// Register stores an instance under (kind, name, hash(custom)). An existing
// entry under the same key is overwritten with a warning.
func (r *Registry) Register(kind Kind, name string, instance Module, custom map[string]any) *Entry {
	hash := ConfigHash(custom)

	r.mu.Lock()
	defer r.mu.Unlock()

	key := registryKey{kind: kind, name: name, hash: hash}
	if _, exists := r.entries[key]; exists {
		logger.Warnw("overriding registered module instance",
			"kind", kind, "name", name, "configHash", hash)
	} else {
		idx := indexKey{kind: kind, name: name}
		r.index[idx] = append(r.index[idx], hash)
		r.order = append(r.order, key)
	}

	entry := &Entry{Kind: kind, Name: name, Hash: hash, Custom: custom, Instance: instance}
	r.entries[key] = entry
	return entry
}

// Get returns the instance registered under (kind, name) with the given
// custom config. A nil custom config selects the single instance of that
// name; with two or more instances the lookup is ambiguous and fails.
func (r *Registry) Get(kind Kind, name string, custom map[string]any) (*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	idx := indexKey{kind: kind, name: name}
	hashes := r.index[idx]
	if len(hashes) == 0 {
		return nil, errors.NewDependencyError(
			fmt.Sprintf("no %s named %q is registered", kind, name), nil)
	}

	if custom == nil {
		if len(hashes) > 1 {
			return nil, errors.NewDependencyError(
				fmt.Sprintf("%d instances of %s %q are registered; a config disambiguator is required",
					len(hashes), kind, name), nil,
			).WithCode(errors.CodeAmbiguousLookup)
		}
		return r.entries[registryKey{kind: kind, name: name, hash: hashes[0]}], nil
	}

	key := registryKey{kind: kind, name: name, hash: ConfigHash(custom)}
	entry, ok := r.entries[key]
	if !ok {
		return nil, errors.NewDependencyError(
			fmt.Sprintf("no %s named %q matches the given config", kind, name), nil)
	}
	return entry, nil
}

// GetAll returns every instance registered under (kind, name), in
// registration order.
func (r *Registry) GetAll(kind Kind, name string) []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	hashes := r.index[indexKey{kind: kind, name: name}]
	entries := make([]*Entry, 0, len(hashes))
	for _, h := range hashes {
		entries = append(entries, r.entries[registryKey{kind: kind, name: name, hash: h}])
	}
	return entries
}

// Has reports whether an instance is registered under (kind, name), and the
// given custom config when one is supplied.
func (r *Registry) Has(kind Kind, name string, custom map[string]any) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if custom == nil {
		return len(r.index[indexKey{kind: kind, name: name}]) > 0
	}
	_, ok := r.entries[registryKey{kind: kind, name: name, hash: ConfigHash(custom)}]
	return ok
}

// Delete removes the instance registered under (kind, name, hash(custom)).
// Deleting an absent entry is a no-op.
func (r *Registry) Delete(kind Kind, name string, custom map[string]any) {
	hash := ConfigHash(custom)

	r.mu.Lock()
	defer r.mu.Unlock()

	key := registryKey{kind: kind, name: name, hash: hash}
	if _, ok := r.entries[key]; !ok {
		return
	}
	delete(r.entries, key)

	idx := indexKey{kind: kind, name: name}
	hashes := r.index[idx]
	for i, h := range hashes {
		if h == hash {
			r.index[idx] = append(hashes[:i], hashes[i+1:]...)
			break
		}
	}
	if len(r.index[idx]) == 0 {
		delete(r.index, idx)
	}
	for i, k := range r.order {
		if k == key {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Kind returns every entry of the given kind, in registration order across
// names. Used by the kernel to compute start order.
func (r *Registry) Kind(kind Kind) []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var entries []*Entry
	for _, key := range r.order {
		if key.kind == kind {
			entries = append(entries, r.entries[key])
		}
	}
	return entries
}
