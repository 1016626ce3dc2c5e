package kernel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adcplatform/adc/pkg/errors"
)

func TestConfigHashDeterministic(t *testing.T) {
	t.Parallel()

	a := map[string]any{"host": "db1", "port": float64(5432), "opts": map[string]any{"tls": true}}
	b := map[string]any{"opts": map[string]any{"tls": true}, "port": float64(5432), "host": "db1"}
	assert.Equal(t, ConfigHash(a), ConfigHash(b))

	c := map[string]any{"host": "db2", "port": float64(5432), "opts": map[string]any{"tls": true}}
	assert.NotEqual(t, ConfigHash(a), ConfigHash(c))

	assert.Empty(t, ConfigHash(nil))
	assert.Empty(t, ConfigHash(map[string]any{}))
}

func TestRegistryDistinguishesInstancesByCustomConfig(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	first := NewBaseModule("object-provider", KindProvider)
	second := NewBaseModule("object-provider", KindProvider)
	cfgA := map[string]any{"bucket": "alpha"}
	cfgB := map[string]any{"bucket": "beta"}

	r.Register(KindProvider, "object-provider", first, cfgA)
	r.Register(KindProvider, "object-provider", second, cfgB)

	entryA, err := r.Get(KindProvider, "object-provider", cfgA)
	require.NoError(t, err)
	assert.Same(t, Module(first), entryA.Instance)

	entryB, err := r.Get(KindProvider, "object-provider", cfgB)
	require.NoError(t, err)
	assert.Same(t, Module(second), entryB.Instance)

	assert.Len(t, r.GetAll(KindProvider, "object-provider"), 2)
}

func TestRegistryAmbiguousLookupWithoutDisambiguator(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	r.Register(KindProvider, "db", NewBaseModule("db", KindProvider), map[string]any{"n": "1"})
	r.Register(KindProvider, "db", NewBaseModule("db", KindProvider), map[string]any{"n": "2"})

	_, err := r.Get(KindProvider, "db", nil)
	require.Error(t, err)
	assert.True(t, errors.IsDependency(err))
	assert.Equal(t, errors.CodeAmbiguousLookup, errors.CodeOf(err))
}

func TestRegistrySingleInstanceLookupWithoutConfig(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	only := NewBaseModule("http", KindProvider)
	r.Register(KindProvider, "http", only, map[string]any{"port": float64(80)})

	entry, err := r.Get(KindProvider, "http", nil)
	require.NoError(t, err)
	assert.Same(t, Module(only), entry.Instance)
}

func TestRegistryOverrideReplacesInstance(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	cfg := map[string]any{"x": true}
	r.Register(KindService, "auth", NewBaseModule("auth", KindService), cfg)
	replacement := NewBaseModule("auth", KindService)
	r.Register(KindService, "auth", replacement, cfg)

	entries := r.GetAll(KindService, "auth")
	require.Len(t, entries, 1)
	assert.Same(t, Module(replacement), entries[0].Instance)
}

func TestRegistryDelete(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	cfg := map[string]any{"x": true}
	r.Register(KindUtility, "hash", NewBaseModule("hash", KindUtility), cfg)
	require.True(t, r.Has(KindUtility, "hash", cfg))

	r.Delete(KindUtility, "hash", cfg)
	assert.False(t, r.Has(KindUtility, "hash", nil))
	assert.Empty(t, r.Kind(KindUtility))

	// deleting again is a no-op
	r.Delete(KindUtility, "hash", cfg)
}

func TestRegistryKindPreservesInsertionOrder(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	names := []string{"c", "a", "b"}
	for _, n := range names {
		r.Register(KindProvider, n, NewBaseModule(n, KindProvider), nil)
	}

	entries := r.Kind(KindProvider)
	require.Len(t, entries, 3)
	for i, n := range names {
		assert.Equal(t, n, entries[i].Name)
	}
}
