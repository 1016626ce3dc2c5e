package modules

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adcplatform/adc/pkg/errors"
	"github.com/adcplatform/adc/pkg/kernel"
)

func baseFactory(name string, kind kernel.Kind) Factory {
	return func(_ context.Context, _ *kernel.Kernel, _ Descriptor) (kernel.Module, error) {
		return kernel.NewBaseModule(name, kind), nil
	}
}

func TestValidateDescriptorSchema(t *testing.T) {
	t.Parallel()

	valid := []byte(`{
		"name": "portal",
		"type": "app",
		"custom": {"theme": "dark"},
		"providers": [{"name": "store", "type": "provider"}]
	}`)
	require.NoError(t, ValidateDescriptorSchema(valid))

	missingType := []byte(`{"name": "portal"}`)
	err := ValidateDescriptorSchema(missingType)
	require.Error(t, err)
	assert.True(t, errors.IsConfig(err))

	unknownField := []byte(`{"name": "portal", "type": "app", "bogus": 1}`)
	require.Error(t, ValidateDescriptorSchema(unknownField))

	badType := []byte(`{"name": "portal", "type": "plugin"}`)
	require.Error(t, ValidateDescriptorSchema(badType))
}

func TestLoadDocumentRegistersTree(t *testing.T) {
	t.Parallel()

	k := kernel.New()
	l := NewLoader(k, t.TempDir())
	l.RegisterFactory(kernel.KindProvider, "store", baseFactory("store", kernel.KindProvider))
	l.RegisterFactory(kernel.KindService, "identity", baseFactory("identity", kernel.KindService))
	l.RegisterFactory(kernel.KindApp, "portal", func(_ context.Context, k *kernel.Kernel, d Descriptor) (kernel.Module, error) {
		return NewApp(k, d), nil
	})

	doc := []byte(`{
		"name": "portal",
		"type": "app",
		"providers": [{"name": "store", "type": "provider", "custom": {"bucket": "a"}}],
		"services": [{"name": "identity", "type": "service"}]
	}`)
	d, err := l.LoadDocument(context.Background(), doc)
	require.NoError(t, err)

	assert.True(t, k.Has(kernel.KindProvider, "store", map[string]any{"bucket": "a"}))
	assert.True(t, k.Has(kernel.KindService, "identity", nil))
	assert.True(t, k.Has(kernel.KindApp, "portal", nil))

	// services without providers inherit the app's provider list
	require.Len(t, d.Services, 1)
	require.Len(t, d.Services[0].Providers, 1)
	assert.Equal(t, "store", d.Services[0].Providers[0].Name)
}

func TestLoadAppliesDefaultsJSON(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	appDir := filepath.Join(root, "apps", "portal")
	require.NoError(t, os.MkdirAll(appDir, 0o750))
	defaults := []byte(`{
		"name": "portal",
		"type": "app",
		"custom": {"theme": "light", "locale": "en"}
	}`)
	require.NoError(t, os.WriteFile(filepath.Join(appDir, "defaults.json"), defaults, 0o600))

	k := kernel.New()
	l := NewLoader(k, root)
	var seen Descriptor
	l.RegisterFactory(kernel.KindApp, "portal", func(_ context.Context, k *kernel.Kernel, d Descriptor) (kernel.Module, error) {
		seen = d
		return NewApp(k, d), nil
	})

	d := &Descriptor{
		Name: "portal", Type: kernel.KindApp,
		Custom: map[string]any{"theme": "dark"},
	}
	require.NoError(t, l.Load(context.Background(), d))
	assert.Equal(t, "dark", seen.Custom["theme"])
	assert.Equal(t, "en", seen.Custom["locale"])
}

func TestLoadInterpolatesModuleEnv(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	provDir := filepath.Join(root, "providers", "store")
	require.NoError(t, os.MkdirAll(provDir, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(provDir, ".env"),
		[]byte("BUCKET=from-env\n"), 0o600))

	k := kernel.New()
	l := NewLoader(k, root)
	var seen Descriptor
	l.RegisterFactory(kernel.KindProvider, "store", func(_ context.Context, _ *kernel.Kernel, d Descriptor) (kernel.Module, error) {
		seen = d
		return kernel.NewBaseModule("store", kernel.KindProvider), nil
	})

	d := &Descriptor{
		Name: "store", Type: kernel.KindProvider,
		Custom: map[string]any{"bucket": "${BUCKET}"},
	}
	require.NoError(t, l.Load(context.Background(), d))
	assert.Equal(t, "from-env", seen.Custom["bucket"])
}

func TestSubModuleEnvScopedToItsOwnModule(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	provDir := filepath.Join(root, "providers", "store")
	require.NoError(t, os.MkdirAll(provDir, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(provDir, ".env"),
		[]byte("BUCKET=from-provider-env\n"), 0o600))

	k := kernel.New()
	l := NewLoader(k, root)
	l.RegisterFactory(kernel.KindProvider, "store", baseFactory("store", kernel.KindProvider))
	var app *App
	l.RegisterFactory(kernel.KindApp, "portal", func(_ context.Context, k *kernel.Kernel, d Descriptor) (kernel.Module, error) {
		app = NewApp(k, d)
		return app, nil
	})

	// BUCKET exists only in the provider's env file; the app has none
	d := &Descriptor{
		Name: "portal", Type: kernel.KindApp,
		Providers: []Descriptor{{
			Name: "store", Type: kernel.KindProvider,
			Custom: map[string]any{"bucket": "${BUCKET}"},
		}},
	}
	require.NoError(t, l.Load(context.Background(), d))

	// the provider registered under its resolved config, and the app's
	// recorded provider list carries the same resolved form, so the
	// scoped lookup hashes to the registered instance
	assert.True(t, k.Has(kernel.KindProvider, "store", map[string]any{"bucket": "from-provider-env"}))
	require.NotNil(t, app)
	got, err := AppProvider[*kernel.BaseModule](app, "store")
	require.NoError(t, err)
	assert.Equal(t, "store", got.Name())
}

func TestLoadTolerantSkipAndFatalFailure(t *testing.T) {
	t.Parallel()

	k := kernel.New()
	l := NewLoader(k, t.TempDir())
	l.RegisterFactory(kernel.KindProvider, "broken", func(context.Context, *kernel.Kernel, Descriptor) (kernel.Module, error) {
		return nil, fmt.Errorf("cannot connect")
	})
	l.RegisterFactory(kernel.KindApp, "portal", func(_ context.Context, k *kernel.Kernel, d Descriptor) (kernel.Module, error) {
		return NewApp(k, d), nil
	})

	tolerant := &Descriptor{
		Name: "portal", Type: kernel.KindApp,
		Providers: []Descriptor{{Name: "broken", Type: kernel.KindProvider}},
	}
	require.NoError(t, l.Load(context.Background(), tolerant))
	assert.False(t, k.Has(kernel.KindProvider, "broken", nil))
	assert.True(t, k.Has(kernel.KindApp, "portal", nil))

	k2 := kernel.New()
	l2 := NewLoader(k2, t.TempDir())
	l2.RegisterFactory(kernel.KindProvider, "broken", func(context.Context, *kernel.Kernel, Descriptor) (kernel.Module, error) {
		return nil, fmt.Errorf("cannot connect")
	})
	l2.RegisterFactory(kernel.KindApp, "portal", func(_ context.Context, k *kernel.Kernel, d Descriptor) (kernel.Module, error) {
		return NewApp(k, d), nil
	})
	fatal := &Descriptor{
		Name: "portal", Type: kernel.KindApp,
		Providers: []Descriptor{{Name: "broken", Type: kernel.KindProvider, FailOnError: true}},
	}
	err := l2.Load(context.Background(), fatal)
	require.Error(t, err)
	assert.True(t, errors.IsConfig(err))
}

func TestMissingFactoryIsConfigError(t *testing.T) {
	t.Parallel()

	k := kernel.New()
	l := NewLoader(k, t.TempDir())
	d := &Descriptor{Name: "ghost", Type: kernel.KindService}
	err := l.Load(context.Background(), d)
	require.Error(t, err)
	assert.True(t, errors.IsConfig(err))
}
