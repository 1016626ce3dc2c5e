package modules

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/adcplatform/adc/pkg/errors"
	"github.com/adcplatform/adc/pkg/kernel"
	"github.com/adcplatform/adc/pkg/logger"
)

// Factory instantiates a module from its merged descriptor. Implementations
// register factories with the loader at process start; descriptors are
// resolved against that table, the Go analogue of loading code from the
// module's directory.
type Factory func(ctx context.Context, k *kernel.Kernel, d Descriptor) (kernel.Module, error)

type factoryKey struct {
	kind kernel.Kind
	name string
}

// Loader reads module descriptors, resolves their factories, interpolates
// per-module environment files, and registers the resulting instances with
// the kernel.
type Loader struct {
	kernel *kernel.Kernel
	root   string

	mu        sync.RWMutex
	factories map[factoryKey]Factory
}

// NewLoader creates a loader rooted at the module directory tree. The root
// contains one subdirectory per kind (providers/, utilities/, services/,
// apps/) with a directory per module name holding optional .env and
// defaults.json files.
func NewLoader(k *kernel.Kernel, root string) *Loader {
	return &Loader{
		kernel:    k,
		root:      root,
		factories: make(map[factoryKey]Factory),
	}
}

// RegisterFactory records the factory used to instantiate (kind, name)
// descriptors. Registering a second factory for the same key replaces the
// first with a warning.
func (l *Loader) RegisterFactory(kind kernel.Kind, name string, f Factory) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := factoryKey{kind: kind, name: name}
	if _, exists := l.factories[key]; exists {
		logger.Warnw("overriding module factory", "kind", kind, "name", name)
	}
	l.factories[key] = f
}

func (l *Loader) factory(kind kernel.Kind, name string) (Factory, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	f, ok := l.factories[factoryKey{kind: kind, name: name}]
	if !ok {
		return nil, errors.NewConfigError(
			fmt.Sprintf("no factory registered for %s %q", kind, name), nil)
	}
	return f, nil
}

// moduleDir resolves the file-system directory for a module, used to
// discover its .env and defaults.json files.
func (l *Loader) moduleDir(kind kernel.Kind, name string) string {
	var sub string
	switch kind {
	case kernel.KindProvider:
		sub = "providers"
	case kernel.KindUtility:
		sub = "utilities"
	case kernel.KindService:
		sub = "services"
	case kernel.KindApp:
		sub = "apps"
	}
	return filepath.Join(l.root, sub, name)
}

// LoadDocument validates, parses, and loads a full descriptor document.
// The returned descriptor is the merged form actually loaded.
func (l *Loader) LoadDocument(ctx context.Context, data []byte) (*Descriptor, error) {
	if err := ValidateDescriptorSchema(data); err != nil {
		return nil, err
	}
	d, err := ParseDescriptor(data)
	if err != nil {
		return nil, err
	}
	if err := l.Load(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

// Load instantiates the descriptor and its sub-modules and registers them
// with the kernel: providers first, then utilities, then services, then the
// module itself. App descriptors are first merged with the app directory's
// defaults.json. Failures follow the descriptor's failOnError policy.
func (l *Loader) Load(ctx context.Context, d *Descriptor) error {
	if err := d.Validate(); err != nil {
		return err
	}

	if d.Type == kernel.KindApp {
		merged, err := l.applyAppDefaults(*d)
		if err != nil {
			return err
		}
		*d = merged
	}

	// Services without their own providers inherit the app's merged
	// provider list, so a scoped lookup inside the service resolves the
	// instances the app configured.
	if d.Type == kernel.KindApp {
		for i := range d.Services {
			if len(d.Services[i].Providers) == 0 {
				d.Services[i].Providers = d.Providers
			}
		}
	}

	// Sub-modules are loaded in place: loadOne interpolates each one with
	// its own module's environment, and the parent descriptor must carry
	// the interpolated form so scoped lookups hash to the registered
	// instances.
	parentRef := d.Ref()
	for _, list := range [][]Descriptor{d.Providers, d.Utilities, d.Services} {
		for i := range list {
			sub := &list[i]
			if err := l.loadOne(ctx, sub); err != nil {
				if sub.FailOnError {
					return err
				}
				logger.Warnw("skipping module that failed to load",
					"kind", sub.Type, "name", sub.Name, "error", err)
				continue
			}
			l.kernel.AddDependency(parentRef, sub.Ref())
		}
	}

	return l.loadOne(ctx, d)
}

// loadOne interpolates, instantiates, and registers a single descriptor.
// Sub-modules the descriptor itself declares are loaded by the caller.
func (l *Loader) loadOne(ctx context.Context, d *Descriptor) error {
	if l.kernel.Has(d.Type, d.Name, d.Custom) {
		// Same (name, custom) loaded twice resolves to the same instance.
		return nil
	}

	dir := l.moduleDir(d.Type, d.Name)
	env, err := LoadEnvFile(dir)
	if err != nil {
		return err
	}
	if err := Interpolate(d, env); err != nil {
		return err
	}

	f, err := l.factory(d.Type, d.Name)
	if err != nil {
		return err
	}

	instance, err := f(ctx, l.kernel, *d)
	if err != nil {
		return errors.NewConfigError(
			fmt.Sprintf("instantiating %s %q", d.Type, d.Name), err)
	}

	opts := []kernel.RegisterOption{
		kernel.WithReloader(func(ctx context.Context) (kernel.Module, error) {
			return f(ctx, l.kernel, *d)
		}),
	}
	if d.FailOnError {
		opts = append(opts, kernel.WithFailOnError())
	}
	_, err = l.kernel.Register(d.Type, d.Name, instance, d.Custom, opts...)
	return err
}

// applyAppDefaults merges the app directory's defaults.json (when present)
// under the instance descriptor.
func (l *Loader) applyAppDefaults(d Descriptor) (Descriptor, error) {
	path := filepath.Join(l.moduleDir(kernel.KindApp, d.Name), "defaults.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return d, nil
		}
		return d, errors.NewConfigError(fmt.Sprintf("cannot read %s", path), err)
	}

	defaults, err := ParseDescriptor(data)
	if err != nil {
		return d, errors.NewConfigError(fmt.Sprintf("parsing %s", path), err)
	}
	return mergeDescriptor(*defaults, d), nil
}
