// Package kernel implements the module kernel: the typed registry of
// providers, utilities, services and apps, the dependency graph between
// them, and the lifecycle orchestrator that brings modules up in a safe
// order and tears them down on shutdown.
//
// The kernel owns the process-wide capability key. Privileged lifecycle
// methods (Start/Stop) on module instances can only be invoked with that
// key, which never leaves the kernel.
package kernel

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/adcplatform/adc/pkg/errors"
	"github.com/adcplatform/adc/pkg/logger"
)

// DefaultModuleTimeout bounds a single module's start or stop.
const DefaultModuleTimeout = 30 * time.Second

// ModuleRef identifies one module instance in the dependency graph.
type ModuleRef struct {
	Kind Kind
	Name string
	Hash string
}

func (r ModuleRef) String() string {
	if r.Hash == "" {
		return fmt.Sprintf("%s/%s", r.Kind, r.Name)
	}
	return fmt.Sprintf("%s/%s@%s", r.Kind, r.Name, r.Hash)
}

// ReloadFunc re-instantiates a module for hot reload.
type ReloadFunc func(ctx context.Context) (Module, error)

// RegisterOption customizes a module registration.
type RegisterOption func(*registerOptions)

type registerOptions struct {
	failOnError bool
	reloader    ReloadFunc
}

// WithFailOnError marks the module as critical: a start failure aborts the
// whole kernel start and tears down everything already running.
func WithFailOnError() RegisterOption {
	return func(o *registerOptions) { o.failOnError = true }
}

// WithReloader attaches a re-instantiation function used by Reload.
func WithReloader(fn ReloadFunc) RegisterOption {
	return func(o *registerOptions) { o.reloader = fn }
}

// Kernel owns the registry, the dependency graph, and module lifecycle.
type Kernel struct {
	registry *Registry
	key      CapabilityKey

	moduleTimeout time.Duration

	mu      sync.Mutex
	deps    map[ModuleRef][]ModuleRef
	meta    map[ModuleRef]*registerOptions
	started []*Entry
	running bool
}

// New creates a kernel with a fresh capability key.
func New() *Kernel {
	return &Kernel{
		registry:      NewRegistry(),
		key:           NewCapabilityKey(),
		moduleTimeout: DefaultModuleTimeout,
		deps:          make(map[ModuleRef][]ModuleRef),
		meta:          make(map[ModuleRef]*registerOptions),
	}
}

// SetModuleTimeout overrides the per-module start/stop deadline.
func (k *Kernel) SetModuleTimeout(d time.Duration) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.moduleTimeout = d
}

// CapabilityKey returns the kernel's capability key. It exists so the
// process bootstrap can perform privileged initialization (e.g. retrieving
// the SYSTEM user); handing it to untrusted code defeats the lifecycle guard.
func (k *Kernel) CapabilityKey() CapabilityKey {
	return k.key
}

// keyBinder is satisfied by modules embedding *BaseModule.
type keyBinder interface {
	bind(CapabilityKey)
}

// Register stores a module instance of the given kind. The capability key is
// bound onto instances that support it so their lifecycle guard can verify
// callers.
func (k *Kernel) Register(kind Kind, name string, instance Module, custom map[string]any, opts ...RegisterOption) (ModuleRef, error) {
	if !kind.Valid() {
		return ModuleRef{}, errors.NewConfigError(fmt.Sprintf("unknown module kind %q", kind), nil)
	}
	if name == "" {
		return ModuleRef{}, errors.NewConfigError("module name cannot be empty", nil)
	}

	if binder, ok := instance.(keyBinder); ok {
		binder.bind(k.key)
	}

	entry := k.registry.Register(kind, name, instance, custom)
	ref := ModuleRef{Kind: kind, Name: name, Hash: entry.Hash}

	options := &registerOptions{}
	for _, opt := range opts {
		opt(options)
	}

	k.mu.Lock()
	k.meta[ref] = options
	k.mu.Unlock()

	return ref, nil
}

// RegisterProvider registers a provider instance.
func (k *Kernel) RegisterProvider(name string, instance Module, custom map[string]any, opts ...RegisterOption) (ModuleRef, error) {
	return k.Register(KindProvider, name, instance, custom, opts...)
}

// RegisterUtility registers a utility instance.
func (k *Kernel) RegisterUtility(name string, instance Module, custom map[string]any, opts ...RegisterOption) (ModuleRef, error) {
	return k.Register(KindUtility, name, instance, custom, opts...)
}

// RegisterService registers a service instance.
func (k *Kernel) RegisterService(name string, instance Module, custom map[string]any, opts ...RegisterOption) (ModuleRef, error) {
	return k.Register(KindService, name, instance, custom, opts...)
}

// RegisterApp registers an app instance.
func (k *Kernel) RegisterApp(name string, instance Module, custom map[string]any, opts ...RegisterOption) (ModuleRef, error) {
	return k.Register(KindApp, name, instance, custom, opts...)
}

// Get returns the instance registered under (kind, name). A nil custom
// config requires the name to be unambiguous.
func (k *Kernel) Get(kind Kind, name string, custom map[string]any) (Module, error) {
	entry, err := k.registry.Get(kind, name, custom)
	if err != nil {
		return nil, err
	}
	return entry.Instance, nil
}

// GetAll returns every instance registered under (kind, name).
func (k *Kernel) GetAll(kind Kind, name string) []Module {
	entries := k.registry.GetAll(kind, name)
	instances := make([]Module, 0, len(entries))
	for _, e := range entries {
		instances = append(instances, e.Instance)
	}
	return instances
}

// Has reports whether (kind, name[, custom]) is registered.
func (k *Kernel) Has(kind Kind, name string, custom map[string]any) bool {
	return k.registry.Has(kind, name, custom)
}

// Delete removes a registered instance.
func (k *Kernel) Delete(kind Kind, name string, custom map[string]any) {
	k.registry.Delete(kind, name, custom)
}

// Lookup returns a typed module instance from the kernel. It fails when the
// lookup is ambiguous, the instance is missing, or the instance does not
// have the requested type.
func Lookup[T any](k *Kernel, kind Kind, name string, custom map[string]any) (T, error) {
	var zero T
	instance, err := k.Get(kind, name, custom)
	if err != nil {
		return zero, err
	}
	typed, ok := instance.(T)
	if !ok {
		return zero, errors.NewDependencyError(
			fmt.Sprintf("%s %q has type %T, not the requested type", kind, name, instance), nil)
	}
	return typed, nil
}

// Provider returns a typed provider instance.
func Provider[T any](k *Kernel, name string, custom map[string]any) (T, error) {
	return Lookup[T](k, KindProvider, name, custom)
}

// Utility returns a typed utility instance.
func Utility[T any](k *Kernel, name string, custom map[string]any) (T, error) {
	return Lookup[T](k, KindUtility, name, custom)
}

// Service returns a typed service instance.
func Service[T any](k *Kernel, name string, custom map[string]any) (T, error) {
	return Lookup[T](k, KindService, name, custom)
}

// AddDependency records that consumer depends on provider. Edges between
// modules of the same kind influence start order; cross-kind edges are
// implied by the kind ordering and recorded for diagnostics only.
func (k *Kernel) AddDependency(consumer, provider ModuleRef) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.deps[consumer] = append(k.deps[consumer], provider)
}

// Start brings every registered module up in dependency order: providers,
// then utilities, then services, then apps. Within a kind, modules a
// dependency edge points at start before their dependents; cycles are
// rejected. A failing module aborts the start when it was registered with
// WithFailOnError, otherwise it is skipped with a log line.
func (k *Kernel) Start(ctx context.Context) error {
	k.mu.Lock()
	if k.running {
		k.mu.Unlock()
		return nil
	}
	k.running = true
	k.mu.Unlock()

	for _, kind := range StartOrder {
		ordered, err := k.orderedEntries(kind)
		if err != nil {
			k.abort(ctx)
			return err
		}
		for _, entry := range ordered {
			if err := k.startModule(ctx, entry); err != nil {
				ref := ModuleRef{Kind: entry.Kind, Name: entry.Name, Hash: entry.Hash}
				if k.failOnError(ref) {
					logger.Errorw("critical module failed to start, aborting",
						"module", ref.String(), "error", err)
					k.abort(ctx)
					return errors.NewLifecycleError(
						fmt.Sprintf("module %s failed to start", ref), err)
				}
				logger.Warnw("module failed to start, skipping",
					"module", ref.String(), "error", err)
				continue
			}
			k.mu.Lock()
			k.started = append(k.started, entry)
			k.mu.Unlock()
		}
	}

	logger.Infow("kernel started", "modules", len(k.startedEntries()))
	return nil
}

// Stop tears every started module down in reverse start order. Each module
// gets a bounded shutdown deadline; a module exceeding it is logged and
// abandoned.
func (k *Kernel) Stop(ctx context.Context) {
	k.mu.Lock()
	if !k.running {
		k.mu.Unlock()
		return
	}
	k.running = false
	k.mu.Unlock()

	k.teardown(ctx)
	logger.Info("kernel stopped")
}

// Reload stops the named module, re-instantiates it through the reloader
// recorded at registration time, and starts the replacement. Modules
// registered without a reloader cannot be reloaded.
func (k *Kernel) Reload(ctx context.Context, ref ModuleRef) error {
	k.mu.Lock()
	options := k.meta[ref]
	k.mu.Unlock()

	if options == nil || options.reloader == nil {
		return errors.NewConfigError(
			fmt.Sprintf("module %s has no reloader registered", ref), nil)
	}

	entry, err := k.registry.Get(ref.Kind, ref.Name, nil)
	if err != nil {
		entries := k.registry.GetAll(ref.Kind, ref.Name)
		for _, e := range entries {
			if e.Hash == ref.Hash {
				entry = e
				err = nil
				break
			}
		}
		if err != nil {
			return err
		}
	}

	stopCtx, cancel := context.WithTimeout(ctx, k.moduleTimeout)
	defer cancel()
	if stopErr := entry.Instance.Stop(stopCtx, k.key); stopErr != nil {
		logger.Warnw("module refused stop during reload", "module", ref.String(), "error", stopErr)
	}

	replacement, err := options.reloader(ctx)
	if err != nil {
		return errors.NewLifecycleError(
			fmt.Sprintf("re-instantiating %s failed", ref), err)
	}

	if binder, ok := replacement.(keyBinder); ok {
		binder.bind(k.key)
	}
	k.registry.Register(ref.Kind, ref.Name, replacement, entry.Custom)

	startCtx, cancel := context.WithTimeout(ctx, k.moduleTimeout)
	defer cancel()
	if err := replacement.Start(startCtx, k.key); err != nil {
		return errors.NewLifecycleError(
			fmt.Sprintf("restarting %s failed", ref), err)
	}

	k.mu.Lock()
	for i, started := range k.started {
		if started.Kind == ref.Kind && started.Name == ref.Name && started.Hash == ref.Hash {
			k.started[i] = &Entry{
				Kind: ref.Kind, Name: ref.Name, Hash: ref.Hash,
				Custom: entry.Custom, Instance: replacement,
			}
		}
	}
	k.mu.Unlock()

	logger.Infow("module reloaded", "module", ref.String())
	return nil
}

func (k *Kernel) startModule(ctx context.Context, entry *Entry) error {
	startCtx, cancel := context.WithTimeout(ctx, k.moduleTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- entry.Instance.Start(startCtx, k.key)
	}()

	select {
	case err := <-done:
		return err
	case <-startCtx.Done():
		return errors.NewTimeoutError(
			fmt.Sprintf("%s/%s did not start within %s", entry.Kind, entry.Name, k.moduleTimeout),
			startCtx.Err())
	}
}

// abort unwinds a failed Start: what already started is torn down and
// the kernel returns to the stopped state, so a later Start runs again.
func (k *Kernel) abort(ctx context.Context) {
	k.teardown(ctx)
	k.mu.Lock()
	k.running = false
	k.mu.Unlock()
}

func (k *Kernel) teardown(ctx context.Context) {
	k.mu.Lock()
	started := make([]*Entry, len(k.started))
	copy(started, k.started)
	k.started = k.started[:0]
	k.mu.Unlock()

	for i := len(started) - 1; i >= 0; i-- {
		entry := started[i]
		stopCtx, cancel := context.WithTimeout(ctx, k.moduleTimeout)

		done := make(chan error, 1)
		go func() {
			done <- entry.Instance.Stop(stopCtx, k.key)
		}()

		select {
		case err := <-done:
			if err != nil {
				logger.Warnw("module failed to stop",
					"kind", entry.Kind, "name", entry.Name, "error", err)
			}
		case <-stopCtx.Done():
			logger.Warnw("module exceeded shutdown deadline, moving on",
				"kind", entry.Kind, "name", entry.Name, "timeout", k.moduleTimeout)
		}
		cancel()
	}
}

func (k *Kernel) startedEntries() []*Entry {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make([]*Entry, len(k.started))
	copy(out, k.started)
	return out
}

func (k *Kernel) failOnError(ref ModuleRef) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	options := k.meta[ref]
	return options != nil && options.failOnError
}

// orderedEntries topologically sorts the entries of one kind, seeded by
// insertion order so unrelated modules keep their registration sequence.
func (k *Kernel) orderedEntries(kind Kind) ([]*Entry, error) {
	entries := k.registry.Kind(kind)

	byRef := make(map[ModuleRef]*Entry, len(entries))
	for _, e := range entries {
		byRef[ModuleRef{Kind: e.Kind, Name: e.Name, Hash: e.Hash}] = e
	}

	k.mu.Lock()
	edges := make(map[ModuleRef][]ModuleRef, len(k.deps))
	for consumer, providers := range k.deps {
		if consumer.Kind != kind {
			continue
		}
		for _, p := range providers {
			if p.Kind == kind {
				edges[consumer] = append(edges[consumer], p)
			}
		}
	}
	k.mu.Unlock()

	const (
		unvisited = 0
		visiting  = 1
		visited   = 2
	)
	state := make(map[ModuleRef]int, len(entries))
	ordered := make([]*Entry, 0, len(entries))

	var visit func(ref ModuleRef, path []ModuleRef) error
	visit = func(ref ModuleRef, path []ModuleRef) error {
		switch state[ref] {
		case visited:
			return nil
		case visiting:
			names := make([]string, 0, len(path)+1)
			for _, p := range path {
				names = append(names, p.String())
			}
			names = append(names, ref.String())
			return errors.NewDependencyError(
				fmt.Sprintf("cyclic dependency among %s modules: %s", kind, strings.Join(names, " -> ")), nil,
			).WithCode(errors.CodeCyclicDependency)
		}
		state[ref] = visiting
		for _, dep := range edges[ref] {
			if _, known := byRef[dep]; !known {
				continue
			}
			if err := visit(dep, append(path, ref)); err != nil {
				return err
			}
		}
		state[ref] = visited
		if entry, ok := byRef[ref]; ok {
			ordered = append(ordered, entry)
		}
		return nil
	}

	for _, e := range entries {
		ref := ModuleRef{Kind: e.Kind, Name: e.Name, Hash: e.Hash}
		if err := visit(ref, nil); err != nil {
			return nil, err
		}
	}
	return ordered, nil
}
