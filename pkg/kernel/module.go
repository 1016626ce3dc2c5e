package kernel

import (
	"context"
	"sync"

	"github.com/adcplatform/adc/pkg/errors"
)

// Kind classifies a module instance. Providers own external resource
// connections, utilities are shared helpers, services are long-lived
// stateful modules, and apps are composition units.
type Kind string

// Module kinds, in start order.
const (
	KindProvider Kind = "provider"
	KindUtility  Kind = "utility"
	KindService  Kind = "service"
	KindApp      Kind = "app"
)

// StartOrder lists the kinds in the order the kernel brings them up.
// Shutdown reverses it.
var StartOrder = []Kind{KindProvider, KindUtility, KindService, KindApp}

// Valid reports whether the kind is one of the known module kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindProvider, KindUtility, KindService, KindApp:
		return true
	}
	return false
}

// Module is the lifecycle contract every kernel-managed instance implements.
// Start and Stop are privileged: they must be called with the kernel's
// capability key and refuse any other caller.
type Module interface {
	// Name returns the module's registered name.
	Name() string

	// Kind returns the module kind.
	Kind() Kind

	// Start brings the module up. It must verify the capability key and be
	// idempotent while the module is running.
	Start(ctx context.Context, key CapabilityKey) error

	// Stop tears the module down. It must verify the capability key.
	Stop(ctx context.Context, key CapabilityKey) error
}

// BaseModule implements the guarded lifecycle shared by all modules.
// Embedders provide the actual work through OnStart/OnStop hooks and get the
// capability check and the idempotent re-start guard for free.
type BaseModule struct {
	name string
	kind Kind

	// OnStart is invoked once per successful Start transition. Optional.
	OnStart func(ctx context.Context) error

	// OnStop is invoked once per successful Stop transition. Optional.
	OnStop func(ctx context.Context) error

	mu      sync.Mutex
	key     CapabilityKey
	running bool
}

// NewBaseModule creates the shared lifecycle base for a module.
func NewBaseModule(name string, kind Kind) *BaseModule {
	return &BaseModule{name: name, kind: kind}
}

// Name returns the module's registered name.
func (m *BaseModule) Name() string { return m.name }

// Kind returns the module kind.
func (m *BaseModule) Kind() Kind { return m.kind }

// Running reports whether the module has been started and not yet stopped.
func (m *BaseModule) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// bind records the kernel's capability key on the instance. Called by the
// kernel at registration time; the key never leaves the kernel otherwise.
func (m *BaseModule) bind(key CapabilityKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.key = key
}

func (m *BaseModule) checkKey(key CapabilityKey) error {
	if m.key.IsZero() || !m.key.Equal(key) {
		return errors.NewLifecycleError(
			"caller does not hold the kernel capability key", nil,
		).WithCode(errors.CodeUnauthorizedLifecycle)
	}
	return nil
}

// Start verifies the capability key and runs the OnStart hook exactly once.
// A second Start while running is a no-op.
func (m *BaseModule) Start(ctx context.Context, key CapabilityKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkKey(key); err != nil {
		return err
	}
	if m.running {
		return nil
	}
	if m.OnStart != nil {
		if err := m.OnStart(ctx); err != nil {
			return err
		}
	}
	m.running = true
	return nil
}

// Stop verifies the capability key and runs the OnStop hook exactly once.
// Stopping a module that is not running is a no-op.
func (m *BaseModule) Stop(ctx context.Context, key CapabilityKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkKey(key); err != nil {
		return err
	}
	if !m.running {
		return nil
	}
	if m.OnStop != nil {
		if err := m.OnStop(ctx); err != nil {
			return err
		}
	}
	m.running = false
	return nil
}

var _ Module = (*BaseModule)(nil)
