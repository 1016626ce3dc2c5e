package workers

import (
	"context"
	"fmt"

	"github.com/adcplatform/adc/pkg/errors"
)

// Dispatcher fronts one module instance with a registration-time method
// table. When a pool is bound, calls are forwarded to a worker and
// awaited; without one they run in-process on the caller's goroutine.
type Dispatcher struct {
	module  string
	methods map[string]Method
	pool    *Pool
}

// NewDispatcher builds the method table for a module. The table is
// fixed at construction; modules expose their operations explicitly
// instead of being proxied.
func NewDispatcher(module string, methods map[string]Method) *Dispatcher {
	table := make(map[string]Method, len(methods))
	for name, m := range methods {
		table[name] = m
	}
	return &Dispatcher{module: module, methods: table}
}

// Bind attaches a worker pool. Passing nil detaches and returns the
// dispatcher to in-process execution.
func (d *Dispatcher) Bind(pool *Pool) {
	d.pool = pool
}

// Methods lists the dispatchable method names.
func (d *Dispatcher) Methods() []string {
	out := make([]string, 0, len(d.methods))
	for name := range d.methods {
		out = append(out, name)
	}
	return out
}

// Call invokes a method by name with positional arguments.
func (d *Dispatcher) Call(ctx context.Context, method string, args ...any) (any, error) {
	m, ok := d.methods[method]
	if !ok {
		return nil, errors.NewNotFoundError(
			fmt.Sprintf("module %s has no method %s", d.module, method), nil)
	}
	if d.pool == nil {
		return m(ctx, args)
	}
	return d.pool.Dispatch(ctx, m, args)
}
