// Package modules implements the module loader: it parses module descriptor
// documents, merges defaults with instance configuration, interpolates
// per-module environment files, and instantiates modules through factories
// registered by their implementations.
package modules

import (
	"encoding/json"
	"fmt"

	"github.com/adcplatform/adc/pkg/errors"
	"github.com/adcplatform/adc/pkg/kernel"
)

// Descriptor describes one instance of a provider, utility, service, or app.
// The Custom blob participates in instance identity: two descriptors with
// the same name but different Custom are distinct instances.
type Descriptor struct {
	Name        string         `json:"name"`
	Type        kernel.Kind    `json:"type"`
	Custom      map[string]any `json:"custom,omitempty"`
	Providers   []Descriptor   `json:"providers,omitempty"`
	Utilities   []Descriptor   `json:"utilities,omitempty"`
	Services    []Descriptor   `json:"services,omitempty"`
	FailOnError bool           `json:"failOnError,omitempty"`
	UIModule    map[string]any `json:"uiModule,omitempty"`
}

// Validate checks the structural invariants a descriptor must satisfy.
func (d *Descriptor) Validate() error {
	if d.Name == "" {
		return errors.NewConfigError("descriptor name cannot be empty", nil)
	}
	if !d.Type.Valid() {
		return errors.NewConfigError(
			fmt.Sprintf("descriptor %q has unknown type %q", d.Name, d.Type), nil)
	}
	for _, list := range [][]Descriptor{d.Providers, d.Utilities, d.Services} {
		for i := range list {
			if err := list[i].Validate(); err != nil {
				return err
			}
		}
	}
	return nil
}

// Ref returns the kernel reference this descriptor resolves to.
func (d *Descriptor) Ref() kernel.ModuleRef {
	return kernel.ModuleRef{
		Kind: d.Type,
		Name: d.Name,
		Hash: kernel.ConfigHash(d.Custom),
	}
}

// ParseDescriptor decodes a single descriptor document from JSON.
func ParseDescriptor(data []byte) (*Descriptor, error) {
	var d Descriptor
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, errors.NewConfigError("descriptor is not valid JSON", err)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}
