package modules

import (
	"context"

	"github.com/adcplatform/adc/pkg/kernel"
	"github.com/adcplatform/adc/pkg/logger"
)

// UIRegistrar is the external UI collaborator apps announce themselves to
// during start. Registration failures are non-fatal.
type UIRegistrar interface {
	RegisterUIModule(ctx context.Context, appName string, uiModule map[string]any) error
}

// App is the base every platform app builds on. It carries the app's merged
// descriptor and resolves providers, utilities, and services scoped to the
// configuration this app declared, so two apps asking for the same provider
// name each get the instance they configured.
type App struct {
	*kernel.BaseModule

	kernel     *kernel.Kernel
	descriptor Descriptor
	registrar  UIRegistrar
}

// NewApp creates an app base from its merged descriptor.
func NewApp(k *kernel.Kernel, d Descriptor) *App {
	app := &App{
		BaseModule: kernel.NewBaseModule(d.Name, kernel.KindApp),
		kernel:     k,
		descriptor: d,
	}
	app.OnStart = app.announceUI
	return app
}

// SetUIRegistrar attaches the external UI collaborator. Optional.
func (a *App) SetUIRegistrar(r UIRegistrar) {
	a.registrar = r
}

// Config returns the app's merged custom configuration.
func (a *App) Config() map[string]any {
	return a.descriptor.Custom
}

// Descriptor returns the app's merged descriptor.
func (a *App) Descriptor() Descriptor {
	return a.descriptor
}

func (a *App) announceUI(ctx context.Context) error {
	if a.registrar == nil || a.descriptor.UIModule == nil {
		return nil
	}
	if err := a.registrar.RegisterUIModule(ctx, a.Name(), a.descriptor.UIModule); err != nil {
		// UI registration failing must not keep the app from starting.
		logger.Warnw("app failed to register its UI module",
			"app", a.Name(), "error", err)
	}
	return nil
}

// scopedCustom returns the custom blob this app's descriptor recorded for a
// sub-module, or nil when the app did not declare it.
func (a *App) scopedCustom(kind kernel.Kind, name string) map[string]any {
	var list []Descriptor
	switch kind {
	case kernel.KindProvider:
		list = a.descriptor.Providers
	case kernel.KindUtility:
		list = a.descriptor.Utilities
	case kernel.KindService:
		list = a.descriptor.Services
	}
	for i := range list {
		if list[i].Name == name {
			return list[i].Custom
		}
	}
	return nil
}

// AppProvider resolves a typed provider using the config recorded in this
// app's descriptor.
func AppProvider[T any](a *App, name string) (T, error) {
	return kernel.Provider[T](a.kernel, name, a.scopedCustom(kernel.KindProvider, name))
}

// AppUtility resolves a typed utility using the config recorded in this
// app's descriptor.
func AppUtility[T any](a *App, name string) (T, error) {
	return kernel.Utility[T](a.kernel, name, a.scopedCustom(kernel.KindUtility, name))
}

// AppService resolves a typed service using the config recorded in this
// app's descriptor.
func AppService[T any](a *App, name string) (T, error) {
	return kernel.Service[T](a.kernel, name, a.scopedCustom(kernel.KindService, name))
}
