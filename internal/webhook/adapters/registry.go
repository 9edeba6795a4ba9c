package adapters

import (
	domain "github.com/memberware/treasury/internal/webhook/domain"
)

// Registry resolves webhook adapters by provider name.
type Registry struct {
	factories map[string]domain.AdapterFactory
}

func NewRegistry(factories ...domain.AdapterFactory) *Registry {
	m := make(map[string]domain.AdapterFactory, len(factories))
	for _, f := range factories {
		m[f.Provider()] = f
	}
	return &Registry{factories: m}
}

func (r *Registry) ProviderExists(provider string) bool {
	_, ok := r.factories[provider]
	return ok
}

func (r *Registry) NewAdapter(provider string, cfg domain.AdapterConfig) (domain.Adapter, error) {
	f, ok := r.factories[provider]
	if !ok {
		return nil, domain.ErrUnknownProvider
	}
	return f.NewAdapter(cfg)
}
