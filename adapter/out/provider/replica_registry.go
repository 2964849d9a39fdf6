package provider

import (
	"replica_server/core/domain"
	"replica_server/core/port/out"
	"replica_server/pkg/apperr"
)

// Registry resolves provider adapters by key. Built once at bootstrap and
// read-only afterwards.
type Registry struct {
	providers map[domain.Provider]out.EmailProviderPort
}

// NewRegistry builds the registry from the given adapters.
func NewRegistry(adapters ...out.EmailProviderPort) *Registry {
	providers := make(map[domain.Provider]out.EmailProviderPort, len(adapters))
	for _, adapter := range adapters {
		providers[adapter.ProviderType()] = adapter
	}
	return &Registry{providers: providers}
}

// Get returns the adapter for the provider key.
func (r *Registry) Get(provider domain.Provider) (out.EmailProviderPort, error) {
	adapter, ok := r.providers[provider]
	if !ok {
		return nil, apperr.BadRequest("unsupported provider: " + string(provider))
	}
	return adapter, nil
}

var _ out.ProviderRegistry = (*Registry)(nil)
