package chains

import (
	"fmt"
	"sync"

	"escrow-service/internal/domain"
)

// Registry maps asset symbols to blockchain backends. One backend may
// serve several assets (GOLOS and GBG share a node). The engine looks
// adapters up here and never branches on concrete type.
type Registry struct {
	byAsset map[string]domain.Blockchain
	mu      sync.RWMutex
}

func NewRegistry() *Registry {
	return &Registry{
		byAsset: make(map[string]domain.Blockchain),
	}
}

// Register adds a backend under every asset it serves.
func (r *Registry) Register(chain domain.Blockchain) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, asset := range chain.Assets() {
		r.byAsset[asset] = chain
	}
}

// Get retrieves the backend serving an asset.
func (r *Registry) Get(asset string) (domain.Blockchain, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	chain, ok := r.byAsset[asset]
	if !ok {
		return nil, fmt.Errorf("asset not supported: %s", asset)
	}
	return chain, nil
}

// List returns all backends, deduplicated.
func (r *Registry) List() []domain.Blockchain {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	out := make([]domain.Blockchain, 0, len(r.byAsset))
	for _, chain := range r.byAsset {
		if seen[chain.Name()] {
			continue
		}
		seen[chain.Name()] = true
		out = append(out, chain)
	}
	return out
}
