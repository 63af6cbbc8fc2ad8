package x402

import (
	"context"
	"sync"
)

// StaticPricing is a PricingSource backed by a fixed map of resource prices
type StaticPricing struct {
	mu        sync.RWMutex
	resources map[string]ResourceConfig
}

// NewStaticPricing creates a pricing source from resourceID → config
func NewStaticPricing(resources map[string]ResourceConfig) *StaticPricing {
	copied := make(map[string]ResourceConfig, len(resources))
	for id, cfg := range resources {
		copied[id] = cfg
	}
	return &StaticPricing{resources: copied}
}

// Set adds or replaces the price of a resource
func (p *StaticPricing) Set(resourceID string, cfg ResourceConfig) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resources[resourceID] = cfg
}

// Price implements PricingSource
func (p *StaticPricing) Price(_ context.Context, resourceID string) (ResourceConfig, bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	cfg, ok := p.resources[resourceID]
	return cfg, ok, nil
}

var _ PricingSource = (*StaticPricing)(nil)
