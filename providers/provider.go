// Package providers defines the boundary between Tarkka and cloud provider APIs.
package providers

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/yairfalse/tarkka/types"
)

// Page is one page of a provider listing.
type Page struct {
	Records []types.ResourceRecord
	// NextCursor is empty on the last page.
	NextCursor string
}

// Detail holds enrichment fields merged into a record's ExtInfo.
type Detail map[string]any

// InventoryClient lists one scope of resources.
type InventoryClient interface {
	// Scope returns the scope every listed record belongs to.
	Scope() types.Scope

	// ListPage returns the page starting at cursor. An empty cursor starts
	// from the beginning.
	ListPage(ctx context.Context, cursor string, pageSize int32) (Page, error)

	// GetDetail looks up extra fields for one instance. A nil Detail with a
	// nil error means there is nothing to add.
	GetDetail(ctx context.Context, instanceID string) (Detail, error)
}

// Target tells a factory which scope to build a client for.
type Target struct {
	Scope   types.Scope
	Profile string
	// Endpoint overrides the provider API endpoint.
	Endpoint string
	// Token authenticates against gateway-backed providers.
	Token string
}

// Factory creates an inventory client for a target.
type Factory func(ctx context.Context, target Target) (InventoryClient, error)

// Registry maps cloud names to inventory factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds or replaces the factory for cloud.
func (r *Registry) Register(cloud string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[cloud] = factory
}

// NewInventory creates a client for target using its cloud's factory.
func (r *Registry) NewInventory(ctx context.Context, target Target) (InventoryClient, error) {
	r.mu.RLock()
	factory, exists := r.factories[target.Scope.Cloud]
	r.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("no inventory provider for cloud %q", target.Scope.Cloud)
	}
	return factory(ctx, target)
}

// Has reports whether cloud has a registered factory.
func (r *Registry) Has(cloud string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[cloud]
	return ok
}

// Clouds returns the registered cloud names, sorted.
func (r *Registry) Clouds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
