package provider

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sort"
	"sync"

	"polychat/internal/models"
)

// ErrDuplicateModel indicates an attempt to register the same model twice.
var ErrDuplicateModel = errors.New("model already registered")

// Chunk is one element of an adapter stream. A stream yields any number of text
// chunks and ends with exactly one chunk with Done set; Err is only set on that chunk.
type Chunk struct {
	Text string
	Done bool
	Err  *models.ProviderError
}

// Request is the upstream call for one target: the prior turns followed by the
// augmented prompt as the last user turn.
type Request struct {
	Model    string
	Messages []models.Turn
}

// Adapter streams completions from one upstream vendor. Adapters hold no per-call state;
// every failure surfaces as the terminal chunk, never as a panic or a dropped stream.
type Adapter interface {
	Vendor() models.Vendor
	Models() []models.Model
	Stream(ctx context.Context, req Request, creds models.Credentials) iter.Seq[Chunk]
}

type modelEntry struct {
	model   models.Model
	adapter Adapter
}

// Registry maintains the static mapping of model IDs to adapters.
type Registry struct {
	mu       sync.RWMutex
	models   map[string]modelEntry
	aliases  map[string]string
	byVendor map[models.Vendor]Adapter
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		models:   make(map[string]modelEntry),
		aliases:  make(map[string]string),
		byVendor: make(map[models.Vendor]Adapter),
	}
}

// Register adds the adapter and its models to the registry, wiring optional aliases.
func (r *Registry) Register(a Adapter, aliases map[string]string) error {
	if a == nil {
		return errors.New("adapter must not be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byVendor[a.Vendor()]; exists {
		return fmt.Errorf("vendor %q already registered", a.Vendor())
	}

	for _, model := range a.Models() {
		if _, exists := r.models[model.ID]; exists {
			return fmt.Errorf("%w: %s", ErrDuplicateModel, model.ID)
		}
		r.models[model.ID] = modelEntry{model: model, adapter: a}
	}
	r.byVendor[a.Vendor()] = a

	for alias, target := range aliases {
		if _, exists := r.models[alias]; exists {
			return fmt.Errorf("alias %q conflicts with existing model", alias)
		}
		if _, ok := r.models[target]; !ok {
			return fmt.Errorf("alias %q references unknown model %q", alias, target)
		}
		r.aliases[alias] = target
	}

	return nil
}

// Lookup returns the model metadata and adapter for a model ID or alias. The returned
// model always carries the canonical ID.
func (r *Registry) Lookup(modelID string) (models.Model, Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if target, ok := r.aliases[modelID]; ok {
		modelID = target
	}
	entry, ok := r.models[modelID]
	if !ok {
		return models.Model{}, nil, fmt.Errorf("%w: %s", models.ErrUnknownModel, modelID)
	}
	return entry.model, entry.adapter, nil
}

// Resolve canonicalises a list of model IDs, rejecting unknown ones and dropping duplicates
// while keeping the first position of each.
func (r *Registry) Resolve(ids []string) ([]models.Model, error) {
	seen := make(map[string]bool, len(ids))
	out := make([]models.Model, 0, len(ids))
	for _, id := range ids {
		model, _, err := r.Lookup(id)
		if err != nil {
			return nil, err
		}
		if seen[model.ID] {
			continue
		}
		seen[model.ID] = true
		out = append(out, model)
	}
	return out, nil
}

// Models lists every registered model sorted by vendor then ID.
func (r *Registry) Models() []models.Model {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.Model, 0, len(r.models))
	for _, entry := range r.models {
		out = append(out, entry.model)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Vendor != out[j].Vendor {
			return out[i].Vendor < out[j].Vendor
		}
		return out[i].ID < out[j].ID
	})
	return out
}
