package agentbackend

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	pkgerrors "github.com/tombarlow/orchestrator/pkg/errors"
)

var (
	// ErrBackendAlreadyRegistered indicates a backend with this kind already exists.
	ErrBackendAlreadyRegistered = errors.New("agentbackend: backend already registered")

	// ErrFactoryNotFound indicates no factory is registered for the kind.
	ErrFactoryNotFound = errors.New("agentbackend: factory not found")

	// ErrInvalidBackend indicates a nil or malformed backend implementation.
	ErrInvalidBackend = errors.New("agentbackend: invalid backend")
)

// Factory constructs a Backend from BackendConfig at activation time,
// mirroring pkg/llm.ProviderFactory.
type Factory func(cfg Config) (Backend, error)

// Config is the activation-time configuration for a backend factory.
type Config struct {
	PostProcessor PostProcessor
	Options       map[string]any
}

// Registry maps agentType (Kind) -> Backend, following pkg/llm.Registry's
// two-phase factory-registration-then-activation pattern: factories are
// registered at package init time, concrete backends are activated once
// configuration is available at startup.
type Registry struct {
	mu        sync.RWMutex
	factories map[Kind]Factory
	backends  map[Kind]Backend
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[Kind]Factory),
		backends:  make(map[Kind]Backend),
	}
}

// RegisterFactory registers a backend factory. Registering the same kind
// twice overwrites the previous factory (idempotent, matching the teacher).
func (r *Registry) RegisterFactory(kind Kind, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = factory
}

// Activate instantiates the backend for kind from its registered factory.
// Re-activating an already-active kind is a no-op.
func (r *Registry) Activate(kind Kind, cfg Config) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.backends[kind]; exists {
		return nil
	}

	factory, exists := r.factories[kind]
	if !exists {
		return fmt.Errorf("%w: %s", ErrFactoryNotFound, kind)
	}

	backend, err := factory(cfg)
	if err != nil {
		return fmt.Errorf("agentbackend: activate %s: %w", kind, err)
	}
	if backend == nil {
		return fmt.Errorf("%w: %s", ErrInvalidBackend, kind)
	}

	r.backends[kind] = backend
	return nil
}

// Get retrieves an activated backend by kind.
func (r *Registry) Get(kind Kind) (Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, exists := r.backends[kind]
	if !exists {
		return nil, &pkgerrors.NotFoundError{Resource: "agent backend", ID: string(kind)}
	}
	return b, nil
}

// IsActive reports whether kind has been activated.
func (r *Registry) IsActive(kind Kind) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.backends[kind]
	return exists
}

// ListActive returns the kinds of all activated backends, sorted.
func (r *Registry) ListActive() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]Kind, 0, len(r.backends))
	for k := range r.backends {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// ListFactories returns the kinds of all registered factories, sorted.
func (r *Registry) ListFactories() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]Kind, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
