package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/vocata-ai/vocata/pkg/provider/gen"
	"github.com/vocata-ai/vocata/pkg/provider/speech"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for each
// provider kind. It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	gen    map[string]func(ProviderEntry) (gen.Provider, error)
	speech map[string]func(ProviderEntry) (speech.Synthesizer, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		gen:    make(map[string]func(ProviderEntry) (gen.Provider, error)),
		speech: make(map[string]func(ProviderEntry) (speech.Synthesizer, error)),
	}
}

// RegisterGen registers a generation provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterGen(name string, factory func(ProviderEntry) (gen.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gen[name] = factory
}

// RegisterSpeech registers a speech synthesis backend factory under name.
func (r *Registry) RegisterSpeech(name string, factory func(ProviderEntry) (speech.Synthesizer, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.speech[name] = factory
}

// CreateGen instantiates a generation provider using the factory registered
// under entry.Name. Returns [ErrProviderNotRegistered] if no factory has been
// registered for that name.
func (r *Registry) CreateGen(entry ProviderEntry) (gen.Provider, error) {
	r.mu.RLock()
	factory, ok := r.gen[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: gen/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateSpeech instantiates a speech backend using the factory registered
// under entry.Name.
func (r *Registry) CreateSpeech(entry ProviderEntry) (speech.Synthesizer, error) {
	r.mu.RLock()
	factory, ok := r.speech[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: speech/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}
