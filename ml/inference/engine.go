// Package inference binds input tensors to an inference engine session and runs forward passes.
package inference

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"go.viam.com/movenet/ml"
	"go.viam.com/movenet/utils"
)

// An Engine turns serialized model bytes into graphs and runnable sessions.
type Engine interface {
	// LoadGraph parses a serialized model.
	LoadGraph(ctx context.Context, model []byte) (Graph, error)
	// NewSession creates a session able to run the graph.
	NewSession(ctx context.Context, graph Graph) (Session, error)
}

// A Graph is a loaded model.
type Graph interface {
	Close() error
}

// A Session runs forward passes of a graph. Inputs stay bound across runs until rebound.
type Session interface {
	// BindInput feeds t to the named input on every subsequent run.
	BindInput(name string, t *tensor.Dense) error
	// DeclareOutputFetch adds the named output to the set fetched by Run.
	DeclareOutputFetch(name string) error
	// Run executes one forward pass and returns the declared outputs.
	Run(ctx context.Context) (ml.Tensors, error)
	Close() error
}

// EngineConstructor builds an engine from its attributes.
type EngineConstructor func(attrs utils.AttributeMap) (Engine, error)

var (
	enginesMu sync.RWMutex
	engines   = map[string]EngineConstructor{}
)

// RegisterEngine registers an engine constructor under name. Registering the same name twice
// panics.
func RegisterEngine(name string, constructor EngineConstructor) {
	enginesMu.Lock()
	defer enginesMu.Unlock()
	if _, ok := engines[name]; ok {
		panic(errors.Errorf("trying to register two inference engines with the same name %q", name))
	}
	if constructor == nil {
		panic(errors.Errorf("cannot register a nil constructor for inference engine %q", name))
	}
	engines[name] = constructor
}

// NewEngine constructs the engine registered under name.
func NewEngine(name string, attrs utils.AttributeMap) (Engine, error) {
	enginesMu.RLock()
	constructor, ok := engines[name]
	enginesMu.RUnlock()
	if !ok {
		return nil, utils.NewUnsupportedConfigurationError(
			"no inference engine named %q, registered engines are %q", name, RegisteredEngines())
	}
	return constructor(attrs)
}

// RegisteredEngines lists the registered engine names.
func RegisteredEngines() []string {
	enginesMu.RLock()
	defer enginesMu.RUnlock()
	names := make([]string, 0, len(engines))
	for name := range engines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
