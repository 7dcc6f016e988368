// Package inject provides injectable fakes of the inference engine boundary.
package inject

import (
	"context"

	"gorgonia.org/tensor"

	"go.viam.com/movenet/ml"
	"go.viam.com/movenet/ml/inference"
)

// Engine is an injected inference engine.
type Engine struct {
	inference.Engine
	LoadGraphFunc  func(ctx context.Context, model []byte) (inference.Graph, error)
	NewSessionFunc func(ctx context.Context, graph inference.Graph) (inference.Session, error)
}

// LoadGraph calls the injected LoadGraph or the real version.
func (e *Engine) LoadGraph(ctx context.Context, model []byte) (inference.Graph, error) {
	if e.LoadGraphFunc == nil {
		return e.Engine.LoadGraph(ctx, model)
	}
	return e.LoadGraphFunc(ctx, model)
}

// NewSession calls the injected NewSession or the real version.
func (e *Engine) NewSession(ctx context.Context, graph inference.Graph) (inference.Session, error) {
	if e.NewSessionFunc == nil {
		return e.Engine.NewSession(ctx, graph)
	}
	return e.NewSessionFunc(ctx, graph)
}

// Graph is an injected graph.
type Graph struct {
	inference.Graph
	CloseFunc func() error
}

// Close calls the injected Close or the real version.
func (g *Graph) Close() error {
	if g.CloseFunc == nil {
		if g.Graph == nil {
			return nil
		}
		return g.Graph.Close()
	}
	return g.CloseFunc()
}

// Session is an injected session.
type Session struct {
	inference.Session
	BindInputFunc          func(name string, t *tensor.Dense) error
	DeclareOutputFetchFunc func(name string) error
	RunFunc                func(ctx context.Context) (ml.Tensors, error)
	CloseFunc              func() error
}

// BindInput calls the injected BindInput or the real version.
func (s *Session) BindInput(name string, t *tensor.Dense) error {
	if s.BindInputFunc == nil {
		return s.Session.BindInput(name, t)
	}
	return s.BindInputFunc(name, t)
}

// DeclareOutputFetch calls the injected DeclareOutputFetch or the real version.
func (s *Session) DeclareOutputFetch(name string) error {
	if s.DeclareOutputFetchFunc == nil {
		return s.Session.DeclareOutputFetch(name)
	}
	return s.DeclareOutputFetchFunc(name)
}

// Run calls the injected Run or the real version.
func (s *Session) Run(ctx context.Context) (ml.Tensors, error) {
	if s.RunFunc == nil {
		return s.Session.Run(ctx)
	}
	return s.RunFunc(ctx)
}

// Close calls the injected Close or the real version.
func (s *Session) Close() error {
	if s.CloseFunc == nil {
		if s.Session == nil {
			return nil
		}
		return s.Session.Close()
	}
	return s.CloseFunc()
}
