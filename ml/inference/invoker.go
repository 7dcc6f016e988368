package inference

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.opencensus.io/trace"
	"go.uber.org/multierr"

	"go.viam.com/movenet/logging"
	"go.viam.com/movenet/ml"
	"go.viam.com/movenet/utils"
)

type invokerState int

const (
	stateNew invokerState = iota
	stateReady
	stateFailed
	stateClosed
)

// ModelSource locates a serialized model on disk.
type ModelSource struct {
	// Directory is searched first, then its content directory. Empty means the executable's
	// directory.
	Directory string
	File      string
}

// Invoker owns one graph and the session running it. The session is created on first use, exactly
// once, and any failure to create or run it is final: later calls return the first failure without
// touching the engine again.
type Invoker struct {
	engine Engine
	source ModelSource
	logger logging.Logger

	mu      sync.Mutex
	state   invokerState
	err     error
	graph   Graph
	session Session
}

// NewInvoker returns an invoker that loads source with engine when first used.
func NewInvoker(engine Engine, source ModelSource, logger logging.Logger) *Invoker {
	return &Invoker{engine: engine, source: source, logger: logger}
}

// Session returns the session, loading the graph and creating the session on the first call.
func (inv *Invoker) Session(ctx context.Context) (Session, error) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	switch inv.state {
	case stateReady:
		return inv.session, nil
	case stateFailed:
		return nil, inv.err
	case stateClosed:
		return nil, errors.New("invoker is closed")
	case stateNew:
	}
	if err := inv.initialize(ctx); err != nil {
		inv.state = stateFailed
		inv.err = err
		return nil, err
	}
	inv.state = stateReady
	return inv.session, nil
}

func (inv *Invoker) initialize(ctx context.Context) error {
	ctx, span := trace.StartSpan(ctx, "inference::Invoker::initialize")
	defer span.End()

	start := time.Now()
	path, err := utils.FindResourcePath(inv.source.Directory, inv.source.File)
	if err != nil {
		return err
	}
	inv.logger.Infow("loading model", "path", path)
	//nolint:gosec
	model, err := os.ReadFile(path)
	if err != nil {
		return utils.NewInferenceFailureError(err, fmt.Sprintf("cannot read model %q", path))
	}

	graph, err := inv.engine.LoadGraph(ctx, model)
	if err != nil {
		return utils.NewInferenceFailureError(err, fmt.Sprintf("cannot load graph %q", path))
	}
	guard := utils.NewGuard(func() {
		if err := graph.Close(); err != nil {
			inv.logger.Warnw("error closing graph after failed initialization", "error", err)
		}
	})
	defer guard.OnFail()

	session, err := inv.engine.NewSession(ctx, graph)
	if err != nil {
		return utils.NewInferenceFailureError(err, fmt.Sprintf("cannot create session for %q", path))
	}
	guard.Success()

	inv.graph = graph
	inv.session = session
	inv.logger.Infow("model loaded", "path", path, "duration", time.Since(start))
	return nil
}

// Run executes one forward pass of the session.
func (inv *Invoker) Run(ctx context.Context) (ml.Tensors, error) {
	ctx, span := trace.StartSpan(ctx, "inference::Invoker::Run")
	defer span.End()

	session, err := inv.Session(ctx)
	if err != nil {
		return nil, err
	}
	outputs, err := session.Run(ctx)
	if err != nil {
		return nil, inv.Fail(err)
	}
	return outputs, nil
}

// Fail marks the invoker as failed with err. Every later call returns the returned error, which
// wraps err as an inference failure. An invoker that already failed keeps its first failure.
func (inv *Invoker) Fail(err error) error {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if inv.state == stateFailed {
		return inv.err
	}
	if !errors.Is(err, utils.ErrInferenceFailure) {
		err = utils.NewInferenceFailureError(err, "forward pass failed")
	}
	inv.logger.Errorw("inference failed, the pipeline is no longer usable", "error", err)
	inv.state = stateFailed
	inv.err = err
	return err
}

// Err returns the failure that made the invoker unusable, if any.
func (inv *Invoker) Err() error {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.err
}

// Close releases the session and then the graph.
func (inv *Invoker) Close() error {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	var err error
	if inv.session != nil {
		err = multierr.Combine(err, inv.session.Close())
	}
	if inv.graph != nil {
		err = multierr.Combine(err, inv.graph.Close())
	}
	inv.session = nil
	inv.graph = nil
	inv.state = stateClosed
	return err
}
