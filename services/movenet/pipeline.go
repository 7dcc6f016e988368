// Package movenet estimates human poses in frames with the MoveNet family of models.
package movenet

import (
	"context"
	"image"
	"sync"

	"github.com/pkg/errors"
	"go.opencensus.io/trace"
	"go.uber.org/atomic"

	"go.viam.com/movenet/logging"
	"go.viam.com/movenet/ml/inference"
	"go.viam.com/movenet/rimage"
	"go.viam.com/movenet/utils"
	"go.viam.com/movenet/vision/pose"
)

// Stats are running counters of a pipeline.
type Stats struct {
	Frames             int64 `json:"frames"`
	Poses              int64 `json:"poses"`
	Reallocations      int64 `json:"reallocations"`
	ScratchAllocations int64 `json:"scratch_allocations"`
}

// A Pipeline turns frames into poses with one model. Calls to Predict are serialized. Pipelines
// share nothing, so separate pipelines may run in parallel.
type Pipeline struct {
	logger logging.Logger

	mu           sync.Mutex
	settings     settings
	preprocessor *rimage.Preprocessor
	invoker      *inference.Invoker
	buffer       *inference.InputBuffer
	decoder      pose.Decoder
	closed       bool

	frames        atomic.Int64
	poses         atomic.Int64
	reallocations atomic.Int64
	scratch       atomic.Int64
}

// New returns a pipeline running conf on engine. The model is loaded on the first frame.
func New(engine inference.Engine, conf *Config, logger logging.Logger) (*Pipeline, error) {
	s, err := conf.resolve()
	if err != nil {
		return nil, err
	}
	preprocessor, err := rimage.NewPreprocessor(s.interpolation)
	if err != nil {
		return nil, err
	}
	p := &Pipeline{
		logger:       logger,
		settings:     s,
		preprocessor: preprocessor,
		invoker: inference.NewInvoker(engine, inference.ModelSource{
			Directory: s.modelDirectory,
			File:      s.modelFile,
		}, logger.Sublogger("invoker")),
		buffer:  inference.NewInputBuffer(s.inputTensor, s.outputTensor, logger.Sublogger("buffer")),
		decoder: s.variant.Decoder(s.minimumConfidence),
	}
	logger.Infow("pipeline created", "variant", s.variant.Name, "model", s.modelFile, "input_size", s.inputSize)
	return p, nil
}

// NewFromConfig returns a pipeline running on the engine registered under conf's engine name.
func NewFromConfig(conf *Config, logger logging.Logger) (*Pipeline, error) {
	engine, err := inference.NewEngine(conf.engineName(), conf.engineAttributes())
	if err != nil {
		return nil, err
	}
	return New(engine, conf, logger)
}

// Variant is the variant the pipeline runs.
func (p *Pipeline) Variant() Variant {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.settings.variant
}

// Predict returns the poses found in a batch of frames. Only batches of exactly one frame are
// supported. After an inference failure every call returns that failure.
func (p *Pipeline) Predict(ctx context.Context, frames ...image.Image) ([]*pose.Pose, error) {
	ctx, span := trace.StartSpan(ctx, "service::movenet::Predict")
	defer span.End()

	if len(frames) != 1 {
		return nil, utils.NewUnsupportedConfigurationError("batch size must be 1, got %d frames", len(frames))
	}
	frame := frames[0]
	if frame == nil {
		return nil, errors.New("frame is nil")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, errors.New("pipeline is closed")
	}
	if err := p.invoker.Err(); err != nil {
		return nil, errors.Wrap(err, "pipeline is unusable")
	}

	session, err := p.invoker.Session(ctx)
	if err != nil {
		return nil, err
	}

	before := p.preprocessor.Allocations()
	size := image.Pt(p.settings.inputSize, p.settings.inputSize)
	prepared, err := p.preprocessor.Prepare(frame, size, p.settings.colorConversion)
	if err != nil {
		return nil, err
	}
	p.scratch.Add(int64(p.preprocessor.Allocations() - before))

	shape := inference.Shape{
		Batch:    1,
		Height:   p.settings.inputSize,
		Width:    p.settings.inputSize,
		Channels: rimage.Channels(prepared),
	}
	reallocated, err := p.buffer.Ensure(session, shape, p.settings.dataType)
	if err != nil {
		if errors.Is(err, utils.ErrInferenceFailure) {
			return nil, p.invoker.Fail(err)
		}
		return nil, err
	}
	if reallocated {
		p.reallocations.Inc()
	}
	if err := p.buffer.Update(prepared); err != nil {
		return nil, err
	}

	outputs, err := p.invoker.Run(ctx)
	if err != nil {
		return nil, err
	}
	out, err := outputs.Get(p.settings.outputTensor)
	if err != nil {
		return nil, p.invoker.Fail(err)
	}
	if rank := out.Dims(); rank != p.settings.variant.OutputRank {
		return nil, utils.NewShapeMismatchError("output rank of "+p.settings.variant.Name, p.settings.variant.OutputRank, rank)
	}
	poses, err := p.decoder.Decode(out, frame)
	if err != nil {
		return nil, err
	}

	p.frames.Inc()
	p.poses.Add(int64(len(poses)))
	return poses, nil
}

// Reconfigure applies a new config. Thresholds, color conversion, interpolation, element type and
// input size take effect on the next frame. Changes needing a different model or session are
// rejected.
func (p *Pipeline) Reconfigure(conf *Config) error {
	s, err := conf.resolve()
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New("pipeline is closed")
	}
	old := p.settings
	switch {
	case s.variant.Name != old.variant.Name:
		return utils.NewUnsupportedConfigurationError("cannot change variant from %q to %q", old.variant.Name, s.variant.Name)
	case s.modelFile != old.modelFile || s.modelDirectory != old.modelDirectory:
		return utils.NewUnsupportedConfigurationError("cannot change the model of a running pipeline")
	case s.inputTensor != old.inputTensor || s.outputTensor != old.outputTensor:
		return utils.NewUnsupportedConfigurationError("cannot change the tensor names of a running pipeline")
	}

	if s.interpolation != old.interpolation {
		preprocessor, err := rimage.NewPreprocessor(s.interpolation)
		if err != nil {
			return err
		}
		p.preprocessor.Release()
		p.preprocessor = preprocessor
	}
	p.settings = s
	p.decoder = s.variant.Decoder(s.minimumConfidence)
	p.logger.Infow("pipeline reconfigured",
		"minimum_confidence", s.minimumConfidence,
		"input_size", s.inputSize,
		"data_type", string(s.dataType),
		"interpolation", string(s.interpolation))
	return nil
}

// Stats returns the pipeline's counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Frames:             p.frames.Load(),
		Poses:              p.poses.Load(),
		Reallocations:      p.reallocations.Load(),
		ScratchAllocations: p.scratch.Load(),
	}
}

// Close releases the buffers, the session and the graph.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.buffer.Release()
	p.preprocessor.Release()
	return p.invoker.Close()
}
