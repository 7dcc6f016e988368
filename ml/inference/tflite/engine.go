//go:build !no_tflite && !no_cgo

package tflite

import (
	"context"
	"runtime"
	"sync"

	tflite "github.com/mattn/go-tflite"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"go.viam.com/movenet/logging"
	"go.viam.com/movenet/ml"
	"go.viam.com/movenet/ml/inference"
	"go.viam.com/movenet/utils"
)

// Supported reports whether this build links the TensorFlow Lite engine.
const Supported = true

func init() {
	inference.RegisterEngine(Name, func(attrs utils.AttributeMap) (inference.Engine, error) {
		conf, err := ConfigFromAttributes(attrs)
		if err != nil {
			return nil, err
		}
		return NewEngine(conf, logging.Global().Sublogger(Name)), nil
	})
}

// Engine runs TensorFlow Lite flatbuffer models.
type Engine struct {
	numThreads int
	logger     logging.Logger
}

// NewEngine returns an engine configured by conf.
func NewEngine(conf *Config, logger logging.Logger) *Engine {
	numThreads := conf.NumThreads
	if numThreads == 0 {
		numThreads = runtime.NumCPU()
	}
	return &Engine{numThreads: numThreads, logger: logger}
}

type graph struct {
	model *tflite.Model
}

func (g *graph) Close() error {
	if g.model != nil {
		g.model.Delete()
		g.model = nil
	}
	return nil
}

// LoadGraph parses a flatbuffer model.
func (e *Engine) LoadGraph(ctx context.Context, model []byte) (inference.Graph, error) {
	m := tflite.NewModel(model)
	if m == nil {
		return nil, errors.New("failed to create tflite model")
	}
	return &graph{model: m}, nil
}

// NewSession creates an interpreter for g, which must come from LoadGraph.
func (e *Engine) NewSession(ctx context.Context, g inference.Graph) (inference.Session, error) {
	tg, ok := g.(*graph)
	if !ok || tg.model == nil {
		return nil, utils.NewUnexpectedTypeError(tg, g)
	}
	options := tflite.NewInterpreterOptions()
	if options == nil {
		return nil, errors.New("interpreter options failed to be created")
	}
	options.SetNumThread(e.numThreads)
	options.SetErrorReporter(func(msg string, userData interface{}) {
		e.logger.Warnw("tflite", "message", msg)
	}, nil)

	interpreter := tflite.NewInterpreter(tg.model, options)
	if interpreter == nil {
		options.Delete()
		return nil, errors.New("failed to create tflite interpreter")
	}
	if status := interpreter.AllocateTensors(); status != tflite.OK {
		interpreter.Delete()
		options.Delete()
		return nil, errors.New("failed to allocate tensors")
	}
	return &session{
		interpreter: interpreter,
		options:     options,
		inputs:      map[int]*tensor.Dense{},
	}, nil
}

type session struct {
	mu          sync.Mutex
	interpreter *tflite.Interpreter
	options     *tflite.InterpreterOptions
	inputs      map[int]*tensor.Dense
	fetches     []string
}

func (s *session) BindInput(name string, t *tensor.Dense) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	index := -1
	for i := 0; i < s.interpreter.GetInputTensorCount(); i++ {
		if s.interpreter.GetInputTensor(i).Name() == name {
			index = i
			break
		}
	}
	if index < 0 {
		return errors.Errorf("model has no input named %q", name)
	}

	dims := make([]int32, 0, len(t.Shape()))
	for _, d := range t.Shape() {
		dims = append(dims, int32(d))
	}
	if status := s.interpreter.ResizeInputTensor(index, dims); status != tflite.OK {
		return errors.Errorf("cannot resize input %q to %v", name, t.Shape())
	}
	if status := s.interpreter.AllocateTensors(); status != tflite.OK {
		return errors.Errorf("cannot allocate tensors after resizing input %q", name)
	}
	input := s.interpreter.GetInputTensor(index)
	if want, got := input.Type(), tensorType(t.Dtype()); want != got {
		return utils.NewUnsupportedConfigurationError("input %q holds %v but got a %v tensor", name, want, t.Dtype())
	}
	if uintptr(input.ByteSize()) != t.MemSize() {
		return utils.NewShapeMismatchError("input "+name+" byte size", input.ByteSize(), t.MemSize())
	}
	s.inputs[index] = t
	return nil
}

func (s *session) DeclareOutputFetch(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, fetch := range s.fetches {
		if fetch == name {
			return nil
		}
	}
	for i := 0; i < s.interpreter.GetOutputTensorCount(); i++ {
		if s.interpreter.GetOutputTensor(i).Name() == name {
			s.fetches = append(s.fetches, name)
			return nil
		}
	}
	return errors.Errorf("model has no output named %q", name)
}

func (s *session) Run(ctx context.Context) (ml.Tensors, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for index, t := range s.inputs {
		if status := s.interpreter.GetInputTensor(index).CopyFromBuffer(t.Data()); status != tflite.OK {
			return nil, errors.Errorf("copying input %d to the interpreter failed", index)
		}
	}
	if status := s.interpreter.Invoke(); status != tflite.OK {
		return nil, errors.New("invoke failed")
	}

	outputs := ml.Tensors{}
	for i := 0; i < s.interpreter.GetOutputTensorCount(); i++ {
		out := s.interpreter.GetOutputTensor(i)
		if !s.fetched(out.Name()) {
			continue
		}
		t, err := copyOutput(out)
		if err != nil {
			return nil, errors.Wrapf(err, "output %q", out.Name())
		}
		outputs[out.Name()] = t
	}
	return outputs, nil
}

func (s *session) fetched(name string) bool {
	for _, fetch := range s.fetches {
		if fetch == name {
			return true
		}
	}
	return false
}

func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.interpreter != nil {
		s.interpreter.Delete()
		s.interpreter = nil
	}
	if s.options != nil {
		s.options.Delete()
		s.options = nil
	}
	s.inputs = nil
	return nil
}

func copyOutput(out *tflite.Tensor) (*tensor.Dense, error) {
	shape := out.Shape()
	n := 1
	for _, d := range shape {
		n *= d
	}
	var backing interface{}
	switch out.Type() {
	case tflite.Float32:
		backing = make([]float32, n)
	case tflite.Int32:
		backing = make([]int32, n)
	case tflite.UInt8:
		backing = make([]uint8, n)
	default:
		return nil, errors.Errorf("unsupported output tensor type %v", out.Type())
	}
	if status := out.CopyToBuffer(backing); status != tflite.OK {
		return nil, errors.New("copying output from the interpreter failed")
	}
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(backing)), nil
}

func tensorType(dt tensor.Dtype) tflite.TensorType {
	switch dt {
	case tensor.Float32:
		return tflite.Float32
	case tensor.Int32:
		return tflite.Int32
	case tensor.Uint8:
		return tflite.UInt8
	default:
		return tflite.NoType
	}
}
