package inference_test

import (
	"context"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.viam.com/test"
	"gorgonia.org/tensor"

	"go.viam.com/movenet/logging"
	"go.viam.com/movenet/ml"
	"go.viam.com/movenet/ml/inference"
	"go.viam.com/movenet/testutils/inject"
	"go.viam.com/movenet/utils"
)

type fakeBackend struct {
	loads    atomic.Int32
	sessions atomic.Int32
	runs     atomic.Int32
	bound    map[string]*tensor.Dense
	fetches  []string
	runErr   error
	engine   *inject.Engine
}

func newFakeBackend() *fakeBackend {
	fb := &fakeBackend{bound: map[string]*tensor.Dense{}}
	fb.engine = &inject.Engine{
		LoadGraphFunc: func(ctx context.Context, model []byte) (inference.Graph, error) {
			fb.loads.Inc()
			if string(model) != "graph" {
				return nil, errors.New("not a graph")
			}
			return &inject.Graph{}, nil
		},
		NewSessionFunc: func(ctx context.Context, graph inference.Graph) (inference.Session, error) {
			fb.sessions.Inc()
			return &inject.Session{
				BindInputFunc: func(name string, t *tensor.Dense) error {
					fb.bound[name] = t
					return nil
				},
				DeclareOutputFetchFunc: func(name string) error {
					fb.fetches = append(fb.fetches, name)
					return nil
				},
				RunFunc: func(ctx context.Context) (ml.Tensors, error) {
					fb.runs.Inc()
					if fb.runErr != nil {
						return nil, fb.runErr
					}
					return ml.Tensors{"Identity": tensor.New(tensor.WithShape(1), tensor.WithBacking([]float32{1}))}, nil
				},
			}, nil
		},
	}
	return fb
}

func writeModel(t *testing.T, contents string) inference.ModelSource {
	t.Helper()
	dir := t.TempDir()
	test.That(t, os.WriteFile(filepath.Join(dir, "model.pb"), []byte(contents), 0o600), test.ShouldBeNil)
	return inference.ModelSource{Directory: dir, File: "model.pb"}
}

func TestInvokerInitializesOnce(t *testing.T) {
	fb := newFakeBackend()
	inv := inference.NewInvoker(fb.engine, writeModel(t, "graph"), logging.NewTestLogger(t))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := inv.Session(context.Background())
			test.That(t, err, test.ShouldBeNil)
		}()
	}
	wg.Wait()
	test.That(t, int(fb.loads.Load()), test.ShouldEqual, 1)
	test.That(t, int(fb.sessions.Load()), test.ShouldEqual, 1)

	outputs, err := inv.Run(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, outputs.Names(), test.ShouldResemble, []string{"Identity"})
	test.That(t, inv.Close(), test.ShouldBeNil)

	_, err = inv.Session(context.Background())
	test.That(t, err, test.ShouldNotBeNil)
}

func TestInvokerMissingModel(t *testing.T) {
	fb := newFakeBackend()
	inv := inference.NewInvoker(fb.engine, inference.ModelSource{Directory: t.TempDir(), File: "missing.pb"},
		logging.NewTestLogger(t))

	_, err := inv.Session(context.Background())
	test.That(t, errors.Is(err, utils.ErrResourceNotFound), test.ShouldBeTrue)
	test.That(t, err.Error(), test.ShouldContainSubstring, "content")
	test.That(t, int(fb.loads.Load()), test.ShouldEqual, 0)
}

func TestInvokerInitFailureIsSticky(t *testing.T) {
	fb := newFakeBackend()
	logger, logs := logging.NewObservedTestLogger(t)
	inv := inference.NewInvoker(fb.engine, writeModel(t, "garbage"), logger)

	_, err := inv.Session(context.Background())
	test.That(t, errors.Is(err, utils.ErrInferenceFailure), test.ShouldBeTrue)
	test.That(t, err.Error(), test.ShouldContainSubstring, "not a graph")

	_, err2 := inv.Run(context.Background())
	test.That(t, err2, test.ShouldEqual, err)
	test.That(t, int(fb.loads.Load()), test.ShouldEqual, 1)
	test.That(t, int(fb.sessions.Load()), test.ShouldEqual, 0)
	test.That(t, logs.FilterMessage("loading model").Len(), test.ShouldEqual, 1)
}

func TestInvokerSessionFailureClosesGraph(t *testing.T) {
	closed := 0
	engine := &inject.Engine{
		LoadGraphFunc: func(ctx context.Context, model []byte) (inference.Graph, error) {
			return &inject.Graph{CloseFunc: func() error {
				closed++
				return nil
			}}, nil
		},
		NewSessionFunc: func(ctx context.Context, graph inference.Graph) (inference.Session, error) {
			return nil, errors.New("no memory")
		},
	}
	inv := inference.NewInvoker(engine, writeModel(t, "graph"), logging.NewTestLogger(t))
	_, err := inv.Session(context.Background())
	test.That(t, errors.Is(err, utils.ErrInferenceFailure), test.ShouldBeTrue)
	test.That(t, closed, test.ShouldEqual, 1)
	test.That(t, inv.Close(), test.ShouldBeNil)
	test.That(t, closed, test.ShouldEqual, 1)
}

func TestInvokerRunFailureIsSticky(t *testing.T) {
	fb := newFakeBackend()
	fb.runErr = errors.New("kernel crashed")
	inv := inference.NewInvoker(fb.engine, writeModel(t, "graph"), logging.NewTestLogger(t))

	_, err := inv.Run(context.Background())
	test.That(t, errors.Is(err, utils.ErrInferenceFailure), test.ShouldBeTrue)
	test.That(t, errors.Is(err, fb.runErr), test.ShouldBeTrue)
	test.That(t, inv.Err(), test.ShouldEqual, err)

	_, err2 := inv.Run(context.Background())
	test.That(t, err2, test.ShouldEqual, err)
	test.That(t, int(fb.runs.Load()), test.ShouldEqual, 1)

	// a later failure does not replace the first one
	test.That(t, inv.Fail(errors.New("other")), test.ShouldEqual, err)
}

func TestInvokerCloseCombinesErrors(t *testing.T) {
	engine := &inject.Engine{
		LoadGraphFunc: func(ctx context.Context, model []byte) (inference.Graph, error) {
			return &inject.Graph{CloseFunc: func() error { return errors.New("graph close") }}, nil
		},
		NewSessionFunc: func(ctx context.Context, graph inference.Graph) (inference.Session, error) {
			return &inject.Session{CloseFunc: func() error { return errors.New("session close") }}, nil
		},
	}
	inv := inference.NewInvoker(engine, writeModel(t, "graph"), logging.NewTestLogger(t))
	_, err := inv.Session(context.Background())
	test.That(t, err, test.ShouldBeNil)
	err = inv.Close()
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "session close")
	test.That(t, err.Error(), test.ShouldContainSubstring, "graph close")
}

func TestInputBufferReuse(t *testing.T) {
	fb := newFakeBackend()
	session, err := fb.engine.NewSession(context.Background(), nil)
	test.That(t, err, test.ShouldBeNil)
	buf := inference.NewInputBuffer("x", "Identity", logging.NewTestLogger(t))

	shape := inference.Shape{Batch: 1, Height: 192, Width: 192, Channels: 3}
	reallocated, err := buf.Ensure(session, shape, ml.Int32)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, reallocated, test.ShouldBeTrue)
	first := buf.Tensor()
	test.That(t, fb.bound["x"] == first, test.ShouldBeTrue)
	test.That(t, first.MemSize(), test.ShouldEqual, uintptr(192*192*3*4))
	test.That(t, fb.fetches, test.ShouldResemble, []string{"Identity"})

	for i := 0; i < 10; i++ {
		reallocated, err = buf.Ensure(session, shape, ml.Int32)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, reallocated, test.ShouldBeFalse)
		test.That(t, buf.Tensor() == first, test.ShouldBeTrue)
	}
	test.That(t, buf.Allocations(), test.ShouldEqual, 1)

	bigger := inference.Shape{Batch: 1, Height: 256, Width: 256, Channels: 3}
	reallocated, err = buf.Ensure(session, bigger, ml.Int32)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, reallocated, test.ShouldBeTrue)
	test.That(t, fb.bound["x"] == buf.Tensor(), test.ShouldBeTrue)
	test.That(t, buf.Tensor().Shape(), test.ShouldResemble, tensor.Shape{1, 256, 256, 3})

	reallocated, err = buf.Ensure(session, bigger, ml.UInt8)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, reallocated, test.ShouldBeTrue)
	test.That(t, buf.Tensor().MemSize(), test.ShouldEqual, uintptr(256*256*3))
	test.That(t, buf.Allocations(), test.ShouldEqual, 3)
	test.That(t, fb.fetches, test.ShouldHaveLength, 3)

	buf.Release()
	test.That(t, buf.Tensor(), test.ShouldBeNil)
}

func TestInputBufferEnsureErrors(t *testing.T) {
	bindErr := errors.New("no such input")
	session := &inject.Session{BindInputFunc: func(name string, t *tensor.Dense) error { return bindErr }}
	buf := inference.NewInputBuffer("x", "Identity", logging.NewTestLogger(t))

	_, err := buf.Ensure(session, inference.Shape{Batch: 1, Height: 4, Width: 4, Channels: 3}, ml.Int32)
	test.That(t, errors.Is(err, utils.ErrInferenceFailure), test.ShouldBeTrue)
	test.That(t, errors.Is(err, bindErr), test.ShouldBeTrue)
	test.That(t, buf.Tensor(), test.ShouldBeNil)

	_, err = buf.Ensure(session, inference.Shape{Batch: 1, Height: 0, Width: 4, Channels: 3}, ml.Int32)
	test.That(t, errors.Is(err, utils.ErrUnsupportedConfiguration), test.ShouldBeTrue)

	_, err = buf.Ensure(session, inference.Shape{Batch: 1, Height: 4, Width: 4, Channels: 3}, ml.DataType("int64"))
	test.That(t, errors.Is(err, utils.ErrUnsupportedConfiguration), test.ShouldBeTrue)
}

func TestInputBufferUpdate(t *testing.T) {
	fb := newFakeBackend()
	session, err := fb.engine.NewSession(context.Background(), nil)
	test.That(t, err, test.ShouldBeNil)
	buf := inference.NewInputBuffer("x", "Identity", logging.NewTestLogger(t))

	test.That(t, buf.Update(image.NewRGBA(image.Rect(0, 0, 2, 2))), test.ShouldNotBeNil)

	_, err = buf.Ensure(session, inference.Shape{Batch: 1, Height: 2, Width: 2, Channels: 3}, ml.Int32)
	test.That(t, err, test.ShouldBeNil)

	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	img.SetRGBA(0, 0, color.RGBA{1, 2, 3, 255})
	img.SetRGBA(1, 0, color.RGBA{4, 5, 6, 255})
	img.SetRGBA(0, 1, color.RGBA{7, 8, 9, 255})
	img.SetRGBA(1, 1, color.RGBA{10, 11, 12, 255})
	test.That(t, buf.Update(img), test.ShouldBeNil)
	test.That(t, buf.Tensor().Data(), test.ShouldResemble, []int32{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12})

	// premultiplied pixels are packed with straight colors
	img.SetRGBA(1, 1, color.RGBA{100, 50, 25, 128})
	test.That(t, buf.Update(img), test.ShouldBeNil)
	straight := color.NRGBAModel.Convert(color.RGBA{100, 50, 25, 128}).(color.NRGBA)
	test.That(t, buf.Tensor().Data().([]int32)[9:12], test.ShouldResemble,
		[]int32{int32(straight.R), int32(straight.G), int32(straight.B)})
	test.That(t, straight.R > 150, test.ShouldBeTrue)
	img.SetRGBA(1, 1, color.RGBA{10, 11, 12, 255})

	// generic images go through the color model
	wide := image.NewNRGBA64(image.Rect(0, 0, 2, 2))
	wide.Set(1, 1, color.NRGBA{200, 100, 50, 255})
	test.That(t, buf.Update(wide), test.ShouldBeNil)
	test.That(t, buf.Tensor().Data().([]int32)[9:12], test.ShouldResemble, []int32{200, 100, 50})

	err = buf.Update(image.NewRGBA(image.Rect(0, 0, 3, 2)))
	test.That(t, errors.Is(err, utils.ErrShapeMismatch), test.ShouldBeTrue)
	err = buf.Update(image.NewGray(image.Rect(0, 0, 2, 2)))
	test.That(t, errors.Is(err, utils.ErrShapeMismatch), test.ShouldBeTrue)
	err = buf.Update(img, img)
	test.That(t, errors.Is(err, utils.ErrShapeMismatch), test.ShouldBeTrue)

	_, err = buf.Ensure(session, inference.Shape{Batch: 2, Height: 1, Width: 2, Channels: 1}, ml.Float32)
	test.That(t, err, test.ShouldBeNil)
	a := image.NewGray(image.Rect(0, 0, 2, 1))
	a.Pix = []uint8{1, 2}
	b := image.NewGray(image.Rect(0, 0, 2, 1))
	b.Pix = []uint8{3, 4}
	test.That(t, buf.Update(a, b), test.ShouldBeNil)
	test.That(t, buf.Tensor().Data(), test.ShouldResemble, []float32{1, 2, 3, 4})
}

func TestEngineRegistry(t *testing.T) {
	inference.RegisterEngine("fake_registry_test", func(attrs utils.AttributeMap) (inference.Engine, error) {
		return newFakeBackend().engine, nil
	})
	test.That(t, inference.RegisteredEngines(), test.ShouldContain, "fake_registry_test")

	engine, err := inference.NewEngine("fake_registry_test", nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, engine, test.ShouldNotBeNil)

	_, err = inference.NewEngine("onnx", nil)
	test.That(t, errors.Is(err, utils.ErrUnsupportedConfiguration), test.ShouldBeTrue)

	test.That(t, func() {
		inference.RegisterEngine("fake_registry_test", func(attrs utils.AttributeMap) (inference.Engine, error) {
			return nil, nil
		})
	}, test.ShouldPanic)
}
