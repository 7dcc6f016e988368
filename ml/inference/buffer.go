package inference

import (
	"fmt"
	"image"
	"image/color"

	"golang.org/x/exp/constraints"
	"gorgonia.org/tensor"

	"go.viam.com/movenet/logging"
	"go.viam.com/movenet/ml"
	"go.viam.com/movenet/rimage"
	"go.viam.com/movenet/utils"
)

// Shape is an NHWC image tensor shape.
type Shape struct {
	Batch    int
	Height   int
	Width    int
	Channels int
}

// Dims returns the shape as tensor dimensions.
func (s Shape) Dims() []int {
	return []int{s.Batch, s.Height, s.Width, s.Channels}
}

// Elements is the number of elements a tensor of this shape holds.
func (s Shape) Elements() int {
	return s.Batch * s.Height * s.Width * s.Channels
}

func (s Shape) String() string {
	return fmt.Sprintf("[%d %d %d %d]", s.Batch, s.Height, s.Width, s.Channels)
}

// InputBuffer owns the input tensor bound to a session. The tensor is reallocated and rebound only
// when the requested shape or element type changes.
type InputBuffer struct {
	inputName  string
	outputName string
	logger     logging.Logger

	tensor      *tensor.Dense
	shape       Shape
	dtype       ml.DataType
	allocations int
}

// NewInputBuffer returns an empty buffer feeding inputName and fetching outputName.
func NewInputBuffer(inputName, outputName string, logger logging.Logger) *InputBuffer {
	return &InputBuffer{inputName: inputName, outputName: outputName, logger: logger}
}

// Ensure makes sure the buffer has the given shape and element type, reallocating and rebinding it
// to session when either differs from what is bound. It reports whether a reallocation happened.
func (b *InputBuffer) Ensure(session Session, shape Shape, dtype ml.DataType) (bool, error) {
	if b.tensor != nil && b.shape == shape && b.dtype == dtype {
		return false, nil
	}
	if shape.Batch <= 0 || shape.Height <= 0 || shape.Width <= 0 || shape.Channels <= 0 {
		return false, utils.NewUnsupportedConfigurationError("invalid input shape %v", shape)
	}
	if _, err := dtype.Dtype(); err != nil {
		return false, err
	}

	oldShape, oldType := b.shape, b.dtype
	b.Release()

	n := shape.Elements()
	var backing interface{}
	switch dtype {
	case ml.UInt8:
		backing = make([]uint8, n)
	case ml.Int32:
		backing = make([]int32, n)
	case ml.Float32:
		backing = make([]float32, n)
	}
	t := tensor.New(tensor.WithShape(shape.Dims()...), tensor.WithBacking(backing))

	if !t.Shape().Eq(tensor.Shape(shape.Dims())) {
		return false, utils.NewShapeMismatchError("input tensor shape", shape.Dims(), []int(t.Shape()))
	}
	if expected := uintptr(n * dtype.ByteWidth()); t.MemSize() != expected {
		return false, utils.NewShapeMismatchError("input tensor byte size", expected, t.MemSize())
	}
	if err := session.BindInput(b.inputName, t); err != nil {
		return false, utils.NewInferenceFailureError(err, fmt.Sprintf("cannot bind input %q", b.inputName))
	}
	if err := session.DeclareOutputFetch(b.outputName); err != nil {
		return false, utils.NewInferenceFailureError(err, fmt.Sprintf("cannot fetch output %q", b.outputName))
	}

	b.tensor = t
	b.shape = shape
	b.dtype = dtype
	b.allocations++
	b.logger.Debugw("input buffer reallocated",
		"old_shape", oldShape.String(), "old_type", string(oldType),
		"shape", shape.String(), "type", string(dtype), "bytes", t.MemSize())
	return true, nil
}

// Update copies frames into the buffer, frame i starting at batch offset i. Every frame must match
// the buffer's height, width and channel count, and there must be exactly one frame per batch entry.
func (b *InputBuffer) Update(frames ...image.Image) error {
	if b.tensor == nil {
		return utils.NewShapeMismatchError("input buffer", "an allocated buffer", "none")
	}
	if len(frames) != b.shape.Batch {
		return utils.NewShapeMismatchError("frame count", b.shape.Batch, len(frames))
	}
	for _, frame := range frames {
		got := Shape{
			Batch:    b.shape.Batch,
			Height:   frame.Bounds().Dy(),
			Width:    frame.Bounds().Dx(),
			Channels: rimage.Channels(frame),
		}
		if got != b.shape {
			return utils.NewShapeMismatchError("frame", b.shape, got)
		}
	}

	stride := b.shape.Height * b.shape.Width * b.shape.Channels
	for i, frame := range frames {
		var err error
		switch data := b.tensor.Data().(type) {
		case []uint8:
			err = packImage(data[i*stride:(i+1)*stride], frame, b.shape.Channels)
		case []int32:
			err = packImage(data[i*stride:(i+1)*stride], frame, b.shape.Channels)
		case []float32:
			err = packImage(data[i*stride:(i+1)*stride], frame, b.shape.Channels)
		default:
			err = utils.NewUnexpectedTypeError([]int32{}, data)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Tensor returns the bound tensor, or nil before the first Ensure.
func (b *InputBuffer) Tensor() *tensor.Dense {
	return b.tensor
}

// Shape returns the bound shape.
func (b *InputBuffer) Shape() Shape {
	return b.shape
}

// DataType returns the bound element type.
func (b *InputBuffer) DataType() ml.DataType {
	return b.dtype
}

// Allocations is the number of tensors allocated so far.
func (b *InputBuffer) Allocations() int {
	return b.allocations
}

// Release drops the tensor. The next Ensure allocates a new one.
func (b *InputBuffer) Release() {
	b.tensor = nil
	b.shape = Shape{}
	b.dtype = ""
}

type element interface {
	constraints.Integer | constraints.Float
}

// packImage writes img row-major into dst as channels values per pixel. Alpha is dropped and
// premultiplied pixels are packed with straight color values.
func packImage[T element](dst []T, img image.Image, channels int) error {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if len(dst) != w*h*channels {
		return utils.NewShapeMismatchError("packed frame length", w*h*channels, len(dst))
	}
	i := 0
	switch im := img.(type) {
	case *image.Gray:
		for y := 0; y < h; y++ {
			row := im.Pix[y*im.Stride : y*im.Stride+w]
			for _, v := range row {
				dst[i] = T(v)
				i++
			}
		}
	case *image.RGBA:
		for y := 0; y < h; y++ {
			row := im.Pix[y*im.Stride : y*im.Stride+w*4]
			for x := 0; x < w; x++ {
				r, g, b, a := row[x*4], row[x*4+1], row[x*4+2], row[x*4+3]
				if a != 0xff {
					c := color.NRGBAModel.Convert(color.RGBA{R: r, G: g, B: b, A: a}).(color.NRGBA)
					r, g, b = c.R, c.G, c.B
				}
				dst[i], dst[i+1], dst[i+2] = T(r), T(g), T(b)
				i += 3
			}
		}
	case *image.NRGBA:
		for y := 0; y < h; y++ {
			row := im.Pix[y*im.Stride : y*im.Stride+w*4]
			for x := 0; x < w; x++ {
				dst[i], dst[i+1], dst[i+2] = T(row[x*4]), T(row[x*4+1]), T(row[x*4+2])
				i += 3
			}
		}
	default:
		for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
			for x := bounds.Min.X; x < bounds.Max.X; x++ {
				if channels == 1 {
					dst[i] = T(color.GrayModel.Convert(im.At(x, y)).(color.Gray).Y)
					i++
					continue
				}
				c := color.NRGBAModel.Convert(im.At(x, y)).(color.NRGBA)
				dst[i], dst[i+1], dst[i+2] = T(c.R), T(c.G), T(c.B)
				i += 3
			}
		}
	}
	return nil
}
