// Package ml provides the tensor primitives shared by the inference engines and the decoders.
package ml

import (
	"sort"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"
	"gorgonia.org/tensor"

	"go.viam.com/movenet/utils"
)

// Tensors are a collection of named tensors, as fed to or fetched from an inference session.
type Tensors map[string]*tensor.Dense

// Names returns the sorted tensor names.
func (t Tensors) Names() []string {
	names := make([]string, 0, len(t))
	for name := range t {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Get returns the named tensor, or an error listing the available names.
func (t Tensors) Get(name string) (*tensor.Dense, error) {
	out, ok := t[name]
	if !ok || out == nil {
		return nil, errors.Errorf("no tensor named %q among tensors [%s]", name, strings.Join(t.Names(), ", "))
	}
	return out, nil
}

// DataType is the element type of an input tensor.
type DataType string

// The element types an input buffer can hold.
const (
	UInt8   = DataType("uint8")
	Int32   = DataType("int32")
	Float32 = DataType("float32")
)

// ParseDataType parses a data type name. The empty string selects Int32.
func ParseDataType(s string) (DataType, error) {
	switch dt := DataType(strings.ToLower(s)); dt {
	case "":
		return Int32, nil
	case UInt8, Int32, Float32:
		return dt, nil
	default:
		return "", utils.NewUnsupportedConfigurationError("tensor data type %q not implemented", s)
	}
}

// ByteWidth is the size in bytes of one element.
func (dt DataType) ByteWidth() int {
	switch dt {
	case UInt8:
		return 1
	case Int32, Float32:
		return 4
	default:
		return 0
	}
}

// Dtype maps the data type to its tensor.Dtype.
func (dt DataType) Dtype() (tensor.Dtype, error) {
	switch dt {
	case UInt8:
		return tensor.Uint8, nil
	case Int32:
		return tensor.Int32, nil
	case Float32:
		return tensor.Float32, nil
	default:
		return tensor.Dtype{}, utils.NewUnsupportedConfigurationError("tensor data type %q not implemented", string(dt))
	}
}

// number interface for converting between numbers.
type number interface {
	constraints.Integer | constraints.Float
}

// convertNumberSlice converts any number slice into another number slice.
func convertNumberSlice[T1, T2 number](t1 []T1) []T2 {
	t2 := make([]T2, len(t1))
	for i := range t1 {
		t2[i] = T2(t1[i])
	}
	return t2
}

// Float32s returns the backing data of t as float32 values. Float32 tensors are returned without
// a copy; other numeric tensors are converted.
func Float32s(t *tensor.Dense) ([]float32, error) {
	switch v := t.Data().(type) {
	case []float32:
		return v, nil
	case []float64:
		return convertNumberSlice[float64, float32](v), nil
	case []int32:
		return convertNumberSlice[int32, float32](v), nil
	case []int64:
		return convertNumberSlice[int64, float32](v), nil
	case []uint8:
		return convertNumberSlice[uint8, float32](v), nil
	case []int8:
		return convertNumberSlice[int8, float32](v), nil
	default:
		return nil, errors.Errorf("dont know how to convert tensor data of %T into a []float32", v)
	}
}
