package movenet

import (
	"go.viam.com/movenet/ml"
	"go.viam.com/movenet/utils"
	"go.viam.com/movenet/vision/pose"
)

// The tensor names of the published MoveNet TFLite exports.
const (
	DefaultInputTensor  = "serving_default_input:0"
	DefaultOutputTensor = "StatefulPartitionedCall:0"
)

// A Variant describes one MoveNet model: where to find it and how to read its output.
type Variant struct {
	Name      string
	ModelFile string
	// InputSize is the side of the square frame the model takes.
	InputSize int
	// OutputRank is 4 for single subject models and 3 for multi subject ones.
	OutputRank int
	Subjects   int
	Keypoints  int
	// DataType is the input element type the model file expects.
	DataType ml.DataType
}

// The known variants.
var (
	SinglePoseLightning = Variant{
		Name:       "singlepose_lightning",
		ModelFile:  "lite-model_movenet_singlepose_lightning_tflite_float16_4.tflite",
		InputSize:  192,
		OutputRank: 4,
		Subjects:   1,
		Keypoints:  pose.NumLabels,
		DataType:   ml.UInt8,
	}
	SinglePoseThunder = Variant{
		Name:       "singlepose_thunder",
		ModelFile:  "lite-model_movenet_singlepose_thunder_tflite_float16_4.tflite",
		InputSize:  256,
		OutputRank: 4,
		Subjects:   1,
		Keypoints:  pose.NumLabels,
		DataType:   ml.UInt8,
	}
	MultiPoseLightning = Variant{
		Name:       "multipose_lightning",
		ModelFile:  "lite-model_movenet_multipose_lightning_tflite_float16_1.tflite",
		InputSize:  256,
		OutputRank: 3,
		Subjects:   6,
		Keypoints:  13,
		DataType:   ml.UInt8,
	}
)

// Variants lists the known variants.
func Variants() []Variant {
	return []Variant{SinglePoseLightning, SinglePoseThunder, MultiPoseLightning}
}

// VariantNames lists the names of the known variants.
func VariantNames() []string {
	names := make([]string, 0, 3)
	for _, v := range Variants() {
		names = append(names, v.Name)
	}
	return names
}

// VariantByName looks a variant up by name.
func VariantByName(name string) (Variant, error) {
	for _, v := range Variants() {
		if v.Name == name {
			return v, nil
		}
	}
	return Variant{}, utils.NewUnsupportedConfigurationError("unknown variant %q, expected one of %q", name, VariantNames())
}

// Decoder returns a decoder for the variant's output.
func (v Variant) Decoder(minimumConfidence float64) pose.Decoder {
	return pose.Decoder{
		Keypoints:         v.Keypoints,
		Subjects:          v.Subjects,
		MinimumConfidence: minimumConfidence,
	}
}
