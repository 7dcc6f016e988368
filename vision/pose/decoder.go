package pose

import (
	"fmt"
	"image"
	"math"

	"github.com/golang/geo/r2"
	"gorgonia.org/tensor"

	"go.viam.com/movenet/ml"
	"go.viam.com/movenet/utils"
)

// Decoder turns a keypoint tensor into poses. Each keypoint is a [y, x, confidence] triple in
// normalized coordinates.
//
// Two layouts are understood:
//   - rank 4, [1, 1, Keypoints, 3]: a single subject.
//   - rank 3, [1, S, L] with S <= Subjects and L >= 3*Keypoints: one row per subject, of which the
//     first Keypoints triples are decoded. Every row yields a pose.
type Decoder struct {
	// Keypoints is the number of catalogue labels decoded per subject.
	Keypoints int
	// Subjects is the most rows a rank 3 tensor may hold.
	Subjects int
	// MinimumConfidence is the exclusive lower bound for a keypoint to be positioned.
	MinimumConfidence float64
}

// Validate returns an error when the decoder cannot decode anything.
func (d Decoder) Validate() error {
	if d.Keypoints <= 0 || d.Keypoints > NumLabels {
		return utils.NewUnsupportedConfigurationError("keypoints must be in [1, %d], got %d", NumLabels, d.Keypoints)
	}
	if d.Subjects <= 0 {
		return utils.NewUnsupportedConfigurationError("subjects must be positive, got %d", d.Subjects)
	}
	if math.IsNaN(d.MinimumConfidence) || d.MinimumConfidence < 0 || d.MinimumConfidence > 1 {
		return utils.NewUnsupportedConfigurationError("minimum confidence must be in [0, 1], got %v", d.MinimumConfidence)
	}
	return nil
}

// Decode decodes out, scaling positions to the size of img, the frame before any resizing.
func (d Decoder) Decode(out *tensor.Dense, img image.Image) ([]*Pose, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	shape := out.Shape()
	var subjects, stride int
	switch {
	case len(shape) == 4:
		if shape[0] != 1 || shape[1] != 1 || shape[2] != d.Keypoints || shape[3] != 3 {
			return nil, utils.NewShapeMismatchError("keypoint tensor", []int{1, 1, d.Keypoints, 3}, []int(shape))
		}
		subjects, stride = 1, d.Keypoints*3
	case len(shape) == 3:
		if shape[0] != 1 || shape[1] < 1 || shape[1] > d.Subjects || shape[2] < d.Keypoints*3 {
			return nil, utils.NewShapeMismatchError("keypoint tensor",
				fmt.Sprintf("[1 <=%d >=%d]", d.Subjects, d.Keypoints*3), []int(shape))
		}
		subjects, stride = shape[1], shape[2]
	default:
		return nil, utils.NewShapeMismatchError("keypoint tensor rank", "3 or 4", len(shape))
	}

	data, err := ml.Float32s(out)
	if err != nil {
		return nil, err
	}
	if len(data) < subjects*stride {
		return nil, utils.NewShapeMismatchError("keypoint tensor length", subjects*stride, len(data))
	}

	width, height := float64(img.Bounds().Dx()), float64(img.Bounds().Dy())
	threshold := float32(d.MinimumConfidence)
	poses := make([]*Pose, 0, subjects)
	for s := 0; s < subjects; s++ {
		row := data[s*stride:]
		parts := make([]BodyPart, d.Keypoints)
		for i := range parts {
			y, x, conf := row[i*3], row[i*3+1], row[i*3+2]
			parts[i] = BodyPart{Name: labels[i], Confidence: conf}
			if conf > threshold {
				parts[i].Position = r2.Point{X: float64(x) * width, Y: float64(y) * height}
			} else {
				parts[i].Position = r2.Point{X: math.NaN(), Y: math.NaN()}
			}
		}
		p, err := NewPose(img, parts)
		if err != nil {
			return nil, err
		}
		poses = append(poses, p)
	}
	return poses, nil
}
