// Package pose holds the body part catalogue, the pose types produced by the pipelines and the
// decoder turning keypoint tensors into poses.
package pose

import (
	"encoding/json"
	"image"
	"math"

	"github.com/golang/geo/r2"
	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
)

// The body part labels, in the order keypoint models emit them.
const (
	Nose          = "nose"
	LeftEye       = "left_eye"
	RightEye      = "right_eye"
	LeftEar       = "left_ear"
	RightEar      = "right_ear"
	LeftShoulder  = "left_shoulder"
	RightShoulder = "right_shoulder"
	LeftElbow     = "left_elbow"
	RightElbow    = "right_elbow"
	LeftWrist     = "left_wrist"
	RightWrist    = "right_wrist"
	LeftHip       = "left_hip"
	RightHip      = "right_hip"
	LeftKnee      = "left_knee"
	RightKnee     = "right_knee"
	LeftAnkle     = "left_ankle"
	RightAnkle    = "right_ankle"
)

var labels = [...]string{
	Nose, LeftEye, RightEye, LeftEar, RightEar,
	LeftShoulder, RightShoulder, LeftElbow, RightElbow, LeftWrist, RightWrist,
	LeftHip, RightHip, LeftKnee, RightKnee, LeftAnkle, RightAnkle,
}

// NumLabels is the size of the catalogue.
const NumLabels = len(labels)

// Labels returns the catalogue in keypoint order.
func Labels() []string {
	out := make([]string, len(labels))
	copy(out, labels[:])
	return out
}

// IsLabel returns whether name is in the catalogue.
func IsLabel(name string) bool {
	for _, l := range labels {
		if l == name {
			return true
		}
	}
	return false
}

// BodyPart is one keypoint of a pose. Position is in pixels of the original frame, and is NaN in
// both coordinates when the keypoint was not confidently detected.
type BodyPart struct {
	Name       string
	Position   r2.Point
	Confidence float32
}

// Detected returns whether the part has a position.
func (bp BodyPart) Detected() bool {
	return !math.IsNaN(bp.Position.X) && !math.IsNaN(bp.Position.Y)
}

type bodyPartJSON struct {
	Name       string   `json:"name"`
	X          *float64 `json:"x"`
	Y          *float64 `json:"y"`
	Confidence float32  `json:"confidence"`
}

// MarshalJSON writes undetected positions as nulls.
func (bp BodyPart) MarshalJSON() ([]byte, error) {
	out := bodyPartJSON{Name: bp.Name, Confidence: bp.Confidence}
	if bp.Detected() {
		x, y := bp.Position.X, bp.Position.Y
		out.X, out.Y = &x, &y
	}
	return json.Marshal(out)
}

// UnmarshalJSON reads nulls back as NaN positions.
func (bp *BodyPart) UnmarshalJSON(data []byte) error {
	var in bodyPartJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	bp.Name = in.Name
	bp.Confidence = in.Confidence
	bp.Position = r2.Point{X: math.NaN(), Y: math.NaN()}
	if in.X != nil && in.Y != nil {
		bp.Position = r2.Point{X: *in.X, Y: *in.Y}
	}
	return nil
}

// A Pose is an ordered set of uniquely named body parts found in one image.
type Pose struct {
	image image.Image
	parts []BodyPart
	index map[string]int
}

// NewPose returns a pose made of parts, in order. Part names must be unique.
func NewPose(img image.Image, parts []BodyPart) (*Pose, error) {
	p := &Pose{
		image: img,
		parts: make([]BodyPart, len(parts)),
		index: make(map[string]int, len(parts)),
	}
	copy(p.parts, parts)
	for i, part := range p.parts {
		if _, ok := p.index[part.Name]; ok {
			return nil, errors.Errorf("duplicate body part %q", part.Name)
		}
		p.index[part.Name] = i
	}
	return p, nil
}

// Image is the frame the pose was found in.
func (p *Pose) Image() image.Image {
	return p.image
}

// Len is the number of body parts.
func (p *Pose) Len() int {
	return len(p.parts)
}

// At returns the i-th body part.
func (p *Pose) At(i int) BodyPart {
	return p.parts[i]
}

// Parts returns a copy of the body parts in order.
func (p *Pose) Parts() []BodyPart {
	out := make([]BodyPart, len(p.parts))
	copy(out, p.parts)
	return out
}

// BodyPart looks up a part by label. Names outside the catalogue, and catalogue names the pose's
// model does not produce, are errors.
func (p *Pose) BodyPart(name string) (BodyPart, error) {
	if !IsLabel(name) {
		return BodyPart{}, errors.Errorf("%q is not a body part, expected one of %q", name, labels)
	}
	i, ok := p.index[name]
	if !ok {
		return BodyPart{}, errors.Errorf("pose has no body part %q", name)
	}
	return p.parts[i], nil
}

// MeanConfidence is the mean confidence over all parts, detected or not.
func (p *Pose) MeanConfidence() (float64, error) {
	data := make(stats.Float64Data, 0, len(p.parts))
	for _, part := range p.parts {
		data = append(data, float64(part.Confidence))
	}
	return stats.Mean(data)
}

// MarshalJSON writes the parts in order, followed by the mean confidence of a non-empty pose.
func (p *Pose) MarshalJSON() ([]byte, error) {
	out := struct {
		BodyParts      []BodyPart `json:"body_parts"`
		MeanConfidence *float64   `json:"mean_confidence,omitempty"`
	}{BodyParts: p.parts}
	if len(p.parts) > 0 {
		mean, err := p.MeanConfidence()
		if err != nil {
			return nil, err
		}
		out.MeanConfidence = &mean
	}
	return json.Marshal(out)
}

// SelectBodyPart returns the named part of every pose.
func SelectBodyPart(poses []*Pose, name string) ([]BodyPart, error) {
	out := make([]BodyPart, 0, len(poses))
	for _, p := range poses {
		part, err := p.BodyPart(name)
		if err != nil {
			return nil, err
		}
		out = append(out, part)
	}
	return out, nil
}
