package pose

import (
	"encoding/json"
	"image"
	"math"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"go.viam.com/test"
	"gorgonia.org/tensor"

	"go.viam.com/movenet/utils"
)

func singlePoseTensor(fill func(i int) (y, x, c float32)) *tensor.Dense {
	data := make([]float32, NumLabels*3)
	for i := 0; i < NumLabels; i++ {
		data[i*3], data[i*3+1], data[i*3+2] = fill(i)
	}
	return tensor.New(tensor.WithShape(1, 1, NumLabels, 3), tensor.WithBacking(data))
}

func TestCatalogue(t *testing.T) {
	all := Labels()
	test.That(t, all, test.ShouldHaveLength, 17)
	test.That(t, all[0], test.ShouldEqual, Nose)
	test.That(t, all[12], test.ShouldEqual, RightHip)
	test.That(t, all[16], test.ShouldEqual, RightAnkle)
	test.That(t, IsLabel(LeftWrist), test.ShouldBeTrue)
	test.That(t, IsLabel("tail"), test.ShouldBeFalse)

	all[0] = "changed"
	test.That(t, Labels()[0], test.ShouldEqual, Nose)
}

func TestDecodeDenormalizes(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 640, 480))
	out := singlePoseTensor(func(i int) (float32, float32, float32) {
		if i == 0 {
			return 0.5, 0.25, 0.9
		}
		return 0.1, 0.1, 0.1
	})

	poses, err := Decoder{Keypoints: NumLabels, Subjects: 1, MinimumConfidence: 0.2}.Decode(out, img)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, poses, test.ShouldHaveLength, 1)
	p := poses[0]
	test.That(t, p.Image() == image.Image(img), test.ShouldBeTrue)
	test.That(t, p.Len(), test.ShouldEqual, NumLabels)

	nose, err := p.BodyPart(Nose)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, nose.Position, test.ShouldResemble, r2.Point{X: 160, Y: 240})
	test.That(t, nose.Confidence, test.ShouldEqual, float32(0.9))
	test.That(t, nose.Detected(), test.ShouldBeTrue)

	for i, part := range p.Parts() {
		test.That(t, part.Name, test.ShouldEqual, Labels()[i])
		if i > 0 {
			test.That(t, part.Detected(), test.ShouldBeFalse)
			test.That(t, math.IsNaN(part.Position.X), test.ShouldBeTrue)
			test.That(t, part.Confidence, test.ShouldEqual, float32(0.1))
		}
	}
}

func TestDecodeThresholdIsStrict(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 100, 100))
	out := singlePoseTensor(func(i int) (float32, float32, float32) {
		switch i {
		case 0:
			return 0.5, 0.5, 0.5
		case 1:
			return 0.5, 0.5, 0.50001
		default:
			return 0.5, 0.5, 0
		}
	})

	poses, err := Decoder{Keypoints: NumLabels, Subjects: 1, MinimumConfidence: 0.5}.Decode(out, img)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, poses[0].At(0).Detected(), test.ShouldBeFalse)
	test.That(t, poses[0].At(1).Detected(), test.ShouldBeTrue)

	// a zero threshold still drops zero confidence keypoints
	poses, err = Decoder{Keypoints: NumLabels, Subjects: 1}.Decode(out, img)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, poses[0].At(0).Detected(), test.ShouldBeTrue)
	test.That(t, poses[0].At(2).Detected(), test.ShouldBeFalse)
}

func TestDecodeMultiPose(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 200, 100))
	const subjects, rowLen = 6, 56
	data := make([]float32, subjects*rowLen)
	for s := 0; s < subjects; s++ {
		for i := 0; i < 13; i++ {
			row := data[s*rowLen:]
			row[i*3], row[i*3+1], row[i*3+2] = 0.5, float32(s)/10, 0.8
		}
		// bounding box and score trail the keypoints
		data[s*rowLen+55] = 0.99
	}
	out := tensor.New(tensor.WithShape(1, subjects, rowLen), tensor.WithBacking(data))

	poses, err := Decoder{Keypoints: 13, Subjects: 6, MinimumConfidence: 0.3}.Decode(out, img)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, poses, test.ShouldHaveLength, 6)
	for s, p := range poses {
		test.That(t, p.Len(), test.ShouldEqual, 13)
		test.That(t, p.At(12).Name, test.ShouldEqual, RightHip)
		test.That(t, p.At(0).Position.X, test.ShouldAlmostEqual, float64(float32(s)/10)*200, 1e-4)
		test.That(t, p.At(0).Position.Y, test.ShouldAlmostEqual, 50, 1e-9)
		_, err := p.BodyPart(LeftKnee)
		test.That(t, err, test.ShouldNotBeNil)
	}

	// fewer rows than subjects is fine
	out = tensor.New(tensor.WithShape(1, 2, rowLen), tensor.WithBacking(data[:2*rowLen]))
	poses, err = Decoder{Keypoints: 13, Subjects: 6}.Decode(out, img)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, poses, test.ShouldHaveLength, 2)
}

func TestDecodeShapeMismatch(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 10, 10))
	single := Decoder{Keypoints: NumLabels, Subjects: 1}
	multi := Decoder{Keypoints: 13, Subjects: 6}

	for _, tc := range []struct {
		name    string
		decoder Decoder
		shape   []int
	}{
		{"wrong keypoints", single, []int{1, 1, 13, 3}},
		{"batch of two", single, []int{2, 1, NumLabels, 3}},
		{"wrong triple", single, []int{1, 1, NumLabels, 2}},
		{"too many subjects", multi, []int{1, 7, 56}},
		{"short rows", multi, []int{1, 6, 38}},
		{"rank 2", multi, []int{6, 56}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			n := 1
			for _, d := range tc.shape {
				n *= d
			}
			out := tensor.New(tensor.WithShape(tc.shape...), tensor.WithBacking(make([]float32, n)))
			_, err := tc.decoder.Decode(out, img)
			test.That(t, errors.Is(err, utils.ErrShapeMismatch), test.ShouldBeTrue)
		})
	}

	_, err := Decoder{Keypoints: 18, Subjects: 1}.Decode(singlePoseTensor(func(int) (float32, float32, float32) {
		return 0, 0, 0
	}), img)
	test.That(t, errors.Is(err, utils.ErrUnsupportedConfiguration), test.ShouldBeTrue)

	_, err = Decoder{Keypoints: NumLabels, Subjects: 1, MinimumConfidence: math.NaN()}.Decode(
		singlePoseTensor(func(int) (float32, float32, float32) { return 0.5, 0.5, 0.9 }), img)
	test.That(t, errors.Is(err, utils.ErrUnsupportedConfiguration), test.ShouldBeTrue)
}

func TestPoseLookups(t *testing.T) {
	_, err := NewPose(nil, []BodyPart{{Name: Nose}, {Name: Nose}})
	test.That(t, err, test.ShouldNotBeNil)

	nan := r2.Point{X: math.NaN(), Y: math.NaN()}
	p, err := NewPose(nil, []BodyPart{
		{Name: Nose, Position: r2.Point{X: 1, Y: 2}, Confidence: 0.4},
		{Name: LeftEye, Position: nan, Confidence: 0.2},
	})
	test.That(t, err, test.ShouldBeNil)

	_, err = p.BodyPart("elbow")
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "not a body part")

	mean, err := p.MeanConfidence()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, mean, test.ShouldAlmostEqual, 0.3, 1e-6)

	empty, err := NewPose(nil, nil)
	test.That(t, err, test.ShouldBeNil)
	_, err = empty.MeanConfidence()
	test.That(t, err, test.ShouldNotBeNil)

	other, err := NewPose(nil, []BodyPart{{Name: Nose, Position: r2.Point{X: 5, Y: 6}}})
	test.That(t, err, test.ShouldBeNil)
	noses, err := SelectBodyPart([]*Pose{p, other}, Nose)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, noses, test.ShouldHaveLength, 2)
	test.That(t, noses[1].Position, test.ShouldResemble, r2.Point{X: 5, Y: 6})
	_, err = SelectBodyPart([]*Pose{p, other}, LeftEye)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestPoseJSON(t *testing.T) {
	p, err := NewPose(nil, []BodyPart{
		{Name: Nose, Position: r2.Point{X: 1.5, Y: 2}, Confidence: 0.5},
		{Name: LeftEye, Position: r2.Point{X: math.NaN(), Y: math.NaN()}, Confidence: 0.25},
	})
	test.That(t, err, test.ShouldBeNil)
	out, err := json.Marshal(p)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, string(out), test.ShouldEqual,
		`{"body_parts":[{"name":"nose","x":1.5,"y":2,"confidence":0.5},{"name":"left_eye","x":null,"y":null,"confidence":0.25}],"mean_confidence":0.375}`)

	var parsed struct {
		BodyParts []BodyPart `json:"body_parts"`
	}
	test.That(t, json.Unmarshal(out, &parsed), test.ShouldBeNil)
	test.That(t, parsed.BodyParts[0].Position, test.ShouldResemble, r2.Point{X: 1.5, Y: 2})
	test.That(t, parsed.BodyParts[1].Detected(), test.ShouldBeFalse)

	empty, err := NewPose(nil, nil)
	test.That(t, err, test.ShouldBeNil)
	out, err = json.Marshal(empty)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, string(out), test.ShouldEqual, `{"body_parts":[]}`)
}
