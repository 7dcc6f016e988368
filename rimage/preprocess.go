// Package rimage prepares incoming frames for a model: resizing to the model's input size and
// changing the channel layout, reusing scratch images across frames.
package rimage

import (
	"image"
	"strings"

	"golang.org/x/image/draw"

	"go.viam.com/movenet/utils"
)

// Interpolation names the resampling kernel used when a frame is resized.
type Interpolation string

// The supported interpolations.
const (
	NearestNeighbor = Interpolation("nearest")
	ApproxBiLinear  = Interpolation("approx_bilinear")
	BiLinear        = Interpolation("bilinear")
	CatmullRom      = Interpolation("catmull_rom")
)

// DefaultInterpolation is used when none is configured.
const DefaultInterpolation = BiLinear

var interpolators = map[Interpolation]draw.Interpolator{
	NearestNeighbor: draw.NearestNeighbor,
	ApproxBiLinear:  draw.ApproxBiLinear,
	BiLinear:        draw.BiLinear,
	CatmullRom:      draw.CatmullRom,
}

// ParseInterpolation parses an interpolation name. The empty string selects the default.
func ParseInterpolation(s string) (Interpolation, error) {
	if s == "" {
		return DefaultInterpolation, nil
	}
	interp := Interpolation(strings.ToLower(s))
	if _, ok := interpolators[interp]; !ok {
		return "", utils.NewUnsupportedConfigurationError("unknown interpolation %q", s)
	}
	return interp, nil
}

// Preprocessor resizes and recolors frames into scratch images it owns. Color scratch images are
// *image.NRGBA, so translucent pixels keep their straight color values after a resize. A scratch
// image is only reallocated when the requested size or channel count changes, so a steady stream
// of frames does not allocate. A Preprocessor must not be used from two goroutines at once, and the image
// it returns is only valid until the next call.
type Preprocessor struct {
	interp draw.Interpolator

	resizeTemp  draw.Image
	colorTemp   draw.Image
	allocations int
}

// NewPreprocessor returns a Preprocessor resampling with the given interpolation.
func NewPreprocessor(interp Interpolation) (*Preprocessor, error) {
	kernel, ok := interpolators[interp]
	if !ok {
		return nil, utils.NewUnsupportedConfigurationError("unknown interpolation %q", string(interp))
	}
	return &Preprocessor{interp: kernel}, nil
}

// Allocations is the number of scratch images allocated so far.
func (p *Preprocessor) Allocations() int {
	return p.allocations
}

// Prepare resizes img to size and then applies the optional conversion.
func (p *Preprocessor) Prepare(img image.Image, size image.Point, conv *ColorConversion) (image.Image, error) {
	return p.EnsureColorFormat(p.EnsureFrameSize(img, size), conv)
}

// EnsureFrameSize returns img itself when it already has the given size, and otherwise a resized
// copy held in the resize scratch image.
func (p *Preprocessor) EnsureFrameSize(img image.Image, size image.Point) image.Image {
	if img.Bounds().Size() == size {
		return img
	}
	p.resizeTemp = p.ensureScratch(p.resizeTemp, size, Channels(img))
	p.interp.Scale(p.resizeTemp, p.resizeTemp.Bounds(), img, img.Bounds(), draw.Src, nil)
	return p.resizeTemp
}

// EnsureColorFormat applies conv to img using the color scratch image. A nil conv returns img.
func (p *Preprocessor) EnsureColorFormat(img image.Image, conv *ColorConversion) (image.Image, error) {
	if conv == nil {
		return img, nil
	}
	if err := conv.Validate(); err != nil {
		return nil, err
	}
	if got := Channels(img); got != conv.SourceChannels() {
		return nil, utils.NewUnsupportedConfigurationError(
			"color conversion %q expects %d channel images but got %d", string(*conv), conv.SourceChannels(), got)
	}
	p.colorTemp = p.ensureScratch(p.colorTemp, img.Bounds().Size(), conv.Channels())
	if err := convertInto(p.colorTemp, img, *conv); err != nil {
		return nil, err
	}
	return p.colorTemp, nil
}

// Release drops the scratch images.
func (p *Preprocessor) Release() {
	p.resizeTemp = nil
	p.colorTemp = nil
}

func (p *Preprocessor) ensureScratch(current draw.Image, size image.Point, channels int) draw.Image {
	if current != nil && current.Bounds().Size() == size && Channels(current) == channels {
		return current
	}
	p.allocations++
	rect := image.Rectangle{Max: size}
	if channels == 1 {
		return image.NewGray(rect)
	}
	return image.NewNRGBA(rect)
}
