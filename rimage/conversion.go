package rimage

import (
	"image"
	"image/color"
	"strings"

	"github.com/pkg/errors"

	"go.viam.com/movenet/utils"
)

// ColorConversion names a channel layout change applied to a frame before it is packed into a
// tensor. Channel order is positional: a converted color image stores channel 0 in R, 1 in G and
// 2 in B, whatever the channels actually mean.
type ColorConversion string

// The supported conversions.
const (
	BGR2RGB  = ColorConversion("bgr2rgb")
	RGB2BGR  = ColorConversion("rgb2bgr")
	RGB2Gray = ColorConversion("rgb2gray")
	BGR2Gray = ColorConversion("bgr2gray")
	Gray2RGB = ColorConversion("gray2rgb")
	Gray2BGR = ColorConversion("gray2bgr")
)

var conversionChannels = map[ColorConversion][2]int{
	BGR2RGB:  {3, 3},
	RGB2BGR:  {3, 3},
	RGB2Gray: {3, 1},
	BGR2Gray: {3, 1},
	Gray2RGB: {1, 3},
	Gray2BGR: {1, 3},
}

// ParseColorConversion parses a conversion name, case-insensitively.
func ParseColorConversion(s string) (ColorConversion, error) {
	conv := ColorConversion(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := conversionChannels[conv]; !ok {
		return "", utils.NewUnsupportedConfigurationError("unknown color conversion %q", s)
	}
	return conv, nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (conv *ColorConversion) UnmarshalText(text []byte) error {
	parsed, err := ParseColorConversion(string(text))
	if err != nil {
		return err
	}
	*conv = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (conv ColorConversion) MarshalText() ([]byte, error) {
	return []byte(conv), nil
}

// SourceChannels is the number of channels the conversion reads.
func (conv ColorConversion) SourceChannels() int {
	return conversionChannels[conv][0]
}

// Channels is the number of channels the conversion produces.
func (conv ColorConversion) Channels() int {
	return conversionChannels[conv][1]
}

// Validate returns an error for unknown conversions.
func (conv ColorConversion) Validate() error {
	if _, ok := conversionChannels[conv]; !ok {
		return utils.NewUnsupportedConfigurationError("unknown color conversion %q", string(conv))
	}
	return nil
}

// Channels reports the number of channels the pipeline packs for img: 1 for gray color models and
// 3 for everything else. Alpha is never packed.
func Channels(img image.Image) int {
	switch img.ColorModel() {
	case color.GrayModel, color.Gray16Model:
		return 1
	default:
		return 3
	}
}

// convertInto writes conv(src) into dst, which must have src's size and the conversion's output
// kind (*image.Gray for one channel, *image.NRGBA for three).
func convertInto(dst image.Image, src image.Image, conv ColorConversion) error {
	b := src.Bounds()
	switch conv {
	case BGR2RGB, RGB2BGR:
		out, ok := dst.(*image.NRGBA)
		if !ok {
			return utils.NewUnexpectedTypeError(out, dst)
		}
		for y := 0; y < b.Dy(); y++ {
			row := out.Pix[y*out.Stride : y*out.Stride+b.Dx()*4]
			for x := 0; x < b.Dx(); x++ {
				c0, c1, c2 := sample3(src, b.Min.X+x, b.Min.Y+y)
				row[x*4+0] = c2
				row[x*4+1] = c1
				row[x*4+2] = c0
				row[x*4+3] = 0xff
			}
		}
	case RGB2Gray, BGR2Gray:
		out, ok := dst.(*image.Gray)
		if !ok {
			return utils.NewUnexpectedTypeError(out, dst)
		}
		for y := 0; y < b.Dy(); y++ {
			row := out.Pix[y*out.Stride : y*out.Stride+b.Dx()]
			for x := 0; x < b.Dx(); x++ {
				c0, c1, c2 := sample3(src, b.Min.X+x, b.Min.Y+y)
				if conv == BGR2Gray {
					c0, c2 = c2, c0
				}
				row[x] = luma(c0, c1, c2)
			}
		}
	case Gray2RGB, Gray2BGR:
		out, ok := dst.(*image.NRGBA)
		if !ok {
			return utils.NewUnexpectedTypeError(out, dst)
		}
		for y := 0; y < b.Dy(); y++ {
			row := out.Pix[y*out.Stride : y*out.Stride+b.Dx()*4]
			for x := 0; x < b.Dx(); x++ {
				v := sample1(src, b.Min.X+x, b.Min.Y+y)
				row[x*4+0], row[x*4+1], row[x*4+2], row[x*4+3] = v, v, v, 0xff
			}
		}
	default:
		return errors.Errorf("no conversion routine for %q", conv)
	}
	return nil
}

// luma uses the ITU-R 601 weights, the same ones as color.GrayModel.
func luma(r, g, b uint8) uint8 {
	y := (19595*uint32(r) + 38470*uint32(g) + 7471*uint32(b) + 1<<15) >> 16
	return uint8(y)
}

// sample3 returns the three 8-bit channels at (x, y), with fast paths for the types produced by
// decoders and by the resize scratch buffer.
func sample3(img image.Image, x, y int) (uint8, uint8, uint8) {
	switch im := img.(type) {
	case *image.RGBA:
		i := im.PixOffset(x, y)
		return unpremultiply(im.Pix[i], im.Pix[i+1], im.Pix[i+2], im.Pix[i+3])
	case *image.NRGBA:
		i := im.PixOffset(x, y)
		return im.Pix[i], im.Pix[i+1], im.Pix[i+2]
	case *image.Gray:
		v := im.Pix[im.PixOffset(x, y)]
		return v, v, v
	default:
		c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
		return c.R, c.G, c.B
	}
}

// unpremultiply turns alpha-premultiplied 8-bit channels into straight ones.
func unpremultiply(r, g, b, a uint8) (uint8, uint8, uint8) {
	if a == 0xff {
		return r, g, b
	}
	c := color.NRGBAModel.Convert(color.RGBA{R: r, G: g, B: b, A: a}).(color.NRGBA)
	return c.R, c.G, c.B
}

func sample1(img image.Image, x, y int) uint8 {
	if im, ok := img.(*image.Gray); ok {
		return im.Pix[im.PixOffset(x, y)]
	}
	return color.GrayModel.Convert(img.At(x, y)).(color.Gray).Y
}
