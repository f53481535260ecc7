// SPDX-License-Identifier: GPL-2.0-or-later

package convert

import (
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"math"

	"arrec/pkg/frame"

	"golang.org/x/image/draw"
)

// Target output format and size.
type Target struct {
	Format frame.PixelFormat
	Width  int
	Height int

	// Depth above this many metres is clamped. Zero means the
	// 16 bit millimetre limit.
	DepthRange float32
}

// ConversionError buffer could not be converted.
type ConversionError struct {
	From frame.PixelFormat
	To   frame.PixelFormat
	Err  error
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("convert %v to %v: %v", e.From, e.To, e.Err)
}

func (e *ConversionError) Unwrap() error { return e.Err }

// Errors.
var (
	ErrUnsupported = errors.New("unsupported conversion")
	ErrTooLarge    = errors.New("target too large")
)

// maxPixels upper bound of a single allocation, 8K squared.
const maxPixels = 7680 * 7680

// Convert returns a new buffer with the contents of src in the target
// format and size. src is never modified. Every failure is a *ConversionError.
func Convert(src *frame.Buffer, dst Target) (*frame.Buffer, error) {
	var from frame.PixelFormat
	if src != nil {
		from = src.Format
	}
	wrap := func(err error) error {
		return &ConversionError{From: from, To: dst.Format, Err: err}
	}

	if err := src.Validate(); err != nil {
		return nil, wrap(err)
	}
	if dst.Width <= 0 || dst.Height <= 0 {
		return nil, wrap(fmt.Errorf("%w: size %dx%d", frame.ErrInvalidBuffer, dst.Width, dst.Height))
	}
	if dst.Width*dst.Height > maxPixels {
		return nil, wrap(fmt.Errorf("%w: %dx%d", ErrTooLarge, dst.Width, dst.Height))
	}

	var (
		out *frame.Buffer
		err error
	)
	switch dst.Format {
	case frame.FormatRGBA:
		out, err = toRGBA(src, dst)
	case frame.FormatGray16:
		out, err = toGray16(src, dst)
	case frame.FormatGray8:
		out, err = toGray8(src, dst)
	default:
		err = ErrUnsupported
	}
	if err != nil {
		return nil, wrap(err)
	}
	return out, nil
}

func toRGBA(src *frame.Buffer, dst Target) (*frame.Buffer, error) {
	switch src.Format {
	case frame.FormatRGBA, frame.FormatBGRA, frame.FormatNV12:
	default:
		return nil, ErrUnsupported
	}
	img, err := src.Image()
	if err != nil {
		return nil, err
	}
	out, err := frame.NewBuffer(frame.FormatRGBA, dst.Width, dst.Height)
	if err != nil {
		return nil, err
	}
	outImg, _ := out.Image()
	scale(draw.ApproxBiLinear, outImg.(draw.Image), img)
	return out, nil
}

func toGray16(src *frame.Buffer, dst Target) (*frame.Buffer, error) {
	var img image.Image
	switch src.Format {
	case frame.FormatDepthFloat32:
		img = depthToGray16(src, dst.DepthRange)
	case frame.FormatGray16:
		var err error
		if img, err = src.Image(); err != nil {
			return nil, err
		}
	default:
		return nil, ErrUnsupported
	}
	out, err := frame.NewBuffer(frame.FormatGray16, dst.Width, dst.Height)
	if err != nil {
		return nil, err
	}
	outImg, _ := out.Image()
	scale(draw.NearestNeighbor, outImg.(draw.Image), img)
	return out, nil
}

func toGray8(src *frame.Buffer, dst Target) (*frame.Buffer, error) {
	if src.Format != frame.FormatGray8 {
		return nil, ErrUnsupported
	}
	img, err := src.Image()
	if err != nil {
		return nil, err
	}
	out, err := frame.NewBuffer(frame.FormatGray8, dst.Width, dst.Height)
	if err != nil {
		return nil, err
	}
	outImg, _ := out.Image()
	scale(draw.NearestNeighbor, outImg.(draw.Image), img)
	return out, nil
}

// scale copies src into dst, resampling when the sizes differ.
func scale(s draw.Scaler, dst draw.Image, src image.Image) {
	if dst.Bounds().Size() == src.Bounds().Size() {
		draw.Draw(dst, dst.Bounds(), src, src.Bounds().Min, draw.Src)
		return
	}
	s.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
}

// depthToGray16 converts metres to millimetres. NaN, infinite and
// negative depths become 0, too far depths are clamped.
func depthToGray16(src *frame.Buffer, depthRange float32) *image.Gray16 {
	limit := float64(math.MaxUint16)
	if depthRange > 0 && float64(depthRange)*1000 < limit {
		limit = float64(depthRange) * 1000
	}

	img := image.NewGray16(image.Rect(0, 0, src.Width, src.Height))
	for y := 0; y < src.Height; y++ {
		row := src.Planes[0][y*src.Strides[0]:]
		for x := 0; x < src.Width; x++ {
			d := float64(math.Float32frombits(binary.LittleEndian.Uint32(row[x*4:])))
			var mm uint16
			switch {
			case math.IsNaN(d) || math.IsInf(d, 0) || d <= 0:
			case d*1000 >= limit:
				mm = uint16(limit)
			default:
				mm = uint16(math.Round(d * 1000))
			}
			i := img.PixOffset(x, y)
			img.Pix[i] = uint8(mm >> 8)
			img.Pix[i+1] = uint8(mm)
		}
	}
	return img
}
