// SPDX-License-Identifier: GPL-2.0-or-later

package frame

import (
	"errors"
	"fmt"
	"image"
	"time"

	"arrec/pkg/geom"
)

// PixelFormat pixel buffer layout.
type PixelFormat uint8

// Pixel formats.
const (
	FormatUnknown PixelFormat = iota
	FormatBGRA
	FormatRGBA
	// Bi-planar 4:2:0, plane 0 is luma and plane 1 interleaved CbCr.
	FormatNV12
	// Segmentation mask, one 8 bit component.
	FormatGray8
	// One big-endian 16 bit component.
	FormatGray16
	// Depth in metres, one little-endian float32 component.
	FormatDepthFloat32
)

func (f PixelFormat) String() string {
	switch f {
	case FormatBGRA:
		return "BGRA"
	case FormatRGBA:
		return "RGBA"
	case FormatNV12:
		return "NV12"
	case FormatGray8:
		return "Gray8"
	case FormatGray16:
		return "Gray16"
	case FormatDepthFloat32:
		return "DepthFloat32"
	}
	return fmt.Sprintf("PixelFormat(%d)", uint8(f))
}

// ParsePixelFormat inverse of String.
func ParsePixelFormat(s string) (PixelFormat, error) {
	for f := FormatBGRA; f <= FormatDepthFloat32; f++ {
		if f.String() == s {
			return f, nil
		}
	}
	return FormatUnknown, fmt.Errorf("%w: %q", ErrUnknownFormat, s)
}

// planes returns the bytes per sample of each plane.
func (f PixelFormat) planes() []int {
	switch f {
	case FormatBGRA, FormatRGBA:
		return []int{4}
	case FormatNV12:
		return []int{1, 2}
	case FormatGray8:
		return []int{1}
	case FormatGray16:
		return []int{2}
	case FormatDepthFloat32:
		return []int{4}
	}
	return nil
}

// Buffer raw pixel buffer.
type Buffer struct {
	Format  PixelFormat
	Width   int
	Height  int
	Planes  [][]byte
	Strides []int
}

// Errors.
var (
	ErrUnknownFormat = errors.New("unknown pixel format")
	ErrInvalidBuffer = errors.New("invalid buffer")
)

// NewBuffer allocates a tightly packed buffer.
func NewBuffer(format PixelFormat, width, height int) (*Buffer, error) {
	buf := &Buffer{Format: format, Width: width, Height: height}
	bpp := format.planes()
	if bpp == nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknownFormat, format)
	}
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: size %dx%d", ErrInvalidBuffer, width, height)
	}
	for i, n := range bpp {
		w, h := buf.planeSize(i)
		stride := w * n
		buf.Planes = append(buf.Planes, make([]byte, stride*h))
		buf.Strides = append(buf.Strides, stride)
	}
	return buf, nil
}

// planeSize returns the plane dimensions in samples.
func (b *Buffer) planeSize(i int) (int, int) {
	if b.Format == FormatNV12 && i == 1 {
		return (b.Width + 1) / 2, (b.Height + 1) / 2
	}
	return b.Width, b.Height
}

// Validate checks that planes and strides cover the buffer size.
func (b *Buffer) Validate() error {
	if b == nil {
		return fmt.Errorf("%w: nil", ErrInvalidBuffer)
	}
	bpp := b.Format.planes()
	if bpp == nil {
		return fmt.Errorf("%w: %v", ErrUnknownFormat, b.Format)
	}
	if b.Width <= 0 || b.Height <= 0 {
		return fmt.Errorf("%w: size %dx%d", ErrInvalidBuffer, b.Width, b.Height)
	}
	if len(b.Planes) != len(bpp) || len(b.Strides) != len(bpp) {
		return fmt.Errorf("%w: %v expects %d planes, got %d",
			ErrInvalidBuffer, b.Format, len(bpp), len(b.Planes))
	}
	for i, n := range bpp {
		w, h := b.planeSize(i)
		stride := b.Strides[i]
		if stride < w*n {
			return fmt.Errorf("%w: plane %d stride %d < %d", ErrInvalidBuffer, i, stride, w*n)
		}
		if need := stride*(h-1) + w*n; len(b.Planes[i]) < need {
			return fmt.Errorf("%w: plane %d has %d bytes, need %d",
				ErrInvalidBuffer, i, len(b.Planes[i]), need)
		}
	}
	return nil
}

// Image wraps the buffer as an image.Image. RGBA and Gray formats share
// memory with the buffer, BGRA and NV12 are read through adapters.
// DepthFloat32 has no image representation.
func (b *Buffer) Image() (image.Image, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}
	rect := image.Rect(0, 0, b.Width, b.Height)
	switch b.Format {
	case FormatRGBA:
		return &image.RGBA{Pix: b.Planes[0], Stride: b.Strides[0], Rect: rect}, nil
	case FormatBGRA:
		return &bgra{Pix: b.Planes[0], Stride: b.Strides[0], Rect: rect}, nil
	case FormatGray8:
		return &image.Gray{Pix: b.Planes[0], Stride: b.Strides[0], Rect: rect}, nil
	case FormatGray16:
		return &image.Gray16{Pix: b.Planes[0], Stride: b.Strides[0], Rect: rect}, nil
	case FormatNV12:
		return &nv12{
			Y: b.Planes[0], YStride: b.Strides[0],
			C: b.Planes[1], CStride: b.Strides[1],
			Rect: rect,
		}, nil
	}
	return nil, fmt.Errorf("%w: %v has no image representation", ErrUnknownFormat, b.Format)
}

// Modality one captured video channel.
type Modality uint8

// Modalities in finalize order.
const (
	Color Modality = iota
	Depth
	Segmentation
)

// Modalities all modalities in finalize order.
var Modalities = []Modality{Color, Depth, Segmentation}

func (m Modality) String() string {
	switch m {
	case Color:
		return "color"
	case Depth:
		return "depth"
	case Segmentation:
		return "segmentation"
	}
	return fmt.Sprintf("Modality(%d)", uint8(m))
}

// Orientation device orientation code.
type Orientation int

// Orientation codes written to the metadata document.
const (
	OrientationUnknown            Orientation = 0
	OrientationPortrait           Orientation = 1
	OrientationPortraitUpsideDown Orientation = 2
	OrientationLandscapeLeft      Orientation = 3
	OrientationLandscapeRight     Orientation = 4
	OrientationFaceUp             Orientation = 5
	OrientationFaceDown           Orientation = 6
)

// IsPortrait true for upright portrait only. Upside down portrait
// keeps the landscape film height and video resolution.
func (o Orientation) IsPortrait() bool {
	return o == OrientationPortrait
}

// Event one frame-ready tick from the tracking collaborator.
type Event struct {
	// Capture timestamp on a monotonic clock shared by all events.
	Timestamp time.Duration

	Color        *Buffer
	Depth        *Buffer
	Segmentation *Buffer

	Intrinsics *geom.Intrinsics
	Pose       *geom.Transform

	// Optional.
	Projection    *geom.Transform
	FocusDistance float32

	Orientation Orientation
	ViewWidth   int
	ViewHeight  int

	Planes []geom.Plane
}

// Buffer returns the buffer of modality m.
func (e *Event) Buffer(m Modality) *Buffer {
	switch m {
	case Color:
		return e.Color
	case Depth:
		return e.Depth
	case Segmentation:
		return e.Segmentation
	}
	return nil
}
