// SPDX-License-Identifier: GPL-2.0-or-later

package encoder

import (
	"bytes"
	"fmt"
	"image/jpeg"
	"image/png"

	"arrec/pkg/convert"
	"arrec/pkg/frame"
	"arrec/pkg/video/mp4"
)

// Codec still image codec of one track.
type Codec interface {
	// Format the codec accepts.
	Format() frame.PixelFormat

	SampleEntry() mp4.BoxType
	Compressor() string
	Depth() uint16

	Encode(buf *frame.Buffer) ([]byte, error)
}

// DefaultJPEGQuality .
const DefaultJPEGQuality = 85

// NewCodec returns the codec of a modality. Color is lossy 8 bit
// Motion-JPEG, depth and segmentation are lossless PNG.
func NewCodec(m frame.Modality, jpegQuality int) (Codec, error) {
	switch m {
	case frame.Color:
		if jpegQuality <= 0 || jpegQuality > 100 {
			jpegQuality = DefaultJPEGQuality
		}
		return &jpegCodec{quality: jpegQuality}, nil
	case frame.Depth:
		return &pngCodec{format: frame.FormatGray16, depth: 24}, nil
	case frame.Segmentation:
		// QuickTime depth 40 is 8 bit grayscale.
		return &pngCodec{format: frame.FormatGray8, depth: 40}, nil
	}
	return nil, fmt.Errorf("%w: %v", ErrUnknownModality, m)
}

type jpegCodec struct {
	quality int
}

func (c *jpegCodec) Format() frame.PixelFormat { return frame.FormatRGBA }
func (c *jpegCodec) SampleEntry() mp4.BoxType  { return mp4.TypeJPEG }
func (c *jpegCodec) Compressor() string        { return "Photo - JPEG" }
func (c *jpegCodec) Depth() uint16             { return 24 }

func (c *jpegCodec) Encode(buf *frame.Buffer) ([]byte, error) {
	img, err := buf.Image()
	if err != nil {
		return nil, err
	}
	var b bytes.Buffer
	if err := jpeg.Encode(&b, img, &jpeg.Options{Quality: c.quality}); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

type pngCodec struct {
	format frame.PixelFormat
	depth  uint16
}

func (c *pngCodec) Format() frame.PixelFormat { return c.format }
func (c *pngCodec) SampleEntry() mp4.BoxType  { return mp4.TypePNG }
func (c *pngCodec) Compressor() string        { return "PNG" }
func (c *pngCodec) Depth() uint16             { return c.depth }

func (c *pngCodec) Encode(buf *frame.Buffer) ([]byte, error) {
	img, err := buf.Image()
	if err != nil {
		return nil, err
	}
	var b bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := enc.Encode(&b, img); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

// accepts reports whether buf can be encoded without conversion.
func accepts(c Codec, buf *frame.Buffer, width, height int) bool {
	return buf.Format == c.Format() && buf.Width == width && buf.Height == height
}

func target(c Codec, width, height int, depthRange float32) convert.Target {
	return convert.Target{
		Format:     c.Format(),
		Width:      width,
		Height:     height,
		DepthRange: depthRange,
	}
}
