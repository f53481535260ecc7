// SPDX-License-Identifier: GPL-2.0-or-later

package frame

import (
	"image"
	"image/color"
)

// bgra is image.RGBA with swapped red and blue.
type bgra struct {
	Pix    []byte
	Stride int
	Rect   image.Rectangle
}

func (p *bgra) ColorModel() color.Model { return color.RGBAModel }

func (p *bgra) Bounds() image.Rectangle { return p.Rect }

func (p *bgra) At(x, y int) color.Color {
	if !(image.Point{x, y}.In(p.Rect)) {
		return color.RGBA{}
	}
	i := (y-p.Rect.Min.Y)*p.Stride + (x-p.Rect.Min.X)*4
	s := p.Pix[i : i+4 : i+4]
	return color.RGBA{R: s[2], G: s[1], B: s[0], A: s[3]}
}

// nv12 full range bi-planar YCbCr 4:2:0.
type nv12 struct {
	Y       []byte
	YStride int
	C       []byte
	CStride int
	Rect    image.Rectangle
}

func (p *nv12) ColorModel() color.Model { return color.YCbCrModel }

func (p *nv12) Bounds() image.Rectangle { return p.Rect }

func (p *nv12) At(x, y int) color.Color {
	if !(image.Point{x, y}.In(p.Rect)) {
		return color.YCbCr{}
	}
	x -= p.Rect.Min.X
	y -= p.Rect.Min.Y
	ci := (y/2)*p.CStride + (x/2)*2
	return color.YCbCr{
		Y:  p.Y[y*p.YStride+x],
		Cb: p.C[ci],
		Cr: p.C[ci+1],
	}
}
