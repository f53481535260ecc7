// SPDX-License-Identifier: GPL-2.0-or-later

package geom

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Transform is a row-major 4x4 matrix, t[row][col].
// Translation is stored in column 3.
type Transform [4][4]float32

// Identity returns the identity transform.
func Identity() Transform {
	return Transform{
		{1, 0, 0, 0},
		{0, 1, 0, 0},
		{0, 0, 1, 0},
		{0, 0, 0, 1},
	}
}

// Translation returns a transform that translates by x, y, z.
func Translation(x, y, z float32) Transform {
	t := Identity()
	t[0][3] = x
	t[1][3] = y
	t[2][3] = z
	return t
}

// Scale returns a transform that scales each axis.
func Scale(x, y, z float32) Transform {
	t := Identity()
	t[0][0] = x
	t[1][1] = y
	t[2][2] = z
	return t
}

// RotationX returns a rotation of angle radians around the x axis.
func RotationX(angle float64) Transform {
	s, c := float32(math.Sin(angle)), float32(math.Cos(angle))
	t := Identity()
	t[1][1], t[1][2] = c, -s
	t[2][1], t[2][2] = s, c
	return t
}

// RotationY returns a rotation of angle radians around the y axis.
func RotationY(angle float64) Transform {
	s, c := float32(math.Sin(angle)), float32(math.Cos(angle))
	t := Identity()
	t[0][0], t[0][2] = c, s
	t[2][0], t[2][2] = -s, c
	return t
}

func (t Transform) dense() *mat.Dense {
	data := make([]float64, 0, 16)
	for _, row := range t {
		for _, v := range row {
			data = append(data, float64(v))
		}
	}
	return mat.NewDense(4, 4, data)
}

func fromDense(m mat.Matrix) Transform {
	var t Transform
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			t[r][c] = float32(m.At(r, c))
		}
	}
	return t
}

// Mul returns t × o.
func (t Transform) Mul(o Transform) Transform {
	var out mat.Dense
	out.Mul(t.dense(), o.dense())
	return fromDense(&out)
}

// ErrSingular transform cannot be inverted.
var ErrSingular = errors.New("singular transform")

// Inverse returns the inverse of t.
func (t Transform) Inverse() (Transform, error) {
	var inv mat.Dense
	if err := inv.Inverse(t.dense()); err != nil {
		return Transform{}, fmt.Errorf("%w: %v", ErrSingular, err)
	}
	return fromDense(&inv), nil
}

// IsFinite reports whether every element is neither NaN nor infinite.
func (t Transform) IsFinite() bool {
	for _, row := range t {
		for _, v := range row {
			f := float64(v)
			if math.IsNaN(f) || math.IsInf(f, 0) {
				return false
			}
		}
	}
	return true
}

// Rows returns the transform as four rows of four floats.
func (t Transform) Rows() [][]float32 {
	rows := make([][]float32, 4)
	for i := range t {
		row := t[i]
		rows[i] = row[:]
	}
	return rows
}

// ErrShape rows do not form a 4x4 matrix.
var ErrShape = errors.New("transform must be 4 rows of 4 values")

// FromRows is the inverse of Rows.
func FromRows(rows [][]float32) (Transform, error) {
	var t Transform
	if len(rows) != 4 {
		return t, fmt.Errorf("%w: got %d rows", ErrShape, len(rows))
	}
	for r, row := range rows {
		if len(row) != 4 {
			return t, fmt.Errorf("%w: row %d has %d values", ErrShape, r, len(row))
		}
		copy(t[r][:], row)
	}
	return t, nil
}

// Intrinsics camera matrix, row-major.
//
//	fx  0 cx
//	 0 fy cy
//	 0  0  1
type Intrinsics [3][3]float32

// NewIntrinsics returns intrinsics from focal lengths and principal point in pixels.
func NewIntrinsics(fx, fy, cx, cy float32) Intrinsics {
	return Intrinsics{
		{fx, 0, cx},
		{0, fy, cy},
		{0, 0, 1},
	}
}

// Fx focal length along x in pixels.
func (i Intrinsics) Fx() float32 { return i[0][0] }

// Fy focal length along y in pixels.
func (i Intrinsics) Fy() float32 { return i[1][1] }

// ClipPlanes recovers the near and far clip distances from a GL-style
// perspective projection. ok is false for non-perspective matrices.
func ClipPlanes(p Transform) (near, far float32, ok bool) {
	m22, m23 := float64(p[2][2]), float64(p[2][3])
	if p[3][2] != -1 || m22 == 1 || m22 == -1 || m23 == 0 {
		return 0, 0, false
	}
	n := m23 / (m22 - 1)
	f := m23 / (m22 + 1)
	if n <= 0 || f <= n || math.IsInf(f, 0) {
		return 0, 0, false
	}
	return float32(n), float32(f), true
}

// Alignment of a detected plane.
type Alignment string

// Plane alignments.
const (
	AlignmentHorizontal Alignment = "horizontal"
	AlignmentVertical   Alignment = "vertical"
)

// Plane detected surface, relative to its anchor.
type Plane struct {
	Anchor    Transform
	Center    [3]float32
	Width     float32
	Height    float32
	RotationY float32
	Alignment Alignment
}

// World returns the transform that maps a unit quad in the xy plane
// onto the plane surface in world space.
func (p Plane) World() Transform {
	return p.Anchor.
		Mul(Translation(p.Center[0], p.Center[1], p.Center[2])).
		Mul(RotationY(float64(p.RotationY))).
		Mul(RotationX(-math.Pi / 2)).
		Mul(Scale(p.Width, p.Height, 1))
}

// Valid reports whether the plane maps to a finite, non degenerate
// surface. Planes without extent or with a singular anchor are not.
func (p Plane) Valid() bool {
	world := p.World()
	if !world.IsFinite() {
		return false
	}
	_, err := world.Inverse()
	return err == nil
}
