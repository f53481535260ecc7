// SPDX-License-Identifier: GPL-2.0-or-later

package convert

import (
	"encoding/binary"
	"math"
	"testing"

	"arrec/pkg/frame"

	"github.com/stretchr/testify/require"
)

func newDepth(t *testing.T, w, h int, values ...float32) *frame.Buffer {
	t.Helper()
	buf, err := frame.NewBuffer(frame.FormatDepthFloat32, w, h)
	require.NoError(t, err)
	for i, v := range values {
		binary.LittleEndian.PutUint32(buf.Planes[0][i*4:], math.Float32bits(v))
	}
	return buf
}

func gray16At(buf *frame.Buffer, x, y int) uint16 {
	return binary.BigEndian.Uint16(buf.Planes[0][y*buf.Strides[0]+x*2:])
}

func TestConvertDepth(t *testing.T) {
	nan := float32(math.NaN())
	src := newDepth(t, 4, 1, 1.5, nan, -1, 100)
	before := append([]byte(nil), src.Planes[0]...)

	out, err := Convert(src, Target{Format: frame.FormatGray16, Width: 4, Height: 1, DepthRange: 10})
	require.NoError(t, err)
	require.Equal(t, frame.FormatGray16, out.Format)
	require.Equal(t, uint16(1500), gray16At(out, 0, 0))
	require.Equal(t, uint16(0), gray16At(out, 1, 0))
	require.Equal(t, uint16(0), gray16At(out, 2, 0))
	require.Equal(t, uint16(10000), gray16At(out, 3, 0))

	require.Equal(t, before, src.Planes[0], "source modified")
}

func TestConvertDepthScale(t *testing.T) {
	src := newDepth(t, 2, 1, 1, 2)
	out, err := Convert(src, Target{Format: frame.FormatGray16, Width: 4, Height: 2})
	require.NoError(t, err)

	// Nearest neighbour never blends depths.
	for y := 0; y < 2; y++ {
		for x := 0; x < 4; x++ {
			v := gray16At(out, x, y)
			require.Contains(t, []uint16{1000, 2000}, v)
		}
	}
}

func TestConvertColor(t *testing.T) {
	src, err := frame.NewBuffer(frame.FormatBGRA, 2, 2)
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		copy(src.Planes[0][i*4:], []byte{10, 20, 30, 255})
	}

	t.Run("sameSize", func(t *testing.T) {
		out, err := Convert(src, Target{Format: frame.FormatRGBA, Width: 2, Height: 2})
		require.NoError(t, err)
		require.Equal(t, []byte{30, 20, 10, 255}, out.Planes[0][:4])
	})
	t.Run("scaled", func(t *testing.T) {
		out, err := Convert(src, Target{Format: frame.FormatRGBA, Width: 4, Height: 4})
		require.NoError(t, err)
		require.Equal(t, 4, out.Width)
		for i, v := range []byte{30, 20, 10, 255} {
			require.InDelta(t, v, out.Planes[0][i], 1)
		}
	})
}

func TestConvertErrors(t *testing.T) {
	rgba, err := frame.NewBuffer(frame.FormatRGBA, 2, 2)
	require.NoError(t, err)

	cases := map[string]struct {
		src      *frame.Buffer
		target   Target
		expected error
	}{
		"unsupportedDepthSource": {
			src:      rgba,
			target:   Target{Format: frame.FormatGray16, Width: 2, Height: 2},
			expected: ErrUnsupported,
		},
		"unsupportedTarget": {
			src:      rgba,
			target:   Target{Format: frame.FormatNV12, Width: 2, Height: 2},
			expected: ErrUnsupported,
		},
		"invalidSource": {
			src:      &frame.Buffer{Format: frame.FormatDepthFloat32, Width: 2, Height: 2},
			target:   Target{Format: frame.FormatGray16, Width: 2, Height: 2},
			expected: frame.ErrInvalidBuffer,
		},
		"tooLarge": {
			src:      rgba,
			target:   Target{Format: frame.FormatRGBA, Width: 100000, Height: 100000},
			expected: ErrTooLarge,
		},
		"nil": {
			target:   Target{Format: frame.FormatRGBA, Width: 1, Height: 1},
			expected: frame.ErrInvalidBuffer,
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Convert(tc.src, tc.target)
			require.ErrorIs(t, err, tc.expected)

			var convErr *ConversionError
			require.ErrorAs(t, err, &convErr)
			require.Equal(t, tc.target.Format, convErr.To)
		})
	}
}
