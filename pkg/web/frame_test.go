// SPDX-License-Identifier: GPL-2.0-or-later

package web

import (
	"encoding/binary"
	"encoding/json"
	"testing"
	"time"

	"arrec/pkg/frame"
	"arrec/pkg/geom"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func newTestEvent(t *testing.T, ts time.Duration) *frame.Event {
	t.Helper()
	color, err := frame.NewBuffer(frame.FormatNV12, 4, 2)
	require.NoError(t, err)
	for i := range color.Planes[0] {
		color.Planes[0][i] = byte(i)
	}
	depth, err := frame.NewBuffer(frame.FormatDepthFloat32, 2, 1)
	require.NoError(t, err)

	pose := geom.Translation(1, 2, 3)
	projection := geom.Scale(2, 2, 1)
	intrinsics := geom.NewIntrinsics(3, 3, 2, 1)
	return &frame.Event{
		Timestamp:     ts,
		Color:         color,
		Depth:         depth,
		Intrinsics:    &intrinsics,
		Pose:          &pose,
		Projection:    &projection,
		FocusDistance: 0.5,
		Orientation:   frame.OrientationPortrait,
		ViewWidth:     390,
		ViewHeight:    844,
		Planes: []geom.Plane{{
			Anchor:    geom.Translation(0, -1, 0),
			Center:    [3]float32{0.1, 0, 0.2},
			Width:     2,
			Height:    3,
			Alignment: geom.AlignmentHorizontal,
		}},
	}
}

func TestEncodeDecodeFrame(t *testing.T) {
	ev := newTestEvent(t, 1500*time.Millisecond)
	msg, err := EncodeFrame(ev)
	require.NoError(t, err)

	decoded, err := DecodeFrame(msg)
	require.NoError(t, err)
	if diff := cmp.Diff(ev, decoded); diff != "" {
		t.Fatalf("decoded event mismatch (-want +got):\n%s", diff)
	}
	require.Nil(t, decoded.Segmentation)
	require.NoError(t, decoded.Color.Validate())
}

func buildMessage(t *testing.T, header interface{}, payload []byte) []byte {
	t.Helper()
	h, err := json.Marshal(header)
	require.NoError(t, err)
	msg := make([]byte, 4)
	binary.BigEndian.PutUint32(msg, uint32(len(h)))
	msg = append(msg, h...)
	return append(msg, payload...)
}

func TestDecodeFrameErrors(t *testing.T) {
	gray := bufferHeader{
		Modality:   "segmentation",
		Format:     "Gray8",
		Width:      2,
		Height:     2,
		Strides:    []int{2},
		PlaneSizes: []int{4},
	}
	tooLarge := make([]byte, 4)
	binary.BigEndian.PutUint32(tooLarge, maxHeaderSize+1)

	cases := map[string]struct {
		msg []byte
		err error
	}{
		"empty":          {nil, ErrShortMessage},
		"headerTooLarge": {tooLarge, ErrHeaderTooLarge},
		"truncated":      {[]byte{0, 0, 0, 9, '{'}, ErrShortMessage},
		"trailingBytes": {
			buildMessage(t, frameHeader{Buffers: []bufferHeader{gray}}, make([]byte, 5)),
			ErrPayloadSize,
		},
		"missingPayload": {
			buildMessage(t, frameHeader{Buffers: []bufferHeader{gray}}, make([]byte, 3)),
			ErrPayloadSize,
		},
		"modality": {
			buildMessage(t, frameHeader{Buffers: []bufferHeader{{Modality: "infrared"}}}, nil),
			ErrModality,
		},
		"duplicate": {
			buildMessage(t, frameHeader{Buffers: []bufferHeader{gray, gray}}, make([]byte, 8)),
			ErrDuplicate,
		},
		"format": {
			buildMessage(t, frameHeader{Buffers: []bufferHeader{{Modality: "color", Format: "YUYV"}}}, nil),
			frame.ErrUnknownFormat,
		},
		"pose": {
			buildMessage(t, frameHeader{Pose: [][]float32{{1, 2}}}, nil),
			geom.ErrShape,
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeFrame(tc.msg)
			require.ErrorIs(t, err, tc.err)
		})
	}
}
