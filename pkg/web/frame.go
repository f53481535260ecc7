// SPDX-License-Identifier: GPL-2.0-or-later

package web

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"arrec/pkg/frame"
	"arrec/pkg/geom"
)

// Binary ingest messages carry one frame event:
//
//	uint32 big-endian header length | JSON header | plane payloads
//
// Payloads follow the header in buffer order, planes in order, each
// plane exactly PlaneSizes[i] bytes.

// Frame message errors.
var (
	ErrShortMessage   = errors.New("message too short")
	ErrHeaderTooLarge = errors.New("header too large")
	ErrPayloadSize    = errors.New("payload size mismatch")
	ErrModality       = errors.New("unknown modality")
	ErrDuplicate      = errors.New("duplicate buffer")
)

const maxHeaderSize = 1 << 20

type frameHeader struct {
	// Capture time in microseconds on the producer's monotonic clock.
	Timestamp int64 `json:"timestamp"`

	Orientation frame.Orientation `json:"orientation"`
	ViewWidth   int               `json:"viewWidth"`
	ViewHeight  int               `json:"viewHeight"`

	Intrinsics    *geom.Intrinsics `json:"intrinsics,omitempty"`
	Pose          [][]float32      `json:"pose,omitempty"`
	Projection    [][]float32      `json:"projection,omitempty"`
	FocusDistance float32          `json:"focusDistance,omitempty"`

	Buffers []bufferHeader `json:"buffers"`
	Planes  []planeHeader  `json:"planes,omitempty"`
}

type bufferHeader struct {
	Modality   string `json:"modality"`
	Format     string `json:"format"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	Strides    []int  `json:"strides"`
	PlaneSizes []int  `json:"planeSizes"`
}

type planeHeader struct {
	Anchor    [][]float32    `json:"anchor"`
	Center    [3]float32     `json:"center"`
	Width     float32        `json:"width"`
	Height    float32        `json:"height"`
	RotationY float32        `json:"rotationY"`
	Alignment geom.Alignment `json:"alignment"`
}

func parseModality(s string) (frame.Modality, error) {
	for _, m := range frame.Modalities {
		if m.String() == s {
			return m, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrModality, s)
}

// DecodeFrame parses a binary ingest message. Plane payloads share
// memory with msg.
func DecodeFrame(msg []byte) (*frame.Event, error) { //nolint:funlen
	if len(msg) < 4 {
		return nil, ErrShortMessage
	}
	headerSize := binary.BigEndian.Uint32(msg)
	if headerSize > maxHeaderSize {
		return nil, fmt.Errorf("%w: %d", ErrHeaderTooLarge, headerSize)
	}
	if uint64(len(msg)-4) < uint64(headerSize) {
		return nil, fmt.Errorf("%w: header %d bytes, message %d", ErrShortMessage, headerSize, len(msg))
	}

	var h frameHeader
	if err := json.Unmarshal(msg[4:4+headerSize], &h); err != nil {
		return nil, fmt.Errorf("unmarshal header: %w", err)
	}
	payload := msg[4+headerSize:]

	ev := &frame.Event{
		Timestamp:     time.Duration(h.Timestamp) * time.Microsecond,
		Orientation:   h.Orientation,
		ViewWidth:     h.ViewWidth,
		ViewHeight:    h.ViewHeight,
		Intrinsics:    h.Intrinsics,
		FocusDistance: h.FocusDistance,
	}
	if h.Pose != nil {
		pose, err := geom.FromRows(h.Pose)
		if err != nil {
			return nil, fmt.Errorf("pose: %w", err)
		}
		ev.Pose = &pose
	}
	if h.Projection != nil {
		projection, err := geom.FromRows(h.Projection)
		if err != nil {
			return nil, fmt.Errorf("projection: %w", err)
		}
		ev.Projection = &projection
	}

	for _, bh := range h.Buffers {
		m, err := parseModality(bh.Modality)
		if err != nil {
			return nil, err
		}
		if ev.Buffer(m) != nil {
			return nil, fmt.Errorf("%w: %v", ErrDuplicate, m)
		}
		format, err := frame.ParsePixelFormat(bh.Format)
		if err != nil {
			return nil, err
		}
		if len(bh.Strides) != len(bh.PlaneSizes) {
			return nil, fmt.Errorf("%w: %v has %d strides and %d planes",
				ErrPayloadSize, m, len(bh.Strides), len(bh.PlaneSizes))
		}

		buf := &frame.Buffer{
			Format:  format,
			Width:   bh.Width,
			Height:  bh.Height,
			Strides: bh.Strides,
		}
		for _, size := range bh.PlaneSizes {
			if size < 0 || size > len(payload) {
				return nil, fmt.Errorf("%w: %v plane of %d bytes, %d left",
					ErrPayloadSize, m, size, len(payload))
			}
			buf.Planes = append(buf.Planes, payload[:size:size])
			payload = payload[size:]
		}
		setBuffer(ev, m, buf)
	}
	if len(payload) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrPayloadSize, len(payload))
	}

	for _, ph := range h.Planes {
		anchor, err := geom.FromRows(ph.Anchor)
		if err != nil {
			return nil, fmt.Errorf("plane anchor: %w", err)
		}
		ev.Planes = append(ev.Planes, geom.Plane{
			Anchor:    anchor,
			Center:    ph.Center,
			Width:     ph.Width,
			Height:    ph.Height,
			RotationY: ph.RotationY,
			Alignment: ph.Alignment,
		})
	}
	return ev, nil
}

func setBuffer(ev *frame.Event, m frame.Modality, buf *frame.Buffer) {
	switch m {
	case frame.Color:
		ev.Color = buf
	case frame.Depth:
		ev.Depth = buf
	case frame.Segmentation:
		ev.Segmentation = buf
	}
}

// EncodeFrame builds a binary ingest message from ev.
func EncodeFrame(ev *frame.Event) ([]byte, error) {
	h := frameHeader{
		Timestamp:     ev.Timestamp.Microseconds(),
		Orientation:   ev.Orientation,
		ViewWidth:     ev.ViewWidth,
		ViewHeight:    ev.ViewHeight,
		Intrinsics:    ev.Intrinsics,
		FocusDistance: ev.FocusDistance,
		Buffers:       []bufferHeader{},
	}
	if ev.Pose != nil {
		h.Pose = ev.Pose.Rows()
	}
	if ev.Projection != nil {
		h.Projection = ev.Projection.Rows()
	}

	var payloadSize int
	for _, m := range frame.Modalities {
		buf := ev.Buffer(m)
		if buf == nil {
			continue
		}
		bh := bufferHeader{
			Modality: m.String(),
			Format:   buf.Format.String(),
			Width:    buf.Width,
			Height:   buf.Height,
			Strides:  buf.Strides,
		}
		for _, p := range buf.Planes {
			bh.PlaneSizes = append(bh.PlaneSizes, len(p))
			payloadSize += len(p)
		}
		h.Buffers = append(h.Buffers, bh)
	}
	for _, p := range ev.Planes {
		h.Planes = append(h.Planes, planeHeader{
			Anchor:    p.Anchor.Rows(),
			Center:    p.Center,
			Width:     p.Width,
			Height:    p.Height,
			RotationY: p.RotationY,
			Alignment: p.Alignment,
		})
	}

	header, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("marshal header: %w", err)
	}
	msg := make([]byte, 4, 4+len(header)+payloadSize)
	binary.BigEndian.PutUint32(msg, uint32(len(header)))
	msg = append(msg, header...)
	for _, m := range frame.Modalities {
		if buf := ev.Buffer(m); buf != nil {
			for _, p := range buf.Planes {
				msg = append(msg, p...)
			}
		}
	}
	return msg, nil
}
