// SPDX-License-Identifier: GPL-2.0-or-later

package metadata

import (
	"errors"
	"fmt"
	"math"

	"arrec/pkg/frame"
	"arrec/pkg/geom"
)

// Schema versions.
const (
	// Lens record [focal_length, sensor_height].
	Schema1 = 1

	// Lens record [fov_degrees, focal_length, sensor_height,
	// z_near, z_far, focus_distance, orientation].
	Schema2 = 2

	DefaultSchema = Schema2
)

// Film heights in millimetres.
const (
	filmHeightPortrait  = 36
	filmHeightLandscape = 24
)

// Lens derivation errors.
var (
	ErrUnknownSchema = errors.New("unknown schema version")
	ErrInvalidLens   = errors.New("invalid lens input")
)

// LensRecord per frame lens parameters, layout depends on the schema.
type LensRecord []float32

// LensRecordSize returns the number of fields of a lens record.
func LensRecordSize(schema int) (int, error) {
	switch schema {
	case Schema1:
		return 2, nil
	case Schema2:
		return 7, nil
	}
	return 0, fmt.Errorf("%w: %d", ErrUnknownSchema, schema)
}

// LensInput raw camera values of one frame.
type LensInput struct {
	Intrinsics  geom.Intrinsics
	ImageWidth  int
	ImageHeight int

	// Optional.
	Projection    *geom.Transform
	FocusDistance float32
}

// ClipDefaults used when the projection is missing or not perspective.
type ClipDefaults struct {
	ZNear float32
	ZFar  float32
}

// DeriveLens computes the lens record of a frame. The image is in
// sensor orientation, in portrait the vertical axis of the picture
// is the horizontal axis of the image.
func DeriveLens(in LensInput, o frame.Orientation, schema int, clip ClipDefaults) (LensRecord, error) {
	if in.ImageWidth <= 0 || in.ImageHeight <= 0 {
		return nil, fmt.Errorf("%w: image size %dx%d", ErrInvalidLens, in.ImageWidth, in.ImageHeight)
	}

	filmHeight := float64(filmHeightLandscape)
	focalPixels := float64(in.Intrinsics.Fy())
	sensorPixels := float64(in.ImageHeight)
	if o.IsPortrait() {
		filmHeight = filmHeightPortrait
		focalPixels = float64(in.Intrinsics.Fx())
		sensorPixels = float64(in.ImageWidth)
	}
	if !(focalPixels > 0) || math.IsInf(focalPixels, 0) {
		return nil, fmt.Errorf("%w: focal length %v", ErrInvalidLens, focalPixels)
	}

	focalLength := focalPixels * filmHeight / sensorPixels

	switch schema {
	case Schema1:
		return LensRecord{float32(focalLength), float32(filmHeight)}, nil
	case Schema2:
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownSchema, schema)
	}

	fov := 2 * math.Atan(sensorPixels/(2*focalPixels)) * 180 / math.Pi

	near, far := clip.ZNear, clip.ZFar
	if in.Projection != nil {
		if n, f, ok := geom.ClipPlanes(*in.Projection); ok {
			near, far = n, f
		}
	}

	focus := in.FocusDistance
	if math.IsNaN(float64(focus)) || math.IsInf(float64(focus), 0) || focus < 0 {
		focus = 0
	}

	return LensRecord{
		float32(fov),
		float32(focalLength),
		float32(filmHeight),
		near,
		far,
		focus,
		float32(o),
	}, nil
}
