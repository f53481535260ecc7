// SPDX-License-Identifier: GPL-2.0-or-later

package metadata

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"arrec/pkg/frame"
	"arrec/pkg/geom"
)

// Recorder errors.
var (
	ErrOutOfOrder      = errors.New("timestamp not after previous frame")
	ErrNonFinite       = errors.New("non finite value")
	ErrLensRecordSize  = errors.New("lens record size")
	ErrInvalidDocument = errors.New("invalid metadata document")
)

// Document metadata file content.
type Document struct {
	SchemaVersion  int             `json:"schema_version"`
	RenderData     RenderData      `json:"render_data"`
	CameraFrames   CameraFrames    `json:"camera_frames"`
	Planes         []PlaneRecord   `json:"planes,omitempty"`
	TrackedObjects []TrackedObject `json:"tracked_objects,omitempty"`
}

// RenderData session level render descriptor.
type RenderData struct {
	Orientation      int `json:"orientation"`
	FPS              int `json:"fps"`
	ViewResolutionX  int `json:"view_resolution_x"`
	ViewResolutionY  int `json:"view_resolution_y"`
	VideoResolutionX int `json:"video_resolution_x"`
	VideoResolutionY int `json:"video_resolution_y"`
}

// CameraFrames per frame parallel arrays. Transforms are row-major,
// four rows of four values.
type CameraFrames struct {
	Timestamps  []float64     `json:"timestamps"`
	Transforms  [][][]float32 `json:"transforms"`
	LensRecords [][]float32   `json:"lens_records"`
}

// PlaneRecord detected plane.
type PlaneRecord struct {
	Transform [][]float32    `json:"transform"`
	Alignment geom.Alignment `json:"alignment"`
}

// TrackedObject user placed object.
type TrackedObject struct {
	Transform [][]float32 `json:"transform"`
}

// RenderParams values known at finalize time.
type RenderParams struct {
	FPS         int
	ViewWidth   int
	ViewHeight  int
	VideoWidth  int
	VideoHeight int
}

// Recorder accumulates per frame metadata. The caller appends a frame
// only after the color encoder accepted it, so frame N of the
// document is sample N of the color track.
type Recorder struct {
	start       time.Duration
	orientation frame.Orientation
	schema      int
	lensSize    int

	mu          sync.Mutex
	timestamps  []float64
	transforms  []geom.Transform
	lensRecords []LensRecord
	lastTS      time.Duration
	planes      []geom.Plane
	objects     []geom.Transform
}

// NewRecorder creates a recorder. start is the session start on the
// capture clock and orientation the snapshot taken at start.
func NewRecorder(start time.Duration, orientation frame.Orientation, schema int) (*Recorder, error) {
	lensSize, err := LensRecordSize(schema)
	if err != nil {
		return nil, err
	}
	return &Recorder{
		start:       start,
		orientation: orientation,
		schema:      schema,
		lensSize:    lensSize,
	}, nil
}

// Schema version of the recorder.
func (r *Recorder) Schema() int {
	return r.schema
}

// Orientation snapshot.
func (r *Recorder) Orientation() frame.Orientation {
	return r.orientation
}

// AddFrame appends one frame. ts is the capture timestamp.
func (r *Recorder) AddFrame(ts time.Duration, transform geom.Transform, lens LensRecord) error {
	if len(lens) != r.lensSize {
		return fmt.Errorf("%w: got %d, schema %d expects %d",
			ErrLensRecordSize, len(lens), r.schema, r.lensSize)
	}
	if !transform.IsFinite() {
		return fmt.Errorf("%w: transform", ErrNonFinite)
	}
	for _, v := range lens {
		if !isFinite(v) {
			return fmt.Errorf("%w: lens record %v", ErrNonFinite, lens)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rel := ts - r.start
	if rel < 0 || (len(r.timestamps) != 0 && ts <= r.lastTS) {
		return fmt.Errorf("%w: %v", ErrOutOfOrder, rel)
	}
	r.lastTS = ts
	r.timestamps = append(r.timestamps, rel.Seconds())
	r.transforms = append(r.transforms, transform)
	r.lensRecords = append(r.lensRecords, append(LensRecord(nil), lens...))
	return nil
}

// Count number of recorded frames.
func (r *Recorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.timestamps)
}

// SetPlanes replaces the detected planes.
func (r *Recorder) SetPlanes(planes []geom.Plane) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.planes = append(r.planes[:0], planes...)
}

// AddTrackedObject appends a user placed object.
func (r *Recorder) AddTrackedObject(t geom.Transform) error {
	if !t.IsFinite() {
		return fmt.Errorf("%w: transform", ErrNonFinite)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.objects = append(r.objects, t)
	return nil
}

// Finalize builds the document. Portrait sessions report the video
// resolution in display orientation.
func (r *Recorder) Finalize(p RenderParams) (*Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	videoX, videoY := p.VideoWidth, p.VideoHeight
	if r.orientation.IsPortrait() {
		videoX, videoY = videoY, videoX
	}

	doc := &Document{
		SchemaVersion: r.schema,
		RenderData: RenderData{
			Orientation:      int(r.orientation),
			FPS:              p.FPS,
			ViewResolutionX:  p.ViewWidth,
			ViewResolutionY:  p.ViewHeight,
			VideoResolutionX: videoX,
			VideoResolutionY: videoY,
		},
		CameraFrames: CameraFrames{
			Timestamps:  append([]float64{}, r.timestamps...),
			Transforms:  make([][][]float32, 0, len(r.transforms)),
			LensRecords: make([][]float32, 0, len(r.lensRecords)),
		},
	}
	for _, t := range r.transforms {
		doc.CameraFrames.Transforms = append(doc.CameraFrames.Transforms, t.Rows())
	}
	for _, l := range r.lensRecords {
		doc.CameraFrames.LensRecords = append(doc.CameraFrames.LensRecords, []float32(l))
	}

	for _, plane := range r.planes {
		if !plane.Valid() {
			continue
		}
		doc.Planes = append(doc.Planes, PlaneRecord{
			Transform: plane.World().Rows(),
			Alignment: plane.Alignment,
		})
	}
	for _, t := range r.objects {
		doc.TrackedObjects = append(doc.TrackedObjects, TrackedObject{Transform: t.Rows()})
	}
	return doc, nil
}

// Marshal encodes the document.
func (d *Document) Marshal() ([]byte, error) {
	return json.MarshalIndent(d, "", "    ")
}

// Validate checks that the parallel arrays line up.
func (d *Document) Validate() error {
	lensSize, err := LensRecordSize(d.SchemaVersion)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	f := d.CameraFrames
	if len(f.Transforms) != len(f.Timestamps) || len(f.LensRecords) != len(f.Timestamps) {
		return fmt.Errorf("%w: %d timestamps, %d transforms, %d lens records",
			ErrInvalidDocument, len(f.Timestamps), len(f.Transforms), len(f.LensRecords))
	}
	for i, ts := range f.Timestamps {
		if i > 0 && ts <= f.Timestamps[i-1] {
			return fmt.Errorf("%w: timestamp %d not increasing", ErrInvalidDocument, i)
		}
		if _, err := geom.FromRows(f.Transforms[i]); err != nil {
			return fmt.Errorf("%w: transform %d: %v", ErrInvalidDocument, i, err)
		}
		if len(f.LensRecords[i]) != lensSize {
			return fmt.Errorf("%w: lens record %d has %d values",
				ErrInvalidDocument, i, len(f.LensRecords[i]))
		}
	}
	for i, p := range d.Planes {
		if _, err := geom.FromRows(p.Transform); err != nil {
			return fmt.Errorf("%w: plane %d: %v", ErrInvalidDocument, i, err)
		}
	}
	for i, o := range d.TrackedObjects {
		if _, err := geom.FromRows(o.Transform); err != nil {
			return fmt.Errorf("%w: tracked object %d: %v", ErrInvalidDocument, i, err)
		}
	}
	return nil
}

// Parse decodes and validates a document.
func Parse(data []byte) (*Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// WriteFile writes the document to a temporary file in the same
// directory and renames it into place.
func WriteFile(path string, doc *Document) error {
	data, err := doc.Marshal()
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tempPath := tmp.Name()
	abort := func() {
		tmp.Close()
		os.Remove(tempPath)
	}

	if _, err := tmp.Write(data); err != nil {
		abort()
		return fmt.Errorf("write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		abort()
		return fmt.Errorf("sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("close: %w", err)
	}
	if err := os.Chmod(tempPath, 0o644); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("chmod: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

func isFinite(v float32) bool {
	return !math.IsNaN(float64(v)) && !math.IsInf(float64(v), 0)
}
