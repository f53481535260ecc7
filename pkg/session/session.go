// SPDX-License-Identifier: GPL-2.0-or-later

package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"arrec/pkg/audio"
	"arrec/pkg/encoder"
	"arrec/pkg/frame"
	"arrec/pkg/geom"
	"arrec/pkg/log"
	"arrec/pkg/metadata"
	"arrec/pkg/system"

	"github.com/google/uuid"
)

// State of the controller.
type State uint8

// States.
const (
	Idle State = iota
	Armed
	Recording
	Finalizing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Armed:
		return "armed"
	case Recording:
		return "recording"
	case Finalizing:
		return "finalizing"
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(text []byte) error {
	for state := Idle; state <= Finalizing; state++ {
		if state.String() == string(text) {
			*s = state
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrInvalidState, text)
}

// Errors.
var (
	ErrInvalidState          = errors.New("invalid state")
	ErrInsufficientDiskSpace = errors.New("insufficient disk space")
	ErrInvalidConfig         = errors.New("invalid config")
)

// MetadataFileName name of the metadata document in the session directory.
const MetadataFileName = "metadata.json"

// Config controller config.
type Config struct {
	StorageDir string

	FPS            int
	QueueSize      int
	AudioQueueSize int
	JPEGQuality    int
	DepthRange     float32

	Depth        bool
	Segmentation bool

	SchemaVersion int
	Clip          metadata.ClipDefaults

	// Bytes that must be free on the storage disk to start.
	MinDiskSpace uint64

	// Optional audio track on the color file.
	Audio *encoder.AudioFormat
}

// ArmParams values supplied by the caller when arming.
type ArmParams struct {
	FPS        int `json:"fps"`
	ViewWidth  int `json:"viewWidth"`
	ViewHeight int `json:"viewHeight"`
}

// FrameResult outcome of one frame event.
type FrameResult struct {
	State        State          `json:"state"`
	Started      bool           `json:"started"`
	Color        encoder.Result `json:"color"`
	Depth        encoder.Result `json:"depth"`
	Segmentation encoder.Result `json:"segmentation"`

	// Frame was appended to the metadata.
	Recorded bool `json:"recorded"`
}

// Result of a finalized session.
type Result struct {
	SessionID    string                   `json:"sessionId"`
	Dir          string                   `json:"dir"`
	Videos       []string                 `json:"videos"`
	MetadataPath string                   `json:"metadataPath"`
	Frames       int                      `json:"frames"`
	Encoders     map[string]encoder.Stats `json:"encoders"`
	Disarmed     bool                     `json:"disarmed"`
	Error        string                   `json:"error,omitempty"`
	Err          error                    `json:"-"`
}

// streamEncoder the encoder operations a session uses.
type streamEncoder interface {
	Submit(*frame.Buffer, time.Duration) encoder.Result
	AppendAudio(audio.Block) bool
	LatestTimestamp() (time.Duration, bool)
	Finish(onComplete func(error)) error
	Done() <-chan struct{}
	Resolution() (int, int)
	Stats() encoder.Stats
}

func openEncoder(first *frame.Buffer, cfg encoder.Config) (streamEncoder, error) {
	return encoder.Open(first, cfg)
}

// Controller drives recording sessions.
type Controller struct {
	cfg    Config
	logger *log.Logger

	diskFree    func(string) (uint64, error)
	openEncoder func(*frame.Buffer, encoder.Config) (streamEncoder, error)

	mu    sync.Mutex
	state State
	arm   ArmParams
	s     *session
	last  *Result
}

// session per recording resources, released after finalize.
type session struct {
	id          string
	dir         string
	start       time.Duration
	orientation frame.Orientation
	params      ArmParams

	// Indexed by modality, nil if not recorded.
	encoders [3]streamEncoder
	metadata *metadata.Recorder

	retimer *audio.Retimer

	viewWidth  int
	viewHeight int
}

// NewController creates a controller.
func NewController(cfg Config, logger *log.Logger) (*Controller, error) {
	if cfg.StorageDir == "" || !filepath.IsAbs(cfg.StorageDir) {
		return nil, fmt.Errorf("%w: storage dir %q", ErrInvalidConfig, cfg.StorageDir)
	}
	if cfg.FPS <= 0 {
		return nil, fmt.Errorf("%w: fps %d", ErrInvalidConfig, cfg.FPS)
	}
	if _, err := metadata.LensRecordSize(cfg.SchemaVersion); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if cfg.Clip.ZNear <= 0 || cfg.Clip.ZFar <= cfg.Clip.ZNear {
		return nil, fmt.Errorf("%w: clip planes %+v", ErrInvalidConfig, cfg.Clip)
	}
	return &Controller{
		cfg:         cfg,
		logger:      logger,
		diskFree:    system.DiskFree,
		openEncoder: openEncoder,
	}, nil
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Arm makes the next qualifying frame start a session.
func (c *Controller) Arm(p ArmParams) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != Idle {
		return fmt.Errorf("%w: arm while %v", ErrInvalidState, c.state)
	}
	if p.FPS < 0 || p.ViewWidth < 0 || p.ViewHeight < 0 {
		return fmt.Errorf("%w: arm params %+v", ErrInvalidConfig, p)
	}
	if p.FPS == 0 {
		p.FPS = c.cfg.FPS
	}
	c.arm = p
	c.state = Armed
	c.logger.Info().Src("session").Msg("armed")
	return nil
}

// OnFrame handles one frame event. Events while idle or finalizing
// are ignored. A returned error means the session could not start and
// the controller is idle again.
func (c *Controller) OnFrame(ev *frame.Event) (FrameResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case Armed:
		if !c.qualifies(ev) {
			return FrameResult{State: Armed}, nil
		}
		if err := c.start(ev); err != nil {
			c.state = Idle
			c.logger.Error().Src("session").Msgf("could not start session: %v", err)
			return FrameResult{State: Idle}, err
		}
		c.state = Recording
		res := c.record(ev)
		res.Started = true
		return res, nil
	case Recording:
		return c.record(ev), nil
	}
	return FrameResult{State: c.state}, nil
}

// qualifies reports whether ev carries everything a session needs.
func (c *Controller) qualifies(ev *frame.Event) bool {
	if ev == nil || ev.Color == nil || ev.Pose == nil || ev.Intrinsics == nil {
		return false
	}
	if !ev.Pose.IsFinite() || ev.Color.Validate() != nil {
		return false
	}
	if c.cfg.Depth && ev.Depth == nil {
		return false
	}
	if c.cfg.Segmentation && ev.Segmentation == nil {
		return false
	}
	return true
}

// start opens the session resources, color first.
func (c *Controller) start(ev *frame.Event) error {
	if c.cfg.MinDiskSpace > 0 {
		free, err := c.diskFree(c.cfg.StorageDir)
		if err != nil {
			return fmt.Errorf("check disk space: %w", err)
		}
		if free < c.cfg.MinDiskSpace {
			return fmt.Errorf("%w: %v free, %v required", ErrInsufficientDiskSpace,
				system.FormatBytes(free), system.FormatBytes(c.cfg.MinDiskSpace))
		}
	}

	id := uuid.NewString()
	dir := filepath.Join(c.cfg.StorageDir, id)
	if err := os.Mkdir(dir, 0o755); err != nil {
		return fmt.Errorf("create session directory: %w", err)
	}

	s := &session{
		id:          id,
		dir:         dir,
		start:       ev.Timestamp,
		orientation: ev.Orientation,
		params:      c.arm,
		viewWidth:   c.arm.ViewWidth,
		viewHeight:  c.arm.ViewHeight,
	}
	if s.viewWidth == 0 {
		s.viewWidth, s.viewHeight = ev.ViewWidth, ev.ViewHeight
	}

	abort := func(err error) error {
		s.closeEncoders()
		os.RemoveAll(dir)
		return err
	}

	for _, m := range frame.Modalities {
		if !c.enabled(m) {
			continue
		}
		enc, err := c.openEncoder(ev.Buffer(m), c.encoderConfig(s, m))
		if err != nil {
			return abort(fmt.Errorf("open %v encoder: %w", m, err))
		}
		s.encoders[m] = enc
	}

	recorder, err := metadata.NewRecorder(s.start, s.orientation, c.cfg.SchemaVersion)
	if err != nil {
		return abort(fmt.Errorf("metadata recorder: %w", err))
	}
	s.metadata = recorder

	if c.cfg.Audio != nil {
		color := s.encoders[frame.Color]
		s.retimer = audio.NewRetimer(color, color, c.cfg.AudioQueueSize, c.logger, id)
		s.retimer.Start(context.Background())
	}

	c.s = s
	c.logger.Info().Src("session").Session(id).
		Msgf("recording started, orientation %d", s.orientation)
	return nil
}

func (c *Controller) enabled(m frame.Modality) bool {
	switch m {
	case frame.Color:
		return true
	case frame.Depth:
		return c.cfg.Depth
	case frame.Segmentation:
		return c.cfg.Segmentation
	}
	return false
}

func (c *Controller) encoderConfig(s *session, m frame.Modality) encoder.Config {
	cfg := encoder.Config{
		Modality:       m,
		Path:           filepath.Join(s.dir, m.String()+".mov"),
		FrameRate:      s.params.FPS,
		SessionStart:   s.start,
		QueueSize:      c.cfg.QueueSize,
		AudioQueueSize: c.cfg.AudioQueueSize,
		JPEGQuality:    c.cfg.JPEGQuality,
		DepthRange:     c.cfg.DepthRange,
		Logger:         c.logger,
		SessionID:      s.id,
	}
	if m == frame.Color {
		cfg.Audio = c.cfg.Audio
	}
	return cfg
}

// closeEncoders seals every opened encoder and waits.
func (s *session) closeEncoders() {
	for _, enc := range s.encoders {
		if enc == nil {
			continue
		}
		enc.Finish(nil) //nolint:errcheck
		<-enc.Done()
	}
}

// record submits one frame. Metadata is appended only when the color
// encoder accepted the frame.
func (c *Controller) record(ev *frame.Event) FrameResult {
	s := c.s
	res := FrameResult{State: Recording}

	if lens, ok := c.lens(s, ev); ok {
		res.Color = s.encoders[frame.Color].Submit(ev.Color, ev.Timestamp)
		if res.Color == encoder.Accepted {
			err := s.metadata.AddFrame(ev.Timestamp, *ev.Pose, lens)
			if err != nil {
				// Inputs were validated, the encoder and recorder disagree.
				c.logger.Error().Src("session").Session(s.id).
					Msgf("metadata out of step with color track: %v", err)
			}
			res.Recorded = err == nil
		}
	}

	// Auxiliary modalities never hold back color or metadata.
	for _, m := range frame.Modalities[1:] {
		enc := s.encoders[m]
		if enc == nil {
			continue
		}
		if buf := ev.Buffer(m); buf != nil {
			res.setResult(m, enc.Submit(buf, ev.Timestamp))
		}
	}

	if len(ev.Planes) != 0 {
		s.metadata.SetPlanes(ev.Planes)
	}
	return res
}

// lens validates the metadata inputs before the color frame is
// submitted so an accepted frame always gets its metadata.
func (c *Controller) lens(s *session, ev *frame.Event) (metadata.LensRecord, bool) {
	if ev.Color == nil || ev.Pose == nil || ev.Intrinsics == nil || !ev.Pose.IsFinite() {
		c.logger.Debug().Src("session").Session(s.id).
			Msgf("frame %v: missing color, pose or intrinsics", ev.Timestamp)
		return nil, false
	}

	in := metadata.LensInput{
		Intrinsics:    *ev.Intrinsics,
		ImageWidth:    ev.Color.Width,
		ImageHeight:   ev.Color.Height,
		Projection:    ev.Projection,
		FocusDistance: ev.FocusDistance,
	}
	lens, err := metadata.DeriveLens(in, s.orientation, c.cfg.SchemaVersion, c.cfg.Clip)
	if err != nil {
		c.logger.Warn().Src("session").Session(s.id).
			Msgf("frame %v: %v", ev.Timestamp, err)
		return nil, false
	}
	return lens, true
}

func (r *FrameResult) setResult(m frame.Modality, result encoder.Result) {
	switch m {
	case frame.Color:
		r.Color = result
	case frame.Depth:
		r.Depth = result
	case frame.Segmentation:
		r.Segmentation = result
	}
}

// PushAudio hands a microphone block to the session's retimer.
func (c *Controller) PushAudio(block audio.Block) bool {
	c.mu.Lock()
	var retimer *audio.Retimer
	if c.state == Recording && c.s.retimer != nil {
		retimer = c.s.retimer
	}
	c.mu.Unlock()

	if retimer == nil {
		return false
	}
	return retimer.Push(block)
}

// PlaceObject records a user placed object in the current session.
func (c *Controller) PlaceObject(t geom.Transform) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != Recording {
		return fmt.Errorf("%w: place object while %v", ErrInvalidState, c.state)
	}
	return c.s.metadata.AddTrackedObject(t)
}

// Stop finalizes the session. Encoders are sealed in the order color,
// depth, segmentation, each after the previous one completed, then the
// metadata is written with the color resolution. The result is sent
// on the returned channel. Stopping while armed disarms.
func (c *Controller) Stop() (<-chan Result, error) {
	c.mu.Lock()
	resultCh := make(chan Result, 1)
	switch c.state {
	case Armed:
		c.state = Idle
		c.mu.Unlock()
		c.logger.Info().Src("session").Msg("disarmed")
		resultCh <- Result{Disarmed: true}
		return resultCh, nil
	case Recording:
	default:
		state := c.state
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: stop while %v", ErrInvalidState, state)
	}

	// Finalizing blocks further submits, the chain runs without the lock.
	c.state = Finalizing
	s := c.s
	c.mu.Unlock()

	if s.retimer != nil {
		s.retimer.Stop()
	}

	f := &finalizer{
		c:      c,
		s:      s,
		result: Result{SessionID: s.id, Dir: s.dir, Encoders: make(map[string]encoder.Stats)},
		done:   resultCh,
	}
	c.logger.Info().Src("session").Session(s.id).Msg("finalizing")
	f.finish(0)
	return resultCh, nil
}

// finalizer runs the finalize chain. Each step runs in the callback of
// the previous encoder.
type finalizer struct {
	c      *Controller
	s      *session
	result Result
	errs   []error
	done   chan Result
}

func (f *finalizer) finish(i int) {
	for ; i < len(frame.Modalities); i++ {
		m := frame.Modalities[i]
		enc := f.s.encoders[m]
		if enc == nil {
			continue
		}
		next := i + 1
		err := enc.Finish(func(err error) {
			f.encoderDone(m, enc, err)
			f.finish(next)
		})
		if err == nil {
			return
		}
		f.encoderDone(m, enc, err)
	}
	f.writeMetadata()
}

func (f *finalizer) encoderDone(m frame.Modality, enc streamEncoder, err error) {
	f.result.Encoders[m.String()] = enc.Stats()
	if err != nil {
		f.errs = append(f.errs, fmt.Errorf("finalize %v: %w", m, err))
		return
	}
	f.result.Videos = append(f.result.Videos, filepath.Join(f.s.dir, m.String()+".mov"))
}

func (f *finalizer) writeMetadata() {
	s := f.s
	width, height := s.encoders[frame.Color].Resolution()

	doc, err := s.metadata.Finalize(metadata.RenderParams{
		FPS:         s.params.FPS,
		ViewWidth:   s.viewWidth,
		ViewHeight:  s.viewHeight,
		VideoWidth:  width,
		VideoHeight: height,
	})
	if err == nil {
		path := filepath.Join(s.dir, MetadataFileName)
		if err = metadata.WriteFile(path, doc); err == nil {
			f.result.MetadataPath = path
			f.result.Frames = len(doc.CameraFrames.Timestamps)
		}
	}
	if err != nil {
		f.errs = append(f.errs, fmt.Errorf("write metadata: %w", err))
	}
	f.result.Err = errors.Join(f.errs...)
	if f.result.Err != nil {
		f.result.Error = f.result.Err.Error()
	}

	logger := f.c.logger
	if f.result.Err != nil {
		logger.Error().Src("session").Session(s.id).Msgf("finalized with errors: %v", f.result.Err)
	} else {
		logger.Info().Src("session").Session(s.id).
			Msgf("finalized, %d frames", f.result.Frames)
	}

	c := f.c
	c.mu.Lock()
	c.s = nil
	c.state = Idle
	result := f.result
	c.last = &result
	c.mu.Unlock()

	f.done <- f.result
}

// Status of the controller.
type Status struct {
	State     State                    `json:"state"`
	SessionID string                   `json:"sessionId,omitempty"`
	Frames    int                      `json:"frames"`
	Encoders  map[string]encoder.Stats `json:"encoders,omitempty"`
	Audio     *audio.Stats             `json:"audio,omitempty"`
	Last      *Result                  `json:"last,omitempty"`
}

// Status returns the controller status.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	status := Status{State: c.state, Last: c.last}
	s := c.s
	if s == nil {
		return status
	}
	status.SessionID = s.id
	status.Frames = s.metadata.Count()
	status.Encoders = make(map[string]encoder.Stats)
	for m, enc := range s.encoders {
		if enc != nil {
			status.Encoders[frame.Modality(m).String()] = enc.Stats()
		}
	}
	if s.retimer != nil {
		stats := s.retimer.Stats()
		status.Audio = &stats
	}
	return status
}
