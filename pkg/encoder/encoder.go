// SPDX-License-Identifier: GPL-2.0-or-later

package encoder

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"arrec/pkg/audio"
	"arrec/pkg/convert"
	"arrec/pkg/frame"
	"arrec/pkg/log"
)

// Result of Submit.
type Result uint8

// Submit results.
const (
	Dropped Result = iota
	Accepted
)

func (r Result) String() string {
	if r == Accepted {
		return "accepted"
	}
	return "dropped"
}

// MarshalText implements encoding.TextMarshaler.
func (r Result) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *Result) UnmarshalText(text []byte) error {
	switch string(text) {
	case "accepted":
		*r = Accepted
	case "dropped":
		*r = Dropped
	default:
		return fmt.Errorf("unknown result: %q", text)
	}
	return nil
}

// Errors.
var (
	ErrFinished        = errors.New("encoder finished")
	ErrUnknownModality = errors.New("unknown modality")
	ErrInvalidConfig   = errors.New("invalid config")
)

// AudioFormat of the optional audio track.
type AudioFormat struct {
	SampleRate int
	Channels   int
}

// Config encoder config.
type Config struct {
	Modality frame.Modality
	Path     string

	FrameRate int

	// Capture timestamp of the session start, the container
	// timeline starts at zero here.
	SessionStart time.Duration

	// Frames accepted but not yet written. Submit drops
	// frames when the queue is full.
	QueueSize      int
	AudioQueueSize int

	JPEGQuality int
	DepthRange  float32

	Audio *AudioFormat

	Logger    *log.Logger
	SessionID string
}

// Default queue sizes.
const (
	DefaultQueueSize      = 8
	DefaultAudioQueueSize = 64
)

type sample struct {
	buf *frame.Buffer
	pts time.Duration
}

// Encoder writes one modality into one container file.
type Encoder struct {
	cfg    Config
	codec  Codec
	width  int
	height int
	muxer  *muxer
	logger *log.Logger

	// Guards closing the queues against concurrent sends.
	mu         sync.RWMutex
	closed     bool
	videoQueue chan sample
	audioQueue chan audio.Block
	onComplete func(error)

	// Only accessed by Submit.
	lastPTS time.Duration
	hasPTS  bool

	latest    atomic.Int64
	hasLatest atomic.Bool

	accepted     atomic.Uint64
	dropped      atomic.Uint64
	written      atomic.Uint64
	encodeErrors atomic.Uint64
	audioBlocks  atomic.Uint64
	audioDropped atomic.Uint64

	// Written by the writer goroutine, read after done is closed.
	err  error
	done chan struct{}
}

// Err waits until the container is sealed and returns the finish error.
func (e *Encoder) Err() error {
	<-e.done
	return e.err
}

// Open derives the resolution from the first buffer, creates the
// output file and starts the writer goroutine. The first buffer is not submitted.
func Open(first *frame.Buffer, cfg Config) (*Encoder, error) {
	if err := first.Validate(); err != nil {
		return nil, fmt.Errorf("first buffer: %w", err)
	}
	if cfg.FrameRate <= 0 {
		return nil, fmt.Errorf("%w: frame rate %d", ErrInvalidConfig, cfg.FrameRate)
	}
	if cfg.Path == "" {
		return nil, fmt.Errorf("%w: empty path", ErrInvalidConfig)
	}
	if cfg.Audio != nil && (cfg.Audio.SampleRate <= 0 || cfg.Audio.Channels <= 0) {
		return nil, fmt.Errorf("%w: audio format %+v", ErrInvalidConfig, *cfg.Audio)
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.AudioQueueSize <= 0 {
		cfg.AudioQueueSize = DefaultAudioQueueSize
	}
	if cfg.Logger == nil {
		cfg.Logger = log.NewMockLogger()
	}

	codec, err := NewCodec(cfg.Modality, cfg.JPEGQuality)
	if err != nil {
		return nil, err
	}

	width, height := first.Width, first.Height
	if width > 0xffff || height > 0xffff {
		return nil, fmt.Errorf("%w: resolution %dx%d", ErrInvalidConfig, width, height)
	}

	m, err := createMuxer(cfg.Path, codec, width, height, cfg.FrameRate, cfg.Audio)
	if err != nil {
		return nil, err
	}

	e := newEncoder(cfg, codec, m, width, height)
	go e.run()

	e.logger.Debug().Src("encoder").Session(cfg.SessionID).
		Msgf("%v: opened %dx%d %v", cfg.Modality, width, height, codec.SampleEntry())
	return e, nil
}

func newEncoder(cfg Config, codec Codec, m *muxer, width, height int) *Encoder {
	e := &Encoder{
		cfg:        cfg,
		codec:      codec,
		width:      width,
		height:     height,
		muxer:      m,
		logger:     cfg.Logger,
		videoQueue: make(chan sample, cfg.QueueSize),
		done:       make(chan struct{}),
	}
	if cfg.Audio != nil {
		e.audioQueue = make(chan audio.Block, cfg.AudioQueueSize)
	}
	return e
}

// Submit queues buf for encoding and never blocks. Ownership of buf
// passes to the encoder. Frames are dropped when the encoder is
// finished, the queue is full, the timestamp does not advance or
// conversion fails. Submit must not be called concurrently.
func (e *Encoder) Submit(buf *frame.Buffer, captureTimestamp time.Duration) Result {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.closed {
		return e.drop()
	}
	if len(e.videoQueue) == cap(e.videoQueue) {
		return e.drop()
	}

	pts := captureTimestamp - e.cfg.SessionStart
	if pts < 0 || (e.hasPTS && pts <= e.lastPTS) {
		e.logger.Debug().Src("encoder").Session(e.cfg.SessionID).
			Msgf("%v: non monotonic timestamp %v", e.cfg.Modality, pts)
		return e.drop()
	}

	if err := buf.Validate(); err != nil {
		e.logger.Warn().Src("encoder").Session(e.cfg.SessionID).
			Msgf("%v: %v", e.cfg.Modality, err)
		return e.drop()
	}

	if !accepts(e.codec, buf, e.width, e.height) {
		converted, err := convert.Convert(buf, target(e.codec, e.width, e.height, e.cfg.DepthRange))
		if err != nil {
			e.logger.Warn().Src("encoder").Session(e.cfg.SessionID).
				Msgf("%v: %v", e.cfg.Modality, err)
			return e.drop()
		}
		buf = converted
	}

	select {
	case e.videoQueue <- sample{buf: buf, pts: pts}:
	default:
		return e.drop()
	}

	e.lastPTS = pts
	e.hasPTS = true
	e.accepted.Add(1)
	e.latest.Store(int64(pts))
	e.hasLatest.Store(true)
	return Accepted
}

func (e *Encoder) drop() Result {
	e.dropped.Add(1)
	return Dropped
}

// AppendAudio queues an audio block, fire-and-forget. Returns false
// if the block was dropped.
func (e *Encoder) AppendAudio(block audio.Block) bool {
	if e.audioQueue == nil {
		return false
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.closed {
		e.audioDropped.Add(1)
		return false
	}
	select {
	case e.audioQueue <- block:
		return true
	default:
		e.audioDropped.Add(1)
		return false
	}
}

// Finish seals the container asynchronously. onComplete is called
// exactly once from the writer goroutine after the file is closed.
// Frames accepted before Finish are written. Subsequent
// calls return ErrFinished and never call onComplete.
func (e *Encoder) Finish(onComplete func(error)) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrFinished
	}
	e.closed = true
	e.onComplete = onComplete
	close(e.videoQueue)
	if e.audioQueue != nil {
		close(e.audioQueue)
	}
	return nil
}

// Done is closed after the container is sealed and onComplete returned.
func (e *Encoder) Done() <-chan struct{} {
	return e.done
}

// Resolution of the encoded video.
func (e *Encoder) Resolution() (int, int) {
	return e.width, e.height
}

// LatestTimestamp presentation time of the last accepted frame.
func (e *Encoder) LatestTimestamp() (time.Duration, bool) {
	if !e.hasLatest.Load() {
		return 0, false
	}
	return time.Duration(e.latest.Load()), true
}

// Stats encoder counters.
type Stats struct {
	Accepted     uint64 `json:"accepted"`
	Dropped      uint64 `json:"dropped"`
	Written      uint64 `json:"written"`
	EncodeErrors uint64 `json:"encodeErrors"`
	AudioBlocks  uint64 `json:"audioBlocks"`
	AudioDropped uint64 `json:"audioDropped"`
}

// Stats returns the encoder counters.
func (e *Encoder) Stats() Stats {
	return Stats{
		Accepted:     e.accepted.Load(),
		Dropped:      e.dropped.Load(),
		Written:      e.written.Load(),
		EncodeErrors: e.encodeErrors.Load(),
		AudioBlocks:  e.audioBlocks.Load(),
		AudioDropped: e.audioDropped.Load(),
	}
}

// Modality of the encoder.
func (e *Encoder) Modality() frame.Modality {
	return e.cfg.Modality
}

// run writes samples until both queues are closed and drained, then
// seals the container.
func (e *Encoder) run() {
	w := writer{e: e}

	videoQueue, audioQueue := e.videoQueue, e.audioQueue
	for videoQueue != nil || audioQueue != nil {
		select {
		case s, ok := <-videoQueue:
			if !ok {
				videoQueue = nil
				continue
			}
			w.writeVideo(s)
		case b, ok := <-audioQueue:
			if !ok {
				audioQueue = nil
				continue
			}
			w.writeAudio(b)
		}
	}

	err := w.err
	if closeErr := e.muxer.close(); err == nil && closeErr != nil {
		err = closeErr
	}
	if err != nil {
		e.logger.Error().Src("encoder").Session(e.cfg.SessionID).
			Msgf("%v: %v", e.cfg.Modality, err)
	}
	e.err = err

	// Safe without the lock, Finish set it before closing the queues.
	if e.onComplete != nil {
		e.onComplete(err)
	}
	close(e.done)
}

// writer state owned by the writer goroutine.
type writer struct {
	e *Encoder

	lastGood []byte
	blank    []byte

	// Set on the first write error, the container is broken and
	// later samples are discarded.
	err error
}

func (w *writer) writeVideo(s sample) {
	e := w.e
	if w.err != nil {
		return
	}

	data, err := e.codec.Encode(s.buf)
	if err != nil {
		// Repeat the previous sample so sample N is still accepted frame N.
		e.encodeErrors.Add(1)
		e.logger.Warn().Src("encoder").Session(e.cfg.SessionID).
			Msgf("%v: encode: %v", e.cfg.Modality, err)
		data, err = w.fallback()
		if err != nil {
			w.err = fmt.Errorf("encode blank frame: %w", err)
			return
		}
	}
	w.lastGood = data

	if err := e.muxer.writeVideo(data, s.pts); err != nil {
		w.err = fmt.Errorf("write video sample: %w", err)
		return
	}
	e.written.Add(1)
}

func (w *writer) fallback() ([]byte, error) {
	if w.lastGood != nil {
		return w.lastGood, nil
	}
	if w.blank == nil {
		buf, err := frame.NewBuffer(w.e.codec.Format(), w.e.width, w.e.height)
		if err != nil {
			return nil, err
		}
		if w.blank, err = w.e.codec.Encode(buf); err != nil {
			return nil, err
		}
	}
	return w.blank, nil
}

func (w *writer) writeAudio(b audio.Block) {
	e := w.e
	if w.err != nil {
		return
	}
	if b.Channels != e.cfg.Audio.Channels || b.SampleRate != e.cfg.Audio.SampleRate {
		e.audioDropped.Add(1)
		return
	}
	if err := e.muxer.writeAudio(b); err != nil {
		w.err = fmt.Errorf("write audio sample: %w", err)
		return
	}
	e.audioBlocks.Add(1)
}
