// SPDX-License-Identifier: GPL-2.0-or-later

package audio

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"arrec/pkg/log"
)

// Block timestamped batch of interleaved signed 16 bit PCM.
type Block struct {
	PTS time.Duration
	DTS time.Duration

	SampleRate int
	Channels   int
	Samples    []int16
}

// Frames number of samples per channel.
func (b Block) Frames() int {
	if b.Channels <= 0 {
		return 0
	}
	return len(b.Samples) / b.Channels
}

// Duration natural playback duration of the block.
func (b Block) Duration() time.Duration {
	if b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(b.Frames()) * time.Second / time.Duration(b.SampleRate)
}

// Retime stamps presentation and decode time with ts.
// The samples are shared with the input block.
func Retime(b Block, ts time.Duration) Block {
	b.PTS = ts
	b.DTS = ts
	return b
}

// Clock reports the latest accepted video timestamp.
type Clock interface {
	LatestTimestamp() (time.Duration, bool)
}

// Sink fire-and-forget audio consumer.
type Sink interface {
	AppendAudio(Block) bool
}

type pending struct {
	block Block
	ts    time.Duration
}

// Retimer pins audio blocks to the video timeline. The clock is
// read once when a block arrives, the block is delivered to the
// sink from the retimer's own goroutine.
type Retimer struct {
	clock  Clock
	sink   Sink
	queue  chan pending
	logger *log.Logger
	id     string

	stopped   atomic.Bool
	delivered atomic.Uint64
	dropped   atomic.Uint64

	cancel func()
	wg     sync.WaitGroup
}

// NewRetimer creates a retimer, Start must be called before use.
func NewRetimer(clock Clock, sink Sink, queueSize int, logger *log.Logger, sessionID string) *Retimer {
	if queueSize <= 0 {
		queueSize = 1
	}
	return &Retimer{
		clock:  clock,
		sink:   sink,
		queue:  make(chan pending, queueSize),
		logger: logger,
		id:     sessionID,
		cancel: func() {},
	}
}

// Start delivery goroutine.
func (r *Retimer) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case p := <-r.queue:
				r.deliver(p)
			}
		}
	}()
}

func (r *Retimer) deliver(p pending) {
	if r.stopped.Load() {
		r.dropped.Add(1)
		return
	}
	if r.sink.AppendAudio(Retime(p.block, p.ts)) {
		r.delivered.Add(1)
	} else {
		r.dropped.Add(1)
	}
}

// Push takes ownership of the block. Returns false if the block was dropped
// because the retimer is stopped, no video frame was accepted yet or
// the queue is full.
func (r *Retimer) Push(b Block) bool {
	if r.stopped.Load() {
		r.dropped.Add(1)
		return false
	}
	ts, ok := r.clock.LatestTimestamp()
	if !ok {
		r.dropped.Add(1)
		return false
	}
	select {
	case r.queue <- pending{block: b, ts: ts}:
		return true
	default:
		if r.dropped.Add(1) == 1 {
			r.logger.Warn().Src("audio").Session(r.id).Msg("queue full, dropping blocks")
		}
		return false
	}
}

// Stop detaches the retimer from the sink and waits for
// the delivery goroutine to exit. Queued blocks are dropped.
func (r *Retimer) Stop() {
	r.stopped.Store(true)
	r.cancel()
	r.wg.Wait()
	for {
		select {
		case <-r.queue:
			r.dropped.Add(1)
		default:
			return
		}
	}
}

// Stats retimer counters.
type Stats struct {
	Delivered uint64 `json:"delivered"`
	Dropped   uint64 `json:"dropped"`
}

// Stats returns the delivered and dropped block counts.
func (r *Retimer) Stats() Stats {
	return Stats{
		Delivered: r.delivered.Load(),
		Dropped:   r.dropped.Load(),
	}
}
