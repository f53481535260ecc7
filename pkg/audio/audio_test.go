// SPDX-License-Identifier: GPL-2.0-or-later

package audio

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"arrec/pkg/log"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/require"
)

type mockClock struct {
	ts  atomic.Int64
	set atomic.Bool
}

func (c *mockClock) advance(ts time.Duration) {
	c.ts.Store(int64(ts))
	c.set.Store(true)
}

func (c *mockClock) LatestTimestamp() (time.Duration, bool) {
	return time.Duration(c.ts.Load()), c.set.Load()
}

type mockSink struct {
	mu     sync.Mutex
	blocks []Block
	refuse bool
	got    chan struct{}
}

func newMockSink() *mockSink {
	return &mockSink{got: make(chan struct{}, 100)}
}

func (s *mockSink) AppendAudio(b Block) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refuse {
		s.got <- struct{}{}
		return false
	}
	s.blocks = append(s.blocks, b)
	s.got <- struct{}{}
	return true
}

func (s *mockSink) wait(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-s.got:
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for block %d", i)
		}
	}
}

func newTestRetimer(t *testing.T, clock Clock, sink Sink, queueSize int) *Retimer {
	t.Helper()
	r := NewRetimer(clock, sink, queueSize, log.NewMockLogger(), "test")
	r.Start(context.Background())
	t.Cleanup(r.Stop)
	return r
}

func TestBlock(t *testing.T) {
	b := Block{SampleRate: 48000, Channels: 2, Samples: make([]int16, 960*2)}
	require.Equal(t, 960, b.Frames())
	require.Equal(t, 20*time.Millisecond, b.Duration())
	require.Equal(t, 0, Block{}.Frames())
	require.Equal(t, time.Duration(0), Block{}.Duration())
}

func TestRetime(t *testing.T) {
	b := Block{PTS: 5, DTS: 4, SampleRate: 8000, Channels: 1, Samples: []int16{1, 2}}
	got := Retime(b, time.Second)
	require.Equal(t, time.Second, got.PTS)
	require.Equal(t, time.Second, got.DTS)
	require.Equal(t, b.Samples, got.Samples)
	require.Equal(t, time.Duration(5), b.PTS, "input modified")
}

func TestRetimer(t *testing.T) {
	t.Run("pinsToLatestFrame", func(t *testing.T) {
		clock := &mockClock{}
		sink := newMockSink()
		r := newTestRetimer(t, clock, sink, 16)

		block := Block{SampleRate: 48000, Channels: 1, Samples: make([]int16, 480)}

		// Blocks between frame k and k+1 get frame k's timestamp.
		frames := []time.Duration{0, 33 * time.Millisecond, 66 * time.Millisecond}
		var expected []time.Duration
		for _, ts := range frames {
			clock.advance(ts)
			for i := 0; i < 3; i++ {
				require.True(t, r.Push(block))
				expected = append(expected, ts)
			}
		}
		sink.wait(t, len(expected))

		sink.mu.Lock()
		defer sink.mu.Unlock()
		var prev time.Duration
		for i, b := range sink.blocks {
			require.Equal(t, expected[i], b.PTS)
			require.Equal(t, b.PTS, b.DTS)
			require.GreaterOrEqual(t, b.PTS, prev)
			prev = b.PTS
		}
		require.Equal(t, Stats{Delivered: 9}, r.Stats())
	})
	t.Run("noVideoYet", func(t *testing.T) {
		r := newTestRetimer(t, &mockClock{}, newMockSink(), 16)
		require.False(t, r.Push(Block{}))
		require.Equal(t, Stats{Dropped: 1}, r.Stats())
	})
	t.Run("queueFull", func(t *testing.T) {
		clock := &mockClock{}
		clock.advance(0)
		// Not started, nothing drains the queue.
		r := NewRetimer(clock, newMockSink(), 1, log.NewMockLogger(), "test")
		require.True(t, r.Push(Block{}))
		require.False(t, r.Push(Block{}))
		require.Equal(t, uint64(1), r.Stats().Dropped)
	})
	t.Run("sinkRefuses", func(t *testing.T) {
		clock := &mockClock{}
		clock.advance(0)
		sink := newMockSink()
		sink.refuse = true
		r := newTestRetimer(t, clock, sink, 4)
		require.True(t, r.Push(Block{}))
		sink.wait(t, 1)
		require.Eventually(t, func() bool {
			return r.Stats().Dropped == 1
		}, time.Second, time.Millisecond)
	})
	t.Run("stopped", func(t *testing.T) {
		clock := &mockClock{}
		clock.advance(0)
		r := NewRetimer(clock, newMockSink(), 4, log.NewMockLogger(), "test")
		r.Start(context.Background())
		r.Stop()
		require.False(t, r.Push(Block{}))
	})
}

const testSDP = "v=0\r\n" +
	"o=- 0 0 IN IP4 127.0.0.1\r\n" +
	"s=Mic\r\n" +
	"c=IN IP4 127.0.0.1\r\n" +
	"t=0 0\r\n" +
	"m=video 5004 RTP/AVP 26\r\n" +
	"a=rtpmap:26 JPEG/90000\r\n" +
	"m=audio 5006 RTP/AVP 97 96\r\n" +
	"a=rtpmap:97 opus/48000/2\r\n" +
	"a=rtpmap:96 L16/44100/2\r\n"

func TestParseSDP(t *testing.T) {
	format, err := ParseSDP([]byte(testSDP))
	require.NoError(t, err)
	require.Equal(t, Format{PayloadType: 96, SampleRate: 44100, Channels: 2}, format)

	t.Run("monoDefault", func(t *testing.T) {
		sdp := "v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\ns=Mic\r\nt=0 0\r\n" +
			"m=audio 5006 RTP/AVP 11\r\na=rtpmap:11 L16/8000\r\n"
		format, err := ParseSDP([]byte(sdp))
		require.NoError(t, err)
		require.Equal(t, Format{PayloadType: 11, SampleRate: 8000, Channels: 1}, format)
	})
	t.Run("noL16", func(t *testing.T) {
		sdp := "v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\ns=Mic\r\nt=0 0\r\n" +
			"m=audio 5006 RTP/AVP 97\r\na=rtpmap:97 opus/48000/2\r\n"
		_, err := ParseSDP([]byte(sdp))
		require.ErrorIs(t, err, ErrNoAudioMedia)
	})
	t.Run("invalidRate", func(t *testing.T) {
		sdp := "v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\ns=Mic\r\nt=0 0\r\n" +
			"m=audio 5006 RTP/AVP 96\r\na=rtpmap:96 L16/x\r\n"
		_, err := ParseSDP([]byte(sdp))
		require.ErrorIs(t, err, ErrInvalidRtpmap)
	})
}

func TestDecode(t *testing.T) {
	s := NewRTPSource(Format{PayloadType: 96, SampleRate: 48000, Channels: 2}, log.NewMockLogger())

	block, ok := s.Decode(&rtp.Packet{
		Header:  rtp.Header{PayloadType: 96},
		Payload: []byte{0x00, 0x01, 0xff, 0xfe, 0x7f, 0xff, 0x80, 0x00},
	})
	require.True(t, ok)
	require.Equal(t, []int16{1, -2, 32767, -32768}, block.Samples)
	require.Equal(t, 2, block.Frames())

	_, ok = s.Decode(&rtp.Packet{Header: rtp.Header{PayloadType: 97}, Payload: []byte{0, 1, 2, 3}})
	require.False(t, ok)

	_, ok = s.Decode(&rtp.Packet{Header: rtp.Header{PayloadType: 96}, Payload: []byte{0, 1}})
	require.False(t, ok, "partial frame")
}

func TestServe(t *testing.T) {
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer conn.Close()

	s := NewRTPSource(Format{PayloadType: 96, SampleRate: 8000, Channels: 1}, log.NewMockLogger())

	got := make(chan Block, 1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() {
		done <- s.Serve(ctx, conn, func(b Block) bool {
			got <- b
			return true
		})
	}()

	client, err := net.Dial("udp", conn.LocalAddr().String())
	require.NoError(t, err)
	defer client.Close()

	pkt := rtp.Packet{
		Header:  rtp.Header{Version: 2, PayloadType: 96, SequenceNumber: 1},
		Payload: []byte{0x00, 0x05},
	}
	raw, err := pkt.Marshal()
	require.NoError(t, err)
	_, err = client.Write(raw)
	require.NoError(t, err)

	select {
	case b := <-got:
		require.Equal(t, []int16{5}, b.Samples)
	case <-time.After(time.Second):
		t.Fatal("timeout")
	}

	cancel()
	require.NoError(t, <-done)
}
