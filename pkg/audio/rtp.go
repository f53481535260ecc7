// SPDX-License-Identifier: GPL-2.0-or-later

package audio

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"arrec/pkg/log"

	"github.com/pion/rtp"
	psdp "github.com/pion/sdp/v3"
)

// Format of the incoming L16 stream.
type Format struct {
	PayloadType uint8
	SampleRate  int
	Channels    int
}

// SDP errors.
var (
	ErrNoAudioMedia  = errors.New("no L16 audio media in sdp")
	ErrInvalidRtpmap = errors.New("invalid rtpmap")
)

// ParseSDP finds the first audio media description with a L16 rtpmap.
// "a=rtpmap:96 L16/48000/2".
func ParseSDP(byts []byte) (Format, error) {
	var sd psdp.SessionDescription
	if err := sd.Unmarshal(byts); err != nil {
		return Format{}, fmt.Errorf("unmarshal sdp: %w", err)
	}

	for _, md := range sd.MediaDescriptions {
		if md.MediaName.Media != "audio" {
			continue
		}
		for _, attr := range md.Attributes {
			if attr.Key != "rtpmap" {
				continue
			}
			format, ok, err := parseRtpmap(attr.Value)
			if err != nil {
				return Format{}, err
			}
			if ok {
				return format, nil
			}
		}
	}
	return Format{}, ErrNoAudioMedia
}

func parseRtpmap(v string) (Format, bool, error) {
	vals := strings.SplitN(v, " ", 2)
	if len(vals) != 2 {
		return Format{}, false, fmt.Errorf("%w: %q", ErrInvalidRtpmap, v)
	}
	encoding := strings.Split(vals[1], "/")
	if !strings.EqualFold(encoding[0], "L16") {
		return Format{}, false, nil
	}

	payloadType, err := strconv.ParseUint(vals[0], 10, 7)
	if err != nil {
		return Format{}, false, fmt.Errorf("%w: payload type: %v", ErrInvalidRtpmap, err)
	}
	if len(encoding) < 2 {
		return Format{}, false, fmt.Errorf("%w: missing clock rate: %q", ErrInvalidRtpmap, v)
	}
	rate, err := strconv.Atoi(encoding[1])
	if err != nil || rate <= 0 {
		return Format{}, false, fmt.Errorf("%w: clock rate: %q", ErrInvalidRtpmap, v)
	}
	channels := 1
	if len(encoding) > 2 {
		channels, err = strconv.Atoi(encoding[2])
		if err != nil || channels <= 0 {
			return Format{}, false, fmt.Errorf("%w: channels: %q", ErrInvalidRtpmap, v)
		}
	}
	return Format{
		PayloadType: uint8(payloadType),
		SampleRate:  rate,
		Channels:    channels,
	}, true, nil
}

// RTPSource depacketizes L16 RTP packets into blocks.
type RTPSource struct {
	format Format
	logger *log.Logger
}

// NewRTPSource creates a source for format.
func NewRTPSource(format Format, logger *log.Logger) *RTPSource {
	return &RTPSource{format: format, logger: logger}
}

// Decode returns the block carried by the packet. ok is false for
// packets of another payload type or with a truncated payload.
func (s *RTPSource) Decode(pkt *rtp.Packet) (Block, bool) {
	if pkt.PayloadType != s.format.PayloadType {
		return Block{}, false
	}
	frameSize := 2 * s.format.Channels
	if len(pkt.Payload) == 0 || len(pkt.Payload)%frameSize != 0 {
		return Block{}, false
	}

	// L16 is network byte order.
	samples := make([]int16, len(pkt.Payload)/2)
	for i := range samples {
		samples[i] = int16(uint16(pkt.Payload[2*i])<<8 | uint16(pkt.Payload[2*i+1]))
	}
	return Block{
		SampleRate: s.format.SampleRate,
		Channels:   s.format.Channels,
		Samples:    samples,
	}, true
}

const maxPacketSize = 1500

// Serve reads packets from conn until ctx is canceled and
// passes every decoded block to push.
func (s *RTPSource) Serve(ctx context.Context, conn net.PacketConn, push func(Block) bool) error {
	go func() {
		<-ctx.Done()
		conn.SetReadDeadline(time.Now()) //nolint:errcheck
	}()

	buf := make([]byte, maxPacketSize)
	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read packet: %w", err)
		}

		var pkt rtp.Packet
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			s.logger.Debug().Src("audio").Msgf("invalid rtp packet: %v", err)
			continue
		}
		block, ok := s.Decode(&pkt)
		if !ok {
			continue
		}
		push(block)
	}
}
