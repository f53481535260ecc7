// SPDX-License-Identifier: GPL-2.0-or-later

package mp4

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"
)

// Info is the container summary read back from a finished file.
type Info struct {
	MajorBrand string
	Timescale  uint32
	Duration   time.Duration
	Tracks     []TrackInfo
}

// TrackInfo per track summary.
type TrackInfo struct {
	ID           uint32
	Handler      string
	SampleEntry  string
	Timescale    uint32
	Duration     time.Duration
	StartOffset  time.Duration // Empty edit before the first sample.
	Width        int
	Height       int
	SampleSizes  []uint32
	SampleDeltas []uint32
	ChunkOffsets []uint64
}

// SampleCount number of samples in the track.
func (t TrackInfo) SampleCount() int {
	return len(t.SampleSizes)
}

// Track returns the first track with the handler type.
func (i Info) Track(handler string) (TrackInfo, bool) {
	for _, t := range i.Tracks {
		if t.Handler == handler {
			return t, true
		}
	}
	return TrackInfo{}, false
}

// Read errors.
var (
	ErrNoMoov       = errors.New("moov box not found")
	ErrInvalidBox   = errors.New("invalid box")
	ErrUnsupported  = errors.New("unsupported sample table")
	errShortPayload = errors.New("payload too short")
)

// ReadInfo walks the top level boxes and parses the movie header
// and sample tables. Only files where every chunk holds one
// sample are supported.
func ReadInfo(r io.ReadSeeker) (Info, error) {
	var info Info
	var offset int64
	for {
		typ, headerSize, size, err := readBoxHeader(r)
		if errors.Is(err, io.EOF) {
			return Info{}, ErrNoMoov
		}
		if err != nil {
			return Info{}, err
		}
		if size == 0 {
			// Box extends to the end of the file.
			end, err := r.Seek(0, io.SeekEnd)
			if err != nil {
				return Info{}, err
			}
			size = end - offset
			if _, err := r.Seek(offset+headerSize, io.SeekStart); err != nil {
				return Info{}, err
			}
		}
		if size < headerSize {
			return Info{}, fmt.Errorf("%w: %v size %d", ErrInvalidBox, typ, size)
		}

		switch typ {
		case "ftyp":
			payload, err := readPayload(r, size-headerSize)
			if err != nil {
				return Info{}, err
			}
			if len(payload) >= 4 {
				info.MajorBrand = string(payload[:4])
			}
		case "moov":
			payload, err := readPayload(r, size-headerSize)
			if err != nil {
				return Info{}, err
			}
			if err := parseMoov(payload, &info); err != nil {
				return Info{}, err
			}
			return info, nil
		default:
			if _, err := r.Seek(offset+size, io.SeekStart); err != nil {
				return Info{}, err
			}
		}
		offset += size
	}
}

func readBoxHeader(r io.Reader) (string, int64, int64, error) {
	var header [8]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return "", 0, 0, io.EOF
		}
		return "", 0, 0, err
	}
	size := int64(binary.BigEndian.Uint32(header[:4]))
	typ := string(header[4:])
	if size != 1 {
		return typ, 8, size, nil
	}
	var large [8]byte
	if _, err := io.ReadFull(r, large[:]); err != nil {
		return "", 0, 0, err
	}
	return typ, 16, int64(binary.BigEndian.Uint64(large[:])), nil
}

// maxPayload limit of boxes read into memory.
const maxPayload = 256 << 20

func readPayload(r io.Reader, n int64) ([]byte, error) {
	if n > maxPayload {
		return nil, fmt.Errorf("%w: payload %d bytes", ErrInvalidBox, n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// children calls fn for each box in buf.
func children(buf []byte, fn func(typ string, payload []byte) error) error {
	for len(buf) > 0 {
		if len(buf) < 8 {
			return fmt.Errorf("%w: %d trailing bytes", ErrInvalidBox, len(buf))
		}
		size := int(binary.BigEndian.Uint32(buf))
		typ := string(buf[4:8])
		if size < 8 || size > len(buf) {
			return fmt.Errorf("%w: %v size %d", ErrInvalidBox, typ, size)
		}
		if err := fn(typ, buf[8:size]); err != nil {
			return fmt.Errorf("%v: %w", typ, err)
		}
		buf = buf[size:]
	}
	return nil
}

func parseMoov(buf []byte, info *Info) error {
	var edits [][]byte
	err := children(buf, func(typ string, p []byte) error {
		switch typ {
		case "mvhd":
			timescale, duration, err := parseTimeHeader(p)
			if err != nil {
				return err
			}
			info.Timescale = timescale
			info.Duration = ticksToDuration(duration, timescale)
		case "trak":
			var track TrackInfo
			var elst []byte
			if err := parseTrak(p, &track, &elst); err != nil {
				return err
			}
			info.Tracks = append(info.Tracks, track)
			edits = append(edits, elst)
		}
		return nil
	})
	if err != nil {
		return err
	}

	// Edit lists use the movie timescale.
	for i, elst := range edits {
		if elst == nil {
			continue
		}
		entries, err := table(elst, 12)
		if err != nil {
			return fmt.Errorf("elst: %w", err)
		}
		if len(entries) > 0 && int32(binary.BigEndian.Uint32(entries[0][4:])) == -1 {
			d := uint64(binary.BigEndian.Uint32(entries[0]))
			info.Tracks[i].StartOffset = ticksToDuration(d, info.Timescale)
		}
	}
	return nil
}

// parseTimeHeader reads timescale and duration of mvhd or mdhd.
func parseTimeHeader(p []byte) (uint32, uint64, error) {
	if len(p) < 1 {
		return 0, 0, errShortPayload
	}
	if p[0] == 1 {
		if len(p) < 32 {
			return 0, 0, errShortPayload
		}
		return binary.BigEndian.Uint32(p[20:]), binary.BigEndian.Uint64(p[24:]), nil
	}
	if len(p) < 20 {
		return 0, 0, errShortPayload
	}
	return binary.BigEndian.Uint32(p[12:]), uint64(binary.BigEndian.Uint32(p[16:])), nil
}

func parseTrak(buf []byte, track *TrackInfo, elst *[]byte) error {
	return children(buf, func(typ string, p []byte) error {
		switch typ {
		case "edts":
			return children(p, func(typ string, p []byte) error {
				if typ == "elst" {
					*elst = p
				}
				return nil
			})
		case "tkhd":
			if len(p) < 84 {
				return errShortPayload
			}
			track.ID = binary.BigEndian.Uint32(p[12:])
			track.Width = int(binary.BigEndian.Uint32(p[76:]) >> 16)
			track.Height = int(binary.BigEndian.Uint32(p[80:]) >> 16)
		case "mdia":
			return parseMdia(p, track)
		}
		return nil
	})
}

func parseMdia(buf []byte, track *TrackInfo) error {
	return children(buf, func(typ string, p []byte) error {
		switch typ {
		case "mdhd":
			timescale, duration, err := parseTimeHeader(p)
			if err != nil {
				return err
			}
			track.Timescale = timescale
			track.Duration = ticksToDuration(duration, timescale)
		case "hdlr":
			if len(p) < 12 {
				return errShortPayload
			}
			track.Handler = string(p[8:12])
		case "minf":
			return children(p, func(typ string, p []byte) error {
				if typ == "stbl" {
					return parseStbl(p, track)
				}
				return nil
			})
		}
		return nil
	})
}

func parseStbl(buf []byte, track *TrackInfo) error { //nolint:funlen
	var chunkCount int
	err := children(buf, func(typ string, p []byte) error {
		switch typ {
		case "stsd":
			if len(p) < 16 {
				return errShortPayload
			}
			track.SampleEntry = string(p[12:16])
		case "stts":
			entries, err := table(p, 8)
			if err != nil {
				return err
			}
			for _, e := range entries {
				count := binary.BigEndian.Uint32(e)
				delta := binary.BigEndian.Uint32(e[4:])
				for i := uint32(0); i < count; i++ {
					track.SampleDeltas = append(track.SampleDeltas, delta)
				}
			}
		case "stsc":
			entries, err := table(p, 12)
			if err != nil {
				return err
			}
			for _, e := range entries {
				if binary.BigEndian.Uint32(e[4:]) != 1 {
					return fmt.Errorf("%w: multiple samples per chunk", ErrUnsupported)
				}
			}
		case "stsz":
			if len(p) < 12 {
				return errShortPayload
			}
			sampleSize := binary.BigEndian.Uint32(p[4:])
			count := int(binary.BigEndian.Uint32(p[8:]))
			if sampleSize != 0 {
				for i := 0; i < count; i++ {
					track.SampleSizes = append(track.SampleSizes, sampleSize)
				}
				return nil
			}
			if len(p) < 12+count*4 {
				return errShortPayload
			}
			for i := 0; i < count; i++ {
				track.SampleSizes = append(track.SampleSizes, binary.BigEndian.Uint32(p[12+i*4:]))
			}
		case "stco":
			entries, err := table(p, 4)
			if err != nil {
				return err
			}
			for _, e := range entries {
				track.ChunkOffsets = append(track.ChunkOffsets, uint64(binary.BigEndian.Uint32(e)))
			}
			chunkCount = len(entries)
		case "co64":
			entries, err := table(p, 8)
			if err != nil {
				return err
			}
			for _, e := range entries {
				track.ChunkOffsets = append(track.ChunkOffsets, binary.BigEndian.Uint64(e))
			}
			chunkCount = len(entries)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if chunkCount != len(track.SampleSizes) {
		return fmt.Errorf("%w: %d chunks for %d samples",
			ErrUnsupported, chunkCount, len(track.SampleSizes))
	}
	return nil
}

// table splits a full box with a 32 bit entry count into entries.
func table(p []byte, entrySize int) ([][]byte, error) {
	if len(p) < 8 {
		return nil, errShortPayload
	}
	count := int(binary.BigEndian.Uint32(p[4:]))
	p = p[8:]
	if len(p) < count*entrySize {
		return nil, errShortPayload
	}
	entries := make([][]byte, count)
	for i := range entries {
		entries[i] = p[i*entrySize : (i+1)*entrySize]
	}
	return entries, nil
}

func ticksToDuration(ticks uint64, timescale uint32) time.Duration {
	if timescale == 0 {
		return 0
	}
	return time.Duration(ticks * uint64(time.Second) / uint64(timescale))
}

// ReadSample returns sample i of the track.
func ReadSample(r io.ReaderAt, track TrackInfo, i int) ([]byte, error) {
	if i < 0 || i >= len(track.SampleSizes) || i >= len(track.ChunkOffsets) {
		return nil, fmt.Errorf("%w: sample %d out of range", ErrInvalidBox, i)
	}
	buf := make([]byte, track.SampleSizes[i])
	if _, err := r.ReadAt(buf, int64(track.ChunkOffsets[i])); err != nil {
		return nil, err
	}
	return buf, nil
}
