// SPDX-License-Identifier: GPL-2.0-or-later

package encoder

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"
	"time"

	"arrec/pkg/audio"
	"arrec/pkg/video/mp4"

	"github.com/icza/bitio"
)

// Timescales.
const (
	movieTimescale = 1000
	videoTimescale = 90000
)

// Track IDs.
const (
	videoTrackID = 1
	audioTrackID = 2
)

// durationToTicks converts d to timescale units, rounded to nearest.
func durationToTicks(d time.Duration, timescale int64) int64 {
	return (int64(d)*timescale + int64(time.Second)/2) / int64(time.Second)
}

// track sample table of one track. Every sample is its own chunk.
type track struct {
	pts     []time.Duration
	sizes   []uint32
	offsets []uint64
}

func (t *track) add(pts time.Duration, offset uint64, size int) {
	t.pts = append(t.pts, pts)
	t.offsets = append(t.offsets, offset)
	t.sizes = append(t.sizes, uint32(size))
}

// stts run-length encodes the deltas between sample timestamps.
// The last sample lasts lastDelta.
func (t *track) stts(timescale int64, lastDelta time.Duration) []mp4.SttsEntry {
	var entries []mp4.SttsEntry
	for i := range t.pts {
		var delta int64
		if i+1 < len(t.pts) {
			delta = durationToTicks(t.pts[i+1], timescale) - durationToTicks(t.pts[i], timescale)
		} else {
			delta = durationToTicks(lastDelta, timescale)
		}
		if delta < 0 {
			delta = 0
		}
		if len(entries) > 0 && entries[len(entries)-1].SampleDelta == uint32(delta) {
			entries[len(entries)-1].SampleCount++
			continue
		}
		entries = append(entries, mp4.SttsEntry{
			SampleCount: 1,
			SampleDelta: uint32(delta),
		})
	}
	return entries
}

func (t *track) stsc() []mp4.StscEntry {
	if len(t.pts) == 0 {
		return nil
	}
	return []mp4.StscEntry{{
		FirstChunk:             1,
		SamplesPerChunk:        1,
		SampleDescriptionIndex: 1,
	}}
}

// muxer writes a QuickTime file progressively. The mdat header is
// written up front with a 64 bit size that is patched on close and
// the moov box is appended after the samples.
type muxer struct {
	file *os.File
	bw   *bufio.Writer
	out  *bitio.Writer

	pos       uint64
	mdatStart uint64

	width  int
	height int
	codec  Codec
	fps    int

	audio        *AudioFormat
	video        track
	audioTrack   track
	audioLast    time.Duration
	audioLastDur time.Duration
}

var ftyp = &mp4.Ftyp{
	MajorBrand:       [4]byte{'q', 't', ' ', ' '},
	MinorVersion:     0x200,
	CompatibleBrands: [][4]byte{{'q', 't', ' ', ' '}},
}

func createMuxer(path string, codec Codec, width, height, fps int, audio *AudioFormat) (*muxer, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create file: %w", err)
	}
	bw := bufio.NewWriter(file)
	m := &muxer{
		file:   file,
		bw:     bw,
		out:    bitio.NewWriter(bw),
		width:  width,
		height: height,
		codec:  codec,
		fps:    fps,
		audio:  audio,
	}

	n, err := mp4.WriteSingleBox(m.out, ftyp)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("write ftyp: %w", err)
	}
	m.pos = uint64(n)
	m.mdatStart = m.pos

	if err := mp4.WriteMdatHeader(m.out, 0); err != nil {
		file.Close()
		return nil, fmt.Errorf("write mdat header: %w", err)
	}
	m.pos += mp4.MdatHeaderSize

	// Fail early if the disk is not writable.
	if err := bw.Flush(); err != nil {
		file.Close()
		return nil, fmt.Errorf("flush header: %w", err)
	}
	return m, nil
}

func (m *muxer) writeVideo(data []byte, pts time.Duration) error {
	offset := m.pos
	m.out.TryWrite(data)
	if m.out.TryError != nil {
		return m.out.TryError
	}
	m.pos += uint64(len(data))
	m.video.add(pts, offset, len(data))
	return nil
}

func (m *muxer) writeAudio(block audio.Block) error {
	// Blocks pinned to the same video frame share a timestamp.
	pts := block.PTS
	if pts < m.audioLast {
		pts = m.audioLast
	}
	m.audioLast = pts
	m.audioLastDur = block.Duration()

	// sowt is little-endian.
	data := make([]byte, 2*len(block.Samples))
	for i, s := range block.Samples {
		binary.LittleEndian.PutUint16(data[2*i:], uint16(s))
	}

	offset := m.pos
	m.out.TryWrite(data)
	if m.out.TryError != nil {
		return m.out.TryError
	}
	m.pos += uint64(len(data))
	m.audioTrack.add(pts, offset, len(data))
	return nil
}

// close writes the moov box, patches the mdat size and closes the file.
func (m *muxer) close() error {
	err := m.writeTrailer()
	if err2 := m.file.Close(); err == nil && err2 != nil {
		err = fmt.Errorf("close: %w", err2)
	}
	return err
}

func (m *muxer) writeTrailer() error {
	mdatSize := m.pos - m.mdatStart

	moov := m.generateMoov()
	if err := moov.Marshal(m.out); err != nil {
		return fmt.Errorf("write moov: %w", err)
	}
	if err := m.out.Close(); err != nil {
		return fmt.Errorf("close bit writer: %w", err)
	}
	if err := m.bw.Flush(); err != nil {
		return fmt.Errorf("flush: %w", err)
	}

	var size [8]byte
	binary.BigEndian.PutUint64(size[:], mdatSize)
	if _, err := m.file.WriteAt(size[:], int64(m.mdatStart)+8); err != nil {
		return fmt.Errorf("patch mdat size: %w", err)
	}
	if err := m.file.Sync(); err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	return nil
}

// duration timeline span, zero based. The last frame's own
// display time is carried by its stts delta only.
func (m *muxer) duration() time.Duration {
	if len(m.video.pts) == 0 {
		return 0
	}
	return m.video.pts[len(m.video.pts)-1]
}

func (m *muxer) frameDuration() time.Duration {
	return time.Second / time.Duration(m.fps)
}

func (m *muxer) generateMoov() mp4.Boxes {
	/*
	   moov
	   - mvhd
	   - trak (video)
	   - trak (audio)
	*/

	duration := m.duration()
	nextTrackID := uint32(videoTrackID + 1)
	if m.audio != nil {
		nextTrackID = audioTrackID + 1
	}

	children := []mp4.Boxes{
		{Box: &mp4.Mvhd{
			Timescale:   movieTimescale,
			DurationV0:  uint32(durationToTicks(duration, movieTimescale)),
			Rate:        65536,
			Volume:      256,
			Matrix:      mp4.UnityMatrix,
			NextTrackID: nextTrackID,
		}},
		m.generateVideoTrak(duration),
	}
	if m.audio != nil {
		children = append(children, m.generateAudioTrak())
	}
	return mp4.Boxes{Box: mp4.Moov, Children: children}
}

func (m *muxer) generateVideoTrak(duration time.Duration) mp4.Boxes {
	/*
	   trak
	   - tkhd
	   - mdia
	     - mdhd
	     - hdlr
	     - minf
	*/

	return mp4.Boxes{
		Box: mp4.Trak,
		Children: []mp4.Boxes{
			{Box: &mp4.Tkhd{
				FullBox: mp4.FullBox{
					Flags: [3]byte{0, 0, mp4.TrackEnabled | mp4.TrackInMovie},
				},
				TrackID:  videoTrackID,
				Duration: uint32(durationToTicks(duration, movieTimescale)),
				Matrix:   mp4.UnityMatrix,
				Width:    uint32(m.width) << 16,
				Height:   uint32(m.height) << 16,
			}},
			{
				Box: mp4.Mdia,
				Children: []mp4.Boxes{
					{Box: &mp4.Mdhd{
						Timescale:  videoTimescale,
						DurationV0: uint32(durationToTicks(duration, videoTimescale)),
						Language:   [3]byte{'u', 'n', 'd'},
					}},
					{Box: &mp4.Hdlr{
						HandlerType: mp4.HandlerVideo,
						Name:        "VideoHandler",
					}},
					m.generateVideoMinf(),
				},
			},
		},
	}
}

func (m *muxer) generateVideoMinf() mp4.Boxes {
	/*
	   minf
	   - vmhd
	   - dinf
	     - dref
	       - url
	   - stbl
	     - stsd
	       - jpeg/png
	     - stts
	     - stsc
	     - stsz
	     - co64
	*/

	stsd := mp4.Boxes{
		Box: &mp4.Stsd{EntryCount: 1},
		Children: []mp4.Boxes{
			{Box: &mp4.VisualSampleEntry{
				SampleEntry: mp4.SampleEntry{
					DataReferenceIndex: 1,
				},
				EntryType:       m.codec.SampleEntry(),
				TemporalQuality: 512,
				SpatialQuality:  512,
				Width:           uint16(m.width),
				Height:          uint16(m.height),
				Horizresolution: 72 << 16,
				Vertresolution:  72 << 16,
				FrameCount:      1,
				Compressorname:  m.codec.Compressor(),
				Depth:           m.codec.Depth(),
				ColorTableID:    -1,
			}},
		},
	}

	stbl := mp4.Boxes{
		Box: mp4.Stbl,
		Children: []mp4.Boxes{
			stsd,
			{Box: &mp4.Stts{
				Entries: m.video.stts(videoTimescale, m.frameDuration()),
			}},
			{Box: &mp4.Stsc{
				Entries: m.video.stsc(),
			}},
			{Box: &mp4.Stsz{
				SampleCount: uint32(len(m.video.sizes)),
				EntrySizes:  m.video.sizes,
			}},
			{Box: &mp4.Co64{
				ChunkOffsets: m.video.offsets,
			}},
		},
	}

	return mp4.Boxes{
		Box: mp4.Minf,
		Children: []mp4.Boxes{
			{Box: &mp4.Vmhd{
				FullBox: mp4.FullBox{Flags: [3]byte{0, 0, 1}},
			}},
			generateDinf(),
			stbl,
		},
	}
}

func generateDinf() mp4.Boxes {
	return mp4.Boxes{
		Box: mp4.Dinf,
		Children: []mp4.Boxes{
			{
				Box: &mp4.Dref{EntryCount: 1},
				Children: []mp4.Boxes{
					{Box: &mp4.Url{
						FullBox: mp4.FullBox{Flags: [3]byte{0, 0, mp4.UrlSelfContained}},
					}},
				},
			},
		},
	}
}

func (m *muxer) generateAudioTrak() mp4.Boxes {
	/*
	   trak
	   - tkhd
	   - edts
	     - elst
	   - mdia
	     - mdhd
	     - hdlr
	     - minf
	       - smhd
	       - dinf
	       - stbl
	*/

	timescale := int64(m.audio.SampleRate)
	lastDuration := m.audioLastDur

	var start, mediaDuration time.Duration
	if n := len(m.audioTrack.pts); n != 0 {
		start = m.audioTrack.pts[0]
		mediaDuration = m.audioTrack.pts[n-1] - start + lastDuration
	}

	trak := mp4.Boxes{
		Box: mp4.Trak,
		Children: []mp4.Boxes{
			{Box: &mp4.Tkhd{
				FullBox: mp4.FullBox{
					Flags: [3]byte{0, 0, mp4.TrackEnabled | mp4.TrackInMovie},
				},
				TrackID:        audioTrackID,
				Duration:       uint32(durationToTicks(start+mediaDuration, movieTimescale)),
				AlternateGroup: 1,
				Volume:         256,
				Matrix:         mp4.UnityMatrix,
			}},
		},
	}

	// The audio timeline starts at the first block's timestamp.
	if start > 0 {
		trak.Children = append(trak.Children, mp4.Boxes{
			Box: mp4.Edts,
			Children: []mp4.Boxes{
				{Box: &mp4.Elst{
					Entries: []mp4.ElstEntry{
						{
							SegmentDuration: uint32(durationToTicks(start, movieTimescale)),
							MediaTime:       -1,
							MediaRate:       1 << 16,
						},
						{
							SegmentDuration: uint32(durationToTicks(mediaDuration, movieTimescale)),
							MediaTime:       0,
							MediaRate:       1 << 16,
						},
					},
				}},
			},
		})
	}

	stbl := mp4.Boxes{
		Box: mp4.Stbl,
		Children: []mp4.Boxes{
			{
				Box: &mp4.Stsd{EntryCount: 1},
				Children: []mp4.Boxes{
					{Box: &mp4.SoundSampleEntry{
						SampleEntry: mp4.SampleEntry{
							DataReferenceIndex: 1,
						},
						EntryType:    mp4.TypeSowt,
						ChannelCount: uint16(m.audio.Channels),
						SampleSize:   16,
						SampleRate:   uint32(m.audio.SampleRate) << 16,
					}},
				},
			},
			{Box: &mp4.Stts{
				Entries: m.audioTrack.stts(timescale, lastDuration),
			}},
			{Box: &mp4.Stsc{
				Entries: m.audioTrack.stsc(),
			}},
			{Box: &mp4.Stsz{
				SampleCount: uint32(len(m.audioTrack.sizes)),
				EntrySizes:  m.audioTrack.sizes,
			}},
			{Box: &mp4.Co64{
				ChunkOffsets: m.audioTrack.offsets,
			}},
		},
	}

	trak.Children = append(trak.Children, mp4.Boxes{
		Box: mp4.Mdia,
		Children: []mp4.Boxes{
			{Box: &mp4.Mdhd{
				Timescale:  uint32(timescale),
				DurationV0: uint32(durationToTicks(mediaDuration, timescale)),
				Language:   [3]byte{'u', 'n', 'd'},
			}},
			{Box: &mp4.Hdlr{
				HandlerType: mp4.HandlerSound,
				Name:        "SoundHandler",
			}},
			{
				Box: mp4.Minf,
				Children: []mp4.Boxes{
					{Box: &mp4.Smhd{}},
					generateDinf(),
					stbl,
				},
			},
		},
	})
	return trak
}
