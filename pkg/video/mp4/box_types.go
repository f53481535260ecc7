// SPDX-License-Identifier: GPL-2.0-or-later

package mp4

import (
	"github.com/icza/bitio"
)

/************************* FullBox **************************/

// FullBox is ISOBMFF FullBox.
type FullBox struct {
	Version uint8
	Flags   [3]byte
}

// GetFlags returns the flags.
func (b *FullBox) GetFlags() uint32 {
	flag := uint32(b.Flags[0]) << 16
	flag ^= uint32(b.Flags[1]) << 8
	flag ^= uint32(b.Flags[2])
	return flag
}

// CheckFlag checks the flag status.
func (b *FullBox) CheckFlag(flag uint32) bool {
	return b.GetFlags()&flag != 0
}

// MarshalField box to writer.
func (b *FullBox) MarshalField(w *bitio.Writer) error {
	w.TryWriteByte(b.Version)
	w.TryWrite(b.Flags[:])
	return w.TryError
}

/*************************** container boxes ****************************/

// Container box without fields of its own.
type Container BoxType

// Type returns the BoxType.
func (c Container) Type() BoxType { return BoxType(c) }

// Size returns the marshaled size in bytes.
func (Container) Size() int { return 0 }

// Marshal is never called.
func (Container) Marshal(*bitio.Writer) error { return nil }

// Container boxes.
var (
	Moov = Container{'m', 'o', 'o', 'v'}
	Trak = Container{'t', 'r', 'a', 'k'}
	Mdia = Container{'m', 'd', 'i', 'a'}
	Minf = Container{'m', 'i', 'n', 'f'}
	Dinf = Container{'d', 'i', 'n', 'f'}
	Stbl = Container{'s', 't', 'b', 'l'}
	Edts = Container{'e', 'd', 't', 's'}
)

/*************************** dref ****************************/

// Dref is ISOBMFF dref box type.
type Dref struct {
	FullBox
	EntryCount uint32
}

// Type returns the BoxType.
func (*Dref) Type() BoxType {
	return [4]byte{'d', 'r', 'e', 'f'}
}

// Size returns the marshaled size in bytes.
func (b *Dref) Size() int {
	return 8
}

// Marshal box to writer.
func (b *Dref) Marshal(w *bitio.Writer) error {
	if err := b.FullBox.MarshalField(w); err != nil {
		return err
	}
	writeUint32(w, b.EntryCount)
	return w.TryError
}

/*************************** url ****************************/

// Url is ISOBMFF url box type.
type Url struct { // nolint:revive,stylecheck
	FullBox
	Location string
}

// Type returns the BoxType.
func (*Url) Type() BoxType {
	return [4]byte{'u', 'r', 'l', ' '}
}

// UrlSelfContained media data is in the same file.
const UrlSelfContained = 0x000001 // nolint:revive,stylecheck

// Size returns the marshaled size in bytes.
func (b *Url) Size() int {
	if !b.FullBox.CheckFlag(UrlSelfContained) {
		return len(b.Location) + 5
	}
	return 4
}

// Marshal box to writer.
func (b *Url) Marshal(w *bitio.Writer) error {
	if err := b.FullBox.MarshalField(w); err != nil {
		return err
	}
	if !b.FullBox.CheckFlag(UrlSelfContained) {
		w.TryWrite([]byte(b.Location + "\000"))
	}
	return w.TryError
}

/*************************** ftyp ****************************/

// Ftyp is ISOBMFF ftyp box type.
type Ftyp struct {
	MajorBrand       [4]byte
	MinorVersion     uint32
	CompatibleBrands [][4]byte
}

// Type returns the BoxType.
func (*Ftyp) Type() BoxType {
	return [4]byte{'f', 't', 'y', 'p'}
}

// Size returns the marshaled size in bytes.
func (b *Ftyp) Size() int {
	return 8 + len(b.CompatibleBrands)*4
}

// Marshal box to writer.
func (b *Ftyp) Marshal(w *bitio.Writer) error {
	w.TryWrite(b.MajorBrand[:])
	writeUint32(w, b.MinorVersion)
	for _, brand := range b.CompatibleBrands {
		w.TryWrite(brand[:])
	}
	return w.TryError
}

/*************************** hdlr ****************************/

// Handler types.
var (
	HandlerVideo = [4]byte{'v', 'i', 'd', 'e'}
	HandlerSound = [4]byte{'s', 'o', 'u', 'n'}
)

// Hdlr is ISOBMFF hdlr box type.
type Hdlr struct {
	FullBox
	// Predefined corresponds to component_type of QuickTime.
	// pre_defined of ISO-14496 is always zero,
	// however component_type is "mhlr" or "dhlr".
	PreDefined  uint32
	HandlerType [4]byte
	Reserved    [3]uint32
	Name        string
}

// Type returns the BoxType.
func (*Hdlr) Type() BoxType {
	return [4]byte{'h', 'd', 'l', 'r'}
}

// Size returns the marshaled size in bytes.
func (b *Hdlr) Size() int {
	return 25 + len(b.Name)
}

// Marshal box to writer.
func (b *Hdlr) Marshal(w *bitio.Writer) error {
	if err := b.FullBox.MarshalField(w); err != nil {
		return err
	}
	writeUint32(w, b.PreDefined)
	w.TryWrite(b.HandlerType[:])
	for _, reserved := range b.Reserved {
		writeUint32(w, reserved)
	}
	w.TryWrite([]byte(b.Name + "\000"))
	return w.TryError
}

/*************************** mdhd ****************************/

// Mdhd is ISOBMFF mdhd box type.
type Mdhd struct {
	FullBox
	CreationTimeV0     uint32
	ModificationTimeV0 uint32
	CreationTimeV1     uint64
	ModificationTimeV1 uint64
	Timescale          uint32
	DurationV0         uint32
	DurationV1         uint64
	//
	Pad        bool    // 1 bit.
	Language   [3]byte // 5 bits. ISO-639-2/T language code
	PreDefined uint16
}

// Type returns the BoxType.
func (*Mdhd) Type() BoxType {
	return [4]byte{'m', 'd', 'h', 'd'}
}

// Size returns the marshaled size in bytes.
func (b *Mdhd) Size() int {
	if b.FullBox.Version == 0 {
		return 24
	}
	return 36
}

// Marshal box to writer.
func (b *Mdhd) Marshal(w *bitio.Writer) error {
	if err := b.FullBox.MarshalField(w); err != nil {
		return err
	}
	if b.FullBox.Version == 0 {
		writeUint32(w, b.CreationTimeV0)
		writeUint32(w, b.ModificationTimeV0)
	} else {
		writeUint64(w, b.CreationTimeV1)
		writeUint64(w, b.ModificationTimeV1)
	}
	writeUint32(w, b.Timescale)
	if b.FullBox.Version == 0 {
		writeUint32(w, b.DurationV0)
	} else {
		writeUint64(w, b.DurationV1)
	}
	if b.Pad {
		w.TryWriteByte(byte(0x1)<<7 | b.Language[0]&0x1f<<2 | b.Language[1]&0x1f>>3)
	} else {
		w.TryWriteByte(b.Language[0]&0x1f<<2 | b.Language[1]&0x1f>>3)
	}
	w.TryWriteByte(b.Language[1]<<5 | b.Language[2]&0x1f)
	writeUint16(w, b.PreDefined)
	return w.TryError
}

/*************************** mvhd ****************************/

// Mvhd is ISOBMFF mvhd box type.
type Mvhd struct {
	FullBox
	CreationTimeV0     uint32
	ModificationTimeV0 uint32
	CreationTimeV1     uint64
	ModificationTimeV1 uint64
	Timescale          uint32
	DurationV0         uint32
	DurationV1         uint64
	Rate               int32 // fixed-point 16.16 - template=0x00010000
	Volume             int16 // template=0x0100
	Reserved           int16
	Reserved2          [2]uint32
	Matrix             [9]int32 // template={ 0x00010000,0,0,0,0x00010000,0,0,0,0x40000000 }
	PreDefined         [6]int32
	NextTrackID        uint32
}

// Type returns the BoxType.
func (*Mvhd) Type() BoxType {
	return [4]byte{'m', 'v', 'h', 'd'}
}

// Size returns the marshaled size in bytes.
func (b *Mvhd) Size() int {
	if b.FullBox.Version == 0 {
		return 100
	}
	return 112
}

// Marshal box to writer.
func (b *Mvhd) Marshal(w *bitio.Writer) error {
	if err := b.FullBox.MarshalField(w); err != nil {
		return err
	}
	if b.FullBox.Version == 0 {
		writeUint32(w, b.CreationTimeV0)
		writeUint32(w, b.ModificationTimeV0)
	} else {
		writeUint64(w, b.CreationTimeV1)
		writeUint64(w, b.ModificationTimeV1)
	}
	writeUint32(w, b.Timescale)
	if b.FullBox.Version == 0 {
		writeUint32(w, b.DurationV0)
	} else {
		writeUint64(w, b.DurationV1)
	}
	writeUint32(w, uint32(b.Rate))
	writeUint16(w, uint16(b.Volume))
	writeUint16(w, uint16(b.Reserved))
	for _, reserved := range b.Reserved2 {
		writeUint32(w, reserved)
	}
	for _, matrix := range b.Matrix {
		writeUint32(w, uint32(matrix))
	}
	for _, preDefined := range b.PreDefined {
		writeUint32(w, uint32(preDefined))
	}
	writeUint32(w, b.NextTrackID)
	return w.TryError
}

// UnityMatrix identity transformation matrix.
var UnityMatrix = [9]int32{0x00010000, 0, 0, 0, 0x00010000, 0, 0, 0, 0x40000000}

/*************************** tkhd ****************************/

// Tkhd is ISOBMFF tkhd box type, version 0.
type Tkhd struct {
	FullBox
	CreationTime     uint32
	ModificationTime uint32
	TrackID          uint32
	Reserved0        uint32
	Duration         uint32
	Reserved1        [2]uint32
	Layer            int16 // template=0
	AlternateGroup   int16 // template=0
	Volume           int16 // template={if track_is_audio 0x0100 else 0}
	Reserved2        uint16
	Matrix           [9]int32 // template={ 0x00010000,0,0,0,0x00010000,0,0,0,0x40000000 };
	Width            uint32   // fixed-point 16.16
	Height           uint32   // fixed-point 16.16
}

// Tkhd flags.
const (
	TrackEnabled   = 0x000001
	TrackInMovie   = 0x000002
	TrackInPreview = 0x000004
)

// Type returns the BoxType.
func (*Tkhd) Type() BoxType {
	return [4]byte{'t', 'k', 'h', 'd'}
}

// Size returns the marshaled size in bytes.
func (b *Tkhd) Size() int {
	return 84
}

// Marshal box to writer.
func (b *Tkhd) Marshal(w *bitio.Writer) error {
	if err := b.FullBox.MarshalField(w); err != nil {
		return err
	}
	writeUint32(w, b.CreationTime)
	writeUint32(w, b.ModificationTime)
	writeUint32(w, b.TrackID)
	writeUint32(w, b.Reserved0)
	writeUint32(w, b.Duration)
	for _, reserved := range b.Reserved1 {
		writeUint32(w, reserved)
	}
	writeUint16(w, uint16(b.Layer))
	writeUint16(w, uint16(b.AlternateGroup))
	writeUint16(w, uint16(b.Volume))
	writeUint16(w, b.Reserved2)
	for _, matrix := range b.Matrix {
		writeUint32(w, uint32(matrix))
	}
	writeUint32(w, b.Width)
	writeUint32(w, b.Height)
	return w.TryError
}

/*************************** vmhd ****************************/

// Vmhd is ISOBMFF vmhd box type.
type Vmhd struct {
	FullBox
	Graphicsmode uint16    // template=0
	Opcolor      [3]uint16 // template={0, 0, 0}
}

// Type returns the BoxType.
func (*Vmhd) Type() BoxType {
	return [4]byte{'v', 'm', 'h', 'd'}
}

// Size returns the marshaled size in bytes.
func (b *Vmhd) Size() int {
	return 12
}

// Marshal box to writer.
func (b *Vmhd) Marshal(w *bitio.Writer) error {
	if err := b.FullBox.MarshalField(w); err != nil {
		return err
	}
	writeUint16(w, b.Graphicsmode)
	for _, color := range b.Opcolor {
		writeUint16(w, color)
	}
	return w.TryError
}

/*************************** smhd ****************************/

// Smhd is ISOBMFF smhd box type.
type Smhd struct {
	FullBox
	Balance  int16 // fixed-point 8.8 template=0
	Reserved uint16
}

// Type returns the BoxType.
func (*Smhd) Type() BoxType {
	return [4]byte{'s', 'm', 'h', 'd'}
}

// Size returns the marshaled size in bytes.
func (b *Smhd) Size() int {
	return 8
}

// Marshal box to writer.
func (b *Smhd) Marshal(w *bitio.Writer) error {
	if err := b.FullBox.MarshalField(w); err != nil {
		return err
	}
	writeUint16(w, uint16(b.Balance))
	writeUint16(w, b.Reserved)
	return w.TryError
}

/*************************** stsd ****************************/

// Stsd is ISOBMFF stsd box type.
type Stsd struct {
	FullBox
	EntryCount uint32
}

// Type returns the BoxType.
func (*Stsd) Type() BoxType {
	return [4]byte{'s', 't', 's', 'd'}
}

// Size returns the marshaled size in bytes.
func (b *Stsd) Size() int {
	return 8
}

// Marshal box to writer.
func (b *Stsd) Marshal(w *bitio.Writer) error {
	if err := b.FullBox.MarshalField(w); err != nil {
		return err
	}
	writeUint32(w, b.EntryCount)
	return w.TryError
}

/*********************** SampleEntry *************************/

// SampleEntry .
type SampleEntry struct {
	Reserved           [6]uint8
	DataReferenceIndex uint16
}

// Marshal entry to buffer.
func (b *SampleEntry) Marshal(w *bitio.Writer) error {
	w.TryWrite(b.Reserved[:])
	writeUint16(w, b.DataReferenceIndex)
	return w.TryError
}

/******************** VisualSampleEntry *********************/

// Sample entry types of the still image codecs.
var (
	TypeJPEG = BoxType{'j', 'p', 'e', 'g'}
	TypePNG  = BoxType{'p', 'n', 'g', ' '}
)

// VisualSampleEntry video sample description. The
// QuickTime version, vendor and quality fields share
// the layout of the ISO pre_defined fields.
type VisualSampleEntry struct {
	SampleEntry
	EntryType       BoxType
	Version         uint16
	Revision        uint16
	Vendor          [4]byte
	TemporalQuality uint32
	SpatialQuality  uint32
	Width           uint16
	Height          uint16
	Horizresolution uint32 // fixed-point 16.16
	Vertresolution  uint32 // fixed-point 16.16
	DataSize        uint32
	FrameCount      uint16
	Compressorname  string // At most 31 bytes.
	Depth           uint16
	ColorTableID    int16
}

// Type returns the BoxType.
func (b *VisualSampleEntry) Type() BoxType {
	return b.EntryType
}

// Size returns the marshaled size in bytes.
func (b *VisualSampleEntry) Size() int {
	return 78
}

// Marshal box to writer.
func (b *VisualSampleEntry) Marshal(w *bitio.Writer) error {
	if err := b.SampleEntry.Marshal(w); err != nil {
		return err
	}
	writeUint16(w, b.Version)
	writeUint16(w, b.Revision)
	w.TryWrite(b.Vendor[:])
	writeUint32(w, b.TemporalQuality)
	writeUint32(w, b.SpatialQuality)
	writeUint16(w, b.Width)
	writeUint16(w, b.Height)
	writeUint32(w, b.Horizresolution)
	writeUint32(w, b.Vertresolution)
	writeUint32(w, b.DataSize)
	writeUint16(w, b.FrameCount)

	// Pascal string padded to 32 bytes.
	var name [32]byte
	n := copy(name[1:], b.Compressorname)
	name[0] = byte(n)
	w.TryWrite(name[:])

	writeUint16(w, b.Depth)
	writeUint16(w, uint16(b.ColorTableID))
	return w.TryError
}

/********************* SoundSampleEntry **********************/

// TypeSowt little-endian signed 16 bit PCM.
var TypeSowt = BoxType{'s', 'o', 'w', 't'}

// SoundSampleEntry QuickTime version 0 sound description.
type SoundSampleEntry struct {
	SampleEntry
	EntryType     BoxType
	Version       uint16
	Revision      uint16
	Vendor        uint32
	ChannelCount  uint16
	SampleSize    uint16
	CompressionID int16
	PacketSize    uint16
	SampleRate    uint32 // fixed-point 16.16
}

// Type returns the BoxType.
func (b *SoundSampleEntry) Type() BoxType {
	return b.EntryType
}

// Size returns the marshaled size in bytes.
func (b *SoundSampleEntry) Size() int {
	return 28
}

// Marshal box to writer.
func (b *SoundSampleEntry) Marshal(w *bitio.Writer) error {
	if err := b.SampleEntry.Marshal(w); err != nil {
		return err
	}
	writeUint16(w, b.Version)
	writeUint16(w, b.Revision)
	writeUint32(w, b.Vendor)
	writeUint16(w, b.ChannelCount)
	writeUint16(w, b.SampleSize)
	writeUint16(w, uint16(b.CompressionID))
	writeUint16(w, b.PacketSize)
	writeUint32(w, b.SampleRate)
	return w.TryError
}

/*************************** stts ****************************/

// Stts is ISOBMFF stts box type.
type Stts struct {
	FullBox
	Entries []SttsEntry
}

// SttsEntry .
type SttsEntry struct {
	SampleCount uint32
	SampleDelta uint32
}

// Type returns the BoxType.
func (*Stts) Type() BoxType {
	return [4]byte{'s', 't', 't', 's'}
}

// Size returns the marshaled size in bytes.
func (b *Stts) Size() int {
	return 8 + len(b.Entries)*8
}

// Marshal box to writer.
func (b *Stts) Marshal(w *bitio.Writer) error {
	if err := b.FullBox.MarshalField(w); err != nil {
		return err
	}
	writeUint32(w, uint32(len(b.Entries)))
	for _, entry := range b.Entries {
		writeUint32(w, entry.SampleCount)
		writeUint32(w, entry.SampleDelta)
	}
	return w.TryError
}

/*************************** stsc ****************************/

// Stsc is ISOBMFF stsc box type.
type Stsc struct {
	FullBox
	Entries []StscEntry
}

// StscEntry .
type StscEntry struct {
	FirstChunk             uint32
	SamplesPerChunk        uint32
	SampleDescriptionIndex uint32
}

// Type returns the BoxType.
func (*Stsc) Type() BoxType {
	return [4]byte{'s', 't', 's', 'c'}
}

// Size returns the marshaled size in bytes.
func (b *Stsc) Size() int {
	return 8 + len(b.Entries)*12
}

// Marshal box to writer.
func (b *Stsc) Marshal(w *bitio.Writer) error {
	if err := b.FullBox.MarshalField(w); err != nil {
		return err
	}
	writeUint32(w, uint32(len(b.Entries)))
	for _, entry := range b.Entries {
		writeUint32(w, entry.FirstChunk)
		writeUint32(w, entry.SamplesPerChunk)
		writeUint32(w, entry.SampleDescriptionIndex)
	}
	return w.TryError
}

/*************************** stsz ****************************/

// Stsz is ISOBMFF stsz box type.
type Stsz struct {
	FullBox
	// Non zero if all samples have the same size.
	SampleSize  uint32
	SampleCount uint32
	EntrySizes  []uint32
}

// Type returns the BoxType.
func (*Stsz) Type() BoxType {
	return [4]byte{'s', 't', 's', 'z'}
}

// Size returns the marshaled size in bytes.
func (b *Stsz) Size() int {
	if b.SampleSize != 0 {
		return 12
	}
	return 12 + len(b.EntrySizes)*4
}

// Marshal box to writer.
func (b *Stsz) Marshal(w *bitio.Writer) error {
	if err := b.FullBox.MarshalField(w); err != nil {
		return err
	}
	writeUint32(w, b.SampleSize)
	writeUint32(w, b.SampleCount)
	if b.SampleSize == 0 {
		for _, entry := range b.EntrySizes {
			writeUint32(w, entry)
		}
	}
	return w.TryError
}

/*************************** co64 ****************************/

// Co64 is ISOBMFF co64 box type.
type Co64 struct {
	FullBox
	ChunkOffsets []uint64
}

// Type returns the BoxType.
func (*Co64) Type() BoxType {
	return [4]byte{'c', 'o', '6', '4'}
}

// Size returns the marshaled size in bytes.
func (b *Co64) Size() int {
	return 8 + len(b.ChunkOffsets)*8
}

// Marshal box to writer.
func (b *Co64) Marshal(w *bitio.Writer) error {
	if err := b.FullBox.MarshalField(w); err != nil {
		return err
	}
	writeUint32(w, uint32(len(b.ChunkOffsets)))
	for _, offset := range b.ChunkOffsets {
		writeUint64(w, offset)
	}
	return w.TryError
}

/*************************** elst ****************************/

// Elst is ISOBMFF elst box type, version 0.
type Elst struct {
	FullBox
	Entries []ElstEntry
}

// ElstEntry .
type ElstEntry struct {
	SegmentDuration uint32 // In movie timescale.
	MediaTime       int32  // -1 is an empty edit.
	MediaRate       int32  // fixed-point 16.16
}

// Type returns the BoxType.
func (*Elst) Type() BoxType {
	return [4]byte{'e', 'l', 's', 't'}
}

// Size returns the marshaled size in bytes.
func (b *Elst) Size() int {
	return 8 + len(b.Entries)*12
}

// Marshal box to writer.
func (b *Elst) Marshal(w *bitio.Writer) error {
	if err := b.FullBox.MarshalField(w); err != nil {
		return err
	}
	writeUint32(w, uint32(len(b.Entries)))
	for _, entry := range b.Entries {
		writeUint32(w, entry.SegmentDuration)
		writeUint32(w, uint32(entry.MediaTime))
		writeUint32(w, uint32(entry.MediaRate))
	}
	return w.TryError
}
