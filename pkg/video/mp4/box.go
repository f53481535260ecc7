// SPDX-License-Identifier: GPL-2.0-or-later

package mp4

import (
	"github.com/icza/bitio"
)

// BoxType is mpeg box type.
type BoxType [4]byte

func (t BoxType) String() string {
	return string(t[:])
}

// ImmutableBox is common interface of box.
type ImmutableBox interface {
	// Type returns the BoxType.
	Type() BoxType

	// Size returns the marshaled size in bytes.
	// The size must be known before marshaling
	// since the box header contains the size.
	Size() int

	// Marshal box to writer.
	Marshal(w *bitio.Writer) error
}

// Boxes is a structure of boxes that can be marshaled together.
type Boxes struct {
	Box      ImmutableBox
	Children []Boxes
}

// Size returns the total size of the box including children.
func (b *Boxes) Size() int {
	total := b.Box.Size() + 8
	for _, child := range b.Children {
		total += child.Size()
	}
	return total
}

// Marshal box including children.
func (b *Boxes) Marshal(w *bitio.Writer) error {
	size := b.Size()

	if err := writeBoxInfo(w, uint32(size), b.Box.Type()); err != nil {
		return err
	}

	if b.Box.Size() != 0 {
		if err := b.Box.Marshal(w); err != nil {
			return err
		}
	}

	for _, child := range b.Children {
		if err := child.Marshal(w); err != nil {
			return err
		}
	}
	return nil
}

func writeBoxInfo(w *bitio.Writer, size uint32, typ BoxType) error {
	writeUint32(w, size)
	w.TryWrite(typ[:])
	return w.TryError
}

// WriteSingleBox write a single box.
func WriteSingleBox(w *bitio.Writer, b ImmutableBox) (int, error) {
	size := 8 + b.Size()

	if err := writeBoxInfo(w, uint32(size), b.Type()); err != nil {
		return 0, err
	}

	// The size of a empty box is 8 bytes.
	if size != 8 {
		if err := b.Marshal(w); err != nil {
			return 0, err
		}
	}
	return size, nil
}

// MdatHeaderSize size of a 64 bit mdat header.
const MdatHeaderSize = 16

// WriteMdatHeader writes a mdat header with a 64 bit size field.
// The payload is written separately, size includes the header.
func WriteMdatHeader(w *bitio.Writer, size uint64) error {
	// A 32 bit size of 1 means the size follows the type.
	writeUint32(w, 1)
	w.TryWrite([]byte("mdat"))
	writeUint64(w, size)
	return w.TryError
}

func writeUint16(w *bitio.Writer, v uint16) {
	w.TryWriteBits(uint64(v), 16)
}

func writeUint32(w *bitio.Writer, v uint32) {
	w.TryWriteBits(uint64(v), 32)
}

func writeUint64(w *bitio.Writer, v uint64) {
	w.TryWriteBits(v, 64)
}
