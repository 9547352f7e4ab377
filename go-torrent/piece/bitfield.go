package piece

import (
	bitmap "github.com/boljen/go-bitmap"
)

// Bitfield records which pieces of the shared file a peer holds. Its length is
// fixed when it is created.
type Bitfield struct {
	bits   bitmap.Bitmap
	length int
}

func NewBitfield(length int) *Bitfield {
	if length < 0 {
		length = 0
	}
	return &Bitfield{
		bits:   bitmap.New(length),
		length: length,
	}
}

func NewFullBitfield(length int) *Bitfield {
	bf := NewBitfield(length)
	for i := 0; i < length; i++ {
		bf.bits.Set(i, true)
	}
	return bf
}

// FromBytes decodes the wire form, one byte per piece. Any non-zero byte marks
// the piece as held; bytes past length are ignored and missing ones read as zero.
func FromBytes(payload []byte, length int) *Bitfield {
	bf := NewBitfield(length)
	for i := 0; i < length && i < len(payload); i++ {
		if payload[i] != 0 {
			bf.bits.Set(i, true)
		}
	}
	return bf
}

func (bf *Bitfield) Len() int {
	return bf.length
}

func (bf *Bitfield) Has(pieceIndex int) bool {
	if pieceIndex < 0 || pieceIndex >= bf.length {
		return false
	}
	return bf.bits.Get(pieceIndex)
}

// Set marks a piece as held and reports false if the index is out of range.
func (bf *Bitfield) Set(pieceIndex int) bool {
	if pieceIndex < 0 || pieceIndex >= bf.length {
		return false
	}
	bf.bits.Set(pieceIndex, true)
	return true
}

func (bf *Bitfield) Count() int {
	n := 0
	for i := 0; i < bf.length; i++ {
		if bf.bits.Get(i) {
			n++
		}
	}
	return n
}

func (bf *Bitfield) Complete() bool {
	return bf.Count() == bf.length
}

// Lacks reports whether other holds a piece bf does not.
func (bf *Bitfield) Lacks(other *Bitfield) bool {
	for i := 0; i < bf.length && i < other.length; i++ {
		if other.bits.Get(i) && !bf.bits.Get(i) {
			return true
		}
	}
	return false
}

func (bf *Bitfield) Clone() *Bitfield {
	return &Bitfield{
		bits:   bitmap.Bitmap(bf.bits.Data(true)),
		length: bf.length,
	}
}

// Bytes returns the wire form of the bitfield.
func (bf *Bitfield) Bytes() []byte {
	payload := make([]byte, bf.length)
	for i := 0; i < bf.length; i++ {
		if bf.bits.Get(i) {
			payload[i] = 1
		}
	}
	return payload
}
