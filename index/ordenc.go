// Package index implements client-side field indexes: order-preserving
// value encoding, index definitions and per-document entry generation,
// and matching of query shapes against available indexes.
package index

import (
	"encoding/binary"
	"math"

	"github.com/drpcorg/docsync/model"
)

// Type tag bytes open every encoded value and follow the same precedence
// the value comparator uses. Tags start above the sequence terminators so
// a shorter composite always sorts before its extensions.
const (
	tagMinKey    = 0x02
	tagNull      = 0x03
	tagBoolean   = 0x04
	tagNumber    = 0x05
	tagTimestamp = 0x06
	tagServerTS  = 0x07
	tagString    = 0x08
	tagBytes     = 0x09
	tagReference = 0x0a
	tagGeoPoint  = 0x0b
	tagArray     = 0x0c
	tagVector    = 0x0d
	tagMap       = 0x0e
	tagMaxKey    = 0x0f
)

// Terminators for variable-length parts. seqEnd closes arrays, maps and
// reference paths; strEnd/strEsc implement the 0x00 byte-stuffing that
// keeps escaped strings ordered like their raw bytes.
const (
	seqEnd = 0x01
	strEnd = 0x00 // followed by 0x01
	strEsc = 0x00 // followed by 0xff
)

// Writer appends order-preserving encodings to a buffer. A descending
// writer complements every byte, which exactly inverts the order.
type Writer struct {
	buf  []byte
	desc bool
}

func NewWriter(desc bool) *Writer {
	return &Writer{desc: desc}
}

func (w *Writer) Bytes() []byte {
	return w.buf
}

func (w *Writer) Reset() {
	w.buf = w.buf[:0]
}

func (w *Writer) put(b byte) {
	if w.desc {
		b = ^b
	}
	w.buf = append(w.buf, b)
}

func (w *Writer) putRaw(bs []byte) {
	for _, b := range bs {
		w.put(b)
	}
}

// WriteValue appends v so that for any two values
// bytes.Compare(enc(a), enc(b)) agrees with a.Compare(b) wherever the
// comparator is exact. Numbers collapse to their float64 order; the
// engine re-filters matches, so collapsing equal keys is safe.
func (w *Writer) WriteValue(v model.Value) {
	switch v.Kind {
	case model.KindMinKey:
		w.put(tagMinKey)
	case model.KindNull:
		w.put(tagNull)
	case model.KindBoolean:
		w.put(tagBoolean)
		if v.Bool {
			w.put(1)
		} else {
			w.put(0)
		}
	case model.KindInteger:
		w.put(tagNumber)
		w.writeOrderedFloat(float64(v.Int))
	case model.KindDouble:
		w.put(tagNumber)
		w.writeOrderedFloat(v.Dbl)
	case model.KindTimestamp:
		w.put(tagTimestamp)
		w.writeTimestamp(v.Time)
	case model.KindServerTimestamp:
		w.put(tagServerTS)
		w.writeTimestamp(v.Time)
	case model.KindString:
		w.put(tagString)
		w.writeEscaped([]byte(v.Str))
	case model.KindBytes:
		w.put(tagBytes)
		w.writeEscaped(v.Raw)
	case model.KindReference:
		w.put(tagReference)
		for _, seg := range v.RefPath {
			w.writeEscaped([]byte(seg))
		}
		w.put(seqEnd)
	case model.KindGeoPoint:
		w.put(tagGeoPoint)
		w.writeOrderedFloat(v.Geo.Latitude)
		w.writeOrderedFloat(v.Geo.Longitude)
	case model.KindArray:
		w.put(tagArray)
		for _, el := range v.Arr {
			w.WriteValue(el)
		}
		w.put(seqEnd)
	case model.KindVector:
		// vectors order by dimension count before contents
		w.put(tagVector)
		w.writeOrderedFloat(float64(len(v.Arr)))
		for _, el := range v.Arr {
			w.WriteValue(el)
		}
		w.put(seqEnd)
	case model.KindMap:
		w.put(tagMap)
		for _, e := range v.Entries {
			w.writeEscaped([]byte(e.Key))
			w.WriteValue(e.Value)
		}
		w.put(seqEnd)
	case model.KindMaxKey:
		w.put(tagMaxKey)
	}
}

// WriteKey appends a document key as a reference-shaped suffix; index
// entries end with it so equal directional values stay totally ordered.
func (w *Writer) WriteKey(key model.DocumentKey) {
	for _, seg := range key.Path {
		w.writeEscaped([]byte(seg))
	}
	w.put(seqEnd)
}

// Infinity appends a suffix past every encoded value, for exclusive
// upper bounds.
func (w *Writer) Infinity() {
	w.put(0xff)
}

// writeOrderedFloat stores the IEEE bits transformed so unsigned byte
// order matches numeric order: positive values get the sign bit set,
// negative values are fully complemented. NaN maps below every number.
func (w *Writer) writeOrderedFloat(f float64) {
	bits := math.Float64bits(f)
	if math.IsNaN(f) {
		bits = 0
	} else if bits&(1<<63) != 0 {
		bits = ^bits
	} else {
		bits |= 1 << 63
	}
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], bits)
	w.putRaw(tmp[:])
}

func (w *Writer) writeTimestamp(t model.Timestamp) {
	var tmp [12]byte
	binary.BigEndian.PutUint64(tmp[:8], uint64(t.Seconds)^(1<<63))
	binary.BigEndian.PutUint32(tmp[8:], uint32(t.Nanos))
	w.putRaw(tmp[:])
}

// writeEscaped byte-stuffs s so embedded zero bytes survive while the
// terminator still sorts a prefix before its extensions.
func (w *Writer) writeEscaped(s []byte) {
	for _, b := range s {
		w.put(b)
		if b == strEsc {
			w.put(0xff)
		}
	}
	w.put(strEnd)
	w.put(0x01)
}

// EncodeValueOrdered is the one-shot form of Writer.WriteValue.
func EncodeValueOrdered(v model.Value, desc bool) []byte {
	w := NewWriter(desc)
	w.WriteValue(v)
	return w.Bytes()
}
