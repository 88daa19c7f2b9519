package model

import (
	"encoding/binary"
	"math"
)

// Variable-length integer packing for keys and wire records. Values are
// stored little-endian in the minimal number of bytes (0, 1, 2, 4 or 8).

func byteLen(n uint64) int {
	switch {
	case n == 0:
		return 0
	case n <= 0xff:
		return 1
	case n <= 0xffff:
		return 2
	case n <= 0xffffffff:
		return 4
	default:
		return 8
	}
}

func ZipUint64(v uint64) []byte {
	buf := [8]byte{}
	binary.LittleEndian.PutUint64(buf[:], v)
	return buf[:byteLen(v)]
}

func UnzipUint64(zip []byte) (v uint64) {
	buf := [8]byte{}
	copy(buf[:], zip)
	return binary.LittleEndian.Uint64(buf[:])
}

// ZipZagInt64 packs a signed int with zigzag encoding.
func ZipZagInt64(v int64) []byte {
	return ZipUint64(uint64(v<<1) ^ uint64(v>>63))
}

func UnzipZagInt64(zip []byte) int64 {
	z := UnzipUint64(zip)
	return int64(z>>1) ^ -int64(z&1)
}

// ZipUint64Pair packs two uints, the first one's length in a lead byte.
func ZipUint64Pair(big, lil uint64) []byte {
	bb := ZipUint64(big)
	ret := make([]byte, 0, len(bb)+9)
	ret = append(ret, byte(len(bb)))
	ret = append(ret, bb...)
	ret = append(ret, ZipUint64(lil)...)
	return ret
}

func UnzipUint64Pair(zip []byte) (big, lil uint64) {
	if len(zip) == 0 {
		return 0, 0
	}
	blen := int(zip[0])
	if blen+1 > len(zip) {
		return 0, 0
	}
	big = UnzipUint64(zip[1 : 1+blen])
	lil = UnzipUint64(zip[1+blen:])
	return
}

func ZipFloat64(f float64) []byte {
	buf := [8]byte{}
	binary.BigEndian.PutUint64(buf[:], math.Float64bits(f))
	return buf[:]
}

func UnzipFloat64(zip []byte) float64 {
	if len(zip) != 8 {
		return 0
	}
	return math.Float64frombits(binary.BigEndian.Uint64(zip))
}
