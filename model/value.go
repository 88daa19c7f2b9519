package model

import (
	"bytes"
	"errors"
	"math"
	"sort"
	"strings"

	"github.com/drpcorg/docsync/protocol"
)

// ValueKind tags the Value union. The byte values double as the TLV record
// literals the value is serialized with.
type ValueKind byte

const (
	KindNull            = ValueKind('Z')
	KindBoolean         = ValueKind('B')
	KindInteger         = ValueKind('I')
	KindDouble          = ValueKind('D')
	KindTimestamp       = ValueKind('T')
	KindString          = ValueKind('S')
	KindBytes           = ValueKind('Y')
	KindReference       = ValueKind('R')
	KindGeoPoint        = ValueKind('G')
	KindArray           = ValueKind('A')
	KindVector          = ValueKind('E')
	KindMap             = ValueKind('M')
	KindServerTimestamp = ValueKind('V')
	KindMinKey          = ValueKind('K')
	KindMaxKey          = ValueKind('X')
)

var ErrBadValueRecord = errors.New("bad value record")

// MapEntry is one field of a map value; entries are kept sorted by key.
type MapEntry struct {
	Key   string
	Value Value
}

type GeoPoint struct {
	Latitude  float64
	Longitude float64
}

// Value is the tagged value union. Exactly the fields implied by Kind are
// meaningful; the rest stay zero.
type Value struct {
	Kind ValueKind

	Bool    bool
	Int     int64
	Dbl     float64
	Time    Timestamp
	Str     string
	Raw     []byte
	RefPath ResourcePath
	Geo     GeoPoint
	Arr     []Value
	Entries []MapEntry
}

func Null() Value                 { return Value{Kind: KindNull} }
func Boolean(b bool) Value        { return Value{Kind: KindBoolean, Bool: b} }
func Integer(i int64) Value       { return Value{Kind: KindInteger, Int: i} }
func Double(d float64) Value      { return Value{Kind: KindDouble, Dbl: d} }
func String(s string) Value       { return Value{Kind: KindString, Str: s} }
func Bytes(b []byte) Value        { return Value{Kind: KindBytes, Raw: b} }
func TimestampVal(t Timestamp) Value {
	return Value{Kind: KindTimestamp, Time: t}
}
func Reference(key DocumentKey) Value {
	return Value{Kind: KindReference, RefPath: key.Path}
}
func Geo(lat, lng float64) Value {
	return Value{Kind: KindGeoPoint, Geo: GeoPoint{Latitude: lat, Longitude: lng}}
}
func Array(vals ...Value) Value { return Value{Kind: KindArray, Arr: vals} }
func Vector(dims ...float64) Value {
	arr := make([]Value, len(dims))
	for i, d := range dims {
		arr[i] = Double(d)
	}
	return Value{Kind: KindVector, Arr: arr}
}
func MinKey() Value { return Value{Kind: KindMinKey} }
func MaxKey() Value { return Value{Kind: KindMaxKey} }

// Map builds a map value from unsorted entries.
func Map(entries ...MapEntry) Value {
	sorted := make([]MapEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Key < sorted[j].Key })
	return Value{Kind: KindMap, Entries: sorted}
}

// ServerTimestamp is the pending transform sentinel: it remembers the local
// write time (for estimation) and the previous field value, if any.
func ServerTimestamp(localWriteTime Timestamp, previous *Value) Value {
	v := Value{Kind: KindServerTimestamp, Time: localWriteTime}
	if previous != nil {
		v.Arr = []Value{*previous}
	}
	return v
}

func (v Value) IsNumber() bool {
	return v.Kind == KindInteger || v.Kind == KindDouble
}

func (v Value) IsNaN() bool {
	return v.Kind == KindDouble && math.IsNaN(v.Dbl)
}

// Previous returns the value a server-timestamp sentinel shadows, if any.
func (v Value) Previous() (Value, bool) {
	if v.Kind == KindServerTimestamp && len(v.Arr) > 0 {
		prev := v.Arr[0]
		if prev.Kind == KindServerTimestamp {
			return prev.Previous()
		}
		return prev, true
	}
	return Value{}, false
}

// typeOrder is the fixed precedence table the total order starts with.
// Numbers share a slot so int and double compare numerically.
func typeOrder(k ValueKind) int {
	switch k {
	case KindMinKey:
		return 0
	case KindNull:
		return 1
	case KindBoolean:
		return 2
	case KindInteger, KindDouble:
		return 3
	case KindTimestamp:
		return 4
	case KindServerTimestamp:
		return 5
	case KindString:
		return 6
	case KindBytes:
		return 7
	case KindReference:
		return 8
	case KindGeoPoint:
		return 9
	case KindArray:
		return 10
	case KindVector:
		return 11
	case KindMap:
		return 12
	case KindMaxKey:
		return 13
	default:
		return 14
	}
}

func compareNumbers(a, b Value) int {
	// NaN sorts before every other number and equals itself
	an, bn := a.IsNaN(), b.IsNaN()
	if an || bn {
		switch {
		case an && bn:
			return 0
		case an:
			return -1
		default:
			return 1
		}
	}
	var af, bf float64
	if a.Kind == KindInteger {
		af = float64(a.Int)
	} else {
		af = a.Dbl
	}
	if b.Kind == KindInteger {
		bf = float64(b.Int)
	} else {
		bf = b.Dbl
	}
	switch {
	case af < bf:
		return -1
	case af > bf:
		return 1
	}
	// equal as floats: ints of different magnitude may still differ
	if a.Kind == KindInteger && b.Kind == KindInteger {
		switch {
		case a.Int < b.Int:
			return -1
		case a.Int > b.Int:
			return 1
		}
	}
	return 0
}

func cmpOrd[T int | int64 | float64](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// Compare defines the total order over all values: type precedence first,
// then type-specific comparison. Index key encoding and query bounds both
// rely on this order being stable.
func (v Value) Compare(other Value) int {
	to, oto := typeOrder(v.Kind), typeOrder(other.Kind)
	if to != oto {
		return cmpOrd(to, oto)
	}
	switch v.Kind {
	case KindNull, KindMinKey, KindMaxKey:
		return 0
	case KindBoolean:
		switch {
		case !v.Bool && other.Bool:
			return -1
		case v.Bool && !other.Bool:
			return 1
		default:
			return 0
		}
	case KindInteger, KindDouble:
		return compareNumbers(v, other)
	case KindTimestamp, KindServerTimestamp:
		return v.Time.Compare(other.Time)
	case KindString:
		return strings.Compare(v.Str, other.Str)
	case KindBytes:
		return bytes.Compare(v.Raw, other.Raw)
	case KindReference:
		return v.RefPath.Compare(other.RefPath)
	case KindGeoPoint:
		if c := cmpOrd(v.Geo.Latitude, other.Geo.Latitude); c != 0 {
			return c
		}
		return cmpOrd(v.Geo.Longitude, other.Geo.Longitude)
	case KindArray:
		return compareArrays(v.Arr, other.Arr)
	case KindVector:
		// vectors order by dimension count first
		if c := cmpOrd(len(v.Arr), len(other.Arr)); c != 0 {
			return c
		}
		return compareArrays(v.Arr, other.Arr)
	case KindMap:
		return compareMaps(v.Entries, other.Entries)
	default:
		return 0
	}
}

func compareArrays(a, b []Value) int {
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		if c := a[i].Compare(b[i]); c != 0 {
			return c
		}
	}
	return cmpOrd(len(a), len(b))
}

func compareMaps(a, b []MapEntry) int {
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		if c := strings.Compare(a[i].Key, b[i].Key); c != 0 {
			return c
		}
		if c := a[i].Value.Compare(b[i].Value); c != 0 {
			return c
		}
	}
	return cmpOrd(len(a), len(b))
}

// Equal is structural equality; it distinguishes 1 (integer) from 1.0
// (double) even though they compare as equal.
func (v Value) Equal(other Value) bool {
	if v.Kind != other.Kind {
		return false
	}
	if v.Kind == KindInteger || v.Kind == KindDouble {
		if v.IsNaN() || other.IsNaN() {
			return v.IsNaN() && other.IsNaN()
		}
	}
	return v.Compare(other) == 0
}

// Encode serializes the value as one TLV record.
func (v Value) Encode() []byte {
	switch v.Kind {
	case KindNull, KindMinKey, KindMaxKey:
		return protocol.Record(byte(v.Kind))
	case KindBoolean:
		b := byte(0)
		if v.Bool {
			b = 1
		}
		return protocol.Record(byte(v.Kind), []byte{b})
	case KindInteger:
		return protocol.Record(byte(v.Kind), ZipZagInt64(v.Int))
	case KindDouble:
		return protocol.Record(byte(v.Kind), ZipFloat64(v.Dbl))
	case KindTimestamp:
		return protocol.Record(byte(v.Kind), v.Time.Zip())
	case KindString:
		return protocol.Record(byte(v.Kind), []byte(v.Str))
	case KindBytes:
		return protocol.Record(byte(v.Kind), v.Raw)
	case KindReference:
		return protocol.Record(byte(v.Kind), []byte(v.RefPath.String()))
	case KindGeoPoint:
		return protocol.Record(byte(v.Kind),
			ZipFloat64(v.Geo.Latitude), ZipFloat64(v.Geo.Longitude))
	case KindArray, KindVector:
		body := make([]byte, 0, 16*len(v.Arr))
		for _, el := range v.Arr {
			body = append(body, el.Encode()...)
		}
		return protocol.Record(byte(v.Kind), body)
	case KindMap:
		body := make([]byte, 0, 24*len(v.Entries))
		for _, e := range v.Entries {
			body = append(body, protocol.Record('F', []byte(e.Key))...)
			body = append(body, e.Value.Encode()...)
		}
		return protocol.Record(byte(v.Kind), body)
	case KindServerTimestamp:
		body := v.Time.Zip()
		rec := protocol.Record('W', body)
		if prev, ok := v.Previous(); ok {
			rec = append(rec, prev.Encode()...)
		}
		return protocol.Record(byte(v.Kind), rec)
	default:
		return protocol.Record(byte(KindNull))
	}
}

// DecodeValue parses one value record, returning the remainder of data.
func DecodeValue(data []byte) (v Value, rest []byte, err error) {
	lit, body, rest, err := protocol.TakeAnyWary(data)
	if err != nil {
		return Value{}, nil, err
	}
	v.Kind = ValueKind(lit)
	switch v.Kind {
	case KindNull, KindMinKey, KindMaxKey:
	case KindBoolean:
		if len(body) != 1 {
			return Value{}, nil, ErrBadValueRecord
		}
		v.Bool = body[0] != 0
	case KindInteger:
		v.Int = UnzipZagInt64(body)
	case KindDouble:
		v.Dbl = UnzipFloat64(body)
	case KindTimestamp:
		v.Time = UnzipTimestamp(body)
	case KindString:
		v.Str = string(body)
	case KindBytes:
		v.Raw = append([]byte(nil), body...)
	case KindReference:
		v.RefPath, err = ParseResourcePath(string(body))
		if err != nil {
			return Value{}, nil, err
		}
	case KindGeoPoint:
		if len(body) != 16 {
			return Value{}, nil, ErrBadValueRecord
		}
		v.Geo.Latitude = UnzipFloat64(body[:8])
		v.Geo.Longitude = UnzipFloat64(body[8:])
	case KindArray, KindVector:
		for len(body) > 0 {
			var el Value
			el, body, err = DecodeValue(body)
			if err != nil {
				return Value{}, nil, err
			}
			v.Arr = append(v.Arr, el)
		}
	case KindMap:
		for len(body) > 0 {
			var key []byte
			key, body, err = protocol.TakeWary('F', body)
			if err != nil {
				return Value{}, nil, err
			}
			var el Value
			el, body, err = DecodeValue(body)
			if err != nil {
				return Value{}, nil, err
			}
			v.Entries = append(v.Entries, MapEntry{Key: string(key), Value: el})
		}
	case KindServerTimestamp:
		var w []byte
		w, body, err = protocol.TakeWary('W', body)
		if err != nil {
			return Value{}, nil, err
		}
		v.Time = UnzipTimestamp(w)
		if len(body) > 0 {
			var prev Value
			prev, _, err = DecodeValue(body)
			if err != nil {
				return Value{}, nil, err
			}
			v.Arr = []Value{prev}
		}
	default:
		return Value{}, nil, ErrBadValueRecord
	}
	return v, rest, nil
}
