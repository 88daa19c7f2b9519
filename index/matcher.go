package index

import (
	"github.com/drpcorg/docsync/model"
	"github.com/drpcorg/docsync/query"
)

// CollectionID is the collection group a query's documents belong to.
func CollectionID(q query.Query) string {
	if q.CollectionGroup != "" {
		return q.CollectionGroup
	}
	if len(q.Path) == 0 {
		return ""
	}
	if len(q.Path)%2 == 0 {
		// document query: the containing collection
		return q.Path[len(q.Path)-2]
	}
	return q.Path.LastSegment()
}

// ServesTerm reports whether the index can execute one DNF term of the
// query: the contains segment (if any) must be backed by an array filter,
// equality-filtered fields may occupy any leading segments, the (single)
// inequality field must come next aligned with the ordering, and the
// remaining segments must mirror the remaining order-by clauses.
func (fi *FieldIndex) ServesTerm(q query.Query, term query.Filter) bool {
	if fi.CollectionGroup != CollectionID(q) {
		return false
	}
	filters := term.FieldFilters()

	if contains, ok := fi.Contains(); ok {
		if !hasArrayFilter(filters, contains.Path) {
			return false
		}
	}

	segments := fi.Directional()
	orders := q.NormalizedOrders()
	ineqPath, hasIneq := inequalityPath(filters)

	si, oi := 0, 0
	for si < len(segments) && hasEqualityFilter(filters, segments[si].Path) {
		if oi < len(orders) && orders[oi].Path.Equal(segments[si].Path) {
			oi++
		}
		si++
	}
	if si == len(segments) {
		return true
	}
	if hasIneq {
		if !segments[si].Path.Equal(ineqPath) {
			return false
		}
		if oi >= len(orders) || !segmentMatchesOrder(segments[si], orders[oi]) {
			return false
		}
		si++
		oi++
	}
	for ; si < len(segments); si++ {
		if oi >= len(orders) || !segmentMatchesOrder(segments[si], orders[oi]) {
			return false
		}
		oi++
	}
	return true
}

func segmentMatchesOrder(seg Segment, ord query.OrderBy) bool {
	if !seg.Path.Equal(ord.Path) {
		return false
	}
	if ord.Dir == query.Descending {
		return seg.Kind == SegmentDescending
	}
	return seg.Kind == SegmentAscending
}

func hasArrayFilter(filters []query.Filter, path model.FieldPath) bool {
	for _, f := range filters {
		if f.Path.Equal(path) &&
			(f.Op == query.OpArrayContains || f.Op == query.OpArrayContainsAny) {
			return true
		}
	}
	return false
}

func hasEqualityFilter(filters []query.Filter, path model.FieldPath) bool {
	for _, f := range filters {
		if f.Path.Equal(path) && (f.Op == query.OpEqual || f.Op == query.OpIn) {
			return true
		}
	}
	return false
}

func inequalityPath(filters []query.Filter) (model.FieldPath, bool) {
	for _, f := range filters {
		if f.Op.IsInequality() {
			return f.Path, true
		}
	}
	return nil, false
}

// ScanRange bounds one index scan over directional values. Nil bounds
// are open ends. For a contains index the scan repeats once per array
// value prefix.
type ScanRange struct {
	Lower          []byte
	Upper          []byte
	LowerInclusive bool
	UpperInclusive bool
	ArrayValues    [][]byte
}

// RangeForTerm derives the directional-value scan range of one DNF term.
// The range is a safe over-approximation: equality-filtered leading
// segments pin an exact prefix, the first range-filtered segment widens
// it, and anything the range cannot express is left to post-filtering.
func RangeForTerm(fi *FieldIndex, term query.Filter) ScanRange {
	var sr ScanRange
	filters := term.FieldFilters()

	if contains, ok := fi.Contains(); ok {
		for _, f := range filters {
			if !f.Path.Equal(contains.Path) {
				continue
			}
			switch f.Op {
			case query.OpArrayContains:
				sr.ArrayValues = [][]byte{EncodeValueOrdered(f.Value, false)}
			case query.OpArrayContainsAny:
				for _, el := range f.Value.Arr {
					sr.ArrayValues = append(sr.ArrayValues, EncodeValueOrdered(el, false))
				}
			}
		}
	}

	lw := NewWriter(false)
	uw := NewWriter(false)
	sr.LowerInclusive, sr.UpperInclusive = true, true
	for _, seg := range fi.Directional() {
		if eq, ok := equalityValue(filters, seg.Path); ok {
			enc := encodeSegment(seg, eq)
			lw.putRaw(enc)
			uw.putRaw(enc)
			continue
		}
		lo, loIncl, hi, hiIncl := rangeValues(filters, seg.Path)
		// a descending segment inverts the byte order, so the value-space
		// bounds swap ends
		if seg.Kind == SegmentDescending {
			lo, hi = hi, lo
			loIncl, hiIncl = hiIncl, loIncl
		}
		if lo != nil {
			lw.putRaw(encodeSegment(seg, *lo))
			sr.LowerInclusive = loIncl
		}
		if hi != nil {
			uw.putRaw(encodeSegment(seg, *hi))
			sr.UpperInclusive = hiIncl
		} else {
			uw.Infinity()
		}
		break
	}
	sr.Lower = lw.Bytes()
	sr.Upper = uw.Bytes()
	return sr
}

func encodeSegment(seg Segment, v model.Value) []byte {
	return EncodeValueOrdered(v, seg.Kind == SegmentDescending)
}

func equalityValue(filters []query.Filter, path model.FieldPath) (model.Value, bool) {
	for _, f := range filters {
		if f.Path.Equal(path) && f.Op == query.OpEqual {
			return f.Value, true
		}
	}
	return model.Value{}, false
}

func rangeValues(filters []query.Filter, path model.FieldPath) (lo *model.Value, loIncl bool, hi *model.Value, hiIncl bool) {
	for _, f := range filters {
		if !f.Path.Equal(path) {
			continue
		}
		v := f.Value
		switch f.Op {
		case query.OpGreater:
			if lo == nil || v.Compare(*lo) > 0 {
				lo, loIncl = &v, false
			}
		case query.OpGreaterEq:
			if lo == nil || v.Compare(*lo) > 0 {
				lo, loIncl = &v, true
			}
		case query.OpLess:
			if hi == nil || v.Compare(*hi) < 0 {
				hi, hiIncl = &v, false
			}
		case query.OpLessEq:
			if hi == nil || v.Compare(*hi) < 0 {
				hi, hiIncl = &v, true
			}
		}
	}
	return
}
