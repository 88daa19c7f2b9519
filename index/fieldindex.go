package index

import (
	"errors"

	"github.com/drpcorg/docsync/model"
	"github.com/drpcorg/docsync/protocol"
)

var ErrBadIndexRecord = errors.New("bad index record")

// SegmentKind is how one field participates in an index.
type SegmentKind byte

const (
	SegmentAscending  = SegmentKind('a')
	SegmentDescending = SegmentKind('d')
	// SegmentContains indexes each array element separately, serving
	// array-contains filters.
	SegmentContains = SegmentKind('c')
)

// Segment is one indexed field.
type Segment struct {
	Path model.FieldPath
	Kind SegmentKind
}

// FieldIndex is an index definition over one collection group. Ids are
// assigned by the index manager when the definition is stored.
type FieldIndex struct {
	IndexID         int32
	CollectionGroup string
	Segments        []Segment
}

// Contains returns the contains segment, if the index has one. At most
// one is allowed per index.
func (fi *FieldIndex) Contains() (Segment, bool) {
	for _, s := range fi.Segments {
		if s.Kind == SegmentContains {
			return s, true
		}
	}
	return Segment{}, false
}

// Directional returns the ordered (non-contains) segments in index order.
func (fi *FieldIndex) Directional() []Segment {
	out := make([]Segment, 0, len(fi.Segments))
	for _, s := range fi.Segments {
		if s.Kind != SegmentContains {
			out = append(out, s)
		}
	}
	return out
}

// Offset marks how far backfilling has progressed: documents at or
// before the offset are indexed. LargestBatchID bounds which local
// mutations the entries already reflect.
type Offset struct {
	ReadTime       model.SnapshotVersion
	Key            model.DocumentKey
	LargestBatchID int32
}

// OffsetFromReadTime starts just past everything read up to t.
func OffsetFromReadTime(t model.SnapshotVersion, largestBatchID int32) Offset {
	return Offset{ReadTime: t, LargestBatchID: largestBatchID}
}

// OffsetFromDocument points at the document itself, so a resumed scan
// continues strictly after it.
func OffsetFromDocument(doc *model.MutableDocument, largestBatchID int32) Offset {
	return Offset{ReadTime: doc.ReadTime, Key: doc.Key, LargestBatchID: largestBatchID}
}

func (o Offset) Compare(other Offset) int {
	if c := o.ReadTime.Compare(other.ReadTime); c != 0 {
		return c
	}
	return o.Key.Compare(other.Key)
}

// State is the stored per-index progress: a sequence number ordering
// backfill round-robin plus the offset reached.
type State struct {
	SequenceNumber int64
	Offset         Offset
}

func (s State) Encode() []byte {
	return protocol.Record('J',
		protocol.Record('S', model.ZipZagInt64(s.SequenceNumber)),
		protocol.Record('T', s.Offset.ReadTime.Zip()),
		protocol.Record('K', []byte(s.Offset.Key.String())),
		protocol.Record('B', model.ZipZagInt64(int64(s.Offset.LargestBatchID))),
	)
}

func DecodeState(data []byte) (State, error) {
	var s State
	body, _ := protocol.Take('J', data)
	if body == nil {
		return s, ErrBadIndexRecord
	}
	seq, rest := protocol.Take('S', body)
	if seq == nil {
		return s, ErrBadIndexRecord
	}
	rt, rest := protocol.Take('T', rest)
	if rt == nil {
		return s, ErrBadIndexRecord
	}
	key, rest := protocol.Take('K', rest)
	bid, _ := protocol.Take('B', rest)
	if bid == nil {
		return s, ErrBadIndexRecord
	}
	s.SequenceNumber = model.UnzipZagInt64(seq)
	s.Offset.ReadTime = model.SnapshotVersion{Timestamp: model.UnzipTimestamp(rt)}
	if len(key) > 0 {
		path, err := model.ParseResourcePath(string(key))
		if err != nil {
			return s, err
		}
		dk, err := model.NewDocumentKey(path)
		if err != nil {
			return s, err
		}
		s.Offset.Key = dk
	}
	s.Offset.LargestBatchID = int32(model.UnzipZagInt64(bid))
	return s, nil
}

// Encode serializes the definition; the id lives in the storage key.
func (fi *FieldIndex) Encode() []byte {
	recs := protocol.Records{
		protocol.Record('C', []byte(fi.CollectionGroup)),
	}
	for _, seg := range fi.Segments {
		recs = append(recs,
			protocol.Record('P', []byte{byte(seg.Kind)}, []byte(seg.Path.String())))
	}
	return protocol.Record('X', protocol.Join(recs...))
}

func DecodeFieldIndex(id int32, data []byte) (*FieldIndex, error) {
	body, _ := protocol.Take('X', data)
	if body == nil {
		return nil, ErrBadIndexRecord
	}
	group, rest := protocol.Take('C', body)
	fi := &FieldIndex{IndexID: id, CollectionGroup: string(group)}
	for len(rest) > 0 {
		p, r, err := protocol.TakeWary('P', rest)
		if err != nil {
			return nil, err
		}
		if len(p) < 2 {
			return nil, ErrBadIndexRecord
		}
		path, err := model.ParseFieldPath(string(p[1:]))
		if err != nil {
			return nil, err
		}
		fi.Segments = append(fi.Segments, Segment{Path: path, Kind: SegmentKind(p[0])})
		rest = r
	}
	return fi, nil
}
