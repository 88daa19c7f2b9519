package query

import (
	"errors"

	"github.com/drpcorg/docsync/model"
	"github.com/drpcorg/docsync/protocol"
)

// TargetID is the client-assigned numeric id of a watched target. Ids are
// reused only after explicit release.
type TargetID int32

// TargetPurpose tags why a target is being listened to.
type TargetPurpose byte

const (
	// PurposeListen is a normal user-initiated listen.
	PurposeListen = TargetPurpose('L')
	// PurposeExistenceFilterMismatch re-listens without a resume token
	// after an unexplained existence-filter mismatch.
	PurposeExistenceFilterMismatch = TargetPurpose('E')
	// PurposeLimboResolution is a single-document listen resolving an
	// ambiguous view member.
	PurposeLimboResolution = TargetPurpose('B')
)

var ErrBadTargetRecord = errors.New("bad target record")

// TargetData pairs a query shape with its watch-stream state.
type TargetData struct {
	Target          Query
	TargetID        TargetID
	Purpose         TargetPurpose
	SequenceNumber  int64
	SnapshotVersion model.SnapshotVersion
	// LastLimboFreeSnapshotVersion is the latest consistent (limbo-free)
	// version; index-free query execution may start from it.
	LastLimboFreeSnapshotVersion model.SnapshotVersion
	ResumeToken                  []byte
}

func NewTargetData(target Query, id TargetID, purpose TargetPurpose, seq int64) *TargetData {
	return &TargetData{Target: target, TargetID: id, Purpose: purpose, SequenceNumber: seq}
}

func (td *TargetData) WithResumeToken(token []byte, version model.SnapshotVersion) *TargetData {
	out := *td
	out.ResumeToken = append([]byte(nil), token...)
	out.SnapshotVersion = version
	return &out
}

func (td *TargetData) WithSequenceNumber(seq int64) *TargetData {
	out := *td
	out.SequenceNumber = seq
	return &out
}

func (td *TargetData) WithLastLimboFreeSnapshotVersion(v model.SnapshotVersion) *TargetData {
	out := *td
	out.LastLimboFreeSnapshotVersion = v
	return &out
}

// Encode packs the target state; the query shape itself is stored as its
// canonical id plus the structural fields needed to re-run it.
func (td *TargetData) Encode() []byte {
	recs := protocol.Records{
		protocol.Record('I', model.ZipZagInt64(int64(td.TargetID))),
		protocol.TinyRecord('P', []byte{byte(td.Purpose)}),
		protocol.Record('S', model.ZipZagInt64(td.SequenceNumber)),
		protocol.Record('V', td.SnapshotVersion.Zip()),
		protocol.Record('F', td.LastLimboFreeSnapshotVersion.Zip()),
		protocol.Record('R', td.ResumeToken),
		encodeQuery(td.Target),
	}
	return protocol.Record('G', protocol.Join(recs...))
}

func DecodeTargetData(data []byte) (*TargetData, error) {
	body, _ := protocol.Take('G', data)
	if body == nil {
		return nil, ErrBadTargetRecord
	}
	id, rest := protocol.Take('I', body)
	if id == nil {
		return nil, ErrBadTargetRecord
	}
	purpose, rest := protocol.Take('P', rest)
	if len(purpose) != 1 {
		return nil, ErrBadTargetRecord
	}
	seq, rest := protocol.Take('S', rest)
	if seq == nil {
		return nil, ErrBadTargetRecord
	}
	ver, rest := protocol.Take('V', rest)
	if ver == nil {
		return nil, ErrBadTargetRecord
	}
	lfv, rest := protocol.Take('F', rest)
	if lfv == nil {
		return nil, ErrBadTargetRecord
	}
	token, rest := protocol.Take('R', rest)
	q, err := decodeQuery(rest)
	if err != nil {
		return nil, err
	}
	return &TargetData{
		Target:                       q,
		TargetID:                     TargetID(model.UnzipZagInt64(id)),
		Purpose:                      TargetPurpose(purpose[0]),
		SequenceNumber:               model.UnzipZagInt64(seq),
		SnapshotVersion:              model.SnapshotVersion{Timestamp: model.UnzipTimestamp(ver)},
		LastLimboFreeSnapshotVersion: model.SnapshotVersion{Timestamp: model.UnzipTimestamp(lfv)},
		ResumeToken:                  append([]byte(nil), token...),
	}, nil
}

// EncodeQuery serializes one query shape on its own, outside any target
// state; the bundle cache stores named queries this way.
func EncodeQuery(q Query) []byte {
	return encodeQuery(q)
}

func DecodeQuery(data []byte) (Query, error) {
	return decodeQuery(data)
}

func encodeQuery(q Query) []byte {
	recs := protocol.Records{
		protocol.Record('N', []byte(q.Path.String())),
		protocol.Record('C', []byte(q.CollectionGroup)),
		protocol.Record('L', model.ZipZagInt64(q.Limit), []byte{byte(q.LimitKind)}),
	}
	for _, f := range q.Filters {
		recs = append(recs, encodeFilter(f))
	}
	for _, o := range q.Orders {
		recs = append(recs, protocol.Record('O', []byte{byte(o.Dir)}, []byte(o.Path.String())))
	}
	if q.StartAt != nil {
		recs = append(recs, encodeBound('A', q.StartAt))
	}
	if q.EndAt != nil {
		recs = append(recs, encodeBound('Z', q.EndAt))
	}
	return protocol.Record('Q', protocol.Join(recs...))
}

func decodeQuery(data []byte) (Query, error) {
	var q Query
	body, _ := protocol.Take('Q', data)
	if body == nil {
		return q, ErrBadTargetRecord
	}
	name, rest := protocol.Take('N', body)
	path, err := model.ParseResourcePath(string(name))
	if err != nil {
		return q, err
	}
	q.Path = path
	group, rest := protocol.Take('C', rest)
	q.CollectionGroup = string(group)
	lim, rest := protocol.Take('L', rest)
	if len(lim) < 1 {
		return q, ErrBadTargetRecord
	}
	q.LimitKind = LimitKind(lim[len(lim)-1])
	q.Limit = model.UnzipZagInt64(lim[:len(lim)-1])
	for len(rest) > 0 {
		lit, fbody, r, err := protocol.TakeAnyWary(rest)
		if err != nil {
			return q, err
		}
		switch lit {
		case 'F', 'W':
			f, err := decodeFilter(lit, fbody)
			if err != nil {
				return q, err
			}
			q.Filters = append(q.Filters, f)
		case 'O':
			if len(fbody) < 1 {
				return q, ErrBadTargetRecord
			}
			fp, err := model.ParseFieldPath(string(fbody[1:]))
			if err != nil {
				return q, err
			}
			q.Orders = append(q.Orders, OrderBy{Path: fp, Dir: Direction(fbody[0])})
		case 'A':
			b, err := decodeBound(fbody)
			if err != nil {
				return q, err
			}
			q.StartAt = b
		case 'Z':
			b, err := decodeBound(fbody)
			if err != nil {
				return q, err
			}
			q.EndAt = b
		default:
			return q, ErrBadTargetRecord
		}
		rest = r
	}
	return q, nil
}

func encodeFilter(f Filter) []byte {
	if f.Kind == FilterField {
		return protocol.Record('F',
			protocol.Record('P', []byte(f.Path.String())),
			protocol.Record('O', []byte(f.Op)),
			f.Value.Encode(),
		)
	}
	recs := protocol.Records{protocol.TinyRecord('K', []byte{byte(f.Kind)})}
	for _, sub := range f.Subs {
		recs = append(recs, encodeFilter(sub))
	}
	return protocol.Record('W', protocol.Join(recs...))
}

func decodeFilter(lit byte, body []byte) (Filter, error) {
	var f Filter
	if lit == 'F' {
		f.Kind = FilterField
		p, rest := protocol.Take('P', body)
		if p == nil {
			return f, ErrBadTargetRecord
		}
		fp, err := model.ParseFieldPath(string(p))
		if err != nil {
			return f, err
		}
		f.Path = fp
		op, rest := protocol.Take('O', rest)
		if op == nil {
			return f, ErrBadTargetRecord
		}
		f.Op = Operator(op)
		v, _, err := model.DecodeValue(rest)
		if err != nil {
			return f, err
		}
		f.Value = v
		return f, nil
	}
	kind, rest := protocol.Take('K', body)
	if len(kind) != 1 {
		return f, ErrBadTargetRecord
	}
	f.Kind = FilterKind(kind[0])
	for len(rest) > 0 {
		sublit, sbody, r, err := protocol.TakeAnyWary(rest)
		if err != nil {
			return f, err
		}
		sub, err := decodeFilter(sublit, sbody)
		if err != nil {
			return f, err
		}
		f.Subs = append(f.Subs, sub)
		rest = r
	}
	return f, nil
}

func encodeBound(lit byte, b *Bound) []byte {
	body := make([]byte, 0, 16*len(b.Values)+1)
	inc := byte(0)
	if b.Inclusive {
		inc = 1
	}
	body = append(body, inc)
	for _, v := range b.Values {
		body = append(body, v.Encode()...)
	}
	return protocol.Record(lit, body)
}

func decodeBound(body []byte) (*Bound, error) {
	if len(body) < 1 {
		return nil, ErrBadTargetRecord
	}
	b := &Bound{Inclusive: body[0] != 0}
	rest := body[1:]
	for len(rest) > 0 {
		v, r, err := model.DecodeValue(rest)
		if err != nil {
			return nil, err
		}
		b.Values = append(b.Values, v)
		rest = r
	}
	return b, nil
}
