package remote

import (
	"github.com/drpcorg/docsync/model"
	"github.com/drpcorg/docsync/protocol"
	"github.com/drpcorg/docsync/query"
	"github.com/pkg/errors"
)

var ErrBadWatchRecord = errors.New("bad watch record")

// Watch stream requests. A request either starts listening to a target
// or stops; the server answers with an interleaved change stream.

func EncodeWatchAdd(td *query.TargetData) protocol.Records {
	return protocol.Records{protocol.Record('A', td.Encode())}
}

func EncodeWatchRemove(id query.TargetID) protocol.Records {
	return protocol.Records{protocol.Record('R', model.ZipZagInt64(int64(id)))}
}

// TargetChangeState is the server's per-target lifecycle signal.
type TargetChangeState byte

const (
	// TargetNoChange carries only a resume token / read time heartbeat.
	TargetNoChange = TargetChangeState('N')
	// TargetAdded confirms the server started the listen.
	TargetAdded = TargetChangeState('A')
	// TargetRemoved ends the listen, possibly with a cause.
	TargetRemoved = TargetChangeState('R')
	// TargetCurrent promises the target has seen all changes up to the
	// read time; a snapshot may be raised.
	TargetCurrent = TargetChangeState('C')
	// TargetReset invalidates everything known about the target.
	TargetReset = TargetChangeState('Z')
)

// WatchChange is one server message on the watch stream.
type WatchChange interface {
	isWatchChange()
}

// WatchTargetChange signals target lifecycle transitions. An empty
// TargetIDs list addresses every active target.
type WatchTargetChange struct {
	State       TargetChangeState
	TargetIDs   []query.TargetID
	ResumeToken []byte
	ReadTime    model.SnapshotVersion
	Cause       *StatusError
}

func (*WatchTargetChange) isWatchChange() {}

// WatchDocumentChange delivers one document's new state along with the
// targets it now matches and no longer matches. A nil Document with
// Removed set means the document stopped matching but was not deleted.
type WatchDocumentChange struct {
	UpdatedTargetIDs []query.TargetID
	RemovedTargetIDs []query.TargetID
	Key              model.DocumentKey
	// Document is the full new state, nil for deletes and removes.
	Document *model.MutableDocument
	Version  model.SnapshotVersion
	Removed  bool
}

func (*WatchDocumentChange) isWatchChange() {}

// WatchExistenceFilter carries the server's count (and optionally a bloom
// filter) of documents matching a target, for divergence detection.
type WatchExistenceFilter struct {
	TargetID query.TargetID
	Count    int
	Bloom    *BloomFilter
}

func (*WatchExistenceFilter) isWatchChange() {}

func (c *WatchTargetChange) Encode() []byte {
	recs := protocol.Records{
		protocol.TinyRecord('S', []byte{byte(c.State)}),
	}
	for _, id := range c.TargetIDs {
		recs = append(recs, protocol.Record('I', model.ZipZagInt64(int64(id))))
	}
	recs = append(recs, protocol.Record('R', c.ResumeToken))
	recs = append(recs, protocol.Record('V', c.ReadTime.Zip()))
	if c.Cause != nil {
		recs = append(recs, protocol.Record('E',
			[]byte{byte(c.Cause.Code)}, []byte(c.Cause.Message)))
	}
	return protocol.Record('C', protocol.Join(recs...))
}

func (c *WatchDocumentChange) Encode() []byte {
	recs := protocol.Records{}
	for _, id := range c.UpdatedTargetIDs {
		recs = append(recs, protocol.Record('I', model.ZipZagInt64(int64(id))))
	}
	for _, id := range c.RemovedTargetIDs {
		recs = append(recs, protocol.Record('X', model.ZipZagInt64(int64(id))))
	}
	recs = append(recs, protocol.Record('K', []byte(c.Key.String())))
	recs = append(recs, protocol.Record('V', c.Version.Zip()))
	if c.Document != nil {
		recs = append(recs, c.Document.Data.Encode())
	} else if c.Removed {
		recs = append(recs, protocol.Record('G'))
	}
	return protocol.Record('D', protocol.Join(recs...))
}

func (c *WatchExistenceFilter) Encode() []byte {
	recs := protocol.Records{
		protocol.Record('I', model.ZipZagInt64(int64(c.TargetID))),
		protocol.Record('N', model.ZipZagInt64(int64(c.Count))),
	}
	if c.Bloom != nil {
		recs = append(recs, protocol.Record('B',
			[]byte{byte(c.Bloom.HashCount), byte(c.Bloom.Padding)}, c.Bloom.Bits))
	}
	return protocol.Record('F', protocol.Join(recs...))
}

// DecodeWatchChange parses one server watch message.
func DecodeWatchChange(data []byte) (WatchChange, error) {
	lit, body, _, err := protocol.TakeAnyWary(data)
	if err != nil {
		return nil, err
	}
	switch lit {
	case 'C':
		return decodeTargetChange(body)
	case 'D':
		return decodeDocumentChange(body)
	case 'F':
		return decodeExistenceFilter(body)
	default:
		return nil, ErrBadWatchRecord
	}
}

func decodeTargetChange(body []byte) (*WatchTargetChange, error) {
	state, rest := protocol.Take('S', body)
	if len(state) != 1 {
		return nil, ErrBadWatchRecord
	}
	c := &WatchTargetChange{State: TargetChangeState(state[0])}
	for len(rest) > 0 && protocol.Lit(rest) == 'I' {
		var id []byte
		id, rest = protocol.Take('I', rest)
		c.TargetIDs = append(c.TargetIDs, query.TargetID(model.UnzipZagInt64(id)))
	}
	token, rest := protocol.Take('R', rest)
	if token == nil {
		return nil, ErrBadWatchRecord
	}
	c.ResumeToken = append([]byte(nil), token...)
	ver, rest := protocol.Take('V', rest)
	if ver == nil {
		return nil, ErrBadWatchRecord
	}
	c.ReadTime = model.SnapshotVersion{Timestamp: model.UnzipTimestamp(ver)}
	if len(rest) > 0 {
		cause, _ := protocol.Take('E', rest)
		if len(cause) < 1 {
			return nil, ErrBadWatchRecord
		}
		c.Cause = &StatusError{
			Code:    Code(cause[0]),
			Message: string(cause[1:]),
		}
	}
	return c, nil
}

func decodeDocumentChange(body []byte) (*WatchDocumentChange, error) {
	c := &WatchDocumentChange{}
	rest := body
	for len(rest) > 0 {
		lit := protocol.Lit(rest)
		if lit != 'I' && lit != 'X' {
			break
		}
		var id []byte
		id, rest = protocol.Take(lit, rest)
		tid := query.TargetID(model.UnzipZagInt64(id))
		if lit == 'I' {
			c.UpdatedTargetIDs = append(c.UpdatedTargetIDs, tid)
		} else {
			c.RemovedTargetIDs = append(c.RemovedTargetIDs, tid)
		}
	}
	keyBytes, rest := protocol.Take('K', rest)
	if keyBytes == nil {
		return nil, ErrBadWatchRecord
	}
	path, err := model.ParseResourcePath(string(keyBytes))
	if err != nil {
		return nil, err
	}
	c.Key, err = model.NewDocumentKey(path)
	if err != nil {
		return nil, err
	}
	ver, rest := protocol.Take('V', rest)
	if ver == nil {
		return nil, ErrBadWatchRecord
	}
	c.Version = model.SnapshotVersion{Timestamp: model.UnzipTimestamp(ver)}
	switch {
	case len(rest) == 0:
		// delete
	case protocol.Lit(rest) == 'G':
		c.Removed = true
	default:
		data, err := model.DecodeObjectValue(rest)
		if err != nil {
			return nil, err
		}
		c.Document = model.NewFoundDocument(c.Key, c.Version, data)
	}
	return c, nil
}

func decodeExistenceFilter(body []byte) (*WatchExistenceFilter, error) {
	id, rest := protocol.Take('I', body)
	if id == nil {
		return nil, ErrBadWatchRecord
	}
	count, rest := protocol.Take('N', rest)
	if count == nil {
		return nil, ErrBadWatchRecord
	}
	c := &WatchExistenceFilter{
		TargetID: query.TargetID(model.UnzipZagInt64(id)),
		Count:    int(model.UnzipZagInt64(count)),
	}
	if len(rest) > 0 {
		bits, _ := protocol.Take('B', rest)
		if len(bits) < 2 {
			return nil, ErrBadWatchRecord
		}
		bf, err := NewBloomFilter(append([]byte(nil), bits[2:]...), int(bits[1]), int(bits[0]))
		if err != nil {
			return nil, err
		}
		c.Bloom = bf
	}
	return c, nil
}
