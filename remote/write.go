package remote

import (
	"github.com/drpcorg/docsync/model"
	"github.com/drpcorg/docsync/mutation"
	"github.com/drpcorg/docsync/protocol"
	"github.com/pkg/errors"
)

var ErrBadWriteRecord = errors.New("bad write record")

// The write stream opens with an empty handshake; the response to it
// carries the stream token every subsequent request must echo. Losing
// the token ordering is how the server detects duplicated batches.

func EncodeWriteHandshake() protocol.Records {
	return protocol.Records{protocol.Record('H')}
}

// EncodeWriteRequest packs one batch's mutations under the current
// stream token.
func EncodeWriteRequest(streamToken []byte, mutations []*mutation.Mutation) protocol.Records {
	recs := protocol.Records{protocol.Record('R', streamToken)}
	for _, mu := range mutations {
		recs = append(recs, mu.Encode())
	}
	return protocol.Records{protocol.Record('W', protocol.Join(recs...))}
}

// WriteResponse is the server's acknowledgement of a handshake or a
// batch. Handshake responses carry no results.
type WriteResponse struct {
	StreamToken   []byte
	CommitVersion model.SnapshotVersion
	Results       []mutation.MutationResult
}

func (r *WriteResponse) Encode() []byte {
	recs := protocol.Records{
		protocol.Record('R', r.StreamToken),
		protocol.Record('V', r.CommitVersion.Zip()),
	}
	for _, res := range r.Results {
		mrecs := protocol.Records{protocol.Record('V', res.Version.Zip())}
		for _, tv := range res.TransformResults {
			mrecs = append(mrecs, tv.Encode())
		}
		recs = append(recs, protocol.Record('M', protocol.Join(mrecs...)))
	}
	return protocol.Record('Y', protocol.Join(recs...))
}

func DecodeWriteResponse(data []byte) (*WriteResponse, error) {
	body, _ := protocol.Take('Y', data)
	if body == nil {
		return nil, ErrBadWriteRecord
	}
	token, rest := protocol.Take('R', body)
	if token == nil {
		return nil, ErrBadWriteRecord
	}
	ver, rest := protocol.Take('V', rest)
	if ver == nil {
		return nil, ErrBadWriteRecord
	}
	resp := &WriteResponse{
		StreamToken:   append([]byte(nil), token...),
		CommitVersion: model.SnapshotVersion{Timestamp: model.UnzipTimestamp(ver)},
	}
	for len(rest) > 0 {
		mbody, r := protocol.Take('M', rest)
		if mbody == nil {
			return nil, ErrBadWriteRecord
		}
		mver, mrest := protocol.Take('V', mbody)
		if mver == nil {
			return nil, ErrBadWriteRecord
		}
		res := mutation.MutationResult{
			Version: model.SnapshotVersion{Timestamp: model.UnzipTimestamp(mver)},
		}
		for len(mrest) > 0 {
			v, vr, err := model.DecodeValue(mrest)
			if err != nil {
				return nil, err
			}
			res.TransformResults = append(res.TransformResults, v)
			mrest = vr
		}
		resp.Results = append(resp.Results, res)
		rest = r
	}
	return resp, nil
}

// DecodeWriteRequest parses a client write message; used by the
// loopback server and tests.
func DecodeWriteRequest(data []byte) (streamToken []byte, mutations []*mutation.Mutation, err error) {
	if body, _ := protocol.Take('H', data); body != nil {
		return nil, nil, nil
	}
	body, _ := protocol.Take('W', data)
	if body == nil {
		return nil, nil, ErrBadWriteRecord
	}
	token, rest := protocol.Take('R', body)
	if token == nil {
		return nil, nil, ErrBadWriteRecord
	}
	streamToken = append([]byte(nil), token...)
	for len(rest) > 0 {
		mu, muErr := mutation.DecodeMutation(rest)
		if muErr != nil {
			return nil, nil, muErr
		}
		mutations = append(mutations, mu)
		_, rest = protocol.Take('U', rest)
	}
	return streamToken, mutations, nil
}
