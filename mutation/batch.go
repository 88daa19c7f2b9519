package mutation

import (
	"github.com/drpcorg/docsync/model"
	"github.com/drpcorg/docsync/protocol"
)

// BatchID identifies one mutation batch; ids increase monotonically in the
// order batches were written locally.
type BatchID int32

// Batch groups the mutations of one commit. LocalWriteTime feeds the
// server-timestamp estimation until the server acknowledges the batch.
type Batch struct {
	ID             BatchID
	LocalWriteTime model.Timestamp
	// BaseMutations capture pre-write field values so a re-run of the
	// batch over an already-patched cache stays idempotent.
	BaseMutations []*Mutation
	Mutations     []*Mutation
}

func NewBatch(id BatchID, localWriteTime model.Timestamp, base, mutations []*Mutation) *Batch {
	return &Batch{ID: id, LocalWriteTime: localWriteTime, BaseMutations: base, Mutations: mutations}
}

func (b *Batch) Keys() model.KeySet {
	return AffectedKeys(b.Mutations)
}

// ApplyToLocalView folds every mutation of the batch affecting doc.Key
// into doc, threading the mask through.
func (b *Batch) ApplyToLocalView(doc *model.MutableDocument, mask *FieldMask) *FieldMask {
	for _, mu := range b.BaseMutations {
		if mu.Key.Equal(doc.Key) {
			mask = mu.ApplyToLocalView(doc, mask, b.LocalWriteTime)
		}
	}
	for _, mu := range b.Mutations {
		if mu.Key.Equal(doc.Key) {
			mask = mu.ApplyToLocalView(doc, mask, b.LocalWriteTime)
		}
	}
	return mask
}

// ApplyToRemoteDocument replays the acknowledged batch over doc using the
// server-assigned results.
func (b *Batch) ApplyToRemoteDocument(doc *model.MutableDocument, results []MutationResult) {
	for i, mu := range b.Mutations {
		if !mu.Key.Equal(doc.Key) {
			continue
		}
		if i < len(results) {
			mu.ApplyToRemoteDocument(doc, results[i])
		}
	}
}

// BatchResult pairs an acknowledged batch with the server's response.
type BatchResult struct {
	Batch         *Batch
	CommitVersion model.SnapshotVersion
	Results       []MutationResult
	StreamToken   []byte
}

// DocVersions returns the per-key committed versions of the batch.
func (r *BatchResult) DocVersions() map[string]model.SnapshotVersion {
	out := make(map[string]model.SnapshotVersion, len(r.Batch.Mutations))
	for i, mu := range r.Batch.Mutations {
		if i < len(r.Results) {
			out[mu.Key.String()] = r.Results[i].Version
		}
	}
	return out
}

// Encode serializes the batch body for the mutation queue table.
func (b *Batch) Encode() []byte {
	recs := protocol.Records{
		protocol.Record('T', b.LocalWriteTime.Zip()),
	}
	for _, mu := range b.BaseMutations {
		recs = append(recs, protocol.Record('B', mu.Encode()))
	}
	for _, mu := range b.Mutations {
		recs = append(recs, mu.Encode())
	}
	return protocol.Record('Q', protocol.Join(recs...))
}

// DecodeBatch parses a batch; the id comes from the storage key.
func DecodeBatch(id BatchID, data []byte) (*Batch, error) {
	body, _ := protocol.Take('Q', data)
	if body == nil {
		return nil, ErrBadMutationRecord
	}
	ts, rest := protocol.Take('T', body)
	if ts == nil {
		return nil, ErrBadMutationRecord
	}
	b := &Batch{ID: id, LocalWriteTime: model.UnzipTimestamp(ts)}
	for len(rest) > 0 {
		lit, mbody, r, err := protocol.TakeAnyWary(rest)
		if err != nil {
			return nil, err
		}
		switch lit {
		case 'B':
			mu, err := DecodeMutation(mbody)
			if err != nil {
				return nil, err
			}
			b.BaseMutations = append(b.BaseMutations, mu)
		case 'U':
			mu, err := DecodeMutation(rest[:len(rest)-len(r)])
			if err != nil {
				return nil, err
			}
			b.Mutations = append(b.Mutations, mu)
		default:
			return nil, ErrBadMutationRecord
		}
		rest = r
	}
	return b, nil
}
