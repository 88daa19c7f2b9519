package mutation

import (
	"github.com/drpcorg/docsync/model"
	"github.com/drpcorg/docsync/protocol"
)

// Overlay is the precomputed net effect of all unacknowledged batches on
// one document key, so reads replay one mutation instead of the queue.
type Overlay struct {
	LargestBatchID BatchID
	Mutation       *Mutation
}

func (o *Overlay) Key() model.DocumentKey {
	return o.Mutation.Key
}

// CalculateOverlayMutation condenses a locally-mutated document and its
// accumulated mask into a single equivalent mutation, or nil if the
// document carries no local changes.
func CalculateOverlayMutation(doc *model.MutableDocument, mask *FieldMask) *Mutation {
	if !doc.HasLocalMutations() {
		return nil
	}
	if mask == nil {
		if doc.IsNoDocument() {
			return NewDeleteMutation(doc.Key, NoPrecondition())
		}
		return NewSetMutation(doc.Key, doc.Data.Clone())
	}
	// patch with exactly the masked fields that exist; missing masked
	// fields become deletes within the patch
	value := model.NewObjectValue()
	out := NewFieldMask()
	for _, path := range mask.Paths {
		if out.contains(path) {
			continue
		}
		if v, ok := doc.Field(path); ok {
			value = value.Set(path, v)
		}
		out.Paths = append(out.Paths, path)
	}
	return NewPatchMutation(doc.Key, value, out, ExistsPrecondition(true))
}

// Encode serializes the overlay for the overlay table.
func (o *Overlay) Encode() []byte {
	return protocol.Record('L',
		protocol.Record('I', model.ZipZagInt64(int64(o.LargestBatchID))),
		o.Mutation.Encode(),
	)
}

func DecodeOverlay(data []byte) (*Overlay, error) {
	body, _ := protocol.Take('L', data)
	if body == nil {
		return nil, ErrBadMutationRecord
	}
	id, rest := protocol.Take('I', body)
	if id == nil {
		return nil, ErrBadMutationRecord
	}
	mu, err := DecodeMutation(rest)
	if err != nil {
		return nil, err
	}
	return &Overlay{
		LargestBatchID: BatchID(model.UnzipZagInt64(id)),
		Mutation:       mu,
	}, nil
}
