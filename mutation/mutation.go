// Package mutation represents pending local writes and their application
// over base documents, both speculatively (local view) and authoritatively
// (server acknowledgement replay).
package mutation

import (
	"errors"

	"github.com/drpcorg/docsync/model"
	"github.com/drpcorg/docsync/protocol"
)

// Kind tags the mutation union.
type Kind byte

const (
	// SetKind replaces the whole document.
	SetKind = Kind('S')
	// PatchKind merges masked fields into the document.
	PatchKind = Kind('P')
	// DeleteKind removes the document.
	DeleteKind = Kind('D')
	// VerifyKind asserts existence without changing anything.
	VerifyKind = Kind('V')
)

var ErrBadMutationRecord = errors.New("bad mutation record")

// PreconditionKind gates whether a mutation applies.
type PreconditionKind byte

const (
	PreconditionNone       = PreconditionKind(0)
	PreconditionExists     = PreconditionKind('E')
	PreconditionNotExists  = PreconditionKind('N')
	PreconditionUpdateTime = PreconditionKind('U')
)

type Precondition struct {
	Kind       PreconditionKind
	UpdateTime model.SnapshotVersion
}

func NoPrecondition() Precondition {
	return Precondition{Kind: PreconditionNone}
}

func ExistsPrecondition(exists bool) Precondition {
	if exists {
		return Precondition{Kind: PreconditionExists}
	}
	return Precondition{Kind: PreconditionNotExists}
}

func UpdateTimePrecondition(v model.SnapshotVersion) Precondition {
	return Precondition{Kind: PreconditionUpdateTime, UpdateTime: v}
}

// IsValidFor reports whether the precondition holds for the document.
func (p Precondition) IsValidFor(doc *model.MutableDocument) bool {
	switch p.Kind {
	case PreconditionNone:
		return true
	case PreconditionExists:
		return doc.IsFoundDocument()
	case PreconditionNotExists:
		return !doc.IsFoundDocument()
	case PreconditionUpdateTime:
		return doc.IsFoundDocument() && doc.Version.Equal(p.UpdateTime)
	default:
		return false
	}
}

// FieldMask is the set of field paths a patch affects. A nil *FieldMask on
// a document means "full overwrite".
type FieldMask struct {
	Paths []model.FieldPath
}

func NewFieldMask(paths ...model.FieldPath) *FieldMask {
	return &FieldMask{Paths: paths}
}

func (m *FieldMask) Covers(path model.FieldPath) bool {
	for _, p := range m.Paths {
		if p.IsPrefixOf(path) || p.Equal(path) {
			return true
		}
	}
	return false
}

func (m *FieldMask) Append(paths ...model.FieldPath) {
	for _, p := range paths {
		if !m.contains(p) {
			m.Paths = append(m.Paths, p)
		}
	}
}

func (m *FieldMask) contains(path model.FieldPath) bool {
	for _, p := range m.Paths {
		if p.Equal(path) {
			return true
		}
	}
	return false
}

// Mutation is one write: kind, target key, payload, mask (patch only),
// precondition and field transforms.
type Mutation struct {
	Kind         Kind
	Key          model.DocumentKey
	Value        model.ObjectValue
	Mask         *FieldMask
	Precondition Precondition
	Transforms   []FieldTransform
}

func NewSetMutation(key model.DocumentKey, value model.ObjectValue, transforms ...FieldTransform) *Mutation {
	return &Mutation{Kind: SetKind, Key: key, Value: value,
		Precondition: NoPrecondition(), Transforms: transforms}
}

func NewPatchMutation(key model.DocumentKey, value model.ObjectValue, mask *FieldMask,
	pre Precondition, transforms ...FieldTransform) *Mutation {
	return &Mutation{Kind: PatchKind, Key: key, Value: value, Mask: mask,
		Precondition: pre, Transforms: transforms}
}

func NewDeleteMutation(key model.DocumentKey, pre Precondition) *Mutation {
	return &Mutation{Kind: DeleteKind, Key: key, Precondition: pre}
}

func NewVerifyMutation(key model.DocumentKey) *Mutation {
	return &Mutation{Kind: VerifyKind, Key: key, Precondition: ExistsPrecondition(true)}
}

// MutationResult is the server's per-mutation acknowledgement.
type MutationResult struct {
	Version          model.SnapshotVersion
	TransformResults []model.Value
}

// ApplyToLocalView speculatively folds the mutation into doc, returning the
// updated field mask (nil keeps meaning "full overwrite"). A failed
// precondition is a no-op, not an error.
func (mu *Mutation) ApplyToLocalView(doc *model.MutableDocument,
	previousMask *FieldMask, localWriteTime model.Timestamp) *FieldMask {
	if !mu.Precondition.IsValidFor(doc) {
		return previousMask
	}
	switch mu.Kind {
	case SetKind:
		data := mu.Value.Clone()
		data = applyTransformsLocally(mu.Transforms, data, doc, localWriteTime)
		doc.ConvertToFoundDocument(doc.Version, data).SetHasLocalMutations()
		return nil
	case PatchKind:
		data := patchDocument(doc, mu.Value, mu.Mask)
		data = applyTransformsLocally(mu.Transforms, data, doc, localWriteTime)
		doc.ConvertToFoundDocument(doc.Version, data).SetHasLocalMutations()
		if previousMask == nil {
			return nil
		}
		out := &FieldMask{Paths: append([]model.FieldPath(nil), previousMask.Paths...)}
		out.Append(mu.Mask.Paths...)
		for _, t := range mu.Transforms {
			out.Append(t.Path)
		}
		return out
	case DeleteKind:
		doc.ConvertToNoDocument(model.SnapshotVersion{}).SetHasLocalMutations()
		return nil
	case VerifyKind:
		return previousMask
	default:
		return previousMask
	}
}

// ApplyToRemoteDocument is the authoritative replay after the server has
// acknowledged the batch: server-assigned transform results are used
// instead of local estimates, and the document becomes
// has-committed-mutations at the commit version.
func (mu *Mutation) ApplyToRemoteDocument(doc *model.MutableDocument, result MutationResult) {
	switch mu.Kind {
	case SetKind:
		data := mu.Value.Clone()
		data = applyTransformResults(mu.Transforms, data, result.TransformResults)
		doc.ConvertToFoundDocument(result.Version, data).SetHasCommittedMutations()
	case PatchKind:
		if !mu.Precondition.IsValidFor(doc) {
			// committed against a doc we never saw: data is unknowable
			doc.ConvertToUnknownDocument(result.Version)
			return
		}
		data := patchDocument(doc, mu.Value, mu.Mask)
		data = applyTransformResults(mu.Transforms, data, result.TransformResults)
		doc.ConvertToFoundDocument(result.Version, data).SetHasCommittedMutations()
	case DeleteKind:
		doc.ConvertToNoDocument(result.Version).SetHasCommittedMutations()
	case VerifyKind:
	}
}

// patchDocument copies masked fields of value over the document's data.
func patchDocument(doc *model.MutableDocument, value model.ObjectValue, mask *FieldMask) model.ObjectValue {
	data := doc.Data.Clone()
	if mask == nil {
		return value.Clone()
	}
	for _, path := range mask.Paths {
		if v, ok := value.Field(path); ok {
			data = data.Set(path, v)
		} else {
			data = data.Delete(path)
		}
	}
	return data
}

// AffectedKeys lists the keys a batch of mutations touches.
func AffectedKeys(mutations []*Mutation) model.KeySet {
	keys := model.NewKeySet()
	for _, mu := range mutations {
		keys = keys.Add(mu.Key)
	}
	return keys
}

// Encode serializes the mutation for the mutation queue table.
func (mu *Mutation) Encode() []byte {
	recs := protocol.Records{
		protocol.TinyRecord('K', []byte{byte(mu.Kind)}),
		protocol.Record('N', []byte(mu.Key.String())),
	}
	recs = append(recs, protocol.Record('C',
		[]byte{byte(mu.Precondition.Kind)}, mu.Precondition.UpdateTime.Zip()))
	if mu.Kind == SetKind || mu.Kind == PatchKind {
		recs = append(recs, mu.Value.Encode())
	}
	if mu.Mask != nil {
		for _, p := range mu.Mask.Paths {
			recs = append(recs, protocol.Record('F', []byte(p.String())))
		}
	}
	for _, t := range mu.Transforms {
		recs = append(recs, t.encode())
	}
	return protocol.Record('U', protocol.Join(recs...))
}

// DecodeMutation parses one mutation record.
func DecodeMutation(data []byte) (*Mutation, error) {
	body, _ := protocol.Take('U', data)
	if body == nil {
		return nil, ErrBadMutationRecord
	}
	kind, rest := protocol.Take('K', body)
	if len(kind) != 1 {
		return nil, ErrBadMutationRecord
	}
	name, rest := protocol.Take('N', rest)
	if name == nil {
		return nil, ErrBadMutationRecord
	}
	path, err := model.ParseResourcePath(string(name))
	if err != nil {
		return nil, err
	}
	key, err := model.NewDocumentKey(path)
	if err != nil {
		return nil, err
	}
	cond, rest := protocol.Take('C', rest)
	if len(cond) < 1 {
		return nil, ErrBadMutationRecord
	}
	mu := &Mutation{
		Kind: Kind(kind[0]),
		Key:  key,
		Precondition: Precondition{
			Kind:       PreconditionKind(cond[0]),
			UpdateTime: model.SnapshotVersion{Timestamp: model.UnzipTimestamp(cond[1:])},
		},
	}
	if mu.Kind == SetKind || mu.Kind == PatchKind {
		v, r, err := model.DecodeValue(rest)
		if err != nil {
			return nil, err
		}
		mu.Value = model.ObjectValueOf(v)
		rest = r
	}
	for len(rest) > 0 {
		lit, body, r, err := protocol.TakeAnyWary(rest)
		if err != nil {
			return nil, err
		}
		switch lit {
		case 'F':
			fp, err := model.ParseFieldPath(string(body))
			if err != nil {
				return nil, err
			}
			if mu.Mask == nil {
				mu.Mask = NewFieldMask()
			}
			mu.Mask.Paths = append(mu.Mask.Paths, fp)
		case 'X':
			t, err := decodeTransform(body)
			if err != nil {
				return nil, err
			}
			mu.Transforms = append(mu.Transforms, t)
		default:
			return nil, ErrBadMutationRecord
		}
		rest = r
	}
	return mu, nil
}
