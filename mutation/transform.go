package mutation

import (
	"math"

	"github.com/drpcorg/docsync/model"
	"github.com/drpcorg/docsync/protocol"
)

// TransformKind tags the field transform union.
type TransformKind byte

const (
	ServerTimestampTransform = TransformKind('T')
	ArrayUnionTransform      = TransformKind('U')
	ArrayRemoveTransform     = TransformKind('R')
	IncrementTransform       = TransformKind('I')
)

// FieldTransform is a server-computed operation on one field.
type FieldTransform struct {
	Kind TransformKind
	Path model.FieldPath
	// Elements for array transforms, Operand for increment.
	Elements []model.Value
	Operand  model.Value
}

func ServerTimestamp(path model.FieldPath) FieldTransform {
	return FieldTransform{Kind: ServerTimestampTransform, Path: path}
}

func ArrayUnion(path model.FieldPath, elements ...model.Value) FieldTransform {
	return FieldTransform{Kind: ArrayUnionTransform, Path: path, Elements: elements}
}

func ArrayRemove(path model.FieldPath, elements ...model.Value) FieldTransform {
	return FieldTransform{Kind: ArrayRemoveTransform, Path: path, Elements: elements}
}

func Increment(path model.FieldPath, operand model.Value) FieldTransform {
	return FieldTransform{Kind: IncrementTransform, Path: path, Operand: operand}
}

// applyLocal estimates the transform result before acknowledgement.
func (t FieldTransform) applyLocal(previous *model.Value, localWriteTime model.Timestamp) model.Value {
	switch t.Kind {
	case ServerTimestampTransform:
		return model.ServerTimestamp(localWriteTime, previous)
	case ArrayUnionTransform:
		return arrayUnion(previous, t.Elements)
	case ArrayRemoveTransform:
		return arrayRemove(previous, t.Elements)
	case IncrementTransform:
		return increment(previous, t.Operand)
	default:
		return model.Null()
	}
}

// applyRemote uses the server-assigned result where one exists; array
// transforms are recomputed locally since the server sends no result.
func (t FieldTransform) applyRemote(previous *model.Value, serverResult *model.Value) model.Value {
	switch t.Kind {
	case ArrayUnionTransform:
		return arrayUnion(previous, t.Elements)
	case ArrayRemoveTransform:
		return arrayRemove(previous, t.Elements)
	default:
		if serverResult != nil {
			return *serverResult
		}
		return model.Null()
	}
}

func arrayUnion(previous *model.Value, elements []model.Value) model.Value {
	var arr []model.Value
	if previous != nil && previous.Kind == model.KindArray {
		arr = append(arr, previous.Arr...)
	}
	for _, el := range elements {
		found := false
		for _, existing := range arr {
			if existing.Equal(el) {
				found = true
				break
			}
		}
		if !found {
			arr = append(arr, el)
		}
	}
	return model.Array(arr...)
}

func arrayRemove(previous *model.Value, elements []model.Value) model.Value {
	var arr []model.Value
	if previous != nil && previous.Kind == model.KindArray {
		for _, existing := range previous.Arr {
			remove := false
			for _, el := range elements {
				if existing.Equal(el) {
					remove = true
					break
				}
			}
			if !remove {
				arr = append(arr, existing)
			}
		}
	}
	return model.Array(arr...)
}

func increment(previous *model.Value, operand model.Value) model.Value {
	base := model.Integer(0)
	if previous != nil && previous.IsNumber() {
		base = *previous
	}
	if base.Kind == model.KindInteger && operand.Kind == model.KindInteger {
		sum := base.Int + operand.Int
		// clamp on overflow
		if (operand.Int > 0 && sum < base.Int) || (operand.Int < 0 && sum > base.Int) {
			if operand.Int > 0 {
				return model.Integer(math.MaxInt64)
			}
			return model.Integer(math.MinInt64)
		}
		return model.Integer(sum)
	}
	var bf, of float64
	if base.Kind == model.KindInteger {
		bf = float64(base.Int)
	} else {
		bf = base.Dbl
	}
	if operand.Kind == model.KindInteger {
		of = float64(operand.Int)
	} else {
		of = operand.Dbl
	}
	return model.Double(bf + of)
}

func applyTransformsLocally(transforms []FieldTransform, data model.ObjectValue,
	doc *model.MutableDocument, localWriteTime model.Timestamp) model.ObjectValue {
	for _, t := range transforms {
		var prev *model.Value
		if v, ok := data.Field(t.Path); ok {
			prev = &v
		}
		data = data.Set(t.Path, t.applyLocal(prev, localWriteTime))
	}
	return data
}

func applyTransformResults(transforms []FieldTransform, data model.ObjectValue,
	results []model.Value) model.ObjectValue {
	for i, t := range transforms {
		var prev *model.Value
		if v, ok := data.Field(t.Path); ok {
			prev = &v
		}
		var server *model.Value
		if i < len(results) {
			server = &results[i]
		}
		data = data.Set(t.Path, t.applyRemote(prev, server))
	}
	return data
}

func (t FieldTransform) encode() []byte {
	recs := protocol.Records{
		protocol.TinyRecord('K', []byte{byte(t.Kind)}),
		protocol.Record('P', []byte(t.Path.String())),
	}
	for _, el := range t.Elements {
		recs = append(recs, protocol.Record('E', el.Encode()))
	}
	if t.Kind == IncrementTransform {
		recs = append(recs, protocol.Record('O', t.Operand.Encode()))
	}
	return protocol.Record('X', protocol.Join(recs...))
}

func decodeTransform(body []byte) (FieldTransform, error) {
	var t FieldTransform
	kind, rest := protocol.Take('K', body)
	if len(kind) != 1 {
		return t, ErrBadMutationRecord
	}
	t.Kind = TransformKind(kind[0])
	p, rest := protocol.Take('P', rest)
	if p == nil {
		return t, ErrBadMutationRecord
	}
	fp, err := model.ParseFieldPath(string(p))
	if err != nil {
		return t, err
	}
	t.Path = fp
	for len(rest) > 0 {
		lit, body, r, err := protocol.TakeAnyWary(rest)
		if err != nil {
			return t, err
		}
		switch lit {
		case 'E':
			v, _, err := model.DecodeValue(body)
			if err != nil {
				return t, err
			}
			t.Elements = append(t.Elements, v)
		case 'O':
			v, _, err := model.DecodeValue(body)
			if err != nil {
				return t, err
			}
			t.Operand = v
		default:
			return t, ErrBadMutationRecord
		}
		rest = r
	}
	return t, nil
}
