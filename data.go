package docsync

import (
	"time"

	"github.com/drpcorg/docsync/model"
	"github.com/pkg/errors"
)

// ValueFromGo converts a plain Go value into the document value model.
// Supported: nil, bool, string, all int/uint widths, float32/64,
// time.Time, []byte, []any, map[string]any and model.Value itself.
func ValueFromGo(v any) (model.Value, error) {
	switch x := v.(type) {
	case nil:
		return model.Null(), nil
	case model.Value:
		return x, nil
	case bool:
		return model.Boolean(x), nil
	case string:
		return model.String(x), nil
	case int:
		return model.Integer(int64(x)), nil
	case int8:
		return model.Integer(int64(x)), nil
	case int16:
		return model.Integer(int64(x)), nil
	case int32:
		return model.Integer(int64(x)), nil
	case int64:
		return model.Integer(x), nil
	case uint:
		return model.Integer(int64(x)), nil
	case uint8:
		return model.Integer(int64(x)), nil
	case uint16:
		return model.Integer(int64(x)), nil
	case uint32:
		return model.Integer(int64(x)), nil
	case float32:
		return model.Double(float64(x)), nil
	case float64:
		return model.Double(x), nil
	case time.Time:
		return model.TimestampVal(model.TimestampFromTime(x)), nil
	case []byte:
		return model.Bytes(x), nil
	case []any:
		arr := make([]model.Value, len(x))
		for i, el := range x {
			ev, err := ValueFromGo(el)
			if err != nil {
				return model.Value{}, err
			}
			arr[i] = ev
		}
		return model.Array(arr...), nil
	case map[string]any:
		entries := make([]model.MapEntry, 0, len(x))
		for k, el := range x {
			ev, err := ValueFromGo(el)
			if err != nil {
				return model.Value{}, err
			}
			entries = append(entries, model.MapEntry{Key: k, Value: ev})
		}
		return model.Map(entries...), nil
	default:
		return model.Value{}, errors.Errorf("unsupported value type %T", v)
	}
}

// ObjectFromGo converts a document body into an ObjectValue. Field names
// containing dots are treated as literal segments, not paths.
func ObjectFromGo(data map[string]any) (model.ObjectValue, error) {
	obj := model.NewObjectValue()
	for field, raw := range data {
		v, err := ValueFromGo(raw)
		if err != nil {
			return model.ObjectValue{}, err
		}
		obj = obj.Set(model.FieldPath{field}, v)
	}
	return obj, nil
}

// GoFromValue is the inverse of ValueFromGo, for display and tests.
// Server timestamps surface as their local estimate when present, nil
// otherwise.
func GoFromValue(v model.Value) any {
	switch v.Kind {
	case model.KindNull, model.KindMinKey, model.KindMaxKey:
		return nil
	case model.KindBoolean:
		return v.Bool
	case model.KindInteger:
		return v.Int
	case model.KindDouble:
		return v.Dbl
	case model.KindString:
		return v.Str
	case model.KindBytes:
		return v.Raw
	case model.KindTimestamp:
		return v.Time.Time()
	case model.KindReference:
		return v.RefPath.String()
	case model.KindGeoPoint:
		return []float64{v.Geo.Latitude, v.Geo.Longitude}
	case model.KindArray, model.KindVector:
		out := make([]any, len(v.Arr))
		for i, el := range v.Arr {
			out[i] = GoFromValue(el)
		}
		return out
	case model.KindMap:
		out := make(map[string]any, len(v.Entries))
		for _, e := range v.Entries {
			out[e.Key] = GoFromValue(e.Value)
		}
		return out
	case model.KindServerTimestamp:
		if prev, ok := v.Previous(); ok {
			return GoFromValue(prev)
		}
		return nil
	default:
		return nil
	}
}
