// Package query models local queries and server targets: filters,
// orderings, bounds, limits, canonical ids and the matching/ordering
// semantics the view and index layers share.
package query

import (
	"strconv"
	"strings"

	"github.com/drpcorg/docsync/model"
)

// Operator is a field filter comparison operator.
type Operator string

const (
	OpLess             = Operator("<")
	OpLessEq           = Operator("<=")
	OpEqual            = Operator("==")
	OpNotEqual         = Operator("!=")
	OpGreater          = Operator(">")
	OpGreaterEq        = Operator(">=")
	OpArrayContains    = Operator("array-contains")
	OpArrayContainsAny = Operator("array-contains-any")
	OpIn               = Operator("in")
	OpNotIn            = Operator("not-in")
)

func (op Operator) IsInequality() bool {
	switch op {
	case OpLess, OpLessEq, OpGreater, OpGreaterEq, OpNotEqual, OpNotIn:
		return true
	default:
		return false
	}
}

// FilterKind tags the filter union.
type FilterKind byte

const (
	FilterField = FilterKind('F')
	FilterAnd   = FilterKind('A')
	FilterOr    = FilterKind('O')
)

// Filter is either a field comparison or a boolean composite.
type Filter struct {
	Kind FilterKind

	// field filter
	Path  model.FieldPath
	Op    Operator
	Value model.Value

	// composite filter
	Subs []Filter
}

func Field(path model.FieldPath, op Operator, value model.Value) Filter {
	return Filter{Kind: FilterField, Path: path, Op: op, Value: value}
}

func And(subs ...Filter) Filter {
	return Filter{Kind: FilterAnd, Subs: subs}
}

func Or(subs ...Filter) Filter {
	return Filter{Kind: FilterOr, Subs: subs}
}

// Matches evaluates the filter against a document.
func (f Filter) Matches(doc *model.MutableDocument) bool {
	switch f.Kind {
	case FilterField:
		return f.matchesField(doc)
	case FilterAnd:
		for _, sub := range f.Subs {
			if !sub.Matches(doc) {
				return false
			}
		}
		return true
	case FilterOr:
		for _, sub := range f.Subs {
			if sub.Matches(doc) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func typeBucketEqual(a, b model.Value) bool {
	bucket := func(v model.Value) int {
		if v.IsNumber() {
			return -1
		}
		return int(v.Kind)
	}
	return bucket(a) == bucket(b)
}

func (f Filter) matchesField(doc *model.MutableDocument) bool {
	if f.Path.IsKeyField() {
		if f.Value.Kind != model.KindReference {
			return false
		}
		c := doc.Key.Path.Compare(f.Value.RefPath)
		return matchesComparison(f.Op, c)
	}
	v, ok := doc.Field(f.Path)
	if !ok {
		return false
	}
	switch f.Op {
	case OpEqual:
		return typeBucketEqual(v, f.Value) && v.Compare(f.Value) == 0
	case OpNotEqual:
		// never matches null/NaN fields
		if v.Kind == model.KindNull || v.IsNaN() {
			return false
		}
		return !(typeBucketEqual(v, f.Value) && v.Compare(f.Value) == 0)
	case OpLess, OpLessEq, OpGreater, OpGreaterEq:
		// ordering comparisons apply only within one type bucket
		if !typeBucketEqual(v, f.Value) || v.IsNaN() || v.Kind == model.KindNull {
			return false
		}
		return matchesComparison(f.Op, v.Compare(f.Value))
	case OpArrayContains:
		if v.Kind != model.KindArray {
			return false
		}
		for _, el := range v.Arr {
			if el.Equal(f.Value) {
				return true
			}
		}
		return false
	case OpArrayContainsAny:
		if v.Kind != model.KindArray || f.Value.Kind != model.KindArray {
			return false
		}
		for _, el := range v.Arr {
			for _, want := range f.Value.Arr {
				if el.Equal(want) {
					return true
				}
			}
		}
		return false
	case OpIn:
		if f.Value.Kind != model.KindArray {
			return false
		}
		for _, want := range f.Value.Arr {
			if v.Equal(want) {
				return true
			}
		}
		return false
	case OpNotIn:
		if f.Value.Kind != model.KindArray || v.Kind == model.KindNull || v.IsNaN() {
			return false
		}
		for _, want := range f.Value.Arr {
			if v.Equal(want) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

func matchesComparison(op Operator, c int) bool {
	switch op {
	case OpLess:
		return c < 0
	case OpLessEq:
		return c <= 0
	case OpEqual:
		return c == 0
	case OpNotEqual:
		return c != 0
	case OpGreater:
		return c > 0
	case OpGreaterEq:
		return c >= 0
	default:
		return false
	}
}

// FieldFilters flattens the filter tree into its leaves.
func (f Filter) FieldFilters() []Filter {
	if f.Kind == FilterField {
		return []Filter{f}
	}
	var out []Filter
	for _, sub := range f.Subs {
		out = append(out, sub.FieldFilters()...)
	}
	return out
}

func (f Filter) canonicalID(sb *strings.Builder) {
	switch f.Kind {
	case FilterField:
		sb.WriteString(f.Path.String())
		sb.WriteString(string(f.Op))
		sb.Write(f.Value.Encode())
	case FilterAnd:
		sb.WriteString("and(")
		for _, sub := range f.Subs {
			sub.canonicalID(sb)
			sb.WriteByte(',')
		}
		sb.WriteByte(')')
	case FilterOr:
		sb.WriteString("or(")
		for _, sub := range f.Subs {
			sub.canonicalID(sb)
			sb.WriteByte(',')
		}
		sb.WriteByte(')')
	}
}

// Direction orders a field ascending or descending.
type Direction byte

const (
	Ascending  = Direction('a')
	Descending = Direction('d')
)

type OrderBy struct {
	Path model.FieldPath
	Dir  Direction
}

// Bound is a query start/end position: one value per order-by clause.
type Bound struct {
	Values    []model.Value
	Inclusive bool
}

// CompareToDocument positions the bound relative to doc under the given
// orderings: negative if the bound sorts before the document.
func (b *Bound) CompareToDocument(orders []OrderBy, doc *model.MutableDocument) int {
	for i, ord := range orders {
		if i >= len(b.Values) {
			break
		}
		var dv model.Value
		if ord.Path.IsKeyField() {
			dv = model.Reference(doc.Key)
		} else {
			v, ok := doc.Field(ord.Path)
			if !ok {
				v = model.MinKey()
			}
			dv = v
		}
		c := b.Values[i].Compare(dv)
		if ord.Dir == Descending {
			c = -c
		}
		if c != 0 {
			return c
		}
	}
	return 0
}

// LimitKind distinguishes "first N" from "last N" limits.
type LimitKind byte

const (
	LimitFirst = LimitKind('f')
	LimitLast  = LimitKind('l')
)

// Query is one local query shape.
type Query struct {
	Path            model.ResourcePath
	CollectionGroup string
	Filters         []Filter
	Orders          []OrderBy
	Limit           int64 // 0 = unlimited
	LimitKind       LimitKind
	StartAt         *Bound
	EndAt           *Bound
}

func NewCollectionQuery(path model.ResourcePath) Query {
	return Query{Path: path, LimitKind: LimitFirst}
}

func NewCollectionGroupQuery(group string) Query {
	return Query{CollectionGroup: group, LimitKind: LimitFirst}
}

// NewDocumentQuery matches exactly one document, used for limbo listens.
func NewDocumentQuery(key model.DocumentKey) Query {
	return Query{Path: key.Path, LimitKind: LimitFirst}
}

func (q Query) IsDocumentQuery() bool {
	return len(q.Path)%2 == 0 && len(q.Path) > 0 && q.CollectionGroup == "" && len(q.Filters) == 0
}

func (q Query) IsCollectionGroupQuery() bool {
	return q.CollectionGroup != ""
}

func (q Query) WithFilter(f Filter) Query {
	q.Filters = append(append([]Filter(nil), q.Filters...), f)
	return q
}

func (q Query) WithOrder(path model.FieldPath, dir Direction) Query {
	q.Orders = append(append([]OrderBy(nil), q.Orders...), OrderBy{Path: path, Dir: dir})
	return q
}

func (q Query) WithLimit(n int64, kind LimitKind) Query {
	q.Limit = n
	q.LimitKind = kind
	return q
}

// inequalityFields returns the distinct field paths under inequality
// filters, in first-use order.
func (q Query) inequalityFields() []model.FieldPath {
	var out []model.FieldPath
	seen := map[string]bool{}
	for _, f := range q.Filters {
		for _, ff := range f.FieldFilters() {
			if ff.Op.IsInequality() && !seen[ff.Path.String()] {
				seen[ff.Path.String()] = true
				out = append(out, ff.Path)
			}
		}
	}
	return out
}

// NormalizedOrders is the effective ordering: explicit orders, then
// inequality fields not already ordered, then the key.
func (q Query) NormalizedOrders() []OrderBy {
	out := append([]OrderBy(nil), q.Orders...)
	ordered := map[string]bool{}
	for _, o := range out {
		ordered[o.Path.String()] = true
	}
	lastDir := Ascending
	if len(out) > 0 {
		lastDir = out[len(out)-1].Dir
	}
	for _, f := range q.inequalityFields() {
		if !ordered[f.String()] && !f.IsKeyField() {
			out = append(out, OrderBy{Path: f, Dir: lastDir})
			ordered[f.String()] = true
		}
	}
	if !ordered[model.KeyFieldPath.String()] {
		out = append(out, OrderBy{Path: model.KeyFieldPath, Dir: lastDir})
	}
	return out
}

// Comparator orders documents per the query's normalized orderings,
// tie-broken by key so the order is total.
func (q Query) Comparator() model.DocumentComparator {
	orders := q.NormalizedOrders()
	return func(a, b *model.MutableDocument) int {
		for _, ord := range orders {
			var c int
			if ord.Path.IsKeyField() {
				c = a.Key.Compare(b.Key)
			} else {
				av, aok := a.Field(ord.Path)
				bv, bok := b.Field(ord.Path)
				switch {
				case !aok && !bok:
					c = 0
				case !aok:
					c = -1
				case !bok:
					c = 1
				default:
					c = av.Compare(bv)
				}
			}
			if ord.Dir == Descending {
				c = -c
			}
			if c != 0 {
				return c
			}
		}
		return 0
	}
}

// Matches reports whether doc belongs in this query's result set.
func (q Query) Matches(doc *model.MutableDocument) bool {
	if !doc.IsFoundDocument() {
		return false
	}
	if !q.matchesPath(doc.Key) {
		return false
	}
	for _, f := range q.Filters {
		if !f.Matches(doc) {
			return false
		}
	}
	// explicit orderings require the field to exist
	for _, ord := range q.Orders {
		if ord.Path.IsKeyField() {
			continue
		}
		if _, ok := doc.Field(ord.Path); !ok {
			return false
		}
	}
	orders := q.NormalizedOrders()
	if q.StartAt != nil {
		c := q.StartAt.CompareToDocument(orders, doc)
		if c > 0 || (c == 0 && !q.StartAt.Inclusive) {
			return false
		}
	}
	if q.EndAt != nil {
		c := q.EndAt.CompareToDocument(orders, doc)
		if c < 0 || (c == 0 && !q.EndAt.Inclusive) {
			return false
		}
	}
	return true
}

func (q Query) matchesPath(key model.DocumentKey) bool {
	if q.CollectionGroup != "" {
		return key.HasCollectionID(q.CollectionGroup)
	}
	if len(q.Path)%2 == 0 {
		return key.Path.Equal(q.Path)
	}
	return q.Path.Equal(key.CollectionPath())
}

// CanonicalID is a stable dedup id for the query shape.
func (q Query) CanonicalID() string {
	var sb strings.Builder
	sb.WriteString(q.Path.String())
	if q.CollectionGroup != "" {
		sb.WriteString("|cg:")
		sb.WriteString(q.CollectionGroup)
	}
	sb.WriteString("|f:")
	for _, f := range q.Filters {
		f.canonicalID(&sb)
	}
	sb.WriteString("|ob:")
	for _, o := range q.NormalizedOrders() {
		sb.WriteString(o.Path.String())
		sb.WriteByte(byte(o.Dir))
	}
	if q.Limit > 0 {
		sb.WriteString("|l:")
		sb.WriteByte(byte(q.LimitKind))
		sb.WriteString(strconv.FormatInt(q.Limit, 10))
	}
	if q.StartAt != nil {
		sb.WriteString("|sa:")
		boundID(&sb, q.StartAt)
	}
	if q.EndAt != nil {
		sb.WriteString("|ea:")
		boundID(&sb, q.EndAt)
	}
	return sb.String()
}

func boundID(sb *strings.Builder, b *Bound) {
	if b.Inclusive {
		sb.WriteByte('i')
	}
	for _, v := range b.Values {
		sb.Write(v.Encode())
	}
}

