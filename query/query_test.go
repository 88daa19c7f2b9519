package query

import (
	"math"
	"testing"

	"github.com/drpcorg/docsync/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDoc(t *testing.T, key string, fields ...any) *model.MutableDocument {
	t.Helper()
	data := model.NewObjectValue()
	for i := 0; i+1 < len(fields); i += 2 {
		fp, err := model.ParseFieldPath(fields[i].(string))
		require.NoError(t, err)
		data = data.Set(fp, fields[i+1].(model.Value))
	}
	version := model.SnapshotVersion{Timestamp: model.Timestamp{Seconds: 1}}
	return model.NewFoundDocument(model.MustDocumentKey(key), version, data)
}

func fp(t *testing.T, s string) model.FieldPath {
	t.Helper()
	p, err := model.ParseFieldPath(s)
	require.NoError(t, err)
	return p
}

func collQuery(t *testing.T, path string) Query {
	t.Helper()
	rp, err := model.ParseResourcePath(path)
	require.NoError(t, err)
	return NewCollectionQuery(rp)
}

func TestQueryMatchesPath(t *testing.T) {
	q := collQuery(t, "rooms")
	assert.True(t, q.Matches(testDoc(t, "rooms/r1")))
	assert.False(t, q.Matches(testDoc(t, "other/r1")))
	// subcollection documents do not match the parent collection
	assert.False(t, q.Matches(testDoc(t, "rooms/r1/messages/m1")))

	cg := NewCollectionGroupQuery("messages")
	assert.True(t, cg.Matches(testDoc(t, "rooms/r1/messages/m1")))
	assert.True(t, cg.Matches(testDoc(t, "messages/m1")))
	assert.False(t, cg.Matches(testDoc(t, "rooms/r1")))
}

func TestFieldFilterTypeBuckets(t *testing.T) {
	q := collQuery(t, "c").WithFilter(Field(fp(t, "x"), OpGreater, model.Integer(5)))
	assert.True(t, q.Matches(testDoc(t, "c/a", "x", model.Integer(6))))
	assert.True(t, q.Matches(testDoc(t, "c/a", "x", model.Double(5.5))))
	// ordering comparisons never cross type buckets
	assert.False(t, q.Matches(testDoc(t, "c/a", "x", model.String("zzz"))))
	assert.False(t, q.Matches(testDoc(t, "c/a", "x", model.Null())))
	assert.False(t, q.Matches(testDoc(t, "c/a", "x", model.Double(math.NaN()))))
	// missing field never matches
	assert.False(t, q.Matches(testDoc(t, "c/a", "y", model.Integer(6))))
}

func TestNotEqualExcludesNullAndNaN(t *testing.T) {
	q := collQuery(t, "c").WithFilter(Field(fp(t, "x"), OpNotEqual, model.Integer(1)))
	assert.True(t, q.Matches(testDoc(t, "c/a", "x", model.Integer(2))))
	assert.False(t, q.Matches(testDoc(t, "c/a", "x", model.Integer(1))))
	assert.False(t, q.Matches(testDoc(t, "c/a", "x", model.Null())))
	assert.False(t, q.Matches(testDoc(t, "c/a", "x", model.Double(math.NaN()))))
}

func TestArrayFilters(t *testing.T) {
	contains := collQuery(t, "c").WithFilter(
		Field(fp(t, "tags"), OpArrayContains, model.String("a")))
	assert.True(t, contains.Matches(
		testDoc(t, "c/1", "tags", model.Array(model.String("a"), model.String("b")))))
	assert.False(t, contains.Matches(
		testDoc(t, "c/1", "tags", model.Array(model.String("b")))))
	assert.False(t, contains.Matches(testDoc(t, "c/1", "tags", model.String("a"))))

	any := collQuery(t, "c").WithFilter(Field(fp(t, "tags"), OpArrayContainsAny,
		model.Array(model.String("a"), model.String("z"))))
	assert.True(t, any.Matches(
		testDoc(t, "c/1", "tags", model.Array(model.String("z")))))
	assert.False(t, any.Matches(
		testDoc(t, "c/1", "tags", model.Array(model.String("q")))))

	in := collQuery(t, "c").WithFilter(Field(fp(t, "x"), OpIn,
		model.Array(model.Integer(1), model.Integer(2))))
	assert.True(t, in.Matches(testDoc(t, "c/1", "x", model.Integer(2))))
	assert.False(t, in.Matches(testDoc(t, "c/1", "x", model.Integer(3))))

	notIn := collQuery(t, "c").WithFilter(Field(fp(t, "x"), OpNotIn,
		model.Array(model.Integer(1))))
	assert.True(t, notIn.Matches(testDoc(t, "c/1", "x", model.Integer(3))))
	assert.False(t, notIn.Matches(testDoc(t, "c/1", "x", model.Integer(1))))
	assert.False(t, notIn.Matches(testDoc(t, "c/1", "x", model.Null())))
}

func TestKeyFieldFilter(t *testing.T) {
	q := collQuery(t, "c").WithFilter(Field(model.KeyFieldPath, OpGreater,
		model.Reference(model.MustDocumentKey("c/b"))))
	assert.True(t, q.Matches(testDoc(t, "c/c")))
	assert.False(t, q.Matches(testDoc(t, "c/a")))
	assert.False(t, q.Matches(testDoc(t, "c/b")))
}

func TestCompositeFilters(t *testing.T) {
	and := collQuery(t, "c").WithFilter(And(
		Field(fp(t, "x"), OpGreaterEq, model.Integer(1)),
		Field(fp(t, "y"), OpEqual, model.String("v")),
	))
	assert.True(t, and.Matches(testDoc(t, "c/1",
		"x", model.Integer(1), "y", model.String("v"))))
	assert.False(t, and.Matches(testDoc(t, "c/1",
		"x", model.Integer(0), "y", model.String("v"))))

	or := collQuery(t, "c").WithFilter(Or(
		Field(fp(t, "x"), OpEqual, model.Integer(1)),
		Field(fp(t, "x"), OpEqual, model.Integer(2)),
	))
	assert.True(t, or.Matches(testDoc(t, "c/1", "x", model.Integer(2))))
	assert.False(t, or.Matches(testDoc(t, "c/1", "x", model.Integer(3))))
}

func TestExplicitOrderRequiresField(t *testing.T) {
	q := collQuery(t, "c").WithOrder(fp(t, "x"), Ascending)
	assert.True(t, q.Matches(testDoc(t, "c/1", "x", model.Integer(1))))
	assert.False(t, q.Matches(testDoc(t, "c/1", "y", model.Integer(1))))
}

func TestNormalizedOrders(t *testing.T) {
	q := collQuery(t, "c")
	orders := q.NormalizedOrders()
	require.Len(t, orders, 1)
	assert.True(t, orders[0].Path.IsKeyField())

	// inequality fields are appended before the key, inheriting direction
	q = collQuery(t, "c").
		WithOrder(fp(t, "a"), Descending).
		WithFilter(Field(fp(t, "b"), OpLess, model.Integer(1)))
	orders = q.NormalizedOrders()
	require.Len(t, orders, 3)
	assert.Equal(t, "a", orders[0].Path.String())
	assert.Equal(t, "b", orders[1].Path.String())
	assert.Equal(t, Descending, orders[1].Dir)
	assert.True(t, orders[2].Path.IsKeyField())
	assert.Equal(t, Descending, orders[2].Dir)
}

func TestComparatorMissingFieldsFirst(t *testing.T) {
	q := collQuery(t, "c").WithOrder(fp(t, "x"), Ascending)
	cmp := q.Comparator()
	with := testDoc(t, "c/a", "x", model.Integer(1))
	without := testDoc(t, "c/b")
	assert.Negative(t, cmp(without, with))
	assert.Positive(t, cmp(with, without))
}

func TestComparatorKeyTiebreak(t *testing.T) {
	q := collQuery(t, "c").WithOrder(fp(t, "x"), Ascending)
	cmp := q.Comparator()
	a := testDoc(t, "c/a", "x", model.Integer(1))
	b := testDoc(t, "c/b", "x", model.Integer(1))
	assert.Negative(t, cmp(a, b))
	assert.Positive(t, cmp(b, a))
	assert.Zero(t, cmp(a, a))
}

func TestBounds(t *testing.T) {
	base := collQuery(t, "c").WithOrder(fp(t, "x"), Ascending)
	d2 := testDoc(t, "c/1", "x", model.Integer(2))

	incl := base
	incl.StartAt = &Bound{Values: []model.Value{model.Integer(2)}, Inclusive: true}
	assert.True(t, incl.Matches(d2))

	excl := base
	excl.StartAt = &Bound{Values: []model.Value{model.Integer(2)}, Inclusive: false}
	assert.False(t, excl.Matches(d2))
	assert.True(t, excl.Matches(testDoc(t, "c/1", "x", model.Integer(3))))

	end := base
	end.EndAt = &Bound{Values: []model.Value{model.Integer(2)}, Inclusive: true}
	assert.True(t, end.Matches(d2))
	assert.False(t, end.Matches(testDoc(t, "c/1", "x", model.Integer(3))))
}

func TestCanonicalID(t *testing.T) {
	a := collQuery(t, "c").WithFilter(Field(fp(t, "x"), OpEqual, model.Integer(1)))
	b := collQuery(t, "c").WithFilter(Field(fp(t, "x"), OpEqual, model.Integer(1)))
	assert.Equal(t, a.CanonicalID(), b.CanonicalID())

	c := collQuery(t, "c").WithFilter(Field(fp(t, "x"), OpEqual, model.Integer(2)))
	assert.NotEqual(t, a.CanonicalID(), c.CanonicalID())

	limited := a.WithLimit(5, LimitFirst)
	assert.NotEqual(t, a.CanonicalID(), limited.CanonicalID())
	limitLast := a.WithLimit(5, LimitLast)
	assert.NotEqual(t, limited.CanonicalID(), limitLast.CanonicalID())
}

func TestDNFTerms(t *testing.T) {
	// no filters: one empty conjunction
	terms := collQuery(t, "c").DNFTerms()
	require.Len(t, terms, 1)
	assert.Empty(t, terms[0].Subs)

	// (a==1 OR a==2) AND b==3 expands to two conjunctions
	q := collQuery(t, "c").
		WithFilter(Or(
			Field(fp(t, "a"), OpEqual, model.Integer(1)),
			Field(fp(t, "a"), OpEqual, model.Integer(2)),
		)).
		WithFilter(Field(fp(t, "b"), OpEqual, model.Integer(3)))
	terms = q.DNFTerms()
	require.Len(t, terms, 2)
	for _, term := range terms {
		require.Len(t, term.Subs, 2)
		assert.Equal(t, "a", term.Subs[0].Path.String())
		assert.Equal(t, "b", term.Subs[1].Path.String())
	}
	assert.Equal(t, int64(1), terms[0].Subs[0].Value.Int)
	assert.Equal(t, int64(2), terms[1].Subs[0].Value.Int)
}

func TestDNFTermsCap(t *testing.T) {
	or := func() Filter {
		var subs []Filter
		for i := 0; i < 12; i++ {
			subs = append(subs, Field(fp(t, "x"), OpEqual, model.Integer(int64(i))))
		}
		return Or(subs...)
	}
	// 12^3 = 1728 terms exceeds the cap
	q := collQuery(t, "c").WithFilter(or()).WithFilter(or()).WithFilter(or())
	assert.Nil(t, q.DNFTerms())
}

func TestTargetDataRoundtrip(t *testing.T) {
	q := collQuery(t, "rooms").
		WithFilter(Field(fp(t, "open"), OpEqual, model.Boolean(true))).
		WithFilter(Or(
			Field(fp(t, "x"), OpLess, model.Integer(9)),
			Field(fp(t, "y"), OpGreaterEq, model.Double(1.5)),
		)).
		WithOrder(fp(t, "x"), Descending).
		WithLimit(10, LimitFirst)
	q.StartAt = &Bound{Values: []model.Value{model.Integer(3)}, Inclusive: true}
	q.EndAt = &Bound{Values: []model.Value{model.Integer(7)}, Inclusive: false}

	td := NewTargetData(q, 4, PurposeListen, 17)
	td = td.WithResumeToken([]byte("tok"),
		model.SnapshotVersion{Timestamp: model.Timestamp{Seconds: 100, Nanos: 5}})
	td = td.WithLastLimboFreeSnapshotVersion(
		model.SnapshotVersion{Timestamp: model.Timestamp{Seconds: 90}})

	got, err := DecodeTargetData(td.Encode())
	require.NoError(t, err)
	assert.Equal(t, td.TargetID, got.TargetID)
	assert.Equal(t, td.Purpose, got.Purpose)
	assert.Equal(t, td.SequenceNumber, got.SequenceNumber)
	assert.Equal(t, td.SnapshotVersion, got.SnapshotVersion)
	assert.Equal(t, td.LastLimboFreeSnapshotVersion, got.LastLimboFreeSnapshotVersion)
	assert.Equal(t, td.ResumeToken, got.ResumeToken)
	assert.Equal(t, q.CanonicalID(), got.Target.CanonicalID())
}

func TestDecodeTargetDataRejectsGarbage(t *testing.T) {
	_, err := DecodeTargetData([]byte("nonsense"))
	assert.Error(t, err)
	_, err = DecodeTargetData(nil)
	assert.Error(t, err)
}
