package kvdao

import (
	"log/slog"
	"strings"
	"testing"
)

func TestRawRange_Contains(t *testing.T) {
	tests := []struct {
		rang RawRange
		key  string
		e    rangePos
	}{
		{RawOO(), "", rangeInside},
		{RawOO(), "anything", rangeInside},
		{RawIO(x("10")), "10", rangeInside},
		{RawEO(x("10")), "10", rangeBelow},
		{RawEO(x("10")), "1000", rangeInside},
		{RawOI(x("20")), "20", rangeInside},
		{RawOE(x("20")), "20", rangeAbove},
		{RawOE(x("20")), "1fff", rangeInside},
		{RawII(x("10"), x("20")), "0f", rangeBelow},
		{RawIE(x("10"), x("20")), "2000", rangeAbove},
		{RawEI(x("10"), x("20")), "10", rangeBelow},
		{RawEE(x("10"), x("20")), "15", rangeInside},
		{RawPrefix(x("10")), "1001", rangeInside},
		{RawPrefix(x("10")), "0fff", rangeBelow},
		{RawPrefix(x("10")), "11", rangeAbove},
		{RawIO(x("1005")).Prefixed(x("10")), "1004", rangeBelow},
		{RawIO(x("1005")).Prefixed(x("10")), "10ff", rangeInside},
	}
	for _, tt := range tests {
		k := x(tt.key)
		if a := tt.rang.locate(k); a != tt.e {
			t.Errorf("%+v: locate(%s) = %v, wanted %v", tt.rang, tt.key, a, tt.e)
		}
		if a := tt.rang.Contains(k); a != (tt.e == rangeInside) {
			t.Errorf("%+v: Contains(%s) = %v", tt.rang, tt.key, a)
		}
	}

	deepEqual(t, RawOO().IsUnbounded(), true)
	deepEqual(t, RawPrefix([]byte{}).IsUnbounded(), false)
	deepEqual(t, farEdge(false), rangeAbove)
	deepEqual(t, farEdge(true), rangeBelow)
}

func TestRawRangeCursor_BoundsPrefixAndReverse(t *testing.T) {
	e := NewMemoryEngine()
	defer e.Close()
	ok(t, e.CreatePartition("b"))
	b := NewWriteBatch()
	b.Put("b", x("10 01"), []byte("a"))
	b.Put("b", x("10 02"), []byte("b"))
	b.Put("b", x("10 03"), []byte("c"))
	b.Put("b", x("11 01"), []byte("x"))
	ok(t, e.Write(b))

	scan := func(rang RawRange, reverse bool) string {
		it := must(e.NewIterator("b"))
		defer it.Close()
		cur := newRawRangeCursor(rang, it, reverse, slog.Default(), true)
		var got []string
		for cur.Next() {
			got = append(got, string(cur.Value()))
		}
		if cur.Next() {
			t.Errorf("%+v: Next after the end returned true", rang)
		}
		return strings.Join(got, " ")
	}

	tests := []struct {
		rang    RawRange
		reverse bool
		e       string
	}{
		{RawOO(), false, "a b c x"},
		{RawOO(), true, "x c b a"},
		{RawPrefix(x("10")), false, "a b c"},
		{RawPrefix(x("10")), true, "c b a"},
		{RawEO(x("10 01")), false, "b c x"},
		{RawOE(x("10 03")), true, "b a"},
		{RawOI(x("10 03")), true, "c b a"},
		{RawII(x("10 02"), x("11 01")), false, "b c x"},
		{RawEE(x("10 01"), x("11 01")), true, "c b"},
		{RawIO(x("11")).Prefixed(x("10")), false, ""},
		{RawOI(x("0f")).Prefixed(x("10")), true, ""},
		{RawIO(x("10 02")).Prefixed(x("10")), false, "b c"},
		{RawPrefix(x("12")), false, ""},
		{RawPrefix(x("ff")), true, ""},
	}
	for _, tt := range tests {
		if a := scan(tt.rang, tt.reverse); a != tt.e {
			t.Errorf("%+v reverse=%v: got %q, wanted %q", tt.rang, tt.reverse, a, tt.e)
		}
	}
}

func TestPlanScan(t *testing.T) {
	target := usersEntity.Info().Target()
	pk1, pk5 := Uint64Key().EncodeKey(1), Uint64Key().EncodeKey(5)

	plan := must(planScan(target, RawQuery{Range: RawIO(pk1)}))
	deepEqual(t, plan.partition, "users")
	deepEqual(t, plan.bounds, RawIO(pk1))

	plan = must(planScan(target, RawQuery{Predicate: Eq("name", StringValue("bob")), Range: RawIE(pk1, pk5)}))
	deepEqual(t, plan.partition, "users.name")
	deepEqual(t, plan.pkStops, true)
	deepEqual(t, plan.bounds, RawRange{
		Prefix: x("626f62 00"), Lower: x("626f62 00 0000000000000001"), LowerInc: true,
		Upper: x("626f62 00 0000000000000005"),
	})

	plan = must(planScan(target, RawQuery{Predicate: IndexRange("name", StringValue("a"), false, StringValue("c"), true), Reverse: true}))
	deepEqual(t, plan.pkStops, false)
	deepEqual(t, plan.reverse, true)
	deepEqual(t, plan.bounds, RawRange{Lower: x("61 00"), LowerInc: true, Upper: x("63 01")})
	deepEqual(t, plan.values, RawRange{Lower: x("61"), Upper: x("63"), UpperInc: true})

	plan = must(planScan(target, RawQuery{Predicate: IndexRange("age", nil, false, Int64Value(0), false)}))
	deepEqual(t, plan.bounds.Lower, []byte(nil))
	deepEqual(t, plan.bounds.Upper != nil, true)

	_, err := planScan(target, RawQuery{Predicate: Eq("nope", nil)})
	isErr(t, err, ErrUnknownIndex)
	_, err = planScan(target, RawQuery{Predicate: Eq("name", []byte("a\x00"))})
	isErr(t, err, ErrInvalidIndexValue)
	_, err = planScan(target, RawQuery{Predicate: IndexRange("name", nil, false, []byte("\x00"), true)})
	isErr(t, err, ErrInvalidIndexValue)
}

func TestQueryBuilders(t *testing.T) {
	q := Query[uint64]{}
	if p := must(q.Predicate()); p != nil {
		t.Errorf("Predicate() = %v, wanted nil", p)
	}

	q1 := q.Where(Eq("a", nil))
	q2 := q1.Where(Eq("b", nil))
	q3 := q1.Where(Eq("c", nil))
	deepEqual(t, len(q1.Predicates), 1)
	deepEqual(t, q2.Predicates[1].IndexName(), "b")
	deepEqual(t, q3.Predicates[1].IndexName(), "c")
	_, err := q2.Predicate()
	isErr(t, err, ErrMultiplePredicates)

	q = q.InRange(RangeIE[uint64](1, 5)).WithLimit(3).Reversed()
	rq := must(q.raw(Uint64Key()))
	deepEqual(t, rq.Limit, 3)
	deepEqual(t, rq.Reverse, true)
	deepEqual(t, rq.Range, RawIE(Uint64Key().EncodeKey(1), Uint64Key().EncodeKey(5)))

	rq = must(Query[string]{}.InRange(RangeIO("")).raw(StringKey()))
	if rq.Range.Lower == nil || len(rq.Range.Lower) != 0 {
		t.Errorf("empty lower bound must stay bounded, got %#v", rq.Range.Lower)
	}

	for _, tt := range []struct {
		r        KeyRange[uint64]
		from, to bool
		fi, ti   bool
	}{
		{RangeOO[uint64](), false, false, false, false},
		{RangeIO[uint64](1), true, false, true, false},
		{RangeEO[uint64](1), true, false, false, false},
		{RangeOI[uint64](1), false, true, false, true},
		{RangeOE[uint64](1), false, true, false, false},
		{RangeII[uint64](1, 2), true, true, true, true},
		{RangeEI[uint64](1, 2), true, true, false, true},
		{RangeEE[uint64](1, 2), true, true, false, false},
	} {
		if tt.r.HasFrom != tt.from || tt.r.HasTo != tt.to || tt.r.FromInclusive != tt.fi || tt.r.ToInclusive != tt.ti {
			t.Errorf("range %+v has wrong flags", tt.r)
		}
	}

	deepEqual(t, Eq("name", []byte("a")).String(), "name = 61")
	deepEqual(t, IndexRange("age", nil, false, []byte{1}, true).String(), "age in (<nil>, 01]")
}
