package kvdao

import (
	"fmt"
	"slices"
)

// KeyRange bounds primary keys. Constructors follow the RawRange mnemonics.
type KeyRange[K any] struct {
	From          K
	To            K
	HasFrom       bool
	HasTo         bool
	FromInclusive bool
	ToInclusive   bool
}

func RangeOO[K any]() KeyRange[K] { return KeyRange[K]{} }
func RangeIO[K any](from K) KeyRange[K] {
	return KeyRange[K]{From: from, HasFrom: true, FromInclusive: true}
}
func RangeEO[K any](from K) KeyRange[K] {
	return KeyRange[K]{From: from, HasFrom: true}
}
func RangeOI[K any](to K) KeyRange[K] {
	return KeyRange[K]{To: to, HasTo: true, ToInclusive: true}
}
func RangeOE[K any](to K) KeyRange[K] {
	return KeyRange[K]{To: to, HasTo: true}
}
func RangeII[K any](from, to K) KeyRange[K] {
	return KeyRange[K]{From: from, To: to, HasFrom: true, HasTo: true, FromInclusive: true, ToInclusive: true}
}
func RangeIE[K any](from, to K) KeyRange[K] {
	return KeyRange[K]{From: from, To: to, HasFrom: true, HasTo: true, FromInclusive: true}
}
func RangeEI[K any](from, to K) KeyRange[K] {
	return KeyRange[K]{From: from, To: to, HasFrom: true, HasTo: true, ToInclusive: true}
}
func RangeEE[K any](from, to K) KeyRange[K] {
	return KeyRange[K]{From: from, To: to, HasFrom: true, HasTo: true}
}

func (r KeyRange[K]) encode(keys KeyCodec[K]) RawRange {
	var rang RawRange
	if r.HasFrom {
		rang.Lower = nonNilBytes(keys.EncodeKey(r.From))
		rang.LowerInc = r.FromInclusive
	}
	if r.HasTo {
		rang.Upper = nonNilBytes(keys.EncodeKey(r.To))
		rang.UpperInc = r.ToInclusive
	}
	return rang
}

func nonNilBytes(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}

// IndexPredicate selects index entries by their indexed value. Values are
// encoded the same way the index encodes them, e.g. with StringValue.
type IndexPredicate interface {
	IndexName() string
	valueRange() RawRange
}

// EqPredicate matches entries whose indexed value equals Value.
type EqPredicate struct {
	Index string
	Value []byte
}

func Eq(index string, value []byte) EqPredicate {
	return EqPredicate{index, value}
}

func (p EqPredicate) IndexName() string { return p.Index }

func (p EqPredicate) valueRange() RawRange {
	v := nonNilBytes(p.Value)
	return RawII(v, v)
}

func (p EqPredicate) String() string {
	return fmt.Sprintf("%s = %s", p.Index, hexstr(p.Value))
}

// RangePredicate matches entries whose indexed value is between From and To.
// A nil bound is unbounded.
type RangePredicate struct {
	Index         string
	From          []byte
	FromInclusive bool
	To            []byte
	ToInclusive   bool
}

func IndexRange(index string, from []byte, fromInclusive bool, to []byte, toInclusive bool) RangePredicate {
	return RangePredicate{index, from, fromInclusive, to, toInclusive}
}

func (p RangePredicate) IndexName() string { return p.Index }

func (p RangePredicate) valueRange() RawRange {
	return RawRange{Lower: p.From, LowerInc: p.FromInclusive, Upper: p.To, UpperInc: p.ToInclusive}
}

func (p RangePredicate) String() string {
	lb, ub := "(", ")"
	if p.FromInclusive {
		lb = "["
	}
	if p.ToInclusive {
		ub = "]"
	}
	return fmt.Sprintf("%s in %s%s, %s%s", p.Index, lb, hexstr(p.From), hexstr(p.To), ub)
}

// Query describes a scan: an optional primary-key range, at most one index
// predicate, a limit (<= 0 means unbounded) and the direction.
type Query[K any] struct {
	Range      *KeyRange[K]
	Predicates []IndexPredicate
	Limit      int
	Descending bool
}

func (q Query[K]) InRange(r KeyRange[K]) Query[K] {
	q.Range = &r
	return q
}

func (q Query[K]) Where(p IndexPredicate) Query[K] {
	q.Predicates = append(slices.Clip(q.Predicates), p)
	return q
}

func (q Query[K]) WithLimit(n int) Query[K] {
	q.Limit = n
	return q
}

func (q Query[K]) Reversed() Query[K] {
	q.Descending = true
	return q
}

// Predicate returns the single index predicate of the query, or nil.
func (q Query[K]) Predicate() (IndexPredicate, error) {
	switch len(q.Predicates) {
	case 0:
		return nil, nil
	case 1:
		return q.Predicates[0], nil
	default:
		return nil, fmt.Errorf("%w (got %d)", ErrMultiplePredicates, len(q.Predicates))
	}
}

func (q Query[K]) raw(keys KeyCodec[K]) (RawQuery, error) {
	pred, err := q.Predicate()
	if err != nil {
		return RawQuery{}, err
	}
	rq := RawQuery{Predicate: pred, Limit: q.Limit, Reverse: q.Descending}
	if q.Range != nil {
		rq.Range = q.Range.encode(keys)
	}
	return rq, nil
}
