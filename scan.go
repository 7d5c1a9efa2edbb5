package kvdao

import (
	"context"
	"log/slog"
)

// RawRange defines a range of byte strings. The constructors use mnemonics:
// O means open, I means inclusive, E means exclusive; the first letter is for
// the lower bound, the second for the upper bound. A nil bound is unbounded.
// A non-nil Prefix further restricts the range to keys having it.
type RawRange struct {
	Prefix   []byte
	Lower    []byte
	Upper    []byte
	LowerInc bool
	UpperInc bool
}

func RawOO() RawRange            { return RawRange{} }
func RawIO(l []byte) RawRange    { return RawRange{Lower: l, LowerInc: true} }
func RawEO(l []byte) RawRange    { return RawRange{Lower: l, LowerInc: false} }
func RawOI(u []byte) RawRange    { return RawRange{Upper: u, UpperInc: true} }
func RawOE(u []byte) RawRange    { return RawRange{Upper: u, UpperInc: false} }
func RawII(l, u []byte) RawRange { return RawRange{Lower: l, Upper: u, LowerInc: true, UpperInc: true} }
func RawIE(l, u []byte) RawRange {
	return RawRange{Lower: l, Upper: u, LowerInc: true, UpperInc: false}
}
func RawEI(l, u []byte) RawRange {
	return RawRange{Lower: l, Upper: u, LowerInc: false, UpperInc: true}
}
func RawEE(l, u []byte) RawRange {
	return RawRange{Lower: l, Upper: u, LowerInc: false, UpperInc: false}
}
func RawPrefix(p []byte) RawRange                { return RawRange{Prefix: p} }
func (rang RawRange) Prefixed(p []byte) RawRange { rang.Prefix = p; return rang }

func (rang RawRange) IsUnbounded() bool {
	return rang.Prefix == nil && rang.Lower == nil && rang.Upper == nil
}

type rangePos int

const (
	rangeBelow  rangePos = -1
	rangeInside rangePos = 0
	rangeAbove  rangePos = 1
)

func (p rangePos) String() string {
	switch p {
	case rangeBelow:
		return "below"
	case rangeInside:
		return "inside"
	case rangeAbove:
		return "above"
	default:
		return "invalid"
	}
}

// farEdge is the side of a range a scan in the given direction leaves through.
func farEdge(reverse bool) rangePos {
	if reverse {
		return rangeBelow
	}
	return rangeAbove
}

// locate reports whether k is below, inside or above the range.
func (rang *RawRange) locate(k []byte) rangePos {
	if rang.Prefix != nil && !HasPrefix(k, rang.Prefix) {
		if Compare(k, rang.Prefix) < 0 {
			return rangeBelow
		}
		return rangeAbove
	}
	if rang.Lower != nil {
		cmp := Compare(k, rang.Lower)
		if cmp < 0 || (cmp == 0 && !rang.LowerInc) {
			return rangeBelow
		}
	}
	if rang.Upper != nil {
		cmp := Compare(k, rang.Upper)
		if cmp > 0 || (cmp == 0 && !rang.UpperInc) {
			return rangeAbove
		}
	}
	return rangeInside
}

// Contains reports whether k is inside the range.
func (rang RawRange) Contains(k []byte) bool {
	return rang.locate(k) == rangeInside
}

// start positions the iterator at the first key of the range in the scan
// direction. The key it lands on may still be outside the range.
func (rang *RawRange) start(it Iterator, reverse bool) ([]byte, []byte) {
	if reverse {
		upper, inc := rang.Upper, rang.UpperInc
		if rang.Prefix != nil {
			if ps := PrefixSuccessor(rang.Prefix); ps != nil && (upper == nil || Compare(ps, upper) <= 0) {
				upper, inc = ps, false
			}
		}
		if upper == nil {
			return it.Last()
		} else if inc {
			return it.SeekBefore(keySuccessor(upper))
		} else {
			return it.SeekBefore(upper)
		}
	} else {
		lower, inc := rang.Lower, rang.LowerInc
		if rang.Prefix != nil && (lower == nil || Compare(lower, rang.Prefix) < 0) {
			lower, inc = rang.Prefix, true
		}
		if lower == nil {
			return it.First()
		} else if inc {
			return it.Seek(lower)
		} else {
			return it.Seek(keySuccessor(lower))
		}
	}
}

func (rang *RawRange) logAttrs() []slog.Attr {
	return []slog.Attr{
		hexAttr("prefix", rang.Prefix),
		hexAttr("lower", rang.Lower),
		slog.Bool("lower_inc", rang.LowerInc),
		hexAttr("upper", rang.Upper),
		slog.Bool("upper_inc", rang.UpperInc),
	}
}

// RawRangeCursor walks the keys of a range over an iterator.
type RawRangeCursor struct {
	rang    RawRange
	it      Iterator
	reverse bool
	logger  *slog.Logger
	debug   bool
	k, v    []byte
	init    bool
	done    bool
}

func newRawRangeCursor(rang RawRange, it Iterator, reverse bool, logger *slog.Logger, debug bool) *RawRangeCursor {
	return &RawRangeCursor{rang: rang, it: it, reverse: reverse, logger: logger, debug: debug}
}

func (c *RawRangeCursor) Next() bool {
	if c.done {
		return false
	}
	far := farEdge(c.reverse)
	for {
		if c.init {
			if c.reverse {
				c.k, c.v = c.it.Prev()
			} else {
				c.k, c.v = c.it.Next()
			}
		} else {
			c.init = true
			c.k, c.v = c.rang.start(c.it, c.reverse)
		}
		if c.k == nil {
			c.trace("END")
			c.done = true
			return false
		}
		switch pos := c.rang.locate(c.k); pos {
		case rangeInside:
			c.trace("MATCH")
			return true
		case far:
			c.trace("BAIL")
			c.done = true
			c.k, c.v = nil, nil
			return false
		default:
			c.trace("SKIP")
		}
	}
}

func (c *RawRangeCursor) trace(msg string) {
	if c.debug {
		c.logger.LogAttrs(context.Background(), slog.LevelDebug, msg, hexAttr("key", c.k), hexAttr("val", c.v))
	}
}

func (c *RawRangeCursor) Key() []byte   { return c.k }
func (c *RawRangeCursor) Value() []byte { return c.v }
