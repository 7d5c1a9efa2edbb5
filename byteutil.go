package kvdao

import (
	"bytes"
	"io"
)

// Compare compares two byte strings as unsigned bytes, lexicographically.
// A string that is a prefix of another sorts first. The result is -1, 0 or 1.
func Compare(a, b []byte) int {
	return bytes.Compare(a, b)
}

// HasPrefix reports whether key starts with prefix.
func HasPrefix(key, prefix []byte) bool {
	return len(key) >= len(prefix) && bytes.Equal(key[:len(prefix)], prefix)
}

// Concat returns a ++ sep ++ b in a single freshly allocated slice.
func Concat(a []byte, sep byte, b []byte) []byte {
	out := make([]byte, len(a)+1+len(b))
	n := copy(out, a)
	out[n] = sep
	copy(out[n+1:], b)
	return out
}

// PrefixSuccessor returns the smallest byte string that is strictly greater
// than every string having the given prefix, or nil if there is no such string
// (the prefix is empty or consists entirely of 0xFF bytes). A nil result means
// that a prefix scan needs no upper bound.
func PrefixSuccessor(prefix []byte) []byte {
	for i := len(prefix) - 1; i >= 0; i-- {
		if prefix[i] != 0xFF {
			out := make([]byte, i+1)
			copy(out, prefix[:i+1])
			out[i]++
			return out
		}
	}
	return nil
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func ensureCapacity(buf []byte, minCap int) []byte {
	c := cap(buf)
	if minCap > c {
		if c < 16 {
			c = 16
		}
		for minCap > c {
			c <<= 1
		}
		old := buf
		buf = make([]byte, len(old), c)
		copy(buf, old)
	}
	return buf
}

func grow(buf []byte, n int) (int, []byte) {
	off := len(buf)
	newLen := off + n
	buf = ensureCapacity(buf, newLen)
	return off, buf[:newLen]
}

func appendRaw(buf []byte, chunk []byte) []byte {
	n := len(chunk)
	off, buf := grow(buf, n)
	copy(buf[off:], chunk)
	return buf
}

type bytesBuilder struct {
	Buf []byte
}

var _ io.Writer = (*bytesBuilder)(nil)

func (bb *bytesBuilder) Write(b []byte) (int, error) {
	bb.Buf = appendRaw(bb.Buf, b)
	return len(b), nil
}

func (bb *bytesBuilder) WriteByte(v byte) error {
	off, buf := grow(bb.Buf, 1)
	buf[off] = v
	bb.Buf = buf
	return nil
}
