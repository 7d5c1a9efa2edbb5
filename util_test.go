package kvdao

import (
	"errors"
	"strings"
	"testing"
)

func TestHexstr(t *testing.T) {
	deepEqual(t, hexstr(nil), "<nil>")
	deepEqual(t, hexstr([]byte{}), "<empty>")
	deepEqual(t, hexstr([]byte{0xAB, 0x01}), "ab01")
	deepEqual(t, hexAttr("key", []byte{1}).Value.String(), "01")
}

func TestLoggableKey(t *testing.T) {
	tests := []struct {
		key []byte
		e   string
	}{
		{[]byte("alice"), "alice"},
		{[]byte("héllo"), "héllo"},
		{Uint64Key().EncodeKey(1), "0000000000000001"},
		{[]byte("a\tb"), "610962"},
		{x("ff"), "ff"},
		{nil, "<nil>"},
		{[]byte{}, "<empty>"},
	}
	for _, tt := range tests {
		if a := loggableKey(tt.key); a != tt.e {
			t.Errorf("loggableKey(%x) = %q, wanted %q", tt.key, a, tt.e)
		}
	}
}

func TestSafelyCall(t *testing.T) {
	boom := errors.New("boom")
	err := safelyCall(func(n int) error {
		if n == 1 {
			return boom
		}
		return nil
	}, 1)
	isErr(t, err, boom)

	err = safelyCall(func(string) error { panic("kaboom") }, "x")
	if err == nil || !strings.HasPrefix(err.Error(), "panic: kaboom") {
		t.Fatalf("safelyCall err = %v, wanted panic", err)
	}
	if !strings.Contains(err.Error(), "goroutine") {
		t.Errorf("safelyCall err lacks the stack trace: %v", err)
	}
}

func TestLoggableValue(t *testing.T) {
	deepEqual(t, loggableValue(nil), "<none>")
	deepEqual(t, loggableValue(&Post{Author: "a", Title: "t"}), `{"author":"a","title":"t"}`)
	if a := loggableValue(func() {}); !strings.HasPrefix(a, "<json:") {
		t.Errorf("loggableValue(func) = %q", a)
	}
}
