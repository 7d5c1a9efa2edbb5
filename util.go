package kvdao

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"runtime/debug"
	"unicode/utf8"
)

type hexBytes []byte

func (b hexBytes) String() string {
	return hex.EncodeToString(b)
}

func hexstr(b []byte) string {
	if b == nil {
		return "<nil>"
	}
	if len(b) == 0 {
		return "<empty>"
	}
	return hex.EncodeToString(b)
}

func hexAttr(key string, b []byte) slog.Attr {
	return slog.String(key, hexstr(b))
}

// loggableKey renders a key for verbose logs: printable UTF-8 keys as is,
// everything else as hex.
func loggableKey(b []byte) string {
	if len(b) > 0 && utf8.Valid(b) {
		for _, r := range string(b) {
			if r < 0x20 || r == utf8.RuneError {
				return hexstr(b)
			}
		}
		return string(b)
	}
	return hexstr(b)
}

type panicked struct {
	reason any
	stack  string
}

func (p panicked) Error() string {
	return fmt.Sprintf("panic: %v\n\n%s", p.reason, p.stack)
}

func safelyCall[T any](fn func(T) error, arg T) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = panicked{p, string(debug.Stack())}
		}
	}()
	return fn(arg)
}
