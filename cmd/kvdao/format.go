package main

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"unicode"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/andreyvit/kvdao"
)

var errUnknownKeyFormat = errors.New("unknown key format")

// parseKey encodes a command-line key the way the matching kvdao key codec
// would.
func parseKey(format, s string) ([]byte, error) {
	switch format {
	case "", "string":
		return kvdao.StringKey().EncodeKey(s), nil
	case "hex":
		return hex.DecodeString(s)
	case "uint64":
		if s == "" {
			return nil, nil
		}
		v, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return nil, err
		}
		return kvdao.Uint64Key().EncodeKey(v), nil
	case "int64":
		if s == "" {
			return nil, nil
		}
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, err
		}
		return kvdao.Int64Key().EncodeKey(v), nil
	case "uuid":
		if s == "" {
			return nil, nil
		}
		u, err := uuid.Parse(s)
		if err != nil {
			return nil, err
		}
		return kvdao.UUIDKey().EncodeKey(u), nil
	default:
		return nil, fmt.Errorf("%w %q", errUnknownKeyFormat, format)
	}
}

// formatKey renders a key in the given format, falling back to hex when the
// bytes don't decode.
func formatKey(format string, b []byte) string {
	switch format {
	case "", "string":
		if s, err := kvdao.StringKey().DecodeKey(b); err == nil && isPrintable(s) {
			return s
		}
	case "uint64":
		if v, err := kvdao.Uint64Key().DecodeKey(b); err == nil {
			return strconv.FormatUint(v, 10)
		}
	case "int64":
		if v, err := kvdao.Int64Key().DecodeKey(b); err == nil {
			return strconv.FormatInt(v, 10)
		}
	case "uuid":
		if u, err := kvdao.UUIDKey().DecodeKey(b); err == nil {
			return u.String()
		}
	}
	return hex.EncodeToString(b)
}

func isPrintable(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !unicode.IsPrint(r) {
			return false
		}
	}
	return true
}

type row struct {
	Key   string `json:"key" yaml:"key"`
	Value string `json:"value" yaml:"value"`
	Index string `json:"index,omitempty" yaml:"index,omitempty"`
}

func writeRows(w io.Writer, format string, rows []row) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(nonNil(rows))
	case "yaml":
		return writeYAML(w, nonNil(rows))
	default:
		for _, r := range rows {
			var err error
			if r.Index != "" {
				_, err = fmt.Fprintf(w, "%s\t%s => %s\n", r.Index, r.Key, r.Value)
			} else {
				_, err = fmt.Fprintf(w, "%s => %s\n", r.Key, r.Value)
			}
			if err != nil {
				return err
			}
		}
		return nil
	}
}

func writeYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

func writeValue(w io.Writer, format string, v any, text func(w io.Writer) error) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		return writeYAML(w, v)
	default:
		return text(w)
	}
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
