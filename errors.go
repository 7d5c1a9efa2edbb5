package kvdao

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnknownPartition is returned when a partition referenced by an entity,
	// an index or a raw call does not exist in the engine.
	ErrUnknownPartition = errors.New("unknown partition")

	// ErrUnknownIndex is returned when a query references an index that is not
	// defined for the entity being scanned.
	ErrUnknownIndex = errors.New("unknown index")

	// ErrMultiplePredicates is returned when a query carries more than one
	// index predicate. Scans are driven by at most one index.
	ErrMultiplePredicates = errors.New("at most one index predicate is supported per query")

	ErrTxClosed    = errors.New("transaction already closed")
	ErrReadOnly    = errors.New("session is read-only")
	ErrUnsupported = errors.New("not supported by this engine")

	// ErrInvalidIndexValue is returned when an index extractor produces a value
	// containing the 0x00 separator byte.
	ErrInvalidIndexValue = errors.New("indexed value contains the separator byte")

	// ErrEmptyKey is returned for primary keys that encode to no bytes.
	ErrEmptyKey = errors.New("empty primary key")

	// ErrUniqueViolation is returned by writes that would give a unique index
	// value to a second live record.
	ErrUniqueViolation = errors.New("unique index violation")
)

// DataError reports bytes that could not be decoded.
type DataError struct {
	Data []byte
	Off  int
	Err  error
	Msg  string
}

func dataErrf(data []byte, off int, err error, format string, args ...any) error {
	return &DataError{data, off, err, fmt.Sprintf(format, args...)}
}

func (e *DataError) Unwrap() error {
	return e.Err
}

func (e *DataError) Error() string {
	const prefixLen = 64
	const suffixLen = 32
	n := len(e.Data)
	if n <= prefixLen+suffixLen {
		if e.Err != nil {
			return fmt.Sprintf("%s: %v: (%d) %x", e.Msg, e.Err, n, e.Data)
		} else {
			return fmt.Sprintf("%s: (%d) %x", e.Msg, n, e.Data)
		}
	} else {
		p, s := e.Data[:prefixLen], e.Data[n-suffixLen:]
		if e.Err != nil {
			return fmt.Sprintf("%s: %v: (%d) %x...%x", e.Msg, e.Err, n, p, s)
		} else {
			return fmt.Sprintf("%s: (%d) %x...%x", e.Msg, n, p, s)
		}
	}
}

// PartitionError attaches partition, index and key context to an error.
type PartitionError struct {
	Partition string
	Index     string
	Key       []byte
	Msg       string
	Err       error
}

func partitionErrf(partition, index string, key []byte, err error, format string, args ...any) error {
	return &PartitionError{partition, index, key, fmt.Sprintf(format, args...), err}
}

func (e *PartitionError) Unwrap() error {
	return e.Err
}

func (e *PartitionError) Error() string {
	var buf strings.Builder
	buf.WriteString(e.Partition)
	if e.Index != "" {
		buf.WriteByte('.')
		buf.WriteString(e.Index)
	}
	if e.Key != nil {
		buf.WriteByte('/')
		buf.WriteString(loggableKey(e.Key))
	}
	if e.Msg != "" {
		buf.WriteString(": ")
		buf.WriteString(e.Msg)
		if e.Err != nil {
			buf.WriteString(": ")
			buf.WriteString(e.Err.Error())
		}
	} else if e.Err != nil {
		buf.WriteString(": ")
		buf.WriteString(e.Err.Error())
	}
	return buf.String()
}

// EngineError is a failure reported by the underlying key-value engine.
// It is always surfaced to the caller and never retried.
type EngineError struct {
	Op        string
	Partition string
	Key       []byte
	Err       error
}

func engineErr(op, partition string, key []byte, err error) error {
	if err == nil {
		return nil
	}
	var ee *EngineError
	if errors.As(err, &ee) {
		return err
	}
	return &EngineError{op, partition, cloneBytes(key), err}
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

func (e *EngineError) Error() string {
	if e.Partition == "" {
		return fmt.Sprintf("kvdao: %s: %v", e.Op, e.Err)
	}
	if e.Key == nil {
		return fmt.Sprintf("kvdao: %s %s: %v", e.Op, e.Partition, e.Err)
	}
	return fmt.Sprintf("kvdao: %s %s/%s: %v", e.Op, e.Partition, loggableKey(e.Key), e.Err)
}

func unknownPartition(name string) error {
	return fmt.Errorf("%w %q", ErrUnknownPartition, name)
}
