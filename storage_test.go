package kvdao

import (
	"log"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestEngine(t *testing.T, kind EngineKind) Engine {
	t.Helper()
	opt := Options{IsTesting: true, Logf: log.Printf}
	var e Engine
	var err error
	switch kind {
	case EngineBolt:
		dir := t.TempDir()
		e, err = openBoltEngine(dir+string(os.PathSeparator)+"test.db", opt)
	case EngineMemory:
		e = NewMemoryEngine()
	case EnginePebble:
		opt.InMemory = true
		e, err = openPebbleEngine("db", opt)
	case EngineBadger:
		opt.InMemory = true
		e, err = openBadgerEngine("", opt)
	}
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, e.Close()) })
	return e
}

func eachTestEngine(t *testing.T, f func(t *testing.T, e Engine)) {
	for _, kind := range testEngines {
		t.Run(string(kind), func(t *testing.T) {
			f(t, openTestEngine(t, kind))
		})
	}
}

func collectKeys(it Iterator, reverse bool) []string {
	var keys []string
	var k []byte
	if reverse {
		k, _ = it.Last()
	} else {
		k, _ = it.First()
	}
	for k != nil {
		keys = append(keys, string(k))
		if reverse {
			k, _ = it.Prev()
		} else {
			k, _ = it.Next()
		}
	}
	return keys
}

func TestEngine_Partitions(t *testing.T) {
	eachTestEngine(t, func(t *testing.T, e Engine) {
		require.NoError(t, e.CreatePartition("b"))
		require.NoError(t, e.CreatePartition("a"))
		require.NoError(t, e.CreatePartition("a"))

		names, err := e.Partitions()
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b"}, names)

		found, err := e.HasPartition("a")
		require.NoError(t, err)
		assert.True(t, found)
		found, err = e.HasPartition("c")
		require.NoError(t, err)
		assert.False(t, found)

		_, err = e.Get("c", []byte("k"))
		assert.ErrorIs(t, err, ErrUnknownPartition)
		_, err = e.NewIterator("c")
		assert.ErrorIs(t, err, ErrUnknownPartition)

		b := NewWriteBatch()
		b.Put("a", []byte("k"), []byte("v"))
		b.Put("c", []byte("k"), []byte("v"))
		assert.ErrorIs(t, e.Write(b), ErrUnknownPartition)
		v, err := e.Get("a", []byte("k"))
		require.NoError(t, err)
		assert.Nil(t, v, "a failed batch must not apply partially")
	})
}

func TestEngine_GetWrite(t *testing.T) {
	eachTestEngine(t, func(t *testing.T, e Engine) {
		require.NoError(t, e.CreatePartition("a"))
		require.NoError(t, e.CreatePartition("b"))

		v, err := e.Get("a", []byte("k"))
		require.NoError(t, err)
		assert.Nil(t, v)

		b := NewWriteBatch()
		b.Put("a", []byte("k"), []byte("v1"))
		b.Put("a", []byte("empty"), nil)
		b.Put("b", []byte("k"), []byte("other"))
		b.Put("a", []byte("gone"), []byte("x"))
		b.Delete("a", []byte("gone"))
		b.Put("a", []byte("k"), []byte("v2"))
		require.NoError(t, e.Write(b))

		v, err = e.Get("a", []byte("k"))
		require.NoError(t, err)
		assert.Equal(t, []byte("v2"), v)

		v, err = e.Get("a", []byte("empty"))
		require.NoError(t, err)
		assert.NotNil(t, v)
		assert.Empty(t, v)

		v, err = e.Get("a", []byte("gone"))
		require.NoError(t, err)
		assert.Nil(t, v)

		v, err = e.Get("b", []byte("k"))
		require.NoError(t, err)
		assert.Equal(t, []byte("other"), v)

		ps, err := e.PartitionStats("a")
		require.NoError(t, err)
		assert.Equal(t, 2, ps.Keys)
	})
}

func TestEngine_Iterator(t *testing.T) {
	eachTestEngine(t, func(t *testing.T, e Engine) {
		require.NoError(t, e.CreatePartition("a"))
		require.NoError(t, e.CreatePartition("a2"))
		require.NoError(t, e.CreatePartition("b"))

		b := NewWriteBatch()
		for _, k := range []string{"k1", "k3", "k5"} {
			b.Put("a", []byte(k), []byte("v"+k))
		}
		b.Put("a2", []byte("k2"), []byte("a2"))
		b.Put("b", []byte("k0"), []byte("b"))
		require.NoError(t, e.Write(b))

		it, err := e.NewIterator("a")
		require.NoError(t, err)
		defer it.Close()

		assert.Equal(t, []string{"k1", "k3", "k5"}, collectKeys(it, false))
		assert.Equal(t, []string{"k5", "k3", "k1"}, collectKeys(it, true))

		k, v := it.Seek([]byte("k2"))
		assert.Equal(t, "k3", string(k))
		assert.Equal(t, "vk3", string(v))
		k, _ = it.Seek([]byte("k3"))
		assert.Equal(t, "k3", string(k))
		k, _ = it.Prev()
		assert.Equal(t, "k1", string(k))
		k, _ = it.Next()
		assert.Equal(t, "k3", string(k))
		k, _ = it.Next()
		assert.Equal(t, "k5", string(k))
		k, _ = it.Seek([]byte("k6"))
		assert.Nil(t, k)

		k, _ = it.SeekBefore([]byte("k3"))
		assert.Equal(t, "k1", string(k))
		k, _ = it.SeekBefore([]byte("k4"))
		assert.Equal(t, "k3", string(k))
		k, _ = it.Next()
		assert.Equal(t, "k5", string(k))
		k, _ = it.SeekBefore([]byte("zz"))
		assert.Equal(t, "k5", string(k))
		k, _ = it.SeekBefore([]byte("k1"))
		assert.Nil(t, k)

		k, _ = it.Last()
		assert.Equal(t, "k5", string(k))
		k, _ = it.Next()
		assert.Nil(t, k)
		k, _ = it.First()
		assert.Equal(t, "k1", string(k))
		k, _ = it.Prev()
		assert.Nil(t, k)

		assert.NoError(t, it.Err())
	})
}

func TestEngine_IteratorIsSnapshot(t *testing.T) {
	eachTestEngine(t, func(t *testing.T, e Engine) {
		require.NoError(t, e.CreatePartition("a"))
		b := NewWriteBatch()
		b.Put("a", []byte("k1"), []byte("v1"))
		require.NoError(t, e.Write(b))

		it, err := e.NewIterator("a")
		require.NoError(t, err)

		b = NewWriteBatch()
		b.Put("a", []byte("k2"), []byte("v2"))
		b.Delete("a", []byte("k1"))
		require.NoError(t, e.Write(b))

		assert.Equal(t, []string{"k1"}, collectKeys(it, false))
		require.NoError(t, it.Close())
	})
}

func TestEngine_Tx(t *testing.T) {
	eachTestEngine(t, func(t *testing.T, e Engine) {
		require.NoError(t, e.CreatePartition("a"))

		tx, err := e.Begin(TxOptions{})
		require.NoError(t, err)
		b := NewWriteBatch()
		b.Put("a", []byte("k1"), []byte("v1"))
		require.NoError(t, tx.Write(b))

		v, err := tx.Get("a", []byte("k1"))
		require.NoError(t, err)
		assert.Equal(t, []byte("v1"), v)

		it, err := tx.NewIterator("a")
		require.NoError(t, err)
		assert.Equal(t, []string{"k1"}, collectKeys(it, false))
		require.NoError(t, it.Close())

		require.NoError(t, tx.Commit())
		assert.NoError(t, tx.Rollback())

		v, err = e.Get("a", []byte("k1"))
		require.NoError(t, err)
		assert.Equal(t, []byte("v1"), v)

		tx, err = e.Begin(TxOptions{})
		require.NoError(t, err)
		b = NewWriteBatch()
		b.Put("a", []byte("k2"), []byte("v2"))
		require.NoError(t, tx.Write(b))
		require.NoError(t, tx.Rollback())

		v, err = e.Get("a", []byte("k2"))
		require.NoError(t, err)
		assert.Nil(t, v)

		tx, err = e.Begin(TxOptions{ReadOnly: true})
		require.NoError(t, err)
		assert.ErrorIs(t, tx.Write(b), ErrReadOnly)
		require.NoError(t, tx.Rollback())
	})
}
