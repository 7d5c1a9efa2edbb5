package kvdao

import (
	"testing"
)

func TestIndexDef_Values(t *testing.T) {
	a := must(usersByTag.Values(&User{Tags: []string{"b", "a", "b", "c"}}))
	deepEqual(t, a, [][]byte{[]byte("a"), []byte("b"), []byte("c")})

	isempty(t, must(usersByTag.Values(&User{})))
	isempty(t, must(usersByTag.Values(nil)))
	isempty(t, must(usersByName.Values(&User{})))
	deepEqual(t, must(usersByName.Values(&User{Name: "x"})), [][]byte{[]byte("x")})
	deepEqual(t, must(usersByAge.Values(&User{})), [][]byte{Int64Value(0)})

	raw := RawIndex("raw", "things.raw", func(p *Post) [][]byte {
		return [][]byte{nil, []byte(p.Title), []byte(p.Author)}
	})
	deepEqual(t, must(raw.Values(&Post{Title: "t", Author: "t"})), [][]byte{[]byte("t")})

	_, err := raw.Values(&Post{Title: "a\x00b"})
	isErr(t, err, ErrInvalidIndexValue)
}

func TestIndexDef_Accessors(t *testing.T) {
	deepEqual(t, usersByEmail.Name(), "email")
	deepEqual(t, usersByEmail.Partition(), "users.email")
	deepEqual(t, usersByEmail.IsUnique(), true)
	deepEqual(t, usersByName.IsUnique(), false)
	deepEqual(t, postsByAuthor.debugScans, true)
}

func TestIndexDef_InvalidDefinitionPanics(t *testing.T) {
	extract := func(p *Post) (string, bool) { return p.Title, true }
	assertPanics(t, func() { Index("", "x", StringValue, extract) })
	assertPanics(t, func() { Index("x", "", StringValue, extract) })
	assertPanics(t, func() { Index("x", "x", StringValue, extract, IndexOpt(42)) })
	assertPanics(t, func() { Index("x", "x", StringValue, extract, "bogus") })
}

func TestIndexDef_FrozenOnceRegistered(t *testing.T) {
	extract := func(p *Post) (string, bool) { return p.Title, true }
	byTitle := Index("title", "notes.title", StringValue, extract).Unique()
	byAuthor := Index("author", "notes.author", StringValue, extract)
	scm := NewSchema()
	notes := DefineEntity(scm, "Notes", "notes", StringKey(), MsgPack[Post](), byTitle, byAuthor)

	assertPanics(t, func() { byAuthor.Unique() })
	deepEqual(t, byAuthor.IsUnique(), false)
	deepEqual(t, notes.Info().Indexes, []IndexInfo{
		{Name: "title", Partition: "notes.title", Unique: true},
		{Name: "author", Partition: "notes.author", Unique: false},
	})

	assertPanics(t, func() {
		DefineEntity(NewSchema(), "Other", "other", StringKey(), MsgPack[Post](), byAuthor)
	})
}

func TestIndexMaintainer_ComputeDelta(t *testing.T) {
	m := usersEntity.Maintainer()
	pk := Uint64Key().EncodeKey(7)
	entry := func(v string) []byte { return IndexEntryKey(StringValue(v), pk) }

	old := &User{Name: "foo", Tags: []string{"a", "b"}}
	next := &User{Name: "bar", Tags: []string{"c", "b"}}
	d := must(m.ComputeDelta(old, next, pk))
	deepEqual(t, d.Ops, []BatchOp{
		{OpDelete, "users.name", entry("foo"), nil},
		{OpPut, "users.name", entry("bar"), []byte{}},
		{OpDelete, "users.tag", entry("a"), nil},
		{OpPut, "users.tag", entry("c"), []byte{}},
	})

	d = must(m.ComputeDelta(old, &User{Name: "foo", Tags: []string{"b", "a", "a"}}, pk))
	deepEqual(t, d.IsEmpty(), true)

	d = must(m.ComputeDelta(nil, &User{Email: "e", Age: 3}, pk))
	deepEqual(t, d.Ops, []BatchOp{
		{OpPut, "users.email", entry("e"), []byte{}},
		{OpPut, "users.age", IndexEntryKey(Int64Value(3), pk), []byte{}},
	})

	d = must(m.ComputeDeleteAll(old, pk))
	deepEqual(t, d.Ops, []BatchOp{
		{OpDelete, "users.name", entry("foo"), nil},
		{OpDelete, "users.age", IndexEntryKey(Int64Value(0), pk), nil},
		{OpDelete, "users.tag", entry("a"), nil},
		{OpDelete, "users.tag", entry("b"), nil},
	})

	b := NewWriteBatch()
	b.Put("users", pk, []byte("v"))
	d.AppendTo(b)
	deepEqual(t, b.Len(), 5)
	deepEqual(t, b.Ops()[1].Op, OpDelete)
}

func TestDiffSorted(t *testing.T) {
	bs := func(ss ...string) [][]byte {
		var out [][]byte
		for _, s := range ss {
			out = append(out, []byte(s))
		}
		return out
	}
	removed, added := diffSorted(bs("a", "c", "e"), bs("b", "c", "d", "f"))
	deepEqual(t, removed, bs("a", "e"))
	deepEqual(t, added, bs("b", "d", "f"))

	removed, added = diffSorted(nil, bs("a"))
	isempty(t, removed)
	deepEqual(t, added, bs("a"))

	removed, added = diffSorted(bs("a"), bs("a"))
	isempty(t, removed)
	isempty(t, added)
}

func TestWriteBatch(t *testing.T) {
	b := NewWriteBatch()
	deepEqual(t, b.IsEmpty(), true)

	b.Put("p", []byte("k1"), nil)
	b.Put("q", []byte("k2"), []byte("val"))
	b.Delete("p", []byte("k1"))
	deepEqual(t, b.Len(), 3)
	deepEqual(t, b.partitions(), []string{"p", "q"})

	ops := b.Ops()
	deepEqual(t, ops[0].Value, []byte{})
	ops[0].Partition = "changed"
	deepEqual(t, b.Ops()[0].Partition, "p")

	deepEqual(t, b.String(), "put p/k1 (0 bytes); put q/k2 (3 bytes); delete p/k1")

	b.Reset()
	deepEqual(t, b.IsEmpty(), true)
	deepEqual(t, b.String(), "")

	deepEqual(t, OpNone.String(), "none")
	deepEqual(t, Op(9).String(), "invalid op 9")
}
