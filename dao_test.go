package kvdao

import (
	"errors"
	"strings"
	"testing"
)

func TestDaoScan(t *testing.T) {
	u1 := &User{Name: "foo", Email: "foo@example.com", Age: 30}
	u2 := &User{Name: "bubble", Email: "bubble@example.com", Age: -5}
	u3 := &User{Name: "bar", Email: "bar@example.com", Age: 0}
	u4 := &User{Name: "bar", Email: "bar2@example.com", Age: 7}
	u5 := &User{Name: "bar", Email: "bar3@example.com", Age: 100}

	eachEngine(t, func(t *testing.T, db *DB) {
		users := usersDao(t, db)
		putUsers(t, users, db.Autocommit(), map[uint64]*User{1: u1, 2: u2, 3: u3, 4: u4, 5: u5})

		ok(t, db.Read(func(s Session) error {
			o := func(name string, q Query[uint64], exp ...uint64) {
				t.Helper()
				keys := scanKeys(t, users, s, q)
				if len(exp) == 0 {
					if len(keys) != 0 {
						t.Errorf("** %s: got %v, wanted none", name, keys)
					}
				} else if !equalKeys(keys, exp) {
					t.Errorf("** %s: got %v, wanted %v", name, keys, exp)
				}
			}
			var q Query[uint64]
			name := func(from string, fromInc bool, to string, toInc bool) Query[uint64] {
				return q.Where(IndexRange("name", optValue(from), fromInc, optValue(to), toInc))
			}

			o("primary", q, 1, 2, 3, 4, 5)
			o("primary reversed", q.Reversed(), 5, 4, 3, 2, 1)
			o("primary II", q.InRange(RangeII[uint64](2, 4)), 2, 3, 4)
			o("primary IE", q.InRange(RangeIE[uint64](2, 4)), 2, 3)
			o("primary EI", q.InRange(RangeEI[uint64](2, 4)), 3, 4)
			o("primary EE reversed", q.InRange(RangeEE[uint64](1, 5)).Reversed(), 4, 3, 2)
			o("primary past end", q.InRange(RangeII[uint64](2, 8)), 2, 3, 4, 5)
			o("primary IO", q.InRange(RangeIO[uint64](2)), 2, 3, 4, 5)
			o("primary OE", q.InRange(RangeOE[uint64](4)), 1, 2, 3)
			o("primary OI reversed", q.InRange(RangeOI[uint64](4)).Reversed(), 4, 3, 2, 1)
			o("primary empty range", q.InRange(RangeEE[uint64](2, 3)))
			o("primary limit", q.WithLimit(2), 1, 2)
			o("primary limit reversed", q.WithLimit(2).Reversed(), 5, 4)

			o("name full", name("", false, "", false), 3, 4, 5, 2, 1)
			o("name full reversed", name("", false, "", false).Reversed(), 1, 2, 5, 4, 3)

			o("eq bar", q.Where(Eq("name", StringValue("bar"))), 3, 4, 5)
			o("eq bar reversed", q.Where(Eq("name", StringValue("bar"))).Reversed(), 5, 4, 3)
			o("eq foo", q.Where(Eq("name", StringValue("foo"))), 1)
			o("eq bubble", q.Where(Eq("name", StringValue("bubble"))), 2)
			o("eq ba", q.Where(Eq("name", StringValue("ba"))))
			o("eq bubbl", q.Where(Eq("name", StringValue("bubbl"))))
			o("eq xxx", q.Where(Eq("name", StringValue("xxx"))))
			o("eq a", q.Where(Eq("name", StringValue("a"))))
			o("eq empty", q.Where(Eq("name", StringValue(""))))
			o("eq limit", q.Where(Eq("name", StringValue("bar"))).WithLimit(2), 3, 4)
			o("eq unique", q.Where(Eq("email", StringValue("bar2@example.com"))), 4)
			o("eq unique reversed", q.Where(Eq("email", StringValue("bar2@example.com"))).Reversed(), 4)

			o("eq + pk IE", q.Where(Eq("name", StringValue("bar"))).InRange(RangeIE[uint64](4, 5)), 4)
			o("eq + pk OI", q.Where(Eq("name", StringValue("bar"))).InRange(RangeOI[uint64](4)), 3, 4)
			o("eq + pk EO reversed", q.Where(Eq("name", StringValue("bar"))).InRange(RangeEO[uint64](3)).Reversed(), 5, 4)
			o("eq + pk outside", q.Where(Eq("name", StringValue("bar"))).InRange(RangeIO[uint64](6)))

			o("range ba..bo", name("ba", true, "bo", true), 3, 4, 5)
			o("range bar..bar", name("bar", true, "bar", true), 3, 4, 5)
			o("range foo..foo", name("foo", true, "foo", true), 1)
			o("range bubble..bubble", name("bubble", true, "bubble", true), 2)
			o("range bubbl..bubbl", name("bubbl", true, "bubbl", true))
			o("range a..a", name("a", true, "a", true))
			o("range b..b", name("b", true, "b", true))
			o("range b..bz", name("b", true, "bz", true), 3, 4, 5, 2)
			o("range ba..zo", name("ba", true, "zo", true), 3, 4, 5, 2, 1)
			o("range ba..bubble", name("ba", true, "bubble", true), 3, 4, 5, 2)
			o("range ba..bubble reversed", name("ba", true, "bubble", true).Reversed(), 2, 5, 4, 3)
			o("range ba..bubble)", name("ba", true, "bubble", false), 3, 4, 5)
			o("range (bar..bubble", name("bar", false, "bubble", true), 2)
			o("range (bar..bubble reversed", name("bar", false, "bubble", true).Reversed(), 2)
			o("range ..bubble reversed", name("", false, "bubble", true).Reversed(), 2, 5, 4, 3)
			o("range ..bubble) reversed", name("", false, "bubble", false).Reversed(), 5, 4, 3)
			o("range bar.. limit", name("bar", true, "", false).WithLimit(4), 3, 4, 5, 2)
			o("range + pk", name("ba", true, "zo", true).InRange(RangeII[uint64](2, 4)), 3, 4, 2)
			o("range + pk reversed", name("ba", true, "zo", true).InRange(RangeII[uint64](2, 4)).Reversed(), 2, 4, 3)

			age := func(from int64, to int64) Query[uint64] {
				return q.Where(IndexRange("age", Int64Value(from), true, Int64Value(to), false))
			}
			o("age [0, 30)", age(0, 30), 3, 4)
			o("age [-10, 0)", age(-10, 0), 2)
			o("age [-10, 1000)", age(-10, 1000), 2, 3, 4, 1, 5)
			o("age [-10, 1000) reversed", age(-10, 1000).Reversed(), 5, 1, 4, 3, 2)
			o("age = 100", q.Where(Eq("age", Int64Value(100))), 5)
			return nil
		}))
	})
}

func TestDaoScan_SparseEntityNotInIndex(t *testing.T) {
	eachEngine(t, func(t *testing.T, db *DB) {
		users := usersDao(t, db)
		putUsers(t, users, db.Autocommit(), map[uint64]*User{
			1: {Name: "foo", Email: "foo@example.com"},
			2: {Age: 2000},
			3: {Name: "bar", Email: "bar@example.com"},
		})

		ok(t, db.Read(func(s Session) error {
			var q Query[uint64]
			all := q.Where(IndexRange("name", nil, false, nil, false))
			within := q.Where(IndexRange("name", StringValue("a"), true, StringValue("z"), true))

			deepEqual(t, scanKeys(t, users, s, q), []uint64{1, 2, 3})
			deepEqual(t, scanKeys(t, users, s, all), []uint64{3, 1})
			deepEqual(t, scanKeys(t, users, s, all.Reversed()), []uint64{1, 3})
			deepEqual(t, scanKeys(t, users, s, within.InRange(RangeII[uint64](1, 3))), []uint64{3, 1})
			deepEqual(t, scanKeys(t, users, s, within.InRange(RangeII[uint64](1, 3)).Reversed()), []uint64{1, 3})
			isempty(t, scanKeys(t, users, s, all.InRange(RangeII[uint64](2, 2))))
			isempty(t, scanKeys(t, users, s, all.InRange(RangeII[uint64](2, 2)).Reversed()))
			isempty(t, scanKeys(t, users, s, q.Where(Eq("name", StringValue("")))))
			isempty(t, scanKeys(t, users, s, q.Where(Eq("email", StringValue(""))).InRange(RangeII[uint64](2, 2))))
			deepEqual(t, scanKeys(t, users, s, q.Where(Eq("age", Int64Value(2000)))), []uint64{2})
			return nil
		}))
	})
}

func optValue(s string) []byte {
	if s == "" {
		return nil
	}
	return StringValue(s)
}

func equalKeys[K comparable](a, b []K) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestDaoScan_Config(t *testing.T) {
	db := setup(t, basicSchema)
	users := usersDao(t, db)
	auto := db.Autocommit()

	_, err := users.Scan(auto, Query[uint64]{}.Where(Eq("nope", StringValue("x"))))
	isErr(t, err, ErrUnknownIndex)

	_, err = users.Scan(auto, Query[uint64]{}.Where(Eq("name", StringValue("x"))).Where(Eq("email", StringValue("y"))))
	isErr(t, err, ErrMultiplePredicates)

	_, err = users.Scan(auto, Query[uint64]{}.Where(Eq("name", []byte("a\x00b"))))
	isErr(t, err, ErrInvalidIndexValue)

	deepEqual(t, db.Stats().Scans, uint64(0))
	deepEqual(t, db.Stats().OpenIterators, int64(0))
}

func TestDaoCRUD(t *testing.T) {
	eachEngine(t, func(t *testing.T, db *DB) {
		users := usersDao(t, db)
		auto := db.Autocommit()

		u1 := &User{Name: "foo", Email: "foo@example.com", Tags: []string{"go", "db"}}
		ok(t, users.Upsert(auto, 1, u1))
		deepEqual(t, must(users.Get(auto, 1)), u1)
		deepEqual(t, must(users.ContainsKey(auto, 1)), true)
		deepEqual(t, must(users.ContainsKey(auto, 2)), false)

		ok(t, users.PutAll(auto, []Entry[uint64, User]{
			{2, &User{Name: "bar", Tags: []string{"go"}}},
			{3, &User{Name: "boo", Tags: []string{"db", "db"}}},
		}))
		entries := must(users.GetAll(auto, []uint64{3, 42, 1}))
		deepEqual(t, len(entries), 2)
		deepEqual(t, entries[0].Key, uint64(3))
		deepEqual(t, entries[1].Key, uint64(1))
		deepEqual(t, entries[1].Value, u1)

		deepEqual(t, scanKeys(t, users, auto, Query[uint64]{}.Where(Eq("tag", StringValue("go")))), []uint64{1, 2})
		deepEqual(t, scanKeys(t, users, auto, Query[uint64]{}.Where(Eq("tag", StringValue("db")))), []uint64{1, 3})

		writes := db.Stats().Writes
		deleted := must(users.Delete(auto, 42))
		deepEqual(t, deleted, false)
		deepEqual(t, db.Stats().Writes, writes)

		deleted = must(users.Delete(auto, 1))
		deepEqual(t, deleted, true)
		isnil(t, must(users.Get(auto, 1)))
		deepEqual(t, scanKeys(t, users, auto, Query[uint64]{}.Where(Eq("tag", StringValue("go")))), []uint64{2})
		isempty(t, scanKeys(t, users, auto, Query[uint64]{}.Where(Eq("email", StringValue("foo@example.com")))))

		deepEqual(t, db.Stats().OpenIterators, int64(0))
	})
}

func TestDaoUpsert_UpdatesIndexValue(t *testing.T) {
	eachEngine(t, func(t *testing.T, db *DB) {
		users := usersDao(t, db)
		byName := func(s Session, name string) []uint64 {
			return scanKeys(t, users, s, Query[uint64]{}.Where(Eq("name", StringValue(name))))
		}

		ok(t, db.Tx(TxOptions{}, func(s *TxSession) error {
			u1 := &User{Name: "foo", Email: "foo@example.com"}
			ok(t, users.Upsert(s, 1, u1))
			deepEqual(t, byName(s, "foo"), []uint64{1})
			isempty(t, byName(s, "bar"))

			u1.Name = "bar"
			ok(t, users.Upsert(s, 1, u1))
			deepEqual(t, byName(s, "bar"), []uint64{1})
			isempty(t, byName(s, "foo"))

			u1.Name = ""
			ok(t, users.Upsert(s, 1, u1))
			isempty(t, byName(s, "bar"))
			return nil
		}))

		stats := must(db.EntityStats(usersEntity.Info()))
		deepEqual(t, stats.Rows, 1)
		deepEqual(t, stats.IndexRows, 2) // email + age
	})
}

func TestDaoUpsert_NoIndexOpsForUnchangedValues(t *testing.T) {
	db := setupEngine(t, EngineMemory, basicSchema)
	users := usersDao(t, db)
	auto := db.Autocommit()

	u := &User{Name: "foo", Email: "foo@example.com"}
	ok(t, users.Upsert(auto, 1, u))
	ops := db.Stats().WrittenOps
	deepEqual(t, ops, uint64(4)) // primary + email + name + age

	ok(t, users.Upsert(auto, 1, u))
	deepEqual(t, db.Stats().WrittenOps-ops, uint64(1))
}

func TestDaoUnique(t *testing.T) {
	eachEngine(t, func(t *testing.T, db *DB) {
		users := usersDao(t, db)
		auto := db.Autocommit()

		ok(t, users.Upsert(auto, 1, &User{Email: "foo@example.com"}))
		ok(t, users.Upsert(auto, 1, &User{Email: "foo@example.com", Name: "same owner"}))

		err := users.Upsert(auto, 2, &User{Email: "foo@example.com"})
		isErr(t, err, ErrUniqueViolation)
		if !strings.Contains(err.Error(), "already used by") {
			t.Errorf("** err = %v", err)
		}
		isnil(t, must(users.Get(auto, 2)))

		err = users.PutAll(auto, []Entry[uint64, User]{
			{3, &User{Email: "x@example.com"}},
			{4, &User{Email: "x@example.com"}},
		})
		isErr(t, err, ErrUniqueViolation)
		isnil(t, must(users.Get(auto, 3)))

		// the first entry frees the value the second one takes
		ok(t, users.PutAll(auto, []Entry[uint64, User]{
			{1, &User{Email: "new@example.com"}},
			{5, &User{Email: "foo@example.com"}},
		}))
		deepEqual(t, scanKeys(t, users, auto, Query[uint64]{}.Where(Eq("email", StringValue("foo@example.com")))), []uint64{5})

		must(users.Delete(auto, 5))
		ok(t, users.Upsert(auto, 6, &User{Email: "foo@example.com"}))

		// stale entries don't own values
		b := NewWriteBatch()
		b.Put("users.email", IndexEntryKey(StringValue("ghost@example.com"), Uint64Key().EncodeKey(99)), nil)
		ok(t, auto.Write(b))
		ok(t, users.Upsert(auto, 7, &User{Email: "ghost@example.com"}))
	})
}

func TestDaoPutAll_DuplicateKeys(t *testing.T) {
	eachEngine(t, func(t *testing.T, db *DB) {
		users := usersDao(t, db)
		auto := db.Autocommit()

		ok(t, users.Upsert(auto, 1, &User{Name: "orig"}))
		ok(t, users.PutAll(auto, []Entry[uint64, User]{
			{1, &User{Name: "A"}},
			{1, &User{Name: "B"}},
		}))
		deepEqual(t, must(users.Get(auto, 1)), &User{Name: "B"})
		deepEqual(t, indexKeys(t, auto, "users.name"), []string{"B => 0000000000000001"})

		report := must(users.CheckIndex(auto, "name"))
		deepEqual(t, report.OK(), true)
	})
}

func indexKeys(t testing.TB, s Session, partition string) []string {
	t.Helper()
	it := must(s.OpenIterator(partition))
	defer it.Close()
	var out []string
	for k, _ := it.First(); k != nil; k, _ = it.Next() {
		out = append(out, DescribeIndexKey(k))
	}
	ok(t, it.Err())
	return out
}

func TestDaoScan_SkipsStaleEntries(t *testing.T) {
	eachEngine(t, func(t *testing.T, db *DB) {
		users := usersDao(t, db)
		auto := db.Autocommit()
		putUsers(t, users, auto, map[uint64]*User{
			3: {Name: "bar"},
			5: {Name: "bar"},
		})

		b := NewWriteBatch()
		b.Put("users.name", IndexEntryKey(StringValue("bar"), Uint64Key().EncodeKey(4)), nil)
		b.Put("users.name", IndexEntryKey(StringValue("bar"), Uint64Key().EncodeKey(9)), nil)
		ok(t, auto.Write(b))

		c := must(users.Scan(auto, Query[uint64]{}.Where(Eq("name", StringValue("bar")))))
		entries := must(Collect(c))
		deepEqual(t, len(entries), 2)
		deepEqual(t, entries[0].Key, uint64(3))
		deepEqual(t, entries[1].Key, uint64(5))
		deepEqual(t, c.Stale(), 2)
		deepEqual(t, db.Stats().StaleIndexEntries, uint64(2))
	})
}

func TestScanRaw_SkipsMalformedEntries(t *testing.T) {
	eachEngine(t, func(t *testing.T, db *DB) {
		users := usersDao(t, db)
		auto := db.Autocommit()
		ok(t, users.Upsert(auto, 1, &User{Name: "zz"}))

		b := NewWriteBatch()
		b.Put("users.name", []byte("zzz"), nil)
		b.Put("users.name", []byte("zz\x00"), nil)
		b.Put("users.name", []byte("a"), nil)
		ok(t, auto.Write(b))

		c := must(ScanRaw(auto, usersEntity.Info().Target(), RawQuery{
			Predicate: IndexRange("name", nil, false, nil, false),
		}))
		var keys []string
		for c.Next() {
			keys = append(keys, hexstr(c.Key()))
			deepEqual(t, DescribeIndexKey(c.IndexKey()), "zz => 0000000000000001")
		}
		ok(t, c.Err())
		deepEqual(t, keys, []string{"0000000000000001"})
		deepEqual(t, c.Malformed(), 3)
		ok(t, c.Close())
	})
}

func TestDaoScan_ReleasesIterators(t *testing.T) {
	eachEngine(t, func(t *testing.T, db *DB) {
		users := usersDao(t, db)
		auto := db.Autocommit()
		putUsers(t, users, auto, map[uint64]*User{1: {Name: "a"}, 2: {Name: "b"}, 3: {Name: "c"}})

		c := must(users.Scan(auto, Query[uint64]{}))
		deepEqual(t, db.Stats().OpenIterators, int64(1))
		for c.Next() {
		}
		deepEqual(t, db.Stats().OpenIterators, int64(0))
		ok(t, c.Close())

		c = must(users.Scan(auto, Query[uint64]{}))
		for range c.All() {
			break
		}
		deepEqual(t, db.Stats().OpenIterators, int64(0))

		c = must(users.Scan(auto, Query[uint64]{}.WithLimit(1)))
		deepEqual(t, c.Next(), true)
		deepEqual(t, c.Next(), false)
		deepEqual(t, db.Stats().OpenIterators, int64(0))

		c = must(users.Scan(auto, Query[uint64]{}))
		deepEqual(t, c.Next(), true)
		ok(t, c.Close())
		ok(t, c.Close())
		deepEqual(t, c.Next(), false)
		deepEqual(t, db.Stats().OpenIterators, int64(0))
	})
}

func TestDaoScan_DecodeFailureEndsScan(t *testing.T) {
	db := setupEngine(t, EngineMemory, basicSchema)
	users := usersDao(t, db)
	auto := db.Autocommit()
	ok(t, users.Upsert(auto, 1, &User{Name: "a"}))

	b := NewWriteBatch()
	b.Put("users", Uint64Key().EncodeKey(2), []byte{0xc1})
	ok(t, auto.Write(b))

	c := must(users.Scan(auto, Query[uint64]{}))
	entries, err := Collect(c)
	deepEqual(t, len(entries), 1)
	var de *DataError
	if err == nil || !errors.As(err, &de) {
		t.Fatalf("Collect err = %v, wanted a DataError", err)
	}
	deepEqual(t, db.Stats().OpenIterators, int64(0))

	_, err = users.Get(auto, 2)
	if err == nil || !strings.Contains(err.Error(), "users/0000000000000002") {
		t.Fatalf("Get err = %v, wanted partition and key context", err)
	}
}

func TestDaoScan_StringKeysAndJSON(t *testing.T) {
	eachEngine(t, func(t *testing.T, db *DB) {
		posts := must(NewDao(db, postsEntity))
		auto := db.Autocommit()
		ok(t, posts.PutAll(auto, []Entry[string, Post]{
			{"p1", &Post{Author: "ann", Title: "one"}},
			{"p2", &Post{Author: "bob", Title: "two"}},
			{"p3", &Post{Author: "ann", Title: "three"}},
		}))

		deepEqual(t, scanKeys(t, posts, auto, Query[string]{}.Where(Eq("author", StringValue("ann")))), []string{"p1", "p3"})
		deepEqual(t, scanKeys(t, posts, auto, Query[string]{}.InRange(RangeEO("p1"))), []string{"p2", "p3"})

		raw := must(auto.Get("posts", []byte("p2")))
		deepEqual(t, string(raw), `{"author":"bob","title":"two"}`)
	})
}

func TestDao_Validation(t *testing.T) {
	db := setup(t, basicSchema)
	posts := must(NewDao(db, postsEntity))
	auto := db.Autocommit()

	isErr(t, posts.Upsert(auto, "", &Post{}), ErrEmptyKey)
	_, err := posts.Get(auto, "")
	isErr(t, err, ErrEmptyKey)
	if err := posts.Upsert(auto, "p", nil); err == nil {
		t.Fatalf("Upsert(nil) succeeded")
	}

	// StringValue escapes the separator
	ok(t, posts.Upsert(auto, "p", &Post{Author: "a\x00b"}))
	deepEqual(t, scanKeys(t, posts, auto, Query[string]{}.Where(Eq("author", StringValue("a\x00b")))), []string{"p"})
	isempty(t, scanKeys(t, posts, auto, Query[string]{}.Where(Eq("author", StringValue("a")))))

	scm := NewSchema()
	titled := DefineEntity(scm, "Titled", "titled", StringKey(), MsgPack[Post](),
		RawIndex("title", "titled.title", func(p *Post) [][]byte { return [][]byte{[]byte(p.Title)} }))
	db2 := setupEngine(t, EngineMemory, scm)
	d := must(NewDao(db2, titled))
	isErr(t, d.Upsert(db2.Autocommit(), "p", &Post{Title: "a\x00b"}), ErrInvalidIndexValue)
	isnil(t, must(d.Get(db2.Autocommit(), "p")))
	ok(t, d.Upsert(db2.Autocommit(), "p", &Post{Title: "ab"}))
}
