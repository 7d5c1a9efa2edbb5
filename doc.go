/*
Package kvdao implements typed data access with secondary indexes on top of
an embedded ordered key-value store (Bolt by default; pebble, badger and an
in-memory btree are available too).

We implement:

1. Entities, typed records stored under encoded primary keys in a primary
partition.

2. Indexes, kept in sync with every write, allowing lookups and range scans
by derived values. An entity may contribute zero, one or many values to an
index.

3. Queries, at most one index predicate plus an optional primary-key range,
with a limit and a direction, evaluated lazily by a cursor.

4. Sessions, the unit of work: either autocommit or bound to a transaction.

# Technical Details

**Partitions.**
Each entity and each index lives in its own named partition. Bolt supports
them natively as buckets. Flat engines (pebble, badger) simulate them via key
prefixes: partition p stores key k as p ++ 0x00 ++ k.

**Index entries.**
An index entry is a key with an empty value:

	indexedValue ++ 0x00 ++ primaryKey

Indexed values never contain 0x00, so the first 0x00 splits the key. The
built-in value encoders (StringValue, Uint64Value, ...) escape 0x00 as
01 01 and 0x01 as 01 02, which preserves byte order.

**Writes.**
Every write reads the old record through the same session, computes the set
difference of old and new index values, and puts the record plus all index
changes into a single batch applied atomically.

**Stale entries.**
Index scans fetch the primary record for every matching entry. Entries whose
record is gone are skipped and counted, never returned.

## Binary encoding

**Keys** are encoded by a KeyCodec. Codecs used with key ranges must preserve
order: Uint64Key and Int64Key use 8 big-endian bytes (with the sign bit flipped
for signed keys), StringKey uses UTF-8 bytes.

**Values** are encoded by a ValueCodec, MsgPack by default (with sorted map
keys), JSON as an alternative.
*/
package kvdao
