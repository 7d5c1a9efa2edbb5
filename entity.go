package kvdao

import (
	"fmt"
)

// EntityDef describes an entity stored in a primary partition, with the
// codecs of its keys and values and its secondary indexes. It is immutable
// once defined and safe to share.
type EntityDef[K, V any] struct {
	name      string
	partition string
	keys      KeyCodec[K]
	values    ValueCodec[V]
	indexes   []*IndexDef[V]
	byName    map[string]*IndexDef[V]
	maint     *IndexMaintainer[V]
	info      EntityInfo
}

// DefineEntity adds an entity to the schema. Partitions must be unique across
// the schema, and index names unique within the entity.
func DefineEntity[K, V any](scm *Schema, name, partition string, keys KeyCodec[K], values ValueCodec[V], indexes ...*IndexDef[V]) *EntityDef[K, V] {
	if name == "" {
		panic("entity name is required")
	}
	if _, found := scm.EntityNamed(name); found {
		panic(fmt.Errorf("duplicate entity %s", name))
	}
	def := &EntityDef[K, V]{
		name:      name,
		partition: partition,
		keys:      keys,
		values:    values,
		indexes:   append([]*IndexDef[V](nil), indexes...),
		byName:    make(map[string]*IndexDef[V], len(indexes)),
	}
	def.info = EntityInfo{Name: name, Partition: partition}

	scm.claim(partition, name)
	for _, idx := range def.indexes {
		if def.byName[idx.name] != nil {
			panic(fmt.Errorf("%s: duplicate index %s", name, idx.name))
		}
		if idx.owner != "" {
			panic(fmt.Errorf("%s: index %s is already registered with %s", name, idx.name, idx.owner))
		}
		def.byName[idx.name] = idx
		scm.claim(idx.partition, name+"."+idx.name)
		def.info.Indexes = append(def.info.Indexes, IndexInfo{idx.name, idx.partition, idx.isUnique})
	}
	for _, idx := range def.indexes {
		idx.owner = name
	}
	def.maint = NewIndexMaintainer(def.indexes)
	scm.entities = append(scm.entities, def.info)
	return def
}

func (def *EntityDef[K, V]) Name() string            { return def.name }
func (def *EntityDef[K, V]) Partition() string       { return def.partition }
func (def *EntityDef[K, V]) Keys() KeyCodec[K]       { return def.keys }
func (def *EntityDef[K, V]) Values() ValueCodec[V]   { return def.values }
func (def *EntityDef[K, V]) Indexes() []*IndexDef[V] { return append([]*IndexDef[V](nil), def.indexes...) }
func (def *EntityDef[K, V]) Info() EntityInfo        { return def.info }
func (def *EntityDef[K, V]) Maintainer() *IndexMaintainer[V] {
	return def.maint
}

// IndexNamed returns the index with the given name, or nil.
func (def *EntityDef[K, V]) IndexNamed(name string) *IndexDef[V] {
	return def.byName[name]
}

func (def *EntityDef[K, V]) encodeKey(k K) ([]byte, error) {
	pk := def.keys.EncodeKey(k)
	if len(pk) == 0 {
		return nil, fmt.Errorf("%s: %w", def.name, ErrEmptyKey)
	}
	return pk, nil
}

func (def *EntityDef[K, V]) decodeValue(pk, raw []byte) (*V, error) {
	v, err := def.values.DecodeValue(raw)
	if err != nil {
		return nil, partitionErrf(def.partition, "", pk, err, "failed to decode value")
	}
	return v, nil
}
