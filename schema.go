package kvdao

import (
	"fmt"
	"strings"
)

// Schema lists the partitions of a database and the entities stored in them.
type Schema struct {
	partitions  []string
	partitionOf map[string]string
	entities    []EntityInfo
}

// EntityInfo describes an entity without its Go types.
type EntityInfo struct {
	Name      string
	Partition string
	Indexes   []IndexInfo
}

type IndexInfo struct {
	Name      string
	Partition string
	Unique    bool
}

// Target returns the partitions scanned for the entity.
func (ei EntityInfo) Target() ScanTarget {
	t := ScanTarget{Primary: ei.Partition, Indexes: make(map[string]string, len(ei.Indexes))}
	for _, ii := range ei.Indexes {
		t.Indexes[ii.Name] = ii.Partition
	}
	return t
}

func NewSchema() *Schema {
	return &Schema{
		partitionOf: make(map[string]string),
	}
}

// AddPartition declares a partition not owned by any entity.
func (scm *Schema) AddPartition(name string) {
	scm.claim(name, "")
}

func (scm *Schema) claim(name, owner string) {
	validatePartitionName(name)
	if prev, found := scm.partitionOf[name]; found {
		if owner == "" && prev == "" {
			return
		}
		panic(fmt.Errorf("partition %q is used by both %s and %s", name, describeOwner(prev), describeOwner(owner)))
	}
	scm.partitionOf[name] = owner
	scm.partitions = append(scm.partitions, name)
}

func describeOwner(owner string) string {
	if owner == "" {
		return "the schema"
	}
	return owner
}

func (scm *Schema) Partitions() []string {
	return append([]string(nil), scm.partitions...)
}

func (scm *Schema) Entities() []EntityInfo {
	return append([]EntityInfo(nil), scm.entities...)
}

func (scm *Schema) EntityNamed(name string) (EntityInfo, bool) {
	for _, ei := range scm.entities {
		if strings.EqualFold(ei.Name, name) {
			return ei, true
		}
	}
	return EntityInfo{}, false
}

func validatePartitionName(name string) {
	if name == "" {
		panic("partition name is required")
	}
	if strings.IndexByte(name, Separator) >= 0 {
		panic(fmt.Errorf("partition name %q must not contain a zero byte", name))
	}
}
