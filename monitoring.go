package kvdao

import (
	"encoding/json"
)

// Stats are cumulative counters since the database was opened, except for
// OpenIterators and OpenTxns which are current values.
type Stats struct {
	Reads             uint64
	Writes            uint64
	WrittenOps        uint64
	Scans             uint64
	StaleIndexEntries uint64
	OpenIterators     int64
	OpenTxns          int
}

func (db *DB) Stats() Stats {
	return Stats{
		Reads:             db.stats.reads.Load(),
		Writes:            db.stats.writes.Load(),
		WrittenOps:        db.stats.writtenOps.Load(),
		Scans:             db.stats.scans.Load(),
		StaleIndexEntries: db.stats.staleIndexEntries.Load(),
		OpenIterators:     db.stats.openIterators.Load(),
		OpenTxns:          db.openTxnCount(),
	}
}

type EntityStats struct {
	Rows      int
	IndexRows int

	DataSize   int64
	DataAlloc  int64
	IndexSize  int64
	IndexAlloc int64
}

func (es *EntityStats) TotalSize() int64 {
	return es.DataSize + es.IndexSize
}

func (es *EntityStats) TotalAlloc() int64 {
	return es.DataAlloc + es.IndexAlloc
}

// EntityStats sums the partition stats of an entity and its indexes.
func (db *DB) EntityStats(ei EntityInfo) (EntityStats, error) {
	ps, err := db.engine.PartitionStats(ei.Partition)
	if err != nil {
		return EntityStats{}, err
	}
	result := EntityStats{
		Rows:      ps.Keys,
		DataSize:  ps.Size,
		DataAlloc: ps.Alloc,
	}
	for _, ii := range ei.Indexes {
		ps, err = db.engine.PartitionStats(ii.Partition)
		if err != nil {
			return EntityStats{}, err
		}
		result.IndexRows += ps.Keys
		result.IndexSize += ps.Size
		result.IndexAlloc += ps.Alloc
	}
	return result, nil
}

func loggableValue(v any) string {
	if v == nil {
		return "<none>"
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "<" + err.Error() + ">"
	}
	return string(raw)
}
