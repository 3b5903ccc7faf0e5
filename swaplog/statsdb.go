package swaplog

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/iterator"

	"github.com/shellreserve/atomicswap/swap"
)

// IndexRecord is the small summary statsdb keeps per swap: enough to
// answer "is this swap still active" and "which coins does it touch"
// without opening its journal file.
type IndexRecord struct {
	UUID      uuid.UUID `json:"uuid"`
	Role      swap.Role `json:"role"`
	MakerCoin string    `json:"maker_coin"`
	TakerCoin string    `json:"taker_coin"`
	Finished  bool      `json:"finished"`
}

// Index is a LevelDB-backed secondary index over swap summaries, keyed
// by uuid bytes.
type Index struct {
	db *leveldb.DB
}

// OpenIndex opens (creating if absent) the LevelDB database at dir.
func OpenIndex(dir string) (*Index, error) {
	db, err := leveldb.OpenFile(dir, nil)
	if err != nil {
		return nil, fmt.Errorf("swaplog: open leveldb at %s: %w", dir, err)
	}
	return &Index{db: db}, nil
}

// Close releases the database handle.
func (idx *Index) Close() error {
	return idx.db.Close()
}

// Put upserts a swap's summary record.
func (idx *Index) Put(record IndexRecord) error {
	key := record.UUID[:]
	value, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal index record: %w", err)
	}
	if err := idx.db.Put(key, value, nil); err != nil {
		return fmt.Errorf("leveldb put: %w", err)
	}
	return nil
}

// Get looks up a single swap's summary record.
func (idx *Index) Get(id uuid.UUID) (IndexRecord, bool, error) {
	value, err := idx.db.Get(id[:], nil)
	if err == leveldb.ErrNotFound {
		return IndexRecord{}, false, nil
	}
	if err != nil {
		return IndexRecord{}, false, fmt.Errorf("leveldb get: %w", err)
	}
	var record IndexRecord
	if err := json.Unmarshal(value, &record); err != nil {
		return IndexRecord{}, false, fmt.Errorf("unmarshal index record: %w", err)
	}
	return record, true, nil
}

// All returns every indexed summary record.
func (idx *Index) All() ([]IndexRecord, error) {
	var iter iterator.Iterator = idx.db.NewIterator(nil, nil)
	defer iter.Release()

	var records []IndexRecord
	for iter.Next() {
		var record IndexRecord
		if err := json.Unmarshal(iter.Value(), &record); err != nil {
			return nil, fmt.Errorf("unmarshal index record: %w", err)
		}
		records = append(records, record)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("leveldb iterate: %w", err)
	}
	return records, nil
}
