package perfdata

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Record is one archived collection result for a single rank.
type Record struct {
	Stream  uint32
	Metric  Metric
	Context Context
	Rank    int32
	Values  []Datum
	At      time.Time
}

// Archive stores collected perf data in BadgerDB, keyed by stream, metric,
// context and collection time.
type Archive struct {
	db *badger.DB
}

// OpenArchive opens or creates an archive at path. An empty path keeps the
// archive in memory.
func OpenArchive(path string) (*Archive, error) {
	opts := badger.DefaultOptions(path)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	opts = opts.WithLogger(nil)
	opts.BlockCacheSize = 16 << 20
	opts.IndexCacheSize = 16 << 20

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open perfdata archive: %w", err)
	}
	return &Archive{db: db}, nil
}

func prefix(stream uint32, met Metric) []byte {
	return []byte(fmt.Sprintf("pd/%010d/%02d/", stream, met))
}

func recordKey(r *Record) []byte {
	return fmt.Appendf(prefix(r.Stream, r.Metric), "%02d/%020d/%+011d", r.Context, r.At.UnixNano(), r.Rank)
}

// Put archives one collection, one record per rank.
func (a *Archive) Put(ctx context.Context, stream uint32, met Metric, c Context, res Results, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return a.db.Update(func(txn *badger.Txn) error {
		for rank, vals := range res {
			r := Record{Stream: stream, Metric: met, Context: c, Rank: rank, Values: vals, At: at}
			var buf bytes.Buffer
			if err := gob.NewEncoder(&buf).Encode(r); err != nil {
				return fmt.Errorf("encode record: %w", err)
			}
			if err := txn.Set(recordKey(&r), buf.Bytes()); err != nil {
				return err
			}
		}
		return nil
	})
}

// Query returns the newest records for stream and metric, newest first. A
// non-positive limit returns everything.
func (a *Archive) Query(ctx context.Context, stream uint32, met Metric, limit int) ([]Record, error) {
	var out []Record
	err := a.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix(stream, met)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var r Record
			err := it.Item().Value(func(val []byte) error {
				return gob.NewDecoder(bytes.NewReader(val)).Decode(&r)
			})
			if err != nil {
				return err
			}
			out = append(out, r)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].At.Equal(out[j].At) {
			return out[i].At.After(out[j].At)
		}
		return out[i].Rank < out[j].Rank
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Len counts archived records.
func (a *Archive) Len() (int, error) {
	var n int
	err := a.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

func (a *Archive) Close() error {
	return a.db.Close()
}
