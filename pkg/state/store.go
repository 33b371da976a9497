package state

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/aidarkhanov/nanoid"
	"github.com/rotisserie/eris"
	bolt "go.etcd.io/bbolt"
)

// MaxRuns is the number of run records kept in the history bucket.
const MaxRuns = 50

var (
	stampsBucket  = []byte("stamps")
	historyBucket = []byte("history")
	metaBucket    = []byte("meta")
)

// Run describes a single invocation of an entry point.
type Run struct {
	ID       string        `json:"id"`
	Task     string        `json:"task"`
	Args     []string      `json:"args,omitempty"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Success  bool          `json:"success"`
	Error    string        `json:"error,omitempty"`
}

// Store persists download stamps, run history and small pieces of build metadata.
type Store struct {
	db *bolt.DB
}

type txCtxKey struct{}

// Open opens (or creates) the state database at path.
func Open(ctx context.Context, path string) (*Store, error) {
	err := os.MkdirAll(filepath.Dir(path), 0o770)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to create %s", filepath.Dir(path))
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, eris.Wrapf(err, "failed to open state database %s", path)
	}

	buckets := [][]byte{stampsBucket, historyBucket, metaBucket}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range buckets {
			_, err := tx.CreateBucketIfNotExists(bucket)
			if err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, eris.Wrap(err, "failed to initialize state database")
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}

	err := s.db.Close()
	s.db = nil
	return err
}

// Path returns the location of the database file.
func (s *Store) Path() string {
	return s.db.Path()
}

// CtxWithTx stores tx in ctx so nested calls reuse the same transaction.
func CtxWithTx(ctx context.Context, tx *bolt.Tx) context.Context {
	return context.WithValue(ctx, txCtxKey{}, tx)
}

func TxFromCtx(ctx context.Context) *bolt.Tx {
	val := ctx.Value(txCtxKey{})
	if val == nil {
		return nil
	}
	return val.(*bolt.Tx)
}

func (s *Store) update(ctx context.Context, fn func(*bolt.Tx) error) error {
	if tx := TxFromCtx(ctx); tx != nil && tx.Writable() {
		return fn(tx)
	}
	return s.db.Update(fn)
}

func (s *Store) view(ctx context.Context, fn func(*bolt.Tx) error) error {
	if tx := TxFromCtx(ctx); tx != nil {
		return fn(tx)
	}
	return s.db.View(fn)
}

// BatchUpdate runs callback in a write transaction. Concurrent callers are coalesced.
func (s *Store) BatchUpdate(ctx context.Context, callback func(context.Context) error) error {
	return s.db.Batch(func(tx *bolt.Tx) error {
		return callback(CtxWithTx(ctx, tx))
	})
}

// Stamp returns the stored stamp for name or an empty string.
func (s *Store) Stamp(ctx context.Context, name string) (string, error) {
	var stamp string
	err := s.view(ctx, func(tx *bolt.Tx) error {
		stamp = string(tx.Bucket(stampsBucket).Get([]byte(name)))
		return nil
	})
	return stamp, err
}

func (s *Store) SetStamp(ctx context.Context, name, stamp string) error {
	return s.update(ctx, func(tx *bolt.Tx) error {
		return tx.Bucket(stampsBucket).Put([]byte(name), []byte(stamp))
	})
}

func (s *Store) DeleteStamp(ctx context.Context, name string) error {
	return s.update(ctx, func(tx *bolt.Tx) error {
		return tx.Bucket(stampsBucket).Delete([]byte(name))
	})
}

// ClearStamps removes every stamp.
func (s *Store) ClearStamps(ctx context.Context) error {
	return s.update(ctx, func(tx *bolt.Tx) error {
		err := tx.DeleteBucket(stampsBucket)
		if err != nil {
			return err
		}

		_, err = tx.CreateBucket(stampsBucket)
		return err
	})
}

// Stamps returns a copy of all stamps.
func (s *Store) Stamps(ctx context.Context) (map[string]string, error) {
	result := make(map[string]string)
	err := s.view(ctx, func(tx *bolt.Tx) error {
		return tx.Bucket(stampsBucket).ForEach(func(k, v []byte) error {
			result[string(k)] = string(v)
			return nil
		})
	})
	return result, err
}

// RecordRun appends run to the history and drops the oldest entries beyond MaxRuns. An empty ID is
// replaced with a generated one, which is returned.
func (s *Store) RecordRun(ctx context.Context, run Run) (string, error) {
	if run.ID == "" {
		id, err := nanoid.Generate(nanoid.DefaultAlphabet, 12)
		if err != nil {
			return "", eris.Wrap(err, "failed to generate run ID")
		}
		run.ID = id
	}

	encoded, err := json.Marshal(run)
	if err != nil {
		return "", eris.Wrap(err, "failed to serialize run")
	}

	err = s.update(ctx, func(tx *bolt.Tx) error {
		bucket := tx.Bucket(historyBucket)
		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}

		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		err = bucket.Put(key, encoded)
		if err != nil {
			return err
		}

		count := 0
		cursor := bucket.Cursor()
		for k, _ := cursor.First(); k != nil; k, _ = cursor.Next() {
			count++
		}

		excess := count - MaxRuns
		for k, _ := cursor.First(); k != nil && excess > 0; k, _ = cursor.First() {
			err = cursor.Delete()
			if err != nil {
				return err
			}
			excess--
		}
		return nil
	})
	if err != nil {
		return "", eris.Wrap(err, "failed to record run")
	}

	return run.ID, nil
}

// Runs returns up to limit runs, newest first. A limit of 0 returns all of them.
func (s *Store) Runs(ctx context.Context, limit int) ([]Run, error) {
	result := []Run{}
	err := s.view(ctx, func(tx *bolt.Tx) error {
		cursor := tx.Bucket(historyBucket).Cursor()
		for k, v := cursor.Last(); k != nil; k, v = cursor.Prev() {
			if limit > 0 && len(result) >= limit {
				break
			}

			var run Run
			err := json.Unmarshal(v, &run)
			if err != nil {
				return eris.Wrapf(err, "failed to decode run %x", k)
			}
			result = append(result, run)
		}
		return nil
	})
	return result, err
}

// Meta returns the value stored under key or an empty string.
func (s *Store) Meta(ctx context.Context, key string) (string, error) {
	var value string
	err := s.view(ctx, func(tx *bolt.Tx) error {
		value = string(tx.Bucket(metaBucket).Get([]byte(key)))
		return nil
	})
	return value, err
}

func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	return s.update(ctx, func(tx *bolt.Tx) error {
		if value == "" {
			return tx.Bucket(metaBucket).Delete([]byte(key))
		}
		return tx.Bucket(metaBucket).Put([]byte(key), []byte(value))
	})
}

// MetaKeys returns the sorted list of stored meta keys.
func (s *Store) MetaKeys(ctx context.Context) ([]string, error) {
	keys := []string{}
	err := s.view(ctx, func(tx *bolt.Tx) error {
		return tx.Bucket(metaBucket).ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	sort.Strings(keys)
	return keys, err
}
