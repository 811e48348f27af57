package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"

	bolt "go.etcd.io/bbolt"
)

const cacheBucketPrefix = "cache:"

func cacheBucket(partition string) []byte {
	return []byte(cacheBucketPrefix + partition)
}

// CachedResponse is a stored copy of a successful HTTP response.
type CachedResponse struct {
	Status   int         `json:"status"`
	Header   http.Header `json:"header"`
	Body     []byte      `json:"body"`
	StoredAt int64       `json:"stored_at"`
}

// CachePut stores a response under key in the named partition, creating
// the partition on first use.
func (s *State) CachePut(partition, key string, resp CachedResponse) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(cacheBucket(partition))
		if err != nil {
			return err
		}

		data, err := json.Marshal(resp)
		if err != nil {
			return err
		}

		return b.Put([]byte(key), data)
	})
}

// CacheGet returns the stored response for key, or nil if the partition
// or key does not exist.
func (s *State) CacheGet(partition, key string) (*CachedResponse, error) {
	var cr *CachedResponse

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(cacheBucket(partition))
		if b == nil {
			return nil
		}

		v := b.Get([]byte(key))
		if v == nil {
			return nil
		}

		cr = &CachedResponse{}

		return json.Unmarshal(v, cr)
	})

	return cr, err
}

// CacheClear drops one partition and everything in it.
func (s *State) CacheClear(partition string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		err := tx.DeleteBucket(cacheBucket(partition))
		if err == nil || errors.Is(err, bolt.ErrBucketNotFound) {
			return nil
		}

		return err
	})
}

// CachePartitions returns the names of all existing cache partitions.
func (s *State) CachePartitions() []string {
	var names []string

	_ = s.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
			if n, ok := strings.CutPrefix(string(name), cacheBucketPrefix); ok {
				names = append(names, n)
			}

			return nil
		})
	})

	return names
}

// PruneCaches deletes every cache partition whose name is not in keep and
// returns the names it removed.
func (s *State) PruneCaches(keep []string) ([]string, error) {
	var removed []string

	err := s.db.Update(func(tx *bolt.Tx) error {
		var stale [][]byte

		err := tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
			n, ok := strings.CutPrefix(string(name), cacheBucketPrefix)
			if ok && !slices.Contains(keep, n) {
				stale = append(stale, slices.Clone(name))
				removed = append(removed, n)
			}

			return nil
		})
		if err != nil {
			return err
		}

		for _, name := range stale {
			if err := tx.DeleteBucket(name); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("pruning cache partitions: %w", err)
	}

	return removed, nil
}
