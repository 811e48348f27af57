package state

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/alexjbarnes/listsync/internal/models"
	bolt "go.etcd.io/bbolt"
)

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)

	return b
}

// Append stores a mutation at the end of the queue and returns its key.
// Keys come from the bucket sequence so they are strictly increasing
// across restarts, and big-endian encoding keeps cursor order equal to
// insertion order.
func (s *State) Append(m models.QueuedMutation) (uint64, error) {
	var key uint64

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(queueBucket)

		seq, err := b.NextSequence()
		if err != nil {
			return err
		}

		data, err := json.Marshal(m)
		if err != nil {
			return err
		}

		key = seq

		return b.Put(itob(seq), data)
	})
	if err != nil {
		return 0, fmt.Errorf("appending queued mutation: %w", err)
	}

	return key, nil
}

// ListAll returns every queued mutation in insertion order with Key set.
func (s *State) ListAll() ([]models.QueuedMutation, error) {
	var out []models.QueuedMutation

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(queueBucket).ForEach(func(k, v []byte) error {
			var m models.QueuedMutation
			if err := json.Unmarshal(v, &m); err != nil {
				return fmt.Errorf("decoding queued mutation %x: %w", k, err)
			}

			m.Key = binary.BigEndian.Uint64(k)
			out = append(out, m)

			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("listing queued mutations: %w", err)
	}

	return out, nil
}

// Remove deletes the queued mutation with the given key. Removing a key
// that is not present is not an error.
func (s *State) Remove(key uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(queueBucket).Delete(itob(key))
	})
}

// QueueLen returns the number of pending mutations.
func (s *State) QueueLen() int {
	var n int

	_ = s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(queueBucket).Stats().KeyN
		return nil
	})

	return n
}
