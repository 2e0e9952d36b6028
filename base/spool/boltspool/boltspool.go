// SPDX-FileCopyrightText: (c) 2025 The ferrypost authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package boltspool implements the offline message queue with a simple
// boltdb based backend, so queued messages survive a base node restart.
package boltspool

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"

	"github.com/ferrypost/ferrypost/base/spool"
)

const (
	spoolsBucket   = "spools"
	metadataBucket = "metadata"
	versionKey     = "version"
)

type boltSpool struct {
	db *bolt.DB
}

// record is the serialized form of a spool.Message.  Timestamps are stored
// as Unix milliseconds to keep records compact and comparison cheap.
type record struct {
	ID           string `cbor:"id"`
	From         string `cbor:"from"`
	FromDeviceID string `cbor:"fromDeviceId,omitempty"`

	Content          string `cbor:"content,omitempty"`
	Encrypted        bool   `cbor:"encrypted,omitempty"`
	EncryptedContent string `cbor:"encryptedContent,omitempty"`
	IV               string `cbor:"iv,omitempty"`

	Timestamp   int64 `cbor:"timestamp"`
	ExpiresAt   int64 `cbor:"expiresAt"`
	BounceCount int   `cbor:"bounceCount"`
	MaxBounces  int   `cbor:"maxBounces"`
}

func toRecord(m *spool.Message) *record {
	return &record{
		ID:               m.ID,
		From:             m.From,
		FromDeviceID:     m.FromDeviceID,
		Content:          m.Content,
		Encrypted:        m.Encrypted,
		EncryptedContent: m.EncryptedContent,
		IV:               m.IV,
		Timestamp:        m.Timestamp.UnixMilli(),
		ExpiresAt:        m.ExpiresAt.UnixMilli(),
		BounceCount:      m.BounceCount,
		MaxBounces:       m.MaxBounces,
	}
}

func (r *record) toMessage(username string) *spool.Message {
	return &spool.Message{
		ID:               r.ID,
		From:             r.From,
		To:               username,
		FromDeviceID:     r.FromDeviceID,
		Content:          r.Content,
		Encrypted:        r.Encrypted,
		EncryptedContent: r.EncryptedContent,
		IV:               r.IV,
		Timestamp:        time.UnixMilli(r.Timestamp),
		ExpiresAt:        time.UnixMilli(r.ExpiresAt),
		BounceCount:      r.BounceCount,
		MaxBounces:       r.MaxBounces,
	}
}

func (s *boltSpool) Close() {
	s.db.Sync()
	s.db.Close()
}

func (s *boltSpool) StoreMessage(m *spool.Message, now time.Time) error {
	if !now.Before(m.ExpiresAt) {
		return spool.ErrExpired
	}
	if m.BounceCount > m.MaxBounces {
		return spool.ErrBounceLimit
	}

	b, err := cbor.Marshal(toRecord(m))
	if err != nil {
		return fmt.Errorf("boltspool: failed to encode message: %v", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		sBkt := tx.Bucket([]byte(spoolsBucket))

		// Grab or create the recipient's spool bucket.
		uBkt, err := sBkt.CreateBucketIfNotExists([]byte(m.To))
		if err != nil {
			return err
		}

		// Allocate a monotonic identifier so drains preserve append
		// order.
		seq, err := uBkt.NextSequence()
		if err != nil {
			return err
		}
		var key [8]byte
		binary.BigEndian.PutUint64(key[:], seq)
		return uBkt.Put(key[:], b)
	})
}

func (s *boltSpool) Drain(username string, now time.Time) ([]*spool.Message, error) {
	var out []*spool.Message

	err := s.db.Update(func(tx *bolt.Tx) error {
		sBkt := tx.Bucket([]byte(spoolsBucket))

		uBkt := sBkt.Bucket([]byte(username))
		if uBkt == nil {
			// No spool bucket, nothing pending.
			return nil
		}

		cur := uBkt.Cursor()
		for k, v := cur.First(); k != nil; k, v = cur.Next() {
			r := new(record)
			if err := cbor.Unmarshal(v, r); err != nil {
				// A corrupted record is dropped with the rest of the
				// drained bucket.
				continue
			}
			m := r.toMessage(username)
			if !m.Deliverable(now) {
				continue
			}
			out = append(out, m)
		}
		return sBkt.DeleteBucket([]byte(username))
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *boltSpool) ConfirmDelivered(username, messageID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		sBkt := tx.Bucket([]byte(spoolsBucket))

		uBkt := sBkt.Bucket([]byte(username))
		if uBkt == nil {
			return nil
		}

		cur := uBkt.Cursor()
		for k, v := cur.First(); k != nil; k, v = cur.Next() {
			r := new(record)
			if err := cbor.Unmarshal(v, r); err != nil {
				continue
			}
			if r.ID != messageID {
				continue
			}
			return uBkt.Delete(k)
		}
		return nil
	})
}

func (s *boltSpool) SweepExpired(now time.Time) (int, error) {
	dropped := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		sBkt := tx.Bucket([]byte(spoolsBucket))

		uCur := sBkt.Cursor()
		for u, _ := uCur.First(); u != nil; u, _ = uCur.Next() {
			uBkt := sBkt.Bucket(u)
			if uBkt == nil {
				continue
			}

			var stale [][]byte
			mCur := uBkt.Cursor()
			for k, v := mCur.First(); k != nil; k, v = mCur.Next() {
				r := new(record)
				if err := cbor.Unmarshal(v, r); err != nil {
					stale = append(stale, append([]byte(nil), k...))
					continue
				}
				if !now.Before(time.UnixMilli(r.ExpiresAt)) {
					stale = append(stale, append([]byte(nil), k...))
				}
			}
			for _, k := range stale {
				if err := uBkt.Delete(k); err != nil {
					return err
				}
				dropped++
			}
		}
		return nil
	})
	return dropped, err
}

func (s *boltSpool) Remove(username string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		sBkt := tx.Bucket([]byte(spoolsBucket))
		if sBkt.Bucket([]byte(username)) == nil {
			return nil
		}
		return sBkt.DeleteBucket([]byte(username))
	})
}

// New creates (or loads) an offline message queue with the given file name
// f.
func New(f string) (spool.Spool, error) {
	s := new(boltSpool)

	var err error
	s.db, err = bolt.Open(f, 0600, nil)
	if err != nil {
		return nil, err
	}

	if err = s.db.Update(func(tx *bolt.Tx) error {
		// Ensure that all the buckets exist, and grab the metadata bucket.
		bkt, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return err
		}
		if _, err = tx.CreateBucketIfNotExists([]byte(spoolsBucket)); err != nil {
			return err
		}

		if b := bkt.Get([]byte(versionKey)); b != nil {
			// Loaded an existing database rather than creating one.
			if len(b) != 1 || b[0] != 0 {
				return fmt.Errorf("boltspool: incompatible version: %d", uint(b[0]))
			}
			return nil
		}

		return bkt.Put([]byte(versionKey), []byte{0})
	}); err != nil {
		// The struct isn't getting returned so clean up the database.
		s.db.Close()
		return nil, err
	}

	return s, nil
}
