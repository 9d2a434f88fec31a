// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package layoutcache implements LayoutCache: a small,
// synchronous, O(1) persistent mapping from (file,
// chunkSize, fingerprint) to the shape/chunk layout returned
// by a prior preprocess call. The fingerprint folds in the
// observed file size and modification time so that a stale
// record (the file changed since it was captured) is treated
// as a miss rather than silently served.
package layoutcache

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
	"golang.org/x/crypto/blake2b"

	"github.com/sneller-labs/voxelgrid/voxelerr"
	"github.com/sneller-labs/voxelgrid/wire"
)

var bucketLayout = []byte("layout")

// Record is the cached shape/chunk layout for one (file,
// chunkSize) pair.
type Record struct {
	Shape      [3]uint64
	Chunks     []wire.ChunkDescriptor
	DataLength uint64
}

// Fingerprint derives a stable, short digest of a file's
// size and modification time, used to invalidate a layout
// record when the underlying file has changed.
func Fingerprint(size int64, modTime time.Time) string {
	h, _ := blake2b.New(16, nil) // 128-bit digest; error is only non-nil for key len or size out of [1,64]
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[0:8], uint64(size))
	binary.BigEndian.PutUint64(buf[8:16], uint64(modTime.UnixNano()))
	h.Write(buf[:])
	return fmt.Sprintf("%x", h.Sum(nil))
}

// Cache is the persistent layout store.
type Cache struct {
	db *bolt.DB
}

// Open opens (creating if necessary) a layout cache at path.
func Open(path string) (*Cache, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("layoutcache: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketLayout)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("layoutcache: init bucket: %w", err)
	}
	return &Cache{db: db}, nil
}

func key(file string, chunkSize uint64, fingerprint string) []byte {
	return []byte(fmt.Sprintf("%s_%d_%s", file, chunkSize, fingerprint))
}

// Get returns the layout record for (file, chunkSize,
// fingerprint), or ok == false if no matching record is
// present — including when the fingerprint has changed
// since the record was written.
func (c *Cache) Get(file string, chunkSize uint64, fingerprint string) (Record, bool, error) {
	var rec Record
	var found bool
	err := c.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketLayout).Get(key(file, chunkSize, fingerprint))
		if raw == nil {
			return nil
		}
		found = true
		return gob.NewDecoder(bytes.NewReader(raw)).Decode(&rec)
	})
	if err != nil {
		return Record{}, false, &voxelerr.CacheError{Op: "get", Err: err}
	}
	return rec, found, nil
}

// Put writes the layout record for (file, chunkSize,
// fingerprint). Put is synchronous: a single bbolt
// transaction over a tiny record is cheap enough that there
// is no need for the writeback queueing used by the byte
// cache.
func (c *Cache) Put(file string, chunkSize uint64, fingerprint string, rec Record) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(rec); err != nil {
		return &voxelerr.CacheError{Op: "encode", Err: err}
	}
	err := c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLayout).Put(key(file, chunkSize, fingerprint), buf.Bytes())
	})
	if err != nil {
		return &voxelerr.CacheError{Op: "put", Err: err}
	}
	return nil
}

// Close closes the underlying database.
func (c *Cache) Close() error {
	return c.db.Close()
}
