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

// Package bytecache implements LocalByteCache: a persistent
// key-value store mapping (file, chunkSize, chunkIndex) to
// decoded chunk bytes plus their min/max, backed by an
// embedded bbolt database.
package bytecache

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"log"
	"time"

	"github.com/dchest/siphash"
	"github.com/klauspost/compress/s2"
	bolt "go.etcd.io/bbolt"

	"github.com/sneller-labs/voxelgrid/voxelerr"
)

var (
	bucketChunks      = []byte("chunks")
	bucketByFile      = []byte("chunks_by_file")
	bucketByTimestamp = []byte("chunks_by_timestamp")
)

// CachedChunk is the decoded value returned by Get.
type CachedChunk struct {
	Bytes       []byte
	Min         float64
	Max         float64
	TimestampMs int64
}

// record is the on-disk gob-encoded representation of a
// cache entry. Bytes are stored s2-compressed; Checksum is a
// siphash-64 over the uncompressed bytes, verified on Get.
type record struct {
	File        string
	ChunkSize   uint64
	ChunkIndex  uint32
	Compressed  []byte
	Min         float64
	Max         float64
	TimestampMs int64
	Checksum    uint64
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger installs a logger used to report swallowed
// writeback failures. A nil logger (the default) disables
// logging.
func WithLogger(l *log.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

// WithChecksumKey sets the siphash key used for integrity
// checksums. Distinct processes sharing a cache file should
// use the same key; the zero key is used by default, which
// is adequate since this checksum guards against storage
// corruption, not adversarial tampering.
func WithChecksumKey(k0, k1 uint64) Option {
	return func(c *Cache) { c.k0, c.k1 = k0, k1 }
}

// WithWritebackQueueDepth overrides the buffered writeback
// channel size (default 64).
func WithWritebackQueueDepth(n int) Option {
	return func(c *Cache) { c.queueDepth = n }
}

// Cache is the embedded, persistent byte cache.
type Cache struct {
	db         *bolt.DB
	logger     *log.Logger
	k0, k1     uint64
	queueDepth int

	writeCh chan writeJob
	done    chan struct{}
}

type writeJob struct {
	key string
	rec record
}

// Open opens (creating if necessary) a byte cache at path
// and starts its background writeback goroutine.
func Open(path string, opts ...Option) (*Cache, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("bytecache: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketChunks, bucketByFile, bucketByTimestamp} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("bytecache: init buckets: %w", err)
	}
	c := &Cache{db: db, queueDepth: 64}
	for _, opt := range opts {
		opt(c)
	}
	c.writeCh = make(chan writeJob, c.queueDepth)
	c.done = make(chan struct{})
	go c.writeLoop()
	return c, nil
}

func (c *Cache) logf(format string, args ...interface{}) {
	if c.logger != nil {
		c.logger.Printf(format, args...)
	}
}

func primaryKey(file string, chunkSize uint64, chunkIndex uint32) string {
	return fmt.Sprintf("%s_%d_%d", file, chunkSize, chunkIndex)
}

// Get returns the cached chunk for (file, chunkSize,
// chunkIndex), or ok == false on a cache miss. A checksum
// mismatch is treated as a miss (the entry is also removed),
// since a corrupt cache entry is never usable.
func (c *Cache) Get(file string, chunkSize uint64, chunkIndex uint32) (CachedChunk, bool, error) {
	key := primaryKey(file, chunkSize, chunkIndex)
	var rec record
	var found bool
	err := c.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketChunks).Get([]byte(key))
		if raw == nil {
			return nil
		}
		dec := gob.NewDecoder(bytes.NewReader(raw))
		if err := dec.Decode(&rec); err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return CachedChunk{}, false, &voxelerr.CacheError{Op: "get", Err: err}
	}
	if !found {
		return CachedChunk{}, false, nil
	}
	decoded, err := s2.Decode(nil, rec.Compressed)
	if err != nil {
		return CachedChunk{}, false, &voxelerr.CacheError{Op: "decompress", Err: err}
	}
	if siphash.Hash(c.k0, c.k1, decoded) != rec.Checksum {
		c.logf("bytecache: checksum mismatch for %s, evicting", key)
		_ = c.deleteKey(key)
		return CachedChunk{}, false, nil
	}
	return CachedChunk{
		Bytes:       decoded,
		Min:         rec.Min,
		Max:         rec.Max,
		TimestampMs: rec.TimestampMs,
	}, true, nil
}

// Put enqueues a write of the given chunk. Per the idle-
// writeback invariant, Put never blocks the calling
// goroutine: the actual bbolt transaction runs on a
// background goroutine, and any failure is logged rather
// than returned.
func (c *Cache) Put(file string, chunkSize uint64, chunkIndex uint32, data []byte, min, max float64, timestamp int64) {
	rec := record{
		File:        file,
		ChunkSize:   chunkSize,
		ChunkIndex:  chunkIndex,
		Compressed:  s2.Encode(nil, data),
		Min:         min,
		Max:         max,
		TimestampMs: timestamp,
		Checksum:    siphash.Hash(c.k0, c.k1, data),
	}
	job := writeJob{key: primaryKey(file, chunkSize, chunkIndex), rec: rec}
	select {
	case c.writeCh <- job:
	default:
		// queue is full; do not block the caller, run it
		// on its own goroutine instead.
		go c.applyWrite(job)
	}
}

func (c *Cache) writeLoop() {
	defer close(c.done)
	for job := range c.writeCh {
		c.applyWrite(job)
	}
}

func (c *Cache) applyWrite(job writeJob) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(job.rec); err != nil {
		c.logf("bytecache: encode %s: %s", job.key, err)
		return
	}
	err := c.db.Update(func(tx *bolt.Tx) error {
		// an overwrite must not leave the previous timestamp
		// index entry behind, or Evict would judge the new
		// record by the old record's age.
		if old := tx.Bucket(bucketChunks).Get([]byte(job.key)); old != nil {
			var prev record
			if gob.NewDecoder(bytes.NewReader(old)).Decode(&prev) == nil && prev.TimestampMs != job.rec.TimestampMs {
				if err := tx.Bucket(bucketByTimestamp).Delete(timestampIndexKey(prev.TimestampMs, job.key)); err != nil {
					return err
				}
			}
		}
		if err := tx.Bucket(bucketChunks).Put([]byte(job.key), buf.Bytes()); err != nil {
			return err
		}
		fileBucket, err := tx.Bucket(bucketByFile).CreateBucketIfNotExists([]byte(job.rec.File))
		if err != nil {
			return err
		}
		if err := fileBucket.Put([]byte(job.key), nil); err != nil {
			return err
		}
		return tx.Bucket(bucketByTimestamp).Put(timestampIndexKey(job.rec.TimestampMs, job.key), []byte(job.key))
	})
	if err != nil {
		c.logf("bytecache: write %s: %s", job.key, err)
	}
}

func timestampIndexKey(timestampMs int64, primary string) []byte {
	k := make([]byte, 8+len(primary))
	binary.BigEndian.PutUint64(k, uint64(timestampMs))
	copy(k[8:], primary)
	return k
}

func (c *Cache) deleteKey(key string) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketChunks).Delete([]byte(key))
	})
}

// DeleteByFile removes every cached chunk belonging to file.
func (c *Cache) DeleteByFile(file string) error {
	err := c.db.Update(func(tx *bolt.Tx) error {
		byFile := tx.Bucket(bucketByFile)
		fileBucket := byFile.Bucket([]byte(file))
		if fileBucket == nil {
			return nil
		}
		var keys []string
		err := fileBucket.ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
		if err != nil {
			return err
		}
		chunks := tx.Bucket(bucketChunks)
		byTimestamp := tx.Bucket(bucketByTimestamp)
		for _, k := range keys {
			raw := chunks.Get([]byte(k))
			if raw != nil {
				var rec record
				if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&rec); err == nil {
					byTimestamp.Delete(timestampIndexKey(rec.TimestampMs, k))
				}
			}
			if err := chunks.Delete([]byte(k)); err != nil {
				return err
			}
		}
		return byFile.DeleteBucket([]byte(file))
	})
	if err != nil {
		return &voxelerr.CacheError{Op: "deleteByFile", Err: err}
	}
	return nil
}

// Evict removes every cached chunk older than maxAge,
// relative to the current wall clock.
func (c *Cache) Evict(maxAge time.Duration) error {
	cutoff := time.Now().Add(-maxAge).UnixMilli()
	err := c.db.Update(func(tx *bolt.Tx) error {
		byTimestamp := tx.Bucket(bucketByTimestamp)
		chunks := tx.Bucket(bucketChunks)
		byFile := tx.Bucket(bucketByFile)

		type victim struct {
			indexKey []byte
			primary  string
		}
		var victims []victim
		c := byTimestamp.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if len(k) < 8 {
				continue
			}
			ts := int64(binary.BigEndian.Uint64(k[:8]))
			if ts >= cutoff {
				break
			}
			victims = append(victims, victim{indexKey: append([]byte(nil), k...), primary: string(v)})
		}
		for _, v := range victims {
			if err := byTimestamp.Delete(v.indexKey); err != nil {
				return err
			}
			raw := chunks.Get([]byte(v.primary))
			if raw != nil {
				var rec record
				if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&rec); err == nil {
					if fb := byFile.Bucket([]byte(rec.File)); fb != nil {
						fb.Delete([]byte(v.primary))
					}
				}
			}
			if err := chunks.Delete([]byte(v.primary)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return &voxelerr.CacheError{Op: "evict", Err: err}
	}
	return nil
}

// ClearAll removes every cached entry.
func (c *Cache) ClearAll() error {
	err := c.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketChunks, bucketByFile, bucketByTimestamp} {
			if err := tx.DeleteBucket(name); err != nil && err != bolt.ErrBucketNotFound {
				return err
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return &voxelerr.CacheError{Op: "clearAll", Err: err}
	}
	return nil
}

// Close drains the writeback queue and closes the underlying
// database.
func (c *Cache) Close() error {
	close(c.writeCh)
	<-c.done
	return c.db.Close()
}
