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

// Package perf implements the cross-context performance
// tracing substrate: a session-scoped, multi-writer trace
// durable in a shared bbolt store reachable from any
// goroutine, plus a client for merging in server-recorded
// records on demand.
package perf

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/sneller-labs/voxelgrid/voxelerr"
)

var (
	bucketSessions     = []byte("performance_sessions")
	bucketSessionStart = []byte("performance_sessions_by_start")
)

// Record is a single trace event. Timestamps are Unix epoch
// milliseconds on the wall clock, never monotonic relative
// time, so that records from different goroutines and from
// the server align on one timeline.
type Record struct {
	StartMs      int64
	EndMs        int64
	ChannelGroup string
	ChannelIndex string
	Msg          string
}

// identity returns a key used to deduplicate a record when
// merging local and server-sourced sets.
func (r Record) identity() string {
	return fmt.Sprintf("%d|%d|%s|%s|%s", r.StartMs, r.EndMs, r.ChannelGroup, r.ChannelIndex, r.Msg)
}

// Session is the envelope persisted for one session_id.
type Session struct {
	SessionID      string
	SessionStartMs int64
	SessionEndMs   int64
	Records        []Record
	Metadata       map[string]string
}

// recomputeEnvelope sets SessionStartMs/SessionEndMs from
// the current Records, per the data model invariant.
func (s *Session) recomputeEnvelope() {
	if len(s.Records) == 0 {
		s.SessionStartMs, s.SessionEndMs = 0, 0
		return
	}
	start, end := s.Records[0].StartMs, s.Records[0].EndMs
	for _, r := range s.Records[1:] {
		if r.StartMs < start {
			start = r.StartMs
		}
		if r.EndMs > end {
			end = r.EndMs
		}
	}
	s.SessionStartMs, s.SessionEndMs = start, end
}

// MergeRecords unions local and server records, deduplicating
// by (start, end, channelGroup, channelIndex, msg) identity.
// The result preserves every distinct record from either
// side and is not order-sensitive.
func MergeRecords(local, server []Record) []Record {
	seen := make(map[string]struct{}, len(local)+len(server))
	out := make([]Record, 0, len(local)+len(server))
	for _, sets := range [][]Record{local, server} {
		for _, r := range sets {
			id := r.identity()
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, r)
		}
	}
	return out
}

// Store is the shared, persistent, multi-writer session
// store. It is safe for concurrent use from any goroutine;
// concurrent opens serialize through bbolt's own transaction
// semantics.
type Store struct {
	db *bolt.DB
}

// OpenStore opens (creating if necessary) a perf store at path.
func OpenStore(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("perf: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketSessions, bucketSessionStart} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("perf: init buckets: %w", err)
	}
	return &Store{db: db}, nil
}

// Get returns the session envelope for sessionID.
func (s *Store) Get(sessionID string) (Session, bool, error) {
	var sess Session
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketSessions).Get([]byte(sessionID))
		if raw == nil {
			return nil
		}
		found = true
		return gob.NewDecoder(bytes.NewReader(raw)).Decode(&sess)
	})
	if err != nil {
		return Session{}, false, &voxelerr.CacheError{Op: "get", Err: err}
	}
	return sess, found, nil
}

// Upsert merges newRecords into the stored session for
// sessionID (creating it if absent), by record-identity
// union, and recomputes the envelope. Multiple independent
// writers calling Upsert concurrently for the same
// sessionID converge correctly because the merge is
// idempotent and serialized by bbolt's single writer.
func (s *Store) Upsert(sessionID string, newRecords []Record, metadata map[string]string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketSessions)
		var sess Session
		if raw := bucket.Get([]byte(sessionID)); raw != nil {
			if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&sess); err != nil {
				return err
			}
		} else {
			sess.SessionID = sessionID
		}
		sess.Records = MergeRecords(sess.Records, newRecords)
		if metadata != nil {
			if sess.Metadata == nil {
				sess.Metadata = make(map[string]string, len(metadata))
			}
			for k, v := range metadata {
				sess.Metadata[k] = v
			}
		}
		sess.recomputeEnvelope()

		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(sess); err != nil {
			return err
		}
		if err := bucket.Put([]byte(sessionID), buf.Bytes()); err != nil {
			return err
		}
		return tx.Bucket(bucketSessionStart).Put(startIndexKey(sess.SessionStartMs, sessionID), []byte(sessionID))
	})
	if err != nil {
		return &voxelerr.CacheError{Op: "upsert", Err: err}
	}
	return nil
}

func startIndexKey(startMs int64, sessionID string) []byte {
	k := make([]byte, 8+len(sessionID))
	binary.BigEndian.PutUint64(k, uint64(startMs))
	copy(k[8:], sessionID)
	return k
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
