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

package datasource

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"testing/fstest"
	"time"

	"github.com/sneller-labs/voxelgrid/bytecache"
	"github.com/sneller-labs/voxelgrid/fetch"
	"github.com/sneller-labs/voxelgrid/layoutcache"
	"github.com/sneller-labs/voxelgrid/registry"
	"github.com/sneller-labs/voxelgrid/voxelcodec"
	"github.com/sneller-labs/voxelgrid/wire"
)

// testServer wires a registry directly to an httptest server,
// standing in for cmd/voxelgridd's HTTP layer so datasource can
// be exercised end-to-end without it.
type testServer struct {
	reg            *registry.Registry
	srv            *httptest.Server
	chunkGets      int32
	forcePending   map[uint32]bool
	expireOnCreate bool
	mu             sync.Mutex
}

func newTestServer(t *testing.T, values []float64, chunkSize uint64) *testServer {
	t.Helper()
	ts := &testServer{reg: registry.New(), forcePending: map[uint32]bool{}}
	t.Cleanup(func() { ts.reg.Close() })

	mux := http.NewServeMux()
	mux.HandleFunc("/voxel-grid/preprocess", func(w http.ResponseWriter, r *http.Request) {
		var req wire.PreprocessRequest
		json.NewDecoder(r.Body).Decode(&req)

		dataLength := uint64(len(values))
		var chunks []wire.ChunkDescriptor
		for start, idx := uint64(0), uint32(0); start < dataLength; start, idx = start+chunkSize, idx+1 {
			end := start + chunkSize
			if end > dataLength {
				end = dataLength
			}
			chunks = append(chunks, wire.ChunkDescriptor{Index: idx, Start: start, End: end})
		}
		taskID := ts.reg.Create([3]uint64{dataLength, 1, 1}, dataLength, chunkSize, len(chunks))
		for _, c := range chunks {
			raw := voxelcodec.EncodeFloat64LE(nil, values[c.Start:c.End])
			ts.reg.SetChunk(taskID, c.Index, raw)
		}
		ts.mu.Lock()
		expire := ts.expireOnCreate
		ts.mu.Unlock()
		if expire {
			// Force the task past its TTL immediately, simulating
			// a chunk GET that arrives after expiry without
			// waiting out a real sweep interval.
			ts.reg.Sweep(time.Now().Add(registry.DefaultTTL * 2))
		}
		json.NewEncoder(w).Encode(wire.PreprocessResponse{
			TaskID:     taskID,
			File:       req.File,
			Shape:      [3]uint64{dataLength, 1, 1},
			DataLength: dataLength,
			ChunkSize:  chunkSize,
			Chunks:     chunks,
		})
	})
	mux.HandleFunc("/voxel-grid/chunk", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&ts.chunkGets, 1)
		taskID := r.URL.Query().Get("task_id")
		idx, _ := strconv.Atoi(r.URL.Query().Get("chunk_index"))

		ts.mu.Lock()
		pending := ts.forcePending[uint32(idx)]
		ts.mu.Unlock()
		if pending {
			w.WriteHeader(http.StatusAccepted)
			return
		}

		result, bytes, err := ts.reg.TakeChunk(taskID, uint32(idx))
		switch result {
		case registry.Ready:
			w.Write(bytes)
		case registry.NotReady:
			w.WriteHeader(http.StatusAccepted)
		case registry.AlreadyConsumed:
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(wire.ErrorResponse{Error: "already consumed"})
		default:
			w.WriteHeader(http.StatusNotFound)
			msg := "unknown task"
			if err != nil {
				msg = err.Error()
			}
			json.NewEncoder(w).Encode(wire.ErrorResponse{Error: msg})
		}
	})
	ts.srv = httptest.NewServer(mux)
	t.Cleanup(ts.srv.Close)
	return ts
}

func newCaches(t *testing.T) (*layoutcache.Cache, *bytecache.Cache) {
	t.Helper()
	lc, err := layoutcache.Open(filepath.Join(t.TempDir(), "layout.db"))
	if err != nil {
		t.Fatalf("layoutcache.Open: %v", err)
	}
	t.Cleanup(func() { lc.Close() })
	bc, err := bytecache.Open(filepath.Join(t.TempDir(), "bytes.db"))
	if err != nil {
		t.Fatalf("bytecache.Open: %v", err)
	}
	t.Cleanup(func() { bc.Close() })
	return lc, bc
}

func fixtureFS(name string, size int64) fstest.MapFS {
	return fstest.MapFS{
		name: &fstest.MapFile{Data: make([]byte, size), ModTime: time.Unix(1700000000, 0)},
	}
}

func TestLoadDataHappyPath(t *testing.T) {
	values := []float64{1, 2, 3, 4, 5, 6}
	ts := newTestServer(t, values, 2)
	lc, bc := newCaches(t)
	fsys := fixtureFS("grid.vox", 48)

	ds := New(ts.srv.URL, fsys, lc, bc, WithMaxLanes(2))
	res, err := ds.LoadData(context.Background(), "grid.vox", 2, nil)
	if err != nil {
		t.Fatalf("LoadData: %v", err)
	}
	if !res.HasData || res.Min != 1 || res.Max != 6 {
		t.Fatalf("min/max = %v/%v (hasData=%v), want 1/6", res.Min, res.Max, res.HasData)
	}
	merged := res.Merged()
	want := voxelcodec.EncodeFloat64LE(nil, values)
	if string(merged) != string(want) {
		t.Fatalf("merged bytes mismatch")
	}
	if res.AllFromCache {
		t.Fatal("first load must not be reported as all-from-cache")
	}
}

func TestLoadDataSecondCallHitsCache(t *testing.T) {
	values := []float64{1, 2, 3, 4}
	ts := newTestServer(t, values, 2)
	lc, bc := newCaches(t)
	fsys := fixtureFS("grid.vox", 32)

	ds := New(ts.srv.URL, fsys, lc, bc)

	if _, err := ds.LoadData(context.Background(), "grid.vox", 2, nil); err != nil {
		t.Fatalf("first LoadData: %v", err)
	}

	// Byte cache writeback is asynchronous; give it a moment.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok, _ := bc.Get("grid.vox", 2, 0); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for byte cache writeback")
		}
		time.Sleep(5 * time.Millisecond)
	}

	before := atomic.LoadInt32(&ts.chunkGets)
	res, err := ds.LoadData(context.Background(), "grid.vox", 2, nil)
	if err != nil {
		t.Fatalf("second LoadData: %v", err)
	}
	if !res.AllFromCache {
		t.Fatal("second load should be served entirely from cache")
	}
	if atomic.LoadInt32(&ts.chunkGets) != before {
		t.Fatal("second load should not issue any chunk GET")
	}
}

func TestLoadDataEmptyField(t *testing.T) {
	ts := newTestServer(t, nil, 4)
	lc, bc := newCaches(t)
	fsys := fixtureFS("empty.vox", 24)

	ds := New(ts.srv.URL, fsys, lc, bc)
	res, err := ds.LoadData(context.Background(), "empty.vox", 4, nil)
	if err != nil {
		t.Fatalf("LoadData: %v", err)
	}
	if res.HasData {
		t.Fatal("empty field must report HasData == false")
	}
	if res.Min != 0 || res.Max != 0 {
		t.Fatalf("empty field min/max must stay zero-valued, not a sentinel: got %v/%v", res.Min, res.Max)
	}
}

func TestLoadData202Exhaustion(t *testing.T) {
	values := []float64{1, 2, 3, 4}
	ts := newTestServer(t, values, 2)
	ts.mu.Lock()
	ts.forcePending[1] = true
	ts.mu.Unlock()

	lc, bc := newCaches(t)
	fsys := fixtureFS("grid.vox", 32)

	ds := New(ts.srv.URL, fsys, lc, bc,
		WithFetchOptions(fetch.WithBaseBackoff(time.Millisecond), fetch.WithMaxRetries(3)))

	_, err := ds.LoadData(context.Background(), "grid.vox", 2, nil)
	if err == nil {
		t.Fatal("expected an error from perpetual 202s")
	}
}

func TestLoadDataTaskExpired(t *testing.T) {
	ts := newTestServer(t, []float64{1, 2}, 2)
	ts.mu.Lock()
	ts.expireOnCreate = true
	ts.mu.Unlock()

	lc, bc := newCaches(t)
	fsys := fixtureFS("grid.vox", 16)

	ds := New(ts.srv.URL, fsys, lc, bc)

	_, err := ds.LoadData(context.Background(), "grid.vox", 2, nil)
	if err == nil {
		t.Fatal("expected an error once the task is unknown to the registry")
	}
}
