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

package fetch

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sneller-labs/voxelgrid/voxelcodec"
	"github.com/sneller-labs/voxelgrid/voxelerr"
	"github.com/sneller-labs/voxelgrid/wire"
)

func TestFetchOneSucceedsImmediately(t *testing.T) {
	payload := voxelcodec.EncodeFloat64LE(nil, []float64{1, 2, 3})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer srv.Close()

	w := New(srv.URL, WithBaseBackoff(time.Millisecond))
	defer w.Close()

	w.Submit(Request{TaskID: "t1", ChunkIndex: 0})
	res := <-w.Results()
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if res.Min != 1 || res.Max != 3 {
		t.Fatalf("min/max = %v/%v, want 1/3", res.Min, res.Max)
	}
}

func TestFetchOneRetriesThenSucceeds(t *testing.T) {
	var calls int32
	payload := voxelcodec.EncodeFloat64LE(nil, []float64{5})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		w.Write(payload)
	}))
	defer srv.Close()

	worker := New(srv.URL, WithBaseBackoff(time.Millisecond))
	defer worker.Close()

	worker.Submit(Request{TaskID: "t1", ChunkIndex: 2})
	res := <-worker.Results()
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestFetchOneExhaustsRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	worker := New(srv.URL, WithBaseBackoff(time.Millisecond), WithMaxRetries(3))
	defer worker.Close()

	worker.Submit(Request{TaskID: "t1", ChunkIndex: 0})
	res := <-worker.Results()
	if res.Err == nil {
		t.Fatal("expected a timeout error")
	}
	var timeoutErr *voxelerr.ChunkTimeoutError
	if !errors.As(res.Err, &timeoutErr) {
		t.Fatalf("expected ChunkTimeoutError, got %T: %v", res.Err, res.Err)
	}
	if timeoutErr.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", timeoutErr.Attempts)
	}
}

func TestFetchOneTaskExpired(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(wire.ErrorResponse{Error: "task expired"})
	}))
	defer srv.Close()

	worker := New(srv.URL)
	defer worker.Close()

	worker.Submit(Request{TaskID: "gone", ChunkIndex: 0})
	res := <-worker.Results()
	var expired *voxelerr.TaskExpiredError
	if !errors.As(res.Err, &expired) {
		t.Fatalf("expected TaskExpiredError, got %T: %v", res.Err, res.Err)
	}
}

func TestFetchOneChunkGone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(wire.ErrorResponse{Error: "chunk already consumed"})
	}))
	defer srv.Close()

	worker := New(srv.URL)
	defer worker.Close()

	worker.Submit(Request{TaskID: "t1", ChunkIndex: 4})
	res := <-worker.Results()
	var gone *voxelerr.ChunkGoneError
	if !errors.As(res.Err, &gone) {
		t.Fatalf("expected ChunkGoneError, got %T: %v", res.Err, res.Err)
	}
}

func TestWorkerProcessesRequestsInOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		idx := r.URL.Query().Get("chunk_index")
		n, _ := strconv.Atoi(idx)
		w.Write(voxelcodec.EncodeFloat64LE(nil, []float64{float64(n)}))
	}))
	defer srv.Close()

	worker := New(srv.URL)
	defer worker.Close()

	for i := 0; i < 5; i++ {
		worker.Submit(Request{TaskID: "t1", ChunkIndex: uint32(i)})
	}
	for i := 0; i < 5; i++ {
		res := <-worker.Results()
		if res.Err != nil {
			t.Fatalf("unexpected error: %v", res.Err)
		}
		if res.ChunkIndex != uint32(i) {
			t.Fatalf("results arrived out of order: got index %d at position %d", res.ChunkIndex, i)
		}
	}
}
