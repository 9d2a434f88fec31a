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

package registry

import (
	"sync"
	"testing"
	"time"
)

func newTestRegistry(t *testing.T, opts ...Option) *Registry {
	t.Helper()
	r := New(opts...)
	t.Cleanup(func() { r.Close() })
	return r
}

func TestCreateSetTake(t *testing.T) {
	r := newTestRegistry(t)
	taskID := r.Create([3]uint64{4, 4, 4}, 64, 20, 4)

	res, _, _ := r.TakeChunk(taskID, 0)
	if res != NotReady {
		t.Fatalf("expected NotReady before SetChunk, got %v", res)
	}

	payload := []byte{1, 2, 3, 4}
	if err := r.SetChunk(taskID, 0, payload); err != nil {
		t.Fatalf("SetChunk: %v", err)
	}

	res, got, err := r.TakeChunk(taskID, 0)
	if err != nil {
		t.Fatalf("TakeChunk: %v", err)
	}
	if res != Ready {
		t.Fatalf("expected Ready, got %v", res)
	}
	if string(got) != string(payload) {
		t.Fatalf("bytes mismatch: got %v want %v", got, payload)
	}

	res, _, _ = r.TakeChunk(taskID, 0)
	if res != AlreadyConsumed {
		t.Fatalf("expected AlreadyConsumed on second take, got %v", res)
	}
}

func TestTakeUnknownTask(t *testing.T) {
	r := newTestRegistry(t)
	res, _, _ := r.TakeChunk("does-not-exist", 0)
	if res != NotFound {
		t.Fatalf("expected NotFound, got %v", res)
	}
}

func TestSetChunkTwiceFails(t *testing.T) {
	r := newTestRegistry(t)
	taskID := r.Create([3]uint64{1, 1, 1}, 1, 1, 1)
	if err := r.SetChunk(taskID, 0, []byte{0}); err != nil {
		t.Fatalf("first SetChunk: %v", err)
	}
	if err := r.SetChunk(taskID, 0, []byte{1}); err == nil {
		t.Fatal("expected error on second SetChunk for the same slot")
	}
}

func TestConcurrentSetChunkDistinctSlots(t *testing.T) {
	r := newTestRegistry(t)
	const n = 16
	taskID := r.Create([3]uint64{1, 1, 1}, uint64(n), 1, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := r.SetChunk(taskID, uint32(i), []byte{byte(i)}); err != nil {
				t.Errorf("SetChunk(%d): %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		res, got, err := r.TakeChunk(taskID, uint32(i))
		if err != nil || res != Ready {
			t.Fatalf("TakeChunk(%d): res=%v err=%v", i, res, err)
		}
		if len(got) != 1 || got[0] != byte(i) {
			t.Fatalf("TakeChunk(%d): unexpected payload %v", i, got)
		}
	}
}

func TestConcurrentConsumersRaceOneWins(t *testing.T) {
	r := newTestRegistry(t)
	taskID := r.Create([3]uint64{1, 1, 1}, 1, 1, 1)
	if err := r.SetChunk(taskID, 0, []byte{9}); err != nil {
		t.Fatalf("SetChunk: %v", err)
	}

	const racers = 8
	var readyCount, consumedCount int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, _, _ := r.TakeChunk(taskID, 0)
			mu.Lock()
			defer mu.Unlock()
			switch res {
			case Ready:
				readyCount++
			case AlreadyConsumed:
				consumedCount++
			}
		}()
	}
	wg.Wait()
	if readyCount != 1 {
		t.Fatalf("expected exactly one Ready, got %d", readyCount)
	}
	if consumedCount != racers-1 {
		t.Fatalf("expected %d AlreadyConsumed, got %d", racers-1, consumedCount)
	}
}

func TestSweepExpiresTask(t *testing.T) {
	r := newTestRegistry(t, WithTTL(time.Millisecond), WithSweepInterval(time.Hour))
	taskID := r.Create([3]uint64{1, 1, 1}, 1, 1, 1)

	time.Sleep(5 * time.Millisecond)
	n := r.Sweep(time.Now())
	if n != 1 {
		t.Fatalf("expected Sweep to remove 1 task, removed %d", n)
	}

	res, _, _ := r.TakeChunk(taskID, 0)
	if res != NotFound {
		t.Fatalf("expected NotFound after TTL sweep, got %v", res)
	}
}

func TestLastChunkConsumedDropsTask(t *testing.T) {
	r := newTestRegistry(t)
	taskID := r.Create([3]uint64{1, 1, 1}, 2, 1, 2)
	r.SetChunk(taskID, 0, []byte{0})
	r.SetChunk(taskID, 1, []byte{1})

	if _, _, err := r.TakeChunk(taskID, 0); err != nil {
		t.Fatal(err)
	}
	if _, _, err := r.TakeChunk(taskID, 1); err != nil {
		t.Fatal(err)
	}

	// the task is dropped asynchronously after the last
	// consume; poll briefly for it to disappear.
	deadline := time.Now().Add(time.Second)
	for r.Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if r.Len() != 0 {
		t.Fatal("expected task to be dropped after last chunk consumed")
	}
}
