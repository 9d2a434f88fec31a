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

package bytecache

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestCache(t *testing.T, opts ...Option) *Cache {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chunks.db")
	c, err := Open(path, opts...)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// waitForGet polls Get until it observes a hit or the
// deadline expires; Put is asynchronous by design.
func waitForGet(t *testing.T, c *Cache, file string, chunkSize uint64, idx uint32) (CachedChunk, bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		cc, ok, err := c.Get(file, chunkSize, idx)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if ok {
			return cc, true
		}
		time.Sleep(time.Millisecond)
	}
	return CachedChunk{}, false
}

func TestPutThenGet(t *testing.T) {
	c := openTestCache(t)
	data := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	c.Put("grid.raw", 20, 0, data, -1.5, 9.5, 1000)

	cc, ok := waitForGet(t, c, "grid.raw", 20, 0)
	if !ok {
		t.Fatal("expected cache hit after Put")
	}
	if string(cc.Bytes) != string(data) {
		t.Fatalf("bytes mismatch: got %v want %v", cc.Bytes, data)
	}
	if cc.Min != -1.5 || cc.Max != 9.5 {
		t.Fatalf("min/max mismatch: got %v/%v", cc.Min, cc.Max)
	}
}

func TestGetMiss(t *testing.T) {
	c := openTestCache(t)
	_, ok, err := c.Get("nope.raw", 20, 0)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatal("expected miss for unknown key")
	}
}

func TestPutIsIdempotent(t *testing.T) {
	c := openTestCache(t)
	c.Put("grid.raw", 20, 0, []byte{1, 2, 3, 4}, 1, 2, 1000)
	waitForGet(t, c, "grid.raw", 20, 0)

	c.Put("grid.raw", 20, 0, []byte{5, 6, 7, 8}, 3, 4, 2000)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		cc, _, _ := c.Get("grid.raw", 20, 0)
		if string(cc.Bytes) == string([]byte{5, 6, 7, 8}) {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("expected overwrite to eventually be visible")
}

func TestDeleteByFile(t *testing.T) {
	c := openTestCache(t)
	c.Put("a.raw", 10, 0, []byte{1, 2, 3, 4}, 0, 0, 1000)
	c.Put("a.raw", 10, 1, []byte{5, 6, 7, 8}, 0, 0, 1000)
	c.Put("b.raw", 10, 0, []byte{9, 9, 9, 9}, 0, 0, 1000)
	waitForGet(t, c, "a.raw", 10, 0)
	waitForGet(t, c, "a.raw", 10, 1)
	waitForGet(t, c, "b.raw", 10, 0)

	if err := c.DeleteByFile("a.raw"); err != nil {
		t.Fatalf("DeleteByFile: %v", err)
	}
	if _, ok, _ := c.Get("a.raw", 10, 0); ok {
		t.Fatal("expected a.raw/0 to be deleted")
	}
	if _, ok, _ := c.Get("a.raw", 10, 1); ok {
		t.Fatal("expected a.raw/1 to be deleted")
	}
	if _, ok, _ := c.Get("b.raw", 10, 0); !ok {
		t.Fatal("expected b.raw/0 to survive DeleteByFile(\"a.raw\")")
	}
}

func TestEvictByAge(t *testing.T) {
	c := openTestCache(t)
	old := time.Now().Add(-48 * time.Hour).UnixMilli()
	fresh := time.Now().UnixMilli()
	c.Put("a.raw", 10, 0, []byte{1, 2, 3, 4}, 0, 0, old)
	c.Put("a.raw", 10, 1, []byte{5, 6, 7, 8}, 0, 0, fresh)
	waitForGet(t, c, "a.raw", 10, 0)
	waitForGet(t, c, "a.raw", 10, 1)

	if err := c.Evict(24 * time.Hour); err != nil {
		t.Fatalf("Evict: %v", err)
	}
	if _, ok, _ := c.Get("a.raw", 10, 0); ok {
		t.Fatal("expected old entry to be evicted")
	}
	if _, ok, _ := c.Get("a.raw", 10, 1); !ok {
		t.Fatal("expected fresh entry to survive eviction")
	}
}

func TestClearAll(t *testing.T) {
	c := openTestCache(t)
	c.Put("a.raw", 10, 0, []byte{1, 2, 3, 4}, 0, 0, 1000)
	waitForGet(t, c, "a.raw", 10, 0)

	if err := c.ClearAll(); err != nil {
		t.Fatalf("ClearAll: %v", err)
	}
	if _, ok, _ := c.Get("a.raw", 10, 0); ok {
		t.Fatal("expected ClearAll to remove every entry")
	}

	// the cache must still be usable after ClearAll.
	c.Put("b.raw", 10, 0, []byte{5, 6, 7, 8}, 0, 0, 2000)
	if _, ok := waitForGet(t, c, "b.raw", 10, 0); !ok {
		t.Fatal("expected cache to accept writes after ClearAll")
	}
}
