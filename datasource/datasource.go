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

// Package datasource implements the client-side orchestrator:
// it consults the layout and byte caches, calls the daemon's
// preprocess endpoint when needed, fans chunk fetches out
// across a bounded pool of lanes, merges the results in index
// order, and schedules idle-time writeback to the byte cache.
package datasource

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/sneller-labs/voxelgrid/bytecache"
	"github.com/sneller-labs/voxelgrid/fetch"
	"github.com/sneller-labs/voxelgrid/heap"
	"github.com/sneller-labs/voxelgrid/internal/atomicext"
	"github.com/sneller-labs/voxelgrid/layoutcache"
	"github.com/sneller-labs/voxelgrid/perf"
	"github.com/sneller-labs/voxelgrid/voxelerr"
	"github.com/sneller-labs/voxelgrid/wire"
)

// MaxLanes is the fixed ceiling on concurrent fetch lanes. A
// configured lane count may be lower, but never higher.
const MaxLanes = 5

// ChunkResult is one chunk's decoded payload after either a
// cache hit or a network fetch.
type ChunkResult struct {
	Index     uint32
	Bytes     []byte
	Min       float64
	Max       float64
	FromCache bool
}

// LoadResult is the outcome of a successful LoadData call: the
// ordered per-chunk results plus the field's global minimum and
// maximum, ready to hand to a SurfaceMesher.
type LoadResult struct {
	Chunks       []ChunkResult
	Shape        [3]uint64
	DataLength   uint64
	TaskID       string
	FetchMs      int64
	AllFromCache bool
	Min          float64
	Max          float64
	HasData      bool
}

// Merged concatenates the already index-ordered chunk results
// into one contiguous f64-as-bytes buffer.
func (r LoadResult) Merged() []byte {
	total := 0
	for _, c := range r.Chunks {
		total += len(c.Bytes)
	}
	buf := make([]byte, 0, total)
	for _, c := range r.Chunks {
		buf = append(buf, c.Bytes...)
	}
	return buf
}

// Option configures a DataSource.
type Option func(*DataSource)

// WithHTTPClient overrides the default http.Client used for
// both preprocess requests and lane fetches.
func WithHTTPClient(c *http.Client) Option {
	return func(d *DataSource) { d.client = c }
}

// WithLogger installs a logger for swallowed cache/tracer errors.
func WithLogger(l *log.Logger) Option {
	return func(d *DataSource) { d.logger = l }
}

// WithMaxLanes overrides the default lane count. Values above
// MaxLanes are clamped down; MaxLanes itself can never be
// exceeded.
func WithMaxLanes(n int) Option {
	return func(d *DataSource) {
		if n > MaxLanes {
			n = MaxLanes
		}
		if n < 1 {
			n = 1
		}
		d.maxLanes = n
	}
}

// WithFetchOptions passes additional options through to every
// lane worker constructed during a load, e.g. to shorten the
// retry backoff in tests.
func WithFetchOptions(opts ...fetch.Option) Option {
	return func(d *DataSource) { d.fetchOpts = opts }
}

// DataSource is the client-side load orchestrator.
type DataSource struct {
	baseURL   string
	fileRoot  fs.FS
	layout    *layoutcache.Cache
	byteCache *bytecache.Cache
	client    *http.Client
	logger    *log.Logger
	maxLanes  int
	fetchOpts []fetch.Option
}

// New constructs a DataSource. fileRoot is used only to derive
// the local file fingerprint for layout-cache coherence; it
// need not be the same fs.FS the server parses against, but
// normally is (a shared mount or the same S3 prefix).
func New(baseURL string, fileRoot fs.FS, layout *layoutcache.Cache, byteCache *bytecache.Cache, opts ...Option) *DataSource {
	d := &DataSource{
		baseURL:   baseURL,
		fileRoot:  fileRoot,
		layout:    layout,
		byteCache: byteCache,
		client:    http.DefaultClient,
		maxLanes:  MaxLanes,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *DataSource) logf(format string, args ...interface{}) {
	if d.logger != nil {
		d.logger.Printf(format, args...)
	}
}

func currentFingerprint(fileRoot fs.FS, file string) (string, error) {
	info, err := fs.Stat(fileRoot, file)
	if err != nil {
		return "", err
	}
	return layoutcache.Fingerprint(info.Size(), info.ModTime()), nil
}

func sessionID(tracker *perf.Tracker) string {
	if tracker == nil {
		return ""
	}
	return tracker.SessionID()
}

// LoadData is the single entry point for the loader pipeline.
// See the package doc and the component design it implements
// for the step-by-step control flow.
func (d *DataSource) LoadData(ctx context.Context, file string, chunkSize uint64, tracker *perf.Tracker) (LoadResult, error) {
	start := time.Now()

	fingerprint, fpErr := currentFingerprint(d.fileRoot, file)
	if fpErr != nil {
		d.logf("datasource: fingerprint %s: %s", file, fpErr)
	}

	var (
		shape      [3]uint64
		dataLength uint64
		chunks     []wire.ChunkDescriptor
		taskID     string
	)

	if fpErr == nil {
		if rec, ok, err := d.layout.Get(file, chunkSize, fingerprint); err != nil {
			d.logf("datasource: layout cache get: %s", err)
		} else if ok {
			shape, dataLength, chunks = rec.Shape, rec.DataLength, rec.Chunks
			if results, min, max, hasData, ok := d.tryAllCached(file, chunkSize, chunks); ok {
				if err := checkMergedSize(results, dataLength); err != nil {
					return LoadResult{}, err
				}
				return d.finish(results, shape, dataLength, "", start, true, min, max, hasData), nil
			}
		}
	}

	if tracker != nil {
		tracker.StartEvent("preprocess", "datasource", file, "preprocess request")
	}
	resp, err := d.preprocess(ctx, file, chunkSize, sessionID(tracker))
	if tracker != nil {
		tracker.EndEvent("preprocess")
	}
	if err != nil {
		return LoadResult{}, err
	}
	taskID, shape, dataLength, chunks = resp.TaskID, resp.Shape, resp.DataLength, resp.Chunks

	if fpErr == nil {
		rec := layoutcache.Record{Shape: shape, Chunks: chunks, DataLength: dataLength}
		if err := d.layout.Put(file, chunkSize, fingerprint, rec); err != nil {
			d.logf("datasource: layout cache put: %s", err)
		}
	}

	if len(chunks) == 0 {
		return LoadResult{Shape: shape, DataLength: 0, TaskID: taskID, FetchMs: time.Since(start).Milliseconds()}, nil
	}

	results, min, max, hasData, err := d.fetchChunks(ctx, file, chunkSize, taskID, chunks, tracker)
	if err != nil {
		return LoadResult{}, err
	}
	if err := checkMergedSize(results, dataLength); err != nil {
		return LoadResult{}, err
	}

	return d.finish(results, shape, dataLength, taskID, start, false, min, max, hasData), nil
}

// checkMergedSize verifies the sum of per-chunk element counts
// against the advertised data length before a merged buffer is
// handed to a caller; a mismatch indicates registry or codec
// corruption and must never pass silently.
func checkMergedSize(results []ChunkResult, dataLength uint64) error {
	var got uint64
	for _, c := range results {
		got += uint64(len(c.Bytes)) / 8
	}
	if got != dataLength {
		return &voxelerr.MergeSizeMismatchError{Want: dataLength, Got: got}
	}
	return nil
}

// tryAllCached attempts to resolve every chunk from the byte
// cache. ok is false the moment any chunk misses, since a
// partial hit still requires the full preprocess path.
func (d *DataSource) tryAllCached(file string, chunkSize uint64, chunks []wire.ChunkDescriptor) (results []ChunkResult, min, max float64, hasData, ok bool) {
	m := newMerger()
	for _, c := range chunks {
		cc, hit, err := d.byteCache.Get(file, chunkSize, c.Index)
		if err != nil {
			d.logf("datasource: byte cache get: %s", err)
		}
		if !hit {
			return nil, 0, 0, false, false
		}
		m.add(ChunkResult{Index: c.Index, Bytes: cc.Bytes, Min: cc.Min, Max: cc.Max, FromCache: true})
	}
	results, min, max, hasData = m.drain()
	return results, min, max, hasData, true
}

func (d *DataSource) preprocess(ctx context.Context, file string, chunkSize uint64, sessionID string) (wire.PreprocessResponse, error) {
	body, err := json.Marshal(wire.PreprocessRequest{File: file, ChunkSize: chunkSize, SessionID: sessionID})
	if err != nil {
		return wire.PreprocessResponse{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"/voxel-grid/preprocess", bytes.NewReader(body))
	if err != nil {
		return wire.PreprocessResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := d.client.Do(req)
	if err != nil {
		return wire.PreprocessResponse{}, &voxelerr.TransportError{Msg: "preprocess", Err: err}
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		var errResp wire.ErrorResponse
		json.NewDecoder(res.Body).Decode(&errResp)
		return wire.PreprocessResponse{}, fmt.Errorf("datasource: preprocess %s: status %s: %s", file, res.Status, errResp.Error)
	}
	var resp wire.PreprocessResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		return wire.PreprocessResponse{}, fmt.Errorf("datasource: decode preprocess response: %w", err)
	}
	return resp, nil
}

// merger accumulates chunk results as they arrive from
// possibly-concurrent sources (lane-forwarding goroutines) into
// an index-ordered heap, folding the running global min/max
// lock-free via atomicext while a mutex guards the heap slice
// itself.
type merger struct {
	mu   sync.Mutex
	heap []ChunkResult
	less func(a, b ChunkResult) bool

	min, max float64
}

func newMerger() *merger {
	return &merger{
		less: func(a, b ChunkResult) bool { return a.Index < b.Index },
		min:  math.Inf(1),
		max:  math.Inf(-1),
	}
}

func (m *merger) add(c ChunkResult) {
	atomicext.MinFloat64(&m.min, c.Min)
	atomicext.MaxFloat64(&m.max, c.Max)
	m.mu.Lock()
	heap.PushSlice(&m.heap, c, m.less)
	m.mu.Unlock()
}

// drain pops every accumulated result in ascending index order
// and returns the running global min/max folded via atomicext.
// hasData is false when nothing was ever added, in which case
// min/max are meaningless and must not be treated as 0.
func (m *merger) drain() (results []ChunkResult, min, max float64, hasData bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ChunkResult, 0, len(m.heap))
	for len(m.heap) > 0 {
		out = append(out, heap.PopSlice(&m.heap, m.less))
	}
	if len(out) == 0 {
		return out, 0, 0, false
	}
	return out, m.min, m.max, true
}

// fetchChunks resolves every chunk either from the byte cache
// or by fanning misses out across up to maxLanes lane workers,
// then merges the results in index order and schedules idle
// writeback for network-sourced chunks.
func (d *DataSource) fetchChunks(ctx context.Context, file string, chunkSize uint64, taskID string, chunks []wire.ChunkDescriptor, tracker *perf.Tracker) (results []ChunkResult, min, max float64, hasData bool, err error) {
	loadCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	m := newMerger()
	var misses []wire.ChunkDescriptor
	for _, c := range chunks {
		cc, hit, getErr := d.byteCache.Get(file, chunkSize, c.Index)
		if getErr != nil {
			d.logf("datasource: byte cache get: %s", getErr)
		}
		if hit {
			m.add(ChunkResult{Index: c.Index, Bytes: cc.Bytes, Min: cc.Min, Max: cc.Max, FromCache: true})
			continue
		}
		misses = append(misses, c)
	}
	if len(misses) == 0 {
		results, min, max, hasData = m.drain()
		return results, min, max, hasData, nil
	}

	lanes := d.maxLanes
	if lanes > MaxLanes {
		lanes = MaxLanes
	}
	if lanes > len(misses) {
		lanes = len(misses)
	}
	if lanes < 1 {
		lanes = 1
	}

	workerOpts := append([]fetch.Option{fetch.WithHTTPClient(d.client)}, d.fetchOpts...)
	workers := make([]*fetch.Worker, lanes)
	for i := range workers {
		workers[i] = fetch.New(d.baseURL, workerOpts...)
	}
	defer func() {
		for _, w := range workers {
			w.Close()
		}
	}()

	type outcome struct {
		index uint32
		err   error
	}
	done := make(chan outcome, len(misses))
	for _, w := range workers {
		go func(w *fetch.Worker) {
			for r := range w.Results() {
				if r.Err != nil {
					done <- outcome{index: r.ChunkIndex, err: r.Err}
					continue
				}
				m.add(ChunkResult{Index: r.ChunkIndex, Bytes: r.Bytes, Min: r.Min, Max: r.Max})
				done <- outcome{index: r.ChunkIndex}
			}
		}(w)
	}

	if tracker != nil {
		tracker.StartEvent("fetch", "datasource", taskID, fmt.Sprintf("fetch %d chunk(s)", len(misses)))
	}

	sid := sessionID(tracker)
	for i, c := range misses {
		lane := i % lanes
		workers[lane].Submit(fetch.Request{Ctx: loadCtx, TaskID: taskID, ChunkIndex: c.Index, SessionID: sid})
	}

	var firstErr error
	for range misses {
		o := <-done
		if o.err != nil && firstErr == nil {
			firstErr = fmt.Errorf("datasource: chunk %d: %w", o.index, o.err)
			cancel()
		}
	}
	if tracker != nil {
		tracker.EndEvent("fetch")
	}
	if firstErr != nil {
		return nil, 0, 0, false, firstErr
	}

	results, min, max, hasData = m.drain()
	for _, c := range results {
		if c.FromCache {
			continue
		}
		// Copy before writeback: the original buffer may already
		// be owned by the merged output handed to the mesher.
		cp := append([]byte(nil), c.Bytes...)
		d.byteCache.Put(file, chunkSize, c.Index, cp, c.Min, c.Max, time.Now().UnixMilli())
	}

	return results, min, max, hasData, nil
}

func (d *DataSource) finish(results []ChunkResult, shape [3]uint64, dataLength uint64, taskID string, start time.Time, allFromCache bool, min, max float64, hasData bool) LoadResult {
	return LoadResult{
		Chunks:       results,
		Shape:        shape,
		DataLength:   dataLength,
		TaskID:       taskID,
		FetchMs:      time.Since(start).Milliseconds(),
		AllFromCache: allFromCache,
		Min:          min,
		Max:          max,
		HasData:      hasData,
	}
}
