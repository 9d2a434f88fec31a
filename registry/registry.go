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

// Package registry implements the server-side task arena:
// per-task chunk slots with at-most-once delivery and
// time-to-live expiration.
package registry

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sneller-labs/voxelgrid/voxelerr"
)

// DefaultTTL is the task lifetime used when no
// WithTTL option is supplied.
const DefaultTTL = 10 * time.Minute

// DefaultSweepInterval is how often the background
// sweep goroutine scans for expired tasks.
const DefaultSweepInterval = time.Minute

// slotState is the per-chunk state machine:
// pending -> ready -> consumed (terminal), or
// poisoned (terminal) when Poison records a fill error.
type slotState int

const (
	pending slotState = iota
	ready
	consumed
	poisoned
)

type slot struct {
	state slotState
	bytes []byte
	err   error
}

// TaskData is the in-memory record for one preprocess call.
type TaskData struct {
	TaskID     string
	Shape      [3]uint64
	DataLength uint64
	ChunkSize  uint64
	CreatedAt  time.Time
	TTL        time.Duration

	mu     sync.Mutex
	slots  []slot
	remain int
}

// TakeResult enumerates the outcomes of TakeChunk.
type TakeResult int

const (
	NotFound TakeResult = iota
	NotReady
	AlreadyConsumed
	Ready
)

// Option configures a Registry.
type Option func(*Registry)

// WithLogger installs a logger used for background sweep
// diagnostics. A nil logger (the default) disables logging.
func WithLogger(l *log.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithTTL overrides DefaultTTL for tasks created after this
// option is applied.
func WithTTL(ttl time.Duration) Option {
	return func(r *Registry) { r.ttl = ttl }
}

// WithSweepInterval overrides DefaultSweepInterval.
func WithSweepInterval(d time.Duration) Option {
	return func(r *Registry) { r.sweepInterval = d }
}

// Registry is the arena of in-flight tasks, keyed by opaque
// task_id. It is safe for concurrent use.
type Registry struct {
	logger        *log.Logger
	ttl           time.Duration
	sweepInterval time.Duration

	mu    sync.Mutex
	tasks map[string]*TaskData

	stop chan struct{}
	done chan struct{}
}

// New constructs a Registry and starts its background sweep
// goroutine. Callers must call Close to stop the goroutine.
func New(opts ...Option) *Registry {
	r := &Registry{
		ttl:           DefaultTTL,
		sweepInterval: DefaultSweepInterval,
		tasks:         make(map[string]*TaskData),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	go r.sweepLoop()
	return r
}

func (r *Registry) logf(format string, args ...interface{}) {
	if r.logger != nil {
		r.logger.Printf(format, args...)
	}
}

func (r *Registry) sweepLoop() {
	defer close(r.done)
	t := time.NewTicker(r.sweepInterval)
	defer t.Stop()
	for {
		select {
		case <-r.stop:
			return
		case now := <-t.C:
			n := r.Sweep(now)
			if n > 0 {
				r.logf("registry: swept %d expired task(s)", n)
			}
		}
	}
}

// Close stops the background sweep goroutine.
func (r *Registry) Close() error {
	close(r.stop)
	<-r.done
	return nil
}

// Create allocates a fresh task with one Pending slot per
// chunk descriptor and returns its opaque task_id.
func (r *Registry) Create(shape [3]uint64, dataLength, chunkSize uint64, numChunks int) string {
	taskID := uuid.New().String()
	t := &TaskData{
		TaskID:     taskID,
		Shape:      shape,
		DataLength: dataLength,
		ChunkSize:  chunkSize,
		CreatedAt:  time.Now(),
		TTL:        r.ttl,
		slots:      make([]slot, numChunks),
		remain:     numChunks,
	}
	r.mu.Lock()
	r.tasks[taskID] = t
	r.mu.Unlock()
	return taskID
}

func (r *Registry) lookup(taskID string) *TaskData {
	r.mu.Lock()
	t := r.tasks[taskID]
	r.mu.Unlock()
	return t
}

// SetChunk transitions slot index of taskID from Pending to
// Ready, attaching bytes. It is safe to call concurrently
// for distinct indexes of the same task.
func (r *Registry) SetChunk(taskID string, index uint32, bytes []byte) error {
	t := r.lookup(taskID)
	if t == nil {
		return &voxelerr.TaskExpiredError{TaskID: taskID}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if int(index) >= len(t.slots) {
		return &voxelerr.ValidationError{Msg: "chunk index out of range"}
	}
	if t.slots[index].state != pending {
		return &voxelerr.ValidationError{Msg: "chunk slot is not pending"}
	}
	t.slots[index].state = ready
	t.slots[index].bytes = bytes
	return nil
}

// Poison marks a chunk slot as failed, so that a later
// TakeChunk surfaces the parse error instead of hanging the
// caller in NotReady forever.
func (r *Registry) Poison(taskID string, index uint32, err error) {
	t := r.lookup(taskID)
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if int(index) >= len(t.slots) {
		return
	}
	if t.slots[index].state == pending {
		t.slots[index].state = poisoned
		t.slots[index].err = err
	}
}

// TakeChunk performs the atomic read-modify-write that
// delivers a chunk's bytes at most once.
func (r *Registry) TakeChunk(taskID string, index uint32) (TakeResult, []byte, error) {
	t := r.lookup(taskID)
	if t == nil {
		return NotFound, nil, nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if int(index) >= len(t.slots) {
		return NotFound, nil, nil
	}
	s := &t.slots[index]
	switch s.state {
	case pending:
		return NotReady, nil, nil
	case poisoned:
		return NotFound, nil, s.err
	case consumed:
		return AlreadyConsumed, nil, nil
	case ready:
		out := s.bytes
		s.state = consumed
		s.bytes = nil
		t.remain--
		done := t.remain <= 0
		if done {
			// drop the task eagerly once every chunk has
			// been consumed, per the at-most-once contract.
			go r.remove(taskID)
		}
		return Ready, out, nil
	default:
		return NotFound, nil, nil
	}
}

func (r *Registry) remove(taskID string) {
	r.mu.Lock()
	delete(r.tasks, taskID)
	r.mu.Unlock()
}

// Sweep removes every task whose TTL has elapsed as of now,
// returning the count removed.
func (r *Registry) Sweep(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, t := range r.tasks {
		if now.Sub(t.CreatedAt) > t.TTL {
			delete(r.tasks, id)
			n++
		}
	}
	return n
}

// Len reports the number of live tasks, for diagnostics and tests.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}
