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

package perf

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// now returns the wall-clock Unix epoch milliseconds used
// for every trace timestamp.
func now() int64 { return time.Now().UnixMilli() }

// Tracker is a single writer's view onto a session. Any
// goroutine (orchestrator or lane) may construct a Tracker
// with the same sessionID against a shared Store; records
// converge through Store.Upsert.
type Tracker struct {
	sessionID string
	store     *Store

	mu       sync.Mutex
	pending  map[string]pendingEvent
	records  []Record
	metadata map[string]string
}

type pendingEvent struct {
	channelGroup string
	channelIndex string
	msg          string
	startMs      int64
}

// NewSessionID generates a fresh opaque session identifier.
func NewSessionID() string {
	return uuid.New().String()
}

// NewTracker constructs a Tracker for sessionID backed by store.
func NewTracker(sessionID string, store *Store) *Tracker {
	return &Tracker{
		sessionID: sessionID,
		store:     store,
		pending:   make(map[string]pendingEvent),
	}
}

// SessionID returns the tracker's session identifier.
func (t *Tracker) SessionID() string { return t.sessionID }

// StartEvent marks the beginning of a paired event,
// identified by eventID until the matching EndEvent.
func (t *Tracker) StartEvent(eventID, channelGroup, channelIndex, msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending[eventID] = pendingEvent{
		channelGroup: channelGroup,
		channelIndex: channelIndex,
		msg:          msg,
		startMs:      now(),
	}
}

// EndEvent closes the paired event started under eventID,
// emitting a record spanning [start, now). Ending an unknown
// eventID is a silent no-op, since tracing must never break
// a load.
func (t *Tracker) EndEvent(eventID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ev, ok := t.pending[eventID]
	if !ok {
		return
	}
	delete(t.pending, eventID)
	t.records = append(t.records, Record{
		StartMs:      ev.startMs,
		EndMs:        now(),
		ChannelGroup: ev.channelGroup,
		ChannelIndex: ev.channelIndex,
		Msg:          ev.msg,
	})
}

// RecordEvent emits a record with explicit or defaulted
// (zero means "now") start/end times.
func (t *Tracker) RecordEvent(channelGroup, channelIndex, msg string, startMs, endMs int64) {
	if startMs == 0 {
		startMs = now()
	}
	if endMs == 0 {
		endMs = now()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records = append(t.records, Record{
		StartMs:      startMs,
		EndMs:        endMs,
		ChannelGroup: channelGroup,
		ChannelIndex: channelIndex,
		Msg:          msg,
	})
}

// SetMetadata attaches or overwrites a metadata key for the
// session envelope.
func (t *Tracker) SetMetadata(key, value string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.metadata == nil {
		t.metadata = make(map[string]string)
	}
	t.metadata[key] = value
}

// Complete flushes pending records to the shared store and
// returns the merged session envelope. Any store error is
// returned to the caller, who is expected (per the error
// model) to swallow it rather than fail the load.
func (t *Tracker) Complete() (Session, error) {
	t.mu.Lock()
	records := append([]Record(nil), t.records...)
	metadata := t.metadata
	t.mu.Unlock()

	if err := t.store.Upsert(t.sessionID, records, metadata); err != nil {
		return Session{}, err
	}
	sess, _, err := t.store.Get(t.sessionID)
	return sess, err
}
