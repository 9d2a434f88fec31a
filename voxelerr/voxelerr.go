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

// Package voxelerr holds the typed error kinds shared by
// the server and client halves of the voxel-grid loader.
// The kinds a server handler returns carry an HTTP status
// through a Status method; ChunkTimeoutError, TransportError,
// MergeSizeMismatchError and CacheError arise only on the
// client side and have none. Each kind has a specific
// fatal/non-fatal disposition on the client side.
package voxelerr

import "fmt"

// ValidationError indicates bad preprocess input.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return "validation error: " + e.Msg }
func (e *ValidationError) Status() int   { return 400 }

// UnknownFileError indicates the requested file does not
// resolve under the configured file root.
type UnknownFileError struct {
	File string
}

func (e *UnknownFileError) Error() string { return fmt.Sprintf("unknown file %q", e.File) }
func (e *UnknownFileError) Status() int   { return 400 }

// ParserNotFoundError indicates the file extension has no
// registered FieldParser.
type ParserNotFoundError struct {
	File string
}

func (e *ParserNotFoundError) Error() string {
	return fmt.Sprintf("no parser registered for %q", e.File)
}
func (e *ParserNotFoundError) Status() int { return 400 }

// ChunkTimeoutError indicates a chunk never became ready
// within the configured retry budget.
type ChunkTimeoutError struct {
	ChunkIndex uint32
	Attempts   int
}

func (e *ChunkTimeoutError) Error() string {
	return fmt.Sprintf("chunk %d not ready after %d retries", e.ChunkIndex, e.Attempts)
}

// ChunkGoneError indicates the chunk was found but already
// consumed by another caller.
type ChunkGoneError struct {
	TaskID     string
	ChunkIndex uint32
}

func (e *ChunkGoneError) Error() string {
	return fmt.Sprintf("chunk %d of task %s already consumed", e.ChunkIndex, e.TaskID)
}
func (e *ChunkGoneError) Status() int { return 400 }

// TaskExpiredError indicates the task is unknown to the
// registry, either because it never existed or because its
// TTL has elapsed.
type TaskExpiredError struct {
	TaskID string
}

func (e *TaskExpiredError) Error() string { return fmt.Sprintf("task %s expired or unknown", e.TaskID) }
func (e *TaskExpiredError) Status() int   { return 404 }

// TransportError wraps a network failure or an unexpected
// HTTP status observed while talking to the daemon.
type TransportError struct {
	Msg string
	Err error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transport error: %s: %s", e.Msg, e.Err)
	}
	return "transport error: " + e.Msg
}
func (e *TransportError) Unwrap() error { return e.Err }

// MergeSizeMismatchError indicates the sum of chunk element
// counts disagrees with the advertised data length.
type MergeSizeMismatchError struct {
	Want uint64
	Got  uint64
}

func (e *MergeSizeMismatchError) Error() string {
	return fmt.Sprintf("merged chunk size mismatch: want %d elements, got %d", e.Want, e.Got)
}

// CacheError wraps a failure reading or writing a local
// persistent store. It is never fatal to a load; callers
// should log it and continue as though the operation
// missed the cache.
type CacheError struct {
	Op  string
	Err error
}

func (e *CacheError) Error() string { return fmt.Sprintf("cache error during %s: %s", e.Op, e.Err) }
func (e *CacheError) Unwrap() error { return e.Err }
