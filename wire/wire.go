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

// Package wire holds the JSON request and response
// types shared between the voxel-grid daemon and its
// clients.
package wire

// ChunkDescriptor is the wire representation of a
// single chunk's half-open element range.
type ChunkDescriptor struct {
	Index uint32 `json:"index"`
	Start uint64 `json:"start"`
	End   uint64 `json:"end"`
}

// PreprocessRequest is the body of POST /voxel-grid/preprocess.
type PreprocessRequest struct {
	File      string `json:"file"`
	ChunkSize uint64 `json:"chunk_size"`
	SessionID string `json:"session_id,omitempty"`
}

// PreprocessResponse is the 200 body of POST /voxel-grid/preprocess.
type PreprocessResponse struct {
	TaskID     string            `json:"task_id"`
	File       string            `json:"file"`
	FileSize   uint64            `json:"file_size"`
	Shape      [3]uint64         `json:"shape"`
	DataLength uint64            `json:"data_length"`
	ChunkSize  uint64            `json:"chunk_size"`
	Chunks     []ChunkDescriptor `json:"chunks"`
}

// ErrorResponse is the body of any non-2xx JSON error response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// PerfRecord is the wire representation of a single trace record.
type PerfRecord struct {
	StartTime    int64  `json:"start_time"`
	EndTime      int64  `json:"end_time"`
	ChannelGroup string `json:"channel_group"`
	ChannelIndex string `json:"channel_index"`
	Msg          string `json:"msg"`
}

// PerfResponse is the 200 body of GET /performance.
type PerfResponse struct {
	SessionID string       `json:"session_id"`
	Records   []PerfRecord `json:"records"`
}

// PerfIngestRequest is the body of POST /performance.
type PerfIngestRequest struct {
	SessionID string       `json:"session_id"`
	Records   []PerfRecord `json:"records"`
}
