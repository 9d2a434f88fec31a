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

package main

import (
	"net/http"
	"strconv"

	"github.com/sneller-labs/voxelgrid/registry"
	"github.com/sneller-labs/voxelgrid/wire"
)

// chunkHandler implements GET /voxel-grid/chunk?task_id&chunk_index
// per the Ready/NotReady/AlreadyConsumed/NotFound state machine.
func (s *server) chunkHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	taskID := q.Get("task_id")
	index, err := strconv.ParseUint(q.Get("chunk_index"), 10, 32)
	if taskID == "" || err != nil {
		writeJSON(w, http.StatusBadRequest, wire.ErrorResponse{Error: "task_id and chunk_index are required"})
		return
	}

	result, bytes, takeErr := s.registry.TakeChunk(taskID, uint32(index))
	switch result {
	case registry.Ready:
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write(bytes)

	case registry.NotReady:
		w.WriteHeader(http.StatusAccepted)

	case registry.AlreadyConsumed:
		writeJSON(w, http.StatusBadRequest, wire.ErrorResponse{Error: "chunk already consumed"})

	default: // registry.NotFound
		msg := "task not found or expired"
		if takeErr != nil {
			msg = takeErr.Error()
		}
		writeJSON(w, http.StatusNotFound, wire.ErrorResponse{Error: msg})
	}
}
